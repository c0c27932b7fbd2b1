package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCounters_ApplyAccumulatesDeltas(t *testing.T) {
	now := time.Now()
	var c Counters

	c.Apply(Sample{InBytes: 1000, OutBytes: 200, InPackets: 10, OutPackets: 2}, now)
	c.Apply(Sample{InBytes: 1500, OutBytes: 200, InPackets: 14, OutPackets: 2}, now.Add(time.Second))

	require.Equal(t, uint64(1500), c.Incoming)
	require.Equal(t, uint64(200), c.Outgoing)
	require.Equal(t, uint64(14), c.InPackets)
	require.Equal(t, now.Add(time.Second), c.LastUpdated)
}

func TestCounters_SourceResetNeverRegresses(t *testing.T) {
	now := time.Now()
	var c Counters

	raw := []uint64{100, 5000, 40, 90, 90, 0, 7}
	var prev uint64
	for i, v := range raw {
		c.Apply(Sample{InBytes: v, OutBytes: v}, now.Add(time.Duration(i)*time.Second))
		require.GreaterOrEqual(t, c.Incoming, prev, "sample %d", i)
		prev = c.Incoming
		c.Roll()
		require.NoError(t, c.Check())
	}
	// 100 + 4900 + 40 (reset) + 50 + 0 + 0 (reset) + 7
	require.Equal(t, uint64(5097), c.Incoming)
}

func TestCounters_LastUpdatedOnlyOnTraffic(t *testing.T) {
	start := time.Now()
	var c Counters
	c.Apply(Sample{InBytes: 10}, start)
	c.Apply(Sample{InBytes: 10}, start.Add(time.Minute))
	require.Equal(t, start, c.LastUpdated)
}

func TestCounters_ResetKeepsBaseline(t *testing.T) {
	now := time.Now()
	var c Counters
	c.Apply(Sample{InBytes: 800, OutBytes: 300}, now)
	c.Reset(now)
	require.Zero(t, c.Incoming)

	c.Apply(Sample{InBytes: 1000, OutBytes: 300}, now)
	require.Equal(t, uint64(200), c.Incoming)
	require.Zero(t, c.Outgoing)
}

func TestCounters_CheckDetectsSnapshotAhead(t *testing.T) {
	c := Counters{Incoming: 10, IncomingPrevious: 11}
	require.ErrorIs(t, c.Check(), ErrInvariantViolation)

	c = Counters{Outgoing: 10, OutWindowStart: 20}
	require.ErrorIs(t, c.Check(), ErrInvariantViolation)
}
