package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{
		UploadBucketRatio:     10,
		DownloadBucketRatio:   10,
		MaxUploadBucketSize:   250,
		MaxDownloadBucketSize: 250,
		MTU:                   1500,
		RateThreshold:         2,
	}
}

// authedClient returns an authenticated client whose last window opened 10s before now.
func authedClient(now time.Time) Client {
	return Client{
		ID:          1,
		MAC:         "02:00:00:00:00:01",
		IP:          "10.0.0.5",
		State:       Authenticated,
		Created:     now.Add(-time.Hour),
		WindowStart: now.Add(-10 * time.Second),
		UploadRate:  100,
	}
}

func TestPolicy_BucketSize(t *testing.T) {
	p := testPolicy()

	cases := []struct {
		name  string
		dir   Direction
		rate  uint64
		ratio uint64
		want  uint64
	}{
		{"unlimited rate", Upload, 0, 10, 0},
		{"ratio below one disables", Download, 1000, 0, 0},
		{"packet rate times ratio", Upload, 100, 10, 80},
		{"tiny rate floors at one packet", Upload, 1, 3, 3},
		{"capped at max bucket", Download, 100000, 10, 250},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p.UploadBucketRatio, p.DownloadBucketRatio = tc.ratio, tc.ratio
			require.Equal(t, tc.want, p.BucketSize(tc.dir, tc.rate))
		})
	}
}

func TestEvaluate_QuotaBoundary(t *testing.T) {
	now := time.Now()
	c := authedClient(now)
	c.DownloadQuota = 1000

	c.Counters.Incoming = 1000 * 1024
	require.Equal(t, VerdictOk, Evaluate(c, testPolicy(), now).Verdict, "exactly at quota is allowed")

	c.Counters.Incoming = 1_024_001
	d := Evaluate(c, testPolicy(), now)
	require.Equal(t, VerdictQuotaExceeded, d.Verdict)
	require.Equal(t, Download, d.Direction)
	require.Equal(t, EventDownQuotaDeauth, d.DeauthEvent())
}

func TestEvaluate_UploadQuota(t *testing.T) {
	now := time.Now()
	c := authedClient(now)
	c.UploadQuota = 1
	c.Counters.Outgoing = 2048
	c.Counters.OutWindowStart = 2048

	d := Evaluate(c, testPolicy(), now)
	require.Equal(t, VerdictQuotaExceeded, d.Verdict)
	require.Equal(t, EventUpQuotaDeauth, d.DeauthEvent())
}

func TestEvaluate_ExpiredWinsOverEverything(t *testing.T) {
	now := time.Now()
	c := authedClient(now)
	c.SessionEnd = now.Add(-time.Second)
	c.DownloadQuota = 1
	c.Counters.Incoming = 1 << 30

	d := Evaluate(c, testPolicy(), now)
	require.Equal(t, VerdictExpired, d.Verdict)
	require.Equal(t, EventTimeoutDeauth, d.DeauthEvent())

	c.SessionEnd = now.Add(time.Minute)
	require.NotEqual(t, VerdictExpired, Evaluate(c, testPolicy(), now).Verdict)
}

func TestEvaluate_InitialLoopSuppressesRate(t *testing.T) {
	now := time.Now()
	c := authedClient(now)
	c.InitialLoop = true
	c.Counters.Outgoing = 1 << 30

	d := Evaluate(c, testPolicy(), now)
	require.Equal(t, VerdictOk, d.Verdict)
	require.False(t, d.RateExceeded)
	require.Zero(t, d.WindowCounter)
	require.False(t, d.UploadLimiting)
}

func TestEvaluate_Hysteresis(t *testing.T) {
	now := time.Now()
	p := testPolicy()
	c := authedClient(now)

	window := func(outBytes uint64) Decision {
		c.Counters.OutWindowStart = c.Counters.Outgoing
		c.Counters.Outgoing += outBytes
		d := Evaluate(c, p, now)
		c.WindowCounter = d.WindowCounter
		c.UploadLimiting = d.UploadLimiting
		return d
	}

	// 187500 bytes in 10s is 150 kbit/s against a 100 kbit/s ceiling.
	d := window(187_500)
	require.Equal(t, VerdictRateExceeded, d.Verdict)
	require.Equal(t, Upload, d.Direction)
	require.Equal(t, uint64(150), d.UpRate)
	require.False(t, d.UploadLimiting, "one window is below the threshold")

	d = window(187_500)
	require.True(t, d.UploadLimiting)
	require.Equal(t, 2, d.WindowCounter)

	d = window(187_500)
	require.True(t, d.UploadLimiting)
	require.Equal(t, 3, d.WindowCounter)

	d = window(62_500)
	require.Equal(t, VerdictOk, d.Verdict)
	require.Equal(t, uint64(50), d.UpRate)
	require.False(t, d.UploadLimiting)
	require.Zero(t, d.WindowCounter)
}

func TestEvaluate_RatioBelowOneNeverLimits(t *testing.T) {
	now := time.Now()
	p := testPolicy()
	p.UploadBucketRatio = 0
	c := authedClient(now)
	c.WindowCounter = 5
	c.Counters.Outgoing = 1 << 30

	d := Evaluate(c, p, now)
	require.Equal(t, VerdictOk, d.Verdict)
	require.False(t, d.UploadLimiting)
	require.Zero(t, d.UploadBucketSize)
}

func TestEvaluate_Idle(t *testing.T) {
	now := time.Now()
	p := testPolicy()
	p.AuthIdleTimeout = time.Minute
	p.PreauthIdleTimeout = 30 * time.Second

	c := authedClient(now)
	c.Counters.LastUpdated = now.Add(-2 * time.Minute)
	d := Evaluate(c, p, now)
	require.Equal(t, VerdictIdle, d.Verdict)
	require.Equal(t, EventIdleDeauth, d.DeauthEvent())

	pre := Client{State: Preauthenticated, Created: now.Add(-time.Minute)}
	require.Equal(t, VerdictIdle, Evaluate(pre, p, now).Verdict)

	pre.Counters.LastUpdated = now.Add(-time.Second)
	require.Equal(t, VerdictOk, Evaluate(pre, p, now).Verdict)

	blocked := Client{State: Blocked, Created: now.Add(-time.Hour)}
	require.Equal(t, VerdictOk, Evaluate(blocked, p, now).Verdict)
}
