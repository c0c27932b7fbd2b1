package core

import (
	"fmt"
	"time"
)

// Direction names one half of a client's traffic. Upload is client to network
// (outgoing), Download is network to client (incoming).
type Direction int

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Sample is one raw reading of a client's traffic counters. Raw values come from
// the kernel and may reset (rule re-created, flow expired) or wrap.
type Sample struct {
	InBytes    uint64
	OutBytes   uint64
	InPackets  uint64
	OutPackets uint64
}

// Counters tracks lifetime byte and packet totals for one session, the snapshots
// taken at the previous watchdog tick and the byte totals at the start of the
// current rate window.
type Counters struct {
	Incoming           uint64    `json:"incoming"`
	Outgoing           uint64    `json:"outgoing"`
	InPackets          uint64    `json:"inpackets"`
	OutPackets         uint64    `json:"outpackets"`
	IncomingPrevious   uint64    `json:"incoming_previous"`
	OutgoingPrevious   uint64    `json:"outgoing_previous"`
	InPacketsPrevious  uint64    `json:"inpackets_previous"`
	OutPacketsPrevious uint64    `json:"outpackets_previous"`
	InWindowStart      uint64    `json:"in_window_start"`
	OutWindowStart     uint64    `json:"out_window_start"`
	LastUpdated        time.Time `json:"last_updated"`

	// last raw reading, used to turn absolute source values into deltas
	raw Sample
}

// step returns how far a raw counter moved since the last reading. A raw value
// lower than the last one means the source was reset, so the whole value is new traffic.
func step(raw, last uint64) uint64 {
	if raw >= last {
		return raw - last
	}
	return raw
}

// Apply folds a raw sample into the totals. Totals never decrease whatever the
// source reports. LastUpdated moves only when traffic was seen.
func (c *Counters) Apply(s Sample, now time.Time) {
	in := step(s.InBytes, c.raw.InBytes)
	out := step(s.OutBytes, c.raw.OutBytes)
	c.InPackets += step(s.InPackets, c.raw.InPackets)
	c.OutPackets += step(s.OutPackets, c.raw.OutPackets)
	c.Incoming += in
	c.Outgoing += out
	c.raw = s

	if in > 0 || out > 0 {
		c.LastUpdated = now
	}
}

// Roll copies the totals into the previous-tick snapshots.
func (c *Counters) Roll() {
	c.IncomingPrevious = c.Incoming
	c.OutgoingPrevious = c.Outgoing
	c.InPacketsPrevious = c.InPackets
	c.OutPacketsPrevious = c.OutPackets
}

// Reset zeroes the accounting while keeping the raw baseline, so traffic seen
// before the reset is not counted again.
func (c *Counters) Reset(now time.Time) {
	raw := c.raw
	*c = Counters{raw: raw, LastUpdated: now}
}

// Check verifies that no snapshot runs ahead of its total.
func (c *Counters) Check() error {
	switch {
	case c.IncomingPrevious > c.Incoming:
		return fmt.Errorf("%w: incoming_previous %d > incoming %d", ErrInvariantViolation, c.IncomingPrevious, c.Incoming)
	case c.OutgoingPrevious > c.Outgoing:
		return fmt.Errorf("%w: outgoing_previous %d > outgoing %d", ErrInvariantViolation, c.OutgoingPrevious, c.Outgoing)
	case c.InWindowStart > c.Incoming:
		return fmt.Errorf("%w: in_window_start %d > incoming %d", ErrInvariantViolation, c.InWindowStart, c.Incoming)
	case c.OutWindowStart > c.Outgoing:
		return fmt.Errorf("%w: out_window_start %d > outgoing %d", ErrInvariantViolation, c.OutWindowStart, c.Outgoing)
	}
	return nil
}
