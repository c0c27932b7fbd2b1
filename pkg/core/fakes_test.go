package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"opennds-go/pkg/config"
)

var errFirewallDown = errors.New("iptables: exit status 4")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeFirewall records every call. fail makes the next N calls of any kind fail.
type fakeFirewall struct {
	mu    sync.Mutex
	calls []string
	fail  int
}

func (f *fakeFirewall) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.fail > 0 {
		f.fail--
		return errFirewallDown
	}
	return nil
}

func (f *fakeFirewall) Authenticate(_ context.Context, c Client) error {
	return f.record("auth " + c.IP)
}

func (f *fakeFirewall) Deauthenticate(_ context.Context, c Client) error {
	return f.record("deauth " + c.IP)
}

func (f *fakeFirewall) InstallThrottle(_ context.Context, c Client, dir Direction, bucket uint64) error {
	return f.record(fmt.Sprintf("throttle %s %s %d", c.IP, dir, bucket))
}

func (f *fakeFirewall) RemoveThrottle(_ context.Context, c Client, dir Direction) error {
	return f.record(fmt.Sprintf("unthrottle %s %s", c.IP, dir))
}

func (f *fakeFirewall) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeFirewall) Count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// fakeCounters serves raw samples set by the test.
type fakeCounters struct {
	mu      sync.Mutex
	samples map[string]Sample
	err     error
}

func (f *fakeCounters) Set(ip string, s Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.samples == nil {
		f.samples = make(map[string]Sample)
	}
	f.samples[ip] = s
}

func (f *fakeCounters) Sample(context.Context) (map[string]Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]Sample, len(f.samples))
	for k, v := range f.samples {
		out[k] = v
	}
	return out, nil
}

// forgettingCounters keeps cumulative totals per IP until Forget is called,
// the way a connection-tracking source does.
type forgettingCounters struct {
	fakeCounters
	forgot []string
}

func (f *forgettingCounters) Forget(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.samples, ip)
	f.forgot = append(f.forgot, ip)
}

type hookCall struct {
	event  string
	client Client
}

type fakeHook struct {
	mu    sync.Mutex
	calls []hookCall
}

func (h *fakeHook) Run(_ context.Context, event string, c Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, hookCall{event: event, client: c})
	return nil
}

func (h *fakeHook) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := make([]string, 0, len(h.calls))
	for _, c := range h.calls {
		events = append(events, c.event)
	}
	return events
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Interval = 10 * time.Second
	cfg.PreauthIdleTimeout = 0
	cfg.AuthIdleTimeout = 0
	return &cfg
}
