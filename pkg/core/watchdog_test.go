package core

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"opennds-go/pkg/config"
)

type watchdogHarness struct {
	cfg      *config.Config
	reg      *Registry
	clock    *fakeClock
	fw       *fakeFirewall
	counters *fakeCounters
	hook     *fakeHook
	wd       *Watchdog
}

func newHarness(t *testing.T) *watchdogHarness {
	t.Helper()
	cfg := testConfig()
	clock := newFakeClock()
	h := &watchdogHarness{
		cfg:      cfg,
		clock:    clock,
		reg:      NewRegistry(cfg, clock, nil, zerolog.Nop()),
		fw:       &fakeFirewall{},
		counters: &fakeCounters{},
		hook:     &fakeHook{},
	}
	h.wd = NewWatchdog(cfg, h.reg, h.fw, h.counters, h.hook, nil, zerolog.Nop())
	return h
}

// authenticate adds a client and authenticates it with g, then runs the
// initial-loop tick so the next tick measures a full window.
func (h *watchdogHarness) authenticate(t *testing.T, mac, ip string, g Grant) Client {
	t.Helper()
	c, err := h.reg.Add(mac, ip)
	require.NoError(t, err)
	c, err = h.reg.Authenticate(c.ID, g)
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	h.wd.Tick(context.Background())
	c, err = h.reg.FindByID(c.ID)
	require.NoError(t, err)
	require.False(t, c.InitialLoop)
	return c
}

func (h *watchdogHarness) tick(d time.Duration) {
	h.clock.Advance(d)
	h.wd.Tick(context.Background())
}

func TestWatchdog_InitialLoopRollsWindowOnly(t *testing.T) {
	h := newHarness(t)
	c, _ := h.reg.Add("02:00:00:00:00:01", "10.0.0.5")
	_, err := h.reg.Authenticate(c.ID, Grant{UploadRate: 100})
	require.NoError(t, err)

	h.counters.Set("10.0.0.5", Sample{OutBytes: 10_000_000})
	h.tick(10 * time.Second)

	c, err = h.reg.FindByID(c.ID)
	require.NoError(t, err)
	require.False(t, c.InitialLoop)
	require.False(t, c.RateExceeded)
	require.Zero(t, c.WindowCounter)
	require.Equal(t, c.Counters.Outgoing, c.Counters.OutWindowStart)
	require.Equal(t, h.clock.Now(), c.WindowStart)
	require.Empty(t, h.fw.Calls())
}

func TestWatchdog_QuotaExceededDeauthsOnce(t *testing.T) {
	h := newHarness(t)
	c := h.authenticate(t, "02:00:00:00:00:01", "10.0.0.5", Grant{DownloadQuota: 1000})

	h.counters.Set("10.0.0.5", Sample{InBytes: 1_024_001})
	h.tick(10 * time.Second)

	_, err := h.reg.FindByID(c.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, h.fw.Count("deauth 10.0.0.5"))
	require.Equal(t, []string{EventDownQuotaDeauth}, h.hook.Events())
	require.Equal(t, Deauthenticated, h.hook.calls[0].client.State)

	h.tick(10 * time.Second)
	require.Equal(t, 1, h.fw.Count("deauth 10.0.0.5"), "a removed session is never deauthenticated again")
}

func TestWatchdog_ReusedIPStartsFromZero(t *testing.T) {
	h := newHarness(t)
	counters := &forgettingCounters{}
	h.wd = NewWatchdog(h.cfg, h.reg, h.fw, counters, h.hook, nil, zerolog.Nop())

	first := h.authenticate(t, "02:00:00:00:00:01", "10.0.0.5", Grant{DownloadQuota: 1000})
	counters.Set("10.0.0.5", Sample{InBytes: 2_000_000})
	h.tick(10 * time.Second)
	_, err := h.reg.FindByID(first.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, []string{"10.0.0.5"}, counters.forgot)

	// the same device comes back on the same address
	second := h.authenticate(t, "02:00:00:00:00:01", "10.0.0.5", Grant{DownloadQuota: 1000})
	h.tick(10 * time.Second)

	second, err = h.reg.FindByID(second.ID)
	require.NoError(t, err, "earlier traffic is not charged to the new session")
	require.Zero(t, second.Counters.Incoming)
	require.Equal(t, []string{EventDownQuotaDeauth}, h.hook.Events())

	counters.Set("10.0.0.5", Sample{InBytes: 5000})
	h.tick(10 * time.Second)
	second, err = h.reg.FindByID(second.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), second.Counters.Incoming)
}

func TestWatchdog_ExpiredRegardlessOfCounters(t *testing.T) {
	h := newHarness(t)
	c := h.authenticate(t, "02:00:00:00:00:01", "10.0.0.5", Grant{SessionEnd: h.clock.Now().Add(25 * time.Second)})

	h.tick(10 * time.Second)
	require.Equal(t, 1, h.reg.Length(), "session end not reached yet")

	h.counters.Set("10.0.0.5", Sample{InBytes: 1})
	h.tick(10 * time.Second)
	_, err := h.reg.FindByID(c.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, []string{EventTimeoutDeauth}, h.hook.Events())
}

func TestWatchdog_RateHysteresis(t *testing.T) {
	h := newHarness(t)
	c := h.authenticate(t, "02:00:00:00:00:01", "10.0.0.5", Grant{UploadRate: 100})

	var out uint64
	window := func(bytes uint64) Client {
		out += bytes
		h.counters.Set("10.0.0.5", Sample{OutBytes: out})
		h.tick(10 * time.Second)
		got, err := h.reg.FindByID(c.ID)
		require.NoError(t, err)
		return got
	}

	got := window(187_500)
	require.Equal(t, uint64(150), got.UpRate)
	require.True(t, got.RateExceeded)
	require.False(t, got.UploadLimiting)

	got = window(187_500)
	require.True(t, got.UploadLimiting)
	require.True(t, got.Throttled())

	got = window(187_500)
	require.True(t, got.UploadLimiting)
	require.Equal(t, 3, got.WindowCounter)
	require.Equal(t, 1, h.fw.Count("throttle 10.0.0.5 upload 80"), "throttle installed once")

	got = window(62_500)
	require.Equal(t, uint64(50), got.UpRate)
	require.False(t, got.UploadLimiting)
	require.Zero(t, got.WindowCounter)
	require.Equal(t, 1, h.fw.Count("unthrottle 10.0.0.5 upload"))
}

func TestWatchdog_FirewallFailureRetriesThenForcesRemoval(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxFirewallFailures = 3
	require.NoError(t, h.wd.Reconfigure(h.cfg))

	c := h.authenticate(t, "02:00:00:00:00:01", "10.0.0.5", Grant{DownloadQuota: 1})
	h.counters.Set("10.0.0.5", Sample{InBytes: 4096})
	h.fw.fail = 100

	h.tick(10 * time.Second)
	got, err := h.reg.FindByID(c.ID)
	require.NoError(t, err, "state is not advanced when the firewall fails")
	require.Equal(t, Authenticated, got.State)

	h.tick(10 * time.Second)
	_, err = h.reg.FindByID(c.ID)
	require.NoError(t, err)

	h.tick(10 * time.Second)
	_, err = h.reg.FindByID(c.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 3, h.fw.Count("deauth 10.0.0.5"))
	require.Empty(t, h.hook.Events(), "no hook for a deauth that never reached the firewall")
}

func TestWatchdog_FirewallRecovers(t *testing.T) {
	h := newHarness(t)
	c := h.authenticate(t, "02:00:00:00:00:01", "10.0.0.5", Grant{DownloadQuota: 1})
	h.counters.Set("10.0.0.5", Sample{InBytes: 4096})
	h.fw.fail = 1

	h.tick(10 * time.Second)
	require.Equal(t, 1, h.reg.Length())
	h.tick(10 * time.Second)

	_, err := h.reg.FindByID(c.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 2, h.fw.Count("deauth 10.0.0.5"))
	require.Equal(t, []string{EventDownQuotaDeauth}, h.hook.Events())
}

func TestWatchdog_ForceDeauth(t *testing.T) {
	h := newHarness(t)
	c := h.authenticate(t, "02:00:00:00:00:01", "10.0.0.5", Grant{})
	pre, _ := h.reg.Add("02:00:00:00:00:02", "10.0.0.6")

	_, err := h.reg.ForceDeauth(c.MAC, EventCtlDeauth)
	require.NoError(t, err)
	_, err = h.reg.ForceDeauth(pre.IP, EventCtlDeauth)
	require.NoError(t, err)
	h.tick(time.Second)

	require.Zero(t, h.reg.Length())
	require.Equal(t, []string{"deauth 10.0.0.5"}, h.fw.Calls(), "preauthenticated clients have no rules to remove")
	require.Equal(t, []string{EventCtlDeauth}, h.hook.Events())
}

func TestWatchdog_PreauthIdleRemoval(t *testing.T) {
	h := newHarness(t)
	h.cfg.PreauthIdleTimeout = time.Minute
	require.NoError(t, h.reg.Reconfigure(h.cfg))

	_, err := h.reg.Add("02:00:00:00:00:01", "10.0.0.5")
	require.NoError(t, err)

	h.tick(30 * time.Second)
	require.Equal(t, 1, h.reg.Length())
	h.tick(31 * time.Second)
	require.Zero(t, h.reg.Length())
	require.Empty(t, h.fw.Calls())
}

func TestWatchdog_AuthIdleDeauth(t *testing.T) {
	h := newHarness(t)
	h.cfg.AuthIdleTimeout = time.Minute
	require.NoError(t, h.reg.Reconfigure(h.cfg))

	h.authenticate(t, "02:00:00:00:00:01", "10.0.0.5", Grant{})
	h.tick(time.Minute)

	require.Zero(t, h.reg.Length())
	require.Equal(t, []string{EventIdleDeauth}, h.hook.Events())
}

func TestWatchdog_CountersNeverRegress(t *testing.T) {
	h := newHarness(t)
	c := h.authenticate(t, "02:00:00:00:00:01", "10.0.0.5", Grant{})

	for _, raw := range []uint64{500, 9000, 100, 100, 0, 12} {
		h.counters.Set("10.0.0.5", Sample{InBytes: raw, OutBytes: raw / 2})
		h.tick(10 * time.Second)
		got, err := h.reg.FindByID(c.ID)
		require.NoError(t, err)
		require.LessOrEqual(t, got.Counters.IncomingPrevious, got.Counters.Incoming)
		require.LessOrEqual(t, got.Counters.OutgoingPrevious, got.Counters.Outgoing)
	}
}

func TestWatchdog_CounterSourceFailureStillEnforcesTime(t *testing.T) {
	h := newHarness(t)
	h.authenticate(t, "02:00:00:00:00:01", "10.0.0.5", Grant{SessionEnd: h.clock.Now().Add(15 * time.Second)})
	h.counters.err = errFirewallDown

	h.tick(10 * time.Second)
	require.Zero(t, h.reg.Length())
}

func TestWatchdog_StartStopAndKick(t *testing.T) {
	h := newHarness(t)
	h.cfg.Interval = time.Hour
	h.wd = NewWatchdog(h.cfg, h.reg, h.fw, h.counters, h.hook, nil, zerolog.Nop())

	c, _ := h.reg.Add("02:00:00:00:00:01", "10.0.0.5")
	_, err := h.reg.Authenticate(c.ID, Grant{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.wd.Start(ctx)

	_, err = h.reg.ForceDeauth(c.Token, EventCtlDeauth)
	require.NoError(t, err)
	h.wd.Kick()

	require.Eventually(t, func() bool { return h.reg.Length() == 0 }, 2*time.Second, 10*time.Millisecond)
	h.wd.Stop()
	h.wd.Stop()
	require.Equal(t, 1, h.fw.Count("deauth 10.0.0.5"))
}

func TestWatchdog_StopKeepsSessions(t *testing.T) {
	h := newHarness(t)
	_, _ = h.reg.Add("02:00:00:00:00:01", "10.0.0.5")

	ctx, cancel := context.WithCancel(context.Background())
	h.wd.Start(ctx)
	cancel()
	h.wd.Stop()

	require.Equal(t, 1, h.reg.Length())
}
