package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"opennds-go/pkg/auth"
	"opennds-go/pkg/config"
	"opennds-go/pkg/core"
)

type mockFirewall struct {
	authed   map[string]bool
	failAuth bool
}

func (m *mockFirewall) Authenticate(_ context.Context, c core.Client) error {
	if m.failAuth {
		return errors.New("iptables: exit status 4")
	}
	m.authed[c.IP] = true
	return nil
}

func (m *mockFirewall) Deauthenticate(_ context.Context, c core.Client) error {
	delete(m.authed, c.IP)
	return nil
}

func (m *mockFirewall) InstallThrottle(context.Context, core.Client, core.Direction, uint64) error {
	return nil
}

func (m *mockFirewall) RemoveThrottle(context.Context, core.Client, core.Direction) error {
	return nil
}

type mockReloader struct {
	calls int
	err   error
}

func (m *mockReloader) PerformReload() error {
	m.calls++
	return m.err
}

type recordingHook struct {
	events []string
}

func (h *recordingHook) Run(_ context.Context, event string, c core.Client) error {
	h.events = append(h.events, event+" "+c.MAC)
	return nil
}

func newTestCommander(t *testing.T) (*commander, *core.Registry, *mockFirewall) {
	t.Helper()
	cfg := config.Default()
	cfg.SessionTimeout = time.Hour
	reg := core.NewRegistry(&cfg, nil, nil, zerolog.Nop())
	fw := &mockFirewall{authed: map[string]bool{}}
	wf := auth.NewWorkflow(&cfg, auth.Deps{Registry: reg, Firewall: fw}, zerolog.Nop())
	return &commander{
		reg:     reg,
		ctl:     wf,
		fwState: func() string { return "closed" },
		started: time.Now(),
		logger:  zerolog.Nop(),
	}, reg, fw
}

func TestProcessCommand(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty and unknown", func(t *testing.T) {
		c, _, _ := newTestCommander(t)
		require.Equal(t, "", c.processCommand(ctx, "   "))
		require.Equal(t, "ERROR: Unknown command 'frobnicate'", c.processCommand(ctx, "frobnicate now"))
	})

	t.Run("Preauth then auth", func(t *testing.T) {
		c, reg, fw := newTestCommander(t)
		reply := c.processCommand(ctx, "preauth 02:00:00:00:00:01 10.0.0.5")
		require.True(t, strings.HasPrefix(reply, "OK: Client 1 (02:00:00:00:00:01 10.0.0.5)"), reply)

		reply = c.processCommand(ctx, "auth 10.0.0.5 30 512 1024 0 2048 room 12")
		require.Equal(t, "OK: Client 1 (02:00:00:00:00:01) authenticated", reply)
		require.True(t, fw.authed["10.0.0.5"])

		cl, err := reg.FindByIP("10.0.0.5")
		require.NoError(t, err)
		require.Equal(t, core.Authenticated, cl.State)
		require.Equal(t, uint64(512), cl.UploadRate)
		require.Equal(t, uint64(1024), cl.DownloadRate)
		require.Equal(t, uint64(2048), cl.DownloadQuota)
		require.Equal(t, "room 12", cl.CustomData)
		require.WithinDuration(t, time.Now().Add(30*time.Minute), cl.SessionEnd, 5*time.Second)
	})

	t.Run("Auth uses defaults", func(t *testing.T) {
		c, reg, _ := newTestCommander(t)
		_, err := reg.Add("02:00:00:00:00:01", "10.0.0.5")
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(c.processCommand(ctx, "auth 02:00:00:00:00:01"), "OK:"))

		cl, err := reg.FindByID(1)
		require.NoError(t, err)
		require.WithinDuration(t, time.Now().Add(time.Hour), cl.SessionEnd, 5*time.Second)
	})

	t.Run("Auth errors", func(t *testing.T) {
		c, reg, fw := newTestCommander(t)
		require.Equal(t, authUsage, c.processCommand(ctx, "auth"))
		require.Equal(t, authUsage, c.processCommand(ctx, "auth 1 ten"))
		require.Contains(t, c.processCommand(ctx, "auth 10.0.0.9"), "ERROR: Could not authenticate 10.0.0.9")

		_, err := reg.Add("02:00:00:00:00:01", "10.0.0.5")
		require.NoError(t, err)
		fw.failAuth = true
		reply := c.processCommand(ctx, "auth 1")
		require.Contains(t, reply, "ERROR:")
		cl, err := reg.FindByID(1)
		require.NoError(t, err)
		require.Equal(t, core.Preauthenticated, cl.State)
	})

	t.Run("Preauth errors", func(t *testing.T) {
		c, _, _ := newTestCommander(t)
		require.Equal(t, "ERROR: Usage: preauth <mac|-> <ip>", c.processCommand(ctx, "preauth 10.0.0.5"))
		require.Contains(t, c.processCommand(ctx, "preauth - not-an-ip"), "ERROR:")
		require.Contains(t, c.processCommand(ctx, "preauth - 10.0.0.5"), "no resolver configured")
	})

	t.Run("Deauth", func(t *testing.T) {
		c, reg, _ := newTestCommander(t)
		_, err := reg.Add("02:00:00:00:00:01", "10.0.0.5")
		require.NoError(t, err)
		require.Equal(t, "OK: Client 1 (02:00:00:00:00:01) queued for deauthentication", c.processCommand(ctx, "deauth 1"))
		require.Equal(t, "ERROR: Usage: deauth <id|mac|ip|token>", c.processCommand(ctx, "deauth"))
		require.Contains(t, c.processCommand(ctx, "deauth 10.0.0.77"), "ERROR: Could not deauthenticate")
	})

	t.Run("Block and unblock", func(t *testing.T) {
		c, reg, _ := newTestCommander(t)
		_, err := reg.Add("02:00:00:00:00:01", "10.0.0.5")
		require.NoError(t, err)
		require.Equal(t, "OK: Client 1 is blocked", c.processCommand(ctx, "block 1"))
		require.Contains(t, c.processCommand(ctx, "auth 1"), "ERROR:")
		require.Equal(t, "OK: Client 1 is preauthenticated", c.processCommand(ctx, "unblock 1"))
		require.Equal(t, "ERROR: Usage: block <id|mac|ip|token>", c.processCommand(ctx, "block"))
	})

	t.Run("Status and clients", func(t *testing.T) {
		c, reg, _ := newTestCommander(t)
		_, err := reg.Add("02:00:00:00:00:01", "10.0.0.5")
		require.NoError(t, err)
		_, err = reg.Add("02:00:00:00:00:02", "10.0.0.6")
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(c.processCommand(ctx, "auth 2"), "OK:"))

		status := c.processCommand(ctx, "status")
		require.Contains(t, status, "Clients: 2\n")
		require.Contains(t, status, "Authenticated: 1\n")
		require.Contains(t, status, "Firewall: closed")

		list := c.processCommand(ctx, "clients")
		require.Contains(t, list, "Total clients: 2")
		require.Contains(t, list, "2 MAC: 02:00:00:00:00:02, IP: 10.0.0.6, State: authenticated")
	})

	t.Run("JSON", func(t *testing.T) {
		c, reg, _ := newTestCommander(t)
		_, err := reg.Add("02:00:00:00:00:01", "10.0.0.5")
		require.NoError(t, err)

		var all []core.Client
		require.NoError(t, json.Unmarshal([]byte(c.processCommand(ctx, "json")), &all))
		require.Len(t, all, 1)

		var one core.Client
		require.NoError(t, json.Unmarshal([]byte(c.processCommand(ctx, "json 10.0.0.5")), &one))
		require.Equal(t, "02:00:00:00:00:01", one.MAC)
		require.Equal(t, core.Preauthenticated, one.State)

		require.Contains(t, c.processCommand(ctx, "json 10.0.0.9"), "ERROR:")
	})

	t.Run("Reload", func(t *testing.T) {
		c, _, _ := newTestCommander(t)
		require.Equal(t, "ERROR: Reload is not available", c.processCommand(ctx, "reload"))

		r := &mockReloader{}
		c.reloader = r
		require.Equal(t, "OK: Configuration reloaded", c.processCommand(ctx, "reload"))
		r.err = errors.New("bad yaml")
		require.Equal(t, "ERROR: Reload failed: bad yaml", c.processCommand(ctx, "reload"))
		require.Equal(t, 2, r.calls)
	})
}

func TestFlush(t *testing.T) {
	cfg := config.Default()
	reg := core.NewRegistry(&cfg, nil, nil, zerolog.Nop())
	fw := &mockFirewall{authed: map[string]bool{}}
	wf := auth.NewWorkflow(&cfg, auth.Deps{Registry: reg, Firewall: fw}, zerolog.Nop())

	_, err := reg.Add("02:00:00:00:00:01", "10.0.0.5")
	require.NoError(t, err)
	_, err = reg.Add("02:00:00:00:00:02", "10.0.0.6")
	require.NoError(t, err)
	_, err = wf.Authenticate(context.Background(), "10.0.0.6", auth.Request{}, core.EventCtlAuth)
	require.NoError(t, err)
	require.True(t, fw.authed["10.0.0.6"])

	hook := &recordingHook{}
	flush(context.Background(), reg, fw, hook, zerolog.Nop())

	require.Zero(t, reg.Length())
	require.Empty(t, fw.authed)
	require.Equal(t, []string{core.EventShutdownDeauth + " 02:00:00:00:00:02"}, hook.events)
}
