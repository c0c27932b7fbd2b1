// Package auth turns authentication decisions into registry transitions and
// firewall rules.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"opennds-go/pkg/config"
	"opennds-go/pkg/core"
	"opennds-go/pkg/securestore"
)

// Resolver finds the MAC address of a client known only by IP.
type Resolver interface {
	Lookup(ip string) (string, error)
}

// Kicker schedules an extra watchdog tick. *core.Watchdog implements it.
type Kicker interface {
	Kick()
}

// Request is what an authentication source grants a client. Zero fields fall
// back to the configured defaults, which may themselves mean unlimited.
type Request struct {
	SessionLength time.Duration
	UploadRate    uint64 // kbit/s
	DownloadRate  uint64 // kbit/s
	UploadQuota   uint64 // kB
	DownloadQuota uint64 // kB
	HID           string
	CID           string
	ClientType    string
	CustomData    string
}

// Deps are the collaborators of a Workflow. Hook, Resolver, Key and Kicker are optional.
type Deps struct {
	Registry *core.Registry
	Firewall core.Firewall
	Hook     core.Hook
	Resolver Resolver
	Key      *securestore.Secret
	Kicker   Kicker
	Clock    core.Clock
}

// Workflow authenticates and deauthenticates clients on behalf of the control
// socket and the admin API.
type Workflow struct {
	mu     sync.RWMutex
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger
}

// NewWorkflow creates a Workflow.
func NewWorkflow(cfg *config.Config, deps Deps, logger zerolog.Logger) *Workflow {
	if deps.Clock == nil {
		deps.Clock = core.SystemClock{}
	}
	return &Workflow{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

// Reconfigure updates the defaults applied to requests.
func (w *Workflow) Reconfigure(newConfig *config.Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg = newConfig
	return nil
}

func (w *Workflow) grant(c core.Client, req Request) (core.Grant, error) {
	w.mu.RLock()
	cfg := w.cfg
	w.mu.RUnlock()

	orDefault := func(v, def uint64) uint64 {
		if v == 0 {
			return def
		}
		return v
	}
	g := core.Grant{
		UploadRate:    orDefault(req.UploadRate, cfg.UploadRate),
		DownloadRate:  orDefault(req.DownloadRate, cfg.DownloadRate),
		UploadQuota:   orDefault(req.UploadQuota, cfg.UploadQuota),
		DownloadQuota: orDefault(req.DownloadQuota, cfg.DownloadQuota),
		HID:           req.HID,
		CID:           req.CID,
		ClientType:    req.ClientType,
		CustomData:    req.CustomData,
	}

	length := req.SessionLength
	if length <= 0 {
		length = cfg.SessionTimeout
	}
	if length > 0 {
		g.SessionEnd = w.deps.Clock.Now().Add(length)
	}

	if g.HID == "" && w.deps.Key.IsSet() {
		hid, err := w.deps.Key.HMAC(c.Token)
		if err != nil {
			return core.Grant{}, fmt.Errorf("failed to derive hid: %w", err)
		}
		g.HID = hid
	}
	return g, nil
}

// Authenticate grants the client identified by key (id, mac, ip or token)
// access. The client is claimed in the registry first so concurrent attempts
// cannot both reach the firewall. The firewall rule goes in next; if the
// registry then refuses the transition the rule is taken out again. event is
// passed to the hook.
func (w *Workflow) Authenticate(ctx context.Context, key string, req Request, event string) (core.Client, error) {
	reg := w.deps.Registry
	c, err := reg.Find(key)
	if err != nil {
		return core.Client{}, err
	}
	c, err = reg.ClaimAuth(c.ID)
	if err != nil {
		return c, err
	}
	defer reg.ReleaseAuth(c.ID)

	g, err := w.grant(c, req)
	if err != nil {
		return c, err
	}

	if err := w.deps.Firewall.Authenticate(ctx, c); err != nil {
		w.logger.Error().Err(err).Uint64("id", c.ID).Str("mac", c.MAC).Str("ip", c.IP).Msg("Failed to add firewall rules for client")
		return c, fmt.Errorf("%w: %w", core.ErrFirewallSideEffect, err)
	}

	// the rule is in place, so finish even if the caller has gone away
	ctx = context.WithoutCancel(ctx)
	authed, err := reg.Authenticate(c.ID, g)
	if err != nil {
		// the client went away or changed state while the rule was being added
		if cur, findErr := reg.FindByID(c.ID); findErr == nil && cur.State == core.Authenticated {
			return cur, err
		}
		if rbErr := w.deps.Firewall.Deauthenticate(ctx, c); rbErr != nil {
			w.logger.Error().Err(rbErr).Uint64("id", c.ID).Str("ip", c.IP).Msg("Failed to roll back firewall rules")
			err = errors.Join(err, fmt.Errorf("%w: %w", core.ErrFirewallSideEffect, rbErr))
		}
		return c, err
	}

	w.runHook(ctx, event, authed)
	return authed, nil
}

// Deauthenticate queues the client for removal with the given hook event and
// asks the watchdog to apply it right away.
func (w *Workflow) Deauthenticate(key, event string) (core.Client, error) {
	c, err := w.deps.Registry.ForceDeauth(key, event)
	if err != nil {
		return core.Client{}, err
	}
	if w.deps.Kicker != nil {
		w.deps.Kicker.Kick()
	}
	return c, nil
}

// Preauth registers a client seen on the gateway. An empty mac is looked up
// in the neighbour table.
func (w *Workflow) Preauth(mac, ip string) (core.Client, error) {
	if mac == "" {
		if w.deps.Resolver == nil {
			return core.Client{}, fmt.Errorf("no mac given for %s and no resolver configured", ip)
		}
		resolved, err := w.deps.Resolver.Lookup(ip)
		if err != nil {
			return core.Client{}, err
		}
		mac = resolved
	}
	return w.deps.Registry.Add(mac, ip)
}

// Block stops the preauthenticated client identified by key from authenticating.
func (w *Workflow) Block(key string) (core.Client, error) {
	c, err := w.deps.Registry.Find(key)
	if err != nil {
		return core.Client{}, err
	}
	return w.deps.Registry.Block(c.ID)
}

// Unblock lets a blocked client authenticate again.
func (w *Workflow) Unblock(key string) (core.Client, error) {
	c, err := w.deps.Registry.Find(key)
	if err != nil {
		return core.Client{}, err
	}
	return w.deps.Registry.Unblock(c.ID)
}

func (w *Workflow) runHook(ctx context.Context, event string, c core.Client) {
	if w.deps.Hook == nil {
		return
	}
	if err := w.deps.Hook.Run(ctx, event, c); err != nil {
		w.logger.Warn().Err(err).Str("event", event).Str("mac", c.MAC).Msg("Hook failed")
	}
}
