// Package firewall installs per-client access and throttle rules.
package firewall

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"opennds-go/pkg/config"
	"opennds-go/pkg/core"
	"opennds-go/pkg/metrics"
)

// Backend is a core.Firewall with a lifecycle: Initialize installs the base
// chains at startup and Cleanup removes everything at shutdown.
type Backend interface {
	core.Firewall
	config.Reconfigurable
	Initialize() error
	Cleanup() error
}

// New builds the backend selected by cfg, wrapped in a circuit breaker when enabled.
// The returned IPTablesFirewall is nil unless the iptables backend was selected;
// it doubles as the default counter source.
func New(cfg *config.Config, recorder metrics.Recorder, logger zerolog.Logger) (Backend, *IPTablesFirewall, error) {
	var (
		backend Backend
		ipt     *IPTablesFirewall
		err     error
	)
	switch cfg.Firewall.Backend {
	case "iptables":
		ipt, err = newIPTablesFirewall(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		backend = ipt
	case "none":
		backend = NewNoop(logger)
	default:
		return nil, nil, fmt.Errorf("unknown firewall backend %q", cfg.Firewall.Backend)
	}

	if cfg.Firewall.Breaker.Enabled {
		backend = NewBreaker(backend, cfg.Firewall.Breaker, recorder, logger)
	}
	return backend, ipt, nil
}

// Noop accepts every request without touching the system. It is used when
// access control is delegated elsewhere and for dry runs.
type Noop struct {
	logger zerolog.Logger
}

// NewNoop creates a Noop backend.
func NewNoop(logger zerolog.Logger) *Noop {
	return &Noop{logger: logger.With().Str("component", "firewall").Str("backend", "none").Logger()}
}

func (n *Noop) Initialize() error {
	n.logger.Warn().Msg("Firewall backend disabled, clients will not be restricted")
	return nil
}

func (n *Noop) Cleanup() error                   { return nil }
func (n *Noop) Reconfigure(*config.Config) error { return nil }

func (n *Noop) Authenticate(_ context.Context, c core.Client) error {
	n.logger.Debug().Str("ip", c.IP).Msg("authenticate")
	return nil
}

func (n *Noop) Deauthenticate(_ context.Context, c core.Client) error {
	n.logger.Debug().Str("ip", c.IP).Msg("deauthenticate")
	return nil
}

func (n *Noop) InstallThrottle(_ context.Context, c core.Client, dir core.Direction, bucket uint64) error {
	n.logger.Debug().Str("ip", c.IP).Str("direction", dir.String()).Uint64("bucket", bucket).Msg("install throttle")
	return nil
}

func (n *Noop) RemoveThrottle(_ context.Context, c core.Client, dir core.Direction) error {
	n.logger.Debug().Str("ip", c.IP).Str("direction", dir.String()).Msg("remove throttle")
	return nil
}
