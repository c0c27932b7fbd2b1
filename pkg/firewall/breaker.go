package firewall

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"opennds-go/pkg/config"
	"opennds-go/pkg/core"
	"opennds-go/pkg/metrics"
)

// Breaker fails firewall calls fast while the backend keeps erroring, so a
// wedged iptables does not stall every watchdog tick. Open-state rejections
// count as failures to the caller like any other.
type Breaker struct {
	Backend
	cb *gobreaker.CircuitBreaker
}

// NewBreaker wraps next with a circuit breaker tuned by cfg.
func NewBreaker(next Backend, cfg config.BreakerConfig, recorder metrics.Recorder, logger zerolog.Logger) *Breaker {
	if recorder == nil {
		recorder = metrics.NewNoopRecorder()
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	log := logger.With().Str("component", "firewall_breaker").Logger()

	return &Breaker{
		Backend: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "firewall",
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				recorder.IncCounter(metrics.BreakerStateChanges, metrics.Labels{"to": to.String()})
				event := log.Warn()
				if to == gobreaker.StateClosed {
					event = log.Info()
				}
				event.Str("from", from.String()).Str("to", to.String()).Msg("Firewall circuit breaker changed state")
			},
		}),
	}
}

func (b *Breaker) call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (b *Breaker) Authenticate(ctx context.Context, c core.Client) error {
	return b.call(ctx, func() error { return b.Backend.Authenticate(ctx, c) })
}

func (b *Breaker) Deauthenticate(ctx context.Context, c core.Client) error {
	return b.call(ctx, func() error { return b.Backend.Deauthenticate(ctx, c) })
}

func (b *Breaker) InstallThrottle(ctx context.Context, c core.Client, dir core.Direction, bucket uint64) error {
	return b.call(ctx, func() error { return b.Backend.InstallThrottle(ctx, c, dir, bucket) })
}

func (b *Breaker) RemoveThrottle(ctx context.Context, c core.Client, dir core.Direction) error {
	return b.call(ctx, func() error { return b.Backend.RemoveThrottle(ctx, c, dir) })
}

// State reports the breaker state, e.g. for status output.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
