package core

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"opennds-go/pkg/config"
	"opennds-go/pkg/metrics"
)

type actionKind int

const (
	actionDeauth actionKind = iota
	actionInstallThrottle
	actionRemoveThrottle
)

func (k actionKind) String() string {
	switch k {
	case actionInstallThrottle:
		return "install_throttle"
	case actionRemoveThrottle:
		return "remove_throttle"
	default:
		return "deauthenticate"
	}
}

// action is one firewall side effect planned under the registry lock and
// executed after it is released.
type action struct {
	kind   actionKind
	client Client
	dir    Direction
	bucket uint64
	event  string // hook event for deauth
	err    error
}

// Watchdog periodically evaluates every client and applies the resulting
// firewall side effects.
type Watchdog struct {
	reg      *Registry
	fw       Firewall
	counters CounterSource
	hook     Hook
	recorder metrics.Recorder
	logger   zerolog.Logger

	mu          sync.Mutex
	interval    time.Duration
	maxFailures int
	reset       chan time.Duration

	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatchdog creates a watchdog over reg. counters and hook may be nil. A
// counter source implementing Forgetter is told about every removed client.
func NewWatchdog(cfg *config.Config, reg *Registry, fw Firewall, counters CounterSource, hook Hook, recorder metrics.Recorder, logger zerolog.Logger) *Watchdog {
	if recorder == nil {
		recorder = metrics.NewNoopRecorder()
	}
	if f, ok := counters.(Forgetter); ok {
		reg.OnRemove(func(c Client) { f.Forget(c.IP) })
	}
	return &Watchdog{
		reg:         reg,
		fw:          fw,
		counters:    counters,
		hook:        hook,
		recorder:    recorder,
		logger:      logger.With().Str("component", "watchdog").Logger(),
		interval:    cfg.Interval,
		maxFailures: cfg.MaxFirewallFailures,
		reset:       make(chan time.Duration, 1),
		kick:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Reconfigure updates the tick interval and the failure bound.
func (w *Watchdog) Reconfigure(newConfig *config.Config) error {
	w.mu.Lock()
	changed := newConfig.Interval != w.interval
	w.interval = newConfig.Interval
	w.maxFailures = newConfig.MaxFirewallFailures
	w.mu.Unlock()

	if changed {
		select {
		case w.reset <- newConfig.Interval:
		default:
		}
	}
	w.logger.Info().Str("interval", newConfig.Interval.String()).Int("max_failures", newConfig.MaxFirewallFailures).Msg("Watchdog reconfigured")
	return nil
}

// Kick requests an extra tick as soon as the current one, if any, completes.
func (w *Watchdog) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Start runs the loop in a background goroutine until ctx is cancelled or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	interval := w.interval
	w.mu.Unlock()

	go w.run(ctx, interval)
	w.logger.Info().Str("interval", interval.String()).Msg("Watchdog started")
}

// Stop ends the loop and waits for an in-flight tick to finish. It must only be called after Start.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	w.logger.Info().Msg("Watchdog stopped")
}

func (w *Watchdog) run(ctx context.Context, interval time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// A tick in progress completes even if ctx is cancelled underneath it.
	tickCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case d := <-w.reset:
			ticker.Reset(d)
			continue
		case <-ticker.C:
		case <-w.kick:
		case <-w.reg.Pending():
		}
		w.Tick(tickCtx)
	}
}

// Tick runs one evaluation pass over every client.
func (w *Watchdog) Tick(ctx context.Context) {
	start := time.Now()

	samples := w.sample(ctx)
	plan := w.evaluate(samples)
	for i := range plan {
		plan[i].err = w.execute(ctx, &plan[i])
	}
	done := w.commit(plan)

	if w.hook != nil {
		for _, a := range done {
			if err := w.hook.Run(ctx, a.event, a.client); err != nil {
				w.logger.Warn().Err(err).Uint64("id", a.client.ID).Str("event", a.event).Msg("Hook failed")
			}
		}
	}

	w.recorder.ObserveHistogram(metrics.WatchdogTickSeconds, nil, time.Since(start).Seconds())
}

func (w *Watchdog) sample(ctx context.Context) map[string]Sample {
	if w.counters == nil {
		return nil
	}
	samples, err := w.counters.Sample(ctx)
	if err != nil {
		// Time and quota checks still run on the last known counters.
		w.logger.Warn().Err(err).Msg("Failed to read client counters")
		return nil
	}
	return samples
}

// evaluate advances every session under the registry lock and returns the
// firewall side effects to perform. Sessions needing no firewall work are
// resolved here.
func (w *Watchdog) evaluate(samples map[string]Sample) []action {
	r := w.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	policy := r.policy
	var plan []action
	var authenticated int

	for _, id := range slices.Clone(r.order) {
		s := r.sessions[id]
		if sample, ok := samples[s.IP]; ok {
			s.Counters.Apply(sample, now)
		}

		if err := s.Counters.Check(); err != nil {
			w.logger.Error().Err(err).Uint64("id", s.ID).Str("mac", s.MAC).Str("ip", s.IP).
				Msg("Session counters corrupted, removing session")
			w.recorder.IncCounter(metrics.ForcedRemovalsTotal, metrics.Labels{"cause": "invariant"})
			if s.State == Authenticated {
				// best effort, the session is gone either way
				plan = append(plan, action{kind: actionDeauth, client: s.Client})
			}
			r.remove(id)
			continue
		}

		if s.pendingDeauth != "" {
			if s.State == Authenticated {
				plan = append(plan, action{kind: actionDeauth, client: s.Client, event: s.pendingDeauth})
				continue
			}
			w.logger.Info().Uint64("id", s.ID).Str("mac", s.MAC).Str("state", s.State.String()).Msg("Removing client")
			r.remove(id)
			continue
		}

		d := Evaluate(s.Client, policy, now)
		if d.Verdict == VerdictIdle && s.State != Authenticated {
			w.logger.Info().Uint64("id", s.ID).Str("mac", s.MAC).Msg("Preauthenticated client idle, removing")
			r.remove(id)
			continue
		}

		if s.State == Authenticated {
			authenticated++
			s.UpRate, s.DownRate = d.UpRate, d.DownRate
			s.RateExceeded = d.RateExceeded
			s.WindowCounter = d.WindowCounter
			s.UploadBucketSize, s.DownloadBucketSize = d.UploadBucketSize, d.DownloadBucketSize
			s.OutPacketLimit, s.IncPacketLimit = d.OutPacketLimit, d.IncPacketLimit
			s.WindowStart = now
			s.Counters.InWindowStart = s.Counters.Incoming
			s.Counters.OutWindowStart = s.Counters.Outgoing
			s.InitialLoop = false
		}
		s.Counters.Roll()

		if event := d.DeauthEvent(); event != "" {
			w.logger.Info().Uint64("id", s.ID).Str("mac", s.MAC).Str("verdict", d.Verdict.String()).
				Uint64("incoming", s.Counters.Incoming).Uint64("outgoing", s.Counters.Outgoing).
				Msg("Deauthenticating client")
			plan = append(plan, action{kind: actionDeauth, client: s.Client, event: event})
			continue
		}

		for _, dir := range []Direction{Upload, Download} {
			want, have := d.Limiting(dir), s.Limiting(dir)
			switch {
			case want && !have:
				plan = append(plan, action{kind: actionInstallThrottle, client: s.Client, dir: dir, bucket: s.BucketSize(dir)})
			case !want && have:
				plan = append(plan, action{kind: actionRemoveThrottle, client: s.Client, dir: dir})
			}
		}
	}

	w.recorder.SetGauge(metrics.ClientsAuthenticated, nil, float64(authenticated))
	return plan
}

func (w *Watchdog) execute(ctx context.Context, a *action) error {
	var err error
	switch a.kind {
	case actionDeauth:
		err = w.fw.Deauthenticate(ctx, a.client)
	case actionInstallThrottle:
		err = w.fw.InstallThrottle(ctx, a.client, a.dir, a.bucket)
	case actionRemoveThrottle:
		err = w.fw.RemoveThrottle(ctx, a.client, a.dir)
	}
	if err != nil {
		return fmt.Errorf("%w: %s client %d: %w", ErrFirewallSideEffect, a.kind, a.client.ID, err)
	}
	return nil
}

// commit records the outcome of the side effects. A session that disappeared
// meanwhile was handled elsewhere. It returns the deauths that need hooks run.
func (w *Watchdog) commit(plan []action) []action {
	r := w.reg
	w.mu.Lock()
	maxFailures := w.maxFailures
	w.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	var done []action
	for _, a := range plan {
		s, ok := r.sessions[a.client.ID]
		if !ok {
			continue
		}
		log := w.logger.With().Uint64("id", s.ID).Str("mac", s.MAC).Str("ip", s.IP).Str("action", a.kind.String()).Logger()

		if a.err != nil {
			s.fwFailures++
			w.recorder.IncCounter(metrics.FirewallFailuresTotal, metrics.Labels{"action": a.kind.String()})
			if s.fwFailures >= maxFailures {
				log.Error().Err(a.err).Int("failures", s.fwFailures).
					Msg("Firewall keeps failing for client, removing it from the registry; firewall state may be left behind")
				w.recorder.IncCounter(metrics.ForcedRemovalsTotal, metrics.Labels{"cause": "firewall"})
				r.remove(s.ID)
				continue
			}
			log.Warn().Err(a.err).Int("failures", s.fwFailures).Msg("Firewall side effect failed, will retry next tick")
			continue
		}

		s.fwFailures = 0
		switch a.kind {
		case actionDeauth:
			if a.event == "" {
				continue
			}
			if err := transition(s.State, Deauthenticated); err != nil {
				log.Error().Err(err).Msg("Unexpected state at deauthentication")
			}
			s.State = Deauthenticated
			a.client.State = Deauthenticated
			r.remove(s.ID)
			w.recorder.IncCounter(metrics.DeauthTotal, metrics.Labels{"reason": a.event})
			log.Info().Str("event", a.event).Msg("Client deauthenticated")
			done = append(done, a)
		case actionInstallThrottle:
			s.setLimiting(a.dir, true)
			w.recorder.IncCounter(metrics.ThrottleTotal, metrics.Labels{"direction": a.dir.String()})
			log.Info().Str("direction", a.dir.String()).Uint64("bucket", a.bucket).Msg("Client throttled")
		case actionRemoveThrottle:
			s.setLimiting(a.dir, false)
			log.Info().Str("direction", a.dir.String()).Msg("Client throttle removed")
		}
	}
	return done
}
