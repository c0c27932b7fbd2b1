// Package metrics instruments the gateway behind a small Recorder interface so the
// session core does not depend on a particular metrics backend.
package metrics

import (
	"fmt"
	"net/http"

	"opennds-go/pkg/config"
)

// Metric names emitted by the gateway.
const (
	ClientsActive         = "nds_clients_active"
	ClientsAuthenticated  = "nds_clients_authenticated"
	ClientsAddedTotal     = "nds_clients_added_total"
	DeauthTotal           = "nds_deauth_total"
	ThrottleTotal         = "nds_throttle_total"
	FirewallFailuresTotal = "nds_firewall_failures_total"
	ForcedRemovalsTotal   = "nds_forced_removals_total"
	WatchdogTickSeconds   = "nds_watchdog_tick_seconds"
	BreakerStateChanges   = "nds_firewall_breaker_transitions_total"
)

// Labels represents a collection of labels (key-value pairs) for a metric.
type Labels map[string]string

// Recorder defines the interface for recording application metrics.
type Recorder interface {
	IncCounter(name string, labels Labels)
	SetGauge(name string, labels Labels, value float64)
	ObserveHistogram(name string, labels Labels, value float64)

	// Handler exposes the metrics for scraping, or returns nil if the backend cannot.
	Handler() http.Handler
}

// New builds the recorder selected by cfg.
func New(cfg config.MetricsConfig) (Recorder, error) {
	if !cfg.Enabled {
		return NewNoopRecorder(), nil
	}
	switch cfg.Backend {
	case "", "prometheus":
		return NewPrometheusRecorder(), nil
	default:
		return nil, fmt.Errorf("unknown metrics backend %q", cfg.Backend)
	}
}

type noopRecorder struct{}

// NewNoopRecorder returns a recorder that discards everything.
func NewNoopRecorder() Recorder {
	return noopRecorder{}
}

func (noopRecorder) IncCounter(string, Labels)                {}
func (noopRecorder) SetGauge(string, Labels, float64)         {}
func (noopRecorder) ObserveHistogram(string, Labels, float64) {}
func (noopRecorder) Handler() http.Handler                    { return nil }
