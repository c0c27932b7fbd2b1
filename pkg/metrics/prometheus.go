package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder on a private Prometheus registry.
// Vectors are created lazily on first use and keyed by name plus label keys.
type PrometheusRecorder struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusRecorder creates a recorder with process and Go runtime collectors registered.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &PrometheusRecorder{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   reg,
	}
}

func labelKeys(labels Labels) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func vecKey(name string, keys []string) string {
	return name + ";" + strings.Join(keys, ",")
}

// IncCounter increments a counter by 1.
func (r *PrometheusRecorder) IncCounter(name string, labels Labels) {
	keys := labelKeys(labels)
	key := vecKey(name, keys)

	r.mu.Lock()
	c, ok := r.counters[key]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, keys)
		r.registry.MustRegister(c)
		r.counters[key] = c
	}
	r.mu.Unlock()

	c.With(prometheus.Labels(labels)).Inc()
}

// SetGauge sets the value of a gauge.
func (r *PrometheusRecorder) SetGauge(name string, labels Labels, value float64) {
	keys := labelKeys(labels)
	key := vecKey(name, keys)

	r.mu.Lock()
	g, ok := r.gauges[key]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, keys)
		r.registry.MustRegister(g)
		r.gauges[key] = g
	}
	r.mu.Unlock()

	g.With(prometheus.Labels(labels)).Set(value)
}

// ObserveHistogram records an observation, using the default buckets.
func (r *PrometheusRecorder) ObserveHistogram(name string, labels Labels, value float64) {
	keys := labelKeys(labels)
	key := vecKey(name, keys)

	r.mu.Lock()
	h, ok := r.histograms[key]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Buckets: prometheus.DefBuckets}, keys)
		r.registry.MustRegister(h)
		r.histograms[key] = h
	}
	r.mu.Unlock()

	h.With(prometheus.Labels(labels)).Observe(value)
}

// Handler returns the promhttp handler for this recorder's registry.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
