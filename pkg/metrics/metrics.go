package metrics

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}

var help = map[string]string{
	"kvrouter_requests_total":      "Routed client requests by operation and outcome.",
	"kvrouter_request_seconds":     "End-to-end routing latency.",
	"kvrouter_forward_seconds":     "Data-plane call latency per node.",
	"kvrouter_leader_probes_total": "Leadership probe answers by status.",
	"kvrouter_evictions_total":     "Nodes evicted by the staleness sweep.",
	"kvrouter_active_connections":  "In-flight forwarded requests per node.",
}

func helpFor(name string) string {
	if h, ok := help[name]; ok {
		return h
	}
	return name
}

// labelNames returns the sorted keys; a vector is created with the label
// set of its first use.
func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Registry is a Collector backed by a Prometheus registry. Vectors are
// created and registered on first use of a metric name.
type Registry struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func register[V prometheus.Collector](r *Registry, m map[string]V, name string, mk func() V) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := m[name]; ok {
		return v, true
	}
	v := mk()
	if err := r.reg.Register(v); err != nil {
		slog.Warn("metric registration failed", "metric", name, "error", err)
		var zero V
		return zero, false
	}
	m[name] = v
	return v, true
}

func (r *Registry) counterVec(name string, labels map[string]string) (*prometheus.CounterVec, bool) {
	return register(r, r.counters, name, func() *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: helpFor(name)}, labelNames(labels))
	})
}

func (r *Registry) gaugeVec(name string, labels map[string]string) (*prometheus.GaugeVec, bool) {
	return register(r, r.gauges, name, func() *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: helpFor(name)}, labelNames(labels))
	})
}

func (r *Registry) histogramVec(name string, labels map[string]string) (*prometheus.HistogramVec, bool) {
	return register(r, r.histograms, name, func() *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    helpFor(name),
			Buckets: prometheus.DefBuckets,
		}, labelNames(labels))
	})
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	vec, ok := r.counterVec(name, labels)
	if !ok {
		return
	}
	c, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Warn("bad metric labels", "metric", name, "error", err)
		return
	}
	c.Add(delta)
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	vec, ok := r.gaugeVec(name, labels)
	if !ok {
		return
	}
	g, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Warn("bad metric labels", "metric", name, "error", err)
		return
	}
	g.Set(value)
}

func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	vec, ok := r.histogramVec(name, labels)
	if !ok {
		return
	}
	h, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Warn("bad metric labels", "metric", name, "error", err)
		return
	}
	h.Observe(value)
}

// Counter returns the current value of a counter series, 0 if it was never touched.
func (r *Registry) Counter(name string, labels map[string]string) float64 {
	r.mu.Lock()
	vec, ok := r.counters[name]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	c, err := vec.GetMetricWith(labels)
	if err != nil {
		return 0
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func (r *Registry) Gauge(name string, labels map[string]string) float64 {
	r.mu.Lock()
	vec, ok := r.gauges[name]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	g, err := vec.GetMetricWith(labels)
	if err != nil {
		return 0
	}
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
