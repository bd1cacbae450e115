package posbase

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	mu         sync.Mutex // guards lookup-or-register on the maps below
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance.
// If registry is nil, uses the default Prometheus registry.
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics registers the standard posbase metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	for _, name := range []string{MetricGetSuccess, MetricGetError, MetricSetSuccess,
		MetricSetError, MetricDeleteSuccess, MetricDeleteError} {
		p.counters[name] = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "posbase",
				Subsystem: "backend",
				Name:      sanitizeMetricName(name),
				Help:      "Backend operation outcome: " + name,
			},
			[]string{},
		)
	}

	p.counters[MetricIndexErrors] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "posbase",
			Subsystem: "index",
			Name:      "errors_total",
			Help:      "Index updates that exhausted their retry budget",
		},
		[]string{},
	)

	p.counters[MetricIndexSkipped] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "posbase",
			Subsystem: "index",
			Name:      "skipped_records_total",
			Help:      "Indexed IDs whose record was missing during a listing",
		},
		[]string{"collection"},
	)

	for _, name := range []string{MetricGetDuration, MetricSetDuration, MetricDeleteDuration} {
		p.histograms[name] = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "posbase",
				Subsystem: "backend",
				Name:      sanitizeMetricName(name) + "_seconds",
				Help:      "Backend operation duration: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			[]string{},
		)
	}
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.mu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "posbase",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}
	p.mu.Unlock()

	counter.With(p.extractLabelValues(tags)).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.mu.Lock()
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "posbase",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}
	p.mu.Unlock()

	gauge.With(p.extractLabelValues(tags)).Set(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.mu.Lock()
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "posbase",
				Name:      sanitizeMetricName(name) + "_seconds",
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}
	p.mu.Unlock()

	histogram.With(p.extractLabelValues(tags)).Observe(duration.Seconds())
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels)
	for i := 0; i+1 < len(tags); i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}

// sanitizeMetricName turns dotted metric names into Prometheus-safe ones.
// The "posbase." prefix is dropped since the namespace already carries it.
func sanitizeMetricName(name string) string {
	name = strings.TrimPrefix(name, "posbase.")
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '.' || c == '-' {
			c = '_'
		}
		out[i] = c
	}
	return string(out)
}
