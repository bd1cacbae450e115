package posbase

import "time"

// Metrics provides observability for posbase operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing
type InMemoryMetrics struct {
	Counters map[string]int
	Gauges   map[string]float64
	Timings  map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters: make(map[string]int),
		Gauges:   make(map[string]float64),
		Timings:  make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.Timings[name] = append(m.Timings[name], duration)
}

// Common metric names
const (
	MetricGetSuccess     = "posbase.get.success"
	MetricGetError       = "posbase.get.error"
	MetricGetDuration    = "posbase.get.duration"
	MetricSetSuccess     = "posbase.set.success"
	MetricSetError       = "posbase.set.error"
	MetricSetDuration    = "posbase.set.duration"
	MetricDeleteSuccess  = "posbase.delete.success"
	MetricDeleteError    = "posbase.delete.error"
	MetricDeleteDuration = "posbase.delete.duration"
	MetricIndexUpdate    = "posbase.index.update"
	MetricIndexRetries   = "posbase.index.retries"
	MetricIndexErrors    = "posbase.index.errors"
	MetricIndexSkipped   = "posbase.index.skipped_records"
	MetricRepairChecked  = "posbase.repair.checked"
	MetricRepairRebuilt  = "posbase.repair.rebuilt"
	MetricSeedRecords    = "posbase.seed.records"
)
