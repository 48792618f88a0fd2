// Package observability provides metrics and logging setup for harness runs.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Result labels for task outcomes.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultFound    = "found"
	ResultNotFound = "not_found"
)

// Metrics holds the collectors of one run on a private registry, so
// concurrent runs (and tests) never share counters.
type Metrics struct {
	registry *prometheus.Registry

	writes          *prometheus.CounterVec
	reads           *prometheus.CounterVec
	leasesInUse     *prometheus.GaugeVec
	acquireWait     *prometheus.HistogramVec
	acquireFailures *prometheus.CounterVec
}

// NewMetrics creates and registers the run collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cachestress_writes_total",
			Help: "Cumulative number of writer iterations by result.",
		}, []string{"result"}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cachestress_reads_total",
			Help: "Cumulative number of reader iterations by result.",
		}, []string{"result"}),
		leasesInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cachestress_pool_leases_in_use",
			Help: "Number of connections currently leased from a pool.",
		}, []string{"pool"}),
		acquireWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cachestress_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a pool lease.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"pool"}),
		acquireFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cachestress_pool_acquire_failures_total",
			Help: "Cumulative number of failed pool acquisitions, including cancellations.",
		}, []string{"pool"}),
	}

	m.registry.MustRegister(m.writes, m.reads, m.leasesInUse, m.acquireWait, m.acquireFailures)
	return m
}

// Registry returns the registry holding the run collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordWrite counts one writer iteration.
func (m *Metrics) RecordWrite(result string) {
	m.writes.WithLabelValues(result).Inc()
}

// RecordRead counts one reader iteration.
func (m *Metrics) RecordRead(result string) {
	m.reads.WithLabelValues(result).Inc()
}

// ObserveAcquire implements pool.Observer.
func (m *Metrics) ObserveAcquire(pool string, wait time.Duration, err error) {
	m.acquireWait.WithLabelValues(pool).Observe(wait.Seconds())
	if err != nil {
		m.acquireFailures.WithLabelValues(pool).Inc()
	}
}

// ObserveInUse implements pool.Observer.
func (m *Metrics) ObserveInUse(pool string, inUse int) {
	m.leasesInUse.WithLabelValues(pool).Set(float64(inUse))
}

// Snapshot is a point-in-time copy of the outcome counters.
type Snapshot struct {
	WritesOK       int64
	WritesFailed   int64
	ReadsFound     int64
	ReadsNotFound  int64
	ReadsFailed    int64
	LeasesInUse    map[string]int64
	AcquireFailure map[string]int64
}

// Snapshot reads the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		WritesOK:       counterValue(m.writes.WithLabelValues(ResultOK)),
		WritesFailed:   counterValue(m.writes.WithLabelValues(ResultFailed)),
		ReadsFound:     counterValue(m.reads.WithLabelValues(ResultFound)),
		ReadsNotFound:  counterValue(m.reads.WithLabelValues(ResultNotFound)),
		ReadsFailed:    counterValue(m.reads.WithLabelValues(ResultFailed)),
		LeasesInUse:    make(map[string]int64),
		AcquireFailure: make(map[string]int64),
	}

	families, err := m.registry.Gather()
	if err != nil {
		return s
	}
	for _, mf := range families {
		switch mf.GetName() {
		case "cachestress_pool_leases_in_use":
			for _, metric := range mf.GetMetric() {
				s.LeasesInUse[poolLabel(metric)] = int64(metric.GetGauge().GetValue())
			}
		case "cachestress_pool_acquire_failures_total":
			for _, metric := range mf.GetMetric() {
				s.AcquireFailure[poolLabel(metric)] = int64(metric.GetCounter().GetValue())
			}
		}
	}
	return s
}

func counterValue(c prometheus.Counter) int64 {
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		return 0
	}
	return int64(metric.GetCounter().GetValue())
}

func poolLabel(metric *dto.Metric) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == "pool" {
			return lp.GetValue()
		}
	}
	return ""
}
