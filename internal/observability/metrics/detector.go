package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DetectorMetrics contains Prometheus metrics for classification. All
// methods are safe on a nil receiver.
type DetectorMetrics struct {
	verdictsTotal    *prometheus.CounterVec
	classifyDuration prometheus.Histogram
	timeoutsTotal    prometheus.Counter
	cacheLookups     *prometheus.CounterVec
	warningsTotal    prometheus.Counter

	collectors []prometheus.Collector
}

// NewDetectorMetrics creates and registers detector metrics
func NewDetectorMetrics(registry *prometheus.Registry) (*DetectorMetrics, error) {
	m := &DetectorMetrics{
		verdictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_detector_verdicts_total",
				Help: "Verdicts produced by classification and detection method",
			},
			[]string{"classification", "method"},
		),
		classifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_detector_classify_duration_seconds",
			Help:    "Time taken to classify one target",
			Buckets: prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount12), // 0.1ms to ~200ms
		}),
		timeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_detector_timeouts_total",
			Help: "Classifications that exceeded their time budget",
		}),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_detector_cache_lookups_total",
				Help: "Verdict cache lookups by result",
			},
			[]string{"result"}, // hit, miss
		),
		warningsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_detector_unreadable_targets_total",
			Help: "Targets classified clean because they were empty or unreadable",
		}),
	}
	m.collectors = []prometheus.Collector{
		m.verdictsTotal, m.classifyDuration, m.timeoutsTotal, m.cacheLookups, m.warningsTotal,
	}

	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe implements the Collector interface
func (m *DetectorMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *DetectorMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordVerdict records one classification.
func (m *DetectorMetrics) RecordVerdict(classification, method string, seconds float64, timedOut, warned bool) {
	if m == nil {
		return
	}
	m.verdictsTotal.WithLabelValues(classification, method).Inc()
	m.classifyDuration.Observe(seconds)
	if timedOut {
		m.timeoutsTotal.Inc()
	}
	if warned {
		m.warningsTotal.Inc()
	}
}

// RecordCacheLookup records a verdict cache hit or miss.
func (m *DetectorMetrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}
