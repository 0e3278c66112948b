package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ScannerMetrics covers the orchestrator, the event monitor and resource
// usage. All methods are safe on a nil receiver.
type ScannerMetrics struct {
	filesTotal         *prometheus.CounterVec
	queueDepth         *prometheus.GaugeVec
	workerLimit        prometheus.Gauge
	throttled          prometheus.Gauge
	health             prometheus.Gauge
	eventsDropped      prometheus.Counter
	quarantineFailures prometheus.Counter
	cpuPercent         prometheus.Gauge
	memoryMB           prometheus.Gauge
	processRSSMB       prometheus.Gauge
	signatureVersion   prometheus.Gauge
	signatureRecords   prometheus.Gauge

	collectors []prometheus.Collector
}

// NewScannerMetrics creates and registers scanner metrics
func NewScannerMetrics(registry *prometheus.Registry) (*ScannerMetrics, error) {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}

	m := &ScannerMetrics{
		filesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_scanner_files_total",
				Help: "Files scanned by session kind and classification",
			},
			[]string{"kind", "classification"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentinel_scanner_queue_depth",
				Help: "Targets waiting in the admission queue by lane",
			},
			[]string{"lane"},
		),
		workerLimit:      gauge("sentinel_scanner_worker_limit", "Current worker concurrency limit"),
		throttled:        gauge("sentinel_scanner_throttled", "1 while the resource governor is throttling"),
		health:           gauge("sentinel_health_status", "0 healthy, 1 degraded, 2 failsafe, 3 critical"),
		cpuPercent:       gauge("sentinel_resource_cpu_percent", "Rolling system CPU usage"),
		memoryMB:         gauge("sentinel_resource_memory_mb", "Rolling system memory in use"),
		processRSSMB:     gauge("sentinel_resource_process_rss_mb", "Agent resident set size"),
		signatureVersion: gauge("sentinel_signature_version", "Active signature database version"),
		signatureRecords: gauge("sentinel_signature_records", "Records in the active signature database"),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_monitor_events_dropped_total",
			Help: "Duplicate path events dropped under back-pressure",
		}),
		quarantineFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_scanner_quarantine_failures_total",
			Help: "Malicious verdicts whose quarantine failed after retries",
		}),
	}
	m.collectors = []prometheus.Collector{
		m.filesTotal, m.queueDepth, m.workerLimit, m.throttled, m.health,
		m.eventsDropped, m.quarantineFailures, m.cpuPercent, m.memoryMB,
		m.processRSSMB, m.signatureVersion, m.signatureRecords,
	}

	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe implements the Collector interface
func (m *ScannerMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *ScannerMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordFile counts one scanned file.
func (m *ScannerMetrics) RecordFile(kind, classification string) {
	if m == nil {
		return
	}
	m.filesTotal.WithLabelValues(kind, classification).Inc()
}

// SetQueueDepth publishes the depth of one admission lane.
func (m *ScannerMetrics) SetQueueDepth(lane string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(lane).Set(float64(depth))
}

// SetWorkerLimit publishes the current concurrency limit.
func (m *ScannerMetrics) SetWorkerLimit(n int) {
	if m == nil {
		return
	}
	m.workerLimit.Set(float64(n))
}

// SetThrottled publishes the governor state.
func (m *ScannerMetrics) SetThrottled(on bool) {
	if m == nil {
		return
	}
	if on {
		m.throttled.Set(1)
		return
	}
	m.throttled.Set(0)
}

// SetHealth publishes the health level as its ordinal.
func (m *ScannerMetrics) SetHealth(level int) {
	if m == nil {
		return
	}
	m.health.Set(float64(level))
}

// AddEventsDropped counts dropped duplicate events.
func (m *ScannerMetrics) AddEventsDropped(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.eventsDropped.Add(float64(n))
}

// RecordQuarantineFailure counts a detection whose containment failed.
func (m *ScannerMetrics) RecordQuarantineFailure() {
	if m == nil {
		return
	}
	m.quarantineFailures.Inc()
}

// SetResources publishes a resource sample.
func (m *ScannerMetrics) SetResources(cpuPercent, memoryMB, processRSSMB float64) {
	if m == nil {
		return
	}
	m.cpuPercent.Set(cpuPercent)
	m.memoryMB.Set(memoryMB)
	m.processRSSMB.Set(processRSSMB)
}

// SetSignatureDatabase publishes the active database version and size.
func (m *ScannerMetrics) SetSignatureDatabase(version uint64, records int) {
	if m == nil {
		return
	}
	m.signatureVersion.Set(float64(version))
	m.signatureRecords.Set(float64(records))
}
