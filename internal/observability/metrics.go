// Package observability wires the agent's Prometheus collectors and serves them.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinel-av/sentinel/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the agent.
type Metrics struct {
	registry   *prometheus.Registry
	Detector   *metrics.DetectorMetrics
	Scanner    *metrics.ScannerMetrics
	Quarantine *metrics.ComponentMetrics
	Update     *metrics.ComponentMetrics
	History    *metrics.ComponentMetrics
}

// NewMetrics creates a registry with every collector registered.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}

	detectorMetrics, err := metrics.NewDetectorMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector metrics: %w", err)
	}

	scannerMetrics, err := metrics.NewScannerMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner metrics: %w", err)
	}

	quarantineMetrics, err := metrics.NewComponentMetrics(registry, "quarantine")
	if err != nil {
		return nil, fmt.Errorf("failed to create quarantine metrics: %w", err)
	}

	updateMetrics, err := metrics.NewComponentMetrics(registry, "update")
	if err != nil {
		return nil, fmt.Errorf("failed to create update metrics: %w", err)
	}

	historyMetrics, err := metrics.NewComponentMetrics(registry, "history")
	if err != nil {
		return nil, fmt.Errorf("failed to create history metrics: %w", err)
	}

	return &Metrics{
		registry:   registry,
		Detector:   detectorMetrics,
		Scanner:    scannerMetrics,
		Quarantine: quarantineMetrics,
		Update:     updateMetrics,
		History:    historyMetrics,
	}, nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// RegisterHandlers registers the metrics endpoint with the provided http.ServeMux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", m.Handler())
}
