package errors

import (
	"sync"
	"sync/atomic"
)

// TelemetryReporter is an interface for reporting errors to telemetry systems
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

// ErrorHook is called for every built error while reporting is active.
type ErrorHook func(ee *EnhancedError)

var (
	// hasActiveReporting gates the slow path in Build
	hasActiveReporting atomic.Bool

	reportingMu       sync.RWMutex
	telemetryReporter TelemetryReporter
	errorHooks        []ErrorHook
)

// SetTelemetryReporter sets the global telemetry reporter. Pass nil to disable.
func SetTelemetryReporter(reporter TelemetryReporter) {
	reportingMu.Lock()
	defer reportingMu.Unlock()
	telemetryReporter = reporter
	updateActiveReportingLocked()
}

// GetTelemetryReporter returns the current telemetry reporter
func GetTelemetryReporter() TelemetryReporter {
	reportingMu.RLock()
	defer reportingMu.RUnlock()
	return telemetryReporter
}

// AddErrorHook registers a hook invoked for each built error.
func AddErrorHook(hook ErrorHook) {
	if hook == nil {
		return
	}
	reportingMu.Lock()
	defer reportingMu.Unlock()
	errorHooks = append(errorHooks, hook)
	updateActiveReportingLocked()
}

// ClearErrorHooks removes all registered hooks
func ClearErrorHooks() {
	reportingMu.Lock()
	defer reportingMu.Unlock()
	errorHooks = nil
	updateActiveReportingLocked()
}

func updateActiveReportingLocked() {
	active := len(errorHooks) > 0 || (telemetryReporter != nil && telemetryReporter.IsEnabled())
	hasActiveReporting.Store(active)
}

// reportToTelemetry runs hooks and forwards critical errors to the reporter.
func reportToTelemetry(ee *EnhancedError) {
	reportingMu.RLock()
	hooks := errorHooks
	reporter := telemetryReporter
	reportingMu.RUnlock()

	for _, hook := range hooks {
		hook(ee)
	}

	if reporter == nil || !reporter.IsEnabled() || ee.Priority != PriorityCritical {
		return
	}
	if ee.IsReported() {
		return
	}
	reporter.ReportError(ee)
	ee.MarkReported()
}
