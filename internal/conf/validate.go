// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	ve.Errors = append(ve.Errors, validateSignatureSettings(&settings.Signatures)...)
	ve.Errors = append(ve.Errors, validateUpdateSettings(&settings.Update)...)
	ve.Errors = append(ve.Errors, validateDetectorSettings(&settings.Detector)...)
	ve.Errors = append(ve.Errors, validateQuarantineSettings(&settings.Quarantine)...)
	ve.Errors = append(ve.Errors, validateMonitorSettings(&settings.Monitor)...)
	ve.Errors = append(ve.Errors, validateScannerSettings(&settings.Scanner)...)
	ve.Errors = append(ve.Errors, validateResourceSettings(&settings.Resources)...)

	if settings.API.Enabled {
		if _, _, err := net.SplitHostPort(settings.API.Listen); err != nil {
			ve.Errors = append(ve.Errors, fmt.Sprintf("api.listen %q is not host:port", settings.API.Listen))
		}
	}
	if settings.Metrics.Enabled && !settings.API.Enabled {
		if _, _, err := net.SplitHostPort(settings.Metrics.Listen); err != nil {
			ve.Errors = append(ve.Errors, fmt.Sprintf("metrics.listen %q is not host:port", settings.Metrics.Listen))
		}
	}
	if settings.History.Enabled {
		if settings.History.Path == "" {
			ve.Errors = append(ve.Errors, "history.path must be set when history is enabled")
		}
		if settings.History.Retention < 0 {
			ve.Errors = append(ve.Errors, "history.retention must not be negative")
		}
		if settings.History.Retention > 0 && settings.History.PruneInterval <= 0 {
			ve.Errors = append(ve.Errors, "history.pruneinterval must be positive when retention is set")
		}
	}
	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry.dsn is required when sentry is enabled")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateSignatureSettings(s *SignatureSettings) []string {
	var errs []string
	if s.Path == "" {
		errs = append(errs, "signatures.path must be set")
	}
	if s.PublicKeyPath == "" {
		errs = append(errs, "signatures.publickeypath must be set")
	}
	if s.BloomFPRate <= 0 || s.BloomFPRate >= 1 {
		errs = append(errs, fmt.Sprintf("signatures.bloomfprate must be in (0,1), got %v", s.BloomFPRate))
	}
	return errs
}

func validateUpdateSettings(s *UpdateSettings) []string {
	var errs []string
	if s.MaxAttempts < 1 {
		errs = append(errs, "update.maxattempts must be at least 1")
	}
	if s.InitialBackoff <= 0 || s.MaxBackoff < s.InitialBackoff {
		errs = append(errs, "update backoff must satisfy 0 < initialbackoff <= maxbackoff")
	}
	if s.Multiplier < 1 {
		errs = append(errs, "update.multiplier must be >= 1")
	}
	return errs
}

func validateDetectorSettings(s *DetectorSettings) []string {
	var errs []string
	if s.Budget <= 0 {
		errs = append(errs, "detector.budget must be positive")
	}
	if s.SuspiciousThreshold <= 0 || s.SuspiciousThreshold >= s.MaliciousThreshold || s.MaliciousThreshold > 1 {
		errs = append(errs, fmt.Sprintf("detector thresholds must satisfy 0 < suspicious (%v) < malicious (%v) <= 1",
			s.SuspiciousThreshold, s.MaliciousThreshold))
	}
	if s.MaxContentBytes <= 0 {
		errs = append(errs, "detector.maxcontentbytes must be positive")
	}
	if s.BehaviorWindow <= 0 || s.BehaviorMaxEvents < 1 {
		errs = append(errs, "detector behaviour window and event limit must be positive")
	}
	return errs
}

func validateQuarantineSettings(s *QuarantineSettings) []string {
	var errs []string
	if s.Dir == "" || s.KeyFile == "" {
		errs = append(errs, "quarantine.dir and quarantine.keyfile must be set")
	}
	if s.SecureDeletePasses < 0 {
		errs = append(errs, "quarantine.securedeletepasses cannot be negative")
	}
	if s.MinFreeMB < 0 {
		errs = append(errs, "quarantine.minfreemb cannot be negative")
	}
	if s.MaxRetries < 0 {
		errs = append(errs, "quarantine.maxretries cannot be negative")
	}
	return errs
}

func validateMonitorSettings(s *MonitorSettings) []string {
	var errs []string
	if s.QueueSize < 1 {
		errs = append(errs, "monitor.queuesize must be at least 1")
	}
	if s.CoalesceWindow < 0 {
		errs = append(errs, "monitor.coalescewindow cannot be negative")
	}
	if s.Processes && s.ProcessPollInterval <= 0 {
		errs = append(errs, "monitor.processpollinterval must be positive")
	}
	return errs
}

func validateScannerSettings(s *ScannerSettings) []string {
	var errs []string
	if s.Workers < 0 {
		errs = append(errs, "scanner.workers cannot be negative")
	}
	if s.RealtimeMinWorkers < 1 {
		errs = append(errs, "scanner.realtimeminworkers must be at least 1")
	}
	if s.Workers > 0 && s.RealtimeMinWorkers > s.Workers {
		errs = append(errs, "scanner.realtimeminworkers cannot exceed scanner.workers")
	}
	if s.QueueSize < 1 {
		errs = append(errs, "scanner.queuesize must be at least 1")
	}
	if s.ThrottledRate <= 0 {
		errs = append(errs, "scanner.throttledrate must be positive")
	}
	return errs
}

func validateResourceSettings(s *ResourceSettings) []string {
	var errs []string
	if s.SampleInterval <= 0 || s.Window < 1 {
		errs = append(errs, "resources sampling interval and window must be positive")
	}
	if s.CPULimitPercent <= 0 || s.CPULimitPercent > 100 {
		errs = append(errs, fmt.Sprintf("resources.cpulimitpercent must be in (0,100], got %v", s.CPULimitPercent))
	}
	if s.MemoryLimitMB <= 0 {
		errs = append(errs, "resources.memorylimitmb must be positive")
	}
	if s.ResumeHysteresis < 0 || s.ResumeHysteresis >= s.CPULimitPercent {
		errs = append(errs, "resources.resumehysteresis must be below the CPU limit")
	}
	return errs
}
