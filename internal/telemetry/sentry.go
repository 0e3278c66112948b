// Package telemetry reports critical faults to Sentry when the operator opts in.
//
// Only errors built with PriorityCritical reach Sentry, through the
// errors.TelemetryReporter hook. Messages are scrubbed of file paths, URLs
// and addresses before they leave the machine, and events carry no user,
// host or device context.
package telemetry

import (
	"cmp"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/getsentry/sentry-go"

	"github.com/sentinel-av/sentinel/internal/buildinfo"
	"github.com/sentinel-av/sentinel/internal/conf"
	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/logger"
	"github.com/sentinel-av/sentinel/internal/privacy"
)

// DefaultFlushTimeout bounds Flush during shutdown.
const DefaultFlushTimeout = 2 * time.Second

// allowedExtra lists the only context keys forwarded with an event.
var allowedExtra = map[string]bool{
	"operation":  true,
	"error_type": true,
	"component":  true,
	"version":    true,
	"attempt":    true,
	"reason":     true,
}

// GetLogger returns the telemetry module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("telemetry")
}

// Reporter forwards critical errors to Sentry. It implements
// errors.TelemetryReporter.
type Reporter struct {
	hub     *sentry.Hub
	enabled atomic.Bool
	log     logger.Logger
}

var _ errors.TelemetryReporter = (*Reporter)(nil)

// Option configures a Reporter.
type Option func(*sentry.ClientOptions)

// WithTransport replaces the HTTP transport, for tests.
func WithTransport(t sentry.Transport) Option {
	return func(o *sentry.ClientOptions) { o.Transport = t }
}

// New builds a Reporter on a private hub. It returns nil when reporting is
// disabled in settings.
func New(settings conf.SentrySettings, info buildinfo.BuildInfo, opts ...Option) (*Reporter, error) {
	log := GetLogger()
	if !settings.Enabled {
		log.Info("crash reporting disabled (opt-in required)")
		return nil, nil
	}

	options := sentry.ClientOptions{
		Dsn:              settings.DSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      cmp.Or(settings.Environment, "production"),
		ServerName:       "",
		Release:          buildinfo.Release(info),
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	}
	for _, opt := range opts {
		opt(&options)
	}

	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	scope := sentry.NewScope()
	scope.SetTag("os", runtime.GOOS)
	scope.SetTag("arch", runtime.GOARCH)
	if info != nil {
		scope.SetTag("system_id", info.GetSystemID())
	}

	r := &Reporter{hub: sentry.NewHub(client, scope), log: log}
	r.enabled.Store(true)
	log.Info("crash reporting enabled",
		logger.String("environment", options.Environment),
		logger.String("release", options.Release))
	return r, nil
}

// Install registers r as the global error reporter. A nil r clears it.
func Install(r *Reporter) {
	if r == nil {
		errors.SetTelemetryReporter(nil)
		return
	}
	errors.SetTelemetryReporter(r)
}

// IsEnabled implements errors.TelemetryReporter.
func (r *Reporter) IsEnabled() bool {
	return r != nil && r.enabled.Load()
}

// ReportError implements errors.TelemetryReporter.
func (r *Reporter) ReportError(ee *errors.EnhancedError) {
	if !r.IsEnabled() || ee == nil {
		return
	}

	component := ee.GetComponent()
	message := privacy.ScrubMessage(ee.Error())

	event := sentry.NewEvent()
	event.Level = sentry.LevelFatal
	event.Message = message
	event.Timestamp = ee.GetTimestamp()
	event.Tags = map[string]string{
		"component": component,
		"category":  ee.GetCategory(),
		"priority":  ee.GetPriority(),
	}
	event.Fingerprint = []string{component, ee.GetCategory(), parseErrorType(message)}
	event.Exception = []sentry.Exception{{
		Type:  generateErrorTitle(message, component),
		Value: message,
	}}

	event.Extra = make(map[string]any)
	for k, v := range ee.GetContext() {
		if !allowedExtra[k] {
			continue
		}
		if s, ok := v.(string); ok {
			v = privacy.ScrubMessage(s)
		}
		event.Extra[k] = v
	}

	r.hub.CaptureEvent(event)
}

// Flush waits up to timeout for queued events to be sent.
func (r *Reporter) Flush(timeout time.Duration) bool {
	if r == nil {
		return true
	}
	return r.hub.Flush(timeout)
}

// Close stops reporting and flushes what is queued.
func (r *Reporter) Close() {
	if r == nil || !r.enabled.Swap(false) {
		return
	}
	if !r.Flush(DefaultFlushTimeout) {
		r.log.Warn("crash reports still queued at shutdown")
	}
	if client := r.hub.Client(); client != nil {
		client.Close()
	}
}

// applyPrivacyFilters strips user, host and device context from an event.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}
	for k := range event.Extra {
		if !allowedExtra[k] {
			delete(event.Extra, k)
		}
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}

// generateErrorTitle creates a readable exception type from the message and component.
func generateErrorTitle(errMsg, component string) string {
	errorType := parseErrorType(errMsg)
	if component != "" && component != "unknown" {
		return fmt.Sprintf("%s: %s", titleCaseComponent(component), errorType)
	}
	return errorType
}

// parseErrorType extracts a human-readable error type from the error message
func parseErrorType(errMsg string) string {
	switch {
	case strings.Contains(errMsg, "nil pointer dereference"):
		return "Nil Pointer Dereference"
	case strings.Contains(errMsg, "index out of range"):
		return "Index Out of Range"
	case strings.Contains(errMsg, "send on closed channel"):
		return "Send on Closed Channel"
	case strings.Contains(errMsg, "signature verification failed"):
		return "Signature Verification Failed"
	case strings.Contains(errMsg, "last-known-good"):
		return "No Known-Good Signature Database"
	case strings.Contains(errMsg, "database disk image is malformed"):
		return "History Database Corrupt"
	case strings.HasPrefix(errMsg, "panic:"):
		panicMsg := strings.TrimPrefix(errMsg, "panic: ")
		if len(panicMsg) > 50 {
			panicMsg = panicMsg[:50] + "..."
		}
		return "Panic: " + panicMsg
	default:
		if len(errMsg) > 60 {
			return errMsg[:60] + "..."
		}
		return errMsg
	}
}

// titleCaseComponent converts component names to title case for better readability
// Examples: "api" -> "API", "signature_store" -> "Signature Store"
func titleCaseComponent(component string) string {
	component = strings.ReplaceAll(component, "_", " ")
	component = strings.ReplaceAll(component, "-", " ")
	words := strings.Fields(component)
	for i, word := range words {
		switch word {
		case "api", "db":
			words[i] = strings.ToUpper(word)
			continue
		}
		runes := []rune(word)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
