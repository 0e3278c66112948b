package orchestrator

import (
	"github.com/sentinel-av/sentinel/internal/detector"
	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/logger"
	"github.com/sentinel-av/sentinel/internal/signature"
	"github.com/sentinel-av/sentinel/internal/update"
)

// GetLogger returns the orchestrator package logger
func GetLogger() logger.Logger {
	return logger.Global().Module("orchestrator")
}

// UpdateSource reports the outcome of every update attempt.
type UpdateSource interface {
	OnResult(fn func(update.Result))
}

// EnterFailsafe switches detection to hash-only matching against the
// snapshot already in memory. Scanning continues.
func (o *Orchestrator) EnterFailsafe(reason string) {
	var entered bool
	from, to := o.health.update(func(h *healthTracker) {
		entered = !h.failsafe
		h.failsafe = true
		h.failsafeReason = reason
	})
	o.det.SetMode(detector.ModeHashOnly)
	if entered {
		logger.Critical(o.log, "entering failsafe mode: hash-only detection",
			logger.String("reason", reason),
			logger.Uint64("signature_version", o.det.DatabaseVersion()))
	}
	o.publishHealth(from, to)
}

// ExitFailsafe restores the full detection pipeline.
func (o *Orchestrator) ExitFailsafe(reason string) {
	var left bool
	from, to := o.health.update(func(h *healthTracker) {
		left = h.failsafe
		h.failsafe = false
		h.failsafeReason = ""
		h.noDatabase = false
	})
	if !left {
		return
	}
	o.det.SetMode(detector.ModeFull)
	o.log.Info("leaving failsafe mode", logger.String("reason", reason))
	o.publishHealth(from, to)
}

// Failsafe reports whether detection is restricted to hash matching.
func (o *Orchestrator) Failsafe() bool {
	return o.health.snapshot().Failsafe
}

// SignatureFault handles an unreadable or unverifiable signature database.
// With a verified snapshot still in memory the agent keeps detecting in
// failsafe mode; without one health turns critical.
func (o *Orchestrator) SignatureFault(err error, haveSnapshot bool) {
	ferr := errors.New(err).
		Component("orchestrator").
		Category(errors.CategoryIntegrity).
		Priority(errors.PriorityCritical).
		Context("have_snapshot", haveSnapshot).
		Build()
	o.health.update(func(h *healthTracker) { h.noDatabase = !haveSnapshot })
	o.EnterFailsafe(ferr.Error())
}

// WatchUpdates tracks update outcomes for health. Repeated failures degrade
// health and eventually turn it critical; a rollback without a
// last-known-good database enters failsafe mode.
func (o *Orchestrator) WatchUpdates(src UpdateSource) {
	src.OnResult(o.updateResult)
}

func (o *Orchestrator) updateResult(r update.Result) {
	switch {
	case r.Err == nil:
		from, to := o.health.update(func(h *healthTracker) {
			h.updateFailures = 0
			h.lastUpdateError = ""
		})
		o.publishHealth(from, to)
		if o.Failsafe() {
			o.ExitFailsafe("verified signature update installed")
		}
	case errors.Is(r.Err, update.ErrNotNewer):
		// a replayed or older package leaves the active database untouched
	case errors.Is(r.Err, signature.ErrNoKnownGood):
		o.health.update(func(h *healthTracker) {
			h.updateFailures++
			h.lastUpdateError = r.Error
		})
		o.SignatureFault(r.Err, o.det.DatabaseVersion() > 0)
	default:
		from, to := o.health.update(func(h *healthTracker) {
			h.updateFailures++
			h.lastUpdateError = r.Error
		})
		o.publishHealth(from, to)
	}
}

func (o *Orchestrator) publishHealth(from, to HealthLevel) {
	o.metrics.SetHealth(int(to))
	if from == to {
		return
	}
	h := o.health.snapshot()
	fields := []logger.Field{
		logger.String("from", from.String()),
		logger.String("to", to.String()),
		logger.Any("reasons", h.Reasons),
	}
	switch to {
	case HealthCritical:
		logger.Critical(o.log, "health critical", fields...)
	case HealthHealthy:
		o.log.Info("health restored", fields...)
	default:
		o.log.Warn("health degraded", fields...)
	}
}
