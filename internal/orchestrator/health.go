package orchestrator

import (
	"fmt"
	"sync"
	"time"
)

// healthTracker derives the health level from the conditions reported to
// it. The level is the worst of: failsafe, missing signature database,
// repeated update failures.
type healthTracker struct {
	threshold int
	now       func() time.Time

	mu              sync.Mutex
	failsafe        bool
	failsafeReason  string
	noDatabase      bool
	updateFailures  int
	lastUpdateError string
	throttled       bool
	level           HealthLevel
	since           time.Time
}

func newHealthTracker(threshold int, now func() time.Time) *healthTracker {
	return &healthTracker{threshold: threshold, now: now, since: now()}
}

// update applies fn and reports the level change, if any.
func (h *healthTracker) update(fn func(h *healthTracker)) (from, to HealthLevel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	from = h.level
	fn(h)
	h.level = h.compute()
	if h.level != from {
		h.since = h.now()
	}
	return from, h.level
}

func (h *healthTracker) compute() HealthLevel {
	level := HealthHealthy
	if h.updateFailures > 0 {
		level = HealthDegraded
	}
	if h.failsafe {
		level = HealthFailsafe
	}
	if h.noDatabase || (h.threshold > 0 && h.updateFailures >= h.threshold) {
		level = HealthCritical
	}
	return level
}

func (h *healthTracker) snapshot() Health {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := Health{
		Level:          h.level,
		Failsafe:       h.failsafe,
		Throttled:      h.throttled,
		UpdateFailures: h.updateFailures,
		Since:          h.since,
	}
	if h.failsafe {
		out.Reasons = append(out.Reasons, "failsafe: "+h.failsafeReason)
	}
	if h.noDatabase {
		out.Reasons = append(out.Reasons, "no verified signature database available")
	}
	if h.updateFailures > 0 {
		out.Reasons = append(out.Reasons,
			fmt.Sprintf("%d consecutive update failures: %s", h.updateFailures, h.lastUpdateError))
	}
	if h.throttled {
		out.Reasons = append(out.Reasons, "resource throttle active")
	}
	return out
}
