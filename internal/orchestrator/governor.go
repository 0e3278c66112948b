package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/logger"
	"github.com/sentinel-av/sentinel/internal/monitor"
)

// governor keeps a rolling view of resource usage and decides when to
// throttle. A breach throttles immediately; release needs usage below the
// ceiling by the hysteresis margin and the cooldown to have passed.
type governor struct {
	cfg     GovernorConfig
	sampler monitor.ResourceSampler
	now     func() time.Time

	mu        sync.Mutex
	window    []monitor.Usage
	last      monitor.Usage
	throttled bool
	since     time.Time
	reason    string
}

func newGovernor(cfg GovernorConfig, sampler monitor.ResourceSampler, now func() time.Time) *governor {
	return &governor{cfg: cfg, sampler: sampler, now: now}
}

// observe adds a sample and reports whether the throttle state changed.
func (g *governor) observe(u monitor.Usage) (changed, throttled bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.window = append(g.window, u)
	if n := len(g.window); n > g.cfg.Window {
		g.window = g.window[n-g.cfg.Window:]
	}
	g.last = u

	cpu := g.averageCPU()
	now := g.now()

	if !g.throttled {
		if why := g.breach(cpu, u.ProcessRSSMB); why != "" {
			g.throttled, g.since, g.reason = true, now, why
			return true, true, why
		}
		return false, false, ""
	}

	if now.Sub(g.since) < g.cfg.Cooldown {
		return false, true, g.reason
	}
	if !g.belowResume(cpu, u.ProcessRSSMB) {
		return false, true, g.reason
	}
	g.throttled, g.reason = false, ""
	return true, false, ""
}

func (g *governor) averageCPU() float64 {
	if len(g.window) == 0 {
		return 0
	}
	var sum float64
	for _, s := range g.window {
		sum += s.CPUPercent
	}
	return sum / float64(len(g.window))
}

func (g *governor) breach(cpu, rss float64) string {
	switch {
	case g.cfg.CPULimitPercent > 0 && cpu > g.cfg.CPULimitPercent:
		return fmt.Sprintf("cpu %.1f%% above %.1f%%", cpu, g.cfg.CPULimitPercent)
	case g.cfg.MemoryLimitMB > 0 && rss > g.cfg.MemoryLimitMB:
		return fmt.Sprintf("memory %.0fMB above %.0fMB", rss, g.cfg.MemoryLimitMB)
	default:
		return ""
	}
}

func (g *governor) belowResume(cpu, rss float64) bool {
	if g.cfg.CPULimitPercent > 0 && cpu >= g.cfg.CPULimitPercent-g.cfg.ResumeHysteresis {
		return false
	}
	if g.cfg.MemoryLimitMB > 0 && rss >= g.cfg.MemoryLimitMB*(1-g.cfg.ResumeHysteresis/100) {
		return false
	}
	return true
}

// snapshot returns the latest sample with the rolling CPU average.
func (g *governor) snapshot() (monitor.Usage, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	u := g.last
	u.CPUPercent = g.averageCPU()
	return u, g.throttled
}

// run samples on the configured interval. sampled sees every sample; apply
// is called on every throttle change.
func (g *governor) run(ctx context.Context, log logger.Logger, sampled func(monitor.Usage), apply func(throttled bool, reason string, u monitor.Usage)) {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		u, err := g.sampler.Sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			// repeated failures are logged once per streak
			if failures == 1 {
				log.Warn("resource sampling failed", logger.Error(err))
			}
			continue
		}
		failures = 0

		changed, throttled, reason := g.observe(u)
		sampled(u)
		if !changed {
			continue
		}
		if throttled {
			log.Warn("resource ceiling breached, throttling",
				logger.String("reason", reason),
				logger.Error(errors.Newf("resource ceiling breached: %s", reason).
					Component("orchestrator").
					Category(errors.CategoryResourceExhaustion).
					Build()))
		} else {
			log.Info("resource usage back below ceiling, resuming")
		}
		apply(throttled, reason, u)
	}
}
