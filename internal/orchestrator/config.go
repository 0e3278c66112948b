package orchestrator

import (
	"slices"
	"strings"
	"time"

	"github.com/sentinel-av/sentinel/internal/conf"
	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/jobqueue"
)

// Default configuration values
const (
	DefaultQueueSize          = 4096
	DefaultRealtimeLatencyCap = 100 * time.Millisecond
	DefaultFailureThreshold   = 3
	maxTraversalRoots         = 4
)

// DefaultSkipDirs are directory names scheduled scans never descend into.
var DefaultSkipDirs = []string{"node_modules", ".git", ".svn", "venv", ".venv", "__pycache__"}

// GovernorConfig tunes the resource governor.
type GovernorConfig struct {
	SampleInterval   time.Duration
	Window           int     // samples in the rolling CPU average
	CPULimitPercent  float64 // 0 disables the CPU ceiling
	MemoryLimitMB    float64 // 0 disables the memory ceiling
	ResumeHysteresis float64 // percent below a ceiling required to resume
	Cooldown         time.Duration
}

// Config tunes the orchestrator.
type Config struct {
	Workers            int
	RealtimeMinWorkers int
	QueueSize          int
	SkipExtensions     []string
	SkipDirs           []string
	MaxFileSize        int64   // larger files are classified by hash only
	ThrottledRate      float64 // scheduled files/s while throttled, 0 pauses them
	RealtimeLatencyCap time.Duration

	Governor         GovernorConfig
	QuarantineRetry  jobqueue.RetryConfig
	FailureThreshold int // consecutive update failures before health turns critical
}

// DefaultConfig returns the defaults used when no settings are loaded.
func DefaultConfig() Config {
	return Config{
		Workers:            conf.DefaultWorkers(),
		RealtimeMinWorkers: 1,
		QueueSize:          DefaultQueueSize,
		SkipDirs:           slices.Clone(DefaultSkipDirs),
		RealtimeLatencyCap: DefaultRealtimeLatencyCap,
		ThrottledRate:      50,
		Governor: GovernorConfig{
			SampleInterval:   2 * time.Second,
			Window:           5,
			CPULimitPercent:  30,
			MemoryLimitMB:    512,
			ResumeHysteresis: 10,
			Cooldown:         30 * time.Second,
		},
		QuarantineRetry: jobqueue.RetryConfig{
			Enabled:      true,
			MaxRetries:   3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
		},
		FailureThreshold: DefaultFailureThreshold,
	}
}

// ConfigFromSettings maps agent settings to a Config.
func ConfigFromSettings(s *conf.Settings) Config {
	return Config{
		Workers:            s.Scanner.Workers,
		RealtimeMinWorkers: s.Scanner.RealtimeMinWorkers,
		QueueSize:          s.Scanner.QueueSize,
		SkipExtensions:     slices.Clone(s.Scanner.SkipExtensions),
		SkipDirs:           slices.Clone(s.Scanner.SkipDirs),
		MaxFileSize:        s.Scanner.MaxFileSize,
		ThrottledRate:      s.Scanner.ThrottledRate,
		RealtimeLatencyCap: s.Scanner.RealtimeLatencyCap,
		Governor: GovernorConfig{
			SampleInterval:   s.Resources.SampleInterval,
			Window:           s.Resources.Window,
			CPULimitPercent:  s.Resources.CPULimitPercent,
			MemoryLimitMB:    s.Resources.MemoryLimitMB,
			ResumeHysteresis: s.Resources.ResumeHysteresis,
			Cooldown:         s.Resources.Cooldown,
		},
		QuarantineRetry: jobqueue.RetryConfig{
			Enabled:      s.Quarantine.MaxRetries > 0,
			MaxRetries:   s.Quarantine.MaxRetries,
			InitialDelay: s.Quarantine.RetryDelay,
			MaxDelay:     s.Quarantine.MaxRetryDelay,
			Multiplier:   2,
		},
		FailureThreshold: s.Update.FailureThreshold,
	}
}

func (c *Config) validate() error {
	if c.Workers <= 0 {
		c.Workers = conf.DefaultWorkers()
	}
	if c.RealtimeMinWorkers <= 0 {
		c.RealtimeMinWorkers = 1
	}
	c.RealtimeMinWorkers = min(c.RealtimeMinWorkers, c.Workers)
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.RealtimeLatencyCap <= 0 {
		c.RealtimeLatencyCap = DefaultRealtimeLatencyCap
	}
	if c.ThrottledRate < 0 {
		return configError("throttled rate must not be negative")
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}

	g := &c.Governor
	if g.SampleInterval <= 0 {
		g.SampleInterval = 2 * time.Second
	}
	if g.Window <= 0 {
		g.Window = 1
	}
	if g.CPULimitPercent < 0 || g.CPULimitPercent > 100 {
		return configError("cpu limit must be within 0-100")
	}
	if g.MemoryLimitMB < 0 {
		return configError("memory limit must not be negative")
	}
	if g.ResumeHysteresis < 0 || g.ResumeHysteresis >= 100 {
		return configError("resume hysteresis must be within 0-100")
	}

	c.SkipExtensions = normalizeExtensions(c.SkipExtensions)
	c.SkipDirs = slices.Clone(c.SkipDirs)
	return nil
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

func configError(msg string) error {
	return errors.Newf("invalid orchestrator config: %s", msg).
		Component("orchestrator").
		Category(errors.CategoryConfiguration).
		Build()
}
