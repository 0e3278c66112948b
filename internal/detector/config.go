package detector

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sentinel-av/sentinel/internal/conf"
)

const (
	// DefaultMaxContentBytes bounds the content heuristics look at.
	DefaultMaxContentBytes = 10 * 1024 * 1024
	// hashChunkSize is the read size used while hashing.
	hashChunkSize = 8 * 1024
)

// Config holds the tunable scoring parameters.
type Config struct {
	Budget               time.Duration
	MaliciousThreshold   float64
	SuspiciousThreshold  float64
	MaxContentBytes      int64
	BehaviorWindow       time.Duration
	BehaviorMaxEvents    int
	CacheTTL             time.Duration
	SuspiciousExtensions []string
	ExtensionWeight      float64
}

// DefaultConfig returns the configuration used when no settings are loaded.
func DefaultConfig() Config {
	return Config{
		Budget:               100 * time.Millisecond,
		MaliciousThreshold:   0.8,
		SuspiciousThreshold:  0.4,
		MaxContentBytes:      DefaultMaxContentBytes,
		BehaviorWindow:       time.Minute,
		BehaviorMaxEvents:    256,
		CacheTTL:             10 * time.Minute,
		SuspiciousExtensions: []string{".exe", ".dll", ".scr", ".bat", ".cmd", ".ps1", ".vbs", ".js"},
		ExtensionWeight:      0.1,
	}
}

// ConfigFromSettings converts the detector section of the agent settings.
func ConfigFromSettings(s *conf.DetectorSettings) Config {
	return Config{
		Budget:               s.Budget,
		MaliciousThreshold:   s.MaliciousThreshold,
		SuspiciousThreshold:  s.SuspiciousThreshold,
		MaxContentBytes:      s.MaxContentBytes,
		BehaviorWindow:       s.BehaviorWindow,
		BehaviorMaxEvents:    s.BehaviorMaxEvents,
		CacheTTL:             s.CacheTTL,
		SuspiciousExtensions: s.SuspiciousExtensions,
		ExtensionWeight:      s.ExtensionWeight,
	}
}

func (c *Config) validate() error {
	switch {
	case c.Budget <= 0:
		return fmt.Errorf("budget must be positive")
	case c.SuspiciousThreshold <= 0 || c.SuspiciousThreshold >= c.MaliciousThreshold || c.MaliciousThreshold > 1:
		return fmt.Errorf("thresholds must satisfy 0 < suspicious (%v) < malicious (%v) <= 1",
			c.SuspiciousThreshold, c.MaliciousThreshold)
	case c.ExtensionWeight < 0 || c.ExtensionWeight > 1:
		return fmt.Errorf("extension weight %v outside [0,1]", c.ExtensionWeight)
	}
	if c.MaxContentBytes <= 0 {
		c.MaxContentBytes = DefaultMaxContentBytes
	}
	if c.BehaviorWindow <= 0 {
		c.BehaviorWindow = time.Minute
	}
	if c.BehaviorMaxEvents <= 0 {
		c.BehaviorMaxEvents = 256
	}
	c.SuspiciousExtensions = slices.Clone(c.SuspiciousExtensions)
	for i, ext := range c.SuspiciousExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.SuspiciousExtensions[i] = ext
	}
	return nil
}
