// Package orchestrator schedules scan sessions over a shared worker pool,
// governs resource usage, contains malicious files and reports health.
package orchestrator

import (
	"fmt"
	"slices"
	"time"

	"github.com/sentinel-av/sentinel/internal/errors"
)

// Sentinel errors
var (
	ErrSessionNotFound = errors.NewStd("scan session not found")
	ErrNotRunning      = errors.NewStd("orchestrator is not running")
	ErrSessionFinished = errors.NewStd("scan session already finished")
	ErrNoRoots         = errors.NewStd("no scan roots given")
)

// State is a scan session's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateThrottled
	StateAborted
)

var stateNames = [...]string{"idle", "running", "completed", "throttled", "aborted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("invalid session state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	i := slices.Index(stateNames[:], string(text))
	if i < 0 {
		return fmt.Errorf("unknown session state %q", text)
	}
	*s = State(i)
	return nil
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// transitions lists the allowed state changes. Throttled is left when the
// governor releases the throttle.
var transitions = map[State][]State{
	StateIdle:      {StateRunning, StateAborted},
	StateRunning:   {StateThrottled, StateCompleted, StateAborted},
	StateThrottled: {StateRunning, StateCompleted, StateAborted},
}

func canTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Kind is what started a session.
type Kind int

const (
	KindRealtime Kind = iota
	KindScheduled
	KindManual
)

var kindNames = [...]string{"realtime", "scheduled", "manual"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k < 0 || int(k) >= len(kindNames) {
		return nil, fmt.Errorf("invalid session kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind parses a session kind name.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return 0, errors.Newf("unknown session kind %q", s).
		Component("orchestrator").
		Category(errors.CategoryValidation).
		Build()
}

// ScanStats counts a session's work.
type ScanStats struct {
	FilesScanned       int64         `json:"filesScanned"`
	Bytes              int64         `json:"bytes"`
	Clean              int64         `json:"clean"`
	Suspicious         int64         `json:"suspicious"`
	Infected           int64         `json:"infected"`
	Quarantined        int64         `json:"quarantined"`
	QuarantineFailures int64         `json:"quarantineFailures"`
	Skipped            int64         `json:"skipped"`
	Warnings           int64         `json:"warnings"`
	Errors             int64         `json:"errors"`
	TimedOut           int64         `json:"timedOut"`
	LatencyCapExceeded int64         `json:"latencyCapExceeded"`
	Elapsed            time.Duration `json:"elapsed"`
	FilesPerSecond     float64       `json:"filesPerSecond"`
}

// Session is a point-in-time view of a scan session.
type Session struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	State      State      `json:"state"`
	Roots      []string   `json:"roots,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Stats      ScanStats  `json:"stats"`
	LastError  string     `json:"lastError,omitempty"`
}

// HealthLevel orders health from best to worst.
type HealthLevel int

const (
	HealthHealthy HealthLevel = iota
	HealthDegraded
	HealthFailsafe
	HealthCritical
)

var healthNames = [...]string{"healthy", "degraded", "failsafe", "critical"}

func (h HealthLevel) String() string {
	if h < 0 || int(h) >= len(healthNames) {
		return "unknown"
	}
	return healthNames[h]
}

// MarshalText implements encoding.TextMarshaler.
func (h HealthLevel) MarshalText() ([]byte, error) {
	if h < 0 || int(h) >= len(healthNames) {
		return nil, fmt.Errorf("invalid health level %d", int(h))
	}
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *HealthLevel) UnmarshalText(text []byte) error {
	i := slices.Index(healthNames[:], string(text))
	if i < 0 {
		return fmt.Errorf("unknown health level %q", text)
	}
	*h = HealthLevel(i)
	return nil
}

// Health is the status surfaced to the layer above instead of terminating.
type Health struct {
	Level          HealthLevel `json:"level"`
	Reasons        []string    `json:"reasons,omitempty"`
	Failsafe       bool        `json:"failsafe"`
	Throttled      bool        `json:"throttled"`
	UpdateFailures int         `json:"updateFailures"`
	Since          time.Time   `json:"since"`
}
