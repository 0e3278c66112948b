package orchestrator

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinel-av/sentinel/internal/detector"
)

type counters struct {
	files, bytes                    atomic.Int64
	clean, suspicious, infected     atomic.Int64
	quarantined, quarantineFailures atomic.Int64
	skipped, warnings, errors       atomic.Int64
	timedOut, latencyExceeded       atomic.Int64
}

// session is the live state behind a Session view.
type session struct {
	id        string
	kind      Kind
	roots     []string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// pending counts admitted targets and containments not yet finished
	pending sync.WaitGroup
	done    chan struct{}

	mu         sync.Mutex
	state      State
	finishedAt time.Time
	lastErr    string

	stats counters
}

func newSession(parent context.Context, id string, kind Kind, roots []string, now time.Time) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:        id,
		kind:      kind,
		roots:     slices.Clone(roots),
		startedAt: now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateIdle,
	}
}

func (s *session) lane() lane {
	if s.kind == KindRealtime {
		return laneRealtime
	}
	return laneScheduled
}

// transition moves to state to if allowed and reports the previous state.
func (s *session) transition(to State) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.state
	if !canTransition(from, to) {
		return from, false
	}
	s.state = to
	return from, true
}

// finish moves to a terminal state once.
func (s *session) finish(to State, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || !canTransition(s.state, to) {
		return false
	}
	s.state = to
	s.finishedAt = at
	close(s.done)
	return true
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setError(err error) {
	s.stats.errors.Add(1)
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

func (s *session) record(v detector.Verdict) {
	s.stats.files.Add(1)
	s.stats.bytes.Add(max(v.Target.SizeBytes, 0))
	switch v.Classification {
	case detector.Malicious:
		s.stats.infected.Add(1)
	case detector.Suspicious:
		s.stats.suspicious.Add(1)
	default:
		s.stats.clean.Add(1)
	}
	if v.Warning != "" {
		s.stats.warnings.Add(1)
	}
	if v.TimedOut {
		s.stats.timedOut.Add(1)
	}
}

func (s *session) snapshot(now time.Time) Session {
	s.mu.Lock()
	state, finished, lastErr := s.state, s.finishedAt, s.lastErr
	s.mu.Unlock()

	out := Session{
		ID:        s.id,
		Kind:      s.kind,
		State:     state,
		Roots:     slices.Clone(s.roots),
		StartedAt: s.startedAt,
		LastError: lastErr,
	}
	end := now
	if !finished.IsZero() {
		end = finished
		out.FinishedAt = &finished
	}

	st := &s.stats
	out.Stats = ScanStats{
		FilesScanned:       st.files.Load(),
		Bytes:              st.bytes.Load(),
		Clean:              st.clean.Load(),
		Suspicious:         st.suspicious.Load(),
		Infected:           st.infected.Load(),
		Quarantined:        st.quarantined.Load(),
		QuarantineFailures: st.quarantineFailures.Load(),
		Skipped:            st.skipped.Load(),
		Warnings:           st.warnings.Load(),
		Errors:             st.errors.Load(),
		TimedOut:           st.timedOut.Load(),
		LatencyCapExceeded: st.latencyExceeded.Load(),
		Elapsed:            end.Sub(s.startedAt),
	}
	if secs := out.Stats.Elapsed.Seconds(); secs > 0 {
		out.Stats.FilesPerSecond = float64(out.Stats.FilesScanned) / secs
	}
	return out
}
