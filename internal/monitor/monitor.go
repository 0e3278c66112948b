package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinel-av/sentinel/internal/conf"
	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/logger"
)

// Default configuration values
const (
	DefaultCoalesceWindow = 50 * time.Millisecond
	DefaultQueueSize      = 1024
	defaultRestartDelay   = time.Second
)

// PressureLevel summarises how far the subscriber lags behind.
type PressureLevel int

const (
	PressureNormal PressureLevel = iota
	PressureElevated
	PressureSaturated
)

func (l PressureLevel) String() string {
	switch l {
	case PressureNormal:
		return "normal"
	case PressureElevated:
		return "elevated"
	case PressureSaturated:
		return "saturated"
	default:
		return "unknown"
	}
}

// PressureSignal is the back-pressure state exposed to the consumer.
type PressureSignal struct {
	Level     PressureLevel
	Queued    int    // events waiting in the subscriber channel
	Pending   int    // distinct paths waiting to be handed over
	Dropped   uint64 // duplicates discarded while the subscriber lagged
	Coalesced uint64 // duplicates collapsed inside the coalescing window
}

// Config tunes coalescing and the subscriber queue.
type Config struct {
	CoalesceWindow time.Duration
	QueueSize      int
	RestartDelay   time.Duration // pause before restarting a failed source
}

// ConfigFromSettings maps monitor settings to a Config.
func ConfigFromSettings(s *conf.MonitorSettings) Config {
	return Config{CoalesceWindow: s.CoalesceWindow, QueueSize: s.QueueSize}
}

type pendingEvent struct {
	key     string
	ev      Event
	readyAt time.Time
}

// Monitor multiplexes sources into one coalesced event stream. Events for a
// path that arrive inside the coalescing window collapse into one. When the
// subscriber falls behind, each path keeps at most one pending event: new
// paths are always queued and repeats of a pending path are merged into it.
type Monitor struct {
	cfg     Config
	sources []Source
	out     chan Event
	wake    chan struct{}
	log     logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingEvent
	order   []*pendingEvent

	dropped   atomic.Uint64
	coalesced atomic.Uint64

	runMu  sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor over sources. It does not start them.
func New(cfg Config, sources ...Source) *Monitor {
	if cfg.CoalesceWindow < 0 {
		cfg.CoalesceWindow = 0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	return &Monitor{
		cfg:     cfg,
		sources: sources,
		out:     make(chan Event, cfg.QueueSize),
		wake:    make(chan struct{}, 1),
		log:     GetLogger(),
		now:     time.Now,
		pending: make(map[string]*pendingEvent),
	}
}

// SourcesFromSettings builds the file system and process sources the
// settings enable.
func SourcesFromSettings(settings *conf.Settings) []Source {
	var sources []Source
	if paths := WatchPaths(settings); len(paths) > 0 {
		sources = append(sources, NewFSWatcher(paths, settings.Monitor.Recursive,
			WithSkipDirs(settings.Scanner.SkipDirs...),
			WithExcludedPaths(ExcludedPaths(settings)...)))
	}
	if settings.Monitor.Processes {
		sources = append(sources, NewProcessWatcher(settings.Monitor.ProcessPollInterval))
	}
	return sources
}

// Subscribe returns the event stream. The stream outlives Stop and Start,
// so a restarted monitor keeps feeding the same channel. It is meant for a
// single consumer.
func (m *Monitor) Subscribe() <-chan Event {
	return m.out
}

// Start runs all sources and the dispatcher until Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.runCtx != nil {
		if m.runCtx.Err() == nil {
			return errors.Newf("event monitor already running").
				Component("monitor").
				Category(errors.CategoryState).
				Build()
		}
		// parent context ended without Stop
		m.wg.Wait()
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx, m.cancel = runCtx, cancel

	for _, src := range m.sources {
		m.wg.Go(func() { m.runSource(runCtx, src) })
	}
	m.wg.Go(func() { m.dispatch(runCtx) })

	m.log.Info("event monitor started",
		logger.Int("sources", len(m.sources)),
		logger.Duration("coalesce_window", m.cfg.CoalesceWindow),
		logger.Int("queue_size", m.cfg.QueueSize))
	return nil
}

// Stop halts the sources and waits for them. Undelivered events are kept
// and handed over after the next Start.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.runCtx, m.cancel = nil, nil
	m.log.Info("event monitor stopped", logger.Int("pending", m.pendingCount()))
}

// Emit injects an event as if a source had produced it.
func (m *Monitor) Emit(ev Event) {
	m.ingest(ev)
}

// Pressure reports the current back-pressure state.
func (m *Monitor) Pressure() PressureSignal {
	queued := len(m.out)
	level := PressureNormal
	switch {
	case queued >= cap(m.out):
		level = PressureSaturated
	case queued >= cap(m.out)/2:
		level = PressureElevated
	}
	return PressureSignal{
		Level:     level,
		Queued:    queued,
		Pending:   m.pendingCount(),
		Dropped:   m.dropped.Load(),
		Coalesced: m.coalesced.Load(),
	}
}

func (m *Monitor) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func (m *Monitor) runSource(ctx context.Context, src Source) {
	log := m.log.With(logger.String("source", src.Name()))
	for {
		err := src.Run(ctx, m.ingest)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error("event source failed", logger.Error(err))
		} else {
			log.Warn("event source stopped unexpectedly")
		}

		timer := time.NewTimer(m.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		log.Info("restarting event source")
	}
}

// ingest adds ev to the pending set, merging it into a pending event for
// the same path if there is one.
func (m *Monitor) ingest(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	key := ev.key()
	now := m.now()

	m.mu.Lock()
	if p, ok := m.pending[key]; ok {
		p.ev.merge(ev)
		inWindow := now.Before(p.readyAt)
		m.mu.Unlock()
		if inWindow {
			m.coalesced.Add(1)
		} else {
			m.dropped.Add(1)
		}
		return
	}
	p := &pendingEvent{key: key, ev: ev, readyAt: now.Add(m.cfg.CoalesceWindow)}
	m.pending[key] = p
	m.order = append(m.order, p)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// dispatch hands pending events to the subscriber in arrival order once
// their coalescing window has passed.
func (m *Monitor) dispatch(ctx context.Context) {
	for {
		m.mu.Lock()
		var head *pendingEvent
		if len(m.order) > 0 {
			head = m.order[0]
		}
		m.mu.Unlock()

		if head == nil {
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
				continue
			}
		}

		if wait := head.readyAt.Sub(m.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		m.mu.Lock()
		m.order[0] = nil
		m.order = m.order[1:]
		delete(m.pending, head.key)
		ev := head.ev
		m.mu.Unlock()

		select {
		case m.out <- ev:
		case <-ctx.Done():
			m.requeue(ev)
			return
		}
	}
}

// requeue puts an undelivered event back at the front, folding in anything
// that arrived for its path since.
func (m *Monitor) requeue(ev Event) {
	key := ev.key()
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pending[key]; ok {
		later := p.ev
		p.ev = ev
		p.ev.merge(later)
		return
	}
	p := &pendingEvent{key: key, ev: ev, readyAt: m.now()}
	m.pending[key] = p
	m.order = append([]*pendingEvent{p}, m.order...)
}
