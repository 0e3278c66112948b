package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Source produces events until ctx is cancelled. Run returns nil on
// cancellation and an error when the source cannot continue.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(Event)) error
}

// HookSource carries process operations and file activity reported by
// in-process hooks, such as an OS audit integration or tests. Reports are
// kept per path or pid until the monitor takes them, so a report never
// blocks the hook and a first report for a key is never lost. Repeats for a
// key that is still pending are merged into it.
type HookSource struct {
	mu      sync.Mutex
	pending map[string]*Event
	order   []string
	wake    chan struct{}
	merged  atomic.Uint64
	now     func() time.Time
}

// NewHookSource creates an empty hook source.
func NewHookSource() *HookSource {
	return &HookSource{
		pending: make(map[string]*Event),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Name implements Source.
func (h *HookSource) Name() string { return "hooks" }

// ReportOperation records a sensitive operation performed by pid. It reports
// false when the operation was merged into a pending report for pid.
func (h *HookSource) ReportOperation(pid int32, image, op string) bool {
	return h.report(Event{Path: image, PID: pid, Kind: KindProcessOperation, Op: op})
}

// ReportFile records file activity seen outside the file system watcher.
func (h *HookSource) ReportFile(path string, kind EventKind) bool {
	return h.report(Event{Path: path, Kind: kind})
}

// ReportExit records that pid has exited.
func (h *HookSource) ReportExit(pid int32) bool {
	return h.report(Event{PID: pid, Kind: KindProcessExit})
}

func (h *HookSource) report(ev Event) bool {
	ev.Timestamp = h.now()
	key := ev.key()

	h.mu.Lock()
	if p, ok := h.pending[key]; ok {
		p.merge(ev)
		h.mu.Unlock()
		h.merged.Add(1)
		return false
	}
	h.pending[key] = &ev
	h.order = append(h.order, key)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
	return true
}

// Merged returns how many reports were folded into a pending report.
func (h *HookSource) Merged() uint64 { return h.merged.Load() }

// Pending returns how many reports wait for the monitor.
func (h *HookSource) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.order)
}

func (h *HookSource) take() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.order) == 0 {
		return nil
	}
	batch := make([]Event, 0, len(h.order))
	for _, key := range h.order {
		batch = append(batch, *h.pending[key])
	}
	clear(h.pending)
	h.order = h.order[:0]
	return batch
}

// Run implements Source.
func (h *HookSource) Run(ctx context.Context, emit func(Event)) error {
	for {
		for _, ev := range h.take() {
			emit(ev)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-h.wake:
		}
	}
}
