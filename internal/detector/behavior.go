package detector

import (
	"slices"
	"sync"
	"time"

	"github.com/sentinel-av/sentinel/internal/signature"
)

// pruneEvery is how many observations pass between sweeps for idle processes.
const pruneEvery = 128

type operation struct {
	name string
	at   time.Time
}

// behaviorTracker keeps a sliding window of sensitive operations per process.
type behaviorTracker struct {
	window    time.Duration
	maxEvents int
	now       func() time.Time

	mu       sync.Mutex
	procs    map[int32][]operation
	observed int
}

func newBehaviorTracker(window time.Duration, maxEvents int, now func() time.Time) *behaviorTracker {
	return &behaviorTracker{
		window:    window,
		maxEvents: maxEvents,
		now:       now,
		procs:     make(map[int32][]operation),
	}
}

func (b *behaviorTracker) observe(pid int32, op string) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	ops := trimWindow(b.procs[pid], now.Add(-b.window))
	ops = append(ops, operation{name: op, at: now})
	if len(ops) > b.maxEvents {
		ops = slices.Delete(ops, 0, len(ops)-b.maxEvents)
	}
	b.procs[pid] = ops

	b.observed++
	if b.observed%pruneEvery == 0 {
		b.pruneLocked(now)
	}
}

// ops returns the operation names still inside the window, oldest first.
func (b *behaviorTracker) ops(pid int32) []string {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	window := trimWindow(b.procs[pid], now.Add(-b.window))
	if len(window) == 0 {
		delete(b.procs, pid)
		return nil
	}
	b.procs[pid] = window

	names := make([]string, len(window))
	for i, op := range window {
		names[i] = op.name
	}
	return names
}

func (b *behaviorTracker) exited(pid int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.procs, pid)
}

func (b *behaviorTracker) tracked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.procs)
}

func (b *behaviorTracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	for pid, ops := range b.procs {
		if len(ops) == 0 || !ops[len(ops)-1].at.After(cutoff) {
			delete(b.procs, pid)
		}
	}
}

func trimWindow(ops []operation, cutoff time.Time) []operation {
	i := 0
	for i < len(ops) && !ops[i].at.After(cutoff) {
		i++
	}
	return ops[i:]
}

// scoreBehavior sums the weights of behavior rules whose sequence occurs in ops.
func scoreBehavior(rules *signature.RuleSet, ops []string) (float64, []*signature.Rule) {
	if len(ops) == 0 {
		return 0, nil
	}
	var (
		score   float64
		matched []*signature.Rule
	)
	for _, r := range rules.ByType(signature.PatternBehavior) {
		if r.MatchSequence(ops) {
			score += r.Weight
			matched = append(matched, r)
		}
	}
	return min(score, 1.0), matched
}
