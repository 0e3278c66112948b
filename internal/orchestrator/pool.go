package orchestrator

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinel-av/sentinel/internal/detector"
)

type lane int

const (
	laneRealtime lane = iota
	laneScheduled
)

func (l lane) String() string {
	if l == laneRealtime {
		return "realtime"
	}
	return "scheduled"
}

// task is one admitted scan target. The same task may sit in both lanes
// after a promotion; whoever claims it first runs or skips it.
type task struct {
	target   detector.ScanTarget
	session  *session
	lane     lane
	queuedAt time.Time
	reply    chan detector.Verdict // nil unless a caller waits for the verdict
	exited   bool                  // the process ended; forget its window after classifying

	promoted atomic.Bool
	taken    atomic.Bool
}

func (t *task) key() string {
	if t.target.Kind == detector.KindProcess {
		return "pid:" + strconv.FormatInt(int64(t.target.PID), 10)
	}
	return "path:" + t.target.Path
}

// claim reports whether the caller is the first to take t off a lane.
func (t *task) claim() bool { return t.taken.CompareAndSwap(false, true) }

// queueLane is the lane t is queued on next: its own, or realtime once a
// realtime task for the same key waits behind it.
func (t *task) queueLane() lane {
	if t.promoted.Load() {
		return laneRealtime
	}
	return t.lane
}

// promote moves a scheduled task that has not started to the realtime lane.
// It reports whether the caller must queue t there.
func (t *task) promote() bool {
	if t.lane == laneRealtime || t.taken.Load() {
		return false
	}
	return t.promoted.CompareAndSwap(false, true)
}

// slot is the sequencing state of one key: the task that holds it and the
// tasks parked behind, oldest first.
type slot struct {
	head   *task
	parked []*task
}

func (sl *slot) realtimeWaiting() bool {
	for _, t := range sl.parked {
		if t.lane == laneRealtime {
			return true
		}
	}
	return false
}

// sequencer keeps tasks for the same key in submission order: only the
// oldest is admitted, later ones are parked until it finishes.
type sequencer struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func newSequencer() *sequencer {
	return &sequencer{slots: make(map[string]*slot)}
}

// admit returns true when t has no predecessor and may be queued now. When
// a realtime task parks behind a scheduled head that has not started, the
// head is returned as promoted and must be queued on the realtime lane.
func (s *sequencer) admit(t *task) (ok bool, promoted *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := t.key()
	if sl, busy := s.slots[key]; busy {
		sl.parked = append(sl.parked, t)
		if t.lane == laneRealtime && sl.head.promote() {
			return false, sl.head
		}
		return false, nil
	}
	s.slots[key] = &slot{head: t}
	return true, nil
}

// next releases key and returns the task parked behind it, which is then
// the head. A head with realtime work behind it is promoted.
func (s *sequencer) next(key string) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	if !ok {
		return nil
	}
	if len(sl.parked) == 0 {
		delete(s.slots, key)
		return nil
	}
	t := sl.parked[0]
	sl.parked[0] = nil
	sl.parked = sl.parked[1:]
	sl.head = t
	if sl.realtimeWaiting() {
		t.promote()
	}
	return t
}

// drain removes every parked task.
func (s *sequencer) drain() []*task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task
	for key, sl := range s.slots {
		out = append(out, sl.parked...)
		delete(s.slots, key)
	}
	return out
}

// limits are the worker counts allowed to take tasks from each lane.
type limits struct {
	realtime  int
	scheduled int
}

// pool is the admission queue and worker pool. Both lanes feed the same
// workers; realtime tasks are always taken first. Worker i serves the
// realtime lane when i < realtime limit and the scheduled lane when it is
// among the top scheduled-limit workers, so a throttled pool keeps its low
// workers for realtime.
type pool struct {
	workers int
	lanes   [2]chan *task
	seq     *sequencer
	handle  func(ctx context.Context, t *task)
	skip    func(t *task)

	mu      sync.Mutex
	lim     limits
	changed chan struct{}

	// gate is held shared by every send into a lane and exclusively by
	// stop, so nothing lands in a lane after it was drained.
	gate   sync.RWMutex
	closed atomic.Bool

	wg      sync.WaitGroup
	handoff sync.WaitGroup
	done    chan struct{}
}

func newPool(workers, queueSize int, handle func(context.Context, *task), skip func(*task)) *pool {
	return &pool{
		workers: workers,
		lanes:   [2]chan *task{make(chan *task, queueSize), make(chan *task, queueSize)},
		seq:     newSequencer(),
		handle:  handle,
		skip:    skip,
		lim:     limits{realtime: workers, scheduled: workers},
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (p *pool) start(ctx context.Context) {
	for i := range p.workers {
		p.wg.Go(func() { p.work(ctx, i) })
	}
}

// stop waits for the workers after ctx was cancelled and skips whatever
// was still queued.
func (p *pool) stop() {
	p.closed.Store(true)
	close(p.done)
	p.gate.Lock()
	//nolint:staticcheck // empty critical section waits for in-flight sends
	p.gate.Unlock()

	p.wg.Wait()
	p.handoff.Wait()
	for _, ch := range p.lanes {
		p.drainLane(ch)
	}
	for _, t := range p.seq.drain() {
		p.drop(t)
	}
}

// drop skips t unless another copy of it was already taken.
func (p *pool) drop(t *task) {
	if t.claim() {
		p.skip(t)
	}
}

func (p *pool) drainLane(ch chan *task) {
	for {
		select {
		case t := <-ch:
			p.drop(t)
		default:
			return
		}
	}
}

func (p *pool) setLimits(l limits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l.realtime = min(max(l.realtime, 1), p.workers)
	l.scheduled = min(max(l.scheduled, 0), p.workers)
	if l == p.lim {
		return
	}
	p.lim = l
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *pool) currentLimits() limits {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lim
}

func (p *pool) access(i int) (realtime, scheduled bool, changed <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return i < p.lim.realtime, i >= p.workers-p.lim.scheduled, p.changed
}

// submit queues t, blocking while its lane is full.
func (p *pool) submit(ctx context.Context, t *task) error {
	admitted, err := p.send(ctx, t)
	if err != nil && (!admitted || t.claim()) {
		p.skip(t)
		if admitted {
			p.release(t)
		}
	}
	return err
}

func (p *pool) send(ctx context.Context, t *task) (admitted bool, err error) {
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.closed.Load() {
		return false, ErrNotRunning
	}
	ok, promoted := p.seq.admit(t)
	if promoted != nil {
		p.enqueueLocked(promoted)
	}
	if !ok {
		return false, nil
	}
	select {
	case p.lanes[t.queueLane()] <- t:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	case <-p.done:
		return true, ErrNotRunning
	}
}

// release hands the next task parked behind t to the queue.
func (p *pool) release(t *task) {
	key := t.key()
	for next := p.seq.next(key); next != nil; next = p.seq.next(key) {
		if p.requeue(next) {
			return
		}
	}
}

// requeue puts an admitted task back on its lane without blocking the
// caller. It reports false when the pool is closed and t was skipped.
func (p *pool) requeue(t *task) bool {
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.closed.Load() {
		p.drop(t)
		return false
	}
	p.enqueueLocked(t)
	return true
}

// enqueueLocked puts t on its queue lane, handing off to a goroutine when
// the lane is full. The caller holds gate shared and saw the pool open.
func (p *pool) enqueueLocked(t *task) {
	ch := p.lanes[t.queueLane()]
	select {
	case ch <- t:
		return
	default:
	}
	p.handoff.Add(1)
	go func() {
		defer p.handoff.Done()
		select {
		case ch <- t:
		case <-p.done:
			if t.claim() {
				p.skip(t)
				p.release(t)
			}
		}
	}()
}

// sweep removes the tasks of cancelled sessions from lane l, along with
// cancelled tasks parked behind them. A paused lane is never read by the
// workers, so without this a cancelled session would wait forever.
func (p *pool) sweep(l lane) {
	ch := p.lanes[l]
	for range len(ch) {
		var t *task
		select {
		case t = <-ch:
		default:
			return
		}
		if t.taken.Load() {
			continue // a promoted copy already ran
		}
		if t.session.ctx.Err() == nil {
			p.requeue(t)
			continue
		}
		if !t.claim() {
			continue
		}
		key := t.key()
		p.skip(t)
		for next := p.seq.next(key); next != nil; next = p.seq.next(key) {
			if next.session.ctx.Err() == nil {
				p.requeue(next)
				break
			}
			p.drop(next)
		}
	}
}

func (p *pool) depth() (realtime, scheduled int) {
	return len(p.lanes[laneRealtime]), len(p.lanes[laneScheduled])
}

func (p *pool) work(ctx context.Context, i int) {
	for {
		rt, sched, changed := p.access(i)
		var rtCh, schedCh chan *task
		if rt {
			rtCh = p.lanes[laneRealtime]
		}
		if sched {
			schedCh = p.lanes[laneScheduled]
		}

		if rtCh != nil {
			select {
			case t := <-rtCh:
				p.run(ctx, t)
				continue
			default:
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
		case t := <-rtCh:
			p.run(ctx, t)
		case t := <-schedCh:
			p.run(ctx, t)
		}
	}
}

// run handles t and then every task parked behind it, in order. It stops
// when a task was already taken through its other lane, since that worker
// now owns the key.
func (p *pool) run(ctx context.Context, t *task) {
	key := t.key()
	for t != nil && t.claim() {
		p.handle(ctx, t)
		t = p.seq.next(key)
	}
}
