package orchestrator

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sentinel-av/sentinel/internal/detector"
	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/jobqueue"
	"github.com/sentinel-av/sentinel/internal/logger"
	"github.com/sentinel-av/sentinel/internal/monitor"
	"github.com/sentinel-av/sentinel/internal/observability/metrics"
	"github.com/sentinel-av/sentinel/internal/quarantine"
)

const (
	maxFinishedSessions = 256
	historyTimeout      = 5 * time.Second
	jobStopTimeout      = 10 * time.Second
)

// Quarantiner isolates malicious files.
type Quarantiner interface {
	Isolate(ctx context.Context, target detector.ScanTarget, verdict detector.Verdict) (quarantine.Record, error)
}

// Action is what the orchestrator did about a verdict.
type Action string

const (
	ActionReported         Action = "reported"
	ActionQuarantined      Action = "quarantined"
	ActionQuarantineFailed Action = "quarantine_failed"
)

// Finding is a non-clean verdict with the action taken, handed to the
// history sink.
type Finding struct {
	SessionID    string
	SessionKind  Kind
	Verdict      detector.Verdict
	Action       Action
	QuarantineID string
	Err          error
	At           time.Time
}

// HistorySink persists findings.
type HistorySink interface {
	RecordFinding(ctx context.Context, f Finding) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSampler enables the resource governor.
func WithSampler(s monitor.ResourceSampler) Option {
	return func(o *Orchestrator) { o.sampler = s }
}

// WithHistory persists findings to h.
func WithHistory(h HistorySink) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithMetrics publishes scanner metrics.
func WithMetrics(m *metrics.ScannerMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger overrides the package logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs scan sessions over one admission queue and worker pool.
// It is started once and stopped once.
type Orchestrator struct {
	cfg     Config
	det     *detector.Detector
	vault   Quarantiner
	sampler monitor.ResourceSampler
	history HistorySink
	metrics *metrics.ScannerMetrics
	log     logger.Logger
	now     func() time.Time

	pool    *pool
	gov     *governor
	jobs    *jobqueue.JobQueue
	health  *healthTracker
	limiter *rate.Limiter

	throttled atomic.Bool

	mu       sync.Mutex
	sessions map[string]*session
	realtime *session

	// admitMu orders realtime admissions before Stop waits for them
	admitMu sync.RWMutex
	closing bool

	runMu   sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup
}

// New creates an orchestrator. Call Start before scanning.
func New(det *detector.Detector, vault Quarantiner, cfg Config, opts ...Option) (*Orchestrator, error) {
	if det == nil || vault == nil {
		return nil, errors.Newf("orchestrator needs a detector and a quarantine").
			Component("orchestrator").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:      cfg,
		det:      det,
		vault:    vault,
		now:      time.Now,
		jobs:     jobqueue.NewJobQueueWithOptions(cfg.QueueSize, 0),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = GetLogger()
	}
	o.health = newHealthTracker(cfg.FailureThreshold, o.now)
	o.pool = newPool(cfg.Workers, cfg.QueueSize, o.handle, o.skipTask)
	if o.sampler != nil {
		o.gov = newGovernor(cfg.Governor, o.sampler, o.now)
	}
	if cfg.ThrottledRate > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.ThrottledRate), 1)
	}
	return o, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Start launches the workers, the governor and the containment queue.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.started {
		return errors.Newf("orchestrator already started").
			Component("orchestrator").
			Category(errors.CategoryState).
			Build()
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)

	o.jobs.Start(o.ctx)

	rt := newSession(o.ctx, uuid.NewString(), KindRealtime, nil, o.now())
	rt.transition(StateRunning)
	o.mu.Lock()
	o.realtime = rt
	o.sessions[rt.id] = rt
	o.mu.Unlock()

	o.pool.start(o.ctx)
	o.metrics.SetWorkerLimit(o.cfg.Workers)
	o.publishHealth(HealthHealthy, o.health.snapshot().Level)

	if o.gov != nil {
		o.bg.Go(func() { o.gov.run(o.ctx, o.log, o.sampled, o.setThrottled) })
	}

	o.log.Info("orchestrator started",
		logger.Int("workers", o.cfg.Workers),
		logger.Int("realtime_min_workers", o.cfg.RealtimeMinWorkers),
		logger.Int("queue_size", o.cfg.QueueSize),
		logger.Bool("governor", o.gov != nil))
	return nil
}

// Stop cancels every session, waits for in-flight work and reports any
// containment that could not finish as failed.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if !o.started || o.stopped {
		return
	}
	o.stopped = true

	o.admitMu.Lock()
	o.closing = true
	o.admitMu.Unlock()

	o.cancel()
	o.pool.stop()
	if err := o.jobs.StopWithTimeout(jobStopTimeout); err != nil {
		o.log.Warn("containment queue did not drain", logger.Error(err))
	}

	o.mu.Lock()
	rt := o.realtime
	o.mu.Unlock()
	rt.pending.Wait()
	rt.finish(StateCompleted, o.now())

	o.bg.Wait()
	o.log.Info("orchestrator stopped")
}

func (o *Orchestrator) running() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.started && !o.stopped
}

// StartScan begins a scheduled or manual scan of roots. ctx bounds only the
// call; the session runs until it finishes, is cancelled or Stop is called.
func (o *Orchestrator) StartScan(ctx context.Context, roots []string, kind Kind) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if !o.running() {
		return Session{}, ErrNotRunning
	}
	if kind == KindRealtime {
		return Session{}, errors.Newf("realtime scanning runs through RunRealtime and ScanFile").
			Component("orchestrator").
			Category(errors.CategoryValidation).
			Build()
	}
	roots = slices.DeleteFunc(slices.Clone(roots), func(r string) bool { return r == "" })
	if len(roots) == 0 {
		return Session{}, errors.New(ErrNoRoots).
			Component("orchestrator").
			Category(errors.CategoryValidation).
			Build()
	}

	s := newSession(o.ctx, uuid.NewString(), kind, roots, o.now())
	s.transition(StateRunning)
	o.register(s)

	o.bg.Go(func() { o.runSession(s) })

	o.log.Info("scan session started",
		logger.String("session_id", s.id),
		logger.String("kind", kind.String()),
		logger.Any("roots", roots))
	return s.snapshot(o.now()), nil
}

func (o *Orchestrator) register(s *session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	// setThrottled stores the flag before walking the sessions under mu
	if o.throttled.Load() {
		s.transition(StateThrottled)
	}
	o.sessions[s.id] = s

	var finished []*session
	for _, other := range o.sessions {
		if other.currentState().Terminal() {
			finished = append(finished, other)
		}
	}
	if len(finished) <= maxFinishedSessions {
		return
	}
	slices.SortFunc(finished, func(a, b *session) int { return a.startedAt.Compare(b.startedAt) })
	for _, old := range finished[:len(finished)-maxFinishedSessions] {
		delete(o.sessions, old.id)
	}
}

// Cancel stops admitting targets for session id. Targets already being
// classified finish; the session then ends Aborted.
func (o *Orchestrator) Cancel(id string) error {
	s, err := o.lookup(id)
	if err != nil {
		return err
	}
	if s.kind == KindRealtime {
		return errors.Newf("the realtime session cannot be cancelled").
			Component("orchestrator").
			Category(errors.CategoryValidation).
			Context("session_id", id).
			Build()
	}
	if s.currentState().Terminal() {
		return errors.New(ErrSessionFinished).
			Component("orchestrator").
			Category(errors.CategoryState).
			Context("session_id", id).
			Build()
	}
	s.cancel()
	o.pool.sweep(s.lane())
	o.log.Info("scan session cancelled", logger.String("session_id", id))
	return nil
}

// Session returns a snapshot of session id.
func (o *Orchestrator) Session(id string) (Session, error) {
	s, err := o.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return s.snapshot(o.now()), nil
}

// Sessions returns snapshots of every known session, oldest first.
func (o *Orchestrator) Sessions() []Session {
	o.mu.Lock()
	all := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		all = append(all, s)
	}
	o.mu.Unlock()

	slices.SortFunc(all, func(a, b *session) int {
		return cmp.Or(a.startedAt.Compare(b.startedAt), cmp.Compare(a.id, b.id))
	})
	now := o.now()
	out := make([]Session, len(all))
	for i, s := range all {
		out[i] = s.snapshot(now)
	}
	return out
}

// Wait blocks until session id finishes or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Session, error) {
	s, err := o.lookup(id)
	if err != nil {
		return Session{}, err
	}
	select {
	case <-s.done:
		return s.snapshot(o.now()), nil
	case <-ctx.Done():
		return s.snapshot(o.now()), ctx.Err()
	}
}

func (o *Orchestrator) lookup(id string) (*session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	if !ok {
		return nil, errors.New(ErrSessionNotFound).
			Component("orchestrator").
			Category(errors.CategoryNotFound).
			Context("session_id", id).
			Build()
	}
	return s, nil
}

// ScanFile classifies one file on the realtime lane and returns its verdict.
// A malicious file is contained in the background.
func (o *Orchestrator) ScanFile(ctx context.Context, path string) (detector.Verdict, error) {
	rt, ok := o.reserveRealtime()
	if !ok {
		return detector.Verdict{}, ErrNotRunning
	}

	t := &task{
		target:   detector.ScanTarget{Path: path, Kind: detector.KindFile},
		session:  rt,
		lane:     laneRealtime,
		queuedAt: o.now(),
		reply:    make(chan detector.Verdict, 1),
	}
	if err := o.pool.submit(ctx, t); err != nil {
		return detector.Verdict{}, err
	}

	select {
	case v := <-t.reply:
		return v, nil
	case <-ctx.Done():
		return detector.Verdict{}, ctx.Err()
	case <-o.ctx.Done():
		return detector.Verdict{}, ErrNotRunning
	}
}

// reserveRealtime counts one admission against the realtime session. It
// fails once Stop has begun.
func (o *Orchestrator) reserveRealtime() (*session, bool) {
	o.admitMu.RLock()
	defer o.admitMu.RUnlock()
	o.mu.Lock()
	rt := o.realtime
	o.mu.Unlock()
	if o.closing || rt == nil {
		return nil, false
	}
	rt.pending.Add(1)
	return rt, true
}

// Health returns the current health status.
func (o *Orchestrator) Health() Health {
	return o.health.snapshot()
}

// Resources returns the latest resource sample, with CPU averaged over the
// governor window, and whether the throttle is active.
func (o *Orchestrator) Resources() (monitor.Usage, bool) {
	if o.gov == nil {
		return monitor.Usage{}, o.throttled.Load()
	}
	return o.gov.snapshot()
}

func (o *Orchestrator) sampled(u monitor.Usage) {
	avg, _ := o.gov.snapshot()
	o.metrics.SetResources(avg.CPUPercent, u.MemoryMB, u.ProcessRSSMB)
	rt, sched := o.pool.depth()
	o.metrics.SetQueueDepth(laneRealtime.String(), rt)
	o.metrics.SetQueueDepth(laneScheduled.String(), sched)
}

// setThrottled applies a governor decision to the pool and every live
// session.
func (o *Orchestrator) setThrottled(on bool, reason string, u monitor.Usage) {
	o.throttled.Store(on)

	lim := limits{realtime: o.cfg.Workers, scheduled: o.cfg.Workers}
	if on {
		lim.realtime = o.cfg.RealtimeMinWorkers
		lim.scheduled = 0
		if o.limiter != nil && o.cfg.Workers > o.cfg.RealtimeMinWorkers {
			lim.scheduled = 1
		}
	}
	o.pool.setLimits(lim)

	from, to := StateThrottled, StateRunning
	if on {
		from, to = StateRunning, StateThrottled
	}
	o.mu.Lock()
	for _, s := range o.sessions {
		if s.currentState() == from {
			s.transition(to)
		}
	}
	o.mu.Unlock()

	o.health.update(func(h *healthTracker) { h.throttled = on })
	o.metrics.SetThrottled(on)
	o.metrics.SetWorkerLimit(max(lim.realtime, lim.scheduled))
	o.log.Info("worker limits changed",
		logger.Bool("throttled", on),
		logger.String("reason", reason),
		logger.Int("realtime_workers", lim.realtime),
		logger.Int("scheduled_workers", lim.scheduled),
		logger.Float64("cpu_percent", u.CPUPercent),
		logger.Float64("process_rss_mb", u.ProcessRSSMB))
}

// handle classifies one target. Classification is not cut short by
// cancellation; the detector budget bounds it.
func (o *Orchestrator) handle(ctx context.Context, t *task) {
	s := t.session
	if ctx.Err() != nil || (t.reply == nil && s.ctx.Err() != nil) {
		o.skipTask(t)
		return
	}
	defer s.pending.Done()

	v := o.det.Classify(context.WithoutCancel(ctx), t.target)
	v.Target.SizeBytes = max(v.Target.SizeBytes, t.target.SizeBytes)

	if s.kind == KindRealtime {
		if latency := o.now().Sub(t.queuedAt); latency > o.cfg.RealtimeLatencyCap {
			s.stats.latencyExceeded.Add(1)
			o.log.Debug("realtime latency cap exceeded",
				logger.String("path", t.target.Path),
				logger.Duration("latency", latency),
				logger.Duration("cap", o.cfg.RealtimeLatencyCap))
		}
	}

	if t.exited {
		o.det.ProcessExited(t.target.PID)
	}

	s.record(v)
	o.metrics.RecordFile(s.kind.String(), v.Classification.String())

	switch v.Classification {
	case detector.Malicious:
		o.log.Warn("malicious target detected",
			logger.String("session_id", s.id),
			logger.String("path", v.Target.Path),
			logger.Int("pid", int(v.Target.PID)),
			logger.String("threat", v.ThreatName),
			logger.String("method", v.Method.String()),
			logger.Float64("score", v.Score))
		o.contain(s, v)
	case detector.Suspicious:
		o.log.Info("suspicious target",
			logger.String("session_id", s.id),
			logger.String("path", v.Target.Path),
			logger.String("threat", v.ThreatName),
			logger.Float64("score", v.Score),
			logger.Bool("timed_out", v.TimedOut))
		o.saveFinding(s, v, ActionReported, "", nil)
	}

	if t.reply != nil {
		t.reply <- v
	}
}

func (o *Orchestrator) skipTask(t *task) {
	t.session.stats.skipped.Add(1)
	t.session.pending.Done()
}

// contain quarantines a malicious target through the retry queue. The
// outcome is always recorded: success, or a QuarantineError after the last
// retry.
func (o *Orchestrator) contain(s *session, v detector.Verdict) {
	s.pending.Add(1)

	var isolated atomic.Pointer[quarantine.Record]
	action := jobqueue.ActionFunc{
		Name: "quarantine",
		Fn: func(ctx context.Context, _ any) error {
			rec, err := o.vault.Isolate(ctx, v.Target, v)
			if err != nil {
				return err
			}
			isolated.Store(&rec)
			return nil
		},
	}
	finished := func(r jobqueue.Result) {
		var rec quarantine.Record
		if p := isolated.Load(); p != nil {
			rec = *p
		}
		o.containmentFinished(s, v, rec, r.Err, r.Attempts)
	}

	if _, err := o.jobs.Enqueue(action, nil, o.cfg.QuarantineRetry, jobqueue.WithOnFinished(finished)); err != nil {
		// the queue is full or stopped: one direct attempt so the detection is not lost
		o.log.Warn("containment queue unavailable, isolating directly", logger.Error(err))
		rec, ierr := o.vault.Isolate(context.WithoutCancel(o.ctx), v.Target, v)
		if ierr != nil {
			ierr = errors.Join(ierr, err)
		}
		o.containmentFinished(s, v, rec, ierr, 1)
		return
	}
	o.jobs.ProcessImmediately(o.ctx)
}

func (o *Orchestrator) containmentFinished(s *session, v detector.Verdict, rec quarantine.Record, err error, attempts int) {
	defer s.pending.Done()

	if err == nil {
		s.stats.quarantined.Add(1)
		o.log.Info("malicious file quarantined",
			logger.String("session_id", s.id),
			logger.String("path", v.Target.Path),
			logger.String("threat", v.ThreatName),
			logger.String("quarantine_id", rec.ID),
			logger.Int("attempts", attempts))
		o.saveFinding(s, v, ActionQuarantined, rec.ID, nil)
		return
	}

	qerr := errors.New(err).
		Component("orchestrator").
		Category(errors.CategoryQuarantine).
		Context("path", v.Target.Path).
		Context("threat", v.ThreatName).
		Context("attempts", attempts).
		Build()
	s.stats.quarantineFailures.Add(1)
	s.setError(qerr)
	o.metrics.RecordQuarantineFailure()
	o.log.Error("quarantine failed, malicious file remains in place",
		logger.String("session_id", s.id),
		logger.String("path", v.Target.Path),
		logger.String("threat", v.ThreatName),
		logger.Int("attempts", attempts),
		logger.Error(qerr))
	o.saveFinding(s, v, ActionQuarantineFailed, "", qerr)
}

func (o *Orchestrator) saveFinding(s *session, v detector.Verdict, action Action, quarantineID string, err error) {
	if o.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), historyTimeout)
	defer cancel()
	f := Finding{
		SessionID:    s.id,
		SessionKind:  s.kind,
		Verdict:      v,
		Action:       action,
		QuarantineID: quarantineID,
		Err:          err,
		At:           o.now(),
	}
	if herr := o.history.RecordFinding(ctx, f); herr != nil {
		o.log.Warn("failed to record finding in history",
			logger.String("path", v.Target.Path),
			logger.Error(herr))
	}
}
