package update

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/jobqueue"
	"github.com/sentinel-av/sentinel/internal/logger"
	"github.com/sentinel-av/sentinel/internal/observability/metrics"
	"github.com/sentinel-av/sentinel/internal/signature"
)

// Installer is the store an applier writes to.
type Installer interface {
	Source
	Install(db *signature.Database, m signature.Manifest) (uint64, error)
}

// Result describes one Apply call.
type Result struct {
	Version  uint64    `json:"version"`
	Previous uint64    `json:"previous_version"`
	Kind     string    `json:"kind"`
	Attempts int       `json:"attempts"`
	Err      error     `json:"-"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Applier verifies packages and installs them. Attempts are serialized; the
// store stays readable throughout. The lock is never held across a backoff
// wait, so another update can land and make a stale delta applicable.
type Applier struct {
	store    Installer
	verifier *Verifier
	retry    jobqueue.RetryConfig
	recorder metrics.Recorder
	log      logger.Logger

	mu       sync.Mutex
	failures atomic.Int64
	hooksMu  sync.RWMutex
	hooks    []func(Result)
	last     atomic.Pointer[Result]

	bgMu     sync.Mutex
	bgClosed bool
	retrying map[string]struct{}
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithRetry sets the backoff used by ApplyWithBackoff and Submit.
func WithRetry(cfg jobqueue.RetryConfig) ApplierOption {
	return func(a *Applier) { a.retry = cfg }
}

// WithRecorder records apply outcomes.
func WithRecorder(r metrics.Recorder) ApplierOption {
	return func(a *Applier) { a.recorder = r }
}

// WithLogger overrides the package logger.
func WithLogger(l logger.Logger) ApplierOption {
	return func(a *Applier) { a.log = l }
}

// NewApplier creates an applier over store. Call Close to stop background
// retries.
func NewApplier(store Installer, opts ...ApplierOption) *Applier {
	a := &Applier{
		store:    store,
		verifier: NewVerifier(store),
		retry: jobqueue.RetryConfig{
			Enabled:      true,
			MaxRetries:   2,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		},
		recorder: metrics.NoOpRecorder{},
		retrying: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = GetLogger()
	}
	a.bgCtx, a.bgCancel = context.WithCancel(context.Background())
	return a
}

// OnResult registers a hook called once per package outcome.
func (a *Applier) OnResult(fn func(Result)) {
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()
	a.hooks = append(a.hooks, fn)
}

// ConsecutiveFailures returns the number of rejected packages since the last
// success. Retries of one package count once.
func (a *Applier) ConsecutiveFailures() int {
	return int(a.failures.Load())
}

// LastResult returns the most recent package outcome.
func (a *Applier) LastResult() (Result, bool) {
	r := a.last.Load()
	if r == nil {
		return Result{}, false
	}
	return *r, true
}

// Apply verifies pkg and installs the resulting database in one attempt. The
// package is either fully applied or fully rejected.
func (a *Applier) Apply(ctx context.Context, pkg *Package) (uint64, error) {
	res := a.attempt(ctx, pkg, 1)
	a.report(pkg, res)
	return res.Version, res.Err
}

// ApplyWithBackoff retries retryable failures with exponential backoff until
// the attempts run out or ctx ends. Integrity failures are never retried.
func (a *Applier) ApplyWithBackoff(ctx context.Context, pkg *Package) (uint64, error) {
	return a.withBackoff(ctx, pkg, 1)
}

// Submit applies pkg once and returns that outcome. When the failure is
// retryable the package keeps being retried in the background with backoff,
// and retrying is true; the final outcome reaches the OnResult hooks.
func (a *Applier) Submit(ctx context.Context, pkg *Package) (version uint64, retrying bool, err error) {
	res := a.attempt(ctx, pkg, 1)
	if res.Err == nil || !Retryable(res.Err) || a.maxAttempts() < 2 {
		a.report(pkg, res)
		return res.Version, false, res.Err
	}

	key := retryKey(pkg)
	a.bgMu.Lock()
	defer a.bgMu.Unlock()
	if a.bgClosed {
		a.report(pkg, res)
		return res.Version, false, res.Err
	}
	if _, dup := a.retrying[key]; dup {
		return res.Version, true, res.Err
	}
	a.retrying[key] = struct{}{}
	a.bg.Go(func() {
		defer func() {
			a.bgMu.Lock()
			delete(a.retrying, key)
			a.bgMu.Unlock()
		}()
		if err := a.wait(a.bgCtx, pkg, res); err != nil {
			res.Err = errors.Join(res.Err, err)
			res.Error = res.Err.Error()
			a.report(pkg, res)
			return
		}
		_, _ = a.withBackoff(a.bgCtx, pkg, 2)
	})
	return res.Version, true, res.Err
}

// Close cancels background retries and waits for them. Their packages are
// reported as failed.
func (a *Applier) Close() {
	a.bgMu.Lock()
	a.bgClosed = true
	a.bgMu.Unlock()
	a.bgCancel()
	a.bg.Wait()
}

func (a *Applier) maxAttempts() int {
	if !a.retry.Enabled {
		return 1
	}
	return a.retry.MaxRetries + 1
}

func retryKey(p *Package) string {
	if p.BaseVersion == nil {
		return fmt.Sprintf("full:%d", p.Version)
	}
	return fmt.Sprintf("delta:%d:%d", *p.BaseVersion, p.Version)
}

func (a *Applier) withBackoff(ctx context.Context, pkg *Package, attempt int) (uint64, error) {
	maxAttempts := a.maxAttempts()
	for ; ; attempt++ {
		res := a.attempt(ctx, pkg, attempt)
		if res.Err == nil || !Retryable(res.Err) || attempt >= maxAttempts {
			a.report(pkg, res)
			return res.Version, res.Err
		}
		if err := a.wait(ctx, pkg, res); err != nil {
			res.Err = errors.Join(res.Err, err)
			res.Error = res.Err.Error()
			a.report(pkg, res)
			return res.Version, res.Err
		}
	}
}

// wait sleeps out the backoff after a failed attempt, without the apply lock.
func (a *Applier) wait(ctx context.Context, pkg *Package, res Result) error {
	delay := jobqueue.BackoffDelay(a.retry, res.Attempts)
	a.log.Info("retrying update",
		logger.Uint64("offered_version", pkg.Version),
		logger.String("kind", pkg.Kind()),
		logger.Int("next_attempt", res.Attempts+1),
		logger.Duration("delay", delay),
		logger.Error(res.Err))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// attempt runs one verify and install under the apply lock.
func (a *Applier) attempt(ctx context.Context, pkg *Package, attempt int) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	previous := a.store.Current().Version()
	version, err := a.install(ctx, pkg)
	a.recorder.RecordDuration(metrics.OpUpdateApply, time.Since(start).Seconds())

	res := Result{
		Version:  version,
		Previous: previous,
		Kind:     pkg.Kind(),
		Attempts: attempt,
		Err:      err,
		At:       start.UTC(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// report publishes the final outcome of one package.
func (a *Applier) report(pkg *Package, res Result) {
	if res.Err != nil {
		a.failures.Add(1)
		a.recorder.RecordOperation(metrics.OpUpdateApply, metrics.StatusError)
		a.recorder.RecordError(metrics.OpUpdateApply, errorType(res.Err))
		a.log.Warn("update rejected",
			logger.Uint64("offered_version", pkg.Version),
			logger.Uint64("active_version", res.Version),
			logger.String("kind", res.Kind),
			logger.Int("attempts", res.Attempts),
			logger.Int64("consecutive_failures", a.failures.Load()),
			logger.Error(res.Err))
	} else {
		a.failures.Store(0)
		a.recorder.RecordOperation(metrics.OpUpdateApply, metrics.StatusSuccess)
		a.log.Info("update applied",
			logger.Uint64("previous_version", res.Previous),
			logger.Uint64("version", res.Version),
			logger.String("kind", res.Kind),
			logger.Int("attempts", res.Attempts))
	}

	a.last.Store(&res)
	a.hooksMu.RLock()
	hooks := a.hooks
	a.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(res)
	}
}

func (a *Applier) install(ctx context.Context, pkg *Package) (uint64, error) {
	vp, err := a.verifier.Verify(ctx, pkg)
	if err != nil {
		return a.store.Current().Version(), err
	}
	// Install is disk I/O on the single-writer path; it is not abandoned midway.
	return a.store.Install(vp.Database, vp.Manifest)
}

// Retryable reports whether an apply failure may succeed later with the
// same package: a stale base (another update may land first) or an I/O error.
func Retryable(err error) bool {
	if err == nil || errors.IsIntegrity(err) || errors.Is(err, ErrNotNewer) || errors.Is(err, ErrMalformed) {
		return false
	}
	return errors.Is(err, ErrStaleBase) || errors.IsCategory(err, errors.CategoryFileIO)
}

func errorType(err error) string {
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return ee.GetCategory()
	}
	return string(errors.CategoryGeneric)
}
