package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sentinel-av/sentinel/internal/detector"
	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/jobqueue"
	"github.com/sentinel-av/sentinel/internal/monitor"
	"github.com/sentinel-av/sentinel/internal/quarantine"
	"github.com/sentinel-av/sentinel/internal/signature"
	"github.com/sentinel-av/sentinel/internal/signature/signaturetest"
	"github.com/sentinel-av/sentinel/internal/testutil"
	"github.com/sentinel-av/sentinel/internal/update"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"))
}

const waitFor = 5 * time.Second

type recordingHistory struct {
	mu       sync.Mutex
	findings []Finding
}

func (h *recordingHistory) RecordFinding(_ context.Context, f Finding) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.findings = append(h.findings, f)
	return nil
}

func (h *recordingHistory) all() []Finding {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.findings)
}

type failingVault struct {
	calls atomic.Int32
}

func (f *failingVault) Isolate(context.Context, detector.ScanTarget, detector.Verdict) (quarantine.Record, error) {
	f.calls.Add(1)
	return quarantine.Record{}, fmt.Errorf("disk full")
}

type fixture struct {
	o       *Orchestrator
	det     *detector.Detector
	vault   *quarantine.Vault
	history *recordingHistory
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.RealtimeMinWorkers = 1
	cfg.QueueSize = 64
	cfg.ThrottledRate = 0
	cfg.QuarantineRetry = jobqueue.RetryConfig{
		Enabled:      true,
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
	return cfg
}

func newDetector(t *testing.T) *detector.Detector {
	t.Helper()
	store := signaturetest.OpenStore(t, t.TempDir(), signaturetest.Database(t, 1, signaturetest.EICARRecord()))
	dcfg := detector.DefaultConfig()
	dcfg.Budget = 5 * time.Second
	det, err := detector.New(store, dcfg)
	require.NoError(t, err)
	return det
}

// newFixture starts an orchestrator over a real detector and vault. A nil
// quarantiner uses the vault.
func newFixture(t *testing.T, cfg Config, q Quarantiner, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{det: newDetector(t), history: &recordingHistory{}}

	vault, err := quarantine.Open(quarantine.Config{Dir: filepath.Join(t.TempDir(), "vault")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vault.Close() })
	f.vault = vault
	if q == nil {
		q = vault
	}

	opts = append([]Option{WithHistory(f.history)}, opts...)
	o, err := New(f.det, q, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Stop)
	f.o = o
	return f
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func realtimeSession(t *testing.T, o *Orchestrator) Session {
	t.Helper()
	for _, s := range o.Sessions() {
		if s.Kind == KindRealtime {
			return s
		}
	}
	t.Fatal("no realtime session")
	return Session{}
}

func waitSession(t *testing.T, o *Orchestrator, id string) Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), waitFor)
	defer cancel()
	s, err := o.Wait(ctx, id)
	require.NoError(t, err)
	return s
}

func TestScanFileQuarantinesEICAR(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	path := writeFile(t, t.TempDir(), "eicar.com", signaturetest.EICAR)

	v, err := f.o.ScanFile(t.Context(), path)
	require.NoError(t, err)
	assert.Equal(t, detector.Malicious, v.Classification)
	assert.Equal(t, detector.MethodHashMatch, v.Method)
	assert.Equal(t, signaturetest.EICARThreat, v.ThreatName)

	require.Eventually(t, func() bool {
		return realtimeSession(t, f.o).Stats.Quarantined == 1
	}, waitFor, 10*time.Millisecond)

	records := f.vault.History(quarantine.Filter{})
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, path, rec.OriginalPath)
	assert.Equal(t, quarantine.StatusActive, rec.Status)
	assert.NoFileExists(t, path)

	rt := realtimeSession(t, f.o)
	assert.Equal(t, StateRunning, rt.State)
	assert.EqualValues(t, 1, rt.Stats.Infected)
	assert.Zero(t, rt.Stats.QuarantineFailures)

	findings := f.history.all()
	require.Len(t, findings, 1)
	assert.Equal(t, ActionQuarantined, findings[0].Action)
	assert.Equal(t, rec.ID, findings[0].QuarantineID)
	assert.Equal(t, KindRealtime, findings[0].SessionKind)
}

func TestScheduledScanCountsAndSkips(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SkipExtensions = []string{"LOG"}
	cfg.MaxFileSize = 1024
	f := newFixture(t, cfg, nil)

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	writeFile(t, dir, "sub/deep.txt", "nested")
	writeFile(t, dir, "big.bin", string(make([]byte, 4096)))
	eicar := writeFile(t, dir, "sub/eicar.com", signaturetest.EICAR)
	writeFile(t, dir, "debug.log", "skipped by extension")
	writeFile(t, dir, "node_modules/pkg/eicar.com", signaturetest.EICAR)
	writeFile(t, dir, ".git/objects/eicar", signaturetest.EICAR)

	started, err := f.o.StartScan(t.Context(), []string{dir}, KindManual)
	require.NoError(t, err)
	assert.Equal(t, KindManual, started.Kind)
	assert.NotEmpty(t, started.ID)

	s := waitSession(t, f.o, started.ID)
	assert.Equal(t, StateCompleted, s.State)
	require.NotNil(t, s.FinishedAt)
	assert.EqualValues(t, 4, s.Stats.FilesScanned)
	assert.EqualValues(t, 1, s.Stats.Infected)
	assert.EqualValues(t, 3, s.Stats.Clean)
	assert.EqualValues(t, 1, s.Stats.Quarantined)
	assert.EqualValues(t, 1, s.Stats.Skipped)
	assert.GreaterOrEqual(t, s.Stats.Bytes, int64(4096))
	assert.Positive(t, s.Stats.FilesPerSecond)
	assert.NoFileExists(t, eicar)
	assert.FileExists(t, filepath.Join(dir, "node_modules/pkg/eicar.com"))
}

func TestScanMissingRootRecordsError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")

	started, err := f.o.StartScan(t.Context(), []string{filepath.Join(dir, "missing"), dir}, KindScheduled)
	require.NoError(t, err)

	s := waitSession(t, f.o, started.ID)
	assert.Equal(t, StateCompleted, s.State)
	assert.EqualValues(t, 1, s.Stats.FilesScanned)
	assert.EqualValues(t, 1, s.Stats.Errors)
	assert.NotEmpty(t, s.LastError)
}

func TestSessionRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	ctx := t.Context()

	_, err := f.o.StartScan(ctx, nil, KindManual)
	require.ErrorIs(t, err, ErrNoRoots)

	_, err = f.o.StartScan(ctx, []string{t.TempDir()}, KindRealtime)
	require.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = f.o.Session("nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, f.o.Cancel("nope"), ErrSessionNotFound)

	rt := realtimeSession(t, f.o)
	require.Error(t, f.o.Cancel(rt.ID))

	started, err := f.o.StartScan(ctx, []string{t.TempDir()}, KindScheduled)
	require.NoError(t, err)
	waitSession(t, f.o, started.ID)
	require.ErrorIs(t, f.o.Cancel(started.ID), ErrSessionFinished)

	got, err := f.o.Session(started.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Len(t, f.o.Sessions(), 2)
}

func TestThrottlePausesScheduledScanUntilRelease(t *testing.T) {
	t.Parallel()

	var cpu atomic.Int64
	cpu.Store(95)
	sampler := monitor.SamplerFunc(func(context.Context) (monitor.Usage, error) {
		return monitor.Usage{CPUPercent: float64(cpu.Load()), SampledAt: time.Now()}, nil
	})

	cfg := testConfig()
	cfg.Governor = GovernorConfig{
		SampleInterval:   5 * time.Millisecond,
		Window:           1,
		CPULimitPercent:  30,
		ResumeHysteresis: 10,
		Cooldown:         10 * time.Millisecond,
	}
	f := newFixture(t, cfg, nil, WithSampler(sampler))

	require.Eventually(t, func() bool { return f.o.Health().Throttled }, waitFor, 5*time.Millisecond)
	_, throttled := f.o.Resources()
	assert.True(t, throttled)

	dir := t.TempDir()
	for i := range 10 {
		writeFile(t, dir, fmt.Sprintf("f%02d.txt", i), "clean content")
	}
	started, err := f.o.StartScan(t.Context(), []string{dir}, KindScheduled)
	require.NoError(t, err)
	assert.Equal(t, StateThrottled, started.State)

	// realtime classification continues while scheduled work is paused
	path := writeFile(t, t.TempDir(), "eicar.com", signaturetest.EICAR)
	begin := time.Now()
	v, err := f.o.ScanFile(t.Context(), path)
	require.NoError(t, err)
	assert.True(t, v.IsMalicious())
	assert.Less(t, time.Since(begin), time.Second)

	assert.Never(t, func() bool {
		s, _ := f.o.Session(started.ID)
		return s.Stats.FilesScanned > 0
	}, 100*time.Millisecond, 10*time.Millisecond)

	cpu.Store(5)
	s := waitSession(t, f.o, started.ID)
	assert.Equal(t, StateCompleted, s.State)
	assert.EqualValues(t, 10, s.Stats.FilesScanned)
	assert.False(t, f.o.Health().Throttled)
}

func TestThrottledRealtimeScanOvertakesPausedScheduledTask(t *testing.T) {
	t.Parallel()

	sampler := monitor.SamplerFunc(func(context.Context) (monitor.Usage, error) {
		return monitor.Usage{CPUPercent: 95, SampledAt: time.Now()}, nil
	})
	cfg := testConfig()
	cfg.Governor = GovernorConfig{SampleInterval: 5 * time.Millisecond, Window: 1, CPULimitPercent: 30, Cooldown: time.Hour}
	f := newFixture(t, cfg, nil, WithSampler(sampler))
	require.Eventually(t, func() bool { return f.o.Health().Throttled }, waitFor, 5*time.Millisecond)

	dir := t.TempDir()
	path := writeFile(t, dir, "eicar.com", signaturetest.EICAR)
	started, err := f.o.StartScan(t.Context(), []string{dir}, KindScheduled)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, sched := f.o.pool.depth()
		return sched == 1
	}, waitFor, 5*time.Millisecond, "scheduled task never reached the paused lane")

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	begin := time.Now()
	_, err = f.o.ScanFile(ctx, path)
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), time.Second)

	// the scheduled task ran ahead of the realtime one, in submission order
	s := waitSession(t, f.o, started.ID)
	assert.EqualValues(t, 1, s.Stats.FilesScanned)
	assert.EqualValues(t, 1, s.Stats.Infected)
	require.Eventually(t, func() bool {
		return len(f.vault.History(quarantine.Filter{PathPrefix: path})) > 0
	}, waitFor, 5*time.Millisecond)
	assert.NoFileExists(t, path)
	assert.True(t, f.o.Health().Throttled)
}

func TestCancelWhileThrottledAborts(t *testing.T) {
	t.Parallel()

	sampler := monitor.SamplerFunc(func(context.Context) (monitor.Usage, error) {
		return monitor.Usage{CPUPercent: 99}, nil
	})
	cfg := testConfig()
	cfg.Governor = GovernorConfig{SampleInterval: 5 * time.Millisecond, Window: 1, CPULimitPercent: 30, Cooldown: time.Hour}
	f := newFixture(t, cfg, nil, WithSampler(sampler))

	require.Eventually(t, func() bool { return f.o.Health().Throttled }, waitFor, 5*time.Millisecond)

	dir := t.TempDir()
	for i := range 20 {
		writeFile(t, dir, fmt.Sprintf("f%02d.txt", i), "clean content")
	}
	started, err := f.o.StartScan(t.Context(), []string{dir}, KindManual)
	require.NoError(t, err)

	require.NoError(t, f.o.Cancel(started.ID))
	s := waitSession(t, f.o, started.ID)
	assert.Equal(t, StateAborted, s.State)
	assert.Zero(t, s.Stats.FilesScanned)
	require.ErrorIs(t, f.o.Cancel(started.ID), ErrSessionFinished)
}

func TestQuarantineFailureIsRetriedThenReported(t *testing.T) {
	t.Parallel()

	fv := &failingVault{}
	f := newFixture(t, testConfig(), fv)
	path := writeFile(t, t.TempDir(), "eicar.com", signaturetest.EICAR)

	v, err := f.o.ScanFile(t.Context(), path)
	require.NoError(t, err)
	require.True(t, v.IsMalicious())

	require.Eventually(t, func() bool {
		return realtimeSession(t, f.o).Stats.QuarantineFailures == 1
	}, waitFor, 10*time.Millisecond)

	assert.EqualValues(t, 3, fv.calls.Load())
	assert.FileExists(t, path)

	rt := realtimeSession(t, f.o)
	assert.EqualValues(t, 1, rt.Stats.Errors)
	assert.Contains(t, rt.LastError, "disk full")

	findings := f.history.all()
	require.Len(t, findings, 1)
	assert.Equal(t, ActionQuarantineFailed, findings[0].Action)
	assert.True(t, errors.IsCategory(findings[0].Err, errors.CategoryQuarantine))
}

func TestFailsafeSwitchesDetectorToHashOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	assert.Equal(t, HealthHealthy, f.o.Health().Level)

	f.o.EnterFailsafe("signature store unreadable")
	assert.Equal(t, detector.ModeHashOnly, f.det.Mode())
	h := f.o.Health()
	assert.Equal(t, HealthFailsafe, h.Level)
	assert.True(t, h.Failsafe)
	require.NotEmpty(t, h.Reasons)
	assert.Contains(t, h.Reasons[0], "signature store unreadable")

	// hash matches still work from the pinned snapshot
	path := writeFile(t, t.TempDir(), "eicar.com", signaturetest.EICAR)
	v, err := f.o.ScanFile(t.Context(), path)
	require.NoError(t, err)
	assert.True(t, v.IsMalicious())

	f.o.ExitFailsafe("store verified")
	assert.Equal(t, detector.ModeFull, f.det.Mode())
	assert.Equal(t, HealthHealthy, f.o.Health().Level)

	f.o.SignatureFault(fmt.Errorf("payload digest mismatch"), false)
	h = f.o.Health()
	assert.Equal(t, HealthCritical, h.Level)
	assert.True(t, h.Failsafe)
}

type resultHooks struct {
	fns []func(update.Result)
}

func (r *resultHooks) OnResult(fn func(update.Result)) { r.fns = append(r.fns, fn) }

func (r *resultHooks) emit(res update.Result) {
	for _, fn := range r.fns {
		fn(res)
	}
}

func TestUpdateOutcomesDriveHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	hooks := &resultHooks{}
	f.o.WatchUpdates(hooks)

	fail := func(err error) update.Result { return update.Result{Err: err, Error: err.Error()} }

	hooks.emit(fail(update.ErrStaleBase))
	assert.Equal(t, HealthDegraded, f.o.Health().Level)
	assert.Equal(t, 1, f.o.Health().UpdateFailures)

	hooks.emit(fail(update.ErrNotNewer))
	assert.Equal(t, 1, f.o.Health().UpdateFailures)

	hooks.emit(fail(update.ErrStaleBase))
	hooks.emit(fail(update.ErrStaleBase))
	assert.Equal(t, HealthCritical, f.o.Health().Level)

	hooks.emit(update.Result{Version: 2})
	assert.Equal(t, HealthHealthy, f.o.Health().Level)
	assert.Zero(t, f.o.Health().UpdateFailures)

	hooks.emit(fail(errors.New(signature.ErrNoKnownGood).
		Component("signature").
		Category(errors.CategoryIntegrity).
		Build()))
	h := f.o.Health()
	assert.Equal(t, HealthFailsafe, h.Level)
	assert.Equal(t, detector.ModeHashOnly, f.det.Mode())

	hooks.emit(update.Result{Version: 3})
	assert.Equal(t, HealthHealthy, f.o.Health().Level)
	assert.Equal(t, detector.ModeFull, f.det.Mode())
}

func TestRunRealtimeContainsCreatedFiles(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	hooks := monitor.NewHookSource()
	m := monitor.New(monitor.Config{CoalesceWindow: 5 * time.Millisecond}, hooks)

	ctx, cancel := context.WithCancel(t.Context())
	require.NoError(t, m.Start(ctx))
	t.Cleanup(m.Stop)

	done := make(chan error, 1)
	go func() { done <- f.o.RunRealtime(ctx, m) }()

	dir := t.TempDir()
	clean := writeFile(t, dir, "notes.txt", "nothing here")
	eicar := writeFile(t, dir, "eicar.com", signaturetest.EICAR)
	require.True(t, hooks.ReportFile(clean, monitor.KindCreated))
	require.True(t, hooks.ReportFile(filepath.Join(dir, "gone.txt"), monitor.KindDeleted))
	require.True(t, hooks.ReportFile(eicar, monitor.KindModified))

	require.Eventually(t, func() bool {
		s := realtimeSession(t, f.o)
		return s.Stats.FilesScanned == 2 && s.Stats.Quarantined == 1
	}, waitFor, 10*time.Millisecond)
	assert.Len(t, f.vault.History(quarantine.Filter{}), 1)
	assert.NoFileExists(t, eicar)

	cancel()
	require.NoError(t, testutil.Receive(t, done, waitFor, "RunRealtime did not return after cancellation"))
}

func TestStopRejectsNewWork(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	require.Error(t, f.o.Start(context.Background()))

	f.o.Stop()
	f.o.Stop()

	_, err := f.o.ScanFile(t.Context(), "/does/not/matter")
	require.ErrorIs(t, err, ErrNotRunning)
	_, err = f.o.StartScan(t.Context(), []string{t.TempDir()}, KindManual)
	require.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, StateCompleted, realtimeSession(t, f.o).State)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	det := newDetector(t)
	vault := &failingVault{}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative rate", func(c *Config) { c.ThrottledRate = -1 }},
		{"cpu above 100", func(c *Config) { c.Governor.CPULimitPercent = 150 }},
		{"negative memory", func(c *Config) { c.Governor.MemoryLimitMB = -1 }},
		{"hysteresis 100", func(c *Config) { c.Governor.ResumeHysteresis = 100 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(det, vault, cfg)
			require.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
		})
	}

	_, err := New(nil, vault, testConfig())
	require.Error(t, err)

	o, err := New(det, vault, Config{Workers: 2, RealtimeMinWorkers: 5, SkipExtensions: []string{"EXE", " tmp ", ""}})
	require.NoError(t, err)
	assert.Equal(t, 2, o.Config().RealtimeMinWorkers)
	assert.Equal(t, []string{".exe", ".tmp"}, o.Config().SkipExtensions)
	assert.Equal(t, DefaultQueueSize, o.Config().QueueSize)
}
