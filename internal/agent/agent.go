// Package agent assembles the detection and containment core from settings
// and runs it: signature store, detector, quarantine vault, scan history,
// update applier, orchestrator, real-time monitor and the local servers.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/sentinel-av/sentinel/internal/api"
	"github.com/sentinel-av/sentinel/internal/buildinfo"
	"github.com/sentinel-av/sentinel/internal/conf"
	"github.com/sentinel-av/sentinel/internal/cpuspec"
	"github.com/sentinel-av/sentinel/internal/datastore"
	"github.com/sentinel-av/sentinel/internal/detector"
	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/jobqueue"
	"github.com/sentinel-av/sentinel/internal/logger"
	"github.com/sentinel-av/sentinel/internal/monitor"
	"github.com/sentinel-av/sentinel/internal/observability"
	"github.com/sentinel-av/sentinel/internal/orchestrator"
	"github.com/sentinel-av/sentinel/internal/quarantine"
	"github.com/sentinel-av/sentinel/internal/signature"
	"github.com/sentinel-av/sentinel/internal/telemetry"
	"github.com/sentinel-av/sentinel/internal/update"
)

const shutdownTimeout = 15 * time.Second

// GetLogger returns the agent module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("agent")
}

type options struct {
	realtime  bool
	servers   bool
	sampler   monitor.ResourceSampler
	telemetry []telemetry.Option
}

// Option configures how much of the agent New assembles.
type Option func(*options)

// Standalone builds the scanning core without the real-time monitor, the
// control API or the metrics listener. Used by one-shot CLI scans.
func Standalone() Option {
	return func(o *options) {
		o.realtime = false
		o.servers = false
	}
}

// WithSampler replaces the gopsutil resource sampler.
func WithSampler(s monitor.ResourceSampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithTelemetryOptions passes options to the crash reporter.
func WithTelemetryOptions(opts ...telemetry.Option) Option {
	return func(o *options) { o.telemetry = append(o.telemetry, opts...) }
}

// Agent owns every long-lived component. Build it with New, then Run it or
// Start and Stop it.
type Agent struct {
	settings *conf.Settings
	log      logger.Logger

	reporter *telemetry.Reporter
	metrics  *observability.Metrics
	store    *signature.Store
	detector *detector.Detector
	vault    *quarantine.Vault
	history  *datastore.Store
	applier  *update.Applier
	orch     *orchestrator.Orchestrator
	monitor  *monitor.Monitor
	hooks    *monitor.HookSource
	api      *api.Server
	endpoint *observability.Endpoint

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	bg      sync.WaitGroup
}

// New assembles the agent. Components already built are released when a
// later step fails.
func New(settings *conf.Settings, info buildinfo.BuildInfo, opts ...Option) (_ *Agent, err error) {
	o := options{realtime: true, servers: true}
	for _, opt := range opts {
		opt(&o)
	}

	a := &Agent{settings: settings, log: GetLogger()}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	if a.reporter, err = telemetry.New(settings.Sentry, info, o.telemetry...); err != nil {
		return nil, err
	}
	telemetry.Install(a.reporter)

	if settings.Metrics.Enabled {
		if a.metrics, err = observability.NewMetrics(); err != nil {
			return nil, err
		}
	}

	openErr := a.openSignatures()
	if a.store == nil {
		return nil, openErr
	}

	detOpts := []detector.Option{}
	if a.metrics != nil {
		detOpts = append(detOpts, detector.WithMetrics(a.metrics.Detector))
	}
	if a.detector, err = detector.New(a.store, detector.ConfigFromSettings(&settings.Detector), detOpts...); err != nil {
		return nil, err
	}

	vaultOpts := []quarantine.Option{}
	if a.metrics != nil {
		vaultOpts = append(vaultOpts, quarantine.WithRecorder(a.metrics.Quarantine))
	}
	if a.vault, err = quarantine.Open(quarantine.ConfigFromSettings(&settings.Quarantine), vaultOpts...); err != nil {
		return nil, err
	}

	if settings.History.Enabled {
		historyOpts := []datastore.Option{}
		if a.metrics != nil {
			historyOpts = append(historyOpts, datastore.WithRecorder(a.metrics.History))
		}
		if a.history, err = datastore.Open(settings.History.Path, historyOpts...); err != nil {
			return nil, err
		}
	}

	applierOpts := []update.ApplierOption{update.WithRetry(retryFromSettings(&settings.Update))}
	if a.metrics != nil {
		applierOpts = append(applierOpts, update.WithRecorder(a.metrics.Update))
	}
	a.applier = update.NewApplier(a.store, applierOpts...)

	if err = a.buildOrchestrator(o); err != nil {
		return nil, err
	}
	a.orch.WatchUpdates(a.applier)

	switch {
	case openErr == nil:
	case errors.IsNotFound(openErr):
		a.log.Warn("no signature database installed, detection limited to heuristics until the first update",
			logger.String("dir", a.store.Dir()))
	default:
		a.orch.SignatureFault(openErr, a.store.Version() > 0)
	}

	if o.realtime && settings.Monitor.Enabled {
		a.hooks = monitor.NewHookSource()
		sources := append(monitor.SourcesFromSettings(settings), a.hooks)
		a.monitor = monitor.New(monitor.ConfigFromSettings(&settings.Monitor), sources...)
	}
	if o.servers {
		if err = a.buildServers(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// openSignatures loads the trusted key and opens the store. A nil store
// means the agent cannot run; the returned error is otherwise a startup
// fault the orchestrator reports through health.
func (a *Agent) openSignatures() error {
	s := a.settings.Signatures
	pub, err := signature.LoadPublicKey(s.PublicKeyPath)
	if err != nil {
		return err
	}
	a.store = signature.NewStore(pub, s.Path, signature.WithBloom(s.ExpectedRecords, s.BloomFPRate))
	_, err = a.store.Open()
	return err
}

func (a *Agent) buildOrchestrator(o options) error {
	orchOpts := []orchestrator.Option{}
	if a.history != nil {
		orchOpts = append(orchOpts, orchestrator.WithHistory(a.history))
	}
	if a.metrics != nil {
		orchOpts = append(orchOpts, orchestrator.WithMetrics(a.metrics.Scanner))
	}
	sampler := o.sampler
	if sampler == nil {
		gs, err := monitor.NewGopsutilSampler()
		if err != nil {
			a.log.Warn("resource sampling unavailable, governor disabled", logger.Error(err))
		} else {
			sampler = gs
		}
	}
	if sampler != nil {
		orchOpts = append(orchOpts, orchestrator.WithSampler(sampler))
	}

	orch, err := orchestrator.New(a.detector, a.vault, orchestrator.ConfigFromSettings(a.settings), orchOpts...)
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

func (a *Agent) buildServers() error {
	if !a.settings.API.Enabled {
		if a.metrics != nil {
			a.endpoint = observability.NewEndpoint(a.settings.Metrics.Listen, a.metrics)
		}
		return nil
	}

	serverOpts := []api.ServerOption{
		api.WithVault(a.vault),
		api.WithUpdater(a.applier),
		api.WithDatabaseInfo(a.detector),
	}
	if a.history != nil {
		serverOpts = append(serverOpts, api.WithHistory(a.history))
	}
	if a.metrics != nil {
		serverOpts = append(serverOpts, api.WithMetrics(a.metrics.Handler()))
	}
	srv, err := api.New(api.ConfigFromSettings(a.settings), a.orch, serverOpts...)
	if err != nil {
		return err
	}
	a.api = srv
	return nil
}

func retryFromSettings(s *conf.UpdateSettings) jobqueue.RetryConfig {
	return jobqueue.RetryConfig{
		Enabled:      s.MaxAttempts > 1,
		MaxRetries:   max(s.MaxAttempts-1, 0),
		InitialDelay: s.InitialBackoff,
		MaxDelay:     s.MaxBackoff,
		Multiplier:   s.Multiplier,
	}
}

// Orchestrator returns the scan orchestrator.
func (a *Agent) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Vault returns the quarantine vault.
func (a *Agent) Vault() *quarantine.Vault { return a.vault }

// Signatures returns the signature store.
func (a *Agent) Signatures() *signature.Store { return a.store }

// Applier returns the update applier.
func (a *Agent) Applier() *update.Applier { return a.applier }

// Hooks returns the source in-process integrations report process
// operations and file activity to, nil when real-time monitoring is off.
func (a *Agent) Hooks() *monitor.HookSource { return a.hooks }

// History returns the scan history, nil when disabled.
func (a *Agent) History() *datastore.Store { return a.history }

// APIAddr returns the control API address once started, or "".
func (a *Agent) APIAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

// Start launches the orchestrator, real-time monitoring, the servers and the
// history retention sweep.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.Newf("agent already started").
			Component("agent").
			Category(errors.CategoryState).
			Build()
	}
	a.started = true

	ctx, a.cancel = context.WithCancel(ctx)
	a.logSystemDetails()

	if err := a.orch.Start(ctx); err != nil {
		return err
	}

	if a.monitor != nil {
		if err := a.monitor.Start(ctx); err != nil {
			return err
		}
		a.bg.Go(func() {
			if err := a.orch.RunRealtime(ctx, a.monitor); err != nil {
				a.log.Error("real-time scanning stopped", logger.Error(err))
			}
		})
	}

	if a.api != nil {
		if err := a.api.Start(); err != nil {
			return errors.New(err).
				Component("agent").
				Category(errors.CategorySystem).
				Context("listen", a.settings.API.Listen).
				Build()
		}
	}
	if a.endpoint != nil {
		a.bg.Go(func() {
			if err := a.endpoint.Run(ctx); err != nil {
				a.log.Error("metrics endpoint stopped", logger.Error(err))
			}
		})
	}

	if a.history != nil && a.settings.History.Retention > 0 {
		a.bg.Go(func() { a.pruneLoop(ctx) })
	}

	a.log.Info("agent started",
		logger.Uint64("signature_version", a.store.Version()),
		logger.Bool("realtime", a.monitor != nil),
		logger.Bool("api", a.api != nil),
		logger.Bool("history", a.history != nil))
	return nil
}

// Stop shuts everything down in reverse start order. It is safe to call
// more than once.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true

	if a.api != nil && a.started {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.api.Shutdown(ctx); err != nil {
			a.log.Warn("control API shutdown failed", logger.Error(err))
		}
		cancel()
	}
	if a.applier != nil {
		a.applier.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.orch != nil {
		a.orch.Stop()
	}
	a.bg.Wait()
	a.release()
	a.log.Info("agent stopped")
}

// Run starts the agent and blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.Stop()
		return err
	}
	<-ctx.Done()
	a.Stop()
	return nil
}

// release closes storage and the reporter.
func (a *Agent) release() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.Warn("failed to close history database", logger.Error(err))
		}
	}
	if a.vault != nil {
		if err := a.vault.Close(); err != nil {
			a.log.Warn("failed to close quarantine vault", logger.Error(err))
		}
	}
	if a.reporter != nil {
		telemetry.Install(nil)
		a.reporter.Close()
	}
}

func (a *Agent) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(a.settings.History.PruneInterval)
	defer ticker.Stop()

	for {
		before := time.Now().Add(-a.settings.History.Retention)
		if _, err := a.history.Prune(ctx, before); err != nil && ctx.Err() == nil {
			a.log.Warn("history retention sweep failed", logger.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) logSystemDetails() {
	cpu := cpuspec.Detect()
	a.log.Info("cpu details",
		logger.String("brand", cpu.BrandName),
		logger.Int("physical_cores", cpu.PhysicalCores),
		logger.Int("available", cpu.Available),
		logger.Bool("sha_accel", cpu.SHA256),
		logger.Bool("aes_accel", cpu.AES),
		logger.Int("scan_workers", a.settings.Scanner.Workers))

	info, err := host.Info()
	if err != nil {
		a.log.Debug("host info unavailable", logger.Error(err))
		return
	}
	a.log.Info("system details",
		logger.String("os", info.OS),
		logger.String("platform", info.Platform),
		logger.String("platform_version", info.PlatformVersion),
		logger.String("kernel", info.KernelVersion),
		logger.String("arch", info.KernelArch))
}
