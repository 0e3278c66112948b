package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/patrickmn/go-cache"

	mw "github.com/sentinel-av/sentinel/internal/api/middleware"
	"github.com/sentinel-av/sentinel/internal/datastore"
	"github.com/sentinel-av/sentinel/internal/logger"
	"github.com/sentinel-av/sentinel/internal/monitor"
	"github.com/sentinel-av/sentinel/internal/orchestrator"
	"github.com/sentinel-av/sentinel/internal/quarantine"
	"github.com/sentinel-av/sentinel/internal/update"
)

// GetLogger returns the api package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("api")
}

// Scanner is the orchestrator surface the API drives.
type Scanner interface {
	Health() orchestrator.Health
	Resources() (monitor.Usage, bool)
	Sessions() []orchestrator.Session
	Session(id string) (orchestrator.Session, error)
	StartScan(ctx context.Context, roots []string, kind orchestrator.Kind) (orchestrator.Session, error)
	Cancel(id string) error
}

// Vault is the quarantine surface the API manages.
type Vault interface {
	History(f quarantine.Filter) []quarantine.Record
	Restore(ctx context.Context, id string, opts quarantine.RestoreOptions) (quarantine.Record, error)
	Purge(ctx context.Context, id string) (quarantine.Record, error)
	Counts() map[quarantine.Status]int
}

// Updater applies a verified signature update. A retryable rejection is
// retried in the background and reported with retrying set.
type Updater interface {
	Submit(ctx context.Context, pkg *update.Package) (version uint64, retrying bool, err error)
}

// History reads the threat history.
type History interface {
	ThreatEvents(ctx context.Context, f datastore.Filter) ([]datastore.ThreatEvent, error)
	Statistics(ctx context.Context) (datastore.Statistics, error)
}

// DatabaseInfo reports the active signature database version.
type DatabaseInfo interface {
	DatabaseVersion() uint64
}

// Server is the control API server.
type Server struct {
	echo   *echo.Echo
	config *Config
	log    logger.Logger

	scanner  Scanner
	vault    Vault
	updater  Updater
	history  History
	database DatabaseInfo
	metrics  http.Handler

	statsCache *cache.Cache

	mu        sync.Mutex
	listener  net.Listener
	serveErr  chan error
	startTime time.Time
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithVault enables the quarantine routes.
func WithVault(v Vault) ServerOption {
	return func(s *Server) { s.vault = v }
}

// WithUpdater enables the update route.
func WithUpdater(u Updater) ServerOption {
	return func(s *Server) { s.updater = u }
}

// WithHistory enables the threat history routes.
func WithHistory(h History) ServerOption {
	return func(s *Server) { s.history = h }
}

// WithDatabaseInfo adds the signature version to the status response.
func WithDatabaseInfo(d DatabaseInfo) ServerOption {
	return func(s *Server) { s.database = d }
}

// WithMetrics serves h at /metrics.
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// WithLogger overrides the module logger.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// New creates the server. Routes for absent optional dependencies answer 503.
func New(config *Config, scanner Scanner, opts ...ServerOption) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	if scanner == nil {
		return nil, fmt.Errorf("scanner is required")
	}

	s := &Server{
		config:     config,
		scanner:    scanner,
		log:        GetLogger(),
		statsCache: cache.New(statisticsTTL, 2*statisticsTTL),
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleHTTPError
	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(mw.NewRequestLogger(s.log, func(c echo.Context) bool {
		return c.Path() == "/metrics"
	}))
	s.echo.Use(mw.Hardening(s.config.AllowedOrigins, s.config.BodyLimit)...)

	if s.config.Token != "" {
		s.echo.Use(mw.NewTokenAuth(s.config.Token, func(c echo.Context) bool {
			return c.Path() == "/health"
		}))
	}
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.getStatus)
	v1.GET("/resources", s.getResources)

	v1.GET("/sessions", s.listSessions)
	v1.GET("/sessions/:id", s.getSession)
	v1.DELETE("/sessions/:id", s.cancelSession)
	v1.POST("/scans", s.startScan)

	v1.GET("/quarantine", s.listQuarantine)
	v1.POST("/quarantine/:id/restore", s.restoreQuarantine)
	v1.POST("/quarantine/:id/purge", s.purgeQuarantine)

	v1.POST("/updates", s.applyUpdate)

	v1.GET("/threats", s.listThreats)
	v1.GET("/threats/statistics", s.threatStatistics)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("server already started")
	}

	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Listen, err)
	}
	s.listener = ln
	s.echo.Listener = ln
	s.serveErr = make(chan error, 1)

	go func() {
		err := s.echo.Start("")
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("control API stopped", logger.Error(err))
			s.serveErr <- err
		}
		close(s.serveErr)
	}()

	s.log.Info("control API listening",
		logger.String("address", ln.Addr().String()),
		logger.Bool("auth", s.config.Token != ""))
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	s.mu.Lock()
	serveErr := s.serveErr
	s.mu.Unlock()
	if serveErr != nil {
		if err := <-serveErr; err != nil {
			return err
		}
	}
	s.statsCache.Flush()
	s.log.Info("control API stopped")
	return nil
}

func (s *Server) healthCheck(c echo.Context) error {
	h := s.scanner.Health()
	code := http.StatusOK
	if h.Level == orchestrator.HealthCritical {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]any{
		"status":         strings.ToLower(h.Level.String()),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}
