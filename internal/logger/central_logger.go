package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	_ "time/tzdata"
)

// traceLevel sits below slog.LevelDebug.
const traceLevel = slog.Level(-8)

var (
	globalLogger   *CentralLogger
	globalLoggerMu sync.Mutex
)

// SetGlobal installs cl as the process logger. Call once after loading
// configuration.
func SetGlobal(cl *CentralLogger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	globalLogger = cl
}

// Global returns the process logger, or a stderr console logger when
// SetGlobal has not run yet.
func Global() *CentralLogger {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	if globalLogger == nil {
		globalLogger = &CentralLogger{
			config: &LoggingConfig{
				DefaultLevel: DefaultLogLevel,
				Console:      &ConsoleOutput{Enabled: true, Level: DefaultLogLevel},
			},
			timezone:    time.Local,
			files:       map[string]*LogFile{},
			moduleFiles: map[string]*LogFile{},
			base:        newTextHandler(os.Stderr, slog.LevelInfo),
		}
	}
	return globalLogger
}

type traceIDContextKey struct{}

// TraceIDKey is the context key scan sessions store their id under.
var TraceIDKey = traceIDContextKey{}

// WithTraceID returns ctx carrying traceID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// CentralLogger routes module loggers to the console, the main JSON log and
// optional per-module files.
type CentralLogger struct {
	config   *LoggingConfig
	timezone *time.Location
	base     slog.Handler

	mu          sync.RWMutex
	files       map[string]*LogFile // by path, shared between modules
	moduleFiles map[string]*LogFile
}

// NewCentralLogger opens every configured output. Nil sections of cfg are
// filled with defaults.
func NewCentralLogger(cfg *LoggingConfig) (*CentralLogger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging config cannot be nil")
	}
	applyConfigDefaults(cfg)

	tz := time.Local
	if cfg.Timezone != "" && cfg.Timezone != "Local" {
		var err error
		if tz, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("invalid timezone %s: %w", cfg.Timezone, err)
		}
	}

	cl := &CentralLogger{
		config:      cfg,
		timezone:    tz,
		files:       map[string]*LogFile{},
		moduleFiles: map[string]*LogFile{},
	}

	var handlers []slog.Handler
	if cfg.Console.Enabled {
		handlers = append(handlers, newTextHandler(os.Stderr, parseLogLevel(cfg.Console.Level)))
	}
	if cfg.FileOutput.Enabled {
		f, err := cl.open(cfg.FileOutput.Path)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, newJSONHandler(f, parseLogLevel(cfg.FileOutput.Level), tz))
	}
	if len(handlers) == 0 {
		handlers = append(handlers, newTextHandler(os.Stderr, parseLogLevel(cfg.DefaultLevel)))
	}
	cl.base = combine(handlers)

	for module, out := range cfg.ModuleOutputs {
		if !out.Enabled {
			continue
		}
		f, err := cl.open(out.FilePath)
		if err != nil {
			_ = cl.Close()
			return nil, fmt.Errorf("log output for module %s: %w", module, err)
		}
		cl.moduleFiles[module] = f
	}
	return cl, nil
}

// open returns the LogFile for path, opening it on first use.
func (cl *CentralLogger) open(path string) (*LogFile, error) {
	if f, ok := cl.files[path]; ok {
		return f, nil
	}
	f, err := OpenLogFile(path, defaultFlushInterval)
	if err != nil {
		return nil, err
	}
	cl.files[path] = f
	return f, nil
}

// NewSlogLogger returns a standalone text Logger on w for tests and tools
// that run without configuration. A nil w discards output.
func NewSlogLogger(w io.Writer, level LogLevel, tz *time.Location) Logger {
	if w == nil {
		w = io.Discard
	}
	lvl := parseLogLevel(string(level))
	return &moduleLogger{
		logger:   slog.New(newTextHandler(w, lvl)),
		level:    lvl,
		timezone: localIfNil(tz),
	}
}

func localIfNil(tz *time.Location) *time.Location {
	if tz == nil {
		return time.Local
	}
	return tz
}

// Module returns the logger for one package or subsystem.
func (cl *CentralLogger) Module(name string) Logger {
	if cl == nil {
		return nil
	}
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	level := parseLogLevel(cl.config.DefaultLevel)
	if l, ok := cl.config.ModuleLevels[name]; ok {
		level = parseLogLevel(l)
	}

	handler := cl.base
	if out, ok := cl.config.ModuleOutputs[name]; ok && out.Enabled {
		if out.Level != "" {
			level = parseLogLevel(out.Level)
		}
		var handlers []slog.Handler
		if f, ok := cl.moduleFiles[name]; ok {
			var h slog.Handler = newJSONHandler(f, level, cl.timezone)
			if out.Sync {
				h = &syncHandler{Handler: h, file: f}
			}
			handlers = append(handlers, h)
		}
		if out.ConsoleAlso && cl.config.Console.Enabled {
			handlers = append(handlers, newTextHandler(os.Stderr, level))
		}
		if len(handlers) > 0 {
			handler = combine(handlers)
		}
	}

	return &moduleLogger{
		module:   name,
		logger:   slog.New(handler),
		level:    level,
		timezone: cl.timezone,
	}
}

// Flush hands buffered lines to the OS. Close also fsyncs.
func (cl *CentralLogger) Flush() error {
	if cl == nil {
		return nil
	}
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	var errs []error
	for _, f := range cl.files {
		errs = append(errs, f.Flush())
	}
	return errors.Join(errs...)
}

// Close syncs and closes every log file.
func (cl *CentralLogger) Close() error {
	if cl == nil {
		return nil
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	var errs []error
	for path, f := range cl.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", path, err))
		}
	}
	clear(cl.files)
	clear(cl.moduleFiles)
	return errors.Join(errs...)
}

func combine(handlers []slog.Handler) slog.Handler {
	if len(handlers) == 1 {
		return handlers[0]
	}
	return slog.NewMultiHandler(handlers...)
}

// syncHandler fsyncs an audit file after each record it writes.
type syncHandler struct {
	slog.Handler
	file *LogFile
}

func (h *syncHandler) Handle(ctx context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler signature
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}
	return h.file.Sync()
}

func (h *syncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &syncHandler{Handler: h.Handler.WithAttrs(attrs), file: h.file}
}

func (h *syncHandler) WithGroup(name string) slog.Handler {
	return &syncHandler{Handler: h.Handler.WithGroup(name), file: h.file}
}

func ensureFileDirectory(path string) error {
	dir := filepath.Dir(path)
	if path == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, logDirectoryPermission); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch LogLevel(level) {
	case LogLevelTrace:
		return traceLevel
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// moduleLogger is the Logger handed to packages.
type moduleLogger struct {
	module   string
	logger   *slog.Logger
	level    slog.Level
	timezone *time.Location
	fields   []Field
}

// Module nests a sub-module: "orchestrator" becomes "orchestrator.governor".
func (m *moduleLogger) Module(name string) Logger {
	if m == nil {
		return nil
	}
	child := *m
	if m.module != "" {
		child.module = m.module + "." + name
	} else {
		child.module = name
	}
	child.fields = slices.Clone(m.fields)
	return &child
}

func (m *moduleLogger) Trace(msg string, fields ...Field) { m.logAt(traceLevel, msg, fields) }
func (m *moduleLogger) Debug(msg string, fields ...Field) { m.logAt(slog.LevelDebug, msg, fields) }
func (m *moduleLogger) Info(msg string, fields ...Field)  { m.logAt(slog.LevelInfo, msg, fields) }
func (m *moduleLogger) Warn(msg string, fields ...Field)  { m.logAt(slog.LevelWarn, msg, fields) }

// Error is never filtered by the module level.
func (m *moduleLogger) Error(msg string, fields ...Field) {
	if m != nil {
		m.emit(slog.LevelError, msg, fields)
	}
}

// Log logs at an explicit level.
func (m *moduleLogger) Log(level LogLevel, msg string, fields ...Field) {
	m.logAt(parseLogLevel(string(level)), msg, fields)
}

func (m *moduleLogger) logAt(level slog.Level, msg string, fields []Field) {
	if m == nil || (level < m.level && level < slog.LevelError) {
		return
	}
	m.emit(level, msg, fields)
}

// With returns a logger that adds fields to every record.
func (m *moduleLogger) With(fields ...Field) Logger {
	if m == nil {
		return nil
	}
	child := *m
	child.fields = slices.Concat(m.fields, fields)
	return &child
}

// WithContext adds the trace id carried by ctx, if any.
func (m *moduleLogger) WithContext(ctx context.Context) Logger {
	if m == nil {
		return nil
	}
	if ctx == nil {
		return m
	}
	id, _ := ctx.Value(TraceIDKey).(string)
	if id == "" {
		return m
	}
	return m.With(String(traceIDKey, id))
}

// Flush is a no-op; the CentralLogger owns the files.
func (m *moduleLogger) Flush() error { return nil }

func (m *moduleLogger) emit(level slog.Level, msg string, fields []Field) {
	attrs := make([]slog.Attr, 0, 1+len(m.fields)+len(fields))
	if m.module != "" {
		attrs = append(attrs, slog.String(moduleKey, m.module))
	}
	for _, f := range m.fields {
		attrs = append(attrs, fieldToAttr(f))
	}
	for _, f := range fields {
		attrs = append(attrs, fieldToAttr(f))
	}
	m.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func fieldToAttr(f Field) slog.Attr {
	switch v := f.Value.(type) {
	case string:
		return slog.String(f.Key, v)
	case int:
		return slog.Int(f.Key, v)
	case int64:
		return slog.Int64(f.Key, v)
	case uint64:
		return slog.Uint64(f.Key, v)
	case float32:
		return slog.Float64(f.Key, round3(float64(v)))
	case float64:
		return slog.Float64(f.Key, round3(v))
	case bool:
		return slog.Bool(f.Key, v)
	case time.Time:
		return slog.Time(f.Key, v)
	case time.Duration:
		// slog.Duration renders nanoseconds in JSON
		return slog.String(f.Key, v.Round(time.Microsecond).String())
	default:
		return slog.Any(f.Key, v)
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
