// Package datastore keeps the scan and threat history in SQLite.
package datastore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/sentinel-av/sentinel/internal/detector"
	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/logger"
	"github.com/sentinel-av/sentinel/internal/observability/metrics"
	"github.com/sentinel-av/sentinel/internal/orchestrator"
)

const (
	// DefaultSlowQueryThreshold is the duration after which a query is logged as slow.
	DefaultSlowQueryThreshold = time.Second

	defaultEventLimit = 500
	topThreatCount    = 10
)

// Store is the SQLite-backed scan history. It satisfies
// orchestrator.HistorySink.
type Store struct {
	db       *gorm.DB
	path     string
	log      logger.Logger
	recorder metrics.Recorder
}

var _ orchestrator.HistorySink = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithRecorder records write outcomes and latencies.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// Open opens or creates the history database at path and migrates its tables.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, validationError("database path is empty", "path", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}

	log := GetLogger()
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(log, DefaultSlowQueryThreshold),
	})
	if err != nil {
		return nil, dbError(err, "open", errors.PriorityHigh, "path", path)
	}

	s := &Store{db: db, path: path, log: log, recorder: metrics.NoOpRecorder{}}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	log.Info("history database opened", logger.String("path", path))
	return s, nil
}

func (s *Store) migrate() error {
	for _, model := range []any{&ScanVerdict{}, &ThreatEvent{}} {
		if err := s.db.AutoMigrate(model); err != nil {
			return dbError(err, "auto_migrate", errors.PriorityCritical,
				"path", s.path,
				"table", tableName(model))
		}
	}
	return nil
}

func tableName(model any) string {
	switch model.(type) {
	case *ScanVerdict:
		return "scan_verdicts"
	case *ThreatEvent:
		return "threat_events"
	}
	return "unknown"
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return dbError(err, "close", "")
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close", "", "path", s.path)
	}
	return nil
}

// SaveVerdict stores one classification result and returns its row.
func (s *Store) SaveVerdict(ctx context.Context, v detector.Verdict, at time.Time) (ScanVerdict, error) {
	if s == nil || s.db == nil {
		return ScanVerdict{}, stateError("save_verdict", "database is not open")
	}
	row := newScanVerdict(v, at)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ScanVerdict{}, dbError(err, "save_verdict", errors.PriorityMedium, "path", v.Target.Path)
	}
	return row, nil
}

// RecordFinding stores the verdict and its threat event in one transaction.
func (s *Store) RecordFinding(ctx context.Context, f orchestrator.Finding) error {
	if s == nil || s.db == nil {
		return stateError("record_finding", "database is not open")
	}
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		verdict := newScanVerdict(f.Verdict, at)
		if err := tx.Create(&verdict).Error; err != nil {
			return err
		}
		event := ThreatEvent{
			Timestamp:    at,
			FilePath:     f.Verdict.Target.Path,
			PID:          f.Verdict.Target.PID,
			ThreatName:   threatName(f.Verdict),
			Severity:     severityOf(f.Verdict.Classification),
			Method:       f.Verdict.Method.String(),
			Score:        f.Verdict.Score,
			Action:       string(f.Action),
			QuarantineID: f.QuarantineID,
			ScanType:     f.SessionKind.String(),
			SessionID:    f.SessionID,
			DBVersion:    f.Verdict.DBVersion,
			VerdictID:    verdict.ID,
		}
		if f.Err != nil {
			event.Error = f.Err.Error()
		}
		return tx.Create(&event).Error
	})
	s.recorder.RecordDuration(metrics.OpHistorySave, time.Since(start).Seconds())
	if err != nil {
		s.recorder.RecordOperation(metrics.OpHistorySave, metrics.StatusError)
		s.recorder.RecordError(metrics.OpHistorySave, "database")
		return dbError(err, "record_finding", errors.PriorityMedium,
			"path", f.Verdict.Target.Path,
			"session_id", f.SessionID)
	}
	s.recorder.RecordOperation(metrics.OpHistorySave, metrics.StatusSuccess)
	return nil
}

func threatName(v detector.Verdict) string {
	if v.ThreatName != "" {
		return v.ThreatName
	}
	if len(v.Rules) > 0 {
		return "Heuristic." + v.Rules[0]
	}
	return "Suspicious." + v.Method.String()
}

// ThreatEvents returns matching events, newest first.
func (s *Store) ThreatEvents(ctx context.Context, f Filter) ([]ThreatEvent, error) {
	if s == nil || s.db == nil {
		return nil, stateError("threat_events", "database is not open")
	}
	if f.Limit < 0 {
		return nil, validationError("limit must not be negative", "limit", f.Limit)
	}
	limit := f.Limit
	if limit == 0 {
		limit = defaultEventLimit
	}

	var events []ThreatEvent
	err := s.filtered(ctx, f).
		Preload("Verdict").
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, dbError(err, "threat_events", errors.PriorityLow)
	}
	return events, nil
}

func (s *Store) filtered(ctx context.Context, f Filter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&ThreatEvent{})
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("timestamp < ?", f.Until)
	}
	if f.ThreatName != "" {
		q = q.Where("threat_name = ?", f.ThreatName)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.SessionID != "" {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if f.PathPrefix != "" {
		q = q.Where("file_path LIKE ? ESCAPE '\\'", escapeLike(f.PathPrefix)+"%")
	}
	return q
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Statistics aggregates the whole threat history.
func (s *Store) Statistics(ctx context.Context) (Statistics, error) {
	if s == nil || s.db == nil {
		return Statistics{}, stateError("statistics", "database is not open")
	}
	stats := Statistics{
		ByAction:   make(map[string]int64),
		BySeverity: make(map[string]int64),
	}
	db := s.db.WithContext(ctx)

	if err := db.Model(&ThreatEvent{}).Count(&stats.TotalEvents).Error; err != nil {
		return Statistics{}, dbError(err, "statistics", errors.PriorityLow, "query", "count")
	}
	if stats.TotalEvents == 0 {
		return stats, nil
	}

	type group struct {
		Name  string
		Count int64
	}
	for column, dst := range map[string]map[string]int64{"action": stats.ByAction, "severity": stats.BySeverity} {
		var rows []group
		err := db.Model(&ThreatEvent{}).
			Select(column + " AS name, COUNT(*) AS count").
			Group(column).
			Scan(&rows).Error
		if err != nil {
			return Statistics{}, dbError(err, "statistics", errors.PriorityLow, "query", column)
		}
		for _, r := range rows {
			dst[r.Name] = r.Count
		}
	}

	err := db.Model(&ThreatEvent{}).
		Select("threat_name, COUNT(*) AS count").
		Group("threat_name").
		Order("count DESC, threat_name").
		Limit(topThreatCount).
		Scan(&stats.TopThreats).Error
	if err != nil {
		return Statistics{}, dbError(err, "statistics", errors.PriorityLow, "query", "top_threats")
	}

	var first, last ThreatEvent
	if err := db.Order("timestamp ASC").First(&first).Error; err != nil {
		return Statistics{}, dbError(err, "statistics", errors.PriorityLow, "query", "first_event")
	}
	if err := db.Order("timestamp DESC").First(&last).Error; err != nil {
		return Statistics{}, dbError(err, "statistics", errors.PriorityLow, "query", "last_event")
	}
	stats.FirstEvent = first.Timestamp
	stats.LastEvent = last.Timestamp
	return stats, nil
}

// Prune deletes history older than before and returns the number of events removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, stateError("prune", "database is not open")
	}
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("timestamp < ?", before).Delete(&ThreatEvent{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return tx.Where("timestamp < ?", before).Delete(&ScanVerdict{}).Error
	})
	if err != nil {
		s.recorder.RecordOperation(metrics.OpHistoryPrune, metrics.StatusError)
		return 0, dbError(err, "prune", errors.PriorityMedium, "before", before.Format(time.RFC3339))
	}
	s.recorder.RecordOperation(metrics.OpHistoryPrune, metrics.StatusSuccess)
	if removed > 0 {
		s.log.Info("pruned threat history",
			logger.Int64("removed", removed),
			logger.Time("before", before))
	}
	return removed, nil
}
