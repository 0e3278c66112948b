// Package quarantine isolates malicious files into an encrypted vault and
// keeps an append-only log of every record's lifecycle.
package quarantine

import (
	"cmp"
	"context"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinel-av/sentinel/internal/conf"
	"github.com/sentinel-av/sentinel/internal/detector"
	"github.com/sentinel-av/sentinel/internal/diskspace"
	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/logger"
	"github.com/sentinel-av/sentinel/internal/observability/metrics"
)

const stripeCount = 64

// Config locates the vault on disk.
type Config struct {
	Dir                string
	KeyFile            string // defaults to <Dir>/vault.key
	SecureDeletePasses int
	// MinFreeBytes is kept available on the vault filesystem after a blob
	// is written. Zero disables the check.
	MinFreeBytes uint64
}

// ConfigFromSettings converts the quarantine section of the agent settings.
func ConfigFromSettings(s *conf.QuarantineSettings) Config {
	return Config{
		Dir:                s.Dir,
		KeyFile:            s.KeyFile,
		SecureDeletePasses: s.SecureDeletePasses,
		MinFreeBytes:       uint64(max(s.MinFreeMB, 0)) << 20,
	}
}

// Vault is the quarantine store. Operations on one record are serialized;
// operations on different records run concurrently. Once started, isolate,
// restore and purge always run to completion.
type Vault struct {
	dir     string
	blobDir string
	master  []byte
	passes  int
	log     *recordLog

	// gate lets Reconcile exclude every other operation.
	gate    sync.RWMutex
	stripes [stripeCount]sync.Mutex

	mu      sync.RWMutex
	records map[string]*Record

	minFree  uint64
	statfs   func(string) (diskspace.Info, error)
	recorder metrics.Recorder
	logger   logger.Logger
	now      func() time.Time
}

// Option configures a Vault.
type Option func(*Vault)

// WithRecorder records operation outcomes.
func WithRecorder(r metrics.Recorder) Option {
	return func(v *Vault) { v.recorder = r }
}

// WithLogger overrides the package logger.
func WithLogger(l logger.Logger) Option {
	return func(v *Vault) { v.logger = l }
}

// WithDiskStat replaces the free space check.
func WithDiskStat(stat func(string) (diskspace.Info, error)) Option {
	return func(v *Vault) { v.statfs = stat }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// Open opens or creates the vault, replays the record log and runs a
// reconciliation pass.
func Open(cfg Config, opts ...Option) (*Vault, error) {
	if cfg.Dir == "" {
		return nil, errors.Newf("quarantine directory not configured").
			Component("quarantine").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.KeyFile == "" {
		cfg.KeyFile = filepath.Join(cfg.Dir, "vault.key")
	}

	v := &Vault{
		dir:      cfg.Dir,
		blobDir:  filepath.Join(cfg.Dir, blobDirName),
		passes:   max(cfg.SecureDeletePasses, 0),
		minFree:  cfg.MinFreeBytes,
		statfs:   diskspace.Stat,
		records:  make(map[string]*Record),
		recorder: metrics.NoOpRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = GetLogger()
	}

	if err := os.MkdirAll(v.blobDir, dirPerm); err != nil {
		return nil, fileError(err, "open", v.blobDir)
	}
	master, err := loadMasterKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	v.master = master

	l, entries, err := openRecordLog(filepath.Join(cfg.Dir, logFileName))
	if err != nil {
		return nil, fileError(err, "open", filepath.Join(cfg.Dir, logFileName))
	}
	v.log = l
	for _, e := range entries {
		rec := e.Record
		rec.Status = e.Status
		v.records[e.ID] = &rec
	}

	report, err := v.Reconcile()
	if err != nil {
		_ = l.close()
		return nil, err
	}
	v.logger.Info("quarantine vault opened",
		logger.String("dir", v.dir),
		logger.Int("records", report.Records),
		logger.Int("orphan_blobs_removed", len(report.OrphanBlobsRemoved)),
		logger.Int("blob_missing", len(report.BlobMissing)),
		logger.Int("originals_removed", len(report.OriginalsRemoved)))
	return v, nil
}

// Close closes the record log. Further mutations fail with ErrVaultClosed.
func (v *Vault) Close() error {
	v.gate.Lock()
	defer v.gate.Unlock()
	return v.log.close()
}

// Dir returns the vault directory.
func (v *Vault) Dir() string { return v.dir }

func (v *Vault) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &v.stripes[h.Sum32()%stripeCount]
}

func (v *Vault) blobPath(id string) string {
	return filepath.Join(v.blobDir, id+blobExt)
}

func (v *Vault) get(id string) (Record, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (v *Vault) put(rec Record) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.records[rec.ID] = &rec
}

// commit appends rec to the log and publishes it. The in-memory index only
// changes after the entry is durable.
func (v *Vault) commit(rec Record) error {
	if _, err := v.log.append(rec, rec.UpdatedAt); err != nil {
		return err
	}
	v.put(rec)
	return nil
}

func (v *Vault) observe(op string, start time.Time, err error) {
	v.recorder.RecordDuration(op, time.Since(start).Seconds())
	if err != nil {
		v.recorder.RecordOperation(op, metrics.StatusError)
		v.recorder.RecordError(op, errorType(err))
		return
	}
	v.recorder.RecordOperation(op, metrics.StatusSuccess)
}

func errorType(err error) string {
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return ee.GetCategory()
	}
	return string(errors.CategoryGeneric)
}

func recordError(err error, category errors.ErrorCategory, op, id string) error {
	return errors.New(err).
		Component("quarantine").
		Category(category).
		Context("operation", op).
		Context("record_id", id).
		Build()
}

// ensureSpace refuses a blob that would leave less than minFree available.
func (v *Vault) ensureSpace(need uint64) error {
	if v.minFree == 0 {
		return nil
	}
	info, err := v.statfs(v.blobDir)
	if err != nil {
		v.logger.Warn("vault free space unknown, isolating anyway", logger.Error(err))
		return nil
	}
	if info.AvailableBytes >= need+v.minFree {
		return nil
	}
	return errors.Newf("quarantine vault filesystem has %d bytes available, need %d plus %d reserved",
		info.AvailableBytes, need, v.minFree).
		Component("quarantine").
		Category(errors.CategoryResourceExhaustion).
		Priority(errors.PriorityHigh).
		Context("operation", metrics.OpIsolate).
		Context("dir", v.blobDir).
		Build()
}

// Isolate moves the file at target.Path into the vault. On failure before the
// record is committed the original is left untouched. A retry for a file
// whose earlier isolation committed but could not remove the original reuses
// that record.
func (v *Vault) Isolate(ctx context.Context, target detector.ScanTarget, verdict detector.Verdict) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, recordError(err, errors.CategoryCancellation, metrics.OpIsolate, "")
	}
	ctx = context.WithoutCancel(ctx)

	v.gate.RLock()
	defer v.gate.RUnlock()

	start := time.Now()
	rec, err := v.isolate(ctx, target, verdict)
	v.observe(metrics.OpIsolate, start, err)
	return rec, err
}

func (v *Vault) isolate(ctx context.Context, target detector.ScanTarget, verdict detector.Verdict) (Record, error) {
	log := v.logger.WithContext(ctx)

	path, err := filepath.Abs(target.Path)
	if err != nil {
		return Record{}, fileError(err, metrics.OpIsolate, target.Path)
	}
	info, err := os.Lstat(path)
	if err != nil {
		return Record{}, fileError(err, metrics.OpIsolate, path)
	}
	if !info.Mode().IsRegular() {
		return Record{}, fileError(fmt.Errorf("%w: %s", ErrNotRegular, info.Mode().Type()), metrics.OpIsolate, path)
	}
	contentHash, size, err := hashFile(path)
	if err != nil {
		return Record{}, fileError(err, metrics.OpIsolate, path)
	}

	if existing, ok := v.findActive(path, contentHash); ok {
		mu := v.stripe(existing.ID)
		mu.Lock()
		defer mu.Unlock()
		log.Info("original already quarantined, retrying containment",
			logger.String("record_id", existing.ID),
			logger.String("path", path))
		return v.contain(existing)
	}

	id := uuid.NewString()
	mu := v.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	if err := v.ensureSpace(uint64(sealedSize(size))); err != nil {
		return Record{}, err
	}
	blobPath := v.blobPath(id)
	var sealErr error
	err = writeFileFrom(blobPath, filePerm, func(w io.Writer) error {
		sealErr = v.seal(id, path, contentHash, w)
		return sealErr
	})
	switch {
	case sealErr != nil:
		return Record{}, recordError(sealErr, errors.CategoryQuarantine, metrics.OpIsolate, id)
	case err != nil:
		return Record{}, fileError(err, metrics.OpIsolate, blobPath)
	}

	now := v.now().UTC()
	rec := Record{
		ID:             id,
		OriginalPath:   path,
		ContentHash:    contentHash,
		Size:           size,
		Mode:           info.Mode().Perm(),
		ThreatName:     verdict.ThreatName,
		SignatureID:    verdict.MatchedSignatureID,
		Classification: verdict.Classification.String(),
		Method:         verdict.Method.String(),
		Score:          verdict.Score,
		DBVersion:      verdict.DBVersion,
		Status:         StatusActive,
		QuarantinedAt:  now,
		UpdatedAt:      now,
	}
	captureOwnership(&rec, info)

	if err := v.commit(rec); err != nil {
		// No record, so no blob either.
		if rmErr := os.Remove(blobPath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Error("failed to remove uncommitted blob", logger.String("blob", blobPath), logger.Error(rmErr))
		}
		return Record{}, fileError(err, metrics.OpIsolate, filepath.Join(v.dir, logFileName))
	}

	rec, err = v.contain(rec)
	if err != nil {
		return rec, err
	}
	log.Info("file quarantined",
		logger.String("record_id", rec.ID),
		logger.String("path", path),
		logger.String("threat", rec.ThreatName),
		logger.String("method", rec.Method),
		logger.Int64("size", rec.Size))
	return rec, nil
}

// seal encrypts the file at path into w. The content must still hash to
// contentHash, which the record will carry.
func (v *Vault) seal(id, path, contentHash string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sum, _, err := sealStream(v.master, id, w, f)
	if err != nil {
		return err
	}
	if hex.EncodeToString(sum[:]) != contentHash {
		return ErrContentChanged
	}
	return nil
}

// contain removes the original, falling back to locking it.
func (v *Vault) contain(rec Record) (Record, error) {
	rmErr := secureDelete(rec.OriginalPath, v.passes)
	if rmErr == nil {
		return rec, nil
	}

	if lockErr := lockFile(rec.OriginalPath); lockErr != nil {
		return rec, recordError(fmt.Errorf("%w: %w", ErrOriginalInUse, errors.Join(rmErr, lockErr)),
			errors.CategoryQuarantine, metrics.OpIsolate, rec.ID)
	}
	if !rec.Locked {
		rec.Locked = true
		rec.UpdatedAt = v.now().UTC()
		if err := v.commit(rec); err != nil {
			return rec, fileError(err, metrics.OpIsolate, filepath.Join(v.dir, logFileName))
		}
	}
	v.logger.Warn("original could not be removed, locked instead",
		logger.String("record_id", rec.ID),
		logger.String("path", rec.OriginalPath),
		logger.Error(rmErr))
	return rec, nil
}

func (v *Vault) findActive(path, contentHash string) (Record, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, rec := range v.records {
		if rec.Status == StatusActive && rec.OriginalPath == path && rec.ContentHash == contentHash {
			if _, err := os.Stat(v.blobPath(rec.ID)); err == nil {
				return *rec, true
			}
		}
	}
	return Record{}, false
}

// Restore decrypts record id back to its original path, or opts.Path.
// Different content at the destination fails with ErrPathConflict unless
// opts.Overwrite is set; identical content counts as restored.
func (v *Vault) Restore(ctx context.Context, id string, opts RestoreOptions) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, recordError(err, errors.CategoryCancellation, metrics.OpRestore, id)
	}
	ctx = context.WithoutCancel(ctx)

	v.gate.RLock()
	defer v.gate.RUnlock()

	mu := v.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	rec, err := v.restore(ctx, id, opts)
	v.observe(metrics.OpRestore, start, err)
	return rec, err
}

func (v *Vault) restore(ctx context.Context, id string, opts RestoreOptions) (Record, error) {
	log := v.logger.WithContext(ctx)

	rec, ok := v.get(id)
	if !ok {
		return Record{}, recordError(ErrNotFound, errors.CategoryNotFound, metrics.OpRestore, id)
	}
	if rec.Status != StatusActive {
		return rec, recordError(fmt.Errorf("%w: record is %s", ErrInvalidState, rec.Status),
			errors.CategoryState, metrics.OpRestore, id)
	}

	if err := v.openBlob(rec, io.Discard); err != nil {
		return rec, err
	}

	dest := rec.OriginalPath
	if opts.Path != "" {
		var err error
		if dest, err = filepath.Abs(opts.Path); err != nil {
			return rec, fileError(err, metrics.OpRestore, opts.Path)
		}
	}

	identical := false
	existing, _, err := hashFile(dest)
	switch {
	case err == nil:
		identical = existing == rec.ContentHash
		if !identical && !opts.Overwrite {
			return rec, errors.New(fmt.Errorf("%w: %s", ErrPathConflict, dest)).
				Component("quarantine").
				Category(errors.CategoryQuarantine).
				Context("operation", metrics.OpRestore).
				Context("record_id", id).
				Context("path", dest).
				Build()
		}
	case !os.IsNotExist(err):
		return rec, fileError(err, metrics.OpRestore, dest)
	}

	if !identical {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return rec, fileError(err, metrics.OpRestore, dest)
		}
		var blobErr error
		err := writeFileFrom(dest, rec.Mode.Perm(), func(w io.Writer) error {
			blobErr = v.openBlob(rec, w)
			return blobErr
		})
		if blobErr != nil {
			return rec, blobErr
		}
		if err != nil {
			return rec, fileError(err, metrics.OpRestore, dest)
		}
	} else if err := os.Chmod(dest, rec.Mode.Perm()); err != nil {
		log.Debug("could not restore file mode", logger.String("path", dest), logger.Error(err))
	}
	if err := restoreOwnership(dest, &rec); err != nil {
		log.Debug("could not restore file owner", logger.String("path", dest), logger.Error(err))
	}

	rec.Status = StatusRestored
	rec.UpdatedAt = v.now().UTC()
	if err := v.commit(rec); err != nil {
		return rec, fileError(err, metrics.OpRestore, filepath.Join(v.dir, logFileName))
	}

	if err := secureDelete(v.blobPath(id), v.passes); err != nil {
		// Reconcile removes blobs of non-active records.
		log.Warn("failed to remove restored blob", logger.String("record_id", id), logger.Error(err))
	}

	log.Warn("restored a file that was classified as malicious",
		logger.String("record_id", id),
		logger.String("path", dest),
		logger.String("threat", rec.ThreatName),
		logger.String("classification", rec.Classification))
	return rec, nil
}

// openBlob decrypts rec's blob into w and checks it against the record.
func (v *Vault) openBlob(rec Record, w io.Writer) error {
	path := v.blobPath(rec.ID)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return recordError(ErrBlobMissing, errors.CategoryQuarantine, metrics.OpRestore, rec.ID)
	}
	if err != nil {
		return fileError(err, metrics.OpRestore, path)
	}
	defer f.Close()

	sum, n, err := openStream(v.master, rec.ID, w, f)
	if err != nil {
		if errors.Is(err, ErrCorruptBlob) {
			return recordError(err, errors.CategoryQuarantine, metrics.OpRestore, rec.ID)
		}
		return fileError(err, metrics.OpRestore, path)
	}
	if hex.EncodeToString(sum[:]) != rec.ContentHash || n != rec.Size {
		return recordError(fmt.Errorf("%w: content hash mismatch", ErrCorruptBlob),
			errors.CategoryQuarantine, metrics.OpRestore, rec.ID)
	}
	return nil
}

// Purge securely erases the blob of an active record and marks it Deleted.
// Purging a Deleted record is a no-op.
func (v *Vault) Purge(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, recordError(err, errors.CategoryCancellation, metrics.OpPurge, id)
	}

	v.gate.RLock()
	defer v.gate.RUnlock()

	mu := v.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	rec, err := v.purge(id)
	v.observe(metrics.OpPurge, start, err)
	return rec, err
}

func (v *Vault) purge(id string) (Record, error) {
	rec, ok := v.get(id)
	if !ok {
		return Record{}, recordError(ErrNotFound, errors.CategoryNotFound, metrics.OpPurge, id)
	}
	switch rec.Status {
	case StatusDeleted:
		return rec, nil
	case StatusRestored:
		return rec, recordError(fmt.Errorf("%w: record is %s", ErrInvalidState, rec.Status),
			errors.CategoryState, metrics.OpPurge, id)
	}

	if err := secureDelete(v.blobPath(id), v.passes); err != nil {
		return rec, fileError(err, metrics.OpPurge, v.blobPath(id))
	}
	rec.Status = StatusDeleted
	rec.UpdatedAt = v.now().UTC()
	if err := v.commit(rec); err != nil {
		return rec, fileError(err, metrics.OpPurge, filepath.Join(v.dir, logFileName))
	}
	v.logger.Info("quarantined file purged",
		logger.String("record_id", id),
		logger.String("threat", rec.ThreatName))
	return rec, nil
}

// Get returns one record.
func (v *Vault) Get(id string) (Record, error) {
	rec, ok := v.get(id)
	if !ok {
		return Record{}, recordError(ErrNotFound, errors.CategoryNotFound, "get", id)
	}
	return rec, nil
}

// History returns copies of the records matching f, oldest first. It reads
// only the in-memory index and never waits on a running operation.
func (v *Vault) History(f Filter) []Record {
	v.mu.RLock()
	out := make([]Record, 0, len(v.records))
	for _, rec := range v.records {
		if f.match(rec) {
			out = append(out, *rec)
		}
	}
	v.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		return cmp.Or(a.QuarantinedAt.Compare(b.QuarantinedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Counts returns the number of records per status.
func (v *Vault) Counts() map[Status]int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	counts := make(map[Status]int, len(statusNames))
	for _, rec := range v.records {
		counts[rec.Status]++
	}
	return counts
}

// Reconcile cross-checks blobs against the record log: blobs without an
// active record are erased, active records without a blob are reported, and
// originals that survived a crash after their record was committed are
// removed.
func (v *Vault) Reconcile() (ReconcileReport, error) {
	v.gate.Lock()
	defer v.gate.Unlock()

	start := time.Now()
	report, err := v.reconcile()
	v.observe(metrics.OpReconcile, start, err)
	return report, err
}

func (v *Vault) reconcile() (ReconcileReport, error) {
	var report ReconcileReport

	entries, err := os.ReadDir(v.blobDir)
	if err != nil {
		return report, fileError(err, metrics.OpReconcile, v.blobDir)
	}

	v.mu.RLock()
	snapshot := make(map[string]Record, len(v.records))
	for id, rec := range v.records {
		snapshot[id] = *rec
	}
	v.mu.RUnlock()
	report.Records = len(snapshot)

	blobs := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(v.blobDir, name)
		switch {
		case strings.HasSuffix(name, tmpExt), strings.Contains(name, ".wipe-"):
			if err := os.Remove(path); err == nil {
				report.TempFilesRemoved++
			}
		case strings.HasSuffix(name, blobExt):
			id := strings.TrimSuffix(name, blobExt)
			if rec, ok := snapshot[id]; ok && rec.Status == StatusActive {
				blobs[id] = true
				continue
			}
			if err := secureDelete(path, v.passes); err != nil {
				v.logger.Warn("failed to remove orphan blob", logger.String("blob", path), logger.Error(err))
				continue
			}
			report.OrphanBlobsRemoved = append(report.OrphanBlobsRemoved, id)
		}
	}

	for id, rec := range snapshot {
		if rec.Status != StatusActive {
			continue
		}
		if !blobs[id] {
			report.BlobMissing = append(report.BlobMissing, id)
			logger.Critical(v.logger, "active quarantine record has no blob",
				logger.String("record_id", id),
				logger.String("path", rec.OriginalPath))
			continue
		}
		if v.originalSurvived(rec) {
			if _, err := v.contain(rec); err != nil {
				v.logger.Error("failed to remove surviving original",
					logger.String("record_id", id),
					logger.String("path", rec.OriginalPath),
					logger.Error(err))
				continue
			}
			report.OriginalsRemoved = append(report.OriginalsRemoved, id)
		}
	}
	slices.Sort(report.OrphanBlobsRemoved)
	slices.Sort(report.BlobMissing)
	slices.Sort(report.OriginalsRemoved)
	return report, nil
}

// originalSurvived reports whether rec's original is still at its path with
// the quarantined content.
func (v *Vault) originalSurvived(rec Record) bool {
	info, err := os.Lstat(rec.OriginalPath)
	if err != nil || !info.Mode().IsRegular() || info.Size() != rec.Size {
		return false
	}
	sum, _, err := hashFile(rec.OriginalPath)
	return err == nil && sum == rec.ContentHash
}
