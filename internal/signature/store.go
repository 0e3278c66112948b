package signature

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/logger"
)

// RequiredVerifications is how many successful verifications (install plus
// next startup) a database needs before it replaces the last-known-good copy
// on its own. An install also retains the database it replaces, so the
// previously active version stays the rollback target until its successor
// reaches this count.
const RequiredVerifications = 2

const (
	defaultExpectedRecords = 100_000
	defaultBloomFPRate     = 0.001
)

var ErrVersionRegression = errors.NewStd("database version is older than the active version")

// Snapshot pairs an immutable database with its bloom prefilter. A caller
// that holds one Snapshot sees one version for both hashes and rules.
type Snapshot struct {
	db     *Database
	filter *bloom.BloomFilter
}

// Database returns the snapshot's database.
func (sn *Snapshot) Database() *Database { return sn.db }

// Version returns the snapshot's database version.
func (sn *Snapshot) Version() uint64 { return sn.db.Version() }

// Rules returns the snapshot's heuristic rules.
func (sn *Snapshot) Rules() *RuleSet { return sn.db.Rules() }

// LookupDigest finds a record by raw SHA-256 digest.
func (sn *Snapshot) LookupDigest(digest [sha256.Size]byte) (Record, bool) {
	if !sn.filter.Test(digest[:]) {
		return Record{}, false
	}
	return sn.db.Lookup(SHA256Key(hex.EncodeToString(digest[:])))
}

// Store holds the active signature database. Lookups are lock free; writers
// (load, install, rollback) are serialized by mu.
type Store struct {
	pub      *rsa.PublicKey
	dir      string
	expected uint
	fpRate   float64
	log      logger.Logger

	active atomic.Pointer[Snapshot]

	mu    sync.Mutex
	lkg   *Database
	state diskState
}

// Option configures a Store.
type Option func(*Store)

// WithBloom sizes the lookup prefilter.
func WithBloom(expectedRecords uint, fpRate float64) Option {
	return func(s *Store) {
		if expectedRecords > 0 {
			s.expected = expectedRecords
		}
		if fpRate > 0 && fpRate < 1 {
			s.fpRate = fpRate
		}
	}
}

// WithLogger overrides the package logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore creates a store rooted at dir that trusts pub. The active database
// is empty until Open, LoadDatabase or Install succeeds.
func NewStore(pub *rsa.PublicKey, dir string, opts ...Option) *Store {
	s := &Store{
		pub:      pub,
		dir:      dir,
		expected: defaultExpectedRecords,
		fpRate:   defaultBloomFPRate,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = GetLogger()
	}
	s.swap(EmptyDatabase())
	return s
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// PublicKey returns the trusted verification key.
func (s *Store) PublicKey() *rsa.PublicKey { return s.pub }

func (s *Store) newSnapshot(db *Database) *Snapshot {
	n := max(uint(db.Len()), s.expected, 1)
	filter := bloom.NewWithEstimates(n, s.fpRate)
	for _, r := range db.records {
		if raw, err := hex.DecodeString(r.ContentHash); err == nil {
			filter.Add(raw)
		}
	}
	return &Snapshot{db: db, filter: filter}
}

// swap publishes db and returns the database it replaced.
func (s *Store) swap(db *Database) *Database {
	prev := s.active.Swap(s.newSnapshot(db))
	if prev == nil {
		return nil
	}
	return prev.db
}

// Lookup finds a record by hex SHA-256 digest.
func (s *Store) Lookup(hexDigest string) (Record, bool) {
	raw, err := hex.DecodeString(hexDigest)
	if err != nil || len(raw) != sha256.Size {
		return Record{}, false
	}
	return s.LookupDigest([sha256.Size]byte(raw))
}

// LookupDigest finds a record by raw SHA-256 digest.
func (s *Store) LookupDigest(digest [sha256.Size]byte) (Record, bool) {
	return s.active.Load().LookupDigest(digest)
}

// Snapshot returns the active snapshot.
func (s *Store) Snapshot() *Snapshot { return s.active.Load() }

// Current returns the active database.
func (s *Store) Current() *Database { return s.active.Load().db }

// Rules returns the active heuristic rule-set.
func (s *Store) Rules() *RuleSet { return s.Current().Rules() }

// Version returns the active database version.
func (s *Store) Version() uint64 { return s.Current().Version() }

// LastKnownGood returns the retained fallback database, if any.
func (s *Store) LastKnownGood() (*Database, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lkg, s.lkg != nil
}

// Verifications returns how many times the active database has verified.
func (s *Store) Verifications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Verifications
}

// LoadDatabase verifies the payload at path against its manifest and makes it
// active. On any failure the previous database stays active.
func (s *Store) LoadDatabase(path string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.verifyFiles(path)
	if err != nil {
		s.log.Warn("signature database rejected, keeping active version",
			logger.String("path", path),
			logger.Uint64("active_version", s.Version()),
			logger.Error(err))
		return s.Version(), err
	}
	if err := s.checkMonotonic(db); err != nil {
		return s.Version(), err
	}

	s.swap(db)
	s.log.Info("signature database loaded",
		logger.String("path", path),
		logger.Uint64("version", db.Version()),
		logger.Int("records", db.Len()),
		logger.Int("rules", db.Rules().Len()))
	return db.Version(), nil
}

// Open verifies the database persisted in the store directory and activates
// it. This is the startup integrity check: a database that verifies here for
// the second time is promoted to last-known-good. If the active files fail,
// the store rolls back to the last-known-good copy and logs the rollback.
func (s *Store) Open() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return 0, errors.New(err).
			Component("signature").
			Category(errors.CategoryFileIO).
			Context("operation", "create-store-dir").
			Build()
	}

	st, err := readState(s.dir)
	if err != nil {
		s.log.Warn("signature state unreadable, resetting verification count", logger.Error(err))
	}
	s.state = st

	if lkgDB, lkgErr := s.verifyFiles(s.lkgPayloadPath()); lkgErr == nil {
		s.lkg = lkgDB
	} else if !errors.Is(lkgErr, ErrNoDatabase) {
		s.log.Warn("last-known-good database failed verification", logger.Error(lkgErr))
	}

	db, err := s.verifyFiles(s.payloadPath())
	if err != nil {
		if errors.Is(err, ErrNoDatabase) && s.lkg == nil {
			return 0, errors.New(err).
				Component("signature").
				Category(errors.CategoryNotFound).
				Context("dir", s.dir).
				Build()
		}
		s.log.Error("active signature database failed startup verification", logger.Error(err))
		return s.rollbackLocked("startup verification failed")
	}

	s.swap(db)
	if err := s.markVerifiedLocked(db); err != nil {
		s.log.Warn("failed to record verification", logger.Error(err))
	}
	s.log.Info("signature database opened",
		logger.Uint64("version", db.Version()),
		logger.Int("records", db.Len()),
		logger.Int("verifications", s.state.Verifications))
	return db.Version(), nil
}

// Install persists a verified database with its manifest and swaps it in. The
// persisted copy is read back and verified again (the first of the two
// verifications); if that fails the store rolls back.
func (s *Store) Install(db *Database, m Manifest) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMonotonic(db); err != nil {
		return s.Version(), err
	}
	if db.Version() == s.Version() {
		return s.Version(), nil
	}
	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return s.Version(), errors.New(err).
			Component("signature").
			Category(errors.CategoryFileIO).
			Build()
	}

	if err := s.retainKnownGoodLocked(); err != nil {
		return s.Version(), errors.New(err).
			Component("signature").
			Category(errors.CategoryFileIO).
			Context("operation", "retain-last-known-good").
			Build()
	}

	if err := WriteFiles(s.payloadPath(), db, m); err != nil {
		return s.Version(), errors.New(err).
			Component("signature").
			Category(errors.CategoryFileIO).
			Context("operation", "persist-database").
			Build()
	}

	prev := s.swap(db)

	persisted, err := s.verifyFiles(s.payloadPath())
	if err == nil && persisted.DigestHex() != db.DigestHex() {
		err = integrityError(ErrDigestMismatch, db.Version())
	}
	if err != nil {
		s.log.Error("persisted database failed verification after install",
			logger.Uint64("version", db.Version()),
			logger.Error(err))
		if _, rbErr := s.rollbackLocked("install verification failed"); rbErr != nil {
			s.swap(prev)
		}
		return s.Version(), err
	}

	s.state = diskState{Version: db.Version(), Digest: db.DigestHex()}
	if err := s.markVerifiedLocked(db); err != nil {
		s.log.Warn("failed to record verification", logger.Error(err))
	}

	s.log.Info("signature database installed",
		logger.Uint64("previous_version", prev.Version()),
		logger.Uint64("version", db.Version()),
		logger.Int("records", db.Len()))
	return db.Version(), nil
}

// MarkVerified records a successful verification of the active database.
func (s *Store) MarkVerified() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markVerifiedLocked(s.Current())
}

func (s *Store) markVerifiedLocked(db *Database) error {
	if s.state.Digest != db.DigestHex() {
		s.state = diskState{Version: db.Version(), Digest: db.DigestHex()}
	}
	s.state.Verifications++
	if err := writeState(s.dir, s.state); err != nil {
		return err
	}
	if s.state.Verifications >= RequiredVerifications && (s.lkg == nil || s.lkg.DigestHex() != db.DigestHex()) {
		return s.promoteLocked(db)
	}
	return nil
}

// retainKnownGoodLocked copies the active files into lkg/ before they are
// replaced. Files that no longer verify leave the existing LKG in place.
func (s *Store) retainKnownGoodLocked() error {
	cur := s.Current()
	if cur.Version() == 0 {
		return nil
	}
	if s.lkg != nil && s.lkg.DigestHex() == cur.DigestHex() {
		return nil
	}
	onDisk, err := s.verifyFiles(s.payloadPath())
	if err == nil && onDisk.DigestHex() != cur.DigestHex() {
		err = integrityError(ErrDigestMismatch, cur.Version())
	}
	if err != nil {
		s.log.Warn("active database files do not verify, keeping last-known-good",
			logger.Uint64("version", cur.Version()),
			logger.Error(err))
		return nil
	}
	return s.promoteLocked(cur)
}

func (s *Store) promoteLocked(db *Database) error {
	if err := os.MkdirAll(filepath.Join(s.dir, lkgDirName), dirPerm); err != nil {
		return err
	}
	if err := copyFileAtomic(s.payloadPath(), s.lkgPayloadPath()); err != nil {
		return err
	}
	if err := copyFileAtomic(ManifestPath(s.payloadPath()), ManifestPath(s.lkgPayloadPath())); err != nil {
		return err
	}
	s.lkg = db
	s.log.Info("database promoted to last-known-good", logger.Uint64("version", db.Version()))
	return nil
}

// Rollback restores the last-known-good database, both in memory and on
// disk. This is the only path by which the active version may decrease.
func (s *Store) Rollback(reason string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackLocked(reason)
}

func (s *Store) rollbackLocked(reason string) (uint64, error) {
	from := s.Version()

	lkg, err := s.verifyFiles(s.lkgPayloadPath())
	if err != nil {
		logger.Critical(s.log, "rollback impossible: no valid last-known-good database",
			logger.String("reason", reason),
			logger.Error(err))
		return from, errors.New(ErrNoKnownGood).
			Component("signature").
			Category(errors.CategoryIntegrity).
			Priority(errors.PriorityCritical).
			Context("reason", reason).
			Build()
	}

	if err := copyFileAtomic(s.lkgPayloadPath(), s.payloadPath()); err != nil {
		return from, errors.New(err).Component("signature").Category(errors.CategoryFileIO).Build()
	}
	if err := copyFileAtomic(ManifestPath(s.lkgPayloadPath()), ManifestPath(s.payloadPath())); err != nil {
		return from, errors.New(err).Component("signature").Category(errors.CategoryFileIO).Build()
	}

	s.lkg = lkg
	s.swap(lkg)
	s.state = diskState{Version: lkg.Version(), Digest: lkg.DigestHex(), Verifications: RequiredVerifications}
	if err := writeState(s.dir, s.state); err != nil {
		s.log.Warn("failed to record rollback state", logger.Error(err))
	}

	s.log.Warn("signature database rolled back to last-known-good",
		logger.String("reason", reason),
		logger.Uint64("from_version", from),
		logger.Uint64("to_version", lkg.Version()))
	return lkg.Version(), nil
}

func (s *Store) checkMonotonic(db *Database) error {
	cur := s.Current()
	if db.Version() < cur.Version() || (db.Version() == cur.Version() && db.DigestHex() != cur.DigestHex() && cur.Version() != 0) {
		return errors.New(ErrVersionRegression).
			Component("signature").
			Category(errors.CategoryIntegrity).
			Context("active_version", cur.Version()).
			Context("offered_version", db.Version()).
			Build()
	}
	return nil
}

func (s *Store) verifyFiles(path string) (*Database, error) {
	payload, m, err := readFiles(path)
	if err != nil {
		if errors.Is(err, ErrNoDatabase) {
			return nil, err
		}
		return nil, integrityError(err, m.Version)
	}
	return VerifyPayload(s.pub, payload, m)
}

func (s *Store) payloadPath() string { return filepath.Join(s.dir, PayloadFile) }

func (s *Store) lkgPayloadPath() string { return filepath.Join(s.dir, lkgDirName, PayloadFile) }
