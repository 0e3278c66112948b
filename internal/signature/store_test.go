package signature_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/signature"
	"github.com/sentinel-av/sentinel/internal/signature/signaturetest"
)

func newStore(t *testing.T, dir string) *signature.Store {
	t.Helper()
	k := signaturetest.Key(t)
	return signature.NewStore(&k.PublicKey, dir, signature.WithBloom(1000, 0.01))
}

func TestStoreLookupAfterOpen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := signaturetest.OpenStore(t, dir, signaturetest.Database(t, 1, signaturetest.EICARRecord()))

	h := signaturetest.HashHex([]byte(signaturetest.EICAR))
	for range 2 {
		rec, ok := s.Lookup(h)
		require.True(t, ok)
		assert.Equal(t, signaturetest.EICARThreat, rec.ThreatName)
	}

	_, ok := s.Lookup(signaturetest.HashHex([]byte("harmless")))
	assert.False(t, ok)
	_, ok = s.Lookup("not-hex")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), s.Version())
	assert.Positive(t, s.Rules().Len())
}

func TestOpenEmptyDirIsNotFound(t *testing.T) {
	t.Parallel()

	s := newStore(t, t.TempDir())
	_, err := s.Open()
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	require.ErrorIs(t, err, signature.ErrNoDatabase)
	assert.Equal(t, uint64(0), s.Version())
}

func TestLoadDatabaseFailsClosed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := signaturetest.OpenStore(t, dir, signaturetest.Database(t, 1, signaturetest.EICARRecord()))

	// A signed v2 whose payload is altered after signing.
	other := t.TempDir()
	v2 := signaturetest.Database(t, 2, signaturetest.EICARRecord(),
		signaturetest.Record("SIG-2", "Other", []byte("other"), signature.SeverityHigh))
	path := signaturetest.Write(t, other, signaturetest.Key(t), v2)

	tampered, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered[len(tampered)/2] ^= 0x01
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	version, err := s.LoadDatabase(path)
	require.Error(t, err)
	assert.True(t, errors.IsIntegrity(err))
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, uint64(1), s.Version(), "old version stays active")
}

func TestLoadDatabaseRejectsForeignKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	foreign, err := signature.GenerateKey()
	require.NoError(t, err)
	path := signaturetest.Write(t, dir, foreign, signaturetest.Database(t, 5))

	s := newStore(t, t.TempDir())
	_, err = s.LoadDatabase(path)
	require.ErrorIs(t, err, signature.ErrBadSignature)
	assert.True(t, errors.IsIntegrity(err))
	assert.Equal(t, uint64(0), s.Version())
}

func TestLoadDatabaseRejectsOlderVersion(t *testing.T) {
	t.Parallel()

	s := signaturetest.OpenStore(t, t.TempDir(), signaturetest.Database(t, 4))
	path := signaturetest.Write(t, t.TempDir(), signaturetest.Key(t), signaturetest.Database(t, 3))

	_, err := s.LoadDatabase(path)
	require.ErrorIs(t, err, signature.ErrVersionRegression)
	assert.Equal(t, uint64(4), s.Version())
}

func TestLastKnownGoodLifecycle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	v1 := signaturetest.Database(t, 1, signaturetest.EICARRecord())

	s := newStore(t, dir)
	signaturetest.Install(t, s, v1)
	assert.Equal(t, 1, s.Verifications())
	_, ok := s.LastKnownGood()
	assert.False(t, ok, "not promoted until the startup check")

	// Restart: second verification promotes v1.
	s = newStore(t, dir)
	version, err := s.Open()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, 2, s.Verifications())
	lkg, ok := s.LastKnownGood()
	require.True(t, ok)
	assert.Equal(t, uint64(1), lkg.Version())

	v2 := signaturetest.Database(t, 2, signaturetest.EICARRecord(),
		signaturetest.Record("SIG-2", "Other", []byte("other"), signature.SeverityHigh))
	signaturetest.Install(t, s, v2)
	assert.Equal(t, uint64(2), s.Version())
	lkg, _ = s.LastKnownGood()
	assert.Equal(t, uint64(1), lkg.Version(), "v1 retained until v2 verifies twice")

	// Corrupt the active payload; the next startup rolls back to v1.
	payload := filepath.Join(dir, signature.PayloadFile)
	require.NoError(t, os.WriteFile(payload, []byte(`{"version":2,"records":[],"rules":[]}`), 0o600))

	s = newStore(t, dir)
	version, err = s.Open()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, uint64(1), s.Version())
	_, ok = s.Lookup(signaturetest.HashHex([]byte(signaturetest.EICAR)))
	assert.True(t, ok)

	// The restored files verify on their own.
	s = newStore(t, dir)
	version, err = s.Open()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
}

func TestInstallRetainsOnceVerifiedPredecessor(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	v1 := signaturetest.Database(t, 1, signaturetest.EICARRecord())
	v2 := signaturetest.Database(t, 2, signaturetest.EICARRecord(),
		signaturetest.Record("SIG-2", "Other", []byte("other"), signature.SeverityHigh))
	v3 := signaturetest.Database(t, 3, signaturetest.EICARRecord(),
		signaturetest.Record("SIG-3", "Third", []byte("third"), signature.SeverityHigh))

	s := newStore(t, dir)
	signaturetest.Install(t, s, v1)
	require.NoError(t, s.MarkVerified())
	signaturetest.Install(t, s, v2)
	require.Equal(t, 1, s.Verifications())

	signaturetest.Install(t, s, v3)
	lkg, ok := s.LastKnownGood()
	require.True(t, ok)
	assert.Equal(t, uint64(2), lkg.Version(), "v2 retained although it verified only once")

	// v3 corrupted before its startup check: restart falls back to v2.
	payload := filepath.Join(dir, signature.PayloadFile)
	require.NoError(t, os.WriteFile(payload, []byte(`{"version":3,"records":[],"rules":[]}`), 0o600))

	s = newStore(t, dir)
	version, err := s.Open()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)
	_, ok = s.Lookup(signaturetest.HashHex([]byte("other")))
	assert.True(t, ok)
}

func TestInstallKeepsKnownGoodWhenActiveFilesAreDamaged(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newStore(t, dir)
	signaturetest.Install(t, s, signaturetest.Database(t, 1, signaturetest.EICARRecord()))
	require.NoError(t, s.MarkVerified())
	signaturetest.Install(t, s, signaturetest.Database(t, 2, signaturetest.EICARRecord()))

	payload := filepath.Join(dir, signature.PayloadFile)
	require.NoError(t, os.WriteFile(payload, []byte("{}"), 0o600))

	signaturetest.Install(t, s, signaturetest.Database(t, 3, signaturetest.EICARRecord()))
	lkg, ok := s.LastKnownGood()
	require.True(t, ok)
	assert.Equal(t, uint64(1), lkg.Version())
}

func TestOpenWithoutKnownGoodIsCritical(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newStore(t, dir)
	signaturetest.Install(t, s, signaturetest.Database(t, 1, signaturetest.EICARRecord()))

	manifest := signature.ManifestPath(filepath.Join(dir, signature.PayloadFile))
	require.NoError(t, os.WriteFile(manifest, []byte("{}"), 0o600))

	s = newStore(t, dir)
	_, err := s.Open()
	require.Error(t, err)
	assert.True(t, errors.IsIntegrity(err))
	require.ErrorIs(t, err, signature.ErrNoKnownGood)
	assert.Equal(t, uint64(0), s.Version())
}

func TestExplicitRollback(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newStore(t, dir)
	_, err := s.Rollback("no snapshot yet")
	require.ErrorIs(t, err, signature.ErrNoKnownGood)

	signaturetest.Install(t, s, signaturetest.Database(t, 1))
	require.NoError(t, s.MarkVerified())
	signaturetest.Install(t, s, signaturetest.Database(t, 2))
	require.Equal(t, uint64(2), s.Version())

	version, err := s.Rollback("operator request")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, uint64(1), s.Version())
}

func TestReadersSeeWholeSnapshots(t *testing.T) {
	t.Parallel()

	a := []byte("first")
	b := []byte("second")
	s := newStore(t, t.TempDir())
	signaturetest.Install(t, s, signaturetest.Database(t, 1,
		signaturetest.Record("A", "A", a, signature.SeverityHigh)))

	v2 := signaturetest.Database(t, 2,
		signaturetest.Record("A", "A", a, signature.SeverityHigh),
		signaturetest.Record("B", "B", b, signature.SeverityHigh))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Go(func() {
			for {
				select {
				case <-stop:
					return
				default:
				}
				db := s.Current()
				_, hasB := db.Lookup(signature.SHA256Key(signaturetest.HashHex(b)))
				if db.Version() == 1 {
					assert.False(t, hasB)
				} else {
					assert.True(t, hasB)
				}
			}
		})
	}

	signaturetest.Install(t, s, v2)
	close(stop)
	wg.Wait()
	assert.Equal(t, uint64(2), s.Version())
}
