package quarantine

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-av/sentinel/internal/detector"
	"github.com/sentinel-av/sentinel/internal/diskspace"
	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/observability/metrics"
)

const eicar = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

func maliciousVerdict(threat string) detector.Verdict {
	return detector.Verdict{
		Classification:     detector.Malicious,
		Method:             detector.MethodHashMatch,
		Score:              1,
		MatchedSignatureID: "SIG-" + threat,
		ThreatName:         threat,
		DBVersion:          1,
	}
}

func openVault(t *testing.T, dir string, opts ...Option) *Vault {
	t.Helper()
	v, err := Open(Config{Dir: dir, SecureDeletePasses: 1}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func writeSample(t *testing.T, dir, name, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	require.NoError(t, os.Chmod(path, mode))
	return path
}

func isolate(t *testing.T, v *Vault, path, threat string) Record {
	t.Helper()
	rec, err := v.Isolate(context.Background(), detector.ScanTarget{Path: path}, maliciousVerdict(threat))
	require.NoError(t, err)
	return rec
}

func logLines(t *testing.T, dir string) int {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, logFileName))
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	require.NoError(t, sc.Err())
	return n
}

func TestIsolateRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	rec := metrics.NewTestRecorder()
	v := openVault(t, t.TempDir(), WithRecorder(rec))
	path := writeSample(t, t.TempDir(), "eicar.com", eicar, 0o640)

	r := isolate(t, v, path, "EICAR-TEST")
	assert.Equal(t, StatusActive, r.Status)
	assert.Equal(t, path, r.OriginalPath)
	assert.Equal(t, "EICAR-TEST", r.ThreatName)
	assert.Equal(t, os.FileMode(0o640), r.Mode)
	assert.NoFileExists(t, path, "original must be gone")

	blob, err := os.ReadFile(v.blobPath(r.ID))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(blob, []byte("EICAR")), "blob must be encrypted")

	restored, err := v.Restore(context.Background(), r.ID, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusRestored, restored.Status)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, eicar, string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	assert.NoFileExists(t, v.blobPath(r.ID))

	assert.Equal(t, 1, rec.GetOperationCount(metrics.OpIsolate, metrics.StatusSuccess))
	assert.Equal(t, 1, rec.GetOperationCount(metrics.OpRestore, metrics.StatusSuccess))
}

func TestRestorePathConflict(t *testing.T) {
	t.Parallel()

	v := openVault(t, t.TempDir())
	dir := t.TempDir()
	path := writeSample(t, dir, "payload.bin", eicar, 0o600)
	r := isolate(t, v, path, "EICAR-TEST")

	require.NoError(t, os.WriteFile(path, []byte("someone else's file"), 0o600))

	_, err := v.Restore(context.Background(), r.ID, RestoreOptions{})
	require.ErrorIs(t, err, ErrPathConflict)
	assert.True(t, errors.IsQuarantine(err))

	got, err := v.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status, "conflict leaves the record active")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "someone else's file", string(data), "conflicting file untouched")

	alt := filepath.Join(dir, "restored", "payload.bin")
	_, err = v.Restore(context.Background(), r.ID, RestoreOptions{Path: alt})
	require.NoError(t, err)
	data, err = os.ReadFile(alt)
	require.NoError(t, err)
	assert.Equal(t, eicar, string(data))
}

func TestRestoreOntoIdenticalContentSucceeds(t *testing.T) {
	t.Parallel()

	v := openVault(t, t.TempDir())
	path := writeSample(t, t.TempDir(), "same.bin", eicar, 0o600)
	r := isolate(t, v, path, "EICAR-TEST")

	require.NoError(t, os.WriteFile(path, []byte(eicar), 0o600))
	restored, err := v.Restore(context.Background(), r.ID, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusRestored, restored.Status)
}

func TestRestoreOverwrite(t *testing.T) {
	t.Parallel()

	v := openVault(t, t.TempDir())
	path := writeSample(t, t.TempDir(), "over.bin", eicar, 0o600)
	r := isolate(t, v, path, "EICAR-TEST")
	require.NoError(t, os.WriteFile(path, []byte("replacement"), 0o600))

	_, err := v.Restore(context.Background(), r.ID, RestoreOptions{Overwrite: true})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, eicar, string(data))
}

func TestPurgeIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	v := openVault(t, dir)
	r := isolate(t, v, writeSample(t, t.TempDir(), "p.bin", eicar, 0o600), "EICAR-TEST")

	purged, err := v.Purge(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, purged.Status)
	assert.NoFileExists(t, v.blobPath(r.ID))
	lines := logLines(t, dir)

	again, err := v.Purge(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, again.Status)
	assert.Equal(t, lines, logLines(t, dir), "no duplicate history entry")
	assert.Len(t, v.History(Filter{}), 1)

	_, err = v.Restore(context.Background(), r.ID, RestoreOptions{})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestUnknownRecord(t *testing.T) {
	t.Parallel()

	v := openVault(t, t.TempDir())
	id := uuid.NewString()

	_, err := v.Restore(context.Background(), id, RestoreOptions{})
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, errors.IsNotFound(err))

	_, err = v.Purge(context.Background(), id)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = v.Get(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIsolateFailureLeavesOriginal(t *testing.T) {
	t.Parallel()

	v := openVault(t, t.TempDir())
	dir := t.TempDir()

	_, err := v.Isolate(context.Background(), detector.ScanTarget{Path: dir}, maliciousVerdict("X"))
	require.ErrorIs(t, err, ErrNotRegular)
	assert.True(t, errors.IsQuarantine(err))
	assert.DirExists(t, dir)

	_, err = v.Isolate(context.Background(), detector.ScanTarget{Path: filepath.Join(dir, "missing")}, maliciousVerdict("X"))
	require.Error(t, err)

	path := writeSample(t, dir, "kept.bin", eicar, 0o600)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = v.Isolate(ctx, detector.ScanTarget{Path: path}, maliciousVerdict("X"))
	require.Error(t, err)
	assert.FileExists(t, path, "a cancelled isolate never starts")

	assert.Empty(t, v.History(Filter{}))
	entries, err := os.ReadDir(v.blobDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIsolateRefusesWhenVaultFilesystemIsFull(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		available uint64
		statErr   error
		wantErr   bool
	}{
		{name: "plenty of space", available: 1 << 30},
		{name: "reserve would be consumed", available: 1 << 20, wantErr: true},
		{name: "stat failure does not block containment", statErr: os.ErrPermission},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			stat := func(string) (diskspace.Info, error) {
				return diskspace.Info{TotalBytes: 1 << 40, AvailableBytes: tt.available}, tt.statErr
			}
			v, err := Open(Config{Dir: t.TempDir(), MinFreeBytes: 1 << 20}, WithDiskStat(stat))
			require.NoError(t, err)
			t.Cleanup(func() { _ = v.Close() })

			path := writeSample(t, t.TempDir(), "sample.bin", eicar, 0o600)
			_, err = v.Isolate(context.Background(), detector.ScanTarget{Path: path}, maliciousVerdict("EICAR"))
			if !tt.wantErr {
				require.NoError(t, err)
				assert.NoFileExists(t, path)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsResourceExhaustion(err))
			assert.FileExists(t, path, "the original stays in place when the vault cannot take it")
			assert.Empty(t, v.History(Filter{}))
		})
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	v, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	r := isolate(t, v, writeSample(t, t.TempDir(), "a.bin", eicar, 0o600), "EICAR-TEST")
	require.NoError(t, v.Close())

	info, err := os.Stat(filepath.Join(dir, "vault.key"))
	require.NoError(t, err)
	assert.Equal(t, filePerm, info.Mode().Perm())

	v2 := openVault(t, dir)
	got, err := v2.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ContentHash, got.ContentHash)
	assert.Equal(t, StatusActive, got.Status)

	_, err = v2.Restore(context.Background(), r.ID, RestoreOptions{})
	require.NoError(t, err, "blob decrypts with the persisted key")
}

func TestReconcile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	v := openVault(t, dir)
	samples := t.TempDir()

	kept := isolate(t, v, writeSample(t, samples, "kept.bin", eicar, 0o600), "EICAR-TEST")
	lost := isolate(t, v, writeSample(t, samples, "lost.bin", "lost body", 0o600), "Lost")
	survivor := isolate(t, v, writeSample(t, samples, "survivor.bin", "survivor body", 0o600), "Survivor")

	orphanID := uuid.NewString()
	require.NoError(t, os.WriteFile(v.blobPath(orphanID), []byte("no record"), filePerm))
	require.NoError(t, os.WriteFile(filepath.Join(v.blobDir, ".x.blob-123.tmp"), []byte("partial"), filePerm))
	require.NoError(t, os.Remove(v.blobPath(lost.ID)))
	// Crash after the record was committed but before the original was removed.
	writeSample(t, samples, "survivor.bin", "survivor body", 0o600)

	report, err := v.Reconcile()
	require.NoError(t, err)

	assert.Equal(t, []string{orphanID}, report.OrphanBlobsRemoved)
	assert.Equal(t, 1, report.TempFilesRemoved)
	assert.Equal(t, []string{lost.ID}, report.BlobMissing)
	assert.Equal(t, []string{survivor.ID}, report.OriginalsRemoved)
	assert.Equal(t, 3, report.Records)

	assert.NoFileExists(t, v.blobPath(orphanID))
	assert.NoFileExists(t, filepath.Join(samples, "survivor.bin"))
	assert.FileExists(t, v.blobPath(kept.ID))
}

func TestTornLogLineIsRecovered(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	v, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	first := isolate(t, v, writeSample(t, t.TempDir(), "a.bin", eicar, 0o600), "EICAR-TEST")
	require.NoError(t, v.Close())

	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"id":"half-writ`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	v2 := openVault(t, dir)
	assert.Len(t, v2.History(Filter{}), 1)
	second := isolate(t, v2, writeSample(t, t.TempDir(), "b.bin", "second body", 0o600), "Second")
	require.NoError(t, v2.Close())

	v3 := openVault(t, dir)
	ids := []string{}
	for _, r := range v3.History(Filter{}) {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)
}

func TestCorruptBlobIsRejected(t *testing.T) {
	t.Parallel()

	v := openVault(t, t.TempDir())
	path := writeSample(t, t.TempDir(), "c.bin", eicar, 0o600)
	r := isolate(t, v, path, "EICAR-TEST")

	blob, err := os.ReadFile(v.blobPath(r.ID))
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff
	require.NoError(t, os.WriteFile(v.blobPath(r.ID), blob, filePerm))

	_, err = v.Restore(context.Background(), r.ID, RestoreOptions{})
	require.ErrorIs(t, err, ErrCorruptBlob)
	assert.NoFileExists(t, path)
}

func randomSample(t *testing.T, dir string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(dir, "sample.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, data
}

func TestFilesRoundTripInSegments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"one byte", 1},
		{"exactly one segment", segmentSize},
		{"several segments", 3*segmentSize + 123},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v := openVault(t, t.TempDir())
			path, data := randomSample(t, t.TempDir(), tt.size)

			r := isolate(t, v, path, "Large.Test")
			assert.Equal(t, int64(tt.size), r.Size)
			info, err := os.Stat(v.blobPath(r.ID))
			require.NoError(t, err)
			assert.Equal(t, sealedSize(int64(tt.size)), info.Size())

			_, err = v.Restore(context.Background(), r.ID, RestoreOptions{})
			require.NoError(t, err)
			got, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got), "restored content differs")
		})
	}
}

func TestRearrangedSegmentsAreRejected(t *testing.T) {
	t.Parallel()

	const stride = segmentSize + 16
	segment := func(blob []byte, i int) []byte {
		start := blobHeaderSize + i*stride
		return blob[start:min(start+stride, len(blob))]
	}

	tests := []struct {
		name   string
		mangle func(blob []byte) []byte
	}{
		{"last segment dropped", func(blob []byte) []byte {
			return blob[:blobHeaderSize+3*stride]
		}},
		{"segments swapped", func(blob []byte) []byte {
			out := slices.Clone(blob[:blobHeaderSize])
			out = append(out, segment(blob, 1)...)
			out = append(out, segment(blob, 0)...)
			return append(out, blob[blobHeaderSize+2*stride:]...)
		}},
		{"segment appended", func(blob []byte) []byte {
			return append(slices.Clone(blob), segment(blob, 1)...)
		}},
		{"tail cut", func(blob []byte) []byte {
			return blob[:len(blob)-5]
		}},
		{"header only", func(blob []byte) []byte {
			return blob[:blobHeaderSize]
		}},
		{"unknown format", func(blob []byte) []byte {
			out := slices.Clone(blob)
			out[0] = 'X'
			return out
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v := openVault(t, t.TempDir())
			path, _ := randomSample(t, t.TempDir(), 3*segmentSize+10)
			r := isolate(t, v, path, "Large.Test")

			blob, err := os.ReadFile(v.blobPath(r.ID))
			require.NoError(t, err)
			require.Len(t, blob, int(sealedSize(r.Size)))
			require.NoError(t, os.WriteFile(v.blobPath(r.ID), tt.mangle(blob), filePerm))

			_, err = v.Restore(context.Background(), r.ID, RestoreOptions{})
			require.ErrorIs(t, err, ErrCorruptBlob)
			assert.NoFileExists(t, path)
			got, err := v.Get(r.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusActive, got.Status)
		})
	}
}

func TestHistoryFilter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Hour)
		return now
	}

	v := openVault(t, t.TempDir(), WithClock(clock))
	samples := t.TempDir()
	a := isolate(t, v, writeSample(t, samples, "a.bin", "a", 0o600), "Trojan.A")
	b := isolate(t, v, writeSample(t, samples, "b.bin", "b", 0o600), "Worm.B")
	sub := filepath.Join(samples, "sub")
	require.NoError(t, os.Mkdir(sub, 0o700))
	c := isolate(t, v, writeSample(t, sub, "c.bin", "c", 0o600), "Trojan.A")
	_, err := v.Purge(context.Background(), b.ID)
	require.NoError(t, err)

	active := StatusActive
	deleted := StatusDeleted

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{a.ID, b.ID, c.ID}},
		{"active", Filter{Status: &active}, []string{a.ID, c.ID}},
		{"deleted", Filter{Status: &deleted}, []string{b.ID}},
		{"threat", Filter{ThreatName: "trojan.a"}, []string{a.ID, c.ID}},
		{"prefix", Filter{PathPrefix: sub}, []string{c.ID}},
		{"since", Filter{Since: b.QuarantinedAt}, []string{b.ID, c.ID}},
		{"until", Filter{Until: a.QuarantinedAt}, []string{a.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var ids []string
			for _, r := range v.History(tt.filter) {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	counts := v.Counts()
	assert.Equal(t, 2, counts[StatusActive])
	assert.Equal(t, 1, counts[StatusDeleted])
}

func TestConcurrentIsolate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	v := openVault(t, dir)
	samples := t.TempDir()

	var wg sync.WaitGroup
	for i := range 20 {
		path := writeSample(t, samples, "f"+strings.Repeat("x", i)+".bin", strings.Repeat("body", i+1), 0o600)
		wg.Go(func() {
			_, err := v.Isolate(context.Background(), detector.ScanTarget{Path: path}, maliciousVerdict("Bulk"))
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.Len(t, v.History(Filter{}), 20)
	assert.Equal(t, 20, logLines(t, dir))
}

func TestLockedOriginalIsRetriedNotDuplicated(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions do not restrict root")
	}
	t.Parallel()

	v := openVault(t, t.TempDir())
	dir := t.TempDir()
	path := writeSample(t, dir, "pinned.bin", eicar, 0o600)
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	r := isolate(t, v, path, "EICAR-TEST")
	assert.True(t, r.Locked)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0), info.Mode().Perm())

	require.NoError(t, os.Chmod(dir, 0o700))
	require.NoError(t, os.Chmod(path, 0o600))
	again := isolate(t, v, path, "EICAR-TEST")
	assert.Equal(t, r.ID, again.ID)
	assert.NoFileExists(t, path)
	assert.Len(t, v.History(Filter{}), 1)
}
