package quarantine

import (
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/sentinel-av/sentinel/internal/errors"
)

const (
	dirPerm  os.FileMode = 0o700
	filePerm os.FileMode = 0o600

	blobDirName = "blobs"
	blobExt     = ".blob"
	tmpExt      = ".tmp"
	logFileName = "records.log"

	wipeChunk = 64 * 1024
)

// writeFileFrom streams the content fill writes to path through a temp file
// and rename, syncing the file and its directory so the result survives a
// crash. Nothing appears at path unless fill succeeds.
func writeFileFrom(path string, perm os.FileMode, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*"+tmpExt)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// secureDelete overwrites path with random data passes times, syncing after
// each pass, then unlinks it. The file is first renamed aside, so a path that
// cannot be unlinked keeps its content. A missing file is not an error.
func secureDelete(path string, passes int) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	doomed := path + ".wipe-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	if err := os.Rename(path, doomed); err != nil {
		return err
	}

	if info.Mode().IsRegular() && passes > 0 && info.Size() > 0 {
		if err := overwrite(doomed, info.Size(), passes); err != nil && !os.IsPermission(err) {
			// The file is already out of place; unlink it regardless.
			_ = os.Remove(doomed)
			return err
		}
	}

	if err := os.Remove(doomed); err != nil && !os.IsNotExist(err) {
		return err
	}
	return syncDir(filepath.Dir(path))
}

func overwrite(path string, size int64, passes int) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, wipeChunk)
	for range passes {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		for remaining := size; remaining > 0; {
			n := min(remaining, int64(len(buf)))
			if _, err := rand.Read(buf[:n]); err != nil {
				return err
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return err
			}
			remaining -= n
		}
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// lockFile removes all permissions from path so it can be neither read nor
// executed by unprivileged users.
func lockFile(path string) error {
	return os.Chmod(path, 0)
}

func fileError(err error, op, path string) error {
	if err == nil {
		return nil
	}
	return errors.New(err).
		Component("quarantine").
		Category(errors.CategoryQuarantine).
		Context("operation", op).
		Context("path", path).
		Build()
}
