package signature

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// PayloadFile and ManifestFile are the active database inside a store directory.
	PayloadFile  = "signatures.json"
	ManifestFile = "signatures.manifest.json"

	lkgDirName = "lkg"
	stateFile  = "state.json"

	dirPerm  = 0o700
	filePerm = 0o600
)

// ManifestPath returns the manifest that accompanies a payload file:
// "x.json" pairs with "x.manifest.json".
func ManifestPath(payloadPath string) string {
	return strings.TrimSuffix(payloadPath, filepath.Ext(payloadPath)) + ".manifest.json"
}

// diskState tracks how many times the active database verified.
type diskState struct {
	Version       uint64 `json:"version"`
	Digest        string `json:"digest"`
	Verifications int    `json:"verifications"`
}

func readState(dir string) (diskState, error) {
	var st diskState
	data, err := os.ReadFile(filepath.Join(dir, stateFile)) //nolint:gosec // store-owned path
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		// A damaged counter only delays LKG promotion
		return diskState{}, nil
	}
	return st, nil
}

func writeState(dir string, st diskState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, stateFile), data)
}

// WriteFiles writes a payload and its manifest as a database pair. The
// manifest is renamed into place last so a reader never pairs a new manifest
// with an old payload.
func WriteFiles(payloadPath string, db *Database, m Manifest) error {
	mdata, err := encodeManifest(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(payloadPath), dirPerm); err != nil {
		return err
	}
	if err := writeFileAtomic(payloadPath, db.Payload()); err != nil {
		return err
	}
	return writeFileAtomic(ManifestPath(payloadPath), mdata)
}

func readFiles(payloadPath string) ([]byte, Manifest, error) {
	payload, err := os.ReadFile(payloadPath) //nolint:gosec // store-owned path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Manifest{}, fmt.Errorf("%w: %s", ErrNoDatabase, payloadPath)
		}
		return nil, Manifest{}, err
	}
	mdata, err := os.ReadFile(ManifestPath(payloadPath)) //nolint:gosec // store-owned path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Manifest{}, fmt.Errorf("%w: manifest missing for %s", ErrNoDatabase, payloadPath)
		}
		return nil, Manifest{}, err
	}
	m, err := decodeManifest(mdata)
	if err != nil {
		return nil, Manifest{}, err
	}
	return payload, m, nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	syncDir(dir)
	return nil
}

func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // store-owned path
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	return writeFileAtomic(dst, data)
}

// syncDir flushes a directory entry after rename. Not supported on Windows.
func syncDir(dir string) {
	d, err := os.Open(dir) //nolint:gosec // store-owned path
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
