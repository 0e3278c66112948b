//go:build windows

package quarantine

import (
	"os"
)

// captureOwnership is a no-op on Windows
func captureOwnership(rec *Record, info os.FileInfo) {}

// restoreOwnership is a no-op on Windows
func restoreOwnership(path string, rec *Record) error { return nil }
