//go:build !windows

package quarantine

import (
	"os"
	"syscall"
)

// captureOwnership copies the owner of info into rec.
func captureOwnership(rec *Record, info os.FileInfo) {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		rec.UID = int(stat.Uid)
		rec.GID = int(stat.Gid)
	}
}

// restoreOwnership gives path back to its recorded owner. Only privileged
// agents can do this; unprivileged callers keep their own ownership.
func restoreOwnership(path string, rec *Record) error {
	if os.Geteuid() != 0 {
		return nil
	}
	return os.Lchown(path, rec.UID, rec.GID)
}
