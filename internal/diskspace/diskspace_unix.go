//go:build !windows

package diskspace

import "syscall"

// Stat returns space information for the filesystem containing path.
func Stat(path string) (Info, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return Info{}, statError(err, path, "statfs")
	}
	bsize := uint64(st.Bsize) //nolint:gosec // block size is positive
	return Info{
		TotalBytes:     st.Blocks * bsize,
		AvailableBytes: st.Bavail * bsize,
	}, nil
}
