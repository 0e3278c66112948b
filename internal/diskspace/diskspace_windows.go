//go:build windows

package diskspace

import (
	"syscall"
	"unsafe"
)

var getDiskFreeSpaceEx = syscall.NewLazyDLL("kernel32.dll").NewProc("GetDiskFreeSpaceExW")

// Stat returns space information for the volume containing path.
func Stat(path string) (Info, error) {
	utf16Path, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return Info{}, statError(err, path, "utf16_conversion")
	}

	var freeAvailable, total, totalFree uint64
	r, _, callErr := getDiskFreeSpaceEx.Call(
		uintptr(unsafe.Pointer(utf16Path)),
		uintptr(unsafe.Pointer(&freeAvailable)),
		uintptr(unsafe.Pointer(&total)),
		uintptr(unsafe.Pointer(&totalFree)),
	)
	if r == 0 {
		return Info{}, statError(callErr, path, "get_disk_free_space")
	}
	return Info{TotalBytes: total, AvailableBytes: freeAvailable}, nil
}
