// Package diskspace reports free space on the filesystem holding a path.
package diskspace

import (
	"github.com/sentinel-av/sentinel/internal/errors"
)

// Info describes the filesystem containing a path.
type Info struct {
	TotalBytes     uint64
	AvailableBytes uint64 // usable by this process, excludes root reserved blocks
}

// UsedPercent returns the share of the filesystem in use.
func (i Info) UsedPercent() float64 {
	if i.TotalBytes == 0 {
		return 0
	}
	return float64(i.TotalBytes-i.AvailableBytes) / float64(i.TotalBytes) * 100
}

func statError(err error, path, op string) error {
	return errors.New(err).
		Component("diskspace").
		Category(errors.CategoryFileIO).
		Context("path", path).
		Context("operation", op).
		Build()
}
