package quarantine

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sentinel-av/sentinel/internal/errors"
)

// Sentinel errors. They are wrapped in EnhancedError; test with errors.Is.
var (
	ErrPathConflict   = errors.NewStd("original path is occupied by different content")
	ErrNotFound       = errors.NewStd("quarantine record not found")
	ErrInvalidState   = errors.NewStd("operation not allowed in current record state")
	ErrBlobMissing    = errors.NewStd("quarantine blob missing")
	ErrCorruptBlob    = errors.NewStd("quarantine blob failed authentication")
	ErrNotRegular     = errors.NewStd("target is not a regular file")
	ErrVaultClosed    = errors.NewStd("quarantine vault is closed")
	ErrOriginalInUse  = errors.NewStd("original could not be removed or locked")
	ErrContentChanged = errors.NewStd("file changed while it was being quarantined")
)

// Status is the lifecycle state of a quarantine record.
type Status int

const (
	StatusActive Status = iota
	StatusRestored
	StatusDeleted
)

var statusNames = [...]string{"active", "restored", "deleted"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	st, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseStatus parses a status name.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if strings.EqualFold(n, name) {
			return Status(i), nil
		}
	}
	return StatusActive, fmt.Errorf("unknown quarantine status %q", name)
}

// Record tracks one isolated artifact.
type Record struct {
	ID             string      `json:"id"`
	OriginalPath   string      `json:"original_path"`
	ContentHash    string      `json:"content_hash"`
	Size           int64       `json:"size"`
	Mode           os.FileMode `json:"mode"`
	UID            int         `json:"uid,omitempty"`
	GID            int         `json:"gid,omitempty"`
	ThreatName     string      `json:"threat_name"`
	SignatureID    string      `json:"signature_id,omitempty"`
	Classification string      `json:"classification"`
	Method         string      `json:"method"`
	Score          float64     `json:"score"`
	DBVersion      uint64      `json:"db_version"`
	Status         Status      `json:"status"`
	QuarantinedAt  time.Time   `json:"quarantined_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	// Locked is set when the original could not be removed and was made
	// inaccessible instead.
	Locked bool `json:"locked,omitempty"`
}

// Filter selects records from History. Zero fields match everything.
type Filter struct {
	Status     *Status
	Since      time.Time
	Until      time.Time
	PathPrefix string
	ThreatName string
}

func (f Filter) match(r *Record) bool {
	switch {
	case f.Status != nil && r.Status != *f.Status:
		return false
	case !f.Since.IsZero() && r.QuarantinedAt.Before(f.Since):
		return false
	case !f.Until.IsZero() && r.QuarantinedAt.After(f.Until):
		return false
	case f.PathPrefix != "" && !strings.HasPrefix(r.OriginalPath, f.PathPrefix):
		return false
	case f.ThreatName != "" && !strings.EqualFold(r.ThreatName, f.ThreatName):
		return false
	}
	return true
}

// RestoreOptions adjusts Restore.
type RestoreOptions struct {
	// Path restores to a different location than the original.
	Path string
	// Overwrite replaces different content at the destination.
	Overwrite bool
}

// ReconcileReport summarizes a reconciliation pass.
type ReconcileReport struct {
	OrphanBlobsRemoved []string `json:"orphan_blobs_removed,omitempty"`
	TempFilesRemoved   int      `json:"temp_files_removed"`
	BlobMissing        []string `json:"blob_missing,omitempty"`
	OriginalsRemoved   []string `json:"originals_removed,omitempty"`
	Records            int      `json:"records"`
}
