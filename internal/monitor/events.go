// Package monitor turns file system notifications and process activity into
// a coalesced, back-pressured stream of scan events, and samples the
// resource usage the orchestrator governs on.
package monitor

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/sentinel-av/sentinel/internal/detector"
)

// EventKind is the kind of activity an Event reports.
type EventKind int

const (
	KindCreated EventKind = iota
	KindModified
	KindDeleted
	KindProcessStart
	KindProcessOperation
	KindProcessExit
)

var eventKindNames = [...]string{"created", "modified", "deleted", "process_start", "process_operation", "process_exit"}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return "unknown"
	}
	return eventKindNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	if k < 0 || int(k) >= len(eventKindNames) {
		return nil, fmt.Errorf("invalid event kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// IsProcess reports whether the event describes a process rather than a file.
func (k EventKind) IsProcess() bool {
	return k == KindProcessStart || k == KindProcessOperation || k == KindProcessExit
}

// maxCoalescedOps bounds the operations carried by one coalesced process event.
const maxCoalescedOps = 256

// Event is one observation from a Source. Path is the file, or the process
// image for process events.
type Event struct {
	Path      string
	PID       int32
	Kind      EventKind
	Op        string
	Timestamp time.Time

	// Ops holds every operation collapsed into a process operation event,
	// oldest first. Op is the most recent one.
	Ops []string
}

// key identifies the stream an event belongs to for coalescing. File events
// coalesce per path; process events per PID.
func (e Event) key() string {
	if e.Kind.IsProcess() {
		return "pid:" + strconv.FormatInt(int64(e.PID), 10)
	}
	return "path:" + e.Path
}

// Target converts the event to the detector's scan target.
func (e Event) Target() detector.ScanTarget {
	if e.Kind.IsProcess() {
		return detector.ScanTarget{Path: e.Path, PID: e.PID, Kind: detector.KindProcess}
	}
	return detector.ScanTarget{Path: e.Path, Kind: detector.KindFile}
}

// merge folds a later event for the same key into e.
func (e *Event) merge(later Event) {
	switch {
	case e.Kind.IsProcess() != later.Kind.IsProcess():
		*e = later
		return
	case later.Kind == KindDeleted || later.Kind == KindProcessExit:
		e.Kind = later.Kind
	case e.Kind == KindDeleted:
		// recreated inside the window
		e.Kind = KindModified
	case e.Kind == KindCreated, e.Kind == KindProcessStart:
		// creation dominates a following modification
	default:
		e.Kind = later.Kind
	}

	if later.Path != "" {
		e.Path = later.Path
	}
	if ops := later.Operations(); len(ops) > 0 {
		e.Ops = slices.Concat(e.Operations(), ops)
		if n := len(e.Ops); n > maxCoalescedOps {
			e.Ops = e.Ops[n-maxCoalescedOps:]
		}
		e.Op = ops[len(ops)-1]
	}
	e.Timestamp = later.Timestamp
}

// Operations returns the operations an event carries in order.
func (e Event) Operations() []string {
	if len(e.Ops) > 0 {
		return e.Ops
	}
	if e.Op != "" {
		return []string{e.Op}
	}
	return nil
}
