// Package metrics provides constants used across metric definitions.
package metrics

import "time"

// Operation names recorded through Recorder.
const (
	// OpIsolate is moving a file into quarantine.
	OpIsolate = "isolate"
	// OpRestore is writing a quarantined file back.
	OpRestore = "restore"
	// OpPurge is securely erasing a quarantined blob.
	OpPurge = "purge"
	// OpReconcile is the startup cross-check of blobs against the record log.
	OpReconcile = "reconcile"
	// OpClassify is one detector invocation.
	OpClassify = "classify"
	// OpUpdateApply is applying an update package.
	OpUpdateApply = "update_apply"
	// OpHistorySave is persisting a verdict to scan history.
	OpHistorySave = "history_save"
	// OpHistoryPrune is the retention sweep over scan history.
	OpHistoryPrune = "history_prune"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Histogram bucket configuration constants.
const (
	// BucketStart100us is the starting bucket for 0.1ms histograms (0.1ms to ~400ms range).
	BucketStart100us = 0.0001
	// BucketStart1ms is the starting bucket for 1ms histograms (1ms to ~16s range).
	BucketStart1ms = 0.001

	// BucketFactor2 is the common exponential growth factor of 2 for histogram buckets.
	BucketFactor2 = 2

	// BucketCount12 defines 12 exponential buckets.
	BucketCount12 = 12
	// BucketCount15 defines 15 exponential buckets.
	BucketCount15 = 15
)

// ShutdownTimeout bounds the metrics server shutdown.
const ShutdownTimeout = 5 * time.Second
