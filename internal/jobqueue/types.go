// Package jobqueue runs actions with retry and exponential backoff. The
// scanner uses it so that a failed quarantine is retried and, if it still
// fails, reported instead of dropped.
package jobqueue

import (
	"context"
	"time"

	"github.com/sentinel-av/sentinel/internal/errors"
)

// Common errors that can be returned by job queue operations
var (
	ErrNilAction    = errors.NewStd("cannot enqueue nil action")
	ErrQueueStopped = errors.NewStd("job queue has been stopped")
	ErrQueueFull    = errors.NewStd("job queue is full")
)

// RetryConfig holds the configuration for retry behavior of an action
type RetryConfig struct {
	Enabled      bool          // Whether retry is enabled for this action
	MaxRetries   int           // Maximum number of retry attempts
	InitialDelay time.Duration // Initial delay before first retry
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Backoff multiplier for each subsequent retry
}

// Action is a unit of work the queue can execute and retry.
type Action interface {
	Execute(ctx context.Context, data any) error
	Description() string
}

// ActionFunc adapts a function to Action.
type ActionFunc struct {
	Name string
	Fn   func(ctx context.Context, data any) error
}

// Execute calls Fn.
func (a ActionFunc) Execute(ctx context.Context, data any) error { return a.Fn(ctx, data) }

// Description returns Name.
func (a ActionFunc) Description() string { return a.Name }

// JobStatus represents the current status of a job in the queue
type JobStatus int

const (
	// JobStatusPending indicates the job is waiting to be executed
	JobStatusPending JobStatus = iota
	// JobStatusRunning indicates the job is currently being executed
	JobStatusRunning
	// JobStatusCompleted indicates the job has completed successfully
	JobStatusCompleted
	// JobStatusFailed indicates the job has failed and will not be retried
	JobStatusFailed
	// JobStatusRetrying indicates the job has failed but will be retried
	JobStatusRetrying
)

// String returns a string representation of the job status
func (s JobStatus) String() string {
	switch s {
	case JobStatusPending:
		return "Pending"
	case JobStatusRunning:
		return "Running"
	case JobStatusCompleted:
		return "Completed"
	case JobStatusFailed:
		return "Failed"
	case JobStatusRetrying:
		return "Retrying"
	default:
		return "Unknown"
	}
}
