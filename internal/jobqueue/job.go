package jobqueue

import (
	"time"
)

// Job represents a unit of work in the job queue
type Job struct {
	ID          string      // Unique ID for this job
	Action      Action      // The action to execute
	Data        any         // Data for the action
	Attempts    int         // Number of attempts made so far
	MaxAttempts int         // Maximum number of attempts allowed
	CreatedAt   time.Time   // When the job was created
	NextRetryAt time.Time   // When to next attempt the job
	Status      JobStatus   // Current status of the job
	LastError   error       // Last error encountered
	Config      RetryConfig // Retry configuration for this job

	onFinished func(Result)
}

// Result is delivered once per job when it completes or permanently fails.
type Result struct {
	JobID    string
	Attempts int
	Err      error // nil on success
}

// EnqueueOption customizes a single job.
type EnqueueOption func(*Job)

// WithOnFinished registers a callback run after the job's final attempt.
func WithOnFinished(fn func(Result)) EnqueueOption {
	return func(j *Job) { j.onFinished = fn }
}

// JobStats tracks statistics about job processing
type JobStats struct {
	TotalJobs      int
	SuccessfulJobs int
	FailedJobs     int
	DroppedJobs    int
	RetryAttempts  int
	ActionStats    map[string]ActionStats // Key is the action description
}

// JobStatsSnapshot provides a point-in-time snapshot of job statistics
type JobStatsSnapshot struct {
	TotalJobs      int `json:"total"`
	SuccessfulJobs int `json:"successful"`
	FailedJobs     int `json:"failed"`
	DroppedJobs    int `json:"dropped"`
	RetryAttempts  int `json:"retry_attempts"`

	PendingJobs      int     `json:"pending"`
	MaxQueueSize     int     `json:"max_size"`
	QueueUtilization float64 `json:"utilization"`

	ActionStats map[string]ActionStats `json:"actions"`
}

// ActionStats tracks statistics for a specific action type
type ActionStats struct {
	Attempted  int `json:"attempted"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Retried    int `json:"retried"`

	TotalDuration     time.Duration `json:"total_duration"`
	MaxDuration       time.Duration `json:"max_duration"`
	LastExecutionTime time.Time     `json:"last_execution"`
	LastErrorMessage  string        `json:"last_error,omitempty"`
}
