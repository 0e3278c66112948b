package jobqueue

import (
	"context"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sentinel-av/sentinel/internal/errors"
)

const (
	defaultMaxJobs            = 1000
	defaultExecutionTimeout   = 30 * time.Second
	defaultProcessingInterval = 100 * time.Millisecond
)

// JobQueue manages a queue of jobs that can be retried
type JobQueue struct {
	jobs               []*Job
	mu                 sync.Mutex
	stats              JobStats
	jobCounter         int
	runningJobs        sync.WaitGroup // Track running jobs for graceful shutdown
	isRunning          bool
	maxJobs            int // Maximum number of pending jobs in the queue
	executionTimeout   time.Duration
	processCancel      context.CancelFunc
	processDone        chan struct{}
	processingInterval time.Duration
}

// NewJobQueue creates a new job queue with default settings
func NewJobQueue() *JobQueue {
	return NewJobQueueWithOptions(defaultMaxJobs, defaultExecutionTimeout)
}

// NewJobQueueWithOptions creates a new job queue with custom settings
func NewJobQueueWithOptions(maxJobs int, executionTimeout time.Duration) *JobQueue {
	if maxJobs <= 0 {
		maxJobs = defaultMaxJobs
	}
	if executionTimeout <= 0 {
		executionTimeout = defaultExecutionTimeout
	}
	return &JobQueue{
		jobs:               make([]*Job, 0),
		maxJobs:            maxJobs,
		executionTimeout:   executionTimeout,
		processingInterval: defaultProcessingInterval,
		stats: JobStats{
			ActionStats: make(map[string]ActionStats),
		},
	}
}

// SetProcessingInterval sets how often due jobs are picked up
func (q *JobQueue) SetProcessingInterval(interval time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processingInterval = interval
}

// Start starts the job queue processing
func (q *JobQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isRunning {
		return
	}
	q.isRunning = true

	processCtx, cancel := context.WithCancel(ctx)
	q.processCancel = cancel
	q.processDone = make(chan struct{})
	go q.processJobs(processCtx, q.processDone)
}

// Stop stops the job queue processing
func (q *JobQueue) Stop() error {
	return q.StopWithTimeout(10 * time.Second)
}

// StopWithTimeout stops processing and waits for running jobs. Jobs that
// never reached a final state are failed with ErrQueueStopped so their
// callbacks still fire.
func (q *JobQueue) StopWithTimeout(timeout time.Duration) error {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return nil
	}
	q.isRunning = false
	q.processCancel()
	q.processCancel = nil
	done := q.processDone
	q.mu.Unlock()

	<-done

	c := make(chan struct{})
	go func() {
		q.runningJobs.Wait()
		close(c)
	}()

	var err error
	select {
	case <-c:
	case <-time.After(timeout):
		err = fmt.Errorf("timed out waiting for jobs to complete after %v", timeout)
	}

	q.failPending(ErrQueueStopped)
	return err
}

// Enqueue adds a job to the queue. A full queue rejects the job rather than
// dropping an older one.
func (q *JobQueue) Enqueue(action Action, data any, config RetryConfig, opts ...EnqueueOption) (*Job, error) {
	if action == nil {
		return nil, ErrNilAction
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.isRunning {
		return nil, ErrQueueStopped
	}

	if len(q.jobs) >= q.maxJobs {
		q.stats.DroppedJobs++
		return nil, errors.New(fmt.Errorf("%w: maximum queue size (%d) reached", ErrQueueFull, q.maxJobs)).
			Component("jobqueue").
			Category(errors.CategoryJobQueue).
			Context("action", action.Description()).
			Build()
	}

	maxAttempts := 1
	if config.Enabled {
		maxAttempts = config.MaxRetries + 1
	}

	q.jobCounter++
	now := time.Now()
	job := &Job{
		ID:          fmt.Sprintf("job-%d", q.jobCounter),
		Action:      action,
		Data:        data,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		NextRetryAt: now,
		Status:      JobStatusPending,
		Config:      config,
	}
	for _, opt := range opts {
		opt(job)
	}

	q.jobs = append(q.jobs, job)
	q.stats.TotalJobs++
	LogJobEnqueued(job.ID, action.Description())

	return job, nil
}

func (q *JobQueue) processJobs(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	q.mu.Lock()
	interval := q.processingInterval
	q.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.processDueJobs(ctx)
		}
	}
}

// BackoffDelay returns the delay before retry attempt attemptNum (1-based),
// exponential with ±10% jitter and capped at MaxDelay.
func BackoffDelay(config RetryConfig, attemptNum int) time.Duration {
	multiplier := config.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	backoff := float64(config.InitialDelay) * math.Pow(multiplier, float64(max(attemptNum-1, 0)))
	backoff *= 0.9 + 0.2*rand.Float64() //nolint:gosec // jitter does not need crypto randomness

	if config.MaxDelay > 0 && backoff > float64(config.MaxDelay) {
		backoff = float64(config.MaxDelay)
	}
	return time.Duration(backoff)
}

func (q *JobQueue) processDueJobs(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	q.mu.Lock()
	var dueJobs []*Job
	now := time.Now()
	for _, job := range q.jobs {
		if (job.Status == JobStatusPending || job.Status == JobStatusRetrying) && !job.NextRetryAt.After(now) {
			dueJobs = append(dueJobs, job)
			job.Status = JobStatusRunning
		}
	}
	for range dueJobs {
		q.runningJobs.Add(1)
	}
	q.mu.Unlock()

	for _, job := range dueJobs {
		go func(j *Job) {
			defer q.runningJobs.Done()
			q.executeJob(ctx, j)
		}(job)
	}
}

// executeJob runs one attempt and schedules a retry or finishes the job.
func (q *JobQueue) executeJob(ctx context.Context, job *Job) {
	q.mu.Lock()
	job.Attempts++
	attempt := job.Attempts
	if attempt > 1 {
		q.stats.RetryAttempts++
	}
	q.mu.Unlock()

	desc := job.Action.Description()
	LogJobStarted(job.ID, desc, attempt)

	execCtx, cancel := context.WithTimeout(ctx, q.executionTimeout)
	defer cancel()

	start := time.Now()
	resultCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- fmt.Errorf("job execution panicked: %v", r)
			}
		}()
		resultCh <- job.Action.Execute(execCtx, job.Data)
	}()

	var err error
	select {
	case err = <-resultCh:
	case <-execCtx.Done():
		err = fmt.Errorf("job execution interrupted: %w", execCtx.Err())
	}
	duration := time.Since(start)

	q.mu.Lock()
	stats := q.stats.ActionStats[desc]
	stats.Attempted++
	stats.TotalDuration += duration
	stats.MaxDuration = max(stats.MaxDuration, duration)
	stats.LastExecutionTime = start
	if attempt > 1 {
		stats.Retried++
	}

	var finished *Result
	switch {
	case err == nil:
		job.Status = JobStatusCompleted
		job.LastError = nil
		q.stats.SuccessfulJobs++
		stats.Successful++
		finished = &Result{JobID: job.ID, Attempts: attempt}
		LogJobCompleted(job.ID, desc, attempt, duration)
	case attempt >= job.MaxAttempts || ctx.Err() != nil:
		job.Status = JobStatusFailed
		job.LastError = err
		q.stats.FailedJobs++
		stats.Failed++
		stats.LastErrorMessage = err.Error()
		finished = &Result{JobID: job.ID, Attempts: attempt, Err: err}
		LogJobFailed(job.ID, desc, attempt, job.MaxAttempts, err)
	default:
		job.Status = JobStatusRetrying
		job.LastError = err
		stats.LastErrorMessage = err.Error()
		job.NextRetryAt = time.Now().Add(BackoffDelay(job.Config, attempt))
		LogJobFailed(job.ID, desc, attempt, job.MaxAttempts, err)
	}
	q.stats.ActionStats[desc] = stats
	if finished != nil {
		q.removeLocked(job)
	}
	q.mu.Unlock()

	if finished != nil && job.onFinished != nil {
		job.onFinished(*finished)
	}
}

func (q *JobQueue) removeLocked(job *Job) {
	for i, j := range q.jobs {
		if j == job {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return
		}
	}
}

// failPending finishes every job that has not reached a final state.
func (q *JobQueue) failPending(cause error) {
	q.mu.Lock()
	var failed []*Job
	for _, job := range q.jobs {
		if job.Status == JobStatusPending || job.Status == JobStatusRetrying {
			job.Status = JobStatusFailed
			if job.LastError != nil {
				job.LastError = errors.Join(cause, job.LastError)
			} else {
				job.LastError = cause
			}
			q.stats.FailedJobs++
			failed = append(failed, job)
		}
	}
	for _, job := range failed {
		q.removeLocked(job)
	}
	q.mu.Unlock()

	for _, job := range failed {
		if job.onFinished != nil {
			job.onFinished(Result{JobID: job.ID, Attempts: job.Attempts, Err: job.LastError})
		}
	}
}

// GetStats returns a snapshot of the current job statistics
func (q *JobQueue) GetStats() JobStatsSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	return JobStatsSnapshot{
		TotalJobs:        q.stats.TotalJobs,
		SuccessfulJobs:   q.stats.SuccessfulJobs,
		FailedJobs:       q.stats.FailedJobs,
		DroppedJobs:      q.stats.DroppedJobs,
		RetryAttempts:    q.stats.RetryAttempts,
		PendingJobs:      len(q.jobs),
		MaxQueueSize:     q.maxJobs,
		QueueUtilization: float64(len(q.jobs)) / float64(q.maxJobs) * 100,
		ActionStats:      maps.Clone(q.stats.ActionStats),
	}
}

// ProcessImmediately runs any due jobs without waiting for the ticker.
func (q *JobQueue) ProcessImmediately(ctx context.Context) {
	q.processDueJobs(ctx)
}

// Wait blocks until no job is running. Pending retries are not waited for.
func (q *JobQueue) Wait() {
	q.runningJobs.Wait()
}
