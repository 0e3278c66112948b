package jobqueue

import (
	"time"

	"github.com/sentinel-av/sentinel/internal/logger"
)

// GetLogger returns the jobqueue package logger
func GetLogger() logger.Logger {
	return logger.Global().Module("jobqueue")
}

// LogJobEnqueued logs when a job is successfully enqueued
func LogJobEnqueued(jobID, action string) {
	GetLogger().Debug("job enqueued",
		logger.String("job_id", jobID),
		logger.String("action", action))
}

// LogJobStarted logs when a job attempt starts
func LogJobStarted(jobID, action string, attempt int) {
	GetLogger().Trace("job started",
		logger.String("job_id", jobID),
		logger.String("action", action),
		logger.Int("attempt", attempt))
}

// LogJobCompleted logs when a job completes successfully. First-attempt
// successes are debug; successes after a retry are worth an info line.
func LogJobCompleted(jobID, action string, attempts int, duration time.Duration) {
	fields := []logger.Field{
		logger.String("job_id", jobID),
		logger.String("action", action),
		logger.Int("attempts", attempts),
		logger.Duration("duration", duration),
	}
	if attempts > 1 {
		GetLogger().Info("job succeeded after retry", fields...)
		return
	}
	GetLogger().Debug("job completed", fields...)
}

// LogJobFailed logs a failed attempt. Warn for retryable failures, Error
// once no attempts remain.
func LogJobFailed(jobID, action string, attempt, maxAttempts int, err error) {
	fields := []logger.Field{
		logger.String("job_id", jobID),
		logger.String("action", action),
		logger.Int("attempt", attempt),
		logger.Int("max_attempts", maxAttempts),
		logger.Bool("will_retry", attempt < maxAttempts),
		logger.Error(err),
	}
	if attempt >= maxAttempts {
		GetLogger().Error("job failed permanently", fields...)
		return
	}
	GetLogger().Warn("job failed", fields...)
}
