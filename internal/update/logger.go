package update

import "github.com/sentinel-av/sentinel/internal/logger"

// GetLogger returns the update package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("update")
}
