package quarantine

import "github.com/sentinel-av/sentinel/internal/logger"

// GetLogger returns the quarantine module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("quarantine")
}
