package detector

import "github.com/sentinel-av/sentinel/internal/logger"

// GetLogger returns the detector module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("detector")
}
