package signature

import "github.com/sentinel-av/sentinel/internal/logger"

// GetLogger returns the signature package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("signature")
}
