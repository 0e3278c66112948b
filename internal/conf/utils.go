// conf/utils.go various util functions for configuration package
package conf

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/logger"
)

// OS name constants for runtime.GOOS comparisons.
const (
	osWindows = "windows"
	osDarwin  = "darwin"
)

// GetLogger returns the config package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}

// GetDefaultConfigPaths returns the directories searched for config.yaml, most
// specific first.
func GetDefaultConfigPaths() ([]string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategorySystem).
			Context("operation", "get-executable-path").
			Build()
	}
	exeDir := filepath.Dir(exePath)

	var configPaths []string
	switch runtime.GOOS {
	case osWindows:
		configPaths = []string{
			exeDir,
			filepath.Join(os.Getenv("ProgramData"), "Sentinel"),
		}
	default:
		if cfgDir, err := os.UserConfigDir(); err == nil {
			configPaths = append(configPaths, filepath.Join(cfgDir, "sentinel"))
		}
		configPaths = append(configPaths, "/etc/sentinel", exeDir)
	}

	return append(configPaths, "."), nil
}

// FindConfigFile returns the first config.yaml found in the default paths.
func FindConfigFile() (string, error) {
	paths, err := GetDefaultConfigPaths()
	if err != nil {
		return "", err
	}
	for _, dir := range paths {
		candidate := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errors.Newf("config.yaml not found in %v", paths).
		Category(errors.CategoryNotFound).
		Build()
}
