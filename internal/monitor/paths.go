package monitor

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sentinel-av/sentinel/internal/conf"
	"github.com/sentinel-av/sentinel/internal/logger"
)

// GetLogger returns the module logger for the event monitor
func GetLogger() logger.Logger {
	return logger.Global().Module("monitor")
}

// DefaultWatchPaths returns the directories where new files usually land:
// the user's downloads and desktop, and the system temp directory. Only
// existing directories are returned.
func DefaultWatchPaths() []string {
	candidates := []string{os.TempDir()}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, "Downloads"),
			filepath.Join(home, "Desktop"))
	}

	paths := make([]string, 0, len(candidates))
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			paths = append(paths, p)
		}
	}
	return deduplicatePaths(paths)
}

// WatchPaths returns the configured monitor paths, or the defaults when none
// are configured, with the agent's own data directories removed.
func WatchPaths(settings *conf.Settings) []string {
	configured := settings.Monitor.Paths
	if len(configured) == 0 {
		configured = DefaultWatchPaths()
	}

	excluded := ExcludedPaths(settings)
	paths := make([]string, 0, len(configured))
	for _, p := range deduplicatePaths(configured) {
		skip := false
		for _, ex := range excluded {
			if isWithin(ex, p) {
				skip = true
				break
			}
		}
		if !skip {
			paths = append(paths, p)
		}
	}
	return paths
}

// ExcludedPaths are trees the agent writes to itself and must never watch.
func ExcludedPaths(settings *conf.Settings) []string {
	paths := make([]string, 0, 3)
	if settings.Quarantine.Dir != "" {
		paths = append(paths, settings.Quarantine.Dir)
	}
	if settings.Signatures.Path != "" {
		paths = append(paths, settings.Signatures.Path)
	}
	if settings.History.Enabled && settings.History.Path != "" {
		paths = append(paths, settings.History.Path)
	}
	return deduplicatePaths(paths)
}

// resolvePath converts a relative path to absolute path
func resolvePath(path string) string {
	path = os.ExpandEnv(path)
	path = filepath.Clean(path)

	if !filepath.IsAbs(path) {
		if absPath, err := filepath.Abs(path); err == nil {
			path = absPath
		}
	}
	return path
}

// deduplicatePaths removes duplicate paths and returns unique, cleaned paths
func deduplicatePaths(paths []string) []string {
	seen := make(map[string]bool)
	unique := make([]string, 0, len(paths))

	for _, path := range paths {
		cleaned := filepath.Clean(path)
		if cleaned == "" || cleaned == "." {
			continue
		}
		cleaned = resolvePath(cleaned)
		if !seen[cleaned] {
			seen[cleaned] = true
			unique = append(unique, cleaned)
		}
	}
	return unique
}

// isWithin reports whether path is root or lies below it.
func isWithin(root, path string) bool {
	root = resolvePath(root)
	path = resolvePath(path)
	if root == path {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
