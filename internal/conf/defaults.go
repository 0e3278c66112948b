// conf/defaults.go default values for settings
package conf

import (
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/sentinel-av/sentinel/internal/cpuspec"
)

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("main.name", "sentinel")
	v.SetDefault("main.datadir", defaultDataDir())

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", true)
	v.SetDefault("logging.file_output.path", "logs/sentinel.log")
	v.SetDefault("logging.file_output.level", "info")

	v.SetDefault("signatures.path", "signatures")
	v.SetDefault("signatures.publickeypath", "keys/update_public.pem")
	v.SetDefault("signatures.expectedrecords", 1_000_000)
	v.SetDefault("signatures.bloomfprate", 0.001)

	v.SetDefault("update.maxattempts", 3)
	v.SetDefault("update.initialbackoff", 30*time.Second)
	v.SetDefault("update.maxbackoff", 30*time.Minute)
	v.SetDefault("update.multiplier", 2.0)
	v.SetDefault("update.failurethreshold", 3)

	v.SetDefault("detector.budget", 100*time.Millisecond)
	v.SetDefault("detector.maliciousthreshold", 0.8)
	v.SetDefault("detector.suspiciousthreshold", 0.4)
	v.SetDefault("detector.maxcontentbytes", 10*1024*1024)
	v.SetDefault("detector.behaviorwindow", 60*time.Second)
	v.SetDefault("detector.behaviormaxevents", 256)
	v.SetDefault("detector.cachettl", 10*time.Minute)
	v.SetDefault("detector.suspiciousextensions", []string{
		".exe", ".dll", ".scr", ".bat", ".cmd", ".ps1", ".vbs", ".js", ".jar", ".msi", ".hta", ".lnk",
	})
	v.SetDefault("detector.extensionweight", 0.1)

	v.SetDefault("quarantine.dir", "quarantine")
	v.SetDefault("quarantine.keyfile", "keys/vault.key")
	v.SetDefault("quarantine.securedeletepasses", 3)
	v.SetDefault("quarantine.minfreemb", 64)
	v.SetDefault("quarantine.maxretries", 3)
	v.SetDefault("quarantine.retrydelay", 500*time.Millisecond)
	v.SetDefault("quarantine.maxretrydelay", 10*time.Second)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.paths", []string{})
	v.SetDefault("monitor.recursive", true)
	v.SetDefault("monitor.coalescewindow", 50*time.Millisecond)
	v.SetDefault("monitor.queuesize", 1024)
	v.SetDefault("monitor.processes", true)
	v.SetDefault("monitor.processpollinterval", 2*time.Second)

	v.SetDefault("scanner.workers", 0)
	v.SetDefault("scanner.realtimeminworkers", 1)
	v.SetDefault("scanner.queuesize", 4096)
	v.SetDefault("scanner.skipextensions", []string{
		".mp3", ".mp4", ".avi", ".mkv", ".mov", ".flac", ".wav", ".jpg", ".jpeg", ".png", ".gif", ".iso",
	})
	v.SetDefault("scanner.skipdirs", []string{"node_modules", ".git", ".svn", "venv", ".venv", "__pycache__"})
	v.SetDefault("scanner.maxfilesize", 512*1024*1024)
	v.SetDefault("scanner.throttledrate", 50.0)
	v.SetDefault("scanner.realtimelatencycap", 100*time.Millisecond)

	v.SetDefault("resources.sampleinterval", 2*time.Second)
	v.SetDefault("resources.window", 5)
	v.SetDefault("resources.cpulimitpercent", 30.0)
	v.SetDefault("resources.memorylimitmb", 512.0)
	v.SetDefault("resources.resumehysteresis", 10.0)
	v.SetDefault("resources.cooldown", 30*time.Second)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "history.db")
	v.SetDefault("history.retention", 90*24*time.Hour)
	v.SetDefault("history.pruneinterval", 24*time.Hour)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", "127.0.0.1:8765")
	v.SetDefault("api.token", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "127.0.0.1:9464")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
}

// DefaultWorkers sizes the scan pool from the host processor.
func DefaultWorkers() int {
	return cpuspec.Detect().ScanWorkers()
}

func defaultDataDir() string {
	switch runtime.GOOS {
	case osWindows:
		return `C:\ProgramData\Sentinel`
	case osDarwin:
		return "/Library/Application Support/Sentinel"
	default:
		return "/var/lib/sentinel"
	}
}
