// conf/config.go settings for the detection and containment core
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/logger"
	"github.com/sentinel-av/sentinel/internal/secrets"
)

// MainSettings holds agent-wide identity and storage settings.
type MainSettings struct {
	Name    string `yaml:"name"`    // agent name reported in status
	DataDir string `yaml:"datadir"` // base directory for relative data paths
}

// SignatureSettings configures the signature database.
type SignatureSettings struct {
	Path            string  `yaml:"path"`            // directory holding signatures.json + manifest
	PublicKeyPath   string  `yaml:"publickeypath"`   // PEM encoded RSA-2048 public key trusted for manifests and updates
	ExpectedRecords uint    `yaml:"expectedrecords"` // bloom filter sizing hint
	BloomFPRate     float64 `yaml:"bloomfprate"`     // bloom filter false positive rate
}

// UpdateSettings configures update application and retry backoff.
type UpdateSettings struct {
	MaxAttempts      int           `yaml:"maxattempts"`      // attempts for retryable update errors
	InitialBackoff   time.Duration `yaml:"initialbackoff"`   // delay before the first retry
	MaxBackoff       time.Duration `yaml:"maxbackoff"`       // backoff ceiling
	Multiplier       float64       `yaml:"multiplier"`       // backoff growth factor
	FailureThreshold int           `yaml:"failurethreshold"` // consecutive failures before health turns critical
}

// DetectorSettings configures the classification pipeline.
type DetectorSettings struct {
	Budget               time.Duration `yaml:"budget"`               // per-call classification budget
	MaliciousThreshold   float64       `yaml:"maliciousthreshold"`   // cumulative score for Malicious
	SuspiciousThreshold  float64       `yaml:"suspiciousthreshold"`  // cumulative score for Suspicious
	MaxContentBytes      int64         `yaml:"maxcontentbytes"`      // content analysed by heuristics
	BehaviorWindow       time.Duration `yaml:"behaviorwindow"`       // sliding window for process behaviour
	BehaviorMaxEvents    int           `yaml:"behaviormaxevents"`    // operations kept per process
	CacheTTL             time.Duration `yaml:"cachettl"`             // verdict cache lifetime, 0 disables
	SuspiciousExtensions []string      `yaml:"suspiciousextensions"` // extensions that add a small score
	ExtensionWeight      float64       `yaml:"extensionweight"`      // score added for a suspicious extension
}

// QuarantineSettings configures the encrypted isolation store.
type QuarantineSettings struct {
	Dir                string        `yaml:"dir"`                // vault directory
	KeyFile            string        `yaml:"keyfile"`            // hex encoded AES-256 master key, created if missing
	SecureDeletePasses int           `yaml:"securedeletepasses"` // overwrite passes before unlinking
	MinFreeMB          int64         `yaml:"minfreemb"`          // free space kept on the vault filesystem, 0 disables
	MaxRetries         int           `yaml:"maxretries"`         // isolate retries for a malicious verdict
	RetryDelay         time.Duration `yaml:"retrydelay"`         // first retry delay
	MaxRetryDelay      time.Duration `yaml:"maxretrydelay"`      // retry delay ceiling
}

// MonitorSettings configures real-time event sources.
type MonitorSettings struct {
	Enabled             bool          `yaml:"enabled"`
	Paths               []string      `yaml:"paths"`               // watched directories
	Recursive           bool          `yaml:"recursive"`           // watch subdirectories
	CoalesceWindow      time.Duration `yaml:"coalescewindow"`      // burst collapse window per path
	QueueSize           int           `yaml:"queuesize"`           // subscriber channel capacity
	Processes           bool          `yaml:"processes"`           // emit ProcessStart events
	ProcessPollInterval time.Duration `yaml:"processpollinterval"` // process table poll interval
}

// ScannerSettings configures the worker pool and traversal.
type ScannerSettings struct {
	Workers            int           `yaml:"workers"`            // worker pool size, 0 = physical cores capped at 4
	RealtimeMinWorkers int           `yaml:"realtimeminworkers"` // workers kept for real-time while throttled
	QueueSize          int           `yaml:"queuesize"`          // admission queue capacity per lane
	SkipExtensions     []string      `yaml:"skipextensions"`     // extensions skipped by scheduled scans
	SkipDirs           []string      `yaml:"skipdirs"`           // directory names skipped by scheduled scans
	MaxFileSize        int64         `yaml:"maxfilesize"`        // files above this size are hash-only
	ThrottledRate      float64       `yaml:"throttledrate"`      // scheduled files/s admitted while throttled
	RealtimeLatencyCap time.Duration `yaml:"realtimelatencycap"` // target latency for real-time events
}

// ResourceSettings configures the resource governor.
type ResourceSettings struct {
	SampleInterval   time.Duration `yaml:"sampleinterval"`   // sampling period
	Window           int           `yaml:"window"`           // samples in the rolling average
	CPULimitPercent  float64       `yaml:"cpulimitpercent"`  // rolling CPU ceiling
	MemoryLimitMB    float64       `yaml:"memorylimitmb"`    // resident memory ceiling for this process
	ResumeHysteresis float64       `yaml:"resumehysteresis"` // percent below the limit required to resume
	Cooldown         time.Duration `yaml:"cooldown"`         // minimum time spent throttled
}

// HistorySettings configures the scan history database.
type HistorySettings struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`          // sqlite file
	Retention     time.Duration `yaml:"retention"`     // events older than this are pruned, 0 keeps everything
	PruneInterval time.Duration `yaml:"pruneinterval"` // how often the retention sweep runs
}

// APISettings configures the local control API.
type APISettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // host:port, loopback by default
	Token     string `yaml:"token"`     // bearer token, may reference ${ENV}; empty disables auth
	TokenFile string `yaml:"tokenfile"` // file holding the token, wins over token
}

// MetricsSettings configures prometheus metrics.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // standalone /metrics listener, used when the API is disabled
}

// SentrySettings configures opt-in reporting of critical faults.
type SentrySettings struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn"`     // may reference ${ENV}
	DSNFile     string `yaml:"dsnfile"` // file holding the DSN, wins over dsn
	Environment string `yaml:"environment"`
}

// Settings contains all configuration options for the agent.
type Settings struct {
	Debug bool `yaml:"debug"`

	Main       MainSettings         `yaml:"main"`
	Logging    logger.LoggingConfig `yaml:"logging"`
	Signatures SignatureSettings    `yaml:"signatures"`
	Update     UpdateSettings       `yaml:"update"`
	Detector   DetectorSettings     `yaml:"detector"`
	Quarantine QuarantineSettings   `yaml:"quarantine"`
	Monitor    MonitorSettings      `yaml:"monitor"`
	Scanner    ScannerSettings      `yaml:"scanner"`
	Resources  ResourceSettings     `yaml:"resources"`
	History    HistorySettings      `yaml:"history"`
	API        APISettings          `yaml:"api"`
	Metrics    MetricsSettings      `yaml:"metrics"`
	Sentry     SentrySettings       `yaml:"sentry"`
}

// settingsInstance is the current settings instance
var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads configuration from the default locations, the SENTINEL_*
// environment and any flags already bound to the global viper instance.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(viper.GetViper()); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings, err := decode(viper.GetViper())
	if err != nil {
		return nil, err
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// LoadFile reads a specific config file on a private viper instance.
func LoadFile(path string) (*Settings, error) {
	v := viper.New()
	setDefaultConfig(v)
	bindEnv(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.New(err).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Context("operation", "read-config").
			Build()
	}
	return decode(v)
}

// Defaults returns settings populated only from defaults.
func Defaults() *Settings {
	v := viper.New()
	setDefaultConfig(v)
	settings := &Settings{}
	// defaults always decode
	_ = v.Unmarshal(settings)
	resolvePaths(settings)
	return settings
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

func decode(v *viper.Viper) (*Settings, error) {
	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	resolvePaths(settings)
	if err := resolveSecrets(settings, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(err).
			Component("configuration").
			Category(errors.CategoryValidation).
			Build()
	}
	return settings, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper(v *viper.Viper) error {
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		v.AddConfigPath(path)
	}

	setDefaultConfig(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			GetLogger().Info("no config file found, running on defaults",
				logger.Any("searched", configPaths))
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	GetLogger().Debug("config file loaded", logger.String("path", v.ConfigFileUsed()))
	return nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// resolveSecrets replaces credential settings with their file contents or
// expanded environment references.
func resolveSecrets(s *Settings, lookup secrets.Lookup) error {
	var err error
	if s.API.Token, err = secrets.Resolve(s.API.TokenFile, s.API.Token, lookup); err != nil {
		return fmt.Errorf("api token: %w", err)
	}
	if s.Sentry.DSN, err = secrets.Resolve(s.Sentry.DSNFile, s.Sentry.DSN, lookup); err != nil {
		return fmt.Errorf("sentry dsn: %w", err)
	}
	return nil
}

// resolvePaths anchors relative data paths at Main.DataDir.
func resolvePaths(s *Settings) {
	if s.Main.DataDir == "" {
		return
	}
	anchor := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(s.Main.DataDir, *p)
		}
	}
	anchor(&s.Signatures.Path)
	anchor(&s.Signatures.PublicKeyPath)
	anchor(&s.Quarantine.Dir)
	anchor(&s.Quarantine.KeyFile)
	anchor(&s.History.Path)
	if s.Logging.FileOutput != nil {
		anchor(&s.Logging.FileOutput.Path)
	}
}

// SaveYAMLConfig writes settings to configPath atomically via temp file + rename.
// Comments in an existing file are not preserved.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}

	return nil
}
