package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/ternarybob/forge/internal/models"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Workspace   WorkspaceConfig `toml:"workspace"`
	Storage     StorageConfig   `toml:"storage"`
	Queue       QueueConfig     `toml:"queue"`
	Workers     WorkersConfig   `toml:"workers"`
	Cache       CacheConfig     `toml:"cache"`
	Tools       ToolsConfig     `toml:"tools"`
	Docker      DockerConfig    `toml:"docker"`
	Logging     LoggingConfig   `toml:"logging"`
	Retention   RetentionConfig `toml:"retention"`
}

// WorkspaceConfig locates the output tree and optional read-only inputs.
type WorkspaceConfig struct {
	OutputDir  string `toml:"output_dir" validate:"required"`
	SourceDir  string `toml:"source_dir"` // optional read-only input tree
	ImageMode  string `toml:"image_mode" validate:"oneof=shared per-topic"`
	Incremental bool  `toml:"incremental"` // skip copies/cache writes when destination exists
}

// StorageConfig holds both database locations. The two are deliberately
// separate files so the cache can be wiped without losing queue state.
type StorageConfig struct {
	JobDB   SQLiteConfig `toml:"job_db"`
	CacheDB SQLiteConfig `toml:"cache_db"`
}

// SQLiteConfig represents SQLite-specific configuration
type SQLiteConfig struct {
	Path          string `toml:"path" validate:"required"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
	CacheSizeMB   int    `toml:"cache_size_mb"`
	WALMode       bool   `toml:"wal_mode"`
}

// QueueConfig tunes polling and completion behavior.
type QueueConfig struct {
	PollInterval        string `toml:"poll_interval"`         // worker claim poll, e.g. "250ms"
	BackendPollInterval string `toml:"backend_poll_interval"` // orchestrator status poll, e.g. "500ms"
	CompletionTimeout   string `toml:"completion_timeout"`    // watchdog, e.g. "20m"
	HungResetInterval   string `toml:"hung_reset_interval"`   // how often the drain runs ResetHungJobs
	MaxJobTime          string `toml:"max_job_time"`          // per-job timeout enforced by workers
}

// WorkersConfig is the session-level worker policy plus per-type pools.
type WorkersConfig struct {
	AutoStart           bool                  `toml:"auto_start"`
	AutoStop            bool                  `toml:"auto_stop"`
	ReuseWorkers        bool                  `toml:"reuse_workers"`
	RegistrationTimeout string                `toml:"registration_timeout"` // default "20s"
	HeartbeatInterval   string                `toml:"heartbeat_interval"`   // default "5s"
	StaleThreshold      string                `toml:"stale_threshold"`      // default "30s"
	MonitorInterval     string                `toml:"monitor_interval"`     // default "10s"
	StartConcurrency    int                   `toml:"start_concurrency"`    // default 10
	LogDir              string                `toml:"log_dir"`
	Pools               []models.WorkerConfig `toml:"pools"`
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	ReadEnabled   bool `toml:"read_enabled"`
	RetainCount   int  `toml:"retain_count"` // versions kept per input file
	IssueDays     int  `toml:"issue_days"`
	CleanupOnExit bool `toml:"cleanup_on_exit"`
	// Cron schedule for periodic retention cleanup in service mode.
	CleanupSchedule string `toml:"cleanup_schedule"`
}

// ToolsConfig points at external converter binaries.
type ToolsConfig struct {
	PlantUMLJar string `toml:"plantuml_jar"`
	DrawioBin   string `toml:"drawio_bin"`
	JavaBin     string `toml:"java_bin"`
}

// DockerConfig parameterizes the containerized executor.
type DockerConfig struct {
	NamePrefix string `toml:"name_prefix"`
	Network    string `toml:"network"`
	APIURL     string `toml:"api_url"` // orchestrator address visible from containers
}

type LoggingConfig struct {
	Level      string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output     []string `toml:"output"` // "stdout", "file"
	TimeFormat string   `toml:"time_format"`
}

// RetentionConfig bounds job and event history in the Job DB.
type RetentionConfig struct {
	Jobs models.RetentionPolicy `toml:"jobs"`
}

// DefaultConfig returns the built-in defaults, overridden by files and env.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Workspace: WorkspaceConfig{
			OutputDir: "./output",
			ImageMode: "per-topic",
		},
		Storage: StorageConfig{
			JobDB:   SQLiteConfig{Path: "./data/forge-jobs.db", BusyTimeoutMS: 10000, CacheSizeMB: 64, WALMode: true},
			CacheDB: SQLiteConfig{Path: "./data/forge-cache.db", BusyTimeoutMS: 10000, CacheSizeMB: 64, WALMode: true},
		},
		Queue: QueueConfig{
			PollInterval:        "250ms",
			BackendPollInterval: "500ms",
			CompletionTimeout:   "20m",
			HungResetInterval:   "5s",
			MaxJobTime:          "10m",
		},
		Workers: WorkersConfig{
			AutoStart:           true,
			AutoStop:            true,
			ReuseWorkers:        true,
			RegistrationTimeout: "20s",
			HeartbeatInterval:   "5s",
			StaleThreshold:      "30s",
			MonitorInterval:     "10s",
			StartConcurrency:    10,
			LogDir:              "./logs/workers",
			Pools: []models.WorkerConfig{
				{Type: models.JobTypeNotebook, Count: 2, Mode: models.ExecutionModeManaged},
				{Type: models.JobTypePlantUML, Count: 1, Mode: models.ExecutionModeManaged},
				{Type: models.JobTypeDrawio, Count: 1, Mode: models.ExecutionModeManaged},
			},
		},
		Cache: CacheConfig{
			ReadEnabled:     true,
			RetainCount:     3,
			IssueDays:       30,
			CleanupOnExit:   true,
			CleanupSchedule: "0 3 * * *",
		},
		Docker: DockerConfig{
			NamePrefix: "forge",
			Network:    "forge-net",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
		},
		Retention: RetentionConfig{Jobs: models.DefaultRetentionPolicy()},
	}
}

// LoadFromFiles loads configuration by merging defaults, then each file in
// order (later files override earlier ones), then environment overrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies FORGE_* environment variables on top of files.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("FORGE_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("FORGE_JOB_DB"); v != "" {
		config.Storage.JobDB.Path = v
	}
	if v := os.Getenv("FORGE_CACHE_DB"); v != "" {
		config.Storage.CacheDB.Path = v
	}
	if v := os.Getenv("FORGE_WORKSPACE"); v != "" {
		config.Workspace.OutputDir = v
	}
	if v := os.Getenv("FORGE_SOURCE_DATA"); v != "" {
		config.Workspace.SourceDir = v
	}
	if v := os.Getenv("FORGE_PLANTUML_JAR"); v != "" {
		config.Tools.PlantUMLJar = v
	}
	if v := os.Getenv("FORGE_DRAWIO_BIN"); v != "" {
		config.Tools.DrawioBin = v
	}
	if v := os.Getenv("FORGE_CACHE_READ"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Cache.ReadEnabled = b
		}
	}
}

// Validate checks the configuration with struct tags plus cross-field rules.
func Validate(config *Config) error {
	v := validator.New()
	if err := v.Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for _, d := range []struct {
		name  string
		value string
	}{
		{"queue.poll_interval", config.Queue.PollInterval},
		{"queue.backend_poll_interval", config.Queue.BackendPollInterval},
		{"queue.completion_timeout", config.Queue.CompletionTimeout},
		{"queue.hung_reset_interval", config.Queue.HungResetInterval},
		{"queue.max_job_time", config.Queue.MaxJobTime},
		{"workers.registration_timeout", config.Workers.RegistrationTimeout},
		{"workers.heartbeat_interval", config.Workers.HeartbeatInterval},
		{"workers.stale_threshold", config.Workers.StaleThreshold},
		{"workers.monitor_interval", config.Workers.MonitorInterval},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", d.name, d.value)
		}
	}
	if config.Storage.JobDB.Path == config.Storage.CacheDB.Path {
		return fmt.Errorf("job_db and cache_db must be separate files")
	}
	return nil
}

// Duration parses a config duration that has already passed validation.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
