// Package config provides configuration management for the kline synchronizer.
// Configuration is layered: built-in defaults, then a JSON or YAML file, then
// KLINES_* environment variables, and is validated as a whole before use.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/johnayoung/go-kline-sync/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "KLINES_"

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName    string `json:"app_name" yaml:"app_name" env:"APP_NAME, overwrite"`
	ConfigPath string `json:"-" yaml:"-"`

	// DataFolder is the root under which every data source gets its own folder.
	DataFolder string `json:"data_folder" yaml:"data_folder" env:"DATA_FOLDER, overwrite"`
	// TimeColumn is the name of the bar open time column in file stores.
	TimeColumn string `json:"time_column" yaml:"time_column" env:"TIME_COLUMN, overwrite"`
	// Freq is the bar frequency in pandas notation, e.g. "1min", "1h", "1D".
	Freq string `json:"freq" yaml:"freq" env:"FREQ, overwrite"`

	DataSources []DataSource `json:"data_sources" yaml:"data_sources"`

	Exchange      ExchangeConfig      `json:"exchange" yaml:"exchange" env:", prefix=EXCHANGE_"`
	Storage       StorageConfig       `json:"storage" yaml:"storage" env:", prefix=STORAGE_"`
	Sync          SyncConfig          `json:"sync" yaml:"sync" env:", prefix=SYNC_"`
	Scheduler     SchedulerConfig     `json:"scheduler" yaml:"scheduler" env:", prefix=SCHEDULER_"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging" env:", prefix=LOG_"`
	ErrorHandling ErrorHandlingConfig `json:"error_handling" yaml:"error_handling" env:", prefix=RETRY_"`
}

// DataSource is one series to keep in sync. Folder doubles as the exchange
// symbol and as the directory holding the series file.
type DataSource struct {
	Folder string `json:"folder" yaml:"folder"`
	Type   string `json:"type" yaml:"type"` // "spot" (default) or "futures"
	File   string `json:"file" yaml:"file"` // file name without extension, default "klines"
	Freq   string `json:"freq,omitempty" yaml:"freq,omitempty"`
}

// ExchangeConfig configures the market data provider
type ExchangeConfig struct {
	Type           string `json:"type" yaml:"type" env:"TYPE, overwrite"`                                 // "binance"
	APIKey         string `json:"api_key" yaml:"api_key" env:"API_KEY, overwrite"`                        // optional, klines are public
	APISecret      string `json:"api_secret" yaml:"api_secret" env:"API_SECRET, overwrite"`               // optional
	SpotBaseURL    string `json:"spot_base_url" yaml:"spot_base_url" env:"SPOT_BASE_URL, overwrite"`      // spot REST root
	FuturesBaseURL string `json:"futures_base_url" yaml:"futures_base_url" env:"FUTURES_BASE_URL, overwrite"` // USD-M futures REST root
	RateLimit      int    `json:"rate_limit" yaml:"rate_limit" env:"RATE_LIMIT, overwrite"`               // requests per minute
	Timeout        string `json:"timeout" yaml:"timeout" env:"TIMEOUT, overwrite"`                        // per-request timeout
	Retry          bool   `json:"retry" yaml:"retry" env:"RETRY, overwrite"`                              // wrap the source in the retry decorator
}

// StorageConfig configures where series are persisted
type StorageConfig struct {
	Type         string `json:"type" yaml:"type" env:"TYPE, overwrite"`                         // "csv", "parquet", "duckdb", "memory"
	DatabaseURL  string `json:"database_url" yaml:"database_url" env:"DATABASE_URL, overwrite"` // DuckDB file, default <data_folder>/klines.duckdb
	QueryTimeout string `json:"query_timeout" yaml:"query_timeout" env:"QUERY_TIMEOUT, overwrite"`
}

// SyncConfig tunes the incremental sync engine
type SyncConfig struct {
	// OverlapRows is how many trailing local rows are re-fetched so late
	// provider revisions overwrite them.
	OverlapRows int `json:"overlap_rows" yaml:"overlap_rows" env:"OVERLAP_ROWS, overwrite"`
	// EpochFloor is where an empty series starts (RFC 3339 or YYYY-MM-DD).
	EpochFloor string `json:"epoch_floor" yaml:"epoch_floor" env:"EPOCH_FLOOR, overwrite"`
	// WindowUnit is the span of one planned fetch window.
	WindowUnit string `json:"window_unit" yaml:"window_unit" env:"WINDOW_UNIT, overwrite"`
	// RecentLimit is how many bars are asked for when probing the latest bar.
	RecentLimit int    `json:"recent_limit" yaml:"recent_limit" env:"RECENT_LIMIT, overwrite"`
	Workers     int    `json:"workers" yaml:"workers" env:"WORKERS, overwrite"`
	JobTimeout  string `json:"job_timeout" yaml:"job_timeout" env:"JOB_TIMEOUT, overwrite"` // empty means no limit
	Report      bool   `json:"report" yaml:"report" env:"REPORT, overwrite"`                // write <data_folder>/.lastrun.json
}

// SchedulerConfig configures repeated runs
type SchedulerConfig struct {
	Cron       string `json:"cron" yaml:"cron" env:"CRON, overwrite"` // standard five-field spec or descriptor such as "@hourly"
	RunOnStart bool   `json:"run_on_start" yaml:"run_on_start" env:"RUN_ON_START, overwrite"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level" env:"LEVEL, overwrite"`             // debug, info, warn, error
	Format        string            `json:"format" yaml:"format" env:"FORMAT, overwrite"`          // json, text
	Output        string            `json:"output" yaml:"output" env:"OUTPUT, overwrite"`          // stdout, stderr, file, both
	FilePath      string            `json:"file_path" yaml:"file_path" env:"FILE_PATH, overwrite"` // log file path
	MaxSize       int               `json:"max_size" yaml:"max_size" env:"MAX_SIZE, overwrite"`    // megabytes
	MaxBackups    int               `json:"max_backups" yaml:"max_backups" env:"MAX_BACKUPS, overwrite"`
	MaxAge        int               `json:"max_age" yaml:"max_age" env:"MAX_AGE, overwrite"` // days
	Compress      bool              `json:"compress" yaml:"compress" env:"COMPRESS, overwrite"`
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`
}

// ErrorHandlingConfig configures error handling and retry policies
type ErrorHandlingConfig struct {
	GlobalRetryPolicy    RetryPolicyConfig            `json:"global_retry_policy" yaml:"global_retry_policy" env:", prefix=GLOBAL_"`
	ComponentPolicies    map[string]RetryPolicyConfig `json:"component_policies" yaml:"component_policies"`
	EnableCircuitBreaker bool                         `json:"enable_circuit_breaker" yaml:"enable_circuit_breaker" env:"CIRCUIT_BREAKER, overwrite"`
	CircuitBreakerConfig CircuitBreakerConfig         `json:"circuit_breaker_config" yaml:"circuit_breaker_config"`
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts" env:"MAX_ATTEMPTS, overwrite"`
	InitialDelay    string   `json:"initial_delay" yaml:"initial_delay" env:"INITIAL_DELAY, overwrite"`
	MaxDelay        string   `json:"max_delay" yaml:"max_delay" env:"MAX_DELAY, overwrite"`
	BackoffStrategy string   `json:"backoff_strategy" yaml:"backoff_strategy" env:"BACKOFF_STRATEGY, overwrite"` // fixed, exponential, linear
	RetryableErrors []string `json:"retryable_errors" yaml:"retryable_errors"`                                   // extra error types to retry
	Jitter          bool     `json:"jitter" yaml:"jitter" env:"JITTER, overwrite"`
}

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  string `json:"recovery_timeout" yaml:"recovery_timeout"`
	HalfOpenRequests int    `json:"half_open_requests" yaml:"half_open_requests"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
	lookuper   envconfig.Lookuper
}

// NewConfigManager creates a new configuration manager reading the process environment.
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		logger:     logger,
		lookuper:   envconfig.OsLookuper(),
	}
}

// WithLookuper replaces the environment source, mainly for tests.
func (cm *ConfigManager) WithLookuper(l envconfig.Lookuper) *ConfigManager {
	cm.lookuper = l
	return cm
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		config.ConfigPath = cm.configPath
	}

	if err := cm.loadFromEnv(ctx, config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Info("configuration loaded successfully",
		"config_path", cm.configPath,
		"data_folder", config.DataFolder,
		"freq", config.Freq,
		"data_sources", len(config.DataSources),
		"storage_type", config.Storage.Type,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a JSON or YAML file chosen by extension.
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	data, err := os.ReadFile(cm.configPath)
	if os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadFromEnv overlays KLINES_* environment variables.
func (cm *ConfigManager) loadFromEnv(ctx context.Context, config *AppConfig) error {
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   config,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, cm.lookuper),
	}); err != nil {
		return err
	}

	cm.logger.Debug("loaded configuration from environment variables", "prefix", EnvPrefix)
	return nil
}

var (
	validStorageTypes = []string{"csv", "parquet", "duckdb", "memory"}
	validLogLevels    = []string{"debug", "info", "warn", "error"}
	validLogFormats   = []string{"json", "text"}
	validLogOutputs   = []string{"stdout", "stderr", "file", "both"}
	validBackoffs     = []string{"", "fixed", "exponential", "linear"}
)

// validateConfig validates the global configuration. Individual data source
// entries are checked per job so one bad entry does not block the others.
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	if config.DataFolder == "" {
		errors = append(errors, "data_folder is required")
	}
	if config.TimeColumn == "" {
		errors = append(errors, "time_column is required")
	}
	if _, err := models.ParseFrequency(config.Freq); err != nil {
		errors = append(errors, fmt.Sprintf("freq is invalid: %v", err))
	}

	if config.Exchange.Type != "binance" {
		errors = append(errors, "exchange.type must be: binance")
	}
	if config.Exchange.RateLimit <= 0 {
		errors = append(errors, "exchange.rate_limit must be greater than 0")
	}
	if d, err := time.ParseDuration(config.Exchange.Timeout); err != nil || d <= 0 {
		errors = append(errors, "exchange.timeout must be a positive duration")
	}

	if !slices.Contains(validStorageTypes, config.Storage.Type) {
		errors = append(errors, "storage.type must be one of: "+strings.Join(validStorageTypes, ", "))
	}
	if config.Storage.QueryTimeout != "" {
		if _, err := time.ParseDuration(config.Storage.QueryTimeout); err != nil {
			errors = append(errors, fmt.Sprintf("storage.query_timeout is not a valid duration: %v", err))
		}
	}

	if config.Sync.OverlapRows < 1 {
		errors = append(errors, "sync.overlap_rows must be at least 1")
	}
	if config.Sync.RecentLimit < 1 {
		errors = append(errors, "sync.recent_limit must be at least 1")
	}
	if config.Sync.Workers < 1 {
		errors = append(errors, "sync.workers must be at least 1")
	}
	if _, err := ParseEpoch(config.Sync.EpochFloor); err != nil {
		errors = append(errors, fmt.Sprintf("sync.epoch_floor is invalid: %v", err))
	}
	if _, err := time.ParseDuration(config.Sync.WindowUnit); err != nil {
		errors = append(errors, fmt.Sprintf("sync.window_unit is not a valid duration: %v", err))
	}
	if config.Sync.JobTimeout != "" {
		if _, err := time.ParseDuration(config.Sync.JobTimeout); err != nil {
			errors = append(errors, fmt.Sprintf("sync.job_timeout is not a valid duration: %v", err))
		}
	}

	if config.Scheduler.Cron != "" {
		if _, err := cron.ParseStandard(config.Scheduler.Cron); err != nil {
			errors = append(errors, fmt.Sprintf("scheduler.cron is invalid: %v", err))
		}
	}

	if !slices.Contains(validLogLevels, config.Logging.Level) {
		errors = append(errors, "logging.level must be one of: "+strings.Join(validLogLevels, ", "))
	}
	if !slices.Contains(validLogFormats, config.Logging.Format) {
		errors = append(errors, "logging.format must be one of: "+strings.Join(validLogFormats, ", "))
	}
	if !slices.Contains(validLogOutputs, config.Logging.Output) {
		errors = append(errors, "logging.output must be one of: "+strings.Join(validLogOutputs, ", "))
	}
	if (config.Logging.Output == "file" || config.Logging.Output == "both") && config.Logging.FilePath == "" {
		errors = append(errors, "logging.file_path is required for file output")
	}

	if config.ErrorHandling.GlobalRetryPolicy.MaxAttempts < 1 {
		errors = append(errors, "error_handling.global_retry_policy.max_attempts must be at least 1")
	}
	if !slices.Contains(validBackoffs, config.ErrorHandling.GlobalRetryPolicy.BackoffStrategy) {
		errors = append(errors, "error_handling.global_retry_policy.backoff_strategy must be one of: fixed, exponential, linear")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// GetConfig returns the configuration loaded last
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName:    "klines",
		DataFolder: "./data",
		TimeColumn: "timestamp",
		Freq:       "1h",
		Exchange: ExchangeConfig{
			Type:           "binance",
			SpotBaseURL:    "https://api.binance.com",
			FuturesBaseURL: "https://fapi.binance.com",
			RateLimit:      600,
			Timeout:        "30s",
			Retry:          true,
		},
		Storage: StorageConfig{
			Type:         "csv",
			QueryTimeout: "30s",
		},
		Sync: SyncConfig{
			OverlapRows: 5,
			EpochFloor:  "2017-01-01T00:00:00Z",
			WindowUnit:  "8760h",
			RecentLimit: 5,
			Workers:     1,
			Report:      true,
		},
		Scheduler: SchedulerConfig{
			Cron: "@hourly",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			ContextFields: map[string]string{
				"service": "klines",
			},
		},
		ErrorHandling: ErrorHandlingConfig{
			GlobalRetryPolicy: RetryPolicyConfig{
				MaxAttempts:     4,
				InitialDelay:    "1s",
				MaxDelay:        "30s",
				BackoffStrategy: "exponential",
				Jitter:          true,
			},
			ComponentPolicies:    make(map[string]RetryPolicyConfig),
			EnableCircuitBreaker: false,
			CircuitBreakerConfig: CircuitBreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  "30s",
				HalfOpenRequests: 1,
			},
		},
	}
}

// Frequency returns the parsed global bar frequency.
func (c *AppConfig) Frequency() models.Frequency {
	f, _ := models.ParseFrequency(c.Freq)
	return f
}

// DatabasePath returns the DuckDB file, defaulting to a file under the data folder.
func (c *AppConfig) DatabasePath() string {
	if c.Storage.DatabaseURL != "" {
		return c.Storage.DatabaseURL
	}
	return filepath.Join(c.DataFolder, "klines.duckdb")
}

// TimeoutDuration returns the per-request timeout.
func (c ExchangeConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// EpochFloorTime returns the parsed epoch floor.
func (c SyncConfig) EpochFloorTime() time.Time {
	t, _ := ParseEpoch(c.EpochFloor)
	return t
}

// WindowUnitDuration returns the span of one fetch window.
func (c SyncConfig) WindowUnitDuration() time.Duration {
	d, _ := time.ParseDuration(c.WindowUnit)
	return d
}

// QueryTimeoutDuration bounds each database load or save, zero when unlimited.
func (c StorageConfig) QueryTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.QueryTimeout)
	return d
}

// JobTimeoutDuration returns the per-job timeout, zero when unlimited.
func (c SyncConfig) JobTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.JobTimeout)
	return d
}

// ParseEpoch accepts RFC 3339 timestamps and plain dates and returns UTC.
func ParseEpoch(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", s)
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Exchange.APIKey != "" {
		sanitized.Exchange.APIKey = "[REDACTED]"
	}
	if sanitized.Exchange.APISecret != "" {
		sanitized.Exchange.APISecret = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
