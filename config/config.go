package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/gachacap/gachacap/internal/logger"
)

// Config represents the application configuration
type Config struct {
	// Logging configuration
	Logging struct {
		// Level is the minimum log level to output (debug, info, warn, error)
		Level string `json:"level"`
		// File is the path to the log file. If empty, logs to stdout only
		File string `json:"file"`
		// MaxSizeMB is the maximum size of the log file before rotation
		MaxSizeMB int `json:"max_size_mb"`
		// RetentionDays is how many days rotated logs are kept
		RetentionDays int `json:"retention_days"`
	} `json:"logging"`

	// Capture configuration
	Capture struct {
		// Backend selects the capture backend: "kernel" or "multidevice".
		// If empty, the platform default is used.
		Backend string `json:"backend"`
		// LogRawPackets enables per-packet size logging at debug level
		LogRawPackets bool `json:"log_raw_packets"`
	} `json:"capture"`

	// Wish monitor configuration
	Wish struct {
		// OutputLogPath overrides the game client log location.
		// If empty, the per-OS default is used.
		OutputLogPath string `json:"output_log_path"`
		// DebounceMS is the filesystem event debounce window in milliseconds
		DebounceMS int `json:"debounce_ms"`
		// ValidateTimeoutSeconds bounds the URL validation round-trip
		ValidateTimeoutSeconds int `json:"validate_timeout_seconds"`
	} `json:"wish"`
}

// LoadConfig loads configuration from a JSON file, then applies
// environment overrides (a .env file in the working directory is honored).
func LoadConfig(configPath string) (*Config, error) {
	// Set default config path if not provided
	if configPath == "" {
		configPath = "config.json"
	}

	var config Config

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	config.applyEnvOverrides()
	config.applyDefaults()

	return &config, nil
}

// DefaultConfig returns a config with only defaults and environment
// overrides applied. Used when no config file exists on disk.
func DefaultConfig() *Config {
	var config Config
	config.applyEnvOverrides()
	config.applyDefaults()
	return &config
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100 // 100MB default
	}
	if c.Logging.RetentionDays == 0 {
		c.Logging.RetentionDays = 7
	}
	if c.Wish.DebounceMS == 0 {
		c.Wish.DebounceMS = 1000
	}
	if c.Wish.ValidateTimeoutSeconds == 0 {
		c.Wish.ValidateTimeoutSeconds = 10
	}
}

// applyEnvOverrides lets GACHACAP_* variables win over file values.
func (c *Config) applyEnvOverrides() {
	// A missing .env file is the normal case.
	_ = godotenv.Load()

	if v := os.Getenv("GACHACAP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GACHACAP_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("GACHACAP_CAPTURE_BACKEND"); v != "" {
		c.Capture.Backend = v
	}
	if v := os.Getenv("GACHACAP_LOG_RAW_PACKETS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Capture.LogRawPackets = b
		}
	}
	if v := os.Getenv("GACHACAP_WISH_LOG_PATH"); v != "" {
		c.Wish.OutputLogPath = v
	}
}

// InitializeLogging sets up logging based on config
func (c *Config) InitializeLogging() error {
	level, err := logger.ParseLogLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %v", err)
	}

	logConfig := logger.Config{
		LogLevel:   level,
		LogFile:    c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxAgeDays: c.Logging.RetentionDays,
	}

	if err := logger.Initialize(logConfig); err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}

	return nil
}
