// Package config loads and validates the glucosync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dgarrido/glucosync/logging"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// Backend configures the remote glucose API.
	Backend BackendConfig `yaml:"backend"`

	// Database configures the local SQLite store.
	Database DatabaseConfig `yaml:"database"`

	// Sync configures the sync engine.
	Sync SyncConfig `yaml:"sync"`

	// Logging configures structured log output. Omit to use environment
	// defaults.
	Logging *logging.Config `yaml:"logging,omitempty"`
}

// BackendConfig holds the remote API settings.
type BackendConfig struct {
	// BaseURL is the API root, e.g. "https://api.example.com".
	BaseURL string `yaml:"base_url"`

	// AuthToken is the bearer token sent with every request. Optional;
	// without it the client runs unauthenticated and the backend decides
	// what that is allowed to see.
	AuthToken string `yaml:"auth_token"`

	// Timeout bounds each HTTP request. Defaults to 15s.
	Timeout time.Duration `yaml:"timeout"`
}

// DatabaseConfig holds the local store settings.
type DatabaseConfig struct {
	// Path is the SQLite file location. Defaults to
	// ~/.local/share/glucosync/glucosync.db.
	Path string `yaml:"path"`

	// RetentionDays is how far back readings are kept when pruning.
	// Defaults to 60.
	RetentionDays int `yaml:"retention_days"`

	// MaxReadings caps the readings table; 0 means uncapped. Inserts past
	// the cap trigger quota handling.
	MaxReadings int `yaml:"max_readings"`
}

// SyncConfig holds the engine settings.
type SyncConfig struct {
	// Interval controls how often auto-sync runs. Minimum 30s. Defaults
	// to 5m.
	Interval time.Duration `yaml:"interval"`

	// MaxRetries is the per-item retry budget before a queue item is
	// dead-lettered. Defaults to 5.
	MaxRetries int `yaml:"max_retries"`

	// RetryBase and RetryMax shape the exponential backoff between
	// retried requests. Default 500ms and 30s.
	RetryBase time.Duration `yaml:"retry_base"`
	RetryMax  time.Duration `yaml:"retry_max"`

	// DisableImmediatePush turns off the best-effort push after each
	// local write.
	DisableImmediatePush bool `yaml:"disable_immediate_push"`
}

// DefaultPath returns the default config file path:
// ~/.config/glucosync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "glucosync", "config.yaml"), nil
}

// DefaultDatabasePath returns the default SQLite file location:
// ~/.local/share/glucosync/glucosync.db.
func DefaultDatabasePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "glucosync", "glucosync.db"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks required fields and fills in defaults.
func (c *Config) validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	u, err := url.ParseRequestURI(c.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("backend.base_url %q must be a valid http or https URL", c.Backend.BaseURL)
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 15 * time.Second
	}
	if c.Backend.Timeout < 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}

	if c.Database.Path == "" {
		path, err := DefaultDatabasePath()
		if err != nil {
			return err
		}
		c.Database.Path = path
	}
	if c.Database.RetentionDays == 0 {
		c.Database.RetentionDays = 60
	}
	if c.Database.RetentionDays < 0 {
		return fmt.Errorf("database.retention_days must be positive")
	}
	if c.Database.MaxReadings < 0 {
		return fmt.Errorf("database.max_readings must not be negative")
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = 5 * time.Minute
	}
	if c.Sync.Interval < 30*time.Second {
		return fmt.Errorf("sync.interval %v is too short (minimum 30s)", c.Sync.Interval)
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 5
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must be positive")
	}
	if c.Sync.RetryBase == 0 {
		c.Sync.RetryBase = 500 * time.Millisecond
	}
	if c.Sync.RetryMax == 0 {
		c.Sync.RetryMax = 30 * time.Second
	}
	if c.Sync.RetryBase > c.Sync.RetryMax {
		return fmt.Errorf("sync.retry_base %v exceeds sync.retry_max %v", c.Sync.RetryBase, c.Sync.RetryMax)
	}

	return nil
}
