package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/artpar/feedstate/internal/seen"
	"github.com/artpar/feedstate/internal/storage"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendFilesystem = "filesystem"
	BackendSQLite     = "sqlite"
)

const (
	defaultConfigPath = "~/.config/feedstate/config.yaml"
	defaultDataDir    = "~/.local/share/feedstate"
	defaultAPIBaseURL = "https://api.example.com"
	defaultTimeout    = 30 * time.Second
	defaultRetries    = 2
	defaultLogLevel   = "info"
)

// Config holds the settings of a feedstate process.
type Config struct {
	DataDir      string        `yaml:"data_dir" env:"FEEDSTATE_DATA_DIR"`
	Backend      string        `yaml:"backend" env:"FEEDSTATE_BACKEND"`
	BudgetBytes  int64         `yaml:"budget_bytes" env:"FEEDSTATE_BUDGET_BYTES"`
	ExemptPrefix string        `yaml:"exempt_prefix" env:"FEEDSTATE_EXEMPT_PREFIX"`
	SeenLimit    int           `yaml:"seen_limit" env:"FEEDSTATE_SEEN_LIMIT"`
	APIBaseURL   string        `yaml:"api_base_url" env:"FEEDSTATE_API_URL"`
	APITimeout   time.Duration `yaml:"api_timeout" env:"FEEDSTATE_API_TIMEOUT"`
	APIRetries   int           `yaml:"api_retries" env:"FEEDSTATE_API_RETRIES"`
	LogLevel     string        `yaml:"log_level" env:"FEEDSTATE_LOG_LEVEL"`
	LogJSON      bool          `yaml:"log_json" env:"FEEDSTATE_LOG_JSON"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:      mustExpand(defaultDataDir),
		Backend:      BackendFilesystem,
		BudgetBytes:  storage.DefaultBudget,
		ExemptPrefix: storage.DefaultExemptPrefix,
		SeenLimit:    seen.DefaultLimit,
		APIBaseURL:   defaultAPIBaseURL,
		APITimeout:   defaultTimeout,
		APIRetries:   defaultRetries,
		LogLevel:     defaultLogLevel,
	}
}

// Load builds the configuration from defaults, the YAML file at path and the
// environment, in that order. A missing file is not an error. An empty path
// uses the default location.
func Load(path string) (Config, error) {
	cfg := Default()

	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(resolved)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Policy returns the eviction policy described by the config.
func (c Config) Policy() storage.Policy {
	return storage.Policy{Budget: c.BudgetBytes, ExemptPrefix: c.ExemptPrefix}
}

// Validate reports settings the process cannot run with.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendFilesystem, BackendSQLite:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendFilesystem, BackendSQLite)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data dir is empty")
	}
	if c.APITimeout < 0 {
		return fmt.Errorf("api timeout must not be negative")
	}
	if c.APIRetries < 0 {
		return fmt.Errorf("api retries must not be negative")
	}
	return nil
}

// Normalize fills empty settings with defaults, expands ~ in the data dir,
// lower-cases the backend and validates the result. Call it again after
// changing fields by hand.
func (c *Config) Normalize() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = BackendFilesystem
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = defaultDataDir
	}
	dir, err := expandPath(c.DataDir)
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	c.DataDir = dir
	if c.APITimeout == 0 {
		c.APITimeout = defaultTimeout
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = defaultLogLevel
	}
	return c.Validate()
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
