// Package config provides configuration management for bookmind.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Defaults.
const (
	DefaultWorkerPort            = 37811
	DefaultDBDriver              = "sqlite"
	DefaultMaxConns              = 4
	DefaultOracleBaseURL         = "https://generativelanguage.googleapis.com"
	DefaultOracleTimeoutSeconds  = 120
	DefaultQuotaBackoffMS        = 25000
	DefaultQuotaBackoffCapMS     = 30000
	DefaultPromptTokenBudget     = 200000
	DefaultRefreshTimeoutSeconds = 180
	DefaultLogLevel              = "info"
)

// Config holds bookmind settings. JSON keys match the environment variables
// that override them.
type Config struct {
	DBDriver              string `json:"BOOKMIND_DB_DRIVER"`
	DBDSN                 string `json:"BOOKMIND_DB_DSN"`
	OracleBaseURL         string `json:"BOOKMIND_ORACLE_BASE_URL"`
	OracleAPIKey          string `json:"BOOKMIND_ORACLE_API_KEY"`
	LogLevel              string `json:"BOOKMIND_LOG_LEVEL"`
	WorkerPort            int    `json:"BOOKMIND_WORKER_PORT"`
	MaxConns              int    `json:"BOOKMIND_MAX_CONNS"`
	OracleTimeoutSeconds  int    `json:"BOOKMIND_ORACLE_TIMEOUT_SECONDS"`
	QuotaBackoffMS        int    `json:"BOOKMIND_QUOTA_BACKOFF_MS"`
	QuotaBackoffCapMS     int    `json:"BOOKMIND_QUOTA_BACKOFF_CAP_MS"`
	PromptTokenBudget     int    `json:"BOOKMIND_PROMPT_TOKEN_BUDGET"`
	RefreshTimeoutSeconds int    `json:"BOOKMIND_REFRESH_TIMEOUT_SECONDS"`
	OracleRequestsPerMin  int    `json:"BOOKMIND_ORACLE_RPM"` // 0 means unlimited
}

var (
	global     *Config
	globalOnce sync.Once
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WorkerPort:            DefaultWorkerPort,
		DBDriver:              DefaultDBDriver,
		MaxConns:              DefaultMaxConns,
		OracleBaseURL:         DefaultOracleBaseURL,
		OracleTimeoutSeconds:  DefaultOracleTimeoutSeconds,
		QuotaBackoffMS:        DefaultQuotaBackoffMS,
		QuotaBackoffCapMS:     DefaultQuotaBackoffCapMS,
		PromptTokenBudget:     DefaultPromptTokenBudget,
		RefreshTimeoutSeconds: DefaultRefreshTimeoutSeconds,
		LogLevel:              DefaultLogLevel,
	}
}

// DataDir returns ~/.bookmind.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".bookmind")
}

// DBPath returns the SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "bookmind.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// ModelsPath returns the oracle model profile file path.
func ModelsPath() string {
	return filepath.Join(DataDir(), "models.yaml")
}

// EnsureDataDir creates the data directory if needed.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll creates the data directory and default settings.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads settings.json over the defaults and applies environment
// overrides. A missing or invalid settings file yields the defaults.
func Load() (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(SettingsPath()); err == nil {
		fromFile := Default()
		if err := json.Unmarshal(data, fromFile); err == nil {
			cfg = fromFile
		}
	}

	cfg.applyEnv()
	cfg.fillZeroes()
	return cfg, nil
}

// Get returns the process-wide configuration, loading it once.
func Get() *Config {
	globalOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		global = cfg
	})
	return global
}

// GetWorkerPort returns the port from BOOKMIND_WORKER_PORT or the config.
func GetWorkerPort() int {
	if port, ok := envInt("BOOKMIND_WORKER_PORT"); ok && port > 0 {
		return port
	}
	return Get().WorkerPort
}

// OracleTimeout is the per-call HTTP timeout.
func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(c.OracleTimeoutSeconds) * time.Second
}

// QuotaBackoff is the wait after a quota error without retry hint.
func (c *Config) QuotaBackoff() time.Duration {
	return time.Duration(c.QuotaBackoffMS) * time.Millisecond
}

// QuotaBackoffCap caps hinted quota waits.
func (c *Config) QuotaBackoffCap() time.Duration {
	return time.Duration(c.QuotaBackoffCapMS) * time.Millisecond
}

// RefreshTimeout bounds one cluster refresh request.
func (c *Config) RefreshTimeout() time.Duration {
	return time.Duration(c.RefreshTimeoutSeconds) * time.Second
}

func (c *Config) applyEnv() {
	strVars := map[string]*string{
		"BOOKMIND_DB_DRIVER":       &c.DBDriver,
		"BOOKMIND_DB_DSN":          &c.DBDSN,
		"BOOKMIND_ORACLE_BASE_URL": &c.OracleBaseURL,
		"BOOKMIND_ORACLE_API_KEY":  &c.OracleAPIKey,
		"BOOKMIND_LOG_LEVEL":       &c.LogLevel,
	}
	for key, dst := range strVars {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	intVars := map[string]*int{
		"BOOKMIND_WORKER_PORT":             &c.WorkerPort,
		"BOOKMIND_MAX_CONNS":               &c.MaxConns,
		"BOOKMIND_ORACLE_TIMEOUT_SECONDS":  &c.OracleTimeoutSeconds,
		"BOOKMIND_QUOTA_BACKOFF_MS":        &c.QuotaBackoffMS,
		"BOOKMIND_QUOTA_BACKOFF_CAP_MS":    &c.QuotaBackoffCapMS,
		"BOOKMIND_PROMPT_TOKEN_BUDGET":     &c.PromptTokenBudget,
		"BOOKMIND_REFRESH_TIMEOUT_SECONDS": &c.RefreshTimeoutSeconds,
		"BOOKMIND_ORACLE_RPM":              &c.OracleRequestsPerMin,
	}
	for key, dst := range intVars {
		if v, ok := envInt(key); ok && v > 0 {
			*dst = v
		}
	}
}

// fillZeroes restores defaults for settings explicitly set to zero or empty.
func (c *Config) fillZeroes() {
	def := Default()
	if c.WorkerPort <= 0 {
		c.WorkerPort = def.WorkerPort
	}
	if c.DBDriver == "" {
		c.DBDriver = def.DBDriver
	}
	if c.MaxConns <= 0 {
		c.MaxConns = def.MaxConns
	}
	if c.OracleBaseURL == "" {
		c.OracleBaseURL = def.OracleBaseURL
	}
	if c.OracleTimeoutSeconds <= 0 {
		c.OracleTimeoutSeconds = def.OracleTimeoutSeconds
	}
	if c.QuotaBackoffMS <= 0 {
		c.QuotaBackoffMS = def.QuotaBackoffMS
	}
	if c.QuotaBackoffCapMS <= 0 {
		c.QuotaBackoffCapMS = def.QuotaBackoffCapMS
	}
	if c.RefreshTimeoutSeconds <= 0 {
		c.RefreshTimeoutSeconds = def.RefreshTimeoutSeconds
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
