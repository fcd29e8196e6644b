// ABOUTME: Configuration loading and parsing for the ironstore persistence layer
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the persistence layer. Zero values are
// filled in by applyDefaults before validation, so a partial YAML file
// (or none at all) yields a working configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Cache   CacheConfig   `yaml:"cache"`
	Txn     TxnConfig     `yaml:"txn"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StoreConfig holds connection and engine tuning configuration
type StoreConfig struct {
	// Path overrides the candidate-location probing. Empty means probe
	// the platform data directory, then ./data.
	Path string `yaml:"path"`

	BusyTimeout        time.Duration `yaml:"-"`
	SlowQueryThreshold time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	BusyTimeoutRaw        string `yaml:"busy_timeout"`
	SlowQueryThresholdRaw string `yaml:"slow_query_threshold"`
}

// CacheConfig holds query cache configuration
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`

	DefaultTTL      time.Duration `yaml:"-"`
	CleanupInterval time.Duration `yaml:"-"`

	DefaultTTLRaw      string `yaml:"default_ttl"`
	CleanupIntervalRaw string `yaml:"cleanup_interval"`
}

// TxnConfig holds transaction manager configuration
type TxnConfig struct {
	MaxSlots   int `yaml:"max_slots"`
	MaxRetries int `yaml:"max_retries"`

	RetryBaseDelay time.Duration `yaml:"-"`
	RetryMaxDelay  time.Duration `yaml:"-"`
	Timeout        time.Duration `yaml:"-"`
	ShutdownGrace  time.Duration `yaml:"-"`

	RetryBaseDelayRaw string `yaml:"retry_base_delay"`
	RetryMaxDelayRaw  string `yaml:"retry_max_delay"`
	TimeoutRaw        string `yaml:"timeout"`
	ShutdownGraceRaw  string `yaml:"shutdown_grace"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds the optional Prometheus scrape endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// Default returns a fully-populated configuration with every tunable
// at its default value.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills in zero-valued tunables.
func applyDefaults(cfg *Config) {
	if cfg.Store.BusyTimeout == 0 {
		cfg.Store.BusyTimeout = 5 * time.Second
	}
	if cfg.Store.SlowQueryThreshold == 0 {
		cfg.Store.SlowQueryThreshold = 250 * time.Millisecond
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1000
	}
	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = 5 * time.Minute
	}
	if cfg.Cache.CleanupInterval == 0 {
		cfg.Cache.CleanupInterval = time.Minute
	}
	if cfg.Txn.MaxSlots == 0 {
		cfg.Txn.MaxSlots = 4
	}
	if cfg.Txn.MaxRetries == 0 {
		cfg.Txn.MaxRetries = 3
	}
	if cfg.Txn.RetryBaseDelay == 0 {
		cfg.Txn.RetryBaseDelay = 50 * time.Millisecond
	}
	if cfg.Txn.RetryMaxDelay == 0 {
		cfg.Txn.RetryMaxDelay = 2 * time.Second
	}
	if cfg.Txn.Timeout == 0 {
		cfg.Txn.Timeout = 30 * time.Second
	}
	if cfg.Txn.ShutdownGrace == 0 {
		cfg.Txn.ShutdownGrace = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all configuration fields are within bounds.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Store.BusyTimeout < 0 {
		return fmt.Errorf("store.busy_timeout must not be negative")
	}
	if c.Store.SlowQueryThreshold <= 0 {
		return fmt.Errorf("store.slow_query_threshold must be positive")
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be at least 1")
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be positive")
	}
	if c.Cache.CleanupInterval <= 0 {
		return fmt.Errorf("cache.cleanup_interval must be positive")
	}
	if c.Txn.MaxSlots < 1 {
		return fmt.Errorf("txn.max_slots must be at least 1")
	}
	if c.Txn.MaxRetries < 0 {
		return fmt.Errorf("txn.max_retries must not be negative")
	}
	if c.Txn.RetryBaseDelay <= 0 {
		return fmt.Errorf("txn.retry_base_delay must be positive")
	}
	if c.Txn.RetryMaxDelay < c.Txn.RetryBaseDelay {
		return fmt.Errorf("txn.retry_max_delay must be at least txn.retry_base_delay")
	}
	if c.Txn.Timeout <= 0 {
		return fmt.Errorf("txn.timeout must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Store.BusyTimeoutRaw, &cfg.Store.BusyTimeout, "store.busy_timeout"},
		{cfg.Store.SlowQueryThresholdRaw, &cfg.Store.SlowQueryThreshold, "store.slow_query_threshold"},
		{cfg.Cache.DefaultTTLRaw, &cfg.Cache.DefaultTTL, "cache.default_ttl"},
		{cfg.Cache.CleanupIntervalRaw, &cfg.Cache.CleanupInterval, "cache.cleanup_interval"},
		{cfg.Txn.RetryBaseDelayRaw, &cfg.Txn.RetryBaseDelay, "txn.retry_base_delay"},
		{cfg.Txn.RetryMaxDelayRaw, &cfg.Txn.RetryMaxDelay, "txn.retry_max_delay"},
		{cfg.Txn.TimeoutRaw, &cfg.Txn.Timeout, "txn.timeout"},
		{cfg.Txn.ShutdownGraceRaw, &cfg.Txn.ShutdownGrace, "txn.shutdown_grace"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// Manager holds the live configuration snapshot. Reads see an
// immutable copy; Update swaps in a new validated copy atomically.
type Manager struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewManager wraps an already-validated configuration.
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = Default()
	}
	return &Manager{cfg: cfg}
}

// Get returns the current configuration snapshot. Callers must not
// mutate the returned value.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Update applies fn to a copy of the current configuration, validates
// the result, and swaps it in. The previous snapshot stays visible to
// in-flight readers.
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := *m.cfg
	fn(&next)
	if err := next.Validate(); err != nil {
		return fmt.Errorf("validating updated config: %w", err)
	}
	m.cfg = &next
	return nil
}
