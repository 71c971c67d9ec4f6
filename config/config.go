package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/migadu/sift/helpers"
)

// LoggingConfig controls log output.
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	Hosts           []string `toml:"hosts"` // Database hosts, optionally with ports ("db1:5432")
	Port            string   `toml:"port"`  // Default port when a host carries none (default: "5432")
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	Name            string   `toml:"name"`
	TLSMode         bool     `toml:"tls"`
	MaxConns        int      `toml:"max_conns"`
	MinConns        int      `toml:"min_conns"`
	MaxConnLifetime string   `toml:"max_conn_lifetime"`
	MaxConnIdleTime string   `toml:"max_conn_idle_time"`
	QueryTimeout    string   `toml:"query_timeout"` // Timeout for individual queries (default: "30s")
	Debug           bool     `toml:"debug"`         // Enable SQL query logging
}

// GetMaxConnLifetime parses the max connection lifetime duration.
func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration.
func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if d.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MaxConnIdleTime)
}

// GetQueryTimeout parses the query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// HTTPAPIConfig holds the management HTTP API settings.
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`          // Listen address (e.g., ":8080")
	APIKey       string   `toml:"api_key"`       // Bearer token required on every request
	AllowedHosts []string `toml:"allowed_hosts"` // Remote hosts allowed to connect; empty allows all
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// MetricsConfig holds the Prometheus exporter settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"` // Listen address (e.g., ":9090")
	Path    string `toml:"path"` // Scrape path (default: "/metrics")
}

// EngineConfig bounds a single account's rule collections and tunes how
// often snapshots reach the database.
type EngineConfig struct {
	MaxFiltersPerAccount   int    `toml:"max_filters_per_account"`   // Default: 100
	MaxConditionsPerFilter int    `toml:"max_conditions_per_filter"` // Default: 20
	MaxActionsPerFilter    int    `toml:"max_actions_per_filter"`    // Default: 10
	SaveDelay              string `toml:"save_delay"`                // Snapshot debounce (default: "2s")
	MaxBodyBytes           int64  `toml:"max_body_bytes"`            // Cap on body text fed to conditions (default: 1 MiB)
}

// GetSaveDelay parses the snapshot debounce duration.
func (e *EngineConfig) GetSaveDelay() (time.Duration, error) {
	if e.SaveDelay == "" {
		return 2 * time.Second, nil
	}
	return helpers.ParseDuration(e.SaveDelay)
}

// GetMaxFiltersPerAccount returns the filter count cap.
func (e *EngineConfig) GetMaxFiltersPerAccount() int {
	if e.MaxFiltersPerAccount <= 0 {
		return 100
	}
	return e.MaxFiltersPerAccount
}

// GetMaxConditionsPerFilter returns the per-filter condition cap.
func (e *EngineConfig) GetMaxConditionsPerFilter() int {
	if e.MaxConditionsPerFilter <= 0 {
		return 20
	}
	return e.MaxConditionsPerFilter
}

// GetMaxActionsPerFilter returns the per-filter action cap.
func (e *EngineConfig) GetMaxActionsPerFilter() int {
	if e.MaxActionsPerFilter <= 0 {
		return 10
	}
	return e.MaxActionsPerFilter
}

// GetMaxBodyBytes returns the body text cap.
func (e *EngineConfig) GetMaxBodyBytes() int64 {
	if e.MaxBodyBytes <= 0 {
		return 1 << 20
	}
	return e.MaxBodyBytes
}

// DeliveryConfig selects where applied mail lands in standalone
// deployments. When MaildirPath is empty the delivery hook is disabled
// and the process only serves rule management.
type DeliveryConfig struct {
	MaildirPath string `toml:"maildir_path"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	HTTPAPI  HTTPAPIConfig  `toml:"http_api"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Engine   EngineConfig   `toml:"engine"`
	Delivery DeliveryConfig `toml:"delivery"`
	Relay    RelayConfig    `toml:"relay"`
}

// NewDefaultConfig returns a config with sensible development defaults.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Hosts: []string{"localhost"},
			Port:  "5432",
			User:  "postgres",
			Name:  "sift",
		},
		HTTPAPI: HTTPAPIConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
	}
}

// Load reads a TOML config file over the defaults. A missing file is an
// error; callers that treat the file as optional check os.IsNotExist.
func Load(path string) (Config, error) {
	cfg := NewDefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if len(c.Database.Hosts) == 0 {
		return fmt.Errorf("database.hosts must not be empty")
	}
	for _, h := range c.Database.Hosts {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("database.hosts contains an empty host")
		}
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name must not be empty")
	}
	if _, err := c.Database.GetQueryTimeout(); err != nil {
		return fmt.Errorf("database.query_timeout: %w", err)
	}
	if _, err := c.Engine.GetSaveDelay(); err != nil {
		return fmt.Errorf("engine.save_delay: %w", err)
	}
	if c.HTTPAPI.Start && c.HTTPAPI.Addr == "" {
		return fmt.Errorf("http_api.addr must be set when http_api.start is true")
	}
	if c.HTTPAPI.TLS && (c.HTTPAPI.TLSCertFile == "" || c.HTTPAPI.TLSKeyFile == "") {
		return fmt.Errorf("http_api.tls requires tls_cert_file and tls_key_file")
	}
	if err := c.Relay.Validate(); err != nil {
		return err
	}
	return nil
}
