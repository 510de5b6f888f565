// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/adk-router/config.toml",
	"configs/config.toml",
}

// DefaultBackendURL is the ADK backend origin used when none is configured.
const DefaultBackendURL = "http://127.0.0.1:8000"

// Keystore drivers.
const (
	KeystoreNone     = "none"
	KeystoreSQLite   = "sqlite"
	KeystorePostgres = "postgres"
	KeystoreFile     = "file"
)

// Hook names accepted in hooks.disabled.
const (
	HookLogging = "logging"
	HookMetrics = "metrics"
)

// reservedPaths are routes the metrics endpoint must not shadow.
var reservedPaths = []string{"/api/adk-router", "/api/adk-router-health", "/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config         string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host           string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port           int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BackendURL     string `kong:"help='ADK backend origin (overrides config).',env='ADK_BACKEND_URL'"`
	PublicURL      string `kong:"help='Public origin of this router (overrides config).',env='NEXT_PUBLIC_APP_URL'"`
	LogLevel       string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	KeystoreDriver string `kong:"help='Provider key store: none|sqlite|postgres|file (overrides config).',env='KEYSTORE_DRIVER'"`
	KeystoreDSN    string `kong:"help='Provider key store DSN or file path (overrides config).',env='KEYSTORE_DSN'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Backend  BackendConfig  `toml:"backend"`
	Router   RouterConfig   `toml:"router"`
	Keystore KeystoreConfig `toml:"keystore"`
	Hooks    HooksConfig    `toml:"hooks"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BackendConfig holds ADK backend connection settings.
type BackendConfig struct {
	BaseURL string `toml:"base_url"`
	// TimeoutSeconds bounds the wait for response headers. Bodies are not
	// bounded so that long SSE runs survive.
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// RouterConfig describes how other code reaches this router.
type RouterConfig struct {
	PublicURL string `toml:"public_url"`
}

// KeystoreConfig selects the provider-key backend.
type KeystoreConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`   // sqlite path or postgres connection string
	Path   string `toml:"path"`  // YAML file for the file driver
	Watch  bool   `toml:"watch"` // reload the YAML file on change
}

// HooksConfig controls the built-in interceptors.
type HooksConfig struct {
	Disabled       []string `toml:"disabled"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load builds the configuration from an optional TOML file and CLI overrides.
// Without --config the search paths are tried; if none exists only defaults
// and overrides apply.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.BackendURL != "" {
		c.Backend.BaseURL = cli.BackendURL
	}
	if cli.PublicURL != "" {
		c.Router.PublicURL = cli.PublicURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.KeystoreDriver != "" {
		c.Keystore.Driver = cli.KeystoreDriver
	}
	if cli.KeystoreDSN != "" {
		if strings.ToLower(c.Keystore.Driver) == KeystoreFile {
			c.Keystore.Path = cli.KeystoreDSN
		} else {
			c.Keystore.DSN = cli.KeystoreDSN
		}
	}
}

func (c *Config) validate() error {
	checks := []func() error{
		c.validateURLs,
		c.validateBounds,
		c.Keystore.validate,
		c.Hooks.validate,
		c.Log.validate,
		c.Metrics.validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateURLs() error {
	for _, u := range []struct{ field, raw string }{
		{"backend.base_url", c.Backend.BaseURL},
		{"router.public_url", c.Router.PublicURL},
	} {
		if u.raw == "" {
			continue
		}
		if err := validateHTTPURL(u.field, u.raw); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateBounds() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be within 0-65535; got %d", c.Server.Port)
	}
	for _, n := range []struct {
		field string
		value int64
	}{
		{"server.body_max_bytes", c.Server.BodyMaxBytes},
		{"backend.timeout_seconds", int64(c.Backend.TimeoutSeconds)},
		{"backend.idle_connections", int64(c.Backend.IdleConnections)},
		{"hooks.timeout_seconds", int64(c.Hooks.TimeoutSeconds)},
	} {
		if n.value < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", n.field, n.value)
		}
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	return nil
}

func (k *KeystoreConfig) validate() error {
	switch strings.ToLower(k.Driver) {
	case "", KeystoreNone:
	case KeystoreSQLite, KeystorePostgres:
		if k.DSN == "" {
			return fmt.Errorf("keystore.dsn is required for driver %q", k.Driver)
		}
	case KeystoreFile:
		if k.Path == "" {
			return fmt.Errorf("keystore.path is required for driver %q", k.Driver)
		}
	default:
		return fmt.Errorf("keystore.driver must be one of: none, sqlite, postgres, file; got %q", k.Driver)
	}
	return nil
}

func (h *HooksConfig) validate() error {
	for _, name := range h.Disabled {
		if name != HookLogging && name != HookMetrics {
			return fmt.Errorf("hooks.disabled entries must be one of: logging, metrics; got %q", name)
		}
	}
	return nil
}

func (l *LogConfig) validate() error {
	if !slices.Contains([]string{"", "debug", "info", "warn", "error"}, strings.ToLower(l.Level)) {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", l.Level)
	}
	if !slices.Contains([]string{"", "json", "text"}, strings.ToLower(l.Format)) {
		return fmt.Errorf("log.format must be one of: json, text; got %q", l.Format)
	}
	return nil
}

// validate checks the scrape path only when metrics are served.
func (m *MetricsConfig) validate() error {
	if !m.Enabled || m.Path == "" {
		return nil
	}
	if !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/'; got %q", m.Path)
	}
	for _, reserved := range reservedPaths {
		if m.Path == reserved || strings.HasPrefix(m.Path, reserved+"/") {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", m.Path, reserved)
		}
	}
	return nil
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https; got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host; got %q", field, raw)
	}
	return nil
}

// setDefaults fills zero values. Numeric zero means unset.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 << 20
	}
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = DefaultBackendURL
	}
	c.Backend.BaseURL = strings.TrimRight(c.Backend.BaseURL, "/")
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 120
	}
	if c.Backend.IdleConnections == 0 {
		c.Backend.IdleConnections = 100
	}
	if c.Router.PublicURL == "" {
		c.Router.PublicURL = fmt.Sprintf("http://127.0.0.1:%d", c.Server.Port)
	}
	c.Router.PublicURL = strings.TrimRight(c.Router.PublicURL, "/")
	c.Keystore.Driver = strings.ToLower(c.Keystore.Driver)
	if c.Keystore.Driver == "" {
		c.Keystore.Driver = KeystoreNone
	}
	if c.Hooks.TimeoutSeconds == 0 {
		c.Hooks.TimeoutSeconds = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// HookEnabled reports whether the named built-in interceptor is active.
func (c *Config) HookEnabled(name string) bool {
	return !slices.Contains(c.Hooks.Disabled, name)
}

func findConfig() string {
	return firstExisting(configSearchPaths)
}

// firstExisting returns the first of paths present on disk.
func firstExisting(paths []string) string {
	i := slices.IndexFunc(paths, func(p string) bool {
		_, err := os.Stat(p)
		return err == nil
	})
	if i < 0 {
		return ""
	}
	return paths[i]
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WarnPermissions warns when the config file, which may hold a postgres DSN
// with credentials, is accessible to group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil || info.Mode().Perm()&0o077 == 0 {
		return
	}
	logger.Warn("config file is accessible to group/others, run chmod 600",
		"path", c.filePath,
		"mode", fmt.Sprintf("%04o", info.Mode().Perm()),
	)
}
