// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // locale.timezone must resolve on hosts without a zoneinfo database

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/pullcache/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Origin     string `kong:"help='Origin base URL (overrides config).',env='SOURCE_ORIGIN'"`
	CacheRoot  string `kong:"help='Cache root directory (overrides config).',env='CACHE_ROOT'"`
	Extensions string `kong:"help='Comma-separated cacheable extensions (overrides config).',env='CACHEABLE_EXTENSIONS'"`
	WebPAPIKey string `kong:"name='webp-api-key',help='WebP conversion API key (overrides config).',env='WEBP_API_KEY'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Debug      bool   `kong:"help='Enable debug mode.',env='DEBUG'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Origin  OriginConfig  `toml:"origin"`
	Cache   CacheConfig   `toml:"cache"`
	WebP    WebPConfig    `toml:"webp"`
	Locale  LocaleConfig  `toml:"locale"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
	Debug   bool          `toml:"debug"`

	filePath   string         // resolved config file path (unexported)
	extensions map[string]bool
	location   *time.Location
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host      string          `toml:"host"`
	Port      int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// OriginConfig describes the upstream server assets are pulled from.
type OriginConfig struct {
	BaseURL               string `toml:"base_url"`
	TimeoutSeconds        int    `toml:"timeout_seconds"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
	MaxRedirects          int    `toml:"max_redirects"`
	UserAgent             string `toml:"user_agent"`
	// VerifyTLS enables certificate checks on the origin connection. Off by default:
	// the origin is trusted and frequently served with self-signed certificates.
	VerifyTLS bool `toml:"verify_tls"`
}

// CacheConfig controls the on-disk cache tree.
type CacheConfig struct {
	Root          string `toml:"root"`
	Extensions    string `toml:"extensions"` // comma-separated, case-insensitive
	ExpirySeconds int    `toml:"expiry_seconds"`
	CoalesceFills bool   `toml:"coalesce_fills"`
}

// WebPConfig holds the image conversion API settings. Transcoding is disabled
// unless both APIURL and APIKey are set.
type WebPConfig struct {
	APIURL         string `toml:"api_url"`
	APIKey         string `toml:"api_key"`
	APIKeyHeader   string `toml:"api_key_header"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	VerifyTLS      bool   `toml:"verify_tls"`
}

// LocaleConfig carries charset, timezone and locale settings.
type LocaleConfig struct {
	Charset  string `toml:"charset"`
	Timezone string `toml:"timezone"`
	Locale   string `toml:"locale"`
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

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/pullcache/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.resolve(); err != nil {
		return nil, fmt.Errorf("config: resolve: %w", err)
	}
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
	if cli.Origin != "" {
		c.Origin.BaseURL = cli.Origin
	}
	if cli.CacheRoot != "" {
		c.Cache.Root = cli.CacheRoot
	}
	if cli.Extensions != "" {
		c.Cache.Extensions = cli.Extensions
	}
	if cli.WebPAPIKey != "" {
		c.WebP.APIKey = cli.WebPAPIKey
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Debug {
		c.Debug = true
	}
}

func (c *Config) validate() error {
	// Origin URL: required, absolute http(s).
	if c.Origin.BaseURL == "" {
		return fmt.Errorf("origin.base_url is required")
	}
	u, err := url.Parse(c.Origin.BaseURL)
	if err != nil {
		return fmt.Errorf("origin.base_url is not a valid URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("origin.base_url must be an absolute http(s) URL; got %q", c.Origin.BaseURL)
	}

	if c.Cache.Root == "" {
		return fmt.Errorf("cache.root is required")
	}
	if len(ParseExtensions(c.Cache.Extensions)) == 0 {
		return fmt.Errorf("cache.extensions must list at least one extension")
	}

	if c.WebP.APIURL != "" {
		wu, err := url.Parse(c.WebP.APIURL)
		if err != nil || (wu.Scheme != "http" && wu.Scheme != "https") || wu.Host == "" {
			return fmt.Errorf("webp.api_url must be an absolute http(s) URL; got %q", c.WebP.APIURL)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Origin.TimeoutSeconds < 0 {
		return fmt.Errorf("origin.timeout_seconds must be non-negative; got %d", c.Origin.TimeoutSeconds)
	}
	if c.Origin.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("origin.connect_timeout_seconds must be non-negative; got %d", c.Origin.ConnectTimeoutSeconds)
	}
	if c.Origin.MaxRedirects < 0 {
		return fmt.Errorf("origin.max_redirects must be non-negative; got %d", c.Origin.MaxRedirects)
	}
	if c.Cache.ExpirySeconds < 0 {
		return fmt.Errorf("cache.expiry_seconds must be non-negative; got %d", c.Cache.ExpirySeconds)
	}
	if c.WebP.TimeoutSeconds < 0 {
		return fmt.Errorf("webp.timeout_seconds must be non-negative; got %d", c.WebP.TimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled). Paths with an
	// extension would shadow cacheable assets.
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
		if strings.Contains(p[strings.LastIndex(p, "/"):], ".") {
			return fmt.Errorf("metrics.path %q must not carry a file extension", p)
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	c.Origin.BaseURL = strings.TrimRight(c.Origin.BaseURL, "/")
	if c.Origin.TimeoutSeconds == 0 {
		c.Origin.TimeoutSeconds = 60
	}
	if c.Origin.ConnectTimeoutSeconds == 0 {
		c.Origin.ConnectTimeoutSeconds = 5
	}
	if c.Origin.MaxRedirects == 0 {
		c.Origin.MaxRedirects = 4
	}
	if c.Origin.UserAgent == "" {
		c.Origin.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:81.0) Gecko/20100101 Firefox/81.0"
	}
	if c.Cache.ExpirySeconds == 0 {
		c.Cache.ExpirySeconds = 86400
	}
	if c.WebP.APIKeyHeader == "" {
		c.WebP.APIKeyHeader = "x-api-key"
	}
	if c.WebP.TimeoutSeconds == 0 {
		c.WebP.TimeoutSeconds = 30
	}
	if c.Locale.Charset == "" {
		c.Locale.Charset = "UTF-8"
	}
	if c.Locale.Timezone == "" {
		c.Locale.Timezone = "Local"
	}
	if c.Locale.Locale == "" {
		c.Locale.Locale = "en_US"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Debug {
		c.Log.Level = "debug"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// resolve computes derived values that depend on defaults being applied.
func (c *Config) resolve() error {
	loc, err := time.LoadLocation(c.Locale.Timezone)
	if err != nil {
		return fmt.Errorf("locale.timezone %q: %w", c.Locale.Timezone, err)
	}
	c.location = loc

	c.extensions = make(map[string]bool)
	for _, ext := range ParseExtensions(c.Cache.Extensions) {
		c.extensions[ext] = true
	}
	return nil
}

// ParseExtensions splits a comma-separated extension list, lower-casing and
// trimming each entry and dropping empty ones.
func ParseExtensions(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		part = strings.TrimPrefix(part, ".")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsCacheable reports whether ext (already lower-cased) is in the allow-list.
func (c *Config) IsCacheable(ext string) bool {
	if c.extensions == nil {
		for _, e := range ParseExtensions(c.Cache.Extensions) {
			if e == ext {
				return true
			}
		}
		return false
	}
	return c.extensions[ext]
}

// Location returns the configured timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

// TranscodingEnabled reports whether both the WebP API URL and key are set.
func (c *WebPConfig) TranscodingEnabled() bool {
	return c.APIURL != "" && c.APIKey != ""
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may hold the WebP API key.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
