// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Header policy names accepted in [headers] policy.
const (
	PolicyAllowList = "allowlist"
	PolicyDenyList  = "denylist"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/gemini-proxy/config.toml",
	"configs/config.toml",
}

// defaultAllowHeaders are the request headers forwarded upstream under the
// allowlist policy. Names are in canonical form; matching is an exact key
// lookup on the inbound header collection.
var defaultAllowHeaders = []string{
	"Content-Type",
	"Authorization",
	"X-Goog-Api-Client",
	"X-Goog-Api-Key",
	"Accept-Encoding",
}

// defaultDenyHeaders are the request headers stripped under the denylist
// policy, matched case-insensitively. Everything else is forwarded.
var defaultDenyHeaders = []string{
	"cookie",
	"set-cookie",
	"host",
	"referer",
	"user-agent",
	"x-forwarded-for",
	"x-real-ip",
	"x-forwarded-host",
	"x-forwarded-proto",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Policy   string `kong:"help='Header policy: allowlist|denylist (overrides config).',env='HEADER_POLICY'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Retry    RetryConfig    `toml:"retry"`
	Headers  HeadersConfig  `toml:"headers"`
	CORS     CORSConfig     `toml:"cors"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"` // 0 disables the inbound body limit (streamed uploads may be arbitrarily large)
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL          string `toml:"base_url"`
	AttemptTimeoutMS int    `toml:"attempt_timeout_ms"` // per-attempt time budget until response headers arrive
	IdleConnections  int    `toml:"idle_connections"`
	DisableHTTP2     bool   `toml:"disable_http2"` // force HTTP/1.1 so the request body is fully written before headers are read
	ReservedParam    string `toml:"reserved_query_param"`
}

// RetryConfig controls the upstream retry loop. Waits between attempts grow
// linearly: delay_ms, 2*delay_ms, and so on.
type RetryConfig struct {
	MaxRetries int `toml:"max_retries"` // attempts beyond the first; 0 means "use default" (2)
	DelayMS    int `toml:"delay_ms"`    // backoff base; 0 means "use default" (1000)
}

// HeadersConfig selects and parameterizes the request header policy.
type HeadersConfig struct {
	Policy        string   `toml:"policy"`         // "allowlist" or "denylist"
	Allow         []string `toml:"allow"`          // exact names (allowlist); canonicalized on load
	AllowPatterns []string `toml:"allow_patterns"` // RE2 patterns matched against canonical names (allowlist)
	Deny          []string `toml:"deny"`           // case-insensitive names (denylist)
}

// CORSConfig holds the cross-origin headers stamped on every response.
type CORSConfig struct {
	AllowOrigin  string `toml:"allow_origin"`
	AllowMethods string `toml:"allow_methods"`
	AllowHeaders string `toml:"allow_headers"`
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
// /etc/gemini-proxy/config.toml then configs/config.toml.
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
	if cli.Policy != "" {
		c.Headers.Policy = cli.Policy
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Upstream URL: required and must be HTTPS.
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use HTTPS; got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.AttemptTimeoutMS < 0 {
		return fmt.Errorf("upstream.attempt_timeout_ms must be non-negative; got %d", c.Upstream.AttemptTimeoutMS)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be non-negative; got %d", c.Retry.MaxRetries)
	}
	if c.Retry.DelayMS < 0 {
		return fmt.Errorf("retry.delay_ms must be non-negative; got %d", c.Retry.DelayMS)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Header policy.
	switch strings.ToLower(c.Headers.Policy) {
	case PolicyAllowList, PolicyDenyList, "":
		// valid
	default:
		return fmt.Errorf("headers.policy must be one of: %s, %s; got %q", PolicyAllowList, PolicyDenyList, c.Headers.Policy)
	}
	for _, p := range c.Headers.AllowPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("headers.allow_patterns entry %q does not compile: %w", p, err)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/", "/healthz", "/proxy/status"} {
			if p == reserved || (reserved != "/" && strings.HasPrefix(p, reserved+"/")) {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, AttemptTimeoutMS, etc.), zero means "unset"
// because TOML cannot distinguish between an explicit 0 and an omitted key.
// BodyMaxBytes is the exception: it defaults to 0, which disables the limit.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Upstream.AttemptTimeoutMS == 0 {
		c.Upstream.AttemptTimeoutMS = 20000
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.ReservedParam == "" {
		c.Upstream.ReservedParam = "_path"
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 2
	}
	if c.Retry.DelayMS == 0 {
		c.Retry.DelayMS = 1000
	}
	if c.Headers.Policy == "" {
		c.Headers.Policy = PolicyAllowList
	}
	c.Headers.Policy = strings.ToLower(c.Headers.Policy)
	if len(c.Headers.Allow) == 0 {
		c.Headers.Allow = append([]string(nil), defaultAllowHeaders...)
	}
	if len(c.Headers.Deny) == 0 {
		c.Headers.Deny = append([]string(nil), defaultDenyHeaders...)
	}
	if c.CORS.AllowOrigin == "" {
		c.CORS.AllowOrigin = "*"
	}
	if c.CORS.AllowMethods == "" {
		c.CORS.AllowMethods = "*"
	}
	if c.CORS.AllowHeaders == "" {
		c.CORS.AllowHeaders = "*"
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

// FilePath returns the resolved config file path, or empty string when the
// config was built in code rather than loaded from disk.
func (c *Config) FilePath() string {
	return c.filePath
}
