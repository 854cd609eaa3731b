// Package config handles relay configuration: built-in defaults, an optional
// TOML file, and CLI/environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cors-relay/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config          string         `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host            string         `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port            int            `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	OriginWhitelist []string       `kong:"help='Allowed target origins, comma separated (overrides config).',env='ORIGIN_WHITELIST',sep=','"`
	OriginBlacklist []string       `kong:"help='Denied target origins, comma separated (overrides config).',env='ORIGIN_BLACKLIST',sep=','"`
	RequireHeader   []string       `kong:"help='Request must carry one of these headers (overrides config).',env='REQUIRE_HEADER',sep=','"`
	NoRequireHeader bool           `kong:"help='Disable the required-header check.',env='NO_REQUIRE_HEADER'"`
	RemoveHeaders   []string       `kong:"help='Headers stripped before forwarding (overrides config).',env='REMOVE_HEADERS',sep=','"`
	UpstreamTimeout *time.Duration `kong:"help='Max wait for upstream response headers, e.g. 30s; 0 disables (overrides config).',env='UPSTREAM_TIMEOUT'"`
	LogLevel        string         `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is built once by
// Load and must not be modified afterwards.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Relay    RelayConfig    `toml:"relay"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (7080)
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// RelayConfig holds the relay policy.
type RelayConfig struct {
	// OriginWhitelist restricts relay targets. Empty allows any target.
	OriginWhitelist []string `toml:"origin_whitelist"`
	OriginBlacklist []string `toml:"origin_blacklist"`
	// RequireHeader lists headers of which at least one must be present.
	// nil means "use default"; an explicit empty list disables the check.
	RequireHeader []string          `toml:"require_header"`
	RemoveHeaders []string          `toml:"remove_headers"`
	SetHeaders    map[string]string `toml:"set_headers"`
	CORSMaxAge    int               `toml:"cors_max_age"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	ResponseTimeout Duration `toml:"response_timeout"`
	ConnectTimeout  Duration `toml:"connect_timeout"`
	IdleConnections int      `toml:"idle_connections"`
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

// Duration is a time.Duration that decodes from TOML strings such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default relay policy, matching the cors-anywhere setup this relay replaces.
var (
	DefaultRequireHeader = []string{"origin", "x-requested-with"}
	DefaultRemoveHeaders = []string{"cookie", "cookie2"}
)

// DefaultResponseTimeout bounds the wait for upstream response headers when
// upstream.response_timeout is not set. Zero disables the bound.
const DefaultResponseTimeout = 30 * time.Second

// Reserved local routes. Relay targets always start with "/http".
const (
	HealthPath = "/healthz"
	StatusPath = "/relay/status"
)

// Load builds the configuration from defaults, the TOML config file (if any)
// and CLI overrides. When no explicit path is given (via --config or
// CONFIG_PATH), it searches /etc/cors-relay/config.toml then
// configs/config.toml. A missing file is not an error.
func Load(cli *CLI) (*Config, error) {
	// Absent TOML keys leave these untouched, so an explicit zero survives.
	cfg := Config{
		Upstream: UpstreamConfig{ResponseTimeout: Duration{DefaultResponseTimeout}},
	}

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
	cfg.normalize()
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
	if len(cli.OriginWhitelist) > 0 {
		c.Relay.OriginWhitelist = cli.OriginWhitelist
	}
	if len(cli.OriginBlacklist) > 0 {
		c.Relay.OriginBlacklist = cli.OriginBlacklist
	}
	if len(cli.RequireHeader) > 0 {
		c.Relay.RequireHeader = cli.RequireHeader
	}
	if cli.NoRequireHeader {
		c.Relay.RequireHeader = []string{}
	}
	if len(cli.RemoveHeaders) > 0 {
		c.Relay.RemoveHeaders = cli.RemoveHeaders
	}
	if cli.UpstreamTimeout != nil {
		c.Upstream.ResponseTimeout = Duration{*cli.UpstreamTimeout}
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.ResponseTimeout.Duration < 0 {
		return fmt.Errorf("upstream.response_timeout must be non-negative; got %s", c.Upstream.ResponseTimeout)
	}
	if c.Upstream.ConnectTimeout.Duration < 0 {
		return fmt.Errorf("upstream.connect_timeout must be non-negative; got %s", c.Upstream.ConnectTimeout)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Relay.CORSMaxAge < 0 {
		return fmt.Errorf("relay.cors_max_age must be non-negative; got %d", c.Relay.CORSMaxAge)
	}

	// Origin lists.
	for _, o := range c.Relay.OriginWhitelist {
		if _, err := ParseOrigin(o); err != nil {
			return fmt.Errorf("relay.origin_whitelist: %w", err)
		}
	}
	for _, o := range c.Relay.OriginBlacklist {
		if _, err := ParseOrigin(o); err != nil {
			return fmt.Errorf("relay.origin_blacklist: %w", err)
		}
	}

	// Header names.
	for _, h := range c.Relay.RequireHeader {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("relay.require_header contains an empty header name")
		}
	}
	for _, h := range c.Relay.RemoveHeaders {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("relay.remove_headers contains an empty header name")
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if strings.HasPrefix(strings.ToLower(p), "/http") {
			return fmt.Errorf("metrics.path %q conflicts with relay target paths", p)
		}
		for _, reserved := range []string{HealthPath, StatusPath} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with defaults.
// Port 0 means "unset" because TOML cannot distinguish between an explicit 0
// and an omitted key. Lists use nil as "unset" so an explicit empty list in
// the file survives.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 7080
	}
	if c.Relay.RequireHeader == nil {
		c.Relay.RequireHeader = append([]string(nil), DefaultRequireHeader...)
	}
	if c.Relay.RemoveHeaders == nil {
		c.Relay.RemoveHeaders = append([]string(nil), DefaultRemoveHeaders...)
	}
	if c.Upstream.ConnectTimeout.Duration == 0 {
		c.Upstream.ConnectTimeout = Duration{10 * time.Second}
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
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

// normalize canonicalizes origins and header names so lookups are exact.
// It runs after validate, so ParseOrigin cannot fail here.
func (c *Config) normalize() {
	c.Relay.OriginWhitelist = normalizeOrigins(c.Relay.OriginWhitelist)
	c.Relay.OriginBlacklist = normalizeOrigins(c.Relay.OriginBlacklist)
	c.Relay.RequireHeader = normalizeHeaders(c.Relay.RequireHeader)
	c.Relay.RemoveHeaders = normalizeHeaders(c.Relay.RemoveHeaders)
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		n, _ := ParseOrigin(o)
		out = append(out, n)
	}
	return out
}

func normalizeHeaders(in []string) []string {
	out := make([]string, 0, len(in))
	for _, h := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(h)))
	}
	return out
}

// ParseOrigin validates an origin of the form scheme://host[:port] and
// returns its canonical form: lower-case scheme and host, default port elided,
// no trailing slash.
func ParseOrigin(s string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid origin %q: %w", s, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("origin %q must use http or https", s)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q has no host", s)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return "", fmt.Errorf("origin %q must be scheme://host[:port] only", s)
	}
	return OriginOf(u), nil
}

// OriginOf returns the canonical scheme://host[:port] of an absolute URL.
func OriginOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		return scheme + "://" + host + ":" + port
	}
	return scheme + "://" + host
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

// WarnOpenRelay logs a warning when the relay will forward to any origin.
func (c *Config) WarnOpenRelay(logger *slog.Logger) {
	if len(c.Relay.OriginWhitelist) > 0 {
		return
	}
	logger.Warn("origin whitelist is empty: any target origin will be relayed; do not expose this relay outside development",
		"addr", c.Server.Addr(),
	)
}
