// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/site-gateway/config.toml",
	"configs/config.toml",
}

// Upstream defaults. These are the hosts the public site's widget talks to.
const (
	DefaultAPIBaseURL    = "https://apimanagement-prod-qc-vq.azure-api.net"
	DefaultCDNBaseURL    = "https://fde-prd-qc-aiassistant-ui-bdg3bhapgadnfehh.a01.azurefd.net"
	DefaultCDNPathPrefix = "/built-frontend/"
	DefaultSiteOrigin    = "https://visitqatar.com"
	DefaultSiteReferer   = "https://visitqatar.com/"
)

// reservedRoutes are path prefixes owned by handlers; metrics.path may not shadow them.
var reservedRoutes = []string{"/api-proxy", "/avatar-proxy", "/healthz", "/proxy/status", "/apiProxy", "/avatarProxy"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT,FUNCTIONS_CUSTOMHANDLER_PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	SiteRoot string `kong:"help='Static site directory; enables the site server (overrides config).',env='SITE_ROOT'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Site      SiteConfig      `toml:"site"`
	Functions FunctionsConfig `toml:"functions"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (3000)
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// UpstreamConfig holds the two fixed upstreams and the identity presented to them.
type UpstreamConfig struct {
	APIBaseURL    string `toml:"api_base_url"`
	CDNBaseURL    string `toml:"cdn_base_url"`
	CDNPathPrefix string `toml:"cdn_path_prefix"`
	SiteOrigin    string `toml:"site_origin"`
	SiteReferer   string `toml:"site_referer"`

	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
	// MaxBufferBytes caps how much of an avatar response is held in memory for
	// decoding and rewriting. Larger bodies are streamed without rewriting.
	MaxBufferBytes int64 `toml:"max_buffer_bytes"`
}

// SiteConfig controls the static site server.
type SiteConfig struct {
	Enabled bool   `toml:"enabled"`
	Root    string `toml:"root"`
	// OverlayDir holds hand-maintained files (index.html, embed pages) that take
	// precedence over the downloaded site.
	OverlayDir      string `toml:"overlay_dir"`
	InjectBootstrap bool   `toml:"inject_bootstrap"`
	WidgetVersion   string `toml:"widget_version"`
}

// FunctionsConfig controls the Azure Functions custom handler front door.
type FunctionsConfig struct {
	Enabled bool `toml:"enabled"`
	// RoutePrefix is the path the Functions host mounts HTTP triggers under.
	RoutePrefix string `toml:"route_prefix"`
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
// /etc/site-gateway/config.toml then configs/config.toml.
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
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.SiteRoot != "" {
		c.Site.Root = cli.SiteRoot
		c.Site.Enabled = true
	}
}

func (c *Config) validate() error {
	// Upstream URLs: optional (defaulted) but must be HTTPS when set.
	for _, f := range []struct{ key, val string }{
		{"upstream.api_base_url", c.Upstream.APIBaseURL},
		{"upstream.cdn_base_url", c.Upstream.CDNBaseURL},
	} {
		if f.val == "" {
			continue
		}
		if err := validateHTTPSURL(f.key, f.val); err != nil {
			return err
		}
	}
	if p := c.Upstream.CDNPathPrefix; p != "" && (!strings.HasPrefix(p, "/") || !strings.HasSuffix(p, "/")) {
		return fmt.Errorf("upstream.cdn_path_prefix must start and end with '/'; got %q", p)
	}
	if o := c.Upstream.SiteOrigin; o != "" {
		u, err := url.Parse(o)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("upstream.site_origin must be an absolute origin; got %q", o)
		}
		if u.Path != "" && u.Path != "/" {
			return fmt.Errorf("upstream.site_origin must not contain a path; got %q", o)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxBufferBytes < 0 {
		return fmt.Errorf("upstream.max_buffer_bytes must be non-negative; got %d", c.Upstream.MaxBufferBytes)
	}

	if c.Site.Enabled && c.Site.Root == "" {
		return fmt.Errorf("site.root is required when the site server is enabled")
	}
	if p := c.Functions.RoutePrefix; p != "" && (!strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/")) {
		return fmt.Errorf("functions.route_prefix must start with '/' and not end with '/'; got %q", p)
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

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func validateHTTPSURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", key, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%s must use HTTPS; got %q", key, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host; got %q", key, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.APIBaseURL == "" {
		c.Upstream.APIBaseURL = DefaultAPIBaseURL
	}
	if c.Upstream.CDNBaseURL == "" {
		c.Upstream.CDNBaseURL = DefaultCDNBaseURL
	}
	c.Upstream.APIBaseURL = strings.TrimRight(c.Upstream.APIBaseURL, "/")
	c.Upstream.CDNBaseURL = strings.TrimRight(c.Upstream.CDNBaseURL, "/")
	if c.Upstream.CDNPathPrefix == "" {
		c.Upstream.CDNPathPrefix = DefaultCDNPathPrefix
	}
	if c.Upstream.SiteOrigin == "" {
		c.Upstream.SiteOrigin = DefaultSiteOrigin
	}
	c.Upstream.SiteOrigin = strings.TrimRight(c.Upstream.SiteOrigin, "/")
	if c.Upstream.SiteReferer == "" {
		c.Upstream.SiteReferer = c.Upstream.SiteOrigin + "/"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxBufferBytes == 0 {
		c.Upstream.MaxBufferBytes = 32 * 1024 * 1024 // 32 MB
	}
	if c.Site.WidgetVersion == "" {
		c.Site.WidgetVersion = "2.6.1"
	}
	if c.Functions.RoutePrefix == "" {
		c.Functions.RoutePrefix = "/api"
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
