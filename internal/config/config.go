// Package config handles environment, flag and TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	toml "github.com/pelletier/go-toml/v2"
)

// DefaultBindAddr is the gateway listen address used when none is configured.
const DefaultBindAddr = "127.0.0.1:3000"

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/authgate/config.toml",
	"configs/config.toml",
}

func init() {
	// Report validation errors with the TOML key names users actually write.
	validation.ErrorTag = "toml"
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Version         kong.VersionFlag `kong:"help='Print version and exit.'"`
	Config          string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	AuthToken       string           `kong:"help='Exact Authorization header value every request must carry.',env='AUTH_TOKEN'"`
	UpstreamURL     string           `kong:"help='Upstream origin (scheme://host[:port]) requests are forwarded to.',env='UPSTREAM_URL'"`
	BindAddr        string           `kong:"help='Gateway listen address (host:port).',env='BIND_ADDR'"`
	UpstreamTimeout int              `kong:"help='Overall upstream request timeout in seconds; 0 waits for the transport.',env='UPSTREAM_TIMEOUT_SECONDS'"`
	AdminAddr       string           `kong:"help='Enable the admin listener (health, metrics) on host:port.',env='ADMIN_ADDR'"`
	LogLevel        string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	LogFormat       string           `kong:"help='Log format: json|text (overrides config).',env='LOG_FORMAT'"`
}

// Config is the top-level application configuration. It is built once by Load
// and shared read-only afterwards.
type Config struct {
	Auth     AuthConfig     `toml:"auth"`
	Upstream UpstreamConfig `toml:"upstream"`
	Server   ServerConfig   `toml:"server"`
	Log      LogConfig      `toml:"log"`
	Admin    AdminConfig    `toml:"admin"`

	filePath string // resolved config file path (unexported)
}

// AuthConfig holds the static bearer credential.
type AuthConfig struct {
	Token string `toml:"token"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	URL             string `toml:"url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"` // 0 means no overall timeout
	IdleConnections int    `toml:"idle_connections"`
}

// ServerConfig holds gateway listener settings.
type ServerConfig struct {
	BindAddr     string          `toml:"bind_addr"`
	BodyMaxBytes int64           `toml:"body_max_bytes"` // 0 means unlimited
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdminConfig holds settings for the health and metrics listener.
type AdminConfig struct {
	Enabled     bool   `toml:"enabled"`
	BindAddr    string `toml:"bind_addr"`
	MetricsPath string `toml:"metrics_path"`
}

// Load reads the optional TOML config file, applies CLI and environment
// overrides, fills defaults and validates the result.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/authgate/config.toml then configs/config.toml; finding none is fine.
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
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.AuthToken != "" {
		c.Auth.Token = cli.AuthToken
	}
	if cli.UpstreamURL != "" {
		c.Upstream.URL = cli.UpstreamURL
	}
	if cli.BindAddr != "" {
		c.Server.BindAddr = cli.BindAddr
	}
	if cli.UpstreamTimeout != 0 {
		c.Upstream.TimeoutSeconds = cli.UpstreamTimeout
	}
	if cli.AdminAddr != "" {
		c.Admin.Enabled = true
		c.Admin.BindAddr = cli.AdminAddr
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		c.Log.Format = cli.LogFormat
	}
}

// setDefaults fills zero-valued fields with defaults. TOML cannot distinguish
// an explicit 0 from an omitted key, so zero means "unset" for IdleConnections.
func (c *Config) setDefaults() {
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)

	if c.Server.BindAddr == "" {
		c.Server.BindAddr = DefaultBindAddr
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
	if c.Admin.BindAddr == "" {
		c.Admin.BindAddr = "127.0.0.1:9090"
	}
	if c.Admin.MetricsPath == "" {
		c.Admin.MetricsPath = "/metrics"
	}
}

func (c *Config) validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Auth),
		validation.Field(&c.Upstream),
		validation.Field(&c.Server),
		validation.Field(&c.Log),
		validation.Field(&c.Admin),
	)
}

// Validate implements validation.Validatable.
func (a AuthConfig) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Token, validation.Required.Error("is required (set AUTH_TOKEN)")),
	)
}

// Validate implements validation.Validatable.
func (u UpstreamConfig) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.URL,
			validation.Required.Error("is required (set UPSTREAM_URL)"),
			validation.By(validateOrigin),
		),
		validation.Field(&u.TimeoutSeconds, validation.Min(0)),
		validation.Field(&u.IdleConnections, validation.Min(0)),
	)
}

// Validate implements validation.Validatable.
func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.BindAddr, validation.Required, validation.By(validateHostPort)),
		validation.Field(&s.BodyMaxBytes, validation.Min(int64(0))),
		validation.Field(&s.RateLimit),
	)
}

// Validate implements validation.Validatable.
func (r RateLimitConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RequestsPerSecond,
			validation.When(r.Enabled, validation.Required.Error("must be > 0 when rate limiting is enabled"), validation.Min(0.0).Exclusive()),
		),
	)
}

// Validate implements validation.Validatable.
func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "error").Error("must be one of: debug, info, warn, error")),
		validation.Field(&l.Format, validation.In("json", "text").Error("must be one of: json, text")),
	)
}

// Validate implements validation.Validatable. An admin listener that is not
// enabled is not validated.
func (a AdminConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	return validation.ValidateStruct(&a,
		validation.Field(&a.BindAddr, validation.Required, validation.By(validateHostPort)),
		validation.Field(&a.MetricsPath, validation.Required, validation.By(validateRoutePath)),
	)
}

// Timeout returns the overall upstream request timeout; zero disables it.
func (u *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// ParseOrigin parses raw as an upstream origin. Only http and https URLs with a
// host are accepted; a path other than "/", a query or a fragment is rejected
// because the gateway forwards the inbound path and query verbatim.
// The returned URL carries only the scheme and authority.
func ParseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("must use http or https scheme; got %q", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("must have a host; got %q", raw)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("must be an origin without path, query or fragment; got %q", raw)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

func validateOrigin(value interface{}) error {
	raw, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if raw == "" {
		return nil
	}
	if _, err := ParseOrigin(raw); err != nil {
		return validation.NewError("validation_invalid_origin", err.Error())
	}
	return nil
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}
	if err := validation.Validate(port, validation.Required, is.Port); err != nil {
		return validation.NewError("validation_invalid_port", "must have a valid port")
	}
	if host != "" {
		if err := validation.Validate(host, is.Host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateRoutePath(value interface{}) error {
	p, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if !strings.HasPrefix(p, "/") {
		return validation.NewError("validation_invalid_path", "must start with '/'")
	}
	for _, reserved := range []string{"/healthz", "/status"} {
		if p == reserved {
			return validation.NewError("validation_reserved_path", fmt.Sprintf("conflicts with reserved route %q", reserved))
		}
	}
	return nil
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

// WarnPermissions logs a warning if the config file is readable by group or
// others. The file may hold the auth token.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("config file stat failed", "path", c.filePath, "err", err)
		}
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
