// ABOUTME: Configuration loading and parsing for bullion-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultAuthTimeout     = 10 * time.Second
	DefaultPingInterval    = 25 * time.Second
	DefaultPongWait        = 60 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultSessionTTL      = 7 * 24 * time.Hour
	DefaultSendBuffer      = 64
	DefaultMaxMessageBytes = 4096
	DefaultInboundRate     = 20
	DefaultInboundBurst    = 40
	DefaultRelayChannel    = "bullion:realtime"
	DefaultMetricsPath     = "/metrics"
	DefaultDatabaseDriver  = "sqlite"
)

// Config represents the complete bullion-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Realtime  RealtimeConfig  `yaml:"realtime" toml:"realtime"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve HTTPS with tailnet certs on :443
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
	// Driver is "sqlite" (pure Go, default) or "sqlite3" (cgo).
	Driver string `yaml:"driver" toml:"driver"`
}

// AuthConfig holds session token configuration
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret" toml:"jwt_secret"`
	CookieName string        `yaml:"cookie_name" toml:"cookie_name"`
	SessionTTL time.Duration `yaml:"-" toml:"-"`

	SessionTTLRaw string `yaml:"session_ttl" toml:"session_ttl"`
}

// RealtimeConfig holds websocket and fan-out tuning
type RealtimeConfig struct {
	AuthTimeout  time.Duration `yaml:"-" toml:"-"`
	PingInterval time.Duration `yaml:"-" toml:"-"`
	PongWait     time.Duration `yaml:"-" toml:"-"`
	WriteTimeout time.Duration `yaml:"-" toml:"-"`

	SendBuffer      int      `yaml:"send_buffer" toml:"send_buffer"`
	MaxMessageBytes int64    `yaml:"max_message_bytes" toml:"max_message_bytes"`
	InboundRate     float64  `yaml:"inbound_rate" toml:"inbound_rate"`
	InboundBurst    int      `yaml:"inbound_burst" toml:"inbound_burst"`
	AllowedOrigins  []string `yaml:"allowed_origins" toml:"allowed_origins"`

	// Raw string values for unmarshaling
	AuthTimeoutRaw  string `yaml:"auth_timeout" toml:"auth_timeout"`
	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
	PongWaitRaw     string `yaml:"pong_wait" toml:"pong_wait"`
	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
}

// RelayConfig holds the optional Redis relay used when several gateway
// processes share one database.
type RelayConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Channel  string `yaml:"channel" toml:"channel"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes. ext selects the format (".toml" or YAML).
func Parse(data []byte, ext string) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(ext, ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero values with the package defaults.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "bullion_admin_session"
	}
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = DefaultSessionTTL
	}

	rt := &c.Realtime
	if rt.AuthTimeout == 0 {
		rt.AuthTimeout = DefaultAuthTimeout
	}
	if rt.PingInterval == 0 {
		rt.PingInterval = DefaultPingInterval
	}
	if rt.PongWait == 0 {
		rt.PongWait = DefaultPongWait
	}
	if rt.WriteTimeout == 0 {
		rt.WriteTimeout = DefaultWriteTimeout
	}
	if rt.SendBuffer == 0 {
		rt.SendBuffer = DefaultSendBuffer
	}
	if rt.MaxMessageBytes == 0 {
		rt.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if rt.InboundRate == 0 {
		rt.InboundRate = DefaultInboundRate
	}
	if rt.InboundBurst == 0 {
		rt.InboundBurst = DefaultInboundBurst
	}

	if c.Relay.Channel == "" {
		c.Relay.Channel = DefaultRelayChannel
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Realtime.PingInterval >= c.Realtime.PongWait {
		return fmt.Errorf("realtime.ping_interval (%s) must be shorter than realtime.pong_wait (%s)",
			c.Realtime.PingInterval, c.Realtime.PongWait)
	}

	if c.Realtime.SendBuffer < 1 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}

	if c.Relay.Enabled && c.Relay.Addr == "" {
		return fmt.Errorf("relay.addr is required when relay is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.session_ttl", cfg.Auth.SessionTTLRaw, &cfg.Auth.SessionTTL},
		{"realtime.auth_timeout", cfg.Realtime.AuthTimeoutRaw, &cfg.Realtime.AuthTimeout},
		{"realtime.ping_interval", cfg.Realtime.PingIntervalRaw, &cfg.Realtime.PingInterval},
		{"realtime.pong_wait", cfg.Realtime.PongWaitRaw, &cfg.Realtime.PongWait},
		{"realtime.write_timeout", cfg.Realtime.WriteTimeoutRaw, &cfg.Realtime.WriteTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
