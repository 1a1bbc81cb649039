// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML/TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "`+testSecret+`"
  session_ttl: "12h"

realtime:
  auth_timeout: "5s"
  ping_interval: "20s"
  pong_wait: "45s"
  send_buffer: 16
  allowed_origins:
    - "https://console.example.com"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "./test.db", cfg.Database.Path)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 12*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, 5*time.Second, cfg.Realtime.AuthTimeout)
	assert.Equal(t, 20*time.Second, cfg.Realtime.PingInterval)
	assert.Equal(t, 45*time.Second, cfg.Realtime.PongWait)
	assert.Equal(t, DefaultWriteTimeout, cfg.Realtime.WriteTimeout)
	assert.Equal(t, 16, cfg.Realtime.SendBuffer)
	assert.Equal(t, []string{"https://console.example.com"}, cfg.Realtime.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Path)
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:9090"

[database]
path = "./bullion.db"
driver = "sqlite3"

[auth]
jwt_secret = "`+testSecret+`"

[relay]
enabled = true
addr = "localhost:6379"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.True(t, cfg.Relay.Enabled)
	assert.Equal(t, DefaultRelayChannel, cfg.Relay.Channel)
	assert.Equal(t, DefaultAuthTimeout, cfg.Realtime.AuthTimeout)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_BULLION_SECRET", testSecret)
	t.Setenv("TEST_BULLION_DB", "/var/lib/bullion.db")

	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: ":8080"
database:
  path: "${TEST_BULLION_DB}"
auth:
  jwt_secret: "${TEST_BULLION_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/bullion.db", cfg.Database.Path)
	assert.Equal(t, testSecret, cfg.Auth.JWTSecret)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestParse_InvalidDuration(t *testing.T) {
	_, err := Parse([]byte(`
server:
  http_addr: ":8080"
database:
  path: "x.db"
auth:
  jwt_secret: "`+testSecret+`"
realtime:
  auth_timeout: "soon"
`), ".yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "realtime.auth_timeout")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			Server:   ServerConfig{HTTPAddr: ":8080"},
			Database: DatabaseConfig{Path: "x.db"},
			Auth:     AuthConfig{JWTSecret: testSecret},
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale without hostname", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Tailscale.Enabled = true
		}, "tailscale.hostname"},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"ping after pong", func(c *Config) { c.Realtime.PingInterval = 2 * c.Realtime.PongWait }, "ping_interval"},
		{"relay without addr", func(c *Config) { c.Relay.Enabled = true }, "relay.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
