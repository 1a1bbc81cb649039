// ABOUTME: Tests for bullion-gateway subcommand helpers
// ABOUTME: Covers logger output, config generation, flag parsing and the bootstrap/token flow

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/bullion-gateway/internal/config"
	"github.com/2389/bullion-gateway/internal/store"
)

func init() {
	color.NoColor = true
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	logger.Warn("kept", "admin_id", "alice")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "alice", line["admin_id"])
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug"}, &buf)

	logger.With("component", "realtime").WithGroup("conn").Info("registered", "id", "c1")
	logger.Debug("tick", slog.Group("room", "name", "system"))

	out := buf.String()
	assert.Contains(t, out, "INF registered component=realtime conn.id=c1\n")
	assert.Contains(t, out, "DBG tick room.name=system\n")
}

func setupDirs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("BULLION_CONFIG", filepath.Join(dir, "config", "gateway.yaml"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("BULLION_ADMIN_PASSWORD", "")
	return dir
}

func TestEnsureConfig(t *testing.T) {
	dir := setupDirs(t)
	path := getConfigPath()

	cfg, created, err := ensureConfig(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, filepath.Join(dir, "data", "bullion", "gateway.db"), cfg.Database.Path)
	assert.GreaterOrEqual(t, len(cfg.Auth.JWTSecret), 32)
	assert.True(t, cfg.Metrics.Enabled)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, created, err := ensureConfig(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg.Auth.JWTSecret, again.Auth.JWTSecret)
}

func TestParseArgs(t *testing.T) {
	var opts tokenOptions
	ok, err := parseArgs(&opts, []string{"--email", "root@example.com", "--print"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "root@example.com", opts.Email)
	assert.True(t, opts.Print)

	_, err = parseArgs(&tokenOptions{}, []string{"--email", "a@b.c", "extra"})
	assert.ErrorContains(t, err, "unexpected argument: extra")

	_, err = parseArgs(&tokenOptions{}, nil)
	assert.Error(t, err, "email is required")

	var boot bootstrapOptions
	_, err = parseArgs(&boot, []string{"-e", "a@b.c", "--role", "ops", "--role", "finance"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ops", "finance"}, boot.Roles)
}

func TestBootstrapAndToken(t *testing.T) {
	setupDirs(t)
	ctx := t.Context()

	err := runBootstrap(ctx, []string{
		"--email", "root@example.com",
		"--name", "Root",
		"--password", "correct horse",
		"--wallet", "0xAbC0000000000000000000000000000000000001",
		"--role", "ops",
	})
	require.NoError(t, err)

	token, err := os.ReadFile(getTokenPath())
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	cfg, err := config.Load(getConfigPath())
	require.NoError(t, err)
	s, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	require.NoError(t, err)
	admin, err := s.GetAdminByEmail(ctx, "root@example.com")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.True(t, admin.IsSuperAdmin)
	assert.Equal(t, "Root", admin.DisplayName)
	assert.Equal(t, []string{"ops"}, admin.Roles)
	require.NotNil(t, admin.WalletAddress)
	assert.Equal(t, "0xAbC0000000000000000000000000000000000001", *admin.WalletAddress)

	err = runBootstrap(ctx, []string{"--email", "root@example.com", "--password", "correct horse"})
	assert.ErrorContains(t, err, "bootstrap already complete")

	err = runBootstrap(ctx, []string{"--email", "short@example.com", "--password", "short"})
	assert.ErrorContains(t, err, "at least")

	require.NoError(t, runToken(ctx, []string{"--email", "root@example.com", "--password", "correct horse"}))
	fresh, err := os.ReadFile(getTokenPath())
	require.NoError(t, err)
	assert.NotEqual(t, string(token), string(fresh))

	err = runToken(ctx, []string{"--email", "root@example.com", "--password", "wrong password"})
	assert.ErrorContains(t, err, "logging in")
}

func TestPrintStartup(t *testing.T) {
	cfg, err := config.Parse([]byte(`
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/bullion.db"
auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
relay:
  enabled: true
  addr: "localhost:6379"
metrics:
  enabled: true
`), ".yaml")
	require.NoError(t, err)

	var buf bytes.Buffer
	printStartup(&buf, "/etc/bullion/gateway.yaml", cfg)

	out := buf.String()
	assert.Contains(t, out, "version: dev")
	assert.Contains(t, out, "Config:    /etc/bullion/gateway.yaml")
	assert.Contains(t, out, "Database:  /tmp/bullion.db (sqlite)")
	assert.Contains(t, out, "HTTP:      localhost:8080")
	assert.Contains(t, out, "Relay:     redis://localhost:6379")
	assert.Contains(t, out, "Metrics:   /metrics")
	assert.NotContains(t, out, "Tailscale")
}
