// ABOUTME: bootstrap and token subcommands for first-time setup and operator logins
// ABOUTME: Writes a config with a random JWT secret, creates the first super admin and saves a session token

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"golang.org/x/term"

	"github.com/2389/bullion-gateway/internal/auth"
	"github.com/2389/bullion-gateway/internal/config"
	"github.com/2389/bullion-gateway/internal/store"
)

// minPasswordLength guards bootstrap against trivially weak admin passwords.
const minPasswordLength = 8

type bootstrapOptions struct {
	Email      string   `short:"e" long:"email" description:"Email address of the first admin" required:"true"`
	Name       string   `short:"n" long:"name" description:"Display name"`
	Password   string   `long:"password" env:"BULLION_ADMIN_PASSWORD" description:"Admin password (prompted when empty)"`
	Wallet     string   `long:"wallet" description:"Wallet address on file for the admin"`
	Roles      []string `long:"role" description:"Role to grant; repeatable" default:"admin"`
	NoSuper    bool     `long:"no-super-admin" description:"Create an ordinary admin instead of a super admin"`
	ConfigOnly bool     `long:"config-only" description:"Only write the config file"`
}

type tokenOptions struct {
	Email    string `short:"e" long:"email" description:"Admin email" required:"true"`
	Password string `long:"password" env:"BULLION_ADMIN_PASSWORD" description:"Admin password (prompted when empty)"`
	Print    bool   `long:"print" description:"Print the token instead of only saving it"`
}

// parseArgs parses subcommand flags. Help output is not an error.
func parseArgs(data any, args []string) (bool, error) {
	rest, err := flags.ParseArgs(data, args)
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return false, nil
		}
		return false, err
	}
	if len(rest) > 0 {
		return false, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return true, nil
}

// readPassword prompts without echo when stdin is a terminal.
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		b, err := io.ReadAll(io.LimitReader(os.Stdin, 1024))
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	fmt.Print(prompt)
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

// ensureConfig loads the config at path, writing a fresh one with a random
// JWT secret when none exists.
func ensureConfig(path string) (cfg *config.Config, created bool, err error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, false, fmt.Errorf("loading config: %w", err)
		}
		return cfg, false, nil
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("checking config: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, false, fmt.Errorf("generating JWT secret: %w", err)
	}

	dataPath := getDataPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, false, fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, false, fmt.Errorf("creating data directory: %w", err)
	}

	content := fmt.Sprintf(`# bullion-gateway configuration
# Generated by bullion-gateway bootstrap

server:
  http_addr: "localhost:8080"

database:
  path: %q

auth:
  jwt_secret: %q
  session_ttl: "24h"

realtime:
  auth_timeout: "10s"
  send_buffer: 64

relay:
  enabled: false
  addr: "localhost:6379"

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`, filepath.Join(dataPath, "gateway.db"), base64.StdEncoding.EncodeToString(secret))

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return nil, false, fmt.Errorf("writing config file: %w", err)
	}

	cfg, err = config.Load(path)
	if err != nil {
		return nil, false, fmt.Errorf("loading config: %w", err)
	}
	return cfg, true, nil
}

// runBootstrap performs first-time setup:
//  1. Creates the config file with a random JWT secret (if missing)
//  2. Creates the database and the first admin
//  3. Logs that admin in and saves the session token for CLI clients
func runBootstrap(ctx context.Context, args []string) error {
	var opts bootstrapOptions
	if ok, err := parseArgs(&opts, args); !ok {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	configPath := getConfigPath()
	cfg, created, err := ensureConfig(configPath)
	if err != nil {
		return err
	}
	if created {
		green.Printf("  ✓ Created config: %s\n", configPath)
	} else {
		cyan.Printf("  Using existing config: %s\n", configPath)
	}
	if opts.ConfigOnly {
		return nil
	}

	email := strings.TrimSpace(opts.Email)
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email: %q", opts.Email)
	}
	password := opts.Password
	if password == "" {
		if password, err = readPassword("  Password: "); err != nil {
			return err
		}
	}
	if len(password) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}

	s, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()
	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	admin := &store.Admin{
		ID:           uuid.New().String(),
		Email:        email,
		DisplayName:  strings.TrimSpace(opts.Name),
		PasswordHash: hash,
		Status:       store.AdminStatusActive,
		IsSuperAdmin: !opts.NoSuper,
		Roles:        opts.Roles,
		CreatedAt:    time.Now().UTC(),
	}
	if admin.DisplayName == "" {
		admin.DisplayName = email
	}
	if w := strings.TrimSpace(opts.Wallet); w != "" {
		admin.WalletAddress = &w
	}

	if err := s.CreateAdmin(ctx, admin); err != nil {
		if errors.Is(err, store.ErrEmailExists) {
			return fmt.Errorf("bootstrap already complete: admin %s exists", email)
		}
		return fmt.Errorf("creating admin: %w", err)
	}
	green.Printf("  ✓ Created admin: %s\n", admin.DisplayName)

	res, tokenPath, err := login(ctx, cfg, s, email, password)
	if err != nil {
		return err
	}
	green.Printf("  ✓ Saved token: %s\n", tokenPath)

	wallet := "(none)"
	if admin.WalletAddress != nil {
		wallet = *admin.WalletAddress
	}

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Admin")
	cyan.Println("  -----")
	fmt.Printf("  ID:          %s\n", admin.ID)
	fmt.Printf("  Email:       %s\n", email)
	fmt.Printf("  Super admin: %t\n", admin.IsSuperAdmin)
	fmt.Printf("  Roles:       %s\n", strings.Join(admin.Roles, ", "))
	fmt.Printf("  Wallet:      %s\n", wallet)
	fmt.Printf("  Token:       %s (expires %s)\n", tokenPath, res.ExpiresAt.Format("Jan 02, 2006 15:04"))
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    bullion-gateway serve    # start the gateway")
	fmt.Println("    bullion-watch            # follow notifications live")
	fmt.Println()
	return nil
}

// runToken logs in an existing admin and saves a fresh session token.
func runToken(ctx context.Context, args []string) error {
	var opts tokenOptions
	if ok, err := parseArgs(&opts, args); !ok {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	password := opts.Password
	if password == "" {
		if password, err = readPassword("Password: "); err != nil {
			return err
		}
	}

	s, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	res, tokenPath, err := login(ctx, cfg, s, opts.Email, password)
	if err != nil {
		return err
	}

	if opts.Print {
		fmt.Println(res.Token)
		return nil
	}
	color.Green("✓ Saved token to %s (expires %s)", tokenPath, res.ExpiresAt.Format(time.RFC3339))
	return nil
}

// login creates a session for the admin and writes its token next to the config.
func login(ctx context.Context, cfg *config.Config, s store.Store, email, password string) (*auth.LoginResult, string, error) {
	sessions := auth.NewSessionAuthenticator(s, auth.NewJWTIssuer([]byte(cfg.Auth.JWTSecret)), cfg.Auth.SessionTTL,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := sessions.Login(ctx, email, password)
	if err != nil {
		return nil, "", fmt.Errorf("logging in: %w", err)
	}

	tokenPath := getTokenPath()
	if err := os.MkdirAll(filepath.Dir(tokenPath), 0o755); err != nil {
		return nil, "", fmt.Errorf("creating token directory: %w", err)
	}
	if err := os.WriteFile(tokenPath, []byte(res.Token), 0o600); err != nil {
		return nil, "", fmt.Errorf("writing token file: %w", err)
	}
	return res, tokenPath, nil
}
