// ABOUTME: Entry point for bullion-gateway, the admin console realtime server
// ABOUTME: Dispatches serve, bootstrap, token, health and ready subcommands

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/bullion-gateway/internal/config"
	"github.com/2389/bullion-gateway/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
  _           _ _ _                                _
 | |__  _   _| | (_) ___  _ __        __ _  __ _| |_ _____      ____ _ _   _
 | '_ \| | | | | | |/ _ \| '_ \ ____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | |_) | |_| | | | | (_) | | | |____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_.__/ \__,_|_|_|_|\___/|_| |_|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                     |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: BULLION_CONFIG > XDG_CONFIG_HOME/bullion/gateway.yaml > ~/.config/bullion/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("BULLION_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "bullion", "gateway.yaml")
}

// getDataPath returns the bullion data directory.
// Priority: XDG_DATA_HOME/bullion > ~/.local/share/bullion
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "bullion")
}

// getTokenPath returns where bootstrap and token save the session token.
func getTokenPath() string {
	return filepath.Join(filepath.Dir(getConfigPath()), "token")
}

func usage() {
	fmt.Println("Usage: bullion-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                        Start the gateway server")
	fmt.Println("  bootstrap --email EMAIL      Create config, database and the first super admin")
	fmt.Println("  token --email EMAIL          Log in and save a session token")
	fmt.Println("  health                       Check gateway liveness")
	fmt.Println("  ready                        Check gateway readiness and connection count")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "bootstrap":
		err = runBootstrap(ctx, os.Args[2:])
	case "token":
		err = runToken(ctx, os.Args[2:])
	case "health":
		err = runCheck(ctx, "/health")
	case "ready":
		err = runCheck(ctx, "/ready")
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	printStartup(os.Stdout, configPath, cfg)
	logger := setupLogger(cfg.Logging, os.Stdout)
	logger.Info("starting bullion-gateway",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"relay", cfg.Relay.Enabled,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// printStartup writes the banner and a one-line summary per enabled listener
// or integration.
func printStartup(w io.Writer, configPath string, cfg *config.Config) {
	accent := color.New(color.FgCyan)
	dim := color.New(color.FgHiBlack)
	warn := color.New(color.FgYellow)
	bullet := color.GreenString("    ▶ ")

	accent.Fprint(w, banner)
	dim.Fprintf(w, "    version: %s\n\n", version)

	row := func(label, value string) {
		fmt.Fprintf(w, "%s%-10s %s\n", bullet, label+":", value)
	}

	row("Config", configPath)
	row("Database", fmt.Sprintf("%s (%s)", cfg.Database.Path, cfg.Database.Driver))
	if ts := cfg.Tailscale; ts.Enabled {
		value := accent.Sprint(ts.Hostname)
		if ts.Funnel {
			value += warn.Sprint(" [funnel]")
		} else if ts.HTTPS {
			value += dim.Sprint(" [https]")
		}
		if ts.Ephemeral {
			value += dim.Sprint(" (ephemeral)")
		}
		row("Tailscale", value)
	} else {
		row("HTTP", cfg.Server.HTTPAddr)
	}
	if cfg.Relay.Enabled {
		row("Relay", fmt.Sprintf("redis://%s %s", cfg.Relay.Addr, dim.Sprintf("(%s)", cfg.Relay.Channel)))
	}
	if cfg.Metrics.Enabled {
		row("Metrics", cfg.Metrics.Path)
	}
	fmt.Fprintln(w)
}

// runCheck requests path on the configured HTTP address and prints the body.
func runCheck(ctx context.Context, path string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s check failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}

	fmt.Println(string(body))
	return nil
}
