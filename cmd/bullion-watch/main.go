// ABOUTME: bullion-watch follows an admin's notifications live from a terminal
// ABOUTME: Holds a reconnecting session, mirrors the unread count and guards the connected wallet

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"

	"github.com/2389/bullion-gateway/internal/api"
	"github.com/2389/bullion-gateway/internal/realtime"
	"github.com/2389/bullion-gateway/internal/session"
	"github.com/2389/bullion-gateway/internal/store"
	"github.com/2389/bullion-gateway/internal/wallet"
)

type options struct {
	Server      string        `short:"s" long:"server" env:"BULLION_SERVER" default:"http://localhost:8080" description:"Gateway base URL"`
	Token       string        `long:"token" env:"BULLION_TOKEN" description:"Session token (defaults to the saved token file)"`
	TokenFile   string        `long:"token-file" description:"File holding the session token"`
	Wallet      string        `short:"w" long:"wallet" description:"Connected external wallet address to check against the address on file"`
	Rooms       []string      `long:"room" description:"Extra room to join after authenticating; repeatable"`
	SettleDelay time.Duration `long:"settle-delay" default:"1s" description:"Wait before comparing a newly connected wallet"`
	MaxRetries  uint64        `long:"max-retries" default:"0" description:"Give up after this many failed reconnects (0 retries forever)"`
	Verbose     bool          `short:"v" long:"verbose" description:"Log session internals"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Usage = "[OPTIONS]"
	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := watch(ctx, opts, os.Stdout); err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// defaultTokenFile is where bullion-gateway bootstrap and token save tokens.
func defaultTokenFile() string {
	if envPath := os.Getenv("BULLION_CONFIG"); envPath != "" {
		return filepath.Join(filepath.Dir(envPath), "token")
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "token"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "bullion", "token")
}

func resolveToken(opts options) (string, error) {
	if opts.Token != "" {
		return opts.Token, nil
	}
	path := opts.TokenFile
	if path == "" {
		path = defaultTokenFile()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading token file (run bullion-gateway token first): %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return token, nil
}

// websocketURL maps the gateway base URL to its /ws endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server URL must be http or https, got %q", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func fetchProfile(ctx context.Context, base, token string) (*api.ProfileResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/api/me", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching profile: status %d", resp.StatusCode)
	}
	var p api.ProfileResponse
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	return &p, nil
}

// printer serializes terminal output from session and timer goroutines.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) line(c *color.Color, format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := color.HiBlackString(time.Now().Format("15:04:05"))
	_, _ = fmt.Fprintf(p.out, "%s %s\n", ts, c.Sprintf(format, args...))
}

// watch runs until ctx is cancelled or the session stops for good. It logs
// out on the way out so no reconnect races the exit.
func watch(ctx context.Context, opts options, out io.Writer) error {
	token, err := resolveToken(opts)
	if err != nil {
		return err
	}
	wsURL, err := websocketURL(opts.Server)
	if err != nil {
		return err
	}
	profile, err := fetchProfile(ctx, opts.Server, token)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	p := &printer{out: out}
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed, color.Bold)
	green := color.New(color.FgGreen)

	p.line(cyan, "signed in as %s (%s)", profile.DisplayName, profile.Email)

	var walletMu sync.Mutex
	connectedWallet := strings.TrimSpace(opts.Wallet)
	validator := wallet.New(wallet.Config{SettleDelay: opts.SettleDelay}, wallet.Hooks{
		Disconnect: func() {
			walletMu.Lock()
			connectedWallet = ""
			walletMu.Unlock()
			p.line(yellow, "wallet disconnected")
		},
		Alert: func(a wallet.Alert) {
			p.line(red, "%s: %s", a.Title, a.Description)
		},
	}, logger)
	if profile.WalletAddress != nil {
		validator.SetIdentity(*profile.WalletAddress)
	} else {
		validator.SetIdentity("")
	}

	sess := session.New(session.Config{
		URL:        wsURL,
		APIBase:    opts.Server,
		Token:      token,
		MaxRetries: opts.MaxRetries,
	}, session.Handlers{
		Notification: func(n realtime.NotificationPayload) {
			c := cyan
			if n.Priority == store.PriorityHigh || n.Priority == store.PriorityUrgent {
				c = red
			}
			p.line(c, "[%s] %s: %s", n.Type, n.Title, n.Message)
		},
		UnreadCount: func(n int) {
			p.line(gray, "unread: %d", n)
		},
		SystemUpdate: func(u realtime.SystemUpdate) {
			p.line(yellow, "system %s: %s %s", u.Severity, u.Title, u.Message)
		},
		UserStatus: func(u realtime.UserStatusPayload) {
			p.line(gray, "%s is %s", u.AdminID, u.Status)
		},
	}, logger)
	sess.OnLogout(validator.Reset)

	sess.Subscribe(func(state session.State, err error) {
		switch state {
		case session.StateActive:
			p.line(green, "connected")
			for _, room := range opts.Rooms {
				if err := sess.JoinRoom(room); err != nil {
					p.line(yellow, "joining %s: %v", room, err)
				}
			}
			walletMu.Lock()
			w := connectedWallet
			walletMu.Unlock()
			if w != "" {
				validator.Observe(w)
			}
		case session.StateDisconnected:
			validator.Cancel()
			if err != nil {
				p.line(yellow, "disconnected: %v", err)
			}
		}
	})

	if err := sess.Start(ctx); err != nil {
		return err
	}

	stopped := make(chan error, 1)
	go func() { stopped <- sess.Wait() }()

	select {
	case <-ctx.Done():
		sess.Logout()
		<-stopped
		p.line(gray, "logged out")
		return nil
	case err := <-stopped:
		sess.Logout()
		return err
	}
}
