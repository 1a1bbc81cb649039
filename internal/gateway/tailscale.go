// ABOUTME: Optional tsnet listener that serves the admin console on a tailnet
// ABOUTME: Listens on plain HTTP, HTTPS with tailnet certificates, or a public Funnel

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/bullion-gateway/internal/config"
)

// tailnetMode is how the gateway is exposed on the tailnet.
type tailnetMode int

const (
	tailnetHTTP tailnetMode = iota
	tailnetHTTPS
	tailnetFunnel
)

func (m tailnetMode) port() string {
	if m == tailnetHTTP {
		return ":80"
	}
	return ":443"
}

func (m tailnetMode) String() string {
	switch m {
	case tailnetHTTPS:
		return "https"
	case tailnetFunnel:
		return "funnel"
	default:
		return "http"
	}
}

// modeOf maps config to a tailnet mode; funnel implies HTTPS.
func modeOf(cfg config.TailscaleConfig) tailnetMode {
	switch {
	case cfg.Funnel:
		return tailnetFunnel
	case cfg.HTTPS:
		return tailnetHTTPS
	default:
		return tailnetHTTP
	}
}

// tailnetNode builds the tsnet server settings. The state dir defaults to
// ~/.local/share/bullion-gateway/tailscale and the auth key falls back to
// TS_AUTHKEY.
func tailnetNode(cfg config.TailscaleConfig) (*tsnet.Server, error) {
	dir := cfg.StateDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving tailscale state dir (set tailscale.state_dir): %w", err)
		}
		dir = filepath.Join(home, ".local", "share", "bullion-gateway", "tailscale")
	}

	key := cfg.AuthKey
	if key == "" {
		key = os.Getenv("TS_AUTHKEY")
	}
	if key == "" {
		return nil, errors.New("tailscale.auth_key or TS_AUTHKEY is required")
	}

	return &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       dir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   key,
	}, nil
}

// setupTailscaleListener brings the node up and listens according to modeOf.
// The node is closed again if any step fails.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	node, err := tailnetNode(tsCfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(node.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	mode := modeOf(tsCfg)
	g.logger.Info("joining tailnet",
		"hostname", node.Hostname,
		"state_dir", node.Dir,
		"ephemeral", node.Ephemeral,
		"mode", mode.String(),
	)

	status, err := node.Up(ctx)
	if err != nil {
		_ = node.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.tsnetServer = node
	g.logger.Info("tailnet node up", tailnetAttrs(status)...)

	ln, err := g.listenTailnet(mode)
	if err != nil {
		_ = node.Close()
		g.tsnetServer = nil
		return nil, err
	}
	return ln, nil
}

func tailnetAttrs(status *ipnstate.Status) []any {
	attrs := []any{}
	if len(status.TailscaleIPs) > 0 {
		attrs = append(attrs, "ip", status.TailscaleIPs[0].String())
	}
	if status.Self != nil {
		attrs = append(attrs, "dns_name", status.Self.DNSName)
	}
	return attrs
}

func (g *Gateway) listenTailnet(mode tailnetMode) (net.Listener, error) {
	node := g.tsnetServer
	if mode == tailnetFunnel {
		ln, err := node.ListenFunnel("tcp", mode.port())
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	}

	ln, err := node.Listen("tcp", mode.port())
	if err != nil {
		return nil, fmt.Errorf("listening on tailnet %s: %w", mode.port(), err)
	}
	if mode == tailnetHTTP {
		return ln, nil
	}

	lc, err := node.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}
