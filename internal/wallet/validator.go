// ABOUTME: Client-side guard comparing a connected external wallet with the admin's address on file
// ABOUTME: Debounces each new address, caches the verdict for the session and alerts on mismatch

package wallet

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Default timings.
const (
	DefaultSettleDelay   = time.Second
	DefaultAlertDuration = 10 * time.Second
)

// State is the validation state of one observed wallet address.
type State int

const (
	StateUnvalidated State = iota
	StateValidating
	StateValidated
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateUnvalidated:
		return "unvalidated"
	case StateValidating:
		return "validating"
	case StateValidated:
		return "validated"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Alert is the user-facing message raised when a connected wallet does not
// match the address on file. It should block the UI for Duration.
type Alert struct {
	Title       string
	Description string
	Duration    time.Duration

	Expected  string
	Connected string
}

// Config tunes a Validator. Zero values take the defaults.
type Config struct {
	SettleDelay   time.Duration
	AlertDuration time.Duration
}

// Hooks are called outside the validator's lock, on the timer goroutine.
type Hooks struct {
	// Disconnect forcibly disconnects the external wallet.
	Disconnect func()
	// Alert surfaces the mismatch to the admin.
	Alert func(Alert)
}

// Validator tracks per-address validation for the authenticated admin.
type Validator struct {
	settleDelay   time.Duration
	alertDuration time.Duration
	hooks         Hooks
	logger        *slog.Logger

	mu            sync.Mutex
	authenticated bool
	expected      string // as stored, for the alert text
	states        map[string]State
	pending       map[string]*check
}

// check is one pending comparison.
type check struct {
	timer *time.Timer
}

// New creates a Validator. Until SetIdentity is called nothing is validated.
func New(cfg Config, hooks Hooks, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.AlertDuration <= 0 {
		cfg.AlertDuration = DefaultAlertDuration
	}
	return &Validator{
		settleDelay:   cfg.SettleDelay,
		alertDuration: cfg.AlertDuration,
		hooks:         hooks,
		logger:        logger.With("component", "wallet"),
		states:        make(map[string]State),
		pending:       make(map[string]*check),
	}
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// SetIdentity marks the session authenticated with the admin's wallet
// address on file. An empty address disables validation. Changing the
// address discards earlier verdicts.
func (v *Validator) SetIdentity(walletAddress string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	walletAddress = strings.TrimSpace(walletAddress)
	if v.authenticated && normalize(v.expected) == normalize(walletAddress) {
		v.expected = walletAddress
		return
	}
	v.clearLocked()
	v.authenticated = true
	v.expected = walletAddress
}

// Observe reports the currently connected external wallet address. A new
// address enters validating and is compared once the settle delay passes.
// Addresses with a verdict or a pending comparison are ignored. An empty
// address means the wallet disconnected and cancels pending comparisons.
func (v *Validator) Observe(address string) {
	key := normalize(address)
	if key == "" {
		v.Cancel()
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.authenticated || v.expected == "" {
		return
	}
	if v.states[key] != StateUnvalidated {
		return
	}

	v.states[key] = StateValidating
	c := &check{}
	c.timer = time.AfterFunc(v.settleDelay, func() { v.settle(key, c) })
	v.pending[key] = c
}

// settle compares key once its timer fires. A timer that was cancelled or
// replaced while waiting for the lock does nothing.
func (v *Validator) settle(key string, c *check) {
	v.mu.Lock()
	if v.pending[key] != c {
		v.mu.Unlock()
		return
	}
	delete(v.pending, key)

	expected := v.expected
	if key == normalize(expected) {
		v.states[key] = StateValidated
		v.mu.Unlock()
		v.logger.Info("wallet address validated", "address", key)
		return
	}
	v.states[key] = StateRejected
	v.mu.Unlock()

	v.logger.Warn("wallet mismatch detected", "connected", key, "expected", normalize(expected))
	if v.hooks.Disconnect != nil {
		v.hooks.Disconnect()
	}
	if v.hooks.Alert != nil {
		v.hooks.Alert(Alert{
			Title:       "Wallet Mismatch",
			Description: fmt.Sprintf("You have to connect this %s wallet address.", expected),
			Duration:    v.alertDuration,
			Expected:    expected,
			Connected:   key,
		})
	}
}

// Cancel stops pending comparisons; their addresses return to unvalidated.
// Verdicts already reached are kept.
func (v *Validator) Cancel() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelPendingLocked()
}

// Reset forgets the identity, every verdict and every pending comparison.
// Call it on logout.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clearLocked()
	v.authenticated = false
	v.expected = ""
}

// State returns the validation state of address.
func (v *Validator) State(address string) State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.states[normalize(address)]
}

func (v *Validator) cancelPendingLocked() {
	for key, c := range v.pending {
		c.timer.Stop()
		delete(v.pending, key)
		delete(v.states, key)
	}
}

func (v *Validator) clearLocked() {
	v.cancelPendingLocked()
	clear(v.states)
}
