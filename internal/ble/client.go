package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaz8081/blechat/internal/chat"
)

// ClientState is the state of the outbound GATT session.
type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateServiceDiscovery
	StateReady
	// StateFailed is terminal for the attempt: the peer was reachable but
	// does not expose the chat service. Err reports why.
	StateFailed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateServiceDiscovery:
		return "service-discovery"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ClientOptions configures the GATT client session.
type ClientOptions struct {
	ConnectTimeout time.Duration // bound on link setup; zero leaves it to ctx
	SendInterval   time.Duration // minimum spacing between writes
}

// DefaultClientOptions returns sensible defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ConnectTimeout: 15 * time.Second,
		SendInterval:   20 * time.Millisecond,
	}
}

// newLimiter paces radio writes; a zero interval disables pacing.
func newLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Client owns the single outbound GATT session. Connecting while a session
// exists tears the old one down first. Safe for concurrent use.
type Client struct {
	adapter  Adapter
	perms    PermissionChecker
	router   *chat.Router
	registry *chat.Registry
	opts     ClientOptions
	limiter  *rate.Limiter
	errs     *errorSink

	mu        sync.Mutex
	state     ClientState
	gen       uint64 // bumped on every teardown; stale callbacks compare against it
	peer      string
	conn      Connection
	writeChar Characteristic
	cancel    context.CancelFunc
	lastErr   error
}

// NewClient creates a disconnected client session.
func NewClient(adapter Adapter, perms PermissionChecker, router *chat.Router, opts ClientOptions) *Client {
	return &Client{
		adapter:  adapter,
		perms:    perms,
		router:   router,
		registry: router.Registry(),
		opts:     opts,
		limiter:  newLimiter(opts.SendInterval),
		errs:     newErrorSink(8),
	}
}

// Errors returns session failures as they happen.
func (c *Client) Errors() <-chan error { return c.errs.ch }

// State returns the current session state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peer returns the address of the current or last attempted peer.
func (c *Client) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Err returns the error that ended the last session attempt, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect opens a session with address: link setup, service discovery and
// notification subscription. It returns once the session is Ready or has
// failed. No retry is attempted.
func (c *Client) Connect(ctx context.Context, address string) error {
	if err := requirePermissions(c.perms, "connect", PermissionConnect); err != nil {
		slog.Warn("[BLE] connect skipped", "address", address, "error", err)
		return err
	}
	if !c.adapter.Enabled() {
		return fmt.Errorf("ble: connect %s: %w", address, ErrRadioUnavailable)
	}

	// One session at a time.
	c.Close()

	c.mu.Lock()
	c.gen++
	gen := c.gen
	var connCtx context.Context
	var cancel context.CancelFunc
	if c.opts.ConnectTimeout > 0 {
		connCtx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
	} else {
		connCtx, cancel = context.WithCancel(ctx)
	}
	c.cancel = cancel
	c.state = StateConnecting
	c.peer = address
	c.lastErr = nil
	c.mu.Unlock()

	c.registry.UpsertDiscovered(address, "")
	c.registry.MarkConnecting(address)
	slog.Info("[BLE] connecting", "address", address)

	conn, err := c.adapter.Connect(connCtx, address)
	if err != nil {
		terr := &TransportError{Op: "connect", Address: address, Status: StatusFailure, Err: err}
		if !c.fail(gen, StateDisconnected, terr) {
			return fmt.Errorf("ble: connect %s: %w", address, ErrClosed)
		}
		return terr
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = conn.Disconnect()
		return fmt.Errorf("ble: connect %s: %w", address, ErrClosed)
	}
	c.conn = conn
	c.state = StateServiceDiscovery
	c.mu.Unlock()

	c.registry.MarkConnected(address)
	conn.OnDisconnect(func() { c.handleRemoteDisconnect(gen) })

	writeChar, err := c.discover(conn, gen, address)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return fmt.Errorf("ble: connect %s: %w", address, ErrClosed)
	}
	c.writeChar = writeChar
	c.state = StateReady
	c.mu.Unlock()

	slog.Info("[BLE] session ready", "address", address)
	return nil
}

// discover resolves the chat characteristics and subscribes to
// notifications. On failure the session has already been torn down.
func (c *Client) discover(conn Connection, gen uint64, address string) (Characteristic, error) {
	notifyChar, err := conn.DiscoverCharacteristic(ServiceUUID, NotifyCharUUID)
	if err != nil {
		return nil, c.discoveryFailed(gen, address, "discover notify characteristic", err)
	}

	// The write characteristic is optional for Ready; Send reports its absence.
	writeChar, err := conn.DiscoverCharacteristic(ServiceUUID, WriteCharUUID)
	if err != nil {
		if !errors.Is(err, ErrAttributeNotFound) {
			return nil, c.discoveryFailed(gen, address, "discover write characteristic", err)
		}
		slog.Warn("[BLE] peer has no write characteristic, session is receive-only", "address", address)
		writeChar = nil
	}

	if err := notifyChar.Subscribe(func(data []byte) { c.onNotification(gen, address, data) }); err != nil {
		return nil, c.discoveryFailed(gen, address, "subscribe", err)
	}
	return writeChar, nil
}

func (c *Client) discoveryFailed(gen uint64, address, op string, err error) error {
	var out error
	next := StateDisconnected
	if errors.Is(err, ErrAttributeNotFound) {
		out = fmt.Errorf("ble: %s %s: %w: %w", op, address, ErrProtocolMismatch, err)
		next = StateFailed
	} else {
		out = &TransportError{Op: op, Address: address, Status: StatusFailure, Err: err}
	}
	if !c.fail(gen, next, out) {
		return fmt.Errorf("ble: connect %s: %w", address, ErrClosed)
	}
	return out
}

// fail tears down session gen and records err. It reports false when the
// session was already replaced or closed.
func (c *Client) fail(gen uint64, next ClientState, err error) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.gen++
	conn, cancel, peer := c.conn, c.cancel, c.peer
	c.conn, c.writeChar, c.cancel = nil, nil, nil
	c.state = next
	c.lastErr = err
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if derr := conn.Disconnect(); derr != nil {
			slog.Debug("[BLE] disconnect after failure", "address", peer, "error", derr)
		}
	}
	c.registry.MarkDisconnected(peer)
	slog.Error("[BLE] session failed", "address", peer, "state", next, "error", err)
	c.errs.report(err)
	return true
}

func (c *Client) handleRemoteDisconnect(gen uint64) {
	defer recoverCallback("disconnect", c.errs)

	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	conn, cancel, peer := c.conn, c.cancel, c.peer
	c.conn, c.writeChar, c.cancel = nil, nil, nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Release the handle the platform still holds for the dead link.
	_ = conn.Disconnect()
	c.registry.MarkDisconnected(peer)
	slog.Warn("[BLE] peer disconnected", "address", peer)
}

func (c *Client) onNotification(gen uint64, address string, data []byte) {
	defer recoverCallback("notification", c.errs)

	c.mu.Lock()
	live := gen == c.gen && c.conn != nil
	c.mu.Unlock()
	if !live {
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	if _, err := c.router.Deliver(address, buf); err != nil {
		slog.Warn("[BLE] dropped notification", "address", address, "error", err)
	}
}

// Send writes text to the connected peer and, once the write succeeds,
// appends it to the conversation. A nil error confirms local submission
// only, not delivery. A failed write appends nothing and ends the session.
func (c *Client) Send(ctx context.Context, address, text string) (chat.Message, error) {
	c.mu.Lock()
	state, peer, writeChar, gen := c.state, c.peer, c.writeChar, c.gen
	c.mu.Unlock()

	if state != StateReady {
		return chat.Message{}, fmt.Errorf("ble: send to %s: %w (state %s)", address, ErrNotReady, state)
	}
	if address != peer {
		return chat.Message{}, fmt.Errorf("ble: send to %s: %w", address, ErrNotConnected)
	}
	if writeChar == nil {
		return chat.Message{}, fmt.Errorf("ble: send to %s: write characteristic: %w", address, ErrProtocolMismatch)
	}
	if err := requirePermissions(c.perms, "send", PermissionConnect); err != nil {
		return chat.Message{}, err
	}

	payload, err := c.router.Encode(text)
	if err != nil {
		return chat.Message{}, fmt.Errorf("ble: send to %s: %w", address, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return chat.Message{}, fmt.Errorf("ble: send to %s: %w", address, err)
	}

	if err := writeChar.Write(payload); err != nil {
		terr := &TransportError{Op: "write", Address: address, Status: StatusFailure, Err: err}
		c.fail(gen, StateDisconnected, terr)
		return chat.Message{}, terr
	}

	msg, err := c.router.Record(address, text)
	if err != nil {
		return chat.Message{}, err
	}
	slog.Debug("[BLE] message written", "address", address, "bytes", len(payload))
	return msg, nil
}

// Close ends the session, cancelling a Connect still in flight, and marks
// the peer disconnected. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	prev := c.state
	c.gen++
	conn, cancel, peer := c.conn, c.cancel, c.peer
	c.conn, c.writeChar, c.cancel = nil, nil, nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect failed", "address", peer, "error", err)
		}
	}
	if prev != StateDisconnected && prev != StateFailed {
		c.registry.MarkDisconnected(peer)
		slog.Info("[BLE] session closed", "address", peer)
	}
}
