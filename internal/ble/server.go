package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaz8081/blechat/internal/chat"
)

// ServerState is the state of the local GATT server.
type ServerState int

const (
	ServerStopped ServerState = iota
	ServerStarting
	ServerPublishing
)

func (s ServerState) String() string {
	switch s {
	case ServerStopped:
		return "stopped"
	case ServerStarting:
		return "starting"
	case ServerPublishing:
		return "publishing"
	default:
		return "unknown"
	}
}

// ServerOptions configures the GATT server session.
type ServerOptions struct {
	SendInterval time.Duration // minimum spacing between notifications
}

// Server owns the local GATT server and the advertising that announces it.
// Any number of centrals may be connected; each is tracked in the registry.
type Server struct {
	peripheral Peripheral
	perms      PermissionChecker
	router     *chat.Router
	registry   *chat.Registry
	advertiser *Advertiser
	limiter    *rate.Limiter
	errs       *errorSink

	mu       sync.Mutex
	state    ServerState
	gen      uint64
	gatt     GattServer
	centrals map[string]struct{}
}

// NewServer creates a stopped server. advertiser announces the service once
// it is published.
func NewServer(peripheral Peripheral, perms PermissionChecker, router *chat.Router, advertiser *Advertiser, opts ServerOptions) *Server {
	return &Server{
		peripheral: peripheral,
		perms:      perms,
		router:     router,
		registry:   router.Registry(),
		advertiser: advertiser,
		limiter:    newLimiter(opts.SendInterval),
		errs:       newErrorSink(8),
		centrals:   make(map[string]struct{}),
	}
}

// Errors returns server failures as they happen.
func (s *Server) Errors() <-chan error { return s.errs.ch }

// State returns the current server state.
func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Centrals returns the addresses of the currently connected centrals.
func (s *Server) Centrals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.centrals))
	for addr := range s.centrals {
		out = append(out, addr)
	}
	return out
}

// Start publishes the chat service and starts advertising it. Starting a
// running server is a no-op. If advertising cannot start the service is
// withdrawn again.
func (s *Server) Start(ctx context.Context) error {
	if err := requirePermissions(s.perms, "start server", PermissionConnect, PermissionAdvertise); err != nil {
		slog.Warn("[BLE] server not started", "error", err)
		return err
	}
	if !s.peripheral.Enabled() {
		slog.Warn("[BLE] server not started, bluetooth is off")
		return ErrRadioUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != ServerStopped {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	s.state = ServerStarting
	s.mu.Unlock()

	svc := ChatService(func(req WriteRequest) { s.handleWrite(gen, req) })
	gatt, err := s.peripheral.OpenServer(svc, func(central Device, connected bool) {
		s.handleCentral(gen, central, connected)
	})
	if err != nil {
		terr := &TransportError{Op: "open gatt server", Status: StatusFailure, Err: err}
		s.abortStart(gen)
		s.errs.report(terr)
		return terr
	}

	if err := s.advertiser.Start(); err != nil {
		_ = gatt.Close()
		s.abortStart(gen)
		return err
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.advertiser.Stop()
		_ = gatt.Close()
		return fmt.Errorf("ble: start server: %w", ErrClosed)
	}
	s.gatt = gatt
	s.state = ServerPublishing
	s.mu.Unlock()

	slog.Info("[BLE] gatt server publishing", "service", ServiceUUID)
	return nil
}

func (s *Server) abortStart(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.gen {
		s.state = ServerStopped
	}
}

func (s *Server) live(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && s.state != ServerStopped
}

func (s *Server) handleCentral(gen uint64, central Device, connected bool) {
	defer recoverCallback("central connection", s.errs)
	if !s.live(gen) || central.Address == "" {
		return
	}

	s.mu.Lock()
	if connected {
		s.centrals[central.Address] = struct{}{}
	} else {
		delete(s.centrals, central.Address)
	}
	s.mu.Unlock()

	if connected {
		s.registry.UpsertConnected(central.Address, central.Name)
		slog.Info("[BLE] central connected", "address", central.Address, "name", central.Name)
		return
	}
	s.registry.MarkDisconnected(central.Address)
	slog.Info("[BLE] central disconnected", "address", central.Address)
}

// handleWrite acknowledges a write before looking at it, then records the
// payload as an inbound message.
func (s *Server) handleWrite(gen uint64, req WriteRequest) {
	defer recoverCallback("write request", s.errs)

	status := StatusSuccess
	if req.Characteristic != WriteCharUUID {
		status = StatusRequestNotSupported
	}
	if req.Respond != nil {
		if err := req.Respond(status); err != nil {
			slog.Warn("[BLE] failed to acknowledge write", "address", req.Central.Address, "error", err)
		}
	}
	if status != StatusSuccess || !s.live(gen) {
		return
	}

	addr := req.Central.Address
	if addr == "" {
		slog.Warn("[BLE] write from unidentified central dropped")
		return
	}
	// A write can arrive from a central whose connect event was never seen.
	s.mu.Lock()
	_, tracked := s.centrals[addr]
	s.centrals[addr] = struct{}{}
	s.mu.Unlock()
	if !tracked {
		s.registry.UpsertConnected(addr, req.Central.Name)
	}

	buf := make([]byte, len(req.Value))
	copy(buf, req.Value)
	if _, err := s.router.Deliver(addr, buf); err != nil {
		slog.Warn("[BLE] dropped inbound write", "address", addr, "error", err)
	}
}

// Send notifies one connected central with text and, on success, appends
// it to that central's conversation.
func (s *Server) Send(ctx context.Context, address, text string) (chat.Message, error) {
	s.mu.Lock()
	state, gatt := s.state, s.gatt
	_, tracked := s.centrals[address]
	s.mu.Unlock()

	if state != ServerPublishing || gatt == nil {
		return chat.Message{}, fmt.Errorf("ble: notify %s: %w (state %s)", address, ErrNotReady, state)
	}
	if d, ok := s.registry.Device(address); !tracked || !ok || d.State != chat.Connected {
		return chat.Message{}, fmt.Errorf("ble: notify %s: %w", address, ErrNotConnected)
	}
	if err := requirePermissions(s.perms, "notify", PermissionConnect); err != nil {
		return chat.Message{}, err
	}

	payload, err := s.router.Encode(text)
	if err != nil {
		return chat.Message{}, fmt.Errorf("ble: notify %s: %w", address, err)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return chat.Message{}, fmt.Errorf("ble: notify %s: %w", address, err)
	}

	if err := gatt.Notify(address, NotifyCharUUID, payload); err != nil {
		terr := &TransportError{Op: "notify", Address: address, Status: StatusFailure, Err: err}
		slog.Error("[BLE] notify failed", "error", terr)
		s.errs.report(terr)
		return chat.Message{}, terr
	}

	return s.router.Record(address, text)
}

// Stop stops advertising, then closes the GATT server. Failures are logged.
// Safe to call in any state and more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	prev := s.state
	s.gen++
	gatt := s.gatt
	s.gatt = nil
	s.state = ServerStopped
	centrals := s.centrals
	s.centrals = make(map[string]struct{})
	s.mu.Unlock()

	s.advertiser.Stop()
	if gatt != nil {
		if err := gatt.Close(); err != nil {
			slog.Warn("[BLE] failed to close gatt server", "error", err)
		}
	}
	for addr := range centrals {
		s.registry.MarkDisconnected(addr)
	}
	if prev != ServerStopped {
		slog.Info("[BLE] gatt server stopped")
	}
}
