package ble

import (
	"log/slog"

	"github.com/chaz8081/blechat/internal/chat"
)

// StackOptions configures every role of a Stack.
type StackOptions struct {
	LocalName string
	Scan      ScanOptions
	Client    ClientOptions
	Server    ServerOptions
}

// Stack bundles the radio roles of one device around a shared registry and
// router. It exclusively owns the scanner, advertiser and both sessions.
type Stack struct {
	Scanner    *Scanner
	Advertiser *Advertiser
	Client     *Client
	Server     *Server

	adapter Adapter
	router  *chat.Router
	errs    *errorSink
}

// NewStack wires the roles together. All roles report into one error
// channel, returned by Errors.
func NewStack(adapter Adapter, peripheral Peripheral, perms PermissionChecker, router *chat.Router, opts StackOptions) *Stack {
	errs := newErrorSink(32)

	scanner := NewScanner(adapter, perms, router.Registry(), opts.Scan)
	scanner.errs = errs
	advertiser := NewAdvertiser(peripheral, perms, opts.LocalName)
	advertiser.errs = errs
	client := NewClient(adapter, perms, router, opts.Client)
	client.errs = errs
	server := NewServer(peripheral, perms, router, advertiser, opts.Server)
	server.errs = errs

	return &Stack{
		Scanner:    scanner,
		Advertiser: advertiser,
		Client:     client,
		Server:     server,
		adapter:    adapter,
		router:     router,
		errs:       errs,
	}
}

// Router returns the message router shared by the roles.
func (s *Stack) Router() *chat.Router { return s.router }

// Registry returns the peer registry shared by the roles.
func (s *Stack) Registry() *chat.Registry { return s.router.Registry() }

// Errors returns failures from every role.
func (s *Stack) Errors() <-chan error { return s.errs.ch }

// BluetoothEnabled reports the radio state.
func (s *Stack) BluetoothEnabled() bool { return s.adapter.Enabled() }

// Release stops scanning, closes the client session and stops the server
// and its advertising. Safe to call when nothing was started.
func (s *Stack) Release() {
	s.Scanner.Stop()
	s.Client.Close()
	s.Server.Stop()
	s.Advertiser.Stop()
	slog.Debug("[BLE] stack released")
}
