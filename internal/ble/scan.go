package ble

import (
	"context"
	"log/slog"
	"sync"

	"github.com/chaz8081/blechat/internal/chat"
)

// ScanOptions configures the Scanner.
type ScanOptions struct {
	// FilterService restricts results to devices advertising ServiceUUID.
	FilterService bool
	// LegacyLocationGating additionally requires PermissionLocation, as
	// platforms before Android 12 do.
	LegacyLocationGating bool
}

// Scanner drives discovery and feeds results into the registry. It has no
// timeout of its own; callers bound a scan with ctx or Stop.
type Scanner struct {
	adapter  Adapter
	perms    PermissionChecker
	registry *chat.Registry
	opts     ScanOptions
	errs     *errorSink

	mu       sync.Mutex
	scanning bool
	gen      uint64
	cancel   context.CancelFunc
}

// NewScanner creates an idle Scanner.
func NewScanner(adapter Adapter, perms PermissionChecker, registry *chat.Registry, opts ScanOptions) *Scanner {
	return &Scanner{
		adapter:  adapter,
		perms:    perms,
		registry: registry,
		opts:     opts,
		errs:     newErrorSink(8),
	}
}

// Errors returns transient scan failures. The caller may retry Start.
func (s *Scanner) Errors() <-chan error { return s.errs.ch }

// Scanning reports whether a scan is running.
func (s *Scanner) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Start begins scanning in the background. A missing permission or a
// powered-off radio is logged and returned as ErrPermissionDenied or
// ErrRadioUnavailable; the scanner stays idle. Starting an active scan is a
// no-op. Cancelling ctx has the same effect as Stop.
func (s *Scanner) Start(ctx context.Context) error {
	required := []Permission{PermissionScan}
	if s.opts.LegacyLocationGating {
		required = append(required, PermissionLocation)
	}
	if err := requirePermissions(s.perms, "scan", required...); err != nil {
		slog.Warn("[BLE] scan skipped", "error", err)
		return err
	}
	if !s.adapter.Enabled() {
		slog.Warn("[BLE] scan skipped, bluetooth is off")
		return ErrRadioUnavailable
	}

	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	scanCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.scanning = true
	s.mu.Unlock()

	filter := ""
	if s.opts.FilterService {
		filter = ServiceUUID
	}

	slog.Info("[BLE] scan started", "filter", filter)
	go func() {
		err := s.adapter.Scan(scanCtx, filter, func(d Device) { s.onResult(gen, d) })
		s.finish(scanCtx, gen, err)
	}()
	return nil
}

func (s *Scanner) onResult(gen uint64, d Device) {
	defer recoverCallback("scan result", s.errs)

	// Hold the lock across the upsert so a result racing Stop cannot land
	// after the prune.
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.scanning {
		return
	}
	if s.registry.UpsertDiscovered(d.Address, d.Name) {
		slog.Debug("[BLE] discovered", "address", d.Address, "name", d.Name, "rssi", d.RSSI)
	}
}

// finish runs when the radio scan returns on its own or through ctx.
func (s *Scanner) finish(ctx context.Context, gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		// Stop already handled the transition.
		s.mu.Unlock()
		return
	}
	s.scanning = false
	s.gen++
	cancel := s.cancel
	s.cancel = nil
	// Read ctx before cancelling it: afterwards it is always done.
	cancelled := ctx.Err() != nil
	if cancelled {
		s.registry.PruneDiscovered()
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if err != nil && !cancelled {
		terr := &TransportError{Op: "scan", Err: err}
		slog.Warn("[BLE] scan failed", "error", terr)
		s.errs.report(terr)
		return
	}
	slog.Info("[BLE] scan finished")
}

// Stop ends the scan and prunes devices that were discovered but never
// connected. It is safe to call in any state and more than once.
func (s *Scanner) Stop() {
	s.mu.Lock()
	s.gen++
	cancel := s.cancel
	s.cancel = nil
	was := s.scanning
	s.scanning = false
	pruned := s.registry.PruneDiscovered()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if was {
		slog.Info("[BLE] scan stopped", "pruned", pruned)
	}
}
