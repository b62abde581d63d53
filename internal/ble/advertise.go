package ble

import (
	"fmt"
	"log/slog"
	"sync"
)

// Advertiser announces the chat service so centrals can find this device.
type Advertiser struct {
	peripheral Peripheral
	perms      PermissionChecker
	localName  string
	errs       *errorSink

	mu          sync.Mutex
	advertising bool
}

// NewAdvertiser creates an idle Advertiser that advertises as localName.
func NewAdvertiser(peripheral Peripheral, perms PermissionChecker, localName string) *Advertiser {
	return &Advertiser{
		peripheral: peripheral,
		perms:      perms,
		localName:  localName,
		errs:       newErrorSink(8),
	}
}

// Errors returns advertising failures.
func (a *Advertiser) Errors() <-chan error { return a.errs.ch }

// Advertising reports whether advertising is active.
func (a *Advertiser) Advertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advertising
}

// Start begins advertising with the chat advertising policy. It is a no-op
// while already advertising.
func (a *Advertiser) Start() error {
	if err := requirePermissions(a.perms, "advertise", PermissionAdvertise); err != nil {
		slog.Warn("[BLE] advertising skipped", "error", err)
		return err
	}
	if !a.peripheral.Enabled() {
		slog.Warn("[BLE] advertising skipped, bluetooth is off")
		return ErrRadioUnavailable
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.advertising {
		return nil
	}
	if err := a.peripheral.StartAdvertising(ChatAdvertisement(a.localName)); err != nil {
		terr := &TransportError{Op: "advertise", Err: err}
		slog.Error("[BLE] advertising failed", "error", terr)
		a.errs.report(terr)
		return fmt.Errorf("ble: start advertising: %w", terr)
	}
	a.advertising = true
	slog.Info("[BLE] advertising started", "name", a.localName, "service", ServiceUUID)
	return nil
}

// Stop ends advertising. Safe to call in any state.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.advertising {
		return
	}
	a.advertising = false
	if err := a.peripheral.StopAdvertising(); err != nil {
		slog.Warn("[BLE] failed to stop advertising", "error", err)
		return
	}
	slog.Info("[BLE] advertising stopped")
}
