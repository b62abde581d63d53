//go:build linux

package ble

import (
	"fmt"
	"log/slog"
	"time"

	"tinygo.org/x/bluetooth"
)

// Address returns the MAC address of the local radio, or "" if unknown.
func (a *TinyGoAdapter) Address() string {
	addr, err := a.adapter.Address()
	if err != nil {
		return ""
	}
	return addr.MAC.String()
}

// OpenServer registers svc with BlueZ. BlueZ cannot remove a registered
// application, so the service is added once and later calls only swap the
// handlers in.
func (a *TinyGoAdapter) OpenServer(svc ServiceConfig, onCentral func(Device, bool)) (GattServer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return nil, ErrRadioUnavailable
	}

	server, _ := a.peripheral.server.(*tinyGoServer)
	if server == nil {
		var err error
		server, err = a.addService(svc)
		if err != nil {
			return nil, err
		}
		a.peripheral.server = server
	}

	for _, c := range svc.Characteristics {
		if c.OnWrite != nil {
			a.peripheral.handlers[c.UUID] = c.OnWrite
		}
	}
	a.peripheral.onCentral = onCentral
	server.closed = false
	return server, nil
}

// addService must be called with a.mu held.
func (a *TinyGoAdapter) addService(svc ServiceConfig) (*tinyGoServer, error) {
	svcUUID, err := bluetooth.ParseUUID(svc.UUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	server := &tinyGoServer{adapter: a, handles: make(map[string]*bluetooth.Characteristic)}
	chars := make([]bluetooth.CharacteristicConfig, 0, len(svc.Characteristics))
	for _, c := range svc.Characteristics {
		charUUID, err := bluetooth.ParseUUID(c.UUID)
		if err != nil {
			return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
		}
		handle := &bluetooth.Characteristic{}
		server.handles[c.UUID] = handle

		cfg := bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   charUUID,
			Flags:  tinyGoFlags(c.Properties),
		}
		if c.Properties&(PropWrite|PropWriteWithoutResponse) != 0 {
			uuid := c.UUID
			cfg.WriteEvent = func(_ bluetooth.Connection, offset int, value []byte) {
				a.dispatchWrite(uuid, offset, value)
			}
		}
		chars = append(chars, cfg)
	}

	// The CCCD of notify characteristics is created by BlueZ itself.
	if err := a.adapter.AddService(&bluetooth.Service{UUID: svcUUID, Characteristics: chars}); err != nil {
		return nil, fmt.Errorf("ble: add service: %w", err)
	}
	return server, nil
}

func tinyGoFlags(p Properties) bluetooth.CharacteristicPermissions {
	var flags bluetooth.CharacteristicPermissions
	if p&PropRead != 0 {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if p&PropWrite != 0 {
		flags |= bluetooth.CharacteristicWritePermission
	}
	if p&PropWriteWithoutResponse != 0 {
		flags |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if p&PropNotify != 0 {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	return flags
}

// dispatchWrite hands a write to the open server. BlueZ does not tell which
// central wrote, so the write is attributed to the most recent one, and it
// acknowledges the request itself.
func (a *TinyGoAdapter) dispatchWrite(charUUID string, offset int, value []byte) {
	a.mu.Lock()
	handler := a.peripheral.handlers[charUUID]
	central := a.peripheral.lastCentral
	a.mu.Unlock()
	if handler == nil {
		return
	}

	buf := make([]byte, len(value))
	copy(buf, value)
	handler(WriteRequest{
		Central:        Device{Address: central},
		Characteristic: charUUID,
		Offset:         offset,
		Value:          buf,
	})
}

func (a *TinyGoAdapter) StartAdvertising(opts AdvertiseOptions) error {
	uuids := make([]bluetooth.UUID, 0, len(opts.ServiceUUIDs))
	for _, s := range opts.ServiceUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		uuids = append(uuids, u)
	}

	adv := a.adapter.DefaultAdvertisement()
	options := bluetooth.AdvertisementOptions{
		ServiceUUIDs: uuids,
		Interval:     bluetooth.NewDuration(opts.Mode.Interval()),
	}
	if opts.IncludeDeviceName {
		options.LocalName = opts.LocalName
	}
	if err := adv.Configure(options); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}

	a.mu.Lock()
	if a.peripheral.advTimer != nil {
		a.peripheral.advTimer.Stop()
		a.peripheral.advTimer = nil
	}
	if opts.Timeout > 0 {
		a.peripheral.advTimer = time.AfterFunc(opts.Timeout, func() {
			if err := a.StopAdvertising(); err != nil {
				slog.Warn("[BLE] advertising timeout", "error", err)
			}
		})
	}
	a.mu.Unlock()
	return nil
}

func (a *TinyGoAdapter) StopAdvertising() error {
	a.mu.Lock()
	if a.peripheral.advTimer != nil {
		a.peripheral.advTimer.Stop()
		a.peripheral.advTimer = nil
	}
	a.mu.Unlock()

	if err := a.adapter.DefaultAdvertisement().Stop(); err != nil {
		return fmt.Errorf("ble: stop advertising: %w", err)
	}
	return nil
}

type tinyGoServer struct {
	adapter *TinyGoAdapter
	handles map[string]*bluetooth.Characteristic
	closed  bool // guarded by adapter.mu
}

// Notify updates the characteristic value. BlueZ has no per-device
// notification, so every subscribed central receives it.
func (s *tinyGoServer) Notify(central, charUUID string, value []byte) error {
	s.adapter.mu.Lock()
	closed := s.closed
	connected := s.adapter.peripheral.centrals[central]
	s.adapter.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !connected {
		return fmt.Errorf("ble: notify %s: %w", central, ErrNotConnected)
	}

	handle, ok := s.handles[charUUID]
	if !ok {
		return fmt.Errorf("ble: characteristic %s: %w", charUUID, ErrAttributeNotFound)
	}
	_, err := handle.Write(value)
	return err
}

func (s *tinyGoServer) Close() error {
	s.adapter.mu.Lock()
	defer s.adapter.mu.Unlock()
	s.closed = true
	s.adapter.peripheral.onCentral = nil
	clear(s.adapter.peripheral.handlers)
	return nil
}
