package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. It serves both roles: the
// central side on every platform the library supports, the peripheral side
// where the platform allows publishing services (BlueZ on Linux).
//
// On macOS, device addresses are CoreBluetooth UUIDs rather than MAC
// addresses; the Address fields carry that UUID string.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects everything below.
	mu          sync.Mutex
	enabled     bool
	dialing     map[string]bool
	connections map[string]*tinyGoConnection // keyed by device address
	peripheral  peripheralState
}

// NewTinyGoAdapter creates an adapter over the default system radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		dialing:     make(map[string]bool),
		connections: make(map[string]*tinyGoConnection),
		peripheral:  newPeripheralState(),
	}
}

func (a *TinyGoAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// One handler serves both roles: a disconnect of a device we dialed
	// ends that connection, anything else is a central of our server.
	a.adapter.SetConnectHandler(a.handleConnect)
	a.enabled = true
	return nil
}

func (a *TinyGoAdapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *TinyGoAdapter) handleConnect(device bluetooth.Device, connected bool) {
	id := device.Address.String()

	a.mu.Lock()
	if a.dialing[id] {
		a.mu.Unlock()
		return
	}
	if conn, ok := a.connections[id]; ok {
		if !connected {
			delete(a.connections, id)
		}
		a.mu.Unlock()
		if !connected {
			conn.fireDisconnect()
		}
		return
	}
	onCentral := a.peripheral.track(id, connected)
	a.mu.Unlock()

	if onCentral != nil {
		onCentral(Device{Address: id}, connected)
	}
}

func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string, onResult func(Device)) error {
	var filter bluetooth.UUID
	if serviceUUID != "" {
		uuid, err := bluetooth.ParseUUID(serviceUUID)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		filter = uuid
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := a.adapter.StopScan(); err != nil {
				slog.Debug("[BLE] stop scan", "error", err)
			}
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if serviceUUID != "" && !result.HasServiceUUID(filter) {
			return
		}
		onResult(Device{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	a.mu.Lock()
	if !a.enabled {
		a.mu.Unlock()
		return nil, fmt.Errorf("ble: connect %s: %w", address, ErrRadioUnavailable)
	}
	a.dialing[address] = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.dialing, address)
		a.mu.Unlock()
	}()

	// tinygo/bluetooth's Connect blocks with its own timeout and cannot be
	// cancelled; ctx only bounds how long we wait for it.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// Drop a link that completes after we gave up on it.
			if res := <-ch; res.err == nil {
				_ = res.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &tinyGoConnection{address: address, device: &result.device}

		a.mu.Lock()
		a.connections[address] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

// Compile-time checks that TinyGoAdapter implements both radio roles.
var (
	_ Adapter    = (*TinyGoAdapter)(nil)
	_ Peripheral = (*TinyGoAdapter)(nil)
)

type tinyGoConnection struct {
	address string
	device  *bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) Address() string { return c.address }

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s: %w", serviceUUID, ErrAttributeNotFound)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s: %w", charUUID, ErrAttributeNotFound)
	}

	return &tinyGoCharacteristic{char: &chars[0]}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

// Write sends a write request; see writeRequest for the per-platform call.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	return writeRequest(c.char, data)
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
