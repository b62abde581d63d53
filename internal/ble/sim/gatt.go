package sim

import (
	"fmt"
	"sync"

	"github.com/chaz8081/blechat/internal/ble"
)

// link is one connection between a central and a peripheral radio.
type link struct {
	central    *Radio
	peripheral *Radio

	mu            sync.Mutex
	closed        bool
	subscriptions map[string]func([]byte) // notify callbacks by characteristic UUID
	onDisconnect  func()
}

// close detaches the link from both radios. It reports false if the link
// was already closed.
func (l *link) close() bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.closed = true
	l.mu.Unlock()

	l.central.mu.Lock()
	delete(l.central.outbound, l.peripheral.address)
	l.central.mu.Unlock()
	l.peripheral.mu.Lock()
	delete(l.peripheral.inbound, l.central.address)
	l.peripheral.mu.Unlock()
	return true
}

func (l *link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// drop closes the link and tells both ends.
func (l *link) drop() {
	if !l.close() {
		return
	}
	l.notifyCentral()
	l.notifyPeripheral()
}

func (l *link) notifyCentral() {
	l.mu.Lock()
	cb := l.onDisconnect
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (l *link) notifyPeripheral() {
	l.peripheral.mu.Lock()
	srv := l.peripheral.server
	l.peripheral.mu.Unlock()
	if srv != nil {
		srv.centralChanged(ble.Device{Address: l.central.address, Name: l.central.name}, false)
	}
}

// service returns the peripheral's published service, if it matches uuid.
func (l *link) service(uuid string) (ble.ServiceConfig, *server, bool) {
	l.peripheral.mu.Lock()
	defer l.peripheral.mu.Unlock()
	srv := l.peripheral.server
	if srv == nil || srv.svc.UUID != uuid {
		return ble.ServiceConfig{}, nil, false
	}
	return srv.svc, srv, true
}

type connection struct {
	link *link
}

func (c *connection) Address() string { return c.link.peripheral.address }

func (c *connection) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	if c.link.isClosed() {
		return nil, ble.ErrNotConnected
	}
	svc, _, ok := c.link.service(serviceUUID)
	if !ok {
		return nil, fmt.Errorf("sim: service %s: %w", serviceUUID, ble.ErrAttributeNotFound)
	}
	for _, cfg := range svc.Characteristics {
		if cfg.UUID == charUUID {
			return &characteristic{link: c.link, serviceUUID: serviceUUID, cfg: cfg}, nil
		}
	}
	return nil, fmt.Errorf("sim: characteristic %s: %w", charUUID, ble.ErrAttributeNotFound)
}

// Disconnect closes the link from the central side. Only the peripheral is
// told; the local end initiated it.
func (c *connection) Disconnect() error {
	if c.link.close() {
		c.link.notifyPeripheral()
	}
	return nil
}

func (c *connection) OnDisconnect(cb func()) {
	c.link.mu.Lock()
	defer c.link.mu.Unlock()
	c.link.onDisconnect = cb
}

type characteristic struct {
	link        *link
	serviceUUID string
	cfg         ble.CharacteristicConfig
}

// Write performs a write request and waits for the server's response.
func (c *characteristic) Write(data []byte) error {
	if c.link.isClosed() {
		return ble.ErrNotConnected
	}
	if err := c.link.central.fault(func(f Faults) error { return f.Write }); err != nil {
		return err
	}
	if c.cfg.Properties&ble.PropWrite == 0 || c.cfg.OnWrite == nil {
		return fmt.Errorf("sim: write %s: status 0x%02x", c.cfg.UUID, int(ble.StatusWriteNotPermitted))
	}
	if _, _, ok := c.link.service(c.serviceUUID); !ok {
		return fmt.Errorf("sim: service %s: %w", c.serviceUUID, ble.ErrAttributeNotFound)
	}

	var (
		responded bool
		status    ble.GattStatus
	)
	value := make([]byte, len(data))
	copy(value, data)
	c.cfg.OnWrite(ble.WriteRequest{
		Central:        ble.Device{Address: c.link.central.address, Name: c.link.central.name},
		Characteristic: c.cfg.UUID,
		Value:          value,
		ResponseNeeded: true,
		Respond: func(s ble.GattStatus) error {
			if responded {
				return fmt.Errorf("sim: write %s already answered", c.cfg.UUID)
			}
			responded, status = true, s
			return nil
		},
	})
	if !responded {
		return fmt.Errorf("sim: write %s: no response", c.cfg.UUID)
	}
	if status != ble.StatusSuccess {
		return fmt.Errorf("sim: write %s: status 0x%02x", c.cfg.UUID, int(status))
	}
	return nil
}

// Subscribe enables notifications, as writing the CCCD would.
func (c *characteristic) Subscribe(cb func([]byte)) error {
	if c.link.isClosed() {
		return ble.ErrNotConnected
	}
	if c.cfg.Properties&ble.PropNotify == 0 {
		return fmt.Errorf("sim: subscribe %s: status 0x%02x", c.cfg.UUID, int(ble.StatusRequestNotSupported))
	}
	c.link.mu.Lock()
	defer c.link.mu.Unlock()
	c.link.subscriptions[c.cfg.UUID] = cb
	return nil
}

// server is a published GATT service.
type server struct {
	radio     *Radio
	svc       ble.ServiceConfig
	onCentral func(ble.Device, bool)
}

func (s *server) centralChanged(d ble.Device, connected bool) {
	if s.onCentral != nil {
		s.onCentral(d, connected)
	}
}

// Notify delivers value to central if it subscribed to charUUID.
func (s *server) Notify(central, charUUID string, value []byte) error {
	if err := s.radio.fault(func(f Faults) error { return f.Notify }); err != nil {
		return err
	}
	s.radio.mu.Lock()
	l := s.radio.inbound[central]
	open := s.radio.server == s
	s.radio.mu.Unlock()
	if !open {
		return ble.ErrClosed
	}
	if l == nil || l.peripheral != s.radio || l.isClosed() {
		return fmt.Errorf("sim: notify %s: %w", central, ble.ErrNotConnected)
	}

	l.mu.Lock()
	cb := l.subscriptions[charUUID]
	l.mu.Unlock()
	if cb == nil {
		return fmt.Errorf("sim: %s has not subscribed to %s", central, charUUID)
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	cb(buf)
	return nil
}

// Close withdraws the service and disconnects its centrals.
func (s *server) Close() error {
	s.radio.mu.Lock()
	if s.radio.server != s {
		s.radio.mu.Unlock()
		return nil
	}
	s.radio.server = nil
	links := make([]*link, 0, len(s.radio.inbound))
	for _, l := range s.radio.inbound {
		links = append(links, l)
	}
	s.radio.mu.Unlock()

	for _, l := range links {
		if l.close() {
			l.notifyCentral()
		}
	}
	return nil
}
