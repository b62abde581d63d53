package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrUnknownDevice is returned when a message targets an address the
	// registry does not track.
	ErrUnknownDevice = errors.New("chat: unknown device")
	// ErrForeignMessage is returned when a message is appended to a device
	// other than the one its PeerAddress names.
	ErrForeignMessage = errors.New("chat: message belongs to another device")
)

// Retention decides what happens to a device's history when it disconnects.
type Retention int

const (
	// RetainHistory keeps the device and its messages until process exit.
	RetainHistory Retention = iota
	// PurgeHistory removes the device record, messages included.
	PurgeHistory
)

// ParseRetention maps the config spelling of a retention policy.
func ParseRetention(s string) (Retention, error) {
	switch s {
	case "", "retain":
		return RetainHistory, nil
	case "purge":
		return PurgeHistory, nil
	default:
		return RetainHistory, fmt.Errorf("chat: unknown retention %q", s)
	}
}

// Registry is the single source of truth for known devices. Devices are kept
// in discovery order. All methods are safe for concurrent use; every mutation
// is applied under one lock, so readers never see a partial update.
type Registry struct {
	retention Retention

	mu      sync.Mutex
	order   []string
	devices map[string]*Device
	linked  map[string]bool // reached Connected at least once
	subs    map[int]chan []Device
	nextSub int
}

// NewRegistry creates an empty registry.
func NewRegistry(retention Retention) *Registry {
	return &Registry{
		retention: retention,
		devices:   make(map[string]*Device),
		linked:    make(map[string]bool),
		subs:      make(map[int]chan []Device),
	}
}

// UpsertDiscovered records a scanned device. It is a no-op for an address
// that is already known: the first-seen name and the current state win.
// Reports whether a new device was inserted.
func (r *Registry) UpsertDiscovered(address, name string) bool {
	if address == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[address]; ok {
		return false
	}
	r.insertLocked(&Device{Address: address, Name: name, State: Discovered})
	r.publishLocked()
	return true
}

// UpsertConnected records an inbound connection from a central. Unknown
// devices are inserted as Connected; known ones transition to Connected and
// gain a name if they had none.
func (r *Registry) UpsertConnected(address, name string) {
	if address == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linked[address] = true
	d, ok := r.devices[address]
	if !ok {
		r.insertLocked(&Device{Address: address, Name: name, State: Connected})
		r.publishLocked()
		return
	}
	if d.Name == "" {
		d.Name = name
	}
	d.State = Connected
	r.publishLocked()
}

// MarkConnecting moves a known device to Connecting.
func (r *Registry) MarkConnecting(address string) bool {
	return r.setState(address, Connecting)
}

// MarkConnected moves a known device to Connected.
func (r *Registry) MarkConnected(address string) bool {
	return r.setState(address, Connected)
}

// MarkDisconnected moves a known device to Disconnected, or removes it when
// the registry purges history. A device that never reached Connected, such
// as one whose connect attempt failed, goes back to Discovered instead.
func (r *Registry) MarkDisconnected(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[address]
	if !ok {
		return false
	}
	if !r.linked[address] {
		if d.State != Discovered {
			d.State = Discovered
			r.publishLocked()
		}
		return true
	}
	if r.retention == PurgeHistory {
		r.removeLocked(address)
		slog.Debug("[CHAT] purged device history", "address", address)
	} else {
		d.State = Disconnected
	}
	r.publishLocked()
	return true
}

func (r *Registry) setState(address string, state ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[address]
	if !ok {
		return false
	}
	if state == Connected {
		r.linked[address] = true
	}
	if d.State == state {
		return true
	}
	d.State = state
	r.publishLocked()
	return true
}

// AppendMessage adds msg to the log of the device at address.
func (r *Registry) AppendMessage(address string, msg Message) error {
	if msg.PeerAddress != address {
		return fmt.Errorf("%w: %s != %s", ErrForeignMessage, msg.PeerAddress, address)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[address]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}
	d.Messages = append(d.Messages, msg)
	r.publishLocked()
	return nil
}

// PruneDiscovered drops every device in the Discovered state: scanned and
// never connected, including failed connect attempts. Returns the number
// removed.
func (r *Registry) PruneDiscovered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for _, addr := range append([]string(nil), r.order...) {
		if r.devices[addr].State == Discovered {
			r.removeLocked(addr)
			removed++
		}
	}
	if removed > 0 {
		r.publishLocked()
	}
	return removed
}

// Device returns a copy of the device at address.
func (r *Registry) Device(address string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[address]
	if !ok {
		return Device{}, false
	}
	return d.clone(), true
}

// Snapshot returns a copy of all devices in discovery order.
func (r *Registry) Snapshot() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Connected returns the devices currently in the Connected state.
func (r *Registry) Connected() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Device
	for _, addr := range r.order {
		if d := r.devices[addr]; d.State == Connected {
			out = append(out, d.clone())
		}
	}
	return out
}

// Subscribe returns a channel that receives the current snapshot and then a
// new snapshot after every mutation. Slow readers only see the latest one.
// The returned func unsubscribes and closes the channel.
func (r *Registry) Subscribe() (<-chan []Device, func()) {
	ch := make(chan []Device, 1)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	ch <- r.snapshotLocked()
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			close(ch)
			r.mu.Unlock()
		})
	}
}

func (r *Registry) insertLocked(d *Device) {
	r.devices[d.Address] = d
	r.order = append(r.order, d.Address)
}

func (r *Registry) removeLocked(address string) {
	delete(r.devices, address)
	delete(r.linked, address)
	for i, a := range r.order {
		if a == address {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) snapshotLocked() []Device {
	out := make([]Device, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.devices[addr].clone())
	}
	return out
}

// publishLocked hands the new state to every subscriber, replacing any
// snapshot the subscriber has not consumed yet. Each subscriber gets its own
// copy.
func (r *Registry) publishLocked() {
	for _, ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		ch <- r.snapshotLocked()
	}
}
