package sim

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/chaz8081/blechat/internal/ble"
)

// Faults injects failures into a radio. A nil field means no failure.
type Faults struct {
	Scan       error
	Connect    error
	Write      error
	Notify     error
	OpenServer error
	Advertise  error
}

// Radio is one simulated device. It implements both ble.Adapter and
// ble.Peripheral.
type Radio struct {
	air     *Air
	address string
	name    string

	mu          sync.Mutex
	enabled     bool
	faults      Faults
	advertising bool
	adv         ble.AdvertiseOptions
	advTimer    *time.Timer
	server      *server
	outbound    map[string]*link // links where this radio is the central, by peripheral address
	inbound     map[string]*link // links where this radio is the peripheral, by central address
}

var (
	_ ble.Adapter    = (*Radio)(nil)
	_ ble.Peripheral = (*Radio)(nil)
)

// Name returns the device name the radio advertises.
func (r *Radio) Name() string { return r.name }

// Address returns the radio's device address.
func (r *Radio) Address() string { return r.address }

// SetFaults replaces the injected failures.
func (r *Radio) SetFaults(f Faults) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = f
}

func (r *Radio) fault(pick func(Faults) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return pick(r.faults)
}

func (r *Radio) Enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = true
	return nil
}

func (r *Radio) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// PowerOff turns the radio off, dropping its links and advertising.
func (r *Radio) PowerOff() {
	r.mu.Lock()
	r.enabled = false
	r.advertising = false
	links := r.linkList()
	r.mu.Unlock()

	for _, l := range links {
		l.drop()
	}
}

// Drop breaks every link with remote as if it went out of range. Both ends
// see the disconnect.
func (r *Radio) Drop(remote string) {
	r.mu.Lock()
	var links []*link
	if l := r.outbound[remote]; l != nil {
		links = append(links, l)
	}
	if l := r.inbound[remote]; l != nil {
		links = append(links, l)
	}
	r.mu.Unlock()
	for _, l := range links {
		l.drop()
	}
}

// Advertising reports whether the radio is advertising.
func (r *Radio) Advertising() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advertising
}

// Advertisement returns the options the radio last advertised with.
func (r *Radio) Advertisement() ble.AdvertiseOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adv
}

// linkList must be called with r.mu held.
func (r *Radio) linkList() []*link {
	out := make([]*link, 0, len(r.outbound)+len(r.inbound))
	for _, l := range r.outbound {
		out = append(out, l)
	}
	for _, l := range r.inbound {
		out = append(out, l)
	}
	return out
}

// advertisement returns what a scanner would see, if anything.
func (r *Radio) advertisement(serviceUUID string) (ble.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled || !r.advertising {
		return ble.Device{}, false
	}
	if serviceUUID != "" && !slices.Contains(r.adv.ServiceUUIDs, serviceUUID) {
		return ble.Device{}, false
	}
	d := ble.Device{Address: r.address, RSSI: r.air.cfg.BaseRSSI}
	if r.adv.IncludeDeviceName {
		d.Name = r.adv.LocalName
	}
	return d, true
}

// Scan reports advertisers every advertising interval until ctx is done.
func (r *Radio) Scan(ctx context.Context, serviceUUID string, onResult func(ble.Device)) error {
	if !r.Enabled() {
		return ble.ErrRadioUnavailable
	}
	if err := r.fault(func(f Faults) error { return f.Scan }); err != nil {
		return err
	}

	ticker := time.NewTicker(r.air.cfg.AdvertisingInterval)
	defer ticker.Stop()
	for {
		for _, other := range r.air.all() {
			if other == r {
				continue
			}
			if d, ok := other.advertisement(serviceUUID); ok {
				onResult(d)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Connect links to a connectable advertiser.
func (r *Radio) Connect(ctx context.Context, address string) (ble.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !r.Enabled() {
		return nil, ble.ErrRadioUnavailable
	}
	if err := r.fault(func(f Faults) error { return f.Connect }); err != nil {
		return nil, err
	}

	remote, ok := r.air.lookup(address)
	if !ok || remote == r {
		return nil, fmt.Errorf("sim: no device %s in range", address)
	}
	remote.mu.Lock()
	reachable := remote.enabled && remote.advertising && remote.adv.Connectable
	_, linked := remote.inbound[r.address]
	remote.mu.Unlock()
	if !reachable {
		return nil, fmt.Errorf("sim: %s is not connectable", address)
	}
	if linked {
		return nil, fmt.Errorf("sim: already connected to %s", address)
	}

	l := &link{central: r, peripheral: remote, subscriptions: make(map[string]func([]byte))}
	r.mu.Lock()
	r.outbound[address] = l
	r.mu.Unlock()
	remote.mu.Lock()
	remote.inbound[r.address] = l
	srv := remote.server
	remote.mu.Unlock()

	if srv != nil {
		srv.centralChanged(ble.Device{Address: r.address, Name: r.name}, true)
	}
	return &connection{link: l}, nil
}

// OpenServer publishes svc. A radio serves one service at a time.
func (r *Radio) OpenServer(svc ble.ServiceConfig, onCentral func(ble.Device, bool)) (ble.GattServer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return nil, ble.ErrRadioUnavailable
	}
	if r.faults.OpenServer != nil {
		return nil, r.faults.OpenServer
	}
	if r.server != nil {
		return nil, errors.New("sim: gatt server already open")
	}
	r.server = &server{radio: r, svc: svc, onCentral: onCentral}
	return r.server, nil
}

func (r *Radio) StartAdvertising(opts ble.AdvertiseOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return ble.ErrRadioUnavailable
	}
	if r.faults.Advertise != nil {
		return r.faults.Advertise
	}
	r.advertising = true
	r.adv = opts
	if r.advTimer != nil {
		r.advTimer.Stop()
		r.advTimer = nil
	}
	if opts.Timeout > 0 {
		r.advTimer = time.AfterFunc(opts.Timeout, func() { _ = r.StopAdvertising() })
	}
	return nil
}

func (r *Radio) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertising = false
	if r.advTimer != nil {
		r.advTimer.Stop()
		r.advTimer = nil
	}
	return nil
}
