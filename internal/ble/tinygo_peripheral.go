package ble

import "time"

// peripheralState is the server-side bookkeeping of a TinyGoAdapter. It is
// guarded by the adapter's mutex.
type peripheralState struct {
	centrals    map[string]bool
	lastCentral string
	onCentral   func(central Device, connected bool)
	handlers    map[string]func(WriteRequest) // keyed by characteristic UUID
	server      GattServer
	advTimer    *time.Timer
}

func newPeripheralState() peripheralState {
	return peripheralState{
		centrals: make(map[string]bool),
		handlers: make(map[string]func(WriteRequest)),
	}
}

// track records a central connecting or leaving and returns the callback to
// run outside the lock, if a server is open.
func (p *peripheralState) track(address string, connected bool) func(Device, bool) {
	if connected {
		p.centrals[address] = true
		p.lastCentral = address
	} else {
		delete(p.centrals, address)
		if p.lastCentral == address {
			p.lastCentral = ""
			for other := range p.centrals {
				p.lastCentral = other
				break
			}
		}
	}
	return p.onCentral
}
