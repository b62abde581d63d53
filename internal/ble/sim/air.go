// Package sim is an in-memory BLE radio. Radios sharing an Air can discover,
// connect to and exchange GATT traffic with each other, which lets the chat
// roles run end to end without hardware.
package sim

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config controls the simulated air.
type Config struct {
	// AdvertisingInterval is how often a scanner sees each advertiser again.
	AdvertisingInterval time.Duration
	// BaseRSSI is the signal strength reported for every advertiser.
	BaseRSSI int
}

// DefaultConfig returns fast timings suited to tests.
func DefaultConfig() Config {
	return Config{
		AdvertisingInterval: 10 * time.Millisecond,
		BaseRSSI:            -50,
	}
}

// Air is the shared medium radios live in.
type Air struct {
	cfg Config

	mu     sync.Mutex
	radios map[string]*Radio
}

// NewAir creates an empty Air.
func NewAir(cfg Config) *Air {
	if cfg.AdvertisingInterval <= 0 {
		cfg.AdvertisingInterval = DefaultConfig().AdvertisingInterval
	}
	return &Air{cfg: cfg, radios: make(map[string]*Radio)}
}

// NewRadio adds a powered-on radio with a random address.
func (a *Air) NewRadio(name string) *Radio {
	r := &Radio{
		air:      a,
		address:  randomAddress(),
		name:     name,
		enabled:  true,
		outbound: make(map[string]*link),
		inbound:  make(map[string]*link),
	}
	a.mu.Lock()
	a.radios[r.address] = r
	a.mu.Unlock()
	return r
}

func (a *Air) lookup(address string) (*Radio, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.radios[address]
	return r, ok
}

func (a *Air) all() []*Radio {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Radio, 0, len(a.radios))
	for _, r := range a.radios {
		out = append(out, r)
	}
	return out
}

// randomAddress formats the first six bytes of a random UUID as a static
// random device address.
func randomAddress() string {
	id := uuid.New()
	id[0] |= 0xC0
	parts := make([]string, 6)
	for i := range parts {
		parts[i] = fmt.Sprintf("%02X", id[i])
	}
	return strings.Join(parts, ":")
}
