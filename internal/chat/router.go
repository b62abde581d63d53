package chat

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/blechat/internal/ble/protocol"
)

// Router converts payloads to and from messages and appends them to the
// owning device's log. It also fans appended messages out to subscribers.
type Router struct {
	registry   *Registry
	maxPayload int

	mu      sync.RWMutex
	local   string
	subs    map[int]chan Message
	nextSub int
}

// NewRouter creates a Router over registry. localAddress is recorded as the
// sender of locally authored messages; maxPayload bounds a single write.
func NewRouter(registry *Registry, localAddress string, maxPayload int) *Router {
	if maxPayload <= 0 {
		maxPayload = protocol.DefaultMaxPayload
	}
	return &Router{
		registry:   registry,
		maxPayload: maxPayload,
		local:      localAddress,
		subs:       make(map[int]chan Message),
	}
}

// Registry returns the registry the router appends to.
func (r *Router) Registry() *Registry { return r.registry }

// MaxPayload returns the per-write payload limit.
func (r *Router) MaxPayload() int { return r.maxPayload }

// SetLocalAddress updates the address used as sender of local messages,
// for radios that only report it after being enabled.
func (r *Router) SetLocalAddress(addr string) {
	r.mu.Lock()
	r.local = addr
	r.mu.Unlock()
}

// LocalAddress returns the local radio address.
func (r *Router) LocalAddress() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local
}

// Encode returns the wire form of text.
func (r *Router) Encode(text string) ([]byte, error) {
	return protocol.Encode(text, r.maxPayload)
}

// Decode returns the text carried by payload.
func (r *Router) Decode(payload []byte) string {
	text, replaced := protocol.Decode(payload)
	if replaced {
		slog.Warn("[CHAT] payload was not valid UTF-8, replaced malformed bytes", "bytes", len(payload))
	}
	return text
}

// Deliver records a payload received from address. The device must already
// be known to the registry. Empty payloads are dropped.
func (r *Router) Deliver(address string, payload []byte) (Message, error) {
	if len(payload) == 0 {
		return Message{}, protocol.ErrEmptyPayload
	}
	msg := NewInbound(address, r.Decode(payload))
	if err := r.registry.AppendMessage(address, msg); err != nil {
		return Message{}, fmt.Errorf("chat: deliver from %s: %w", address, err)
	}
	r.publish(msg)
	return msg, nil
}

// Record appends a locally authored message to the conversation with
// address. Callers invoke it only after the radio accepted the write. The
// text is stored as it went on the wire, with malformed UTF-8 replaced.
func (r *Router) Record(address, text string) (Message, error) {
	text, _ = protocol.Decode([]byte(text))
	msg := NewOutbound(r.LocalAddress(), address, text)
	if err := r.registry.AppendMessage(address, msg); err != nil {
		return Message{}, fmt.Errorf("chat: record to %s: %w", address, err)
	}
	r.publish(msg)
	return msg, nil
}

// MessagesFor returns the conversation with address in arrival order.
func (r *Router) MessagesFor(address string) []Message {
	d, ok := r.registry.Device(address)
	if !ok {
		return nil
	}
	return d.Messages
}

// MessagesFrom returns every message whose sender is address, across all
// conversations, in registry order.
func (r *Router) MessagesFrom(address string) []Message {
	var out []Message
	for _, d := range r.registry.Snapshot() {
		for _, m := range d.Messages {
			if m.SenderAddress == address {
				out = append(out, m)
			}
		}
	}
	return out
}

// Subscribe returns a channel receiving every appended message. Messages are
// dropped for a subscriber whose buffer is full.
func (r *Router) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Message, buffer)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
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

func (r *Router) publish(msg Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- msg:
		default:
			slog.Warn("[CHAT] subscriber full, dropping message event", "id", msg.ID)
		}
	}
}
