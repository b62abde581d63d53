// Package chat holds the conversation state shared by both BLE roles: the
// peer registry, the per-device message logs and the router that turns
// payloads into messages.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the link state of a remote device.
type ConnectionState int

const (
	// Discovered means the device was seen in a scan and never connected.
	Discovered ConnectionState = iota
	// Connecting means an outbound connection is in progress.
	Connecting
	// Connected means a GATT link to the device is up.
	Connected
	// Disconnected means the device was connected at some point and is not now.
	Disconnected
)

func (s ConnectionState) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Message is one chat line. It is immutable once created.
type Message struct {
	ID   string
	Text string
	// SenderAddress is the originating radio; the local adapter address for
	// locally authored messages.
	SenderAddress string
	// PeerAddress is the remote device whose conversation holds the message.
	PeerAddress     string
	IsFromLocalUser bool
	Timestamp       time.Time
}

// NewInbound creates a message received from peer.
func NewInbound(peer, text string) Message {
	return Message{
		ID:            uuid.NewString(),
		Text:          text,
		SenderAddress: peer,
		PeerAddress:   peer,
		Timestamp:     time.Now(),
	}
}

// NewOutbound creates a locally authored message addressed to peer.
func NewOutbound(local, peer, text string) Message {
	return Message{
		ID:              uuid.NewString(),
		Text:            text,
		SenderAddress:   local,
		PeerAddress:     peer,
		IsFromLocalUser: true,
		Timestamp:       time.Now(),
	}
}

// Device is a remote radio peer and its conversation.
type Device struct {
	Address  string
	Name     string
	State    ConnectionState
	Messages []Message
}

// DisplayName returns Name, or the address when the peer has no name.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Address
}

func (d Device) clone() Device {
	cp := d
	if d.Messages != nil {
		cp.Messages = make([]Message, len(d.Messages))
		copy(cp.Messages, d.Messages)
	}
	return cp
}
