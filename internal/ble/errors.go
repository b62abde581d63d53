package ble

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrPermissionDenied means a runtime permission is missing. The
	// operation was skipped; the caller may obtain the permission and retry.
	ErrPermissionDenied = errors.New("ble: permission denied")
	// ErrRadioUnavailable means there is no adapter or it is powered off.
	ErrRadioUnavailable = errors.New("ble: radio unavailable")
	// ErrProtocolMismatch means the peer does not expose the chat service.
	ErrProtocolMismatch = errors.New("ble: peer does not implement the chat service")
	// ErrNotReady means the session is not in a state that allows the call.
	ErrNotReady = errors.New("ble: session not ready")
	// ErrNotConnected means the addressed peer has no live link.
	ErrNotConnected = errors.New("ble: peer not connected")
	// ErrClosed means the session was closed while the call was in flight.
	ErrClosed = errors.New("ble: session closed")
	// ErrAttributeNotFound is returned by radios when a service or
	// characteristic is missing on the remote device.
	ErrAttributeNotFound = errors.New("ble: attribute not found")
	// ErrUnsupported means the platform radio lacks the capability.
	ErrUnsupported = errors.New("ble: not supported on this platform")
)

// GattStatus is an ATT/GATT status code.
type GattStatus int

const (
	StatusSuccess             GattStatus = 0x00
	StatusReadNotPermitted    GattStatus = 0x02
	StatusWriteNotPermitted   GattStatus = 0x03
	StatusRequestNotSupported GattStatus = 0x06
	StatusFailure             GattStatus = 0x101
)

// TransportError reports a radio-level failure of a GATT operation.
type TransportError struct {
	Op      string
	Address string
	Status  GattStatus
	Err     error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("ble: %s", e.Op)
	if e.Address != "" {
		msg += " " + e.Address
	}
	if e.Status != StatusSuccess {
		msg += fmt.Sprintf(" (status 0x%02x)", int(e.Status))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// errorSink publishes transient errors to whoever watches Errors().
type errorSink struct {
	ch chan error
}

func newErrorSink(size int) *errorSink {
	return &errorSink{ch: make(chan error, size)}
}

// report never blocks; errors are dropped when nobody is reading.
func (s *errorSink) report(err error) {
	if s == nil || err == nil {
		return
	}
	select {
	case s.ch <- err:
	default:
		slog.Debug("[BLE] error channel full, dropping", "error", err)
	}
}

// recoverCallback turns a panic inside a radio callback into a reported
// error so it cannot take the process down.
func recoverCallback(op string, errs *errorSink) {
	if r := recover(); r != nil {
		err := fmt.Errorf("ble: %s: panic: %v", op, r)
		slog.Error("[BLE] callback panicked", "op", op, "error", err)
		errs.report(err)
	}
}
