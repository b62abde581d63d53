// Package protocol implements the blechat payload codec. A chat line travels
// as the raw UTF-8 bytes of its text: no envelope, no length prefix and no
// sequence number. One GATT write or notification carries one whole message.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxPayload is the ATT payload available in a single write or
// notification when no MTU exchange has taken place (23-byte ATT MTU minus
// the 3-byte opcode/handle header).
const DefaultMaxPayload = 20

// MaxAttributeValue is the largest value the ATT protocol allows for a
// single attribute, regardless of the negotiated MTU.
const MaxAttributeValue = 512

var (
	// ErrEmptyPayload is returned when there is nothing to send or deliver.
	ErrEmptyPayload = errors.New("protocol: empty payload")
	// ErrPayloadTooLarge is returned when the encoded text does not fit in a
	// single write. Messages are never fragmented.
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds max attribute payload")
)

// Encode returns the wire form of text. maxPayload is the usable ATT payload
// per write; values <= 0 select DefaultMaxPayload.
func Encode(text string, maxPayload int) ([]byte, error) {
	if text == "" {
		return nil, ErrEmptyPayload
	}
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, string(utf8.RuneError))
	}
	if len(text) > maxPayload {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(text), maxPayload)
	}
	return []byte(text), nil
}

// Decode converts a received payload into text. Malformed UTF-8 sequences
// are replaced with U+FFFD; replaced reports whether that happened.
func Decode(payload []byte) (text string, replaced bool) {
	if utf8.Valid(payload) {
		return string(payload), false
	}
	return strings.ToValidUTF8(string(payload), string(utf8.RuneError)), true
}

// Fits reports whether text can be sent in one write of maxPayload bytes.
func Fits(text string, maxPayload int) bool {
	_, err := Encode(text, maxPayload)
	return err == nil
}

// Truncate shortens text to at most maxBytes without splitting a UTF-8
// character.
func Truncate(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return text
	}
	split := maxBytes
	for split > 0 && !utf8.RuneStart(text[split]) {
		split--
	}
	return text[:split]
}
