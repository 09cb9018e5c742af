// Package limits provides centralized message size limits for the streaming
// protocol. This ensures consistent validation across different components of
// the system and keeps all untrusted-input bounds in one place.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagram is the largest datagram the engine will send or accept.
	// Sized below the common 1500-byte Ethernet MTU, leaving room for the
	// IP/UDP headers and the DTLS record overhead.
	MaxDatagram = 1400

	// MaxVideoPayload is the largest video fragment payload per datagram.
	// MaxDatagram minus the packet type tag and the video header.
	MaxVideoPayload = 1200

	// MaxSignalingMessage bounds a single JSON signaling message. Offers
	// and candidate lists are small; anything larger is hostile.
	MaxSignalingMessage = 64 * 1024

	// MaxClipboardPayload bounds a clipboard sync payload.
	MaxClipboardPayload = 256 * 1024

	// MaxNackSequences is the maximum number of sequence numbers carried
	// by one NACK datagram.
	MaxNackSequences = 64

	// MaxFeedbackNackSequences is the maximum number of NACK sequence
	// numbers embedded in a QoS feedback packet (2 inline + 62 extended).
	MaxFeedbackNackSequences = 64

	// MaxBufferedFrames caps jitter buffer occupancy; the oldest assembly
	// is evicted on overflow.
	MaxBufferedFrames = 100
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateSize validates data against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateSize(data []byte, maxSize int) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(data), maxSize)
	}
	return nil
}

// ValidateDatagram validates an outbound or inbound datagram against MaxDatagram.
func ValidateDatagram(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxDatagram {
		return fmt.Errorf("%w: datagram size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxDatagram)
	}
	return nil
}

// ValidateSignalingMessage validates a raw signaling message before it is
// deserialized. This limit must be applied ahead of any JSON parsing.
func ValidateSignalingMessage(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxSignalingMessage {
		return fmt.Errorf("%w: signaling size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxSignalingMessage)
	}
	return nil
}

// ValidateClipboardPayload validates a clipboard payload size.
func ValidateClipboardPayload(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxClipboardPayload {
		return fmt.Errorf("%w: clipboard size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxClipboardPayload)
	}
	return nil
}
