package transport

import "errors"

var (
	// ErrPacketTooShort indicates a datagram smaller than its declared header.
	ErrPacketTooShort = errors.New("packet too short")

	// ErrPayloadLength indicates a header length field claiming more bytes
	// than the datagram actually carries.
	ErrPayloadLength = errors.New("payload length exceeds datagram")

	// ErrUnknownPacketType indicates a type tag outside the protocol.
	ErrUnknownPacketType = errors.New("unknown packet type")

	// ErrMalformedHeader indicates header fields that are internally
	// inconsistent (zero fragment total, counts past their limit).
	ErrMalformedHeader = errors.New("malformed packet header")

	// ErrStunTimeout indicates the STUN server did not answer within the
	// per-attempt timeout across all retries.
	ErrStunTimeout = errors.New("stun request timed out")

	// ErrStunMalformedResponse indicates a STUN response that failed
	// validation (type, cookie, transaction ID, or attribute layout).
	ErrStunMalformedResponse = errors.New("malformed stun response")

	// ErrHandshakeTimeout indicates the DTLS handshake did not complete
	// within the handshake deadline.
	ErrHandshakeTimeout = errors.New("dtls handshake timed out")

	// ErrProtocolVersionMismatch indicates the peer answered the
	// post-handshake protocol tag exchange with a different tag, or not
	// at all. A stale build on either side completes the TLS handshake but
	// cannot agree on framing, so this is fatal for the session.
	ErrProtocolVersionMismatch = errors.New("protocol version mismatch")
)
