// Package transport implements the wire protocol for the streaming engine.
//
// This package handles binary packet encoding and decoding for every message
// type carried on the media channel (video, audio, FEC, NACK, QoS feedback,
// clipboard), STUN-based public address discovery, and the encrypted DTLS
// datagram transport established over the candidate pair selected by the ICE
// agent.
//
// Every datagram starts with a one-byte type tag followed by a fixed
// big-endian header for that type and an opaque payload. Decoding rejects
// truncated headers and any length field claiming more bytes than the
// datagram holds; malformed input is an error for the caller to drop and
// count, never a panic.
//
// Example:
//
//	pkt, err := transport.EncodeVideoPacket(header, payload)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = conn.Send(pkt)
package transport
