package transport

import "errors"

// PacketType identifies the type of a datagram on the media channel.
// The tag is always the first byte of the decrypted datagram.
type PacketType byte

const (
	// PacketVideo carries one fragment of an encoded video frame.
	PacketVideo PacketType = 0xF1
	// PacketAudio carries one encoded Opus audio frame.
	PacketAudio PacketType = 0xF2

	// PacketClipboard carries a clipboard sync payload.
	PacketClipboard PacketType = 0xE1
	// PacketClipboardAck acknowledges a clipboard sync.
	PacketClipboardAck PacketType = 0xE2

	// PacketFEC carries XOR parity for a group of video fragments.
	PacketFEC PacketType = 0xFC
	// PacketNACK requests retransmission of missing sequence numbers.
	PacketNACK PacketType = 0xFD
	// PacketQoSFeedback carries receiver-side quality telemetry.
	PacketQoSFeedback PacketType = 0xFE
)

// Packet represents a parsed datagram: its type tag and everything after it.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket splits a datagram into its type tag and body. The body is
// copied so callers may retain it past the read buffer's reuse.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, ErrPacketTooShort
	}

	packetType := PacketType(data[0])
	switch packetType {
	case PacketVideo, PacketAudio, PacketClipboard, PacketClipboardAck,
		PacketFEC, PacketNACK, PacketQoSFeedback:
	default:
		return nil, ErrUnknownPacketType
	}

	packet := &Packet{
		PacketType: packetType,
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
