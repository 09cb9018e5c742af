package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/cloudstream/streamcore/limits"
)

// clipboardHeaderSize is the clipboard header after the type tag.
const clipboardHeaderSize = 6

// ClipboardPacket carries a clipboard sync payload. The sequence number
// pairs each sync with its acknowledgment.
type ClipboardPacket struct {
	Sequence uint16
	Payload  []byte
}

// Encode builds the full clipboard datagram:
// [0xE1][sequence:u16][length:u32][payload].
func (p *ClipboardPacket) Encode() ([]byte, error) {
	if err := limits.ValidateClipboardPayload(p.Payload); err != nil {
		return nil, fmt.Errorf("clipboard payload rejected: %w", err)
	}

	buf := make([]byte, 1+clipboardHeaderSize+len(p.Payload))
	buf[0] = byte(PacketClipboard)
	binary.BigEndian.PutUint16(buf[1:3], p.Sequence)
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(p.Payload)))
	copy(buf[1+clipboardHeaderSize:], p.Payload)

	return buf, nil
}

// ParseClipboardPacket decodes a clipboard datagram body.
func ParseClipboardPacket(data []byte) (*ClipboardPacket, error) {
	if len(data) < clipboardHeaderSize {
		return nil, ErrPacketTooShort
	}

	length := binary.BigEndian.Uint32(data[2:6])
	if length > limits.MaxClipboardPayload {
		return nil, fmt.Errorf("%w: clipboard length %d", ErrMalformedHeader, length)
	}
	body := data[clipboardHeaderSize:]
	if uint32(len(body)) < length {
		return nil, ErrPayloadLength
	}

	packet := &ClipboardPacket{
		Sequence: binary.BigEndian.Uint16(data[0:2]),
		Payload:  make([]byte, length),
	}
	copy(packet.Payload, body[:length])

	return packet, nil
}

// EncodeClipboardAck builds the acknowledgment datagram for one sync.
func EncodeClipboardAck(sequence uint16) []byte {
	buf := make([]byte, 3)
	buf[0] = byte(PacketClipboardAck)
	binary.BigEndian.PutUint16(buf[1:3], sequence)
	return buf
}

// ParseClipboardAck decodes an ack datagram body into its sequence number.
func ParseClipboardAck(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, ErrPacketTooShort
	}
	return binary.BigEndian.Uint16(data[0:2]), nil
}
