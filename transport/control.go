package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/cloudstream/streamcore/limits"
)

// EncodeNACKPacket builds a retransmission request datagram:
// [0xFD][0x00][count:u16][seq:u16 x count]. At most
// limits.MaxNackSequences sequence numbers fit one datagram.
func EncodeNACKPacket(sequences []uint16) ([]byte, error) {
	if len(sequences) == 0 {
		return nil, fmt.Errorf("nack packet needs at least one sequence")
	}
	if len(sequences) > limits.MaxNackSequences {
		return nil, fmt.Errorf("%w: %d sequences exceeds %d",
			ErrMalformedHeader, len(sequences), limits.MaxNackSequences)
	}

	buf := make([]byte, 4+2*len(sequences))
	buf[0] = byte(PacketNACK)
	buf[1] = 0 // reserved
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(sequences)))
	for i, seq := range sequences {
		binary.BigEndian.PutUint16(buf[4+2*i:6+2*i], seq)
	}

	return buf, nil
}

// ParseNACKPacket decodes a NACK datagram body (bytes after the tag).
func ParseNACKPacket(data []byte) ([]uint16, error) {
	if len(data) < 3 {
		return nil, ErrPacketTooShort
	}

	count := int(binary.BigEndian.Uint16(data[1:3]))
	if count == 0 {
		return nil, fmt.Errorf("%w: nack count is zero", ErrMalformedHeader)
	}
	if count > limits.MaxNackSequences {
		return nil, fmt.Errorf("%w: nack count %d exceeds %d",
			ErrMalformedHeader, count, limits.MaxNackSequences)
	}
	if len(data) < 3+2*count {
		return nil, ErrPayloadLength
	}

	sequences := make([]uint16, count)
	for i := 0; i < count; i++ {
		sequences[i] = binary.BigEndian.Uint16(data[3+2*i : 5+2*i])
	}

	return sequences, nil
}

// FECHeaderSize is the fixed FEC header length after the type tag.
const FECHeaderSize = 6

// FECPacketHeader is the fixed header of one parity packet. FEC packets
// draw sequence numbers from the same counter as video packets.
type FECPacketHeader struct {
	SequenceNumber uint16
	GroupID        uint8
	GroupSize      uint8
	FECIndex       uint8
	// FrameNumberLow is the low byte of the protected frame's number,
	// enough to correlate parity with its frame inside the tracking
	// window.
	FrameNumberLow uint8
}

// EncodeFECPacket builds the full parity datagram:
// [0xFC][seq:u16][group_id][group_size][fec_index][frame_number_low][payload].
func EncodeFECPacket(header *FECPacketHeader, payload []byte) ([]byte, error) {
	if header == nil {
		return nil, fmt.Errorf("fec header cannot be nil")
	}
	if header.GroupSize == 0 {
		return nil, fmt.Errorf("%w: fec group size is zero", ErrMalformedHeader)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("fec payload cannot be empty")
	}

	buf := make([]byte, 1+FECHeaderSize+len(payload))
	buf[0] = byte(PacketFEC)
	binary.BigEndian.PutUint16(buf[1:3], header.SequenceNumber)
	buf[3] = header.GroupID
	buf[4] = header.GroupSize
	buf[5] = header.FECIndex
	buf[6] = header.FrameNumberLow
	copy(buf[1+FECHeaderSize:], payload)

	return buf, nil
}

// ParseFECPacket decodes a FEC datagram body into header and parity payload.
func ParseFECPacket(data []byte) (*FECPacketHeader, []byte, error) {
	if len(data) < FECHeaderSize {
		return nil, nil, ErrPacketTooShort
	}

	header := &FECPacketHeader{
		SequenceNumber: binary.BigEndian.Uint16(data[0:2]),
		GroupID:        data[2],
		GroupSize:      data[3],
		FECIndex:       data[4],
		FrameNumberLow: data[5],
	}
	if header.GroupSize == 0 {
		return nil, nil, fmt.Errorf("%w: fec group size is zero", ErrMalformedHeader)
	}

	return header, data[FECHeaderSize:], nil
}
