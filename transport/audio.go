package transport

import (
	"encoding/binary"
	"fmt"
)

// AudioHeaderSize is the fixed audio header length after the type tag.
const AudioHeaderSize = 7

// AudioPacketHeader is the fixed header of one encoded Opus frame.
// The audio stream runs its own sequence counter, independent of video.
type AudioPacketHeader struct {
	ChannelID      uint8
	SequenceNumber uint16
	TimestampUs    uint32
}

// EncodeAudioPacket builds the full datagram for one Opus frame.
func EncodeAudioPacket(header *AudioPacketHeader, payload []byte) ([]byte, error) {
	if header == nil {
		return nil, fmt.Errorf("audio header cannot be nil")
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("audio payload cannot be empty")
	}

	buf := make([]byte, 1+AudioHeaderSize+len(payload))
	buf[0] = byte(PacketAudio)
	buf[1] = header.ChannelID
	binary.BigEndian.PutUint16(buf[2:4], header.SequenceNumber)
	binary.BigEndian.PutUint32(buf[4:8], header.TimestampUs)
	copy(buf[1+AudioHeaderSize:], payload)

	return buf, nil
}

// ParseAudioPacket decodes an audio datagram body into header and payload.
func ParseAudioPacket(data []byte) (*AudioPacketHeader, []byte, error) {
	if len(data) < AudioHeaderSize {
		return nil, nil, ErrPacketTooShort
	}

	header := &AudioPacketHeader{
		ChannelID:      data[0],
		SequenceNumber: binary.BigEndian.Uint16(data[1:3]),
		TimestampUs:    binary.BigEndian.Uint32(data[3:7]),
	}

	return header, data[AudioHeaderSize:], nil
}
