package transport

import (
	"encoding/binary"
	"fmt"
)

// Codec identifies the video codec of an encoded frame.
type Codec byte

const (
	CodecH264 Codec = 1
	CodecH265 Codec = 2
	CodecAV1  Codec = 3
	CodecVP9  Codec = 4
)

// String returns the codec's signaling name.
func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	case CodecAV1:
		return "av1"
	case CodecVP9:
		return "vp9"
	default:
		return fmt.Sprintf("unknown(%d)", byte(c))
	}
}

// CodecFromName maps a signaling codec name to its wire value.
// Unknown names return false.
func CodecFromName(name string) (Codec, bool) {
	switch name {
	case "h264":
		return CodecH264, true
	case "h265", "hevc":
		return CodecH265, true
	case "av1":
		return CodecAV1, true
	case "vp9":
		return CodecVP9, true
	default:
		return 0, false
	}
}

// FrameType distinguishes delta frames from intra (key) frames.
type FrameType byte

const (
	FrameDelta FrameType = 0
	FrameIntra FrameType = 1
)

const (
	// ProtocolVersion is the wire framing version carried in the version
	// nibble of every video packet.
	ProtocolVersion = 1

	// videoFlagKeyframe marks fragments belonging to a keyframe.
	videoFlagKeyframe = 0x01

	// VideoHeaderSize is the fixed header length after the type tag.
	VideoHeaderSize = 17
)

// VideoPacketHeader is the fixed header of a video fragment.
//
// SequenceNumber is a global counter shared by all video and FEC packets of
// the session, increasing mod 2^16 in send order. FrameNumber identifies one
// encoded frame and is shared by all of its fragments.
type VideoPacketHeader struct {
	Version        byte
	Keyframe       bool
	FrameType      FrameType
	Codec          Codec
	SequenceNumber uint16
	TimestampUs    uint32
	FrameNumber    uint16
	FragmentIndex  uint8
	FragmentTotal  uint8
	PayloadLength  uint32
}

// EncodeVideoPacket builds the full datagram for one video fragment:
// type tag, header, payload. The header's PayloadLength is set from the
// payload argument.
func EncodeVideoPacket(header *VideoPacketHeader, payload []byte) ([]byte, error) {
	if header == nil {
		return nil, fmt.Errorf("video header cannot be nil")
	}
	if header.FragmentTotal == 0 {
		return nil, fmt.Errorf("fragment total must be at least 1")
	}
	if header.FragmentIndex >= header.FragmentTotal {
		return nil, fmt.Errorf("fragment index %d out of range for total %d",
			header.FragmentIndex, header.FragmentTotal)
	}

	buf := make([]byte, 1+VideoHeaderSize+len(payload))
	buf[0] = byte(PacketVideo)

	flags := byte(0)
	if header.Keyframe {
		flags |= videoFlagKeyframe
	}
	buf[1] = (header.Version&0x0F)<<4 | (flags & 0x0F)
	buf[2] = byte(header.FrameType)
	buf[3] = byte(header.Codec)
	binary.BigEndian.PutUint16(buf[4:6], header.SequenceNumber)
	binary.BigEndian.PutUint32(buf[6:10], header.TimestampUs)
	binary.BigEndian.PutUint16(buf[10:12], header.FrameNumber)
	buf[12] = header.FragmentIndex
	buf[13] = header.FragmentTotal
	binary.BigEndian.PutUint32(buf[14:18], uint32(len(payload)))

	copy(buf[1+VideoHeaderSize:], payload)
	return buf, nil
}

// ParseVideoPacket decodes a video datagram body (the bytes after the type
// tag) into its header and payload. The payload aliases the input slice.
func ParseVideoPacket(data []byte) (*VideoPacketHeader, []byte, error) {
	if len(data) < VideoHeaderSize {
		return nil, nil, ErrPacketTooShort
	}

	header := &VideoPacketHeader{
		Version:        data[0] >> 4,
		Keyframe:       data[0]&videoFlagKeyframe != 0,
		FrameType:      FrameType(data[1]),
		Codec:          Codec(data[2]),
		SequenceNumber: binary.BigEndian.Uint16(data[3:5]),
		TimestampUs:    binary.BigEndian.Uint32(data[5:9]),
		FrameNumber:    binary.BigEndian.Uint16(data[9:11]),
		FragmentIndex:  data[11],
		FragmentTotal:  data[12],
		PayloadLength:  binary.BigEndian.Uint32(data[13:17]),
	}

	if header.FragmentTotal == 0 {
		return nil, nil, fmt.Errorf("%w: fragment total is zero", ErrMalformedHeader)
	}

	payload := data[VideoHeaderSize:]
	if uint32(len(payload)) < header.PayloadLength {
		return nil, nil, ErrPayloadLength
	}

	return header, payload[:header.PayloadLength], nil
}
