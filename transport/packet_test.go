package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePacket_TypeTagRouting(t *testing.T) {
	tests := []struct {
		name       string
		packetType PacketType
	}{
		{"video", PacketVideo},
		{"audio", PacketAudio},
		{"fec", PacketFEC},
		{"nack", PacketNACK},
		{"qos feedback", PacketQoSFeedback},
		{"clipboard", PacketClipboard},
		{"clipboard ack", PacketClipboardAck},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := append([]byte{byte(tt.packetType)}, 1, 2, 3)
			packet, err := ParsePacket(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.packetType, packet.PacketType)
			assert.Equal(t, []byte{1, 2, 3}, packet.Data)
		})
	}
}

func TestParsePacket_Rejections(t *testing.T) {
	_, err := ParsePacket(nil)
	assert.ErrorIs(t, err, ErrPacketTooShort)

	_, err = ParsePacket([]byte{0x00, 1, 2})
	assert.ErrorIs(t, err, ErrUnknownPacketType)
}

func TestVideoPacket_RoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 900)
	header := &VideoPacketHeader{
		Version:        ProtocolVersion,
		Keyframe:       true,
		FrameType:      FrameIntra,
		Codec:          CodecH265,
		SequenceNumber: 4242,
		TimestampUs:    987654321,
		FrameNumber:    77,
		FragmentIndex:  2,
		FragmentTotal:  5,
	}

	datagram, err := EncodeVideoPacket(header, payload)
	require.NoError(t, err)

	packet, err := ParsePacket(datagram)
	require.NoError(t, err)
	require.Equal(t, PacketVideo, packet.PacketType)

	decoded, body, err := ParseVideoPacket(packet.Data)
	require.NoError(t, err)

	assert.Equal(t, byte(ProtocolVersion), decoded.Version)
	assert.True(t, decoded.Keyframe)
	assert.Equal(t, FrameIntra, decoded.FrameType)
	assert.Equal(t, CodecH265, decoded.Codec)
	assert.Equal(t, uint16(4242), decoded.SequenceNumber)
	assert.Equal(t, uint32(987654321), decoded.TimestampUs)
	assert.Equal(t, uint16(77), decoded.FrameNumber)
	assert.Equal(t, uint8(2), decoded.FragmentIndex)
	assert.Equal(t, uint8(5), decoded.FragmentTotal)
	assert.Equal(t, uint32(len(payload)), decoded.PayloadLength)
	assert.Equal(t, payload, body)
}

func TestEncodeVideoPacket_RejectsBadFragments(t *testing.T) {
	_, err := EncodeVideoPacket(&VideoPacketHeader{FragmentTotal: 0}, nil)
	assert.Error(t, err)

	_, err = EncodeVideoPacket(&VideoPacketHeader{FragmentIndex: 3, FragmentTotal: 3}, nil)
	assert.Error(t, err)
}

func TestParseVideoPacket_Truncation(t *testing.T) {
	header := &VideoPacketHeader{
		Version:       ProtocolVersion,
		Codec:         CodecH264,
		FragmentTotal: 1,
	}
	datagram, err := EncodeVideoPacket(header, []byte("frame-bytes"))
	require.NoError(t, err)

	// Header itself truncated.
	_, _, err = ParseVideoPacket(datagram[1 : 1+VideoHeaderSize-3])
	assert.ErrorIs(t, err, ErrPacketTooShort)

	// Length field claims more bytes than the datagram carries.
	_, _, err = ParseVideoPacket(datagram[1 : len(datagram)-4])
	assert.ErrorIs(t, err, ErrPayloadLength)
}

func TestAudioPacket_RoundTrip(t *testing.T) {
	header := &AudioPacketHeader{
		ChannelID:      1,
		SequenceNumber: 65535,
		TimestampUs:    123456,
	}
	opusFrame := []byte{0x78, 0x01, 0x02, 0x03}

	datagram, err := EncodeAudioPacket(header, opusFrame)
	require.NoError(t, err)

	decoded, payload, err := ParseAudioPacket(datagram[1:])
	require.NoError(t, err)
	assert.Equal(t, header.ChannelID, decoded.ChannelID)
	assert.Equal(t, header.SequenceNumber, decoded.SequenceNumber)
	assert.Equal(t, header.TimestampUs, decoded.TimestampUs)
	assert.Equal(t, opusFrame, payload)
}

func TestNACKPacket_RoundTrip(t *testing.T) {
	sequences := []uint16{3, 65534, 0, 1}

	datagram, err := EncodeNACKPacket(sequences)
	require.NoError(t, err)
	assert.Equal(t, byte(PacketNACK), datagram[0])
	assert.Equal(t, byte(0), datagram[1])

	decoded, err := ParseNACKPacket(datagram[1:])
	require.NoError(t, err)
	assert.Equal(t, sequences, decoded)
}

func TestNACKPacket_Limits(t *testing.T) {
	_, err := EncodeNACKPacket(nil)
	assert.Error(t, err)

	tooMany := make([]uint16, 65)
	_, err = EncodeNACKPacket(tooMany)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestParseNACKPacket_InconsistentCount(t *testing.T) {
	datagram, err := EncodeNACKPacket([]uint16{10, 11, 12})
	require.NoError(t, err)

	// Count claims three sequences but the list is cut short.
	_, err = ParseNACKPacket(datagram[1 : len(datagram)-2])
	assert.ErrorIs(t, err, ErrPayloadLength)
}

func TestFECPacket_RoundTrip(t *testing.T) {
	header := &FECPacketHeader{
		SequenceNumber: 9000,
		GroupID:        7,
		GroupSize:      4,
		FECIndex:       0,
		FrameNumberLow: 0x2A,
	}
	parity := []byte{0xFF, 0x00, 0xFF}

	datagram, err := EncodeFECPacket(header, parity)
	require.NoError(t, err)

	decoded, payload, err := ParseFECPacket(datagram[1:])
	require.NoError(t, err)
	assert.Equal(t, header, decoded)
	assert.Equal(t, parity, payload)
}

func TestQoSFeedback_RoundTrip(t *testing.T) {
	packet := &QoSFeedbackPacket{
		LastSeqReceived: 51000,
		EstimatedBwKbps: 25000,
		PacketLossX100:  150, // 1.50%
		AvgJitterUs:     2300,
		DelayGradientUs: -480,
		NackSequences:   []uint16{100, 101, 102},
	}

	datagram, err := packet.Encode()
	require.NoError(t, err)

	decoded, err := ParseQoSFeedback(datagram[1:])
	require.NoError(t, err)
	assert.Equal(t, packet.LastSeqReceived, decoded.LastSeqReceived)
	assert.Equal(t, packet.EstimatedBwKbps, decoded.EstimatedBwKbps)
	assert.Equal(t, packet.PacketLossX100, decoded.PacketLossX100)
	assert.Equal(t, packet.AvgJitterUs, decoded.AvgJitterUs)
	assert.Equal(t, packet.DelayGradientUs, decoded.DelayGradientUs)
	assert.Equal(t, packet.NackSequences, decoded.NackSequences)
}

func TestQoSFeedback_InlineSlotsAlwaysPresent(t *testing.T) {
	packet := &QoSFeedbackPacket{LastSeqReceived: 1}

	datagram, err := packet.Encode()
	require.NoError(t, err)
	// tag + fixed header + two inline (empty) sequence slots
	assert.Equal(t, 1+feedbackFixedSize+4, len(datagram))

	decoded, err := ParseQoSFeedback(datagram[1:])
	require.NoError(t, err)
	assert.Empty(t, decoded.NackSequences)
}

func TestQoSFeedback_RejectsOversizedNackList(t *testing.T) {
	packet := &QoSFeedbackPacket{NackSequences: make([]uint16, 65)}
	_, err := packet.Encode()
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestClipboard_RoundTripWithAck(t *testing.T) {
	packet := &ClipboardPacket{Sequence: 12, Payload: []byte("shared text")}

	datagram, err := packet.Encode()
	require.NoError(t, err)

	decoded, err := ParseClipboardPacket(datagram[1:])
	require.NoError(t, err)
	assert.Equal(t, packet.Sequence, decoded.Sequence)
	assert.Equal(t, packet.Payload, decoded.Payload)

	ack := EncodeClipboardAck(decoded.Sequence)
	seq, err := ParseClipboardAck(ack[1:])
	require.NoError(t, err)
	assert.Equal(t, uint16(12), seq)
}

func TestCodecNames(t *testing.T) {
	for _, name := range []string{"h264", "h265", "av1", "vp9"} {
		codec, ok := CodecFromName(name)
		require.True(t, ok, name)
		assert.Equal(t, name, codec.String())
	}

	_, ok := CodecFromName("theora")
	assert.False(t, ok)
}
