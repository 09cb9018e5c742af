package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudstream/streamcore/transport"
)

func receiverVideoDatagram(t *testing.T, seq, frameNumber uint16, index, total uint8, payload []byte) []byte {
	t.Helper()

	datagram, err := transport.EncodeVideoPacket(&transport.VideoPacketHeader{
		Keyframe:       true,
		Codec:          transport.CodecH264,
		SequenceNumber: seq,
		TimestampUs:    uint32(seq) * 1000,
		FrameNumber:    frameNumber,
		FragmentIndex:  index,
		FragmentTotal:  total,
	}, payload)
	require.NoError(t, err)
	return datagram
}

func deliver(t *testing.T, receiver *Receiver, datagram []byte) {
	t.Helper()

	packet, err := transport.ParsePacket(datagram)
	require.NoError(t, err)

	switch packet.PacketType {
	case transport.PacketVideo:
		require.NoError(t, receiver.handleVideo(packet))
	case transport.PacketFEC:
		require.NoError(t, receiver.handleFEC(packet))
	default:
		t.Fatalf("unexpected packet type 0x%02X", byte(packet.PacketType))
	}
}

func TestReceiver_VideoPathReleasesFrame(t *testing.T) {
	sink := &collectingSink{}
	receiver := NewReceiver(sink, PresetBalanced)
	receiver.buffer.SetTargetDepth(0)

	var frames []*Frame
	receiver.OnFrame(func(frame *Frame) {
		frames = append(frames, frame)
	})

	deliver(t, receiver, receiverVideoDatagram(t, 0, 0, 0, 2, []byte{0x01, 0x02}))
	deliver(t, receiver, receiverVideoDatagram(t, 1, 0, 1, 2, []byte{0x03}))
	receiver.releaseFrames()

	require.Len(t, frames, 1)
	assert.Equal(t, uint16(0), frames[0].FrameNumber)
	assert.True(t, frames[0].Keyframe)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, frames[0].Data)

	stats := receiver.BufferStats()
	assert.Equal(t, uint64(1), stats.FramesReleased)
}

func TestReceiver_MalformedVideoDropped(t *testing.T) {
	sink := &collectingSink{}
	receiver := NewReceiver(sink, PresetBalanced)

	err := receiver.handleVideo(&transport.Packet{
		PacketType: transport.PacketVideo,
		Data:       []byte{0x00, 0x01},
	})
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), receiver.BufferStats().FramesReleased)
}

func TestReceiver_SequenceGapEmitsNACK(t *testing.T) {
	sink := &collectingSink{}
	receiver := NewReceiver(sink, PresetBalanced)

	deliver(t, receiver, receiverVideoDatagram(t, 0, 0, 0, 1, []byte{0x01}))
	deliver(t, receiver, receiverVideoDatagram(t, 2, 2, 0, 1, []byte{0x02}))
	receiver.sendNACKs()

	require.Len(t, sink.datagrams, 1)
	datagram := sink.datagrams[0]
	require.Equal(t, byte(transport.PacketNACK), datagram[0])

	sequences, err := transport.ParseNACKPacket(datagram[1:])
	require.NoError(t, err)
	assert.Equal(t, []uint16{1}, sequences)
}

func TestReceiver_NoGapNoNACK(t *testing.T) {
	sink := &collectingSink{}
	receiver := NewReceiver(sink, PresetBalanced)

	deliver(t, receiver, receiverVideoDatagram(t, 0, 0, 0, 1, []byte{0x01}))
	deliver(t, receiver, receiverVideoDatagram(t, 1, 1, 0, 1, []byte{0x02}))
	receiver.sendNACKs()

	assert.Empty(t, sink.datagrams)
}

func TestReceiver_FeedbackCarriesStatsAndGaps(t *testing.T) {
	sink := &collectingSink{}
	receiver := NewReceiver(sink, PresetBalanced)

	deliver(t, receiver, receiverVideoDatagram(t, 10, 0, 0, 1, []byte{0x01}))
	deliver(t, receiver, receiverVideoDatagram(t, 12, 2, 0, 1, []byte{0x02}))
	receiver.sendFeedback()

	require.Len(t, sink.datagrams, 1)
	datagram := sink.datagrams[0]
	require.Equal(t, byte(transport.PacketQoSFeedback), datagram[0])

	feedback, err := transport.ParseQoSFeedback(datagram[1:])
	require.NoError(t, err)
	assert.Equal(t, uint16(12), feedback.LastSeqReceived)
	assert.Contains(t, feedback.NackSequences, uint16(11))
}

func TestReceiver_SetMaxFrameAge(t *testing.T) {
	sink := &collectingSink{}
	receiver := NewReceiver(sink, PresetBalanced)

	receiver.SetMaxFrameAge(80 * time.Millisecond)
	assert.Equal(t, 80*time.Millisecond, receiver.buffer.maxFrameAge)

	// Zero keeps the current cutoff.
	receiver.SetMaxFrameAge(0)
	assert.Equal(t, 80*time.Millisecond, receiver.buffer.maxFrameAge)
}

func TestReceiver_FECPacketRecoversFrame(t *testing.T) {
	sink := &collectingSink{}
	receiver := NewReceiver(sink, PresetBalanced)
	receiver.buffer.SetTargetDepth(0)

	var frames []*Frame
	receiver.OnFrame(func(frame *Frame) {
		frames = append(frames, frame)
	})

	fragments := [][]byte{{0x01, 0x02}, {0x03, 0x04, 0x05}, {0x06}}
	parities := BuildParity(0, 7, fragments, 0.3)
	require.Len(t, parities, 1)

	// Fragment 1 is lost; the parity packet covers the whole frame.
	deliver(t, receiver, receiverVideoDatagram(t, 0, 0, 0, 3, fragments[0]))
	deliver(t, receiver, receiverVideoDatagram(t, 2, 0, 2, 3, fragments[2]))

	parityDatagram, err := transport.EncodeFECPacket(&transport.FECPacketHeader{
		SequenceNumber: 3,
		GroupID:        parities[0].GroupID,
		GroupSize:      parities[0].GroupSize,
		FECIndex:       parities[0].FECIndex,
		FrameNumberLow: parities[0].FrameNumberLow,
	}, parities[0].Payload)
	require.NoError(t, err)
	deliver(t, receiver, parityDatagram)
	receiver.releaseFrames()

	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, frames[0].Data)
}
