package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"

	"github.com/cloudstream/streamcore/transport"
)

// maxDecodedFrame fits the largest Opus frame: 120 ms of 48 kHz stereo
// 16-bit PCM.
const maxDecodedFrame = 5760 * 2 * 2

// AudioSender transmits encoded Opus frames. Audio runs its own sequence
// counter, fully independent of the video/FEC sequence space, and is paced
// by the capture callback rather than a timer.
type AudioSender struct {
	mu sync.Mutex

	sink      DatagramSender
	channelID uint8
	seq       uint16

	packetsSent uint64
}

// NewAudioSender creates a sender for one audio channel.
func NewAudioSender(sink DatagramSender, channelID uint8) *AudioSender {
	return &AudioSender{sink: sink, channelID: channelID}
}

// SendFrame transmits one encoded Opus frame.
func (s *AudioSender) SendFrame(payload []byte, timestampUs uint32) error {
	if len(payload) == 0 {
		return fmt.Errorf("audio payload cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	header := &transport.AudioPacketHeader{
		ChannelID:      s.channelID,
		SequenceNumber: s.seq,
		TimestampUs:    timestampUs,
	}
	datagram, err := transport.EncodeAudioPacket(header, payload)
	if err != nil {
		return fmt.Errorf("encode audio packet: %w", err)
	}
	if err := s.sink.Send(datagram); err != nil {
		return fmt.Errorf("send audio packet: %w", err)
	}

	s.seq++
	s.packetsSent++
	return nil
}

// AudioReceiver decodes incoming Opus payloads to PCM.
type AudioReceiver struct {
	mu      sync.Mutex
	decoder *opus.Decoder
	output  []byte
	closed  bool
}

// NewAudioReceiver creates a receiver with a pure Go Opus decoder.
func NewAudioReceiver() *AudioReceiver {
	logrus.WithFields(logrus.Fields{
		"function": "NewAudioReceiver",
		"decoder":  "opus.Decoder",
	}).Debug("Creating audio receiver")

	decoder := opus.NewDecoder()
	return &AudioReceiver{
		decoder: &decoder,
		output:  make([]byte, maxDecodedFrame),
	}
}

// Decode converts one Opus payload to 16-bit PCM bytes. The returned slice
// is owned by the caller and trimmed to the packet's actual duration.
func (r *AudioReceiver) Decode(payload []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrDecoderClosed
	}

	_, isStereo, err := r.decoder.Decode(payload, r.output)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}

	n := decodedPCMBytes(payload, isStereo)
	if n <= 0 || n > len(r.output) {
		n = len(r.output)
	}
	pcm := make([]byte, n)
	copy(pcm, r.output[:n])
	return pcm, nil
}

// decodedPCMBytes derives the decoded length from the packet's TOC byte:
// duration at 48 kHz, 16-bit samples, mono or stereo.
func decodedPCMBytes(payload []byte, isStereo bool) int {
	duration := opusPacketDuration(payload)
	samples := int(duration * 48000 / time.Second)
	if isStereo {
		return samples * 2 * 2
	}
	return samples * 2
}

// opusPacketDuration reads the frame duration and frame count out of an
// Opus packet header (RFC 6716 §3.1).
func opusPacketDuration(payload []byte) time.Duration {
	if len(payload) == 0 {
		return 0
	}

	toc := payload[0]
	config := toc >> 3

	var frame time.Duration
	switch {
	case config <= 11:
		// SILK-only: 10, 20, 40, 60 ms.
		frame = []time.Duration{
			10 * time.Millisecond,
			20 * time.Millisecond,
			40 * time.Millisecond,
			60 * time.Millisecond,
		}[config%4]
	case config <= 15:
		// Hybrid: 10, 20 ms.
		frame = []time.Duration{
			10 * time.Millisecond,
			20 * time.Millisecond,
		}[config%2]
	default:
		// CELT-only: 2.5, 5, 10, 20 ms.
		frame = []time.Duration{
			2500 * time.Microsecond,
			5 * time.Millisecond,
			10 * time.Millisecond,
			20 * time.Millisecond,
		}[(config-16)%4]
	}

	frames := 1
	switch toc & 0x03 {
	case 1, 2:
		frames = 2
	case 3:
		if len(payload) < 2 {
			return 0
		}
		frames = int(payload[1] & 0x3F)
	}

	return time.Duration(frames) * frame
}

// Close shuts the decoder down; further decodes fail.
func (r *AudioReceiver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
