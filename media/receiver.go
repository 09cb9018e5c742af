package media

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudstream/streamcore/limits"
	"github.com/cloudstream/streamcore/transport"
)

const (
	// nackCheckInterval is the gap-scan cadence, independent of the
	// receive loop's poll rate.
	nackCheckInterval = 5 * time.Millisecond
)

// FrameCallback delivers a reassembled video frame to the presentation
// layer.
type FrameCallback func(frame *Frame)

// AudioCallback delivers decoded PCM audio.
type AudioCallback func(channelID uint8, pcm []byte, timestampUs uint32)

// Receiver owns the receiving half of the media plane: it routes incoming
// datagrams from the dispatcher into the jitter buffer, FEC recovery, NACK
// tracker, and audio pipeline, and runs the timers that send NACKs and
// quality feedback back to the sender.
type Receiver struct {
	buffer *JitterBuffer
	nack   *NACKTracker
	stats  *ReceiverStats
	fec    *fecRecovery
	audio  *AudioReceiver

	sink DatagramSender

	onFrame FrameCallback
	onAudio AudioCallback
}

// NewReceiver wires a receiving pipeline onto the given feedback sink.
func NewReceiver(sink DatagramSender, preset Preset) *Receiver {
	buffer := NewJitterBuffer()
	buffer.SetTargetDepth(preset.TargetDepth)

	return &Receiver{
		buffer: buffer,
		nack:   NewNACKTracker(),
		stats:  NewReceiverStats(),
		fec:    newFECRecovery(buffer),
		audio:  NewAudioReceiver(),
		sink:   sink,
	}
}

// SetMaxFrameAge overrides the jitter buffer's incomplete-frame cutoff.
// Zero keeps the default.
func (r *Receiver) SetMaxFrameAge(age time.Duration) {
	if age > 0 {
		r.buffer.SetMaxFrameAge(age)
	}
}

// OnFrame sets the callback invoked for each released video frame.
func (r *Receiver) OnFrame(callback FrameCallback) {
	r.onFrame = callback
}

// OnAudio sets the callback invoked for each decoded audio packet.
func (r *Receiver) OnAudio(callback AudioCallback) {
	r.onAudio = callback
}

// Register attaches the receiver's packet handlers to the dispatcher.
func (r *Receiver) Register(dispatcher *transport.Dispatcher) {
	dispatcher.RegisterHandler(transport.PacketVideo, r.handleVideo)
	dispatcher.RegisterHandler(transport.PacketAudio, r.handleAudio)
	dispatcher.RegisterHandler(transport.PacketFEC, r.handleFEC)
}

func (r *Receiver) handleVideo(packet *transport.Packet) error {
	header, payload, err := transport.ParseVideoPacket(packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.handleVideo",
			"error":    err.Error(),
		}).Warn("Dropping malformed video packet")
		return nil
	}

	r.nack.Observe(header.SequenceNumber)
	r.stats.OnPacket(header.SequenceNumber, header.TimestampUs, len(packet.Data)+1)
	r.buffer.Push(header, payload)
	return nil
}

func (r *Receiver) handleAudio(packet *transport.Packet) error {
	header, payload, err := transport.ParseAudioPacket(packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.handleAudio",
			"error":    err.Error(),
		}).Warn("Dropping malformed audio packet")
		return nil
	}

	if r.onAudio == nil {
		return nil
	}
	pcm, err := r.audio.Decode(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.handleAudio",
			"sequence": header.SequenceNumber,
			"error":    err.Error(),
		}).Warn("Audio decode failed")
		return nil
	}
	r.onAudio(header.ChannelID, pcm, header.TimestampUs)
	return nil
}

func (r *Receiver) handleFEC(packet *transport.Packet) error {
	header, payload, err := transport.ParseFECPacket(packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.handleFEC",
			"error":    err.Error(),
		}).Warn("Dropping malformed parity packet")
		return nil
	}

	// Parity packets occupy sequence space alongside video packets.
	r.nack.Observe(header.SequenceNumber)
	r.stats.OnUntimedPacket(header.SequenceNumber, len(packet.Data)+1)
	r.fec.handle(header, payload)
	return nil
}

// Run drives the receiver's timers until the context is cancelled: frame
// release and NACK checks every 5 ms, quality feedback every 200 ms.
func (r *Receiver) Run(ctx context.Context) {
	nackTicker := time.NewTicker(nackCheckInterval)
	defer nackTicker.Stop()
	feedbackTicker := time.NewTicker(FeedbackInterval)
	defer feedbackTicker.Stop()

	logrus.WithFields(logrus.Fields{
		"function": "Receiver.Run",
	}).Info("Receiver loop started")

	for {
		select {
		case <-ctx.Done():
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.Run",
			}).Info("Receiver loop stopped")
			return
		case <-nackTicker.C:
			r.releaseFrames()
			r.sendNACKs()
		case <-feedbackTicker.C:
			r.sendFeedback()
		}
	}
}

func (r *Receiver) releaseFrames() {
	for {
		frame, ok := r.buffer.Pop()
		if !ok {
			return
		}
		if r.onFrame != nil {
			r.onFrame(frame)
		}
	}
}

func (r *Receiver) sendNACKs() {
	missing := r.nack.Missing()
	if len(missing) == 0 {
		return
	}

	datagram, err := transport.EncodeNACKPacket(missing)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.sendNACKs",
			"count":    len(missing),
			"error":    err.Error(),
		}).Warn("NACK encode failed")
		return
	}
	if err := r.sink.Send(datagram); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.sendNACKs",
			"error":    err.Error(),
		}).Warn("NACK send failed")
	}
}

func (r *Receiver) sendFeedback() {
	packet := r.stats.Snapshot()

	// Piggyback outstanding gaps on the feedback report.
	missing := r.nack.Missing()
	if len(missing) > limits.MaxFeedbackNackSequences {
		missing = missing[:limits.MaxFeedbackNackSequences]
	}
	packet.NackSequences = missing

	datagram, err := packet.Encode()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.sendFeedback",
			"error":    err.Error(),
		}).Warn("Feedback encode failed")
		return
	}
	if err := r.sink.Send(datagram); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.sendFeedback",
			"error":    err.Error(),
		}).Warn("Feedback send failed")
	}
}

// BufferStats exposes the jitter buffer's loss counters.
func (r *Receiver) BufferStats() JitterBufferStats {
	return r.buffer.Stats()
}

// Recoveries returns the number of fragments reconstructed from parity.
func (r *Receiver) Recoveries() uint64 {
	return r.fec.recovered.Load()
}

// PacketsReceived returns the cumulative media packet count.
func (r *Receiver) PacketsReceived() uint64 {
	return r.stats.Received()
}
