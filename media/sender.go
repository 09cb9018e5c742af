package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudstream/streamcore/limits"
	"github.com/cloudstream/streamcore/transport"
)

// DatagramSender is the write half of the encrypted transport, satisfied
// by transport.SecureTransport.
type DatagramSender interface {
	Send(data []byte) error
}

// retransmitCache keeps recently sent datagrams keyed by sequence number so
// NACKed packets can be resent without touching the encoder. The window
// mirrors the receiver's tracking window.
type retransmitCache struct {
	mu      sync.Mutex
	packets map[uint16][]byte
	highest uint16
	started bool
}

func newRetransmitCache() *retransmitCache {
	return &retransmitCache{packets: make(map[uint16][]byte)}
}

func (c *retransmitCache) put(seq uint16, datagram []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.packets[seq] = datagram
	if !c.started || seqNewer(seq, c.highest) {
		c.highest = seq
		c.started = true
	}
	for old := range c.packets {
		if seqDelta(old, c.highest) > nackWindow {
			delete(c.packets, old)
		}
	}
}

func (c *retransmitCache) get(seq uint16) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	datagram, ok := c.packets[seq]
	return datagram, ok
}

// VideoSender fragments encoded frames, attaches parity, and paces
// datagrams onto the transport. Video and FEC packets share one sequence
// counter so the receiver sees a single gap-free space.
type VideoSender struct {
	mu sync.Mutex

	sink       DatagramSender
	controller *Controller
	cache      *retransmitCache

	codec       transport.Codec
	seq         uint16
	frameNumber uint16
	groupID     uint8

	packetsSent uint64
	bytesSent   uint64
	retransmits uint64
}

// NewVideoSender creates a sender for one negotiated codec.
func NewVideoSender(sink DatagramSender, controller *Controller, codec transport.Codec) *VideoSender {
	return &VideoSender{
		sink:       sink,
		controller: controller,
		cache:      newRetransmitCache(),
		codec:      codec,
	}
}

// SendFrame fragments one encoded frame and transmits it followed by its
// parity packets. Returns without sending when the controller has paused
// the pipeline.
func (s *VideoSender) SendFrame(data []byte, keyframe bool, timestampUs uint32) error {
	if len(data) == 0 {
		return fmt.Errorf("encoded frame cannot be empty")
	}
	if s.controller != nil && s.controller.ShouldPause() {
		return nil
	}

	fragments := fragmentFrame(data)
	if len(fragments) > 255 {
		return fmt.Errorf("%w: %d fragments", ErrFrameTooLarge, len(fragments))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	frameNumber := s.frameNumber
	s.frameNumber++

	frameType := transport.FrameDelta
	if keyframe {
		frameType = transport.FrameIntra
	}

	for index, fragment := range fragments {
		header := &transport.VideoPacketHeader{
			Version:        transport.ProtocolVersion,
			Keyframe:       keyframe,
			FrameType:      frameType,
			Codec:          s.codec,
			SequenceNumber: s.seq,
			TimestampUs:    timestampUs,
			FrameNumber:    frameNumber,
			FragmentIndex:  uint8(index),
			FragmentTotal:  uint8(len(fragments)),
		}
		datagram, err := transport.EncodeVideoPacket(header, fragment)
		if err != nil {
			return fmt.Errorf("encode video fragment: %w", err)
		}
		if err := s.sendLocked(header.SequenceNumber, datagram); err != nil {
			return err
		}
	}

	ratio := 0.0
	if s.controller != nil {
		ratio = s.controller.FECRatio()
	}
	s.groupID++
	for _, parity := range BuildParity(frameNumber, s.groupID, fragments, ratio) {
		header := &transport.FECPacketHeader{
			SequenceNumber: s.seq,
			GroupID:        parity.GroupID,
			GroupSize:      parity.GroupSize,
			FECIndex:       parity.FECIndex,
			FrameNumberLow: parity.FrameNumberLow,
		}
		datagram, err := transport.EncodeFECPacket(header, parity.Payload)
		if err != nil {
			return fmt.Errorf("encode parity packet: %w", err)
		}
		if err := s.sendLocked(header.SequenceNumber, datagram); err != nil {
			return err
		}
	}

	return nil
}

func (s *VideoSender) sendLocked(seq uint16, datagram []byte) error {
	s.cache.put(seq, datagram)
	s.seq++
	if err := s.sink.Send(datagram); err != nil {
		return fmt.Errorf("send datagram: %w", err)
	}
	s.packetsSent++
	s.bytesSent += uint64(len(datagram))
	return nil
}

// HandleNACK resends every cached datagram the peer reported missing.
// Sequences already outside the cache window are silently skipped; the
// receiver's jitter buffer will skip ahead on its own.
func (s *VideoSender) HandleNACK(sequences []uint16) {
	for _, seq := range sequences {
		datagram, ok := s.cache.get(seq)
		if !ok {
			continue
		}
		if err := s.sink.Send(datagram); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "VideoSender.HandleNACK",
				"sequence": seq,
				"error":    err.Error(),
			}).Warn("Retransmit failed")
			return
		}
		s.mu.Lock()
		s.retransmits++
		s.mu.Unlock()
	}
}

// Stats returns send counters.
func (s *VideoSender) Stats() (packets, bytes, retransmits uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packetsSent, s.bytesSent, s.retransmits
}

// fragmentFrame splits an encoded frame into payload-sized chunks, always
// at least one.
func fragmentFrame(data []byte) [][]byte {
	if len(data) <= limits.MaxVideoPayload {
		return [][]byte{data}
	}
	var fragments [][]byte
	for offset := 0; offset < len(data); offset += limits.MaxVideoPayload {
		end := offset + limits.MaxVideoPayload
		if end > len(data) {
			end = len(data)
		}
		fragments = append(fragments, data[offset:end])
	}
	return fragments
}

// PaceUntil sleeps toward the deadline, handing the final millisecond to a
// spin-wait for sub-millisecond send timing.
func PaceUntil(deadline time.Time) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if remaining > time.Millisecond {
			time.Sleep(remaining - time.Millisecond)
			continue
		}
		// Spin out the last slice; timer wakeups are too coarse here.
		for time.Now().Before(deadline) {
		}
		return
	}
}
