package media

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudstream/streamcore/transport"
)

const (
	// FeedbackInterval is how often the receiver reports quality.
	FeedbackInterval = 200 * time.Millisecond

	// feedbackStallAfter is how long the sender streams blind before it
	// presumes the viewer is gone and pauses the encode loop.
	feedbackStallAfter = 15 * time.Second

	// jitterSmoothing is the RFC 3550 exponential smoothing divisor.
	jitterSmoothing = 16

	// bandwidthWindow is the rolling packet window for the receiver's
	// bandwidth estimate.
	bandwidthWindow = 128
)

// kalmanFilter is a one-dimensional filter over delay-gradient samples.
type kalmanFilter struct {
	estimate float64
	variance float64
	q        float64
	r        float64
	primed   bool
}

func newDelayKalman() *kalmanFilter {
	return &kalmanFilter{q: 0.001, r: 0.1, variance: 1}
}

func (k *kalmanFilter) update(measurement float64) float64 {
	if !k.primed {
		k.estimate = measurement
		k.primed = true
		return k.estimate
	}
	k.variance += k.q
	gain := k.variance / (k.variance + k.r)
	k.estimate += gain * (measurement - k.estimate)
	k.variance *= 1 - gain
	return k.estimate
}

type packetSample struct {
	arrival time.Time
	size    int
}

// ReceiverStats aggregates per-packet observations on the receiving side
// into the periodic quality feedback consumed by the sender.
type ReceiverStats struct {
	mu sync.Mutex

	started     bool
	lastSeq     uint16
	expected    uint64
	received    uint64
	lossWinExp  uint64
	lossWinRecv uint64

	jitterUs      float64
	lastTransitUs int64
	haveTransit   bool

	samples []packetSample

	delayKalman *kalmanFilter
	lastDelta   float64

	now func() time.Time
}

// NewReceiverStats creates an empty aggregator.
func NewReceiverStats() *ReceiverStats {
	return &ReceiverStats{
		delayKalman: newDelayKalman(),
		now:         time.Now,
	}
}

// OnPacket records one received media packet. timestampUs is the sender's
// truncated microsecond clock from the packet header.
func (s *ReceiverStats) OnPacket(seq uint16, timestampUs uint32, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	arrival := s.now()
	s.recordLocked(seq, size, arrival)

	// RFC 3550 interarrival jitter on the sender timestamp vs local
	// arrival clock, smoothed by 1/16.
	transitUs := arrival.UnixMicro() - int64(timestampUs)
	if s.haveTransit {
		diff := transitUs - s.lastTransitUs
		if diff < 0 {
			diff = -diff
		}
		s.jitterUs += (float64(diff) - s.jitterUs) / jitterSmoothing

		s.lastDelta = s.delayKalman.update(float64(transitUs - s.lastTransitUs))
	}
	s.lastTransitUs = transitUs
	s.haveTransit = true
}

// OnUntimedPacket records a packet that carries no sender timestamp, such
// as parity. It counts toward loss and bandwidth but not jitter.
func (s *ReceiverStats) OnUntimedPacket(seq uint16, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(seq, size, s.now())
}

func (s *ReceiverStats) recordLocked(seq uint16, size int, arrival time.Time) {
	if !s.started {
		s.started = true
		s.lastSeq = seq
		s.expected++
		s.received++
		s.lossWinExp++
		s.lossWinRecv++
	} else {
		delta := seqDelta(s.lastSeq, seq)
		if delta > 0 {
			s.expected += uint64(delta)
			s.lossWinExp += uint64(delta)
			s.lastSeq = seq
		}
		// Reordered and retransmitted packets still count as received.
		s.received++
		s.lossWinRecv++
	}

	s.samples = append(s.samples, packetSample{arrival: arrival, size: size})
	if len(s.samples) > bandwidthWindow {
		s.samples = s.samples[len(s.samples)-bandwidthWindow:]
	}
}

// Received returns the cumulative received packet count.
func (s *ReceiverStats) Received() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Snapshot drains the current loss window into a feedback packet. The NACK
// list is filled in by the caller from its tracker.
func (s *ReceiverStats) Snapshot() *transport.QoSFeedbackPacket {
	s.mu.Lock()
	defer s.mu.Unlock()

	packet := &transport.QoSFeedbackPacket{
		LastSeqReceived: s.lastSeq,
		EstimatedBwKbps: s.bandwidthKbpsLocked(),
		AvgJitterUs:     clampUint16(int64(s.jitterUs)),
		DelayGradientUs: clampInt32(int64(s.lastDelta)),
	}

	if s.lossWinExp > 0 {
		lost := int64(s.lossWinExp) - int64(s.lossWinRecv)
		if lost < 0 {
			lost = 0
		}
		packet.PacketLossX100 = clampUint16(lost * 10000 / int64(s.lossWinExp))
	}
	s.lossWinExp = 0
	s.lossWinRecv = 0

	return packet
}

func (s *ReceiverStats) bandwidthKbpsLocked() uint32 {
	if len(s.samples) < 2 {
		return 0
	}
	first := s.samples[0]
	last := s.samples[len(s.samples)-1]
	elapsed := last.arrival.Sub(first.arrival)
	if elapsed <= 0 {
		return 0
	}
	bytes := 0
	for _, sample := range s.samples {
		bytes += sample.size
	}
	return uint32(float64(bytes*8) / elapsed.Seconds() / 1000)
}

func clampUint16(v int64) uint16 {
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}

func clampInt32(v int64) int32 {
	if v > 2147483647 {
		return 2147483647
	}
	if v < -2147483648 {
		return -2147483648
	}
	return int32(v)
}

// Encoder is the side-channel into the video encoder the QoS controller
// steers. Implementations live outside this package, next to capture.
type Encoder interface {
	// Reconfigure applies a new bitrate and frame-rate target.
	Reconfigure(bitrateKbps uint32, fps int) error
	// ForceKeyframe requests an intra frame at the next opportunity.
	ForceKeyframe()
}

// Controller is the sender-side adaptation loop. It consumes the peer's
// feedback packets and adjusts encoder bitrate, frame rate, and FEC
// redundancy; it also detects feedback starvation and pauses the pipeline
// until the viewer comes back.
type Controller struct {
	mu sync.Mutex

	preset  Preset
	encoder Encoder

	bitrateKbps uint32
	fps         int
	fecRatio    float64

	lastFeedback time.Time
	paused       bool
	everHeard    bool

	now func() time.Time
}

// NewController creates a controller starting at the preset's maximums.
func NewController(preset Preset, encoder Encoder) *Controller {
	return &Controller{
		preset:      preset,
		encoder:     encoder,
		bitrateKbps: preset.MaxBitrateKbps,
		fps:         preset.TargetFPS,
		fecRatio:    preset.FECFloor,
		now:         time.Now,
	}
}

// OnFeedback applies one quality report from the peer. Returning from a
// feedback stall forces exactly one keyframe so the viewer can resync.
func (c *Controller) OnFeedback(packet *transport.QoSFeedbackPacket) {
	c.mu.Lock()

	wasPaused := c.paused
	c.paused = false
	c.everHeard = true
	c.lastFeedback = c.now()

	loss := float64(packet.PacketLossX100) / 10000

	previous := c.bitrateKbps
	switch {
	case loss > 0.05:
		c.bitrateKbps = uint32(float64(c.bitrateKbps) * 0.75)
	case loss > 0.02:
		c.bitrateKbps = uint32(float64(c.bitrateKbps) * 0.95)
	case loss < 0.01:
		c.bitrateKbps = uint32(float64(c.bitrateKbps) * 1.05)
	}

	// A rising delay gradient means queues are building; back off before
	// loss shows up.
	if packet.DelayGradientUs > 5000 {
		c.bitrateKbps = uint32(float64(c.bitrateKbps) * 0.9)
	}

	if packet.EstimatedBwKbps > 0 && c.bitrateKbps > packet.EstimatedBwKbps {
		c.bitrateKbps = packet.EstimatedBwKbps
	}
	if c.bitrateKbps > c.preset.MaxBitrateKbps {
		c.bitrateKbps = c.preset.MaxBitrateKbps
	}
	if c.bitrateKbps < c.preset.MinBitrateKbps {
		c.bitrateKbps = c.preset.MinBitrateKbps
	}

	// Redundancy scales with observed loss, never below the preset floor.
	c.fecRatio = c.preset.FECFloor + loss*2
	if c.fecRatio > 0.5 {
		c.fecRatio = 0.5
	}

	changed := c.bitrateKbps != previous
	bitrate := c.bitrateKbps
	fps := c.fps
	encoder := c.encoder
	c.mu.Unlock()

	if encoder == nil {
		return
	}
	if changed {
		if err := encoder.Reconfigure(bitrate, fps); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "Controller.OnFeedback",
				"bitrate_kbps": bitrate,
				"fps":          fps,
				"error":        err.Error(),
			}).Warn("Encoder reconfigure failed")
		}
	}
	if wasPaused {
		logrus.WithFields(logrus.Fields{
			"function": "Controller.OnFeedback",
		}).Info("Feedback resumed after stall, forcing keyframe")
		encoder.ForceKeyframe()
	}
}

// ShouldPause reports whether the encode loop should stop sending because
// no feedback has arrived for the stall interval. Never pauses before the
// first feedback; a viewer that has not connected yet is not a stall.
func (c *Controller) ShouldPause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.everHeard {
		return false
	}
	if c.now().Sub(c.lastFeedback) > feedbackStallAfter {
		c.paused = true
	}
	return c.paused
}

// FECRatio returns the current redundancy ratio.
func (c *Controller) FECRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fecRatio
}

// BitrateKbps returns the current target bitrate.
func (c *Controller) BitrateKbps() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitrateKbps
}

// Preset returns the active streaming mode.
func (c *Controller) Preset() Preset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preset
}
