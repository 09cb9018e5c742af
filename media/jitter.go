package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudstream/streamcore/limits"
	"github.com/cloudstream/streamcore/transport"
)

const (
	// DefaultMaxFrameAge is how long an incomplete frame at the release
	// point is held before it is abandoned.
	DefaultMaxFrameAge = 150 * time.Millisecond

	// DefaultTargetDepth is the buffering delay applied to complete
	// frames before release. Presets tune this down to single-digit
	// milliseconds for latency-sensitive streaming.
	DefaultTargetDepth = 16 * time.Millisecond

	// backPressureFrames is the queue depth at which release is no longer
	// delayed by the target depth.
	backPressureFrames = 3
)

// frameAssembly collects the fragments of one encoded frame.
type frameAssembly struct {
	header       transport.VideoPacketHeader
	fragments    [][]byte
	received     int
	firstArrival time.Time
	complete     bool
}

// Frame is a fully reassembled encoded frame released by the jitter buffer.
type Frame struct {
	FrameNumber uint16
	Keyframe    bool
	Codec       transport.Codec
	TimestampUs uint32
	Data        []byte
}

// JitterBufferStats counts data-plane loss events. Loss is never an error
// here, only a statistic.
type JitterBufferStats struct {
	FramesReleased uint64
	FramesDropped  uint64
	LateFragments  uint64
	Evictions      uint64
}

// JitterBuffer reorders incoming video fragments into complete frames and
// releases them strictly in frame-number order. Missing frames are skipped
// after a bounded wait rather than stalling the stream.
type JitterBuffer struct {
	mu sync.Mutex

	frames      map[uint16]*frameAssembly
	nextRelease uint16
	started     bool

	targetDepth time.Duration
	maxFrameAge time.Duration
	maxFrames   int

	stats JitterBufferStats

	// now is replaceable in tests.
	now func() time.Time
}

// NewJitterBuffer creates a buffer with the default depth and age limits.
func NewJitterBuffer() *JitterBuffer {
	return &JitterBuffer{
		frames:      make(map[uint16]*frameAssembly),
		targetDepth: DefaultTargetDepth,
		maxFrameAge: DefaultMaxFrameAge,
		maxFrames:   limits.MaxBufferedFrames,
		now:         time.Now,
	}
}

// SetTargetDepth tunes the buffering delay before a complete frame is
// released.
func (jb *JitterBuffer) SetTargetDepth(depth time.Duration) {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.targetDepth = depth
}

// SetMaxFrameAge tunes how long an incomplete frame blocks release before
// it is abandoned.
func (jb *JitterBuffer) SetMaxFrameAge(age time.Duration) {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.maxFrameAge = age
}

// Push inserts one video fragment. Malformed fragment indices and
// duplicates are dropped silently; fragments for frames already released
// or abandoned are counted as late and ignored.
func (jb *JitterBuffer) Push(header *transport.VideoPacketHeader, payload []byte) {
	if header.FragmentTotal == 0 || header.FragmentIndex >= header.FragmentTotal {
		logrus.WithFields(logrus.Fields{
			"function":       "JitterBuffer.Push",
			"frame_number":   header.FrameNumber,
			"fragment_index": header.FragmentIndex,
			"fragment_total": header.FragmentTotal,
		}).Warn("Dropping fragment with malformed index")
		return
	}

	jb.mu.Lock()
	defer jb.mu.Unlock()

	if !jb.started {
		jb.nextRelease = header.FrameNumber
		jb.started = true
	}

	// Frames behind the release point can never be released again. This
	// also keeps an expired frame from being revived by a late fragment.
	if seqDelta(jb.nextRelease, header.FrameNumber) < 0 {
		jb.stats.LateFragments++
		return
	}

	asm, ok := jb.frames[header.FrameNumber]
	if !ok {
		if len(jb.frames) >= jb.maxFrames {
			jb.evictOldestLocked()
		}
		asm = &frameAssembly{
			header:       *header,
			fragments:    make([][]byte, header.FragmentTotal),
			firstArrival: jb.now(),
		}
		jb.frames[header.FrameNumber] = asm
	}

	if int(header.FragmentIndex) >= len(asm.fragments) || asm.fragments[header.FragmentIndex] != nil {
		return
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	asm.fragments[header.FragmentIndex] = buf
	asm.received++
	if asm.received == len(asm.fragments) {
		asm.complete = true
	}
}

// Pop releases the next frame in frame-number order if one is ready.
// Returns false when nothing is releasable yet.
func (jb *JitterBuffer) Pop() (*Frame, bool) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if !jb.started {
		return nil, false
	}

	now := jb.now()
	// Bounded so a pathological buffer state cannot spin forever.
	for i := 0; i <= jb.maxFrames; i++ {
		asm, ok := jb.frames[jb.nextRelease]
		if ok {
			if asm.complete {
				if jb.depthReachedLocked(asm, now) {
					return jb.releaseLocked(asm), true
				}
				return nil, false
			}
			// Incomplete at the release point: abandon after the age
			// limit and move on.
			if now.Sub(asm.firstArrival) >= jb.maxFrameAge {
				delete(jb.frames, jb.nextRelease)
				jb.stats.FramesDropped++
				logrus.WithFields(logrus.Fields{
					"function":     "JitterBuffer.Pop",
					"frame_number": jb.nextRelease,
					"received":     asm.received,
					"total":        len(asm.fragments),
				}).Debug("Abandoning incomplete frame past age limit")
				jb.nextRelease++
				continue
			}
			return nil, false
		}

		// Release point missing entirely. If a later complete frame has
		// aged past the target depth, the gap is confirmed lost: jump.
		next, found := jb.nearestCompleteLocked()
		if !found {
			return nil, false
		}
		if now.Sub(jb.frames[next].firstArrival) < jb.targetDepth {
			return nil, false
		}
		skipped := uint64(seqDelta(jb.nextRelease, next))
		jb.stats.FramesDropped += skipped
		jb.nextRelease = next
		jb.purgeBehindLocked()
	}
	return nil, false
}

// purgeBehindLocked discards assemblies the release pointer has moved past.
func (jb *JitterBuffer) purgeBehindLocked() {
	for number := range jb.frames {
		if seqDelta(jb.nextRelease, number) < 0 {
			delete(jb.frames, number)
		}
	}
}

// Stats returns a snapshot of loss counters.
func (jb *JitterBuffer) Stats() JitterBufferStats {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.stats
}

// Depth returns the number of buffered frame assemblies.
func (jb *JitterBuffer) Depth() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return len(jb.frames)
}

// missingFragments lists the unfilled fragment indices of a buffered frame
// within [start, end). Used by FEC recovery.
func (jb *JitterBuffer) missingFragments(frameNumber uint16, start, end int) []int {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	asm, ok := jb.frames[frameNumber]
	if !ok {
		return nil
	}
	if end > len(asm.fragments) {
		end = len(asm.fragments)
	}
	var missing []int
	for i := start; i < end; i++ {
		if asm.fragments[i] == nil {
			missing = append(missing, i)
		}
	}
	return missing
}

// fragmentTotal returns the fragment count of a buffered frame, or 0.
func (jb *JitterBuffer) fragmentTotal(frameNumber uint16) int {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	asm, ok := jb.frames[frameNumber]
	if !ok {
		return 0
	}
	return len(asm.fragments)
}

// fragment returns a buffered fragment payload, or nil.
func (jb *JitterBuffer) fragment(frameNumber uint16, index int) []byte {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	asm, ok := jb.frames[frameNumber]
	if !ok || index >= len(asm.fragments) {
		return nil
	}
	return asm.fragments[index]
}

// injectRecovered fills one missing fragment slot with data reconstructed
// from parity. Returns false if the frame is gone or the slot is taken.
func (jb *JitterBuffer) injectRecovered(frameNumber uint16, index int, payload []byte) bool {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	asm, ok := jb.frames[frameNumber]
	if !ok || index >= len(asm.fragments) || asm.fragments[index] != nil {
		return false
	}

	asm.fragments[index] = payload
	asm.received++
	if asm.received == len(asm.fragments) {
		asm.complete = true
	}
	return true
}

// frameByLowByte finds the newest buffered frame whose frame number has the
// given low byte. FEC packets only carry the low byte.
func (jb *JitterBuffer) frameByLowByte(low uint8) (uint16, bool) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	var best uint16
	found := false
	for number := range jb.frames {
		if uint8(number) != low {
			continue
		}
		if !found || seqNewer(number, best) {
			best = number
			found = true
		}
	}
	return best, found
}

func (jb *JitterBuffer) depthReachedLocked(asm *frameAssembly, now time.Time) bool {
	if now.Sub(asm.firstArrival) >= jb.targetDepth {
		return true
	}
	complete := 0
	for _, other := range jb.frames {
		if other.complete {
			complete++
		}
	}
	return complete >= backPressureFrames
}

func (jb *JitterBuffer) releaseLocked(asm *frameAssembly) *Frame {
	data := make([]byte, 0, int(asm.header.PayloadLength)*len(asm.fragments))
	for i, fragment := range asm.fragments {
		if fragment == nil {
			// A complete frame has every slot filled; anything else is
			// a bug in the assembly bookkeeping.
			panic(fmt.Sprintf("complete frame %d missing fragment %d", asm.header.FrameNumber, i))
		}
		data = append(data, fragment...)
	}

	frame := &Frame{
		FrameNumber: asm.header.FrameNumber,
		Keyframe:    asm.header.Keyframe,
		Codec:       asm.header.Codec,
		TimestampUs: asm.header.TimestampUs,
		Data:        data,
	}

	delete(jb.frames, jb.nextRelease)
	jb.nextRelease++
	jb.stats.FramesReleased++
	return frame
}

// nearestCompleteLocked finds the complete frame closest ahead of the
// release point.
func (jb *JitterBuffer) nearestCompleteLocked() (uint16, bool) {
	var best uint16
	found := false
	for number, asm := range jb.frames {
		if !asm.complete {
			continue
		}
		if !found || seqDelta(jb.nextRelease, number) < seqDelta(jb.nextRelease, best) {
			best = number
			found = true
		}
	}
	return best, found
}

func (jb *JitterBuffer) evictOldestLocked() {
	var oldest uint16
	found := false
	for number := range jb.frames {
		if !found || seqNewer(oldest, number) {
			oldest = number
			found = true
		}
	}
	if found {
		delete(jb.frames, oldest)
		jb.stats.Evictions++
		logrus.WithFields(logrus.Fields{
			"function":     "JitterBuffer.Push",
			"frame_number": oldest,
		}).Warn("Buffer full, evicting oldest frame")
	}
}
