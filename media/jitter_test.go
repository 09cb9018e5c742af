package media

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudstream/streamcore/transport"
)

// fakeClock drives the jitter buffer's view of time in tests.
type fakeClock struct {
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Unix(1000, 0)}
}

func (c *fakeClock) now() time.Time {
	return c.current
}

func (c *fakeClock) advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func testBuffer(clock *fakeClock) *JitterBuffer {
	jb := NewJitterBuffer()
	jb.now = clock.now
	jb.SetTargetDepth(0)
	return jb
}

func videoHeader(frameNumber uint16, index, total uint8) *transport.VideoPacketHeader {
	return &transport.VideoPacketHeader{
		Version:       transport.ProtocolVersion,
		Codec:         transport.CodecH264,
		FrameNumber:   frameNumber,
		FragmentIndex: index,
		FragmentTotal: total,
	}
}

func TestJitterBuffer_SingleFragmentFrame(t *testing.T) {
	clock := newFakeClock()
	jb := testBuffer(clock)

	jb.Push(videoHeader(0, 0, 1), []byte("frame-zero"))

	frame, ok := jb.Pop()
	require.True(t, ok)
	assert.Equal(t, uint16(0), frame.FrameNumber)
	assert.Equal(t, []byte("frame-zero"), frame.Data)
}

func TestJitterBuffer_ReassemblyAnyOrder(t *testing.T) {
	fragments := [][]byte{[]byte("aaa"), []byte("bb"), []byte("cccc"), []byte("d")}
	want := []byte("aaabbccccd")

	for trial := 0; trial < 20; trial++ {
		clock := newFakeClock()
		jb := testBuffer(clock)

		order := rand.Perm(len(fragments))
		for _, index := range order {
			jb.Push(videoHeader(0, uint8(index), uint8(len(fragments))), fragments[index])
		}

		frame, ok := jb.Pop()
		require.True(t, ok, "order %v", order)
		assert.Equal(t, want, frame.Data, "order %v", order)
	}
}

func TestJitterBuffer_InOrderRelease(t *testing.T) {
	clock := newFakeClock()
	jb := testBuffer(clock)

	jb.Push(videoHeader(2, 0, 1), []byte("two"))
	jb.Push(videoHeader(0, 0, 1), []byte("zero"))
	jb.Push(videoHeader(1, 0, 1), []byte("one"))

	// Release pointer starts at the first frame pushed; frame 2 arrived
	// first so 0 and 1 are behind it and dropped as late.
	frame, ok := jb.Pop()
	require.True(t, ok)
	assert.Equal(t, uint16(2), frame.FrameNumber)

	_, ok = jb.Pop()
	assert.False(t, ok)
	assert.Equal(t, uint64(2), jb.Stats().LateFragments)
}

func TestJitterBuffer_SequentialFrames(t *testing.T) {
	clock := newFakeClock()
	jb := testBuffer(clock)

	for i := uint16(0); i < 5; i++ {
		jb.Push(videoHeader(i, 0, 1), []byte{byte(i)})
	}

	for i := uint16(0); i < 5; i++ {
		frame, ok := jb.Pop()
		require.True(t, ok)
		assert.Equal(t, i, frame.FrameNumber)
	}
	_, ok := jb.Pop()
	assert.False(t, ok)
}

func TestJitterBuffer_IncompleteFrameExpires(t *testing.T) {
	clock := newFakeClock()
	jb := testBuffer(clock)

	// Frame 0 never completes; frame 1 is ready behind it.
	jb.Push(videoHeader(0, 0, 2), []byte("half"))
	jb.Push(videoHeader(1, 0, 1), []byte("next"))

	_, ok := jb.Pop()
	assert.False(t, ok, "incomplete frame holds release until the age limit")

	clock.advance(DefaultMaxFrameAge + time.Millisecond)

	frame, ok := jb.Pop()
	require.True(t, ok)
	assert.Equal(t, uint16(1), frame.FrameNumber)
	assert.Equal(t, uint64(1), jb.Stats().FramesDropped)
}

func TestJitterBuffer_ExpiryIdempotent(t *testing.T) {
	clock := newFakeClock()
	jb := testBuffer(clock)

	jb.Push(videoHeader(0, 0, 2), []byte("half"))
	jb.Push(videoHeader(1, 0, 1), []byte("next"))

	clock.advance(DefaultMaxFrameAge + time.Millisecond)
	frame, ok := jb.Pop()
	require.True(t, ok)
	require.Equal(t, uint16(1), frame.FrameNumber)

	dropped := jb.Stats().FramesDropped

	// The missing fragment arrives late. It must not revive frame 0.
	jb.Push(videoHeader(0, 1, 2), []byte("late"))
	_, ok = jb.Pop()
	assert.False(t, ok)
	assert.Equal(t, dropped, jb.Stats().FramesDropped, "frame 0 dropped exactly once")
	assert.Equal(t, uint64(1), jb.Stats().LateFragments)
}

func TestJitterBuffer_SkipAheadOverGap(t *testing.T) {
	clock := newFakeClock()
	jb := testBuffer(clock)
	jb.SetTargetDepth(10 * time.Millisecond)

	jb.Push(videoHeader(0, 0, 1), []byte("zero"))
	clock.advance(11 * time.Millisecond)
	frame, ok := jb.Pop()
	require.True(t, ok)
	require.Equal(t, uint16(0), frame.FrameNumber)

	// Frames 1 and 2 are lost entirely; frame 3 arrives complete.
	jb.Push(videoHeader(3, 0, 1), []byte("three"))

	_, ok = jb.Pop()
	assert.False(t, ok, "gap not yet confirmed lost")

	clock.advance(11 * time.Millisecond)
	frame, ok = jb.Pop()
	require.True(t, ok)
	assert.Equal(t, uint16(3), frame.FrameNumber)
	assert.Equal(t, uint64(2), jb.Stats().FramesDropped, "frames 1 and 2 counted lost")
}

func TestJitterBuffer_DuplicateFragmentIgnored(t *testing.T) {
	clock := newFakeClock()
	jb := testBuffer(clock)

	jb.Push(videoHeader(0, 0, 2), []byte("first"))
	jb.Push(videoHeader(0, 0, 2), []byte("DIFFERENT"))
	jb.Push(videoHeader(0, 1, 2), []byte("second"))

	frame, ok := jb.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte("firstsecond"), frame.Data)
}

func TestJitterBuffer_MalformedFragmentIndexDropped(t *testing.T) {
	clock := newFakeClock()
	jb := testBuffer(clock)

	jb.Push(videoHeader(0, 2, 2), []byte("bad"))
	assert.Equal(t, 0, jb.Depth())
}

func TestJitterBuffer_OverflowEvictsOldest(t *testing.T) {
	clock := newFakeClock()
	jb := testBuffer(clock)
	jb.maxFrames = 4

	// Fill with incomplete frames so nothing releases.
	for i := uint16(0); i < 5; i++ {
		jb.Push(videoHeader(i, 0, 2), []byte("partial"))
	}

	assert.Equal(t, 4, jb.Depth())
	assert.Equal(t, uint64(1), jb.Stats().Evictions)
}

func TestJitterBuffer_Wraparound(t *testing.T) {
	clock := newFakeClock()
	jb := testBuffer(clock)

	for _, frameNumber := range []uint16{65534, 65535, 0, 1} {
		jb.Push(videoHeader(frameNumber, 0, 1), []byte{byte(frameNumber)})
	}

	for _, want := range []uint16{65534, 65535, 0, 1} {
		frame, ok := jb.Pop()
		require.True(t, ok, "frame %d", want)
		assert.Equal(t, want, frame.FrameNumber)
	}
}

func TestJitterBuffer_BackPressureRelief(t *testing.T) {
	clock := newFakeClock()
	jb := testBuffer(clock)
	jb.SetTargetDepth(time.Hour)

	jb.Push(videoHeader(0, 0, 1), []byte("a"))
	_, ok := jb.Pop()
	assert.False(t, ok, "target depth holds a lone frame")

	jb.Push(videoHeader(1, 0, 1), []byte("b"))
	jb.Push(videoHeader(2, 0, 1), []byte("c"))

	frame, ok := jb.Pop()
	require.True(t, ok, "three queued complete frames override the depth gate")
	assert.Equal(t, uint16(0), frame.FrameNumber)
}
