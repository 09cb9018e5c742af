package media

import (
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	// nackWindow is how far behind the highest observed sequence number
	// a packet is still tracked.
	nackWindow = 2000

	// nackScanDepth bounds how far back one gap check looks.
	nackScanDepth = 500

	// nackPerCheck caps the sequences requested in one check so a burst
	// loss cannot trigger a retransmission storm.
	nackPerCheck = 10

	// nackMaxRetries is how many times one sequence is requested before
	// it is written off as unrecoverable.
	nackMaxRetries = 3
)

// NACKTracker records observed video sequence numbers and flags gaps for
// retransmission. All comparisons are wraparound-safe.
type NACKTracker struct {
	mu sync.Mutex

	seen    map[uint16]bool
	retries map[uint16]int
	highest uint16
	lowest  uint16
	started bool

	requested   uint64
	unrecovered uint64
}

// NewNACKTracker creates an empty tracker.
func NewNACKTracker() *NACKTracker {
	return &NACKTracker{
		seen:    make(map[uint16]bool),
		retries: make(map[uint16]int),
	}
}

// Observe records a received sequence number and prunes entries that have
// fallen out of the sliding window.
func (t *NACKTracker) Observe(seq uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seen[seq] = true
	delete(t.retries, seq)

	if !t.started {
		t.highest = seq
		t.lowest = seq
		t.started = true
		return
	}
	if seqNewer(seq, t.highest) {
		t.highest = seq
		t.pruneLocked()
	}
	if seqNewer(t.lowest, seq) {
		t.lowest = seq
	}
}

// Missing scans backward from the highest observed sequence number and
// returns gaps to request, incrementing each returned sequence's retry
// count. Sequences past their retry budget are dropped from tracking.
func (t *NACKTracker) Missing() []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		return nil
	}

	var missing []uint16
	for offset := 1; offset <= nackScanDepth && len(missing) < nackPerCheck; offset++ {
		seq := t.highest - uint16(offset)
		// Nothing before the first packet of the stream was sent.
		if seqDelta(t.lowest, seq) < 0 {
			break
		}
		if t.seen[seq] {
			continue
		}

		attempts := t.retries[seq]
		if attempts >= nackMaxRetries {
			continue
		}

		t.retries[seq] = attempts + 1
		if attempts+1 == nackMaxRetries {
			t.unrecovered++
			logrus.WithFields(logrus.Fields{
				"function": "NACKTracker.Missing",
				"sequence": seq,
				"retries":  nackMaxRetries,
			}).Debug("Retry budget exhausted for sequence")
		}
		missing = append(missing, seq)
		t.requested++
	}
	return missing
}

// Highest returns the newest sequence number observed.
func (t *NACKTracker) Highest() (uint16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highest, t.started
}

func (t *NACKTracker) pruneLocked() {
	for seq := range t.seen {
		if seqDelta(seq, t.highest) > nackWindow {
			delete(t.seen, seq)
		}
	}
	for seq := range t.retries {
		if seqDelta(seq, t.highest) > nackWindow {
			delete(t.retries, seq)
		}
	}
}
