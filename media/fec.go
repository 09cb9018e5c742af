package media

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/cloudstream/streamcore/transport"
)

// Parity is one XOR redundancy packet produced for a fragmented frame. The
// sender assigns the sequence number at transmission time.
type Parity struct {
	GroupID        uint8
	GroupSize      uint8
	FECIndex       uint8
	FrameNumberLow uint8
	Payload        []byte
}

// BuildParity produces XOR parity packets for the fragments of one frame.
//
// Fragments are split into contiguous groups of GroupSize positions; parity
// packet FECIndex covers fragments [FECIndex*GroupSize, (FECIndex+1)*GroupSize).
// Each parity payload is the XOR of its group's fragments, each prefixed
// with its 16-bit length so a recovered fragment can be trimmed back to its
// original size. One lost fragment per group is recoverable.
//
// A ratio of r yields roughly ceil(total*r) parity packets. Single-fragment
// frames get none: parity over one packet carries no extra information.
func BuildParity(frameNumber uint16, groupID uint8, fragments [][]byte, ratio float64) []Parity {
	total := len(fragments)
	if total <= 1 || ratio <= 0 {
		return nil
	}

	parityCount := int(float64(total)*ratio + 0.999)
	if parityCount < 1 {
		parityCount = 1
	}
	if parityCount > total {
		parityCount = total
	}

	span := (total + parityCount - 1) / parityCount
	if span > 255 {
		// One parity cannot address more than 255 positions; clamp by
		// raising the parity count instead.
		span = 255
		parityCount = (total + span - 1) / span
	}

	parities := make([]Parity, 0, parityCount)
	for index := 0; index < parityCount; index++ {
		start := index * span
		end := start + span
		if end > total {
			end = total
		}
		if start >= end {
			break
		}

		parities = append(parities, Parity{
			GroupID:        groupID,
			GroupSize:      uint8(span),
			FECIndex:       uint8(index),
			FrameNumberLow: uint8(frameNumber),
			Payload:        xorGroup(fragments[start:end]),
		})
	}
	return parities
}

// xorGroup folds length-prefixed fragments together. The result is as long
// as the largest prefixed fragment in the group.
func xorGroup(fragments [][]byte) []byte {
	maxLen := 0
	for _, fragment := range fragments {
		if len(fragment)+2 > maxLen {
			maxLen = len(fragment) + 2
		}
	}

	parity := make([]byte, maxLen)
	prefixed := make([]byte, maxLen)
	for _, fragment := range fragments {
		for i := range prefixed {
			prefixed[i] = 0
		}
		binary.BigEndian.PutUint16(prefixed[0:2], uint16(len(fragment)))
		copy(prefixed[2:], fragment)
		for i := range parity {
			parity[i] ^= prefixed[i]
		}
	}
	return parity
}

// recoverFragment XORs the parity payload against the surviving group
// members and strips the length prefix, yielding the one missing fragment.
// Returns nil if the parity is inconsistent with the survivors.
func recoverFragment(parity []byte, survivors [][]byte) []byte {
	residue := make([]byte, len(parity))
	copy(residue, parity)

	prefixed := make([]byte, len(parity))
	for _, fragment := range survivors {
		if len(fragment)+2 > len(residue) {
			return nil
		}
		for i := range prefixed {
			prefixed[i] = 0
		}
		binary.BigEndian.PutUint16(prefixed[0:2], uint16(len(fragment)))
		copy(prefixed[2:], fragment)
		for i := range residue {
			residue[i] ^= prefixed[i]
		}
	}

	if len(residue) < 2 {
		return nil
	}
	length := int(binary.BigEndian.Uint16(residue[0:2]))
	if length > len(residue)-2 {
		return nil
	}
	return residue[2 : 2+length]
}

// fecRecovery applies received parity packets against the jitter buffer,
// reconstructing a single missing fragment per parity group before the NACK
// path has to ask for a retransmit.
type fecRecovery struct {
	buffer    *JitterBuffer
	recovered atomic.Uint64
}

func newFECRecovery(buffer *JitterBuffer) *fecRecovery {
	return &fecRecovery{buffer: buffer}
}

// handle processes one parity packet. It is a no-op unless exactly one
// fragment of the covered group is missing and all others are buffered.
func (f *fecRecovery) handle(header *transport.FECPacketHeader, payload []byte) {
	frameNumber, ok := f.buffer.frameByLowByte(header.FrameNumberLow)
	if !ok {
		return
	}

	span := int(header.GroupSize)
	start := int(header.FECIndex) * span
	end := start + span
	if total := f.buffer.fragmentTotal(frameNumber); end > total {
		end = total
	}
	if start >= end {
		return
	}

	missing := f.buffer.missingFragments(frameNumber, start, end)
	if len(missing) != 1 {
		return
	}

	var survivors [][]byte
	for i := start; i < end; i++ {
		if i == missing[0] {
			continue
		}
		fragment := f.buffer.fragment(frameNumber, i)
		if fragment == nil {
			return
		}
		survivors = append(survivors, fragment)
	}

	recovered := recoverFragment(payload, survivors)
	if recovered == nil {
		logrus.WithFields(logrus.Fields{
			"function":     "fecRecovery.handle",
			"frame_number": frameNumber,
			"group_id":     header.GroupID,
		}).Warn("Parity inconsistent with buffered fragments, ignoring")
		return
	}

	reassembled := f.buffer.injectRecovered(frameNumber, missing[0], recovered)
	if reassembled {
		f.recovered.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":       "fecRecovery.handle",
			"frame_number":   frameNumber,
			"fragment_index": missing[0],
		}).Debug("Fragment recovered from parity")
	}
}
