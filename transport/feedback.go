package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/cloudstream/streamcore/limits"
)

// feedbackFixedSize is the feedback header after the type tag, up to and
// including the NACK count field. Two inline sequence slots always follow.
const feedbackFixedSize = 17

// QoSFeedbackPacket is the receiver's periodic quality report, sent every
// 200 ms and consumed by the sender's QoS controller. Pure in-flight
// telemetry; never persisted.
type QoSFeedbackPacket struct {
	Flags           uint8
	LastSeqReceived uint16
	EstimatedBwKbps uint32
	// PacketLossX100 is packet loss as fixed-point percent with two
	// decimals: loss fraction * 10000.
	PacketLossX100   uint16
	AvgJitterUs      uint16
	DelayGradientUs  int32
	NackSequences    []uint16
}

// Encode builds the full feedback datagram. The two inline sequence slots
// are always present; up to 62 additional sequences extend the list.
func (p *QoSFeedbackPacket) Encode() ([]byte, error) {
	if len(p.NackSequences) > limits.MaxFeedbackNackSequences {
		return nil, fmt.Errorf("%w: %d nack sequences exceeds %d",
			ErrMalformedHeader, len(p.NackSequences), limits.MaxFeedbackNackSequences)
	}

	slots := len(p.NackSequences)
	if slots < 2 {
		slots = 2
	}

	buf := make([]byte, 1+feedbackFixedSize+2*slots)
	buf[0] = byte(PacketQoSFeedback)
	buf[1] = p.Flags
	binary.BigEndian.PutUint16(buf[2:4], p.LastSeqReceived)
	binary.BigEndian.PutUint32(buf[4:8], p.EstimatedBwKbps)
	binary.BigEndian.PutUint16(buf[8:10], p.PacketLossX100)
	binary.BigEndian.PutUint16(buf[10:12], p.AvgJitterUs)
	binary.BigEndian.PutUint32(buf[12:16], uint32(p.DelayGradientUs))
	binary.BigEndian.PutUint16(buf[16:18], uint16(len(p.NackSequences)))

	for i, seq := range p.NackSequences {
		binary.BigEndian.PutUint16(buf[18+2*i:20+2*i], seq)
	}

	return buf, nil
}

// ParseQoSFeedback decodes a feedback datagram body (bytes after the tag).
func ParseQoSFeedback(data []byte) (*QoSFeedbackPacket, error) {
	if len(data) < feedbackFixedSize+4 { // fixed fields + two inline slots
		return nil, ErrPacketTooShort
	}

	packet := &QoSFeedbackPacket{
		Flags:           data[0],
		LastSeqReceived: binary.BigEndian.Uint16(data[1:3]),
		EstimatedBwKbps: binary.BigEndian.Uint32(data[3:7]),
		PacketLossX100:  binary.BigEndian.Uint16(data[7:9]),
		AvgJitterUs:     binary.BigEndian.Uint16(data[9:11]),
		DelayGradientUs: int32(binary.BigEndian.Uint32(data[11:15])),
	}

	count := int(binary.BigEndian.Uint16(data[15:17]))
	if count > limits.MaxFeedbackNackSequences {
		return nil, fmt.Errorf("%w: nack count %d exceeds %d",
			ErrMalformedHeader, count, limits.MaxFeedbackNackSequences)
	}
	if len(data) < feedbackFixedSize+2*count {
		return nil, ErrPayloadLength
	}

	packet.NackSequences = make([]uint16, count)
	for i := 0; i < count; i++ {
		packet.NackSequences[i] = binary.BigEndian.Uint16(data[17+2*i : 19+2*i])
	}

	return packet, nil
}
