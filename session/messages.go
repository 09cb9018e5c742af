package session

import (
	"encoding/json"
	"fmt"

	"github.com/cloudstream/streamcore/ice"
)

// MessageType tags every signaling envelope. The values double as the
// inbound rate limiter's bucket keys.
type MessageType string

const (
	MessageOffer        MessageType = "session:offer"
	MessageAnswer       MessageType = "session:answer"
	MessageEnd          MessageType = "session:end"
	MessageICECandidate MessageType = "ice:candidate"
	MessageICEComplete  MessageType = "ice:complete"
	MessagePing         MessageType = "ping"
	MessagePong         MessageType = "pong"
	MessageKeyframe     MessageType = "keyframe:request"
	MessageStats        MessageType = "stats:request"
)

// Envelope is the outer JSON frame of every signaling message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals a payload into an envelope.
func NewEnvelope(messageType MessageType, sessionID string, payload interface{}) (*Envelope, error) {
	envelope := &Envelope{Type: messageType, SessionID: sessionID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", messageType, err)
		}
		envelope.Payload = raw
	}
	return envelope, nil
}

// OfferPayload opens a session: the codecs the viewer can decode in its
// own preference order, the requested resolution, and the streaming mode.
type OfferPayload struct {
	Codecs     []string `json:"codecs"`
	Resolution string   `json:"resolution,omitempty"`
	Preset     string   `json:"preset,omitempty"`
}

// AnswerPayload accepts or rejects an offer.
type AnswerPayload struct {
	Accepted bool   `json:"accepted"`
	Codec    string `json:"codec,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	Candidate ice.Candidate `json:"candidate"`
}

// EndPayload closes a session with a human-readable reason.
type EndPayload struct {
	Reason string `json:"reason,omitempty"`
}

// decodePayload unmarshals an envelope's payload into out.
func decodePayload(envelope *Envelope, out interface{}) error {
	if len(envelope.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", envelope.Type)
	}
	if err := json.Unmarshal(envelope.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", envelope.Type, err)
	}
	return nil
}
