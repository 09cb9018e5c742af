package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cloudstream/streamcore/ice"
	"github.com/cloudstream/streamcore/media"
	"github.com/cloudstream/streamcore/transport"
)

// Phase is a session's lifecycle state. Transitions are linear; any phase
// may jump straight to closed on error or explicit end.
type Phase string

const (
	PhasePreparing  Phase = "preparing"
	PhaseGathering  Phase = "gathering"
	PhaseConnecting Phase = "connecting"
	PhaseActive     Phase = "active"
	PhaseClosed     Phase = "closed"
)

const (
	// DefaultWidth and DefaultHeight are the fallback resolution for
	// malformed offer resolution strings.
	DefaultWidth  = 1920
	DefaultHeight = 1080

	// remoteGatherTimeout bounds the wait for the peer's gathering
	// complete signal.
	remoteGatherTimeout = 30 * time.Second
)

// codecPreference is the negotiation order when the offer leaves a choice.
var codecPreference = []transport.Codec{
	transport.CodecH265,
	transport.CodecH264,
	transport.CodecAV1,
}

// ErrCodecNegotiation indicates the offer listed no decodable codec.
var ErrCodecNegotiation = errors.New("no mutually supported codec")

// SendFunc delivers an envelope to the peer over the signaling channel.
type SendFunc func(envelope *Envelope) error

// Session is one streaming session from offer to encrypted transport.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu     sync.Mutex
	phase  Phase
	codec  transport.Codec
	preset media.Preset
	width  int
	height int

	agent  *ice.Agent
	secure *transport.SecureTransport

	remoteComplete chan struct{}
	completeOnce   sync.Once

	cancel context.CancelFunc
	done   chan struct{}
}

// Phase returns the session's current lifecycle state.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Codec returns the negotiated video codec.
func (s *Session) Codec() transport.Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec
}

// Preset returns the negotiated streaming mode.
func (s *Session) Preset() media.Preset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preset
}

// Resolution returns the negotiated stream dimensions.
func (s *Session) Resolution() (width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Transport returns the session's encrypted transport once active.
func (s *Session) Transport() *transport.SecureTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secure
}

// PhaseFunc observes session phase changes.
type PhaseFunc func(sessionID string, phase Phase)

// ConnectedFunc fires when a session reaches the active phase with its
// encrypted transport ready.
type ConnectedFunc func(session *Session, secure *transport.SecureTransport)

// FailureFunc fires when a session terminates on a fatal error rather
// than a clean end.
type FailureFunc func(sessionID string, err error)

// Manager owns the endpoint's single active session and applies signaling
// messages to it. All session state is mutated from the manager's methods
// and the session's own run goroutine, never from outside.
type Manager struct {
	mu sync.Mutex

	stunServers  []string
	isHost       bool
	send         SendFunc
	checkTimeout time.Duration

	current *Session

	onPhase     PhaseFunc
	onConnected ConnectedFunc
	onFailure   FailureFunc
}

// NewManager creates a session manager. Host endpoints take the DTLS
// server role; viewers the client role.
func NewManager(stunServers []string, isHost bool, send SendFunc) *Manager {
	return &Manager{
		stunServers: stunServers,
		isHost:      isHost,
		send:        send,
	}
}

// OnPhaseChange registers the phase observer.
func (m *Manager) OnPhaseChange(callback PhaseFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPhase = callback
}

// OnConnected registers the active-transport callback.
func (m *Manager) OnConnected(callback ConnectedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = callback
}

// OnFailure registers the fatal-termination observer.
func (m *Manager) OnFailure(callback FailureFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailure = callback
}

// SetCheckTimeout overrides the connectivity probe timeout applied to
// each new session's ICE agent. Zero keeps the agent default.
func (m *Manager) SetCheckTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkTimeout = timeout
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// HandleMessage applies one signaling envelope. Unknown types are logged
// and dropped; they are never an error for the connection.
func (m *Manager) HandleMessage(envelope *Envelope) error {
	switch envelope.Type {
	case MessageOffer:
		return m.handleOffer(envelope)
	case MessageICECandidate:
		return m.handleCandidate(envelope)
	case MessageICEComplete:
		m.handleComplete(envelope)
		return nil
	case MessageEnd:
		m.EndSession("peer ended session")
		return nil
	case MessagePing, MessagePong, MessageAnswer, MessageKeyframe, MessageStats:
		// Handled by other layers.
		return nil
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Manager.HandleMessage",
			"type":     string(envelope.Type),
		}).Warn("Ignoring unknown signaling message type")
		return nil
	}
}

// handleOffer starts a new session, tearing down any existing one first.
func (m *Manager) handleOffer(envelope *Envelope) error {
	var offer OfferPayload
	if err := decodePayload(envelope, &offer); err != nil {
		return err
	}

	// Stop-then-start: never two concurrent sessions.
	m.EndSession("superseded by new offer")

	session := &Session{
		ID:             envelope.SessionID,
		CreatedAt:      time.Now(),
		phase:          PhasePreparing,
		remoteComplete: make(chan struct{}),
		done:           make(chan struct{}),
	}
	if session.ID == "" {
		session.ID = uuid.New().String()
	}

	codec, err := selectCodec(offer.Codecs)
	if err != nil {
		answer := AnswerPayload{Accepted: false, Reason: err.Error()}
		m.sendEnvelope(MessageAnswer, session.ID, answer)
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.handleOffer",
			"session_id": session.ID,
			"codecs":     offer.Codecs,
		}).Error("Codec negotiation failed, rejecting offer")
		return err
	}

	preset, err := media.PresetByName(offer.Preset)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.handleOffer",
			"session_id": session.ID,
			"preset":     offer.Preset,
		}).Warn("Unknown preset in offer, using balanced")
		preset = media.PresetBalanced
	}

	session.codec = codec
	session.preset = preset
	session.width, session.height = parseResolution(offer.Resolution)

	ctx, cancel := context.WithCancel(context.Background())
	session.cancel = cancel
	session.agent = ice.NewAgent(m.stunServers)

	m.mu.Lock()
	if m.checkTimeout > 0 {
		session.agent.SetCheckTimeout(m.checkTimeout)
	}
	m.current = session
	m.mu.Unlock()

	m.sendEnvelope(MessageAnswer, session.ID, AnswerPayload{Accepted: true, Codec: codec.String()})

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.handleOffer",
		"session_id": session.ID,
		"codec":      codec.String(),
		"preset":     preset.Name,
		"width":      session.width,
		"height":     session.height,
	}).Info("Session accepted")

	go m.run(ctx, session)
	return nil
}

// run drives one session through gathering, connecting, and active.
func (m *Manager) run(ctx context.Context, session *Session) {
	defer close(session.done)

	m.setPhase(session, PhaseGathering)

	candidates, err := session.agent.GatherCandidates(ctx)
	if err != nil {
		m.fail(session, fmt.Errorf("candidate gathering: %w", err))
		return
	}
	for _, candidate := range candidates {
		m.sendEnvelope(MessageICECandidate, session.ID, CandidatePayload{Candidate: candidate})
	}
	m.sendEnvelope(MessageICEComplete, session.ID, nil)

	m.setPhase(session, PhaseConnecting)

	select {
	case <-session.remoteComplete:
	case <-time.After(remoteGatherTimeout):
		m.fail(session, fmt.Errorf("timed out waiting for peer candidates"))
		return
	case <-ctx.Done():
		m.release(session)
		return
	}

	selected, err := session.agent.StartConnectivityChecks(ctx)
	if err != nil {
		m.fail(session, fmt.Errorf("connectivity checks: %w", err))
		return
	}

	secure, err := transport.NewSecureTransport(selected.Conn, !m.isHost)
	if err != nil {
		m.fail(session, fmt.Errorf("secure transport: %w", err))
		return
	}

	session.mu.Lock()
	session.secure = secure
	session.mu.Unlock()

	m.setPhase(session, PhaseActive)

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.run",
		"session_id": session.ID,
		"peer":       selected.Pair.Remote.String(),
	}).Info("Session active")

	m.mu.Lock()
	connected := m.onConnected
	m.mu.Unlock()
	if connected != nil {
		connected(session, secure)
	}
}

func (m *Manager) handleCandidate(envelope *Envelope) error {
	var payload CandidatePayload
	if err := decodePayload(envelope, &payload); err != nil {
		return err
	}

	session := m.Current()
	if session == nil || session.ID != envelope.SessionID {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.handleCandidate",
			"session_id": envelope.SessionID,
		}).Debug("Candidate for unknown session, dropping")
		return nil
	}
	session.agent.AddRemoteCandidate(payload.Candidate)
	return nil
}

func (m *Manager) handleComplete(envelope *Envelope) {
	session := m.Current()
	if session == nil || session.ID != envelope.SessionID {
		return
	}
	session.completeOnce.Do(func() {
		close(session.remoteComplete)
	})
}

// EndSession tears down the active session, joining its goroutine before
// resources are released. Safe to call with no session active.
func (m *Manager) EndSession(reason string) {
	m.mu.Lock()
	session := m.current
	m.current = nil
	m.mu.Unlock()

	if session == nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.EndSession",
		"session_id": session.ID,
		"reason":     reason,
	}).Info("Ending session")

	if session.cancel != nil {
		session.cancel()
	}
	<-session.done
	m.release(session)
	m.setPhase(session, PhaseClosed)
}

// fail terminates a session on a fatal error, notifying the peer.
func (m *Manager) fail(session *Session, err error) {
	logrus.WithFields(logrus.Fields{
		"function":   "Manager.fail",
		"session_id": session.ID,
		"error":      err.Error(),
	}).Error("Session failed")

	m.sendEnvelope(MessageEnd, session.ID, EndPayload{Reason: err.Error()})
	m.release(session)
	m.setPhase(session, PhaseClosed)

	m.mu.Lock()
	if m.current == session {
		m.current = nil
	}
	onFailure := m.onFailure
	m.mu.Unlock()

	if onFailure != nil {
		onFailure(session.ID, err)
	}
}

// release frees a session's network resources.
func (m *Manager) release(session *Session) {
	session.mu.Lock()
	secure := session.secure
	session.secure = nil
	session.mu.Unlock()

	if secure != nil {
		if err := secure.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Manager.release",
				"session_id": session.ID,
				"error":      err.Error(),
			}).Warn("Closing secure transport failed")
		}
	}
	if session.agent != nil {
		if err := session.agent.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Manager.release",
				"session_id": session.ID,
				"error":      err.Error(),
			}).Warn("Closing ICE agent failed")
		}
	}
}

func (m *Manager) setPhase(session *Session, phase Phase) {
	session.mu.Lock()
	if session.phase == PhaseClosed {
		session.mu.Unlock()
		return
	}
	session.phase = phase
	session.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.setPhase",
		"session_id": session.ID,
		"phase":      string(phase),
	}).Debug("Session phase changed")

	m.mu.Lock()
	observer := m.onPhase
	m.mu.Unlock()
	if observer != nil {
		observer(session.ID, phase)
	}
}

func (m *Manager) sendEnvelope(messageType MessageType, sessionID string, payload interface{}) {
	envelope, err := NewEnvelope(messageType, sessionID, payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.sendEnvelope",
			"type":     string(messageType),
			"error":    err.Error(),
		}).Error("Envelope build failed")
		return
	}
	if m.send == nil {
		return
	}
	if err := m.send(envelope); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.sendEnvelope",
			"type":     string(messageType),
			"error":    err.Error(),
		}).Warn("Signaling send failed")
	}
}

// selectCodec picks the streaming codec: the fixed preference order first,
// then the offer's own first entry as fallback.
func selectCodec(offered []string) (transport.Codec, error) {
	if len(offered) == 0 {
		return 0, fmt.Errorf("%w: offer listed no codecs", ErrCodecNegotiation)
	}

	available := make(map[transport.Codec]bool)
	for _, name := range offered {
		if codec, ok := transport.CodecFromName(name); ok {
			available[codec] = true
		}
	}
	for _, preferred := range codecPreference {
		if available[preferred] {
			return preferred, nil
		}
	}
	if codec, ok := transport.CodecFromName(offered[0]); ok {
		return codec, nil
	}
	return 0, fmt.Errorf("%w: offered %v", ErrCodecNegotiation, offered)
}

// parseResolution parses a strict "WxH" string with positive dimensions.
// Malformed values fall back to 1920x1080 with a warning, never an error.
func parseResolution(value string) (width, height int) {
	if value == "" {
		return DefaultWidth, DefaultHeight
	}

	parts := strings.Split(value, "x")
	if len(parts) == 2 {
		w, errW := strconv.Atoi(parts[0])
		h, errH := strconv.Atoi(parts[1])
		if errW == nil && errH == nil && w > 0 && h > 0 {
			return w, h
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "parseResolution",
		"resolution": value,
	}).Warn("Malformed resolution string, falling back to 1920x1080")
	return DefaultWidth, DefaultHeight
}
