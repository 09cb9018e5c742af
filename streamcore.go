package streamcore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudstream/streamcore/config"
	"github.com/cloudstream/streamcore/limits"
	"github.com/cloudstream/streamcore/media"
	"github.com/cloudstream/streamcore/metrics"
	"github.com/cloudstream/streamcore/session"
	"github.com/cloudstream/streamcore/transport"
)

// Status is the single high-level connection state surfaced to the user.
// Granular failures are logged, not surfaced individually.
type Status uint8

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusStreaming
	StatusReconnecting
	StatusError
)

// String returns the status's display name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusStreaming:
		return "streaming"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Options contains configuration for creating an Engine.
type Options struct {
	// SignalingURL is the websocket signaling server.
	SignalingURL string

	// STUNServers are consulted for server-reflexive candidates.
	STUNServers []string

	// IsHost selects the streaming role: hosts capture and send media,
	// viewers receive it. The host takes the DTLS server role.
	IsHost bool

	// Preset names the streaming mode; empty means balanced.
	Preset string

	// AudioChannelID tags outgoing audio packets.
	AudioChannelID uint8

	// MetricsEnabled registers Prometheus collectors.
	MetricsEnabled bool

	// MetricsPort serves /metrics when MetricsEnabled and nonzero.
	MetricsPort int

	// ConnectivityTimeout bounds the candidate pair race.
	ConnectivityTimeout time.Duration

	// PingInterval and PongTimeout tune the signaling keepalive. Zero
	// values keep the client defaults (30 s / 60 s).
	PingInterval time.Duration
	PongTimeout  time.Duration

	// MaxFrameAge overrides the jitter buffer's incomplete-frame
	// cutoff. Zero keeps the 150 ms default.
	MaxFrameAge time.Duration
}

// NewOptions creates default Options.
func NewOptions() *Options {
	return &Options{
		STUNServers:         []string{"stun.l.google.com:19302"},
		Preset:              "balanced",
		ConnectivityTimeout: 10 * time.Second,
	}
}

// OptionsFromConfig maps a loaded configuration file onto Options.
func OptionsFromConfig(cfg *config.Config) *Options {
	options := NewOptions()
	options.SignalingURL = cfg.Signaling.URL
	options.STUNServers = cfg.ICE.STUNServers
	options.Preset = cfg.Media.Preset
	options.AudioChannelID = cfg.Media.AudioChannel
	options.MetricsEnabled = cfg.Monitoring.PrometheusEnabled
	options.MetricsPort = cfg.Monitoring.PrometheusPort
	options.ConnectivityTimeout = cfg.ICE.CheckTimeout
	options.PingInterval = cfg.Signaling.PingInterval
	options.PongTimeout = cfg.Signaling.PongTimeout
	options.MaxFrameAge = cfg.Media.MaxFrameAge
	return options
}

// StatusFunc observes high-level connection status changes.
type StatusFunc func(status Status)

// ClipboardFunc receives the peer's clipboard payloads.
type ClipboardFunc func(payload []byte)

// Stats is a point-in-time snapshot of the engine's stream counters.
type Stats struct {
	Status          Status
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	Retransmits     uint64
	FramesReleased  uint64
	FramesDropped   uint64
	FECRecoveries   uint64
	TargetBitrateK  uint32
	DroppedInbound  uint64
	SessionID       string
}

// Engine is a streaming endpoint: one signaling connection, at most one
// active session, and the media pipeline attached to it.
type Engine struct {
	options *Options

	client  *session.Client
	manager *session.Manager

	collector *metrics.Collector

	mu     sync.Mutex
	status Status

	controller  *media.Controller
	videoSender *media.VideoSender
	audioSender *media.AudioSender
	receiver    *media.Receiver
	dispatcher  *transport.Dispatcher
	secure      *transport.SecureTransport

	encoder media.Encoder

	clipboardSeq uint16

	onStatus    StatusFunc
	onFrame     media.FrameCallback
	onAudio     media.AudioCallback
	onClipboard ClipboardFunc

	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
	mediaWg sync.WaitGroup

	mediaCancel context.CancelFunc
}

// New creates an Engine from options.
func New(options *Options) (*Engine, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.SignalingURL == "" {
		return nil, fmt.Errorf("signaling URL is required")
	}

	preset, err := media.PresetByName(options.Preset)
	if err != nil {
		return nil, fmt.Errorf("preset %q: %w", options.Preset, err)
	}

	engine := &Engine{
		options: options,
		status:  StatusIdle,
	}

	if options.MetricsEnabled {
		engine.collector = metrics.NewCollector()
	}

	engine.client = session.NewClient(options.SignalingURL)
	engine.client.SetKeepalive(options.PingInterval, options.PongTimeout)
	engine.manager = session.NewManager(options.STUNServers, options.IsHost, engine.client.Send)
	if options.ConnectivityTimeout > 0 {
		engine.manager.SetCheckTimeout(options.ConnectivityTimeout)
	}
	engine.manager.OnPhaseChange(engine.handlePhase)
	engine.manager.OnConnected(engine.attachTransport)
	engine.manager.OnFailure(engine.handleFailure)
	engine.client.OnMessage(func(envelope *session.Envelope) {
		if err := engine.manager.HandleMessage(envelope); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine",
				"type":     string(envelope.Type),
				"error":    err.Error(),
			}).Warn("Signaling message rejected")
		}
	})

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"url":      options.SignalingURL,
		"is_host":  options.IsHost,
		"preset":   preset.Name,
	}).Info("Engine created")

	return engine, nil
}

// SetEncoder attaches the video encoder side-channel the QoS controller
// steers. Hosts must set this before a session goes active.
func (e *Engine) SetEncoder(encoder media.Encoder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.encoder = encoder
}

// OnStatusChange registers the status observer.
func (e *Engine) OnStatusChange(callback StatusFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStatus = callback
}

// OnFrame registers the reassembled-video callback (viewer side).
func (e *Engine) OnFrame(callback media.FrameCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFrame = callback
}

// OnAudio registers the decoded-audio callback (viewer side).
func (e *Engine) OnAudio(callback media.AudioCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onAudio = callback
}

// OnClipboard registers the clipboard-sync callback.
func (e *Engine) OnClipboard(callback ClipboardFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClipboard = callback
}

// Start connects to signaling and serves sessions until Stop is called or
// the context is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true
	e.mu.Unlock()

	e.setStatus(StatusConnecting)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.client.Run(runCtx)
	}()

	if e.collector != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.metricsLoop(runCtx)
		}()
		if e.options.MetricsPort > 0 {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				metrics.Serve(runCtx, e.options.MetricsPort)
			}()
		}
	}

	return nil
}

// metricsLoop folds the pipeline's cumulative counters into the
// Prometheus collectors. Counters only move forward, so each sample
// publishes the delta since the previous one.
func (e *Engine) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var last Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := e.Stats()
			if stats.PacketsSent >= last.PacketsSent {
				e.collector.PacketsSent.Add(float64(stats.PacketsSent - last.PacketsSent))
				e.collector.BytesSent.Add(float64(stats.BytesSent - last.BytesSent))
				e.collector.Retransmits.Add(float64(stats.Retransmits - last.Retransmits))
			}
			if stats.FramesReleased >= last.FramesReleased {
				e.collector.FramesReleased.Add(float64(stats.FramesReleased - last.FramesReleased))
				e.collector.FramesDropped.Add(float64(stats.FramesDropped - last.FramesDropped))
			}
			if stats.PacketsReceived >= last.PacketsReceived {
				e.collector.PacketsReceived.Add(float64(stats.PacketsReceived - last.PacketsReceived))
				e.collector.FECRecoveries.Add(float64(stats.FECRecoveries - last.FECRecoveries))
			}
			last = stats
		}
	}
}

// Stop tears down the active session and joins every loop before
// releasing the sockets.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	e.manager.EndSession("engine stopped")
	e.detachTransport()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.setStatus(StatusIdle)

	logrus.WithFields(logrus.Fields{
		"function": "Engine.Stop",
	}).Info("Engine stopped")
}

// SendFrame transmits one encoded video frame (host side). Callers pace
// invocations to the capture rate; media.PaceUntil covers the tail timing.
func (e *Engine) SendFrame(data []byte, keyframe bool, timestampUs uint32) error {
	e.mu.Lock()
	sender := e.videoSender
	e.mu.Unlock()

	if sender == nil {
		return fmt.Errorf("no active session")
	}
	return sender.SendFrame(data, keyframe, timestampUs)
}

// SendAudio transmits one encoded Opus frame (host side).
func (e *Engine) SendAudio(payload []byte, timestampUs uint32) error {
	e.mu.Lock()
	sender := e.audioSender
	e.mu.Unlock()

	if sender == nil {
		return fmt.Errorf("no active session")
	}
	return sender.SendFrame(payload, timestampUs)
}

// SendClipboard syncs a clipboard payload to the peer.
func (e *Engine) SendClipboard(payload []byte) error {
	if err := limits.ValidateClipboardPayload(payload); err != nil {
		return err
	}

	e.mu.Lock()
	secure := e.secure
	e.clipboardSeq++
	seq := e.clipboardSeq
	e.mu.Unlock()

	if secure == nil {
		return fmt.Errorf("no active session")
	}

	packet := &transport.ClipboardPacket{Sequence: seq, Payload: payload}
	datagram, err := packet.Encode()
	if err != nil {
		return fmt.Errorf("encode clipboard packet: %w", err)
	}
	return secure.Send(datagram)
}

// Status returns the current high-level connection status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Stats returns a snapshot of the engine's stream counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	sender := e.videoSender
	receiver := e.receiver
	controller := e.controller
	dispatcher := e.dispatcher
	stats := Stats{Status: e.status}
	e.mu.Unlock()

	if current := e.manager.Current(); current != nil {
		stats.SessionID = current.ID
	}
	if sender != nil {
		stats.PacketsSent, stats.BytesSent, stats.Retransmits = sender.Stats()
	}
	if receiver != nil {
		buffer := receiver.BufferStats()
		stats.FramesReleased = buffer.FramesReleased
		stats.FramesDropped = buffer.FramesDropped
		stats.FECRecoveries = receiver.Recoveries()
		stats.PacketsReceived = receiver.PacketsReceived()
	}
	if controller != nil {
		stats.TargetBitrateK = controller.BitrateKbps()
	}
	if dispatcher != nil {
		stats.DroppedInbound = dispatcher.Dropped()
	}
	return stats
}

// handlePhase maps session lifecycle states onto the user-facing status.
func (e *Engine) handlePhase(sessionID string, phase session.Phase) {
	switch phase {
	case session.PhaseGathering, session.PhaseConnecting:
		e.setStatus(StatusConnecting)
	case session.PhaseActive:
		e.setStatus(StatusStreaming)
	case session.PhaseClosed:
		e.detachTransport()
		e.mu.Lock()
		stillRunning := e.started
		e.mu.Unlock()
		if stillRunning {
			e.setStatus(StatusReconnecting)
		}
	}
	if e.collector != nil && phase == session.PhaseActive {
		e.collector.SessionsTotal.Inc()
		e.collector.SessionsActive.Set(1)
	}
	if e.collector != nil && phase == session.PhaseClosed {
		e.collector.SessionsActive.Set(0)
	}
}

// handleFailure surfaces a session-fatal termination. Clean ends stay on
// the reconnecting path; fatal ones are distinguishable to the user.
func (e *Engine) handleFailure(sessionID string, err error) {
	logrus.WithFields(logrus.Fields{
		"function":   "Engine.handleFailure",
		"session_id": sessionID,
		"error":      err.Error(),
	}).Error("Session terminated on fatal error")

	e.setStatus(StatusError)
}

// attachTransport wires the media pipeline onto a newly active session.
func (e *Engine) attachTransport(active *session.Session, secure *transport.SecureTransport) {
	e.detachTransport()

	preset := active.Preset()

	e.mu.Lock()
	controller := media.NewController(preset, e.encoder)
	e.controller = controller
	e.videoSender = media.NewVideoSender(secure, controller, active.Codec())
	e.audioSender = media.NewAudioSender(secure, e.options.AudioChannelID)
	e.receiver = media.NewReceiver(secure, preset)
	e.receiver.SetMaxFrameAge(e.options.MaxFrameAge)
	e.receiver.OnFrame(e.onFrame)
	e.receiver.OnAudio(e.onAudio)
	e.secure = secure

	dispatcher := transport.NewDispatcher(secure)
	e.receiver.Register(dispatcher)
	dispatcher.RegisterHandler(transport.PacketNACK, e.handleNACK)
	dispatcher.RegisterHandler(transport.PacketQoSFeedback, e.handleFeedback)
	dispatcher.RegisterHandler(transport.PacketClipboard, e.handleClipboard)
	dispatcher.RegisterHandler(transport.PacketClipboardAck, e.handleClipboardAck)
	e.dispatcher = dispatcher

	mediaCtx, cancel := context.WithCancel(context.Background())
	e.mediaCancel = cancel
	receiver := e.receiver
	e.mu.Unlock()

	e.mediaWg.Add(2)
	go func() {
		defer e.mediaWg.Done()
		dispatcher.Run(mediaCtx)
	}()
	go func() {
		defer e.mediaWg.Done()
		receiver.Run(mediaCtx)
	}()

	if e.collector != nil {
		e.collector.HandshakeDuration.Observe(time.Since(active.CreatedAt).Seconds())
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Engine.attachTransport",
		"session_id": active.ID,
		"codec":      active.Codec().String(),
		"preset":     preset.Name,
	}).Info("Media pipeline attached")
}

// detachTransport stops and discards the media pipeline. Idempotent.
func (e *Engine) detachTransport() {
	e.mu.Lock()
	cancel := e.mediaCancel
	e.mediaCancel = nil
	e.controller = nil
	e.videoSender = nil
	e.audioSender = nil
	e.receiver = nil
	e.dispatcher = nil
	e.secure = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		e.mediaWg.Wait()
	}
}

func (e *Engine) handleNACK(packet *transport.Packet) error {
	sequences, err := transport.ParseNACKPacket(packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.handleNACK",
			"error":    err.Error(),
		}).Warn("Dropping malformed NACK packet")
		return nil
	}

	e.mu.Lock()
	sender := e.videoSender
	e.mu.Unlock()
	if sender != nil {
		sender.HandleNACK(sequences)
	}
	return nil
}

func (e *Engine) handleFeedback(packet *transport.Packet) error {
	feedback, err := transport.ParseQoSFeedback(packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.handleFeedback",
			"error":    err.Error(),
		}).Warn("Dropping malformed feedback packet")
		return nil
	}

	e.mu.Lock()
	controller := e.controller
	sender := e.videoSender
	e.mu.Unlock()

	if controller != nil {
		controller.OnFeedback(feedback)
	}
	if sender != nil && len(feedback.NackSequences) > 0 {
		sender.HandleNACK(feedback.NackSequences)
	}

	if e.collector != nil {
		e.collector.PacketLossPercent.Set(float64(feedback.PacketLossX100) / 100)
		e.collector.JitterMicros.Set(float64(feedback.AvgJitterUs))
		if controller != nil {
			e.collector.BitrateKbps.Set(float64(controller.BitrateKbps()))
		}
	}
	return nil
}

func (e *Engine) handleClipboard(packet *transport.Packet) error {
	clipboard, err := transport.ParseClipboardPacket(packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.handleClipboard",
			"error":    err.Error(),
		}).Warn("Dropping malformed clipboard packet")
		return nil
	}

	e.mu.Lock()
	secure := e.secure
	callback := e.onClipboard
	e.mu.Unlock()

	if secure != nil {
		if err := secure.Send(transport.EncodeClipboardAck(clipboard.Sequence)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.handleClipboard",
				"sequence": clipboard.Sequence,
				"error":    err.Error(),
			}).Warn("Clipboard ack send failed")
		}
	}
	if callback != nil {
		callback(clipboard.Payload)
	}
	return nil
}

func (e *Engine) handleClipboardAck(packet *transport.Packet) error {
	sequence, err := transport.ParseClipboardAck(packet.Data)
	if err != nil {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"function": "Engine.handleClipboardAck",
		"sequence": sequence,
	}).Debug("Clipboard sync acknowledged")
	return nil
}

func (e *Engine) setStatus(status Status) {
	e.mu.Lock()
	if e.status == status {
		e.mu.Unlock()
		return
	}
	e.status = status
	observer := e.onStatus
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Engine.setStatus",
		"status":   status.String(),
	}).Info("Connection status changed")

	if observer != nil {
		observer(status)
	}
}
