package streamcore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudstream/streamcore/config"
	"github.com/cloudstream/streamcore/transport"
)

func TestNewOptions_Defaults(t *testing.T) {
	options := NewOptions()

	assert.Equal(t, "balanced", options.Preset)
	assert.NotEmpty(t, options.STUNServers)
	assert.False(t, options.IsHost)
	assert.Equal(t, 10*time.Second, options.ConnectivityTimeout)
}

func TestNew_RequiresSignalingURL(t *testing.T) {
	options := NewOptions()

	engine, err := New(options)
	assert.Error(t, err)
	assert.Nil(t, engine)
}

func TestNew_RejectsUnknownPreset(t *testing.T) {
	options := NewOptions()
	options.SignalingURL = "ws://localhost:8080/signal"
	options.Preset = "ultra"

	engine, err := New(options)
	assert.Error(t, err)
	assert.Nil(t, engine)
}

func TestNew_NilOptionsStillValidates(t *testing.T) {
	engine, err := New(nil)
	assert.Error(t, err)
	assert.Nil(t, engine)
}

func TestOptionsFromConfig_MapsFields(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Signaling.URL = "ws://signal.example.com/ws"
	cfg.Signaling.PingInterval = 10 * time.Second
	cfg.Signaling.PongTimeout = 25 * time.Second
	cfg.Media.Preset = "competitive"
	cfg.Media.AudioChannel = 2
	cfg.Media.MaxFrameAge = 80 * time.Millisecond
	cfg.ICE.STUNServers = []string{"stun.example.com:3478"}

	options := OptionsFromConfig(cfg)

	assert.Equal(t, "ws://signal.example.com/ws", options.SignalingURL)
	assert.Equal(t, "competitive", options.Preset)
	assert.Equal(t, uint8(2), options.AudioChannelID)
	assert.Equal(t, []string{"stun.example.com:3478"}, options.STUNServers)
	assert.Equal(t, 10*time.Second, options.PingInterval)
	assert.Equal(t, 25*time.Second, options.PongTimeout)
	assert.Equal(t, 80*time.Millisecond, options.MaxFrameAge)
}

func testEngine(t *testing.T) *Engine {
	t.Helper()

	options := NewOptions()
	options.SignalingURL = "ws://localhost:8080/signal"
	engine, err := New(options)
	require.NoError(t, err)
	return engine
}

func TestEngine_StartsIdle(t *testing.T) {
	engine := testEngine(t)

	assert.Equal(t, StatusIdle, engine.Status())
}

func TestSendFrame_NoSession(t *testing.T) {
	engine := testEngine(t)

	err := engine.SendFrame([]byte{0x01, 0x02}, true, 1000)
	assert.Error(t, err)
}

func TestSendAudio_NoSession(t *testing.T) {
	engine := testEngine(t)

	err := engine.SendAudio([]byte{0x01}, 1000)
	assert.Error(t, err)
}

func TestSendClipboard_NoSession(t *testing.T) {
	engine := testEngine(t)

	err := engine.SendClipboard([]byte("copied text"))
	assert.Error(t, err)
}

func TestSendClipboard_RejectsOversizedPayload(t *testing.T) {
	engine := testEngine(t)

	err := engine.SendClipboard(make([]byte, 300*1024))
	assert.Error(t, err)
}

func TestStats_IdleEngine(t *testing.T) {
	engine := testEngine(t)

	stats := engine.Stats()
	assert.Equal(t, StatusIdle, stats.Status)
	assert.Empty(t, stats.SessionID)
	assert.Zero(t, stats.PacketsSent)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "idle", StatusIdle.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "streaming", StatusStreaming.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "error", StatusError.String())
}

func TestStatusCallback_FiresOnChange(t *testing.T) {
	engine := testEngine(t)

	var observed []Status
	engine.OnStatusChange(func(status Status) {
		observed = append(observed, status)
	})

	engine.setStatus(StatusConnecting)
	engine.setStatus(StatusConnecting)
	engine.setStatus(StatusStreaming)

	assert.Equal(t, []Status{StatusConnecting, StatusStreaming}, observed)
}

func TestSessionFailure_SurfacesErrorStatus(t *testing.T) {
	engine := testEngine(t)

	var observed []Status
	engine.OnStatusChange(func(status Status) {
		observed = append(observed, status)
	})

	engine.handleFailure("sess-1", errors.New("connectivity checks: no viable candidate pair"))

	assert.Equal(t, StatusError, engine.Status())
	assert.Equal(t, []Status{StatusError}, observed)
}

func TestHandleNACK_MalformedPacketIgnored(t *testing.T) {
	engine := testEngine(t)

	err := engine.handleNACK(&transport.Packet{
		PacketType: transport.PacketNACK,
		Data:       []byte{0xFD},
	})
	assert.NoError(t, err)
}

func TestHandleFeedback_NoPipelineIgnored(t *testing.T) {
	engine := testEngine(t)

	feedback := &transport.QoSFeedbackPacket{
		LastSeqReceived: 100,
		PacketLossX100:  150,
		AvgJitterUs:     500,
	}
	datagram, err := feedback.Encode()
	require.NoError(t, err)

	err = engine.handleFeedback(&transport.Packet{
		PacketType: transport.PacketQoSFeedback,
		Data:       datagram[1:],
	})
	assert.NoError(t, err)
}

func TestDetachTransport_Idempotent(t *testing.T) {
	engine := testEngine(t)

	engine.detachTransport()
	engine.detachTransport()
}
