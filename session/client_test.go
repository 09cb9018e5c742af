package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signalingServer is a minimal websocket endpoint for client tests.
type signalingServer struct {
	upgrader websocket.Upgrader
	inbound  chan []byte
	outbound chan []byte
	pings    chan struct{}
}

func newSignalingServer() *signalingServer {
	return &signalingServer{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 16),
		pings:    make(chan struct{}, 16),
	}
}

func (s *signalingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetPingHandler(func(message string) error {
		select {
		case s.pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(time.Second))
	})

	go func() {
		for data := range s.outbound {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.inbound <- data
	}
}

func startClient(t *testing.T, server *signalingServer) (*Client, context.CancelFunc) {
	t.Helper()

	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	client := NewClient(url)

	ctx, cancel := context.WithCancel(context.Background())
	go client.Run(ctx)
	return client, cancel
}

func TestClient_SendAndReceive(t *testing.T) {
	server := newSignalingServer()
	client, cancel := startClient(t, server)
	defer cancel()

	received := make(chan *Envelope, 1)
	client.OnMessage(func(envelope *Envelope) {
		received <- envelope
	})

	// Outbound: wait for the connection, then send.
	require.Eventually(t, func() bool {
		envelope, err := NewEnvelope(MessagePing, "", nil)
		require.NoError(t, err)
		return client.Send(envelope) == nil
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case data := <-server.inbound:
		assert.Contains(t, string(data), string(MessagePing))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the ping")
	}

	// Inbound.
	server.outbound <- []byte(`{"type":"session:end","session_id":"s1"}`)
	select {
	case envelope := <-received:
		assert.Equal(t, MessageEnd, envelope.Type)
		assert.Equal(t, "s1", envelope.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("client never delivered the envelope")
	}
}

func TestClient_OversizedMessageDropped(t *testing.T) {
	server := newSignalingServer()
	client, cancel := startClient(t, server)
	defer cancel()

	received := make(chan *Envelope, 1)
	client.OnMessage(func(envelope *Envelope) {
		received <- envelope
	})

	require.Eventually(t, func() bool {
		envelope, _ := NewEnvelope(MessagePing, "", nil)
		return client.Send(envelope) == nil
	}, 2*time.Second, 10*time.Millisecond)

	huge := `{"type":"session:end","payload":"` + strings.Repeat("a", 70*1024) + `"}`
	server.outbound <- []byte(huge)
	server.outbound <- []byte(`{"type":"session:end"}`)

	select {
	case envelope := <-received:
		assert.Empty(t, envelope.SessionID, "only the small follow-up message must arrive")
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up message never arrived")
	}
	assert.Empty(t, received)
}

func TestClient_RateLimitAppliedPerType(t *testing.T) {
	server := newSignalingServer()
	client, cancel := startClient(t, server)
	defer cancel()

	var count int
	done := make(chan struct{}, 32)
	client.OnMessage(func(envelope *Envelope) {
		count++
		done <- struct{}{}
	})

	require.Eventually(t, func() bool {
		envelope, _ := NewEnvelope(MessagePing, "", nil)
		return client.Send(envelope) == nil
	}, 2*time.Second, 10*time.Millisecond)

	// The offer bucket has a burst of 3; the rest of a burst of 10 must
	// be rejected before reaching the handler.
	for i := 0; i < 10; i++ {
		server.outbound <- []byte(`{"type":"session:offer","session_id":"x"}`)
	}

	deadline := time.After(2 * time.Second)
	delivered := 0
	for delivered < 3 {
		select {
		case <-done:
			delivered++
		case <-deadline:
			t.Fatalf("expected 3 deliveries, got %d", delivered)
		}
	}

	// Give any extra deliveries time to show up, then check none did.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 3, count)
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/never")
	envelope, err := NewEnvelope(MessagePing, "", nil)
	require.NoError(t, err)
	assert.Error(t, client.Send(envelope))
}

func TestClient_SetKeepalive(t *testing.T) {
	client := NewClient("ws://localhost/signal")
	assert.Equal(t, defaultPingInterval, client.pingInterval)
	assert.Equal(t, defaultPongTimeout, client.pongTimeout)

	client.SetKeepalive(5*time.Second, 12*time.Second)
	assert.Equal(t, 5*time.Second, client.pingInterval)
	assert.Equal(t, 12*time.Second, client.pongTimeout)

	// Zero keeps the current settings.
	client.SetKeepalive(0, 0)
	assert.Equal(t, 5*time.Second, client.pingInterval)
	assert.Equal(t, 12*time.Second, client.pongTimeout)
}

func TestClient_KeepaliveCadenceConfigurable(t *testing.T) {
	server := newSignalingServer()
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	client := NewClient(url)
	client.SetKeepalive(50*time.Millisecond, 500*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	// With the default 30 s cadence no ping could arrive this fast.
	select {
	case <-server.pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive ping at the configured cadence")
	}
}
