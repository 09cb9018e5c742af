package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/cloudstream/streamcore/limits"
)

const (
	// defaultPingInterval is the signaling keepalive cadence.
	defaultPingInterval = 30 * time.Second

	// defaultPongTimeout is how long without a pong before the
	// connection is considered dead.
	defaultPongTimeout = 60 * time.Second

	// reconnectBase and reconnectMax bound the exponential backoff
	// between reconnection attempts.
	reconnectBase = time.Second
	reconnectMax  = 2 * time.Minute

	writeTimeout = 10 * time.Second
)

// MessageFunc receives each validated inbound signaling envelope.
type MessageFunc func(envelope *Envelope)

// Client maintains the websocket connection to the signaling server:
// keepalive pings, reconnection with exponential backoff, and inbound
// hygiene (size and rate limits applied before any payload is decoded).
type Client struct {
	url     string
	limiter *limits.RateLimiter

	pingInterval time.Duration
	pongTimeout  time.Duration

	mu   sync.Mutex
	conn *websocket.Conn

	onMessage MessageFunc
	dialer    *websocket.Dialer
}

// NewClient creates a signaling client for the given websocket URL.
func NewClient(url string) *Client {
	return &Client{
		url:          url,
		limiter:      limits.NewRateLimiter(),
		dialer:       websocket.DefaultDialer,
		pingInterval: defaultPingInterval,
		pongTimeout:  defaultPongTimeout,
	}
}

// SetKeepalive overrides the ping cadence and pong deadline. Call before
// Run; zero values keep the current settings.
func (c *Client) SetKeepalive(ping, pong time.Duration) {
	if ping > 0 {
		c.pingInterval = ping
	}
	if pong > 0 {
		c.pongTimeout = pong
	}
}

// OnMessage registers the inbound envelope handler.
func (c *Client) OnMessage(handler MessageFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// Send writes one envelope to the signaling server.
func (c *Client) Send(envelope *Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("signaling connection is down")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write signaling message: %w", err)
	}
	return nil
}

// Run connects and serves the signaling channel until the context is
// cancelled, reconnecting with exponential backoff after failures.
func (c *Client) Run(ctx context.Context) {
	backoff := reconnectBase

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}

		logrus.WithFields(logrus.Fields{
			"function": "Client.Run",
			"url":      c.url,
			"backoff":  backoff.String(),
			"error":    errString(err),
		}).Warn("Signaling connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Client.connectAndServe",
		"url":      c.url,
	}).Info("Signaling connected")

	conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read signaling message: %w", err)
		}
		c.handleInbound(data)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.mu.Unlock()
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Client.pingLoop",
					"error":    err.Error(),
				}).Warn("Keepalive ping failed")
				return
			}
		}
	}
}

// handleInbound validates one raw message and hands it to the handler.
// Size and rate limits run before any payload deserialization; a message
// that fails them is dropped, never fatal.
func (c *Client) handleInbound(data []byte) {
	if err := limits.ValidateSignalingMessage(data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.handleInbound",
			"size":     len(data),
			"error":    err.Error(),
		}).Warn("Rejecting oversized signaling message")
		return
	}

	// Only the outer envelope is decoded before rate limiting; the typed
	// payload stays raw until the limiter admits the message.
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.handleInbound",
			"error":    err.Error(),
		}).Warn("Rejecting malformed signaling envelope")
		return
	}

	if !c.limiter.Allow(string(envelope.Type)) {
		logrus.WithFields(logrus.Fields{
			"function": "Client.handleInbound",
			"type":     string(envelope.Type),
		}).Warn("Rate limit exceeded, dropping signaling message")
		return
	}

	c.mu.Lock()
	handler := c.onMessage
	c.mu.Unlock()
	if handler != nil {
		handler(&envelope)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
