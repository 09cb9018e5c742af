package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudstream/streamcore/limits"
)

// PacketHandler is a function that processes one inbound packet.
type PacketHandler func(packet *Packet) error

// DatagramConn is the read side of a datagram channel. Satisfied by
// SecureTransport.
type DatagramConn interface {
	Recv(buffer []byte) (int, error)
	SetReadDeadline(t time.Time) error
}

// Dispatcher owns the session's receive loop: it polls the decrypted
// channel in short slices, classifies each datagram by its type tag, and
// routes it to the registered handler. Malformed datagrams are counted and
// dropped; they never stop the loop.
type Dispatcher struct {
	conn     DatagramConn
	handlers map[PacketType]PacketHandler
	mu       sync.RWMutex

	dropped atomic.Uint64
}

// pollSlice is how long one Recv may block before the loop rechecks its
// context.
const pollSlice = time.Millisecond

// NewDispatcher creates a dispatcher over the decrypted channel.
func NewDispatcher(conn DatagramConn) *Dispatcher {
	return &Dispatcher{
		conn:     conn,
		handlers: make(map[PacketType]PacketHandler),
	}
}

// RegisterHandler registers a handler for a specific packet type.
func (d *Dispatcher) RegisterHandler(packetType PacketType, handler PacketHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[packetType] = handler
}

// Run reads datagrams until the context is cancelled. Handlers are invoked
// on the loop goroutine in arrival order, so gap and jitter accounting see
// packets exactly as the network delivered them.
func (d *Dispatcher) Run(ctx context.Context) {
	buffer := make([]byte, limits.MaxDatagram)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := d.conn.SetReadDeadline(time.Now().Add(pollSlice)); err != nil {
			return
		}

		n, err := d.conn.Recv(buffer)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"function": "Run",
					"error":    err.Error(),
				}).Warn("Receive loop terminating on read error")
			}
			return
		}

		d.dispatch(buffer[:n])
	}
}

// dispatch parses and routes one datagram.
func (d *Dispatcher) dispatch(datagram []byte) {
	packet, err := ParsePacket(datagram)
	if err != nil {
		d.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"size":     len(datagram),
			"error":    err.Error(),
		}).Warn("Dropping unparseable datagram")
		return
	}

	d.mu.RLock()
	handler, exists := d.handlers[packet.PacketType]
	d.mu.RUnlock()

	if !exists {
		d.dropped.Add(1)
		return
	}

	if err := handler(packet); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "dispatch",
			"packet_type": packet.PacketType,
			"error":       err.Error(),
		}).Warn("Packet handler reported error")
	}
}

// Dropped returns how many datagrams were discarded as unparseable or
// unroutable.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// compile-time check that SecureTransport feeds the dispatcher.
var _ DatagramConn = (*SecureTransport)(nil)
