package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"github.com/sirupsen/logrus"
)

const (
	// ProtocolTag is the application-level framing version exchanged right
	// after the DTLS handshake. Both peers must present the same tag: a
	// stale build can complete a TLS handshake while disagreeing on packet
	// layout, and the tag exchange catches that before any media flows.
	ProtocolTag = "CS01"

	handshakeTimeout = 10 * time.Second
	tagTimeout       = 5 * time.Second
)

// SecureTransport is the encrypted datagram channel of a session. It wraps
// the pre-connected UDP socket of the winning candidate pair in DTLS;
// Send encrypts, Recv decrypts. Handshake records arriving mid-stream are
// consumed by the record layer and never surface as application data.
type SecureTransport struct {
	conn *dtls.Conn
}

// NewSecureTransport runs the DTLS handshake over the pre-connected socket
// and then performs the protocol tag exchange. The offering side acts as the
// DTLS client. Peers authenticate with self-signed certificates; identity is
// established by the signaling channel, not the PKI.
//
// Returns ErrHandshakeTimeout if the handshake does not complete within 10
// seconds and ErrProtocolVersionMismatch if the peer's tag differs or never
// arrives.
func NewSecureTransport(conn net.Conn, isClient bool) (*SecureTransport, error) {
	logrus.WithFields(logrus.Fields{
		"function":  "NewSecureTransport",
		"is_client": isClient,
		"remote":    conn.RemoteAddr().String(),
	}).Info("Starting DTLS handshake")

	certificate, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("failed to generate DTLS certificate: %w", err)
	}

	config := &dtls.Config{
		Certificates:         []tls.Certificate{certificate},
		InsecureSkipVerify:   true,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), handshakeTimeout)
		},
	}

	var dtlsConn *dtls.Conn
	if isClient {
		dtlsConn, err = dtls.Client(conn, config)
	} else {
		dtlsConn, err = dtls.Server(conn, config)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrHandshakeTimeout
		}
		return nil, fmt.Errorf("dtls handshake failed: %w", err)
	}

	st := &SecureTransport{conn: dtlsConn}
	if err := st.exchangeProtocolTag(); err != nil {
		dtlsConn.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewSecureTransport",
		"remote":   conn.RemoteAddr().String(),
	}).Info("DTLS transport established")

	return st, nil
}

// exchangeProtocolTag sends our framing tag and waits for the peer's.
func (st *SecureTransport) exchangeProtocolTag() error {
	if _, err := st.conn.Write([]byte(ProtocolTag)); err != nil {
		return fmt.Errorf("failed to send protocol tag: %w", err)
	}

	if err := st.conn.SetReadDeadline(time.Now().Add(tagTimeout)); err != nil {
		return fmt.Errorf("failed to arm tag deadline: %w", err)
	}
	defer st.conn.SetReadDeadline(time.Time{})

	buffer := make([]byte, 64)
	n, err := st.conn.Read(buffer)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: peer sent no protocol tag", ErrProtocolVersionMismatch)
		}
		return fmt.Errorf("failed to read protocol tag: %w", err)
	}

	if n != len(ProtocolTag) || string(buffer[:n]) != ProtocolTag {
		logrus.WithFields(logrus.Fields{
			"function": "exchangeProtocolTag",
			"expected": ProtocolTag,
			"received": string(buffer[:n]),
		}).Error("Protocol tag mismatch")
		return fmt.Errorf("%w: got %q, want %q", ErrProtocolVersionMismatch, string(buffer[:n]), ProtocolTag)
	}

	return nil
}

// Send encrypts and transmits one datagram.
func (st *SecureTransport) Send(datagram []byte) error {
	if _, err := st.conn.Write(datagram); err != nil {
		return fmt.Errorf("failed to send datagram: %w", err)
	}
	return nil
}

// Recv blocks until the next decrypted application datagram arrives or the
// read deadline set by SetReadDeadline expires.
func (st *SecureTransport) Recv(buffer []byte) (int, error) {
	return st.conn.Read(buffer)
}

// SetReadDeadline bounds the next Recv call. Receive loops use short
// deadlines to poll cooperatively with their cancellation context.
func (st *SecureTransport) SetReadDeadline(t time.Time) error {
	return st.conn.SetReadDeadline(t)
}

// Close tears down the DTLS state and the underlying socket.
func (st *SecureTransport) Close() error {
	return st.conn.Close()
}

// isTimeout reports whether err is a deadline expiry.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
