package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// STUN protocol constants as defined in RFC 5389
const (
	stunMagicCookie = 0x2112A442
	stunHeaderSize  = 20

	// STUN message types
	stunBindingRequest  = 0x0001
	stunBindingResponse = 0x0101
	stunBindingError    = 0x0111

	// STUN attribute types
	stunAttrMappedAddress    = 0x0001
	stunAttrXorMappedAddress = 0x0020
)

const (
	// stunAttempts is how many times one server is asked before giving up.
	stunAttempts = 3
	// stunAttemptTimeout bounds a single request/response exchange.
	stunAttemptTimeout = 2500 * time.Millisecond
)

// STUNClient discovers server-reflexive addresses through external STUN
// servers. A failed query means "no reflexive candidate from this server";
// the caller continues with the remaining servers.
type STUNClient struct {
	timeout time.Duration
}

// NewSTUNClient creates a STUN client with the default per-attempt timeout.
func NewSTUNClient() *STUNClient {
	return &STUNClient{timeout: stunAttemptTimeout}
}

// SetTimeout overrides the per-attempt timeout.
func (sc *STUNClient) SetTimeout(timeout time.Duration) {
	sc.timeout = timeout
}

// QueryMappedAddressFrom asks one STUN server for the public mapping of the
// given socket. The binding request is sent from conn itself, so the mapping
// the server reports corresponds to the socket's NAT binding and the result
// is usable as a server-reflexive candidate for that socket.
//
// Retries up to three times; each attempt has its own timeout. Returns
// ErrStunTimeout when every attempt expires and ErrStunMalformedResponse
// when the server answers with something unparseable.
func (sc *STUNClient) QueryMappedAddressFrom(ctx context.Context, conn net.PacketConn, server string) (*net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve STUN server %s: %w", server, err)
	}

	var lastErr error
	for attempt := 0; attempt < stunAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		addr, err := sc.exchangeBinding(conn, serverAddr)
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "QueryMappedAddressFrom",
				"server":   server,
				"mapped":   addr.String(),
				"attempt":  attempt + 1,
			}).Debug("STUN binding succeeded")
			return addr, nil
		}
		lastErr = err

		logrus.WithFields(logrus.Fields{
			"function": "QueryMappedAddressFrom",
			"server":   server,
			"attempt":  attempt + 1,
			"error":    err.Error(),
		}).Debug("STUN binding attempt failed")
	}

	return nil, fmt.Errorf("stun server %s: %w", server, lastErr)
}

// QueryMappedAddress asks one STUN server using a throwaway socket. Useful
// for plain public-address discovery outside candidate gathering.
func (sc *STUNClient) QueryMappedAddress(ctx context.Context, server string) (*net.UDPAddr, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to open STUN socket: %w", err)
	}
	defer conn.Close()

	return sc.QueryMappedAddressFrom(ctx, conn, server)
}

// exchangeBinding performs one request/response round trip on the socket.
func (sc *STUNClient) exchangeBinding(conn net.PacketConn, serverAddr *net.UDPAddr) (*net.UDPAddr, error) {
	transactionID, err := generateTransactionID()
	if err != nil {
		return nil, err
	}

	request := buildBindingRequest(transactionID)
	if _, err := conn.WriteTo(request, serverAddr); err != nil {
		return nil, fmt.Errorf("failed to send STUN request: %w", err)
	}

	deadline := time.Now().Add(sc.timeout)
	buffer := make([]byte, 1024)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("failed to arm STUN read deadline: %w", err)
		}

		n, from, err := conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, ErrStunTimeout
			}
			return nil, fmt.Errorf("failed to read STUN response: %w", err)
		}

		// The socket is shared with candidate gathering; ignore traffic
		// from anyone but the queried server.
		if udpFrom, ok := from.(*net.UDPAddr); ok {
			if !udpFrom.IP.Equal(serverAddr.IP) || udpFrom.Port != serverAddr.Port {
				continue
			}
		}

		return parseBindingResponse(buffer[:n], transactionID)
	}
}

// generateTransactionID creates a random 96-bit transaction ID for STUN.
func generateTransactionID() ([]byte, error) {
	transactionID := make([]byte, 12)
	if _, err := rand.Read(transactionID); err != nil {
		return nil, fmt.Errorf("failed to generate transaction ID: %w", err)
	}
	return transactionID, nil
}

// buildBindingRequest constructs a 20-byte STUN binding request with zero
// attributes.
func buildBindingRequest(transactionID []byte) []byte {
	packet := make([]byte, stunHeaderSize)
	binary.BigEndian.PutUint16(packet[0:2], stunBindingRequest)
	binary.BigEndian.PutUint16(packet[2:4], 0)
	binary.BigEndian.PutUint32(packet[4:8], stunMagicCookie)
	copy(packet[8:20], transactionID)
	return packet
}

// parseBindingResponse validates a binding response and extracts the mapped
// address, preferring XOR-MAPPED-ADDRESS over the legacy MAPPED-ADDRESS.
func parseBindingResponse(response, expectedTransactionID []byte) (*net.UDPAddr, error) {
	if len(response) < stunHeaderSize {
		return nil, fmt.Errorf("%w: response truncated at %d bytes", ErrStunMalformedResponse, len(response))
	}

	messageType := binary.BigEndian.Uint16(response[0:2])
	if messageType == stunBindingError {
		return nil, fmt.Errorf("%w: server returned error response", ErrStunMalformedResponse)
	}
	if messageType != stunBindingResponse {
		return nil, fmt.Errorf("%w: unexpected message type 0x%04x", ErrStunMalformedResponse, messageType)
	}

	if binary.BigEndian.Uint32(response[4:8]) != stunMagicCookie {
		return nil, fmt.Errorf("%w: bad magic cookie", ErrStunMalformedResponse)
	}

	if !transactionIDMatches(response[8:20], expectedTransactionID) {
		return nil, fmt.Errorf("%w: transaction ID mismatch", ErrStunMalformedResponse)
	}

	messageLength := int(binary.BigEndian.Uint16(response[2:4]))
	if len(response) < stunHeaderSize+messageLength {
		return nil, fmt.Errorf("%w: attributes truncated", ErrStunMalformedResponse)
	}

	return parseAttributes(response[stunHeaderSize:stunHeaderSize+messageLength], expectedTransactionID)
}

func transactionIDMatches(got, want []byte) bool {
	for i := 0; i < 12; i++ {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// parseAttributes walks the 4-byte-aligned TLV attribute list. A mapped
// address attribute wins as soon as it is seen, with the XOR variant
// preferred when both appear.
func parseAttributes(attributes, transactionID []byte) (*net.UDPAddr, error) {
	var fallback *net.UDPAddr

	offset := 0
	for offset+4 <= len(attributes) {
		attrType := binary.BigEndian.Uint16(attributes[offset : offset+2])
		attrLength := int(binary.BigEndian.Uint16(attributes[offset+2 : offset+4]))
		offset += 4

		if offset+attrLength > len(attributes) {
			break
		}
		attrValue := attributes[offset : offset+attrLength]

		switch attrType {
		case stunAttrXorMappedAddress:
			return parseXorMappedAddress(attrValue, transactionID)
		case stunAttrMappedAddress:
			addr, err := parseMappedAddress(attrValue)
			if err != nil {
				return nil, err
			}
			fallback = addr
		}

		// Advance past the value, padded to a 4-byte boundary.
		offset += attrLength
		if offset%4 != 0 {
			offset += 4 - (offset % 4)
		}
	}

	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("%w: no mapped address attribute", ErrStunMalformedResponse)
}

// parseXorMappedAddress decodes an XOR-MAPPED-ADDRESS attribute. The port is
// XORed against the top half of the magic cookie; an IPv4 address against
// the cookie itself, an IPv6 address against cookie||transactionID.
func parseXorMappedAddress(attrValue, transactionID []byte) (*net.UDPAddr, error) {
	if len(attrValue) < 8 {
		return nil, fmt.Errorf("%w: xor-mapped address too short", ErrStunMalformedResponse)
	}

	family := binary.BigEndian.Uint16(attrValue[0:2])
	port := binary.BigEndian.Uint16(attrValue[2:4]) ^ uint16(stunMagicCookie>>16)

	switch family {
	case 0x01: // IPv4
		address := binary.BigEndian.Uint32(attrValue[4:8]) ^ stunMagicCookie
		ip := net.IPv4(byte(address>>24), byte(address>>16), byte(address>>8), byte(address))
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil

	case 0x02: // IPv6
		if len(attrValue) < 20 {
			return nil, fmt.Errorf("%w: ipv6 xor-mapped address too short", ErrStunMalformedResponse)
		}
		xorKey := make([]byte, 16)
		binary.BigEndian.PutUint32(xorKey[0:4], stunMagicCookie)
		copy(xorKey[4:16], transactionID)

		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = attrValue[4+i] ^ xorKey[i]
		}
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil
	}

	return nil, fmt.Errorf("%w: unsupported address family %d", ErrStunMalformedResponse, family)
}

// parseMappedAddress decodes the legacy MAPPED-ADDRESS attribute.
func parseMappedAddress(attrValue []byte) (*net.UDPAddr, error) {
	if len(attrValue) < 8 {
		return nil, fmt.Errorf("%w: mapped address too short", ErrStunMalformedResponse)
	}

	family := binary.BigEndian.Uint16(attrValue[0:2])
	port := binary.BigEndian.Uint16(attrValue[2:4])

	switch family {
	case 0x01: // IPv4
		ip := make(net.IP, 4)
		copy(ip, attrValue[4:8])
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil

	case 0x02: // IPv6
		if len(attrValue) < 20 {
			return nil, fmt.Errorf("%w: ipv6 mapped address too short", ErrStunMalformedResponse)
		}
		ip := make(net.IP, 16)
		copy(ip, attrValue[4:20])
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil
	}

	return nil, fmt.Errorf("%w: unsupported address family %d", ErrStunMalformedResponse, family)
}
