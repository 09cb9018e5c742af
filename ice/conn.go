package ice

import (
	"bytes"
	"net"
	"time"
)

// probeFilterConn presents the winning check socket as a net.Conn fixed to
// the selected remote address. Datagrams from other senders are dropped, as
// are late connectivity probes still in flight when the DTLS handshake
// starts; the record layer must never see them.
type probeFilterConn struct {
	socket *net.UDPConn
	remote *net.UDPAddr
}

func newProbeFilterConn(socket *net.UDPConn, remote *net.UDPAddr) net.Conn {
	return &probeFilterConn{socket: socket, remote: remote}
}

func (c *probeFilterConn) Read(buffer []byte) (int, error) {
	for {
		n, from, err := c.socket.ReadFromUDP(buffer)
		if err != nil {
			return 0, err
		}
		if !from.IP.Equal(c.remote.IP) || from.Port != c.remote.Port {
			continue
		}
		if n == len(probeMagic) && bytes.Equal(buffer[:n], probeMagic) {
			continue
		}
		return n, nil
	}
}

func (c *probeFilterConn) Write(buffer []byte) (int, error) {
	return c.socket.WriteToUDP(buffer, c.remote)
}

func (c *probeFilterConn) Close() error {
	return c.socket.Close()
}

func (c *probeFilterConn) LocalAddr() net.Addr {
	return c.socket.LocalAddr()
}

func (c *probeFilterConn) RemoteAddr() net.Addr {
	return c.remote
}

func (c *probeFilterConn) SetDeadline(t time.Time) error {
	return c.socket.SetDeadline(t)
}

func (c *probeFilterConn) SetReadDeadline(t time.Time) error {
	return c.socket.SetReadDeadline(t)
}

func (c *probeFilterConn) SetWriteDeadline(t time.Time) error {
	return c.socket.SetWriteDeadline(t)
}
