package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// udpPair returns two connected loopback UDP sockets.
func udpPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()

	listenerA, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	listenerB, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	addrA := listenerA.LocalAddr().(*net.UDPAddr)
	addrB := listenerB.LocalAddr().(*net.UDPAddr)
	listenerA.Close()
	listenerB.Close()

	connA, err := net.DialUDP("udp4", addrA, addrB)
	require.NoError(t, err)
	connB, err := net.DialUDP("udp4", addrB, addrA)
	require.NoError(t, err)

	t.Cleanup(func() {
		connA.Close()
		connB.Close()
	})

	return connA, connB
}

// securePair establishes a DTLS session over loopback and returns both ends.
func securePair(t *testing.T) (*SecureTransport, *SecureTransport) {
	t.Helper()

	connA, connB := udpPair(t)

	var (
		wg                   sync.WaitGroup
		client, server       *SecureTransport
		clientErr, serverErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		server, serverErr = NewSecureTransport(connB, false)
	}()
	go func() {
		defer wg.Done()
		client, clientErr = NewSecureTransport(connA, true)
	}()
	wg.Wait()

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	return client, server
}

func TestSecureTransport_HandshakeAndEcho(t *testing.T) {
	client, server := securePair(t)

	payload := []byte("encrypted media datagram")
	require.NoError(t, client.Send(payload))

	buffer := make([]byte, 2048)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := server.Recv(buffer)
	require.NoError(t, err)
	assert.Equal(t, payload, buffer[:n])

	// And the reverse direction.
	require.NoError(t, server.Send([]byte("ack")))
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err = client.Recv(buffer)
	require.NoError(t, err)
	assert.Equal(t, []byte("ack"), buffer[:n])
}

func TestSecureTransport_RecvDeadline(t *testing.T) {
	client, _ := securePair(t)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	buffer := make([]byte, 64)
	_, err := client.Recv(buffer)
	require.Error(t, err)
	assert.True(t, isTimeout(err))
}

func TestDispatcher_RoutesByTypeTag(t *testing.T) {
	client, server := securePair(t)

	dispatcher := NewDispatcher(server)

	received := make(chan *Packet, 4)
	dispatcher.RegisterHandler(PacketAudio, func(packet *Packet) error {
		received <- packet
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	datagram, err := EncodeAudioPacket(&AudioPacketHeader{SequenceNumber: 9}, []byte{1, 2})
	require.NoError(t, err)
	require.NoError(t, client.Send(datagram))

	select {
	case packet := <-received:
		assert.Equal(t, PacketAudio, packet.PacketType)
	case <-time.After(2 * time.Second):
		t.Fatal("audio packet never reached the handler")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop on context cancellation")
	}
}

func TestDispatcher_DropsUnroutableDatagrams(t *testing.T) {
	client, server := securePair(t)

	dispatcher := NewDispatcher(server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx)

	// No handler registered for clipboard acks; the datagram is counted
	// and dropped without disturbing the loop.
	require.NoError(t, client.Send(EncodeClipboardAck(5)))

	assert.Eventually(t, func() bool {
		return dispatcher.Dropped() == 1
	}, 2*time.Second, 10*time.Millisecond)
}
