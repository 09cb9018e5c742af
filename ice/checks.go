package ice

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// probeMagic is the 4-byte connectivity probe. A pair is viable once each
// side has both sent the magic to the other and received it back; this
// symmetric exchange is required on every platform so a one-sided NAT
// binding cannot be selected silently.
var probeMagic = []byte("CSIC")

const (
	// probeInterval is the per-pair probe send cadence.
	probeInterval = 50 * time.Millisecond

	// DefaultCheckTimeout bounds the whole connectivity check race.
	DefaultCheckTimeout = 10 * time.Second

	// readSlice bounds one blocking read so reader goroutines observe
	// cancellation promptly.
	readSlice = 100 * time.Millisecond
)

// SelectedPair is the outcome of a successful connectivity check race:
// the winning pair and a net.Conn over the winning socket, fixed to the
// remote address, ready for the DTLS handshake.
type SelectedPair struct {
	Pair CandidatePair
	Conn net.Conn
}

// probeHit reports an inbound magic on one socket from one address.
type probeHit struct {
	entry localEntry
	from  *net.UDPAddr
}

// StartConnectivityChecks races every local×remote candidate pair: each
// pair sends the probe magic at a fixed interval while a reader per socket
// echoes and reports inbound magic. The first pair to complete the exchange
// wins; all other sockets are closed. Pairs are formed in descending
// combined-priority order. Returns ErrNoViableCandidatePair when nothing
// succeeds within the timeout.
func (a *Agent) StartConnectivityChecks(ctx context.Context) (*SelectedPair, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrAgentClosed
	}
	entries := make([]localEntry, len(a.entries))
	copy(entries, a.entries)
	remotes := make([]Candidate, len(a.remoteCandidates))
	copy(remotes, a.remoteCandidates)
	timeout := a.checkTimeout
	a.mu.Unlock()

	if len(entries) == 0 || len(remotes) == 0 {
		return nil, ErrNoCandidates
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hits := make(chan probeHit, 16)

	// One reader per distinct socket; reflexive entries share their base
	// host socket.
	readers := make(map[*net.UDPConn]bool)
	for _, entry := range entries {
		if readers[entry.socket] {
			continue
		}
		readers[entry.socket] = true
		go a.probeReader(checkCtx, entry, hits)
	}

	// One prober per distinct (socket, remote address) pair.
	probed := make(map[string]bool)
	pairs := buildCandidatePairs(candidatesOf(entries), remotes)
	for _, pair := range pairs {
		entry, ok := entryFor(entries, pair.Local)
		if !ok {
			continue
		}
		remoteAddr, err := pair.Remote.Addr()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "StartConnectivityChecks",
				"remote":   pair.Remote.String(),
				"error":    err.Error(),
			}).Warn("Skipping remote candidate with invalid address")
			continue
		}

		key := entry.socket.LocalAddr().String() + "|" + remoteAddr.String()
		if probed[key] {
			continue
		}
		probed[key] = true

		go probePair(checkCtx, entry.socket, remoteAddr)
	}

	for {
		select {
		case <-checkCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrNoViableCandidatePair

		case hit := <-hits:
			remote, ok := remoteByAddr(remotes, hit.from)
			if !ok {
				// Magic from an address the peer never advertised.
				continue
			}

			winner := &SelectedPair{
				Pair: CandidatePair{Local: hit.entry.candidate, Remote: remote},
				Conn: newProbeFilterConn(hit.entry.socket, hit.from),
			}

			logrus.WithFields(logrus.Fields{
				"function": "StartConnectivityChecks",
				"local":    winner.Pair.Local.String(),
				"remote":   winner.Pair.Remote.String(),
			}).Info("Connectivity check succeeded, pair selected")

			cancel()
			a.detachAndCloseOthers(hit.entry.socket)
			return winner, nil
		}
	}
}

// probeReader consumes datagrams on one socket for the duration of the
// race, echoing probe magic back to its sender and reporting each hit.
func (a *Agent) probeReader(ctx context.Context, entry localEntry, hits chan<- probeHit) {
	buffer := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := entry.socket.SetReadDeadline(time.Now().Add(readSlice)); err != nil {
			return
		}
		n, from, err := entry.socket.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return
		}

		if n != len(probeMagic) || !bytes.Equal(buffer[:n], probeMagic) {
			continue
		}

		// Echo so the peer's race can complete too.
		entry.socket.WriteToUDP(probeMagic, from)

		select {
		case hits <- probeHit{entry: entry, from: from}:
		case <-ctx.Done():
			return
		}
	}
}

// probePair sends the magic to one remote address at the probe cadence
// until the race ends.
func probePair(ctx context.Context, socket *net.UDPConn, remoteAddr *net.UDPAddr) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		socket.WriteToUDP(probeMagic, remoteAddr)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// detachAndCloseOthers removes the winning socket from the agent's
// ownership and closes every other socket immediately.
func (a *Agent) detachAndCloseOthers(winner *net.UDPConn) {
	a.mu.Lock()
	defer a.mu.Unlock()

	winner.SetReadDeadline(time.Time{})

	closed := make(map[*net.UDPConn]bool)
	var kept []localEntry
	for _, entry := range a.entries {
		if entry.socket == winner {
			continue
		}
		if !closed[entry.socket] {
			closed[entry.socket] = true
			entry.socket.Close()
		}
	}
	a.entries = kept
}

func candidatesOf(entries []localEntry) []Candidate {
	result := make([]Candidate, len(entries))
	for i, entry := range entries {
		result[i] = entry.candidate
	}
	return result
}

func entryFor(entries []localEntry, candidate Candidate) (localEntry, bool) {
	for _, entry := range entries {
		if entry.candidate.IP == candidate.IP && entry.candidate.Port == candidate.Port &&
			entry.candidate.Type == candidate.Type {
			return entry, true
		}
	}
	return localEntry{}, false
}

func remoteByAddr(remotes []Candidate, addr *net.UDPAddr) (Candidate, bool) {
	for _, remote := range remotes {
		candidateAddr, err := remote.Addr()
		if err != nil {
			continue
		}
		if candidateAddr.IP.Equal(addr.IP) && candidateAddr.Port == addr.Port {
			return remote, true
		}
	}
	return Candidate{}, false
}
