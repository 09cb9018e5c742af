package ice

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudstream/streamcore/transport"
)

// localEntry couples a local candidate with the socket its probes use.
// Server-reflexive candidates share the socket of their base host candidate:
// the NAT mapping STUN reported belongs to that socket.
type localEntry struct {
	candidate Candidate
	socket    *net.UDPConn
}

// Agent gathers local and server-reflexive candidates and runs the
// connectivity checks that select the session's peer address. One agent
// serves one session; Close releases every socket the session did not win.
type Agent struct {
	mu   sync.Mutex
	stun *transport.STUNClient

	stunServers     []string
	includeLoopback bool
	checkTimeout    time.Duration

	entries          []localEntry
	localCandidates  []Candidate
	remoteCandidates []Candidate
	localPreference  uint16
	closed           bool
}

// NewAgent creates an agent that will consult the given STUN servers for
// server-reflexive candidates. An empty list yields host candidates only.
func NewAgent(stunServers []string) *Agent {
	return &Agent{
		stun:            transport.NewSTUNClient(),
		stunServers:     stunServers,
		localPreference: 65535,
		checkTimeout:    DefaultCheckTimeout,
	}
}

// SetIncludeLoopback admits loopback interfaces during gathering. Only
// useful when both peers run on one machine.
func (a *Agent) SetIncludeLoopback(include bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.includeLoopback = include
}

// SetCheckTimeout overrides the global connectivity check timeout.
func (a *Agent) SetCheckTimeout(timeout time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkTimeout = timeout
}

// GatherCandidates enumerates local interface addresses as host candidates,
// opening one ephemeral UDP socket per address, then queries every
// configured STUN server for a server-reflexive mapping of the primary
// socket. Reflexive results are deduplicated by ip:port. The union is
// returned and retained as the session's local candidate set.
//
// A STUN failure means only "no reflexive candidate from this server"; the
// remaining servers are still tried and gathering itself does not fail.
func (a *Agent) GatherCandidates(ctx context.Context) ([]Candidate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrAgentClosed
	}

	ips, err := a.localInterfaceIPs()
	if err != nil {
		return nil, fmt.Errorf("interface enumeration failed: %w", err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: no usable interface addresses", ErrNoCandidates)
	}

	for _, ip := range ips {
		socket, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "GatherCandidates",
				"ip":       ip.String(),
				"error":    err.Error(),
			}).Warn("Skipping interface address, socket bind failed")
			continue
		}

		port := socket.LocalAddr().(*net.UDPAddr).Port
		candidate := newCandidate(CandidateHost, ip.String(), port, a.nextLocalPreference())
		a.entries = append(a.entries, localEntry{candidate: candidate, socket: socket})
		a.localCandidates = append(a.localCandidates, candidate)

		logrus.WithFields(logrus.Fields{
			"function":  "GatherCandidates",
			"candidate": candidate.String(),
		}).Debug("Gathered host candidate")
	}

	if len(a.entries) == 0 {
		return nil, fmt.Errorf("%w: no socket could be bound", ErrNoCandidates)
	}

	a.gatherServerReflexive(ctx)

	result := make([]Candidate, len(a.localCandidates))
	copy(result, a.localCandidates)
	return result, nil
}

// gatherServerReflexive queries each STUN server from the primary host
// socket and records deduplicated reflexive candidates.
func (a *Agent) gatherServerReflexive(ctx context.Context) {
	base := a.entries[0]
	seen := make(map[string]bool)

	for _, server := range a.stunServers {
		mapped, err := a.stun.QueryMappedAddressFrom(ctx, base.socket, server)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "gatherServerReflexive",
				"server":   server,
				"error":    err.Error(),
			}).Debug("No reflexive candidate from this server")
			continue
		}

		key := mapped.String()
		if seen[key] {
			continue
		}
		seen[key] = true

		candidate := newCandidate(CandidateServerReflexive, mapped.IP.String(), mapped.Port, a.nextLocalPreference())
		a.entries = append(a.entries, localEntry{candidate: candidate, socket: base.socket})
		a.localCandidates = append(a.localCandidates, candidate)

		logrus.WithFields(logrus.Fields{
			"function":  "gatherServerReflexive",
			"candidate": candidate.String(),
			"server":    server,
		}).Info("Gathered server-reflexive candidate")
	}
}

// nextLocalPreference hands out strictly decreasing preferences so every
// candidate's priority is unique within the session.
func (a *Agent) nextLocalPreference() uint16 {
	pref := a.localPreference
	if a.localPreference > 0 {
		a.localPreference--
	}
	return pref
}

// localInterfaceIPs returns usable IPv4 interface addresses: up, not
// link-local, and not loopback unless loopback was opted in.
func (a *Agent) localInterfaceIPs() ([]net.IP, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 && !a.includeLoopback {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.IsLinkLocalUnicast() {
				continue
			}
			if ip.IsLoopback() && !a.includeLoopback {
				continue
			}
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

// AddRemoteCandidate appends one peer candidate as it trickles in through
// signaling.
func (a *Agent) AddRemoteCandidate(candidate Candidate) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, existing := range a.remoteCandidates {
		if existing.IP == candidate.IP && existing.Port == candidate.Port && existing.Type == candidate.Type {
			return
		}
	}
	a.remoteCandidates = append(a.remoteCandidates, candidate)

	logrus.WithFields(logrus.Fields{
		"function":  "AddRemoteCandidate",
		"candidate": candidate.String(),
		"total":     len(a.remoteCandidates),
	}).Debug("Remote candidate added")
}

// SetRemoteCandidates replaces the peer's candidate set wholesale.
func (a *Agent) SetRemoteCandidates(candidates []Candidate) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.remoteCandidates = make([]Candidate, len(candidates))
	copy(a.remoteCandidates, candidates)
}

// LocalCandidates returns a copy of the gathered local set.
func (a *Agent) LocalCandidates() []Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Candidate, len(a.localCandidates))
	copy(result, a.localCandidates)
	return result
}

// RemoteCandidates returns a copy of the peer's set.
func (a *Agent) RemoteCandidates() []Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Candidate, len(a.remoteCandidates))
	copy(result, a.remoteCandidates)
	return result
}

// Close releases every socket still owned by the agent. The socket of a
// winning candidate pair is detached by the connectivity checks and is not
// touched here; ephemeral ports must be given back promptly either way.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	closed := make(map[*net.UDPConn]bool)
	for _, entry := range a.entries {
		if closed[entry.socket] {
			continue
		}
		closed[entry.socket] = true
		entry.socket.Close()
	}
	a.entries = nil

	return nil
}
