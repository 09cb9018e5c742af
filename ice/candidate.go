package ice

import (
	"fmt"
	"hash/fnv"
	"net"
	"sort"
)

// CandidateType classifies how a candidate address was learned.
type CandidateType string

const (
	// CandidateHost is a local interface address.
	CandidateHost CandidateType = "host"
	// CandidateServerReflexive is a public mapping learned via STUN.
	CandidateServerReflexive CandidateType = "srflx"
	// CandidateRelay is an address on a relay server. Never gathered by
	// this agent; recognized so a remote relay candidate still pairs.
	CandidateRelay CandidateType = "relay"
)

// typePreference returns the RFC 8445 type preference used in the priority
// formula: host beats server-reflexive beats relay.
func (ct CandidateType) typePreference() uint32 {
	switch ct {
	case CandidateHost:
		return 126
	case CandidateServerReflexive:
		return 100
	case CandidateRelay:
		return 0
	default:
		return 0
	}
}

// Candidate is one network path option. Candidates are immutable once
// created; a session holds disjoint local and remote candidate sets.
type Candidate struct {
	Type       CandidateType `json:"type"`
	IP         string        `json:"ip"`
	Port       int           `json:"port"`
	Protocol   string        `json:"protocol"`
	Priority   uint32        `json:"priority"`
	Foundation string        `json:"foundation"`
}

// componentID is always 1: the engine multiplexes media and control over a
// single component.
const componentID = 1

// newCandidate builds a candidate with its computed priority and foundation.
// localPreference must decrease as more candidates are discovered so that
// priorities stay unique within the session.
func newCandidate(candidateType CandidateType, ip string, port int, localPreference uint16) Candidate {
	return Candidate{
		Type:       candidateType,
		IP:         ip,
		Port:       port,
		Protocol:   "udp",
		Priority:   computePriority(candidateType, localPreference),
		Foundation: computeFoundation(candidateType, ip),
	}
}

// computePriority implements
// (type_preference << 24) | (local_preference << 8) | (256 - component_id).
func computePriority(candidateType CandidateType, localPreference uint16) uint32 {
	return candidateType.typePreference()<<24 |
		uint32(localPreference)<<8 |
		uint32(256-componentID)
}

// computeFoundation derives a stable identifier for candidates sharing a
// type and base address, as signaling uses it to correlate trickled updates.
func computeFoundation(candidateType CandidateType, ip string) string {
	h := fnv.New32a()
	h.Write([]byte(string(candidateType)))
	h.Write([]byte(ip))
	return fmt.Sprintf("%08x", h.Sum32())
}

// Addr returns the candidate's UDP address.
func (c *Candidate) Addr() (*net.UDPAddr, error) {
	ip := net.ParseIP(c.IP)
	if ip == nil {
		return nil, fmt.Errorf("candidate has invalid ip %q", c.IP)
	}
	return &net.UDPAddr{IP: ip, Port: c.Port}, nil
}

// String renders the candidate for logs.
func (c *Candidate) String() string {
	return fmt.Sprintf("%s/%s %s:%d prio=%d", c.Type, c.Protocol, c.IP, c.Port, c.Priority)
}

// CandidatePair couples one local and one remote candidate for checking.
type CandidatePair struct {
	Local  Candidate
	Remote Candidate
}

// pairPriority orders pairs for checking; higher sums are tried with the
// same cadence but reported first on simultaneous success.
func (p *CandidatePair) pairPriority() uint64 {
	return uint64(p.Local.Priority) + uint64(p.Remote.Priority)
}

// buildCandidatePairs forms the cartesian product of local and remote
// candidates, sorted by descending combined priority.
func buildCandidatePairs(local, remote []Candidate) []CandidatePair {
	pairs := make([]CandidatePair, 0, len(local)*len(remote))
	for _, l := range local {
		for _, r := range remote {
			pairs = append(pairs, CandidatePair{Local: l, Remote: r})
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].pairPriority() > pairs[j].pairPriority()
	})
	return pairs
}
