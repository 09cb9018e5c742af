package ice

import "errors"

var (
	// ErrNoViableCandidatePair indicates that no candidate pair produced a
	// bidirectional probe exchange within the global check timeout.
	ErrNoViableCandidatePair = errors.New("no viable candidate pair")

	// ErrNoCandidates indicates gathering produced nothing to check, or
	// the peer never supplied remote candidates.
	ErrNoCandidates = errors.New("no candidates available")

	// ErrAgentClosed indicates the agent's sockets were already released.
	ErrAgentClosed = errors.New("ice agent closed")
)
