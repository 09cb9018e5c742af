// Package ice implements lightweight connectivity establishment for the
// streaming engine: local and server-reflexive candidate gathering, priority
// ordering, and symmetric connectivity checks that race candidate pairs with
// bidirectional magic probes.
//
// This is an ICE-lite shape, not RFC 8445: candidates are exchanged over the
// external signaling channel, there is no role negotiation, and the probe is
// a fixed 4-byte magic rather than STUN binding indications. Relay (TURN)
// candidates are modeled for priority purposes but never gathered.
package ice
