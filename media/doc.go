// Package media implements the real-time media plane of a streaming
// session: fragmentation and paced sending of encoded video, reassembly
// through a jitter buffer with skip-ahead loss handling, XOR-based forward
// error correction, NACK-driven retransmission, and the QoS feedback loop
// that adapts encoder bitrate, frame rate, and redundancy to observed
// network conditions.
//
// The package is transport-agnostic: senders and receivers operate over a
// minimal DatagramSender interface and the packet dispatcher from the
// transport package, so the same pipeline runs over DTLS in production and
// over in-memory pipes in tests.
package media
