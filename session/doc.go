// Package session drives the signaling side of a streaming session: the
// JSON message envelope exchanged over the signaling channel, the session
// lifecycle state machine from offer to encrypted transport, and the
// websocket client that carries it all with keepalive and reconnection.
//
// At most one session is active per endpoint. A new offer tears the
// previous session down completely before the new one starts.
package session
