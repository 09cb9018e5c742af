// Package streamcore implements a peer-to-peer low-latency game streaming
// engine: NAT traversal with STUN and symmetric connectivity checks, a
// DTLS-encrypted datagram channel, fragmentation and jitter-buffered
// reassembly of encoded video, forward error correction, NACK-driven
// retransmission, and a QoS loop that adapts the encoder to the network.
//
// # Getting Started
//
// Create an engine with options and register callbacks for incoming media:
//
//	options := streamcore.NewOptions()
//	options.SignalingURL = "wss://signal.example.com/ws"
//	options.IsHost = true
//
//	engine, err := streamcore.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
//	engine.OnStatusChange(func(status streamcore.Status) {
//	    fmt.Println("status:", status)
//	})
//	engine.OnFrame(func(frame *media.Frame) {
//	    decodeAndPresent(frame)
//	})
//
//	engine.Start(context.Background())
//
// A host endpoint feeds encoded frames in with SendFrame; a viewer receives
// them through OnFrame. Signaling (offers, ICE candidates, session end)
// flows over the websocket client automatically.
package streamcore
