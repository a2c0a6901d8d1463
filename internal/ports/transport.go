package ports

import "context"

// Transport is the physical bidirectional channel to the synchronization
// backend. Implementations (websocket, AMQP) own framing and nothing else;
// connection lifecycle, heartbeats, and reconnection live in the manager.
//
// Receive returns a channel of raw inbound frames. The channel is closed
// when the underlying connection drops or Close is called; the manager treats
// closure as a disconnect signal.
type Transport interface {
	Open(ctx context.Context, endpoint, credential string) error
	Send(data []byte) error
	Receive() <-chan []byte
	Close() error
}
