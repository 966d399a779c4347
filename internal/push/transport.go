// Package push provides the server-push channels the stream subscriber reads
// from: Server-Sent Events over HTTP, or Redis pub/sub for deployments that
// sit next to the backend's event relay.
//
// Transports own connection management. A channel returned by Subscribe
// stays open across reconnects and is closed only once the context ends or
// the server asks the client to stop.
package push

import "context"

//go:generate mockgen -destination=mocks/mock_transport.go -package=mocks -source=transport.go Transport

// Frame is one raw message received from a push channel
type Frame struct {
	// ID is the event id, if the server sent one
	ID string

	// Type is the event name. Empty or "message" for unnamed events.
	Type string

	// Data is the raw event payload
	Data []byte
}

// Transport opens push channels
type Transport interface {
	// Subscribe opens a channel and returns the frames it receives. It does not
	// block on the connection; the returned channel is closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan Frame, error)
}

// frameBuffer is the number of frames a transport queues for a slow reader
const frameBuffer = 16
