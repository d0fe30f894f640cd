// Package bus abstracts the overlay messaging network the relay tunnel runs
// over: a directed best-effort carrier of discrete, size-limited messages.
// Implementations may drop, duplicate, or reorder messages; everything above
// this layer must tolerate that.
package bus

import (
	"context"
	"errors"
)

// Address is an opaque destination identifier on the overlay network.
type Address string

// Handler receives one inbound message. Implementations invoke it from a
// single receive loop; the handler must not block for long.
type Handler func(from Address, payload []byte)

// ErrNotConnected is returned by Send while the underlying link is still
// being established. Callers are expected to retry with backoff.
var ErrNotConnected = errors.New("bus: not connected")

// ErrTooLarge is returned when a payload exceeds MaxPayload.
var ErrTooLarge = errors.New("bus: payload exceeds message size limit")

// Bus is one attachment point to the overlay network.
type Bus interface {
	// Send transmits one message to the given destination. Best effort:
	// a nil error does not imply delivery.
	Send(ctx context.Context, to Address, payload []byte) error
	// Handle registers the single inbound handler. Must be called before
	// messages start flowing.
	Handle(h Handler)
	// MaxPayload returns the per-message size limit in bytes.
	MaxPayload() int
	// Close detaches from the network and stops the receive loop.
	Close() error
}

// Frame is the thin addressing wrapper used by point-to-point bus
// implementations (websocket, QUIC datagrams) that need explicit
// source/destination fields around the opaque payload.
type Frame struct {
	To   Address `json:"to"`
	From Address `json:"from"`
	Data []byte  `json:"data"`
}
