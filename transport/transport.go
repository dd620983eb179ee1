// Package transport abstracts the byte pipes that carry WAMP messages
// between the router and its peers. The router treats Send as
// fire-and-forget; a failed or closed transport triggers session detach,
// never an error reply to another peer.
package transport

import (
	"errors"

	"github.com/corvoio/corvo/wamp"
)

// ErrClosed is returned by Send after the transport has been closed.
var ErrClosed = errors.New("transport closed")

// ErrMessageTooBig is returned by Send when the serialized message would
// exceed the peer's negotiated maximum message size.
var ErrMessageTooBig = errors.New("message exceeds transport size limit")

// Transport is one end of a WAMP connection.
type Transport interface {
	// Send queues msg for delivery to the peer. It must not block on a
	// slow peer indefinitely; implementations may drop the connection
	// instead.
	Send(msg wamp.Message) error

	// Recv returns the channel of inbound messages. The channel is closed
	// when the transport closes.
	Recv() <-chan wamp.Message

	// Close tears the connection down. Safe to call more than once.
	Close() error
}
