package core

import "github.com/karian7/chatrelay/internal/models"

// Conn is one live client connection. The websocket transport implements it;
// tests substitute fakes. Send must never block indefinitely: a transport
// whose buffer is full returns ErrSlowConsumer instead.
type Conn interface {
	// ID returns the unique connection id (not the user id).
	ID() string
	// Send queues an event for delivery to this connection.
	Send(ev models.Event) error
	// Close terminates the connection. The reason is surfaced to the client
	// in the close frame; it is one of the session termination reasons.
	Close(reason string)
	// IsOpen reports whether the underlying channel can still deliver events.
	IsOpen() bool
	// Meta describes where the connection came from.
	Meta() models.ConnMeta
}
