// File: api/websocket.go
// Author: momentics <momentics@gmail.com>
//
// Defines the user-facing messaging surfaces of a WebSocket connection.
// The connection core hands these to the application handler.

package api

import "context"

// MessageWriter is the outbound half of an open connection.
// All methods serialize whole frames; a control frame may interleave
// between data frames but never inside one.
type MessageWriter interface {
	// Text sends a text message.
	Text(s string) error

	// Binary sends a binary message.
	Binary(b []byte) error

	// Ping sends a ping control frame with the given payload.
	Ping(b []byte) error

	// Pong sends an unsolicited pong control frame.
	Pong(b []byte) error

	// Close initiates the close handshake with the given code and reason.
	// Subsequent writes fail: with ErrWriteAfterClose while the close
	// handshake is in progress, with the terminal error once the
	// connection has closed.
	Close(code uint16, reason string) error
}

// Handler is the application callback run over an open connection.
// Inbound messages arrive on in until the connection reaches the
// closed state, at which point the channel is closed. When the handler
// returns with the connection still open, the library performs a
// normal-closure close handshake on its behalf.
type Handler func(ctx context.Context, in <-chan Message, out MessageWriter) error
