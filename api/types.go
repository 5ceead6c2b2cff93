// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations, DTOs, and constants.

package api

import "time"

// ConnState enumerates the lifecycle state of a WebSocket connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MessageType identifies the payload kind of a reassembled message.
type MessageType byte

const (
	TextMessage   MessageType = 0x1
	BinaryMessage MessageType = 0x2
)

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}

// Message is a whole, extension-decoded WebSocket message.
type Message struct {
	Type MessageType
	Data []byte
}

// Text returns the payload as a string. Only meaningful for TextMessage.
func (m Message) Text() string {
	return string(m.Data)
}

// ConnStats provides a standard layout for per-connection statistics reporting.
type ConnStats struct {
	FramesReceived   int64
	FramesSent       int64
	BytesReceived    int64
	BytesSent        int64
	MessagesReceived int64
	PingsSent        int64
	PongsReceived    int64
	StartedAt        time.Time
}
