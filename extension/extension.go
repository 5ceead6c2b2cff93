// File: extension/extension.go
// Package extension implements the frame-transform pipeline negotiated
// during the Upgrade handshake, and the permessage-deflate extension.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package extension

import (
	"errors"

	"github.com/momentics/wsclient/protocol"
)

// ErrUnknownParameter reports a server-selected parameter the
// extension does not understand; the upgrade must fail.
var ErrUnknownParameter = errors.New("unknown extension parameter")

// Extension transforms frames on their way through the connection.
// An incoming transform may consume a frame (return nil) while it
// buffers fragments; an outgoing transform receives whole messages
// before the writer fragments them.
type Extension interface {
	// Name is the negotiated token, e.g. "permessage-deflate".
	Name() string

	// Rsv returns the header bits this extension owns.
	Rsv() byte

	// ProcessIncoming transforms a received frame. Returning a nil
	// frame consumes the input without emitting one.
	ProcessIncoming(f *protocol.Frame) (*protocol.Frame, error)

	// ProcessOutgoing transforms a frame about to be sent.
	ProcessOutgoing(f *protocol.Frame) (*protocol.Frame, error)

	// Shutdown releases per-connection state (compression windows).
	Shutdown()
}

// Builder constructs an Extension from the server's selection.
type Builder interface {
	// Name is the extension token offered and matched against the
	// server's Sec-WebSocket-Extensions response entries.
	Name() string

	// Offer returns the request header value for this extension, or
	// "" for a non-negotiated extension that is always instantiated.
	Offer() string

	// Build constructs the extension. entry is the first matching
	// response entry, or nil for non-negotiated builders. A nil
	// extension with nil error means the builder opted out.
	Build(entry *protocol.ExtensionEntry) (Extension, error)
}

// Pipeline is the ordered extension list bound to one connection.
type Pipeline struct {
	exts []Extension
}

// Negotiate matches each builder against the server's accepted
// entries, in builder order. Negotiated builders activate on the
// first entry carrying their name; non-negotiated builders always
// activate.
func Negotiate(builders []Builder, accepted []protocol.ExtensionEntry) (*Pipeline, error) {
	p := &Pipeline{}
	for _, b := range builders {
		var entry *protocol.ExtensionEntry
		if b.Offer() != "" {
			for i := range accepted {
				if accepted[i].Name == b.Name() {
					entry = &accepted[i]
					break
				}
			}
			if entry == nil {
				continue
			}
		}
		ext, err := b.Build(entry)
		if err != nil {
			return nil, err
		}
		if ext != nil {
			p.exts = append(p.exts, ext)
		}
	}
	return p, nil
}

// Offers collects the request header values of negotiated builders.
func Offers(builders []Builder) []string {
	var offers []string
	for _, b := range builders {
		if o := b.Offer(); o != "" {
			offers = append(offers, o)
		}
	}
	return offers
}

// Rsv returns the union of header bits owned by active extensions.
func (p *Pipeline) Rsv() byte {
	var bits byte
	for _, e := range p.exts {
		bits |= e.Rsv()
	}
	return bits
}

// Active reports whether any extension was negotiated.
func (p *Pipeline) Active() bool {
	return len(p.exts) > 0
}

// Names lists active extensions in pipeline order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.exts))
	for i, e := range p.exts {
		names[i] = e.Name()
	}
	return names
}

// Incoming runs a received frame through the pipeline in order.
// A nil result means some extension consumed the frame.
func (p *Pipeline) Incoming(f *protocol.Frame) (*protocol.Frame, error) {
	var err error
	for _, e := range p.exts {
		f, err = e.ProcessIncoming(f)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, nil
		}
	}
	return f, nil
}

// Outgoing runs an outbound frame through the pipeline in reverse
// order, so the first extension is the last to touch the bytes and
// owns the frame's reserved bits on the wire.
func (p *Pipeline) Outgoing(f *protocol.Frame) (*protocol.Frame, error) {
	var err error
	for i := len(p.exts) - 1; i >= 0; i-- {
		f, err = p.exts[i].ProcessOutgoing(f)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, nil
		}
	}
	return f, nil
}

// Shutdown releases every extension in pipeline order.
func (p *Pipeline) Shutdown() {
	for _, e := range p.exts {
		e.Shutdown()
	}
}
