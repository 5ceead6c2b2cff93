// Copyright 2025 momentics@gmail.com
// License: Apache 2.0

// pipeline_test.go — extension ordering and negotiation.
package extension

import (
	"testing"

	"github.com/momentics/wsclient/protocol"
)

// tagExt appends its tag to payloads, recording transform order.
type tagExt struct {
	tag      byte
	shutdown bool
}

func (e *tagExt) Name() string { return "x-tag" }
func (e *tagExt) Rsv() byte    { return 0 }
func (e *tagExt) ProcessIncoming(f *protocol.Frame) (*protocol.Frame, error) {
	f.Payload = append(f.Payload, e.tag)
	return f, nil
}
func (e *tagExt) ProcessOutgoing(f *protocol.Frame) (*protocol.Frame, error) {
	f.Payload = append(f.Payload, e.tag)
	return f, nil
}
func (e *tagExt) Shutdown() { e.shutdown = true }

// tagBuilder is a non-negotiated builder: no offer, always built.
type tagBuilder struct {
	ext *tagExt
}

func (b *tagBuilder) Name() string  { return "x-tag" }
func (b *tagBuilder) Offer() string { return "" }
func (b *tagBuilder) Build(entry *protocol.ExtensionEntry) (Extension, error) {
	if entry != nil {
		return nil, ErrUnknownParameter
	}
	return b.ext, nil
}

func TestPipelineOrder(t *testing.T) {
	a, b := &tagExt{tag: 'a'}, &tagExt{tag: 'b'}
	p, err := Negotiate([]Builder{&tagBuilder{ext: a}, &tagBuilder{ext: b}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Active() {
		t.Fatal("non-negotiated builders must always activate")
	}

	in, err := p.Incoming(&protocol.Frame{Fin: true, Opcode: protocol.OpcodeText})
	if err != nil {
		t.Fatal(err)
	}
	if string(in.Payload) != "ab" {
		t.Errorf("incoming order %q, want %q", in.Payload, "ab")
	}

	out, err := p.Outgoing(&protocol.Frame{Fin: true, Opcode: protocol.OpcodeText})
	if err != nil {
		t.Fatal(err)
	}
	if string(out.Payload) != "ba" {
		t.Errorf("outgoing order %q, want %q", out.Payload, "ba")
	}

	p.Shutdown()
	if !a.shutdown || !b.shutdown {
		t.Error("shutdown not propagated")
	}
}

func TestNegotiateSkipsUnselected(t *testing.T) {
	p, err := Negotiate([]Builder{NewDeflateBuilder()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Active() {
		t.Fatal("negotiated builder activated without server selection")
	}
	if p.Rsv() != 0 {
		t.Error("inactive pipeline owns reserved bits")
	}
}

func TestNegotiateSelectsFirstMatch(t *testing.T) {
	entries := protocol.ParseExtensionHeaders([]string{
		"x-other",
		"permessage-deflate; server_max_window_bits=12",
	})
	p, err := Negotiate([]Builder{NewDeflateBuilder()}, entries)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Active() || p.Rsv() != protocol.Rsv1Bit {
		t.Fatal("deflate not activated")
	}
	if names := p.Names(); len(names) != 1 || names[0] != DeflateExtensionName {
		t.Errorf("names %v", names)
	}
}
