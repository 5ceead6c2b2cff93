// File: protocol/reassembly.go
// Package protocol implements fragment collation into whole messages.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The reassembler receives extension-decoded data frames; control
// frames never enter it (the connection core routes them to the state
// machine, so an interleaved control frame cannot break a sequence).

package protocol

import (
	"errors"

	"github.com/momentics/wsclient/api"
)

// Reassembly errors.
var (
	ErrContinuationWithoutStart = errors.New("continuation frame without open fragment sequence")
	ErrNonContinuation          = errors.New("non-continuation data frame inside fragment sequence")
	ErrMessageTooLarge          = errors.New("message exceeds maximum size")
)

// Reassembler collates data frames into messages, enforcing the size
// limit while fragments accumulate and UTF-8 validity for text.
type Reassembler struct {
	// MaxMessageSize bounds the reassembled payload. 0 disables.
	MaxMessageSize int64

	// ValidateUTF8 enables incremental text validation.
	ValidateUTF8 bool

	opcode byte // 0 when no sequence is open
	parts  []byte
	total  int64
	utf8   UTF8Validator
}

// InProgress reports whether a fragment sequence is open.
func (r *Reassembler) InProgress() bool {
	return r.opcode != 0
}

// Push feeds one data frame. A completed message is returned when f
// concludes it; otherwise the fragment is retained and Push returns
// (nil, nil).
func (r *Reassembler) Push(f *Frame) (*api.Message, error) {
	switch {
	case f.Opcode == OpcodeContinuation:
		if r.opcode == 0 {
			return nil, ErrContinuationWithoutStart
		}
	case r.opcode != 0:
		return nil, ErrNonContinuation
	default:
		r.opcode = f.Opcode
	}

	r.total += int64(len(f.Payload))
	if r.MaxMessageSize > 0 && r.total > r.MaxMessageSize {
		r.reset()
		return nil, ErrMessageTooLarge
	}
	if r.ValidateUTF8 && r.opcode == OpcodeText {
		if err := r.utf8.Push(f.Payload); err != nil {
			r.reset()
			return nil, err
		}
	}

	if !f.Fin {
		r.parts = append(r.parts, f.Payload...)
		return nil, nil
	}

	var payload []byte
	if r.parts == nil {
		payload = f.Payload
	} else {
		payload = append(r.parts, f.Payload...)
	}
	msgType := api.MessageType(r.opcode)
	if r.ValidateUTF8 && r.opcode == OpcodeText {
		if err := r.utf8.Done(); err != nil {
			r.reset()
			return nil, err
		}
	}
	r.reset()
	return &api.Message{Type: msgType, Data: payload}, nil
}

func (r *Reassembler) reset() {
	r.opcode = 0
	r.parts = nil
	r.total = 0
	r.utf8.Reset()
}
