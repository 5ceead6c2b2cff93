// File: client/writer.go
// Package client
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The outbound half handed to application handlers. Messages run
// through the extension pipeline whole; fragmentation happens after,
// so extension-decided boundaries (a compressed message, say) stay
// intact and RSV bits land on the first frame only.

package client

import (
	"github.com/momentics/wsclient/api"
	"github.com/momentics/wsclient/protocol"
)

// Writer implements api.MessageWriter over a Conn.
type Writer struct {
	c *Conn
}

// Text sends a text message.
func (w *Writer) Text(s string) error {
	return w.c.writeMessage(protocol.OpcodeText, []byte(s))
}

// Binary sends a binary message.
func (w *Writer) Binary(b []byte) error {
	return w.c.writeMessage(protocol.OpcodeBinary, b)
}

// Ping sends a ping control frame.
func (w *Writer) Ping(b []byte) error {
	return w.writeUserControl(protocol.OpcodePing, b)
}

// Pong sends an unsolicited pong control frame.
func (w *Writer) Pong(b []byte) error {
	return w.writeUserControl(protocol.OpcodePong, b)
}

// Close initiates the close handshake. Only the first close takes
// effect; a connection already closing ignores the call.
func (w *Writer) Close(code uint16, reason string) error {
	cf := &protocol.CloseFrame{Code: protocol.CloseCode(code), Reason: reason}
	if !cf.Code.Sendable() {
		return protocol.ErrUnsendableCloseCode
	}
	c := w.c
	c.mu.Lock()
	step := c.fsm.Close(cf)
	c.mu.Unlock()
	if step.Action != protocol.ActionSendClose {
		return nil
	}
	err := c.sendClose(step.Close)
	c.armCloseTimeout()
	return err
}

func (w *Writer) writeUserControl(opcode byte, payload []byte) error {
	if len(payload) > protocol.MaxControlPayload {
		return protocol.ErrControlTooLong
	}
	c := w.c
	c.mu.Lock()
	open := c.fsm.State() == api.StateOpen
	werr := c.writeErr
	c.mu.Unlock()
	if !open {
		if werr != nil {
			return werr
		}
		return api.ErrWriteAfterClose
	}
	return c.writeControl(opcode, payload)
}

// writeMessage pushes a whole message through the pipeline, then
// fragments and writes the result.
func (c *Conn) writeMessage(opcode byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fsm.State() != api.StateOpen {
		if c.writeErr != nil {
			return c.writeErr
		}
		return api.ErrWriteAfterClose
	}
	f := &protocol.Frame{Fin: true, Opcode: opcode, Payload: payload}
	pf, err := c.pipeline.Outgoing(f)
	if err != nil {
		return err
	}
	if pf == nil {
		return nil
	}
	for _, frag := range fragmentFrame(pf, c.cfg.MaxFrameSize) {
		if err := c.writeFrameLocked(frag); err != nil {
			return err
		}
	}
	return nil
}

// fragmentFrame splits an oversized message frame. The first fragment
// carries the opcode and reserved bits; the last carries FIN.
func fragmentFrame(f *protocol.Frame, maxSize int64) []*protocol.Frame {
	if maxSize <= 0 || int64(len(f.Payload)) <= maxSize {
		return []*protocol.Frame{f}
	}
	var frags []*protocol.Frame
	payload := f.Payload
	first := true
	for len(payload) > 0 {
		n := int(maxSize)
		if n > len(payload) {
			n = len(payload)
		}
		frag := &protocol.Frame{
			Opcode:  protocol.OpcodeContinuation,
			Payload: payload[:n],
			Fin:     n == len(payload),
		}
		payload = payload[n:]
		if first {
			frag.Opcode = f.Opcode
			frag.SetRsv(f.Rsv())
			first = false
		}
		frags = append(frags, frag)
	}
	return frags
}
