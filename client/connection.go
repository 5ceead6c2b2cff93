// File: client/connection.go
// Package client implements the connection core: it binds the frame
// codec, extension pipeline, reassembler and state machine to an
// established transport.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Two logical tasks run per connection: the reader (run) pulls bytes,
// decodes frames, routes control frames into the state machine and
// data frames into the reassembler; the writer serializes outbound
// frames under the connection lock. The lock also serializes every
// state machine input.

package client

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/wsclient/api"
	"github.com/momentics/wsclient/extension"
	"github.com/momentics/wsclient/pool"
	"github.com/momentics/wsclient/protocol"
)

const readChunkSize = 4096

// ErrAbnormalClosure reports a transport that ended without a close
// frame.
var ErrAbnormalClosure = fmt.Errorf("connection closed without close frame")

// Conn is one live WebSocket connection.
type Conn struct {
	transport api.Transport
	src       io.Reader // handshake reader; may hold early frames
	pipeline  *extension.Pipeline
	cfg       Config

	// decoder and reasm are touched only by the reader task.
	decoder protocol.Decoder
	reasm   protocol.Reassembler

	mu         sync.Mutex
	fsm        *protocol.StateMachine
	writeErr   error
	err        error
	closeTimer *time.Timer

	encPool *pool.BytePool

	inbound     chan api.Message
	inboundOnce sync.Once
	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
	finishOnce  sync.Once

	framesReceived   int64
	framesSent       int64
	bytesReceived    int64
	bytesSent        int64
	messagesReceived int64
	pingsSent        int64
	pongsReceived    int64
	startedAt        time.Time
}

// newConn wires a connection over an upgraded transport. src is the
// handshake's buffered reader so frames the server sent right after
// the 101 response are not lost.
func newConn(t api.Transport, src io.Reader, pipe *extension.Pipeline, cfg Config) *Conn {
	c := &Conn{
		transport: t,
		src:       src,
		pipeline:  pipe,
		cfg:       cfg,
		fsm:       protocol.NewStateMachine(),
		encPool:   pool.NewBytePool(DefaultMaxFrameSize + protocol.MaxFrameHeaderLen),
		inbound:   make(chan api.Message, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	c.decoder = protocol.Decoder{
		MaxFrameSize: cfg.MaxFrameSize,
		AllowedRsv:   pipe.Rsv(),
		ExpectMasked: false,
	}
	c.reasm = protocol.Reassembler{
		MaxMessageSize: cfg.MaxMessageSize,
		ValidateUTF8:   cfg.ValidateUTF8,
	}
	return c
}

// Inbound returns the message stream. It is single-consumer and is
// closed when the connection reaches the closed state.
func (c *Conn) Inbound() <-chan api.Message {
	return c.inbound
}

// Writer returns the outbound half handed to the application handler.
func (c *Conn) Writer() api.MessageWriter {
	return &Writer{c: c}
}

// State returns the current connection state.
func (c *Conn) State() api.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.State()
}

// Err returns the terminal transport or protocol error, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stats returns a snapshot of connection statistics.
func (c *Conn) Stats() api.ConnStats {
	return api.ConnStats{
		FramesReceived:   atomic.LoadInt64(&c.framesReceived),
		FramesSent:       atomic.LoadInt64(&c.framesSent),
		BytesReceived:    atomic.LoadInt64(&c.bytesReceived),
		BytesSent:        atomic.LoadInt64(&c.bytesSent),
		MessagesReceived: atomic.LoadInt64(&c.messagesReceived),
		PingsSent:        atomic.LoadInt64(&c.pingsSent),
		PongsReceived:    atomic.LoadInt64(&c.pongsReceived),
		StartedAt:        c.startedAt,
	}
}

// run is the reader task. It exits when the close handshake
// completes, the transport fails, or the connection is aborted.
func (c *Conn) run() {
	defer c.finish()
	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		n, err := c.src.Read(buf)
		if n > 0 {
			c.decoder.Feed(buf[:n])
			if closed := c.drainFrames(); closed {
				return
			}
		}
		if err != nil {
			c.transportLost(err)
			return
		}
	}
}

// drainFrames decodes and routes every complete frame buffered so
// far. It reports true when the connection reached its terminal
// state.
func (c *Conn) drainFrames() bool {
	for {
		f, err := c.decoder.Next()
		if err != nil {
			c.failConnection(protocol.CloseCodeFor(err), err)
			return true
		}
		if f == nil {
			return false
		}
		atomic.AddInt64(&c.framesReceived, 1)
		atomic.AddInt64(&c.bytesReceived, int64(len(f.Payload)))
		closed, err := c.handleFrame(f)
		if err != nil || closed {
			return true
		}
	}
}

// handleFrame routes one decoded frame. A true result means the close
// handshake finished.
func (c *Conn) handleFrame(f *protocol.Frame) (bool, error) {
	pf, err := c.pipeline.Incoming(f)
	if err != nil {
		c.failConnection(extension.CloseCodeFor(err), err)
		return false, err
	}
	if pf == nil {
		return false, nil
	}

	switch pf.Opcode {
	case protocol.OpcodeClose:
		cf, derr := protocol.DecodeClosePayload(pf.Payload)
		if derr != nil {
			c.failConnection(protocol.CloseProtocolError, derr)
			return false, derr
		}
		c.mu.Lock()
		step := c.fsm.ReceivedClose(cf)
		c.mu.Unlock()
		if step.Action == protocol.ActionSendClose {
			c.sendClose(step.Close)
		}
		return true, nil

	case protocol.OpcodePing:
		c.mu.Lock()
		step := c.fsm.ReceivedPing(pf.Payload)
		c.mu.Unlock()
		if step.Action == protocol.ActionSendPong {
			c.writeControl(protocol.OpcodePong, step.Pong)
		}
		return false, nil

	case protocol.OpcodePong:
		c.mu.Lock()
		c.fsm.ReceivedPong(pf.Payload)
		c.mu.Unlock()
		atomic.AddInt64(&c.pongsReceived, 1)
		return false, nil

	default:
		msg, rerr := c.reasm.Push(pf)
		if rerr != nil {
			c.failConnection(protocol.CloseCodeFor(rerr), rerr)
			return false, rerr
		}
		if msg != nil {
			atomic.AddInt64(&c.messagesReceived, 1)
			select {
			case c.inbound <- *msg:
			case <-c.stop:
			}
		}
		return false, nil
	}
}

// failConnection implements the fail-the-connection procedure: send a
// close frame with the mapped code, record the cause, and tear the
// transport down. Subsequent writes fail; the inbound stream ends.
func (c *Conn) failConnection(code protocol.CloseCode, cause error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = cause
	}
	step := c.fsm.Close(&protocol.CloseFrame{Code: code, Reason: cause.Error()})
	c.mu.Unlock()
	if step.Action == protocol.ActionSendClose {
		c.sendClose(step.Close)
	}
	c.mu.Lock()
	c.fsm.TransportLost()
	c.writeErr = api.ErrConnectionClosed
	c.mu.Unlock()
}

// transportLost records an I/O failure or a remote that vanished
// without a close frame.
func (c *Conn) transportLost(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fsm.State() != api.StateClosed && c.err == nil {
		if cause == io.EOF {
			c.err = ErrAbnormalClosure
		} else {
			c.err = cause
		}
	}
	c.fsm.TransportLost()
	c.writeErr = api.ErrConnectionClosed
}

// sendClose serializes a close frame; an unsendable code degrades to
// an empty close payload.
func (c *Conn) sendClose(cf *protocol.CloseFrame) error {
	payload, err := cf.EncodePayload()
	if err != nil {
		payload = nil
	}
	return c.writeControl(protocol.OpcodeClose, payload)
}

// writeControl sends one control frame through the pipeline.
func (c *Conn) writeControl(opcode byte, payload []byte) error {
	f := &protocol.Frame{Fin: true, Opcode: opcode, Payload: payload}
	c.mu.Lock()
	defer c.mu.Unlock()
	pf, err := c.pipeline.Outgoing(f)
	if err != nil || pf == nil {
		return err
	}
	return c.writeFrameLocked(pf)
}

// writeFrameLocked masks, encodes and writes one frame. Callers hold
// the connection lock.
func (c *Conn) writeFrameLocked(f *protocol.Frame) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	buf := c.encPool.GetBuffer()
	buf, err := protocol.AppendFrame(buf, f, true)
	if err != nil {
		return err
	}
	_, werr := c.transport.Write(buf)
	c.encPool.PutBuffer(buf)
	if werr != nil {
		c.writeErr = werr
		return werr
	}
	atomic.AddInt64(&c.framesSent, 1)
	atomic.AddInt64(&c.bytesSent, int64(len(f.Payload)))
	return nil
}

// armCloseTimeout schedules the unilateral transport close used when
// the peer never echoes our close frame.
func (c *Conn) armCloseTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeTimer != nil {
		return
	}
	timeout := c.cfg.CloseTimeout
	if timeout <= 0 {
		timeout = DefaultCloseTimeout
	}
	c.closeTimer = time.AfterFunc(timeout, func() {
		c.transport.Close()
	})
}

// pingLoop is the automatic ping scheduler.
func (c *Conn) pingLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			step, err := c.fsm.PingTick(now, period)
			c.mu.Unlock()
			if err != nil {
				continue
			}
			switch step.Action {
			case protocol.ActionSendPing:
				if c.writeControl(protocol.OpcodePing, step.Ping) == nil {
					atomic.AddInt64(&c.pingsSent, 1)
				}
			case protocol.ActionCloseConnection:
				c.sendClose(step.Close)
				c.mu.Lock()
				c.writeErr = api.ErrConnectionClosed
				c.mu.Unlock()
				c.transport.Close()
				return
			case protocol.ActionStop:
				return
			}
		}
	}
}

// abort cancels the connection: writes fail immediately and the
// transport closes, which unwinds the reader.
func (c *Conn) abort(cause error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = cause
	}
	c.writeErr = cause
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.stop) })
	c.transport.Close()
}

// AwaitClose blocks until the reader terminates, forcing the
// transport closed when the peer's close echo misses the timeout.
// It returns the close frame observed from the peer, if any.
func (c *Conn) AwaitClose(timeout time.Duration) *protocol.CloseFrame {
	if timeout <= 0 {
		timeout = DefaultCloseTimeout
	}
	select {
	case <-c.done:
	case <-time.After(timeout):
		c.transport.Close()
		<-c.done
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.Observed()
}

// finish releases connection resources exactly once: the extension
// pipeline (flushing deflate windows), the close timer, the inbound
// stream and the transport.
func (c *Conn) finish() {
	c.finishOnce.Do(func() {
		c.stopOnce.Do(func() { close(c.stop) })
		c.mu.Lock()
		if c.closeTimer != nil {
			c.closeTimer.Stop()
		}
		if c.writeErr == nil {
			c.writeErr = api.ErrConnectionClosed
		}
		c.pipeline.Shutdown()
		c.mu.Unlock()
		c.inboundOnce.Do(func() { close(c.inbound) })
		c.transport.Close()
		close(c.done)
	})
}
