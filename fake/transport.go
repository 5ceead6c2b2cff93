// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the transport layer.

package fake

import (
	"io"
	"sync"
	"time"

	"github.com/momentics/wsclient/api"
)

// Transport is a scriptable in-memory api.Transport. Tests inject
// peer bytes with AddRecvData and inspect everything the connection
// wrote with SentData.
type Transport struct {
	mu       sync.Mutex
	cond     *sync.Cond
	recv     []byte
	sent     []byte
	closed   bool
	recvDone bool
	readErr  error
	writeErr error
	closeErr error
}

// NewTransport creates a new fake transport.
func NewTransport() *Transport {
	t := &Transport{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Read blocks until peer data, an injected error, end of peer input,
// or Close.
func (t *Transport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if t.closed {
			return 0, api.ErrTransportClosed
		}
		if t.readErr != nil {
			return 0, t.readErr
		}
		if len(t.recv) > 0 {
			n := copy(p, t.recv)
			t.recv = t.recv[n:]
			return n, nil
		}
		if t.recvDone {
			return 0, io.EOF
		}
		t.cond.Wait()
	}
}

// Write records the written bytes.
func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, api.ErrTransportClosed
	}
	if t.writeErr != nil {
		return 0, t.writeErr
	}
	t.sent = append(t.sent, p...)
	return len(p), nil
}

// Close marks the transport closed and wakes blocked readers.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.cond.Broadcast()
	return t.closeErr
}

// SetReadDeadline implements api.Transport; the fake does not time out.
func (t *Transport) SetReadDeadline(time.Time) error { return nil }

// SetWriteDeadline implements api.Transport.
func (t *Transport) SetWriteDeadline(time.Time) error { return nil }

// AddRecvData appends bytes readable by the connection under test.
func (t *Transport) AddRecvData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recv = append(t.recv, data...)
	t.cond.Broadcast()
}

// EndRecv makes Read return io.EOF once buffered data drains,
// simulating the remote closing its write side.
func (t *Transport) EndRecv() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recvDone = true
	t.cond.Broadcast()
}

// SetReadError configures Read to fail.
func (t *Transport) SetReadError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readErr = err
	t.cond.Broadcast()
}

// SetWriteError configures Write to fail.
func (t *Transport) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// SentData returns a snapshot of everything written so far.
func (t *Transport) SentData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	sent := make([]byte, len(t.sent))
	copy(sent, t.sent)
	return sent
}

// ClearSentData clears the write record.
func (t *Transport) ClearSentData() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = t.sent[:0]
}

// WaitSent blocks until at least n bytes were written or the timeout
// elapses, then reports whether the threshold was reached.
func (t *Transport) WaitSent(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		t.mu.Lock()
		have := len(t.sent)
		t.mu.Unlock()
		if have >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}
