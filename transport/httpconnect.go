// File: transport/httpconnect.go
// Package transport implements the HTTP CONNECT proxy handshake.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The handshake is a small state machine:
//
//	initialized → connectSent → headReceived → completed
//
// with failed as the terminal error state. Writes submitted while the
// tunnel is still being established are buffered in FIFO order and
// drained on completion.

package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// ProxyHandshakeState enumerates the CONNECT handshake progression.
type ProxyHandshakeState int

const (
	ProxyStateInitialized ProxyHandshakeState = iota
	ProxyStateConnectSent
	ProxyStateHeadReceived
	ProxyStateCompleted
	ProxyStateFailed
)

func (s ProxyHandshakeState) String() string {
	switch s {
	case ProxyStateInitialized:
		return "initialized"
	case ProxyStateConnectSent:
		return "connectSent"
	case ProxyStateHeadReceived:
		return "headReceived"
	case ProxyStateCompleted:
		return "completed"
	case ProxyStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CONNECT handshake errors.
var (
	ErrProxyAuthRequired        = errors.New("proxy authentication required")
	ErrInvalidProxyResponseHead = errors.New("invalid proxy response head")
	ErrInvalidProxyResponse     = errors.New("invalid proxy response")
	ErrProxyHandshakeTimeout    = errors.New("http proxy handshake timeout")
	ErrProxyRemoteClosed        = errors.New("remote connection closed during proxy handshake")
)

// ProxyConn tunnels a connection through an HTTP proxy. It implements
// net.Conn; until Handshake completes, writes queue up and reads fail.
type ProxyConn struct {
	conn net.Conn
	br   *bufio.Reader

	mu      sync.Mutex
	state   ProxyHandshakeState
	pending *queue.Queue
	err     error
}

// NewProxyConn wraps an established connection to the proxy itself.
func NewProxyConn(conn net.Conn) *ProxyConn {
	return &ProxyConn{
		conn:    conn,
		br:      bufio.NewReader(conn),
		pending: queue.New(),
	}
}

// State returns the current handshake state.
func (p *ProxyConn) State() ProxyHandshakeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Handshake issues CONNECT for target (host:port) with the given
// headers and drives the state machine to completed, bounded by
// timeout. On success the connection is a transparent tunnel.
func (p *ProxyConn) Handshake(target string, headers http.Header, timeout time.Duration) error {
	if timeout > 0 {
		p.conn.SetDeadline(time.Now().Add(timeout))
		defer p.conn.SetDeadline(time.Time{})
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\n", target)
	var hdrs string
	for k, vs := range headers {
		for _, v := range vs {
			hdrs += fmt.Sprintf("%s: %s\r\n", k, v)
		}
	}
	if _, err := p.conn.Write([]byte(req + hdrs + "\r\n")); err != nil {
		return p.fail(classifyProxyErr(err))
	}
	p.setState(ProxyStateConnectSent)

	resp, err := http.ReadResponse(p.br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return p.fail(classifyProxyErr(err))
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		p.setState(ProxyStateHeadReceived)
	case resp.StatusCode == http.StatusProxyAuthRequired:
		return p.fail(ErrProxyAuthRequired)
	default:
		return p.fail(fmt.Errorf("%w: %s", ErrInvalidProxyResponseHead, resp.Status))
	}

	// The tunnel is not established until the response ends; any body
	// bytes arriving before that are a proxy violation.
	if resp.ContentLength > 0 || p.br.Buffered() > 0 {
		return p.fail(ErrInvalidProxyResponse)
	}

	p.complete()
	return nil
}

// complete transitions to completed and drains writes buffered during
// the handshake, preserving submission order.
func (p *ProxyConn) complete() {
	p.mu.Lock()
	p.state = ProxyStateCompleted
	var bufs [][]byte
	for p.pending.Length() > 0 {
		bufs = append(bufs, p.pending.Remove().([]byte))
	}
	p.mu.Unlock()
	for _, b := range bufs {
		p.conn.Write(b)
	}
}

func (p *ProxyConn) setState(s ProxyHandshakeState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *ProxyConn) fail(err error) error {
	p.mu.Lock()
	p.state = ProxyStateFailed
	p.err = err
	p.mu.Unlock()
	return err
}

func classifyProxyErr(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrProxyHandshakeTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrProxyRemoteClosed
	}
	return fmt.Errorf("%w: %v", ErrInvalidProxyResponse, err)
}

// Read implements net.Conn. The buffered reader drains first, so
// bytes the handshake over-read are not lost.
func (p *ProxyConn) Read(b []byte) (int, error) {
	p.mu.Lock()
	state, err := p.state, p.err
	p.mu.Unlock()
	switch state {
	case ProxyStateCompleted:
		return p.br.Read(b)
	case ProxyStateFailed:
		return 0, err
	default:
		return 0, ErrInvalidProxyResponse
	}
}

// Write implements net.Conn. Before the tunnel is up, writes are
// copied onto the pending queue and flushed in order on completion.
func (p *ProxyConn) Write(b []byte) (int, error) {
	p.mu.Lock()
	state, err := p.state, p.err
	if state != ProxyStateCompleted && state != ProxyStateFailed {
		buf := make([]byte, len(b))
		copy(buf, b)
		p.pending.Add(buf)
		p.mu.Unlock()
		return len(b), nil
	}
	p.mu.Unlock()
	if state == ProxyStateFailed {
		return 0, err
	}
	return p.conn.Write(b)
}

// Close implements net.Conn.
func (p *ProxyConn) Close() error { return p.conn.Close() }

// LocalAddr implements net.Conn.
func (p *ProxyConn) LocalAddr() net.Addr { return p.conn.LocalAddr() }

// RemoteAddr implements net.Conn.
func (p *ProxyConn) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }

// SetDeadline implements net.Conn.
func (p *ProxyConn) SetDeadline(t time.Time) error { return p.conn.SetDeadline(t) }

// SetReadDeadline implements net.Conn.
func (p *ProxyConn) SetReadDeadline(t time.Time) error { return p.conn.SetReadDeadline(t) }

// SetWriteDeadline implements net.Conn.
func (p *ProxyConn) SetWriteDeadline(t time.Time) error { return p.conn.SetWriteDeadline(t) }
