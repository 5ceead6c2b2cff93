// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package transport

import (
	"net"
	"time"
)

// NetConn adapts a net.Conn to the api.Transport contract.
type NetConn struct {
	conn net.Conn
}

// NewNetConn initializes a new NetConn.
func NewNetConn(conn net.Conn) *NetConn {
	return &NetConn{conn: conn}
}

// Conn exposes the wrapped connection.
func (n *NetConn) Conn() net.Conn {
	return n.conn
}

// Read fills buf from the connection.
func (n *NetConn) Read(buf []byte) (int, error) {
	return n.conn.Read(buf)
}

// Write sends buf over the connection.
func (n *NetConn) Write(buf []byte) (int, error) {
	return n.conn.Write(buf)
}

// Close the connection.
func (n *NetConn) Close() error {
	return n.conn.Close()
}

// SetReadDeadline bounds future reads.
func (n *NetConn) SetReadDeadline(t time.Time) error {
	return n.conn.SetReadDeadline(t)
}

// SetWriteDeadline bounds future writes.
func (n *NetConn) SetWriteDeadline(t time.Time) error {
	return n.conn.SetWriteDeadline(t)
}
