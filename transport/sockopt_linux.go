//go:build linux

// File: transport/sockopt_linux.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Socket tuning for dialed connections on Linux.

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// tuneSocket disables Nagle and enables keep-alive probes on the
// socket before connect. Errors are ignored: the options are an
// optimization, not a correctness requirement.
func tuneSocket(network, address string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	})
}
