// File: transport/socks.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SOCKS5 proxy traversal. The library only needs the
// handshake-completion signal; golang.org/x/net/proxy carries the
// protocol details.

package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"golang.org/x/net/proxy"
)

// DialSOCKS5 establishes a tunnel to target (host:port) through the
// SOCKS5 proxy described by proxyURL, carrying any userinfo as
// username/password authentication.
func DialSOCKS5(ctx context.Context, proxyURL *url.URL, target string, forward *net.Dialer) (net.Conn, error) {
	var auth *proxy.Auth
	if user := proxyURL.User; user != nil {
		password, _ := user.Password()
		auth = &proxy.Auth{User: user.Username(), Password: password}
	}
	d, err := proxy.SOCKS5("tcp", proxyHostPort(proxyURL), auth, forward)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy setup: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return d.Dial("tcp", target)
	}
	return cd.DialContext(ctx, "tcp", target)
}

// proxyHostPort returns the proxy endpoint with its scheme's default
// port filled in.
func proxyHostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	switch u.Scheme {
	case "https":
		return net.JoinHostPort(u.Hostname(), "443")
	case "socks5", "socks5h":
		return net.JoinHostPort(u.Hostname(), "1080")
	default:
		return net.JoinHostPort(u.Hostname(), "80")
	}
}
