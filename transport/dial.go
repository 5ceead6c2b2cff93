// File: transport/dial.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Establishes the byte stream the WebSocket upgrade runs on: direct
// TCP, an HTTP CONNECT tunnel, or a SOCKS5 tunnel, with TLS layered
// on top for wss URLs.

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// DialConfig carries the transport-level options of a connection.
type DialConfig struct {
	// TLSConfig is cloned for wss connections; nil means defaults.
	TLSConfig *tls.Config

	// SNIHostname overrides the URL host in the TLS SNI field.
	SNIHostname string

	// Proxy routes the connection when set. http/https schemes use a
	// CONNECT tunnel, socks5/socks5h use SOCKS.
	Proxy *url.URL

	// ProxyHeaders go onto the CONNECT request.
	ProxyHeaders http.Header

	// Timeout bounds dialing and the proxy handshake.
	Timeout time.Duration
}

// Dial establishes the transport for a ws or wss URL.
func Dial(ctx context.Context, u *url.URL, cfg DialConfig) (*NetConn, error) {
	target := wsHostPort(u)
	dialer := &net.Dialer{Timeout: cfg.Timeout, Control: tuneSocket}

	var conn net.Conn
	var err error
	switch {
	case cfg.Proxy == nil:
		conn, err = dialer.DialContext(ctx, "tcp", target)
	case cfg.Proxy.Scheme == "socks5" || cfg.Proxy.Scheme == "socks5h":
		conn, err = DialSOCKS5(ctx, cfg.Proxy, target, dialer)
	default:
		conn, err = dialConnect(ctx, dialer, cfg, target)
	}
	if err != nil {
		return nil, err
	}

	if u.Scheme == "wss" {
		tlsConf := cfg.TLSConfig.Clone()
		if tlsConf == nil {
			tlsConf = &tls.Config{}
		}
		if tlsConf.ServerName == "" {
			tlsConf.ServerName = u.Hostname()
		}
		if cfg.SNIHostname != "" {
			tlsConf.ServerName = cfg.SNIHostname
		}
		tconn := tls.Client(conn, tlsConf)
		if err := tconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tconn
	}

	return NewNetConn(conn), nil
}

// dialConnect reaches target through an HTTP proxy via CONNECT.
func dialConnect(ctx context.Context, dialer *net.Dialer, cfg DialConfig, target string) (net.Conn, error) {
	raw, err := dialer.DialContext(ctx, "tcp", proxyHostPort(cfg.Proxy))
	if err != nil {
		return nil, fmt.Errorf("dial proxy: %w", err)
	}
	pc := NewProxyConn(raw)
	if err := pc.Handshake(target, cfg.ProxyHeaders, cfg.Timeout); err != nil {
		raw.Close()
		return nil, err
	}
	return pc, nil
}

// wsHostPort returns the dial target with the ws/wss default port
// filled in.
func wsHostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "wss" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}
