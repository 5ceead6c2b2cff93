// File: client/client.go
// Package client provides the Connect entry point: dial, upgrade, run
// the application handler, then perform the close handshake.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/momentics/wsclient/api"
	"github.com/momentics/wsclient/extension"
	"github.com/momentics/wsclient/protocol"
	"github.com/momentics/wsclient/transport"
)

// Connect dials rawURL, performs the Upgrade handshake and runs
// handler over the open connection. When the handler returns with the
// connection still open, a normal-closure close handshake is
// performed on its behalf. The close frame observed from the peer is
// returned, if any.
//
// Handshake failures surface before the handler runs. A handler error
// is returned as-is; otherwise, when no close frame was observed, the
// terminal transport or protocol error, if one occurred, is returned.
func Connect(ctx context.Context, rawURL string, cfg Config, handler api.Handler) (*protocol.CloseFrame, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}

	conn, err := dialAndUpgrade(ctx, u, cfg)
	if err != nil {
		return nil, err
	}

	go conn.run()
	if cfg.AutoPingPeriod > 0 {
		go conn.pingLoop(cfg.AutoPingPeriod)
	}
	stopWatch := watchContext(ctx, conn)
	defer stopWatch()

	handlerErr := handler(ctx, conn.Inbound(), conn.Writer())

	// Close on the handler's behalf; a no-op if it already closed.
	conn.Writer().Close(uint16(protocol.CloseNormalClosure), "")
	closeFrame := conn.AwaitClose(cfg.CloseTimeout)

	if handlerErr != nil {
		return closeFrame, handlerErr
	}
	if closeFrame == nil {
		if err := conn.Err(); err != nil {
			return nil, err
		}
	}
	return closeFrame, nil
}

// dialAndUpgrade establishes the transport (direct or via proxy) and
// completes the Upgrade handshake, returning a ready connection.
func dialAndUpgrade(ctx context.Context, u *url.URL, cfg Config) (*Conn, error) {
	proxyURL, proxyHeaders, err := resolveProxy(u, cfg)
	if err != nil {
		return nil, err
	}

	tr, err := transport.Dial(ctx, u, transport.DialConfig{
		TLSConfig:    cfg.TLSConfig,
		SNIHostname:  cfg.SNIHostname,
		Proxy:        proxyURL,
		ProxyHeaders: proxyHeaders,
		Timeout:      cfg.HandshakeTimeout,
	})
	if err != nil {
		return nil, err
	}

	hs, err := protocol.NewClientHandshake(u, extension.Offers(cfg.Extensions), cfg.AdditionalHeaders)
	if err != nil {
		tr.Close()
		return nil, err
	}
	if cfg.HandshakeTimeout > 0 {
		deadline := time.Now().Add(cfg.HandshakeTimeout)
		tr.SetReadDeadline(deadline)
		tr.SetWriteDeadline(deadline)
	}
	if _, err := tr.Write(hs.Request()); err != nil {
		tr.Close()
		return nil, fmt.Errorf("handshake write: %w", err)
	}
	br := bufio.NewReader(tr)
	accepted, err := hs.ReadResponse(br)
	if err != nil {
		tr.Close()
		return nil, err
	}
	tr.SetReadDeadline(time.Time{})
	tr.SetWriteDeadline(time.Time{})

	pipe, err := extension.Negotiate(cfg.Extensions, accepted)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("extension negotiation: %w", err)
	}
	return newConn(tr, br, pipe, cfg), nil
}

// resolveProxy picks the proxy for this connection: the explicit
// configuration wins, then the environment when enabled.
func resolveProxy(u *url.URL, cfg Config) (*url.URL, http.Header, error) {
	if cfg.Proxy.URL != "" {
		purl, err := transport.ParseProxyURL(cfg.Proxy.URL)
		if err != nil {
			return nil, nil, err
		}
		var headers http.Header
		if len(cfg.Proxy.Headers) > 0 {
			headers = make(http.Header, len(cfg.Proxy.Headers))
			for k, v := range cfg.Proxy.Headers {
				headers.Set(k, v)
			}
		}
		return purl, headers, nil
	}
	if cfg.ReadProxyEnvironmentVariables {
		purl, err := transport.ProxyFromEnvironment(u.Scheme, u.Hostname())
		if err != nil {
			return nil, nil, err
		}
		return purl, nil, nil
	}
	return nil, nil, nil
}

// watchContext aborts the connection when ctx is cancelled, so the
// handler observes stream termination and writer failure.
func watchContext(ctx context.Context, conn *Conn) func() {
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.abort(ctx.Err())
		case <-conn.done:
		case <-stopped:
		}
	}()
	return func() { close(stopped) }
}
