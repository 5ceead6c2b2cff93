// Copyright 2025 momentics@gmail.com
// License: Apache 2.0

// handshake_test.go — client Upgrade request generation and response
// validation.
package protocol

import (
	"bufio"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

const sampleKey = "dGhlIHNhbXBsZSBub25jZQ=="

// TestComputeAcceptKey — the RFC 6455 section 1.3 sample vector.
func TestComputeAcceptKey(t *testing.T) {
	got := ComputeAcceptKey(sampleKey)
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("accept key mismatch: got %q, want %q", got, want)
	}
}

// TestRequestBytes — the emitted request carries the exact header
// sequence, host with port and origin without port.
func TestRequestBytes(t *testing.T) {
	u, err := url.Parse("ws://host:8080/ws")
	if err != nil {
		t.Fatal(err)
	}
	hs, err := NewClientHandshake(u, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	hs.Key = sampleKey

	want := "GET /ws HTTP/1.1\r\n" +
		"Host: host:8080\r\n" +
		"Origin: ws://host\r\n" +
		"Connection: upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"\r\n"
	if got := string(hs.Request()); got != want {
		t.Errorf("request mismatch:\ngot:\n%q\nwant:\n%q", got, want)
	}
}

// TestRequestExtras — query strings, extension offers and additional
// headers land in the request; reserved headers cannot be overridden.
func TestRequestExtras(t *testing.T) {
	u, _ := url.Parse("ws://example.com/chat?room=1")
	extra := http.Header{}
	extra.Set("Authorization", "Bearer tok")
	extra.Set("Upgrade", "h2c") // must be dropped
	hs, err := NewClientHandshake(u, []string{"permessage-deflate; client_max_window_bits"}, extra)
	if err != nil {
		t.Fatal(err)
	}
	req := string(hs.Request())

	for _, want := range []string{
		"GET /chat?room=1 HTTP/1.1\r\n",
		"Sec-WebSocket-Extensions: permessage-deflate; client_max_window_bits\r\n",
		"Authorization: Bearer tok\r\n",
	} {
		if !strings.Contains(req, want) {
			t.Errorf("request missing %q:\n%s", want, req)
		}
	}
	if strings.Contains(req, "h2c") {
		t.Error("reserved header was overridden")
	}
}

func TestRejectsNonWebSocketScheme(t *testing.T) {
	u, _ := url.Parse("http://example.com/")
	if _, err := NewClientHandshake(u, nil, nil); err != ErrUnsupportedScheme {
		t.Fatalf("got %v, want %v", err, ErrUnsupportedScheme)
	}
}

func readResponse(t *testing.T, raw string) *http.Response {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

// TestValidateResponse — accept hash, upgrade tokens and status are
// all enforced.
func TestValidateResponse(t *testing.T) {
	u, _ := url.Parse("ws://host:8080/ws")
	hs, err := NewClientHandshake(u, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	hs.Key = sampleKey

	ok := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n"
	if err := hs.Validate(readResponse(t, ok)); err != nil {
		t.Fatalf("valid response rejected: %v", err)
	}

	cases := []struct {
		name string
		raw  string
	}{
		{
			name: "non-101 status",
			raw:  "HTTP/1.1 200 OK\r\n\r\n",
		},
		{
			name: "wrong accept",
			raw: "HTTP/1.1 101 Switching Protocols\r\n" +
				"Upgrade: websocket\r\nConnection: Upgrade\r\n" +
				"Sec-WebSocket-Accept: bm90IHRoZSByaWdodCBoYXNo\r\n\r\n",
		},
		{
			name: "missing upgrade header",
			raw: "HTTP/1.1 101 Switching Protocols\r\n" +
				"Connection: Upgrade\r\n" +
				"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n",
		},
		{
			name: "connection without upgrade token",
			raw: "HTTP/1.1 101 Switching Protocols\r\n" +
				"Upgrade: websocket\r\nConnection: keep-alive\r\n" +
				"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := hs.Validate(readResponse(t, tc.raw)); err == nil {
				t.Error("expected validation failure")
			}
		})
	}
}

// TestReadResponseExtensions — selected extensions come back parsed.
func TestReadResponseExtensions(t *testing.T) {
	u, _ := url.Parse("ws://host/ws")
	hs, err := NewClientHandshake(u, []string{"permessage-deflate; client_max_window_bits"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	raw := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + ComputeAcceptKey(hs.Key) + "\r\n" +
		"Sec-WebSocket-Extensions: permessage-deflate; server_no_context_takeover\r\n\r\n"
	entries, err := hs.ReadResponse(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "permessage-deflate" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if !entries[0].Has("server_no_context_takeover") {
		t.Error("parameter missing")
	}
}
