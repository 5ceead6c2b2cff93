// File: protocol/handshake.go
// Package protocol implements the client half of the HTTP/1.1 Upgrade
// handshake: request generation and strict 101-response validation.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	MaxHandshakeHeadersSize  = 8192
	HeaderConnection         = "Connection"
	HeaderUpgrade            = "Upgrade"
	HeaderSecWebSocketKey    = "Sec-WebSocket-Key"
	HeaderSecWebSocketVer    = "Sec-WebSocket-Version"
	HeaderSecWebSocketAccept = "Sec-WebSocket-Accept"
	HeaderSecWebSocketExt    = "Sec-WebSocket-Extensions"
	RequiredWebSocketVersion = "13"
)

// Handshake validation errors.
var (
	ErrUpgradeDeclined       = fmt.Errorf("server declined the WebSocket upgrade")
	ErrInvalidUpgradeHeaders = fmt.Errorf("invalid WebSocket upgrade headers")
	ErrAcceptMismatch        = fmt.Errorf("Sec-WebSocket-Accept mismatch")
	ErrUnsupportedScheme     = fmt.Errorf("URL scheme must be ws or wss")
)

// reservedHeaders are produced by the handshake itself and cannot be
// overridden by user-supplied additional headers.
var reservedHeaders = []string{
	"Host", "Origin", HeaderConnection, HeaderUpgrade,
	HeaderSecWebSocketVer, HeaderSecWebSocketKey,
}

// ClientHandshake produces one Upgrade request and validates the
// matching response.
type ClientHandshake struct {
	Key string

	path    string
	host    string
	origin  string
	offers  []string
	headers http.Header
}

// NewClientHandshake decomposes u, generates the 16-byte random key
// and prepares the request. Extension offers go out as one
// Sec-WebSocket-Extensions header each; extra headers are appended
// after them, with the reserved set filtered out.
func NewClientHandshake(u *url.URL, offers []string, extra http.Header) (*ClientHandshake, error) {
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, ErrUnsupportedScheme
	}
	key, err := generateKey()
	if err != nil {
		return nil, err
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	h := &ClientHandshake{
		Key:    key,
		path:   path,
		host:   u.Host,
		origin: u.Scheme + "://" + u.Hostname(),
		offers: offers,
	}
	if len(extra) > 0 {
		h.headers = make(http.Header, len(extra))
		for k, vs := range extra {
			if isReservedHeader(k) {
				continue
			}
			h.headers[http.CanonicalHeaderKey(k)] = vs
		}
	}
	return h, nil
}

// Request serializes the Upgrade request bytes.
func (h *ClientHandshake) Request() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", h.path)
	fmt.Fprintf(&b, "Host: %s\r\n", h.host)
	fmt.Fprintf(&b, "Origin: %s\r\n", h.origin)
	b.WriteString("Connection: upgrade\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderSecWebSocketVer, RequiredWebSocketVersion)
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderSecWebSocketKey, h.Key)
	for _, offer := range h.offers {
		fmt.Fprintf(&b, "%s: %s\r\n", HeaderSecWebSocketExt, offer)
	}
	for k, vs := range h.headers {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// ReadResponse reads and validates the server's handshake response
// from br, returning the parsed extension selections on success.
func (h *ClientHandshake) ReadResponse(br *bufio.Reader) ([]ExtensionEntry, error) {
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake read response: %w", err)
	}
	defer resp.Body.Close()
	if err := h.Validate(resp); err != nil {
		return nil, err
	}
	return ParseExtensionHeaders(resp.Header.Values(HeaderSecWebSocketExt)), nil
}

// Validate checks status, upgrade tokens and the accept hash.
func (h *ClientHandshake) Validate(resp *http.Response) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("%w: status %s", ErrUpgradeDeclined, resp.Status)
	}
	if !strings.EqualFold(resp.Header.Get(HeaderUpgrade), "websocket") ||
		!headerContainsToken(resp.Header, HeaderConnection, "upgrade") {
		return ErrInvalidUpgradeHeaders
	}
	if resp.Header.Get(HeaderSecWebSocketAccept) != ComputeAcceptKey(h.Key) {
		return ErrAcceptMismatch
	}
	total := 0
	for k, vs := range resp.Header {
		total += len(k)
		for _, v := range vs {
			total += len(v)
		}
		if total > MaxHandshakeHeadersSize {
			return fmt.Errorf("handshake headers too large")
		}
	}
	return nil
}

// ComputeAcceptKey computes the Sec-WebSocket-Accept value from the
// client's key per RFC 6455 section 1.3.
func ComputeAcceptKey(clientKey string) string {
	hash := sha1.Sum([]byte(clientKey + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// generateKey returns 16 random bytes, base64-encoded.
func generateKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("handshake key generation: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

func isReservedHeader(name string) bool {
	for _, r := range reservedHeaders {
		if strings.EqualFold(name, r) {
			return true
		}
	}
	return false
}

// headerContainsToken checks if headerName contains the given token,
// case-insensitive.
func headerContainsToken(h http.Header, headerName, token string) bool {
	vals := h[http.CanonicalHeaderKey(headerName)]
	token = strings.ToLower(token)
	for _, v := range vals {
		parts := strings.Split(v, ",")
		for _, p := range parts {
			if strings.ToLower(strings.TrimSpace(p)) == token {
				return true
			}
		}
	}
	return false
}
