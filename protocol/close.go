// File: protocol/close.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Close-frame payload codec: 2-byte big-endian code plus optional
// UTF-8 reason.

package protocol

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

// CloseCode is the 16-bit status carried in a close frame payload.
type CloseCode uint16

// Close codes per RFC 6455 section 7.4.1.
const (
	CloseNormalClosure           CloseCode = 1000
	CloseGoingAway               CloseCode = 1001
	CloseProtocolError           CloseCode = 1002
	CloseUnacceptableData        CloseCode = 1003
	CloseNoStatusReceived        CloseCode = 1005
	CloseAbnormalClosure         CloseCode = 1006
	CloseDataInconsistentWithType CloseCode = 1007
	ClosePolicyViolation         CloseCode = 1008
	CloseMessageTooLarge         CloseCode = 1009
	CloseExtensionFailed         CloseCode = 1010
	CloseUnexpectedServerError   CloseCode = 1011
	CloseTLSHandshakeFailure     CloseCode = 1015
)

// Close payload errors.
var (
	ErrInvalidClosePayload = errors.New("close payload shorter than 2 bytes")
	ErrInvalidCloseCode    = errors.New("invalid close code")
	ErrInvalidCloseReason  = errors.New("close reason is not valid UTF-8")
	ErrUnsendableCloseCode = errors.New("close code must not be sent")
)

// CloseFrame is the decoded close payload.
type CloseFrame struct {
	Code   CloseCode
	Reason string
}

// Sendable reports whether the code may appear in an outgoing close
// frame. Codes below 1000 and 1004-1006 and 1015 are observation-only.
func (c CloseCode) Sendable() bool {
	switch c {
	case 1004, CloseNoStatusReceived, CloseAbnormalClosure, CloseTLSHandshakeFailure:
		return false
	}
	return c >= 1000 && c < 5000
}

// receivable reports whether a peer is allowed to put c on the wire.
// The 3000-4999 registered/private ranges pass as-is; the 1xxx range
// is filtered down to assigned, transmittable codes.
func (c CloseCode) receivable() bool {
	if c >= 3000 && c < 5000 {
		return true
	}
	return validPeerCode(c)
}

// validPeerCode filters the 1xxx range down to assigned codes.
func validPeerCode(c CloseCode) bool {
	switch c {
	case CloseNormalClosure, CloseGoingAway, CloseProtocolError,
		CloseUnacceptableData, CloseDataInconsistentWithType,
		ClosePolicyViolation, CloseMessageTooLarge,
		CloseExtensionFailed, CloseUnexpectedServerError, 1012, 1013, 1014:
		return true
	}
	return false
}

// DecodeClosePayload parses a received close frame payload.
// An empty payload reads as CloseNoStatusReceived with no reason.
func DecodeClosePayload(p []byte) (*CloseFrame, error) {
	if len(p) == 0 {
		return &CloseFrame{Code: CloseNoStatusReceived}, nil
	}
	if len(p) == 1 {
		return nil, ErrInvalidClosePayload
	}
	code := CloseCode(binary.BigEndian.Uint16(p))
	if !code.receivable() {
		return nil, ErrInvalidCloseCode
	}
	reason := p[2:]
	if !utf8.Valid(reason) {
		return nil, ErrInvalidCloseReason
	}
	return &CloseFrame{Code: code, Reason: string(reason)}, nil
}

// EncodePayload serializes the close frame for sending. The combined
// payload must fit the control-frame cap, so overly long reasons are
// truncated at a rune boundary.
func (cf *CloseFrame) EncodePayload() ([]byte, error) {
	if !cf.Code.Sendable() {
		return nil, ErrUnsendableCloseCode
	}
	reason := cf.Reason
	if len(reason) > MaxControlPayload-2 {
		reason = truncateUTF8(reason, MaxControlPayload-2)
	}
	p := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(p, uint16(cf.Code))
	copy(p[2:], reason)
	return p, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// CloseCodeFor maps a protocol-layer error onto the close code the
// connection should report before shutting down.
func CloseCodeFor(err error) CloseCode {
	switch {
	case errors.Is(err, ErrFrameTooLarge):
		return CloseMessageTooLarge
	case errors.Is(err, ErrMessageTooLarge):
		return CloseMessageTooLarge
	case errors.Is(err, ErrInvalidUTF8):
		return CloseDataInconsistentWithType
	default:
		return CloseProtocolError
	}
}
