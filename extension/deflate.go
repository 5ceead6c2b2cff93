// File: extension/deflate.go
// Package extension implements permessage-deflate (RFC 7692).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Whole messages are compressed, not individual frames: the receive
// path collects a compressed message's fragments, restores the
// stripped 0x00 0x00 0xFF 0xFF trailer and inflates in one pass.
// Context takeover is emulated on the inflate side by carrying the
// trailing window of decompressed history as the dictionary for the
// next message.

package extension

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/momentics/wsclient/protocol"
)

// DeflateExtensionName is the RFC 7692 extension token.
const DeflateExtensionName = "permessage-deflate"

// Negotiation parameter names.
const (
	paramServerNoContextTakeover = "server_no_context_takeover"
	paramClientNoContextTakeover = "client_no_context_takeover"
	paramServerMaxWindowBits     = "server_max_window_bits"
	paramClientMaxWindowBits     = "client_max_window_bits"
)

// DefaultMaxDecompressedSize bounds a single inflated message.
const DefaultMaxDecompressedSize = 16 << 20 // 16 MiB

// deflateTail is the trailer stripped from every compressed message,
// followed by a final empty stored block so the inflater terminates
// at a clean stream end.
var deflateTail = []byte{0x00, 0x00, 0xFF, 0xFF, 0x01, 0x00, 0x00, 0xFF, 0xFF}

// Deflate errors.
var (
	ErrRsvOnContinuation    = errors.New("RSV1 set on continuation frame")
	ErrDecompressedTooLarge = errors.New("decompressed message exceeds maximum size")
	ErrInvalidWindowBits    = errors.New("window bits must be between 9 and 15")
)

// DeflateParams carries the negotiated permessage-deflate settings.
type DeflateParams struct {
	// ClientMaxWindowBits sizes our compressor window (9..15).
	// 0 offers the parameter without a value, letting the server pick.
	ClientMaxWindowBits int

	// ServerMaxWindowBits sizes the server's compressor and therefore
	// our inflate dictionary (9..15). 0 accepts the default of 15.
	ServerMaxWindowBits int

	// ClientNoContextTakeover resets our compressor every message.
	ClientNoContextTakeover bool

	// ServerNoContextTakeover demands the server reset per message.
	ServerNoContextTakeover bool

	// MaxDecompressedSize bounds one inflated message.
	MaxDecompressedSize int64

	// Level is the flate compression level.
	Level int
}

// DeflateBuilder offers permessage-deflate during the handshake and
// builds the active extension from the server's selection.
type DeflateBuilder struct {
	Params DeflateParams
}

// NewDeflateBuilder returns a builder with default parameters.
func NewDeflateBuilder() *DeflateBuilder {
	return &DeflateBuilder{Params: DeflateParams{
		MaxDecompressedSize: DefaultMaxDecompressedSize,
		Level:               flate.DefaultCompression,
	}}
}

// Name implements Builder.
func (b *DeflateBuilder) Name() string { return DeflateExtensionName }

// Offer implements Builder. client_max_window_bits is always offered
// so the server may size our window down.
func (b *DeflateBuilder) Offer() string {
	var sb strings.Builder
	sb.WriteString(DeflateExtensionName)
	sb.WriteString("; " + paramClientMaxWindowBits)
	if b.Params.ClientMaxWindowBits != 0 {
		fmt.Fprintf(&sb, "=%d", b.Params.ClientMaxWindowBits)
	}
	if b.Params.ServerMaxWindowBits != 0 {
		fmt.Fprintf(&sb, "; %s=%d", paramServerMaxWindowBits, b.Params.ServerMaxWindowBits)
	}
	if b.Params.ClientNoContextTakeover {
		sb.WriteString("; " + paramClientNoContextTakeover)
	}
	if b.Params.ServerNoContextTakeover {
		sb.WriteString("; " + paramServerNoContextTakeover)
	}
	return sb.String()
}

// Build implements Builder, folding the server's selected parameters
// over the offered ones.
func (b *DeflateBuilder) Build(entry *protocol.ExtensionEntry) (Extension, error) {
	if entry == nil {
		return nil, nil
	}
	params := b.Params
	if params.MaxDecompressedSize == 0 {
		params.MaxDecompressedSize = DefaultMaxDecompressedSize
	}
	for name, value := range entry.Params {
		switch name {
		case paramServerNoContextTakeover:
			params.ServerNoContextTakeover = true
		case paramClientNoContextTakeover:
			params.ClientNoContextTakeover = true
		case paramServerMaxWindowBits:
			bits, err := parseWindowBits(value)
			if err != nil {
				return nil, err
			}
			params.ServerMaxWindowBits = bits
		case paramClientMaxWindowBits:
			// The server may answer our valueless offer with a
			// concrete window size for our compressor.
			if value != "" {
				bits, err := parseWindowBits(value)
				if err != nil {
					return nil, err
				}
				params.ClientMaxWindowBits = bits
			}
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownParameter, name)
		}
	}
	if params.ServerMaxWindowBits == 0 {
		params.ServerMaxWindowBits = 15
	}
	if params.ClientMaxWindowBits == 0 {
		params.ClientMaxWindowBits = 15
	}
	return newDeflate(params)
}

func parseWindowBits(value string) (int, error) {
	bits, err := strconv.Atoi(value)
	if err != nil || bits < 9 || bits > 15 {
		return 0, ErrInvalidWindowBits
	}
	return bits, nil
}

// Deflate is the active permessage-deflate extension bound to one
// connection. It owns RSV1 and both compression windows.
type Deflate struct {
	params DeflateParams

	// Send side.
	wbuf bytes.Buffer
	fw   *flate.Writer

	// Receive side.
	collecting bool
	msgOpcode  byte
	rbuf       bytes.Buffer
	fr         io.ReadCloser
	dict       []byte
}

func newDeflate(params DeflateParams) (*Deflate, error) {
	d := &Deflate{params: params}
	var fw *flate.Writer
	var err error
	if params.ClientMaxWindowBits < 15 {
		// A reduced window was negotiated for our compressor.
		fw, err = flate.NewWriterWindow(&d.wbuf, 1<<params.ClientMaxWindowBits)
	} else {
		fw, err = flate.NewWriter(&d.wbuf, params.Level)
	}
	if err != nil {
		return nil, fmt.Errorf("deflate writer: %w", err)
	}
	d.fw = fw
	return d, nil
}

// Name implements Extension.
func (d *Deflate) Name() string { return DeflateExtensionName }

// Rsv implements Extension: permessage-deflate owns RSV1.
func (d *Deflate) Rsv() byte { return protocol.Rsv1Bit }

// Params returns the negotiated parameter set.
func (d *Deflate) Params() DeflateParams { return d.params }

// ProcessIncoming collects compressed message fragments and emits one
// decompressed whole-message frame at the FIN boundary. Uncompressed
// messages and control frames pass through untouched.
func (d *Deflate) ProcessIncoming(f *protocol.Frame) (*protocol.Frame, error) {
	if f.IsControl() {
		return f, nil
	}
	if f.Opcode == protocol.OpcodeContinuation {
		if f.Rsv1 {
			return nil, ErrRsvOnContinuation
		}
		if !d.collecting {
			return f, nil
		}
	} else {
		if !f.Rsv1 {
			return f, nil
		}
		d.collecting = true
		d.msgOpcode = f.Opcode
		d.rbuf.Reset()
	}

	d.rbuf.Write(f.Payload)
	if !f.Fin {
		return nil, nil
	}

	payload, err := d.inflateMessage()
	d.collecting = false
	if err != nil {
		return nil, err
	}
	return &protocol.Frame{Fin: true, Opcode: d.msgOpcode, Payload: payload}, nil
}

// inflateMessage restores the stripped trailer and inflates the
// collected message with the negotiated server window.
func (d *Deflate) inflateMessage() ([]byte, error) {
	d.rbuf.Write(deflateTail)
	src := bytes.NewReader(d.rbuf.Bytes())

	if d.fr == nil {
		d.fr = flate.NewReaderDict(src, d.dict)
	} else if err := d.fr.(flate.Resetter).Reset(src, d.dict); err != nil {
		return nil, fmt.Errorf("inflate reset: %w", err)
	}

	limit := d.params.MaxDecompressedSize
	out, err := io.ReadAll(io.LimitReader(d.fr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, ErrDecompressedTooLarge
	}

	if d.params.ServerNoContextTakeover {
		d.dict = nil
	} else {
		d.dict = slideWindow(d.dict, out, 1<<d.params.ServerMaxWindowBits)
	}
	return out, nil
}

// slideWindow appends out to the history and keeps the trailing
// window bytes.
func slideWindow(dict, out []byte, window int) []byte {
	if len(out) >= window {
		return append(dict[:0], out[len(out)-window:]...)
	}
	dict = append(dict, out...)
	if len(dict) > window {
		dict = append(dict[:0], dict[len(dict)-window:]...)
	}
	return dict
}

// ProcessOutgoing compresses a whole outbound message, strips the
// trailer and raises RSV1. The writer fragments the result afterwards,
// so RSV1 ends up on the first frame only.
func (d *Deflate) ProcessOutgoing(f *protocol.Frame) (*protocol.Frame, error) {
	if f.IsControl() {
		return f, nil
	}

	d.wbuf.Reset()
	if d.params.ClientNoContextTakeover {
		d.fw.Reset(&d.wbuf)
	}
	if _, err := d.fw.Write(f.Payload); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := d.fw.Flush(); err != nil {
		return nil, fmt.Errorf("deflate flush: %w", err)
	}

	out := d.wbuf.Bytes()
	if n := len(out); n >= 4 && bytes.Equal(out[n-4:], deflateTail[:4]) {
		out = out[:n-4]
	}
	payload := make([]byte, len(out))
	copy(payload, out)
	if len(payload) == 0 {
		// An empty flush compresses to nothing once the trailer is
		// stripped; a single empty stored block keeps the peer's
		// inflater in sync.
		payload = []byte{0x00}
	}

	return &protocol.Frame{Fin: true, Rsv1: true, Opcode: f.Opcode, Payload: payload}, nil
}

// Shutdown implements Extension, releasing both windows.
func (d *Deflate) Shutdown() {
	d.fw.Close()
	if d.fr != nil {
		d.fr.Close()
	}
	d.dict = nil
}

// CloseCodeFor maps an extension failure onto the close code reported
// to the peer.
func CloseCodeFor(err error) protocol.CloseCode {
	switch {
	case errors.Is(err, ErrDecompressedTooLarge):
		return protocol.CloseMessageTooLarge
	case errors.Is(err, ErrRsvOnContinuation):
		return protocol.CloseProtocolError
	default:
		return protocol.CloseExtensionFailed
	}
}
