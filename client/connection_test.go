// Copyright 2025 momentics@gmail.com
// License: Apache 2.0

// connection_test.go — connection core over the fake transport:
// routing, masking, control frames and the close handshake.
package client

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/momentics/wsclient/api"
	"github.com/momentics/wsclient/extension"
	"github.com/momentics/wsclient/fake"
	"github.com/momentics/wsclient/protocol"
)

func newTestConn(t *testing.T, cfg Config) (*Conn, *fake.Transport) {
	t.Helper()
	ft := fake.NewTransport()
	pipe, err := extension.Negotiate(cfg.Extensions, nil)
	if err != nil {
		t.Fatal(err)
	}
	conn := newConn(ft, ft, pipe, cfg)
	go conn.run()
	return conn, ft
}

// serverFrame encodes an unmasked server-originated frame.
func serverFrame(t *testing.T, f *protocol.Frame) []byte {
	t.Helper()
	b, err := protocol.EncodeFrame(f, false)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// sentFrames decodes every client frame written to the transport.
func sentFrames(t *testing.T, ft *fake.Transport) []*protocol.Frame {
	t.Helper()
	d := protocol.Decoder{ExpectMasked: true, AllowedRsv: protocol.RsvMask}
	d.Feed(ft.SentData())
	var frames []*protocol.Frame
	for {
		f, err := d.Next()
		if err != nil {
			t.Fatal(err)
		}
		if f == nil {
			return frames
		}
		frames = append(frames, f)
	}
}

func recvMessage(t *testing.T, conn *Conn) api.Message {
	t.Helper()
	select {
	case msg, ok := <-conn.Inbound():
		if !ok {
			t.Fatal("inbound stream ended")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return api.Message{}
}

func TestConnInboundMessage(t *testing.T) {
	conn, ft := newTestConn(t, DefaultConfig())
	defer conn.abort(api.ErrConnectionClosed)

	ft.AddRecvData(serverFrame(t, &protocol.Frame{Fin: true, Opcode: protocol.OpcodeText, Payload: []byte("hello")}))
	msg := recvMessage(t, conn)
	if msg.Type != api.TextMessage || msg.Text() != "hello" {
		t.Fatalf("message %+v", msg)
	}
}

func TestConnOutboundMasked(t *testing.T) {
	conn, ft := newTestConn(t, DefaultConfig())
	defer conn.abort(api.ErrConnectionClosed)

	if err := conn.Writer().Text("hi"); err != nil {
		t.Fatal(err)
	}
	frames := sentFrames(t, ft)
	if len(frames) != 1 {
		t.Fatalf("%d frames", len(frames))
	}
	f := frames[0]
	if !f.Masked || !f.Fin || f.Opcode != protocol.OpcodeText || string(f.Payload) != "hi" {
		t.Fatalf("frame %+v", f)
	}
}

func TestConnAnswersPing(t *testing.T) {
	conn, ft := newTestConn(t, DefaultConfig())
	defer conn.abort(api.ErrConnectionClosed)

	ft.AddRecvData(serverFrame(t, &protocol.Frame{Fin: true, Opcode: protocol.OpcodePing, Payload: []byte("probe")}))
	if !ft.WaitSent(2, 2*time.Second) {
		t.Fatal("no pong written")
	}
	frames := sentFrames(t, ft)
	if len(frames) != 1 || frames[0].Opcode != protocol.OpcodePong || string(frames[0].Payload) != "probe" {
		t.Fatalf("frames %+v", frames)
	}
}

func TestConnCloseHandshake(t *testing.T) {
	conn, ft := newTestConn(t, DefaultConfig())

	if err := conn.Writer().Close(uint16(protocol.CloseNormalClosure), "bye"); err != nil {
		t.Fatal(err)
	}
	if err := conn.Writer().Text("late"); !errors.Is(err, api.ErrWriteAfterClose) {
		t.Fatalf("write after close: %v", err)
	}

	ft.AddRecvData(serverFrame(t, &protocol.Frame{Fin: true, Opcode: protocol.OpcodeClose, Payload: []byte{0x03, 0xE8}}))
	cf := conn.AwaitClose(2 * time.Second)
	if cf == nil || cf.Code != protocol.CloseNormalClosure {
		t.Fatalf("close frame %+v", cf)
	}
	if _, ok := <-conn.Inbound(); ok {
		t.Fatal("inbound stream still open")
	}
	if conn.State() != api.StateClosed {
		t.Fatalf("state %v", conn.State())
	}
}

func TestConnEchoesPeerClose(t *testing.T) {
	conn, ft := newTestConn(t, DefaultConfig())

	ft.AddRecvData(serverFrame(t, &protocol.Frame{Fin: true, Opcode: protocol.OpcodeClose, Payload: []byte{0x03, 0xE9}}))
	cf := conn.AwaitClose(2 * time.Second)
	if cf == nil || cf.Code != protocol.CloseGoingAway {
		t.Fatalf("observed %+v", cf)
	}

	frames := sentFrames(t, ft)
	if len(frames) != 1 || frames[0].Opcode != protocol.OpcodeClose {
		t.Fatalf("frames %+v", frames)
	}
	echo, err := protocol.DecodeClosePayload(frames[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if echo.Code != protocol.CloseNormalClosure {
		t.Errorf("echo code %d", echo.Code)
	}
	if !ft.Closed() {
		t.Error("transport left open")
	}
}

func TestConnFragmentedInbound(t *testing.T) {
	conn, ft := newTestConn(t, DefaultConfig())
	defer conn.abort(api.ErrConnectionClosed)

	ft.AddRecvData(serverFrame(t, &protocol.Frame{Opcode: protocol.OpcodeText, Payload: []byte("he")}))
	// A control frame interleaves without breaking the sequence.
	ft.AddRecvData(serverFrame(t, &protocol.Frame{Fin: true, Opcode: protocol.OpcodePing, Payload: []byte("p")}))
	ft.AddRecvData(serverFrame(t, &protocol.Frame{Fin: true, Opcode: protocol.OpcodeContinuation, Payload: []byte("llo")}))

	msg := recvMessage(t, conn)
	if msg.Text() != "hello" {
		t.Fatalf("message %q", msg.Text())
	}
}

func TestConnProtocolErrorFailsConnection(t *testing.T) {
	conn, ft := newTestConn(t, DefaultConfig())

	// A masked server frame is a protocol violation.
	masked, err := protocol.EncodeFrame(&protocol.Frame{Fin: true, Opcode: protocol.OpcodeText, Payload: []byte("x")}, true)
	if err != nil {
		t.Fatal(err)
	}
	ft.AddRecvData(masked)

	if _, ok := <-conn.Inbound(); ok {
		t.Fatal("message delivered from failed connection")
	}
	<-conn.done

	frames := sentFrames(t, ft)
	if len(frames) != 1 || frames[0].Opcode != protocol.OpcodeClose {
		t.Fatalf("frames %+v", frames)
	}
	cf, err := protocol.DecodeClosePayload(frames[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if cf.Code != protocol.CloseProtocolError {
		t.Errorf("close code %d", cf.Code)
	}
	if conn.Err() == nil {
		t.Error("terminal error not recorded")
	}
	if err := conn.Writer().Text("x"); err == nil {
		t.Error("write succeeded on failed connection")
	}
}

func TestConnOversizedFrameCloses1009(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFrameSize = 8
	conn, ft := newTestConn(t, cfg)

	ft.AddRecvData(serverFrame(t, &protocol.Frame{Fin: true, Opcode: protocol.OpcodeBinary, Payload: bytes.Repeat([]byte{1}, 64)}))
	<-conn.done

	frames := sentFrames(t, ft)
	if len(frames) != 1 {
		t.Fatalf("frames %+v", frames)
	}
	cf, err := protocol.DecodeClosePayload(frames[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if cf.Code != protocol.CloseMessageTooLarge {
		t.Errorf("close code %d", cf.Code)
	}
}

func TestConnInvalidUTF8Closes1007(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ValidateUTF8 = true
	conn, ft := newTestConn(t, cfg)

	ft.AddRecvData(serverFrame(t, &protocol.Frame{Fin: true, Opcode: protocol.OpcodeText, Payload: []byte{0xFF, 0xFE}}))
	<-conn.done

	frames := sentFrames(t, ft)
	if len(frames) != 1 {
		t.Fatalf("frames %+v", frames)
	}
	cf, err := protocol.DecodeClosePayload(frames[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if cf.Code != protocol.CloseDataInconsistentWithType {
		t.Errorf("close code %d", cf.Code)
	}
}

func TestConnOutboundFragmentation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFrameSize = 4
	conn, ft := newTestConn(t, cfg)
	defer conn.abort(api.ErrConnectionClosed)

	if err := conn.Writer().Binary([]byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	frames := sentFrames(t, ft)
	if len(frames) != 3 {
		t.Fatalf("%d frames", len(frames))
	}
	if frames[0].Opcode != protocol.OpcodeBinary || frames[0].Fin {
		t.Errorf("first fragment %+v", frames[0])
	}
	if frames[1].Opcode != protocol.OpcodeContinuation || frames[1].Fin {
		t.Errorf("middle fragment %+v", frames[1])
	}
	if frames[2].Opcode != protocol.OpcodeContinuation || !frames[2].Fin {
		t.Errorf("last fragment %+v", frames[2])
	}
	var joined []byte
	for _, f := range frames {
		joined = append(joined, f.Payload...)
	}
	if string(joined) != "0123456789" {
		t.Errorf("joined %q", joined)
	}
}

func TestConnTransportLoss(t *testing.T) {
	conn, ft := newTestConn(t, DefaultConfig())

	ft.EndRecv()
	<-conn.done
	if !errors.Is(conn.Err(), ErrAbnormalClosure) {
		t.Fatalf("err %v", conn.Err())
	}
	if cf := conn.AwaitClose(time.Second); cf != nil {
		t.Errorf("close frame from dead transport: %+v", cf)
	}
}

func TestConnAutoPing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoPingPeriod = 50 * time.Millisecond
	ft := fake.NewTransport()
	pipe, _ := extension.Negotiate(nil, nil)
	conn := newConn(ft, ft, pipe, cfg)
	go conn.run()
	go conn.pingLoop(cfg.AutoPingPeriod)
	defer conn.abort(api.ErrConnectionClosed)

	// Answer each ping like a live peer; after several rounds the
	// connection must still be open.
	deadline := time.Now().Add(2 * time.Second)
	answered := 0
	seen := 0
	for answered < 5 && time.Now().Before(deadline) {
		for _, f := range sentFrames(t, ft) {
			seen++
			if seen <= answered {
				continue
			}
			if f.Opcode != protocol.OpcodePing || len(f.Payload) != protocol.PingNonceSize {
				t.Fatalf("frame %+v", f)
			}
			ft.AddRecvData(serverFrame(t, &protocol.Frame{Fin: true, Opcode: protocol.OpcodePong, Payload: f.Payload}))
			answered++
		}
		seen = 0
		time.Sleep(time.Millisecond)
	}
	if answered < 5 {
		t.Fatalf("only %d pings answered", answered)
	}
	if conn.State() != api.StateOpen {
		t.Fatalf("state %v", conn.State())
	}
	if got := conn.Stats().PingsSent; got < 5 {
		t.Errorf("stats pings %d", got)
	}
}

func TestConnPingTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoPingPeriod = 5 * time.Millisecond
	ft := fake.NewTransport()
	pipe, _ := extension.Negotiate(nil, nil)
	conn := newConn(ft, ft, pipe, cfg)
	go conn.run()
	go conn.pingLoop(cfg.AutoPingPeriod)

	// Never answer; the scheduler must fail the connection with 1011.
	<-conn.done
	var closeFrame *protocol.CloseFrame
	for _, f := range sentFrames(t, ft) {
		if f.Opcode == protocol.OpcodeClose {
			var err error
			closeFrame, err = protocol.DecodeClosePayload(f.Payload)
			if err != nil {
				t.Fatal(err)
			}
		}
	}
	if closeFrame == nil || closeFrame.Code != protocol.CloseUnexpectedServerError {
		t.Fatalf("close frame %+v", closeFrame)
	}
}
