// File: protocol/statemachine.go
// Package protocol implements the connection state machine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The machine is an explicit enum FSM: every input produces a Step the
// connection core executes. Inputs are strictly serial; the core holds
// its lock across each call. The machine itself performs no I/O.

package protocol

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/momentics/wsclient/api"
)

// PingNonceSize is the payload length of automatic pings.
const PingNonceSize = 16

// StepAction tells the connection core what to do after an input.
type StepAction int

const (
	// ActionNone requires nothing from the core.
	ActionNone StepAction = iota

	// ActionSendClose writes Step.Close. The core arms the close
	// timeout only when it then waits for the peer's echo.
	ActionSendClose

	// ActionSendPing writes a ping frame carrying Step.Ping.
	ActionSendPing

	// ActionSendPong writes a pong frame carrying Step.Pong.
	ActionSendPong

	// ActionWait leaves an outstanding ping waiting for its pong.
	ActionWait

	// ActionCloseConnection sends Step.Close and tears the transport
	// down; the peer did not answer a ping in time.
	ActionCloseConnection

	// ActionStop ends the ping scheduler; the connection left Open.
	ActionStop
)

// Step is the output of one state machine input.
type Step struct {
	Action StepAction
	Close  *CloseFrame
	Ping   []byte
	Pong   []byte
}

// StateMachine governs open/closing/closed transitions, ping/pong
// bookkeeping and close-frame reporting for one connection.
type StateMachine struct {
	state            api.ConnState
	initiatedLocally bool
	sentClose        *CloseFrame
	observed         *CloseFrame

	// pingNonce is refilled in place for every automatic ping; the
	// buffer is reused, never reallocated.
	pingNonce       [PingNonceSize]byte
	pingOutstanding bool
	lastPing        time.Time
}

// NewStateMachine returns a machine in the Open state.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: api.StateOpen}
}

// State returns the current connection state.
func (m *StateMachine) State() api.ConnState {
	return m.state
}

// InitiatedLocally reports whether the close handshake started on our
// side. Only meaningful once the state left Open.
func (m *StateMachine) InitiatedLocally() bool {
	return m.initiatedLocally
}

// Observed returns the close frame received from the peer, if any.
func (m *StateMachine) Observed() *CloseFrame {
	return m.observed
}

// SentClose returns the close frame this side put on the wire, if any.
func (m *StateMachine) SentClose() *CloseFrame {
	return m.sentClose
}

// Close handles a locally initiated close. Only the first close in
// either direction produces a frame; later calls are no-ops.
func (m *StateMachine) Close(cf *CloseFrame) Step {
	if m.state != api.StateOpen {
		return Step{Action: ActionNone}
	}
	m.state = api.StateClosing
	m.initiatedLocally = true
	m.sentClose = cf
	return Step{Action: ActionSendClose, Close: cf}
}

// ReceivedClose handles the peer's close frame. From Open the frame is
// answered with a normal-closure echo; from Closing it completes the
// handshake we started. The first frame seen is the one reported.
func (m *StateMachine) ReceivedClose(cf *CloseFrame) Step {
	switch m.state {
	case api.StateOpen:
		m.state = api.StateClosed
		m.observed = cf
		echo := &CloseFrame{Code: CloseNormalClosure}
		m.sentClose = echo
		return Step{Action: ActionSendClose, Close: echo}
	case api.StateClosing:
		m.state = api.StateClosed
		if m.observed == nil {
			m.observed = cf
		}
		return Step{Action: ActionNone}
	default:
		return Step{Action: ActionNone}
	}
}

// PingTick is the automatic ping scheduler input, called once per
// configured period. An unanswered ping surviving a full period means
// the peer is gone and the connection is torn down with 1011.
func (m *StateMachine) PingTick(now time.Time, period time.Duration) (Step, error) {
	if m.state != api.StateOpen {
		return Step{Action: ActionStop}, nil
	}
	if m.pingOutstanding {
		if now.Sub(m.lastPing) < period {
			return Step{Action: ActionWait}, nil
		}
		m.state = api.StateClosing
		m.initiatedLocally = true
		cf := &CloseFrame{Code: CloseUnexpectedServerError, Reason: "no pong received"}
		m.sentClose = cf
		return Step{Action: ActionCloseConnection, Close: cf}, nil
	}
	if _, err := rand.Read(m.pingNonce[:]); err != nil {
		return Step{Action: ActionNone}, fmt.Errorf("ping nonce generation: %w", err)
	}
	m.pingOutstanding = true
	m.lastPing = now
	return Step{Action: ActionSendPing, Ping: m.pingNonce[:]}, nil
}

// ReceivedPong clears the outstanding ping when the payload matches.
// Unsolicited or stale pongs are ignored.
func (m *StateMachine) ReceivedPong(data []byte) {
	if m.state != api.StateOpen || !m.pingOutstanding {
		return
	}
	if len(data) != PingNonceSize {
		return
	}
	for i, b := range data {
		if m.pingNonce[i] != b {
			return
		}
	}
	m.pingOutstanding = false
}

// ReceivedPing answers a peer ping with a pong carrying the same
// payload. Pings arriving during or after the close handshake are
// ignored.
func (m *StateMachine) ReceivedPing(data []byte) Step {
	if m.state != api.StateOpen {
		return Step{Action: ActionNone}
	}
	return Step{Action: ActionSendPong, Pong: data}
}

// TransportLost forces the terminal state without a close frame, for
// I/O failures and unilateral remote closes.
func (m *StateMachine) TransportLost() {
	m.state = api.StateClosed
}
