// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package smtp

// State is the lifecycle state of a Client
type State int

const (
	// StateDisconnected is the zero state; no connection exists
	StateDisconnected State = iota
	// StateConnected means the byte stream exists but no EHLO has been answered since the
	// last change of the security state
	StateConnected
	// StateGreeted means EHLO succeeded on a plaintext connection
	StateGreeted
	// StateSecured means EHLO succeeded on an encrypted connection
	StateSecured
	// StateAuthenticated means SMTP AUTH completed
	StateAuthenticated
	// StateReady is the idle state between transactions
	StateReady
	// StateInTransaction means MAIL FROM was accepted and the transaction is open
	StateInTransaction
	// StateClosed is terminal
	StateClosed
)

// String satisfies the fmt.Stringer interface for the State type
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnected:
		return "Connected"
	case StateGreeted:
		return "Greeted"
	case StateSecured:
		return "Secured"
	case StateAuthenticated:
		return "Authenticated"
	case StateReady:
		return "Ready"
	case StateInTransaction:
		return "InTransaction"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Usable reports whether commands can still be sent in this state
func (s State) Usable() bool {
	return s != StateDisconnected && s != StateClosed
}

// accepts reports whether a command with the given verb may be sent in state s
func (s State) accepts(verb string) bool {
	switch verb {
	case "EHLO", "HELO":
		return s == StateConnected || s == StateGreeted || s == StateSecured
	case "STARTTLS":
		return s == StateGreeted
	case "AUTH":
		return s == StateGreeted || s == StateSecured
	case "MAIL":
		return s == StateReady
	case "RCPT", "DATA":
		return s == StateInTransaction
	case "RSET":
		return s >= StateGreeted && s <= StateInTransaction
	case "NOOP":
		return s >= StateConnected && s <= StateInTransaction
	case "QUIT":
		return s.Usable()
	default:
		return false
	}
}

// next returns the state that follows a successful reply to the verb. encrypted tells
// whether the underlying connection is using TLS.
func (s State) next(verb string, encrypted bool) State {
	switch verb {
	case "EHLO", "HELO":
		if encrypted {
			return StateSecured
		}
		return StateGreeted
	case "STARTTLS":
		return StateConnected
	case "AUTH":
		return StateAuthenticated
	case "MAIL", "RCPT":
		return StateInTransaction
	case "DATA":
		return StateReady
	case "RSET":
		if s == StateInTransaction {
			return StateReady
		}
		return s
	case "QUIT":
		return StateClosed
	default:
		return s
	}
}

// ready returns the state a fully negotiated session moves to
func (s State) ready() (State, bool) {
	switch s {
	case StateGreeted, StateSecured, StateAuthenticated, StateReady:
		return StateReady, true
	default:
		return s, false
	}
}
