// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package smtp

import (
	"testing"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "Disconnected"},
		{StateConnected, "Connected"},
		{StateGreeted, "Greeted"},
		{StateSecured, "Secured"},
		{StateAuthenticated, "Authenticated"},
		{StateReady, "Ready"},
		{StateInTransaction, "InTransaction"},
		{StateClosed, "Closed"},
		{State(99), "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if tt.state.String() != tt.want {
				t.Errorf("expected: %s, got: %s", tt.want, tt.state)
			}
		})
	}
}

func TestState_accepts(t *testing.T) {
	tests := []struct {
		verb    string
		allowed []State
	}{
		{"EHLO", []State{StateConnected, StateGreeted, StateSecured}},
		{"STARTTLS", []State{StateGreeted}},
		{"AUTH", []State{StateGreeted, StateSecured}},
		{"MAIL", []State{StateReady}},
		{"RCPT", []State{StateInTransaction}},
		{"DATA", []State{StateInTransaction}},
		{"RSET", []State{StateGreeted, StateSecured, StateAuthenticated, StateReady, StateInTransaction}},
		{"NOOP", []State{StateConnected, StateGreeted, StateSecured, StateAuthenticated, StateReady, StateInTransaction}},
		{"QUIT", []State{StateConnected, StateGreeted, StateSecured, StateAuthenticated, StateReady, StateInTransaction}},
		{"VRFY", nil},
	}
	all := []State{
		StateDisconnected, StateConnected, StateGreeted, StateSecured, StateAuthenticated, StateReady,
		StateInTransaction, StateClosed,
	}
	for _, tt := range tests {
		t.Run(tt.verb, func(t *testing.T) {
			allowed := make(map[State]bool)
			for _, s := range tt.allowed {
				allowed[s] = true
			}
			for _, s := range all {
				if got := s.accepts(tt.verb); got != allowed[s] {
					t.Errorf("%s in state %s: expected accepts=%t, got: %t", tt.verb, s, allowed[s], got)
				}
			}
		})
	}
}

func TestState_next(t *testing.T) {
	tests := []struct {
		name      string
		from      State
		verb      string
		encrypted bool
		want      State
	}{
		{"EHLO on plaintext", StateConnected, "EHLO", false, StateGreeted},
		{"EHLO on TLS", StateConnected, "EHLO", true, StateSecured},
		{"HELO on plaintext", StateConnected, "HELO", false, StateGreeted},
		{"STARTTLS drops back to connected", StateGreeted, "STARTTLS", true, StateConnected},
		{"AUTH", StateSecured, "AUTH", true, StateAuthenticated},
		{"MAIL opens the transaction", StateReady, "MAIL", false, StateInTransaction},
		{"RCPT stays in transaction", StateInTransaction, "RCPT", false, StateInTransaction},
		{"DATA ends the transaction", StateInTransaction, "DATA", false, StateReady},
		{"RSET ends the transaction", StateInTransaction, "RSET", false, StateReady},
		{"RSET before the transaction", StateGreeted, "RSET", false, StateGreeted},
		{"NOOP keeps the state", StateReady, "NOOP", false, StateReady},
		{"QUIT closes", StateReady, "QUIT", false, StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.next(tt.verb, tt.encrypted); got != tt.want {
				t.Errorf("expected: %s, got: %s", tt.want, got)
			}
		})
	}
}

func TestState_ready(t *testing.T) {
	for _, s := range []State{StateGreeted, StateSecured, StateAuthenticated, StateReady} {
		if next, ok := s.ready(); !ok || next != StateReady {
			t.Errorf("expected %s to become Ready, got: %s/%t", s, next, ok)
		}
	}
	for _, s := range []State{StateDisconnected, StateConnected, StateInTransaction, StateClosed} {
		if next, ok := s.ready(); ok || next != s {
			t.Errorf("expected %s to be refused, got: %s/%t", s, next, ok)
		}
	}
}
