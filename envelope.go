// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package relay

import (
	"errors"
	"strings"

	"github.com/wneessen/go-relay/smtp"
)

// ErrNoRecipients is returned when an Envelope is created without forward-paths
var ErrNoRecipients = errors.New("envelope has no recipients")

// Envelope is the unit of delivery: a reverse-path, an ordered list of forward-paths
// and the raw message. An empty reverse-path denotes the null sender used for bounces.
//
// An Envelope is immutable once created and can be sent any number of times.
type Envelope struct {
	from string
	to   []string
	body []byte
}

// NewEnvelope returns a new Envelope. The address list and the body are copied.
func NewEnvelope(from string, to []string, body []byte) (*Envelope, error) {
	if len(to) == 0 {
		return nil, ErrNoRecipients
	}
	if strings.ContainsAny(from, "\r\n") {
		return nil, &smtp.ProtocolError{Kind: smtp.InvalidInput, Command: "MAIL", Msg: "reverse-path contains a line break"}
	}
	for _, addr := range to {
		if addr == "" {
			return nil, &smtp.ProtocolError{Kind: smtp.InvalidInput, Command: "RCPT", Msg: "empty forward-path"}
		}
		if strings.ContainsAny(addr, "\r\n") {
			return nil, &smtp.ProtocolError{Kind: smtp.InvalidInput, Command: "RCPT", Msg: "forward-path contains a line break"}
		}
	}
	env := &Envelope{
		from: from,
		to:   make([]string, len(to)),
		body: make([]byte, len(body)),
	}
	copy(env.to, to)
	copy(env.body, body)
	return env, nil
}

// From returns the reverse-path
func (e *Envelope) From() string {
	return e.from
}

// To returns a copy of the forward-paths
func (e *Envelope) To() []string {
	to := make([]string, len(e.to))
	copy(to, e.to)
	return to
}

// Body returns a copy of the raw message
func (e *Envelope) Body() []byte {
	body := make([]byte, len(e.body))
	copy(body, e.body)
	return body
}

// Size returns the length of the raw message in bytes
func (e *Envelope) Size() int64 {
	return int64(len(e.body))
}

// needs8BitMIME reports whether the body contains bytes outside of 7-bit ASCII
func (e *Envelope) needs8BitMIME() bool {
	for _, b := range e.body {
		if b >= 0x80 {
			return true
		}
	}
	return false
}

// needsSMTPUTF8 reports whether any address contains non-ASCII characters
func (e *Envelope) needsSMTPUTF8() bool {
	if !isASCII(e.from) {
		return true
	}
	for _, addr := range e.to {
		if !isASCII(addr) {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
