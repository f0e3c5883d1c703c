// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package smtp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoConnection is returned when attempting to perform an operation that requires an established
	// connection but none exists.
	ErrNoConnection = errors.New("connection is not established")
)

// TransportErrKind classifies a TransportError
type TransportErrKind int

const (
	// TransportConnect is a failure to establish the underlying byte stream
	TransportConnect TransportErrKind = iota
	// TransportIO is a read or write failure on an established stream
	TransportIO
	// TransportTimeout is an operation that exceeded its deadline
	TransportTimeout
)

// String satisfies the fmt.Stringer interface for the TransportErrKind type
func (k TransportErrKind) String() string {
	switch k {
	case TransportConnect:
		return "connect"
	case TransportIO:
		return "i/o"
	case TransportTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// TransportError is returned for connect, I/O and timeout failures. It is always
// fatal to the connection it occurred on.
type TransportError struct {
	Kind TransportErrKind
	Op   string
	Err  error
}

// Error satisfies the error interface for the TransportError type
func (e *TransportError) Error() string {
	if e.Kind == TransportTimeout {
		return fmt.Sprintf("smtp: %s timed out: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("smtp: %s failed: %s", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the TransportError was caused by an expired deadline
func (e *TransportError) Timeout() bool {
	return e.Kind == TransportTimeout
}

// Is compares the kind of two TransportErrors
func (e *TransportError) Is(target error) bool {
	var t *TransportError
	if errors.As(target, &t) && t != nil {
		return e.Kind == t.Kind
	}
	return false
}

// ProtocolErrKind classifies a ProtocolError
type ProtocolErrKind int

const (
	// Malformed is a server reply that does not follow the RFC 5321 reply syntax
	Malformed ProtocolErrKind = iota
	// UnexpectedReply is a well-formed reply with a code outside the expected set
	UnexpectedReply
	// InvalidInput is caller input that cannot be put on the wire safely
	InvalidInput
	// BadSequence is a command that is not allowed in the current session state
	BadSequence
)

// String satisfies the fmt.Stringer interface for the ProtocolErrKind type
func (k ProtocolErrKind) String() string {
	switch k {
	case Malformed:
		return "malformed reply"
	case UnexpectedReply:
		return "unexpected reply"
	case InvalidInput:
		return "invalid input"
	case BadSequence:
		return "bad command sequence"
	default:
		return "unknown"
	}
}

// ProtocolError describes a violation of the SMTP command/reply protocol. Malformed and
// UnexpectedReply errors close the connection; InvalidInput and BadSequence are raised
// before anything is written and leave the connection untouched.
type ProtocolError struct {
	Kind    ProtocolErrKind
	Command string
	Reply   *Reply
	Msg     string
	Err     error
}

// Error satisfies the error interface for the ProtocolError type
func (e *ProtocolError) Error() string {
	var sb strings.Builder
	sb.WriteString("smtp: ")
	sb.WriteString(e.Kind.String())
	if e.Command != "" {
		sb.WriteString(" (")
		sb.WriteString(e.Command)
		sb.WriteString(")")
	}
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Reply != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Reply.String())
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error, if any
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is compares the kind of two ProtocolErrors
func (e *ProtocolError) Is(target error) bool {
	var t *ProtocolError
	if errors.As(target, &t) && t != nil {
		return e.Kind == t.Kind
	}
	return false
}

// TLSError wraps a failed TLS handshake or certificate verification. A connection that
// fails to upgrade is closed and never falls back to plaintext.
type TLSError struct {
	Err error
}

// Error satisfies the error interface for the TLSError type
func (e *TLSError) Error() string {
	return fmt.Sprintf("smtp: TLS negotiation failed: %s", e.Err)
}

// Unwrap returns the underlying error
func (e *TLSError) Unwrap() error {
	return e.Err
}

// AuthErrKind classifies an AuthError
type AuthErrKind int

const (
	// NoSupportedMechanism means no mechanism is both advertised and permitted
	NoSupportedMechanism AuthErrKind = iota
	// Rejected means the server answered the exchange with a 4xx or 5xx reply
	Rejected
	// Exchange means the mechanism itself could not continue the exchange
	Exchange
)

// String satisfies the fmt.Stringer interface for the AuthErrKind type
func (k AuthErrKind) String() string {
	switch k {
	case NoSupportedMechanism:
		return "no supported mechanism"
	case Rejected:
		return "rejected"
	case Exchange:
		return "exchange failed"
	default:
		return "unknown"
	}
}

// AuthError is returned when SMTP authentication fails
type AuthError struct {
	Kind       AuthErrKind
	Mechanism  string
	Advertised []string
	Reply      *Reply
	Err        error
}

// Error satisfies the error interface for the AuthError type
func (e *AuthError) Error() string {
	switch e.Kind {
	case NoSupportedMechanism:
		if len(e.Advertised) == 0 {
			return "smtp: AUTH: no supported mechanism, server does not advertise AUTH"
		}
		return fmt.Sprintf("smtp: AUTH: no supported mechanism, server offers: %s",
			strings.Join(e.Advertised, " "))
	case Rejected:
		return fmt.Sprintf("smtp: AUTH %s rejected: %s", e.Mechanism, e.Reply)
	default:
		return fmt.Sprintf("smtp: AUTH %s failed: %s", e.Mechanism, e.Err)
	}
}

// Unwrap returns the underlying error. For Rejected errors this is a *ReplyError.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is compares the kind of two AuthErrors
func (e *AuthError) Is(target error) bool {
	var t *AuthError
	if errors.As(target, &t) && t != nil {
		return e.Kind == t.Kind
	}
	return false
}

// ReplyError is a 4xx or 5xx reply to a command. The connection remains usable.
type ReplyError struct {
	Command string
	Reply   *Reply
}

// Error satisfies the error interface for the ReplyError type
func (e *ReplyError) Error() string {
	return fmt.Sprintf("smtp: %s rejected: %s", e.Command, e.Reply)
}

// Temporary reports whether the rejection is transient (4xx)
func (e *ReplyError) Temporary() bool {
	return e.Reply != nil && e.Reply.Transient()
}

// Permanent reports whether the rejection is permanent (5xx)
func (e *ReplyError) Permanent() bool {
	return e.Reply != nil && e.Reply.Permanent()
}

// Code returns the three-digit reply code
func (e *ReplyError) Code() int {
	if e.Reply == nil {
		return 0
	}
	return e.Reply.Code
}

// EnhancedCode returns the enhanced status code of the reply, if the server sent one
func (e *ReplyError) EnhancedCode() EnhancedCode {
	if e.Reply == nil {
		return EnhancedCode{}
	}
	return e.Reply.Enhanced
}
