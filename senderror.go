// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package relay

import (
	"errors"
	"strings"

	"github.com/wneessen/go-relay/smtp"
)

// List of DeliveryError reasons
const (
	// ErrSMTPMailFrom is returned if the server rejected the MAIL FROM command
	ErrSMTPMailFrom SendErrReason = iota

	// ErrSMTPRcptTo is returned if the server rejected every RCPT TO command of the
	// transaction
	ErrSMTPRcptTo

	// ErrSMTPData is returned if the server rejected the DATA command before the message
	// was transmitted
	ErrSMTPData

	// ErrSMTPDataClose is returned if the server rejected the message after it was
	// transmitted
	ErrSMTPDataClose

	// ErrSMTPReset is returned if the RSET command that cleans up a failed transaction
	// failed
	ErrSMTPReset

	// ErrMessageTooLarge is returned if the message exceeds the SIZE limit advertised by
	// the server. The message is never transmitted.
	ErrMessageTooLarge

	// ErrTransport is returned if a transport other than SMTP failed to hand over the
	// message
	ErrTransport
)

// SendErrReason represents a comparable reason on why the delivery failed
type SendErrReason int

// DeliveryError is returned when the relay refused a message or part of it. The
// connection the transaction ran on stays usable unless RSET failed as well.
//
// The reply code and the enhanced status code are taken from the first server
// rejection in the error list. Recipients holds the affected forward-paths.
type DeliveryError struct {
	Reason SendErrReason

	errcode            int
	enhancedStatusCode string
	errlist            []error
	isTemp             bool
	rcpt               []string
	reply              *smtp.Reply
	result             *SendResult
}

// newDeliveryError creates a DeliveryError from the given errors. The first
// *smtp.ReplyError found provides the reply and its codes.
func newDeliveryError(reason SendErrReason, rcpt []string, errs ...error) *DeliveryError {
	e := &DeliveryError{Reason: reason, rcpt: rcpt}
	for _, err := range errs {
		if err == nil {
			continue
		}
		e.errlist = append(e.errlist, err)
		var replyErr *smtp.ReplyError
		if e.reply == nil && errors.As(err, &replyErr) {
			e.reply = replyErr.Reply
			e.errcode = replyErr.Code()
			e.isTemp = replyErr.Temporary()
			if code := replyErr.EnhancedCode(); !code.IsZero() {
				e.enhancedStatusCode = code.String()
			}
		}
	}
	return e
}

// Error implements the error interface for the DeliveryError type
func (e *DeliveryError) Error() string {
	var errMessage strings.Builder
	errMessage.WriteString(e.Reason.String())
	if len(e.errlist) > 0 {
		errMessage.WriteRune(':')
		for i := range e.errlist {
			errMessage.WriteRune(' ')
			errMessage.WriteString(e.errlist[i].Error())
			if i != len(e.errlist)-1 {
				errMessage.WriteString(",")
			}
		}
	}
	if len(e.rcpt) > 0 {
		errMessage.WriteString(", affected recipient(s): ")
		errMessage.WriteString(strings.Join(e.rcpt, ", "))
	}
	return errMessage.String()
}

// Is implements the errors.Is functionality and compares the SendErrReason and the
// temporary status of both errors.
func (e *DeliveryError) Is(errType error) bool {
	var t *DeliveryError
	if errors.As(errType, &t) && t != nil {
		return e.Reason == t.Reason && e.isTemp == t.isTemp
	}
	return false
}

// Unwrap returns the collected errors, so errors.As can reach the underlying
// *smtp.ReplyError values.
func (e *DeliveryError) Unwrap() []error {
	return e.errlist
}

// IsTemp returns true if the delivery error is of a temporary nature and can be
// retried later.
func (e *DeliveryError) IsTemp() bool {
	if e == nil {
		return false
	}
	return e.isTemp
}

// ErrorCode returns the reply code of the server rejection, or 0 if the error was not
// caused by a server reply.
func (e *DeliveryError) ErrorCode() int {
	if e == nil {
		return 0
	}
	return e.errcode
}

// EnhancedStatusCode returns the RFC 3463 status code of the server rejection, or an
// empty string if the server did not send one.
func (e *DeliveryError) EnhancedStatusCode() string {
	if e == nil {
		return ""
	}
	return e.enhancedStatusCode
}

// Reply returns the server reply that caused the error, if any
func (e *DeliveryError) Reply() *smtp.Reply {
	if e == nil {
		return nil
	}
	return e.reply
}

// Recipients returns the forward-paths affected by the error
func (e *DeliveryError) Recipients() []string {
	if e == nil {
		return nil
	}
	rcpt := make([]string, len(e.rcpt))
	copy(rcpt, e.rcpt)
	return rcpt
}

// Result returns the per-recipient outcome collected before the transaction failed.
// It is nil if the transaction failed before any RCPT was sent.
func (e *DeliveryError) Result() *SendResult {
	if e == nil {
		return nil
	}
	return e.result
}

// String satisfies the fmt.Stringer interface for the SendErrReason type
func (r SendErrReason) String() string {
	switch r {
	case ErrSMTPMailFrom:
		return "sending SMTP MAIL FROM command"
	case ErrSMTPRcptTo:
		return "sending SMTP RCPT TO command"
	case ErrSMTPData:
		return "sending SMTP DATA command"
	case ErrSMTPDataClose:
		return "transmitting message data"
	case ErrSMTPReset:
		return "sending SMTP RESET command"
	case ErrMessageTooLarge:
		return "message exceeds the server size limit"
	case ErrTransport:
		return "handing over message to transport"
	}
	return "unknown reason"
}

// RecipientResult is the rejection of a single forward-path
type RecipientResult struct {
	Address string
	Err     *smtp.ReplyError
}

// SendResult is the outcome of a delivery
type SendResult struct {
	// MessageID is the id assigned by the transport, if it assigns one
	MessageID string
	// Accepted lists the forward-paths the relay accepted, in envelope order
	Accepted []string
	// Rejected lists the forward-paths the relay rejected, in envelope order
	Rejected []RecipientResult
	// Reply is the final reply to the message data
	Reply *smtp.Reply
}

// HasRejections reports whether any recipient was rejected
func (r *SendResult) HasRejections() bool {
	return r != nil && len(r.Rejected) > 0
}
