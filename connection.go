// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/go-relay/log"
	"github.com/wneessen/go-relay/smtp"
)

var (
	// ErrNoEnvelope is returned when Send is called without an Envelope
	ErrNoEnvelope = errors.New("no envelope given")

	// ErrSizeExceeded is the cause of a DeliveryError with reason ErrMessageTooLarge
	ErrSizeExceeded = errors.New("message exceeds the size limit of the server")
)

// Connection is a negotiated session with a relay. It wraps an smtp.Client that has
// been greeted, secured and authenticated as configured and is Ready for transactions.
//
// A Connection is owned by a single goroutine at a time. Connections obtained from a
// Client's pool are returned to it by the Client; connections from Client.Dial belong
// to the caller, who must Close them.
type Connection struct {
	client   *smtp.Client
	key      string
	lastUsed time.Time
	logger   log.Logger
	security SecurityMode
}

// Send runs one mail transaction for the Envelope.
//
// The recipients are sent pipelined if the server supports it. A rejected recipient is
// recorded in the SendResult and the transaction continues with the others. If every
// recipient is rejected, or the server rejects MAIL FROM or the message, a
// *DeliveryError is returned and the connection stays usable. Transport and protocol
// errors are returned as they are and leave the connection Closed.
//
// Cancelling ctx interrupts the operation in progress and closes the connection.
func (c *Connection) Send(ctx context.Context, env *Envelope) (*SendResult, error) {
	if env == nil {
		return nil, ErrNoEnvelope
	}
	unbind, err := c.bindContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unbind()
	return c.send(env)
}

// send runs the transaction without context handling
func (c *Connection) send(env *Envelope) (*SendResult, error) {
	to := env.To()
	caps := c.client.Capabilities()
	if limit := caps.MaxSize(); limit > 0 && env.Size() > limit {
		return nil, newDeliveryError(ErrMessageTooLarge, to,
			fmt.Errorf("%w: %d bytes, limit is %d bytes", ErrSizeExceeded, env.Size(), limit))
	}

	opts := &smtp.MailOptions{
		Size:         env.Size(),
		EightBitMIME: env.needs8BitMIME(),
		SMTPUTF8:     env.needsSMTPUTF8(),
	}
	if err := c.client.Mail(env.From(), opts); err != nil {
		return nil, c.fail(ErrSMTPMailFrom, to, nil, err)
	}

	rejections, err := c.client.Rcpts(to)
	if err != nil {
		return nil, c.fail(ErrSMTPRcptTo, to, nil, err)
	}
	result := &SendResult{}
	var rejected []error
	var rejectedAddrs []string
	for i, rejection := range rejections {
		if rejection == nil {
			result.Accepted = append(result.Accepted, to[i])
			continue
		}
		var replyErr *smtp.ReplyError
		if !errors.As(rejection, &replyErr) {
			continue
		}
		result.Rejected = append(result.Rejected, RecipientResult{Address: to[i], Err: replyErr})
		rejected = append(rejected, rejection)
		rejectedAddrs = append(rejectedAddrs, to[i])
	}
	if len(result.Accepted) == 0 {
		derr := newDeliveryError(ErrSMTPRcptTo, rejectedAddrs, rejected...)
		for _, r := range result.Rejected {
			if r.Err.Temporary() {
				derr.isTemp = true
			}
		}
		derr.result = result
		return nil, c.cleanup(ErrSMTPRcptTo, to, result, derr)
	}

	reply, err := c.client.Data(env.body)
	if err != nil {
		reason := ErrSMTPData
		if c.client.State() == smtp.StateReady {
			reason = ErrSMTPDataClose
		}
		return nil, c.fail(reason, result.Accepted, result, err)
	}
	result.Reply = reply
	return result, nil
}

// fail turns a server rejection into a *DeliveryError and cleans up the transaction.
// Any other error is returned unchanged.
func (c *Connection) fail(reason SendErrReason, rcpt []string, result *SendResult, err error) error {
	var replyErr *smtp.ReplyError
	if errors.As(err, &replyErr) {
		derr := newDeliveryError(reason, rcpt, err)
		derr.result = result
		err = derr
	}
	return c.cleanup(reason, rcpt, result, err)
}

// cleanup aborts an open transaction with RSET. A transaction that was ended by the
// final reply to the message data needs no cleanup. If RSET fails, the connection is
// closed and a *DeliveryError with reason ErrSMTPReset is returned.
func (c *Connection) cleanup(reason SendErrReason, rcpt []string, result *SendResult, err error) error {
	if reason == ErrSMTPDataClose || !c.client.HasConnection() {
		return err
	}
	if rerr := c.client.Reset(); rerr != nil {
		_ = c.client.Close()
		derr := newDeliveryError(ErrSMTPReset, rcpt, err, rerr)
		derr.result = result
		return derr
	}
	return err
}

// TestConnected checks with NOOP whether the relay still answers
func (c *Connection) TestConnected(ctx context.Context) error {
	unbind, err := c.bindContext(ctx)
	if err != nil {
		return err
	}
	defer unbind()
	return c.client.Noop()
}

// Abort ends the session with a best effort QUIT and closes the connection
func (c *Connection) Abort() error {
	if c.client.HasConnection() {
		if err := c.client.Quit(); err == nil {
			return nil
		}
	}
	return c.client.Close()
}

// Close sends QUIT and closes the connection
func (c *Connection) Close() error {
	if !c.client.HasConnection() {
		return nil
	}
	if err := c.client.Quit(); err != nil {
		return fmt.Errorf("failed to close SMTP connection: %w", err)
	}
	return nil
}

// Key returns the relay key the connection belongs to
func (c *Connection) Key() string {
	return c.key
}

// State returns the session state of the underlying smtp.Client
func (c *Connection) State() smtp.State {
	return c.client.State()
}

// Capabilities returns the capability snapshot of the latest EHLO
func (c *Connection) Capabilities() *smtp.Capabilities {
	return c.client.Capabilities()
}

// Security returns the configured SecurityMode
func (c *Connection) Security() SecurityMode {
	return c.security
}

// IsTLS reports whether the session is encrypted. With opportunistic STARTTLS this
// tells whether the upgrade took place.
func (c *Connection) IsTLS() bool {
	return c.client.IsTLS()
}

// TLSConnectionState returns the state of the TLS session. ok is false on a plaintext
// connection.
func (c *Connection) TLSConnectionState() (state tls.ConnectionState, ok bool) {
	return c.client.TLSConnectionState()
}

// LastUsed returns the time the connection was last handed back to its pool
func (c *Connection) LastUsed() time.Time {
	return c.lastUsed
}

// bindContext applies the deadline of ctx to the following operations and interrupts
// them when ctx is cancelled. The returned function must be called once the operations
// are finished. A connection whose context fired is closed by it.
func (c *Connection) bindContext(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.client.SetDeadlineLimit(deadline)
	}
	stop := context.AfterFunc(ctx, c.client.Interrupt)
	return func() {
		if !stop() {
			_ = c.client.Close()
		}
		c.client.SetDeadlineLimit(time.Time{})
	}, nil
}

func (c *Connection) infof(format string, args ...interface{}) {
	if c.logger == nil {
		return
	}
	c.logger.Infof(log.Log{Direction: log.DirNone, Format: format, Messages: args, Relay: c.key})
}
