// SPDX-FileCopyrightText: Copyright 2010 The Go Authors. All rights reserved.
// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// Original net/smtp code from the Go stdlib by the Go Authors.
// Use of this source code is governed by a BSD-style
// LICENSE file that can be found in this directory.
//
// go-mail specific modifications by the go-mail Authors.
// Licensed under the MIT License.
// See [PROJECT ROOT]/LICENSES directory for more information.
//
// SPDX-License-Identifier: BSD-3-Clause AND MIT

// Package smtp implements the client side of the Simple Mail Transfer Protocol as defined
// in RFC 5321. The Client tracks the session state and refuses commands that are not
// valid in the current state before anything is written to the wire. It also implements
// the following extensions:
//
//	8BITMIME             RFC 6152
//	AUTH                 RFC 4954
//	ENHANCEDSTATUSCODES  RFC 2034
//	PIPELINING           RFC 2920 (RCPT only)
//	SIZE                 RFC 1870
//	SMTPUTF8             RFC 6531
//	STARTTLS             RFC 3207
package smtp

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wneessen/go-relay/log"
)

const (
	// DefaultTimeout is the per-operation timeout. RFC 5321 section 4.5.3.2 recommends
	// five minutes for most commands.
	DefaultTimeout = 5 * time.Minute

	// maxAuthRounds limits the number of 334 challenges a single AUTH exchange may take
	maxAuthRounds = 10

	// authRedacted replaces authentication data in the protocol log
	authRedacted = "<SMTP auth data redacted>"
)

// ErrInterrupted is the cause of the TransportError returned after Interrupt was called
var ErrInterrupted = errors.New("operation interrupted")

// A Client represents a client connection to an SMTP server.
//
// A Client is meant to be used by one goroutine at a time. The only method that may be
// called concurrently with an operation in progress is Interrupt.
type Client struct {
	// Text is the textproto.Conn used by the Client. It is exported to allow for clients to add extensions.
	Text *textproto.Conn

	// ErrorHandlerRegistry manages custom error handlers for SMTP host-command pairs.
	ErrorHandlerRegistry *ErrorHandlerRegistry

	// authIsActive indicates that the Client is currently during SMTP authentication
	authIsActive bool

	// caps holds the capabilities of the latest EHLO, nil after a security change
	caps *Capabilities

	// conn is the current connection, replaced by a *tls.Conn after STARTTLS
	conn net.Conn

	// deadlineLimit caps every deadline the Client sets, zero means no limit
	deadlineLimit time.Time

	// debug logging is enabled
	debug bool

	// greeting is the 220 reply the server sent on connect
	greeting *Reply

	// interrupted is set by Interrupt and makes every following operation fail
	interrupted atomic.Bool

	// localName is the name to use in HELO/EHLO
	localName string

	// logAuthData indicates if the Client should include SMTP authentication data in the logs
	logAuthData bool

	// logger will be used for debug logging
	logger log.Logger

	// mutex is used to synchronize access to shared resources, ensuring that only one goroutine can access
	// the resource at a time.
	mutex sync.RWMutex

	// rawConn is the connection passed to NewClient
	rawConn net.Conn

	// rcptAccepted counts the recipients accepted in the current transaction
	rcptAccepted int

	// relay is the label attached to every log line
	relay string

	// serverName denotes the name of the server to which the application will connect. Used for
	// identification and routing.
	serverName string

	// state is the current session state
	state State

	// timeout is the per-operation timeout
	timeout time.Duration

	// tls indicates whether the Client is using TLS
	tls bool
}

// MailOptions are the ESMTP parameters of a MAIL command. Each parameter is only sent if
// the server advertised the matching extension.
type MailOptions struct {
	// Size is the message size announced with SIZE=
	Size int64
	// EightBitMIME requests BODY=8BITMIME
	EightBitMIME bool
	// SMTPUTF8 requests internationalized address handling
	SMTPUTF8 bool
}

// NewClient returns a new [Client] using an existing connection and host as a
// server name to be used when authenticating. It reads the server greeting; the caller
// is responsible for setting a deadline on conn that covers it. On success the Client is
// in StateConnected.
func NewClient(conn net.Conn, host string) (*Client, error) {
	c := &Client{
		Text:                 textproto.NewConn(conn),
		ErrorHandlerRegistry: NewErrorHandlerRegistry(),
		conn:                 conn,
		rawConn:              conn,
		localName:            "localhost",
		serverName:           host,
		state:                StateConnected,
		timeout:              DefaultTimeout,
	}
	_, c.tls = conn.(*tls.Conn)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	reply, err := c.readReply("CONNECT")
	if err != nil {
		return nil, err
	}
	if reply.Code != 220 {
		_ = c.closeLocked()
		if reply.Transient() || reply.Permanent() {
			return nil, &ReplyError{Command: "CONNECT", Reply: reply}
		}
		return nil, &ProtocolError{Kind: UnexpectedReply, Command: "CONNECT", Reply: reply}
	}
	c.greeting = reply
	return c, nil
}

// Close closes the connection without sending QUIT.
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closeLocked()
}

// Hello sends EHLO to the server as the given host name and stores the advertised
// capabilities. If the server answers EHLO with a permanent error, HELO is tried
// instead and the capability set is empty.
func (c *Client) Hello(localName string) error {
	if err := validateLine(localName); err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.checkState("EHLO"); err != nil {
		return err
	}
	c.localName = localName
	return c.hello()
}

// hello runs the EHLO exchange with HELO fallback. The mutex must be held.
func (c *Client) hello() error {
	reply, err := c.cmd(CmdEHLO(c.localName))
	if err != nil {
		return err
	}
	if reply.Code == 250 {
		c.caps = parseCapabilities(reply)
		c.state = c.state.next("EHLO", c.tls)
		return nil
	}
	if !reply.Permanent() {
		return c.expect("EHLO", reply, 250)
	}

	reply, err = c.cmd(CmdHELO(c.localName))
	if err != nil {
		return err
	}
	if err = c.expect("HELO", reply, 250); err != nil {
		return err
	}
	c.caps = &Capabilities{ext: make(map[string]string)}
	c.state = c.state.next("HELO", c.tls)
	return nil
}

// StartTLS sends the STARTTLS command and encrypts all further communication. The
// capabilities of the plaintext session are discarded and EHLO is sent again over the
// encrypted connection. A failed handshake closes the connection and returns a TLSError.
func (c *Client) StartTLS(config *tls.Config) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.tls {
		return &ProtocolError{Kind: BadSequence, Command: "STARTTLS", Msg: "connection is already using TLS"}
	}
	if err := c.checkState("STARTTLS"); err != nil {
		return err
	}
	reply, err := c.cmd(CmdSTARTTLS())
	if err != nil {
		return err
	}
	if err = c.expect("STARTTLS", reply, 220); err != nil {
		return err
	}
	c.caps = nil

	if config == nil {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if config.ServerName == "" && !config.InsecureSkipVerify {
		config = config.Clone()
		config.ServerName = c.serverName
	}
	tlsConn := tls.Client(c.conn, config)
	if err = c.extendDeadline("STARTTLS"); err != nil {
		return err
	}
	if err = tlsConn.Handshake(); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return c.fail("TLS handshake", err)
		}
		_ = c.closeLocked()
		return &TLSError{Err: err}
	}
	c.conn = tlsConn
	c.Text = textproto.NewConn(tlsConn)
	c.tls = true
	c.state = c.state.next("STARTTLS", true)
	return c.hello()
}

// TLSConnectionState returns the client's TLS connection state.
// The return values are their zero values if the connection is not
// using TLS.
func (c *Client) TLSConnectionState() (state tls.ConnectionState, ok bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	tc, ok := c.conn.(*tls.Conn)
	if !ok {
		return
	}
	state, ok = tc.ConnectionState(), true
	return
}

// Auth authenticates a client using the provided authentication mechanism. A rejection
// by the server is returned as an AuthError of kind Rejected and leaves the connection
// open. If the mechanism fails mid-exchange, the exchange is cancelled with "*" and an
// AuthError of kind Exchange is returned.
func (c *Client) Auth(a Auth) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.checkState("AUTH"); err != nil {
		return err
	}
	if !c.logAuthData {
		c.authIsActive = true
		defer func() {
			c.authIsActive = false
		}()
	}

	mech, resp, err := a.Start(&ServerInfo{Name: c.serverName, TLS: c.tls, Auth: c.caps.AuthMechanisms()})
	if err != nil {
		return &AuthError{Kind: Exchange, Mechanism: mech, Err: err}
	}
	encoding := base64.StdEncoding
	initial := ""
	if resp != nil {
		// RFC 4954: a zero-length initial response is sent as a single "="
		initial = encoding.EncodeToString(resp)
		if initial == "" {
			initial = "="
		}
	}
	reply, err := c.cmd(CmdAUTH(mech, initial))
	for round := 0; ; round++ {
		if err != nil {
			return err
		}
		switch {
		case reply.Code == 235:
			// the last message isn't base64 because it isn't a challenge
			if _, err = a.Next([]byte(reply.Message()), false); err != nil {
				return &AuthError{Kind: Exchange, Mechanism: mech, Err: err}
			}
			c.state = c.state.next("AUTH", c.tls)
			return nil
		case reply.Code == 334:
			if round >= maxAuthRounds {
				return c.cancelAuth(mech, fmt.Errorf("server sent more than %d challenges", maxAuthRounds))
			}
			challenge, derr := encoding.DecodeString(strings.Join(reply.Lines, ""))
			if derr == nil {
				resp, derr = a.Next(challenge, true)
			}
			if derr != nil {
				return c.cancelAuth(mech, derr)
			}
			reply, err = c.cmdAs("AUTH", Command{Verb: encoding.EncodeToString(resp)})
		case reply.Transient() || reply.Permanent():
			return &AuthError{
				Kind: Rejected, Mechanism: mech, Reply: reply,
				Err: &ReplyError{Command: "AUTH", Reply: reply},
			}
		default:
			_ = c.closeLocked()
			return &ProtocolError{Kind: UnexpectedReply, Command: "AUTH", Reply: reply}
		}
	}
}

// cancelAuth aborts a running AUTH exchange. XOAUTH2 has no cancel message.
func (c *Client) cancelAuth(mech string, cause error) error {
	if mech != string(MechanismXOAuth2) {
		if _, err := c.cmdAs("AUTH", Command{Verb: "*"}); err != nil {
			return &AuthError{Kind: Exchange, Mechanism: mech, Err: errors.Join(cause, err)}
		}
	}
	return &AuthError{Kind: Exchange, Mechanism: mech, Err: cause}
}

// Ready marks a greeted, secured or authenticated session as ready for transactions.
func (c *Client) Ready() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	next, ok := c.state.ready()
	if !ok {
		return &ProtocolError{Kind: BadSequence, Command: "READY", Msg: "session is not negotiated, state " + c.state.String()}
	}
	c.state = next
	return nil
}

// Mail issues a MAIL command to the server using the provided email address and opens
// a mail transaction. This initiates a mail transaction and is followed by one or
// more [Client.Rcpt] calls.
func (c *Client) Mail(from string, opts *MailOptions) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.checkState("MAIL"); err != nil {
		return err
	}
	var params []string
	if opts != nil {
		if opts.Size > 0 && c.caps.Has("SIZE") {
			params = append(params, "SIZE="+strconv.FormatInt(opts.Size, 10))
		}
		if opts.EightBitMIME && c.caps.EightBitMIME() {
			params = append(params, "BODY=8BITMIME")
		}
		if opts.SMTPUTF8 && c.caps.SMTPUTF8() {
			params = append(params, "SMTPUTF8")
		}
	}
	reply, err := c.cmd(CmdMAIL(from, params...))
	if err != nil {
		return err
	}
	if err = c.expect("MAIL", reply, 250); err != nil {
		return err
	}
	c.state = c.state.next("MAIL", c.tls)
	c.rcptAccepted = 0
	return nil
}

// Rcpt issues a RCPT command to the server using the provided email address.
// A call to Rcpt must be preceded by a call to [Client.Mail] and may be followed by
// a [Client.Data] call or another Rcpt call.
func (c *Client) Rcpt(to string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.checkState("RCPT"); err != nil {
		return err
	}
	reply, err := c.cmd(CmdRCPT(to))
	if err != nil {
		return err
	}
	return c.rcptResult(reply)
}

// Rcpts issues one RCPT command per address. If the server advertised PIPELINING, all
// commands are written at once and the replies are read in order afterwards.
//
// The returned slice holds one entry per address: nil for an accepted recipient or the
// *ReplyError of the rejection. The error return is only set for failures that end the
// session, such as transport errors or unexpected replies.
func (c *Client) Rcpts(to []string) ([]error, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.checkState("RCPT"); err != nil {
		return nil, err
	}
	results := make([]error, len(to))
	cmds := make([]Command, len(to))
	for i, addr := range to {
		cmds[i] = CmdRCPT(addr)
	}

	if !c.caps.Pipelining() || len(cmds) < 2 {
		for i, cmd := range cmds {
			reply, err := c.cmd(cmd)
			if err != nil {
				return results, err
			}
			if results[i], err = c.rcptOutcome(reply); err != nil {
				return results, err
			}
		}
		return results, nil
	}

	if err := c.send(cmds...); err != nil {
		return results, err
	}
	for i := range cmds {
		reply, err := c.readReply("RCPT")
		if err != nil {
			return results, err
		}
		if results[i], err = c.rcptOutcome(reply); err != nil {
			return results, err
		}
	}
	return results, nil
}

// rcptResult returns nil if the recipient was accepted and the error otherwise
func (c *Client) rcptResult(reply *Reply) error {
	rejection, err := c.rcptOutcome(reply)
	if err != nil {
		return err
	}
	return rejection
}

// rcptOutcome splits a RCPT reply into a per-recipient rejection and a fatal error
func (c *Client) rcptOutcome(reply *Reply) (error, error) {
	err := c.expect("RCPT", reply, 250, 251)
	if err == nil {
		c.rcptAccepted++
		return nil, nil
	}
	var replyErr *ReplyError
	if errors.As(err, &replyErr) {
		return replyErr, nil
	}
	return nil, err
}

// Data issues a DATA command, transmits the dot-stuffed body and reads the final
// reply. DATA is refused locally unless a transaction is open and at least one recipient
// was accepted. After the final reply, positive or not, the transaction is over and the
// Client is Ready again.
func (c *Client) Data(body []byte) (*Reply, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.checkState("DATA"); err != nil {
		return nil, err
	}
	if c.rcptAccepted == 0 {
		return nil, &ProtocolError{Kind: BadSequence, Command: "DATA", Msg: "no recipient has been accepted"}
	}
	encoded, err := EncodeBody(body)
	if err != nil {
		var protoErr *ProtocolError
		if errors.As(err, &protoErr) {
			protoErr.Command = "DATA"
		}
		return nil, err
	}

	reply, err := c.cmd(CmdDATA())
	if err != nil {
		return nil, err
	}
	if err = c.expect("DATA", reply, 354); err != nil {
		return reply, err
	}

	c.debugLog(log.DirClientToServer, "<%d bytes of message data>", len(encoded))
	if err = c.extendDeadline("DATA"); err != nil {
		return nil, err
	}
	if _, err = c.Text.W.Write(encoded); err != nil {
		return nil, c.fail("DATA", err)
	}
	if err = c.Text.W.Flush(); err != nil {
		return nil, c.fail("DATA", err)
	}
	reply, err = c.readReply("DATA")
	if err != nil {
		return nil, err
	}
	c.state = c.state.next("DATA", c.tls)
	c.rcptAccepted = 0
	if err = c.expect("DATA", reply, 250); err != nil {
		return reply, err
	}
	return reply, nil
}

// Reset sends the RSET command to the server, aborting the current mail
// transaction.
func (c *Client) Reset() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.checkState("RSET"); err != nil {
		return err
	}
	reply, err := c.cmd(CmdRSET())
	if err != nil {
		return err
	}
	if err = c.expect("RSET", reply, 250); err != nil {
		return err
	}
	c.state = c.state.next("RSET", c.tls)
	c.rcptAccepted = 0
	return nil
}

// Noop sends the NOOP command to the server. It does nothing but check
// that the connection to the server is okay.
func (c *Client) Noop() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.checkState("NOOP"); err != nil {
		return err
	}
	reply, err := c.cmd(CmdNOOP())
	if err != nil {
		return err
	}
	return c.expect("NOOP", reply, 250)
}

// Quit sends the QUIT command and closes the connection to the server.
func (c *Client) Quit() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.checkState("QUIT"); err != nil {
		return err
	}
	reply, err := c.cmd(CmdQUIT())
	if err != nil {
		return err
	}
	closeErr := c.closeLocked()
	if reply.Code != 221 {
		return errors.Join(&ReplyError{Command: "QUIT", Reply: reply}, closeErr)
	}
	return closeErr
}

// Interrupt makes a blocking operation in another goroutine fail with a TransportError
// of kind Timeout. The Client is unusable afterwards.
func (c *Client) Interrupt() {
	c.interrupted.Store(true)
	_ = c.rawConn.SetDeadline(time.Unix(1, 0))
}

// State returns the current session state
func (c *Client) State() State {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.state
}

// Capabilities returns the capability snapshot of the latest EHLO. It is nil right
// after a TLS upgrade until EHLO has been answered again.
func (c *Client) Capabilities() *Capabilities {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.caps
}

// Greeting returns the 220 reply the server sent when the connection was opened
func (c *Client) Greeting() *Reply {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.greeting
}

// IsTLS reports whether the connection is encrypted
func (c *Client) IsTLS() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.tls
}

// HasConnection checks if the client has an active connection.
func (c *Client) HasConnection() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.state.Usable()
}

// SetDebugLog enables the debug logging for incoming and outgoing SMTP messages
func (c *Client) SetDebugLog(v bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.debug = v
	if v {
		if c.logger == nil {
			c.logger = log.New(os.Stderr, log.LevelDebug)
		}
		return
	}
	c.logger = nil
}

// SetLogger overrides the default log.Stdlog for the debug logging with a logger that
// satisfies the log.Logger interface
func (c *Client) SetLogger(l log.Logger) {
	if l == nil {
		return
	}
	c.mutex.Lock()
	c.logger = l
	c.mutex.Unlock()
}

// SetLogAuthData enables logging of authentication data in the Client.
func (c *Client) SetLogAuthData() {
	c.mutex.Lock()
	c.logAuthData = true
	c.mutex.Unlock()
}

// SetRelayLabel sets the label that identifies the relay in log messages
func (c *Client) SetRelayLabel(label string) {
	c.mutex.Lock()
	c.relay = label
	c.mutex.Unlock()
}

// SetTimeout sets the per-operation timeout. Values <= 0 restore DefaultTimeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.mutex.Lock()
	c.timeout = timeout
	c.mutex.Unlock()
}

// SetDeadlineLimit caps the deadline of every following operation at t. The zero time
// removes the limit.
func (c *Client) SetDeadlineLimit(t time.Time) {
	c.mutex.Lock()
	c.deadlineLimit = t
	c.mutex.Unlock()
}

// checkState rejects a command that is not valid in the current state
func (c *Client) checkState(verb string) error {
	if !c.state.Usable() {
		return &ProtocolError{Kind: BadSequence, Command: verb, Err: ErrNoConnection}
	}
	if !c.state.accepts(verb) {
		return &ProtocolError{
			Kind: BadSequence, Command: verb,
			Msg: fmt.Sprintf("%s is not allowed in state %s", verb, c.state),
		}
	}
	return nil
}

// cmd sends a single command and reads its reply
func (c *Client) cmd(command Command) (*Reply, error) {
	return c.cmdAs(command.Verb, command)
}

// cmdAs is cmd with an explicit operation name for error reporting, used for AUTH
// continuation lines whose verb is the base64 payload.
func (c *Client) cmdAs(op string, command Command) (*Reply, error) {
	if err := c.send(command); err != nil {
		return nil, err
	}
	return c.readReply(op)
}

// send encodes all commands before writing any of them, so invalid input never leaves
// a partial batch on the wire. The buffer is flushed once.
func (c *Client) send(commands ...Command) error {
	lines := make([][]byte, len(commands))
	for i, command := range commands {
		line, err := command.Encode()
		if err != nil {
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				protoErr.Command = command.Verb
			}
			return err
		}
		lines[i] = line
	}
	op := commands[0].Verb
	if c.authIsActive {
		op = "AUTH"
	}
	if err := c.extendDeadline(op); err != nil {
		return err
	}
	for i, line := range lines {
		if c.authIsActive {
			c.debugLog(log.DirClientToServer, "%s", authRedacted)
		} else {
			c.debugLog(log.DirClientToServer, "%s", commands[i])
		}
		if _, err := c.Text.W.Write(line); err != nil {
			return c.fail(op, err)
		}
	}
	if err := c.Text.W.Flush(); err != nil {
		return c.fail(op, err)
	}
	return nil
}

// readReply reads one reply. A malformed reply is passed to the registered
// ResponseErrorHandler, which may recover from it once.
func (c *Client) readReply(op string) (*Reply, error) {
	reply, err := ReadReply(&c.Text.Reader)
	if err != nil {
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			return nil, c.fail(op, err)
		}
		protoErr.Command = op
		handler := c.ErrorHandlerRegistry.GetHandler(c.serverName, op)
		if herr := handler.HandleError(c.serverName, strings.ToLower(op), c.Text, protoErr); herr != nil {
			_ = c.closeLocked()
			return nil, herr
		}
		// The handler consumed the problematic data, try reading the reply again.
		if reply, err = ReadReply(&c.Text.Reader); err != nil {
			if errors.As(err, &protoErr) {
				protoErr.Command = op
				_ = c.closeLocked()
				return nil, protoErr
			}
			return nil, c.fail(op, err)
		}
	}
	if c.authIsActive && reply.Code == 334 {
		c.debugLog(log.DirServerToClient, "%d %s", reply.Code, authRedacted)
	} else {
		c.debugLog(log.DirServerToClient, "%s", reply)
	}
	return reply, nil
}

// expect checks the reply code. A 4xx or 5xx reply becomes a *ReplyError and leaves
// the connection usable. Any other code outside codes is a protocol violation that
// closes the connection.
func (c *Client) expect(op string, reply *Reply, codes ...int) error {
	for _, code := range codes {
		if reply.Code == code {
			return nil
		}
	}
	if reply.Transient() || reply.Permanent() {
		return &ReplyError{Command: op, Reply: reply}
	}
	_ = c.closeLocked()
	return &ProtocolError{Kind: UnexpectedReply, Command: op, Reply: reply}
}

// extendDeadline sets the deadline for the next operation
func (c *Client) extendDeadline(op string) error {
	if c.interrupted.Load() {
		_ = c.closeLocked()
		return &TransportError{Kind: TransportTimeout, Op: op, Err: ErrInterrupted}
	}
	deadline := time.Now().Add(c.timeout)
	if !c.deadlineLimit.IsZero() && c.deadlineLimit.Before(deadline) {
		deadline = c.deadlineLimit
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return c.fail(op, err)
	}
	// Interrupt may have run between the check above and SetDeadline and its past
	// deadline was overwritten.
	if c.interrupted.Load() {
		_ = c.rawConn.SetDeadline(time.Unix(1, 0))
		_ = c.closeLocked()
		return &TransportError{Kind: TransportTimeout, Op: op, Err: ErrInterrupted}
	}
	return nil
}

// fail closes the connection and wraps err into a TransportError
func (c *Client) fail(op string, err error) error {
	kind := TransportIO
	var netErr net.Error
	if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, os.ErrDeadlineExceeded) {
		kind = TransportTimeout
	}
	if c.interrupted.Load() {
		kind = TransportTimeout
		err = fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	_ = c.closeLocked()
	return &TransportError{Kind: kind, Op: op, Err: err}
}

// closeLocked closes the connection once and moves to StateClosed
func (c *Client) closeLocked() error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	c.caps = nil
	c.rcptAccepted = 0
	return c.Text.Close()
}

// debugLog checks if the debug flag is set and if so logs the provided message to
// the log.Logger interface
func (c *Client) debugLog(d log.Direction, f string, a ...interface{}) {
	if c.debug && c.logger != nil {
		c.logger.Debugf(log.Log{Direction: d, Format: f, Messages: a, Relay: c.relay})
	}
}
