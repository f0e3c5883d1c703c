// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package smtp

import (
	"bytes"
	"fmt"
	"strings"
)

var crlf = []byte("\r\n")

// Command is a single SMTP command line
type Command struct {
	Verb string
	Arg  string
}

// CmdEHLO returns the EHLO command for the given client name
func CmdEHLO(name string) Command { return Command{Verb: "EHLO", Arg: name} }

// CmdHELO returns the HELO command for the given client name
func CmdHELO(name string) Command { return Command{Verb: "HELO", Arg: name} }

// CmdSTARTTLS returns the STARTTLS command
func CmdSTARTTLS() Command { return Command{Verb: "STARTTLS"} }

// CmdAUTH returns the AUTH command for the given mechanism with an optional, already
// encoded, initial response
func CmdAUTH(mech, initial string) Command {
	if initial == "" {
		return Command{Verb: "AUTH", Arg: mech}
	}
	return Command{Verb: "AUTH", Arg: mech + " " + initial}
}

// CmdMAIL returns the MAIL FROM command for the reverse-path with optional ESMTP
// parameters. An empty reverse-path renders as the null path "<>".
func CmdMAIL(from string, params ...string) Command {
	return Command{Verb: "MAIL", Arg: withParams("FROM:<"+from+">", params)}
}

// CmdRCPT returns the RCPT TO command for the forward-path with optional ESMTP parameters
func CmdRCPT(to string, params ...string) Command {
	return Command{Verb: "RCPT", Arg: withParams("TO:<"+to+">", params)}
}

// CmdDATA returns the DATA command
func CmdDATA() Command { return Command{Verb: "DATA"} }

// CmdRSET returns the RSET command
func CmdRSET() Command { return Command{Verb: "RSET"} }

// CmdNOOP returns the NOOP command
func CmdNOOP() Command { return Command{Verb: "NOOP"} }

// CmdQUIT returns the QUIT command
func CmdQUIT() Command { return Command{Verb: "QUIT"} }

// String returns the command line without the trailing CRLF
func (c Command) String() string {
	if c.Arg == "" {
		return c.Verb
	}
	return c.Verb + " " + c.Arg
}

// Encode renders the command as it goes on the wire, terminated by CRLF. A verb or
// argument that contains CR or LF is rejected to prevent command injection.
func (c Command) Encode() ([]byte, error) {
	if err := validateLine(c.Verb); err != nil {
		return nil, err
	}
	if err := validateLine(c.Arg); err != nil {
		return nil, err
	}
	line := make([]byte, 0, len(c.Verb)+len(c.Arg)+3)
	line = append(line, c.Verb...)
	if c.Arg != "" {
		line = append(line, ' ')
		line = append(line, c.Arg...)
	}
	return append(line, crlf...), nil
}

// EncodeBody prepares a message body for transmission after a 354 reply. Lines starting
// with a dot get a second dot prepended and the terminating ".CRLF" is appended. CR and
// LF may only occur as a CRLF pair.
//
// A non-empty body that does not end in CRLF is normalized: the missing CRLF is added
// and is part of the transmitted message.
func EncodeBody(body []byte) ([]byte, error) {
	out := make([]byte, 0, len(body)+len(body)/64+5)
	lineStart := true
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '\r':
			if i+1 >= len(body) || body[i+1] != '\n' {
				return nil, &ProtocolError{Kind: InvalidInput, Msg: fmt.Sprintf("bare CR in message body at offset %d", i)}
			}
			out = append(out, crlf...)
			i++
			lineStart = true
			continue
		case '\n':
			return nil, &ProtocolError{Kind: InvalidInput, Msg: fmt.Sprintf("bare LF in message body at offset %d", i)}
		case '.':
			if lineStart {
				out = append(out, '.')
			}
		}
		out = append(out, body[i])
		lineStart = false
	}
	if !lineStart {
		out = append(out, crlf...)
	}
	return append(out, '.', '\r', '\n'), nil
}

// DecodeBody reverses EncodeBody: it strips the terminating ".CRLF" and removes the
// stuffed dot from every line that starts with one. The CRLF that EncodeBody adds to a
// body without a final line break is kept, so such a body decodes with a trailing CRLF.
func DecodeBody(data []byte) ([]byte, error) {
	if !bytes.HasSuffix(data, []byte(".\r\n")) {
		return nil, malformed("message body is not terminated by <CRLF>.<CRLF>")
	}
	content := data[:len(data)-3]
	if len(content) > 0 && !bytes.HasSuffix(content, crlf) {
		return nil, malformed("end-of-data marker does not start a new line")
	}
	out := make([]byte, 0, len(content))
	lineStart := true
	for _, b := range content {
		if lineStart && b == '.' {
			lineStart = false
			continue
		}
		out = append(out, b)
		lineStart = b == '\n'
	}
	return out, nil
}

// validateLine checks to see if a line has CR or LF as per RFC 5321.
func validateLine(line string) error {
	if strings.ContainsAny(line, "\n\r") {
		return &ProtocolError{Kind: InvalidInput, Msg: "a line must not contain CR or LF"}
	}
	return nil
}

func withParams(arg string, params []string) string {
	for _, p := range params {
		if p != "" {
			arg += " " + p
		}
	}
	return arg
}
