// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package smtp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

// MaxReplyLineLen is the longest reply line, without CRLF, the client accepts. RFC 5321
// allows 512 octets; some servers exceed that in EHLO replies.
const MaxReplyLineLen = 2048

// EnhancedCode is an RFC 3463 enhanced mail system status code (class.subject.detail)
type EnhancedCode struct {
	Class   int
	Subject int
	Detail  int
}

// String returns the code as "class.subject.detail"
func (e EnhancedCode) String() string {
	if e.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", e.Class, e.Subject, e.Detail)
}

// IsZero reports whether no enhanced code is present
func (e EnhancedCode) IsZero() bool {
	return e.Class == 0 && e.Subject == 0 && e.Detail == 0
}

// ReplyLine is a single line of a server reply
type ReplyLine struct {
	Code int
	Text string
	// More is set when the line ends with the continuation marker ("250-...")
	More bool
}

// Reply is a complete, possibly multi-line, server reply
type Reply struct {
	Code     int
	Enhanced EnhancedCode
	Lines    []string
}

// Class returns the first digit of the reply code
func (r *Reply) Class() int {
	return r.Code / 100
}

// Positive reports a 2xx completion reply
func (r *Reply) Positive() bool {
	return r.Class() == 2
}

// Intermediate reports a 3xx reply
func (r *Reply) Intermediate() bool {
	return r.Class() == 3
}

// Transient reports a 4xx reply
func (r *Reply) Transient() bool {
	return r.Class() == 4
}

// Permanent reports a 5xx reply
func (r *Reply) Permanent() bool {
	return r.Class() == 5
}

// Message returns the reply text lines joined by newlines
func (r *Reply) Message() string {
	return strings.Join(r.Lines, "\n")
}

// String returns the code followed by the reply text
func (r *Reply) String() string {
	if r == nil {
		return "<nil>"
	}
	msg := r.Message()
	if msg == "" {
		return strconv.Itoa(r.Code)
	}
	return strconv.Itoa(r.Code) + " " + msg
}

// ParseReplyLine decodes a single reply line (without CRLF). The line must start with a
// three digit code, optionally followed by a space (final line) or a hyphen
// (continuation) and the text.
func ParseReplyLine(line string) (ReplyLine, error) {
	if len(line) < 3 {
		return ReplyLine{}, malformed("reply line too short: %q", line)
	}
	code := 0
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return ReplyLine{}, malformed("reply line does not start with a three digit code: %q", line)
		}
		code = code*10 + int(line[i]-'0')
	}
	if len(line) == 3 {
		return ReplyLine{Code: code}, nil
	}
	switch line[3] {
	case ' ':
		return ReplyLine{Code: code, Text: line[4:]}, nil
	case '-':
		return ReplyLine{Code: code, Text: line[4:], More: true}, nil
	default:
		return ReplyLine{}, malformed("invalid reply separator %q", line[3])
	}
}

// readReplyLine reads a single line and strips the line ending. A line longer than
// MaxReplyLineLen is rejected as soon as the limit is passed, without buffering the
// rest of it.
func readReplyLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > MaxReplyLineLen+2 {
			return "", malformed("reply line exceeds %d bytes", MaxReplyLineLen)
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && (len(line) == 0 || !errors.Is(err, io.EOF)) {
			return "", err
		}
		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) > MaxReplyLineLen {
			return "", malformed("reply line exceeds %d bytes", MaxReplyLineLen)
		}
		return string(line), nil
	}
}

// ReadReply reads lines from r until a complete reply has been assembled. Continuation
// lines must carry the code of the first line. A stream that ends before the final line
// is a Malformed ProtocolError; read failures before the first line are returned as is.
func ReadReply(r *textproto.Reader) (*Reply, error) {
	var reply *Reply
	for {
		line, err := readReplyLine(r.R)
		if err != nil {
			if reply != nil && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
				return nil, &ProtocolError{Kind: Malformed, Msg: "stream ended in the middle of a reply", Err: err}
			}
			return nil, err
		}
		rl, err := ParseReplyLine(line)
		if err != nil {
			return nil, err
		}
		if reply == nil {
			reply = &Reply{Code: rl.Code}
		} else if rl.Code != reply.Code {
			return nil, malformed("continuation line code %d does not match %d", rl.Code, reply.Code)
		}
		reply.Lines = append(reply.Lines, rl.Text)
		if !rl.More {
			break
		}
	}
	reply.Enhanced = parseEnhancedCode(reply.Code, reply.Lines[0])
	return reply, nil
}

// parseEnhancedCode extracts an RFC 3463 status code from the beginning of text. The
// class digit has to match the class of the reply code.
func parseEnhancedCode(code int, text string) EnhancedCode {
	field, _, _ := strings.Cut(text, " ")
	parts := strings.Split(field, ".")
	if len(parts) != 3 {
		return EnhancedCode{}
	}
	var values [3]int
	for i, part := range parts {
		if len(part) == 0 || len(part) > 3 || (i == 0 && len(part) != 1) {
			return EnhancedCode{}
		}
		v, err := strconv.Atoi(part)
		if err != nil || v < 0 {
			return EnhancedCode{}
		}
		values[i] = v
	}
	if values[0] != code/100 {
		return EnhancedCode{}
	}
	switch values[0] {
	case 2, 4, 5:
		return EnhancedCode{Class: values[0], Subject: values[1], Detail: values[2]}
	default:
		return EnhancedCode{}
	}
}

func malformed(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Kind: Malformed, Msg: fmt.Sprintf(format, args...)}
}
