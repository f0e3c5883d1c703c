// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultSendmailPath is the sendmail binary used when no path is configured
const DefaultSendmailPath = "/usr/sbin/sendmail"

// exitTempFail is the sysexits.h EX_TEMPFAIL code
const exitTempFail = 75

// ErrSendmailFailed is the cause of a DeliveryError returned when the sendmail process
// exits with a non-zero status
var ErrSendmailFailed = errors.New("sendmail exited with an error")

// SendmailTransport hands the Envelope to a local sendmail compatible binary. The
// recipients are passed on the command line and the message on stdin.
type SendmailTransport struct {
	path string
}

// NewSendmailTransport returns a SendmailTransport using the binary at path. An empty
// path selects DefaultSendmailPath.
func NewSendmailTransport(path string) *SendmailTransport {
	if path == "" {
		path = DefaultSendmailPath
	}
	return &SendmailTransport{path: path}
}

// Send runs sendmail for the Envelope. Cancelling ctx kills the process. A failed
// process is reported as a DeliveryError with reason ErrTransport, which is temporary
// if the process exited with EX_TEMPFAIL.
func (s *SendmailTransport) Send(ctx context.Context, env *Envelope) (*SendResult, error) {
	if env == nil {
		return nil, ErrNoEnvelope
	}
	from := env.From()
	if from == "" {
		from = "<>"
	}
	args := append([]string{"-i", "-f", from, "--"}, env.To()...)

	cmd := exec.CommandContext(ctx, s.path, args...)
	cmd.Stdin = bytes.NewReader(env.body)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		derr := newDeliveryError(ErrTransport, env.To(), sendmailError(err, stderr.String()))
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == exitTempFail {
			derr.isTemp = true
		}
		return nil, derr
	}
	return &SendResult{Accepted: env.To()}, nil
}

// sendmailError combines the process error with the trimmed stderr output
func sendmailError(err error, stderr string) error {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("failed to run sendmail: %w", err)
	}
	if msg := strings.TrimSpace(stderr); msg != "" {
		return fmt.Errorf("%w (exit status %d): %s", ErrSendmailFailed, exitErr.ExitCode(), msg)
	}
	return fmt.Errorf("%w (exit status %d)", ErrSendmailFailed, exitErr.ExitCode())
}
