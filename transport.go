// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package relay

import "context"

// Transport hands an Envelope over for delivery
type Transport interface {
	Send(ctx context.Context, env *Envelope) (*SendResult, error)
}

var (
	_ Transport = (*Client)(nil)
	_ Transport = (*Connection)(nil)
	_ Transport = (*FileTransport)(nil)
	_ Transport = (*SendmailTransport)(nil)
	_ Transport = (*SESTransport)(nil)
	_ Transport = (*DKIMSigner)(nil)
)
