// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

// Package relay hands fully formed messages to a mail relay.
//
// The Client connects to a relay, negotiates capabilities and transport security,
// authenticates and runs one SMTP transaction per Envelope. Connections are kept in a
// Pool per relay key and reused while they stay Ready. Message construction is left to
// the caller: an Envelope carries the reverse-path, the forward-paths and the raw
// RFC 5322 bytes as they should appear on the wire.
//
// Besides SMTP, the package provides a FileTransport, a SendmailTransport and an
// SESTransport behind the same Transport interface, and a DKIMSigner that signs a
// message before passing it on to another Transport.
package relay

// VERSION is the version of the relay module
const VERSION = "0.1.0"
