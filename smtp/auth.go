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

package smtp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnencrypted is returned when credentials would be sent over an unencrypted connection
	ErrUnencrypted = errors.New("unencrypted connection")

	// ErrWrongHostname is returned when the server name does not match the host the Auth was built for
	ErrWrongHostname = errors.New("wrong host name")

	// ErrUnexpectedServerChallange is returned when the server sends a challenge the mechanism
	// does not expect
	ErrUnexpectedServerChallange = errors.New("unexpected server challenge")

	// ErrUnexpectedServerResponse is returned when the server response cannot be understood
	// by the mechanism
	ErrUnexpectedServerResponse = errors.New("unexpected server response")

	// ErrUnsupportedMechanism is returned by NewAuth for mechanism names it does not know
	ErrUnsupportedMechanism = errors.New("unsupported authentication mechanism")
)

// Auth is implemented by an SMTP authentication mechanism.
type Auth interface {
	// Start begins an authentication with a server.
	// It returns the name of the authentication protocol
	// and optionally data to include in the initial AUTH message
	// sent to the server.
	// If it returns a non-nil error, the SMTP client aborts
	// the authentication attempt and closes the connection.
	Start(server *ServerInfo) (proto string, toServer []byte, err error)

	// Next continues the authentication. The server has just sent
	// the fromServer data. If more is true, the server expects a
	// response, which Next should return as toServer; otherwise
	// Next should return toServer == nil.
	// If Next returns a non-nil error, the SMTP client aborts
	// the authentication attempt and closes the connection.
	Next(fromServer []byte, more bool) (toServer []byte, err error)
}

// ServerInfo records information about an SMTP server.
type ServerInfo struct {
	Name string   // SMTP server name
	TLS  bool     // using TLS, with valid certificate for Name
	Auth []string // advertised authentication mechanisms
}

// Mechanism is the name of a SASL mechanism as it appears in the AUTH extension
type Mechanism string

const (
	MechanismPlain         Mechanism = "PLAIN"
	MechanismLogin         Mechanism = "LOGIN"
	MechanismCramMD5       Mechanism = "CRAM-MD5"
	MechanismXOAuth2       Mechanism = "XOAUTH2"
	MechanismSCRAMSHA1     Mechanism = "SCRAM-SHA-1"
	MechanismSCRAMSHA1PLUS Mechanism = "SCRAM-SHA-1-PLUS"
	MechanismSCRAMSHA256   Mechanism = "SCRAM-SHA-256"
	MechanismSCRAMSHA256P  Mechanism = "SCRAM-SHA-256-PLUS"
	MechanismNTLM          Mechanism = "NTLM"
)

// DefaultMechanisms is the preference order used when the caller does not restrict the
// mechanisms. Challenge-response comes before the mechanisms that send the secret itself.
var DefaultMechanisms = []Mechanism{MechanismCramMD5, MechanismLogin, MechanismPlain, MechanismXOAuth2}

// String satisfies the fmt.Stringer interface for the Mechanism type
func (m Mechanism) String() string {
	return string(m)
}

// ParseMechanism returns the Mechanism for a case-insensitive name
func ParseMechanism(name string) (Mechanism, error) {
	mech := Mechanism(strings.ToUpper(strings.TrimSpace(name)))
	switch mech {
	case MechanismPlain, MechanismLogin, MechanismCramMD5, MechanismXOAuth2, MechanismSCRAMSHA1,
		MechanismSCRAMSHA1PLUS, MechanismSCRAMSHA256, MechanismSCRAMSHA256P, MechanismNTLM:
		return mech, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMechanism, name)
	}
}

// SelectMechanism returns the first mechanism of preference that the server advertised.
// An empty preference uses DefaultMechanisms. No I/O happens here.
func SelectMechanism(advertised []string, preference []Mechanism) (Mechanism, error) {
	if len(preference) == 0 {
		preference = DefaultMechanisms
	}
	for _, want := range preference {
		for _, offered := range advertised {
			if strings.EqualFold(offered, string(want)) {
				return want, nil
			}
		}
	}
	return "", &AuthError{Kind: NoSupportedMechanism, Advertised: advertised}
}

// Credentials are the secrets used for one authentication attempt. For XOAUTH2 the
// Secret is the bearer token.
type Credentials struct {
	Identity string
	Username string
	Secret   string
}

// AuthParams carries the connection details a mechanism needs besides the credentials
type AuthParams struct {
	// Host is the server name the credentials are meant for
	Host string
	// AllowUnencrypted permits PLAIN and LOGIN on a plaintext connection to a remote host
	AllowUnencrypted bool
	// TLSState is required for the channel binding of the SCRAM -PLUS variants
	TLSState *tls.ConnectionState
	// Workstation is sent with the NTLM negotiate message
	Workstation string
}

// NewAuth returns the Auth implementation for the mechanism
func NewAuth(mech Mechanism, creds Credentials, params AuthParams) (Auth, error) {
	switch mech {
	case MechanismPlain:
		return PlainAuth(creds.Identity, creds.Username, creds.Secret, params.Host, params.AllowUnencrypted), nil
	case MechanismLogin:
		return LoginAuth(creds.Username, creds.Secret, params.Host, params.AllowUnencrypted), nil
	case MechanismCramMD5:
		return CRAMMD5Auth(creds.Username, creds.Secret), nil
	case MechanismXOAuth2:
		return XOAuth2Auth(creds.Username, creds.Secret), nil
	case MechanismSCRAMSHA1:
		return ScramSHA1Auth(creds.Username, creds.Secret), nil
	case MechanismSCRAMSHA256:
		return ScramSHA256Auth(creds.Username, creds.Secret), nil
	case MechanismSCRAMSHA1PLUS:
		return ScramSHA1PlusAuth(creds.Username, creds.Secret, params.TLSState), nil
	case MechanismSCRAMSHA256P:
		return ScramSHA256PlusAuth(creds.Username, creds.Secret, params.TLSState), nil
	case MechanismNTLM:
		return NTLMv2Auth(creds.Username, creds.Secret, params.Workstation), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMechanism, mech)
	}
}

// Negotiate selects a mechanism from the advertised AUTH list and runs the exchange
// with it. It returns the mechanism that was used.
func (c *Client) Negotiate(creds Credentials, preference []Mechanism, params AuthParams) (Mechanism, error) {
	mech, err := SelectMechanism(c.Capabilities().AuthMechanisms(), preference)
	if err != nil {
		return "", err
	}
	if params.Host == "" {
		params.Host = c.serverName
	}
	if params.TLSState == nil {
		if state, ok := c.TLSConnectionState(); ok {
			params.TLSState = &state
		}
	}
	auth, err := NewAuth(mech, creds, params)
	if err != nil {
		return mech, &AuthError{Kind: Exchange, Mechanism: string(mech), Err: err}
	}
	return mech, c.Auth(auth)
}

func isLocalhost(name string) bool {
	return name == "localhost" || name == "127.0.0.1" || name == "::1"
}
