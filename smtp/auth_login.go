// SPDX-FileCopyrightText: Copyright (c) 2022-2023 The go-mail Authors
//
// SPDX-License-Identifier: MIT

package smtp

import (
	"fmt"
)

// loginAuth is the type that satisfies the Auth interface for the "SMTP LOGIN" auth
type loginAuth struct {
	username, password   string
	host                 string
	allowUnencryptedAuth bool
	step                 int
}

const (
	// LoginXUsernameChallenge represents the Username Challenge response sent by the SMTP server per the AUTH LOGIN
	// extension.
	//
	// See: https://learn.microsoft.com/en-us/openspecs/exchange_server_protocols/ms-xlogin/.
	LoginXUsernameChallenge = "Username:"

	// LoginXPasswordChallenge represents the Password Challenge response sent by the SMTP server per the AUTH LOGIN
	// extension.
	//
	//	See: https://learn.microsoft.com/en-us/openspecs/exchange_server_protocols/ms-xlogin/.
	LoginXPasswordChallenge = "Password:"

	// LoginXDraftUsernameChallenge represents the Username Challenge response sent by the SMTP server per the IETF
	// draft AUTH LOGIN extension. It should be noted this extension is an expired draft which was never formally
	// published and was deprecated in favor of the AUTH PLAIN extension.
	//
	// See: https://datatracker.ietf.org/doc/html/draft-murchison-sasl-login-00.
	LoginXDraftUsernameChallenge = "User Name\x00"

	// LoginXDraftPasswordChallenge represents the Password Challenge response sent by the SMTP server per the IETF
	// draft AUTH LOGIN extension. It should be noted this extension is an expired draft which was never formally
	// published and was deprecated in favor of the AUTH PLAIN extension.
	//
	// See: https://datatracker.ietf.org/doc/html/draft-murchison-sasl-login-00.
	LoginXDraftPasswordChallenge = "Password\x00"
)

// LoginAuth returns an Auth that implements the LOGIN authentication
// mechanism as it is used by MS Outlook. The Auth works similar to PLAIN
// but instead of sending all in one response, the login is handled within
// 3 steps:
// - Sending AUTH LOGIN (server responds with "Username:")
// - Sending the username (server responds with "Password:")
// - Sending the password (server authenticates)
//
// LoginAuth will only send the credentials if the connection is using TLS
// or is connected to localhost, unless allowUnenc is set. Otherwise authentication
// will fail with an error, without sending the credentials.
func LoginAuth(username, password, host string, allowUnenc bool) Auth {
	return &loginAuth{username: username, password: password, host: host, allowUnencryptedAuth: allowUnenc}
}

func (a *loginAuth) Start(server *ServerInfo) (string, []byte, error) {
	// Must have TLS, or else localhost server.
	// Note: If TLS is not true, then we can't trust ANYTHING in ServerInfo.
	// In particular, it doesn't matter if the server advertises LOGIN auth.
	// That might just be the attacker saying
	// "it's ok, you can trust me with your password."
	if !a.allowUnencryptedAuth && !server.TLS && !isLocalhost(server.Name) {
		return "", nil, ErrUnencrypted
	}
	if server.Name != a.host {
		return "", nil, ErrWrongHostname
	}
	a.step = 0
	return "LOGIN", nil, nil
}

// Next answers the username and password prompts. Servers that send an empty or
// non-standard prompt are answered by position: the first challenge gets the username,
// the second one the password.
func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	a.step++
	switch string(fromServer) {
	case LoginXUsernameChallenge, LoginXDraftUsernameChallenge:
		return []byte(a.username), nil
	case LoginXPasswordChallenge, LoginXDraftPasswordChallenge:
		return []byte(a.password), nil
	}
	switch a.step {
	case 1:
		return []byte(a.username), nil
	case 2:
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedServerResponse, string(fromServer))
	}
}
