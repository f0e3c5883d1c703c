// SPDX-FileCopyrightText: Copyright (c) 2024 The go-mail Authors
//
// SPDX-License-Identifier: MIT

package smtp

import (
	"errors"
	"fmt"

	"github.com/Azure/go-ntlmssp"
)

// ErrNTLMChallangeEmpty is returned when the NTLMv2 ChallengeMessage received from the server is empty.
var ErrNTLMChallangeEmpty = errors.New("NTLMv2 ChallengeMessage is empty")

// ntlmAuth represents a NTLM client and satisfies the smtp.Auth interface.
type ntlmAuth struct {
	domain, password, username, workstation string
	domainNeeded                            bool
	answered                                bool
}

// NTLMv2Auth creates and returns a new NTLMv2 authentication mechanism with the given
// username and password. A username of the form DOMAIN\user or user@domain selects
// the domain.
func NTLMv2Auth(username, password, workstation string) Auth {
	user, domain, domainNeeded := ntlmssp.GetDomain(username)
	return &ntlmAuth{
		domain:       domain,
		password:     password,
		username:     user,
		workstation:  workstation,
		domainNeeded: domainNeeded,
	}
}

// Start returns the NTLM negotiate message as the initial response
func (a *ntlmAuth) Start(_ *ServerInfo) (string, []byte, error) {
	a.answered = false
	negotiateMessage, err := ntlmssp.NewNegotiateMessage(a.domain, a.workstation)
	if err != nil {
		return MechanismNTLM.String(), nil, fmt.Errorf("failed to create NTLM negotiate message: %w", err)
	}
	return MechanismNTLM.String(), negotiateMessage, nil
}

// Next answers the single challenge message of the server with the authenticate message
func (a *ntlmAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	if a.answered {
		return nil, ErrUnexpectedServerChallange
	}
	if len(fromServer) == 0 {
		return nil, ErrNTLMChallangeEmpty
	}
	a.answered = true
	authenticateMessage, err := ntlmssp.ProcessChallenge(fromServer, a.username, a.password, a.domainNeeded)
	if err != nil {
		return nil, fmt.Errorf("failed to process NTLM challenge: %w", err)
	}
	return authenticateMessage, nil
}
