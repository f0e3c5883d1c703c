// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package relay

import (
	"fmt"
	"strings"
)

// SecurityMode describes how a Connection protects the session with TLS
type SecurityMode int

const (
	// SecurityNone never encrypts the connection
	SecurityNone SecurityMode = iota

	// SecurityStartTLSOpportunistic upgrades with STARTTLS when the server offers it and
	// continues in plaintext otherwise. A failed upgrade is an error and never falls back.
	SecurityStartTLSOpportunistic

	// SecurityStartTLSRequired requires the upgrade via STARTTLS. If the server does not
	// advertise STARTTLS the connection is closed with a TLSError.
	SecurityStartTLSRequired

	// SecurityImplicit performs the TLS handshake right after connecting, before the
	// server greeting (RFC 8314)
	SecurityImplicit
)

// Default ports per security mode
const (
	// DefaultPort is the default SMTP port
	DefaultPort = 25

	// DefaultPortSubmission is the default port for message submission with STARTTLS
	DefaultPortSubmission = 587

	// DefaultPortImplicitTLS is the default port for message submission with implicit TLS
	DefaultPortImplicitTLS = 465
)

// String satisfies the fmt.Stringer interface for the SecurityMode type
func (m SecurityMode) String() string {
	switch m {
	case SecurityNone:
		return "none"
	case SecurityStartTLSOpportunistic:
		return "opportunistic"
	case SecurityStartTLSRequired:
		return "required"
	case SecurityImplicit:
		return "implicit"
	default:
		return "unknown"
	}
}

// ParseSecurityMode returns the SecurityMode for the given name as returned by
// SecurityMode.String
func ParseSecurityMode(name string) (SecurityMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "plain":
		return SecurityNone, nil
	case "opportunistic", "starttls-opportunistic":
		return SecurityStartTLSOpportunistic, nil
	case "required", "starttls", "starttls-required":
		return SecurityStartTLSRequired, nil
	case "implicit", "tls", "ssl":
		return SecurityImplicit, nil
	}
	return SecurityNone, fmt.Errorf("unknown security mode: %q", name)
}

// defaultPort returns the port that is used when none is configured
func (m SecurityMode) defaultPort() int {
	switch m {
	case SecurityImplicit:
		return DefaultPortImplicitTLS
	case SecurityStartTLSOpportunistic, SecurityStartTLSRequired:
		return DefaultPortSubmission
	default:
		return DefaultPort
	}
}
