// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package smtp

import (
	"sort"
	"strconv"
	"strings"
)

// Capabilities is the set of service extensions a server advertised in one EHLO reply.
// A Capabilities value is never modified after it has been parsed; every EHLO produces
// a new one.
type Capabilities struct {
	domain string
	ext    map[string]string
	auth   []string
	size   int64
}

// parseCapabilities builds a Capabilities snapshot from a 250 EHLO reply. The first line
// carries the server's domain, every following line one extension keyword with optional
// parameters.
func parseCapabilities(reply *Reply) *Capabilities {
	caps := &Capabilities{ext: make(map[string]string)}
	if len(reply.Lines) == 0 {
		return caps
	}
	caps.domain, _, _ = strings.Cut(reply.Lines[0], " ")
	for _, line := range reply.Lines[1:] {
		keyword, params, _ := strings.Cut(strings.TrimSpace(line), " ")
		keyword = strings.ToUpper(keyword)
		// Some servers still announce "AUTH=LOGIN PLAIN" as used by early drafts of RFC 2554.
		if strings.HasPrefix(keyword, "AUTH=") {
			params = strings.TrimPrefix(keyword, "AUTH=") + " " + params
			keyword = "AUTH"
		}
		if keyword == "" {
			continue
		}
		if existing, ok := caps.ext[keyword]; ok && keyword == "AUTH" {
			params = existing + " " + params
		}
		caps.ext[keyword] = strings.TrimSpace(params)
	}
	if mechs, ok := caps.ext["AUTH"]; ok {
		seen := make(map[string]struct{})
		for _, mech := range strings.Fields(mechs) {
			mech = strings.ToUpper(mech)
			if _, dup := seen[mech]; dup {
				continue
			}
			seen[mech] = struct{}{}
			caps.auth = append(caps.auth, mech)
		}
	}
	if size, ok := caps.ext["SIZE"]; ok && size != "" {
		if n, err := strconv.ParseInt(size, 10, 64); err == nil && n > 0 {
			caps.size = n
		}
	}
	return caps
}

// Domain returns the server domain from the first line of the EHLO reply
func (c *Capabilities) Domain() string {
	if c == nil {
		return ""
	}
	return c.domain
}

// Has reports whether the extension keyword was advertised. The lookup is case-insensitive.
func (c *Capabilities) Has(ext string) bool {
	if c == nil {
		return false
	}
	_, ok := c.ext[strings.ToUpper(ext)]
	return ok
}

// Param returns the parameters the server announced with the extension keyword
func (c *Capabilities) Param(ext string) (string, bool) {
	if c == nil {
		return "", false
	}
	p, ok := c.ext[strings.ToUpper(ext)]
	return p, ok
}

// Keywords returns all advertised extension keywords in sorted order
func (c *Capabilities) Keywords() []string {
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.ext))
	for k := range c.ext {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AuthMechanisms returns a copy of the advertised SASL mechanisms in server order
func (c *Capabilities) AuthMechanisms() []string {
	if c == nil || len(c.auth) == 0 {
		return nil
	}
	mechs := make([]string, len(c.auth))
	copy(mechs, c.auth)
	return mechs
}

// MaxSize returns the SIZE limit in bytes, or 0 if the server announced none
func (c *Capabilities) MaxSize() int64 {
	if c == nil {
		return 0
	}
	return c.size
}

// StartTLS reports the STARTTLS extension (RFC 3207)
func (c *Capabilities) StartTLS() bool { return c.Has("STARTTLS") }

// Pipelining reports the PIPELINING extension (RFC 2920)
func (c *Capabilities) Pipelining() bool { return c.Has("PIPELINING") }

// EightBitMIME reports the 8BITMIME extension (RFC 6152)
func (c *Capabilities) EightBitMIME() bool { return c.Has("8BITMIME") }

// SMTPUTF8 reports the SMTPUTF8 extension (RFC 6531)
func (c *Capabilities) SMTPUTF8() bool { return c.Has("SMTPUTF8") }

// EnhancedStatusCodes reports the ENHANCEDSTATUSCODES extension (RFC 2034)
func (c *Capabilities) EnhancedStatusCodes() bool { return c.Has("ENHANCEDSTATUSCODES") }

// DSN reports the DSN extension (RFC 3461)
func (c *Capabilities) DSN() bool { return c.Has("DSN") }
