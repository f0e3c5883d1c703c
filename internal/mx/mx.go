// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

// Package mx resolves the mail exchangers of a domain for direct delivery.
package mx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

const (
	// DefaultTimeout is the timeout of a single DNS query
	DefaultTimeout = 5 * time.Second

	// DefaultRetries is the number of additional rounds over all name servers
	DefaultRetries = 1

	// resolvConf is the system resolver configuration
	resolvConf = "/etc/resolv.conf"
)

var (
	// ErrNotFound is returned when the domain does not exist
	ErrNotFound = errors.New("domain not found")

	// ErrNullMX is returned when the domain publishes a null MX record and does not
	// accept mail (RFC 7505)
	ErrNullMX = errors.New("domain does not accept mail")

	// ErrNoMailServer is returned when the domain has neither MX nor address records
	ErrNoMailServer = errors.New("no mail server found for domain")

	// ErrServerFailure is returned when no name server gave a usable answer
	ErrServerFailure = errors.New("dns server failure")

	// ErrInvalidAddress is returned by Domain for addresses without a domain part
	ErrInvalidAddress = errors.New("invalid mail address")

	// fallbackNameservers are used when the system configuration can not be read
	fallbackNameservers = []string{"8.8.8.8:53", "1.1.1.1:53"}
)

// Config configures a Resolver. Zero values select the defaults.
type Config struct {
	// Nameservers are "host:port" addresses. Empty uses the servers of
	// /etc/resolv.conf.
	Nameservers []string
	Timeout     time.Duration
	Retries     int
}

// Resolver looks up mail exchangers using miekg/dns.
type Resolver struct {
	nameservers []string
	retries     int
	client      *dns.Client
}

// New returns a Resolver for the given Config.
func New(config Config) *Resolver {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Retries <= 0 {
		config.Retries = DefaultRetries
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers(resolvConf)
	}
	return &Resolver{
		nameservers: config.Nameservers,
		retries:     config.Retries,
		client:      &dns.Client{Timeout: config.Timeout},
	}
}

// Lookup returns the mail exchangers of domain ordered by preference, lowest first.
// Exchangers of equal preference keep the order of the answer. A domain without MX
// records but with an address record is its own exchanger (RFC 5321, 5.1).
func (r *Resolver) Lookup(ctx context.Context, domain string) ([]string, error) {
	name, err := idna.Lookup.ToASCII(strings.TrimSuffix(domain, "."))
	if err != nil {
		return nil, fmt.Errorf("invalid domain %q: %w", domain, err)
	}

	resp, err := r.query(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, fmt.Errorf("MX lookup for %s failed: %w", name, err)
	}
	var records []*dns.MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			records = append(records, mx)
		}
	}
	if len(records) == 1 && records[0].Mx == "." {
		return nil, fmt.Errorf("%s: %w", name, ErrNullMX)
	}
	if len(records) > 0 {
		slices.SortStableFunc(records, func(a, b *dns.MX) int {
			return int(a.Preference) - int(b.Preference)
		})
		hosts := make([]string, 0, len(records))
		for _, mx := range records {
			if mx.Mx == "." {
				continue
			}
			hosts = append(hosts, strings.TrimSuffix(mx.Mx, "."))
		}
		return hosts, nil
	}

	ok, err := r.hasAddress(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("address lookup for %s failed: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNoMailServer)
	}
	return []string{name}, nil
}

// hasAddress reports whether name has an A or AAAA record
func (r *Resolver) hasAddress(ctx context.Context, name string) (bool, error) {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := r.query(ctx, name, qtype)
		if err != nil {
			return false, err
		}
		for _, rr := range resp.Answer {
			switch rr.(type) {
			case *dns.A, *dns.AAAA:
				return true, nil
			}
		}
	}
	return false, nil
}

// query sends the question to each name server in turn until one gives a definitive
// answer.
func (r *Resolver) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for i := 0; i <= r.retries; i++ {
		for _, server := range r.nameservers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			resp, _, err := r.client.ExchangeContext(ctx, msg, server)
			if err != nil {
				lastErr = err
				continue
			}
			switch resp.Rcode {
			case dns.RcodeSuccess:
				return resp, nil
			case dns.RcodeNameError:
				return nil, ErrNotFound
			default:
				lastErr = fmt.Errorf("%w: %s from %s", ErrServerFailure, dns.RcodeToString[resp.Rcode], server)
			}
		}
	}
	if lastErr == nil {
		lastErr = ErrServerFailure
	}
	return nil, lastErr
}

// Domain returns the domain part of a mail address
func Domain(address string) (string, error) {
	at := strings.LastIndexByte(address, '@')
	if at < 1 || at == len(address)-1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return address[at+1:], nil
}

// systemNameservers reads the name servers from a resolv.conf file
func systemNameservers(path string) []string {
	config, err := dns.ClientConfigFromFile(path)
	if err != nil || len(config.Servers) == 0 {
		return fallbackNameservers
	}
	servers := make([]string, 0, len(config.Servers))
	for _, server := range config.Servers {
		servers = append(servers, net.JoinHostPort(server, config.Port))
	}
	return servers
}
