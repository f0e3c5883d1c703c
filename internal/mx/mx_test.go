// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package mx

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// testZone answers the questions of the tests
func testZone(w dns.ResponseWriter, req *dns.Msg) {
	resp := new(dns.Msg)
	resp.SetReply(req)
	question := req.Question[0]
	header := func(rrtype uint16) dns.RR_Header {
		return dns.RR_Header{Name: question.Name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: 300}
	}
	mx := func(pref uint16, host string) dns.RR {
		return &dns.MX{Hdr: header(dns.TypeMX), Preference: pref, Mx: host}
	}

	switch question.Name {
	case "example.com.":
		if question.Qtype == dns.TypeMX {
			resp.Answer = append(resp.Answer, mx(20, "mx2.example.com."), mx(10, "mx1.example.com."),
				mx(20, "mx3.example.com."))
		}
	case "implicit.example.com.":
		if question.Qtype == dns.TypeA {
			resp.Answer = append(resp.Answer, &dns.A{Hdr: header(dns.TypeA), A: net.ParseIP("192.0.2.1")})
		}
	case "implicit6.example.com.":
		if question.Qtype == dns.TypeAAAA {
			resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: header(dns.TypeAAAA), AAAA: net.ParseIP("2001:db8::1")})
		}
	case "nullmx.example.com.":
		if question.Qtype == dns.TypeMX {
			resp.Answer = append(resp.Answer, mx(0, "."))
		}
	case "xn--bcher-kva.example.":
		if question.Qtype == dns.TypeMX {
			resp.Answer = append(resp.Answer, mx(10, "mx.xn--bcher-kva.example."))
		}
	case "empty.example.com.":
	case "servfail.example.com.":
		resp.Rcode = dns.RcodeServerFailure
	default:
		resp.Rcode = dns.RcodeNameError
	}
	_ = w.WriteMsg(resp)
}

// newTestDNSServer starts a UDP name server on a local port serving testZone
func newTestDNSServer(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %s", err)
	}
	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        conn,
		Handler:           dns.HandlerFunc(testZone),
		NotifyStartedFunc: func() { close(started) },
	}
	go func() {
		_ = server.ActivateAndServe()
	}()
	t.Cleanup(func() {
		_ = server.Shutdown()
	})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("DNS server did not start")
	}
	return conn.LocalAddr().String()
}

func TestResolver_Lookup(t *testing.T) {
	ctx := context.Background()
	resolver := New(Config{Nameservers: []string{newTestDNSServer(t)}, Timeout: time.Second})

	t.Run("sorted by preference", func(t *testing.T) {
		hosts, err := resolver.Lookup(ctx, "example.com")
		if err != nil {
			t.Fatalf("lookup failed: %s", err)
		}
		want := []string{"mx1.example.com", "mx2.example.com", "mx3.example.com"}
		if !slices.Equal(hosts, want) {
			t.Errorf("expected %v, got: %v", want, hosts)
		}
	})
	t.Run("trailing dot", func(t *testing.T) {
		hosts, err := resolver.Lookup(ctx, "example.com.")
		if err != nil {
			t.Fatalf("lookup failed: %s", err)
		}
		if len(hosts) != 3 {
			t.Errorf("expected 3 hosts, got: %v", hosts)
		}
	})
	t.Run("internationalized domain", func(t *testing.T) {
		hosts, err := resolver.Lookup(ctx, "bücher.example")
		if err != nil {
			t.Fatalf("lookup failed: %s", err)
		}
		if !slices.Equal(hosts, []string{"mx.xn--bcher-kva.example"}) {
			t.Errorf("unexpected hosts: %v", hosts)
		}
	})
	t.Run("implicit MX from A record", func(t *testing.T) {
		hosts, err := resolver.Lookup(ctx, "implicit.example.com")
		if err != nil {
			t.Fatalf("lookup failed: %s", err)
		}
		if !slices.Equal(hosts, []string{"implicit.example.com"}) {
			t.Errorf("unexpected hosts: %v", hosts)
		}
	})
	t.Run("implicit MX from AAAA record", func(t *testing.T) {
		hosts, err := resolver.Lookup(ctx, "implicit6.example.com")
		if err != nil {
			t.Fatalf("lookup failed: %s", err)
		}
		if !slices.Equal(hosts, []string{"implicit6.example.com"}) {
			t.Errorf("unexpected hosts: %v", hosts)
		}
	})
	t.Run("null MX", func(t *testing.T) {
		if _, err := resolver.Lookup(ctx, "nullmx.example.com"); !errors.Is(err, ErrNullMX) {
			t.Errorf("expected ErrNullMX, got: %v", err)
		}
	})
	t.Run("no records at all", func(t *testing.T) {
		if _, err := resolver.Lookup(ctx, "empty.example.com"); !errors.Is(err, ErrNoMailServer) {
			t.Errorf("expected ErrNoMailServer, got: %v", err)
		}
	})
	t.Run("unknown domain", func(t *testing.T) {
		if _, err := resolver.Lookup(ctx, "unknown.example.com"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
	t.Run("server failure", func(t *testing.T) {
		if _, err := resolver.Lookup(ctx, "servfail.example.com"); !errors.Is(err, ErrServerFailure) {
			t.Errorf("expected ErrServerFailure, got: %v", err)
		}
	})
	t.Run("cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := resolver.Lookup(cancelled, "example.com"); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got: %v", err)
		}
	})
}

func TestResolver_unreachable(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %s", err)
	}
	defer func() {
		_ = conn.Close()
	}()
	resolver := New(Config{Nameservers: []string{conn.LocalAddr().String()}, Timeout: 50 * time.Millisecond})
	if _, err = resolver.Lookup(context.Background(), "example.com"); err == nil {
		t.Error("expected lookup against a silent server to fail")
	}
}

func TestNew(t *testing.T) {
	resolver := New(Config{Nameservers: []string{"127.0.0.1:53"}})
	if resolver.client.Timeout != DefaultTimeout {
		t.Errorf("expected timeout %s, got: %s", DefaultTimeout, resolver.client.Timeout)
	}
	if resolver.retries != DefaultRetries {
		t.Errorf("expected %d retries, got: %d", DefaultRetries, resolver.retries)
	}
}

func TestSystemNameservers(t *testing.T) {
	t.Run("resolv.conf", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "resolv.conf")
		content := "search example.com\nnameserver 192.0.2.53\nnameserver 2001:db8::53\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("failed to write resolv.conf: %s", err)
		}
		want := []string{"192.0.2.53:53", "[2001:db8::53]:53"}
		if got := systemNameservers(path); !slices.Equal(got, want) {
			t.Errorf("expected %v, got: %v", want, got)
		}
	})
	t.Run("missing file", func(t *testing.T) {
		got := systemNameservers(filepath.Join(t.TempDir(), "missing"))
		if !slices.Equal(got, fallbackNameservers) {
			t.Errorf("expected fallback servers, got: %v", got)
		}
	})
}

func TestDomain(t *testing.T) {
	tests := []struct {
		address string
		want    string
		ok      bool
	}{
		{"toni@example.com", "example.com", true},
		{"\"a@b\"@example.com", "example.com", true},
		{"toni@", "", false},
		{"@example.com", "", false},
		{"toni", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			got, err := Domain(tt.address)
			if tt.ok && (err != nil || got != tt.want) {
				t.Errorf("expected %q, got: %q, %v", tt.want, got, err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidAddress) {
				t.Errorf("expected ErrInvalidAddress, got: %v", err)
			}
		})
	}
}
