// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package relay

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	// serverGreeting is the default greeting of the testServer
	serverGreeting = "220 mx.example.com ESMTP ready"

	// closeConn makes the testServer drop the connection instead of replying
	closeConn = "<close>"

	// dataEnd is the pseudo command passed to testServerConfig.reply for the final reply
	// to the message data
	dataEnd = "<data end>"
)

// testServerConfig configures a testServer
type testServerConfig struct {
	// extensions are advertised in the EHLO reply on a plaintext connection
	extensions []string
	// tlsExtensions are advertised in the EHLO reply on an encrypted connection
	tlsExtensions []string
	// startTLS advertises STARTTLS on plaintext connections and accepts the upgrade
	startTLS bool
	// implicitTLS wraps the listener in TLS
	implicitTLS bool
	// reply returns the reply to a command line. An empty string selects the default.
	reply func(cmd string) string
}

// testServer is an SMTP server, finely tailored to deal with our own client only! It
// records every command line and message it receives.
type testServer struct {
	t      *testing.T
	ln     net.Listener
	config testServerConfig

	mutex  sync.Mutex
	bodies []string
	cmds   []string
	conns  []net.Conn
	wg     sync.WaitGroup
}

func newTestServer(t *testing.T, config testServerConfig) *testServer {
	t.Helper()
	ln := newLocalListener(t)
	if config.implicitTLS {
		ln = tls.NewListener(ln, serverTLSConfig(t))
	}
	s := &testServer{t: t, ln: ln, config: config}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		_ = s.ln.Close()
		s.mutex.Lock()
		for _, conn := range s.conns {
			_ = conn.Close()
		}
		s.mutex.Unlock()
		s.wg.Wait()
	})
	return s
}

func (s *testServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mutex.Lock()
		s.conns = append(s.conns, conn)
		s.mutex.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *testServer) handle(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	encrypted := s.config.implicitTLS
	reader := bufio.NewReader(conn)
	send := func(reply string) {
		_, _ = conn.Write([]byte(reply + "\r\n"))
	}

	send(s.replyFor("<connect>", serverGreeting))
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		s.record(cmd)
		verb := strings.ToUpper(cmd)
		if i := strings.IndexByte(verb, ' '); i > 0 {
			verb = verb[:i]
		}

		var reply string
		switch verb {
		case "EHLO":
			lines := []string{"mx.example.com greets you"}
			extensions := s.config.extensions
			if encrypted {
				extensions = s.config.tlsExtensions
			} else if s.config.startTLS {
				lines = append(lines, "STARTTLS")
			}
			lines = append(lines, extensions...)
			reply = s.replyFor(cmd, multiline(250, lines))
		case "HELO":
			reply = s.replyFor(cmd, "250 mx.example.com")
		case "STARTTLS":
			reply = s.replyFor(cmd, "220 2.0.0 Ready to start TLS")
			if reply == closeConn {
				return
			}
			send(reply)
			if !strings.HasPrefix(reply, "220") {
				continue
			}
			tlsConn := tls.Server(conn, serverTLSConfig(s.t))
			if err = tlsConn.Handshake(); err != nil {
				return
			}
			conn = tlsConn
			reader = bufio.NewReader(conn)
			encrypted = true
			continue
		case "AUTH":
			reply = s.replyFor(cmd, "235 2.7.0 Authentication successful")
		case "MAIL":
			reply = s.replyFor(cmd, "250 2.1.0 Ok")
		case "RCPT":
			reply = s.replyFor(cmd, "250 2.1.5 Ok")
		case "DATA":
			reply = s.replyFor(cmd, "354 End data with <CR><LF>.<CR><LF>")
			if reply == closeConn {
				return
			}
			send(reply)
			if !strings.HasPrefix(reply, "354") {
				continue
			}
			var body strings.Builder
			for {
				line, err = reader.ReadString('\n')
				if err != nil {
					return
				}
				if line == ".\r\n" {
					break
				}
				body.WriteString(line)
			}
			s.mutex.Lock()
			s.bodies = append(s.bodies, body.String())
			s.mutex.Unlock()
			reply = s.replyFor(dataEnd, "250 2.0.0 Ok: queued as 4711")
		case "RSET", "NOOP":
			reply = s.replyFor(cmd, "250 2.0.0 Ok")
		case "QUIT":
			send(s.replyFor(cmd, "221 2.0.0 Bye"))
			return
		default:
			reply = s.replyFor(cmd, "502 5.5.2 Command not recognized")
		}
		if reply == closeConn {
			return
		}
		send(reply)
	}
}

func (s *testServer) replyFor(cmd, fallback string) string {
	if s.config.reply != nil {
		if reply := s.config.reply(cmd); reply != "" {
			return reply
		}
	}
	return fallback
}

func (s *testServer) record(cmd string) {
	s.mutex.Lock()
	s.cmds = append(s.cmds, cmd)
	s.mutex.Unlock()
}

// port returns the port the server listens on
func (s *testServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// commands returns all command lines received so far
func (s *testServer) commands() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	cmds := make([]string, len(s.cmds))
	copy(cmds, s.cmds)
	return cmds
}

// count returns the number of received command lines starting with prefix
func (s *testServer) count(prefix string) int {
	n := 0
	for _, cmd := range s.commands() {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}

// messages returns the message data received so far, dot-stuffing still applied
func (s *testServer) messages() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	bodies := make([]string, len(s.bodies))
	copy(bodies, s.bodies)
	return bodies
}

// connections returns the number of accepted connections
func (s *testServer) connections() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.conns)
}

// waitFor polls cond until it is true or one second passed
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within one second")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// multiline renders a multi-line reply with the given code
func multiline(code int, lines []string) string {
	rendered := make([]string, len(lines))
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		rendered[i] = fmt.Sprintf("%d%s%s", code, sep, line)
	}
	return strings.Join(rendered, "\r\n")
}

// newTestClient returns a Client for the testServer without transport security
func newTestClient(t *testing.T, s *testServer, opts ...Option) *Client {
	t.Helper()
	defaults := []Option{
		WithPort(s.port()), WithHELO("localhost"), WithSecurity(SecurityNone),
		WithTimeout(5 * time.Second), WithConnectTimeout(5 * time.Second),
	}
	client, err := NewClient("127.0.0.1", append(defaults, opts...)...)
	if err != nil {
		t.Fatalf("failed to create client: %s", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

// testEnvelope returns an Envelope with a short message
func testEnvelope(t *testing.T, to ...string) *Envelope {
	t.Helper()
	if len(to) == 0 {
		to = []string{"tina@example.com"}
	}
	env, err := NewEnvelope("toni@example.com", to,
		[]byte("From: toni@example.com\r\nSubject: test\r\n\r\nhowdy!\r\n"))
	if err != nil {
		t.Fatalf("failed to create envelope: %s", err)
	}
	return env
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{ServerName: "example.com", RootCAs: testRootCAs, MinVersion: tls.VersionTLS12}
}

func serverTLSConfig(t *testing.T) *tls.Config {
	keypair, err := tls.X509KeyPair(localhostCert, localhostKey)
	if err != nil {
		t.Errorf("failed to load test key pair: %s", err)
		return &tls.Config{}
	}
	return &tls.Config{Certificates: []tls.Certificate{keypair}}
}

func newLocalListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		ln, err = net.Listen("tcp6", "[::1]:0")
	}
	if err != nil {
		t.Fatal(err)
	}
	return ln
}

var testRootCAs = func() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(localhostCert)
	return pool
}()

// localhostCert is a PEM-encoded TLS cert generated from src/crypto/tls:
//
//	go run generate_cert.go --rsa-bits 1024 --host 127.0.0.1,::1,example.com \
//		--ca --start-date "Jan 1 00:00:00 1970" --duration=1000000h
var localhostCert = []byte(`
-----BEGIN CERTIFICATE-----
MIICFDCCAX2gAwIBAgIRAK0xjnaPuNDSreeXb+z+0u4wDQYJKoZIhvcNAQELBQAw
EjEQMA4GA1UEChMHQWNtZSBDbzAgFw03MDAxMDEwMDAwMDBaGA8yMDg0MDEyOTE2
MDAwMFowEjEQMA4GA1UEChMHQWNtZSBDbzCBnzANBgkqhkiG9w0BAQEFAAOBjQAw
gYkCgYEA0nFbQQuOWsjbGtejcpWz153OlziZM4bVjJ9jYruNw5n2Ry6uYQAffhqa
JOInCmmcVe2siJglsyH9aRh6vKiobBbIUXXUU1ABd56ebAzlt0LobLlx7pZEMy30
LqIi9E6zmL3YvdGzpYlkFRnRrqwEtWYbGBf3znO250S56CCWH2UCAwEAAaNoMGYw
DgYDVR0PAQH/BAQDAgKkMBMGA1UdJQQMMAoGCCsGAQUFBwMBMA8GA1UdEwEB/wQF
MAMBAf8wLgYDVR0RBCcwJYILZXhhbXBsZS5jb22HBH8AAAGHEAAAAAAAAAAAAAAA
AAAAAAEwDQYJKoZIhvcNAQELBQADgYEAbZtDS2dVuBYvb+MnolWnCNqvw1w5Gtgi
NmvQQPOMgM3m+oQSCPRTNGSg25e1Qbo7bgQDv8ZTnq8FgOJ/rbkyERw2JckkHpD4
n4qcK27WkEDBtQFlPihIM8hLIuzWoi/9wygiElTy/tVL3y7fGCvY2/k1KBthtZGF
tN8URjVmyEo=
-----END CERTIFICATE-----`)

// localhostKey is the private key for localhostCert.
var localhostKey = []byte(testingKey(`
-----BEGIN RSA TESTING KEY-----
MIICXgIBAAKBgQDScVtBC45ayNsa16NylbPXnc6XOJkzhtWMn2Niu43DmfZHLq5h
AB9+Gpok4icKaZxV7ayImCWzIf1pGHq8qKhsFshRddRTUAF3np5sDOW3QuhsuXHu
lkQzLfQuoiL0TrOYvdi90bOliWQVGdGurAS1ZhsYF/fOc7bnRLnoIJYfZQIDAQAB
AoGBAMst7OgpKyFV6c3JwyI/jWqxDySL3caU+RuTTBaodKAUx2ZEmNJIlx9eudLA
kucHvoxsM/eRxlxkhdFxdBcwU6J+zqooTnhu/FE3jhrT1lPrbhfGhyKnUrB0KKMM
VY3IQZyiehpxaeXAwoAou6TbWoTpl9t8ImAqAMY8hlULCUqlAkEA+9+Ry5FSYK/m
542LujIcCaIGoG1/Te6Sxr3hsPagKC2rH20rDLqXwEedSFOpSS0vpzlPAzy/6Rbb
PHTJUhNdwwJBANXkA+TkMdbJI5do9/mn//U0LfrCR9NkcoYohxfKz8JuhgRQxzF2
6jpo3q7CdTuuRixLWVfeJzcrAyNrVcBq87cCQFkTCtOMNC7fZnCTPUv+9q1tcJyB
vNjJu3yvoEZeIeuzouX9TJE21/33FaeDdsXbRhQEj23cqR38qFHsF1qAYNMCQQDP
QXLEiJoClkR2orAmqjPLVhR3t2oB3INcnEjLNSq8LHyQEfXyaFfu4U9l5+fRPL2i
jiC0k/9L5dHUsF0XZothAkEA23ddgRs+Id/HxtojqqUT27B8MT/IGNrYsp4DvS/c
qgkeluku4GjxRlDMBuXk94xOBEinUs+p/hwP1Alll80Tpg==
-----END RSA TESTING KEY-----`))

func testingKey(s string) string { return strings.ReplaceAll(s, "TESTING KEY", "PRIVATE KEY") }
