// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wneessen/go-relay/log"
	"github.com/wneessen/go-relay/smtp"
)

func TestNewClient(t *testing.T) {
	t.Run("new client with defaults", func(t *testing.T) {
		client, err := NewClient("mail.example.com")
		if err != nil {
			t.Fatalf("failed to create new client: %s", err)
		}
		if client.ServerAddr() != "mail.example.com:587" {
			t.Errorf("expected server address mail.example.com:587, got: %s", client.ServerAddr())
		}
		if client.Security() != SecurityStartTLSRequired {
			t.Errorf("expected security mode required, got: %s", client.Security())
		}
		if client.timeout != DefaultTimeout {
			t.Errorf("expected timeout %s, got: %s", DefaultTimeout, client.timeout)
		}
		if client.tlsConfig == nil || client.tlsConfig.ServerName != "mail.example.com" {
			t.Error("expected default TLS config with server name")
		}
		if client.tlsConfig.MinVersion != DefaultTLSMinVersion {
			t.Errorf("expected TLS min version %d, got: %d", DefaultTLSMinVersion, client.tlsConfig.MinVersion)
		}
		if client.Pool() == nil {
			t.Error("expected pool to be initialized")
		}
	})
	t.Run("new client with empty hostname fails", func(t *testing.T) {
		_, err := NewClient("")
		if !errors.Is(err, ErrNoHostname) {
			t.Errorf("expected ErrNoHostname, got: %s", err)
		}
	})
	t.Run("default ports follow the security mode", func(t *testing.T) {
		tests := []struct {
			mode SecurityMode
			want string
		}{
			{SecurityNone, "mail.example.com:25"},
			{SecurityStartTLSOpportunistic, "mail.example.com:587"},
			{SecurityStartTLSRequired, "mail.example.com:587"},
			{SecurityImplicit, "mail.example.com:465"},
		}
		for _, tt := range tests {
			t.Run(tt.mode.String(), func(t *testing.T) {
				client, err := NewClient("mail.example.com", WithSecurity(tt.mode))
				if err != nil {
					t.Fatalf("failed to create new client: %s", err)
				}
				if client.ServerAddr() != tt.want {
					t.Errorf("expected server address %s, got: %s", tt.want, client.ServerAddr())
				}
			})
		}
	})
	t.Run("explicit port overrides the default", func(t *testing.T) {
		client, err := NewClient("mail.example.com", WithPort(2525), WithSecurity(SecurityImplicit))
		if err != nil {
			t.Fatalf("failed to create new client: %s", err)
		}
		if client.ServerAddr() != "mail.example.com:2525" {
			t.Errorf("expected server address mail.example.com:2525, got: %s", client.ServerAddr())
		}
	})
	t.Run("internationalized host name is converted", func(t *testing.T) {
		client, err := NewClient("bücher.example", WithHELO("müller.example"))
		if err != nil {
			t.Fatalf("failed to create new client: %s", err)
		}
		if client.host != "xn--bcher-kva.example" {
			t.Errorf("expected host xn--bcher-kva.example, got: %s", client.host)
		}
		if client.helo != "xn--mller-kva.example" {
			t.Errorf("expected HELO xn--mller-kva.example, got: %s", client.helo)
		}
	})
	t.Run("IP address literal is kept", func(t *testing.T) {
		client, err := NewClient("::1", WithSecurity(SecurityNone))
		if err != nil {
			t.Fatalf("failed to create new client: %s", err)
		}
		if client.ServerAddr() != "[::1]:25" {
			t.Errorf("expected server address [::1]:25, got: %s", client.ServerAddr())
		}
	})
	t.Run("relay key includes security and user", func(t *testing.T) {
		client, err := NewClient("mail.example.com", WithCredentials("toni", "secret"))
		if err != nil {
			t.Fatalf("failed to create new client: %s", err)
		}
		if client.Key() != "mail.example.com:587/required/toni" {
			t.Errorf("unexpected relay key: %s", client.Key())
		}
	})
	t.Run("nil option is ignored", func(t *testing.T) {
		if _, err := NewClient("mail.example.com", nil); err != nil {
			t.Errorf("nil option should be ignored, got: %s", err)
		}
	})
	t.Run("invalid options fail", func(t *testing.T) {
		tests := []struct {
			name   string
			option Option
			want   error
		}{
			{"port zero", WithPort(0), ErrInvalidPort},
			{"port too large", WithPort(65536), ErrInvalidPort},
			{"timeout zero", WithTimeout(0), ErrInvalidTimeout},
			{"negative connect timeout", WithConnectTimeout(-time.Second), ErrInvalidTimeout},
			{"empty HELO", WithHELO(""), ErrInvalidHELO},
			{"nil TLS config", WithTLSConfig(nil), ErrInvalidTLSConfig},
			{"pool size zero", WithPoolSize(0), ErrInvalidPoolSize},
			{"pool wait timeout zero", WithPoolWaitTimeout(0), ErrInvalidTimeout},
			{"idle probe zero", WithIdleProbe(0), ErrInvalidTimeout},
			{"pool max idle zero", WithPoolMaxIdle(0), ErrInvalidTimeout},
			{"no mechanisms", WithMechanisms(), ErrNoMechanisms},
			{"unknown security", WithSecurity(SecurityMode(42)), ErrInvalidSecurity},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := NewClient("mail.example.com", tt.option)
				if !errors.Is(err, tt.want) {
					t.Errorf("expected error %s, got: %s", tt.want, err)
				}
			})
		}
	})
	t.Run("pool and auth options are applied", func(t *testing.T) {
		client, err := NewClient("mail.example.com", WithPoolSize(2), WithPoolWaitTimeout(time.Second),
			WithIdleProbe(time.Minute), WithPoolMaxIdle(5*time.Minute), WithXOAuth2("toni", "token"),
			WithAllowInsecureAuth(), WithErrorHandler("NOOP", &smtp.SkipMalformedLineHandler{}))
		if err != nil {
			t.Fatalf("failed to create new client: %s", err)
		}
		if client.pool.config.MaxPerKey != 2 {
			t.Errorf("expected pool size 2, got: %d", client.pool.config.MaxPerKey)
		}
		if client.pool.config.WaitTimeout != time.Second {
			t.Errorf("expected pool wait timeout 1s, got: %s", client.pool.config.WaitTimeout)
		}
		if client.pool.config.IdleProbe != time.Minute {
			t.Errorf("expected idle probe 1m, got: %s", client.pool.config.IdleProbe)
		}
		if client.pool.config.MaxIdle != 5*time.Minute {
			t.Errorf("expected pool max idle 5m, got: %s", client.pool.config.MaxIdle)
		}
		if len(client.mechanisms) != 1 || client.mechanisms[0] != smtp.MechanismXOAuth2 {
			t.Errorf("expected XOAUTH2 as only mechanism, got: %v", client.mechanisms)
		}
		if !client.hasCreds || !client.allowInsecureAuth {
			t.Error("expected credentials and insecure auth to be set")
		}
		if _, ok := client.errorHandlers["noop"]; !ok {
			t.Error("expected error handler to be registered for noop")
		}
	})
}

func TestClient_Send(t *testing.T) {
	ctx := context.Background()
	t.Run("send mail and reuse the connection", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{extensions: []string{"PIPELINING", "SIZE 10240"}})
		client := newTestClient(t, server)
		for i := 0; i < 3; i++ {
			result, err := client.Send(ctx, testEnvelope(t, "tina@example.com", "tom@example.com"))
			if err != nil {
				t.Fatalf("failed to send mail: %s", err)
			}
			if len(result.Accepted) != 2 || result.HasRejections() {
				t.Errorf("expected two accepted recipients, got: %v", result.Accepted)
			}
			if result.Reply == nil || result.Reply.Code != 250 {
				t.Errorf("expected final reply 250, got: %v", result.Reply)
			}
		}
		if server.connections() != 1 {
			t.Errorf("expected one connection, got: %d", server.connections())
		}
		if server.count("EHLO") != 1 {
			t.Errorf("expected one EHLO, got: %d", server.count("EHLO"))
		}
		if client.Pool().IdleCount(client.Key()) != 1 {
			t.Errorf("expected one idle connection, got: %d", client.Pool().IdleCount(client.Key()))
		}
		messages := server.messages()
		if len(messages) != 3 || !strings.Contains(messages[0], "howdy!") {
			t.Errorf("unexpected messages received: %v", messages)
		}
		found := false
		for _, cmd := range server.commands() {
			if strings.HasPrefix(cmd, "MAIL FROM:<toni@example.com> SIZE=") {
				found = true
			}
		}
		if !found {
			t.Errorf("expected MAIL FROM with SIZE parameter, got: %v", server.commands())
		}
	})
	t.Run("send without envelope fails", func(t *testing.T) {
		client, err := NewClient("mail.example.com")
		if err != nil {
			t.Fatalf("failed to create new client: %s", err)
		}
		if _, err = client.Send(ctx, nil); !errors.Is(err, ErrNoEnvelope) {
			t.Errorf("expected ErrNoEnvelope, got: %s", err)
		}
	})
	t.Run("partially rejected recipients", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{
			extensions: []string{"PIPELINING"},
			reply: func(cmd string) string {
				if cmd == "RCPT TO:<nobody@example.com>" {
					return "550 5.1.1 User unknown"
				}
				return ""
			},
		})
		client := newTestClient(t, server)
		result, err := client.Send(ctx, testEnvelope(t, "tina@example.com", "nobody@example.com"))
		if err != nil {
			t.Fatalf("partial rejection should not fail the send: %s", err)
		}
		if len(result.Accepted) != 1 || result.Accepted[0] != "tina@example.com" {
			t.Errorf("unexpected accepted recipients: %v", result.Accepted)
		}
		if !result.HasRejections() || result.Rejected[0].Address != "nobody@example.com" {
			t.Fatalf("unexpected rejected recipients: %v", result.Rejected)
		}
		if result.Rejected[0].Err.Code() != 550 {
			t.Errorf("expected rejection code 550, got: %d", result.Rejected[0].Err.Code())
		}
		if result.Rejected[0].Err.EnhancedCode().String() != "5.1.1" {
			t.Errorf("expected enhanced code 5.1.1, got: %s", result.Rejected[0].Err.EnhancedCode())
		}
		if server.count("DATA") != 1 {
			t.Errorf("expected message data to be sent")
		}
	})
	t.Run("all recipients rejected", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{
			extensions: []string{"PIPELINING"},
			reply: func(cmd string) string {
				switch cmd {
				case "RCPT TO:<full@example.com>":
					return "452 4.2.2 Mailbox full"
				case "RCPT TO:<nobody@example.com>":
					return "550 5.1.1 User unknown"
				}
				return ""
			},
		})
		client := newTestClient(t, server)
		_, err := client.Send(ctx, testEnvelope(t, "full@example.com", "nobody@example.com"))
		var derr *DeliveryError
		if !errors.As(err, &derr) {
			t.Fatalf("expected DeliveryError, got: %s", err)
		}
		if derr.Reason != ErrSMTPRcptTo {
			t.Errorf("expected reason ErrSMTPRcptTo, got: %s", derr.Reason)
		}
		if !derr.IsTemp() {
			t.Error("expected a temporary error if any rejection is temporary")
		}
		if !errors.Is(err, &DeliveryError{Reason: ErrSMTPRcptTo, isTemp: true}) {
			t.Error("expected error to match temporary ErrSMTPRcptTo")
		}
		if derr.ErrorCode() != 452 {
			t.Errorf("expected error code of the first rejection, got: %d", derr.ErrorCode())
		}
		if derr.Result() == nil || len(derr.Result().Rejected) != 2 {
			t.Errorf("expected result with two rejections, got: %v", derr.Result())
		}
		if server.count("DATA") != 0 {
			t.Error("DATA must not be sent without accepted recipients")
		}
		if server.count("RSET") != 1 {
			t.Errorf("expected transaction to be reset, got %d RSET", server.count("RSET"))
		}
		if client.Pool().IdleCount(client.Key()) != 1 {
			t.Error("expected connection to be kept after the reset")
		}
	})
	t.Run("MAIL FROM rejected", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{
			reply: func(cmd string) string {
				if strings.HasPrefix(cmd, "MAIL") {
					return "451 4.3.0 Try again later"
				}
				return ""
			},
		})
		client := newTestClient(t, server)
		_, err := client.Send(ctx, testEnvelope(t))
		var derr *DeliveryError
		if !errors.As(err, &derr) {
			t.Fatalf("expected DeliveryError, got: %s", err)
		}
		if derr.Reason != ErrSMTPMailFrom || !derr.IsTemp() {
			t.Errorf("expected temporary ErrSMTPMailFrom, got: %s", err)
		}
		if derr.ErrorCode() != 451 || derr.EnhancedStatusCode() != "4.3.0" {
			t.Errorf("unexpected codes: %d %s", derr.ErrorCode(), derr.EnhancedStatusCode())
		}
		var replyErr *smtp.ReplyError
		if !errors.As(err, &replyErr) || replyErr.Command != "MAIL" {
			t.Errorf("expected wrapped MAIL ReplyError, got: %s", err)
		}
		if server.count("RCPT") != 0 {
			t.Error("RCPT must not be sent after MAIL FROM was rejected")
		}
		if server.count("RSET") != 1 {
			t.Errorf("expected transaction to be reset, got %d RSET", server.count("RSET"))
		}
	})
	t.Run("DATA command rejected", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{
			reply: func(cmd string) string {
				if cmd == "DATA" {
					return "554 5.5.1 No valid recipients"
				}
				return ""
			},
		})
		client := newTestClient(t, server)
		_, err := client.Send(ctx, testEnvelope(t))
		var derr *DeliveryError
		if !errors.As(err, &derr) {
			t.Fatalf("expected DeliveryError, got: %s", err)
		}
		if derr.Reason != ErrSMTPData || derr.IsTemp() {
			t.Errorf("expected permanent ErrSMTPData, got: %s", err)
		}
		if server.count("RSET") != 1 {
			t.Errorf("expected transaction to be reset, got %d RSET", server.count("RSET"))
		}
	})
	t.Run("message rejected after data", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{
			reply: func(cmd string) string {
				if cmd == dataEnd {
					return "554 5.7.1 Message rejected as spam"
				}
				return ""
			},
		})
		client := newTestClient(t, server)
		_, err := client.Send(ctx, testEnvelope(t))
		var derr *DeliveryError
		if !errors.As(err, &derr) {
			t.Fatalf("expected DeliveryError, got: %s", err)
		}
		if derr.Reason != ErrSMTPDataClose {
			t.Errorf("expected reason ErrSMTPDataClose, got: %s", derr.Reason)
		}
		if derr.ErrorCode() != 554 || derr.EnhancedStatusCode() != "5.7.1" {
			t.Errorf("unexpected codes: %d %s", derr.ErrorCode(), derr.EnhancedStatusCode())
		}
		if derr.Reply() == nil || !strings.Contains(derr.Reply().Message(), "spam") {
			t.Errorf("expected server reply in error, got: %v", derr.Reply())
		}
		if server.count("RSET") != 0 {
			t.Error("the final reply ends the transaction, RSET must not be sent")
		}
		if client.Pool().IdleCount(client.Key()) != 1 {
			t.Error("expected connection to be kept")
		}
	})
	t.Run("message larger than the SIZE limit", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{extensions: []string{"SIZE 10"}})
		client := newTestClient(t, server)
		_, err := client.Send(ctx, testEnvelope(t))
		if !errors.Is(err, &DeliveryError{Reason: ErrMessageTooLarge}) {
			t.Errorf("expected ErrMessageTooLarge, got: %s", err)
		}
		if !errors.Is(err, ErrSizeExceeded) {
			t.Errorf("expected ErrSizeExceeded in chain, got: %s", err)
		}
		if server.count("MAIL") != 0 {
			t.Error("MAIL must not be sent for an oversized message")
		}
	})
	t.Run("8BITMIME and SMTPUTF8 are requested when needed", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{extensions: []string{"8BITMIME", "SMTPUTF8"}})
		client := newTestClient(t, server)
		env, err := NewEnvelope("töni@example.com", []string{"tina@example.com"},
			[]byte("Subject: Grüße\r\n\r\nHallöchen\r\n"))
		if err != nil {
			t.Fatalf("failed to create envelope: %s", err)
		}
		if _, err = client.Send(ctx, env); err != nil {
			t.Fatalf("failed to send mail: %s", err)
		}
		want := "MAIL FROM:<töni@example.com> BODY=8BITMIME SMTPUTF8"
		if server.count(want) != 1 {
			t.Errorf("expected %q, got: %v", want, server.commands())
		}
	})
	t.Run("ASCII message has no extra MAIL parameters", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{extensions: []string{"8BITMIME", "SMTPUTF8"}})
		client := newTestClient(t, server)
		if _, err := client.Send(ctx, testEnvelope(t)); err != nil {
			t.Fatalf("failed to send mail: %s", err)
		}
		if server.count("MAIL FROM:<toni@example.com>") != 1 || server.count("MAIL FROM:<toni@example.com> ") != 0 {
			t.Errorf("unexpected MAIL command: %v", server.commands())
		}
	})
	t.Run("null reverse-path", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{})
		client := newTestClient(t, server)
		env, err := NewEnvelope("", []string{"tina@example.com"}, []byte("Subject: bounce\r\n\r\nbounce\r\n"))
		if err != nil {
			t.Fatalf("failed to create envelope: %s", err)
		}
		if _, err = client.Send(ctx, env); err != nil {
			t.Fatalf("failed to send mail: %s", err)
		}
		if server.count("MAIL FROM:<>") != 1 {
			t.Errorf("expected null reverse-path, got: %v", server.commands())
		}
	})
	t.Run("bare LF in body is refused locally", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{})
		client := newTestClient(t, server)
		env, err := NewEnvelope("toni@example.com", []string{"tina@example.com"}, []byte("line1\nline2\r\n"))
		if err != nil {
			t.Fatalf("failed to create envelope: %s", err)
		}
		_, err = client.Send(ctx, env)
		if !errors.Is(err, &smtp.ProtocolError{Kind: smtp.InvalidInput}) {
			t.Fatalf("expected InvalidInput ProtocolError, got: %s", err)
		}
		if server.count("DATA") != 0 {
			t.Error("DATA must not be sent for an invalid body")
		}
		if server.count("RSET") != 1 {
			t.Errorf("expected transaction to be reset, got %d RSET", server.count("RSET"))
		}
		if client.Pool().IdleCount(client.Key()) != 1 {
			t.Error("expected connection to be kept")
		}
	})
	t.Run("connection refused", func(t *testing.T) {
		ln := newLocalListener(t)
		port := ln.Addr().(*net.TCPAddr).Port
		_ = ln.Close()
		client, err := NewClient("127.0.0.1", WithPort(port), WithSecurity(SecurityNone))
		if err != nil {
			t.Fatalf("failed to create new client: %s", err)
		}
		_, err = client.Send(ctx, testEnvelope(t))
		if !errors.Is(err, &smtp.TransportError{Kind: smtp.TransportConnect}) {
			t.Errorf("expected connect TransportError, got: %s", err)
		}
	})
	t.Run("greeting rejected", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{
			reply: func(cmd string) string {
				if cmd == "<connect>" {
					return "554 5.3.2 Service not available"
				}
				return ""
			},
		})
		client := newTestClient(t, server)
		_, err := client.Send(ctx, testEnvelope(t))
		var replyErr *smtp.ReplyError
		if !errors.As(err, &replyErr) || replyErr.Code() != 554 {
			t.Errorf("expected rejected greeting, got: %s", err)
		}
	})
	t.Run("EHLO rejected falls back to HELO", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{
			reply: func(cmd string) string {
				if strings.HasPrefix(cmd, "EHLO") {
					return "502 5.5.2 Command not recognized"
				}
				return ""
			},
		})
		client := newTestClient(t, server)
		if _, err := client.Send(ctx, testEnvelope(t)); err != nil {
			t.Fatalf("failed to send mail: %s", err)
		}
		if server.count("HELO localhost") != 1 {
			t.Errorf("expected HELO fallback, got: %v", server.commands())
		}
	})
	t.Run("custom dial function", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{})
		var dialed atomic.Int32
		dialer := func(ctx context.Context, network, address string) (net.Conn, error) {
			dialed.Add(1)
			nd := net.Dialer{}
			return nd.DialContext(ctx, network, address)
		}
		client := newTestClient(t, server, WithDialContextFunc(dialer))
		if _, err := client.Send(ctx, testEnvelope(t)); err != nil {
			t.Fatalf("failed to send mail: %s", err)
		}
		if dialed.Load() != 1 {
			t.Errorf("expected custom dialer to be used once, got: %d", dialed.Load())
		}
	})
	t.Run("debug log contains the transcript", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{})
		buffer := bytes.NewBuffer(nil)
		client := newTestClient(t, server, WithDebugLog(), WithLogger(log.New(buffer, log.LevelDebug)))
		if _, err := client.Send(ctx, testEnvelope(t)); err != nil {
			t.Fatalf("failed to send mail: %s", err)
		}
		if !strings.Contains(buffer.String(), "EHLO localhost") {
			t.Errorf("expected EHLO in debug log, got: %s", buffer.String())
		}
		if !strings.Contains(buffer.String(), client.Key()) {
			t.Errorf("expected relay key in debug log, got: %s", buffer.String())
		}
	})
}

func TestClient_Security(t *testing.T) {
	ctx := context.Background()
	t.Run("STARTTLS required and offered", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{
			startTLS:      true,
			tlsExtensions: []string{"PIPELINING"},
		})
		client := newTestClient(t, server, WithSecurity(SecurityStartTLSRequired), WithTLSConfig(clientTLSConfig()))
		conn, err := client.Dial(ctx)
		if err != nil {
			t.Fatalf("failed to dial: %s", err)
		}
		defer func() {
			_ = conn.Close()
		}()
		if !conn.IsTLS() {
			t.Error("expected connection to be encrypted")
		}
		if _, ok := conn.TLSConnectionState(); !ok {
			t.Error("expected TLS connection state")
		}
		if conn.State() != smtp.StateReady {
			t.Errorf("expected state Ready, got: %s", conn.State())
		}
		if server.count("EHLO") != 2 {
			t.Errorf("expected EHLO to be repeated after STARTTLS, got: %d", server.count("EHLO"))
		}
		if !conn.Capabilities().Pipelining() {
			t.Error("expected capabilities of the encrypted session")
		}
		if _, err = conn.Send(ctx, testEnvelope(t)); err != nil {
			t.Errorf("failed to send over encrypted connection: %s", err)
		}
	})
	t.Run("STARTTLS required but not offered", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{})
		client := newTestClient(t, server, WithSecurity(SecurityStartTLSRequired), WithTLSConfig(clientTLSConfig()))
		_, err := client.Send(ctx, testEnvelope(t))
		var tlsErr *smtp.TLSError
		if !errors.As(err, &tlsErr) {
			t.Fatalf("expected TLSError, got: %s", err)
		}
		if !errors.Is(err, ErrStartTLSRequired) {
			t.Errorf("expected ErrStartTLSRequired, got: %s", err)
		}
		if server.count("MAIL") != 0 {
			t.Error("no mail must be sent over a plaintext connection")
		}
	})
	t.Run("STARTTLS with untrusted certificate", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{startTLS: true})
		client := newTestClient(t, server, WithSecurity(SecurityStartTLSRequired),
			WithTLSConfig(&tls.Config{ServerName: "example.com", MinVersion: tls.VersionTLS12}))
		_, err := client.Send(ctx, testEnvelope(t))
		var tlsErr *smtp.TLSError
		if !errors.As(err, &tlsErr) {
			t.Errorf("expected TLSError, got: %s", err)
		}
	})
	t.Run("opportunistic STARTTLS upgrades", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{startTLS: true})
		client := newTestClient(t, server, WithSecurity(SecurityStartTLSOpportunistic),
			WithTLSConfig(clientTLSConfig()))
		conn, err := client.Dial(ctx)
		if err != nil {
			t.Fatalf("failed to dial: %s", err)
		}
		defer func() {
			_ = conn.Close()
		}()
		if !conn.IsTLS() {
			t.Error("expected connection to be upgraded")
		}
		if conn.Security() != SecurityStartTLSOpportunistic {
			t.Errorf("unexpected security mode: %s", conn.Security())
		}
	})
	t.Run("opportunistic STARTTLS continues unencrypted", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{})
		buffer := bytes.NewBuffer(nil)
		client := newTestClient(t, server, WithSecurity(SecurityStartTLSOpportunistic),
			WithTLSConfig(clientTLSConfig()), WithLogger(log.New(buffer, log.LevelInfo)))
		conn, err := client.Dial(ctx)
		if err != nil {
			t.Fatalf("failed to dial: %s", err)
		}
		defer func() {
			_ = conn.Close()
		}()
		if conn.IsTLS() {
			t.Error("expected plaintext connection")
		}
		if !strings.Contains(buffer.String(), "does not offer STARTTLS") {
			t.Errorf("expected missing STARTTLS to be logged, got: %s", buffer.String())
		}
	})
	t.Run("implicit TLS", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{implicitTLS: true, tlsExtensions: []string{"8BITMIME"}})
		client := newTestClient(t, server, WithSecurity(SecurityImplicit), WithTLSConfig(clientTLSConfig()))
		if _, err := client.Send(ctx, testEnvelope(t)); err != nil {
			t.Fatalf("failed to send mail over implicit TLS: %s", err)
		}
		if server.count("STARTTLS") != 0 {
			t.Error("STARTTLS must not be used with implicit TLS")
		}
	})
	t.Run("implicit TLS with untrusted certificate", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{implicitTLS: true})
		client := newTestClient(t, server, WithSecurity(SecurityImplicit),
			WithTLSConfig(&tls.Config{ServerName: "example.com", MinVersion: tls.VersionTLS12}))
		_, err := client.Send(ctx, testEnvelope(t))
		var tlsErr *smtp.TLSError
		if !errors.As(err, &tlsErr) {
			t.Errorf("expected TLSError, got: %s", err)
		}
	})
}

func TestClient_Auth(t *testing.T) {
	ctx := context.Background()
	t.Run("AUTH PLAIN succeeds", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{extensions: []string{"AUTH PLAIN LOGIN"}})
		client := newTestClient(t, server, WithCredentials("toni", "secret"),
			WithMechanisms(smtp.MechanismPlain))
		if _, err := client.Send(ctx, testEnvelope(t)); err != nil {
			t.Fatalf("failed to send mail: %s", err)
		}
		if server.count("AUTH PLAIN ") != 1 {
			t.Errorf("expected AUTH PLAIN with initial response, got: %v", server.commands())
		}
	})
	t.Run("AUTH rejected", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{
			extensions: []string{"AUTH PLAIN"},
			reply: func(cmd string) string {
				if strings.HasPrefix(cmd, "AUTH") {
					return "535 5.7.8 Authentication credentials invalid"
				}
				return ""
			},
		})
		client := newTestClient(t, server, WithCredentials("toni", "wrong"),
			WithMechanisms(smtp.MechanismPlain))
		_, err := client.Send(ctx, testEnvelope(t))
		if !errors.Is(err, &smtp.AuthError{Kind: smtp.Rejected}) {
			t.Fatalf("expected rejected AuthError, got: %s", err)
		}
		if server.count("MAIL") != 0 {
			t.Error("MAIL must not be sent after failed authentication")
		}
		if client.Pool().IdleCount(client.Key()) != 0 {
			t.Error("connection with failed authentication must not be pooled")
		}
	})
	t.Run("no supported mechanism", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{extensions: []string{"AUTH GSSAPI"}})
		client := newTestClient(t, server, WithCredentials("toni", "secret"))
		_, err := client.Send(ctx, testEnvelope(t))
		if !errors.Is(err, &smtp.AuthError{Kind: smtp.NoSupportedMechanism}) {
			t.Errorf("expected AuthError NoSupportedMechanism, got: %s", err)
		}
	})
}

func TestClient_Pool(t *testing.T) {
	ctx := context.Background()
	t.Run("concurrent sends respect the pool size", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{})
		client := newTestClient(t, server, WithPoolSize(2))
		var wg sync.WaitGroup
		errs := make(chan error, 6)
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := client.Send(ctx, testEnvelope(t))
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Errorf("failed to send mail: %s", err)
			}
		}
		if server.connections() > 2 {
			t.Errorf("expected at most two connections, got: %d", server.connections())
		}
		if len(server.messages()) != 6 {
			t.Errorf("expected six messages, got: %d", len(server.messages()))
		}
	})
	t.Run("waiting for a slot times out", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{})
		client := newTestClient(t, server, WithPoolSize(1), WithPoolWaitTimeout(50*time.Millisecond))
		conn, err := client.Pool().Checkout(ctx, client.Key())
		if err != nil {
			t.Fatalf("failed to check out connection: %s", err)
		}
		_, err = client.Send(ctx, testEnvelope(t))
		if !errors.Is(err, &PoolError{Kind: PoolTimeout}) || !errors.Is(err, ErrPoolWaitTimeout) {
			t.Errorf("expected pool timeout, got: %s", err)
		}
		client.Pool().Checkin(conn)
		if _, err = client.Send(ctx, testEnvelope(t)); err != nil {
			t.Errorf("failed to send mail after checkin: %s", err)
		}
	})
	t.Run("idle connection is probed", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{})
		client := newTestClient(t, server, WithIdleProbe(time.Minute))
		if _, err := client.Send(ctx, testEnvelope(t)); err != nil {
			t.Fatalf("failed to send mail: %s", err)
		}
		client.pool.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		if _, err := client.Send(ctx, testEnvelope(t)); err != nil {
			t.Fatalf("failed to send mail: %s", err)
		}
		if server.count("NOOP") != 1 {
			t.Errorf("expected one NOOP probe, got: %d", server.count("NOOP"))
		}
		if server.connections() != 1 {
			t.Errorf("expected connection to be reused, got: %d", server.connections())
		}
	})
	t.Run("failed probe dials a new connection", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{
			reply: func(cmd string) string {
				if cmd == "NOOP" {
					return closeConn
				}
				return ""
			},
		})
		client := newTestClient(t, server, WithIdleProbe(time.Minute))
		if _, err := client.Send(ctx, testEnvelope(t)); err != nil {
			t.Fatalf("failed to send mail: %s", err)
		}
		client.pool.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		if _, err := client.Send(ctx, testEnvelope(t)); err != nil {
			t.Fatalf("failed probe must not fail the send: %s", err)
		}
		if server.connections() != 2 {
			t.Errorf("expected a second connection, got: %d", server.connections())
		}
	})
	t.Run("connection idle for too long is replaced without probe", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{})
		client := newTestClient(t, server)
		if _, err := client.Send(ctx, testEnvelope(t)); err != nil {
			t.Fatalf("failed to send mail: %s", err)
		}
		client.pool.now = func() time.Time { return time.Now().Add(DefaultMaxIdle + time.Minute) }
		if _, err := client.Send(ctx, testEnvelope(t)); err != nil {
			t.Fatalf("failed to send mail: %s", err)
		}
		if server.count("NOOP") != 0 {
			t.Error("expired connection must not be probed")
		}
		if server.connections() != 2 {
			t.Errorf("expected a second connection, got: %d", server.connections())
		}
		waitFor(t, func() bool { return server.count("QUIT") == 1 })
	})
	t.Run("closed client refuses to send", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{})
		client := newTestClient(t, server)
		if _, err := client.Send(ctx, testEnvelope(t)); err != nil {
			t.Fatalf("failed to send mail: %s", err)
		}
		if err := client.Close(); err != nil {
			t.Errorf("failed to close client: %s", err)
		}
		waitFor(t, func() bool { return server.count("QUIT") == 1 })
		_, err := client.Send(ctx, testEnvelope(t))
		if !errors.Is(err, &PoolError{Kind: PoolClosed}) {
			t.Errorf("expected closed pool error, got: %s", err)
		}
		if err = client.Close(); err != nil {
			t.Errorf("closing twice should not fail: %s", err)
		}
	})
}

func TestClient_Context(t *testing.T) {
	t.Run("cancelled context", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{})
		client := newTestClient(t, server)
		if _, err := client.Send(context.Background(), testEnvelope(t)); err != nil {
			t.Fatalf("failed to send mail: %s", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := client.Send(ctx, testEnvelope(t))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got: %s", err)
		}
		if server.count("MAIL") != 1 {
			t.Error("no transaction must be started with a cancelled context")
		}
	})
	t.Run("deadline interrupts a slow server", func(t *testing.T) {
		server := newTestServer(t, testServerConfig{
			reply: func(cmd string) string {
				if cmd == dataEnd {
					time.Sleep(500 * time.Millisecond)
				}
				return ""
			},
		})
		client := newTestClient(t, server)
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := client.Send(ctx, testEnvelope(t))
		if !errors.Is(err, &smtp.TransportError{Kind: smtp.TransportTimeout}) {
			t.Errorf("expected timeout TransportError, got: %s", err)
		}
		if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
			t.Errorf("send was not interrupted in time, took %s", elapsed)
		}
		if client.Pool().IdleCount(client.Key()) != 0 {
			t.Error("interrupted connection must not be pooled")
		}
	})
}
