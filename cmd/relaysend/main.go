// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

// Command relaysend hands a single message to the configured transport or, with -mx,
// directly to the mail exchanger of the first recipient.
//
// Exit codes: 0 when every recipient was accepted, 1 on failure, 2 when some
// recipients were rejected and 75 (EX_TEMPFAIL) when the failure is transient.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	relay "github.com/wneessen/go-relay"
	"github.com/wneessen/go-relay/config"
	"github.com/wneessen/go-relay/internal/mx"
	"github.com/wneessen/go-relay/smtp"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitPartial = 2
	exitTemp    = 75
)

// mxPort is the port used for direct delivery
var mxPort = 25

// addressList collects a repeatable address flag
type addressList []string

func (a *addressList) String() string {
	return strings.Join(*a, ",")
}

func (a *addressList) Set(value string) error {
	for _, addr := range strings.Split(value, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			*a = append(*a, addr)
		}
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command and returns its exit code
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var (
		configPath string
		from       string
		messageArg string
		useMX      bool
		debug      bool
		to         addressList
	)
	flags := flag.NewFlagSet("relaysend", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&configPath, "config", "", "path to YAML configuration file (optional)")
	flags.StringVar(&from, "from", "", "reverse-path of the envelope, empty for the null sender")
	flags.Var(&to, "to", "forward-path of the envelope (repeatable)")
	flags.StringVar(&messageArg, "message", "-", "message file, - reads from stdin")
	flags.BoolVar(&useMX, "mx", false, "deliver to the mail exchanger of the first recipient")
	flags.BoolVar(&debug, "debug", false, "log the SMTP protocol transcript")
	if err := flags.Parse(args); err != nil {
		return exitFailure
	}
	if len(to) == 0 {
		_, _ = fmt.Fprintln(stderr, "at least one -to address is required")
		flags.Usage()
		return exitFailure
	}

	cfg, err := loadConfig(configPath, useMX)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "failed to load configuration: %s\n", err)
		return exitFailure
	}
	if debug {
		cfg.Logging.Debug = true
		cfg.Logging.Level = "debug"
	}

	body, err := readMessage(messageArg, stdin)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "failed to read message: %s\n", err)
		return exitFailure
	}
	env, err := relay.NewEnvelope(from, to, body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid envelope: %s\n", err)
		return exitFailure
	}

	var result *relay.SendResult
	if useMX {
		result, err = sendMX(ctx, cfg, env, stderr)
	} else {
		result, err = sendConfigured(ctx, cfg, env)
	}
	var deliveryErr *relay.DeliveryError
	if result == nil && errors.As(err, &deliveryErr) {
		result = deliveryErr.Result()
	}
	printResult(stdout, result)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "delivery failed: %s\n", err)
	}
	return exitCode(result, err)
}

// loadConfig loads the configuration. Direct delivery only uses the logging and SMTP
// client settings, so the transport settings are not validated for it.
func loadConfig(path string, useMX bool) (*config.Config, error) {
	if useMX {
		return config.Read(path)
	}
	return config.Load(path)
}

func readMessage(arg string, stdin io.Reader) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(arg)
}

// sendConfigured delivers through the transport selected by the configuration
func sendConfigured(ctx context.Context, cfg *config.Config, env *relay.Envelope) (*relay.SendResult, error) {
	transport, err := cfg.Transport(ctx)
	if err != nil {
		return nil, err
	}
	if closer, ok := transport.(io.Closer); ok {
		defer func() {
			_ = closer.Close()
		}()
	}
	return transport.Send(ctx, env)
}

// sendMX resolves the exchangers of the first recipient's domain and tries them in
// preference order until one accepts a connection.
func sendMX(ctx context.Context, cfg *config.Config, env *relay.Envelope, stderr io.Writer) (*relay.SendResult, error) {
	domain, err := mx.Domain(env.To()[0])
	if err != nil {
		return nil, err
	}
	hosts, err := mx.New(mx.Config{}).Lookup(ctx, domain)
	if err != nil {
		return nil, err
	}

	for _, host := range hosts {
		opts := []relay.Option{
			relay.WithPort(mxPort),
			relay.WithSecurity(relay.SecurityStartTLSOpportunistic),
			relay.WithLogger(cfg.Logger(stderr)),
			relay.WithPoolSize(1),
		}
		if cfg.SMTP.HELO != "" {
			opts = append(opts, relay.WithHELO(cfg.SMTP.HELO))
		}
		if cfg.SMTP.Timeout > 0 {
			opts = append(opts, relay.WithTimeout(cfg.SMTP.Timeout))
		}
		if cfg.Logging.Debug {
			opts = append(opts, relay.WithDebugLog())
		}
		client, cerr := relay.NewClient(host, opts...)
		if cerr != nil {
			return nil, cerr
		}
		var result *relay.SendResult
		result, err = client.Send(ctx, env)
		_ = client.Close()
		if errors.Is(err, &smtp.TransportError{Kind: smtp.TransportConnect}) {
			_, _ = fmt.Fprintf(stderr, "mail exchanger %s unreachable: %s\n", host, err)
			continue
		}
		return result, err
	}
	return nil, err
}

// printResult lists the accepted and rejected recipients
func printResult(w io.Writer, result *relay.SendResult) {
	if result == nil {
		return
	}
	if result.MessageID != "" {
		_, _ = fmt.Fprintf(w, "message id: %s\n", result.MessageID)
	}
	for _, addr := range result.Accepted {
		_, _ = fmt.Fprintf(w, "accepted: %s\n", addr)
	}
	for _, rejected := range result.Rejected {
		_, _ = fmt.Fprintf(w, "rejected: %s: %s\n", rejected.Address, rejected.Err)
	}
}

// exitCode maps the outcome of the delivery to the process exit code
func exitCode(result *relay.SendResult, err error) int {
	if err == nil {
		if result.HasRejections() {
			return exitPartial
		}
		return exitOK
	}
	if isTemporary(err) {
		return exitTemp
	}
	return exitFailure
}

// isTemporary reports whether a later retry of the delivery may succeed
func isTemporary(err error) bool {
	var deliveryErr *relay.DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.IsTemp()
	}
	var replyErr *smtp.ReplyError
	if errors.As(err, &replyErr) {
		return replyErr.Temporary()
	}
	var transportErr *smtp.TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	return errors.Is(err, &relay.PoolError{Kind: relay.PoolTimeout}) || errors.Is(err, mx.ErrServerFailure)
}
