// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/wneessen/go-relay/log"
	"github.com/wneessen/go-relay/smtp"
)

// Defaults
const (
	// DefaultConnectTimeout is the default timeout for establishing the connection
	DefaultConnectTimeout = 15 * time.Second

	// DefaultTimeout is the default timeout of a single SMTP operation
	DefaultTimeout = smtp.DefaultTimeout

	// DefaultSecurity is the default SecurityMode
	DefaultSecurity = SecurityStartTLSRequired

	// DefaultTLSMinVersion is the minimum TLS version required for the connection
	// Nowadays TLS1.2 should be the sane default
	DefaultTLSMinVersion = tls.VersionTLS12
)

// DialContextFunc is a type to define custom DialContext function.
type DialContextFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Client is the relay client. It holds the configuration of one relay and a Pool of
// negotiated connections to it. A Client is safe for concurrent use.
type Client struct {
	// allowInsecureAuth permits PLAIN and LOGIN over plaintext connections
	allowInsecureAuth bool

	// connectTimeout limits connecting and the TLS handshake of implicit TLS
	connectTimeout time.Duration

	// creds are the SMTP AUTH credentials, auth is skipped if hasCreds is false
	creds    smtp.Credentials
	hasCreds bool

	// debug enables the protocol transcript on the smtp.Client
	debug bool

	// dialContextFunc is a custom DialContext function to dial target SMTP server
	dialContextFunc DialContextFunc

	// errorHandlers are registered with every new smtp.Client, keyed by command
	errorHandlers map[string]smtp.ResponseErrorHandler

	// helo is the name sent with EHLO/HELO
	helo string

	// host is the relay host name in ASCII form
	host string

	// logAuthData includes authentication data in the protocol transcript
	logAuthData bool

	// logger receives the protocol transcript and lifecycle events
	logger log.Logger

	// mechanisms is the ordered allow-list of AUTH mechanisms
	mechanisms []smtp.Mechanism

	// pool holds the idle connections
	pool *Pool

	// poolConfig is used to create the pool once all options are applied
	poolConfig PoolConfig

	// port of the relay, 0 selects the default of the SecurityMode
	port int

	// security is the SecurityMode of every connection
	security SecurityMode

	// timeout is the per-operation timeout
	timeout time.Duration

	// tlsConfig is used for STARTTLS and implicit TLS
	tlsConfig *tls.Config
}

// Option returns a function that can be used for grouping Client options
type Option func(*Client) error

var (
	// ErrInvalidPort should be used if a port is specified that is not valid
	ErrInvalidPort = errors.New("invalid port number")

	// ErrInvalidTimeout should be used if a timeout is set that is zero or negative
	ErrInvalidTimeout = errors.New("timeout cannot be zero or negative")

	// ErrInvalidHELO should be used if an empty HELO sting is provided
	ErrInvalidHELO = errors.New("invalid HELO/EHLO value - must not be empty")

	// ErrInvalidTLSConfig should be used if an empty tls.Config is provided
	ErrInvalidTLSConfig = errors.New("invalid TLS config")

	// ErrNoHostname should be used if a Client has no hostname set
	ErrNoHostname = errors.New("hostname for client cannot be empty")

	// ErrInvalidPoolSize should be used if a pool size smaller than one is provided
	ErrInvalidPoolSize = errors.New("pool size must be at least 1")

	// ErrNoMechanisms should be used if an empty mechanism list is provided
	ErrNoMechanisms = errors.New("at least one SMTP AUTH mechanism is required")

	// ErrInvalidSecurity should be used if an unknown SecurityMode is provided
	ErrInvalidSecurity = errors.New("invalid security mode")

	// ErrStartTLSRequired is the cause of the TLSError returned when the security mode
	// requires STARTTLS but the server does not advertise it
	ErrStartTLSRequired = errors.New("STARTTLS is required, but the server does not offer it")
)

// NewClient returns a new Client for the relay host. The host name is converted to its
// ASCII form. Without WithPort, the port is derived from the SecurityMode.
func NewClient(host string, opts ...Option) (*Client, error) {
	c := &Client{
		connectTimeout: DefaultConnectTimeout,
		errorHandlers:  make(map[string]smtp.ResponseErrorHandler),
		mechanisms:     smtp.DefaultMechanisms,
		security:       DefaultSecurity,
		timeout:        DefaultTimeout,
	}
	if host == "" {
		return nil, ErrNoHostname
	}
	asciiHost, err := toASCII(host)
	if err != nil {
		return nil, fmt.Errorf("invalid relay host %q: %w", host, err)
	}
	c.host = asciiHost

	// Set default HELO/EHLO hostname
	if err = c.setDefaultHelo(); err != nil {
		return nil, err
	}

	// Override defaults with optionally provided Option functions
	for _, co := range opts {
		if co == nil {
			continue
		}
		if err = co(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if c.port == 0 {
		c.port = c.security.defaultPort()
	}
	if c.tlsConfig == nil {
		c.tlsConfig = &tls.Config{ServerName: c.host, MinVersion: DefaultTLSMinVersion}
	}
	if c.poolConfig.Logger == nil {
		c.poolConfig.Logger = c.logger
	}
	c.pool = NewPool(c.dialConnection, c.poolConfig)
	return c, nil
}

// WithPort overrides the port derived from the SecurityMode
func WithPort(port int) Option {
	return func(c *Client) error {
		if port < 1 || port > 65535 {
			return ErrInvalidPort
		}
		c.port = port
		return nil
	}
}

// WithSecurity sets the SecurityMode of the connections
func WithSecurity(mode SecurityMode) Option {
	return func(c *Client) error {
		if mode < SecurityNone || mode > SecurityImplicit {
			return ErrInvalidSecurity
		}
		c.security = mode
		return nil
	}
}

// WithTLSConfig sets the tls.Config for STARTTLS and implicit TLS
func WithTLSConfig(config *tls.Config) Option {
	return func(c *Client) error {
		if config == nil {
			return ErrInvalidTLSConfig
		}
		c.tlsConfig = config
		return nil
	}
}

// WithCredentials enables SMTP AUTH with the given username and secret
func WithCredentials(username, secret string) Option {
	return func(c *Client) error {
		c.creds = smtp.Credentials{Username: username, Secret: secret}
		c.hasCreds = true
		return nil
	}
}

// WithXOAuth2 enables SMTP AUTH with the XOAUTH2 mechanism and the given bearer token
func WithXOAuth2(username, token string) Option {
	return func(c *Client) error {
		c.creds = smtp.Credentials{Username: username, Secret: token}
		c.hasCreds = true
		c.mechanisms = []smtp.Mechanism{smtp.MechanismXOAuth2}
		return nil
	}
}

// WithMechanisms sets the allowed SMTP AUTH mechanisms in order of preference
func WithMechanisms(mechs ...smtp.Mechanism) Option {
	return func(c *Client) error {
		if len(mechs) == 0 {
			return ErrNoMechanisms
		}
		c.mechanisms = make([]smtp.Mechanism, len(mechs))
		copy(c.mechanisms, mechs)
		return nil
	}
}

// WithTimeout sets the timeout of a single SMTP operation
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if timeout <= 0 {
			return ErrInvalidTimeout
		}
		c.timeout = timeout
		return nil
	}
}

// WithConnectTimeout sets the timeout for establishing the connection
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if timeout <= 0 {
			return ErrInvalidTimeout
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithPoolSize sets the maximum number of connections to the relay
func WithPoolSize(size int) Option {
	return func(c *Client) error {
		if size < 1 {
			return ErrInvalidPoolSize
		}
		c.poolConfig.MaxPerKey = size
		return nil
	}
}

// WithPoolWaitTimeout sets how long Send waits for a free connection slot
func WithPoolWaitTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if timeout <= 0 {
			return ErrInvalidTimeout
		}
		c.poolConfig.WaitTimeout = timeout
		return nil
	}
}

// WithIdleProbe sets the idle time after which a pooled connection is probed with NOOP
// before it is reused
func WithIdleProbe(idle time.Duration) Option {
	return func(c *Client) error {
		if idle <= 0 {
			return ErrInvalidTimeout
		}
		c.poolConfig.IdleProbe = idle
		return nil
	}
}

// WithPoolMaxIdle sets the idle time after which a pooled connection is closed instead
// of being probed and reused
func WithPoolMaxIdle(idle time.Duration) Option {
	return func(c *Client) error {
		if idle <= 0 {
			return ErrInvalidTimeout
		}
		c.poolConfig.MaxIdle = idle
		return nil
	}
}

// WithHELO overrides the default HELO/EHLO value
func WithHELO(helo string) Option {
	return func(c *Client) error {
		if helo == "" {
			return ErrInvalidHELO
		}
		asciiHelo, err := toASCII(helo)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidHELO, err)
		}
		c.helo = asciiHelo
		return nil
	}
}

// WithLogger overrides the default log.Logger that is used for debug logging
func WithLogger(logger log.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithDebugLog tells the Client to log the SMTP protocol transcript
func WithDebugLog() Option {
	return func(c *Client) error {
		c.debug = true
		return nil
	}
}

// WithLogAuthData includes the SMTP AUTH exchange in the protocol transcript
func WithLogAuthData() Option {
	return func(c *Client) error {
		c.logAuthData = true
		return nil
	}
}

// WithDialContextFunc overrides the default DialContext for connecting to the relay
func WithDialContextFunc(dialer DialContextFunc) Option {
	return func(c *Client) error {
		c.dialContextFunc = dialer
		return nil
	}
}

// WithErrorHandler registers a ResponseErrorHandler for malformed replies to the given
// SMTP command
func WithErrorHandler(command string, handler smtp.ResponseErrorHandler) Option {
	return func(c *Client) error {
		c.errorHandlers[strings.ToLower(command)] = handler
		return nil
	}
}

// WithAllowInsecureAuth permits PLAIN and LOGIN authentication over a plaintext
// connection to a remote host
func WithAllowInsecureAuth() Option {
	return func(c *Client) error {
		c.allowInsecureAuth = true
		return nil
	}
}

// ServerAddr returns the host:port of the relay
func (c *Client) ServerAddr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Key returns the relay key, which identifies the pool entries of this Client.
// It has the form host:port/security/user.
func (c *Client) Key() string {
	return c.ServerAddr() + "/" + c.security.String() + "/" + c.creds.Username
}

// Security returns the configured SecurityMode
func (c *Client) Security() SecurityMode {
	return c.security
}

// Pool returns the connection pool of the Client
func (c *Client) Pool() *Pool {
	return c.pool
}

// Send delivers the Envelope over a pooled connection. The connection is returned to
// the pool afterwards and reused if it is still Ready.
func (c *Client) Send(ctx context.Context, env *Envelope) (*SendResult, error) {
	if env == nil {
		return nil, ErrNoEnvelope
	}
	conn, err := c.pool.Checkout(ctx, c.Key())
	if err != nil {
		return nil, err
	}
	defer c.pool.Checkin(conn)
	return conn.Send(ctx, env)
}

// Dial opens a new negotiated Connection that is not managed by the pool. The caller
// must Close it.
func (c *Client) Dial(ctx context.Context) (*Connection, error) {
	conn, err := c.dialConnection(ctx, c.Key())
	if err != nil {
		return nil, err
	}
	conn.lastUsed = time.Now()
	return conn, nil
}

// Close closes all idle connections of the pool. Sending fails afterwards.
func (c *Client) Close() error {
	return c.pool.Close()
}

// setDefaultHelo retrieves the current hostname and sets it as HELO/EHLO hostname
func (c *Client) setDefaultHelo() error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to read local hostname: %w", err)
	}
	if c.helo, err = toASCII(hostname); err != nil {
		c.helo = "localhost"
	}
	return nil
}

// dialConnection connects to the relay and negotiates a Ready Connection. It is the
// DialFunc of the Client's pool.
func (c *Client) dialConnection(ctx context.Context, key string) (*Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	dialer := c.dialContextFunc
	if dialer == nil {
		nd := net.Dialer{}
		dialer = nd.DialContext
	}
	netConn, err := dialer(dialCtx, "tcp", c.ServerAddr())
	if err != nil {
		return nil, &smtp.TransportError{Kind: connectErrKind(err), Op: "connect", Err: err}
	}

	if c.security == SecurityImplicit {
		config := c.tlsConfig
		if config.ServerName == "" && !config.InsecureSkipVerify {
			config = config.Clone()
			config.ServerName = c.host
		}
		tlsConn := tls.Client(netConn, config)
		if err = tlsConn.HandshakeContext(dialCtx); err != nil {
			_ = netConn.Close()
			if kind := connectErrKind(err); kind == smtp.TransportTimeout {
				return nil, &smtp.TransportError{Kind: kind, Op: "TLS handshake", Err: err}
			}
			return nil, &smtp.TLSError{Err: err}
		}
		netConn = tlsConn
	}

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err = netConn.SetDeadline(deadline); err != nil {
		_ = netConn.Close()
		return nil, &smtp.TransportError{Kind: smtp.TransportIO, Op: "connect", Err: err}
	}
	stop := context.AfterFunc(ctx, func() { _ = netConn.SetDeadline(time.Unix(1, 0)) })
	client, err := smtp.NewClient(netConn, c.host)
	if !stop() || err != nil {
		_ = netConn.Close()
		if err == nil {
			err = &smtp.TransportError{Kind: smtp.TransportTimeout, Op: "CONNECT", Err: ctx.Err()}
		}
		return nil, err
	}

	if c.debug {
		client.SetDebugLog(true)
	}
	if c.logger != nil {
		client.SetLogger(c.logger)
	}
	if c.logAuthData {
		client.SetLogAuthData()
	}
	client.SetRelayLabel(key)
	client.SetTimeout(c.timeout)
	for command, handler := range c.errorHandlers {
		client.ErrorHandlerRegistry.RegisterHandler(c.host, command, handler)
	}

	conn := &Connection{client: client, key: key, logger: c.logger, security: c.security}
	unbind, err := conn.bindContext(ctx)
	if err != nil {
		_ = conn.Abort()
		return nil, err
	}
	err = c.negotiate(conn)
	unbind()
	if err != nil {
		_ = conn.Abort()
		return nil, err
	}
	return conn, nil
}

// negotiate runs EHLO, the TLS upgrade and SMTP AUTH as configured and marks the
// session Ready
func (c *Client) negotiate(conn *Connection) error {
	client := conn.client
	if err := client.Hello(c.helo); err != nil {
		return err
	}

	switch c.security {
	case SecurityStartTLSRequired:
		if !client.Capabilities().StartTLS() {
			return &smtp.TLSError{Err: ErrStartTLSRequired}
		}
		if err := client.StartTLS(c.tlsConfig); err != nil {
			return err
		}
	case SecurityStartTLSOpportunistic:
		if !client.Capabilities().StartTLS() {
			conn.infof("server does not offer STARTTLS, continuing unencrypted")
			break
		}
		if err := client.StartTLS(c.tlsConfig); err != nil {
			return err
		}
	}

	if c.hasCreds {
		params := smtp.AuthParams{Host: c.host, AllowUnencrypted: c.allowInsecureAuth, Workstation: c.helo}
		if _, err := client.Negotiate(c.creds, c.mechanisms, params); err != nil {
			return err
		}
	}
	return client.Ready()
}

// connectErrKind classifies a dial or handshake error
func connectErrKind(err error) smtp.TransportErrKind {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return smtp.TransportTimeout
	}
	return smtp.TransportConnect
}

// toASCII converts an internationalized host name to its ASCII form. IP addresses and
// address literals are returned unchanged.
func toASCII(host string) (string, error) {
	if strings.HasPrefix(host, "[") || net.ParseIP(host) != nil {
		return host, nil
	}
	return idna.Lookup.ToASCII(host)
}
