// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

// Package config loads the relay configuration from a YAML file with environment
// variable overrides and builds the configured Transport from it.
package config

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	relay "github.com/wneessen/go-relay"
	"github.com/wneessen/go-relay/log"
	"github.com/wneessen/go-relay/smtp"
)

// EnvPrefix is the prefix of all environment variables read by Load
const EnvPrefix = "RELAY_"

// Transport names
const (
	TransportSMTP     = "smtp"
	TransportFile     = "file"
	TransportSendmail = "sendmail"
	TransportSES      = "ses"
)

// ErrInvalidConfig is returned when the configuration fails validation
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete relay configuration.
type Config struct {
	TransportName string         `yaml:"transport" validate:"oneof=smtp file sendmail ses"`
	SMTP          SMTPConfig     `yaml:"smtp"`
	File          FileConfig     `yaml:"file"`
	Sendmail      SendmailConfig `yaml:"sendmail"`
	SES           SESConfig      `yaml:"ses"`
	DKIM          DKIMConfig     `yaml:"dkim"`
	Logging       LoggingConfig  `yaml:"logging"`
}

// SMTPConfig holds the settings of the SMTP relay.
type SMTPConfig struct {
	Host               string        `yaml:"host" validate:"omitempty,hostname_rfc1123|ip"`
	Port               int           `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Security           string        `yaml:"security" validate:"oneof=none opportunistic required implicit"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password" validate:"required_with=Username"`
	Mechanisms         []string      `yaml:"mechanisms" validate:"dive,required"`
	HELO               string        `yaml:"helo" validate:"omitempty,hostname_rfc1123"`
	Timeout            time.Duration `yaml:"timeout" validate:"gte=0"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" validate:"gte=0"`
	Pool               PoolConfig    `yaml:"pool"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	AllowInsecureAuth  bool          `yaml:"allow_insecure_auth"`
}

// PoolConfig holds the connection pool settings.
type PoolConfig struct {
	Size        int           `yaml:"size" validate:"gte=0"`
	WaitTimeout time.Duration `yaml:"wait_timeout" validate:"gte=0"`
	IdleProbe   time.Duration `yaml:"idle_probe" validate:"gte=0"`
	MaxIdle     time.Duration `yaml:"max_idle" validate:"gte=0"`
}

// FileConfig holds the settings of the file transport.
type FileConfig struct {
	Dir    string `yaml:"dir"`
	Format string `yaml:"format" validate:"oneof=json msgpack"`
}

// SendmailConfig holds the settings of the sendmail transport.
type SendmailConfig struct {
	Path string `yaml:"path"`
}

// SESConfig holds the settings of the Amazon SES transport.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" validate:"required_with=AccessKeyID"`
}

// DKIMConfig enables DKIM signing when Domain is set.
type DKIMConfig struct {
	Domain   string `yaml:"domain" validate:"required_with=Selector KeyFile"`
	Selector string `yaml:"selector" validate:"required_with=Domain"`
	KeyFile  string `yaml:"key_file" validate:"required_with=Domain"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=error warn info debug"`
	Format string `yaml:"format" validate:"oneof=text json"`
	// Debug logs the SMTP protocol transcript
	Debug bool `yaml:"debug"`
}

// Load returns the configuration. If path is not empty, the YAML file is read as the
// base layer. Environment variables always override file values. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read returns the configuration like Load but does not validate it. It serves callers
// that only use parts of the configuration.
func Read(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the field constraints and the settings required by the selected
// transport.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	var required []struct{ name, value string }
	switch c.TransportName {
	case TransportSMTP:
		required = append(required, struct{ name, value string }{"smtp.host", c.SMTP.Host})
	case TransportFile:
		required = append(required, struct{ name, value string }{"file.dir", c.File.Dir})
	case TransportSES:
		required = append(required, struct{ name, value string }{"ses.region", c.SES.Region})
	}
	for _, field := range required {
		if err := v.Var(field.value, "required"); err != nil {
			return fmt.Errorf("%w: %s is required for the %s transport", ErrInvalidConfig, field.name, c.TransportName)
		}
	}
	return nil
}

// Logger returns the logger selected by the logging settings, writing to w
func (c *Config) Logger(w io.Writer) log.Logger {
	level, _ := log.ParseLevel(c.Logging.Level)
	if c.Logging.Format == "json" {
		return log.NewJSON(w, level)
	}
	return log.New(w, level)
}

// ClientOptions returns the relay.Client options for the SMTP settings. Logging goes
// to os.Stderr.
func (c *Config) ClientOptions() ([]relay.Option, error) {
	security, err := relay.ParseSecurityMode(c.SMTP.Security)
	if err != nil {
		return nil, err
	}
	opts := []relay.Option{
		relay.WithSecurity(security),
		relay.WithLogger(c.Logger(os.Stderr)),
	}
	if c.SMTP.Port > 0 {
		opts = append(opts, relay.WithPort(c.SMTP.Port))
	}
	if c.SMTP.Username != "" {
		opts = append(opts, relay.WithCredentials(c.SMTP.Username, c.SMTP.Password))
	}
	if len(c.SMTP.Mechanisms) > 0 {
		mechs := make([]smtp.Mechanism, 0, len(c.SMTP.Mechanisms))
		for _, name := range c.SMTP.Mechanisms {
			mech, err := smtp.ParseMechanism(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
			}
			mechs = append(mechs, mech)
		}
		opts = append(opts, relay.WithMechanisms(mechs...))
	}
	if c.SMTP.HELO != "" {
		opts = append(opts, relay.WithHELO(c.SMTP.HELO))
	}
	if c.SMTP.Timeout > 0 {
		opts = append(opts, relay.WithTimeout(c.SMTP.Timeout))
	}
	if c.SMTP.ConnectTimeout > 0 {
		opts = append(opts, relay.WithConnectTimeout(c.SMTP.ConnectTimeout))
	}
	if c.SMTP.Pool.Size > 0 {
		opts = append(opts, relay.WithPoolSize(c.SMTP.Pool.Size))
	}
	if c.SMTP.Pool.WaitTimeout > 0 {
		opts = append(opts, relay.WithPoolWaitTimeout(c.SMTP.Pool.WaitTimeout))
	}
	if c.SMTP.Pool.IdleProbe > 0 {
		opts = append(opts, relay.WithIdleProbe(c.SMTP.Pool.IdleProbe))
	}
	if c.SMTP.Pool.MaxIdle > 0 {
		opts = append(opts, relay.WithPoolMaxIdle(c.SMTP.Pool.MaxIdle))
	}
	if c.SMTP.InsecureSkipVerify {
		// #nosec G402 -- explicitly requested by the configuration
		opts = append(opts, relay.WithTLSConfig(&tls.Config{
			ServerName: c.SMTP.Host, InsecureSkipVerify: true, MinVersion: relay.DefaultTLSMinVersion,
		}))
	}
	if c.SMTP.AllowInsecureAuth {
		opts = append(opts, relay.WithAllowInsecureAuth())
	}
	if c.Logging.Debug {
		opts = append(opts, relay.WithDebugLog())
	}
	return opts, nil
}

// Transport builds the selected Transport, wrapped in a relay.DKIMSigner when DKIM is
// configured. The returned Transport implements io.Closer if it holds resources.
func (c *Config) Transport(ctx context.Context) (relay.Transport, error) {
	var transport relay.Transport
	switch c.TransportName {
	case TransportSMTP:
		opts, err := c.ClientOptions()
		if err != nil {
			return nil, err
		}
		if transport, err = relay.NewClient(c.SMTP.Host, opts...); err != nil {
			return nil, err
		}
	case TransportFile:
		file, err := relay.NewFileTransport(c.File.Dir, relay.FileFormat(c.File.Format))
		if err != nil {
			return nil, err
		}
		transport = file
	case TransportSendmail:
		transport = relay.NewSendmailTransport(c.Sendmail.Path)
	case TransportSES:
		ses, err := relay.NewSESTransport(ctx, relay.SESConfig{
			Region: c.SES.Region, AccessKeyID: c.SES.AccessKeyID, SecretAccessKey: c.SES.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		transport = ses
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.TransportName)
	}

	if c.DKIM.Domain == "" {
		return transport, nil
	}
	key, err := relay.LoadDKIMKey(c.DKIM.KeyFile)
	if err != nil {
		closeTransport(transport)
		return nil, err
	}
	signer, err := relay.NewDKIMSigner(transport, relay.DKIMConfig{
		Domain: c.DKIM.Domain, Selector: c.DKIM.Selector, Signer: key,
	})
	if err != nil {
		closeTransport(transport)
		return nil, err
	}
	return signer, nil
}

func closeTransport(transport relay.Transport) {
	if closer, ok := transport.(io.Closer); ok {
		_ = closer.Close()
	}
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.TransportName = TransportSMTP
	c.SMTP.Security = relay.DefaultSecurity.String()
	c.File.Format = string(relay.FileFormatJSON)
	c.Sendmail.Path = relay.DefaultSendmailPath
	c.Logging.Level = "info"
	c.Logging.Format = "text"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	strs := map[string]*string{
		"TRANSPORT":             &c.TransportName,
		"SMTP_HOST":             &c.SMTP.Host,
		"SMTP_SECURITY":         &c.SMTP.Security,
		"SMTP_USERNAME":         &c.SMTP.Username,
		"SMTP_PASSWORD":         &c.SMTP.Password,
		"SMTP_HELO":             &c.SMTP.HELO,
		"FILE_DIR":              &c.File.Dir,
		"FILE_FORMAT":           &c.File.Format,
		"SENDMAIL_PATH":         &c.Sendmail.Path,
		"SES_REGION":            &c.SES.Region,
		"SES_ACCESS_KEY_ID":     &c.SES.AccessKeyID,
		"SES_SECRET_ACCESS_KEY": &c.SES.SecretAccessKey,
		"DKIM_DOMAIN":           &c.DKIM.Domain,
		"DKIM_SELECTOR":         &c.DKIM.Selector,
		"DKIM_KEY_FILE":         &c.DKIM.KeyFile,
		"LOG_FORMAT":            &c.Logging.Format,
	}
	for name, field := range strs {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*field = v
		}
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvPrefix + "SMTP_MECHANISMS"); v != "" {
		c.SMTP.Mechanisms = strings.Split(v, ",")
		for i := range c.SMTP.Mechanisms {
			c.SMTP.Mechanisms[i] = strings.TrimSpace(c.SMTP.Mechanisms[i])
		}
	}

	ints := map[string]*int{
		"SMTP_PORT":      &c.SMTP.Port,
		"SMTP_POOL_SIZE": &c.SMTP.Pool.Size,
	}
	for name, field := range ints {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %w", ErrInvalidConfig, EnvPrefix, name, err)
			}
			*field = n
		}
	}

	durations := map[string]*time.Duration{
		"SMTP_TIMEOUT":           &c.SMTP.Timeout,
		"SMTP_CONNECT_TIMEOUT":   &c.SMTP.ConnectTimeout,
		"SMTP_POOL_WAIT_TIMEOUT": &c.SMTP.Pool.WaitTimeout,
		"SMTP_POOL_IDLE_PROBE":   &c.SMTP.Pool.IdleProbe,
		"SMTP_POOL_MAX_IDLE":     &c.SMTP.Pool.MaxIdle,
	}
	for name, field := range durations {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %w", ErrInvalidConfig, EnvPrefix, name, err)
			}
			*field = d
		}
	}

	bools := map[string]*bool{
		"SMTP_INSECURE_SKIP_VERIFY": &c.SMTP.InsecureSkipVerify,
		"SMTP_ALLOW_INSECURE_AUTH":  &c.SMTP.AllowInsecureAuth,
		"LOG_DEBUG":                 &c.Logging.Debug,
	}
	for name, field := range bools {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %w", ErrInvalidConfig, EnvPrefix, name, err)
			}
			*field = b
		}
	}
	return nil
}
