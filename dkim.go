// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package relay

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/emersion/go-msgauth/dkim"
)

var (
	// ErrDKIMConfig is returned when a DKIMSigner is created with an incomplete DKIMConfig
	ErrDKIMConfig = errors.New("DKIM signing requires a domain, a selector and a signer")

	// ErrDKIMKey is returned when a DKIM private key cannot be loaded
	ErrDKIMKey = errors.New("invalid DKIM private key")
)

// DKIMConfig configures a DKIMSigner
type DKIMConfig struct {
	// Domain is the signing domain (d=)
	Domain string
	// Selector is the key selector (s=)
	Selector string
	// Signer is the private key, an *rsa.PrivateKey or an ed25519.PrivateKey
	Signer crypto.Signer
	// HeaderKeys overrides the list of signed header fields
	HeaderKeys []string
}

// DKIMSigner is a Transport that adds a DKIM-Signature header to the message and passes
// the signed Envelope on to the next Transport.
type DKIMSigner struct {
	next    Transport
	options dkim.SignOptions
}

// NewDKIMSigner returns a DKIMSigner that signs with relaxed header and body
// canonicalization and delivers through next
func NewDKIMSigner(next Transport, config DKIMConfig) (*DKIMSigner, error) {
	if next == nil || config.Domain == "" || config.Selector == "" || config.Signer == nil {
		return nil, ErrDKIMConfig
	}
	return &DKIMSigner{
		next: next,
		options: dkim.SignOptions{
			Domain:                 config.Domain,
			Selector:               config.Selector,
			Signer:                 config.Signer,
			HeaderCanonicalization: dkim.CanonicalizationRelaxed,
			BodyCanonicalization:   dkim.CanonicalizationRelaxed,
			HeaderKeys:             config.HeaderKeys,
		},
	}, nil
}

// Send signs the message and delivers it through the next Transport
func (d *DKIMSigner) Send(ctx context.Context, env *Envelope) (*SendResult, error) {
	if env == nil {
		return nil, ErrNoEnvelope
	}
	options := d.options
	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(env.body), &options); err != nil {
		return nil, fmt.Errorf("failed to DKIM sign message: %w", err)
	}
	signedEnv, err := NewEnvelope(env.from, env.to, signed.Bytes())
	if err != nil {
		return nil, err
	}
	return d.next.Send(ctx, signedEnv)
}

// Close closes the next Transport if it holds resources, like the connection pool of
// a Client
func (d *DKIMSigner) Close() error {
	if closer, ok := d.next.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// LoadDKIMKey reads a PEM encoded private key from path. PKCS#8 RSA and Ed25519 keys
// and PKCS#1 RSA keys are supported.
func LoadDKIMKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read DKIM private key: %w", err)
	}
	return ParseDKIMKey(data)
}

// ParseDKIMKey parses a PEM encoded private key as accepted by LoadDKIMKey
func ParseDKIMKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrDKIMKey)
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("%w: unsupported key type %T", ErrDKIMKey, key)
		}
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDKIMKey, err)
	}
	return key, nil
}
