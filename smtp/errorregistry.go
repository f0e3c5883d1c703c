// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package smtp

import (
	"errors"
	"net/textproto"
	"strings"
	"sync"
)

// ResponseErrorHandler provides custom handling for server replies that cannot be parsed.
//
// The Client consults the handler registered for the server host and the command verb
// whenever a reply is malformed. If the handler returns nil, the Client assumes the
// offending data has been consumed and reads the reply once more. Any error returned by
// the handler is passed on to the caller and the connection is closed.
//
// Parameters:
//   - host: The hostname of the SMTP server.
//   - command: The SMTP command verb that triggered the error, in lower case.
//   - conn: The textproto.Conn to the SMTP server.
//   - err: The ProtocolError produced by the reply parser.
//
// Returns:
//   - An error indicating the outcome of the error handling logic.
type ResponseErrorHandler interface {
	HandleError(host, command string, conn *textproto.Conn, err error) error
}

// DefaultErrorHandler implements ResponseErrorHandler by returning the original error.
type DefaultErrorHandler struct{}

// HandleError satisfies the ResponseErrorHandler interface for the DefaultErrorHandler type
func (d *DefaultErrorHandler) HandleError(_, _ string, _ *textproto.Conn, err error) error {
	return err
}

// SkipMalformedLineHandler discards a single reply line that does not follow the reply
// syntax and lets the Client read the reply again. It is meant for servers that emit
// banner noise or stray log lines in front of their replies. Malformed replies caused
// by an unexpected end of stream are not recoverable and are returned unchanged.
type SkipMalformedLineHandler struct{}

// HandleError satisfies the ResponseErrorHandler interface for the SkipMalformedLineHandler type
func (s *SkipMalformedLineHandler) HandleError(_, _ string, _ *textproto.Conn, err error) error {
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) || protoErr.Kind != Malformed || protoErr.Err != nil {
		return err
	}
	return nil
}

// HandlerKey uniquely identifies a host-command pair for handler mapping.
type HandlerKey struct {
	Host    string
	Command string
}

// ErrorHandlerRegistry manages custom error handlers for SMTP host-command pairs.
//
// This struct stores mappings between HandlerKey values and corresponding
// ResponseErrorHandler implementations. It supports concurrent access and provides
// a fallback default handler when no specific match is found.
type ErrorHandlerRegistry struct {
	mu             sync.RWMutex
	handlers       map[HandlerKey]ResponseErrorHandler
	defaultHandler ResponseErrorHandler
}

// NewErrorHandlerRegistry creates a new ErrorHandlerRegistry instance with a
// DefaultErrorHandler as fallback.
func NewErrorHandlerRegistry() *ErrorHandlerRegistry {
	return &ErrorHandlerRegistry{
		handlers:       make(map[HandlerKey]ResponseErrorHandler),
		defaultHandler: &DefaultErrorHandler{},
	}
}

// RegisterHandler associates a custom handler with a specific host and command verb.
// Registering a nil handler removes an existing mapping.
func (r *ErrorHandlerRegistry) RegisterHandler(host, command string, handler ResponseErrorHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := HandlerKey{Host: strings.ToLower(host), Command: strings.ToLower(command)}
	if handler == nil {
		delete(r.handlers, key)
		return
	}
	r.handlers[key] = handler
}

// GetHandler retrieves the handler for a given host and command. If no handler is
// found, it returns the default handler.
func (r *ErrorHandlerRegistry) GetHandler(host, command string) ResponseErrorHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if handler, ok := r.handlers[HandlerKey{Host: strings.ToLower(host), Command: strings.ToLower(command)}]; ok {
		return handler
	}
	return r.defaultHandler
}

// SetDefaultHandler overrides the default ResponseErrorHandler. A nil handler restores
// the DefaultErrorHandler.
func (r *ErrorHandlerRegistry) SetDefaultHandler(handler ResponseErrorHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if handler == nil {
		handler = &DefaultErrorHandler{}
	}
	r.defaultHandler = handler
}
