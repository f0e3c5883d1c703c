// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wneessen/go-relay/log"
	"github.com/wneessen/go-relay/smtp"
)

// Pool defaults
const (
	// DefaultPoolSize is the default number of connections per relay key
	DefaultPoolSize = 4

	// DefaultPoolWaitTimeout is the default time Checkout waits for a free slot
	DefaultPoolWaitTimeout = 30 * time.Second

	// DefaultIdleProbe is the idle time after which a connection is probed with NOOP
	// before it is handed out again
	DefaultIdleProbe = 60 * time.Second

	// DefaultMaxIdle is the idle time after which a connection is closed without a probe
	DefaultMaxIdle = 10 * time.Minute
)

var (
	// ErrPoolWaitTimeout is the cause of a PoolError of kind PoolTimeout when no slot
	// became free in time
	ErrPoolWaitTimeout = errors.New("no connection slot became available")

	// ErrPoolClosed is the cause of a PoolError of kind PoolClosed
	ErrPoolClosed = errors.New("pool is closed")
)

// DialFunc opens and negotiates a new Connection for the relay key
type DialFunc func(ctx context.Context, key string) (*Connection, error)

// PoolConfig configures a Pool. Zero values are replaced by the defaults.
type PoolConfig struct {
	// MaxPerKey is the maximum number of connections per relay key, idle or in use
	MaxPerKey int
	// WaitTimeout limits how long Checkout waits for a free slot
	WaitTimeout time.Duration
	// IdleProbe is the idle time after which a NOOP probe is sent before reuse
	IdleProbe time.Duration
	// MaxIdle is the idle time after which a connection is discarded without a probe
	MaxIdle time.Duration
	// Logger receives eviction events
	Logger log.Logger
}

// PoolErrKind classifies a PoolError
type PoolErrKind int

const (
	// PoolTimeout means Checkout gave up waiting for a slot
	PoolTimeout PoolErrKind = iota
	// PoolClosed means the Pool was closed
	PoolClosed
)

// String satisfies the fmt.Stringer interface for the PoolErrKind type
func (k PoolErrKind) String() string {
	switch k {
	case PoolTimeout:
		return "timeout"
	case PoolClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PoolError is returned by Checkout when no connection could be handed out
type PoolError struct {
	Kind PoolErrKind
	Key  string
	Err  error
}

// Error satisfies the error interface for the PoolError type
func (e *PoolError) Error() string {
	return fmt.Sprintf("connection pool %s for %s: %s", e.Kind, e.Key, e.Err)
}

// Unwrap returns the underlying error
func (e *PoolError) Unwrap() error {
	return e.Err
}

// Is compares the kind of two PoolErrors
func (e *PoolError) Is(target error) bool {
	var t *PoolError
	if errors.As(target, &t) && t != nil {
		return e.Kind == t.Kind
	}
	return false
}

// poolKey holds the slots and the idle connections of one relay key
type poolKey struct {
	// slots is a counting semaphore. A send acquires a slot, a receive releases it.
	slots chan struct{}
	// idle is used as a stack, the most recently used connection is on top
	idle []*Connection
}

// Pool keeps idle Ready connections per relay key. A Pool is safe for concurrent
// use. A checked out Connection belongs to the caller until it is passed to Checkin.
//
// The entry table is guarded by a single mutex that is never held during network I/O.
type Pool struct {
	config PoolConfig
	dial   DialFunc
	done   chan struct{}
	keys   map[string]*poolKey
	mutex  sync.Mutex
	closed bool

	// now is replaced in tests
	now func() time.Time
}

// NewPool returns a new Pool that uses dial to open connections
func NewPool(dial DialFunc, config PoolConfig) *Pool {
	if config.MaxPerKey <= 0 {
		config.MaxPerKey = DefaultPoolSize
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = DefaultPoolWaitTimeout
	}
	if config.IdleProbe <= 0 {
		config.IdleProbe = DefaultIdleProbe
	}
	if config.MaxIdle <= 0 {
		config.MaxIdle = DefaultMaxIdle
	}
	return &Pool{
		config: config,
		dial:   dial,
		done:   make(chan struct{}),
		keys:   make(map[string]*poolKey),
		now:    time.Now,
	}
}

// Checkout returns a Ready connection for the relay key. Idle connections are reused,
// most recently used first. A connection that has been idle for longer than IdleProbe
// is probed with NOOP and silently replaced if the probe fails. If no idle connection
// is usable a new one is dialed.
//
// If all slots of the key are taken, Checkout waits for one to be released, at most
// for WaitTimeout or until ctx is done.
func (p *Pool) Checkout(ctx context.Context, key string) (*Connection, error) {
	entry, err := p.entry(key)
	if err != nil {
		return nil, err
	}
	if err = p.acquire(ctx, key, entry.slots); err != nil {
		return nil, err
	}

	for {
		conn, err := p.popIdle(key, entry)
		if err != nil {
			release(entry.slots)
			return nil, err
		}
		if conn == nil {
			break
		}
		idle := p.now().Sub(conn.LastUsed())
		if idle > p.config.MaxIdle {
			p.logf(key, "closing connection idle for %s", idle.Round(time.Second))
			_ = conn.Abort()
			continue
		}
		if idle > p.config.IdleProbe {
			if err = conn.TestConnected(ctx); err != nil {
				p.logf(key, "discarding idle connection after failed probe: %s", err)
				_ = conn.Abort()
				continue
			}
		}
		return conn, nil
	}

	conn, err := p.dial(ctx, key)
	if err != nil {
		release(entry.slots)
		return nil, err
	}
	conn.lastUsed = p.now()
	return conn, nil
}

// Checkin returns a connection obtained from Checkout. It is kept for reuse if it is
// Ready, otherwise it is closed. The slot of the connection is released in both cases.
func (p *Pool) Checkin(conn *Connection) {
	if conn == nil {
		return
	}
	p.mutex.Lock()
	entry := p.keys[conn.Key()]
	keep := !p.closed && entry != nil && conn.State() == smtp.StateReady
	if keep {
		conn.lastUsed = p.now()
		entry.idle = append(entry.idle, conn)
	}
	p.mutex.Unlock()

	if !keep {
		_ = conn.Abort()
	}
	if entry != nil {
		release(entry.slots)
	}
}

// Close closes all idle connections. Connections that are checked out are closed when
// they are checked in. Checkout fails with a PoolError of kind PoolClosed afterwards.
func (p *Pool) Close() error {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	var idle []*Connection
	for _, entry := range p.keys {
		idle = append(idle, entry.idle...)
		entry.idle = nil
	}
	p.mutex.Unlock()

	var errs []error
	for _, conn := range idle {
		if err := conn.Abort(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IdleCount returns the number of idle connections kept for the relay key
func (p *Pool) IdleCount(key string) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if entry, ok := p.keys[key]; ok {
		return len(entry.idle)
	}
	return 0
}

// entry returns the poolKey for key, creating it on first use
func (p *Pool) entry(key string) (*poolKey, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return nil, &PoolError{Kind: PoolClosed, Key: key, Err: ErrPoolClosed}
	}
	entry, ok := p.keys[key]
	if !ok {
		entry = &poolKey{slots: make(chan struct{}, p.config.MaxPerKey)}
		p.keys[key] = entry
	}
	return entry, nil
}

// acquire takes a slot, waiting at most WaitTimeout
func (p *Pool) acquire(ctx context.Context, key string, slots chan struct{}) error {
	select {
	case slots <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(p.config.WaitTimeout)
	defer timer.Stop()
	select {
	case slots <- struct{}{}:
		return nil
	case <-timer.C:
		return &PoolError{Kind: PoolTimeout, Key: key, Err: ErrPoolWaitTimeout}
	case <-ctx.Done():
		return &PoolError{Kind: PoolTimeout, Key: key, Err: ctx.Err()}
	case <-p.done:
		return &PoolError{Kind: PoolClosed, Key: key, Err: ErrPoolClosed}
	}
}

// popIdle removes the most recently used idle connection of the key
func (p *Pool) popIdle(key string, entry *poolKey) (*Connection, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return nil, &PoolError{Kind: PoolClosed, Key: key, Err: ErrPoolClosed}
	}
	n := len(entry.idle)
	if n == 0 {
		return nil, nil
	}
	conn := entry.idle[n-1]
	entry.idle[n-1] = nil
	entry.idle = entry.idle[:n-1]
	return conn, nil
}

func (p *Pool) logf(key, format string, args ...interface{}) {
	if p.config.Logger == nil {
		return
	}
	p.config.Logger.Infof(log.Log{Direction: log.DirNone, Format: format, Messages: args, Relay: key})
}

// release frees a slot. Releasing more slots than were acquired is a no-op.
func release(slots chan struct{}) {
	select {
	case <-slots:
	default:
	}
}
