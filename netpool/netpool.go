/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package netpool provides the default per-node connection pool.  The
// routing core only consumes the pool.SocketPool interface, so deployments
// with their own socket layer can substitute one.
package netpool

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("socket pool is closed")
)

const (
	defaultMaxIdle        = 4
	defaultConnectTimeout = 10 * time.Second
)

type PoolOptions struct {
	Address        string
	ConnectTimeout time.Duration
	MaxIdle        int
	Logger         *zap.Logger

	// PingFunc performs the protocol-level liveness round-trip on the
	// dedicated connection that Ping dials; pooled connections are never
	// used for it.  When nil, a successful dial counts as alive.
	PingFunc func(ctx context.Context, conn net.Conn) error
}

// Pool is a bounded idle pool of TCP connections to a single node.
type Pool struct {
	address        string
	connectTimeout time.Duration
	maxIdle        int
	logger         *zap.Logger
	pingFunc       func(ctx context.Context, conn net.Conn) error

	mu     sync.Mutex
	idle   []net.Conn
	closed bool
}

func NewPool(opts PoolOptions) *Pool {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	maxIdle := opts.MaxIdle
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdle
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pool{
		address:        opts.Address,
		connectTimeout: connectTimeout,
		maxIdle:        maxIdle,
		logger:         logger,
		pingFunc:       opts.PingFunc,
	}
}

func (p *Pool) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: p.connectTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", p.address)
	}

	return conn, nil
}

// Acquire returns a pooled connection, dialing a new one when the idle set
// is empty.
func (p *Pool) Acquire(ctx context.Context) (net.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	return p.dial(ctx)
}

// Release returns a connection to the idle set.  Connections beyond the
// idle bound, or returned after Close, are discarded.
func (p *Pool) Release(conn net.Conn) {
	p.mu.Lock()
	if p.closed || len(p.idle) >= p.maxIdle {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}

	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Discard drops a connection that failed mid-operation.
func (p *Pool) Discard(conn net.Conn) {
	_ = conn.Close()
}

// Ping performs a liveness round-trip against the node on a dedicated
// connection.
func (p *Pool) Ping(ctx context.Context) error {
	pingCtx, cancelFn := context.WithTimeout(ctx, p.connectTimeout)
	defer cancelFn()

	conn, err := p.dial(pingCtx)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	if p.pingFunc != nil {
		if deadline, ok := pingCtx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}

		err = p.pingFunc(pingCtx, conn)
		if err != nil {
			return errors.Wrapf(err, "liveness probe to %s failed", p.address)
		}
	}

	return nil
}

// Close tears down the idle set and rejects further acquires.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}

	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, conn := range idle {
		err := conn.Close()
		if err != nil {
			p.logger.Debug("error closing pooled connection", zap.Error(err))
		}
	}

	return nil
}
