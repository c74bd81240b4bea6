/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/couchbase/stellar-cache/memd"
)

var (
	ErrNodeUnreachable = errors.New("node unreachable")
)

// SocketPool is the connection layer a node handle owns.  netpool.Pool is
// the stock implementation; deployments with their own socket machinery
// supply theirs through the manager's factory.
type SocketPool interface {
	Ping(ctx context.Context) error
	Close() error
}

type NodeOptions struct {
	Endpoint   string
	SocketPool SocketPool
	Logger     *zap.Logger

	// OnFailed is the single failure subscriber.  It is installed at
	// construction and cleared at dispose; there is no multicast.
	OnFailed func(node *Node)
}

// Node is the stateful handle for one cache server.  A node handle is owned
// exclusively by the routing state that contains it and is disposed when
// that state is replaced; two states never share a handle, even for the
// same endpoint.
type Node struct {
	id         uuid.UUID
	endpoint   string
	socketPool SocketPool
	logger     *zap.Logger

	alive       atomic.Bool
	lastFailure atomic.Int64

	mu       sync.Mutex
	onFailed func(node *Node)
	disposed bool
}

var _ memd.Node = (*Node)(nil)

func NewNode(opts NodeOptions) *Node {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.New()
	n := &Node{
		id:         id,
		endpoint:   opts.Endpoint,
		socketPool: opts.SocketPool,
		logger: logger.With(
			zap.String("nodeId", id.String()),
			zap.String("endpoint", opts.Endpoint)),
		onFailed: opts.OnFailed,
	}
	n.alive.Store(true)

	return n
}

func (n *Node) Endpoint() string {
	return n.endpoint
}

func (n *Node) IsAlive() bool {
	return n.alive.Load()
}

// LastFailure is the time of the most recent failure report, or the zero
// time when the node has never failed.
func (n *Node) LastFailure() time.Time {
	nanos := n.lastFailure.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// MarkFailed records that an operation against this node tripped dead
// detection.  The node drops out of routing until a probe succeeds, and the
// failure subscriber is notified.  The returned error wraps the cause for
// the operation caller to propagate.
func (n *Node) MarkFailed(cause error) error {
	n.alive.Store(false)
	n.lastFailure.Store(time.Now().UnixNano())

	n.mu.Lock()
	onFailed := n.onFailed
	n.mu.Unlock()

	// failure events from a detached handle are dropped silently
	if onFailed != nil {
		onFailed(n)
	}

	if cause != nil {
		return errors.Wrapf(ErrNodeUnreachable, "%s: %s", n.endpoint, cause)
	}
	return errors.Wrap(ErrNodeUnreachable, n.endpoint)
}

// Ping runs a liveness probe.  On success the node rejoins routing on the
// next locator call; no ring rebuild is involved.
func (n *Node) Ping(ctx context.Context) bool {
	err := n.socketPool.Ping(ctx)
	if err != nil {
		n.lastFailure.Store(time.Now().UnixNano())
		n.logger.Debug("liveness probe failed", zap.Error(err))
		return false
	}

	n.alive.Store(true)
	return true
}

// Dispose detaches the failure subscriber and closes the owned socket pool.
// Close errors are swallowed; cleanup must not mask a successful swap.
func (n *Node) Dispose() {
	n.mu.Lock()
	if n.disposed {
		n.mu.Unlock()
		return
	}
	n.disposed = true
	n.onFailed = nil
	n.mu.Unlock()

	err := n.socketPool.Close()
	if err != nil {
		n.logger.Debug("error closing socket pool", zap.Error(err))
	}
}
