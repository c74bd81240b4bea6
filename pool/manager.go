/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package pool maintains the live routing state for a cache cluster: it
// consumes configuration snapshots, builds per-node connection pools and a
// locator over them, swaps the assembled state atomically under a single
// reconfigure lock, and runs the resurrection timer that re-probes dead
// nodes.  Readers never take the lock; they load the current state through
// an atomic pointer.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/couchbase/stellar-cache/auth"
	"github.com/couchbase/stellar-cache/cbconfig"
	"github.com/couchbase/stellar-cache/ketama"
	"github.com/couchbase/stellar-cache/memd"
	"github.com/couchbase/stellar-cache/vbucket"
)

var (
	ErrNoRoute          = errors.New("no node available for key")
	ErrAlreadyStarted   = errors.New("pool manager already started")
	ErrManagerDisposed  = errors.New("pool manager is disposed")
	ErrNoConfigReceived = errors.New("config source closed before delivering a config")
)

const defaultDeadTimeout = 10 * time.Second

// ConfigSource delivers the sequence of cluster configuration snapshots.
// cbconfig.Listener is the stock implementation.
type ConfigSource interface {
	Start(ctx context.Context) error
	Stop()
	DeadTimeout() time.Duration
	Changes() <-chan *cbconfig.ClusterConfigJson
}

// SocketPoolFactory builds the connection pool for one node endpoint.
type SocketPoolFactory func(endpoint string) SocketPool

type ManagerOptions struct {
	Source      ConfigSource
	SocketPools SocketPoolFactory

	// PortType selects which port the classic config form routes to.
	PortType cbconfig.PortType

	// BucketName selects the bucket; empty or "default" uses the
	// unauthenticated default bucket.
	BucketName string

	// BucketPassword explicitly sets the SASL password.  When empty the
	// password falls back to Password, then to the bucket name.
	BucketPassword string

	// Password is the configured credential shared with the config
	// endpoints.
	Password string

	Logger *zap.Logger
}

// Manager owns the routing state.  Locate, WorkingNodes and
// OperationFactory are hot-path and lock-free; everything that mutates the
// state serializes on the reconfigure lock.
type Manager struct {
	source      ConfigSource
	socketPools SocketPoolFactory
	portType    cbconfig.PortType
	bucketName  string
	logger      *zap.Logger
	metrics     *poolMetrics

	authProvider auth.SaslProvider
	deadTimeout  time.Duration

	state atomic.Pointer[InternalState]

	// reconfigureMu is the single mutator lock; no reader acquires it.
	reconfigureMu sync.Mutex
	rezTimer      *time.Timer
	timerActive   atomic.Bool
	disposed      bool

	started     atomic.Bool
	watchDoneCh chan struct{}
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Source == nil {
		return nil, errors.Wrap(cbconfig.ErrInvalidConfiguration, "a config source must be specified")
	}

	socketPools := opts.SocketPools
	if socketPools == nil {
		return nil, errors.Wrap(cbconfig.ErrInvalidConfiguration, "a socket pool factory must be specified")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		source:       opts.Source,
		socketPools:  socketPools,
		portType:     opts.PortType,
		bucketName:   opts.BucketName,
		logger:       logger,
		metrics:      getPoolMetrics(),
		authProvider: selectAuthProvider(opts.BucketName, opts.BucketPassword, opts.Password),
		deadTimeout:  defaultDeadTimeout,
	}
	m.state.Store(emptyState)

	return m, nil
}

// selectAuthProvider picks the SASL provider for a bucket.  The default
// bucket is unauthenticated; any other bucket authenticates with the first
// non-empty of the explicit password, the configured password, and the
// bucket name itself.
func selectAuthProvider(bucketName, bucketPassword, configuredPassword string) auth.SaslProvider {
	if bucketName == "" || bucketName == "default" {
		return nil
	}

	password := bucketPassword
	if password == "" {
		password = configuredPassword
	}
	if password == "" {
		password = bucketName
	}

	return &auth.PlainProvider{Name: bucketName, Password: password}
}

// Start attaches to the config source and blocks until the first routing
// state has been published.  Configuration errors during startup are
// surfaced to the caller, never swallowed.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	err := m.source.Start(ctx)
	if err != nil {
		return err
	}

	if timeout := m.source.DeadTimeout(); timeout > 0 {
		m.deadTimeout = timeout
	}

	var firstConfig *cbconfig.ClusterConfigJson
	select {
	case config, ok := <-m.source.Changes():
		if !ok {
			return ErrNoConfigReceived
		}
		firstConfig = config
	case <-ctx.Done():
		return ctx.Err()
	}

	err = m.reconfigure(firstConfig)
	if err != nil {
		return err
	}

	m.watchDoneCh = make(chan struct{})
	go m.watchConfigs()

	return nil
}

func (m *Manager) watchConfigs() {
	defer close(m.watchDoneCh)

	for config := range m.source.Changes() {
		err := m.reconfigure(config)
		if err != nil {
			// a bad snapshot after startup keeps the previous state
			m.logger.Error("failed to apply cluster config", zap.Error(err))
		}
	}
}

// buildState assembles a fresh routing state from a config snapshot.  Node
// handles are always rebuilt, even for endpoints carried over, so a retiring
// state can dispose its sockets without racing the new one.
func (m *Manager) buildState(config *cbconfig.ClusterConfigJson) (*InternalState, error) {
	if config.VBucketServerMap != nil {
		return m.buildVBucketState(config)
	}
	return m.buildClassicState(config)
}

func (m *Manager) buildClassicState(config *cbconfig.ClusterConfigJson) (*InternalState, error) {
	var nodes []*Node
	for _, nodeJson := range config.Nodes {
		if nodeJson.Status != cbconfig.NodeStatusHealthy {
			continue
		}

		port := nodeJson.Ports.Direct
		if m.portType == cbconfig.PortTypeProxy {
			port = nodeJson.Ports.Proxy
		}
		if port == 0 {
			continue
		}

		nodes = append(nodes, m.newNode(fmt.Sprintf("%s:%d", nodeJson.Hostname, port)))
	}

	locator := ketama.New()
	err := locator.Initialize(memdNodes(nodes))
	if err != nil {
		return nil, err
	}

	return &InternalState{
		nodes:     nodes,
		locator:   locator,
		opFactory: memd.BasicOperationFactory{},
	}, nil
}

func (m *Manager) buildVBucketState(config *cbconfig.ClusterConfigJson) (*InternalState, error) {
	serverMap := config.VBucketServerMap

	locator, err := vbucket.NewLocator(serverMap)
	if err != nil {
		return nil, err
	}

	// order preserved, the map indices refer into the server list
	nodes := make([]*Node, len(serverMap.ServerList))
	for i, endpoint := range serverMap.ServerList {
		nodes[i] = m.newNode(endpoint)
	}

	err = locator.Initialize(memdNodes(nodes))
	if err != nil {
		return nil, err
	}

	state := &InternalState{
		nodes:     nodes,
		locator:   locator,
		opFactory: vbucket.NewOperationFactory(locator),
	}

	if len(serverMap.VBucketMapForward) > 0 {
		forwardMap := *serverMap
		forwardMap.VBucketMap = serverMap.VBucketMapForward
		forwardMap.VBucketMapForward = nil

		forwardLocator, err := vbucket.NewLocator(&forwardMap)
		if err != nil {
			return nil, errors.Wrap(err, "invalid forward vbucket map")
		}

		err = forwardLocator.Initialize(memdNodes(nodes))
		if err != nil {
			return nil, err
		}

		state.forwardLocator = forwardLocator
	}

	return state, nil
}

func (m *Manager) newNode(endpoint string) *Node {
	return NewNode(NodeOptions{
		Endpoint:   endpoint,
		SocketPool: m.socketPools(endpoint),
		Logger:     m.logger.Named("node"),
		OnFailed:   m.nodeFailed,
	})
}

func memdNodes(nodes []*Node) []memd.Node {
	out := make([]memd.Node, len(nodes))
	for i, n := range nodes {
		out[i] = n
	}
	return out
}

// reconfigure applies one config snapshot: suspend the resurrection timer,
// build and publish the new state, then retire the previous one.
func (m *Manager) reconfigure(config *cbconfig.ClusterConfigJson) error {
	m.reconfigureMu.Lock()
	defer m.reconfigureMu.Unlock()

	if m.disposed {
		return ErrManagerDisposed
	}

	m.suspendRezTimerLocked()

	if config == nil {
		m.publishLocked(emptyState)
		return nil
	}

	newState, err := m.buildState(config)
	if err != nil {
		return err
	}

	m.publishLocked(newState)

	m.logger.Info("applied cluster config",
		zap.Int("rev", config.Rev),
		zap.Int("nodes", len(newState.nodes)),
		zap.Bool("vbucket", config.VBucketServerMap != nil))

	return nil
}

// publishLocked atomically swaps in a state and retires the previous one.
// Disposal errors are swallowed so cleanup cannot mask a successful swap.
func (m *Manager) publishLocked(newState *InternalState) {
	oldState := m.state.Swap(newState)

	m.metrics.ConfigSwaps.Inc()
	m.metrics.NodesTotal.Set(float64(len(newState.nodes)))

	if oldState != nil {
		for _, node := range oldState.nodes {
			node.Dispose()
		}
	}
}

// nodeFailed is the single failure subscriber for every node in the current
// state.  The first failure arms the resurrection timer; later failures
// before it fires are covered by the same probe pass.
func (m *Manager) nodeFailed(node *Node) {
	m.metrics.NodeFailures.Inc()
	m.logger.Warn("node failed", zap.String("endpoint", node.Endpoint()))

	if m.timerActive.Load() {
		return
	}

	m.reconfigureMu.Lock()
	defer m.reconfigureMu.Unlock()

	if m.disposed {
		return
	}

	// re-check under the lock; another failure may have armed it already
	if m.timerActive.Load() {
		return
	}

	if m.rezTimer == nil {
		m.rezTimer = time.AfterFunc(m.deadTimeout, m.rezCallback)
	} else {
		m.rezTimer.Reset(m.deadTimeout)
	}
	m.timerActive.Store(true)
}

// rezCallback is the resurrection probe pass.  It pings every dead node in
// the current state and rearms the timer only while some remain dead, which
// bounds probing to one pass per deadTimeout no matter how many nodes died.
func (m *Manager) rezCallback() {
	m.reconfigureMu.Lock()
	defer m.reconfigureMu.Unlock()

	if m.disposed {
		return
	}

	m.metrics.ResurrectionPasses.Inc()

	stillDead := 0
	for _, node := range m.state.Load().nodes {
		if node.IsAlive() {
			continue
		}

		if node.Ping(context.Background()) {
			m.metrics.NodesResurrected.Inc()
			m.logger.Info("node resurrected", zap.String("endpoint", node.Endpoint()))
		} else {
			stillDead++
		}
	}

	if stillDead > 0 {
		m.rezTimer.Reset(m.deadTimeout)
		return
	}

	// every node recovered; the timer rests until the next failure
	m.timerActive.Store(false)
}

func (m *Manager) suspendRezTimerLocked() {
	if m.rezTimer != nil {
		m.rezTimer.Stop()
	}
	m.timerActive.Store(false)
}

// Locate returns the node the key routes to in the current state.
func (m *Manager) Locate(key string) (memd.Node, error) {
	node := m.state.Load().locator.Locate(key)
	if node == nil {
		return nil, errors.Wrapf(ErrNoRoute, "key %q", key)
	}
	return node, nil
}

// OperationFactory returns the factory consistent with the current locator.
func (m *Manager) OperationFactory() memd.OperationFactory {
	return m.state.Load().opFactory
}

// WorkingNodes returns the alive nodes of the current state.
func (m *Manager) WorkingNodes() []memd.Node {
	return m.state.Load().locator.WorkingNodes()
}

// State returns the current routing snapshot.
func (m *Manager) State() *InternalState {
	return m.state.Load()
}

// AuthProvider returns the SASL provider selected for the bucket, or nil
// for the default bucket.
func (m *Manager) AuthProvider() auth.SaslProvider {
	return m.authProvider
}

// Dispose detaches from the config source, stops the resurrection timer,
// disposes every node and publishes the empty state.
func (m *Manager) Dispose() {
	if m.started.Load() {
		m.source.Stop()
		if m.watchDoneCh != nil {
			<-m.watchDoneCh
		}
	}

	m.reconfigureMu.Lock()
	defer m.reconfigureMu.Unlock()

	if m.disposed {
		return
	}
	m.disposed = true

	if m.rezTimer != nil {
		m.rezTimer.Stop()
		m.rezTimer = nil
	}
	m.timerActive.Store(false)

	m.publishLocked(emptyState)
}
