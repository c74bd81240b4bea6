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
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/couchbase/stellar-cache/cbconfig"
	"github.com/couchbase/stellar-cache/memd"
)

type fakeConfigSource struct {
	ch          chan *cbconfig.ClusterConfigJson
	deadTimeout time.Duration
	startErr    error

	mu      sync.Mutex
	stopped bool
}

func newFakeConfigSource(deadTimeout time.Duration) *fakeConfigSource {
	return &fakeConfigSource{
		ch:          make(chan *cbconfig.ClusterConfigJson, 8),
		deadTimeout: deadTimeout,
	}
}

func (s *fakeConfigSource) Start(ctx context.Context) error {
	return s.startErr
}

func (s *fakeConfigSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.ch)
}

func (s *fakeConfigSource) DeadTimeout() time.Duration {
	return s.deadTimeout
}

func (s *fakeConfigSource) Changes() <-chan *cbconfig.ClusterConfigJson {
	return s.ch
}

type socketPoolRecorder struct {
	mu    sync.Mutex
	pools map[string][]*fakeSocketPool
}

func newSocketPoolRecorder() *socketPoolRecorder {
	return &socketPoolRecorder{pools: map[string][]*fakeSocketPool{}}
}

func (r *socketPoolRecorder) factory(endpoint string) SocketPool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool := &fakeSocketPool{}
	r.pools[endpoint] = append(r.pools[endpoint], pool)
	return pool
}

func (r *socketPoolRecorder) all() []*fakeSocketPool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*fakeSocketPool
	for _, pools := range r.pools {
		out = append(out, pools...)
	}
	return out
}

func classicConfig(rev int, hostnames ...string) *cbconfig.ClusterConfigJson {
	config := &cbconfig.ClusterConfigJson{Rev: rev}
	for _, hostname := range hostnames {
		config.Nodes = append(config.Nodes, cbconfig.NodeJson{
			Hostname: hostname,
			Status:   cbconfig.NodeStatusHealthy,
			Ports:    cbconfig.NodePortsJson{Direct: 11210, Proxy: 11211},
		})
	}
	return config
}

func vbucketConfig(rev int) *cbconfig.ClusterConfigJson {
	return &cbconfig.ClusterConfigJson{
		Rev: rev,
		VBucketServerMap: &cbconfig.VBucketServerMapJson{
			HashAlgorithm: "CRC",
			NumReplicas:   1,
			ServerList:    []string{"s0:11210", "s1:11210", "s2:11210"},
			VBucketMap: [][]int{
				{0, 1},
				{1, 2},
				{2, 0},
				{0, 2},
			},
		},
	}
}

func startManager(t *testing.T, source ConfigSource, recorder *socketPoolRecorder) *Manager {
	manager, err := NewManager(ManagerOptions{
		Source:      source,
		SocketPools: recorder.factory,
	})
	require.NoError(t, err)

	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(manager.Dispose)

	return manager
}

func TestStartRequiresConfig(t *testing.T) {
	source := newFakeConfigSource(time.Second)
	source.startErr = errors.New("no pool urls reachable")

	manager, err := NewManager(ManagerOptions{
		Source:      source,
		SocketPools: newSocketPoolRecorder().factory,
	})
	require.NoError(t, err)

	// startup configuration errors surface to the caller
	require.Error(t, manager.Start(context.Background()))
}

func TestStartBlocksForFirstConfig(t *testing.T) {
	source := newFakeConfigSource(time.Second)
	recorder := newSocketPoolRecorder()

	go func() {
		time.Sleep(20 * time.Millisecond)
		source.ch <- classicConfig(1, "a.example.com", "b.example.com")
	}()

	manager := startManager(t, source, recorder)

	node, err := manager.Locate("some-key")
	require.NoError(t, err)
	require.NotNil(t, node)
	require.Len(t, manager.WorkingNodes(), 2)
}

func TestEmptyConfigRoutesNothing(t *testing.T) {
	source := newFakeConfigSource(time.Second)
	recorder := newSocketPoolRecorder()

	source.ch <- nil

	manager := startManager(t, source, recorder)

	_, err := manager.Locate("anything")
	require.ErrorIs(t, err, ErrNoRoute)
	require.Empty(t, manager.WorkingNodes())
}

func TestVBucketConfigBuildsVBucketFactory(t *testing.T) {
	source := newFakeConfigSource(time.Second)
	recorder := newSocketPoolRecorder()

	source.ch <- vbucketConfig(1)

	manager := startManager(t, source, recorder)

	node, err := manager.Locate("x")
	require.NoError(t, err)
	require.NotNil(t, node)

	op := manager.OperationFactory().New("x")
	vbOp, ok := op.(memd.VBucketAwareOperation)
	require.True(t, ok)
	require.Equal(t, "x", vbOp.Key())

	// node order must match the server list so map indices stay valid
	nodes := manager.State().Nodes()
	require.Equal(t, "s0:11210", nodes[0].Endpoint())
	require.Equal(t, "s1:11210", nodes[1].Endpoint())
	require.Equal(t, "s2:11210", nodes[2].Endpoint())
}

func TestForwardMapPopulatesForwardLocator(t *testing.T) {
	source := newFakeConfigSource(time.Second)
	recorder := newSocketPoolRecorder()

	config := vbucketConfig(1)
	config.VBucketServerMap.VBucketMapForward = [][]int{
		{1, 0},
		{2, 1},
		{0, 2},
		{1, 2},
	}
	source.ch <- config

	manager := startManager(t, source, recorder)

	state := manager.State()
	require.NotNil(t, state.ForwardLocator())

	// the forward locator shares the state's node handles
	forwardNode := state.ForwardLocator().Locate("x")
	require.NotNil(t, forwardNode)

	found := false
	for _, node := range state.Nodes() {
		if memd.Node(node) == forwardNode {
			found = true
		}
	}
	require.True(t, found)
}

func TestConfigSwapDisposesPreviousNodes(t *testing.T) {
	source := newFakeConfigSource(time.Second)
	recorder := newSocketPoolRecorder()

	source.ch <- classicConfig(1, "a.example.com", "b.example.com", "c.example.com")

	manager := startManager(t, source, recorder)

	oldNodes := manager.State().Nodes()
	require.Len(t, oldNodes, 3)

	// replace with a two node config sharing one endpoint
	source.ch <- classicConfig(2, "a.example.com", "d.example.com")

	require.Eventually(t, func() bool {
		return len(manager.State().Nodes()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	newNodes := manager.State().Nodes()

	// the shared endpoint gets a fresh handle, never a reused one
	for _, oldNode := range oldNodes {
		for _, newNode := range newNodes {
			require.NotSame(t, oldNode, newNode)
		}
	}

	// each of the three retired sockets closed exactly once
	closed := 0
	for _, pool := range recorder.all() {
		closed += pool.closeCount()
	}
	require.Equal(t, 3, closed)
}

func TestResurrectionSinglePassCoversAllDeadNodes(t *testing.T) {
	deadTimeout := 150 * time.Millisecond
	source := newFakeConfigSource(deadTimeout)
	recorder := newSocketPoolRecorder()

	source.ch <- classicConfig(1, "a.example.com", "b.example.com", "c.example.com")

	manager := startManager(t, source, recorder)

	nodes := manager.State().Nodes()

	// two nodes fail a few milliseconds apart; one probe pass must cover both
	_ = nodes[0].MarkFailed(errors.New("timeout"))
	time.Sleep(10 * time.Millisecond)
	_ = nodes[1].MarkFailed(errors.New("timeout"))

	require.Eventually(t, func() bool {
		return nodes[0].IsAlive() && nodes[1].IsAlive()
	}, 2*time.Second, 5*time.Millisecond)

	pings := 0
	for _, pool := range recorder.all() {
		pings += pool.pingCount()
	}
	require.Equal(t, 2, pings)

	// both nodes recovered, so the timer must be at rest now
	time.Sleep(2 * deadTimeout)

	pings = 0
	for _, pool := range recorder.all() {
		pings += pool.pingCount()
	}
	require.Equal(t, 2, pings)
}

func TestResurrectionRearmsWhileNodesStayDead(t *testing.T) {
	deadTimeout := 100 * time.Millisecond
	source := newFakeConfigSource(deadTimeout)
	recorder := newSocketPoolRecorder()

	source.ch <- classicConfig(1, "a.example.com")

	manager := startManager(t, source, recorder)

	nodes := manager.State().Nodes()
	pool := recorder.all()[0]
	pool.setPingErr(errors.New("still down"))

	_ = nodes[0].MarkFailed(errors.New("timeout"))

	// the probe keeps rearming while the node stays dead
	require.Eventually(t, func() bool {
		return pool.pingCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	require.False(t, nodes[0].IsAlive())

	// once the node answers again, the next pass revives it
	pool.setPingErr(nil)

	require.Eventually(t, func() bool {
		return nodes[0].IsAlive()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLocateIsStableWhileLivenessConstant(t *testing.T) {
	source := newFakeConfigSource(time.Second)
	recorder := newSocketPoolRecorder()

	source.ch <- classicConfig(1, "a.example.com", "b.example.com", "c.example.com")

	manager := startManager(t, source, recorder)

	first, err := manager.Locate("pinned-key")
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		node, err := manager.Locate("pinned-key")
		require.NoError(t, err)
		require.Same(t, first, node)
	}
}

func TestDisposeShutsDownCleanly(t *testing.T) {
	source := newFakeConfigSource(time.Second)
	recorder := newSocketPoolRecorder()

	source.ch <- classicConfig(1, "a.example.com", "b.example.com")

	manager := startManager(t, source, recorder)

	nodes := manager.State().Nodes()
	manager.Dispose()

	_, err := manager.Locate("anything")
	require.ErrorIs(t, err, ErrNoRoute)

	// a failure event arriving after dispose must not arm the timer
	_ = nodes[0].MarkFailed(errors.New("late failure"))

	closed := 0
	for _, pool := range recorder.all() {
		closed += pool.closeCount()
	}
	require.Equal(t, 2, closed)

	// dispose is idempotent
	manager.Dispose()
}

func TestSelectAuthProvider(t *testing.T) {
	t.Run("DefaultBucketUnauthenticated", func(t *testing.T) {
		require.Nil(t, selectAuthProvider("", "", ""))
		require.Nil(t, selectAuthProvider("default", "secret", "other"))
	})

	t.Run("ExplicitPasswordWins", func(t *testing.T) {
		provider := selectAuthProvider("sessions", "explicit", "configured")
		require.NotNil(t, provider)

		user, pass := provider.Credentials()
		require.Equal(t, "sessions", user)
		require.Equal(t, "explicit", pass)
		require.Equal(t, "PLAIN", provider.Mechanism())
	})

	t.Run("ConfiguredPasswordFallback", func(t *testing.T) {
		provider := selectAuthProvider("sessions", "", "configured")
		require.NotNil(t, provider)

		_, pass := provider.Credentials()
		require.Equal(t, "configured", pass)
	})

	t.Run("BucketNameFallback", func(t *testing.T) {
		provider := selectAuthProvider("sessions", "", "")
		require.NotNil(t, provider)

		_, pass := provider.Credentials()
		require.Equal(t, "sessions", pass)
	})
}
