package ketama

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/couchbase/stellar-cache/memd"
)

type testNode struct {
	endpoint string
	alive    bool
}

func (n *testNode) Endpoint() string { return n.endpoint }
func (n *testNode) IsAlive() bool    { return n.alive }

func testNodes() []*testNode {
	return []*testNode{
		{endpoint: "10.0.0.1:11211", alive: true},
		{endpoint: "10.0.0.2:11211", alive: true},
		{endpoint: "10.0.0.3:11211", alive: true},
	}
}

func asMemdNodes(nodes []*testNode) []memd.Node {
	out := make([]memd.Node, len(nodes))
	for i, n := range nodes {
		out[i] = n
	}
	return out
}

func TestLocateIsDeterministic(t *testing.T) {
	nodes := testNodes()

	locator := New()
	require.NoError(t, locator.Initialize(asMemdNodes(nodes)))

	for _, key := range []string{"k1", "k2", "user:1234", ""} {
		first := locator.Locate(key)
		require.NotNil(t, first)

		for i := 0; i < 10; i++ {
			require.Same(t, first, locator.Locate(key))
		}
	}
}

func TestLocateSpreadsKeys(t *testing.T) {
	nodes := testNodes()

	locator := New()
	require.NoError(t, locator.Initialize(asMemdNodes(nodes)))

	hits := map[memd.Node]int{}
	for i := 0; i < 1000; i++ {
		node := locator.Locate("key-" + string(rune('a'+i%26)) + "-" + string(rune('0'+i%10)))
		require.NotNil(t, node)
		hits[node]++
	}

	// with 160 points per node, all three nodes should take traffic
	require.Len(t, hits, 3)
}

func TestDeadNodeIsSkippedWithoutRebuild(t *testing.T) {
	nodes := testNodes()

	locator := New()
	require.NoError(t, locator.Initialize(asMemdNodes(nodes)))

	// find a key owned by the second node
	victim := nodes[1]
	var victimKey string
	for i := 0; ; i++ {
		key := "probe-" + string(rune('a'+i%26)) + "-" + string(rune('a'+(i/26)%26))
		if locator.Locate(key) == memd.Node(victim) {
			victimKey = key
			break
		}
	}

	victim.alive = false

	// the key moves to the next alive node along the ring
	fallback := locator.Locate(victimKey)
	require.NotNil(t, fallback)
	require.NotSame(t, victim, fallback)

	// recovery restores the original arc, no rebuild involved
	victim.alive = true
	require.Same(t, victim, locator.Locate(victimKey))
}

func TestAllNodesDead(t *testing.T) {
	nodes := testNodes()
	for _, n := range nodes {
		n.alive = false
	}

	locator := New()
	require.NoError(t, locator.Initialize(asMemdNodes(nodes)))

	require.Nil(t, locator.Locate("anything"))
	require.Empty(t, locator.WorkingNodes())
}

func TestEmptyRing(t *testing.T) {
	locator := New()
	require.NoError(t, locator.Initialize(nil))
	require.Nil(t, locator.Locate("anything"))
}

func TestWorkingNodesTracksLiveness(t *testing.T) {
	nodes := testNodes()

	locator := New()
	require.NoError(t, locator.Initialize(asMemdNodes(nodes)))
	require.Len(t, locator.WorkingNodes(), 3)

	nodes[0].alive = false
	require.Len(t, locator.WorkingNodes(), 2)
}
