package pool

import (
	"github.com/couchbase/stellar-cache/memd"
)

// InternalState is one immutable routing snapshot: the node handles, the
// locator built over them, and the operation factory consistent with that
// locator.  Exactly one state is observable at a time; readers that loaded
// the previous state keep a consistent view until they drop it.
type InternalState struct {
	nodes     []*Node
	locator   memd.NodeLocator
	opFactory memd.OperationFactory

	// forwardLocator carries the pending vbucket map during a rebalance,
	// when the config supplies one.
	forwardLocator memd.NodeLocator
}

// Nodes returns the ordered node handles.  Vbucket locators rely on this
// order matching the server list, so it is never rearranged.
func (s *InternalState) Nodes() []*Node {
	return s.nodes
}

func (s *InternalState) Locator() memd.NodeLocator {
	return s.locator
}

func (s *InternalState) OperationFactory() memd.OperationFactory {
	return s.opFactory
}

func (s *InternalState) ForwardLocator() memd.NodeLocator {
	return s.forwardLocator
}

type noRouteLocator struct{}

func (noRouteLocator) Initialize(nodes []memd.Node) error { return nil }
func (noRouteLocator) Locate(key string) memd.Node        { return nil }
func (noRouteLocator) WorkingNodes() []memd.Node          { return nil }

// emptyState is the sentinel published before the first config arrives and
// after dispose.  It has no nodes and a locator that never routes.
var emptyState = &InternalState{
	locator:   noRouteLocator{},
	opFactory: memd.BasicOperationFactory{},
}
