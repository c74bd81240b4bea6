/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package memd declares the seams between the routing core and the wire
// protocol layer.  The actual request encoding lives outside this module;
// the core only decides which node an operation should travel to and, for
// vbucket deployments, which bucket index it carries.
package memd

// Node is one routable cache server.  Liveness is a runtime overlay; a dead
// node stays in the routing table until a config update replaces it.
type Node interface {
	Endpoint() string
	IsAlive() bool
}

// NodeLocator maps a request key to a target node.
type NodeLocator interface {
	// Initialize installs the node set.  Locators are rebuilt rather than
	// mutated; membership never changes after this call.
	Initialize(nodes []Node) error

	// Locate returns the node a key routes to, or nil when no route
	// exists (all nodes dead, or the key's partition is unmapped).
	Locate(key string) Node

	// WorkingNodes returns the currently alive subset of the node set.
	WorkingNodes() []Node
}

// Operation is a single keyed request about to be handed to the protocol
// layer.
type Operation interface {
	Key() string
}

// VBucketAwareOperation additionally carries the vbucket index the key
// hashes to, which the binary protocol ships with each request.
type VBucketAwareOperation interface {
	Operation

	VBucketID() uint16
}

// OperationFactory builds operations consistent with the locator that was
// published alongside it.
type OperationFactory interface {
	New(key string) Operation
}

type basicOperation struct {
	key string
}

func (o basicOperation) Key() string {
	return o.key
}

// BasicOperationFactory produces plain operations for classic deployments
// where the node resolved by the locator needs no extra routing data.
type BasicOperationFactory struct{}

var _ OperationFactory = BasicOperationFactory{}

func (BasicOperationFactory) New(key string) Operation {
	return basicOperation{key: key}
}
