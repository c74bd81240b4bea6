/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package vbucket implements key routing for partitioned deployments.  A
// server-supplied map assigns every vbucket a master node and an ordered
// set of replicas; keys hash to a vbucket and route to its master.
package vbucket

import (
	"hash/crc32"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/couchbase/stellar-cache/cbconfig"
	"github.com/couchbase/stellar-cache/memd"
)

// VBucket is one partition's assignment.  Master and replicas are indices
// into the locator's node list.
type VBucket struct {
	Master   int
	Replicas []int
}

type hashFunc func(key string) uint32

// defaultHashWidth is how many bits of the folded CRC survive; the bucket
// index is the hash modulo the map size, so the width only needs to cover
// the largest map.
const defaultHashWidth = 15

// crcHash folds CRC-32 down to the configured width the same way the other
// clients do: take the high half and mask.
func crcHash(key string) uint32 {
	return (crc32.ChecksumIEEE([]byte(key)) >> 16) & ((1 << defaultHashWidth) - 1)
}

func xxHash(key string) uint32 {
	return uint32(xxhash.Sum64String(key))
}

func hashForAlgorithm(name string) (hashFunc, error) {
	switch strings.ToUpper(name) {
	case "", "CRC":
		return crcHash, nil
	case "XXHASH":
		return xxHash, nil
	}
	return nil, errors.Wrapf(cbconfig.ErrInvalidConfiguration, "unsupported hash algorithm %q", name)
}

// Locator routes keys through the vbucket map.  It is immutable once built;
// a config update constructs a replacement.
type Locator struct {
	nodes   []memd.Node
	buckets []VBucket
	hash    hashFunc
}

var _ memd.NodeLocator = (*Locator)(nil)

// NewLocator validates the server map and builds a locator over it.  The
// node list must be ordered exactly as the map's serverList so the map's
// indices stay valid.
func NewLocator(serverMap *cbconfig.VBucketServerMapJson) (*Locator, error) {
	if serverMap == nil {
		return nil, errors.Wrap(cbconfig.ErrInvalidConfiguration, "no vbucket server map present")
	}
	if len(serverMap.ServerList) == 0 {
		return nil, errors.Wrap(cbconfig.ErrInvalidConfiguration, "vbucket server list is empty")
	}
	if len(serverMap.VBucketMap) == 0 {
		return nil, errors.Wrap(cbconfig.ErrInvalidConfiguration, "vbucket map is empty")
	}
	if len(serverMap.VBucketMap)&(len(serverMap.VBucketMap)-1) != 0 {
		return nil, errors.Wrapf(cbconfig.ErrInvalidConfiguration,
			"vbucket map length %d is not a power of two", len(serverMap.VBucketMap))
	}

	hash, err := hashForAlgorithm(serverMap.HashAlgorithm)
	if err != nil {
		return nil, err
	}

	buckets := make([]VBucket, len(serverMap.VBucketMap))
	for i, vector := range serverMap.VBucketMap {
		if len(vector) < 1 {
			return nil, errors.Wrapf(cbconfig.ErrInvalidConfiguration,
				"vbucket %d has no master entry", i)
		}
		if vector[0] >= len(serverMap.ServerList) {
			return nil, errors.Wrapf(cbconfig.ErrInvalidConfiguration,
				"vbucket %d master %d is out of range", i, vector[0])
		}

		buckets[i] = VBucket{
			Master:   vector[0],
			Replicas: vector[1:],
		}
	}

	return &Locator{
		buckets: buckets,
		hash:    hash,
	}, nil
}

func (l *Locator) Initialize(nodes []memd.Node) error {
	// order matters here; map indices refer into this slice
	l.nodes = nodes
	return nil
}

// BucketOf returns the vbucket index a key hashes to.
func (l *Locator) BucketOf(key string) int {
	return int(l.hash(key)) & (len(l.buckets) - 1)
}

// Locate returns the master node for the key's vbucket.  A dead master is
// returned as-is; replica fallback is the operation layer's decision, not
// the locator's.
func (l *Locator) Locate(key string) memd.Node {
	return l.LocateByVBucket(l.BucketOf(key))
}

// LocateByVBucket returns the master node of a specific vbucket, or nil
// when the vbucket has no server assigned.
func (l *Locator) LocateByVBucket(index int) memd.Node {
	if index < 0 || index >= len(l.buckets) {
		return nil
	}

	master := l.buckets[index].Master
	if master < 0 || master >= len(l.nodes) {
		return nil
	}

	return l.nodes[master]
}

// Replicas returns the replica nodes of a vbucket in configured order.
// Unassigned entries are skipped.
func (l *Locator) Replicas(index int) []memd.Node {
	if index < 0 || index >= len(l.buckets) {
		return nil
	}

	var replicas []memd.Node
	for _, replicaIdx := range l.buckets[index].Replicas {
		if replicaIdx < 0 || replicaIdx >= len(l.nodes) {
			continue
		}
		replicas = append(replicas, l.nodes[replicaIdx])
	}
	return replicas
}

func (l *Locator) WorkingNodes() []memd.Node {
	var working []memd.Node
	for _, node := range l.nodes {
		if node.IsAlive() {
			working = append(working, node)
		}
	}
	return working
}

// NumVBuckets returns the size of the vbucket map.
func (l *Locator) NumVBuckets() int {
	return len(l.buckets)
}
