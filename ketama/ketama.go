/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package ketama implements the consistent-hashing node locator used by
// classic (non-vbucket) deployments.  Each node contributes 160 virtual
// points to a 32-bit ring; a key routes to the owner of the first point at
// or past its hash.  Liveness never rebuilds the ring, dead nodes are simply
// skipped along it.
package ketama

import (
	"crypto/md5"
	"encoding/binary"
	"sort"
	"strconv"

	"golang.org/x/exp/slices"

	"github.com/couchbase/stellar-cache/memd"
)

const (
	// hashesPerNode digests are computed per node, each yielding
	// pointsPerHash ring points.
	hashesPerNode = 40
	pointsPerHash = 4
)

type ringPoint struct {
	point uint32
	node  memd.Node
}

// Locator is the Ketama ring.  It is immutable once initialized; config
// updates build a fresh one.
type Locator struct {
	points []ringPoint
	nodes  []memd.Node
}

var _ memd.NodeLocator = (*Locator)(nil)

func New() *Locator {
	return &Locator{}
}

// hashKey derives the 32-bit ring position of a key: the first four bytes
// of its MD5 digest, little-endian.
func hashKey(key string) uint32 {
	digest := md5.Sum([]byte(key))
	return binary.LittleEndian.Uint32(digest[0:4])
}

func (l *Locator) Initialize(nodes []memd.Node) error {
	points := make([]ringPoint, 0, len(nodes)*hashesPerNode*pointsPerHash)

	for _, node := range nodes {
		label := node.Endpoint()
		for i := 0; i < hashesPerNode; i++ {
			digest := md5.Sum([]byte(label + "-" + strconv.Itoa(i)))

			for p := 0; p < pointsPerHash; p++ {
				points = append(points, ringPoint{
					point: binary.LittleEndian.Uint32(digest[p*4 : p*4+4]),
					node:  node,
				})
			}
		}
	}

	// stable sort keeps insertion order on point collisions
	slices.SortStableFunc(points, func(a, b ringPoint) int {
		if a.point < b.point {
			return -1
		}
		if a.point > b.point {
			return 1
		}
		return 0
	})

	l.points = points
	l.nodes = nodes
	return nil
}

func (l *Locator) Locate(key string) memd.Node {
	if len(l.points) == 0 {
		return nil
	}

	hash := hashKey(key)
	idx := sort.Search(len(l.points), func(i int) bool {
		return l.points[i].point >= hash
	})
	if idx == len(l.points) {
		idx = 0
	}

	// walk the ring past dead nodes; give up after a full revolution
	for probed := 0; probed < len(l.points); probed++ {
		node := l.points[(idx+probed)%len(l.points)].node
		if node.IsAlive() {
			return node
		}
	}

	return nil
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
