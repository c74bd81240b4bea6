package vbucket

import (
	"github.com/couchbase/stellar-cache/memd"
)

type vbucketOperation struct {
	key  string
	vbID uint16
}

func (o vbucketOperation) Key() string {
	return o.key
}

func (o vbucketOperation) VBucketID() uint16 {
	return o.vbID
}

// OperationFactory stamps each operation with the vbucket index its key
// hashes to, so the index travels with the request through the protocol
// layer.
type OperationFactory struct {
	locator *Locator
}

var _ memd.OperationFactory = (*OperationFactory)(nil)

func NewOperationFactory(locator *Locator) *OperationFactory {
	return &OperationFactory{locator: locator}
}

func (f *OperationFactory) New(key string) memd.Operation {
	return vbucketOperation{
		key:  key,
		vbID: uint16(f.locator.BucketOf(key)),
	}
}

// ReplicaOf returns the n-th replica node for a key's vbucket, or nil when
// that replica does not exist.  Callers use this to retry reads when the
// master is down; the locator itself never substitutes replicas.
func (f *OperationFactory) ReplicaOf(key string, n int) memd.Node {
	replicas := f.locator.Replicas(f.locator.BucketOf(key))
	if n < 0 || n >= len(replicas) {
		return nil
	}
	return replicas[n]
}
