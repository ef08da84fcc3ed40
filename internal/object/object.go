// Package object implements C3 of the diamond search core: the handle
// carrying an object's identity, attributes, refcount, and outstanding
// work estimate as it moves from the object disk through the filter
// executor to the transmit queue (spec.md §3).
package object

import (
	"sync/atomic"

	"github.com/opendiamond/adiskd/internal/attr"
	"github.com/opendiamond/adiskd/internal/signature"
)

// Object is the unit of work the core evaluates. An Object is owned by
// exactly one goroutine at a time: the object disk's fetch worker hands it
// to the search worker, which hands it to the filter executor, which
// returns it for transmission or drop. It is never mutated by two
// goroutines concurrently (spec.md §5).
type Object struct {
	// IDSig is derived deterministically from the object's stable URI
	// (spec.md §3).
	IDSig      signature.Signature
	URI        string
	Attributes *attr.Store

	refcount        atomic.Int32
	remainingCompute atomic.Int64
}

// New creates an Object for uri, with attributes backed by hooks (normally
// the cache, C4). The object starts with a refcount of 1.
func New(uri string, hooks attr.Hooks) *Object {
	o := &Object{
		IDSig:      signature.HashString(uri),
		URI:        uri,
		Attributes: attr.New(hooks),
	}
	o.refcount.Store(1)
	return o
}

// Ref increments the refcount and returns o, for callers that hand the
// same Object to more than one queue.
func (o *Object) Ref() *Object {
	o.refcount.Add(1)
	return o
}

// Release decrements the refcount. When it reaches zero the object (and
// its attribute arena) is considered free; callers must not use o again
// after Release returns true.
func (o *Object) Release() (freed bool) {
	return o.refcount.Add(-1) == 0
}

// RemainingCompute returns the current estimate, in cost-units, of work
// not yet performed for this object. It is carried on the transmit queue
// for backpressure accounting (spec.md §3).
func (o *Object) RemainingCompute() int64 {
	return o.remainingCompute.Load()
}

// SetRemainingCompute overwrites the estimate.
func (o *Object) SetRemainingCompute(v int64) {
	o.remainingCompute.Store(v)
}

// ReduceRemainingCompute subtracts delta (typically a filter's estimated
// or measured cost) from the estimate, floored at zero.
func (o *Object) ReduceRemainingCompute(delta int64) {
	for {
		cur := o.remainingCompute.Load()
		next := cur - delta
		if next < 0 {
			next = 0
		}
		if o.remainingCompute.CompareAndSwap(cur, next) {
			return
		}
	}
}
