// Package filtertable implements C7 of the diamond search core: parsing a
// filter spec into a dependency-respecting permutation of Descriptors, and
// tracking the per-filter statistics the bypass policy (C8) and stats
// export (C12) consume (spec.md §4.5).
package filtertable

import (
	"sync"
	"sync/atomic"

	"github.com/opendiamond/adiskd/internal/object"
	"github.com/opendiamond/adiskd/internal/signature"
)

// OutputMode describes how a filter's output attributes relate to its
// input object (spec.md §3).
type OutputMode int

const (
	// OutputUnmodified means the filter only reads attributes.
	OutputUnmodified OutputMode = iota
	// OutputNew means the filter's output replaces the object entirely.
	OutputNew
	// OutputClone means the filter produces a derived copy.
	OutputClone
	// OutputCopyAttr means the filter copies one attribute to another name.
	OutputCopyAttr
)

// EvalFunc is the opaque, externally supplied filter body (spec.md §1:
// "Filter executables/interpreters are also external"). It returns the
// filter's score for object o.
type EvalFunc func(o *object.Object) (score int, err error)

// InitFunc performs one-time, idempotent filter setup (e.g. loading a
// model from BlobBytes). It may be nil.
type InitFunc func() error

// Stats are the per-filter counters spec.md §3 and §6 name.
type Stats struct {
	Called           atomic.Uint64
	Dropped          atomic.Uint64
	Passed           atomic.Uint64
	Errored          atomic.Uint64
	TimeNs           atomic.Uint64
	AddedBytes       atomic.Uint64
	CacheDrop        atomic.Uint64
	CachePass        atomic.Uint64
	Compute          atomic.Uint64
	HitsInterSession atomic.Uint64
	HitsInterQuery   atomic.Uint64
	HitsIntraQuery   atomic.Uint64
}

// Snapshot is a read-only copy of Stats for polling (C12).
type Snapshot struct {
	Called, Dropped, Passed, Errored   uint64
	TimeNs, AddedBytes                 uint64
	CacheDrop, CachePass, Compute      uint64
	HitsInterSession, HitsInterQuery   uint64
	HitsIntraQuery                     uint64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Called:           s.Called.Load(),
		Dropped:          s.Dropped.Load(),
		Passed:           s.Passed.Load(),
		Errored:          s.Errored.Load(),
		TimeNs:           s.TimeNs.Load(),
		AddedBytes:       s.AddedBytes.Load(),
		CacheDrop:        s.CacheDrop.Load(),
		CachePass:        s.CachePass.Load(),
		Compute:          s.Compute.Load(),
		HitsInterSession: s.HitsInterSession.Load(),
		HitsInterQuery:   s.HitsInterQuery.Load(),
		HitsIntraQuery:   s.HitsIntraQuery.Load(),
	}
}

// AvgExecTimeNs returns TimeNs/Compute, or 0 if the filter has never
// computed.
func (s Snapshot) AvgExecTimeNs() uint64 {
	if s.Compute == 0 {
		return 0
	}
	return s.TimeNs / s.Compute
}

// Descriptor is one stage of the pipeline (spec.md §3).
type Descriptor struct {
	Name         string
	FunctionName string
	Argv         []string
	BlobSig      signature.Signature
	BlobBytes    []byte
	Dependencies []string
	Threshold    int

	OutputMode OutputMode

	Eval EvalFunc
	Init InitFunc

	Stats Stats

	// BpThresh and FirstGroup are set by the bypass/grouping policy (C8)
	// and read by the executor (C9).
	BpThresh   atomic.Int64 // in [-1, math.MaxInt32]
	FirstGroup atomic.Bool

	initOnce sync.Once
	initErr  error

	sig     signature.Signature
	sigOnce sync.Once
}

// EnsureInit runs the filter's Init exactly once, memoizing any error.
func (d *Descriptor) EnsureInit() error {
	d.initOnce.Do(func() {
		if d.Init != nil {
			d.initErr = d.Init()
		}
	})
	return d.initErr
}

// Signature returns the filter's content signature, computed over
// (libSigs, name, function name, arguments, blob bytes) per spec.md §3's
// invariant that identical signatures imply identical observable behavior.
// The result is memoized against the first libSigs it is called with.
func (d *Descriptor) Signature(libSigs []signature.Signature) signature.Signature {
	d.sigOnce.Do(func() {
		ranges := make([][]byte, 0, len(libSigs)+2+len(d.Argv)+1)
		for _, l := range libSigs {
			cp := l
			ranges = append(ranges, cp[:])
		}
		ranges = append(ranges, []byte(d.Name), []byte(d.FunctionName))
		for _, a := range d.Argv {
			ranges = append(ranges, []byte(a))
		}
		ranges = append(ranges, d.BlobBytes)
		d.sig = signature.Hash(ranges...)
	})
	return d.sig
}
