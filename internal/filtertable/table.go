package filtertable

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/opendiamond/adiskd/internal/signature"
)

// StatWindow is the size of the fd_avg_wall ring buffer (spec.md §3,
// supplemented from original_source/lib/libfilterexec/fexec_stats.c's
// STAT_WINDOW constant, dropped by the distillation).
const StatWindow = 128

// nameIndex is a google/btree item ordering filter names, used to walk the
// dependency graph deterministically regardless of map iteration order
// (spec.md's design note on replacing ad-hoc C structures with corpus-
// idiomatic containers; erigon-lib uses the same btree for its in-memory
// ordered indexes).
type nameIndex struct {
	name string
	idx  int
}

func (n nameIndex) Less(than btree.Item) bool {
	return n.name < than.(nameIndex).name
}

// Table holds a loaded filter spec: its filters, the library signatures
// that contributed to each filter signature, the current permutation, and
// a rolling window of recent per-object wall times (spec.md §3).
type Table struct {
	mu sync.RWMutex

	Filters     []*Descriptor
	Libs        []signature.Signature
	SpecSig     signature.Signature
	Permutation []int // indices into Filters, dependency-respecting order

	order *btree.BTree

	objNs      [StatWindow]int64
	objNsNext  int
	objNsCount int
}

// New builds a Table from parsed filters and library signatures, computing
// an initial dependency-respecting permutation via topological sort
// (spec.md §4.5).
func New(filters []*Descriptor, libs []signature.Signature, specSig signature.Signature) (*Table, error) {
	t := &Table{
		Filters: filters,
		Libs:    libs,
		SpecSig: specSig,
		order:   btree.New(32),
	}
	for i, f := range filters {
		if t.order.Has(nameIndex{name: f.Name}) {
			return nil, fmt.Errorf("filtertable: duplicate filter name %q", f.Name)
		}
		t.order.ReplaceOrInsert(nameIndex{name: f.Name, idx: i})
	}

	perm, err := topoSort(filters, t.order)
	if err != nil {
		return nil, err
	}
	t.Permutation = perm
	return t, nil
}

// IndexOf returns the Filters index of name, if present, via the ordered
// btree index (spec.md's design note on deterministic name lookups).
func (t *Table) IndexOf(name string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item := t.order.Get(nameIndex{name: name})
	if item == nil {
		return 0, false
	}
	return item.(nameIndex).idx, true
}

// CurrentPermutation returns a copy of the current permutation.
func (t *Table) CurrentPermutation() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, len(t.Permutation))
	copy(out, t.Permutation)
	return out
}

// SetPermutation installs a new permutation, e.g. computed by the bypass
// policy's reordering (spec.md §4.5, C8). Callers must ensure perm still
// respects the dependency partial order.
func (t *Table) SetPermutation(perm []int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Permutation = perm
}

// RecordObjectTime pushes one object's total wall time into the fd_avg_wall
// ring buffer (spec.md §3).
func (t *Table) RecordObjectTime(ns int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objNs[t.objNsNext] = ns
	t.objNsNext = (t.objNsNext + 1) % StatWindow
	if t.objNsCount < StatWindow {
		t.objNsCount++
	}
}

// AvgObjectTimeNs returns the mean of the ring buffer's current contents,
// or 0 if empty.
func (t *Table) AvgObjectTimeNs() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.objNsCount == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < t.objNsCount; i++ {
		sum += t.objNs[i]
	}
	return sum / int64(t.objNsCount)
}

// topoSort computes an initial permutation respecting every filter's
// Dependencies (a DAG, spec.md §4.5). Ties are broken by name for
// determinism. Dependency names are resolved to indices via order, the
// same btree-backed name index IndexOf queries.
func topoSort(filters []*Descriptor, order *btree.BTree) ([]int, error) {
	inDegree := make([]int, len(filters))
	dependents := make([][]int, len(filters))

	for i, f := range filters {
		for _, dep := range f.Dependencies {
			item := order.Get(nameIndex{name: dep})
			if item == nil {
				return nil, fmt.Errorf("filtertable: filter %q depends on unknown filter %q", f.Name, dep)
			}
			depIdx := item.(nameIndex).idx
			dependents[depIdx] = append(dependents[depIdx], i)
			inDegree[i]++
		}
	}

	var ready []int
	for i := range filters {
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	sort.Slice(ready, func(a, b int) bool { return filters[ready[a]].Name < filters[ready[b]].Name })

	var perm []int
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		perm = append(perm, next)

		var newlyReady []int
		for _, dep := range dependents[next] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				newlyReady = append(newlyReady, dep)
			}
		}
		sort.Slice(newlyReady, func(a, b int) bool { return filters[newlyReady[a]].Name < filters[newlyReady[b]].Name })
		ready = append(ready, newlyReady...)
		sort.Slice(ready, func(a, b int) bool { return filters[ready[a]].Name < filters[ready[b]].Name })
	}

	if len(perm) != len(filters) {
		return nil, fmt.Errorf("filtertable: dependency cycle detected among %d filters", len(filters)-len(perm))
	}
	return perm, nil
}
