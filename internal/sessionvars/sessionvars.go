// Package sessionvars implements C11 of the diamond search core:
// per-session accumulators that aggregate a value across every server in
// a distributed search, with a get/set lock regime that prevents
// double-counting while a client is in the middle of an aggregation round
// (spec.md §4.8).
package sessionvars

import "sync"

// variable is {local, global, between_get_and_set} (spec.md §3). All three
// are plain float64s guarded by the owning Vars' mutex, not independently
// atomic: get/set always touch more than one field together.
type variable struct {
	local            float64
	global           float64
	betweenGetAndSet float64
	inGetSetWindow   bool
}

// Vars is one search's session-variable table.
type Vars struct {
	mu     sync.Mutex
	byName map[string]*variable
}

// New returns an empty session-variable table.
func New() *Vars {
	return &Vars{byName: make(map[string]*variable)}
}

// Pair is one (name, local) snapshot, as returned by Get and consumed by
// Set.
type Pair struct {
	Name  string
	Value float64
}

// Get snapshots every variable's (name, local) pair and marks each as
// "between get and set", so that any filter write to that variable before
// the matching Set routes into BetweenGetAndSet instead of Local
// (spec.md §4.8's accumulator semantics — otherwise a value a filter adds
// during the client's cross-server aggregation would be double-counted).
func (v *Vars) Get() []Pair {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Pair, 0, len(v.byName))
	for name, vr := range v.byName {
		out = append(out, Pair{Name: name, Value: vr.local})
		vr.inGetSetWindow = true
	}
	return out
}

// Set applies the client's aggregated values back: for each pair, create
// the variable if missing, set Global to the received value, fold the
// accumulated BetweenGetAndSet delta into Local, then clear the window
// (spec.md §4.8).
func (v *Vars) Set(pairs []Pair) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, p := range pairs {
		vr, ok := v.byName[p.Name]
		if !ok {
			vr = &variable{}
			v.byName[p.Name] = vr
		}
		vr.global = p.Value
		vr.local = vr.betweenGetAndSet
		vr.betweenGetAndSet = 0
		vr.inGetSetWindow = false
	}
}

// Add records a filter's contribution to name. While a get/set
// aggregation round is open for name, the write accumulates into
// BetweenGetAndSet instead of Local (spec.md §4.8); otherwise it adds
// directly to Local.
func (v *Vars) Add(name string, delta float64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	vr, ok := v.byName[name]
	if !ok {
		vr = &variable{}
		v.byName[name] = vr
	}
	if vr.inGetSetWindow {
		vr.betweenGetAndSet += delta
	} else {
		vr.local += delta
	}
}

// Value returns the current Local value of name, or 0 if unset.
func (v *Vars) Value(name string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if vr, ok := v.byName[name]; ok {
		return vr.local
	}
	return 0
}

// Reset empties the table, e.g. on a new Start command (spec.md §4.7's
// "Search State" lifecycle: reset on each Start).
func (v *Vars) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.byName = make(map[string]*variable)
}
