// Package bypass implements C8 of the diamond search core: the
// none/simple/greedy/hybrid policies that set each filter's fi_bpthresh
// and fi_firstgroup (spec.md §4.5), grounded on
// _examples/original_source/lib/libfilterexec/fexec_bypass.c.
package bypass

import (
	"math"
	"math/rand/v2"

	"github.com/opendiamond/adiskd/internal/filtertable"
)

// Policy selects which bypass/grouping algorithm UpdateBypass applies.
type Policy int

const (
	PolicyNone Policy = iota
	PolicySimple
	PolicyGreedy
	PolicyHybrid
)

func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicySimple:
		return "simple"
	case PolicyGreedy:
		return "greedy"
	case PolicyHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

func ParsePolicy(s string) (Policy, bool) {
	switch s {
	case "none":
		return PolicyNone, true
	case "simple":
		return PolicySimple, true
	case "greedy":
		return PolicyGreedy, true
	case "hybrid":
		return PolicyHybrid, true
	default:
		return 0, false
	}
}

// RandMax mirrors the original's C RAND_MAX on Linux (SPEC_FULL.md §3.1).
const RandMax = math.MaxInt32

// FSTATSValidNum is the call count at or above which a filter's observed
// pass rate and cost are trusted instead of the unknown defaults below.
const FSTATSValidNum = 50

// FSTATSUnknownProb is the assumed pass rate before FSTATSValidNum calls
// have been recorded.
const FSTATSUnknownProb = 0.5

// FSTATSUnknownCost/FSTATSUnknownNum are the assumed (cost, calls) pair
// used in place of a filter's own fi_time_ns/fi_called before it has run
// FSTATSValidNum times; mirrors the original's use of its own first
// observed fi_time_ns as a placeholder. A single observed-unit default
// of "1ns over 1 call" keeps new filters from dominating or vanishing
// from the cost model before they have any history.
const (
	FSTATSUnknownCost = 1
	FSTATSUnknownNum  = 1
)

// smallFraction floors cumulative pass-rate products so a zero-pass
// filter never makes every later filter free (fexec_bypass.c's
// SMALL_FRACTION).
const smallFraction = 0.00001

// initialMaxbytes seeds the hybrid policy's running network-cost
// estimate (fexec_bypass.c's fexec_set_bypass_hybrid).
const initialMaxbytes = 300000.0

// ShouldRunLocally draws a uniform value in [0, RandMax) and compares it
// against a filter's fi_bpthresh, exactly as the original's disk-side
// bypass check does: bpthresh == RandMax always runs locally, -1 never
// does.
func ShouldRunLocally(bpThresh int64) bool {
	if bpThresh >= RandMax {
		return true
	}
	if bpThresh < 0 {
		return false
	}
	draw := rand.Int64N(RandMax)
	return draw <= bpThresh
}

// costOf returns a filter's (cost-per-call, pass-rate), falling
// back to the FSTATSUnknown* defaults before FSTATSValidNum calls have
// been observed (fexec_bypass.c, repeated in every one of its four
// policy functions).
func costOf(d *filtertable.Descriptor) (costPerCall float64, passRate float64) {
	snap := d.Stats.Snapshot()
	n := snap.Compute
	c := snap.TimeNs
	if n < FSTATSValidNum {
		c = FSTATSUnknownCost
		n = FSTATSUnknownNum
	}
	costPerCall = float64(c) / float64(n)

	if snap.Called < FSTATSValidNum {
		passRate = FSTATSUnknownProb
	} else {
		passRate = float64(snap.Passed) / float64(snap.Called)
	}
	return costPerCall, passRate
}

func addedBytesPerCall(d *filtertable.Descriptor) float64 {
	snap := d.Stats.Snapshot()
	n := snap.Compute
	if n == 0 {
		n = 1
	}
	return float64(snap.AddedBytes) / float64(n)
}

// UpdateBypass recomputes fi_bpthresh and fi_firstgroup for every filter
// in table's current permutation,
// dispatching on policy (fexec_update_bypass / fexec_update_grouping).
// ratio is the caller-supplied bypass ratio in [0, 1].
func UpdateBypass(table *filtertable.Table, policy Policy, ratio float64) {
	perm := table.CurrentPermutation()
	filters := make([]*filtertable.Descriptor, len(perm))
	for i, idx := range perm {
		filters[i] = table.Filters[idx]
	}

	switch policy {
	case PolicyNone:
		setNone(filters)
	case PolicySimple:
		setSimple(filters, ratio)
	case PolicyGreedy:
		target := float64(table.AvgObjectTimeNs()) * ratio
		setGreedy(filters, target)
		setGroupingAllTrue(filters)
	case PolicyHybrid:
		target := float64(table.AvgObjectTimeNs()) * ratio
		setHybrid(filters, target)
	default:
		setNone(filters)
	}
}

// setNone forces every filter to run locally (fexec_set_bypass_none)
// and never groups (fexec_set_grouping_none).
func setNone(filters []*filtertable.Descriptor) {
	for _, f := range filters {
		f.BpThresh.Store(RandMax)
		f.FirstGroup.Store(false)
	}
}

// setSimple splits only the first filter in the permutation by ratio,
// running every later filter unconditionally (fexec_set_bypass_trivial
// / fexec_set_grouping_trivial).
func setSimple(filters []*filtertable.Descriptor, ratio float64) {
	if len(filters) == 0 {
		return
	}
	if ratio >= 1.0 {
		filters[0].BpThresh.Store(RandMax)
	} else {
		filters[0].BpThresh.Store(int64(float64(RandMax) * ratio))
	}
	filters[0].FirstGroup.Store(true)

	for _, f := range filters[1:] {
		f.BpThresh.Store(RandMax)
		f.FirstGroup.Store(false)
	}
}

// setGreedy walks the permutation accumulating pass-weighted cost until
// it crosses target, splitting the crossing filter's threshold
// fractionally; everything before always runs, everything after never
// does locally (fexec_set_bypass_greedy).
func setGreedy(filters []*filtertable.Descriptor, target float64) {
	pass := 1.0
	oldCost := 0.0

	for _, f := range filters {
		if oldCost > target {
			f.BpThresh.Store(-1)
			continue
		}

		costPerCall, passRate := costOf(f)
		newCost := oldCost + pass*costPerCall

		if newCost > target {
			denom := newCost - oldCost
			ratio := 0.0
			if denom > 0 {
				ratio = (target - oldCost) / denom
			}
			if ratio < 0 {
				ratio = 0
			}
			if ratio > 1 {
				ratio = 1
			}
			f.BpThresh.Store(int64(float64(RandMax) * ratio))
		} else {
			f.BpThresh.Store(RandMax)
		}

		pass *= passRate
		if pass < smallFraction {
			pass = smallFraction
		}
		oldCost = newCost
	}
}

func setGroupingAllTrue(filters []*filtertable.Descriptor) {
	for _, f := range filters {
		f.FirstGroup.Store(true)
	}
}

// hybridState mirrors fexec_bypass.c's bp_hybrid_state_t: for each
// filter position, the cumulative CPU cost up to (not including) it and
// the network byte-cost the greedy distribution would incur at that CPU
// budget.
type hybridState struct {
	dcost       float64
	greedyNcost float64
	unitStart   int
	unitEnd     int
	cStart      float64
	cEnd        float64
}

// setHybrid reconstructs the greedy cost/benefit curve, partitions the
// permutation into cost-optimal contiguous "units" by a minimal-slope
// scan, then applies a single fractional split at the unit containing
// target (fexec_set_bypass_hybrid).
func setHybrid(filters []*filtertable.Descriptor, target float64) {
	n := len(filters)
	if n == 0 {
		return
	}

	hs := make([]hybridState, n+1)

	dcost := 0.0
	pass := 1.0
	maxbytes := initialMaxbytes

	for i, f := range filters {
		hs[i].dcost = dcost
		hs[i].greedyNcost = pass * maxbytes

		costPerCall, passRate := costOf(f)
		maxbytes += addedBytesPerCall(f)

		thisCost := pass * costPerCall
		if thisCost == 0 {
			thisCost = smallFraction
		}
		dcost += thisCost

		pass *= passRate
		if pass < smallFraction {
			pass = smallFraction
		}
	}
	hs[n].dcost = dcost
	hs[n].greedyNcost = pass * maxbytes

	// Identify optimal breakdown into unit subsequences: for each unit
	// start i, pick the end j >= i+1 minimizing the marginal network
	// cost per unit of CPU cost.
	for i := 0; i < n; {
		bestJ := i + 1
		lowestDelta := math.Inf(1)
		for j := i + 1; j <= n; j++ {
			denom := hs[j].dcost - hs[i].dcost
			if denom <= 0 {
				continue
			}
			delta := (hs[j].greedyNcost - hs[i].greedyNcost) / denom
			if delta < lowestDelta {
				lowestDelta = delta
				bestJ = j
			}
		}
		for k := i; k < bestJ; k++ {
			hs[k].unitStart = i
			hs[k].unitEnd = bestJ
			hs[k].cStart = hs[i].dcost
			hs[k].cEnd = hs[bestJ].dcost
		}
		i = bestJ
	}

	// Locate the unit containing target.
	sel := n - 1
	for i := 0; i <= n; i++ {
		if hs[i].dcost > target {
			sel = i - 1
			break
		}
		sel = i
	}
	if sel < 0 {
		sel = 0
	}
	if sel >= n {
		sel = n - 1
	}

	unitStart := hs[sel].unitStart
	unitEnd := hs[sel].unitEnd
	cStart := hs[sel].cStart
	cEnd := hs[sel].cEnd

	for j := 0; j < unitStart; j++ {
		filters[j].BpThresh.Store(RandMax)
	}

	ratio := 0.0
	if cEnd > cStart {
		ratio = (target - cStart) / (cEnd - cStart)
	}
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	filters[unitStart].BpThresh.Store(int64(float64(RandMax) * ratio))

	for j := unitStart + 1; j < unitEnd; j++ {
		filters[j].BpThresh.Store(RandMax)
	}
	for j := unitEnd; j < n; j++ {
		filters[j].BpThresh.Store(-1)
	}

	setHybridGrouping(filters, hs, n)
}

// setHybridGrouping marks only the first filter of each unit as
// fi_firstgroup (fexec_set_grouping_hybrid shares the same unit
// partition computed above, so it is folded into setHybrid here rather
// than re-walking the permutation with a second maxbytes accumulator).
func setHybridGrouping(filters []*filtertable.Descriptor, hs []hybridState, n int) {
	for i := 0; i < n; i++ {
		filters[i].FirstGroup.Store(i == hs[i].unitStart)
	}
}
