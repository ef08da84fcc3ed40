// Package stats implements C12 of the diamond search core: read-only
// snapshots of per-search and per-filter counters for caller polling
// (spec.md §4.12/§6 "Stats snapshot"), plus their Prometheus export.
package stats

import (
	"runtime"
	"sync/atomic"

	"github.com/shirou/gopsutil/v4/load"

	"github.com/opendiamond/adiskd/internal/filtertable"
)

// Counters are the per-search object-flow counters the worker (C10)
// increments as it drives the pipeline. Stats is otherwise read-only.
type Counters struct {
	ObjsTotal     atomic.Int64
	ObjsProcessed atomic.Int64
	ObjsDropped   atomic.Int64
	ObjsSkipped   atomic.Int64
}

// FilterSnapshot mirrors one Descriptor's Stats at the moment of polling
// (spec.md §6).
type FilterSnapshot struct {
	Name             string
	Called           uint64
	Dropped          uint64
	CacheDrop        uint64
	CachePass        uint64
	Compute          uint64
	HitsInterSession uint64
	HitsInterQuery   uint64
	HitsIntraQuery   uint64
	AvgExecTimeNs    uint64
}

// Snapshot is the full stats response spec.md §6 describes.
type Snapshot struct {
	ObjsTotal     int64
	ObjsProcessed int64
	ObjsDropped   int64
	ObjsSkipped   int64
	SystemLoadPct float64
	AvgObjTimeMs  float64
	Filters       []FilterSnapshot
}

// Build assembles a Snapshot from the worker's running counters and the
// current filter table. systemLoad reports the 1-minute load average
// normalized by core count; it is read via gopsutil (the same library
// erigon and go-ethereum use for host load sampling in the example pack),
// since the standard library exposes no portable load-average API.
func Build(c *Counters, table *filtertable.Table) Snapshot {
	s := Snapshot{
		ObjsTotal:     c.ObjsTotal.Load(),
		ObjsProcessed: c.ObjsProcessed.Load(),
		ObjsDropped:   c.ObjsDropped.Load(),
		ObjsSkipped:   c.ObjsSkipped.Load(),
		SystemLoadPct: systemLoadPct(),
	}
	if table != nil {
		s.AvgObjTimeMs = float64(table.AvgObjectTimeNs()) / 1e6
		for _, f := range table.Filters {
			snap := f.Stats.Snapshot()
			s.Filters = append(s.Filters, FilterSnapshot{
				Name:             f.Name,
				Called:           snap.Called,
				Dropped:          snap.Dropped,
				CacheDrop:        snap.CacheDrop,
				CachePass:        snap.CachePass,
				Compute:          snap.Compute,
				HitsInterSession: snap.HitsInterSession,
				HitsInterQuery:   snap.HitsInterQuery,
				HitsIntraQuery:   snap.HitsIntraQuery,
				AvgExecTimeNs:    snap.AvgExecTimeNs(),
			})
		}
	}
	return s
}

func systemLoadPct() float64 {
	avg, err := load.Avg()
	if err != nil {
		return 0
	}
	cores := runtime.NumCPU()
	if cores == 0 {
		cores = 1
	}
	pct := avg.Load1 / float64(cores) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
