// Package executor implements C9 of the diamond search core: per-object
// traversal of a filter table's permutation, short-circuiting on drop or
// bypass, recording cache hits vs. compute, and annotating the object with
// per-filter timing and score attributes (spec.md §4.6).
package executor

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opendiamond/adiskd/internal/bypass"
	"github.com/opendiamond/adiskd/internal/cache"
	"github.com/opendiamond/adiskd/internal/filtertable"
	"github.com/opendiamond/adiskd/internal/object"
)

// Verdict is eval's outcome for one object (spec.md §4.6).
type Verdict int

const (
	Drop Verdict = iota
	PassPartial
	PassComplete
)

func (v Verdict) String() string {
	switch v {
	case Drop:
		return "drop"
	case PassPartial:
		return "pass_partial"
	case PassComplete:
		return "pass_complete"
	default:
		return "unknown"
	}
}

// Hooks bridges an object's attribute Store to the cache DB's on_iattr/
// on_oattr callbacks (spec.md §4.4). Forwarding to the DB only happens
// inside the exec_begin/exec_end bracket a running filter opens
// (ocache.c's temp_iattrs/temp_oattrs are scratch for exactly one filter
// execution); attribute writes outside that window — the object disk's
// initial population from retriever headers, or the executor's own
// post-hoc _filter.<name>_score/_time_ns annotations — must not leak into
// the next filter's temp tables. A Hooks instance is shared by every
// Object an Executor evaluates; this is safe only because a search has
// one worker evaluating one object at a time (spec.md §5).
type Hooks struct {
	db *cache.DB

	mu       sync.Mutex
	window   bool
	captured map[string][]byte
}

// NewHooks returns a Hooks bridging to db. Pass the result to every
// object.New call an Executor will evaluate.
func NewHooks(db *cache.DB) *Hooks {
	return &Hooks{db: db}
}

func (h *Hooks) OnAttrRead(name string, value []byte) {
	h.mu.Lock()
	open := h.window
	h.mu.Unlock()
	if open {
		h.db.OnAttrRead(name, value)
	}
}

func (h *Hooks) OnAttrWrite(name string, value []byte) {
	h.mu.Lock()
	open := h.window
	if open {
		h.captured[name] = append([]byte(nil), value...)
	}
	h.mu.Unlock()
	if open {
		h.db.OnAttrWrite(name, value)
	}
}

func (h *Hooks) beginCapture() {
	h.mu.Lock()
	h.window = true
	h.captured = make(map[string][]byte)
	h.mu.Unlock()
}

func (h *Hooks) endCapture() map[string][]byte {
	h.mu.Lock()
	m := h.captured
	h.window = false
	h.captured = nil
	h.mu.Unlock()
	return m
}

// Executor ties a cache handle and a filter table together to run C9's
// eval algorithm over one object at a time.
type Executor struct {
	Cache *cache.DB
	Table *filtertable.Table
	Hooks *Hooks
	Log   *zap.SugaredLogger
}

// New builds an Executor. hooks must be the same instance used to
// construct every Object the Executor will see, so ExecEnd observes the
// bytes a filter wrote during its own window.
func New(db *cache.DB, table *filtertable.Table, hooks *Hooks, log *zap.SugaredLogger) *Executor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Executor{Cache: db, Table: table, Hooks: hooks, Log: log}
}

func scoreAttrName(filter string) string { return "_filter." + filter + "_score" }
func timeAttrName(filter string) string  { return "_filter." + filter + "_time_ns" }
func errorAttrName(filter string) string { return "_filter." + filter + "_error" }

// Eval runs spec.md §4.6's eval(object, filter_table, force_eval) over
// table's current permutation, returning the first verdict that
// short-circuits traversal, or PassComplete if every filter passes.
//
// Per spec.md §7's propagation policy, a filter crash or a missing
// dependency never aborts the search: the failure is recorded as a
// diagnostic attribute and evaluation continues with the next filter.
// Cache errors downgrade to "cache unavailable" the same way — logged,
// and evaluation proceeds as though the lookup had missed. Eval only
// returns a non-nil error for conditions a running search cannot recover
// from at all (there are currently none; it is kept so callers don't
// need to special-case a nil-only signature).
func (e *Executor) Eval(obj *object.Object, forceEval bool) (Verdict, error) {
	if err := e.Cache.ResetCurrent(obj.IDSig); err != nil {
		e.Log.Warnw("executor: reset_current unavailable", "uri", obj.URI, "error", err)
	} else if err := e.Cache.AddInitial(obj.IDSig, obj.Attributes.SigSet()); err != nil {
		e.Log.Warnw("executor: add_initial unavailable", "uri", obj.URI, "error", err)
	}

	perm := e.Table.CurrentPermutation()
	obj.SetRemainingCompute(int64(len(perm)))

	var totalTimeNs int64

	for _, idx := range perm {
		f := e.Table.Filters[idx]

		if !forceEval && !bypass.ShouldRunLocally(f.BpThresh.Load()) {
			return PassPartial, nil
		}

		filterSig := f.Signature(e.Table.Libs)

		res, hit, err := e.Cache.Lookup(obj.IDSig, filterSig)
		if err != nil {
			e.Log.Warnw("executor: cache lookup unavailable", "filter", f.Name, "error", err)
			hit = false
		}

		if hit {
			f.Stats.Called.Add(1)
			if res.Score >= f.Threshold {
				if err := e.Cache.Combine(res.EntryID); err != nil {
					e.Log.Warnw("executor: cache combine unavailable", "filter", f.Name, "error", err)
				}
				f.Stats.CachePass.Add(1)
				obj.Attributes.Write(scoreAttrName(f.Name), []byte(strconv.Itoa(res.Score)))
				obj.ReduceRemainingCompute(1)
				continue
			}
			f.Stats.CacheDrop.Add(1)
			return Drop, nil
		}

		if err := f.EnsureInit(); err != nil {
			f.Stats.Errored.Add(1)
			e.Log.Warnw("executor: filter init failed", "filter", f.Name, "error", err)
			obj.Attributes.Write(errorAttrName(f.Name), []byte(err.Error()))
			obj.ReduceRemainingCompute(1)
			continue
		}

		if err := e.Cache.ExecBegin(); err != nil {
			e.Log.Warnw("executor: cache exec_begin unavailable", "filter", f.Name, "error", err)
		}

		e.Hooks.beginCapture()
		start := time.Now()
		score, evalErr := f.Eval(obj)
		elapsed := time.Since(start)
		written := e.Hooks.endCapture()

		var addedBytes uint64
		for _, v := range written {
			addedBytes += uint64(len(v))
		}

		f.Stats.Called.Add(1)
		f.Stats.Compute.Add(1)
		f.Stats.TimeNs.Add(uint64(elapsed.Nanoseconds()))
		f.Stats.AddedBytes.Add(addedBytes)
		totalTimeNs += elapsed.Nanoseconds()
		obj.Attributes.Write(timeAttrName(f.Name), []byte(strconv.FormatInt(elapsed.Nanoseconds(), 10)))
		obj.ReduceRemainingCompute(1)

		if evalErr != nil {
			f.Stats.Errored.Add(1)
			e.Log.Warnw("executor: filter eval failed", "filter", f.Name, "error", evalErr)
			obj.Attributes.Write(errorAttrName(f.Name), []byte(evalErr.Error()))
			continue
		}

		if err := e.Cache.ExecEnd(obj.IDSig, filterSig, score, elapsed.Milliseconds(), written); err != nil {
			e.Log.Warnw("executor: cache exec_end unavailable", "filter", f.Name, "error", err)
		}

		obj.Attributes.Write(scoreAttrName(f.Name), []byte(strconv.Itoa(score)))

		if score < f.Threshold {
			f.Stats.Dropped.Add(1)
			return Drop, nil
		}
		f.Stats.Passed.Add(1)
	}

	obj.Attributes.Write("_filter.total_time_ns", []byte(strconv.FormatInt(totalTimeNs, 10)))
	return PassComplete, nil
}
