// Package objectdisk implements C6 of the diamond search core: turning a
// set of groupids into a stream of Objects ready for evaluation, by
// fanning a scope-list fetch per gid into a bounded pre-eval queue of
// URIs, then a bounded pool of object-fetch workers into the evaluable
// queue (spec.md §4.3), grounded on
// _examples/original_source/src/lib/libodisk/dataretriever.c's
// producer/consumer split.
package objectdisk

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"go.uber.org/zap"

	"github.com/opendiamond/adiskd/internal/attr"
	"github.com/opendiamond/adiskd/internal/object"
	"github.com/opendiamond/adiskd/internal/queue"
	"github.com/opendiamond/adiskd/internal/retriever"
	"github.com/opendiamond/adiskd/internal/signature"
)

// ErrNotActive is returned by operations (like SetGids) that are only
// valid while no search is running.
var ErrNotActive = errors.New("objectdisk: gids cannot change while a search is active")

// ErrExhausted is next_obj's ENOENT: every scope-list producer has
// finished and both internal queues are drained.
var ErrExhausted = errors.New("objectdisk: scope exhausted")

const (
	preEvalQueueDepth   = 256
	evaluableQueueDepth = 64
	maxConcurrentFetch  = 64
)

// PreCull is consulted for each fetched object before it is placed on the
// evaluable queue; returning true drops the object without evaluation
// (spec.md §4.3: "consults the Cache to decide whether the object has a
// cached final disposition"). The core's cache (C4) has no single
// "final disposition" row in its schema (spec.md §3 only defines per-
// filter cache rows), so this is left as an injection point the search
// state machine can wire to whatever cross-filter shortcut it maintains;
// nil disables pre-culling.
type PreCull func(idSig signature.Signature) (drop bool)

// Disk is one connection's object disk (spec.md §4.3). It is not safe for
// concurrent Reset/SetGids calls; the search state machine serializes
// these through its own command queue (C10).
type Disk struct {
	client  *retriever.Client
	hooks   attr.Hooks
	log     *zap.SugaredLogger
	preCull PreCull

	mu   sync.Mutex
	gids []uint64

	active atomic.Bool
	count  atomic.Int64

	preEval   *queue.Queue[string]
	evaluable *queue.Queue[*object.Object]

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option configures a Disk.
type Option func(*Disk)

// WithPreCull installs a pre-culling hook (see PreCull).
func WithPreCull(f PreCull) Option {
	return func(d *Disk) { d.preCull = f }
}

// Init builds a Disk fetching from baseURI, with attribute writes routed
// through hooks (normally the same executor.Hooks a search's Executor
// uses, so every object's attribute store ends up wired to the same
// cache).
func Init(baseURI string, hooks attr.Hooks, log *zap.SugaredLogger, opts ...Option) *Disk {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &Disk{
		client: retriever.New(baseURI, log),
		hooks:  hooks,
		log:    log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetGids replaces the active groupid set. Only valid when no search is
// running (spec.md §4.3).
func (d *Disk) SetGids(gids []uint64) error {
	if d.active.Load() {
		return ErrNotActive
	}
	d.mu.Lock()
	d.gids = append([]uint64(nil), gids...)
	d.mu.Unlock()
	return nil
}

// ClearGids empties the groupid set. Only valid when no search is
// running.
func (d *Disk) ClearGids() error {
	return d.SetGids(nil)
}

// Reset aborts any prior search and starts a fresh scope-list fetch per
// active gid (spec.md §4.3). searchID is used only for logging.
func (d *Disk) Reset(ctx context.Context, searchID string) error {
	d.Flush()

	d.mu.Lock()
	gids := append([]uint64(nil), d.gids...)
	d.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.count.Store(0)
	d.preEval = queue.New[string](preEvalQueueDepth)
	d.evaluable = queue.New[*object.Object](evaluableQueueDepth)

	producers, pctx := errgroup.WithContext(runCtx)
	d.group = producers
	d.active.Store(true)

	for _, gid := range gids {
		gid := gid
		producers.Go(func() error {
			return d.runScopeListProducer(pctx, gid)
		})
	}

	// Once every scope-list producer has finished (or the gid set is
	// empty), close the pre-eval queue so the evaluator-coupling stage
	// below can detect exhaustion instead of blocking forever.
	go func() {
		_ = producers.Wait()
		d.preEval.Close()
	}()

	sem := semaphore.NewWeighted(maxConcurrentFetch)
	go func() {
		_ = d.runEvaluatorCoupling(runCtx, sem)
		d.evaluable.Close()
		d.active.Store(false)
	}()

	d.log.Infow("objectdisk: search started", "search_id", searchID, "gids", len(gids))
	return nil
}

func (d *Disk) runScopeListProducer(ctx context.Context, gid uint64) error {
	err := d.client.StreamScopeList(ctx, gid, func(ev retriever.ScopeEvent) error {
		switch ev.Kind {
		case retriever.ScopeObject:
			return d.preEval.Push(ctx, ev.URI)
		case retriever.ScopeCountAdjust:
			d.count.Add(ev.Adjust)
			return nil
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		d.log.Warnw("objectdisk: scope-list producer failed", "gid", gid, "error", err)
	}
	return nil // a failed gid must not abort sibling producers
}

func (d *Disk) runEvaluatorCoupling(ctx context.Context, sem *semaphore.Weighted) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		uri, ok, err := d.preEval.Pop(ctx)
		if err != nil {
			return nil
		}
		if !ok {
			return nil
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		wg.Add(1)
		go func(uri string) {
			defer wg.Done()
			defer sem.Release(1)
			d.fetchAndEnqueue(ctx, uri)
		}(uri)
	}
}

func (d *Disk) fetchAndEnqueue(ctx context.Context, uri string) {
	obj, err := d.FetchObject(ctx, uri)
	if err != nil {
		d.log.Warnw("objectdisk: object fetch failed", "uri", uri, "error", err)
		return
	}

	if d.preCull != nil && d.preCull(obj.IDSig) {
		obj.Release()
		return
	}

	if err := d.evaluable.Push(ctx, obj); err != nil {
		obj.Release()
	}
}

// FetchObject fetches uri directly, bypassing the scope-list/pre-eval
// pipeline and PreCull. This is the path the reexecution handshake
// (spec.md §4.7 "ceval_filters1") uses to rebuild the one Object a
// force_eval=true Reexecute command needs, independent of any running
// search's queues.
func (d *Disk) FetchObject(ctx context.Context, uri string) (*object.Object, error) {
	fetched, err := d.client.FetchObject(ctx, uri)
	if err != nil {
		return nil, err
	}

	obj := object.New(uri, d.hooks)
	for name, value := range fetched.Attrs {
		obj.Attributes.Write(name, value)
	}
	obj.Attributes.Write(retriever.ObjectURIAttr, []byte(uri))
	return obj, nil
}

// NextObj blocks until an evaluable object is ready, ctx is canceled, or
// the scope is exhausted (spec.md §4.3's next_obj).
func (d *Disk) NextObj(ctx context.Context) (*object.Object, error) {
	if d.evaluable == nil {
		return nil, ErrExhausted
	}
	obj, ok, err := d.evaluable.Pop(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrExhausted
	}
	return obj, nil
}

// Count returns the running estimate of remaining objects in scope,
// adjusted by retriever <count adjust=...> messages (spec.md §4.3).
func (d *Disk) Count() int64 {
	return d.count.Load()
}

// Flush aborts producers, drains both queues, and wakes any blocked
// NextObj caller with ErrExhausted (spec.md §4.3).
func (d *Disk) Flush() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.group != nil {
		_ = d.group.Wait()
	}
	if d.preEval != nil {
		d.preEval.Close()
		for {
			_, ok := d.preEval.TryPop()
			if !ok {
				break
			}
		}
	}
	if d.evaluable != nil {
		d.evaluable.Close()
		for {
			obj, ok := d.evaluable.TryPop()
			if !ok {
				break
			}
			obj.Release()
		}
	}
	d.active.Store(false)
}

// Active reports whether a search is currently running.
func (d *Disk) Active() bool { return d.active.Load() }
