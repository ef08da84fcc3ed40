// Package search implements C10 of the diamond search core: the
// per-connection state machine that accepts control commands, drives the
// object disk (C6) and filter executor (C9), and emits results on a
// transmit queue, including the reexecution handshake that lets an RPC
// thread evaluate a single object without racing the main worker
// (spec.md §4.7).
package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/opendiamond/adiskd/internal/bypass"
	"github.com/opendiamond/adiskd/internal/cache"
	"github.com/opendiamond/adiskd/internal/executor"
	"github.com/opendiamond/adiskd/internal/filtertable"
	"github.com/opendiamond/adiskd/internal/object"
	"github.com/opendiamond/adiskd/internal/objectdisk"
	"github.com/opendiamond/adiskd/internal/queue"
	"github.com/opendiamond/adiskd/internal/sessionvars"
	"github.com/opendiamond/adiskd/internal/signature"
	"github.com/opendiamond/adiskd/internal/stats"
)

const (
	cmdQueueDepth      = 32
	transmitQueueDepth = 64
	idleSleep          = 10 * time.Millisecond
)

// CommandKind tags the variant carried by a Command (spec.md §4.7's
// control-queue command set).
type CommandKind int

const (
	CmdStop CommandKind = iota
	CmdTerm
	CmdStart
	CmdSpec
	CmdObj
	CmdBlob
	CmdReexecute
)

func (k CommandKind) String() string {
	switch k {
	case CmdStop:
		return "stop"
	case CmdTerm:
		return "term"
	case CmdStart:
		return "start"
	case CmdSpec:
		return "spec"
	case CmdObj:
		return "obj"
	case CmdBlob:
		return "blob"
	case CmdReexecute:
		return "reexecute"
	default:
		return "unknown"
	}
}

// ReexecuteRequest is the handshake payload for CmdReexecute. CanStart is
// closed by the worker once it is safe for the RPC thread to proceed;
// Done must be closed by the RPC thread when it has finished driving the
// single-object evaluation, so the worker can resume its main loop
// (spec.md §4.7).
type ReexecuteRequest struct {
	ObjectURI string
	CanStart  chan struct{}
	Done      chan struct{}
}

// Command is the sum type carried on the worker's control queue.
type Command struct {
	Kind     CommandKind
	SearchID string

	// Spec carries a signature (for provenance/logging) and the already
	// resolved plaintext spec body. Transport/caching of the spec blob
	// itself is outside this core (spec.md's Non-goals exclude the wire
	// protocol); by the time a Spec command reaches the worker its body
	// has already been fetched by the caller.
	SpecSig  signature.Signature
	SpecText string

	// Obj binds a supporting object-file's bytes under name.
	ObjName  string
	ObjBytes []byte

	// Blob binds blob bytes to a named filter.
	BlobFilter string
	BlobBytes  []byte
	BlobSig    signature.Signature

	Reexecute *ReexecuteRequest
}

// TransmitItem is one result slot on the transmit queue. Object is nil
// for the terminal sentinel spec.md §4.7 step 2 describes ("emit a
// sentinel null object with remain_compute = 0") once the scope is
// exhausted.
type TransmitItem struct {
	Object           *object.Object
	RemainingCompute int64
}

// ObjFile is a supporting object-file bound to the filter table via a
// CmdObj command (spec.md §4.7: "add a supporting object-file to the
// filter table").
type ObjFile struct {
	Name  string
	Bytes []byte
}

// Worker is one client connection's search state machine. It must be
// driven by exactly one goroutine calling Run; Push and Reexecute may be
// called concurrently from other goroutines (the RPC thread).
type Worker struct {
	log *zap.SugaredLogger

	cmdQueue *queue.Queue[Command]
	Transmit *queue.Queue[TransmitItem]

	disk     *objectdisk.Disk
	cacheDB  *cache.DB
	hooks    *executor.Hooks
	SessVars *sessionvars.Vars
	Counters *stats.Counters

	bypassPolicy bypass.Policy
	bypassRatio  float64

	mu       sync.Mutex
	table    *filtertable.Table
	exec     *executor.Executor
	objFiles map[string]ObjFile

	running   atomic.Bool
	complete  atomic.Bool
	workAhead bool

	pendObjs    atomic.Int64
	pendCompute atomic.Int64
	pendMax     atomic.Int64

	goodNamesMu sync.Mutex
	goodNames   map[string]bool
}

// Config configures a new Worker.
type Config struct {
	Disk         *objectdisk.Disk
	Cache        *cache.DB
	Hooks        *executor.Hooks
	Log          *zap.SugaredLogger
	PendMax      int64
	WorkAhead    bool
	BypassPolicy bypass.Policy
	BypassRatio  float64
}

// New builds a Worker with an empty filter table. A Spec command must
// arrive before Start will do anything useful.
func New(cfg Config) *Worker {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	emptyTable, _ := filtertable.New(nil, nil, signature.Signature{})
	w := &Worker{
		log:          log,
		cmdQueue:     queue.New[Command](cmdQueueDepth),
		Transmit:     queue.New[TransmitItem](transmitQueueDepth),
		disk:         cfg.Disk,
		cacheDB:      cfg.Cache,
		hooks:        cfg.Hooks,
		SessVars:     sessionvars.New(),
		Counters:     &stats.Counters{},
		table:        emptyTable,
		objFiles:     make(map[string]ObjFile),
		workAhead:    cfg.WorkAhead,
		bypassPolicy: cfg.BypassPolicy,
		bypassRatio:  cfg.BypassRatio,
		goodNames:    make(map[string]bool),
	}
	w.exec = executor.New(cfg.Cache, emptyTable, cfg.Hooks, log)
	w.pendMax.Store(cfg.PendMax)
	return w
}

// Push enqueues a command, blocking if the control queue is full
// (spec.md §6: "Queue is bounded, producers block").
func (w *Worker) Push(ctx context.Context, cmd Command) error {
	return w.cmdQueue.Push(ctx, cmd)
}

// Running reports whether a search is currently active.
func (w *Worker) Running() bool { return w.running.Load() }

// Complete reports whether the active search has exhausted its scope.
func (w *Worker) Complete() bool { return w.complete.Load() }

// Table returns the worker's current filter table, for stats polling
// (C12). Safe to call concurrently with Run.
func (w *Worker) Table() *filtertable.Table {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.table
}

// Run drives the main loop (spec.md §4.7) until ctx is canceled or a Term
// command is processed. It must be called from exactly one goroutine.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		stop, didCmd := w.drainOneCommand(ctx)
		if stop {
			return
		}

		didWork := false
		if w.running.Load() {
			if w.pendObjs.Load() < w.pendMax.Load() {
				didWork = w.evalNext(ctx, false)
			} else if w.workAhead {
				didWork = w.evalNext(ctx, true)
			}
		}

		if !didCmd && !didWork {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleSleep):
			}
		}
	}
}

// drainOneCommand performs step 1 of the main loop: a non-blocking pop
// and dispatch. It returns stop=true once a Term command has been fully
// processed.
func (w *Worker) drainOneCommand(ctx context.Context) (stop, didWork bool) {
	cmd, ok := w.cmdQueue.TryPop()
	if !ok {
		return false, false
	}
	return w.dispatch(ctx, cmd), true
}

func (w *Worker) dispatch(ctx context.Context, cmd Command) (stop bool) {
	switch cmd.Kind {
	case CmdSpec:
		w.handleSpec(cmd)
	case CmdObj:
		w.handleObj(cmd)
	case CmdBlob:
		w.handleBlob(cmd)
	case CmdStart:
		w.handleStart(ctx, cmd)
	case CmdStop:
		w.handleStop()
	case CmdReexecute:
		w.handleReexecute(cmd.Reexecute)
	case CmdTerm:
		w.handleStop()
		return true
	}
	return false
}

func (w *Worker) handleSpec(cmd Command) {
	parsed, err := filtertable.Parse(cmd.SpecText)
	if err != nil {
		w.log.Warnw("search: spec parse failed", "error", err)
		return
	}
	w.handleStop()

	w.mu.Lock()
	defer w.mu.Unlock()
	table, err := filtertable.New(parsed.Filters, parsed.Libs, cmd.SpecSig)
	if err != nil {
		w.log.Warnw("search: filter table build failed", "error", err)
		return
	}
	bypass.UpdateBypass(table, w.bypassPolicy, w.bypassRatio)
	w.table = table
	w.exec = executor.New(w.cacheDB, table, w.hooks, w.log)
}

func (w *Worker) handleObj(cmd Command) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.objFiles[cmd.ObjName] = ObjFile{Name: cmd.ObjName, Bytes: cmd.ObjBytes}
}

func (w *Worker) handleBlob(cmd Command) {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx, ok := w.table.IndexOf(cmd.BlobFilter)
	if !ok {
		w.log.Warnw("search: blob for unknown filter", "filter", cmd.BlobFilter)
		return
	}
	f := w.table.Filters[idx]
	f.BlobBytes = cmd.BlobBytes
	f.BlobSig = cmd.BlobSig
}

func (w *Worker) handleStart(ctx context.Context, cmd Command) {
	w.handleStop()

	w.Counters.ObjsTotal.Store(0)
	w.Counters.ObjsProcessed.Store(0)
	w.Counters.ObjsDropped.Store(0)
	w.Counters.ObjsSkipped.Store(0)
	w.pendObjs.Store(0)
	w.pendCompute.Store(0)
	w.complete.Store(false)
	w.SessVars.Reset()
	w.goodNamesMu.Lock()
	w.goodNames = make(map[string]bool)
	w.goodNamesMu.Unlock()

	w.mu.Lock()
	for _, f := range w.table.Filters {
		_ = f.EnsureInit()
	}
	w.mu.Unlock()

	if err := w.disk.Reset(ctx, cmd.SearchID); err != nil {
		w.log.Warnw("search: odisk reset failed", "error", err)
		return
	}
	w.running.Store(true)
}

func (w *Worker) handleStop() {
	if !w.running.Load() && !w.complete.Load() {
		return
	}
	w.running.Store(false)
	w.disk.Flush()
	for {
		item, ok := w.Transmit.TryPop()
		if !ok {
			break
		}
		if item.Object != nil {
			item.Object.Release()
		}
	}
}

func (w *Worker) handleReexecute(req *ReexecuteRequest) {
	if req == nil {
		return
	}
	close(req.CanStart)
	<-req.Done
}

// currentExecutor returns the live table and executor pair, consistent
// with each other (spec.md §5: the filter table is mutated only by the
// worker loop itself or by a Reexecute handshake that fully suspends it,
// so no lock is required between this read and the eval that follows —
// both happen on the worker goroutine, or on the Reexecute caller's
// goroutine while the worker is suspended in the handshake).
func (w *Worker) currentExecutor() (*filtertable.Table, *executor.Executor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.table, w.exec
}

// evalNext implements steps 2 and 3 of the main loop. workAhead selects
// step 3's behavior: force-evaluate the next object, remember its name,
// and discard it rather than queueing for transmission (spec.md §4.7).
func (w *Worker) evalNext(ctx context.Context, workAhead bool) bool {
	obj, err := w.disk.NextObj(ctx)
	if err != nil {
		if errors.Is(err, objectdisk.ErrExhausted) {
			w.complete.Store(true)
			w.running.Store(false)
			_ = w.Transmit.Push(ctx, TransmitItem{Object: nil, RemainingCompute: 0})
		}
		return true
	}

	w.Counters.ObjsTotal.Add(1)

	table, ex := w.currentExecutor()
	start := time.Now()
	verdict, evalErr := ex.Eval(obj, workAhead)
	table.RecordObjectTime(time.Since(start).Nanoseconds())

	if evalErr != nil {
		// Filter crashes and cache errors no longer surface here (spec.md
		// §7): Eval absorbs those into diagnostic attributes and keeps
		// going. A non-nil error at this point is unrecoverable for the
		// whole search, not just this object.
		w.log.Warnw("search: eval failed", "uri", obj.URI, "error", evalErr)
		obj.Release()
		w.Counters.ObjsDropped.Add(1)
		return true
	}

	if workAhead {
		w.goodNamesMu.Lock()
		w.goodNames[obj.URI] = true
		w.goodNamesMu.Unlock()
		obj.Release()
		w.Counters.ObjsSkipped.Add(1)
		return true
	}

	switch verdict {
	case executor.Drop:
		obj.Release()
		w.Counters.ObjsDropped.Add(1)
	default: // PassPartial, PassComplete
		w.Counters.ObjsProcessed.Add(1)
		w.pendObjs.Add(1)
		remaining := obj.RemainingCompute()
		w.pendCompute.Add(remaining)
		if err := w.Transmit.Push(ctx, TransmitItem{Object: obj, RemainingCompute: remaining}); err != nil {
			obj.Release()
		}
	}
	return true
}

// GoodNames returns the work-ahead names accumulated since the last
// Start, for injection back into the cache-evaluation pre-filter when
// capacity returns (spec.md §4.7 step 3). This list is best-effort and
// in-memory only — it does not survive a process restart.
func (w *Worker) GoodNames() []string {
	w.goodNamesMu.Lock()
	defer w.goodNamesMu.Unlock()
	out := make([]string, 0, len(w.goodNames))
	for name := range w.goodNames {
		out = append(out, name)
	}
	return out
}

// AckTransmit records that one object carrying remainingCompute has been
// consumed off the transmit queue by the client, for the caller (RPC
// layer) to release backpressure (spec.md §3's pend_objs/pend_compute
// accounting).
func (w *Worker) AckTransmit(remainingCompute int64) {
	w.pendObjs.Add(-1)
	w.pendCompute.Add(-remainingCompute)
}

// Reexecute drives spec.md §4.7's "Reexecute flow" from the RPC thread:
// push a CmdReexecute, wait for the worker to signal it is safe to
// proceed, fetch+evaluate the object with force_eval=true, then signal
// Done so the worker resumes its main loop. Every evaluated object adds
// one to pend_objs whatever its verdict; releasing it with AckTransmit is
// the caller's responsibility.
func (w *Worker) Reexecute(ctx context.Context, objectURI string) (executor.Verdict, error) {
	req := &ReexecuteRequest{
		ObjectURI: objectURI,
		CanStart:  make(chan struct{}),
		Done:      make(chan struct{}),
	}
	if err := w.Push(ctx, Command{Kind: CmdReexecute, Reexecute: req}); err != nil {
		return executor.Drop, fmt.Errorf("search: reexecute enqueue: %w", err)
	}

	select {
	case <-req.CanStart:
	case <-ctx.Done():
		return executor.Drop, ctx.Err()
	}
	defer close(req.Done)

	obj, err := w.disk.FetchObject(ctx, objectURI)
	if err != nil {
		return executor.Drop, fmt.Errorf("search: reexecute fetch: %w", err)
	}
	defer obj.Release()

	_, ex := w.currentExecutor()
	verdict, err := ex.Eval(obj, true)
	if err == nil {
		w.pendObjs.Add(1)
	}
	return verdict, err
}
