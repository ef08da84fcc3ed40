// Package queue implements the small bounded, context-aware queue used to
// connect the object disk's producer/evaluator stages and the search state
// machine's transmit queue (spec.md §4.3, §4.7). It generalizes the
// teacher's stream broker (atomic counters guarding a fixed-capacity ring,
// condvar-style blocking consumers) to a generic channel-backed queue —
// Go's buffered channel already gives the same bounded-capacity blocking
// semantics without hand-rolled condition variables.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
)

// Queue is a bounded FIFO of T, safe for concurrent producers and
// consumers. Closing a Queue is idempotent; Pop on a closed, drained
// Queue returns ok=false rather than blocking.
type Queue[T any] struct {
	ch        chan T
	closeOnce sync.Once
	closed    atomic.Bool

	pushed atomic.Int64
	popped atomic.Int64
}

// New returns a Queue with the given buffer capacity.
func New[T any](capacity int) *Queue[T] {
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Push blocks until there is room, ctx is canceled, or the queue is
// closed. Pushing to a closed queue returns ErrClosed.
func (q *Queue[T]) Push(ctx context.Context, v T) (err error) {
	if q.closed.Load() {
		return ErrClosed
	}
	// A Close that lands while this send is pending closes q.ch under it;
	// report that as ErrClosed instead of letting the send panic.
	defer func() {
		if recover() != nil {
			err = ErrClosed
		}
	}()
	select {
	case q.ch <- v:
		q.pushed.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush attempts a non-blocking push, returning false if the queue is
// full (used by the search worker's work-ahead path, spec.md §4.7 step 3).
func (q *Queue[T]) TryPush(v T) bool {
	if q.closed.Load() {
		return false
	}
	select {
	case q.ch <- v:
		q.pushed.Add(1)
		return true
	default:
		return false
	}
}

// Pop blocks until an item is available, ctx is canceled, or the queue is
// closed and drained (in which case ok is false and err is nil — this is
// the ENOENT case of spec.md's next_obj/count operations).
func (q *Queue[T]) Pop(ctx context.Context) (v T, ok bool, err error) {
	select {
	case item, open := <-q.ch:
		if !open {
			return v, false, nil
		}
		q.popped.Add(1)
		return item, true, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// TryPop attempts a non-blocking pop.
func (q *Queue[T]) TryPop() (v T, ok bool) {
	select {
	case item, open := <-q.ch:
		if !open {
			return v, false
		}
		q.popped.Add(1)
		return item, true
	default:
		return v, false
	}
}

// Close marks the queue closed; any blocked or future Push returns
// ErrClosed, and Pop continues to drain buffered items before reporting
// ok=false.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.ch)
	})
}

// Len reports the number of items currently buffered.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap reports the queue's capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// errClosed is returned by Push against a closed Queue.
type errClosed struct{}

func (errClosed) Error() string { return "queue: closed" }

// ErrClosed is returned by Push once the Queue has been Closed.
var ErrClosed error = errClosed{}
