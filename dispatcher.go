package patchrack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shaban/patchrack/internal/opqueue"
)

// Dispatcher serializes topology mutations (connect/disconnect/addPlugin/
// removePlugin/...) onto opqueue's single worker goroutine and reports
// each call's result back synchronously: callers block on a buffered
// result channel while the mutation runs on the queue's worker, so any
// number of concurrent control-thread callers still observe mutations
// applied one at a time. A single Func closure per call site covers
// every mutation shape in this domain (run a topology change, report
// success/failure) rather than a per-operation struct.
type Dispatcher struct {
	queue *opqueue.Queue
	errs  ErrorHandler

	mu                    sync.RWMutex
	lastOperationDuration time.Duration
	maxOperationDuration  time.Duration
}

// NewDispatcher wraps an already-constructed opqueue.Queue. The caller
// starts/stops the queue itself (Engine.Start/Stop), since the queue's
// lifecycle is tied to the engine's, not the dispatcher's.
func NewDispatcher(queue *opqueue.Queue, errs ErrorHandler) *Dispatcher {
	return &Dispatcher{
		queue:                queue,
		errs:                 errs,
		maxOperationDuration: 300 * time.Millisecond,
	}
}

// RunSync submits fn to the control-thread queue and blocks until it has
// run, returning its error. Exceeding the 300ms budget is reported to the
// error handler but does not fail the call — the mutation still lands.
func (d *Dispatcher) RunSync(fn func() error) error {
	if d.queue == nil {
		return fmt.Errorf("dispatcher: no queue configured")
	}
	done := make(chan error, 1)
	err := d.queue.Enqueue(opqueue.Func(func(ctx context.Context) error {
		start := time.Now()
		result := fn()
		duration := time.Since(start)

		d.mu.Lock()
		d.lastOperationDuration = duration
		if duration > d.maxOperationDuration && d.errs != nil {
			d.errs.HandleError(newEngineError(ErrFatal, "topology change took %v, target is sub-300ms", duration))
		}
		d.mu.Unlock()

		done <- result
		return result
	}))
	if err != nil {
		return err
	}
	select {
	case result := <-done:
		return result
	case <-d.queue.Done():
		return fmt.Errorf("dispatcher: closed before operation ran")
	}
}

// Enqueue submits fn for asynchronous execution without waiting for it,
// for callers that don't need the result (e.g. fire-and-forget refresh
// requests triggered from a callback).
func (d *Dispatcher) Enqueue(fn func() error) error {
	if d.queue == nil {
		return fmt.Errorf("dispatcher: no queue configured")
	}
	return d.queue.Enqueue(opqueue.Func(func(ctx context.Context) error {
		start := time.Now()
		err := fn()
		duration := time.Since(start)

		d.mu.Lock()
		d.lastOperationDuration = duration
		if duration > d.maxOperationDuration && d.errs != nil {
			d.errs.HandleError(newEngineError(ErrFatal, "topology change took %v, target is sub-300ms", duration))
		}
		d.mu.Unlock()

		if err != nil && d.errs != nil {
			d.errs.HandleError(err)
		}
		return err
	}))
}

// PerformanceStats returns the most recent operation's duration, the
// configured budget, and how many ops are currently backed up in the
// queue, for diagnostics.
func (d *Dispatcher) PerformanceStats() (last, budget time.Duration, backlog int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastOperationDuration, d.maxOperationDuration, d.queue.Len()
}
