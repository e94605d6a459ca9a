// Package opqueue serializes control-thread topology mutations onto a
// single goroutine, so that connect/disconnect/addPlugin/removePlugin
// calls from any number of non-realtime callers are applied one at a time
// without the audio thread ever seeing a half-applied change.
package opqueue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Op is one queued topology mutation.
type Op interface {
	Apply(ctx context.Context) error
}

// Func adapts a plain function to Op.
type Func func(ctx context.Context) error

func (f Func) Apply(ctx context.Context) error { return f(ctx) }

// Queue runs queued Ops on a single background goroutine in submission
// order. It never blocks the audio thread: nothing in this package is
// called from the audio callback.
type Queue struct {
	ch      chan Op
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a Queue with the given channel buffer (at least 1; defaults
// to 32 if non-positive).
func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{ch: make(chan Op, buffer), ctx: ctx, cancel: cancel}
}

// Start launches the worker goroutine. Calling Start more than once is a
// no-op.
func (q *Queue) Start() {
	if q.started {
		return
	}
	q.started = true
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-q.ctx.Done():
				drainUntil := time.After(10 * time.Millisecond)
				for {
					select {
					case op := <-q.ch:
						_ = op.Apply(q.ctx)
					case <-drainUntil:
						return
					default:
						return
					}
				}
			case op := <-q.ch:
				if op == nil {
					continue
				}
				_ = op.Apply(q.ctx)
			}
		}
	}()
}

// Enqueue submits op for later, asynchronous execution. It returns an
// error only if the queue is uninitialized or already closed.
func (q *Queue) Enqueue(op Op) error {
	if q == nil || q.ch == nil {
		return errors.New("opqueue: not initialized")
	}
	if q.ctx.Err() != nil {
		return errors.New("opqueue: closed")
	}
	select {
	case q.ch <- op:
		return nil
	case <-q.ctx.Done():
		return errors.New("opqueue: closed")
	}
}

// Close stops accepting new work, lets the worker drain briefly, and
// waits for it to exit.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.cancel()
	q.wg.Wait()
}

// Done reports the queue's cancellation channel, so a caller blocking on
// a RunSync-style response can also unblock on shutdown.
func (q *Queue) Done() <-chan struct{} {
	return q.ctx.Done()
}

// Len reports how many ops are currently queued and not yet picked up by
// the worker goroutine, so a caller can detect a backed-up dispatcher
// before the channel buffer fills and Enqueue starts blocking.
func (q *Queue) Len() int {
	if q == nil || q.ch == nil {
		return 0
	}
	return len(q.ch)
}
