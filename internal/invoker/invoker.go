// Package invoker runs deferred tasks on a single goroutine.
//
// Components never call listeners while holding their own lock; they submit
// the notification here instead. Submit never blocks, so it is safe to call
// from inside any critical section.
package invoker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// slowTask is the duration above which a task is reported.
const slowTask = 50 * time.Millisecond

// Invoker is an unbounded FIFO task queue drained by one goroutine.
type Invoker struct {
	mu      sync.Mutex    // mu protects queue, pending and closed
	queue   []func()      // queue holds tasks not yet started
	pending int           // pending counts queued plus running tasks
	closed  bool          // closed rejects further submissions
	wake    chan struct{} // wake signals the worker that tasks are queued
	idle    chan struct{} // idle is closed whenever pending drops to zero
	done    chan struct{} // done is closed when the worker exits
	log     *slog.Logger  // log reports slow tasks
}

// New creates and starts an invoker.
func New(log *slog.Logger) *Invoker {
	if log == nil {
		log = slog.Default()
	}

	idle := make(chan struct{})
	close(idle)

	inv := &Invoker{
		wake: make(chan struct{}, 1),
		idle: idle,
		done: make(chan struct{}),
		log:  log,
	}

	go inv.run()

	return inv
}

// Submit queues fn for execution. Tasks run in submission order.
// Submissions after Close are dropped.
func (inv *Invoker) Submit(fn func()) {
	inv.mu.Lock()
	if inv.closed {
		inv.mu.Unlock()
		return
	}

	if inv.pending == 0 {
		inv.idle = make(chan struct{})
	}

	inv.queue = append(inv.queue, fn)
	inv.pending++
	inv.mu.Unlock()

	select {
	case inv.wake <- struct{}{}:
	default:
	}
}

// WaitIdle blocks until no task is queued or running, or ctx expires.
func (inv *Invoker) WaitIdle(ctx context.Context) error {
	inv.mu.Lock()
	idle := inv.idle
	inv.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, lets queued tasks finish and waits for the worker.
func (inv *Invoker) Close() {
	inv.mu.Lock()
	if inv.closed {
		inv.mu.Unlock()
		<-inv.done
		return
	}

	inv.closed = true
	inv.mu.Unlock()

	select {
	case inv.wake <- struct{}{}:
	default:
	}

	<-inv.done
}

// run drains the queue until the invoker is closed and empty.
func (inv *Invoker) run() {
	defer close(inv.done)

	for {
		inv.mu.Lock()
		if len(inv.queue) == 0 {
			closed := inv.closed
			inv.mu.Unlock()

			if closed {
				return
			}

			<-inv.wake
			continue
		}

		fn := inv.queue[0]
		inv.queue[0] = nil
		inv.queue = inv.queue[1:]
		inv.mu.Unlock()

		inv.execute(fn)

		inv.mu.Lock()
		inv.pending--
		if inv.pending == 0 {
			close(inv.idle)
		}
		inv.mu.Unlock()
	}
}

// execute runs one task and reports slow ones.
func (inv *Invoker) execute(fn func()) {
	start := time.Now()

	fn()

	if elapsed := time.Since(start); elapsed > slowTask {
		inv.log.Warn("task took a long time", "elapsed", elapsed)
	}
}
