// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

// Package admission implements the process-wide reader admission
// controller of spec §4.E: a count+memory budget, a FIFO waiting queue,
// per-request deadlines (via context.Context) and file-buffer charge-back
// through reference-counted Permits.
package admission

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/spacemonkeygo/monkit.v2"

	"coredb.dev/coredb/internal/memory"
	"coredb.dev/coredb/internal/sync2"
	"coredb.dev/coredb/mutationerrs"
)

var mon = monkit.Package()

// Config configures a Semaphore (spec §4.E table).
type Config struct {
	MaxCount  int
	MaxMemory memory.Size
	MaxQueue  int

	// QueueOverflowError builds the error returned when MaxQueue is
	// exceeded; left nil to use mutationerrs.QueueOverflow.
	QueueOverflowError func() error

	// RetryInterval is how often the waiting queue's head is re-checked
	// as a defence against a missed wakeup (e.g. a releaseMemory call
	// racing a new waiter's enqueue); left zero to use a 5 second default.
	RetryInterval time.Duration
}

// Semaphore is the admission controller. It is not goroutine-safe to copy;
// always use via pointer.
type Semaphore struct {
	log *zap.Logger
	cfg Config

	mu              sync.Mutex
	availableCount  int
	availableMemory memory.Size
	queue           *list.List // of *waiter

	retry *sync2.Cycle
}

type waiter struct {
	cost    memory.Size
	granted chan struct{}
	failed  chan struct{}
	err     error
}

// New creates a Semaphore with a full budget of cfg.MaxCount/cfg.MaxMemory.
func New(log *zap.Logger, cfg Config) *Semaphore {
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	return &Semaphore{
		log:             log,
		cfg:             cfg,
		availableCount:  cfg.MaxCount,
		availableMemory: cfg.MaxMemory,
		queue:           list.New(),
		retry:           sync2.NewCycle(retryInterval),
	}
}

// Run starts the background lost-wakeup defence and blocks until ctx is
// cancelled or Close is called. Callers that want WaitAdmission's queue to
// recover from a missed wakeup should run this in its own goroutine
// alongside the Semaphore's lifetime.
func (sem *Semaphore) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	sem.retry.Start(ctx, group, func(context.Context) error {
		sem.mu.Lock()
		sem.wakeQueueLocked()
		sem.mu.Unlock()
		return nil
	})
	return group.Wait()
}

// Close stops the background lost-wakeup defence started by Run. Safe to
// call even if Run was never invoked.
func (sem *Semaphore) Close() {
	sem.retry.Close()
}

// AvailableCount returns the currently unreserved count budget. Buffer
// tracking charges memory only, so this never goes negative.
func (sem *Semaphore) AvailableCount() int {
	sem.mu.Lock()
	defer sem.mu.Unlock()
	return sem.availableCount
}

// AvailableMemory returns the currently unreserved memory budget (may be
// negative; see Track).
func (sem *Semaphore) AvailableMemory() memory.Size {
	sem.mu.Lock()
	defer sem.mu.Unlock()
	return sem.availableMemory
}

// QueueLength returns the number of requests currently waiting.
func (sem *Semaphore) QueueLength() int {
	sem.mu.Lock()
	defer sem.mu.Unlock()
	return sem.queue.Len()
}

// WaitAdmission deducts (1, baseCost) from the budget once granted,
// enqueueing FIFO if it would drop either below zero. It fails immediately
// with QueueOverflow if the queue is already at MaxQueue, or with Timeout
// if ctx's deadline elapses first (removing the caller from the queue).
func (sem *Semaphore) WaitAdmission(ctx context.Context, baseCost memory.Size) (_ *Permit, err error) {
	defer mon.Task()(&ctx)(&err)

	sem.mu.Lock()
	if sem.queue.Len() == 0 && sem.availableCount >= 1 && sem.availableMemory >= baseCost {
		sem.availableCount--
		sem.availableMemory -= baseCost
		sem.mu.Unlock()
		return newPermit(sem, baseCost), nil
	}

	if sem.queue.Len() >= sem.cfg.MaxQueue {
		sem.mu.Unlock()
		if sem.cfg.QueueOverflowError != nil {
			return nil, sem.cfg.QueueOverflowError()
		}
		return nil, mutationerrs.QueueOverflow.New("admission queue full (max %d)", sem.cfg.MaxQueue)
	}

	w := &waiter{cost: baseCost, granted: make(chan struct{}), failed: make(chan struct{})}
	elem := sem.queue.PushBack(w)
	sem.mu.Unlock()

	select {
	case <-w.granted:
		return newPermit(sem, baseCost), nil
	case <-w.failed:
		return nil, w.err
	case <-ctx.Done():
		sem.mu.Lock()
		// the waiter might have been granted/failed concurrently with
		// ctx's cancellation; re-check under the lock before removing it.
		select {
		case <-w.granted:
			sem.mu.Unlock()
			return newPermit(sem, baseCost), nil
		case <-w.failed:
			sem.mu.Unlock()
			return nil, w.err
		default:
		}
		sem.queue.Remove(elem)
		sem.mu.Unlock()
		return nil, mutationerrs.FromContext(ctx)
	}
}

// release returns (count, mem) to the budget and wakes the queue head while
// it fits, called once a Permit's reference count reaches zero.
func (sem *Semaphore) release(count int, mem memory.Size) {
	sem.mu.Lock()
	sem.availableCount += count
	sem.availableMemory += mem
	sem.wakeQueueLocked()
	sem.mu.Unlock()
}

// chargeMemory deducts size from the shared budget (possibly driving it
// negative, per spec §4.E "over-commit is allowed") without going through
// the waiting queue; used by tracked-buffer acquisition, which must never
// block on the semaphore the way wait_admission does.
func (sem *Semaphore) chargeMemory(size memory.Size) {
	sem.mu.Lock()
	sem.availableMemory -= size
	sem.mu.Unlock()
}

// releaseMemory returns size to the shared budget and wakes the queue head
// while it fits.
func (sem *Semaphore) releaseMemory(size memory.Size) {
	sem.mu.Lock()
	sem.availableMemory += size
	sem.wakeQueueLocked()
	sem.mu.Unlock()
}

// wakeQueueLocked grants the queue head while the budget allows, in FIFO
// order (spec P8). Must be called with sem.mu held.
func (sem *Semaphore) wakeQueueLocked() {
	for {
		front := sem.queue.Front()
		if front == nil {
			return
		}
		w := front.Value.(*waiter)
		if sem.availableCount < 1 || sem.availableMemory < w.cost {
			return
		}
		sem.availableCount--
		sem.availableMemory -= w.cost
		sem.queue.Remove(front)
		close(w.granted)
	}
}
