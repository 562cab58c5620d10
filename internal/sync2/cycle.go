// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

package sync2

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type cycleControlKind int

const (
	cyclePause cycleControlKind = iota
	cycleRestart
	cycleTrigger
)

type cycleControl struct {
	kind cycleControlKind
	ack  chan struct{}
}

// Cycle runs a function on a timer, with support for pausing, restarting
// and firing an out-of-band execution on demand (Trigger/TriggerWait). The
// admission semaphore uses a Cycle to periodically retry the head of its
// waiting queue as a defence against lost wakeups; callers needing an
// immediate retry (e.g. after a permit drop) use TriggerWait instead of
// waiting for the next tick.
type Cycle struct {
	mu       sync.Mutex
	interval time.Duration

	control chan cycleControl

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewCycle returns a Cycle that fires every interval. An interval <= 0
// disables automatic ticking; the cycle only runs when Trigger/TriggerWait
// is called.
func NewCycle(interval time.Duration) *Cycle {
	cycle := &Cycle{}
	cycle.SetInterval(interval)
	return cycle
}

// SetInterval changes the tick interval; it takes effect on the next
// Restart or the next natural tick.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.mu.Lock()
	cycle.interval = interval
	cycle.mu.Unlock()
}

func (cycle *Cycle) getInterval() time.Duration {
	cycle.mu.Lock()
	defer cycle.mu.Unlock()
	return cycle.interval
}

func (cycle *Cycle) init() {
	if cycle.control == nil {
		cycle.control = make(chan cycleControl, 16)
	}
	if cycle.stopped == nil {
		cycle.stopped = make(chan struct{})
	}
}

func timerChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// Start runs fn on every tick until ctx is cancelled or Stop is called,
// registering the loop on group so callers can Wait for it.
func (cycle *Cycle) Start(ctx context.Context, group *errgroup.Group, fn func(ctx context.Context) error) {
	cycle.init()

	group.Go(func() error {
		paused := false
		var timer *time.Timer
		if interval := cycle.getInterval(); interval > 0 {
			timer = time.NewTimer(interval)
		}
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-cycle.stopped:
				return nil

			case ctrl := <-cycle.control:
				switch ctrl.kind {
				case cyclePause:
					paused = true
					if timer != nil {
						timer.Stop()
					}
				case cycleRestart:
					paused = false
					if timer != nil {
						timer.Stop()
					}
					if interval := cycle.getInterval(); interval > 0 {
						timer = time.NewTimer(interval)
					} else {
						timer = nil
					}
				case cycleTrigger:
					err := fn(ctx)
					if ctrl.ack != nil {
						close(ctrl.ack)
					}
					if err != nil {
						return err
					}
				}

			case <-timerChan(timer):
				if !paused {
					if err := fn(ctx); err != nil {
						return err
					}
				}
				if interval := cycle.getInterval(); interval > 0 {
					timer = time.NewTimer(interval)
				} else {
					timer = nil
				}
			}
		}
	})
}

// Pause stops automatic ticking until Restart is called.
func (cycle *Cycle) Pause() {
	cycle.init()
	cycle.control <- cycleControl{kind: cyclePause}
}

// Restart resumes automatic ticking from a fresh interval.
func (cycle *Cycle) Restart() {
	cycle.init()
	cycle.control <- cycleControl{kind: cycleRestart}
}

// Trigger requests one extra execution without waiting for it to finish.
func (cycle *Cycle) Trigger() {
	cycle.init()
	cycle.control <- cycleControl{kind: cycleTrigger}
}

// TriggerWait requests one extra execution and blocks until it completes.
func (cycle *Cycle) TriggerWait() {
	cycle.init()
	ack := make(chan struct{})
	cycle.control <- cycleControl{kind: cycleTrigger, ack: ack}
	<-ack
}

// Stop ends the Start loop; safe to call multiple times or before Start.
func (cycle *Cycle) Stop() {
	cycle.init()
	cycle.stopOnce.Do(func() {
		close(cycle.stopped)
	})
}

// Close stops the cycle. Safe to call even if Start was never invoked.
func (cycle *Cycle) Close() {
	cycle.Stop()
}
