// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

package sync2

import "sync"

// Fence allows any number of goroutines to Wait until Release is called
// once. Unlike a sync.WaitGroup it has no notion of count: the first
// Release unblocks every current and future Wait.
type Fence struct {
	initOnce    sync.Once
	releaseOnce sync.Once
	done        chan struct{}
}

func (fence *Fence) init() {
	fence.initOnce.Do(func() {
		fence.done = make(chan struct{})
	})
}

// Wait blocks until Release has been called.
func (fence *Fence) Wait() {
	fence.init()
	<-fence.done
}

// Release unblocks every Wait call. Safe to call more than once or
// concurrently; only the first call has an effect.
func (fence *Fence) Release() {
	fence.init()
	fence.releaseOnce.Do(func() {
		close(fence.done)
	})
}

// Released reports whether Release has already happened, without blocking.
func (fence *Fence) Released() bool {
	fence.init()
	select {
	case <-fence.done:
		return true
	default:
		return false
	}
}
