// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

package admission

import (
	"sync"

	"coredb.dev/coredb/internal/memory"
)

// Permit is the reference-counted admission grant of spec §4.E: the caller
// of WaitAdmission holds the first reference, and every TrackedFile buffer
// charged against it holds another; the underlying (count, memory) is
// returned to the Semaphore only once the last reference is released. This
// package has no reader wrapper that acquires a permit on its own; callers
// obtain one through WaitAdmission and pass it to a reader factory.
type Permit struct {
	sem *Semaphore

	mu       sync.Mutex
	refs     int
	baseCost memory.Size
	tracked  memory.Size // sum of outstanding Track() charges
	released bool
}

func newPermit(sem *Semaphore, baseCost memory.Size) *Permit {
	return &Permit{sem: sem, refs: 1, baseCost: baseCost}
}

// Ref increments the permit's reference count, returning the same Permit
// for convenient chaining (e.g. p = p.Ref()).
func (p *Permit) Ref() *Permit {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		panic("admission: Ref on a released Permit")
	}
	p.refs++
	return p
}

// Release drops one reference; once the count reaches zero the permit's
// base cost (and any still-outstanding tracked buffers) are returned to the
// Semaphore's budget.
func (p *Permit) Release() {
	p.mu.Lock()
	p.refs--
	if p.refs > 0 {
		p.mu.Unlock()
		return
	}
	if p.released {
		p.mu.Unlock()
		panic("admission: Permit released twice")
	}
	p.released = true
	leftover := p.tracked
	p.tracked = 0
	p.mu.Unlock()

	p.sem.release(1, p.baseCost+leftover)
}

// Track charges size against the shared memory budget on behalf of a
// buffer this permit's reader produced, allowed to drive the budget
// negative (spec §4.E over-commit). It returns a TrackedFile whose Release
// returns size to the budget; callers typically close it when the buffer
// is freed.
func (p *Permit) Track(size memory.Size) *TrackedFile {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		panic("admission: Track on a released Permit")
	}
	p.tracked += size
	p.refs++
	p.mu.Unlock()

	p.sem.chargeMemory(size)
	return &TrackedFile{permit: p, size: size}
}

// TrackedFile is one buffer-sized charge against a Permit's shared budget,
// released independently of the permit itself (e.g. as buffers are freed
// while a long-lived reader keeps running).
type TrackedFile struct {
	permit *Permit
	size   memory.Size

	mu       sync.Mutex
	released bool
}

// Release returns size to the shared budget and drops the TrackedFile's
// reference on the owning Permit. Safe to call more than once; only the
// first call has an effect.
func (f *TrackedFile) Release() {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return
	}
	f.released = true
	f.mu.Unlock()

	f.permit.mu.Lock()
	f.permit.tracked -= f.size
	f.permit.mu.Unlock()

	f.permit.sem.releaseMemory(f.size)
	f.permit.Release()
}
