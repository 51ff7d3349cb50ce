package batch

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// SlotPool is a budget of execution slots. One pool can be shared by
// several schedulers to bound them together.
type SlotPool struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
}

// NewSlotPool creates a pool with capacity slots, at least one.
func NewSlotPool(capacity int) *SlotPool {
	if capacity < 1 {
		capacity = 1
	}
	return &SlotPool{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// Acquire blocks until a slot is free or ctx is done. It may succeed even
// when ctx is already done, so callers re-check ctx afterwards.
func (p *SlotPool) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.inUse.Add(1)
	return nil
}

// TryAcquire takes a slot without blocking.
func (p *SlotPool) TryAcquire() bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.inUse.Add(1)
	return true
}

// Release returns a slot.
func (p *SlotPool) Release() {
	p.inUse.Add(-1)
	p.sem.Release(1)
}

// Capacity returns the number of slots.
func (p *SlotPool) Capacity() int {
	return p.capacity
}

// InUse returns the number of slots held.
func (p *SlotPool) InUse() int {
	return int(p.inUse.Load())
}
