package helpers

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// NewTestAllocator creates a CheckedAllocator that fails the test at cleanup
// if any Arrow memory is still allocated.
func NewTestAllocator(t testing.TB) *memory.CheckedAllocator {
	t.Helper()
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	t.Cleanup(func() { alloc.AssertSize(t, 0) })
	return alloc
}

// AssertNoLeaks verifies that all Arrow memory has been properly released.
func AssertNoLeaks(t testing.TB, alloc *memory.CheckedAllocator) {
	t.Helper()
	if alloc.CurrentAlloc() > 0 {
		t.Fatalf("Arrow memory leak detected: %d bytes still allocated", alloc.CurrentAlloc())
	}
}

// CountingAllocator wraps an allocator and tracks bytes allocated, freed and in use.
// It is safe for concurrent use.
type CountingAllocator struct {
	inner     memory.Allocator
	allocated atomic.Int64
	freed     atomic.Int64
	inUse     atomic.Int64
	peak      atomic.Int64
}

// NewCountingAllocator creates a counting allocator wrapping inner.
func NewCountingAllocator(inner memory.Allocator) *CountingAllocator {
	return &CountingAllocator{inner: inner}
}

func (c *CountingAllocator) Allocate(size int) []byte {
	c.allocated.Add(int64(size))
	c.track(int64(size))
	return c.inner.Allocate(size)
}

func (c *CountingAllocator) Reallocate(size int, b []byte) []byte {
	delta := int64(size) - int64(len(b))
	if delta > 0 {
		c.allocated.Add(delta)
	} else {
		c.freed.Add(-delta)
	}
	c.track(delta)
	return c.inner.Reallocate(size, b)
}

func (c *CountingAllocator) Free(b []byte) {
	c.freed.Add(int64(len(b)))
	c.inUse.Add(-int64(len(b)))
	c.inner.Free(b)
}

func (c *CountingAllocator) track(delta int64) {
	cur := c.inUse.Add(delta)
	for {
		p := c.peak.Load()
		if cur <= p || c.peak.CompareAndSwap(p, cur) {
			return
		}
	}
}

// Allocated returns the total bytes handed out.
func (c *CountingAllocator) Allocated() int64 { return c.allocated.Load() }

// InUse returns the number of bytes currently allocated and not freed.
func (c *CountingAllocator) InUse() int64 { return c.inUse.Load() }

// Peak returns the high-water mark of bytes in use.
func (c *CountingAllocator) Peak() int64 { return c.peak.Load() }

// CheckReleased returns an error if memory is still in use.
func (c *CountingAllocator) CheckReleased() error {
	if n := c.inUse.Load(); n != 0 {
		return fmt.Errorf("memory leak: %d bytes allocated, %d bytes freed, %d bytes still in use",
			c.allocated.Load(), c.freed.Load(), n)
	}
	return nil
}
