package router

import (
	"context"
	"sync"
)

// Buffer is a thread-safe FIFO ring that doubles its capacity when it reaches
// 70% full, up to a maximum. Once at the maximum, Send drops the oldest item
// so memory stays bounded when consumers fall behind.
type Buffer[T any] struct {
	mu     sync.Mutex
	notify chan struct{} // Signalled on Send and Close
	buf    []T
	head   int // read position
	tail   int // write position
	count  int
	max    int
	closed bool

	// Stats
	totalIn  int64
	totalOut int64
	dropped  int64
	resizes  int
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count    int
	Capacity int
	TotalIn  int64
	TotalOut int64
	Dropped  int64
	Resizes  int
}

// NewBuffer creates a buffer with the given initial capacity that grows up to
// maxCapacity. A maxCapacity below the initial capacity disables growth.
func NewBuffer[T any](initialCapacity, maxCapacity int) *Buffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if maxCapacity < initialCapacity {
		maxCapacity = initialCapacity
	}
	return &Buffer[T]{
		notify: make(chan struct{}, 1),
		buf:    make([]T, initialCapacity),
		max:    maxCapacity,
	}
}

// Send appends an item. Returns false if the buffer is closed.
func (b *Buffer[T]) Send(item T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}

	threshold := (len(b.buf) * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold && len(b.buf) < b.max {
		b.grow()
	}

	if b.count == len(b.buf) {
		// Full at max capacity: overwrite the oldest item.
		var zero T
		b.buf[b.head] = zero
		b.head = (b.head + 1) % len(b.buf)
		b.count--
		b.dropped++
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % len(b.buf)
	b.count++
	b.totalIn++
	b.mu.Unlock()

	b.signal()
	return true
}

// Receive removes the oldest item, waiting until one is available. It returns
// false when ctx is done or the buffer is closed and empty.
func (b *Buffer[T]) Receive(ctx context.Context) (T, bool) {
	for {
		b.mu.Lock()
		if b.count > 0 {
			item := b.pop()
			more := b.count > 0
			b.mu.Unlock()
			if more {
				b.signal()
			}
			return item, true
		}
		closed := b.closed
		b.mu.Unlock()

		if closed {
			var zero T
			return zero, false
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, false
		case <-b.notify:
		}
	}
}

// TryReceive removes the oldest item without waiting.
func (b *Buffer[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// DrainTo removes up to max items (all if max <= 0) in FIFO order.
func (b *Buffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := range result {
		result[i] = b.pop()
	}
	return result
}

// Close stops further sends. Receivers drain what remains, then get false.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.signal()
}

// Len returns the current number of items in the buffer.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns buffer statistics.
func (b *Buffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:    b.count,
		Capacity: len(b.buf),
		TotalIn:  b.totalIn,
		TotalOut: b.totalOut,
		Dropped:  b.dropped,
		Resizes:  b.resizes,
	}
}

// pop removes the head item. Must be called with lock held and count > 0.
func (b *Buffer[T]) pop() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // Clear reference for GC
	b.head = (b.head + 1) % len(b.buf)
	b.count--
	b.totalOut++
	return item
}

func (b *Buffer[T]) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// grow doubles capacity, capped at max. Must be called with lock held.
func (b *Buffer[T]) grow() {
	newCapacity := len(b.buf) * 2
	if newCapacity > b.max {
		newCapacity = b.max
	}
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.resizes++
}
