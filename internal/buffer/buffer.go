// Package buffer implements the bounded FIFO that sits between the live
// detection loops and durable storage. Producers never block: when the
// buffer is full the oldest items are discarded.
package buffer

import "sync"

const DefaultMaxSize = 1000

type Stats struct {
	CurrentSize  int   `json:"current_size"`
	MaxSize      int   `json:"max_size"`
	TotalAdded   int64 `json:"total_added"`
	TotalDropped int64 `json:"total_dropped"`
}

type Buffer[T any] struct {
	mu      sync.Mutex
	items   []T
	maxSize int
	added   int64
	dropped int64
}

func New[T any](maxSize int) *Buffer[T] {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Buffer[T]{maxSize: maxSize}
}

// Add appends item, dropping the oldest items on overflow.
func (b *Buffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(b.items, item)
	b.added++

	if excess := len(b.items) - b.maxSize; excess > 0 {
		clear(b.items[:excess])
		b.items = b.items[excess:]
		b.dropped += int64(excess)
	}
}

// GetBatch removes and returns up to n of the oldest items.
func (b *Buffer[T]) GetBatch(n int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || len(b.items) == 0 {
		return nil
	}
	n = min(n, len(b.items))

	batch := make([]T, n)
	copy(batch, b.items[:n])
	clear(b.items[:n])
	b.items = b.items[n:]
	return batch
}

// GetAll drains the buffer.
func (b *Buffer[T]) GetAll() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	all := b.items
	b.items = nil
	return all
}

// Clear empties the buffer. Totals are kept.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	b.items = nil
	b.mu.Unlock()
}

func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Buffer[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		CurrentSize:  len(b.items),
		MaxSize:      b.maxSize,
		TotalAdded:   b.added,
		TotalDropped: b.dropped,
	}
}
