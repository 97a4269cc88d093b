// Package rxbuf implements the per-session notification receive buffer.
//
// The BLE stack appends notification payloads as they arrive; the protocol
// engine drains the accumulated bytes once it detects a message boundary.
// One mutex serializes every operation.
package rxbuf

import (
	"sync"

	"github.com/iotworks/blegw/internal/mempool"
)

// Payloads above this size are staged through the memory pool before being
// appended, so large log notifications don't churn the allocator.
const largeStagingThreshold = 512

// Buffer is a thread-safe append-and-drain byte queue.
type Buffer struct {
	mu   sync.Mutex
	data []byte
	pool *mempool.Pool
}

// New creates a buffer backed by the given pool. The pool may be nil, in
// which case AppendLarge degrades to a plain Append.
func New(pool *mempool.Pool) *Buffer {
	return &Buffer{pool: pool}
}

// Append adds bytes to the end of the buffer. Nil or empty input is a no-op.
// Payloads above the staging threshold are routed through the pool.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	if len(p) > largeStagingThreshold && b.pool != nil {
		b.AppendLarge(p)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
}

// AppendLarge appends via a pooled staging copy. The staging buffer is rented
// for the duration of the copy so the caller's slice can be reused immediately
// after return without tearing a concurrent drain.
func (b *Buffer) AppendLarge(p []byte) {
	if len(p) == 0 {
		return
	}
	if b.pool == nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.data = append(b.data, p...)
		return
	}
	h := b.pool.Rent(len(p))
	copy(h.Bytes(), p)

	b.mu.Lock()
	b.data = append(b.data, h.Bytes()...)
	b.mu.Unlock()

	h.Release()
}

// Drain atomically returns the buffered bytes and clears the buffer. The
// returned slice is owned by the caller.
func (b *Buffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.data
	b.data = nil
	return out
}

// DrainPooled drains into a pooled handle. The caller must Release the
// handle. Returns a zero-length handle when the buffer is empty, nil when
// the buffer has no pool.
func (b *Buffer) DrainPooled() *mempool.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool == nil {
		return nil
	}
	h := b.pool.Rent(len(b.data))
	copy(h.Bytes(), b.data)
	b.data = nil
	return h
}

// Len returns the number of buffered bytes. Consistent with a subsequent
// Drain as long as no appends interleave.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Clear discards any buffered bytes.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
}
