// Package mempool provides a shared byte-array pool keyed by request size.
//
// BT510 log reads move 1 KiB payloads per notification; renting from the
// pool instead of allocating per notification keeps GC jitter out of the
// receive path.
package mempool

import (
	"sync"
	"sync/atomic"
)

// Bucket sizes vended by the pool. Rent rounds the requested minimum up to
// the next bucket; requests beyond the largest bucket fall back to a plain
// allocation that is never recycled.
var bucketSizes = []int{256, 512, 1024, 4096, 16384, 65536}

// Stats is a snapshot of pool counters.
type Stats struct {
	Rentals uint64
	Returns uint64
	Misses  uint64         // requests larger than the biggest bucket
	PerSize map[int]uint64 // rentals per bucket size
}

// Pool vends byte arrays whose capacity is at least the requested minimum.
type Pool struct {
	buckets []*bucket

	rentals atomic.Uint64
	returns atomic.Uint64
	misses  atomic.Uint64
}

type bucket struct {
	size    int
	pool    sync.Pool
	rentals atomic.Uint64
}

// New creates an empty pool. Buffers are allocated lazily on first rent.
func New() *Pool {
	p := &Pool{buckets: make([]*bucket, len(bucketSizes))}
	for i, size := range bucketSizes {
		b := &bucket{size: size}
		sz := size
		b.pool.New = func() interface{} { return make([]byte, sz) }
		p.buckets[i] = b
	}
	return p
}

// Rent returns a handle wrapping an array of capacity >= min with the valid
// length set to min. Release the handle to recycle the array.
func (p *Pool) Rent(min int) *Handle {
	if min < 0 {
		min = 0
	}
	p.rentals.Add(1)
	for _, b := range p.buckets {
		if min <= b.size {
			b.rentals.Add(1)
			buf := b.pool.Get().([]byte)
			return &Handle{pool: p, bucket: b, buf: buf, n: min}
		}
	}
	// Oversized request, vend a one-off allocation.
	p.misses.Add(1)
	return &Handle{pool: p, buf: make([]byte, min), n: min}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	s := Stats{
		Rentals: p.rentals.Load(),
		Returns: p.returns.Load(),
		Misses:  p.misses.Load(),
		PerSize: make(map[int]uint64, len(p.buckets)),
	}
	for _, b := range p.buckets {
		s.PerSize[b.size] = b.rentals.Load()
	}
	return s
}

func (p *Pool) put(b *bucket, buf []byte) {
	p.returns.Add(1)
	if b == nil {
		// One-off allocation, drop it.
		return
	}
	// Zero before recycling so stale payloads never leak across sessions.
	for i := range buf {
		buf[i] = 0
	}
	b.pool.Put(buf[:b.size])
}

// Handle wraps a rented array plus its valid length and guarantees at most
// one return to the pool.
type Handle struct {
	pool     *Pool
	bucket   *bucket
	buf      []byte
	n        int
	released atomic.Bool
}

// Bytes returns the valid portion of the rented array. The slice is only
// valid until Release.
func (h *Handle) Bytes() []byte {
	return h.buf[:h.n]
}

// Cap returns the full capacity of the rented array.
func (h *Handle) Cap() int {
	return len(h.buf)
}

// SetLen adjusts the valid length, clamped to the array capacity.
func (h *Handle) SetLen(n int) {
	if n < 0 {
		n = 0
	}
	if n > len(h.buf) {
		n = len(h.buf)
	}
	h.n = n
}

// Release returns the array to the pool. A second Release is a programmer
// error and is ignored.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.pool.put(h.bucket, h.buf)
	h.buf = nil
	h.n = 0
}
