package mempool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RentRoundsUpToBucket(t *testing.T) {
	tests := []struct {
		name    string
		request int
		wantCap int
	}{
		{name: "tiny request lands in smallest bucket", request: 10, wantCap: 256},
		{name: "exact bucket size", request: 512, wantCap: 512},
		{name: "one over bucket boundary", request: 513, wantCap: 1024},
		{name: "log read payload", request: 1024, wantCap: 1024},
		{name: "largest bucket", request: 65536, wantCap: 65536},
	}

	p := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := p.Rent(tt.request)
			defer h.Release()

			assert.Equal(t, tt.request, len(h.Bytes()))
			assert.Equal(t, tt.wantCap, h.Cap())
		})
	}
}

func TestPool_OversizedRequestIsNotRecycled(t *testing.T) {
	p := New()

	h := p.Rent(1 << 20)
	require.Equal(t, 1<<20, len(h.Bytes()))
	h.Release()

	s := p.Stats()
	assert.Equal(t, uint64(1), s.Rentals)
	assert.Equal(t, uint64(1), s.Returns)
	assert.Equal(t, uint64(1), s.Misses)
}

func TestPool_ReturnZeroesBuffer(t *testing.T) {
	p := New()

	h := p.Rent(64)
	for i := range h.Bytes() {
		h.Bytes()[i] = 0xAB
	}
	h.Release()

	// The next rent from the same bucket must never expose stale payload.
	h2 := p.Rent(64)
	defer h2.Release()
	for _, b := range h2.Bytes() {
		assert.Equal(t, byte(0), b)
	}
}

func TestHandle_DoubleReleaseIsIgnored(t *testing.T) {
	p := New()

	h := p.Rent(32)
	h.Release()
	assert.NotPanics(t, func() { h.Release() })

	s := p.Stats()
	assert.Equal(t, uint64(1), s.Returns, "second release must not count")
}

func TestHandle_SetLenClamps(t *testing.T) {
	p := New()
	h := p.Rent(16)
	defer h.Release()

	h.SetLen(1000)
	assert.Equal(t, h.Cap(), len(h.Bytes()))

	h.SetLen(-5)
	assert.Equal(t, 0, len(h.Bytes()))
}

func TestPool_StatsDistribution(t *testing.T) {
	p := New()

	for i := 0; i < 3; i++ {
		p.Rent(100).Release()
	}
	p.Rent(2000).Release()

	s := p.Stats()
	assert.Equal(t, uint64(4), s.Rentals)
	assert.Equal(t, uint64(4), s.Returns)
	assert.Equal(t, uint64(3), s.PerSize[256])
	assert.Equal(t, uint64(1), s.PerSize[4096])
}

func TestPool_ConcurrentRentReturn(t *testing.T) {
	p := New()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h := p.Rent(1024)
				h.Bytes()[0] = byte(i)
				h.Release()
			}
		}()
	}
	wg.Wait()

	s := p.Stats()
	assert.Equal(t, uint64(1600), s.Rentals)
	assert.Equal(t, uint64(1600), s.Returns)
}
