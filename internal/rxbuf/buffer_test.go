package rxbuf

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotworks/blegw/internal/mempool"
)

func TestBuffer_AppendDrain(t *testing.T) {
	b := New(mempool.New())

	b.Append([]byte("hello "))
	b.Append([]byte("world"))
	assert.Equal(t, 11, b.Len())

	got := b.Drain()
	assert.Equal(t, []byte("hello world"), got)
	assert.Equal(t, 0, b.Len())

	// Second drain yields nothing.
	assert.Empty(t, b.Drain())
}

func TestBuffer_EmptyAppendIsNoOp(t *testing.T) {
	b := New(mempool.New())

	b.Append(nil)
	b.Append([]byte{})
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_AppendLargeRoutesThroughPool(t *testing.T) {
	pool := mempool.New()
	b := New(pool)

	payload := bytes.Repeat([]byte{0x7D}, 1024)
	b.Append(payload)

	require.Equal(t, 1024, b.Len())
	assert.Equal(t, payload, b.Drain())

	s := pool.Stats()
	assert.Equal(t, s.Rentals, s.Returns, "staging buffers must all be returned")
	assert.NotZero(t, s.Rentals)
}

func TestBuffer_AppendLargeWithoutPool(t *testing.T) {
	b := New(nil)

	payload := bytes.Repeat([]byte{1}, 2000)
	b.AppendLarge(payload)
	assert.Equal(t, payload, b.Drain())
}

func TestBuffer_DrainPooled(t *testing.T) {
	pool := mempool.New()
	b := New(pool)

	b.Append([]byte{1, 2, 3})
	h := b.DrainPooled()
	defer h.Release()

	assert.Equal(t, []byte{1, 2, 3}, h.Bytes())
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_Clear(t *testing.T) {
	b := New(mempool.New())

	b.Append([]byte{1, 2, 3})
	b.Clear()
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Drain())
}

func TestBuffer_ConcurrentAppendDrain(t *testing.T) {
	b := New(mempool.New())

	const writers = 4
	const perWriter = 250
	chunk := []byte{0xAA, 0xBB}

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				b.Append(chunk)
			}
		}()
	}

	done := make(chan struct{})
	var drained int
	go func() {
		defer close(done)
		for {
			drained += len(b.Drain())
			if drained == writers*perWriter*len(chunk) {
				return
			}
		}
	}()

	wg.Wait()
	<-done
	assert.Equal(t, writers*perWriter*len(chunk), drained)
}
