package ringchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_SendReceive(t *testing.T) {
	r := New[int](3)

	assert.False(t, r.Send(1))
	assert.False(t, r.Send(2))
	assert.Equal(t, 2, r.Len())

	v, ok := r.TryReceive()
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestRing_OverwritesOldestWhenFull(t *testing.T) {
	r := New[int](2)

	r.Send(1)
	r.Send(2)
	assert.True(t, r.Send(3), "full ring reports the drop")

	v, _ := r.TryReceive()
	assert.Equal(t, 2, v, "oldest element was discarded")
	v, _ = r.TryReceive()
	assert.Equal(t, 3, v)

	written, overwritten := r.Snapshot()
	assert.Equal(t, int64(3), written)
	assert.Equal(t, int64(1), overwritten)
}

func TestRing_TryReceiveEmpty(t *testing.T) {
	r := New[string](1)
	_, ok := r.TryReceive()
	assert.False(t, ok)
}

func TestRing_RangeOverClosed(t *testing.T) {
	r := New[int](4)
	r.Send(10)
	r.Send(20)
	r.Close()

	var got []int
	for v := range r.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{10, 20}, got)
}

func TestRing_ZeroCapacityPanics(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
