package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_Push(t *testing.T) {
	r := NewRing[int](3)

	assert.False(t, r.Push(1))
	assert.False(t, r.Push(2))
	assert.Equal(t, []int{1, 2}, r.Items())
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 3, r.Cap())
}

func TestRing_EvictsOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 3; i++ {
		r.Push(i)
	}

	assert.True(t, r.Push(4))
	assert.True(t, r.Push(5))
	assert.Equal(t, []int{3, 4, 5}, r.Items())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, uint64(2), r.Dropped())
}

func TestRing_KeepsMostRecent(t *testing.T) {
	const capacity = 10
	const pushed = 37
	r := NewRing[int](capacity)
	for i := 0; i < pushed; i++ {
		r.Push(i)
	}

	items := r.Items()
	assert.Len(t, items, capacity)
	for i, v := range items {
		assert.Equal(t, pushed-capacity+i, v)
	}
}

func TestRing_ItemsReturnsCopy(t *testing.T) {
	r := NewRing[int](2)
	r.Push(1)

	items := r.Items()
	items[0] = 99

	assert.Equal(t, []int{1}, r.Items())
}

func TestRing_MinimumCapacity(t *testing.T) {
	r := NewRing[string](0)
	r.Push("a")
	r.Push("b")

	assert.Equal(t, 1, r.Cap())
	assert.Equal(t, []string{"b"}, r.Items())
}

func TestRing_Empty(t *testing.T) {
	r := NewRing[int](4)
	assert.Empty(t, r.Items())
	assert.Equal(t, 0, r.Len())
}
