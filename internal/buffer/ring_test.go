package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_PushAndSnapshot(t *testing.T) {
	r := NewRing[int](3)

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 3, r.Cap())

	_, ok := r.Latest()
	assert.False(t, ok)

	for i := 1; i <= 3; i++ {
		assert.False(t, r.Push(i))
	}

	assert.Equal(t, []int{1, 2, 3}, r.Snapshot())
	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, 3, latest)
}

func TestRing_EvictsOldest(t *testing.T) {
	const maxLen = 10
	r := NewRing[int](maxLen)

	for i := 0; i < maxLen+5; i++ {
		r.Push(i)
		assert.LessOrEqual(t, r.Len(), maxLen)
	}

	snap := r.Snapshot()
	require.Len(t, snap, maxLen)
	assert.Equal(t, 5, snap[0], "first five must be evicted")
	assert.Equal(t, maxLen+4, snap[len(snap)-1], "most recent at the tail")

	stats := r.Stats()
	assert.Equal(t, uint64(maxLen+5), stats.Writes)
	assert.Equal(t, uint64(5), stats.Evictions)
}

func TestRing_DefaultCapacity(t *testing.T) {
	r := NewRing[string](0)
	assert.Equal(t, DefaultCapacity, r.Cap())
}

func TestRing_Clear(t *testing.T) {
	r := NewRing[string](2)
	r.Push("a")
	r.Push("b")
	r.Push("c")

	r.Clear()

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Snapshot())
	_, ok := r.Latest()
	assert.False(t, ok)

	r.Push("d")
	assert.Equal(t, []string{"d"}, r.Snapshot())
	assert.Equal(t, uint64(4), r.Stats().Writes, "clear keeps lifetime counters")
}

func TestRing_SnapshotIsCopy(t *testing.T) {
	r := NewRing[int](4)
	r.Push(1)
	r.Push(2)

	snap := r.Snapshot()
	snap[0] = 99

	assert.Equal(t, []int{1, 2}, r.Snapshot())
}

func TestRing_ConcurrentReaders(t *testing.T) {
	r := NewRing[int](64)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.Push(i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := r.Snapshot()
			for j := 1; j < len(snap); j++ {
				if snap[j] != snap[j-1]+1 {
					t.Errorf("snapshot not contiguous: %v", snap)
					return
				}
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, 64, r.Len())
}
