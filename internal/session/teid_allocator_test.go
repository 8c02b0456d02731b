package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTEIDAllocator_Sequential_StartsFromBase(t *testing.T) {
	alloc := NewTEIDAllocator("sequential", 100)
	teid, err := alloc.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint32(100), teid)
}

func TestTEIDAllocator_Sequential_Increments(t *testing.T) {
	alloc := NewTEIDAllocator("sequential", 1)
	teid1, err := alloc.Allocate()
	require.NoError(t, err)
	teid2, err := alloc.Allocate()
	require.NoError(t, err)
	teid3, err := alloc.Allocate()
	require.NoError(t, err)

	assert.Equal(t, uint32(1), teid1)
	assert.Equal(t, uint32(2), teid2)
	assert.Equal(t, uint32(3), teid3)
}

func TestTEIDAllocator_Sequential_SkipsZero(t *testing.T) {
	alloc := NewTEIDAllocator("sequential", 0)
	teid, err := alloc.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), teid)
}

func TestTEIDAllocator_Sequential_NoReuseAfterRelease(t *testing.T) {
	alloc := NewTEIDAllocator("sequential", 1)
	teid1, err := alloc.Allocate()
	require.NoError(t, err)
	alloc.Release(teid1)

	teid2, err := alloc.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, teid1, teid2, "sequential allocation keeps moving forward")
	assert.Equal(t, 1, alloc.AllocatedCount())
}

func TestTEIDAllocator_Random_NeverZero(t *testing.T) {
	alloc := NewTEIDAllocator("random", 1)
	for i := 0; i < 100; i++ {
		teid, err := alloc.Allocate()
		require.NoError(t, err)
		assert.NotZero(t, teid)
	}
}

func TestTEIDAllocator_NoDuplicatesWhileLive(t *testing.T) {
	for _, strategy := range []string{"sequential", "random"} {
		alloc := NewTEIDAllocator(strategy, 1)
		seen := make(map[uint32]bool)
		for i := 0; i < 1000; i++ {
			teid, err := alloc.Allocate()
			require.NoError(t, err)
			assert.False(t, seen[teid], "duplicate TEID allocated: %d (%s)", teid, strategy)
			seen[teid] = true
		}
	}
}

func TestTEIDAllocator_UnknownStrategy(t *testing.T) {
	alloc := NewTEIDAllocator("unknown", 1)
	_, err := alloc.Allocate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown TEID strategy")
}
