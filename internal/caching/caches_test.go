package caching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCache(t *testing.T) {
	cache, err := NewRistrettoSnapshotCache(1024*1024, DisableMetrics)
	require.NoError(t, err)

	_, _, ok := cache.GetSnapshot("room1")
	assert.False(t, ok)

	cache.StoreSnapshot("room1", 3, []byte("snapshot-at-3"))
	snap, seq, ok := cache.GetSnapshot("room1")
	require.True(t, ok)
	assert.Equal(t, int64(3), seq)
	assert.Equal(t, []byte("snapshot-at-3"), snap)

	// A newer snapshot replaces the old one.
	cache.StoreSnapshot("room1", 5, []byte("snapshot-at-5"))
	snap, seq, ok = cache.GetSnapshot("room1")
	require.True(t, ok)
	assert.Equal(t, int64(5), seq)
	assert.Equal(t, []byte("snapshot-at-5"), snap)

	cache.InvalidateSnapshot("room1")
	_, _, ok = cache.GetSnapshot("room1")
	assert.False(t, ok)
}
