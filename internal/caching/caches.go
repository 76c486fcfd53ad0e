package caching

import (
	"github.com/dgraph-io/ristretto"

	"github.com/element-hq/collabpod/types"
)

// SnapshotCache caches the most recent CRDT snapshot per room, keyed to the
// op sequence it was taken at. Composing an initial sync is the hot path
// when many sessions attach to the same room at once; the cache lets the
// coordinator skip re-extracting an unchanged snapshot.
type SnapshotCache interface {
	GetSnapshot(roomID types.RoomID) (snapshot []byte, seq int64, ok bool)
	StoreSnapshot(roomID types.RoomID, seq int64, snapshot []byte)
	InvalidateSnapshot(roomID types.RoomID)
}

const (
	// DisableMetrics disables ristretto metrics collection.
	DisableMetrics = false
	// EnableMetrics enables ristretto metrics collection.
	EnableMetrics = true
)

type cachedSnapshot struct {
	seq   int64
	bytes []byte
}

type ristrettoSnapshots struct {
	cache *ristretto.Cache
}

// NewRistrettoSnapshotCache creates a snapshot cache bounded by total
// snapshot bytes.
func NewRistrettoSnapshotCache(maxCostBytes int64, enableMetrics bool) (SnapshotCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
		Metrics:     enableMetrics,
	})
	if err != nil {
		return nil, err
	}
	return &ristrettoSnapshots{cache: cache}, nil
}

func (c *ristrettoSnapshots) GetSnapshot(roomID types.RoomID) ([]byte, int64, bool) {
	v, ok := c.cache.Get(string(roomID))
	if !ok {
		return nil, 0, false
	}
	snap, ok := v.(*cachedSnapshot)
	if !ok {
		return nil, 0, false
	}
	return snap.bytes, snap.seq, true
}

func (c *ristrettoSnapshots) StoreSnapshot(roomID types.RoomID, seq int64, snapshot []byte) {
	c.cache.Set(string(roomID), &cachedSnapshot{seq: seq, bytes: snapshot}, int64(len(snapshot)))
	// Ristretto admits asynchronously; waiting here keeps the common
	// attach-after-store path warm without racing the admission buffer.
	c.cache.Wait()
}

func (c *ristrettoSnapshots) InvalidateSnapshot(roomID types.RoomID) {
	c.cache.Del(string(roomID))
}
