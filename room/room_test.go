// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package room

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/collabpod/protocol"
	"github.com/element-hq/collabpod/setup/config"
	"github.com/element-hq/collabpod/storage"
	"github.com/element-hq/collabpod/types"
)

type testSub struct {
	id   string
	user types.UserID

	mu     sync.Mutex
	frames []protocol.Frame
}

func newTestSub(id string, user types.UserID) *testSub {
	return &testSub{id: id, user: user}
}

func (s *testSub) SessionID() string    { return s.id }
func (s *testSub) UserID() types.UserID { return s.user }
func (s *testSub) Queue(f protocol.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := make([]byte, len(f.Payload))
	copy(payload, f.Payload)
	s.frames = append(s.frames, protocol.Frame{Type: f.Type, Payload: payload})
	return true
}

func (s *testSub) snapshotFrames() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// waitFrames polls until the subscriber has seen at least n frames.
func (s *testSub) waitFrames(t *testing.T, n int) []protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if frames := s.snapshotFrames(); len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, have %d", n, len(s.snapshotFrames()))
	return nil
}

type recordingBridge struct {
	mu        sync.Mutex
	presence  []protocol.PresenceDiff
	storage   []int64
	activated int
	destroyed []types.RoomID
	degraded  bool
}

func (b *recordingBridge) AppendPresence(_ types.RoomID, diff protocol.PresenceDiff) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.presence = append(b.presence, diff)
}

func (b *recordingBridge) AppendStorage(_ types.RoomID, seq int64, _ []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.storage = append(b.storage, seq)
}

func (b *recordingBridge) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

func (b *recordingBridge) RoomActivated(_ *Room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activated++
}

func (b *recordingBridge) RoomDestroyed(id types.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed = append(b.destroyed, id)
}

func (b *recordingBridge) storageSeqs() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, len(b.storage))
	copy(out, b.storage)
	return out
}

func testConfig(t *testing.T) *config.CollabPod {
	t.Helper()
	cfg := &config.CollabPod{}
	cfg.Defaults()
	cfg.PodID = "pod-test"
	cfg.EdgeTokenSecret = "test-secret"
	cfg.OpStoreURL = "file:" + filepath.Join(t.TempDir(), "ops.db")
	return cfg
}

func openTestDB(t *testing.T, cfg *config.CollabPod) storage.Database {
	t.Helper()
	db, err := storage.Open(context.Background(), cfg.OpStoreURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func startTestRoom(t *testing.T, cfg *config.CollabPod, db storage.Database, bridge StreamBridge) *Room {
	t.Helper()
	rm := NewRoom("!room:test", cfg, db, bridge, nil)
	rm.Start(context.Background())
	t.Cleanup(rm.Stop)
	require.NoError(t, rm.Ready(context.Background()))
	return rm
}

func TestAttachDeliversInitialSyncFirst(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	rm := startTestRoom(t, cfg, db, &recordingBridge{})

	u1 := newTestSub("s1", "u1")
	require.NoError(t, rm.Attach(ctx, u1))

	_, err := rm.ApplyLocalStorage(ctx, u1, []byte("op-a"))
	require.NoError(t, err)

	u2 := newTestSub("s2", "u2")
	require.NoError(t, rm.Attach(ctx, u2))

	frames := u2.waitFrames(t, 2)
	require.Equal(t, protocol.FramePresenceSync, frames[0].Type, "presence snapshot must come first")
	require.Equal(t, protocol.FrameStorageSync, frames[1].Type, "storage snapshot must come second")

	// The presence snapshot includes both users: joining counts as a diff.
	sync, err := protocol.DecodePresenceSync(frames[0].Payload)
	require.NoError(t, err)
	users := make([]types.UserID, 0, len(sync.Entries))
	for _, e := range sync.Entries {
		users = append(users, e.UserID)
	}
	assert.ElementsMatch(t, []types.UserID{"u1", "u2"}, users)

	// The storage snapshot covers the op appended before the attach.
	k := newOpSetKernel()
	require.NoError(t, k.Apply([]byte("op-a")))
	assert.Equal(t, k.Snapshot(), frames[1].Payload)
}

func TestLocalStorageDurableThenBroadcast(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	bridge := &recordingBridge{}
	rm := startTestRoom(t, cfg, db, bridge)

	u1 := newTestSub("s1", "u1")
	u2 := newTestSub("s2", "u2")
	require.NoError(t, rm.Attach(ctx, u1))
	require.NoError(t, rm.Attach(ctx, u2))
	base := len(u2.waitFrames(t, 2)) // u2 only sees its own initial sync

	seq, err := rm.ApplyLocalStorage(ctx, u1, []byte("op-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	// The update is durable before the call returned.
	max, err := db.MaxSeq(ctx, rm.ID())
	require.NoError(t, err)
	assert.Equal(t, seq, max)

	frames := u2.waitFrames(t, base+1)
	last := frames[len(frames)-1]
	assert.Equal(t, protocol.FrameStorageUpdate, last.Type)
	assert.Equal(t, []byte("op-1"), last.Payload)

	// And it was offered to the peer stream under the durable seq.
	assert.Eventually(t, func() bool {
		seqs := bridge.storageSeqs()
		return len(seqs) == 1 && seqs[0] == seq
	}, time.Second, 5*time.Millisecond)
}

// failingDB refuses appends while healthy for everything else.
type failingDB struct {
	storage.Database
}

func (f *failingDB) AppendOp(context.Context, types.RoomID, string, []byte) (int64, error) {
	return 0, assert.AnError
}

func TestStorageDegradesToReadOnlyOnAppendFailure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	rm := startTestRoom(t, cfg, &failingDB{Database: db}, &recordingBridge{})

	u1 := newTestSub("s1", "u1")
	u2 := newTestSub("s2", "u2")
	require.NoError(t, rm.Attach(ctx, u1))
	require.NoError(t, rm.Attach(ctx, u2))
	before := len(u2.waitFrames(t, 2))

	_, err := rm.ApplyLocalStorage(ctx, u1, []byte("op-1"))
	assert.ErrorIs(t, err, types.ErrTemporarilyReadOnly)

	// Within the backoff window further writes are refused outright.
	_, err = rm.ApplyLocalStorage(ctx, u1, []byte("op-2"))
	assert.ErrorIs(t, err, types.ErrTemporarilyReadOnly)

	// Nothing reached the document or the other session.
	_, snapshot, seq, err := rm.FullState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
	assert.Equal(t, snapshotMagic, snapshot)

	// Presence keeps flowing while storage is read-only.
	require.NoError(t, rm.ApplyLocalPresence(ctx, u1, protocol.PresenceDiff{Fields: map[string]interface{}{"s": "here"}}))
	frames := u2.waitFrames(t, before+1)
	assert.Equal(t, protocol.FramePresenceDiff, frames[len(frames)-1].Type)
}

func TestLocalPresenceExcludesOrigin(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	rm := startTestRoom(t, cfg, db, &recordingBridge{})

	u1 := newTestSub("s1", "u1")
	u2 := newTestSub("s2", "u2")
	require.NoError(t, rm.Attach(ctx, u1))
	require.NoError(t, rm.Attach(ctx, u2))
	u1Before := len(u1.waitFrames(t, 3)) // sync pair + u2's join
	u2Before := len(u2.waitFrames(t, 2))

	require.NoError(t, rm.ApplyLocalPresence(ctx, u1, protocol.PresenceDiff{Fields: map[string]interface{}{"cursor": "3,4"}}))

	frames := u2.waitFrames(t, u2Before+1)
	last := frames[len(frames)-1]
	require.Equal(t, protocol.FramePresenceDiff, last.Type)
	diff, err := protocol.DecodePresenceDiff(last.Payload)
	require.NoError(t, err)
	assert.Equal(t, types.UserID("u1"), diff.UserID, "pod stamps the sender's user ID")
	assert.Equal(t, "3,4", diff.Fields["cursor"])
	assert.NotZero(t, diff.SourceTS)

	// The origin session never sees its own diff echoed.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, u1.snapshotFrames(), u1Before)
}

func TestPeerPresenceStaleUpdateDropped(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	rm := startTestRoom(t, cfg, db, &recordingBridge{})

	u1 := newTestSub("s1", "u1")
	require.NoError(t, rm.Attach(ctx, u1))
	base := len(u1.waitFrames(t, 2))

	require.NoError(t, rm.ApplyPeerPresence(ctx, protocol.PresenceDiff{
		UserID: "remote", Fields: map[string]interface{}{"v": int64(2)}, SourceTS: 900,
	}))
	u1.waitFrames(t, base+1)

	// Older stamp for the same user never reaches sessions.
	require.NoError(t, rm.ApplyPeerPresence(ctx, protocol.PresenceDiff{
		UserID: "remote", Fields: map[string]interface{}{"v": int64(1)}, SourceTS: 800,
	}))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, u1.snapshotFrames(), base+1)

	presence, _, _, err := rm.FullState(ctx)
	require.NoError(t, err)
	for _, e := range presence {
		if e.UserID == "remote" {
			assert.Equal(t, int64(900), e.LastActive)
		}
	}
}

func TestPeerStorageAppliesWithoutReAppending(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	bridge := &recordingBridge{}
	rm := startTestRoom(t, cfg, db, bridge)

	u1 := newTestSub("s1", "u1")
	require.NoError(t, rm.Attach(ctx, u1))
	base := len(u1.waitFrames(t, 2))

	require.NoError(t, rm.ApplyPeerStorage(ctx, 7, []byte("peer-op")))

	frames := u1.waitFrames(t, base+1)
	assert.Equal(t, protocol.FrameStorageUpdate, frames[len(frames)-1].Type)

	_, _, seq, err := rm.FullState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)

	// The origin pod already put the entry on the stream; we must not.
	assert.Empty(t, bridge.storageSeqs())
	// Nor is a peer op written to the local op store.
	max, err := db.MaxSeq(ctx, rm.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(0), max)
}

func TestColdActivationReplaysHistory(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	db := openTestDB(t, cfg)

	rm1 := NewRoom("!room:test", cfg, db, &recordingBridge{}, nil)
	rm1.Start(ctx)
	require.NoError(t, rm1.Ready(ctx))
	u1 := newTestSub("s1", "u1")
	require.NoError(t, rm1.Attach(ctx, u1))
	_, err := rm1.ApplyLocalStorage(ctx, u1, []byte("op-a"))
	require.NoError(t, err)
	_, err = rm1.ApplyLocalStorage(ctx, u1, []byte("op-b"))
	require.NoError(t, err)
	rm1.Stop()

	// A fresh instance for the same room rebuilds the document from the
	// store before accepting its first session.
	rm2 := startTestRoom(t, cfg, db, &recordingBridge{})
	u2 := newTestSub("s2", "u2")
	require.NoError(t, rm2.Attach(ctx, u2))

	frames := u2.waitFrames(t, 2)
	k := newOpSetKernel()
	require.NoError(t, k.Apply([]byte("op-a")))
	require.NoError(t, k.Apply([]byte("op-b")))
	assert.Equal(t, k.Snapshot(), frames[1].Payload)

	_, _, seq, err := rm2.FullState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestAttachRefusedAtSessionCapacity(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.MaxSessionsPerRoom = 2
	db := openTestDB(t, cfg)
	rm := startTestRoom(t, cfg, db, &recordingBridge{})

	require.NoError(t, rm.Attach(ctx, newTestSub("s1", "u1")))
	require.NoError(t, rm.Attach(ctx, newTestSub("s2", "u2")))
	assert.ErrorIs(t, rm.Attach(ctx, newTestSub("s3", "u3")), types.ErrRoomCapacity)
}

func TestPresenceSurvivesDetachUntilTTL(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.PresenceTTL = 500 * time.Millisecond
	db := openTestDB(t, cfg)
	rm := startTestRoom(t, cfg, db, &recordingBridge{})

	u1 := newTestSub("s1", "u1")
	u2 := newTestSub("s2", "u2")
	require.NoError(t, rm.Attach(ctx, u1))
	require.NoError(t, rm.Attach(ctx, u2))
	base := len(u2.waitFrames(t, 2))

	_, err := rm.Detach(ctx, u1)
	require.NoError(t, err)

	// Immediately after detach the entry is still there.
	presence, _, _, err := rm.FullState(ctx)
	require.NoError(t, err)
	users := make([]types.UserID, 0, len(presence))
	for _, e := range presence {
		users = append(users, e.UserID)
	}
	assert.Contains(t, users, types.UserID("u1"))

	// The sweep tombstones it once the TTL passes and u2 hears about it.
	frames := u2.waitFrames(t, base+1)
	last := frames[len(frames)-1]
	require.Equal(t, protocol.FramePresenceDiff, last.Type)
	diff, err := protocol.DecodePresenceDiff(last.Payload)
	require.NoError(t, err)
	assert.True(t, diff.Remove)
	assert.Equal(t, types.UserID("u1"), diff.UserID)
}

func TestExplicitPresenceRemoveTombstonesOnce(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	bridge := &recordingBridge{}
	rm := startTestRoom(t, cfg, db, bridge)

	u1 := newTestSub("s1", "u1")
	u2 := newTestSub("s2", "u2")
	require.NoError(t, rm.Attach(ctx, u1))
	require.NoError(t, rm.Attach(ctx, u2))
	base := len(u2.waitFrames(t, 2))

	require.NoError(t, rm.ApplyLocalPresence(ctx, u1, protocol.PresenceDiff{Remove: true}))
	frames := u2.waitFrames(t, base+1)
	diff, err := protocol.DecodePresenceDiff(frames[len(frames)-1].Payload)
	require.NoError(t, err)
	assert.True(t, diff.Remove)

	// Removing again is a no-op: no second tombstone.
	require.NoError(t, rm.ApplyLocalPresence(ctx, u1, protocol.PresenceDiff{Remove: true}))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, u2.snapshotFrames(), base+1)
}

func TestDrainReachesEverySession(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	rm := startTestRoom(t, cfg, db, &recordingBridge{})

	subs := []*testSub{newTestSub("s1", "u1"), newTestSub("s2", "u2"), newTestSub("s3", "u3")}
	for _, s := range subs {
		require.NoError(t, rm.Attach(ctx, s))
	}
	require.NoError(t, rm.Drain(ctx))

	for _, s := range subs {
		assert.Eventually(t, func() bool {
			for _, f := range s.snapshotFrames() {
				if f.Type == protocol.FrameControl && len(f.Payload) > 0 && f.Payload[0] == protocol.ControlDrain {
					return true
				}
			}
			return false
		}, time.Second, 5*time.Millisecond)
	}
}

func TestStoppedRoomRefusesWork(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	rm := NewRoom("!room:test", cfg, db, &recordingBridge{}, nil)
	rm.Start(ctx)
	require.NoError(t, rm.Ready(ctx))
	rm.Stop()

	_, err := rm.ApplyLocalStorage(ctx, newTestSub("s1", "u1"), []byte("op"))
	assert.ErrorIs(t, err, types.ErrRoomClosed)
	assert.ErrorIs(t, rm.Attach(ctx, newTestSub("s2", "u2")), types.ErrRoomClosed)
}
