// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package room

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/collabpod/setup/config"
	"github.com/element-hq/collabpod/types"
)

func newTestRegistry(t *testing.T, mutate func(cfg *testRegistryConfig)) *Registry {
	t.Helper()
	rc := &testRegistryConfig{cfg: testConfig(t), bridge: &recordingBridge{}}
	if mutate != nil {
		mutate(rc)
	}
	db := openTestDB(t, rc.cfg)
	g := NewRegistry(context.Background(), rc.cfg, db, rc.bridge, nil)
	t.Cleanup(g.Close)
	return g
}

type testRegistryConfig struct {
	cfg    *config.CollabPod
	bridge *recordingBridge
}

func TestRegistrySharesRoomInstance(t *testing.T) {
	ctx := context.Background()
	g := newTestRegistry(t, nil)

	rm1, err := g.Attach(ctx, "!a:test", newTestSub("s1", "u1"))
	require.NoError(t, err)
	rm2, err := g.Attach(ctx, "!a:test", newTestSub("s2", "u2"))
	require.NoError(t, err)
	assert.Same(t, rm1, rm2)
	assert.Equal(t, 1, g.Len())

	rm3, err := g.Attach(ctx, "!b:test", newTestSub("s3", "u3"))
	require.NoError(t, err)
	assert.NotSame(t, rm1, rm3)
	assert.Equal(t, 2, g.Len())
}

func TestRegistryRejectsInvalidRoomID(t *testing.T) {
	g := newTestRegistry(t, nil)
	_, err := g.Attach(context.Background(), types.RoomID(string(make([]byte, 300))), newTestSub("s1", "u1"))
	assert.ErrorIs(t, err, types.ErrProtocolViolation)
}

func TestRegistryDestroysIdleRoomAfterGrace(t *testing.T) {
	ctx := context.Background()
	g := newTestRegistry(t, func(rc *testRegistryConfig) {
		rc.cfg.IdleRoomGrace = 50 * time.Millisecond
	})

	sub := newTestSub("s1", "u1")
	rm, err := g.Attach(ctx, "!a:test", sub)
	require.NoError(t, err)

	g.Detach(ctx, rm, sub)
	assert.Eventually(t, func() bool { return g.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRegistryReattachCancelsDestruction(t *testing.T) {
	ctx := context.Background()
	g := newTestRegistry(t, func(rc *testRegistryConfig) {
		rc.cfg.IdleRoomGrace = 200 * time.Millisecond
	})

	sub := newTestSub("s1", "u1")
	rm, err := g.Attach(ctx, "!a:test", sub)
	require.NoError(t, err)
	g.Detach(ctx, rm, sub)

	// Re-attaching inside the grace keeps the same warm instance alive.
	rm2, err := g.Attach(ctx, "!a:test", newTestSub("s2", "u2"))
	require.NoError(t, err)
	assert.Same(t, rm, rm2)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, g.Len())
}

func TestRegistryEvictsIdleRoomAtCapacity(t *testing.T) {
	ctx := context.Background()
	g := newTestRegistry(t, func(rc *testRegistryConfig) {
		rc.cfg.MaxRooms = 2
		rc.cfg.IdleRoomGrace = time.Hour
	})

	sub1 := newTestSub("s1", "u1")
	rm1, err := g.Attach(ctx, "!a:test", sub1)
	require.NoError(t, err)
	_, err = g.Attach(ctx, "!b:test", newTestSub("s2", "u2"))
	require.NoError(t, err)

	// Room a goes idle; a third room can then claim its slot even though
	// the grace has not expired.
	g.Detach(ctx, rm1, sub1)
	_, err = g.Attach(ctx, "!c:test", newTestSub("s3", "u3"))
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
	_, stillThere := g.Get("!a:test")
	assert.False(t, stillThere)
}

func TestRegistryRefusesBeyondCapacityWhenAllBusy(t *testing.T) {
	ctx := context.Background()
	g := newTestRegistry(t, func(rc *testRegistryConfig) {
		rc.cfg.MaxRooms = 2
	})

	for i := 0; i < 2; i++ {
		roomID := types.RoomID(fmt.Sprintf("!r%d:test", i))
		_, err := g.Attach(ctx, roomID, newTestSub(fmt.Sprintf("s%d", i), types.UserID(fmt.Sprintf("u%d", i))))
		require.NoError(t, err)
	}

	_, err := g.Attach(ctx, "!overflow:test", newTestSub("sx", "ux"))
	assert.ErrorIs(t, err, types.ErrTooManyRooms)
}

func TestRegistryRefusesAttachWhileDraining(t *testing.T) {
	ctx := context.Background()
	g := newTestRegistry(t, nil)

	_, err := g.Attach(ctx, "!a:test", newTestSub("s1", "u1"))
	require.NoError(t, err)

	g.DrainAll(ctx)
	_, err = g.Attach(ctx, "!b:test", newTestSub("s2", "u2"))
	assert.ErrorIs(t, err, types.ErrShutdown)
}

func TestRegistryDrainAllSignalsSessions(t *testing.T) {
	ctx := context.Background()
	g := newTestRegistry(t, nil)

	sub := newTestSub("s1", "u1")
	_, err := g.Attach(ctx, "!a:test", sub)
	require.NoError(t, err)

	g.DrainAll(ctx)
	assert.Eventually(t, func() bool {
		for _, f := range sub.snapshotFrames() {
			if len(f.Payload) > 0 && f.Payload[0] == 0x03 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestRegistryNotifiesBridgeOnDestroy(t *testing.T) {
	ctx := context.Background()
	var bridge *recordingBridge
	g := newTestRegistry(t, func(rc *testRegistryConfig) {
		rc.cfg.IdleRoomGrace = 50 * time.Millisecond
		bridge = rc.bridge
	})

	sub := newTestSub("s1", "u1")
	rm, err := g.Attach(ctx, "!a:test", sub)
	require.NoError(t, err)
	g.Detach(ctx, rm, sub)

	assert.Eventually(t, func() bool {
		bridge.mu.Lock()
		defer bridge.mu.Unlock()
		return len(bridge.destroyed) == 1 && bridge.destroyed[0] == types.RoomID("!a:test")
	}, time.Second, 10*time.Millisecond)
}
