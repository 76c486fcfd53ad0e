// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/collabpod/protocol"
	"github.com/element-hq/collabpod/types"
)

func presenceFrame(t *testing.T, user types.UserID, x float64) protocol.Frame {
	t.Helper()
	return presenceFieldsFrame(t, user, map[string]interface{}{"x": x})
}

func presenceFieldsFrame(t *testing.T, user types.UserID, fields map[string]interface{}) protocol.Frame {
	t.Helper()
	frame, err := protocol.EncodePresenceDiff(protocol.PresenceDiff{
		UserID: user,
		Fields: fields,
	})
	require.NoError(t, err)
	return frame
}

func storageFrame(payload string) protocol.Frame {
	return protocol.Frame{Type: protocol.FrameStorageUpdate, Payload: []byte(payload)}
}

func TestEgressKeepsDistinctDiffsWithinBounds(t *testing.T) {
	q := newEgressQueue(64*1024, 256, time.Second)

	q.push(presenceFieldsFrame(t, "u1", map[string]interface{}{"a": 1.0}))
	q.push(presenceFieldsFrame(t, "u1", map[string]interface{}{"b": 2.0}))
	require.Equal(t, 2, q.len(), "an unpressured queue delivers every diff verbatim")

	frame, ok := q.pop(nil)
	require.True(t, ok)
	diff, err := protocol.DecodePresenceDiff(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, 1.0, diff.Fields["a"])

	frame, ok = q.pop(nil)
	require.True(t, ok)
	diff, err = protocol.DecodePresenceDiff(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, 2.0, diff.Fields["b"], "second partial diff survives intact")
}

func TestEgressCoalescesPresenceUnderPressure(t *testing.T) {
	q := newEgressQueue(64*1024, 2, time.Second)

	q.push(presenceFrame(t, "u1", 1))
	q.push(storageFrame("op-1"))
	require.Equal(t, 2, q.len())

	// The frame bound is hit, so the new diff replaces the queued one.
	accepted, slow := q.push(presenceFrame(t, "u1", 2))
	assert.True(t, accepted)
	assert.False(t, slow)
	assert.Equal(t, 2, q.len())

	frame, ok := q.pop(nil)
	require.True(t, ok)
	diff, err := protocol.DecodePresenceDiff(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, types.UserID("u1"), diff.UserID)
	assert.Equal(t, float64(2), diff.Fields["x"], "latest diff wins once a bound is hit")
}

func TestEgressCoalescingIsPerUser(t *testing.T) {
	q := newEgressQueue(64*1024, 2, time.Second)

	q.push(presenceFrame(t, "u1", 1))
	q.push(presenceFrame(t, "u2", 2))
	require.Equal(t, 2, q.len())

	q.push(presenceFrame(t, "u1", 3))
	assert.Equal(t, 2, q.len())

	frame, ok := q.pop(nil)
	require.True(t, ok)
	diff, err := protocol.DecodePresenceDiff(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, types.UserID("u1"), diff.UserID)
	assert.Equal(t, float64(3), diff.Fields["x"], "coalescing only touches the same user's diff")
}

func TestEgressStorageNeverCoalesces(t *testing.T) {
	q := newEgressQueue(64*1024, 256, time.Second)

	for i := 0; i < 10; i++ {
		accepted, _ := q.push(storageFrame(fmt.Sprintf("op-%d", i)))
		assert.True(t, accepted)
	}
	assert.Equal(t, 10, q.len())

	// FIFO order is preserved for storage updates.
	frame, ok := q.pop(nil)
	require.True(t, ok)
	assert.Equal(t, []byte("op-0"), frame.Payload)
}

func TestEgressDropsOldestPresenceBeforeStorage(t *testing.T) {
	q := newEgressQueue(64*1024, 3, time.Second)

	q.push(presenceFrame(t, "u1", 1))
	q.push(storageFrame("op-1"))
	q.push(storageFrame("op-2"))
	require.Equal(t, 3, q.len())

	// The queue is full; a storage frame evicts the presence frame.
	accepted, slow := q.push(storageFrame("op-3"))
	assert.True(t, accepted)
	assert.False(t, slow)
	assert.Equal(t, 3, q.len())

	frame, _ := q.pop(nil)
	assert.Equal(t, protocol.FrameStorageUpdate, frame.Type)
	assert.Equal(t, []byte("op-1"), frame.Payload)
}

func TestEgressSlowConsumerWhenOnlyStorageRemains(t *testing.T) {
	q := newEgressQueue(64*1024, 2, 10*time.Millisecond)

	q.push(storageFrame("op-1"))
	q.push(storageFrame("op-2"))

	accepted, slow := q.push(storageFrame("op-3"))
	assert.False(t, accepted)
	assert.False(t, slow, "first overflow only starts the slow-consumer clock")

	time.Sleep(20 * time.Millisecond)
	accepted, slow = q.push(storageFrame("op-4"))
	assert.False(t, accepted)
	assert.True(t, slow, "saturation past the timeout marks the consumer slow")
}

func TestEgressByteBound(t *testing.T) {
	q := newEgressQueue(64, 256, time.Second)

	accepted, _ := q.push(storageFrame(string(make([]byte, 40))))
	assert.True(t, accepted)
	accepted, _ = q.push(storageFrame(string(make([]byte, 40))))
	assert.False(t, accepted, "second frame would exceed the byte bound")
}

func TestEgressPopWaitsForPush(t *testing.T) {
	q := newEgressQueue(64*1024, 256, time.Second)

	got := make(chan protocol.Frame, 1)
	go func() {
		frame, ok := q.pop(nil)
		if ok {
			got <- frame
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.push(storageFrame("op-1"))

	select {
	case frame := <-got:
		assert.Equal(t, []byte("op-1"), frame.Payload)
	case <-time.After(time.Second):
		t.Fatal("pop never woke up")
	}
}

func TestEgressCloseUnblocksPopAndRejectsPush(t *testing.T) {
	q := newEgressQueue(64*1024, 256, time.Second)

	done := make(chan struct{})
	go func() {
		_, ok := q.pop(nil)
		assert.False(t, ok)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	q.close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pop did not observe close")
	}

	accepted, _ := q.push(storageFrame("op"))
	assert.False(t, accepted)
}
