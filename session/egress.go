// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package session

import (
	"sync"
	"time"

	"github.com/element-hq/collabpod/protocol"
	"github.com/element-hq/collabpod/types"
)

type egressItem struct {
	frame protocol.Frame
	// user is set for presence diff frames and keys coalescing.
	user types.UserID
	size int
}

// egressQueue is the per-session outbound buffer, bounded by both frame
// count and total payload bytes. Within bounds every frame is delivered
// as-is; only once a bound is hit do presence frames coalesce per user
// (latest wins) and the oldest presence frames go first. A storage frame
// that still cannot fit marks the consumer slow.
type egressQueue struct {
	mu        sync.Mutex
	items     []egressItem
	bytes     int
	maxBytes  int
	maxFrames int

	fullSince   time.Time
	slowTimeout time.Duration

	wake   chan struct{}
	closed bool
}

func newEgressQueue(maxBytes, maxFrames int, slowTimeout time.Duration) *egressQueue {
	return &egressQueue{
		maxBytes:    maxBytes,
		maxFrames:   maxFrames,
		slowTimeout: slowTimeout,
		wake:        make(chan struct{}, 1),
	}
}

// push enqueues a frame. accepted reports whether the frame is queued
// (or coalesced into an existing one); slow reports that the queue has
// been saturated with undroppable frames past the slow-consumer timeout.
func (q *egressQueue) push(f protocol.Frame) (accepted, slow bool) {
	item := egressItem{frame: f, size: 1 + len(f.Payload)}
	if f.Type == protocol.FramePresenceDiff {
		if diff, err := protocol.DecodePresenceDiff(f.Payload); err == nil {
			item.user = diff.UserID
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, false
	}

	if !q.overLimitLocked(item.size) {
		// Room to spare: queue verbatim. Partial diffs for the same user
		// stay distinct so no field update is lost while the client keeps up.
		q.fullSince = time.Time{}
		q.items = append(q.items, item)
		q.bytes += item.size
		q.wakeLocked()
		return true, false
	}

	// A bound is hit: presence frames now coalesce per user, latest wins.
	// The newest queued diff for the user is replaced in place, so client
	// state still converges on the final value even though intermediates
	// are shed.
	if item.user != "" {
		for i := len(q.items) - 1; i >= 0; i-- {
			if q.items[i].user == item.user {
				q.bytes += item.size - q.items[i].size
				q.items[i] = item
				egressDrops.WithLabelValues("presence_coalesce").Inc()
				q.wakeLocked()
				return true, false
			}
		}
	}

	for q.overLimitLocked(item.size) {
		if !q.dropOldestPresenceLocked() {
			break
		}
	}

	if q.overLimitLocked(item.size) {
		// Only storage and sync frames remain queued. Dropping the new
		// frame is the only option; if this keeps happening the client is
		// too slow to keep and has to go.
		if q.fullSince.IsZero() {
			q.fullSince = time.Now()
		}
		if item.user != "" {
			egressDrops.WithLabelValues("presence_overflow").Inc()
			return false, false
		}
		egressDrops.WithLabelValues("storage_overflow").Inc()
		return false, time.Since(q.fullSince) > q.slowTimeout
	}

	q.fullSince = time.Time{}
	q.items = append(q.items, item)
	q.bytes += item.size
	q.wakeLocked()
	return true, false
}

func (q *egressQueue) overLimitLocked(incoming int) bool {
	return len(q.items)+1 > q.maxFrames || q.bytes+incoming > q.maxBytes
}

func (q *egressQueue) dropOldestPresenceLocked() bool {
	for i := range q.items {
		if q.items[i].user != "" {
			q.bytes -= q.items[i].size
			q.items = append(q.items[:i], q.items[i+1:]...)
			egressDrops.WithLabelValues("presence_overflow").Inc()
			return true
		}
	}
	return false
}

func (q *egressQueue) wakeLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop removes the head frame, blocking until one is available, the queue
// closes, or done fires.
func (q *egressQueue) pop(done <-chan struct{}) (protocol.Frame, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.bytes -= item.size
			q.mu.Unlock()
			return item.frame, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return protocol.Frame{}, false
		}
		select {
		case <-q.wake:
		case <-done:
			return protocol.Frame{}, false
		}
	}
}

func (q *egressQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close rejects further pushes and unblocks pop.
func (q *egressQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.wakeLocked()
	q.mu.Unlock()
}
