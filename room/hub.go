// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package room

import (
	"github.com/element-hq/collabpod/protocol"
	"github.com/element-hq/collabpod/types"
)

// Subscriber is a session as seen from inside a room: somewhere frames can
// be queued without blocking the coordinator. Queue returns false when the
// frame was not accepted (session closing); the hub keeps going, the
// session cleans itself up on detach.
type Subscriber interface {
	SessionID() string
	UserID() types.UserID
	Queue(frame protocol.Frame) bool
}

// Hub is the in-process broadcast point for a room's sessions. All calls
// happen on the room coordinator, which is what gives publishes their
// FIFO-per-publisher ordering; the hub itself is just the fan-out.
type Hub struct {
	subs map[Subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[Subscriber]struct{})}
}

func (h *Hub) Add(sub Subscriber) {
	h.subs[sub] = struct{}{}
}

func (h *Hub) Remove(sub Subscriber) bool {
	if _, ok := h.subs[sub]; !ok {
		return false
	}
	delete(h.subs, sub)
	return true
}

func (h *Hub) Len() int {
	return len(h.subs)
}

// Publish enqueues the frame on every subscriber except origin, returning
// the number of sessions that accepted it. A nil origin (peer traffic)
// reaches everyone.
func (h *Hub) Publish(origin Subscriber, frame protocol.Frame) int {
	delivered := 0
	for sub := range h.subs {
		if sub == origin {
			continue
		}
		if sub.Queue(frame) {
			delivered++
		}
	}
	return delivered
}

// Each visits every subscriber.
func (h *Hub) Each(fn func(Subscriber)) {
	for sub := range h.subs {
		fn(sub)
	}
}
