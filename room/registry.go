// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package room

import (
	"context"
	"fmt"
	"time"

	"github.com/Arceliar/phony"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/collabpod/internal/caching"
	"github.com/element-hq/collabpod/setup/config"
	"github.com/element-hq/collabpod/storage"
	"github.com/element-hq/collabpod/types"
)

// Registry maps room IDs to resident rooms. Creation and destruction are
// serialized through the registry's actor inbox so exactly one room
// instance exists per ID. Rooms are their own cache entries: the
// size-bounded eviction policy lives here, not in a separate structure.
type Registry struct {
	phony.Inbox
	cfg       *config.CollabPod
	db        storage.Database
	bridge    StreamBridge
	snapshots caching.SnapshotCache

	baseCtx  context.Context
	rooms    map[types.RoomID]*Room
	timers   map[types.RoomID]*time.Timer
	draining bool
}

func NewRegistry(ctx context.Context, cfg *config.CollabPod, db storage.Database, bridge StreamBridge, snapshots caching.SnapshotCache) *Registry {
	return &Registry{
		cfg:       cfg,
		db:        db,
		bridge:    bridge,
		snapshots: snapshots,
		baseCtx:   ctx,
		rooms:     make(map[types.RoomID]*Room),
		timers:    make(map[types.RoomID]*time.Timer),
	}
}

// Attach finds or creates the room and adds the session to it. The
// returned room has finished cold replay and delivered the session's
// initial sync.
func (g *Registry) Attach(ctx context.Context, roomID types.RoomID, sub Subscriber) (*Room, error) {
	if err := roomID.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrProtocolViolation, err)
	}

	var rm *Room
	var err error
	phony.Block(g, func() {
		rm, err = g.getOrCreate(roomID)
	})
	if err != nil {
		return nil, err
	}

	if err = rm.Attach(ctx, sub); err != nil {
		// A room that failed activation (replay error) must not stay
		// resident, or every future attach inherits the corpse.
		select {
		case <-rm.ready:
			if rm.readyErr != nil {
				g.remove(rm)
			}
		default:
		}
		return nil, err
	}
	return rm, nil
}

// Detach removes the session and schedules destruction if the room went
// empty. Destruction is cancelled by any attach inside the idle grace.
func (g *Registry) Detach(ctx context.Context, rm *Room, sub Subscriber) {
	remaining, err := rm.Detach(ctx, sub)
	if err != nil {
		log.WithError(err).WithField("room_id", rm.ID()).Warn("Session detach did not complete cleanly")
		return
	}
	if remaining == 0 {
		g.scheduleDestroy(rm)
	}
}

// Get returns the resident room, if any.
func (g *Registry) Get(roomID types.RoomID) (*Room, bool) {
	var rm *Room
	var ok bool
	phony.Block(g, func() {
		rm, ok = g.rooms[roomID]
	})
	return rm, ok
}

// Len returns the number of resident rooms.
func (g *Registry) Len() int {
	var n int
	phony.Block(g, func() {
		n = len(g.rooms)
	})
	return n
}

// ActiveSessions counts live sessions across all resident rooms.
func (g *Registry) ActiveSessions() int64 {
	var n int64
	phony.Block(g, func() {
		for _, rm := range g.rooms {
			n += rm.SessionCount()
		}
	})
	return n
}

// DrainAll refuses new attaches and tells every session in every room to
// drain. Sessions then flush and close themselves within the drain
// timeout.
func (g *Registry) DrainAll(ctx context.Context) {
	var all []*Room
	phony.Block(g, func() {
		g.draining = true
		for _, rm := range g.rooms {
			all = append(all, rm)
		}
	})
	for _, rm := range all {
		if err := rm.Drain(ctx); err != nil {
			log.WithError(err).WithField("room_id", rm.ID()).Warn("Failed to signal drain")
		}
	}
}

// Close stops every resident room. Call after DrainAll once sessions have
// flushed.
func (g *Registry) Close() {
	var all []*Room
	phony.Block(g, func() {
		g.draining = true
		for id, rm := range g.rooms {
			all = append(all, rm)
			if t := g.timers[id]; t != nil {
				t.Stop()
			}
			delete(g.timers, id)
			delete(g.rooms, id)
		}
		activeRooms.Set(0)
	})
	for _, rm := range all {
		rm.Stop()
	}
}

// getOrCreate runs on the registry actor.
func (g *Registry) getOrCreate(roomID types.RoomID) (*Room, error) {
	if g.draining {
		return nil, types.ErrShutdown
	}
	if t := g.timers[roomID]; t != nil {
		t.Stop()
		delete(g.timers, roomID)
	}
	if rm, ok := g.rooms[roomID]; ok {
		return rm, nil
	}
	if len(g.rooms) >= g.cfg.MaxRooms && !g.evictIdleRoom() {
		return nil, types.ErrTooManyRooms
	}

	rm := NewRoom(roomID, g.cfg, g.db, g.bridge, g.snapshots)
	rm.SetFatalHook(g.onRoomFatal)
	rm.Start(g.baseCtx)
	g.rooms[roomID] = rm
	activeRooms.Set(float64(len(g.rooms)))
	log.WithField("room_id", roomID).Debug("Room created")
	return rm, nil
}

// evictIdleRoom reclaims one empty room awaiting idle destruction. Runs on
// the registry actor; reports whether a slot was freed.
func (g *Registry) evictIdleRoom() bool {
	for id, rm := range g.rooms {
		if rm.SessionCount() != 0 {
			continue
		}
		if t := g.timers[id]; t != nil {
			t.Stop()
			delete(g.timers, id)
		}
		g.destroyNow(rm)
		return true
	}
	return false
}

func (g *Registry) scheduleDestroy(rm *Room) {
	g.Act(nil, func() {
		id := rm.ID()
		if g.rooms[id] != rm {
			return
		}
		if t := g.timers[id]; t != nil {
			t.Stop()
		}
		g.timers[id] = time.AfterFunc(g.cfg.IdleRoomGrace, func() {
			g.Act(nil, func() {
				if g.rooms[id] != rm || rm.SessionCount() != 0 {
					return
				}
				delete(g.timers, id)
				g.destroyNow(rm)
			})
		})
	})
}

// destroyNow runs on the registry actor. The coordinator stops in the
// background so a slow in-flight append cannot stall the registry.
func (g *Registry) destroyNow(rm *Room) {
	id := rm.ID()
	delete(g.rooms, id)
	activeRooms.Set(float64(len(g.rooms)))
	if g.bridge != nil {
		g.bridge.RoomDestroyed(id)
	}
	go rm.Stop()
	log.WithField("room_id", id).Debug("Room destroyed")
}

func (g *Registry) remove(rm *Room) {
	phony.Block(g, func() {
		if g.rooms[rm.ID()] == rm {
			g.destroyNow(rm)
		}
	})
}

// onRoomFatal handles an internal bug caught at the coordinator boundary:
// the room is drained, closed, and left to be cold-reopened by the next
// attach.
func (g *Registry) onRoomFatal(rm *Room) {
	log.WithField("room_id", rm.ID()).Error("Closing room after coordinator panic")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = rm.Drain(ctx)
	g.remove(rm)
}
