// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package stream replicates room traffic across pods through JetStream.
// Each room maps to one subject; every pod serving the room publishes its
// local entries there and consumes everyone else's through a per-pod
// durable consumer, so the stream cursor survives restarts.
package stream

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/nats-io/nats.go"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/collabpod/protocol"
	"github.com/element-hq/collabpod/room"
	"github.com/element-hq/collabpod/setup/config"
	"github.com/element-hq/collabpod/setup/jetstream"
	"github.com/element-hq/collabpod/setup/process"
	"github.com/element-hq/collabpod/types"
)

const (
	publishQueueDepth = 1024
	// pendingHighWater is the reliable-queue depth past which the bridge
	// reports itself degraded, pushing rooms into read-only mode until the
	// publisher catches up.
	pendingHighWater = 4096
	// degradedWindow is how long after a delivery problem the bridge
	// reports itself degraded, which pushes rooms into read-only mode.
	degradedWindow = 5 * time.Second
)

// fullSyncPayload is the body of a sync_response entry: everything a pod
// needs to catch up on a room it has fallen behind on.
type fullSyncPayload struct {
	Snapshot []byte                   `cbor:"s"`
	Presence []protocol.PresenceState `cbor:"p"`
	Seq      int64                    `cbor:"q"`
}

type outEntry struct {
	subject string
	header  nats.Header
	data    []byte
}

type roomConsumer struct {
	room   *room.Room
	cancel context.CancelFunc

	// lastSeqByOrigin tracks storage seq continuity per origin pod.
	// Origins assign gap-free sequences, so a jump means entries were
	// evicted by stream retention before this pod consumed them.
	lastSeqByOrigin map[string]int64
	// syncRequestedAt is when the last sync_request went out, zeroed once
	// a sync_response has been applied.
	syncRequestedAt time.Time
}

// Bridge is the cross-pod replication layer. One instance serves every
// room on the pod.
type Bridge struct {
	processCtx context.Context
	cfg        *config.CollabPod
	js         nats.JetStreamContext

	publishCh   chan outEntry
	pendingKick chan struct{}
	lastFailure atomic.Int64 // unix nanos of the most recent delivery problem

	mu       sync.Mutex
	pendingQ []outEntry // reliable class: storage and sync entries, never dropped
	rooms    map[types.RoomID]*roomConsumer
	lag      map[types.RoomID]int64

	// seen holds entry IDs already applied, so redeliveries after an ack
	// loss do not double-apply.
	seen *gocache.Cache
}

// NewBridge wires the bridge and starts its publisher. Consumers start
// lazily per room via RoomActivated.
func NewBridge(proc *process.ProcessContext, cfg *config.CollabPod, js nats.JetStreamContext) *Bridge {
	b := &Bridge{
		processCtx:  proc.Context(),
		cfg:         cfg,
		js:          js,
		publishCh:   make(chan outEntry, publishQueueDepth),
		pendingKick: make(chan struct{}, 1),
		rooms:       make(map[types.RoomID]*roomConsumer),
		lag:         make(map[types.RoomID]int64),
		seen:        gocache.New(cfg.StreamMaxAge, cfg.StreamMaxAge/2),
	}
	proc.ComponentStarted()
	go b.publisher(proc)
	return b
}

// AppendPresence offers a presence diff to the peer stream.
func (b *Bridge) AppendPresence(roomID types.RoomID, diff protocol.PresenceDiff) {
	frame, err := protocol.EncodePresenceDiff(diff)
	if err != nil {
		log.WithError(err).WithField("room_id", roomID).Error("Failed to encode presence diff for replication")
		return
	}
	header := b.baseHeader(roomID, jetstream.EntryPresence)
	header.Set(jetstream.UserIDHeader, string(diff.UserID))
	b.enqueue(outEntry{subject: jetstream.RoomSubject(roomID), header: header, data: frame.Payload})
}

// AppendStorage offers a durably appended storage update to the peer
// stream under its op store sequence. The op is already committed, so the
// entry goes on the reliable queue and is never dropped.
func (b *Bridge) AppendStorage(roomID types.RoomID, seq int64, update []byte) {
	header := b.baseHeader(roomID, jetstream.EntryStorage)
	header.Set(jetstream.SeqHeader, strconv.FormatInt(seq, 10))
	b.enqueueReliable(outEntry{subject: jetstream.RoomSubject(roomID), header: header, data: update})
}

// Degraded reports whether replication has had delivery problems
// recently. Rooms refuse storage writes while the bridge is degraded.
func (b *Bridge) Degraded() bool {
	last := b.lastFailure.Load()
	return last != 0 && time.Since(time.Unix(0, last)) < degradedWindow
}

// RoomActivated starts this pod's consumer for the room and asks peers
// for a full sync, covering anything the local op store never saw.
// Called from the room coordinator, so the heavy lifting happens async.
func (b *Bridge) RoomActivated(r *room.Room) {
	roomID := r.ID()
	ctx, cancel := context.WithCancel(b.processCtx)

	b.mu.Lock()
	if prev := b.rooms[roomID]; prev != nil {
		prev.cancel()
	}
	b.rooms[roomID] = &roomConsumer{
		room:            r,
		cancel:          cancel,
		lastSeqByOrigin: make(map[string]int64),
	}
	b.mu.Unlock()

	go func() {
		err := jetstream.JetStreamConsumer(
			ctx, b.js, jetstream.RoomSubject(roomID), jetstream.Durable(b.cfg.PodID, roomID), 1,
			func(ctx context.Context, msgs []*nats.Msg) bool {
				return b.onMessage(ctx, r, msgs[0])
			},
			nats.DeliverNew(), nats.ManualAck(),
		)
		if err != nil {
			b.lastFailure.Store(time.Now().UnixNano())
			log.WithError(err).WithField("room_id", roomID).Error("Failed to start room replication consumer")
			return
		}
		b.requestFullSync(roomID)
	}()
}

// requestFullSync publishes a sync_request for the room unless one is
// already outstanding. A request older than the stream retention age is
// treated as lost and may be repeated.
func (b *Bridge) requestFullSync(roomID types.RoomID) {
	b.mu.Lock()
	rc := b.rooms[roomID]
	if rc == nil || (!rc.syncRequestedAt.IsZero() && time.Since(rc.syncRequestedAt) < b.cfg.StreamMaxAge) {
		b.mu.Unlock()
		return
	}
	rc.syncRequestedAt = time.Now()
	b.mu.Unlock()
	b.enqueueReliable(outEntry{
		subject: jetstream.RoomSubject(roomID),
		header:  b.baseHeader(roomID, jetstream.EntrySyncRequest),
	})
}

func (b *Bridge) syncApplied(roomID types.RoomID) {
	b.mu.Lock()
	if rc := b.rooms[roomID]; rc != nil {
		rc.syncRequestedAt = time.Time{}
	}
	b.mu.Unlock()
}

// storageGap records the storage seq from an origin pod and reports
// whether it jumped past the last consumed one. Applies to live
// consumption only; the first entry from an origin sets the baseline.
func (b *Bridge) storageGap(roomID types.RoomID, origin string, seq int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	rc := b.rooms[roomID]
	if rc == nil {
		return false
	}
	last, known := rc.lastSeqByOrigin[origin]
	if seq > last {
		rc.lastSeqByOrigin[origin] = seq
	}
	return known && seq > last+1
}

// RoomDestroyed stops the room's consumer and drops its gauges.
func (b *Bridge) RoomDestroyed(roomID types.RoomID) {
	b.mu.Lock()
	if rc := b.rooms[roomID]; rc != nil {
		rc.cancel()
		delete(b.rooms, roomID)
	}
	delete(b.lag, roomID)
	b.mu.Unlock()
	streamLag.DeleteLabelValues(string(roomID))
}

// MaxLag reports the worst per-room consumer lag, for health checking.
func (b *Bridge) MaxLag() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var max int64
	for _, n := range b.lag {
		if n > max {
			max = n
		}
	}
	return max
}

func (b *Bridge) baseHeader(roomID types.RoomID, entryType string) nats.Header {
	header := nats.Header{}
	header.Set(jetstream.RoomIDHeader, string(roomID))
	header.Set(jetstream.OriginPodHeader, b.cfg.PodID)
	header.Set(jetstream.EntryTypeHeader, entryType)
	header.Set(jetstream.EntryIDHeader, uuid.NewString())
	return header
}

// enqueue queues a lossy entry. Presence is the lossy class: a dropped
// diff is superseded by the next one or healed by TTL expiry, so a full
// queue drops rather than blocks.
func (b *Bridge) enqueue(e outEntry) {
	select {
	case b.publishCh <- e:
	default:
		b.lastFailure.Store(time.Now().UnixNano())
		streamPublishDrops.Inc()
		log.WithField("subject", e.subject).Warn("Replication publish queue full, dropping entry")
	}
}

// enqueueReliable queues an entry that must reach the stream: storage
// updates already committed locally, and sync traffic. The queue is
// unbounded; past the high-water mark the bridge reports itself degraded
// so rooms stop accepting storage writes until the publisher catches up.
func (b *Bridge) enqueueReliable(e outEntry) {
	b.mu.Lock()
	b.pendingQ = append(b.pendingQ, e)
	depth := len(b.pendingQ)
	b.mu.Unlock()
	streamPendingEntries.Set(float64(depth))
	if depth > pendingHighWater {
		b.lastFailure.Store(time.Now().UnixNano())
	}
	select {
	case b.pendingKick <- struct{}{}:
	default:
	}
}

func (b *Bridge) popReliable() (outEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pendingQ) == 0 {
		return outEntry{}, false
	}
	e := b.pendingQ[0]
	b.pendingQ = b.pendingQ[1:]
	streamPendingEntries.Set(float64(len(b.pendingQ)))
	return e, true
}

// publisher delivers queued entries, reliable class first, retrying each
// until it lands or shutdown wins. Per-entry ordering matters: storage
// seq N must reach the stream before N+1.
func (b *Bridge) publisher(proc *process.ProcessContext) {
	defer proc.ComponentFinished()
	retry := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	for {
		if e, ok := b.popReliable(); ok {
			if !b.deliver(e, retry) {
				return
			}
			continue
		}
		select {
		case <-b.processCtx.Done():
			return
		case <-b.pendingKick:
		case e := <-b.publishCh:
			if !b.deliver(e, retry) {
				return
			}
		}
	}
}

// deliver publishes one entry, retrying with backoff until it lands.
// Returns false when shutdown interrupted the retries.
func (b *Bridge) deliver(e outEntry, retry *backoff.Backoff) bool {
	retry.Reset()
	for {
		msg := &nats.Msg{Subject: e.subject, Header: e.header, Data: e.data}
		_, err := b.js.PublishMsg(msg, nats.MsgId(e.header.Get(jetstream.EntryIDHeader)))
		if err == nil {
			streamEntriesPublished.WithLabelValues(e.header.Get(jetstream.EntryTypeHeader)).Inc()
			return true
		}
		b.lastFailure.Store(time.Now().UnixNano())
		streamPublishFailures.Inc()
		log.WithError(err).WithField("subject", e.subject).Warn("Replication publish failed, retrying")
		select {
		case <-b.processCtx.Done():
			return false
		case <-time.After(retry.Duration()):
		}
	}
}

// onMessage applies one replication entry to the room. Returning true
// acks; parse failures are logged and acked so a poison entry cannot
// wedge the consumer.
func (b *Bridge) onMessage(ctx context.Context, r *room.Room, msg *nats.Msg) bool {
	if md, err := msg.Metadata(); err == nil {
		streamLag.WithLabelValues(string(r.ID())).Set(float64(md.NumPending))
		b.mu.Lock()
		b.lag[r.ID()] = int64(md.NumPending)
		b.mu.Unlock()
	}

	origin := msg.Header.Get(jetstream.OriginPodHeader)
	if origin == b.cfg.PodID {
		return true
	}
	entryID := msg.Header.Get(jetstream.EntryIDHeader)
	if entryID != "" {
		if _, dup := b.seen.Get(entryID); dup {
			streamDuplicatesDropped.Inc()
			return true
		}
		b.seen.SetDefault(entryID, struct{}{})
	}

	entryType := msg.Header.Get(jetstream.EntryTypeHeader)
	streamEntriesConsumed.WithLabelValues(entryType).Inc()

	switch entryType {
	case jetstream.EntryPresence:
		diff, err := protocol.DecodePresenceDiff(msg.Data)
		if err != nil {
			log.WithError(err).WithField("room_id", r.ID()).Error("Dropping unparseable peer presence entry")
			return true
		}
		if err := r.ApplyPeerPresence(ctx, diff); err != nil {
			return b.applyFailed(r, "presence", err)
		}
	case jetstream.EntryStorage:
		seq, err := strconv.ParseInt(msg.Header.Get(jetstream.SeqHeader), 10, 64)
		if err != nil {
			log.WithError(err).WithField("room_id", r.ID()).Error("Dropping peer storage entry without a valid seq")
			return true
		}
		if b.storageGap(r.ID(), origin, seq) {
			// Stream retention evicted entries this pod never consumed;
			// a full sync fills the hole instead of advancing through it.
			streamGapsDetected.Inc()
			log.WithFields(log.Fields{
				"room_id": r.ID(),
				"origin":  origin,
				"seq":     seq,
			}).Warn("Gap in peer storage entries, requesting full sync")
			b.requestFullSync(r.ID())
		}
		// The post-gap entry still applies; the merge is idempotent, so
		// overlap with the incoming sync response is harmless.
		if err := r.ApplyPeerStorage(ctx, seq, msg.Data); err != nil {
			return b.applyFailed(r, "storage", err)
		}
	case jetstream.EntrySyncRequest:
		b.answerSyncRequest(ctx, r)
	case jetstream.EntrySyncResponse:
		var payload fullSyncPayload
		if err := cbor.Unmarshal(msg.Data, &payload); err != nil {
			log.WithError(err).WithField("room_id", r.ID()).Error("Dropping unparseable sync response")
			return true
		}
		if err := r.ApplyRemoteSnapshot(ctx, payload.Snapshot, payload.Presence); err != nil {
			return b.applyFailed(r, "sync_response", err)
		}
		b.syncApplied(r.ID())
	default:
		log.WithFields(log.Fields{
			"room_id": r.ID(),
			"type":    entryType,
		}).Warn("Dropping replication entry of unknown type")
	}
	return true
}

// applyFailed decides between redelivery and moving on when the room
// refused an entry. A closed room means our consumer is about to stop;
// anything else is nacked for another attempt.
func (b *Bridge) applyFailed(r *room.Room, entryType string, err error) bool {
	log.WithError(err).WithFields(log.Fields{
		"room_id": r.ID(),
		"type":    entryType,
	}).Warn("Room refused replication entry")
	return err == types.ErrRoomClosed
}

// answerSyncRequest publishes this pod's full room state. Every pod in
// the room answers; application is idempotent so the duplicates merge
// away on the requester.
func (b *Bridge) answerSyncRequest(ctx context.Context, r *room.Room) {
	presence, snapshot, seq, err := r.FullState(ctx)
	if err != nil {
		log.WithError(err).WithField("room_id", r.ID()).Warn("Failed to capture state for sync response")
		return
	}
	states := make([]protocol.PresenceState, 0, len(presence))
	for _, e := range presence {
		states = append(states, protocol.PresenceState{
			UserID:     e.UserID,
			Fields:     e.Fields,
			LastActive: e.LastActive,
		})
	}
	body, err := cbor.Marshal(fullSyncPayload{Snapshot: snapshot, Presence: states, Seq: seq})
	if err != nil {
		log.WithError(err).WithField("room_id", r.ID()).Error("Failed to encode sync response")
		return
	}
	b.enqueueReliable(outEntry{
		subject: jetstream.RoomSubject(r.ID()),
		header:  b.baseHeader(r.ID(), jetstream.EntrySyncResponse),
		data:    body,
	})
}
