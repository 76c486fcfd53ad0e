// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package room holds the per-room state machine: presence table, CRDT
// document, session hub and the coordinator task that owns all three.
// Every mutation is a message into the coordinator inbox, so each room has
// a single total order of applied events.
package room

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/collabpod/internal/caching"
	"github.com/element-hq/collabpod/protocol"
	"github.com/element-hq/collabpod/setup/config"
	"github.com/element-hq/collabpod/storage"
	"github.com/element-hq/collabpod/types"
)

// StreamBridge is what a room needs from the cross-pod replication layer.
// Appends are fire-and-forget from the coordinator's point of view: the
// bridge retries delivery itself and reports its health through Degraded.
type StreamBridge interface {
	AppendPresence(roomID types.RoomID, diff protocol.PresenceDiff)
	AppendStorage(roomID types.RoomID, seq int64, update []byte)
	Degraded() bool
	RoomActivated(r *Room)
	RoomDestroyed(roomID types.RoomID)
}

// Coordinator inbox scheduling: per quantum, presence messages and storage
// messages are each guaranteed a minimum share so neither class can starve
// the other. Control traffic (attach/detach/state requests) is low-volume
// and always drained first.
const (
	presenceShare = 4
	storageShare  = 6
)

const appendTimeout = 5 * time.Second

type coordMsg interface {
	isCoordMsg()
}

type attachMsg struct {
	sub  Subscriber
	resp chan error
}

type detachMsg struct {
	sub  Subscriber
	resp chan int // remaining session count
}

type fullStateMsg struct {
	resp chan fullState
}

type drainMsg struct{}

type localPresenceMsg struct {
	origin Subscriber
	diff   protocol.PresenceDiff
}

type peerPresenceMsg struct {
	diff protocol.PresenceDiff
}

type localStorageMsg struct {
	origin Subscriber
	update []byte
	resp   chan localStorageResult
}

type peerStorageMsg struct {
	seq    int64
	update []byte
}

type remoteSnapshotMsg struct {
	snapshot []byte
	presence []protocol.PresenceState
	resp     chan error
}

type resyncMsg struct {
	sub Subscriber
}

func (attachMsg) isCoordMsg()         {}
func (detachMsg) isCoordMsg()         {}
func (fullStateMsg) isCoordMsg()      {}
func (drainMsg) isCoordMsg()          {}
func (localPresenceMsg) isCoordMsg()  {}
func (peerPresenceMsg) isCoordMsg()   {}
func (localStorageMsg) isCoordMsg()   {}
func (peerStorageMsg) isCoordMsg()    {}
func (remoteSnapshotMsg) isCoordMsg() {}
func (resyncMsg) isCoordMsg()         {}

type fullState struct {
	presence []types.PresenceEntry
	snapshot []byte
	seq      int64
}

type localStorageResult struct {
	seq int64
	err error
}

// Room is one collaboration room resident on this pod.
type Room struct {
	id        types.RoomID
	cfg       *config.CollabPod
	db        storage.Database
	bridge    StreamBridge
	snapshots caching.SnapshotCache

	presence *PresenceTable
	doc      *Document
	hub      *Hub

	controlCh  chan coordMsg
	presenceCh chan coordMsg
	storageCh  chan coordMsg

	ready    chan struct{}
	readyErr error
	stopped  chan struct{}
	cancel   context.CancelFunc

	sessionCount atomic.Int64
	lastSeq      int64 // highest durable seq applied; coordinator-owned

	readOnlyUntil time.Time
	storeBackoff  *backoff.Backoff

	onFatal func(*Room)
}

// NewRoom builds a room. Call Start to replay history and begin serving;
// the room is not usable before Ready resolves.
func NewRoom(id types.RoomID, cfg *config.CollabPod, db storage.Database, bridge StreamBridge, snapshots caching.SnapshotCache) *Room {
	return &Room{
		id:         id,
		cfg:        cfg,
		db:         db,
		bridge:     bridge,
		snapshots:  snapshots,
		presence:   NewPresenceTable(cfg.PresenceTTL),
		doc:        NewDocument(),
		hub:        NewHub(),
		controlCh:  make(chan coordMsg, 64),
		presenceCh: make(chan coordMsg, 256),
		storageCh:  make(chan coordMsg, 256),
		ready:      make(chan struct{}),
		stopped:    make(chan struct{}),
		storeBackoff: &backoff.Backoff{
			Min:    100 * time.Millisecond,
			Max:    5 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

func (r *Room) ID() types.RoomID { return r.id }

// SessionCount is safe to read from any goroutine.
func (r *Room) SessionCount() int64 { return r.sessionCount.Load() }

// Start launches the coordinator. Cold replay happens before Ready
// resolves so sessions never observe a partially rebuilt document.
func (r *Room) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.run(runCtx)
}

// Ready resolves once replay has finished. A non-nil error means the room
// failed to activate and must be discarded.
func (r *Room) Ready(ctx context.Context) error {
	select {
	case <-r.ready:
		return r.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the coordinator down. In-flight messages receive
// ErrRoomClosed; the call returns once the inbox has drained.
func (r *Room) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.stopped
}

// Attach adds a session to the room, delivering its initial sync
// (presence snapshot then storage snapshot) atomically with the
// subscription so no live frame can precede it.
func (r *Room) Attach(ctx context.Context, sub Subscriber) error {
	if err := r.Ready(ctx); err != nil {
		return err
	}
	m := attachMsg{sub: sub, resp: make(chan error, 1)}
	if err := r.send(ctx, r.controlCh, m); err != nil {
		return err
	}
	return r.await(ctx, m.resp)
}

// Detach removes a session, returning the number of sessions left.
func (r *Room) Detach(ctx context.Context, sub Subscriber) (int, error) {
	m := detachMsg{sub: sub, resp: make(chan int, 1)}
	if err := r.send(ctx, r.controlCh, m); err != nil {
		return -1, err
	}
	select {
	case n := <-m.resp:
		return n, nil
	case <-r.stopped:
		return 0, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// ApplyLocalPresence merges a client diff and fans it out.
func (r *Room) ApplyLocalPresence(ctx context.Context, origin Subscriber, diff protocol.PresenceDiff) error {
	return r.send(ctx, r.presenceCh, localPresenceMsg{origin: origin, diff: diff})
}

// ApplyPeerPresence merges a diff consumed from the peer stream.
func (r *Room) ApplyPeerPresence(ctx context.Context, diff protocol.PresenceDiff) error {
	return r.send(ctx, r.presenceCh, peerPresenceMsg{diff: diff})
}

// ApplyLocalStorage durably appends a client update, applies it, and fans
// it out. It blocks until the append is durable (invariant: no broadcast,
// no in-memory apply before the op store accepts the record).
func (r *Room) ApplyLocalStorage(ctx context.Context, origin Subscriber, update []byte) (int64, error) {
	m := localStorageMsg{origin: origin, update: update, resp: make(chan localStorageResult, 1)}
	if err := r.send(ctx, r.storageCh, m); err != nil {
		return 0, err
	}
	select {
	case res := <-m.resp:
		return res.seq, res.err
	case <-r.stopped:
		return 0, types.ErrRoomClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ApplyPeerStorage applies an update consumed from the peer stream. The
// originating pod already appended it durably under seq.
func (r *Room) ApplyPeerStorage(ctx context.Context, seq int64, update []byte) error {
	return r.send(ctx, r.storageCh, peerStorageMsg{seq: seq, update: update})
}

// ApplyRemoteSnapshot installs a full-sync snapshot received from a peer.
func (r *Room) ApplyRemoteSnapshot(ctx context.Context, snapshot []byte, presence []protocol.PresenceState) error {
	m := remoteSnapshotMsg{snapshot: snapshot, presence: presence, resp: make(chan error, 1)}
	if err := r.send(ctx, r.storageCh, m); err != nil {
		return err
	}
	return r.await(ctx, m.resp)
}

// FullState takes a consistent snapshot of presence and document state.
func (r *Room) FullState(ctx context.Context) ([]types.PresenceEntry, []byte, int64, error) {
	m := fullStateMsg{resp: make(chan fullState, 1)}
	if err := r.send(ctx, r.controlCh, m); err != nil {
		return nil, nil, 0, err
	}
	select {
	case st := <-m.resp:
		return st.presence, st.snapshot, st.seq, nil
	case <-r.stopped:
		return nil, nil, 0, types.ErrRoomClosed
	case <-ctx.Done():
		return nil, nil, 0, ctx.Err()
	}
}

// Resync re-sends the initial sync pair to one session.
func (r *Room) Resync(ctx context.Context, sub Subscriber) error {
	return r.send(ctx, r.controlCh, resyncMsg{sub: sub})
}

// Drain tells every session in the room to drain.
func (r *Room) Drain(ctx context.Context) error {
	return r.send(ctx, r.controlCh, drainMsg{})
}

// SetFatalHook installs the callback invoked when the coordinator hits an
// internal bug and the room must be closed and cold-reopened. Must be set
// before Start.
func (r *Room) SetFatalHook(fn func(*Room)) {
	r.onFatal = fn
}

func (r *Room) send(ctx context.Context, ch chan<- coordMsg, m coordMsg) error {
	select {
	case ch <- m:
		return nil
	case <-r.stopped:
		return types.ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) await(ctx context.Context, resp <-chan error) error {
	select {
	case err := <-resp:
		return err
	case <-r.stopped:
		return types.ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the coordinator task: the only goroutine that mutates the
// presence table, the document and the session set.
func (r *Room) run(ctx context.Context) {
	defer close(r.stopped)

	if err := r.replay(ctx); err != nil {
		r.readyErr = err
		close(r.ready)
		return
	}
	close(r.ready)

	if r.bridge != nil {
		r.bridge.RoomActivated(r)
	}

	sweep := r.cfg.PresenceTTL / 4
	if sweep > time.Second {
		sweep = time.Second
	}
	if sweep < 100*time.Millisecond {
		sweep = 100 * time.Millisecond
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		// Control first: attach/detach/state requests never queue behind
		// a flood of diffs.
	controlLoop:
		for {
			select {
			case m := <-r.controlCh:
				r.dispatch(m)
			default:
				break controlLoop
			}
		}

		processed := 0
	presenceLoop:
		for i := 0; i < presenceShare; i++ {
			select {
			case m := <-r.presenceCh:
				r.dispatch(m)
				processed++
			default:
				break presenceLoop
			}
		}
	storageLoop:
		for i := 0; i < storageShare; i++ {
			select {
			case m := <-r.storageCh:
				r.dispatch(m)
				processed++
			default:
				break storageLoop
			}
		}
		if processed > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			r.shutdown()
			return
		case <-ticker.C:
			r.expireStale()
		case m := <-r.controlCh:
			r.dispatch(m)
		case m := <-r.presenceCh:
			r.dispatch(m)
		case m := <-r.storageCh:
			r.dispatch(m)
		}
	}
}

// replay rebuilds the document from the op store. After replay the stream
// cursor starts at "now": replayed entries are already reflected in the
// durable history, so the bridge must not walk the backlog.
func (r *Room) replay(ctx context.Context) error {
	replayed := 0
	err := r.db.ReplayOps(ctx, r.id, 0, func(rec types.OpRecord) error {
		if err := r.doc.Apply(rec.Bytes); err != nil {
			return err
		}
		if rec.Seq > r.lastSeq {
			r.lastSeq = rec.Seq
		}
		replayed++
		return nil
	})
	if err != nil {
		return err
	}
	if replayed > 0 {
		log.WithFields(log.Fields{
			"room_id":  r.id,
			"replayed": replayed,
			"last_seq": r.lastSeq,
		}).Info("Cold room activation replayed op history")
	}
	return nil
}

// dispatch is the coordinator boundary for internal bugs: a panic in a
// handler closes the room instead of the pod, and the registry reopens it
// via cold replay on the next attach.
func (r *Room) dispatch(m coordMsg) {
	defer func() {
		if rec := recover(); rec != nil {
			coordinatorPanics.Inc()
			log.WithFields(log.Fields{
				"room_id": r.id,
				"panic":   rec,
			}).Errorf("Room coordinator panic, closing room: %s", debug.Stack())
			sentry.CurrentHub().Recover(rec)
			if r.onFatal != nil {
				go r.onFatal(r)
			}
		}
	}()

	switch msg := m.(type) {
	case attachMsg:
		msg.resp <- r.handleAttach(msg.sub)
	case detachMsg:
		r.hub.Remove(msg.sub)
		r.sessionCount.Store(int64(r.hub.Len()))
		activeSessions.WithLabelValues(string(r.id)).Set(float64(r.hub.Len()))
		msg.resp <- r.hub.Len()
	case fullStateMsg:
		msg.resp <- fullState{
			presence: r.presence.Snapshot(),
			snapshot: r.docSnapshot(),
			seq:      r.lastSeq,
		}
	case drainMsg:
		frame := protocol.EncodeControl(protocol.ControlDrain)
		r.hub.Each(func(sub Subscriber) { sub.Queue(frame) })
	case resyncMsg:
		r.queueInitialSync(msg.sub)
	case localPresenceMsg:
		r.handleLocalPresence(msg.origin, msg.diff)
	case peerPresenceMsg:
		r.handlePeerPresence(msg.diff)
	case localStorageMsg:
		msg.resp <- r.handleLocalStorage(msg.update)
	case peerStorageMsg:
		r.handlePeerStorage(msg.seq, msg.update)
	case remoteSnapshotMsg:
		msg.resp <- r.handleRemoteSnapshot(msg.snapshot, msg.presence)
	}
}

func (r *Room) handleAttach(sub Subscriber) error {
	if r.hub.Len() >= r.cfg.MaxSessionsPerRoom {
		return types.ErrRoomCapacity
	}
	// Joining counts as the user's first (empty) presence diff, so other
	// sessions and peer pods learn about them immediately.
	entry, _ := r.presence.ApplyDiff(sub.UserID(), nil, 0)

	r.queueInitialSync(sub)
	r.hub.Add(sub)
	r.sessionCount.Store(int64(r.hub.Len()))
	activeSessions.WithLabelValues(string(r.id)).Set(float64(r.hub.Len()))

	join := protocol.PresenceDiff{UserID: entry.UserID, Fields: entry.Fields, SourceTS: entry.LastActive}
	if frame, err := protocol.EncodePresenceDiff(join); err == nil {
		r.hub.Publish(sub, frame)
	}
	if r.bridge != nil {
		r.bridge.AppendPresence(r.id, join)
	}
	return nil
}

func (r *Room) queueInitialSync(sub Subscriber) {
	presenceFrame, err := protocol.EncodePresenceSync(r.presence.Snapshot())
	if err != nil {
		log.WithError(err).WithField("room_id", r.id).Error("Failed to encode presence sync")
		return
	}
	sub.Queue(presenceFrame)
	sub.Queue(protocol.Frame{Type: protocol.FrameStorageSync, Payload: r.docSnapshot()})
}

// docSnapshot extracts the document snapshot, reusing the cached copy when
// no op has landed since it was taken.
func (r *Room) docSnapshot() []byte {
	if r.snapshots != nil {
		if snap, seq, ok := r.snapshots.GetSnapshot(r.id); ok && seq == r.lastSeq {
			return snap
		}
	}
	snap := r.doc.Snapshot()
	if r.snapshots != nil {
		r.snapshots.StoreSnapshot(r.id, r.lastSeq, snap)
	}
	return snap
}

func (r *Room) handleLocalPresence(origin Subscriber, diff protocol.PresenceDiff) {
	userID := origin.UserID()
	if diff.Remove {
		if r.presence.Remove(userID) {
			r.publishTombstone(origin, userID, types.NowMS())
		}
		return
	}
	entry, _ := r.presence.ApplyDiff(userID, diff.Fields, 0)
	out := protocol.PresenceDiff{UserID: userID, Fields: diff.Fields, SourceTS: entry.LastActive}
	if frame, err := protocol.EncodePresenceDiff(out); err == nil {
		r.hub.Publish(origin, frame)
	}
	if r.bridge != nil {
		r.bridge.AppendPresence(r.id, out)
	}
}

func (r *Room) handlePeerPresence(diff protocol.PresenceDiff) {
	if diff.Remove {
		if r.presence.Remove(diff.UserID) {
			// Peer tombstones fan out locally but are not re-appended to
			// the stream: the origin pod already put them there.
			if frame, err := protocol.EncodePresenceDiff(diff); err == nil {
				r.hub.Publish(nil, frame)
			}
		}
		return
	}
	if _, applied := r.presence.ApplyDiff(diff.UserID, diff.Fields, diff.SourceTS); !applied {
		presenceDedupDropped.Inc()
		return
	}
	if frame, err := protocol.EncodePresenceDiff(diff); err == nil {
		r.hub.Publish(nil, frame)
	}
}

func (r *Room) publishTombstone(origin Subscriber, userID types.UserID, ts int64) {
	tomb := protocol.PresenceDiff{UserID: userID, Remove: true, SourceTS: ts}
	if frame, err := protocol.EncodePresenceDiff(tomb); err == nil {
		r.hub.Publish(origin, frame)
	}
	if r.bridge != nil {
		r.bridge.AppendPresence(r.id, tomb)
	}
}

func (r *Room) handleLocalStorage(update []byte) localStorageResult {
	if !r.storageWritable() {
		return localStorageResult{err: types.ErrTemporarilyReadOnly}
	}

	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	seq, err := r.db.AppendOp(ctx, r.id, r.cfg.PodID, update)
	cancel()
	if err != nil {
		// Back off before offering the op store another write; presence
		// keeps flowing, storage is refused until the deadline passes.
		r.readOnlyUntil = time.Now().Add(r.storeBackoff.Duration())
		log.WithError(err).WithFields(log.Fields{
			"room_id":         r.id,
			"read_only_until": r.readOnlyUntil,
		}).Error("Op store append failed, room storage is temporarily read-only")
		return localStorageResult{err: types.ErrTemporarilyReadOnly}
	}
	r.storeBackoff.Reset()
	storageOpsPersisted.Inc()

	if err := r.doc.Apply(update); err != nil {
		log.WithError(err).WithField("room_id", r.id).Error("Kernel rejected durably appended update")
		return localStorageResult{seq: seq, err: err}
	}
	storageOpsApplied.Inc()
	r.lastSeq = seq
	if r.snapshots != nil {
		r.snapshots.InvalidateSnapshot(r.id)
	}

	r.hub.Publish(nil, protocol.Frame{Type: protocol.FrameStorageUpdate, Payload: update})
	if r.bridge != nil {
		r.bridge.AppendStorage(r.id, seq, update)
	}
	return localStorageResult{seq: seq}
}

func (r *Room) handlePeerStorage(seq int64, update []byte) {
	if err := r.doc.Apply(update); err != nil {
		log.WithError(err).WithField("room_id", r.id).Error("Kernel rejected peer update")
		return
	}
	storageOpsApplied.Inc()
	if seq > r.lastSeq {
		r.lastSeq = seq
	}
	if r.snapshots != nil {
		r.snapshots.InvalidateSnapshot(r.id)
	}
	r.hub.Publish(nil, protocol.Frame{Type: protocol.FrameStorageUpdate, Payload: update})
}

func (r *Room) handleRemoteSnapshot(snapshot []byte, presence []protocol.PresenceState) error {
	if err := r.doc.Apply(snapshot); err != nil {
		return err
	}
	for _, st := range presence {
		r.presence.ApplyDiff(st.UserID, st.Fields, st.LastActive)
	}
	if r.snapshots != nil {
		r.snapshots.InvalidateSnapshot(r.id)
	}
	r.hub.Publish(nil, protocol.Frame{Type: protocol.FrameStorageUpdate, Payload: snapshot})
	return nil
}

func (r *Room) storageWritable() bool {
	if !r.readOnlyUntil.IsZero() && time.Now().Before(r.readOnlyUntil) {
		return false
	}
	if r.bridge != nil && r.bridge.Degraded() {
		return false
	}
	return true
}

func (r *Room) expireStale() {
	now := types.NowMS()
	for _, userID := range r.presence.ExpireStale(now) {
		r.publishTombstone(nil, userID, now)
	}
}

// shutdown drains the inbox, failing pending requests, then exits.
func (r *Room) shutdown() {
	for {
		select {
		case m := <-r.controlCh:
			r.failPending(m)
		case m := <-r.presenceCh:
			r.failPending(m)
		case m := <-r.storageCh:
			r.failPending(m)
		default:
			activeSessions.DeleteLabelValues(string(r.id))
			return
		}
	}
}

func (r *Room) failPending(m coordMsg) {
	switch msg := m.(type) {
	case attachMsg:
		msg.resp <- types.ErrRoomClosed
	case detachMsg:
		msg.resp <- 0
	case fullStateMsg:
		msg.resp <- fullState{}
	case localStorageMsg:
		msg.resp <- localStorageResult{err: types.ErrRoomClosed}
	case remoteSnapshotMsg:
		msg.resp <- types.ErrRoomClosed
	}
}
