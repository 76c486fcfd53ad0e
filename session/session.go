// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package session owns one client connection each: the ingress loop with
// its middleware chain, the bounded egress queue, and the session state
// machine. A session belongs to exactly one room for its whole life.
package session

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/element-hq/collabpod/protocol"
	"github.com/element-hq/collabpod/room"
	"github.com/element-hq/collabpod/setup/config"
	"github.com/element-hq/collabpod/types"
)

const (
	pingInterval = 20 * time.Second
	pongTimeout  = 40 * time.Second
	writeTimeout = 10 * time.Second

	// Malformed frame tolerance before the session is closed for
	// protocol violation.
	malformedLimit  = 8
	malformedWindow = 10 * time.Second

	// Rate limit defaults per the wire contract.
	presenceRate  = 20
	presenceBurst = 5
	storageRate   = 200
	storageBurst  = 50

	// Sustained rate-limit violation window before draining.
	violationWindow = 5 * time.Second
)

// frameHandler processes one ingress frame.
type frameHandler func(ctx context.Context, f protocol.Frame) error

// middleware wraps a frameHandler. The ingress pipeline is composed once
// at session construction, not per frame.
type middleware func(frameHandler) frameHandler

func chain(h frameHandler, mw ...middleware) frameHandler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Session is one client connection in one room.
type Session struct {
	id     string
	userID types.UserID
	roomID types.RoomID

	conn     *websocket.Conn
	cfg      *config.CollabPod
	registry *room.Registry
	rm       *room.Room
	egress   *egressQueue
	ingress  frameHandler

	state atomic.Int32

	presenceLimiter    *rate.Limiter
	storageLimiter     *rate.Limiter
	presenceViolations *violationTracker
	storageViolations  *violationTracker
	drainForRateLimit  bool // reader goroutine only

	malformedAt []time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeReason atomic.String
}

func newSession(ctx context.Context, cfg *config.CollabPod, registry *room.Registry, conn *websocket.Conn, userID types.UserID, roomID types.RoomID) *Session {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:                 uuid.NewString(),
		userID:             userID,
		roomID:             roomID,
		conn:               conn,
		cfg:                cfg,
		registry:           registry,
		egress:             newEgressQueue(cfg.EgressBytes, cfg.EgressFrames, cfg.SlowClientTimeout),
		presenceLimiter:    rate.NewLimiter(presenceRate, presenceBurst),
		storageLimiter:     rate.NewLimiter(storageRate, storageBurst),
		presenceViolations: newViolationTracker(presenceRate),
		storageViolations:  newViolationTracker(storageRate),
		ctx:                sctx,
		cancel:             cancel,
		done:               make(chan struct{}),
	}
	s.state.Store(int32(types.SessionOpening))
	s.ingress = chain(s.handleFrame, s.metricsMiddleware, s.rateLimitMiddleware)
	return s
}

// SessionID implements room.Subscriber.
func (s *Session) SessionID() string { return s.id }

// UserID implements room.Subscriber.
func (s *Session) UserID() types.UserID { return s.userID }

// Queue implements room.Subscriber: the room coordinator hands frames
// here and must never block on a slow client.
func (s *Session) Queue(f protocol.Frame) bool {
	if types.SessionState(s.state.Load()) == types.SessionClosed {
		return false
	}
	accepted, slow := s.egress.push(f)
	if slow {
		s.beginDrain("slow_consumer", protocol.CodeSlowConsumer, "egress queue saturated")
	}
	return accepted
}

// State returns the current lifecycle state.
func (s *Session) State() types.SessionState {
	return types.SessionState(s.state.Load())
}

// run starts the reader and writer and blocks until the session is done.
// The caller has already attached the session to its room.
func (s *Session) run(rm *room.Room) {
	s.rm = rm
	s.state.CompareAndSwap(int32(types.SessionOpening), int32(types.SessionLive))
	log.WithFields(log.Fields{
		"session_id": s.id,
		"room_id":    s.roomID,
		"user_id":    s.userID,
	}).Debug("Session live")

	go s.writer()
	s.reader()
	<-s.done
}

// reader is the ingress loop. It exits on connection error, protocol
// violation, or drain.
func (s *Session) reader() {
	s.conn.SetReadLimit(protocol.MaxFrameBytes + 1)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		if st := s.State(); st != types.SessionLive {
			if st == types.SessionDraining {
				// Stop consuming ingress; the writer flushes and closes.
				return
			}
			return
		}
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			switch reason := readFailure(err); reason {
			case "keepalive_timeout":
				// The client stopped answering pings. Drain flushes what is
				// queued, then the session closes under this reason.
				s.beginDrain(reason, 0, "")
			default:
				s.close(reason, 0, "")
			}
			return
		}
		// Any inbound traffic proves liveness, pongs included.
		_ = s.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		frame, err := protocol.Decode(msg)
		if err != nil {
			s.recordMalformed(err)
			continue
		}
		if err := s.ingress(s.ctx, frame); err != nil {
			s.ingressError(frame, err)
		}
	}
}

// ingressError maps handler errors onto the wire contract. Session-local
// problems surface as Error frames; only repeated or fatal ones close.
func (s *Session) ingressError(frame protocol.Frame, err error) {
	switch {
	case errors.Is(err, types.ErrRateLimited):
		rateLimited.WithLabelValues(frame.Type.String()).Inc()
		if s.drainForRateLimit {
			s.beginDrain("rate_limited", protocol.CodeRateLimited, "sustained rate limit violation")
		}
	case errors.Is(err, types.ErrTemporarilyReadOnly):
		s.Queue(protocol.EncodeError(protocol.CodeTemporarilyReadOnly, "storage temporarily read-only"))
	case errors.Is(err, types.ErrRoomClosed), errors.Is(err, types.ErrShutdown):
		s.beginDrain("room_closed", protocol.CodeShutdown, "room closed")
	default:
		var malformed *protocol.ErrMalformedFrame
		if errors.As(err, &malformed) {
			s.recordMalformed(err)
			return
		}
		log.WithError(err).WithFields(log.Fields{
			"session_id": s.id,
			"room_id":    s.roomID,
			"type":       frame.Type.String(),
		}).Error("Ingress frame failed")
	}
}

// recordMalformed counts malformed frames in a sliding window; crossing
// the limit closes the session for protocol violation.
func (s *Session) recordMalformed(err error) {
	log.WithError(err).WithFields(log.Fields{
		"session_id": s.id,
		"room_id":    s.roomID,
	}).Debug("Malformed frame")

	now := time.Now()
	kept := s.malformedAt[:0]
	for _, t := range s.malformedAt {
		if now.Sub(t) < malformedWindow {
			kept = append(kept, t)
		}
	}
	s.malformedAt = append(kept, now)
	if len(s.malformedAt) >= malformedLimit {
		s.close("protocol_violation", protocol.CodeProtocolViolation, "too many malformed frames")
	}
}

// violationTracker decides when rate limiting has been biting hard
// enough, for long enough, to drain the session. Only rejected frames
// count: the limiter keeps admitting at its refill rate during a flood,
// so a client sending at triple budget is rejected at roughly double
// budget. The threshold sits at that level so short bursts never trip it.
type violationTracker struct {
	window    time.Duration
	threshold int
	clock     func() time.Time

	first time.Time
	count int
}

func newViolationTracker(perSecond int) *violationTracker {
	return &violationTracker{
		window:    violationWindow,
		threshold: 2 * perSecond * int(violationWindow/time.Second),
		clock:     time.Now,
	}
}

// record notes one rejected frame and reports whether rejections now
// span the whole window at or above the threshold rate. A stale first
// rejection restarts tracking rather than letting sparse rejections
// accumulate forever.
func (v *violationTracker) record() bool {
	now := v.clock()
	if v.first.IsZero() || now.Sub(v.first) > 2*v.window {
		v.first = now
		v.count = 1
		return false
	}
	v.count++
	return now.Sub(v.first) >= v.window && v.count >= v.threshold
}

// readFailure maps a connection read error onto a close reason.
func readFailure(err error) string {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return "client_closed"
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		// The read deadline only expires when no traffic, pongs included,
		// arrived for the whole pong timeout.
		return "keepalive_timeout"
	}
	return "read_error"
}

func (s *Session) metricsMiddleware(next frameHandler) frameHandler {
	return func(ctx context.Context, f protocol.Frame) error {
		framesIn.WithLabelValues(f.Type.String()).Inc()
		return next(ctx, f)
	}
}

func (s *Session) rateLimitMiddleware(next frameHandler) frameHandler {
	return func(ctx context.Context, f protocol.Frame) error {
		switch f.Type {
		case protocol.FramePresenceDiff:
			if !s.presenceLimiter.Allow() {
				if s.presenceViolations.record() {
					s.drainForRateLimit = true
				}
				return types.ErrRateLimited
			}
		case protocol.FrameStorageUpdate:
			if !s.storageLimiter.Allow() {
				if s.storageViolations.record() {
					s.drainForRateLimit = true
				}
				return types.ErrRateLimited
			}
		}
		return next(ctx, f)
	}
}

// handleFrame is the terminal ingress handler: route by type.
func (s *Session) handleFrame(ctx context.Context, f protocol.Frame) error {
	switch f.Type {
	case protocol.FramePresenceDiff:
		diff, err := protocol.DecodePresenceDiff(f.Payload)
		if err != nil {
			return err
		}
		// Identity and stamps come from the pod, never the client.
		diff.UserID = ""
		diff.SourceTS = 0
		return s.rm.ApplyLocalPresence(ctx, s, diff)
	case protocol.FrameStorageUpdate:
		if len(f.Payload) == 0 {
			return &protocol.ErrMalformedFrame{Reason: "empty storage update"}
		}
		_, err := s.rm.ApplyLocalStorage(ctx, s, f.Payload)
		return err
	case protocol.FrameControl:
		return s.handleControl(ctx, f.Payload)
	default:
		// Server-to-client types arriving on ingress count as violations.
		return &protocol.ErrMalformedFrame{Reason: "frame type " + f.Type.String() + " not accepted from clients"}
	}
}

func (s *Session) handleControl(ctx context.Context, payload []byte) error {
	subtype, err := protocol.ControlSubtype(payload)
	if err != nil {
		return err
	}
	switch subtype {
	case protocol.ControlPing:
		s.Queue(protocol.EncodeControl(protocol.ControlPong))
	case protocol.ControlPong:
		// Liveness already refreshed by the read itself.
	case protocol.ControlResync:
		return s.rm.Resync(ctx, s)
	case protocol.ControlDrain:
		// Drain is server to client; ignore it from clients.
	}
	return nil
}

// writer flushes the egress queue to the connection and owns keepalive.
func (s *Session) writer() {
	pings := time.NewTicker(pingInterval)
	defer pings.Stop()

	go func() {
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-pings.C:
				s.Queue(protocol.EncodeControl(protocol.ControlPing))
			}
		}
	}()

	for {
		frame, ok := s.egress.pop(s.ctx.Done())
		if !ok {
			// Context cancellation means pod shutdown; a closed queue means
			// close already ran and this is a no-op.
			s.close("shutdown", protocol.CodeShutdown, "pod is shutting down")
			return
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(frame)); err != nil {
			s.close("write_error", 0, "")
			return
		}
		framesOut.WithLabelValues(frame.Type.String()).Inc()
	}
}

// beginDrain moves the session to Draining: ingress stops, the egress
// queue flushes for up to the drain timeout, then the session closes.
func (s *Session) beginDrain(reason string, code uint16, message string) {
	if !s.state.CompareAndSwap(int32(types.SessionLive), int32(types.SessionDraining)) {
		return
	}
	log.WithFields(log.Fields{
		"session_id": s.id,
		"room_id":    s.roomID,
		"reason":     reason,
	}).Info("Session draining")

	go func() {
		deadline := time.Now().Add(s.cfg.DrainTimeout)
		for time.Now().Before(deadline) && s.egress.len() > 0 {
			time.Sleep(20 * time.Millisecond)
		}
		s.close(reason, code, message)
	}()
}

// close tears the session down exactly once. A non-zero code is surfaced
// to the client as an Error frame before the connection closes.
func (s *Session) close(reason string, code uint16, message string) {
	if !s.closeReason.CompareAndSwap("", reason) {
		return
	}
	s.state.Store(int32(types.SessionClosed))
	s.egress.close()
	s.cancel()

	if code != 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(protocol.EncodeError(code, message)))
	}
	_ = s.conn.Close()

	if s.rm != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.registry.Detach(ctx, s.rm, s)
		cancel()
	}

	sessionCloses.WithLabelValues(reason).Inc()
	log.WithFields(log.Fields{
		"session_id": s.id,
		"room_id":    s.roomID,
		"user_id":    s.userID,
		"reason":     reason,
	}).Info("Session closed")
	close(s.done)
}
