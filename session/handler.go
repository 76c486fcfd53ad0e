// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package session

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/collabpod/ip"
	"github.com/element-hq/collabpod/protocol"
	"github.com/element-hq/collabpod/room"
	"github.com/element-hq/collabpod/setup/config"
	"github.com/element-hq/collabpod/setup/process"
	"github.com/element-hq/collabpod/types"
)

// The edge relay terminates TLS and enforces origins; the pod accepts
// whatever the edge forwards.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler upgrades /connect requests into client sessions. The URL
// carries the room ID and the edge-issued session token; the token's
// signature is the only authentication the pod performs.
func Handler(proc *process.ProcessContext, cfg *config.CollabPod, registry *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		roomID := types.RoomID(req.URL.Query().Get("room"))
		token := req.URL.Query().Get("token")

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.WithError(err).Debug("Websocket upgrade failed")
			return
		}

		remote := ip.RemoteAddr(req)
		claims, err := VerifyEdgeToken(cfg.EdgeTokenSecret, token)
		if err != nil {
			log.WithError(err).WithField("remote", remote).Info("Refusing session with bad token")
			refuse(conn, protocol.CodeUnauthorized, "session token rejected")
			return
		}
		if roomID == "" {
			roomID = types.RoomID(claims.RoomID)
		}
		if string(roomID) != claims.RoomID {
			refuse(conn, protocol.CodeUnauthorized, "token not valid for this room")
			return
		}

		s := newSession(proc.Context(), cfg, registry, conn, types.UserID(claims.Subject), roomID)
		rm, err := registry.Attach(req.Context(), roomID, s)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"room_id": roomID,
				"user_id": claims.Subject,
				"remote":  remote,
			}).Info("Refusing session, room attach failed")
			refuse(conn, attachErrorCode(err), err.Error())
			sessionCloses.WithLabelValues("attach_failed").Inc()
			return
		}

		proc.ComponentStarted()
		defer proc.ComponentFinished()
		s.run(rm)
	}
}

// refuse sends an Error frame and closes: the handshake-failure path,
// before a session ever existed.
func refuse(conn *websocket.Conn, code uint16, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(protocol.EncodeError(code, message)))
	_ = conn.Close()
}

func attachErrorCode(err error) uint16 {
	switch {
	case errors.Is(err, types.ErrTooManyRooms):
		return protocol.CodeTooManyRooms
	case errors.Is(err, types.ErrRoomCapacity):
		return protocol.CodeRoomCapacityExceeded
	case errors.Is(err, types.ErrShutdown):
		return protocol.CodeShutdown
	case errors.Is(err, types.ErrProtocolViolation):
		return protocol.CodeProtocolViolation
	case errors.Is(err, types.ErrUnauthorized):
		return protocol.CodeUnauthorized
	}
	return protocol.CodeShutdown
}
