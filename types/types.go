// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// MaxRoomIDBytes is the upper bound on the encoded length of a room ID.
const MaxRoomIDBytes = 256

// MaxPresenceDataBytes caps the encoded size of the free-form presence
// field bag carried in a single diff.
const MaxPresenceDataBytes = 2048

// RoomID is an opaque UTF-8 room identifier, at most MaxRoomIDBytes long.
type RoomID string

// Validate checks the registry's admission rules for a room ID.
func (r RoomID) Validate() error {
	if len(r) == 0 {
		return fmt.Errorf("room ID is empty")
	}
	if len(r) > MaxRoomIDBytes {
		return fmt.Errorf("room ID exceeds %d bytes", MaxRoomIDBytes)
	}
	if !utf8.ValidString(string(r)) {
		return fmt.Errorf("room ID is not valid UTF-8")
	}
	return nil
}

// UserID identifies the user behind a session. The edge is trusted for
// identity; the pod only re-checks the token signature.
type UserID string

// PresenceEntry is one user's presence record within a room. Fields is the
// user-defined bag (cursor coordinates, status, avatar, free-form metadata);
// LastActive is server-stamped monotonic milliseconds and is never taken
// from the client.
type PresenceEntry struct {
	UserID     UserID
	Fields     map[string]interface{}
	LastActive int64
}

// OpRecord is one durably stored CRDT update. Seq is assigned by the op
// store on append and is monotonic per room.
type OpRecord struct {
	RoomID RoomID
	Seq    int64
	SiteID string
	Bytes  []byte
	TS     time.Time
}

// SessionState is the lifecycle state of a client session.
type SessionState int32

const (
	SessionOpening SessionState = iota
	SessionLive
	SessionDraining
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionOpening:
		return "opening"
	case SessionLive:
		return "live"
	case SessionDraining:
		return "draining"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

// NowMS returns the wall clock in milliseconds, the unit used for presence
// LastActive stamps and stream entry source timestamps.
func NowMS() int64 {
	return time.Now().UnixMilli()
}
