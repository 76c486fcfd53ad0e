// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/element-hq/collabpod/types"
)

// StreamName is the JetStream stream carrying all cross-pod replication
// entries; each room gets its own subject underneath SubjectPrefix.
const StreamName = "COLLABPOD"

// SubjectPrefix is the subject namespace of the replication stream.
const SubjectPrefix = "collabpod.room"

// Message header names used on replication entries.
const (
	RoomIDHeader    = "room_id"
	UserIDHeader    = "user_id"
	OriginPodHeader = "origin_pod"
	SeqHeader       = "seq"
	EntryTypeHeader = "type"
	EntryIDHeader   = "entry_id"
)

// Entry types carried in the EntryTypeHeader.
const (
	EntryPresence     = "presence"
	EntryStorage      = "storage"
	EntrySyncRequest  = "sync_request"
	EntrySyncResponse = "sync_response"
)

// RoomSubject maps a room ID onto its stream subject. Room IDs are
// client-chosen strings and may contain subject-reserved characters, so
// the subject token is a digest, not the ID itself.
func RoomSubject(roomID types.RoomID) string {
	sum := sha256.Sum256([]byte(roomID))
	return fmt.Sprintf("%s.%s", SubjectPrefix, hex.EncodeToString(sum[:16]))
}

// Durable derives a valid durable consumer name for this pod. Consumer
// names share the subject token's character restrictions.
func Durable(podID string, roomID types.RoomID) string {
	sum := sha256.Sum256([]byte(podID + "\x00" + string(roomID)))
	return "CollabPod" + hex.EncodeToString(sum[:12])
}
