// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package protocol

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/element-hq/collabpod/types"
)

// PresenceDiff is the typed presence payload. On the wire it is a compact
// CBOR map with single-letter keys. Clients omit the user ID (the session
// identifies them); the pod stamps it before fan-out. A diff with Remove
// set is a tombstone and carries no fields.
type PresenceDiff struct {
	UserID types.UserID           `cbor:"u,omitempty"`
	Fields map[string]interface{} `cbor:"f,omitempty"`
	Remove bool                   `cbor:"x,omitempty"`
	// SourceTS is the origin pod's LastActive stamp in monotonic ms. It is
	// only meaningful on the peer stream; clients never set it and the pod
	// ignores it on ingress.
	SourceTS int64 `cbor:"t,omitempty"`
}

// PresenceSync is the full presence snapshot sent once at session start
// and in response to a Resync control.
type PresenceSync struct {
	Entries []PresenceState `cbor:"e"`
}

// PresenceState is one entry of a PresenceSync.
type PresenceState struct {
	UserID     types.UserID           `cbor:"u"`
	Fields     map[string]interface{} `cbor:"f,omitempty"`
	LastActive int64                  `cbor:"t"`
}

var (
	presenceEncMode cbor.EncMode
	presenceDecMode cbor.DecMode
)

func init() {
	var err error
	// Deterministic encoding so identical diffs byte-compare equal across
	// pods; bounded decode limits keep adversarial payloads from blowing
	// up memory before the 2 KiB bag cap is even checked.
	presenceEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	presenceDecMode, err = cbor.DecOptions{
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodePresenceDiff serialises d as a PresenceDiff frame.
func EncodePresenceDiff(d PresenceDiff) (Frame, error) {
	payload, err := presenceEncMode.Marshal(&d)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FramePresenceDiff, Payload: payload}, nil
}

// DecodePresenceDiff parses a PresenceDiff payload. The field bag size cap
// applies to the encoded payload, not the decoded map.
func DecodePresenceDiff(payload []byte) (PresenceDiff, error) {
	if len(payload) > types.MaxPresenceDataBytes {
		return PresenceDiff{}, malformed("presence payload of %d bytes exceeds %d", len(payload), types.MaxPresenceDataBytes)
	}
	var d PresenceDiff
	if err := presenceDecMode.Unmarshal(payload, &d); err != nil {
		return PresenceDiff{}, malformed("presence payload: %v", err)
	}
	if d.Remove && len(d.Fields) > 0 {
		return PresenceDiff{}, malformed("tombstone diff carries fields")
	}
	return d, nil
}

// EncodePresenceSync serialises a full presence snapshot.
func EncodePresenceSync(entries []types.PresenceEntry) (Frame, error) {
	sync := PresenceSync{Entries: make([]PresenceState, 0, len(entries))}
	for _, e := range entries {
		sync.Entries = append(sync.Entries, PresenceState{
			UserID:     e.UserID,
			Fields:     e.Fields,
			LastActive: e.LastActive,
		})
	}
	payload, err := presenceEncMode.Marshal(&sync)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FramePresenceSync, Payload: payload}, nil
}

// DecodePresenceSync parses a PresenceSync payload.
func DecodePresenceSync(payload []byte) (PresenceSync, error) {
	var s PresenceSync
	if err := presenceDecMode.Unmarshal(payload, &s); err != nil {
		return PresenceSync{}, malformed("presence sync payload: %v", err)
	}
	return s, nil
}
