// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/collabpod/types"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		msg     []byte
		want    FrameType
		wantErr bool
	}{
		{"presence diff", []byte{0x01, 0xA0}, FramePresenceDiff, false},
		{"storage update", []byte{0x02, 0xDE, 0xAD}, FrameStorageUpdate, false},
		{"storage update empty payload", []byte{0x02}, FrameStorageUpdate, false},
		{"presence sync", []byte{0x20, 0xA0}, FramePresenceSync, false},
		{"storage sync", []byte{0x21}, FrameStorageSync, false},
		{"error", []byte{0x7E, 0x0F, 0xA1, 'h', 'i'}, FrameError, false},
		{"error too short", []byte{0x7E, 0x0F}, 0, true},
		{"control ping", []byte{0x7F, 0x01}, FrameControl, false},
		{"control missing subtype", []byte{0x7F}, 0, true},
		{"empty message", nil, 0, true},
		{"unknown type", []byte{0x55, 0x00}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode(tt.msg)
			if tt.wantErr {
				require.Error(t, err)
				assert.IsType(t, &ErrMalformedFrame{}, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Type)
			assert.Equal(t, len(tt.msg)-1, len(f.Payload))
		})
	}
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	msg := make([]byte, MaxFrameBytes+1)
	msg[0] = byte(FrameStorageUpdate)
	_, err := Decode(msg)
	require.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Type: FrameStorageUpdate, Payload: []byte{1, 2, 3}}
	got, err := Decode(Encode(f))
	require.NoError(t, err)
	assert.Equal(t, f.Type, got.Type)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestErrorFrame(t *testing.T) {
	f := EncodeError(CodeRateLimited, "too many presence frames")
	code, msg, err := DecodeError(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, CodeRateLimited, code)
	assert.Equal(t, "too many presence frames", msg)

	_, _, err = DecodeError([]byte{0x01})
	require.Error(t, err)
	_, _, err = DecodeError([]byte{0x01, 0x02, 0xFF, 0xFE})
	require.Error(t, err, "invalid UTF-8 message must be rejected")
}

func TestControlFrame(t *testing.T) {
	f := EncodeControl(ControlDrain)
	sub, err := ControlSubtype(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, ControlDrain, sub)

	_, err = ControlSubtype([]byte{0x09})
	require.Error(t, err)
}

func TestPresenceDiffRoundTrip(t *testing.T) {
	d := PresenceDiff{
		UserID: "u1",
		Fields: map[string]interface{}{
			"cursor": map[string]interface{}{"x": 0.25, "y": 0.5},
			"status": "online",
		},
		SourceTS: 1234,
	}
	f, err := EncodePresenceDiff(d)
	require.NoError(t, err)
	assert.Equal(t, FramePresenceDiff, f.Type)

	got, err := DecodePresenceDiff(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, d.UserID, got.UserID)
	assert.Equal(t, d.SourceTS, got.SourceTS)
	assert.Equal(t, "online", got.Fields["status"])
	cursor, ok := got.Fields["cursor"].(map[interface{}]interface{})
	require.True(t, ok, "cursor should decode as a map, got %T", got.Fields["cursor"])
	assert.Equal(t, 0.25, cursor["x"])
}

func TestPresenceDiffDeterministicEncoding(t *testing.T) {
	d := PresenceDiff{Fields: map[string]interface{}{"b": 1, "a": 2, "c": 3}}
	f1, err := EncodePresenceDiff(d)
	require.NoError(t, err)
	f2, err := EncodePresenceDiff(d)
	require.NoError(t, err)
	assert.Equal(t, f1.Payload, f2.Payload)
}

func TestPresenceDiffBagCap(t *testing.T) {
	big := make([]byte, types.MaxPresenceDataBytes+1)
	_, err := DecodePresenceDiff(big)
	require.Error(t, err)
}

func TestPresenceDiffTombstone(t *testing.T) {
	f, err := EncodePresenceDiff(PresenceDiff{UserID: "u1", Remove: true})
	require.NoError(t, err)
	got, err := DecodePresenceDiff(f.Payload)
	require.NoError(t, err)
	assert.True(t, got.Remove)

	// Tombstones with fields are rejected.
	bad, err := presenceEncMode.Marshal(&PresenceDiff{
		UserID: "u1", Remove: true,
		Fields: map[string]interface{}{"k": "v"},
	})
	require.NoError(t, err)
	_, err = DecodePresenceDiff(bad)
	require.Error(t, err)
}

func TestPresenceSyncRoundTrip(t *testing.T) {
	entries := []types.PresenceEntry{
		{UserID: "u1", Fields: map[string]interface{}{"status": "away"}, LastActive: 10},
		{UserID: "u2", LastActive: 20},
	}
	f, err := EncodePresenceSync(entries)
	require.NoError(t, err)
	assert.Equal(t, FramePresenceSync, f.Type)

	got, err := DecodePresenceSync(f.Payload)
	require.NoError(t, err)
	require.Len(t, got.Entries, 2)
	assert.Equal(t, types.UserID("u1"), got.Entries[0].UserID)
	assert.Equal(t, int64(20), got.Entries[1].LastActive)
}
