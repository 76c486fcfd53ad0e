// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package protocol implements the binary client wire format: a one-byte
// frame type tag followed by a payload whose length is delimited by the
// underlying transport message. Presence payloads are compact
// self-describing CBOR maps; storage payloads are opaque CRDT bytes.
package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// FrameType tags a wire frame.
type FrameType byte

const (
	FramePresenceDiff  FrameType = 0x01
	FrameStorageUpdate FrameType = 0x02
	FramePresenceSync  FrameType = 0x20 // server to client only
	FrameStorageSync   FrameType = 0x21 // server to client only
	FrameError         FrameType = 0x7E
	FrameControl       FrameType = 0x7F
)

func (t FrameType) String() string {
	switch t {
	case FramePresenceDiff:
		return "presence_diff"
	case FrameStorageUpdate:
		return "storage_update"
	case FramePresenceSync:
		return "presence_sync"
	case FrameStorageSync:
		return "storage_sync"
	case FrameError:
		return "error"
	case FrameControl:
		return "control"
	}
	return fmt.Sprintf("unknown_%#02x", byte(t))
}

// Control subtypes, carried as the first payload byte of a FrameControl.
const (
	ControlPing   byte = 0x01
	ControlPong   byte = 0x02
	ControlDrain  byte = 0x03
	ControlResync byte = 0x04
)

// Error codes carried in a FrameError payload.
const (
	CodeUnauthorized         uint16 = 4001
	CodeProtocolViolation    uint16 = 4002
	CodeRateLimited          uint16 = 4003
	CodeSlowConsumer         uint16 = 4004
	CodeTemporarilyReadOnly  uint16 = 4005
	CodeTooManyRooms         uint16 = 4006
	CodeRoomCapacityExceeded uint16 = 4007
	CodeShutdown             uint16 = 4008
)

// MaxFrameBytes bounds a single decoded frame. Transport messages larger
// than this are malformed regardless of type.
const MaxFrameBytes = 1 << 20

// ErrMalformedFrame is returned by Decode for any frame the codec cannot
// accept. Malformed frames do not kill the session on their own; the
// session tracks them and closes after repeated violations.
type ErrMalformedFrame struct {
	Reason string
}

func (e *ErrMalformedFrame) Error() string {
	return "malformed frame: " + e.Reason
}

func malformed(format string, args ...interface{}) error {
	return &ErrMalformedFrame{Reason: fmt.Sprintf(format, args...)}
}

// Frame is one decoded wire frame.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Decode splits a transport message into type tag and payload. The payload
// slice aliases the input; callers that retain it across reads must copy.
func Decode(msg []byte) (Frame, error) {
	if len(msg) == 0 {
		return Frame{}, malformed("empty message")
	}
	if len(msg) > MaxFrameBytes {
		return Frame{}, malformed("message of %d bytes exceeds limit", len(msg))
	}
	f := Frame{Type: FrameType(msg[0]), Payload: msg[1:]}
	switch f.Type {
	case FramePresenceDiff, FrameStorageUpdate, FramePresenceSync, FrameStorageSync:
	case FrameError:
		if len(f.Payload) < 2 {
			return Frame{}, malformed("error frame shorter than code")
		}
	case FrameControl:
		if len(f.Payload) < 1 {
			return Frame{}, malformed("control frame missing subtype")
		}
	default:
		return Frame{}, malformed("unrecognised frame type %#02x", msg[0])
	}
	return f, nil
}

// Encode emits the single-message wire form of f.
func Encode(f Frame) []byte {
	out := make([]byte, 1+len(f.Payload))
	out[0] = byte(f.Type)
	copy(out[1:], f.Payload)
	return out
}

// EncodeError builds an Error frame: code:u16 big-endian, then a UTF-8
// message.
func EncodeError(code uint16, message string) Frame {
	payload := make([]byte, 2+len(message))
	binary.BigEndian.PutUint16(payload, code)
	copy(payload[2:], message)
	return Frame{Type: FrameError, Payload: payload}
}

// DecodeError splits an Error frame payload.
func DecodeError(payload []byte) (code uint16, message string, err error) {
	if len(payload) < 2 {
		return 0, "", malformed("error payload shorter than code")
	}
	if !utf8.Valid(payload[2:]) {
		return 0, "", malformed("error message is not valid UTF-8")
	}
	return binary.BigEndian.Uint16(payload), string(payload[2:]), nil
}

// EncodeControl builds a Control frame from a subtype and optional rest.
func EncodeControl(subtype byte, rest ...byte) Frame {
	payload := make([]byte, 1+len(rest))
	payload[0] = subtype
	copy(payload[1:], rest)
	return Frame{Type: FrameControl, Payload: payload}
}

// ControlSubtype returns the subtype of a Control frame payload.
func ControlSubtype(payload []byte) (byte, error) {
	if len(payload) < 1 {
		return 0, malformed("control frame missing subtype")
	}
	switch payload[0] {
	case ControlPing, ControlPong, ControlDrain, ControlResync:
		return payload[0], nil
	}
	return 0, malformed("unrecognised control subtype %#02x", payload[0])
}
