// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import "errors"

// Error kinds shared across the pod. Session-local kinds surface to the
// client as an Error frame and a close; dependency kinds degrade and retry.
var (
	ErrUnauthorized        = errors.New("session token rejected")
	ErrProtocolViolation   = errors.New("protocol violation")
	ErrRateLimited         = errors.New("rate limited")
	ErrSlowConsumer        = errors.New("slow consumer")
	ErrTemporarilyReadOnly = errors.New("storage temporarily read-only")
	ErrTooManyRooms        = errors.New("too many rooms on this pod")
	ErrRoomCapacity        = errors.New("room session capacity exceeded")
	ErrRoomClosed          = errors.New("room is closed")
	ErrShutdown            = errors.New("pod is shutting down")
)
