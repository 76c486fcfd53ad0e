// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"
	"time"

	"github.com/element-hq/collabpod/types"
)

// Ops is the durable CRDT op log, partitioned by room. Seq assignment
// happens inside InsertOp under the (room_id, seq) uniqueness constraint;
// callers retry on constraint violation rather than fabricating sequences.
type Ops interface {
	InsertOp(ctx context.Context, txn *sql.Tx, roomID types.RoomID, siteID string, opBytes []byte, ts time.Time) (seq int64, err error)
	SelectOpsAfter(ctx context.Context, txn *sql.Tx, roomID types.RoomID, afterSeq int64, limit int) ([]types.OpRecord, error)
	SelectMaxSeq(ctx context.Context, txn *sql.Tx, roomID types.RoomID) (int64, error)
	DeleteOpsBefore(ctx context.Context, txn *sql.Tx, roomID types.RoomID, beforeSeq int64) (int64, error)
}
