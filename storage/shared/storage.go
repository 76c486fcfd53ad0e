// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/element-hq/collabpod/internal/sqlutil"
	"github.com/element-hq/collabpod/storage/tables"
	"github.com/element-hq/collabpod/types"
)

// replayPageSize bounds how many op records a single replay query returns.
const replayPageSize = 1000

// appendRetries bounds how often an append is retried when concurrent
// writers collide on the same (room_id, seq).
const appendRetries = 10

// Database is the op store shared across both SQL backends.
type Database struct {
	DB     *sql.DB
	Writer sqlutil.Writer
	Ops    tables.Ops
}

// AppendOp durably appends a CRDT op and returns its per-room sequence.
// The sequence is assigned inside the insert; a unique constraint violation
// means another writer claimed the sequence first, so the insert is retried
// with a freshly computed one. The record is committed before this returns.
func (d *Database) AppendOp(ctx context.Context, roomID types.RoomID, siteID string, opBytes []byte) (int64, error) {
	var seq int64
	for attempt := 0; attempt < appendRetries; attempt++ {
		err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
			var err error
			seq, err = d.Ops.InsertOp(ctx, txn, roomID, siteID, opBytes, time.Now())
			return err
		})
		if err == nil {
			return seq, nil
		}
		if sqlutil.IsUniqueConstraintViolationErr(err) {
			continue
		}
		return 0, fmt.Errorf("AppendOp: %w", err)
	}
	return 0, fmt.Errorf("AppendOp: gave up after %d sequence collisions for room %q", appendRetries, roomID)
}

// ReplayOps scans ops with seq > afterSeq in ascending order, invoking fn
// for each. Used for cold room activation; read-your-writes holds because
// AppendOp commits before returning.
func (d *Database) ReplayOps(ctx context.Context, roomID types.RoomID, afterSeq int64, fn func(types.OpRecord) error) error {
	cursor := afterSeq
	for {
		page, err := d.Ops.SelectOpsAfter(ctx, nil, roomID, cursor, replayPageSize)
		if err != nil {
			return fmt.Errorf("ReplayOps: %w", err)
		}
		for _, rec := range page {
			if err := fn(rec); err != nil {
				return err
			}
			cursor = rec.Seq
		}
		if len(page) < replayPageSize {
			return nil
		}
	}
}

// OpsAfter returns all ops with seq > afterSeq, in order.
func (d *Database) OpsAfter(ctx context.Context, roomID types.RoomID, afterSeq int64) ([]types.OpRecord, error) {
	var result []types.OpRecord
	err := d.ReplayOps(ctx, roomID, afterSeq, func(rec types.OpRecord) error {
		result = append(result, rec)
		return nil
	})
	return result, err
}

// MaxSeq returns the highest assigned sequence for the room, 0 if none.
func (d *Database) MaxSeq(ctx context.Context, roomID types.RoomID) (int64, error) {
	return d.Ops.SelectMaxSeq(ctx, nil, roomID)
}

// TruncateBefore compacts history older than beforeSeq.
func (d *Database) TruncateBefore(ctx context.Context, roomID types.RoomID, beforeSeq int64) (int64, error) {
	var removed int64
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		removed, err = d.Ops.DeleteOpsBefore(ctx, txn, roomID, beforeSeq)
		return err
	})
	return removed, err
}

// Ping reports whether the op store is reachable.
func (d *Database) Ping(ctx context.Context) error {
	return d.DB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	return d.DB.Close()
}
