// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/element-hq/collabpod/internal"
	"github.com/element-hq/collabpod/internal/sqlutil"
	"github.com/element-hq/collabpod/storage/tables"
	"github.com/element-hq/collabpod/types"
)

const opsSchema = `
-- Stores the durable CRDT op history, partitioned by room. seq is assigned
-- on insert and is monotonic per room; the primary key doubles as the
-- contention guard for concurrent appends.
CREATE TABLE IF NOT EXISTS collabpod_ops (
	room_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	site_id TEXT NOT NULL,
	op_bytes BYTEA NOT NULL,
	ts BIGINT NOT NULL,
	PRIMARY KEY (room_id, seq)
);
`

const insertOpSQL = "" +
	"INSERT INTO collabpod_ops (room_id, seq, site_id, op_bytes, ts)" +
	" SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4" +
	" FROM collabpod_ops WHERE room_id = $1" +
	" RETURNING seq"

const selectOpsAfterSQL = "" +
	"SELECT seq, site_id, op_bytes, ts FROM collabpod_ops" +
	" WHERE room_id = $1 AND seq > $2" +
	" ORDER BY seq ASC LIMIT $3"

const selectMaxSeqSQL = "" +
	"SELECT COALESCE(MAX(seq), 0) FROM collabpod_ops WHERE room_id = $1"

const deleteOpsBeforeSQL = "" +
	"DELETE FROM collabpod_ops WHERE room_id = $1 AND seq < $2"

type opsStatements struct {
	insertOpStmt        *sql.Stmt
	selectOpsAfterStmt  *sql.Stmt
	selectMaxSeqStmt    *sql.Stmt
	deleteOpsBeforeStmt *sql.Stmt
}

func NewPostgresOpsTable(ctx context.Context, db *sql.DB) (tables.Ops, error) {
	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "collabpod: create ops table",
		Up: func(ctx context.Context, txn *sql.Tx) error {
			_, err := txn.ExecContext(ctx, opsSchema)
			return err
		},
	})
	if err := m.Up(ctx); err != nil {
		return nil, err
	}
	s := &opsStatements{}
	return s, sqlutil.StatementList{
		{&s.insertOpStmt, insertOpSQL},
		{&s.selectOpsAfterStmt, selectOpsAfterSQL},
		{&s.selectMaxSeqStmt, selectMaxSeqSQL},
		{&s.deleteOpsBeforeStmt, deleteOpsBeforeSQL},
	}.Prepare(db)
}

func (s *opsStatements) InsertOp(
	ctx context.Context, txn *sql.Tx, roomID types.RoomID, siteID string, opBytes []byte, ts time.Time,
) (seq int64, err error) {
	stmt := sqlutil.TxStmt(txn, s.insertOpStmt)
	err = stmt.QueryRowContext(ctx, string(roomID), siteID, opBytes, ts.UnixMilli()).Scan(&seq)
	return
}

func (s *opsStatements) SelectOpsAfter(
	ctx context.Context, txn *sql.Tx, roomID types.RoomID, afterSeq int64, limit int,
) ([]types.OpRecord, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectOpsAfterStmt).QueryContext(ctx, string(roomID), afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("unable to query ops: %w", err)
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectOpsAfter: rows.close() failed")
	var result []types.OpRecord
	for rows.Next() {
		rec := types.OpRecord{RoomID: roomID}
		var ts int64
		if err = rows.Scan(&rec.Seq, &rec.SiteID, &rec.Bytes, &ts); err != nil {
			return nil, err
		}
		rec.TS = time.UnixMilli(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *opsStatements) SelectMaxSeq(
	ctx context.Context, txn *sql.Tx, roomID types.RoomID,
) (max int64, err error) {
	err = sqlutil.TxStmt(txn, s.selectMaxSeqStmt).QueryRowContext(ctx, string(roomID)).Scan(&max)
	return
}

func (s *opsStatements) DeleteOpsBefore(
	ctx context.Context, txn *sql.Tx, roomID types.RoomID, beforeSeq int64,
) (int64, error) {
	result, err := sqlutil.TxStmt(txn, s.deleteOpsBeforeStmt).ExecContext(ctx, string(roomID), beforeSeq)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
