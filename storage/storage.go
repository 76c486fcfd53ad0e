// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/element-hq/collabpod/internal/sqlutil"
	"github.com/element-hq/collabpod/storage/postgres"
	"github.com/element-hq/collabpod/storage/shared"
	"github.com/element-hq/collabpod/storage/sqlite3"
	"github.com/element-hq/collabpod/types"
)

// Database is the durable op store as seen by the rest of the pod.
type Database interface {
	// AppendOp durably appends an op and returns the assigned per-room
	// sequence. It returns only once the record is committed.
	AppendOp(ctx context.Context, roomID types.RoomID, siteID string, opBytes []byte) (int64, error)
	// ReplayOps range-scans ops with seq > afterSeq in ascending order.
	ReplayOps(ctx context.Context, roomID types.RoomID, afterSeq int64, fn func(types.OpRecord) error) error
	OpsAfter(ctx context.Context, roomID types.RoomID, afterSeq int64) ([]types.OpRecord, error)
	MaxSeq(ctx context.Context, roomID types.RoomID) (int64, error)
	TruncateBefore(ctx context.Context, roomID types.RoomID, beforeSeq int64) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the op store named by the connection string. postgres://
// and postgresql:// URLs select the Postgres backend; anything else is
// treated as a SQLite URI.
func Open(ctx context.Context, url string) (Database, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, errors.Wrap(err, "opening postgres op store")
		}
		if err = db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "pinging postgres op store")
		}
		ops, err := postgres.NewPostgresOpsTable(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "preparing postgres ops table")
		}
		return &shared.Database{
			DB:     db,
			Writer: sqlutil.NewDummyWriter(),
			Ops:    ops,
		}, nil
	default:
		db, err := sql.Open("sqlite3", sqliteDSN(url))
		if err != nil {
			return nil, errors.Wrap(err, "opening sqlite op store")
		}
		// SQLite tolerates exactly one writer; the exclusive writer plus a
		// single connection keeps "database is locked" errors away.
		db.SetMaxOpenConns(1)
		ops, err := sqlite3.NewSqliteOpsTable(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "preparing sqlite ops table")
		}
		return &shared.Database{
			DB:     db,
			Writer: sqlutil.NewExclusiveWriter(),
			Ops:    ops,
		}, nil
	}
}

func sqliteDSN(url string) string {
	dsn := strings.TrimPrefix(url, "sqlite3://")
	if dsn == "" || dsn == ":memory:" {
		return "file::memory:?cache=shared"
	}
	return dsn
}
