package sqlutil

import (
	"database/sql"
	"sync"
)

// Writer serialises database writes where the driver needs it. SQLite
// allows only one writer at a time, so the exclusive writer queues all
// writes behind a mutex; Postgres handles write concurrency itself and
// uses the dummy writer.
type Writer interface {
	Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error
}

// NewDummyWriter returns a Writer that runs the function directly.
func NewDummyWriter() Writer {
	return &dummyWriter{}
}

type dummyWriter struct{}

func (w *dummyWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	if txn != nil || db == nil {
		return f(txn)
	}
	return WithTransaction(db, f)
}

// NewExclusiveWriter returns a Writer that allows one write at a time.
func NewExclusiveWriter() Writer {
	return &exclusiveWriter{}
}

type exclusiveWriter struct {
	mutex sync.Mutex
}

func (w *exclusiveWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if txn != nil || db == nil {
		return f(txn)
	}
	return WithTransaction(db, f)
}
