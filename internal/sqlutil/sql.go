package sqlutil

import (
	"database/sql"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// A Transaction is something that can be committed or rolled back.
type Transaction interface {
	Commit() error
	Rollback() error
}

// EndTransaction ends a transaction. If the transaction succeeded then it is
// committed, otherwise it is rolled back. Designed to be used with defer.
func EndTransaction(txn Transaction, succeeded *bool) error {
	if *succeeded {
		return txn.Commit()
	}
	return txn.Rollback()
}

// WithTransaction runs a block of code passing in an SQL transaction. If the
// code returns an error or panics then the transaction is rolled back;
// otherwise it is committed.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return fmt.Errorf("sqlutil.WithTransaction.Begin: %w", err)
	}
	succeeded := false
	defer func() {
		if r := recover(); r != nil {
			txn.Rollback() // nolint: errcheck
			log.WithField("panic", r).Errorf(
				"WithTransaction: caught panic, rolled back: %s", debug.Stack(),
			)
			err = fmt.Errorf("sqlutil.WithTransaction: panic: %v", r)
			return
		}
		if e := EndTransaction(txn, &succeeded); err == nil && e != nil {
			err = e
		}
	}()

	err = fn(txn)
	if err != nil {
		return
	}
	succeeded = true
	return
}

// TxStmt wraps an SQL stmt inside an optional transaction.
func TxStmt(transaction *sql.Tx, statement *sql.Stmt) *sql.Stmt {
	if transaction != nil {
		statement = transaction.Stmt(statement)
	}
	return statement
}

// StatementList is a list of SQL statements to prepare and a pointer to
// where to store the resulting prepared statement.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare the SQL for each statement in the list and assign the result to
// the prepared statement.
func (s StatementList) Prepare(db *sql.DB) (err error) {
	for _, statement := range s {
		if *statement.Statement, err = db.Prepare(statement.SQL); err != nil {
			return fmt.Errorf("error %q while preparing statement: %s", err, statement.SQL)
		}
	}
	return
}

// IsUniqueConstraintViolationErr reports whether the error is a unique
// constraint violation from either supported driver. The op store relies on
// this to retry sequence assignment under contention.
func IsUniqueConstraintViolationErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
