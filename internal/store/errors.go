package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrClaimLost is returned when releasing a job the caller no longer owns,
	// typically because the reaper already failed it.
	ErrClaimLost = errors.New("claimed execution not owned by process")
	// ErrDuplicateRecurring means another dispatcher already fired the slot.
	ErrDuplicateRecurring = errors.New("recurring execution already enqueued for slot")
	// ErrProcessNotFound means the process row is gone (pruned or deregistered).
	ErrProcessNotFound = errors.New("process not registered")
	ErrNotFound        = errors.New("not found")
)

const pgUniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique-constraint failure for any
// supported driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code := sqErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
