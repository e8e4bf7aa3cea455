package transaction

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// IsRetryableError reports whether err is a deadlock, serialization failure or
// busy database. The engine never retries on its own; callers may.
func IsRetryableError(err error) bool {
	return isDeadlockError(err) || isSerializationError(err) || isBusyError(err)
}

// isDeadlockError detects PostgreSQL deadlocks (40P01) and common messages
func isDeadlockError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40P01" {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "40P01" {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, msg := range []string{"deadlock detected", "deadlock found", "lock wait timeout exceeded"} {
		if strings.Contains(errStr, msg) {
			return true
		}
	}
	return false
}

// isSerializationError detects PostgreSQL serialization failures (40001)
func isSerializationError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "40001" {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "could not serialize access")
}

// isBusyError detects SQLite lock contention
func isBusyError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
