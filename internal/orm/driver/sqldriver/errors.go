package sqldriver

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/transaction"
)

// ConvertDBError maps backend constraint errors onto the driver sentinels.
// The backend error stays in the chain.
func ConvertDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", driver.ErrNotFound, err)
	}
	if errors.Is(err, sql.ErrTxDone) || errors.Is(err, transaction.ErrTransactionDone) {
		return fmt.Errorf("%w: %w", driver.ErrTxDone, err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", driver.ErrNotConnected, err)
	}
	if transaction.IsRetryableError(err) {
		return fmt.Errorf("%w: %w", driver.ErrSerialization, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if sentinel := fromSQLState(pgErr.Code); sentinel != nil {
			return fmt.Errorf("%w: %w", sentinel, err)
		}
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if sentinel := fromSQLState(string(pqErr.Code)); sentinel != nil {
			return fmt.Errorf("%w: %w", sentinel, err)
		}
		return err
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.Code == sqlite3.ErrConstraint {
		var sentinel error
		switch liteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			sentinel = driver.ErrUniqueViolation
		case sqlite3.ErrConstraintForeignKey:
			sentinel = driver.ErrForeignKeyViolation
		case sqlite3.ErrConstraintNotNull:
			sentinel = driver.ErrNotNullViolation
		case sqlite3.ErrConstraintCheck:
			sentinel = driver.ErrCheckViolation
		}
		if sentinel != nil {
			return fmt.Errorf("%w: %w", sentinel, err)
		}
	}

	return err
}

func fromSQLState(code string) error {
	switch code {
	case "23505": // unique_violation
		return driver.ErrUniqueViolation
	case "23503": // foreign_key_violation
		return driver.ErrForeignKeyViolation
	case "23502": // not_null_violation
		return driver.ErrNotNullViolation
	case "23514": // check_violation
		return driver.ErrCheckViolation
	}
	return nil
}
