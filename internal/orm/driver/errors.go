package driver

import "errors"

var (
	// ErrNotFound is returned when the row addressed by a primitive does not exist
	ErrNotFound = errors.New("record not found")

	// ErrVersionMismatch is returned when an optimistic version check fails
	ErrVersionMismatch = errors.New("record was modified by another transaction")

	// ErrUniqueViolation is returned when a unique constraint is violated
	ErrUniqueViolation = errors.New("unique constraint violation")

	// ErrForeignKeyViolation is returned when a foreign key constraint is violated
	ErrForeignKeyViolation = errors.New("foreign key constraint violation")

	// ErrNotNullViolation is returned when a NOT NULL constraint is violated
	ErrNotNullViolation = errors.New("not null constraint violation")

	// ErrCheckViolation is returned when a check constraint is violated
	ErrCheckViolation = errors.New("check constraint violation")

	// ErrNotConnected is returned when the driver is used before Connect or after Close
	ErrNotConnected = errors.New("driver is not connected")

	// ErrTxDone is returned when a finished transaction is used
	ErrTxDone = errors.New("transaction already finished")

	// ErrSerialization is returned when the backend aborts a transaction that
	// raced a concurrent writer (deadlock, serialization failure, busy database)
	ErrSerialization = errors.New("transaction conflicted with a concurrent writer")
)

// IsNotFound returns true if the error is ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsVersionMismatch returns true if the error is ErrVersionMismatch
func IsVersionMismatch(err error) bool {
	return errors.Is(err, ErrVersionMismatch)
}

// IsSerialization returns true if the error is ErrSerialization
func IsSerialization(err error) bool {
	return errors.Is(err, ErrSerialization)
}

// IsUniqueViolation returns true if the error is ErrUniqueViolation
func IsUniqueViolation(err error) bool {
	return errors.Is(err, ErrUniqueViolation)
}

// IsForeignKeyViolation returns true if the error is ErrForeignKeyViolation
func IsForeignKeyViolation(err error) bool {
	return errors.Is(err, ErrForeignKeyViolation)
}
