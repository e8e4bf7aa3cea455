package uow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/conduit-lang/keel/internal/orm/driver"
)

var (
	// ErrFlushInProgress is returned when Flush is called while a flush is executing
	ErrFlushInProgress = errors.New("flush already in progress")

	// ErrClosed is returned when a closed Unit of Work is used
	ErrClosed = errors.New("unit of work is closed")

	// ErrNilEntity is returned when a nil entity is persisted or removed
	ErrNilEntity = errors.New("nil entity")
)

// ValidationError reports an entity state that cannot be flushed. It is
// raised before any I/O happens.
type ValidationError struct {
	Entity  string
	Field   string
	Message string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: %s.%s: %s", e.Entity, e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Entity, e.Message)
}

// CascadeCycleError reports required to-one references that form a cycle,
// so no insert (or delete) order can satisfy them.
type CascadeCycleError struct {
	Operation string
	Cycle     []string
}

// Error implements the error interface
func (e *CascadeCycleError) Error() string {
	return fmt.Sprintf("cannot order %s operations, required references form a cycle: %s",
		e.Operation, strings.Join(e.Cycle, " -> "))
}

// DriverError wraps a failed driver primitive
type DriverError struct {
	Op     string
	Entity string
	Err    error
}

// Error implements the error interface
func (e *DriverError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.Entity, e.Err)
}

// Unwrap returns the backend error
func (e *DriverError) Unwrap() error {
	return e.Err
}

// ConcurrencyError reports a failed optimistic version check. Entity is
// empty when the backend only detects the conflict at commit.
type ConcurrencyError struct {
	Entity   string
	ID       interface{}
	Expected int64
	Err      error
}

// Error implements the error interface
func (e *ConcurrencyError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("commit conflicted with a concurrent transaction: %v", e.Err)
	}
	return fmt.Sprintf("%s(%v) was modified concurrently, expected version %d", e.Entity, e.ID, e.Expected)
}

// Unwrap returns the driver error
func (e *ConcurrencyError) Unwrap() error {
	return e.Err
}

// NotFoundError reports a load that found no row
type NotFoundError struct {
	Entity   string
	Criteria driver.Criteria
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found (%v)", e.Entity, map[string]interface{}(e.Criteria))
}

// Is makes NotFoundError match driver.ErrNotFound
func (e *NotFoundError) Is(target error) bool {
	return target == driver.ErrNotFound
}

// IsValidation returns true if err is or wraps a ValidationError
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsCascadeCycle returns true if err is or wraps a CascadeCycleError
func IsCascadeCycle(err error) bool {
	var target *CascadeCycleError
	return errors.As(err, &target)
}

// IsDriver returns true if err is or wraps a DriverError
func IsDriver(err error) bool {
	var target *DriverError
	return errors.As(err, &target)
}

// IsConcurrency returns true if err is or wraps a ConcurrencyError
func IsConcurrency(err error) bool {
	var target *ConcurrencyError
	return errors.As(err, &target)
}

// IsNotFound returns true if err is or wraps a NotFoundError
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func validationf(entity, field, format string, args ...interface{}) error {
	return &ValidationError{Entity: entity, Field: field, Message: fmt.Sprintf(format, args...)}
}
