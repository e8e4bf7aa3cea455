// Package transaction opens database/sql transaction scopes for the SQL driver.
// A Manager carries the isolation level and optional deadline applied to every
// scope it begins.
package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrTransactionDone is returned when a finished scope is committed again,
	// or rolled back after a commit
	ErrTransactionDone = errors.New("transaction already finished")

	// ErrTransactionTimeout wraps statement errors caused by the scope deadline
	ErrTransactionTimeout = errors.New("transaction timeout")
)

type state int32

const (
	active state = iota
	committed
	rolledBack
)

// Option configures a Manager
type Option func(*Manager)

// WithIsolation sets the isolation level of every scope
func WithIsolation(level IsolationLevel) Option {
	return func(m *Manager) { m.isolation = level }
}

// WithTimeout bounds every scope. Zero means no deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(m *Manager) { m.timeout = timeout }
}

// WithLogger reports finished scopes at debug level
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager begins transaction scopes on one database
type Manager struct {
	db        *sql.DB
	isolation IsolationLevel
	timeout   time.Duration
	logger    *zap.Logger
}

func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Transaction is one open scope. Commit and Rollback release its deadline.
type Transaction struct {
	tx        *sql.Tx
	ctx       context.Context
	release   context.CancelFunc
	bounded   bool
	isolation IsolationLevel
	logger    *zap.Logger
	began     time.Time

	state      atomic.Int32
	statements atomic.Int64
}

// Begin opens a scope. Statements should run under tx.Context() so the
// deadline applies to them.
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	release := context.CancelFunc(func() {})
	if m.timeout > 0 {
		ctx, release = context.WithTimeout(ctx, m.timeout)
	}

	tx, err := m.db.BeginTx(ctx, m.isolation.txOptions())
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Transaction{
		tx:        tx,
		ctx:       ctx,
		release:   release,
		bounded:   m.timeout > 0,
		isolation: m.isolation,
		logger:    m.logger,
		began:     time.Now(),
	}, nil
}

// Run executes fn in a scope, committing when it returns nil. An error or a
// panic rolls the scope back; the panic is re-raised.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx.Context(), tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}

func (t *Transaction) Context() context.Context {
	return t.ctx
}

func (t *Transaction) Isolation() IsolationLevel {
	return t.isolation
}

// Statements counts the statements issued so far
func (t *Transaction) Statements() int64 {
	return t.statements.Load()
}

func (t *Transaction) IsCommitted() bool {
	return state(t.state.Load()) == committed
}

func (t *Transaction) IsRolledBack() bool {
	return state(t.state.Load()) == rolledBack
}

// Commit commits the scope. A failed commit leaves it rolled back.
func (t *Transaction) Commit() error {
	if !t.state.CompareAndSwap(int32(active), int32(committed)) {
		return ErrTransactionDone
	}
	defer t.release()

	if err := t.tx.Commit(); err != nil {
		t.state.Store(int32(rolledBack))
		t.finished("commit failed", err)
		return fmt.Errorf("failed to commit transaction: %w", t.deadline(err))
	}
	t.finished("committed", nil)
	return nil
}

// Rollback aborts the scope. Rolling back twice is a no-op; rolling back a
// committed scope returns ErrTransactionDone.
func (t *Transaction) Rollback() error {
	if !t.state.CompareAndSwap(int32(active), int32(rolledBack)) {
		if t.IsCommitted() {
			return ErrTransactionDone
		}
		return nil
	}
	defer t.release()

	// database/sql already rolled back a scope whose context ended
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		err = nil
	}
	t.finished("rolled back", err)
	if err != nil {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

func (t *Transaction) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	t.statements.Add(1)
	res, err := t.tx.ExecContext(ctx, query, args...)
	return res, t.deadline(err)
}

func (t *Transaction) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	t.statements.Add(1)
	rows, err := t.tx.QueryContext(ctx, query, args...)
	return rows, t.deadline(err)
}

func (t *Transaction) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	t.statements.Add(1)
	return t.tx.QueryRowContext(ctx, query, args...)
}

// deadline marks errors that happened after the scope's own deadline passed
func (t *Transaction) deadline(err error) error {
	if err == nil || !t.bounded || !errors.Is(t.ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransactionTimeout, err)
}

func (t *Transaction) finished(outcome string, err error) {
	if ce := t.logger.Check(zap.DebugLevel, "transaction finished"); ce != nil {
		ce.Write(
			zap.String("outcome", outcome),
			zap.Stringer("isolation", t.isolation),
			zap.Int64("statements", t.statements.Load()),
			zap.Duration("elapsed", time.Since(t.began)),
			zap.Error(err),
		)
	}
}
