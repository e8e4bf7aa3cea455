// Package sqldriver implements the keel driver contract on database/sql for
// SQLite, PostgreSQL via lib/pq and PostgreSQL via pgx.
package sqldriver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/schema"
	"github.com/conduit-lang/keel/internal/orm/transaction"
)

// Driver executes primitives as SQL statements
type Driver struct {
	dialect   *Dialect
	url       string
	isolation transaction.IsolationLevel
	timeout   time.Duration
	logger    *zap.Logger

	mu  sync.RWMutex
	db  *sql.DB
	txm *transaction.Manager
}

// Option configures a Driver
type Option func(*Driver)

// WithDB uses an already opened database instead of opening the client URL
func WithDB(db *sql.DB) Option {
	return func(d *Driver) {
		d.db = db
	}
}

// WithIsolation sets the isolation level of flush transactions
func WithIsolation(level transaction.IsolationLevel) Option {
	return func(d *Driver) {
		d.isolation = level
	}
}

// WithTxTimeout bounds every flush transaction
func WithTxTimeout(timeout time.Duration) Option {
	return func(d *Driver) {
		d.timeout = timeout
	}
}

// WithLogger logs every statement at debug level
func WithLogger(logger *zap.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// New creates a driver for the named dialect. An empty url selects the
// dialect's default.
func New(dialect, url string, opts ...Option) (*Driver, error) {
	dl, err := LookupDialect(dialect)
	if err != nil {
		return nil, err
	}
	if url == "" {
		url = dl.DefaultURL
	}
	d := &Driver{dialect: dl, url: url, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Name implements driver.Driver
func (d *Driver) Name() string {
	return d.dialect.Name
}

// DefaultClientURL implements driver.Driver
func (d *Driver) DefaultClientURL() string {
	return d.dialect.DefaultURL
}

// Dialect returns the SQL dialect in use
func (d *Driver) Dialect() *Dialect {
	return d.dialect
}

// DB returns the underlying database handle, nil before Connect
func (d *Driver) DB() *sql.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

// Connect opens the database unless one was supplied, and pings it
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		db, err := sql.Open(d.dialect.SQLDriver, d.url)
		if err != nil {
			return fmt.Errorf("failed to open %s database: %w", d.dialect.Name, err)
		}
		d.db = db
	}
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s database: %w", d.dialect.Name, err)
	}
	d.txm = transaction.NewManager(d.db,
		transaction.WithIsolation(d.isolation),
		transaction.WithTimeout(d.timeout),
		transaction.WithLogger(d.logger),
	)
	return nil
}

// IsConnected pings the database
func (d *Driver) IsConnected(ctx context.Context) bool {
	d.mu.RLock()
	db, txm := d.db, d.txm
	d.mu.RUnlock()
	return db != nil && txm != nil && db.PingContext(ctx) == nil
}

// Close closes the database. sql.DB already waits for statements that have
// started, so force makes no difference here.
func (d *Driver) Close(_ context.Context, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	db := d.db
	d.txm = nil
	d.db = nil
	return db.Close()
}

func (d *Driver) manager() (*transaction.Manager, *sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.txm == nil {
		return nil, nil, driver.ErrNotConnected
	}
	return d.txm, d.db, nil
}

// Find implements driver.Driver
func (d *Driver) Find(ctx context.Context, meta *schema.EntitySchema, where driver.Criteria, opts driver.FindOptions) ([]driver.Row, error) {
	_, db, err := d.manager()
	if err != nil {
		return nil, err
	}

	cols := columns(meta)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = d.dialect.Quote(c.name)
	}

	clause, args, err := d.dialect.whereClause(meta, where, 1)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s%s", strings.Join(names, ", "), d.dialect.Quote(meta.TableName), clause)
	if len(opts.OrderBy) > 0 {
		parts := make([]string, len(opts.OrderBy))
		for i, o := range opts.OrderBy {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts[i] = d.dialect.Quote(o.Column) + " " + dir
		}
		b.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}
	if opts.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 && !d.dialect.numbered {
			b.WriteString(" LIMIT -1")
		}
		fmt.Fprintf(&b, " OFFSET %d", opts.Offset)
	}

	query := b.String()
	d.log(query, args)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	defer rows.Close()

	return scanRows(rows, cols)
}

// FindLinks implements driver.Driver
func (d *Driver) FindLinks(ctx context.Context, jt *schema.JoinTable, column string, key interface{}) ([]interface{}, error) {
	_, db, err := d.manager()
	if err != nil {
		return nil, err
	}

	var other string
	switch column {
	case jt.OwnerColumn:
		other = jt.InverseColumn
	case jt.InverseColumn:
		other = jt.OwnerColumn
	default:
		return nil, fmt.Errorf("join table %s has no column %s", jt.Name, column)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		d.dialect.Quote(other), d.dialect.Quote(jt.Name), d.dialect.Quote(column), d.dialect.Placeholder(1))
	d.log(query, []interface{}{key})
	rows, err := db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	defer rows.Close()

	var out []interface{}
	for rows.Next() {
		var v interface{}
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Begin opens a database transaction
func (d *Driver) Begin(ctx context.Context) (driver.Tx, error) {
	txm, _, err := d.manager()
	if err != nil {
		return nil, err
	}

	tx, err := txm.Begin(ctx)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	return &Tx{driver: d, tx: tx}, nil
}

func (d *Driver) log(query string, args []interface{}) {
	if ce := d.logger.Check(zap.DebugLevel, "sql"); ce != nil {
		ce.Write(zap.String("driver", d.dialect.Name), zap.String("query", query), zap.Int("args", len(args)))
	}
}

func scanRows(rows *sql.Rows, cols []column) ([]driver.Row, error) {
	var out []driver.Row
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(driver.Row, len(cols))
		for i, c := range cols {
			v, err := decode(c, values[i])
			if err != nil {
				return nil, err
			}
			row[c.name] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, ConvertDBError(err)
	}
	return out, nil
}
