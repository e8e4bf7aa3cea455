// Package driver defines the storage contract the Unit of Work depends on.
// A driver executes primitive find, insert, update, delete and link
// operations and scopes writes in a logical transaction.
package driver

import (
	"context"

	"github.com/conduit-lang/keel/internal/orm/schema"
)

// Driver is a connection to one storage backend
type Driver interface {
	// Name identifies the driver ("memory", "sqlite3", "redis", ...)
	Name() string

	// DefaultClientURL is used when no client URL is configured
	DefaultClientURL() string

	Connect(ctx context.Context) error
	IsConnected(ctx context.Context) bool

	// Close releases the connection. With force set, in-flight work is not
	// waited for.
	Close(ctx context.Context, force bool) error

	// Find returns the rows of meta's table matching where, keyed by column
	Find(ctx context.Context, meta *schema.EntitySchema, where Criteria, opts FindOptions) ([]Row, error)

	// FindLinks returns the values of the other column of a join table for
	// every link whose column matches key, in insertion order
	FindLinks(ctx context.Context, jt *schema.JoinTable, column string, key interface{}) ([]interface{}, error)

	// Begin opens a transaction scope for one flush
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a transaction scope. Every write of a flush goes through one Tx;
// nothing becomes visible to other sessions before Commit.
type Tx interface {
	// Insert writes a new row and returns its primary key. When the row
	// carries no key the driver generates one.
	Insert(ctx context.Context, meta *schema.EntitySchema, row Row) (interface{}, error)

	// Update writes exactly the given columns. With a version check, the
	// stored version must equal Expected and is set to Next.
	Update(ctx context.Context, meta *schema.EntitySchema, id interface{}, changes Row, check *VersionCheck) error

	// Delete removes a row
	Delete(ctx context.Context, meta *schema.EntitySchema, id interface{}, check *VersionCheck) error

	LinkInsert(ctx context.Context, jt *schema.JoinTable, ownerKey, inverseKey interface{}) error
	LinkDelete(ctx context.Context, jt *schema.JoinTable, ownerKey, inverseKey interface{}) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// VersionCheck is an optimistic-locking condition on an update or delete
type VersionCheck struct {
	Column   string
	Expected int64
	Next     int64
}
