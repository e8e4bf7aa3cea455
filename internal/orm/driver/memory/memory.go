// Package memory is an in-process storage driver. Writers are serialized and
// work on a private copy of the data that replaces the committed state on
// commit, so readers never observe uncommitted rows.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/schema"
)

type table struct {
	rows  map[string]driver.Row
	order []string
}

type link struct {
	owner   interface{}
	inverse interface{}
}

type state struct {
	tables map[string]*table
	links  map[string][]link
	seq    map[string]int64
}

func newState() *state {
	return &state{
		tables: make(map[string]*table),
		links:  make(map[string][]link),
		seq:    make(map[string]int64),
	}
}

func (s *state) clone() *state {
	out := newState()
	for name, t := range s.tables {
		ct := &table{rows: make(map[string]driver.Row, len(t.rows)), order: append([]string(nil), t.order...)}
		for k, r := range t.rows {
			ct.rows[k] = r.Clone()
		}
		out.tables[name] = ct
	}
	for name, l := range s.links {
		out.links[name] = append([]link(nil), l...)
	}
	for name, n := range s.seq {
		out.seq[name] = n
	}
	return out
}

func (s *state) table(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{rows: make(map[string]driver.Row)}
		s.tables[name] = t
	}
	return t
}

// Option configures the memory driver
type Option func(*Driver)

// WithReferentialIntegrity makes the driver enforce foreign keys and NOT NULL
// columns the way a relational database would, using the registry to resolve
// relation targets.
func WithReferentialIntegrity(registry *schema.Registry) Option {
	return func(d *Driver) { d.registry = registry }
}

// Driver is the in-memory driver
type Driver struct {
	mu        sync.RWMutex // guards committed and connected
	writer    sync.Mutex   // held by the open transaction
	committed *state
	connected bool
	registry  *schema.Registry
}

// New creates an empty memory driver
func New(opts ...Option) *Driver {
	d := &Driver{committed: newState()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements driver.Driver
func (d *Driver) Name() string { return "memory" }

// DefaultClientURL implements driver.Driver
func (d *Driver) DefaultClientURL() string { return "memory://" }

// Connect implements driver.Driver
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

// IsConnected implements driver.Driver
func (d *Driver) IsConnected(ctx context.Context) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Close implements driver.Driver. Data survives a reconnect.
func (d *Driver) Close(ctx context.Context, force bool) error {
	if !force {
		// Wait for an in-flight transaction to finish.
		d.writer.Lock()
		defer d.writer.Unlock()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *Driver) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.IsConnected(ctx) {
		return driver.ErrNotConnected
	}
	return nil
}

// Find implements driver.Driver
func (d *Driver) Find(ctx context.Context, meta *schema.EntitySchema, where driver.Criteria, opts driver.FindOptions) ([]driver.Row, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.committed.tables[meta.TableName]
	if !ok {
		return nil, nil
	}

	var out []driver.Row
	for _, key := range t.order {
		row := t.rows[key]
		if where.Match(row) {
			out = append(out, row.Clone())
		}
	}
	return opts.Apply(out), nil
}

// FindLinks implements driver.Driver
func (d *Driver) FindLinks(ctx context.Context, jt *schema.JoinTable, column string, key interface{}) ([]interface{}, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []interface{}
	for _, l := range d.committed.links[jt.Name] {
		switch column {
		case jt.OwnerColumn:
			if driver.Equal(l.owner, key) {
				out = append(out, l.inverse)
			}
		case jt.InverseColumn:
			if driver.Equal(l.inverse, key) {
				out = append(out, l.owner)
			}
		default:
			return nil, fmt.Errorf("join table %s has no column %s", jt.Name, column)
		}
	}
	return out, nil
}

// Begin implements driver.Driver. It blocks while another transaction is open.
func (d *Driver) Begin(ctx context.Context) (driver.Tx, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}

	d.writer.Lock()
	d.mu.RLock()
	working := d.committed.clone()
	d.mu.RUnlock()

	return &Tx{driver: d, state: working}, nil
}

// Rows returns the committed rows of a table in insertion order
func (d *Driver) Rows(tableName string) []driver.Row {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.committed.tables[tableName]
	if !ok {
		return nil
	}
	out := make([]driver.Row, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.rows[k].Clone())
	}
	return out
}

// LinkCount returns the number of committed links in a join table
func (d *Driver) LinkCount(joinTable string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.committed.links[joinTable])
}
