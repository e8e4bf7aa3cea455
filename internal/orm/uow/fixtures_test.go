package uow

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/driver/memory"
	"github.com/conduit-lang/keel/internal/orm/entity"
	"github.com/conduit-lang/keel/internal/orm/schema"
)

func bookstore(t *testing.T) *schema.Registry {
	t.Helper()

	registry := schema.NewRegistry()
	require.NoError(t, registry.RegisterAll(
		schema.Define("Publisher").
			PrimaryKey("id", schema.TypeInt, schema.PKAuto).
			Field("name", schema.TypeString).
			ToMany("books", "Book", "publisher").
			MustBuild(),
		schema.Define("Author").
			PrimaryKey("id", schema.TypeInt, schema.PKAuto).
			Field("name", schema.TypeString).
			Field("email", schema.TypeString, schema.Nullable()).
			Field("born", schema.TypeInt, schema.Nullable()).
			Version("version").
			ToMany("books", "Book", "author", schema.CascadeAll()).
			ToOne("favorite", "Book", schema.NullableRelation()).
			MustBuild(),
		schema.Define("Book").
			PrimaryKey("id", schema.TypeInt, schema.PKAuto).
			Field("title", schema.TypeString).
			ToOne("author", "Author", schema.WithCascade(schema.CascadePersist)).
			ToOne("publisher", "Publisher", schema.NullableRelation()).
			ManyToMany("tags", "Tag", schema.OrderedCollection(), schema.InverseOf("books"),
				schema.WithCascade(schema.CascadePersist)).
			MustBuild(),
		schema.Define("Tag").
			PrimaryKey("id", schema.TypeInt, schema.PKAuto).
			Field("name", schema.TypeString).
			ManyToManyInverse("books", "Book", "tags").
			MustBuild(),
		schema.Define("Review").
			PrimaryKey("id", schema.TypeUUID, schema.PKUUID).
			Field("body", schema.TypeString).
			ToOne("book", "Book", schema.WithCascade(schema.CascadePersist)).
			MustBuild(),
		schema.Define("Country").
			PrimaryKey("code", schema.TypeString, schema.PKAssigned).
			Field("name", schema.TypeString, schema.WithLength(12)).
			MustBuild(),
		schema.Define("Person").
			PrimaryKey("id", schema.TypeInt, schema.PKAuto).
			Field("name", schema.TypeString).
			ToOne("passport", "Passport", schema.WithCascade(schema.CascadePersist)).
			MustBuild(),
		schema.Define("Passport").
			PrimaryKey("id", schema.TypeInt, schema.PKAuto).
			Field("number", schema.TypeString).
			ToOne("holder", "Person", schema.WithCascade(schema.CascadePersist)).
			MustBuild(),
	))
	return registry
}

// call is one driver primitive seen by the recording driver
type call struct {
	Op      string
	Table   string
	ID      interface{}
	Row     driver.Row
	Check   *driver.VersionCheck
	Owner   interface{}
	Inverse interface{}
}

// recordingDriver wraps a driver and logs every primitive. fail, when set,
// can reject a primitive before it reaches the wrapped driver.
type recordingDriver struct {
	driver.Driver

	mu     sync.Mutex
	calls  []call
	fail   func(c call, n int) error
	before func(c call)
}

func newRecordingDriver(t *testing.T, registry *schema.Registry) *recordingDriver {
	t.Helper()
	mem := memory.New(memory.WithReferentialIntegrity(registry))
	require.NoError(t, mem.Connect(context.Background()))
	return &recordingDriver{Driver: mem}
}

func (r *recordingDriver) record(c call) error {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	n := 0
	for _, x := range r.calls {
		if x.Op == c.Op {
			n++
		}
	}
	fail, before := r.fail, r.before
	r.mu.Unlock()

	if before != nil {
		before(c)
	}
	if fail != nil {
		return fail(c, n)
	}
	return nil
}

func (r *recordingDriver) ops(op string) []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []call
	for _, c := range r.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (r *recordingDriver) count(op string) int {
	return len(r.ops(op))
}

// writes returns the write primitives as "op table" strings in order
func (r *recordingDriver) writes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		switch c.Op {
		case "insert", "update", "delete", "link_insert", "link_delete":
			out = append(out, c.Op+" "+c.Table)
		}
	}
	return out
}

func (r *recordingDriver) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func (r *recordingDriver) Find(ctx context.Context, meta *schema.EntitySchema, where driver.Criteria, opts driver.FindOptions) ([]driver.Row, error) {
	if err := r.record(call{Op: "find", Table: meta.TableName}); err != nil {
		return nil, err
	}
	return r.Driver.Find(ctx, meta, where, opts)
}

func (r *recordingDriver) FindLinks(ctx context.Context, jt *schema.JoinTable, column string, key interface{}) ([]interface{}, error) {
	if err := r.record(call{Op: "find_links", Table: jt.Name, ID: key}); err != nil {
		return nil, err
	}
	return r.Driver.FindLinks(ctx, jt, column, key)
}

func (r *recordingDriver) Begin(ctx context.Context) (driver.Tx, error) {
	if err := r.record(call{Op: "begin"}); err != nil {
		return nil, err
	}
	tx, err := r.Driver.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &recordingTx{Tx: tx, r: r}, nil
}

type recordingTx struct {
	driver.Tx
	r *recordingDriver
}

func (tx *recordingTx) Insert(ctx context.Context, meta *schema.EntitySchema, row driver.Row) (interface{}, error) {
	if err := tx.r.record(call{Op: "insert", Table: meta.TableName, Row: row.Clone()}); err != nil {
		return nil, err
	}
	return tx.Tx.Insert(ctx, meta, row)
}

func (tx *recordingTx) Update(ctx context.Context, meta *schema.EntitySchema, id interface{}, changes driver.Row, check *driver.VersionCheck) error {
	if err := tx.r.record(call{Op: "update", Table: meta.TableName, ID: id, Row: changes.Clone(), Check: check}); err != nil {
		return err
	}
	return tx.Tx.Update(ctx, meta, id, changes, check)
}

func (tx *recordingTx) Delete(ctx context.Context, meta *schema.EntitySchema, id interface{}, check *driver.VersionCheck) error {
	if err := tx.r.record(call{Op: "delete", Table: meta.TableName, ID: id, Check: check}); err != nil {
		return err
	}
	return tx.Tx.Delete(ctx, meta, id, check)
}

func (tx *recordingTx) LinkInsert(ctx context.Context, jt *schema.JoinTable, ownerKey, inverseKey interface{}) error {
	if err := tx.r.record(call{Op: "link_insert", Table: jt.Name, Owner: ownerKey, Inverse: inverseKey}); err != nil {
		return err
	}
	return tx.Tx.LinkInsert(ctx, jt, ownerKey, inverseKey)
}

func (tx *recordingTx) LinkDelete(ctx context.Context, jt *schema.JoinTable, ownerKey, inverseKey interface{}) error {
	if err := tx.r.record(call{Op: "link_delete", Table: jt.Name, Owner: ownerKey, Inverse: inverseKey}); err != nil {
		return err
	}
	return tx.Tx.LinkDelete(ctx, jt, ownerKey, inverseKey)
}

func (tx *recordingTx) Commit(ctx context.Context) error {
	if err := tx.r.record(call{Op: "commit"}); err != nil {
		_ = tx.Tx.Rollback(ctx)
		return err
	}
	return tx.Tx.Commit(ctx)
}

func (tx *recordingTx) Rollback(ctx context.Context) error {
	_ = tx.r.record(call{Op: "rollback"})
	return tx.Tx.Rollback(ctx)
}

// harness bundles a registry, a recording driver and a Unit of Work
type harness struct {
	t        *testing.T
	ctx      context.Context
	registry *schema.Registry
	driver   *recordingDriver
	uow      *UnitOfWork
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	registry := bookstore(t)
	d := newRecordingDriver(t, registry)
	return &harness{
		t:        t,
		ctx:      context.Background(),
		registry: registry,
		driver:   d,
		uow:      New(registry, d, opts...),
	}
}

// session opens another Unit of Work over the same storage
func (h *harness) session(opts ...Option) *UnitOfWork {
	return New(h.registry, h.driver, opts...)
}

func (h *harness) create(entityType string, values map[string]interface{}) *entity.Entity {
	h.t.Helper()
	e, err := h.uow.Create(entityType)
	require.NoError(h.t, err)
	require.NoError(h.t, e.Assign(values))
	return e
}

func (h *harness) flush() {
	h.t.Helper()
	require.NoError(h.t, h.uow.Flush(h.ctx))
}

// seedAuthor stores an author with two books and returns their keys
func (h *harness) seedAuthor() (authorID interface{}, bookIDs []interface{}) {
	h.t.Helper()
	author := h.create("Author", map[string]interface{}{"name": "Le Guin"})
	b1 := h.create("Book", map[string]interface{}{"title": "The Dispossessed", "author": author})
	b2 := h.create("Book", map[string]interface{}{"title": "The Lathe of Heaven", "author": author})
	require.NoError(h.t, h.uow.Persist(author))
	h.flush()
	h.driver.reset()
	return author.ID(), []interface{}{b1.ID(), b2.ID()}
}
