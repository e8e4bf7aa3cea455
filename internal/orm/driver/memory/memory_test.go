package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/schema"
)

func library(t *testing.T) *schema.Registry {
	t.Helper()

	registry := schema.NewRegistry()
	require.NoError(t, registry.RegisterAll(
		schema.Define("Author").
			PrimaryKey("id", schema.TypeInt, schema.PKAuto).
			Field("name", schema.TypeString).
			Version("version").
			ToMany("books", "Book", "author").
			MustBuild(),
		schema.Define("Book").
			PrimaryKey("id", schema.TypeInt, schema.PKAuto).
			Field("title", schema.TypeString).
			ToOne("author", "Author").
			ManyToMany("tags", "Tag").
			MustBuild(),
		schema.Define("Tag").
			PrimaryKey("id", schema.TypeInt, schema.PKAuto).
			Field("name", schema.TypeString).
			MustBuild(),
	))
	return registry
}

func connected(t *testing.T, opts ...Option) *Driver {
	t.Helper()
	d := New(opts...)
	require.NoError(t, d.Connect(context.Background()))
	return d
}

func TestInsertAndFind(t *testing.T) {
	ctx := context.Background()
	registry := library(t)
	author := registry.MustGet("Author")
	d := connected(t)

	tx, err := d.Begin(ctx)
	require.NoError(t, err)

	id1, err := tx.Insert(ctx, author, driver.Row{"name": "Le Guin", "version": int64(1)})
	require.NoError(t, err)
	id2, err := tx.Insert(ctx, author, driver.Row{"name": "Banks", "version": int64(1)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)

	// Not visible before commit.
	rows, err := d.Find(ctx, author, nil, driver.FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, tx.Commit(ctx))

	rows, err = d.Find(ctx, author, driver.Criteria{"name": "Banks"}, driver.FindOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0]["id"])

	rows, err = d.Find(ctx, author, nil, driver.FindOptions{OrderBy: []driver.Order{{Column: "name"}}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Banks", rows[0]["name"])

	rows, err = d.Find(ctx, author, driver.Criteria{"id": []int{1, 2}}, driver.FindOptions{
		OrderBy: []driver.Order{{Column: "id", Desc: true}},
		Offset:  1,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Le Guin", rows[0]["name"])
}

func TestAssignedKeysAdvanceSequence(t *testing.T) {
	ctx := context.Background()
	tag := library(t).MustGet("Tag")
	d := connected(t)

	tx, err := d.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Insert(ctx, tag, driver.Row{"id": 10, "name": "sf"})
	require.NoError(t, err)
	id, err := tx.Insert(ctx, tag, driver.Row{"name": "fantasy"})
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)

	_, err = tx.Insert(ctx, tag, driver.Row{"id": int64(10), "name": "dup"})
	assert.ErrorIs(t, err, driver.ErrUniqueViolation)
	require.NoError(t, tx.Commit(ctx))
}

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	tag := library(t).MustGet("Tag")
	d := connected(t)

	tx, err := d.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Insert(ctx, tag, driver.Row{"name": "sf"})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Rollback(ctx))

	assert.Empty(t, d.Rows("tag"))
	_, err = tx.Insert(ctx, tag, driver.Row{"name": "late"})
	assert.ErrorIs(t, err, driver.ErrTxDone)

	// The writer lock was released.
	tx, err = d.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.ErrorIs(t, tx.Commit(ctx), driver.ErrTxDone)
}

func TestUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	author := library(t).MustGet("Author")
	d := connected(t)

	tx, _ := d.Begin(ctx)
	id, err := tx.Insert(ctx, author, driver.Row{"name": "Le Guin", "version": int64(1)})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	t.Run("version match increments", func(t *testing.T) {
		tx, _ := d.Begin(ctx)
		err := tx.Update(ctx, author, id, driver.Row{"name": "Ursula"}, &driver.VersionCheck{Column: "version", Expected: 1, Next: 2})
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))

		rows := d.Rows("author")
		assert.Equal(t, "Ursula", rows[0]["name"])
		assert.Equal(t, int64(2), rows[0]["version"])
	})

	t.Run("version mismatch", func(t *testing.T) {
		tx, _ := d.Begin(ctx)
		defer tx.Rollback(ctx)
		err := tx.Update(ctx, author, id, driver.Row{"name": "x"}, &driver.VersionCheck{Column: "version", Expected: 1, Next: 2})
		assert.True(t, driver.IsVersionMismatch(err))
		err = tx.Delete(ctx, author, id, &driver.VersionCheck{Column: "version", Expected: 1, Next: 2})
		assert.True(t, driver.IsVersionMismatch(err))
	})

	t.Run("missing row", func(t *testing.T) {
		tx, _ := d.Begin(ctx)
		defer tx.Rollback(ctx)
		assert.True(t, driver.IsNotFound(tx.Update(ctx, author, 99, driver.Row{"name": "x"}, nil)))
		assert.True(t, driver.IsNotFound(tx.Delete(ctx, author, 99, nil)))
	})

	t.Run("delete", func(t *testing.T) {
		tx, _ := d.Begin(ctx)
		require.NoError(t, tx.Delete(ctx, author, 1, nil))
		require.NoError(t, tx.Commit(ctx))
		assert.Empty(t, d.Rows("author"))
	})
}

func TestReferentialIntegrity(t *testing.T) {
	ctx := context.Background()
	registry := library(t)
	author, book := registry.MustGet("Author"), registry.MustGet("Book")
	d := connected(t, WithReferentialIntegrity(registry))

	tx, _ := d.Begin(ctx)
	defer tx.Rollback(ctx)

	_, err := tx.Insert(ctx, book, driver.Row{"title": "Dune", "author_id": int64(7)})
	assert.True(t, driver.IsForeignKeyViolation(err))

	_, err = tx.Insert(ctx, book, driver.Row{"title": "Dune"})
	assert.ErrorIs(t, err, driver.ErrNotNullViolation)

	_, err = tx.Insert(ctx, author, driver.Row{"version": int64(1)})
	assert.ErrorIs(t, err, driver.ErrNotNullViolation)

	aid, err := tx.Insert(ctx, author, driver.Row{"name": "Herbert", "version": int64(1)})
	require.NoError(t, err)
	_, err = tx.Insert(ctx, book, driver.Row{"title": "Dune", "author_id": aid})
	require.NoError(t, err)

	err = tx.Delete(ctx, author, aid, nil)
	assert.True(t, driver.IsForeignKeyViolation(err))
}

func TestLinks(t *testing.T) {
	ctx := context.Background()
	rel, _ := library(t).MustGet("Book").Relation("tags")
	jt := rel.JoinTable
	d := connected(t)

	tx, _ := d.Begin(ctx)
	require.NoError(t, tx.LinkInsert(ctx, jt, int64(1), int64(3)))
	require.NoError(t, tx.LinkInsert(ctx, jt, int64(1), int64(2)))
	require.NoError(t, tx.LinkInsert(ctx, jt, int64(2), int64(2)))
	assert.ErrorIs(t, tx.LinkInsert(ctx, jt, 1, 3), driver.ErrUniqueViolation)
	require.NoError(t, tx.LinkDelete(ctx, jt, int64(2), int64(2)))
	require.NoError(t, tx.LinkDelete(ctx, jt, int64(9), int64(9)))
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, 2, d.LinkCount(jt.Name))

	inverse, err := d.FindLinks(ctx, jt, jt.OwnerColumn, 1)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(3), int64(2)}, inverse)

	owners, err := d.FindLinks(ctx, jt, jt.InverseColumn, int64(2))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(1)}, owners)

	_, err = d.FindLinks(ctx, jt, "nope", 1)
	assert.Error(t, err)
}

func TestWritersAreSerialized(t *testing.T) {
	ctx := context.Background()
	tag := library(t).MustGet("Tag")
	d := connected(t)

	tx, err := d.Begin(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	started := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		other, err := d.Begin(ctx)
		if err != nil {
			return
		}
		_, _ = other.Insert(ctx, tag, driver.Row{"name": "second"})
		_ = other.Commit(ctx)
	}()

	<-started
	time.Sleep(10 * time.Millisecond)
	_, err = tx.Insert(ctx, tag, driver.Row{"name": "first"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	wg.Wait()

	rows := d.Rows("tag")
	require.Len(t, rows, 2)
	assert.Equal(t, "first", rows[0]["name"])
	assert.Equal(t, int64(2), rows[1]["id"])
}

func TestNotConnected(t *testing.T) {
	ctx := context.Background()
	d := New()
	assert.False(t, d.IsConnected(ctx))
	assert.Equal(t, "memory", d.Name())
	assert.Equal(t, "memory://", d.DefaultClientURL())

	_, err := d.Begin(ctx)
	assert.ErrorIs(t, err, driver.ErrNotConnected)

	require.NoError(t, d.Connect(ctx))
	require.NoError(t, d.Close(ctx, false))
	_, err = d.Find(ctx, library(t).MustGet("Tag"), nil, driver.FindOptions{})
	assert.ErrorIs(t, err, driver.ErrNotConnected)
}
