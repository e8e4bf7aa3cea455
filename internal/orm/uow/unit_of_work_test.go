package uow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/entity"
	"github.com/conduit-lang/keel/internal/orm/hooks"
)

func TestFindReturnsSameInstance(t *testing.T) {
	h := newHarness(t)
	authorID, bookIDs := h.seedAuthor()

	u := h.session()
	a1, err := u.Load(h.ctx, "Author", authorID)
	require.NoError(t, err)
	a2, err := u.Load(h.ctx, "Author", authorID)
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	assert.Equal(t, 1, h.driver.count("find"), "second load is served by the identity map")

	found, err := u.Find(h.ctx, "Author", driver.Criteria{"name": "Le Guin"}, driver.FindOptions{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Same(t, a1, found[0])

	books, err := u.Find(h.ctx, "Book", driver.Criteria{"author": a1}, driver.FindOptions{
		OrderBy: []driver.Order{{Column: "title"}},
	})
	require.NoError(t, err)
	require.Len(t, books, 2)
	assert.Same(t, a1, books[0].Ref("author"), "references resolve through the identity map")

	b, err := u.FindOne(h.ctx, "Book", driver.Criteria{"id": bookIDs[0]})
	require.NoError(t, err)
	assert.Same(t, books[0], b)

	none, err := u.FindOne(h.ctx, "Book", driver.Criteria{"title": "missing"})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestLoadMissingRegistersNothing(t *testing.T) {
	h := newHarness(t)

	_, err := h.uow.Load(h.ctx, "Author", 404)
	assert.True(t, IsNotFound(err))
	assert.ErrorIs(t, err, driver.ErrNotFound)
	assert.Equal(t, 0, h.uow.IdentityMap().Len())

	_, err = h.uow.Load(h.ctx, "Nope", 1)
	assert.True(t, IsValidation(err))
}

func TestReferenceAndInit(t *testing.T) {
	h := newHarness(t)
	authorID, _ := h.seedAuthor()

	u := h.session()
	ref, err := u.Reference("Author", authorID)
	require.NoError(t, err)
	assert.False(t, ref.IsInitialized())
	assert.Equal(t, 0, h.driver.count("find"))

	loaded, err := u.Load(h.ctx, "Author", authorID)
	require.NoError(t, err)
	assert.Same(t, ref, loaded)
	assert.True(t, ref.IsInitialized())
	assert.Equal(t, "Le Guin", ref.Get("name"))

	missing, err := u.Reference("Author", 999)
	require.NoError(t, err)
	assert.True(t, IsNotFound(u.Init(h.ctx, missing)))
}

func TestNoOpFlushIssuesNoPrimitives(t *testing.T) {
	h := newHarness(t)
	authorID, _ := h.seedAuthor()

	u := h.session()
	author, err := u.Load(h.ctx, "Author", authorID)
	require.NoError(t, err)
	require.NoError(t, u.Persist(author))

	require.NoError(t, u.Flush(h.ctx))
	assert.Equal(t, 0, h.driver.count("update"))
	assert.Equal(t, 0, h.driver.count("begin"))
	assert.Equal(t, StateIdle, u.State())

	// Setting a field to its current value is not a change either.
	require.NoError(t, author.Set("name", "Le Guin"))
	require.NoError(t, u.Flush(h.ctx))
	assert.Equal(t, 0, h.driver.count("update"))
}

func TestPartialUpdate(t *testing.T) {
	h := newHarness(t)
	author := h.create("Author", map[string]interface{}{"name": "Banks", "email": "ib@example.com", "born": 1954})
	require.NoError(t, h.uow.Persist(author))
	h.flush()
	h.driver.reset()

	require.NoError(t, author.Set("name", "Iain M. Banks"))
	require.NoError(t, author.Set("email", "iain@example.com"))
	h.flush()

	updates := h.driver.ops("update")
	require.Len(t, updates, 1)
	assert.Equal(t, driver.Row{"name": "Iain M. Banks", "email": "iain@example.com"}, updates[0].Row)
	require.NotNil(t, updates[0].Check)
	assert.Equal(t, int64(1), updates[0].Check.Expected)
	assert.Equal(t, int64(2), updates[0].Check.Next)
	assert.Equal(t, int64(2), author.Get("version"))

	// The snapshot was refreshed: a second flush is a no-op.
	h.driver.reset()
	h.flush()
	assert.Equal(t, 0, h.driver.count("update"))
}

func TestManagedEntitiesAreDirtyCheckedWithoutPersist(t *testing.T) {
	h := newHarness(t)
	authorID, _ := h.seedAuthor()

	u := h.session()
	author, err := u.Load(h.ctx, "Author", authorID)
	require.NoError(t, err)
	require.NoError(t, author.Set("born", 1929))
	require.NoError(t, u.Flush(h.ctx))

	updates := h.driver.ops("update")
	require.Len(t, updates, 1)
	assert.Equal(t, driver.Row{"born": 1929}, updates[0].Row)
}

func TestCascadePersistInsertsReferencedFirst(t *testing.T) {
	h := newHarness(t)
	author := h.create("Author", map[string]interface{}{"name": "Herbert"})
	book, err := h.uow.Create("Book")
	require.NoError(t, err)
	require.NoError(t, book.Set("title", "Dune"))
	require.NoError(t, book.SetRef("author", author))

	require.NoError(t, h.uow.Persist(book))
	assert.Equal(t, 2, h.uow.Stats().Inserts)
	h.flush()

	assert.Equal(t, []string{"insert author", "insert book"}, h.driver.writes())
	inserts := h.driver.ops("insert")
	assert.Equal(t, author.ID(), inserts[1].Row["author_id"])
	assert.True(t, h.uow.IsManaged(author))
	assert.True(t, h.uow.IsManaged(book))
	assert.Equal(t, 0, h.uow.Stats().Inserts)
}

func TestCascadeDiscoveredAtFlush(t *testing.T) {
	h := newHarness(t)
	authorID, _ := h.seedAuthor()

	u := h.session()
	author, err := u.Load(h.ctx, "Author", authorID)
	require.NoError(t, err)

	// Added after load without calling Persist: found through cascade.
	book, err := u.Create("Book")
	require.NoError(t, err)
	require.NoError(t, book.Set("title", "Tehanu"))
	require.NoError(t, author.Collection("books").Add(book))

	require.NoError(t, u.Flush(h.ctx))
	assert.Equal(t, []string{"insert book"}, h.driver.writes())
	assert.True(t, book.HasID())
}

func TestRequiredCycleIsRejectedBeforeIO(t *testing.T) {
	h := newHarness(t)
	person := h.create("Person", map[string]interface{}{"name": "Ada"})
	passport := h.create("Passport", map[string]interface{}{"number": "X1"})
	require.NoError(t, person.SetRef("passport", passport))
	require.NoError(t, passport.SetRef("holder", person))
	require.NoError(t, h.uow.Persist(person))

	err := h.uow.Flush(h.ctx)
	require.Error(t, err)
	assert.True(t, IsCascadeCycle(err))

	var cycleErr *CascadeCycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, "insert", cycleErr.Operation)
	assert.Len(t, cycleErr.Cycle, 3)

	assert.Equal(t, 0, h.driver.count("insert"))
	assert.Equal(t, 0, h.driver.count("begin"))
	assert.Equal(t, 2, h.uow.Stats().Inserts)
	assert.Equal(t, StateCollecting, h.uow.State())
}

func TestRollbackLeavesEntitiesUntouched(t *testing.T) {
	h := newHarness(t)
	var tags []*entity.Entity
	for _, name := range []string{"sf", "fantasy", "horror", "poetry"} {
		tag := h.create("Tag", map[string]interface{}{"name": name})
		tags = append(tags, tag)
	}
	require.NoError(t, h.uow.Persist(tags...))

	diskFull := errors.New("disk full")
	h.driver.fail = func(c call, n int) error {
		if c.Op == "insert" && n == 3 {
			return diskFull
		}
		return nil
	}

	err := h.uow.Flush(h.ctx)
	require.Error(t, err)
	assert.True(t, IsDriver(err))
	assert.ErrorIs(t, err, diskFull)

	assert.Equal(t, 3, h.driver.count("insert"))
	assert.Equal(t, 1, h.driver.count("rollback"))
	assert.Equal(t, 0, h.driver.count("commit"))
	for _, tag := range tags {
		assert.False(t, tag.HasID(), "%s must not receive a key", tag)
		assert.False(t, h.uow.IsManaged(tag))
	}
	assert.Equal(t, 0, h.uow.IdentityMap().Len())
	assert.Equal(t, 4, h.uow.Stats().Inserts)
	assert.Empty(t, h.driver.Driver.(interface {
		Rows(string) []driver.Row
	}).Rows("tag"))

	// The same state can be flushed again.
	h.driver.fail = nil
	h.flush()
	for _, tag := range tags {
		assert.True(t, tag.HasID())
	}
}

func TestUpdateFailureKeepsSnapshot(t *testing.T) {
	h := newHarness(t)
	authorID, _ := h.seedAuthor()

	u := h.session()
	author, err := u.Load(h.ctx, "Author", authorID)
	require.NoError(t, err)
	require.NoError(t, author.Set("name", "Ursula"))

	h.driver.fail = func(c call, n int) error {
		if c.Op == "commit" {
			return errors.New("connection reset")
		}
		return nil
	}
	require.Error(t, u.Flush(h.ctx))
	assert.Equal(t, int64(1), author.Get("version"))
	assert.True(t, u.ChangeSet(author).Changed("name"))

	h.driver.fail = nil
	require.NoError(t, u.Flush(h.ctx))
	assert.False(t, u.ChangeSet(author).Changed("name"))
}

func TestCollectionLoadsOnce(t *testing.T) {
	h := newHarness(t)
	authorID, _ := h.seedAuthor()

	u := h.session()
	author, err := u.Load(h.ctx, "Author", authorID)
	require.NoError(t, err)

	books := author.Collection("books")
	assert.False(t, books.IsInitialized())

	items, err := books.Items(h.ctx)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	finds := h.driver.count("find")

	items, err = books.Items(h.ctx)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	n, err := books.Count(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, finds, h.driver.count("find"))
	for _, b := range items {
		assert.Same(t, author, b.Ref("author"))
	}
}

func TestManyToManyAddThenRemoveIsNoOp(t *testing.T) {
	h := newHarness(t)
	_, bookIDs := h.seedAuthor()
	tag := h.create("Tag", map[string]interface{}{"name": "sf"})
	require.NoError(t, h.uow.Persist(tag))
	h.flush()
	tagID := tag.ID()

	u := h.session()
	book, err := u.Load(h.ctx, "Book", bookIDs[0])
	require.NoError(t, err)
	tag, err = u.Load(h.ctx, "Tag", tagID)
	require.NoError(t, err)
	h.driver.reset()

	tags := book.Collection("tags")
	require.NoError(t, tags.Add(tag))
	require.NoError(t, tags.Remove(tag))
	assert.False(t, tags.IsDirty())

	require.NoError(t, u.Flush(h.ctx))
	assert.Equal(t, 0, h.driver.count("link_insert"))
	assert.Equal(t, 0, h.driver.count("link_delete"))
}

func TestManyToManyLinks(t *testing.T) {
	h := newHarness(t)
	_, bookIDs := h.seedAuthor()

	u := h.session()
	book, err := u.Load(h.ctx, "Book", bookIDs[0])
	require.NoError(t, err)
	sf, _ := u.Create("Tag")
	require.NoError(t, sf.Set("name", "sf"))
	utopia, _ := u.Create("Tag")
	require.NoError(t, utopia.Set("name", "utopia"))

	require.NoError(t, book.Collection("tags").Add(sf, utopia))
	require.NoError(t, u.Flush(h.ctx))

	assert.Equal(t, []string{"insert tag", "insert tag", "link_insert book_tags", "link_insert book_tags"}, h.driver.writes())
	links := h.driver.ops("link_insert")
	assert.Equal(t, book.ID(), links[0].Owner)
	assert.Equal(t, sf.ID(), links[0].Inverse)
	assert.False(t, book.Collection("tags").IsDirty())

	t.Run("loads in link order from another session", func(t *testing.T) {
		other := h.session()
		b, err := other.Load(h.ctx, "Book", bookIDs[0])
		require.NoError(t, err)
		items, err := b.Collection("tags").Items(h.ctx)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "sf", items[0].Get("name"))
		assert.Equal(t, "utopia", items[1].Get("name"))

		h.driver.reset()
		inverse, err := items[0].Collection("books").Items(h.ctx)
		require.NoError(t, err)
		require.Len(t, inverse, 1)
		assert.Same(t, b, inverse[0])
		assert.Equal(t, 0, h.driver.count("find"), "owner is already managed")
	})

	t.Run("inverse side changes are flushed by the owner", func(t *testing.T) {
		h.driver.reset()
		require.NoError(t, utopia.Collection("books").Remove(book))
		require.NoError(t, u.Flush(h.ctx))

		deletes := h.driver.ops("link_delete")
		require.Len(t, deletes, 1)
		assert.Equal(t, book.ID(), deletes[0].Owner)
		assert.Equal(t, utopia.ID(), deletes[0].Inverse)
	})

	t.Run("deleting the owner removes its links", func(t *testing.T) {
		h.driver.reset()
		other := h.session()
		b, err := other.Load(h.ctx, "Book", bookIDs[0])
		require.NoError(t, err)
		require.NoError(t, other.Remove(h.ctx, b))
		require.NoError(t, other.Flush(h.ctx))
		assert.Equal(t, []string{"link_delete book_tags", "delete book"}, h.driver.writes())
	})
}

func TestUnloadedCollectionDeltasAreCheckedAgainstStoredLinks(t *testing.T) {
	h := newHarness(t)
	_, bookIDs := h.seedAuthor()

	seed := h.session()
	book, err := seed.Load(h.ctx, "Book", bookIDs[0])
	require.NoError(t, err)
	linked, _ := seed.Create("Tag")
	require.NoError(t, linked.Set("name", "sf"))
	stray, _ := seed.Create("Tag")
	require.NoError(t, stray.Set("name", "western"))
	require.NoError(t, seed.Persist(stray))
	require.NoError(t, book.Collection("tags").Add(linked))
	require.NoError(t, seed.Flush(h.ctx))

	u := h.session()
	book, err = u.Load(h.ctx, "Book", bookIDs[0])
	require.NoError(t, err)
	tag, err := u.Load(h.ctx, "Tag", linked.ID())
	require.NoError(t, err)
	other, err := u.Load(h.ctx, "Tag", stray.ID())
	require.NoError(t, err)
	tags := book.Collection("tags")
	require.False(t, tags.IsInitialized())

	t.Run("adding a stored member writes nothing", func(t *testing.T) {
		h.driver.reset()
		require.NoError(t, tags.Add(tag))
		require.NoError(t, u.Flush(h.ctx))
		assert.Empty(t, h.driver.writes())
		assert.Equal(t, 1, h.driver.count("find_links"))
		assert.False(t, tags.IsDirty())
	})

	t.Run("removing a member that was never linked writes nothing", func(t *testing.T) {
		h.driver.reset()
		require.NoError(t, tags.Remove(other))
		require.NoError(t, u.Flush(h.ctx))
		assert.Empty(t, h.driver.writes())
	})

	t.Run("real deltas still flush", func(t *testing.T) {
		h.driver.reset()
		require.NoError(t, tags.Remove(tag))
		require.NoError(t, tags.Add(other))
		require.NoError(t, u.Flush(h.ctx))
		assert.Equal(t, []string{"link_delete book_tags", "link_insert book_tags"}, h.driver.writes())
	})
}

func TestSetOnReferenceFlushesPartialUpdate(t *testing.T) {
	h := newHarness(t)
	authorID, _ := h.seedAuthor()

	u := h.session()
	ref, err := u.Reference("Author", authorID)
	require.NoError(t, err)
	require.NoError(t, ref.Set("name", "Ursula"))
	require.NoError(t, u.Persist(ref))
	h.driver.reset()
	require.NoError(t, u.Flush(h.ctx))

	updates := h.driver.ops("update")
	require.Len(t, updates, 1)
	assert.Equal(t, driver.Row{"name": "Ursula"}, updates[0].Row)
	assert.Nil(t, updates[0].Check, "the stored version is unknown")
	assert.False(t, ref.IsInitialized())

	reader, err := h.session().Load(h.ctx, "Author", authorID)
	require.NoError(t, err)
	assert.Equal(t, "Ursula", reader.Get("name"))

	t.Run("edits survive a later init", func(t *testing.T) {
		v := h.session()
		r, err := v.Reference("Author", authorID)
		require.NoError(t, err)
		require.NoError(t, r.Set("born", 1929))
		require.NoError(t, v.Init(h.ctx, r))
		assert.Equal(t, "Ursula", r.Get("name"))
		assert.Equal(t, 1929, r.Get("born"))

		h.driver.reset()
		require.NoError(t, v.Flush(h.ctx))
		updates := h.driver.ops("update")
		require.Len(t, updates, 1)
		assert.Equal(t, driver.Row{"born": 1929}, updates[0].Row)
		assert.NotNil(t, updates[0].Check)
	})
}

func TestNullableCycleIsBroken(t *testing.T) {
	h := newHarness(t)
	author := h.create("Author", map[string]interface{}{"name": "Wolfe"})
	book := h.create("Book", map[string]interface{}{"title": "Shadow", "author": author})
	require.NoError(t, author.SetRef("favorite", book))
	require.NoError(t, h.uow.Persist(book))
	h.flush()

	assert.Equal(t, []string{"insert author", "insert book", "update author"}, h.driver.writes())
	inserts := h.driver.ops("insert")
	assert.Nil(t, inserts[0].Row["favorite_id"])
	update := h.driver.ops("update")[0]
	assert.Equal(t, driver.Row{"favorite_id": book.ID()}, update.Row)
	assert.Nil(t, update.Check)

	h.driver.reset()
	h.flush()
	assert.Empty(t, h.driver.writes(), "snapshot includes the deferred reference")

	t.Run("delete nulls the optional reference first", func(t *testing.T) {
		require.NoError(t, h.uow.Remove(h.ctx, author))
		assert.True(t, h.uow.IsScheduledForDelete(book), "books cascade remove")
		h.flush()

		assert.Equal(t, []string{"update author", "delete book", "delete author"}, h.driver.writes())
		assert.Equal(t, driver.Row{"favorite_id": nil}, h.driver.ops("update")[0].Row)
		assert.False(t, h.uow.IsManaged(author))
		assert.Equal(t, 0, h.uow.IdentityMap().Len())
	})
}

func TestCascadeRemoveLoadsCollection(t *testing.T) {
	h := newHarness(t)
	authorID, _ := h.seedAuthor()

	u := h.session()
	author, err := u.Load(h.ctx, "Author", authorID)
	require.NoError(t, err)
	require.NoError(t, u.Remove(h.ctx, author))
	assert.Equal(t, 3, u.Stats().Deletes)

	require.NoError(t, u.Flush(h.ctx))
	assert.Equal(t, []string{"delete book", "delete book", "delete author"}, h.driver.writes())
	assert.Equal(t, int64(1), h.driver.ops("delete")[2].Check.Expected)
}

func TestRemoveUnflushedCancelsInsert(t *testing.T) {
	h := newHarness(t)
	tag := h.create("Tag", map[string]interface{}{"name": "draft"})
	require.NoError(t, h.uow.Persist(tag))
	require.NoError(t, h.uow.Remove(h.ctx, tag))
	assert.Equal(t, Stats{}, h.uow.Stats())
	assert.Equal(t, StateIdle, h.uow.State())

	h.flush()
	assert.Empty(t, h.driver.writes())
}

func TestOptimisticLocking(t *testing.T) {
	h := newHarness(t)
	authorID, _ := h.seedAuthor()

	first, second := h.session(), h.session()
	a1, err := first.Load(h.ctx, "Author", authorID)
	require.NoError(t, err)
	a2, err := second.Load(h.ctx, "Author", authorID)
	require.NoError(t, err)

	require.NoError(t, a1.Set("name", "first"))
	require.NoError(t, first.Flush(h.ctx))

	require.NoError(t, a2.Set("name", "second"))
	err = second.Flush(h.ctx)
	require.Error(t, err)
	assert.True(t, IsConcurrency(err))
	assert.ErrorIs(t, err, driver.ErrVersionMismatch)

	var concurrency *ConcurrencyError
	require.ErrorAs(t, err, &concurrency)
	assert.Equal(t, int64(1), concurrency.Expected)
	assert.Equal(t, int64(1), a2.Get("version"))
	assert.Equal(t, int64(2), a1.Get("version"))
}

func TestPrimaryKeyStrategies(t *testing.T) {
	t.Run("uuid keys are generated", func(t *testing.T) {
		h := newHarness(t)
		author := h.create("Author", map[string]interface{}{"name": "Vance"})
		book := h.create("Book", map[string]interface{}{"title": "Dying Earth", "author": author})
		review := h.create("Review", map[string]interface{}{"body": "great", "book": book})
		require.NoError(t, h.uow.Persist(review))
		h.flush()

		id, ok := review.ID().(string)
		require.True(t, ok)
		assert.Len(t, id, 36)
		assert.Equal(t, []string{"insert author", "insert book", "insert review"}, h.driver.writes())
	})

	t.Run("assigned keys must be set", func(t *testing.T) {
		h := newHarness(t)
		country := h.create("Country", map[string]interface{}{"name": "Iceland"})
		require.NoError(t, h.uow.Persist(country))

		err := h.uow.Flush(h.ctx)
		assert.True(t, IsValidation(err))
		assert.Equal(t, 0, h.driver.count("begin"))

		country.SetID("IS")
		h.flush()
		assert.Equal(t, "IS", h.driver.ops("insert")[0].Row["code"])
		loaded, err := h.uow.Load(h.ctx, "Country", "IS")
		require.NoError(t, err)
		assert.Same(t, country, loaded)
	})
}

func TestValidation(t *testing.T) {
	t.Run("required reference", func(t *testing.T) {
		h := newHarness(t)
		book := h.create("Book", map[string]interface{}{"title": "Orphan"})
		require.NoError(t, h.uow.Persist(book))
		err := h.uow.Flush(h.ctx)
		assert.True(t, IsValidation(err))
		assert.Contains(t, err.Error(), "Book.author")
	})

	t.Run("reference without cascade persist", func(t *testing.T) {
		h := newHarness(t)
		author := h.create("Author", map[string]interface{}{"name": "Gibson"})
		publisher := h.create("Publisher", map[string]interface{}{"name": "Ace"})
		book := h.create("Book", map[string]interface{}{"title": "Neuromancer", "author": author, "publisher": publisher})
		require.NoError(t, h.uow.Persist(book))

		err := h.uow.Flush(h.ctx)
		assert.True(t, IsValidation(err))
		assert.Contains(t, err.Error(), "not persisted")

		require.NoError(t, h.uow.Persist(publisher))
		h.flush()
		assert.Equal(t, []string{"insert author", "insert publisher", "insert book"}, h.driver.writes())
	})

	t.Run("strict types", func(t *testing.T) {
		h := newHarness(t, WithStrict(true))
		author := h.create("Author", map[string]interface{}{"name": 42})
		require.NoError(t, h.uow.Persist(author))
		err := h.uow.Flush(h.ctx)
		assert.True(t, IsValidation(err))

		require.NoError(t, author.Set("name", "Delany"))
		h.flush()
	})

	t.Run("strict length", func(t *testing.T) {
		h := newHarness(t, WithStrict(true))
		country := h.create("Country", map[string]interface{}{"name": "United Kingdom of Great Britain"})
		country.SetID("GB")
		require.NoError(t, h.uow.Persist(country))
		err := h.uow.Flush(h.ctx)
		assert.True(t, IsValidation(err))
		assert.Contains(t, err.Error(), "exceeds maximum 12")

		require.NoError(t, country.Set("name", "Britain"))
		h.flush()
	})

	t.Run("unknown and nil entities", func(t *testing.T) {
		h := newHarness(t)
		assert.ErrorIs(t, h.uow.Persist(nil), ErrNilEntity)
		_, err := h.uow.Create("Spaceship")
		assert.True(t, IsValidation(err))
	})
}

func TestPersistDuringExecutingIsDeferred(t *testing.T) {
	h := newHarness(t)
	first := h.create("Tag", map[string]interface{}{"name": "first"})
	late := h.create("Tag", map[string]interface{}{"name": "late"})
	require.NoError(t, h.uow.Persist(first))

	var persistErr, flushErr error
	h.driver.before = func(c call) {
		if c.Op == "insert" && c.Row["name"] == "first" {
			assert.Equal(t, StateExecuting, h.uow.State())
			persistErr = h.uow.Persist(late)
			flushErr = h.uow.Flush(h.ctx)
		}
	}
	h.flush()
	h.driver.before = nil

	require.NoError(t, persistErr)
	assert.ErrorIs(t, flushErr, ErrFlushInProgress)
	assert.True(t, first.HasID())
	assert.False(t, late.HasID())
	assert.Equal(t, 1, h.uow.Stats().Inserts)
	assert.Equal(t, StateCollecting, h.uow.State())

	h.flush()
	assert.True(t, late.HasID())
}

func TestCancelledFlushRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	tags := []*entity.Entity{
		h.create("Tag", map[string]interface{}{"name": "a"}),
		h.create("Tag", map[string]interface{}{"name": "b"}),
	}
	require.NoError(t, h.uow.Persist(tags...))
	h.driver.before = func(c call) {
		if c.Op == "insert" {
			cancel()
		}
	}

	err := h.uow.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, h.driver.count("rollback"))
	assert.False(t, tags[0].HasID())

	h.driver.before = nil
	h.flush()
}

func TestHooks(t *testing.T) {
	executor := hooks.NewExecutor(nil, nil)
	var events []string
	record := func(ctx *hooks.Context, e *entity.Entity) error {
		events = append(events, ctx.Event().String()+" "+e.Type())
		return nil
	}
	registry := executor.GetRegistry()
	registry.On(hooks.BeforeCreate, "Tag", func(ctx *hooks.Context, e *entity.Entity) error {
		if e.Get("name") == "" {
			return errors.New("name is empty")
		}
		return e.Set("name", e.Get("name").(string)+"!")
	})
	registry.On(hooks.AfterCreate, "Tag", record)
	registry.On(hooks.BeforeUpdate, "Tag", record)
	registry.On(hooks.AfterUpdate, "Tag", record)
	registry.On(hooks.BeforeDelete, "Tag", record)
	registry.On(hooks.AfterDelete, "Tag", record)

	h := newHarness(t, WithHooks(executor))

	empty := h.create("Tag", map[string]interface{}{"name": ""})
	require.NoError(t, h.uow.Persist(empty))
	err := h.uow.Flush(h.ctx)
	require.Error(t, err)
	assert.Equal(t, 0, h.driver.count("begin"))
	require.NoError(t, h.uow.Remove(h.ctx, empty))

	tag := h.create("Tag", map[string]interface{}{"name": "sf"})
	require.NoError(t, h.uow.Persist(tag))
	h.flush()
	assert.Equal(t, "sf!", h.driver.ops("insert")[0].Row["name"])

	require.NoError(t, tag.Set("name", "fantasy"))
	h.flush()
	require.NoError(t, h.uow.Remove(h.ctx, tag))
	h.flush()

	assert.Equal(t, []string{
		"after_create Tag",
		"before_update Tag", "after_update Tag",
		"before_delete Tag", "after_delete Tag",
	}, events)
}

func TestClearAndClose(t *testing.T) {
	h := newHarness(t)
	authorID, _ := h.seedAuthor()

	u := h.session()
	a1, err := u.Load(h.ctx, "Author", authorID)
	require.NoError(t, err)
	u.Clear()
	assert.Equal(t, Stats{}, u.Stats())

	a2, err := u.Load(h.ctx, "Author", authorID)
	require.NoError(t, err)
	assert.NotSame(t, a1, a2)

	u.Close()
	assert.ErrorIs(t, u.Flush(h.ctx), ErrClosed)
	assert.ErrorIs(t, u.Persist(a2), ErrClosed)
	_, err = u.Find(h.ctx, "Author", nil, driver.FindOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}
