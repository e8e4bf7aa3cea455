package entity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionLazyLoad(t *testing.T) {
	reg := bookstore(t)
	ctx := context.Background()

	book := NewReference(reg.MustGet("Book"), 1)
	book.Hydrate(map[string]interface{}{"title": "A"}, nil)
	t1 := NewReference(reg.MustGet("Tag"), 10)
	t2 := NewReference(reg.MustGet("Tag"), 11)

	loader := &countingLoader{members: map[*Entity][]*Entity{book: {t1, t2}}}
	book.Bind(loader)

	tags := book.Collection("tags")
	assert.False(t, tags.IsInitialized())

	items, err := tags.Items(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*Entity{t1, t2}, items)
	assert.Equal(t, 1, loader.calls)

	n, err := tags.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, loader.calls, "second access reuses the loaded members")

	tags.Invalidate()
	_, err = tags.Items(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.calls)
}

func TestCollectionLoadErrors(t *testing.T) {
	reg := bookstore(t)
	ctx := context.Background()

	book := NewReference(reg.MustGet("Book"), 1)
	_, err := book.Collection("tags").Items(ctx)
	assert.True(t, errors.Is(err, ErrNotBound))

	boom := errors.New("boom")
	book.Bind(&countingLoader{err: boom})
	_, err = book.Collection("tags").Items(ctx)
	assert.ErrorIs(t, err, boom)
	assert.False(t, book.Collection("tags").IsInitialized())
}

func TestCollectionNewOwnerNeedsNoLoad(t *testing.T) {
	reg := bookstore(t)
	loader := &countingLoader{}

	book := New(reg.MustGet("Book"))
	book.Bind(loader)

	n, err := book.Collection("tags").Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, loader.calls)
}

func TestCollectionDeltas(t *testing.T) {
	reg := bookstore(t)
	ctx := context.Background()

	t.Run("add then remove is a net no-op", func(t *testing.T) {
		book := New(reg.MustGet("Book"))
		tag := New(reg.MustGet("Tag"))
		tags := book.Collection("tags")

		require.NoError(t, tags.Add(tag))
		require.NoError(t, tags.Remove(tag))

		assert.Empty(t, tags.Added())
		assert.Empty(t, tags.Removed())
		assert.False(t, tags.IsDirty())
	})

	t.Run("duplicate add and missing remove are no-ops", func(t *testing.T) {
		book := New(reg.MustGet("Book"))
		tag := New(reg.MustGet("Tag"))
		tags := book.Collection("tags")

		require.NoError(t, tags.Add(tag, tag))
		assert.Len(t, tags.Added(), 1)

		require.NoError(t, tags.Remove(New(reg.MustGet("Tag"))))
		assert.Empty(t, tags.Removed())
	})

	t.Run("deltas before load are merged", func(t *testing.T) {
		book := NewReference(reg.MustGet("Book"), 1)
		stored := NewReference(reg.MustGet("Tag"), 10)
		gone := NewReference(reg.MustGet("Tag"), 11)
		fresh := New(reg.MustGet("Tag"))
		book.Bind(&countingLoader{members: map[*Entity][]*Entity{book: {stored, gone}}})

		tags := book.Collection("tags")
		require.NoError(t, tags.Add(fresh, stored))
		require.NoError(t, tags.Remove(gone))

		items, err := tags.Items(ctx)
		require.NoError(t, err)
		assert.Equal(t, []*Entity{stored, fresh}, items)
		assert.Equal(t, []*Entity{fresh}, tags.Added(), "stored member needs no link")
		assert.Equal(t, []*Entity{gone}, tags.Removed())
	})

	t.Run("mark synced clears deltas", func(t *testing.T) {
		book := New(reg.MustGet("Book"))
		tags := book.Collection("tags")
		require.NoError(t, tags.Add(New(reg.MustGet("Tag"))))

		tags.MarkSynced()
		assert.False(t, tags.IsDirty())
		assert.Len(t, tags.Snapshot(), 1)
	})

	t.Run("wrong target type", func(t *testing.T) {
		book := New(reg.MustGet("Book"))
		err := book.Collection("tags").Add(New(reg.MustGet("Author")))
		assert.True(t, errors.Is(err, ErrWrongTarget))
	})
}

func TestCollectionPropagation(t *testing.T) {
	reg := bookstore(t)
	ctx := context.Background()

	t.Run("one-to-many sets the owning reference", func(t *testing.T) {
		author := New(reg.MustGet("Author"))
		book := New(reg.MustGet("Book"))

		require.NoError(t, author.Collection("books").Add(book))
		assert.Same(t, author, book.Ref("author"))

		require.NoError(t, author.Collection("books").Remove(book))
		assert.Nil(t, book.Ref("author"))
	})

	t.Run("many-to-many keeps both sides in memory", func(t *testing.T) {
		book := New(reg.MustGet("Book"))
		tag := New(reg.MustGet("Tag"))

		require.NoError(t, tag.Collection("books").Add(book))
		assert.Equal(t, []*Entity{tag}, book.Collection("tags").Added(), "owning side records the link")

		require.NoError(t, book.Collection("tags").Remove(tag))
		assert.Empty(t, tag.Collection("books").Snapshot())
		assert.False(t, book.Collection("tags").IsDirty())
	})

	t.Run("set replaces members", func(t *testing.T) {
		book := New(reg.MustGet("Book"))
		a, b, c := New(reg.MustGet("Tag")), New(reg.MustGet("Tag")), New(reg.MustGet("Tag"))
		tags := book.Collection("tags")

		require.NoError(t, tags.Add(a, b))
		tags.MarkSynced()
		require.NoError(t, tags.Set(ctx, b, c))

		assert.Equal(t, []*Entity{b, c}, tags.Snapshot())
		assert.Equal(t, []*Entity{c}, tags.Added())
		assert.Equal(t, []*Entity{a}, tags.Removed())

		require.NoError(t, tags.RemoveAll(ctx))
		assert.Empty(t, tags.Snapshot())
	})
}
