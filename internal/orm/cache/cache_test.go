package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/keel/internal/orm/schema"
)

func library(t *testing.T) []*schema.EntitySchema {
	t.Helper()

	registry := schema.NewRegistry()
	require.NoError(t, registry.RegisterAll(
		schema.Define("Author").
			PrimaryKey("id", schema.TypeBigInt, schema.PKAuto).
			Field("name", schema.TypeString, schema.WithLength(120)).
			Field("active", schema.TypeBool, schema.WithDefault(true)).
			Version("version").
			ToMany("books", "Book", "author", schema.CascadeAll()).
			MustBuild(),
		schema.Define("Book").
			PrimaryKey("id", schema.TypeBigInt, schema.PKAuto).
			Field("title", schema.TypeString).
			ToOne("author", "Author").
			MustBuild(),
	))
	require.NoError(t, registry.ValidateAll())
	return registry.Schemas()
}

// adapters returns every storing adapter backed by fresh state
func adapters(t *testing.T) map[string]Adapter {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	memory := NewMemoryAdapter(DefaultConfig())
	t.Cleanup(func() { memory.Close() })

	return map[string]Adapter{
		"memory": memory,
		"file":   NewFileAdapter(filepath.Join(t.TempDir(), "temp"), DefaultConfig()),
		"redis":  NewRedisAdapterWithClient(client, DefaultConfig()),
		"s3":     NewS3AdapterWithClient(newFakeS3(), "metadata", DefaultConfig()),
	}
}

func TestAdapters(t *testing.T) {
	ctx := context.Background()

	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			_, err := a.Get(ctx, "missing")
			assert.True(t, IsCacheMiss(err))

			require.NoError(t, a.Set(ctx, "one", []byte("payload")))
			got, err := a.Get(ctx, "one")
			require.NoError(t, err)
			assert.Equal(t, []byte("payload"), got)

			require.NoError(t, a.Set(ctx, "one", []byte("replaced")))
			got, err = a.Get(ctx, "one")
			require.NoError(t, err)
			assert.Equal(t, []byte("replaced"), got)

			require.NoError(t, a.Remove(ctx, "one"))
			_, err = a.Get(ctx, "one")
			assert.True(t, IsCacheMiss(err))
			require.NoError(t, a.Remove(ctx, "one"))

			require.NoError(t, a.Set(ctx, "a", []byte("1")))
			require.NoError(t, a.Set(ctx, "b", []byte("2")))
			require.NoError(t, a.Clear(ctx))
			_, err = a.Get(ctx, "a")
			assert.True(t, IsCacheMiss(err))
			_, err = a.Get(ctx, "b")
			assert.True(t, IsCacheMiss(err))
		})
	}
}

func TestNullAdapterNeverStores(t *testing.T) {
	ctx := context.Background()
	var a NullAdapter

	require.NoError(t, a.Set(ctx, "key", []byte("value")))
	_, err := a.Get(ctx, "key")
	assert.True(t, IsCacheMiss(err))
	assert.NoError(t, a.Clear(ctx))
}

func TestMemoryAdapterExpires(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter(Config{TTL: 20 * time.Millisecond})
	defer a.Close()

	require.NoError(t, a.Set(ctx, "key", []byte("value")))
	_, err := a.Get(ctx, "key")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = a.Get(ctx, "key")
	assert.True(t, IsCacheMiss(err))
}

func TestFileAdapterExpires(t *testing.T) {
	ctx := context.Background()
	a := NewFileAdapter(t.TempDir(), Config{TTL: time.Minute})

	require.NoError(t, a.Set(ctx, "key", []byte("value")))
	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(a.path("key"), old, old))

	_, err := a.Get(ctx, "key")
	assert.True(t, IsCacheMiss(err))
	_, err = os.Stat(a.path("key"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileAdapterClearKeepsForeignFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := NewFileAdapter(dir, DefaultConfig())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o644))
	require.NoError(t, a.Set(ctx, "key", []byte("value")))
	require.NoError(t, a.Clear(ctx))

	_, err := os.Stat(filepath.Join(dir, "notes.txt"))
	assert.NoError(t, err)
}

func TestS3AdapterExpires(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	a := NewS3AdapterWithClient(client, "metadata", Config{TTL: time.Minute, Prefix: "keel:"})

	require.NoError(t, a.Set(ctx, "key", []byte("value")))
	client.age("keel:key", 2*time.Minute)

	_, err := a.Get(ctx, "key")
	assert.True(t, IsCacheMiss(err))
	assert.Empty(t, client.objects)
}

func TestS3AdapterClearPagesThroughPrefix(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	a := NewS3AdapterWithClient(client, "metadata", Config{Prefix: "keel:"})

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, a.Set(ctx, key, []byte(key)))
	}
	client.objects["other:x"] = fakeObject{body: []byte("keep"), modified: time.Now()}

	require.NoError(t, a.Clear(ctx))
	assert.Equal(t, 5, client.deletes)
	assert.Len(t, client.objects, 1)
	assert.Contains(t, client.objects, "other:x")
}

func TestS3AdapterRequiresBucket(t *testing.T) {
	_, err := NewS3Adapter(context.Background(), S3Config{})
	assert.EqualError(t, err, "s3 cache requires a bucket")
}

func TestRedisAdapterClearSpansScanBatches(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := NewRedisAdapterWithClient(client, Config{Prefix: "keel:", TTL: time.Hour})
	for i := 0; i < 3*clearBatch+7; i++ {
		require.NoError(t, a.Set(ctx, fmt.Sprintf("k%d", i), []byte("v")))
	}
	require.NoError(t, mr.Set("other", "kept"))
	assert.Equal(t, time.Hour, mr.TTL("keel:k0"))

	require.NoError(t, a.Clear(ctx))
	assert.Equal(t, []string{"other"}, mr.Keys())

	require.NoError(t, a.Set(ctx, "short", []byte("v")))
	mr.FastForward(2 * time.Hour)
	_, err := a.Get(ctx, "short")
	assert.True(t, IsCacheMiss(err))
}

func TestRedisAdapterConnectionError(t *testing.T) {
	_, err := NewRedisAdapter(context.Background(), RedisConfig{Addr: "localhost:99999"})
	assert.Error(t, err)
}

func TestSchemasRoundTrip(t *testing.T) {
	ctx := context.Background()
	schemas := library(t)
	key := Key("library", "abc123")

	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, StoreSchemas(ctx, a, key, "abc123", schemas))

			loaded, err := LoadSchemas(ctx, a, key, "abc123")
			require.NoError(t, err)
			require.Len(t, loaded, 2)

			registry := schema.NewRegistry()
			require.NoError(t, registry.RegisterAll(loaded...))
			require.NoError(t, registry.ValidateAll())

			author := registry.MustGet("Author")
			assert.Equal(t, "version", author.VersionField)
			assert.Equal(t, schema.PKAuto, author.PKStrategy)

			active, ok := author.Field("active")
			require.True(t, ok)
			assert.Equal(t, true, active.Default)
			assert.Equal(t, schema.TypeBool, active.Type)

			books, ok := author.Relation("books")
			require.True(t, ok)
			assert.Equal(t, schema.ToMany, books.Kind)
			assert.True(t, books.CascadesOn(schema.CascadeRemove))

			book := registry.MustGet("Book")
			assert.Equal(t, []string{"id", "title", "author_id"}, book.Columns())
		})
	}
}

func TestStaleFingerprintIsAMiss(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter(DefaultConfig())
	defer a.Close()

	key := Key("library", "v1")
	require.NoError(t, StoreSchemas(ctx, a, key, "v1", library(t)))

	_, err := LoadSchemas(ctx, a, key, "v2")
	assert.True(t, IsCacheMiss(err))
}

func TestCorruptPayload(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter(DefaultConfig())
	defer a.Close()

	require.NoError(t, a.Set(ctx, "key", []byte{0xff, 0x00}))
	_, err := LoadSchemas(ctx, a, "key", "fp")
	assert.Error(t, err)
	assert.False(t, IsCacheMiss(err))
}
