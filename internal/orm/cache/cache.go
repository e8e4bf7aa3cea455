// Package cache stores discovered entity metadata between runs so startup
// can skip reading and validating declaration files when nothing changed.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/conduit-lang/keel/internal/orm/codec"
	"github.com/conduit-lang/keel/internal/orm/schema"
)

// Adapter defines the interface for all metadata cache backends
type Adapter interface {
	// Get retrieves a payload, returning ErrCacheMiss when absent or expired
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a payload
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes a payload
	Remove(ctx context.Context, key string) error

	// Clear removes every payload owned by the adapter
	Clear(ctx context.Context) error
}

// Config holds common configuration for cache adapters
type Config struct {
	// TTL is the lifetime of a stored payload; zero keeps it forever
	TTL time.Duration
	// Prefix is prepended to all keys
	Prefix string
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{Prefix: "keel:metadata:"}
}

// ErrCacheMiss is returned when a key is not found in the cache
type ErrCacheMiss struct {
	Key string
}

func (e ErrCacheMiss) Error() string {
	return "cache miss: " + e.Key
}

// IsCacheMiss checks if an error is a cache miss
func IsCacheMiss(err error) bool {
	_, ok := err.(ErrCacheMiss)
	return ok
}

// Key builds the cache key for a database name and declaration fingerprint
func Key(name, fingerprint string) string {
	return name + "-" + fingerprint
}

// payload is the stored form of a discovery result
type payload struct {
	Fingerprint string                 `cbor:"fingerprint"`
	Schemas     []*schema.EntitySchema `cbor:"schemas"`
}

// StoreSchemas encodes schemas and stores them under key
func StoreSchemas(ctx context.Context, a Adapter, key, fingerprint string, schemas []*schema.EntitySchema) error {
	data, err := codec.Marshal(payload{Fingerprint: fingerprint, Schemas: schemas})
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	return a.Set(ctx, key, data)
}

// LoadSchemas returns the schemas stored under key. A payload whose
// fingerprint differs is treated as a miss.
func LoadSchemas(ctx context.Context, a Adapter, key, fingerprint string) ([]*schema.EntitySchema, error) {
	data, err := a.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var p payload
	if err := codec.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode cached metadata: %w", err)
	}
	if p.Fingerprint != fingerprint || len(p.Schemas) == 0 {
		return nil, ErrCacheMiss{Key: key}
	}
	return p.Schemas, nil
}

// NullAdapter never stores anything
type NullAdapter struct{}

// Get always misses
func (NullAdapter) Get(_ context.Context, key string) ([]byte, error) {
	return nil, ErrCacheMiss{Key: key}
}

// Set discards the payload
func (NullAdapter) Set(context.Context, string, []byte) error { return nil }

// Remove is a no-op
func (NullAdapter) Remove(context.Context, string) error { return nil }

// Clear is a no-op
func (NullAdapter) Clear(context.Context) error { return nil }
