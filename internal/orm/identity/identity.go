// Package identity implements the identity map: at most one live instance per
// (entity type, primary key) within a Unit of Work.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/entity"
)

var (
	// ErrNoID is returned when registering an entity without a primary key
	ErrNoID = errors.New("entity has no primary key")

	// ErrConflict is returned when a different instance is already registered for the key
	ErrConflict = errors.New("another instance is registered for this key")

	// ErrNilEntity is returned when a loader returns neither an entity nor an error
	ErrNilEntity = errors.New("loader returned no entity")
)

// Key identifies one row: the entity type and a normalized primary key
type Key struct {
	Type string
	ID   string
}

// String returns "Type#id"
func (k Key) String() string {
	return k.Type + "#" + k.ID
}

// KeyFor builds the identity key for a type and raw primary key value.
// Integer keys of any width normalize to the same key, so an int64 returned
// by one driver matches an int used by the application.
func KeyFor(entityType string, id interface{}) Key {
	return Key{Type: entityType, ID: driver.KeyString(id)}
}

// KeyOf returns the identity key of an entity
func KeyOf(e *entity.Entity) Key {
	return KeyFor(e.Type(), e.ID())
}

// Loader materializes an entity that is not in the map yet
type Loader func(ctx context.Context) (*entity.Entity, error)

// Map is an identity map. It is safe for concurrent use; concurrent
// GetOrCreate calls for the same key share a single loader invocation.
type Map struct {
	mu      sync.RWMutex
	entries map[Key]*entity.Entity
	group   singleflight.Group
}

// New creates an empty identity map
func New() *Map {
	return &Map{entries: make(map[Key]*entity.Entity)}
}

// Get returns the live instance for a key
func (m *Map) Get(entityType string, id interface{}) (*entity.Entity, bool) {
	return m.GetByKey(KeyFor(entityType, id))
}

// GetByKey returns the live instance for a normalized key
func (m *Map) GetByKey(key Key) (*entity.Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	return e, ok
}

// GetOrCreate returns the live instance for the key, or invokes loader to
// materialize one and registers it. A loader failure propagates unchanged and
// nothing is registered.
func (m *Map) GetOrCreate(ctx context.Context, entityType string, id interface{}, loader Loader) (*entity.Entity, error) {
	key := KeyFor(entityType, id)
	if e, ok := m.GetByKey(key); ok {
		return e, nil
	}

	v, err, _ := m.group.Do(key.String(), func() (interface{}, error) {
		if e, ok := m.GetByKey(key); ok {
			return e, nil
		}

		e, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, fmt.Errorf("%s: %w", key, ErrNilEntity)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, ok := m.entries[key]; ok {
			return existing, nil
		}
		m.entries[key] = e
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entity.Entity), nil
}

// Register adds an entity under its current primary key. Registering the same
// instance twice is a no-op.
func (m *Map) Register(e *entity.Entity) error {
	if !e.HasID() {
		return fmt.Errorf("%s: %w", e.Type(), ErrNoID)
	}
	key := KeyOf(e)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[key]; ok && existing != e {
		return fmt.Errorf("%s: %w", key, ErrConflict)
	}
	m.entries[key] = e
	return nil
}

// Remove evicts the entry for a key. Later loads re-materialize from storage.
func (m *Map) Remove(entityType string, id interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, KeyFor(entityType, id))
}

// RemoveEntity evicts e if it is the registered instance for its key
func (m *Map) RemoveEntity(e *entity.Entity) {
	key := KeyOf(e)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries[key] == e {
		delete(m.entries, key)
	}
}

// Contains reports whether e is the registered instance for its key
func (m *Map) Contains(e *entity.Entity) bool {
	if !e.HasID() {
		return false
	}
	existing, ok := m.GetByKey(KeyOf(e))
	return ok && existing == e
}

// Len returns the number of registered instances
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}

// All returns every registered instance ordered by key
func (m *Map) All() []*entity.Entity {
	m.mu.RLock()
	keys := make([]Key, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].ID < keys[j].ID
	})

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entity.Entity, 0, len(keys))
	for _, k := range keys {
		if e, ok := m.entries[k]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Clear evicts every entry
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[Key]*entity.Entity)
}
