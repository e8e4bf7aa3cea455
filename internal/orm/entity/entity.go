// Package entity provides the in-memory representation of persistent records:
// entity instances with typed fields, direct references and collection proxies.
package entity

import (
	"fmt"
	"sort"

	"github.com/conduit-lang/keel/internal/orm/schema"
)

// Entity is a mutable record bound to its schema. Field values live in a map,
// to-one relations are direct references and to-many relations are collections.
type Entity struct {
	schema      *schema.EntitySchema
	values      map[string]interface{}
	refs        map[string]*Entity
	collections map[string]*Collection
	initialized bool
	loader      CollectionLoader
}

// New creates a new, not yet persisted entity. Declared field defaults are
// applied and collections start out initialized and empty.
func New(s *schema.EntitySchema) *Entity {
	e := newEntity(s, true)
	for _, f := range s.Fields {
		if f.Default != nil {
			e.values[f.Name] = f.Default
		}
	}
	return e
}

// NewReference creates an uninitialized entity that only knows its key. It
// stands in for a row that has not been loaded yet.
func NewReference(s *schema.EntitySchema, id interface{}) *Entity {
	e := newEntity(s, false)
	e.values[s.PrimaryKey] = id
	return e
}

func newEntity(s *schema.EntitySchema, initialized bool) *Entity {
	e := &Entity{
		schema:      s,
		values:      make(map[string]interface{}, len(s.Fields)),
		refs:        make(map[string]*Entity),
		collections: make(map[string]*Collection),
		initialized: initialized,
	}
	for _, r := range s.CollectionRelations() {
		e.collections[r.Name] = newCollection(e, r, initialized)
	}
	return e
}

// Schema returns the entity's metadata
func (e *Entity) Schema() *schema.EntitySchema {
	return e.schema
}

// Type returns the entity type name
func (e *Entity) Type() string {
	return e.schema.Name
}

// ID returns the primary key value, or nil when none is assigned yet
func (e *Entity) ID() interface{} {
	return e.values[e.schema.PrimaryKey]
}

// HasID reports whether a primary key is assigned
func (e *Entity) HasID() bool {
	return e.ID() != nil
}

// SetID assigns the primary key
func (e *Entity) SetID(id interface{}) {
	e.values[e.schema.PrimaryKey] = id
}

// IsInitialized reports whether the entity's fields were loaded or set by the application
func (e *Entity) IsInitialized() bool {
	return e.initialized
}

// Get returns a field value
func (e *Entity) Get(field string) interface{} {
	return e.values[field]
}

// Lookup returns a field value and whether it has been set
func (e *Entity) Lookup(field string) (interface{}, bool) {
	v, ok := e.values[field]
	return v, ok
}

// Set assigns a field value. Type checking happens at flush time.
func (e *Entity) Set(field string, value interface{}) error {
	if !e.schema.HasField(field) {
		return fmt.Errorf("%s.%s: %w", e.schema.Name, field, ErrUnknownField)
	}
	e.values[field] = value
	return nil
}

// MustSet assigns a field value or panics on an unknown field
func (e *Entity) MustSet(field string, value interface{}) *Entity {
	if err := e.Set(field, value); err != nil {
		panic(err)
	}
	return e
}

// Assign sets several fields and references at once. Values for to-one
// relations must be *Entity; values for collections must be []*Entity and
// are added to the collection.
func (e *Entity) Assign(values map[string]interface{}) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := values[k]
		rel, isRel := e.schema.Relation(k)
		switch {
		case !isRel:
			if err := e.Set(k, v); err != nil {
				return err
			}
		case rel.Kind == schema.ToOne:
			target, ok := v.(*Entity)
			if v != nil && !ok {
				return fmt.Errorf("%s.%s: expected *Entity, got %T", e.schema.Name, k, v)
			}
			if err := e.SetRef(k, target); err != nil {
				return err
			}
		default:
			items, ok := v.([]*Entity)
			if !ok {
				return fmt.Errorf("%s.%s: expected []*Entity, got %T", e.schema.Name, k, v)
			}
			if err := e.collections[k].Add(items...); err != nil {
				return err
			}
		}
	}
	return nil
}

// Values returns a copy of the field values
func (e *Entity) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out
}

// Ref returns the entity referenced by a to-one relation
func (e *Entity) Ref(name string) *Entity {
	return e.refs[name]
}

// Refs returns a copy of the to-one references that are set
func (e *Entity) Refs() map[string]*Entity {
	out := make(map[string]*Entity, len(e.refs))
	for k, v := range e.refs {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

// SetRef points a to-one relation at target (nil clears it). When the target
// exposes the inverse collection, that collection is updated in memory.
func (e *Entity) SetRef(name string, target *Entity) error {
	rel, ok := e.schema.Relation(name)
	if !ok {
		return fmt.Errorf("%s.%s: %w", e.schema.Name, name, ErrUnknownRelation)
	}
	if rel.Kind != schema.ToOne {
		return fmt.Errorf("%s.%s is %s: %w", e.schema.Name, name, rel.Kind, ErrInvalidRelationType)
	}
	if target != nil && target.Type() != rel.Target {
		return fmt.Errorf("%s.%s expects %s, got %s: %w", e.schema.Name, name, rel.Target, target.Type(), ErrWrongTarget)
	}

	previous := e.refs[name]
	if previous == target {
		return nil
	}
	e.refs[name] = target

	if rel.InverseField == "" {
		return nil
	}
	if previous != nil {
		if c, ok := previous.collections[rel.InverseField]; ok {
			c.remove(e, false)
		}
	}
	if target != nil {
		if c, ok := target.collections[rel.InverseField]; ok {
			c.add(e, false)
		}
	}
	return nil
}

// Collection returns the proxy for a to-many or many-to-many relation, or nil
// when the relation does not exist.
func (e *Entity) Collection(name string) *Collection {
	return e.collections[name]
}

// Collections returns the entity's collections in declaration order
func (e *Entity) Collections() []*Collection {
	out := make([]*Collection, 0, len(e.collections))
	for _, r := range e.schema.CollectionRelations() {
		if c, ok := e.collections[r.Name]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Hydrate replaces field values and references with loaded state and marks
// the entity initialized. Collections stay lazy.
func (e *Entity) Hydrate(values map[string]interface{}, refs map[string]*Entity) {
	for k, v := range values {
		e.values[k] = v
	}
	for k, v := range refs {
		e.refs[k] = v
	}
	e.initialized = true
}

// Bind attaches a collection loader to the entity and its collections
func (e *Entity) Bind(loader CollectionLoader) {
	e.loader = loader
	for _, c := range e.collections {
		c.loader = loader
	}
}

// Loader returns the collection loader the entity is bound to
func (e *Entity) Loader() CollectionLoader {
	return e.loader
}

// String returns a short description such as "Book(42)"
func (e *Entity) String() string {
	if id := e.ID(); id != nil {
		return fmt.Sprintf("%s(%v)", e.schema.Name, id)
	}
	return fmt.Sprintf("%s(new@%p)", e.schema.Name, e)
}

// Clone returns a detached copy holding the same field values and references.
// The copy has no collections loaded and is not bound to a loader.
func (e *Entity) Clone() *Entity {
	c := newEntity(e.schema, false)
	for k, v := range e.values {
		c.values[k] = v
	}
	for k, v := range e.refs {
		c.refs[k] = v
	}
	c.initialized = e.initialized
	return c
}
