package entity

import (
	"context"
	"fmt"

	"github.com/conduit-lang/keel/internal/orm/schema"
)

// CollectionLoader loads the members of a collection from storage
type CollectionLoader interface {
	LoadCollection(ctx context.Context, owner *Entity, relation *schema.Relation) ([]*Entity, error)
}

// Collection is a lazily loaded, delta-tracked proxy for a to-many or
// many-to-many relation. Members are loaded once on first access. Add and
// Remove update the in-memory members immediately and record deltas that the
// Unit of Work turns into link operations. Deltas are relative to storage:
// adding a member that was just removed (or the reverse) cancels out.
//
// A Collection is not safe for concurrent use.
type Collection struct {
	owner       *Entity
	relation    *schema.Relation
	items       []*Entity
	index       map[*Entity]struct{}
	added       []*Entity
	removed     []*Entity
	initialized bool
	loader      CollectionLoader
}

func newCollection(owner *Entity, rel *schema.Relation, initialized bool) *Collection {
	return &Collection{
		owner:       owner,
		relation:    rel,
		index:       make(map[*Entity]struct{}),
		initialized: initialized,
	}
}

// Owner returns the entity holding the collection
func (c *Collection) Owner() *Entity {
	return c.owner
}

// Relation returns the relation metadata behind the collection
func (c *Collection) Relation() *schema.Relation {
	return c.relation
}

// IsInitialized reports whether members have been loaded
func (c *Collection) IsInitialized() bool {
	return c.initialized
}

// Load fetches the members from storage unless they are already loaded. The
// result is merged with any deltas recorded before the load.
func (c *Collection) Load(ctx context.Context) error {
	if c.initialized {
		return nil
	}

	if !c.owner.HasID() {
		c.setItems(nil)
		return nil
	}

	if c.loader == nil {
		return fmt.Errorf("%s.%s: %w", c.owner.Type(), c.relation.Name, ErrNotBound)
	}

	loaded, err := c.loader.LoadCollection(ctx, c.owner, c.relation)
	if err != nil {
		return err
	}
	c.setItems(loaded)
	return nil
}

func (c *Collection) setItems(loaded []*Entity) {
	stored := make(map[*Entity]struct{}, len(loaded))
	for _, m := range loaded {
		stored[m] = struct{}{}
	}

	// Drop deltas the storage state already satisfies.
	added := c.added[:0:0]
	for _, m := range c.added {
		if _, ok := stored[m]; !ok {
			added = append(added, m)
		}
	}
	removed := c.removed[:0:0]
	for _, m := range c.removed {
		if _, ok := stored[m]; ok {
			removed = append(removed, m)
		}
	}
	c.added, c.removed = added, removed

	c.items = c.items[:0]
	c.index = make(map[*Entity]struct{}, len(loaded)+len(added))
	for _, m := range loaded {
		if containsEntity(removed, m) {
			continue
		}
		c.appendItem(m)
	}
	for _, m := range added {
		c.appendItem(m)
	}
	c.initialized = true
}

func (c *Collection) appendItem(m *Entity) {
	if _, ok := c.index[m]; ok {
		return
	}
	c.index[m] = struct{}{}
	c.items = append(c.items, m)
}

// Items returns the members, loading them first if needed
func (c *Collection) Items(ctx context.Context) ([]*Entity, error) {
	if err := c.Load(ctx); err != nil {
		return nil, err
	}
	out := make([]*Entity, len(c.items))
	copy(out, c.items)
	return out, nil
}

// Count returns the number of members, loading them first if needed
func (c *Collection) Count(ctx context.Context) (int, error) {
	if err := c.Load(ctx); err != nil {
		return 0, err
	}
	return len(c.items), nil
}

// Contains reports whether m is a member, loading members first if needed
func (c *Collection) Contains(ctx context.Context, m *Entity) (bool, error) {
	if err := c.Load(ctx); err != nil {
		return false, err
	}
	_, ok := c.index[m]
	return ok, nil
}

// Snapshot returns the members known in memory without triggering a load.
// For an uninitialized collection that is only the pending additions.
func (c *Collection) Snapshot() []*Entity {
	if !c.initialized {
		out := make([]*Entity, len(c.added))
		copy(out, c.added)
		return out
	}
	out := make([]*Entity, len(c.items))
	copy(out, c.items)
	return out
}

// Add adds members. Adding a member already present is a no-op.
func (c *Collection) Add(members ...*Entity) error {
	if err := c.checkTargets(members); err != nil {
		return err
	}
	for _, m := range members {
		c.add(m, true)
	}
	return nil
}

// Remove removes members. Removing a member not present is a no-op.
func (c *Collection) Remove(members ...*Entity) error {
	if err := c.checkTargets(members); err != nil {
		return err
	}
	for _, m := range members {
		c.remove(m, true)
	}
	return nil
}

// Set replaces the members with the given ones
func (c *Collection) Set(ctx context.Context, members ...*Entity) error {
	if err := c.checkTargets(members); err != nil {
		return err
	}
	if err := c.Load(ctx); err != nil {
		return err
	}

	keep := make(map[*Entity]struct{}, len(members))
	for _, m := range members {
		keep[m] = struct{}{}
	}
	for _, m := range c.Snapshot() {
		if _, ok := keep[m]; !ok {
			c.remove(m, true)
		}
	}
	for _, m := range members {
		c.add(m, true)
	}
	return nil
}

// RemoveAll removes every member
func (c *Collection) RemoveAll(ctx context.Context) error {
	return c.Set(ctx)
}

func (c *Collection) add(m *Entity, propagate bool) {
	if c.initialized {
		if _, ok := c.index[m]; ok {
			return
		}
	} else if containsEntity(c.added, m) {
		return
	}

	if i := indexOf(c.removed, m); i >= 0 {
		c.removed = append(c.removed[:i], c.removed[i+1:]...)
	} else {
		c.added = append(c.added, m)
	}
	if c.initialized {
		c.appendItem(m)
	}

	if propagate {
		c.propagate(m, true)
	}
}

func (c *Collection) remove(m *Entity, propagate bool) {
	if c.initialized {
		if _, ok := c.index[m]; !ok {
			return
		}
	} else if containsEntity(c.removed, m) {
		return
	}

	if i := indexOf(c.added, m); i >= 0 {
		c.added = append(c.added[:i], c.added[i+1:]...)
	} else {
		c.removed = append(c.removed, m)
	}
	if c.initialized {
		delete(c.index, m)
		if i := indexOf(c.items, m); i >= 0 {
			c.items = append(c.items[:i], c.items[i+1:]...)
		}
	}

	if propagate {
		c.propagate(m, false)
	}
}

// propagate keeps the other side of a bidirectional relation consistent in
// memory. For one-to-many that means moving the member's owning reference.
func (c *Collection) propagate(m *Entity, added bool) {
	switch c.relation.Kind {
	case schema.ToMany:
		if added {
			_ = m.SetRef(c.relation.MappedBy, c.owner)
		} else if m.Ref(c.relation.MappedBy) == c.owner {
			_ = m.SetRef(c.relation.MappedBy, nil)
		}
	case schema.ManyToMany:
		other := c.relation.InverseField
		if !c.relation.Owner {
			other = c.relation.MappedBy
		}
		if other == "" {
			return
		}
		if oc, ok := m.collections[other]; ok {
			if added {
				oc.add(c.owner, false)
			} else {
				oc.remove(c.owner, false)
			}
		}
	}
}

func (c *Collection) checkTargets(members []*Entity) error {
	for _, m := range members {
		if m == nil {
			return fmt.Errorf("%s.%s: nil member", c.owner.Type(), c.relation.Name)
		}
		if m.Type() != c.relation.Target {
			return fmt.Errorf("%s.%s expects %s, got %s: %w",
				c.owner.Type(), c.relation.Name, c.relation.Target, m.Type(), ErrWrongTarget)
		}
	}
	return nil
}

// Added returns members added since the last synchronization
func (c *Collection) Added() []*Entity {
	out := make([]*Entity, len(c.added))
	copy(out, c.added)
	return out
}

// Removed returns members removed since the last synchronization
func (c *Collection) Removed() []*Entity {
	out := make([]*Entity, len(c.removed))
	copy(out, c.removed)
	return out
}

// IsDirty reports whether there are unsynchronized deltas
func (c *Collection) IsDirty() bool {
	return len(c.added) > 0 || len(c.removed) > 0
}

// MarkSynced clears the deltas after they have been written
func (c *Collection) MarkSynced() {
	c.added = nil
	c.removed = nil
}

// Invalidate drops loaded members so the next access reloads them. Pending
// deltas are kept and merged into the reloaded state.
func (c *Collection) Invalidate() {
	c.items = nil
	c.index = make(map[*Entity]struct{})
	c.initialized = false
}

func indexOf(list []*Entity, m *Entity) int {
	for i, e := range list {
		if e == m {
			return i
		}
	}
	return -1
}

func containsEntity(list []*Entity, m *Entity) bool {
	return indexOf(list, m) >= 0
}
