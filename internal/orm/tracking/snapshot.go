// Package tracking computes change sets: it snapshots the persisted state of
// entities and diffs current values against it.
package tracking

import (
	"github.com/conduit-lang/keel/internal/orm/entity"
)

// Snapshot is an immutable copy of an entity's last persisted state:
// declared field values plus the targets of owning to-one references.
type Snapshot struct {
	values map[string]interface{}
	refs   map[string]*entity.Entity
}

// Take snapshots the current state of e
func Take(e *entity.Entity) *Snapshot {
	s := e.Schema()
	snap := &Snapshot{
		values: make(map[string]interface{}, len(s.Fields)),
		refs:   make(map[string]*entity.Entity),
	}
	for _, f := range s.Fields {
		if v, ok := e.Lookup(f.Name); ok {
			snap.values[f.Name] = deepCopyValue(v)
		}
	}
	for _, r := range s.ToOneRelations() {
		if target := e.Ref(r.Name); target != nil {
			snap.refs[r.Name] = target
		}
	}
	return snap
}

// Value returns the snapshotted value of a field
func (s *Snapshot) Value(field string) (interface{}, bool) {
	v, ok := s.values[field]
	return v, ok
}

// Ref returns the snapshotted target of a to-one relation
func (s *Snapshot) Ref(name string) *entity.Entity {
	return s.refs[name]
}

// Values returns a copy of the snapshotted field values
func (s *Snapshot) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = deepCopyValue(v)
	}
	return out
}
