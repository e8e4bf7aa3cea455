package tracking

import (
	"sort"

	"github.com/conduit-lang/keel/internal/orm/entity"
)

// FieldChange represents a change to a single field
type FieldChange struct {
	Field    string
	OldValue interface{}
	NewValue interface{}
}

// RefChange represents a to-one reference pointing at a different entity
type RefChange struct {
	Relation string
	Old      *entity.Entity
	New      *entity.Entity
}

// ChangeSet holds the differences between an entity and its snapshot
type ChangeSet struct {
	Entity  *entity.Entity
	changes map[string]*FieldChange
	refs    map[string]*RefChange
}

// Diff compares e with snap. A nil snapshot means the entity was never
// persisted: every set field and reference counts as changed. The primary
// key and the version field are never part of a change set.
func Diff(e *entity.Entity, snap *Snapshot) *ChangeSet {
	s := e.Schema()
	cs := &ChangeSet{
		Entity:  e,
		changes: make(map[string]*FieldChange),
		refs:    make(map[string]*RefChange),
	}
	if snap == nil {
		snap = &Snapshot{}
	}

	for _, f := range s.Fields {
		if f.Name == s.PrimaryKey || f.Name == s.VersionField {
			continue
		}
		cur, has := e.Lookup(f.Name)
		old, had := snap.values[f.Name]
		if !has && !had {
			continue
		}
		if !has {
			// Fields are never unset through the entity API; treat as unchanged.
			continue
		}
		if !had || !valuesEqual(old, cur) {
			cs.changes[f.Name] = &FieldChange{Field: f.Name, OldValue: old, NewValue: cur}
		}
	}

	for _, r := range s.ToOneRelations() {
		cur := e.Ref(r.Name)
		old := snap.refs[r.Name]
		if cur != old {
			cs.refs[r.Name] = &RefChange{Relation: r.Name, Old: old, New: cur}
		}
	}

	return cs
}

// IsEmpty reports whether nothing changed
func (cs *ChangeSet) IsEmpty() bool {
	return len(cs.changes) == 0 && len(cs.refs) == 0
}

// Changed returns true if the field or reference changed
func (cs *ChangeSet) Changed(name string) bool {
	if _, ok := cs.changes[name]; ok {
		return true
	}
	_, ok := cs.refs[name]
	return ok
}

// ChangedFields returns the sorted names of changed fields and references
func (cs *ChangeSet) ChangedFields() []string {
	fields := make([]string, 0, len(cs.changes)+len(cs.refs))
	for f := range cs.changes {
		fields = append(fields, f)
	}
	for r := range cs.refs {
		fields = append(fields, r)
	}
	sort.Strings(fields)
	return fields
}

// GetChange returns the FieldChange for a field, or nil if unchanged
func (cs *ChangeSet) GetChange(field string) *FieldChange {
	return cs.changes[field]
}

// GetRefChange returns the RefChange for a reference, or nil if unchanged
func (cs *ChangeSet) GetRefChange(name string) *RefChange {
	return cs.refs[name]
}

// PreviousValue returns the snapshotted value of a field
func (cs *ChangeSet) PreviousValue(field string) interface{} {
	if c, ok := cs.changes[field]; ok {
		return c.OldValue
	}
	return cs.Entity.Get(field)
}

// ChangedTo returns true if the field changed to the specified value
func (cs *ChangeSet) ChangedTo(field string, value interface{}) bool {
	c, ok := cs.changes[field]
	return ok && valuesEqual(c.NewValue, value)
}

// ChangedFrom returns true if the field changed from the specified value
func (cs *ChangeSet) ChangedFrom(field string, value interface{}) bool {
	c, ok := cs.changes[field]
	return ok && valuesEqual(c.OldValue, value)
}

// GetChangedData returns the changed scalar fields with their new values
func (cs *ChangeSet) GetChangedData() map[string]interface{} {
	result := make(map[string]interface{}, len(cs.changes))
	for field, change := range cs.changes {
		result[field] = change.NewValue
	}
	return result
}

// RefChanges returns the changed references
func (cs *ChangeSet) RefChanges() []*RefChange {
	out := make([]*RefChange, 0, len(cs.refs))
	for _, name := range cs.sortedRefs() {
		out = append(out, cs.refs[name])
	}
	return out
}

// Summary returns the change set as field/relation name to new value, with
// references given as entities. Hooks receive this map.
func (cs *ChangeSet) Summary() map[string]interface{} {
	out := cs.GetChangedData()
	for name, rc := range cs.refs {
		out[name] = rc.New
	}
	return out
}

// Drop removes a field or reference from the change set
func (cs *ChangeSet) Drop(name string) {
	delete(cs.changes, name)
	delete(cs.refs, name)
}

func (cs *ChangeSet) sortedRefs() []string {
	names := make([]string, 0, len(cs.refs))
	for n := range cs.refs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
