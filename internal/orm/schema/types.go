// Package schema describes entity metadata for the keel persistence engine.
// It defines the descriptive records the Unit of Work consumes: fields,
// primary keys, relations and their cascade rules.
package schema

import (
	"fmt"
	"time"
)

// FieldType represents the storage type of a scalar field
type FieldType int

const (
	// Text types
	TypeString FieldType = iota
	TypeText

	// Numeric types
	TypeInt
	TypeBigInt
	TypeFloat
	TypeDecimal

	// Boolean
	TypeBool

	// Time types
	TypeTimestamp
	TypeDate

	// Unique identifiers
	TypeUUID

	// Structured values
	TypeJSON
	TypeBytes
)

// String returns the string representation of the field type
func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeText:
		return "text"
	case TypeInt:
		return "int"
	case TypeBigInt:
		return "bigint"
	case TypeFloat:
		return "float"
	case TypeDecimal:
		return "decimal"
	case TypeBool:
		return "bool"
	case TypeTimestamp:
		return "timestamp"
	case TypeDate:
		return "date"
	case TypeUUID:
		return "uuid"
	case TypeJSON:
		return "json"
	case TypeBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// ParseFieldType converts a string to a FieldType
func ParseFieldType(s string) (FieldType, error) {
	switch s {
	case "string":
		return TypeString, nil
	case "text":
		return TypeText, nil
	case "int", "integer":
		return TypeInt, nil
	case "bigint":
		return TypeBigInt, nil
	case "float", "double":
		return TypeFloat, nil
	case "decimal":
		return TypeDecimal, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "timestamp", "datetime":
		return TypeTimestamp, nil
	case "date":
		return TypeDate, nil
	case "uuid":
		return TypeUUID, nil
	case "json":
		return TypeJSON, nil
	case "bytes", "blob":
		return TypeBytes, nil
	default:
		return 0, fmt.Errorf("unknown field type: %s", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (t FieldType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *FieldType) UnmarshalText(b []byte) error {
	parsed, err := ParseFieldType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Accepts reports whether v is an acceptable in-memory value for the type.
// nil is always accepted; nullability is checked separately.
func (t FieldType) Accepts(v interface{}) bool {
	if v == nil {
		return true
	}
	switch t {
	case TypeString, TypeText, TypeDecimal:
		_, ok := v.(string)
		return ok
	case TypeUUID:
		switch v.(type) {
		case string, [16]byte, fmt.Stringer:
			return true
		}
		return false
	case TypeInt, TypeBigInt:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		}
		return false
	case TypeFloat:
		switch v.(type) {
		case float32, float64:
			return true
		}
		return false
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeTimestamp, TypeDate:
		_, ok := v.(time.Time)
		return ok
	case TypeBytes:
		_, ok := v.([]byte)
		return ok
	case TypeJSON:
		return true
	default:
		return false
	}
}

// PKStrategy determines how a new entity receives its primary key
type PKStrategy int

const (
	// PKAuto lets the driver generate the key on insert
	PKAuto PKStrategy = iota
	// PKUUID generates a random UUID on the client before insert
	PKUUID
	// PKAssigned requires the application to set the key
	PKAssigned
)

// String returns the string representation of the strategy
func (s PKStrategy) String() string {
	switch s {
	case PKAuto:
		return "auto"
	case PKUUID:
		return "uuid"
	case PKAssigned:
		return "assigned"
	default:
		return "unknown"
	}
}

// ParsePKStrategy converts a string to a PKStrategy
func ParsePKStrategy(s string) (PKStrategy, error) {
	switch s {
	case "", "auto":
		return PKAuto, nil
	case "uuid":
		return PKUUID, nil
	case "assigned":
		return PKAssigned, nil
	default:
		return 0, fmt.Errorf("unknown primary key strategy: %s", s)
	}
}

// RelationKind represents the cardinality of a relation
type RelationKind int

const (
	// ToOne is a direct reference (many-to-one or one-to-one)
	ToOne RelationKind = iota
	// ToMany is the collection side of a one-to-many relation
	ToMany
	// ManyToMany is a collection backed by a join table
	ManyToMany
)

// String returns the string representation of the relation kind
func (k RelationKind) String() string {
	switch k {
	case ToOne:
		return "to_one"
	case ToMany:
		return "to_many"
	case ManyToMany:
		return "many_to_many"
	default:
		return "unknown"
	}
}

// ParseRelationKind converts a string to a RelationKind
func ParseRelationKind(s string) (RelationKind, error) {
	switch s {
	case "to_one", "many_to_one", "one_to_one", "belongs_to":
		return ToOne, nil
	case "to_many", "one_to_many", "has_many":
		return ToMany, nil
	case "many_to_many":
		return ManyToMany, nil
	default:
		return 0, fmt.Errorf("unknown relation kind: %s", s)
	}
}

// IsCollection returns true for relations represented by a collection proxy
func (k RelationKind) IsCollection() bool {
	return k == ToMany || k == ManyToMany
}

// CascadeAction is a single action that may propagate across a relation
type CascadeAction int

const (
	CascadePersist CascadeAction = iota
	CascadeRemove
)

// String returns the string representation of the cascade action
func (c CascadeAction) String() string {
	switch c {
	case CascadePersist:
		return "persist"
	case CascadeRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// ParseCascadeAction converts a string to a CascadeAction
func ParseCascadeAction(s string) (CascadeAction, error) {
	switch s {
	case "persist":
		return CascadePersist, nil
	case "remove":
		return CascadeRemove, nil
	default:
		return 0, fmt.Errorf("unknown cascade action: %s", s)
	}
}

// CascadeSet is the set of actions a relation propagates
type CascadeSet uint8

// NewCascadeSet builds a set from actions
func NewCascadeSet(actions ...CascadeAction) CascadeSet {
	var s CascadeSet
	for _, a := range actions {
		s |= 1 << uint(a)
	}
	return s
}

// Has reports whether the set includes the action
func (s CascadeSet) Has(a CascadeAction) bool {
	return s&(1<<uint(a)) != 0
}

// Actions returns the actions in the set in declaration order
func (s CascadeSet) Actions() []CascadeAction {
	var out []CascadeAction
	for _, a := range []CascadeAction{CascadePersist, CascadeRemove} {
		if s.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

// Field represents a scalar column of an entity
type Field struct {
	Name     string      `cbor:"name"`
	Column   string      `cbor:"column"`
	Type     FieldType   `cbor:"type"`
	Nullable bool        `cbor:"nullable"`
	Length   int         `cbor:"length"`
	Default  interface{} `cbor:"default"`
}

// JoinTable describes the link table behind a many-to-many relation
type JoinTable struct {
	Name          string `cbor:"name"`
	OwnerColumn   string `cbor:"owner_column"`
	InverseColumn string `cbor:"inverse_column"`
}

// Relation describes an association between two entity types
type Relation struct {
	Name   string       `cbor:"name"`
	Kind   RelationKind `cbor:"kind"`
	Target string       `cbor:"target"`

	// Owner is true on the side responsible for persistence. For to-one
	// relations it is always true; a to-many side is never the owner.
	Owner bool `cbor:"owner"`

	// InverseField names the mirrored relation on the target, if any.
	InverseField string `cbor:"inverse_field"`

	// MappedBy names the owning to-one on the target for a to-many relation.
	MappedBy string `cbor:"mapped_by"`

	// Nullable is false for a required to-one reference.
	Nullable bool `cbor:"nullable"`

	Cascade CascadeSet `cbor:"cascade"`

	// ForeignKey is the column holding the target key for a to-one relation.
	ForeignKey string `cbor:"foreign_key"`

	// JoinTable is set on the owning side of a many-to-many relation.
	JoinTable *JoinTable `cbor:"join_table"`

	// Ordered preserves member order for collections.
	Ordered bool `cbor:"ordered"`
}

// IsRequired reports whether the relation is a non-nullable to-one reference
func (r *Relation) IsRequired() bool {
	return r.Kind == ToOne && !r.Nullable
}

// CascadesOn reports whether the action propagates through this relation
func (r *Relation) CascadesOn(a CascadeAction) bool {
	return r.Cascade.Has(a)
}

// EntitySchema is the metadata for one entity type
type EntitySchema struct {
	Name          string     `cbor:"name"`
	TableName     string     `cbor:"table"`
	PrimaryKey    string     `cbor:"primary_key"`
	PKStrategy    PKStrategy `cbor:"pk_strategy"`
	VersionField  string     `cbor:"version_field"`
	Documentation string     `cbor:"doc"`

	Fields    []*Field    `cbor:"fields"`
	Relations []*Relation `cbor:"relations"`

	fieldIndex    map[string]*Field
	relationIndex map[string]*Relation
}

// NewEntitySchema creates a new EntitySchema
func NewEntitySchema(name string) *EntitySchema {
	return &EntitySchema{
		Name:          name,
		Fields:        make([]*Field, 0),
		Relations:     make([]*Relation, 0),
		fieldIndex:    make(map[string]*Field),
		relationIndex: make(map[string]*Relation),
	}
}

// AddField appends a field, replacing any previous field with the same name
func (s *EntitySchema) AddField(f *Field) {
	s.ensureIndex()
	if _, exists := s.fieldIndex[f.Name]; exists {
		for i, existing := range s.Fields {
			if existing.Name == f.Name {
				s.Fields[i] = f
			}
		}
	} else {
		s.Fields = append(s.Fields, f)
	}
	s.fieldIndex[f.Name] = f
}

// AddRelation appends a relation, replacing any previous one with the same name
func (s *EntitySchema) AddRelation(r *Relation) {
	s.ensureIndex()
	if _, exists := s.relationIndex[r.Name]; exists {
		for i, existing := range s.Relations {
			if existing.Name == r.Name {
				s.Relations[i] = r
			}
		}
	} else {
		s.Relations = append(s.Relations, r)
	}
	s.relationIndex[r.Name] = r
}

// ensureIndex rebuilds lookup maps for schemas constructed as literals or decoded
func (s *EntitySchema) ensureIndex() {
	if s.fieldIndex != nil && len(s.fieldIndex) == len(s.Fields) &&
		s.relationIndex != nil && len(s.relationIndex) == len(s.Relations) {
		return
	}
	s.fieldIndex = make(map[string]*Field, len(s.Fields))
	for _, f := range s.Fields {
		s.fieldIndex[f.Name] = f
	}
	s.relationIndex = make(map[string]*Relation, len(s.Relations))
	for _, r := range s.Relations {
		s.relationIndex[r.Name] = r
	}
}

// Field returns the named field
func (s *EntitySchema) Field(name string) (*Field, bool) {
	s.ensureIndex()
	f, ok := s.fieldIndex[name]
	return f, ok
}

// Relation returns the named relation
func (s *EntitySchema) Relation(name string) (*Relation, bool) {
	s.ensureIndex()
	r, ok := s.relationIndex[name]
	return r, ok
}

// HasField returns true if the entity has a field with the given name
func (s *EntitySchema) HasField(name string) bool {
	_, ok := s.Field(name)
	return ok
}

// HasRelation returns true if the entity has a relation with the given name
func (s *EntitySchema) HasRelation(name string) bool {
	_, ok := s.Relation(name)
	return ok
}

// PrimaryKeyField returns the primary key field
func (s *EntitySchema) PrimaryKeyField() (*Field, error) {
	if s.PrimaryKey == "" {
		return nil, fmt.Errorf("entity %s has no primary key", s.Name)
	}
	f, ok := s.Field(s.PrimaryKey)
	if !ok {
		return nil, fmt.Errorf("entity %s: primary key %s is not a declared field", s.Name, s.PrimaryKey)
	}
	return f, nil
}

// PrimaryKeyColumn returns the storage column of the primary key
func (s *EntitySchema) PrimaryKeyColumn() string {
	if f, ok := s.Field(s.PrimaryKey); ok && f.Column != "" {
		return f.Column
	}
	return s.PrimaryKey
}

// VersionColumn returns the storage column of the version field, or ""
func (s *EntitySchema) VersionColumn() string {
	if s.VersionField == "" {
		return ""
	}
	if f, ok := s.Field(s.VersionField); ok && f.Column != "" {
		return f.Column
	}
	return s.VersionField
}

// Column returns the storage column for a field name
func (s *EntitySchema) Column(field string) string {
	if f, ok := s.Field(field); ok && f.Column != "" {
		return f.Column
	}
	return field
}

// Columns returns every storage column in declaration order: fields first,
// then the foreign keys of owning to-one relations.
func (s *EntitySchema) Columns() []string {
	cols := make([]string, 0, len(s.Fields)+len(s.Relations))
	for _, f := range s.Fields {
		cols = append(cols, s.Column(f.Name))
	}
	for _, r := range s.Relations {
		if r.Kind == ToOne && r.Owner && r.ForeignKey != "" {
			cols = append(cols, r.ForeignKey)
		}
	}
	return cols
}

// ToOneRelations returns all owning to-one relations
func (s *EntitySchema) ToOneRelations() []*Relation {
	var out []*Relation
	for _, r := range s.Relations {
		if r.Kind == ToOne && r.Owner {
			out = append(out, r)
		}
	}
	return out
}

// CollectionRelations returns all to-many and many-to-many relations
func (s *EntitySchema) CollectionRelations() []*Relation {
	var out []*Relation
	for _, r := range s.Relations {
		if r.Kind.IsCollection() {
			out = append(out, r)
		}
	}
	return out
}

// Description is the plain descriptive record the Unit of Work depends on
type Description struct {
	Name            string
	Table           string
	Fields          []FieldDescription
	PrimaryKeyField string
	VersionField    string
	Relations       []RelationDescription
}

// FieldDescription describes one field
type FieldDescription struct {
	Name     string
	Type     FieldType
	Nullable bool
}

// RelationDescription describes one relation
type RelationDescription struct {
	Name       string
	Kind       RelationKind
	Target     string
	OwningSide bool
	Required   bool
	Inverse    string
	Cascade    []CascadeAction
}

// Describe produces the descriptive record for this entity
func (s *EntitySchema) Describe() Description {
	d := Description{
		Name:            s.Name,
		Table:           s.TableName,
		PrimaryKeyField: s.PrimaryKey,
		VersionField:    s.VersionField,
	}
	for _, f := range s.Fields {
		d.Fields = append(d.Fields, FieldDescription{Name: f.Name, Type: f.Type, Nullable: f.Nullable})
	}
	for _, r := range s.Relations {
		d.Relations = append(d.Relations, RelationDescription{
			Name:       r.Name,
			Kind:       r.Kind,
			Target:     r.Target,
			OwningSide: r.Owner,
			Required:   r.IsRequired(),
			Inverse:    r.InverseField,
			Cascade:    r.Cascade.Actions(),
		})
	}
	return d
}
