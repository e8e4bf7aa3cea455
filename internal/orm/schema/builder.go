package schema

import (
	"errors"
	"fmt"
)

// Builder declares an entity schema in Go code
//
//	book := schema.Define("Book").
//		PrimaryKey("id", schema.TypeInt, schema.PKAuto).
//		Field("title", schema.TypeString).
//		ToOne("author", "Author", schema.WithCascade(schema.CascadePersist)).
//		ManyToMany("tags", "BookTag", schema.OrderedCollection()).
//		MustBuild()
type Builder struct {
	schema *EntitySchema
	errors []error
}

// FieldOption customizes a field declaration
type FieldOption func(*Field)

// RelationOption customizes a relation declaration
type RelationOption func(*Relation)

// Define starts a new entity declaration
func Define(name string) *Builder {
	return &Builder{schema: NewEntitySchema(name)}
}

// Table overrides the table (or collection) name
func (b *Builder) Table(name string) *Builder {
	b.schema.TableName = name
	return b
}

// Doc attaches documentation to the entity
func (b *Builder) Doc(doc string) *Builder {
	b.schema.Documentation = doc
	return b
}

// PrimaryKey declares the primary key field and how new keys are produced
func (b *Builder) PrimaryKey(name string, t FieldType, strategy PKStrategy) *Builder {
	if b.schema.PrimaryKey != "" && b.schema.PrimaryKey != name {
		b.errors = append(b.errors, fmt.Errorf("%s: primary key already declared as %s", b.schema.Name, b.schema.PrimaryKey))
		return b
	}
	b.schema.PrimaryKey = name
	b.schema.PKStrategy = strategy
	b.schema.AddField(&Field{Name: name, Type: t})
	return b
}

// Field declares a scalar field
func (b *Builder) Field(name string, t FieldType, opts ...FieldOption) *Builder {
	f := &Field{Name: name, Type: t}
	for _, opt := range opts {
		opt(f)
	}
	b.schema.AddField(f)
	return b
}

// Version declares an integer optimistic-locking field
func (b *Builder) Version(name string) *Builder {
	b.schema.VersionField = name
	b.schema.AddField(&Field{Name: name, Type: TypeInt, Default: 1})
	return b
}

// ToOne declares a direct reference. References are required unless
// NullableRelation is given.
func (b *Builder) ToOne(name, target string, opts ...RelationOption) *Builder {
	return b.relation(&Relation{Name: name, Kind: ToOne, Target: target, Owner: true}, opts)
}

// ToMany declares the collection side of a one-to-many relation
func (b *Builder) ToMany(name, target, mappedBy string, opts ...RelationOption) *Builder {
	return b.relation(&Relation{Name: name, Kind: ToMany, Target: target, MappedBy: mappedBy, Nullable: true}, opts)
}

// ManyToMany declares the owning side of a many-to-many relation
func (b *Builder) ManyToMany(name, target string, opts ...RelationOption) *Builder {
	return b.relation(&Relation{Name: name, Kind: ManyToMany, Target: target, Owner: true, Nullable: true}, opts)
}

// ManyToManyInverse declares the inverse side of a many-to-many relation
func (b *Builder) ManyToManyInverse(name, target, mappedBy string, opts ...RelationOption) *Builder {
	return b.relation(&Relation{Name: name, Kind: ManyToMany, Target: target, MappedBy: mappedBy, Nullable: true}, opts)
}

func (b *Builder) relation(r *Relation, opts []RelationOption) *Builder {
	for _, opt := range opts {
		opt(r)
	}
	b.schema.AddRelation(r)
	return b
}

// Build returns the declared schema
func (b *Builder) Build() (*EntitySchema, error) {
	if len(b.errors) > 0 {
		return nil, errors.Join(b.errors...)
	}
	return b.schema, nil
}

// MustBuild returns the declared schema or panics
func (b *Builder) MustBuild() *EntitySchema {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}

// Nullable allows NULL values for the field
func Nullable() FieldOption {
	return func(f *Field) { f.Nullable = true }
}

// WithColumn overrides the storage column name
func WithColumn(column string) FieldOption {
	return func(f *Field) { f.Column = column }
}

// WithLength sets a maximum length for string fields
func WithLength(n int) FieldOption {
	return func(f *Field) { f.Length = n }
}

// WithDefault sets the value applied to new entities that leave the field unset
func WithDefault(v interface{}) FieldOption {
	return func(f *Field) { f.Default = v }
}

// WithCascade sets the actions propagated through the relation
func WithCascade(actions ...CascadeAction) RelationOption {
	return func(r *Relation) { r.Cascade = NewCascadeSet(actions...) }
}

// CascadeAll propagates both persist and remove
func CascadeAll() RelationOption {
	return WithCascade(CascadePersist, CascadeRemove)
}

// NullableRelation marks a to-one reference as optional
func NullableRelation() RelationOption {
	return func(r *Relation) { r.Nullable = true }
}

// InverseOf names the mirrored relation on the target
func InverseOf(field string) RelationOption {
	return func(r *Relation) { r.InverseField = field }
}

// OrderedCollection preserves member order
func OrderedCollection() RelationOption {
	return func(r *Relation) { r.Ordered = true }
}

// WithForeignKey overrides the foreign key column of a to-one reference
func WithForeignKey(column string) RelationOption {
	return func(r *Relation) { r.ForeignKey = column }
}

// WithJoinTable overrides the join table of an owning many-to-many relation.
// Empty arguments fall back to the naming strategy.
func WithJoinTable(name, ownerColumn, inverseColumn string) RelationOption {
	return func(r *Relation) {
		r.JoinTable = &JoinTable{Name: name, OwnerColumn: ownerColumn, InverseColumn: inverseColumn}
	}
}
