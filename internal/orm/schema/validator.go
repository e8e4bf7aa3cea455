package schema

import (
	"fmt"
	"strings"
)

// ValidationError represents a schema validation error with context
type ValidationError struct {
	Entity  string
	Field   string
	Message string
	Hint    string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	var b strings.Builder

	if e.Entity != "" {
		b.WriteString(e.Entity)
		if e.Field != "" {
			b.WriteString(".")
			b.WriteString(e.Field)
		}
		b.WriteString(": ")
	}

	b.WriteString(e.Message)

	if e.Hint != "" {
		b.WriteString("\n  hint: ")
		b.WriteString(e.Hint)
	}

	return b.String()
}

// SchemaValidator performs single-entity structural validation
type SchemaValidator struct {
	naming NamingStrategy
	errors []*ValidationError
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(naming NamingStrategy) *SchemaValidator {
	if naming == nil {
		naming = UnderscoreNamingStrategy{}
	}
	return &SchemaValidator{naming: naming}
}

// ValidateStructural validates a single entity schema without cross-entity
// checks and fills in storage names the declaration left empty.
func (v *SchemaValidator) ValidateStructural(schema *EntitySchema) error {
	v.errors = make([]*ValidationError, 0)

	if schema.Name == "" {
		return &ValidationError{Message: "entity name is required"}
	}
	if schema.TableName == "" {
		schema.TableName = v.naming.TableName(schema.Name)
	}

	v.validateFields(schema)
	v.validatePrimaryKey(schema)
	v.validateVersion(schema)
	v.validateRelations(schema)

	if len(v.errors) > 0 {
		var msgs []string
		for _, err := range v.errors {
			msgs = append(msgs, err.Error())
		}
		return fmt.Errorf("schema validation failed with %d errors:\n%s",
			len(v.errors), strings.Join(msgs, "\n"))
	}

	schema.ensureIndex()
	return nil
}

func (v *SchemaValidator) addError(entity, field, msg, hint string) {
	v.errors = append(v.errors, &ValidationError{Entity: entity, Field: field, Message: msg, Hint: hint})
}

func (v *SchemaValidator) validateFields(schema *EntitySchema) {
	seen := make(map[string]bool)
	for _, f := range schema.Fields {
		if f.Name == "" {
			v.addError(schema.Name, "", "field name is required", "")
			continue
		}
		if seen[f.Name] {
			v.addError(schema.Name, f.Name, "duplicate field", "")
			continue
		}
		seen[f.Name] = true
		if f.Column == "" {
			f.Column = v.naming.ColumnName(f.Name)
		}
	}
	for _, r := range schema.Relations {
		if seen[r.Name] {
			v.addError(schema.Name, r.Name, "relation name clashes with a field or another relation", "")
			continue
		}
		seen[r.Name] = true
	}
}

func (v *SchemaValidator) validatePrimaryKey(schema *EntitySchema) {
	if schema.PrimaryKey == "" {
		v.addError(schema.Name, "", "no primary key declared",
			"mark one field as the primary key")
		return
	}
	var pk *Field
	for _, f := range schema.Fields {
		if f.Name == schema.PrimaryKey {
			pk = f
		}
	}
	if pk == nil {
		v.addError(schema.Name, schema.PrimaryKey, "primary key is not a declared field", "")
		return
	}
	if pk.Nullable {
		v.addError(schema.Name, pk.Name, "primary key cannot be nullable", "")
	}
	switch schema.PKStrategy {
	case PKUUID:
		if pk.Type != TypeUUID && pk.Type != TypeString {
			v.addError(schema.Name, pk.Name, "uuid key strategy requires a uuid or string field",
				fmt.Sprintf("field is declared as %s", pk.Type))
		}
	case PKAuto:
		if pk.Type != TypeInt && pk.Type != TypeBigInt && pk.Type != TypeUUID && pk.Type != TypeString {
			v.addError(schema.Name, pk.Name, "auto key strategy requires an integer, uuid or string field", "")
		}
	}
}

func (v *SchemaValidator) validateVersion(schema *EntitySchema) {
	if schema.VersionField == "" {
		return
	}
	var version *Field
	for _, f := range schema.Fields {
		if f.Name == schema.VersionField {
			version = f
		}
	}
	if version == nil {
		v.addError(schema.Name, schema.VersionField, "version field is not a declared field", "")
		return
	}
	if version.Type != TypeInt && version.Type != TypeBigInt {
		v.addError(schema.Name, version.Name, "version field must be an integer", "")
	}
	if version.Name == schema.PrimaryKey {
		v.addError(schema.Name, version.Name, "version field cannot be the primary key", "")
	}
}

func (v *SchemaValidator) validateRelations(schema *EntitySchema) {
	for _, r := range schema.Relations {
		if r.Target == "" {
			v.addError(schema.Name, r.Name, "relation target is required", "")
		}
		switch r.Kind {
		case ToOne:
			r.Owner = true
		case ToMany:
			r.Owner = false
			if r.MappedBy == "" {
				v.addError(schema.Name, r.Name, "to-many relation needs mapped_by",
					"name the to-one relation on the target that owns this association")
			}
			if !r.Nullable {
				r.Nullable = true
			}
		case ManyToMany:
			if !r.Owner && r.InverseField == "" && r.MappedBy == "" {
				v.addError(schema.Name, r.Name, "inverse many-to-many side needs mapped_by",
					"name the owning many-to-many relation on the target")
			}
			r.Nullable = true
		default:
			v.addError(schema.Name, r.Name, "unknown relation kind", "")
		}
	}
}

// RelationResolver validates and completes relations across all entities
type RelationResolver struct {
	schemas map[string]*EntitySchema
	naming  NamingStrategy
	errors  []error
}

// NewRelationResolver creates a new relation resolver
func NewRelationResolver(schemas map[string]*EntitySchema, naming NamingStrategy) *RelationResolver {
	if naming == nil {
		naming = UnderscoreNamingStrategy{}
	}
	return &RelationResolver{
		schemas: schemas,
		naming:  naming,
		errors:  make([]error, 0),
	}
}

// Resolve validates every relation and fills in derived storage details
func (v *RelationResolver) Resolve() error {
	for _, name := range sortedNames(v.schemas) {
		schema := v.schemas[name]
		for _, rel := range schema.Relations {
			if err := v.resolveRelation(schema, rel); err != nil {
				v.errors = append(v.errors, err)
			}
		}
	}

	if len(v.errors) > 0 {
		var msgs []string
		for _, err := range v.errors {
			msgs = append(msgs, err.Error())
		}
		return fmt.Errorf("%d errors:\n%s", len(v.errors), strings.Join(msgs, "\n"))
	}
	return nil
}

// Errors returns all resolution errors
func (v *RelationResolver) Errors() []error {
	return v.errors
}

func (v *RelationResolver) resolveRelation(schema *EntitySchema, rel *Relation) error {
	target, exists := v.schemas[rel.Target]
	if !exists {
		return &ValidationError{Entity: schema.Name, Field: rel.Name,
			Message: fmt.Sprintf("references unknown entity %s", rel.Target)}
	}

	switch rel.Kind {
	case ToOne:
		if rel.ForeignKey == "" {
			rel.ForeignKey = v.naming.ForeignKey(rel.Name, target.PrimaryKeyColumn())
		}
		for _, inverse := range target.Relations {
			if inverse.Kind == ToMany && inverse.Target == schema.Name && inverse.MappedBy == rel.Name {
				rel.InverseField = inverse.Name
			}
		}

	case ToMany:
		owning, ok := target.Relation(rel.MappedBy)
		if !ok || owning.Kind != ToOne || owning.Target != schema.Name {
			return &ValidationError{Entity: schema.Name, Field: rel.Name,
				Message: fmt.Sprintf("mapped_by %s.%s must be a to-one relation targeting %s",
					rel.Target, rel.MappedBy, schema.Name)}
		}
		rel.InverseField = rel.MappedBy

	case ManyToMany:
		if rel.Owner {
			if rel.JoinTable == nil {
				rel.JoinTable = &JoinTable{}
			}
			if rel.JoinTable.Name == "" {
				rel.JoinTable.Name = v.naming.JoinTableName(schema.Name, rel.Name, target.Name)
			}
			if rel.JoinTable.OwnerColumn == "" {
				rel.JoinTable.OwnerColumn = v.naming.JoinColumn(schema.Name, schema.PrimaryKeyColumn())
			}
			if rel.JoinTable.InverseColumn == "" {
				rel.JoinTable.InverseColumn = v.naming.JoinColumn(target.Name, target.PrimaryKeyColumn())
			}
			if rel.JoinTable.InverseColumn == rel.JoinTable.OwnerColumn {
				rel.JoinTable.InverseColumn = "inverse_" + rel.JoinTable.InverseColumn
			}
			if rel.InverseField != "" {
				inverse, ok := target.Relation(rel.InverseField)
				if !ok || inverse.Kind != ManyToMany || inverse.Owner {
					return &ValidationError{Entity: schema.Name, Field: rel.Name,
						Message: fmt.Sprintf("inverse %s.%s must be an inverse many-to-many relation",
							rel.Target, rel.InverseField)}
				}
			}
			return nil
		}

		mappedBy := rel.MappedBy
		if mappedBy == "" {
			mappedBy = rel.InverseField
		}
		owning, ok := target.Relation(mappedBy)
		if !ok || owning.Kind != ManyToMany || !owning.Owner || owning.Target != schema.Name {
			return &ValidationError{Entity: schema.Name, Field: rel.Name,
				Message: fmt.Sprintf("mapped_by %s.%s must be an owning many-to-many relation targeting %s",
					rel.Target, mappedBy, schema.Name)}
		}
		rel.MappedBy = mappedBy
		rel.InverseField = mappedBy
		if owning.InverseField == "" {
			owning.InverseField = rel.Name
		}
	}

	return nil
}
