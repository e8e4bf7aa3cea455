// Package schema provides a registry for managing entity metadata
package schema

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages all entity schemas known to an ORM instance
type Registry struct {
	schemas   map[string]*EntitySchema
	naming    NamingStrategy
	validator *SchemaValidator
	validated bool
	mu        sync.RWMutex
}

// NewRegistry creates a new schema registry using the underscore naming strategy
func NewRegistry() *Registry {
	return NewRegistryWithNaming(UnderscoreNamingStrategy{})
}

// NewRegistryWithNaming creates a new schema registry with a custom naming strategy
func NewRegistryWithNaming(naming NamingStrategy) *Registry {
	return &Registry{
		schemas:   make(map[string]*EntitySchema),
		naming:    naming,
		validator: NewSchemaValidator(naming),
	}
}

// Register registers a new entity schema
func (r *Registry) Register(schema *EntitySchema) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schemas[schema.Name]; exists {
		return fmt.Errorf("entity %s is already registered", schema.Name)
	}

	// Relations may reference entities registered later; cross-entity checks
	// happen in ValidateAll.
	if err := r.validator.ValidateStructural(schema); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", schema.Name, err)
	}

	r.schemas[schema.Name] = schema
	r.validated = false
	return nil
}

// RegisterAll registers several schemas and validates the result
func (r *Registry) RegisterAll(schemas ...*EntitySchema) error {
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return r.ValidateAll()
}

// Get retrieves an entity schema by name
func (r *Registry) Get(name string) (*EntitySchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schema, exists := r.schemas[name]
	return schema, exists
}

// MustGet retrieves an entity schema by name or panics
func (r *Registry) MustGet(name string) *EntitySchema {
	s, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("entity %s is not registered", name))
	}
	return s
}

// Describe returns the descriptive record for an entity type
func (r *Registry) Describe(name string) (Description, error) {
	s, ok := r.Get(name)
	if !ok {
		return Description{}, fmt.Errorf("entity %s not found", name)
	}
	return s.Describe(), nil
}

// All returns a copy of all registered schemas
func (r *Registry) All() map[string]*EntitySchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*EntitySchema, len(r.schemas))
	for k, v := range r.schemas {
		result[k] = v
	}
	return result
}

// Schemas returns all registered schemas sorted by name
func (r *Registry) Schemas() []*EntitySchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*EntitySchema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// List returns a sorted list of all entity names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAll resolves relations across all registered schemas. It fills in
// foreign keys, join tables and inverse fields and must succeed before the
// registry is handed to a Unit of Work.
func (r *Registry) ValidateAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	resolver := NewRelationResolver(r.schemas, r.naming)
	if err := resolver.Resolve(); err != nil {
		return fmt.Errorf("relation validation failed: %w", err)
	}

	r.validated = true
	return nil
}

// Validated reports whether ValidateAll succeeded since the last registration
func (r *Registry) Validated() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.validated
}

// DependencyOrder returns entity names in required-reference order (referenced first)
func (r *Registry) DependencyOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return NewRelationGraph(r.schemas).InsertOrder()
}

// AnalyzeDependencies summarizes references, cycles and insert order
func (r *Registry) AnalyzeDependencies() *DependencyReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return NewRelationGraph(r.schemas).Report()
}

// Naming returns the registry's naming strategy
func (r *Registry) Naming() NamingStrategy {
	return r.naming
}

// Clear removes all registered schemas (useful for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.schemas = make(map[string]*EntitySchema)
	r.validated = false
}

// Count returns the number of registered schemas
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.schemas)
}

// Exists checks if an entity schema exists
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.schemas[name]
	return exists
}

// RegistryStats holds statistics about the registry
type RegistryStats struct {
	TotalEntities      int
	TotalFields        int
	TotalRelations     int
	RequiredReferences int
	ManyToMany         int
	VersionedEntities  int
}

// Stats returns statistics about the registry
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{TotalEntities: len(r.schemas)}
	for _, s := range r.schemas {
		stats.TotalFields += len(s.Fields)
		stats.TotalRelations += len(s.Relations)
		if s.VersionField != "" {
			stats.VersionedEntities++
		}
		for _, rel := range s.Relations {
			if rel.IsRequired() {
				stats.RequiredReferences++
			}
			if rel.Kind == ManyToMany && rel.Owner {
				stats.ManyToMany++
			}
		}
	}
	return stats
}
