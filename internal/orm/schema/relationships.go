package schema

import (
	"fmt"
	"sort"
	"strings"
)

// RelationGraph is the type-level reference graph: Book -> Author when Book
// owns a to-one relation targeting Author. Only required references
// constrain insert order.
type RelationGraph struct {
	names    []string
	refs     map[string][]string
	required map[string][]string
	inbound  map[string][]string
}

func NewRelationGraph(schemas map[string]*EntitySchema) *RelationGraph {
	g := &RelationGraph{
		refs:     make(map[string][]string),
		required: make(map[string][]string),
		inbound:  make(map[string][]string),
	}
	g.names = sortedNames(schemas)

	for _, name := range g.names {
		for _, rel := range schemas[name].Relations {
			if rel.Kind != ToOne {
				continue
			}
			if !contains(g.refs[name], rel.Target) {
				g.refs[name] = append(g.refs[name], rel.Target)
				g.inbound[rel.Target] = append(g.inbound[rel.Target], name)
			}
			if rel.IsRequired() && !contains(g.required[name], rel.Target) {
				g.required[name] = append(g.required[name], rel.Target)
			}
		}
	}
	return g
}

// References lists the entities the given entity points at
func (g *RelationGraph) References(entity string) []string {
	return g.refs[entity]
}

// ReferencedBy lists the entities pointing at the given entity, by name
func (g *RelationGraph) ReferencedBy(entity string) []string {
	return g.inbound[entity]
}

// Cycles returns every loop closed by required references. A required self
// reference is a one-element cycle.
func (g *RelationGraph) Cycles() [][]string {
	const (
		unseen = iota
		open
		done
	)
	mark := make(map[string]int, len(g.names))
	onPath := make(map[string]int)
	var path []string
	var cycles [][]string

	var walk func(name string)
	walk = func(name string) {
		mark[name] = open
		onPath[name] = len(path)
		path = append(path, name)

		for _, next := range g.required[name] {
			switch mark[next] {
			case unseen:
				walk(next)
			case open:
				cycles = append(cycles, append([]string(nil), path[onPath[next]:]...))
			}
		}

		path = path[:len(path)-1]
		delete(onPath, name)
		mark[name] = done
	}

	for _, name := range g.names {
		if mark[name] == unseen {
			walk(name)
		}
	}
	return cycles
}

// CycleError reports required references that admit no insert order
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	if len(e.Cycles) == 0 {
		return "circular dependency detected"
	}
	return "circular dependency detected: " + formatCycles(e.Cycles)
}

// InsertOrder returns every entity after the ones it requires. Among entities
// that are ready at the same time the smallest name goes first.
func (g *RelationGraph) InsertOrder() ([]string, error) {
	waiting := make(map[string]int, len(g.names))
	unblocks := make(map[string][]string)
	for _, name := range g.names {
		for _, target := range g.required[name] {
			if target == name {
				continue
			}
			waiting[name]++
			unblocks[target] = append(unblocks[target], name)
		}
	}

	var ready []string
	for _, name := range g.names {
		if waiting[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(g.names))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		for _, dependent := range unblocks[name] {
			if waiting[dependent]--; waiting[dependent] == 0 {
				i := sort.SearchStrings(ready, dependent)
				ready = append(ready[:i], append([]string{dependent}, ready[i:]...)...)
			}
		}
	}

	if len(order) != len(g.names) {
		return nil, &CycleError{Cycles: g.Cycles()}
	}
	return order, nil
}

// Report summarizes the graph. Cycles among required references are
// reported, not rejected: instances may still be acyclic at flush time.
func (g *RelationGraph) Report() *DependencyReport {
	r := &DependencyReport{
		Entities:     len(g.names),
		References:   make(map[string][]string, len(g.names)),
		ReferencedBy: make(map[string][]string, len(g.names)),
		Cycles:       g.Cycles(),
	}
	for _, name := range g.names {
		r.References[name] = g.References(name)
		r.ReferencedBy[name] = g.ReferencedBy(name)
	}
	if order, err := g.InsertOrder(); err == nil {
		r.InsertOrder = order
	}
	return r
}

// DependencyReport is the printable outcome of Report
type DependencyReport struct {
	Entities     int
	References   map[string][]string
	ReferencedBy map[string][]string
	Cycles       [][]string
	InsertOrder  []string
}

func (r *DependencyReport) HasCycles() bool {
	return len(r.Cycles) > 0
}

func (r *DependencyReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d entities\n", r.Entities)

	if r.HasCycles() {
		b.WriteString("required references form cycles; instances must not close them:\n")
		b.WriteString(formatCycles(r.Cycles))
		b.WriteString("\n")
	}
	for i, name := range r.InsertOrder {
		fmt.Fprintf(&b, "%3d. %s", i+1, name)
		if refs := r.References[name]; len(refs) > 0 {
			fmt.Fprintf(&b, " -> %s", strings.Join(refs, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatCycles(cycles [][]string) string {
	lines := make([]string, len(cycles))
	for i, cycle := range cycles {
		lines[i] = "  " + strings.Join(append(append([]string(nil), cycle...), cycle[0]), " -> ")
	}
	return strings.Join(lines, "\n")
}

func contains(list []string, v string) bool {
	for _, existing := range list {
		if existing == v {
			return true
		}
	}
	return false
}

func sortedNames(schemas map[string]*EntitySchema) []string {
	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
