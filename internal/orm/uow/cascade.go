package uow

import (
	"context"

	"github.com/conduit-lang/keel/internal/orm/entity"
	"github.com/conduit-lang/keel/internal/orm/schema"
)

// walkPersist visits root and every entity reachable from it through
// relations that cascade persist, depth first. Each entity is visited at most
// once per walk; visit returning false stops the descent below that entity.
// Collections are walked as known in memory and never loaded.
func (u *UnitOfWork) walkPersist(root *entity.Entity, visited map[*entity.Entity]struct{}, visit func(*entity.Entity) bool) {
	stack := []*entity.Entity{root}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[e]; seen {
			continue
		}
		visited[e] = struct{}{}
		if !visit(e) {
			continue
		}

		next := cascadeTargets(e, schema.CascadePersist)
		for i := len(next) - 1; i >= 0; i-- {
			stack = append(stack, next[i])
		}
	}
}

// walkRemove is walkPersist for cascade remove. Uninitialized collections of
// stored entities are loaded, since their members must be removed too.
func (u *UnitOfWork) walkRemove(ctx context.Context, root *entity.Entity, visited map[*entity.Entity]struct{}, visit func(*entity.Entity) bool) error {
	stack := []*entity.Entity{root}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[e]; seen {
			continue
		}
		visited[e] = struct{}{}
		if !visit(e) {
			continue
		}

		if err := u.loadForRemoval(ctx, e); err != nil {
			return err
		}
		next := cascadeTargets(e, schema.CascadeRemove)
		for i := len(next) - 1; i >= 0; i-- {
			stack = append(stack, next[i])
		}
	}
	return nil
}

// loadForRemoval loads the collections a removal depends on: those that
// cascade remove, and many-to-many collections whose link rows must go.
func (u *UnitOfWork) loadForRemoval(ctx context.Context, e *entity.Entity) error {
	if !e.HasID() || !u.IsManaged(e) {
		return nil
	}
	for _, c := range e.Collections() {
		rel := c.Relation()
		if c.IsInitialized() {
			continue
		}
		if !rel.CascadesOn(schema.CascadeRemove) && rel.Kind != schema.ManyToMany {
			continue
		}
		if err := c.Load(ctx); err != nil {
			return err
		}
	}
	return nil
}

// cascadeTargets returns the entities related to e through relations that
// cascade the action, in relation declaration order
func cascadeTargets(e *entity.Entity, action schema.CascadeAction) []*entity.Entity {
	var out []*entity.Entity
	for _, rel := range e.Schema().Relations {
		if !rel.CascadesOn(action) {
			continue
		}
		if rel.Kind == schema.ToOne {
			if target := e.Ref(rel.Name); target != nil {
				out = append(out, target)
			}
			continue
		}
		if c := e.Collection(rel.Name); c != nil {
			out = append(out, c.Snapshot()...)
		}
	}
	return out
}
