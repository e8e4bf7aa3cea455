package uow

import (
	"context"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/entity"
	"github.com/conduit-lang/keel/internal/orm/hooks"
	"github.com/conduit-lang/keel/internal/orm/schema"
	"github.com/conduit-lang/keel/internal/orm/tracking"
)

type insertOp struct {
	entity *entity.Entity
	// key is a client-generated primary key, nil when the driver assigns one
	key     interface{}
	changes *tracking.ChangeSet
	// deferred references are inserted as NULL and set by a follow-up update
	deferred map[string]bool
}

type updateOp struct {
	entity  *entity.Entity
	changes *tracking.ChangeSet
	check   *driver.VersionCheck
}

type deleteOp struct {
	entity *entity.Entity
	check  *driver.VersionCheck
}

// refUpdate writes a single foreign key: a deferred reference after insert,
// or NULL before a delete
type refUpdate struct {
	entity *entity.Entity
	rel    *schema.Relation
	target *entity.Entity
}

type linkOp struct {
	rel    *schema.Relation
	owner  *entity.Entity
	member *entity.Entity
}

// plan is the ordered work of one flush
type plan struct {
	inserts     []*insertOp
	fixups      []refUpdate
	updates     []*updateOp
	linkDeletes []linkOp
	linkInserts []linkOp
	nullifies   []refUpdate
	deletes     []*deleteOp

	// scheduled are the pending entities this plan accounts for
	scheduled []*entity.Entity
	synced    []*entity.Collection
}

func (p *plan) primitives() int {
	return len(p.inserts) + len(p.fixups) + len(p.updates) + len(p.linkDeletes) +
		len(p.linkInserts) + len(p.nullifies) + len(p.deletes)
}

// planner builds a plan. It never writes to storage or the pending sets; it
// only reads the stored links of unloaded collections that carry deltas.
type planner struct {
	u         *UnitOfWork
	inserting *entitySet
	deleting  *entitySet
	updating  []*entity.Entity
	plan      *plan
}

// prepare runs the Collecting and Ordering phases
func (u *UnitOfWork) prepare(ctx context.Context) (*plan, error) {
	u.state = StateCollecting
	pl := &planner{
		u:         u,
		inserting: u.inserts.clone(),
		deleting:  u.deletes.clone(),
		plan:      &plan{},
	}
	pl.plan.scheduled = append(append(append(pl.plan.scheduled,
		u.inserts.list()...), u.updates.list()...), u.deletes.list()...)

	pl.discover()
	candidates := pl.updateCandidates()

	if err := pl.runBeforeHooks(ctx, candidates); err != nil {
		return nil, err
	}
	if err := pl.collectInserts(); err != nil {
		return nil, err
	}
	if err := pl.collectUpdates(candidates); err != nil {
		return nil, err
	}
	if err := pl.collectLinks(ctx); err != nil {
		return nil, err
	}
	pl.collectDeletes()

	u.state = StateOrdering
	if err := pl.orderInserts(); err != nil {
		return nil, err
	}
	if err := pl.orderDeletes(); err != nil {
		return nil, err
	}
	return pl.plan, nil
}

// discover adds new entities reachable through cascade persist from anything
// that will be written, including relations set after the last persist call
func (pl *planner) discover() {
	roots := pl.inserting.list()
	roots = append(roots, pl.u.updates.list()...)
	for _, e := range pl.u.identity.All() {
		if e.IsInitialized() {
			roots = append(roots, e)
		}
	}

	visited := make(map[*entity.Entity]struct{})
	for _, root := range roots {
		pl.u.walkPersist(root, visited, func(x *entity.Entity) bool {
			if pl.deleting.has(x) {
				return false
			}
			if !pl.u.IsManaged(x) && !pl.inserting.has(x) {
				pl.inserting.add(x)
				x.Bind(pl.u)
			}
			return true
		})
	}
}

// updateCandidates returns every managed entity that may have changed:
// explicitly persisted ones first, then the rest of the identity map.
// An uninitialized reference takes part with the fields set on it, which
// flush as a partial update without a version check.
func (pl *planner) updateCandidates() []*entity.Entity {
	seen := make(map[*entity.Entity]struct{})
	var out []*entity.Entity
	add := func(e *entity.Entity) {
		if _, ok := seen[e]; ok {
			return
		}
		seen[e] = struct{}{}
		if pl.deleting.has(e) || pl.inserting.has(e) {
			return
		}
		if e.IsInitialized() && pl.u.snapshots[e] == nil {
			return
		}
		out = append(out, e)
	}
	for _, e := range pl.u.updates.list() {
		add(e)
	}
	for _, e := range pl.u.identity.All() {
		add(e)
	}
	return out
}

func (pl *planner) runBeforeHooks(ctx context.Context, candidates []*entity.Entity) error {
	if pl.u.hooks == nil {
		return nil
	}
	for _, e := range pl.inserting.list() {
		if err := pl.u.hooks.Run(ctx, hooks.BeforeCreate, e, tracking.Diff(e, nil).Summary()); err != nil {
			return err
		}
	}
	for _, e := range candidates {
		cs := pl.u.ChangeSet(e)
		if cs.IsEmpty() {
			continue
		}
		if err := pl.u.hooks.Run(ctx, hooks.BeforeUpdate, e, cs.Summary()); err != nil {
			return err
		}
	}
	for _, e := range pl.deleting.list() {
		if err := pl.u.hooks.Run(ctx, hooks.BeforeDelete, e, nil); err != nil {
			return err
		}
	}
	return nil
}

func (pl *planner) collectInserts() error {
	for _, e := range pl.inserting.list() {
		meta := e.Schema()
		op := &insertOp{entity: e, changes: tracking.Diff(e, nil)}

		if !e.HasID() {
			switch meta.PKStrategy {
			case schema.PKAssigned:
				return validationf(e.Type(), meta.PrimaryKey, "primary key must be assigned before flush")
			case schema.PKUUID:
				op.key = uuid.New().String()
			}
		}

		if err := pl.u.validateFields(e, nil); err != nil {
			return err
		}
		for _, rel := range meta.ToOneRelations() {
			target := e.Ref(rel.Name)
			if target == nil {
				if rel.IsRequired() {
					return validationf(e.Type(), rel.Name, "required reference is not set")
				}
				continue
			}
			if err := pl.checkTarget(e, rel, target); err != nil {
				return err
			}
		}

		pl.plan.inserts = append(pl.plan.inserts, op)
	}
	return nil
}

func (pl *planner) collectUpdates(candidates []*entity.Entity) error {
	for _, e := range candidates {
		cs := pl.u.ChangeSet(e)
		if cs.IsEmpty() {
			continue
		}
		if err := pl.u.validateFields(e, cs); err != nil {
			return err
		}
		for _, rc := range cs.RefChanges() {
			rel, _ := e.Schema().Relation(rc.Relation)
			if rc.New == nil {
				if rel.IsRequired() {
					return validationf(e.Type(), rel.Name, "required reference is not set")
				}
				continue
			}
			if err := pl.checkTarget(e, rel, rc.New); err != nil {
				return err
			}
		}

		pl.plan.updates = append(pl.plan.updates, &updateOp{
			entity:  e,
			changes: cs,
			check:   pl.u.versionCheck(e, true),
		})
	}
	return nil
}

// checkTarget rejects references to entities that will not exist in storage
func (pl *planner) checkTarget(e *entity.Entity, rel *schema.Relation, target *entity.Entity) error {
	if pl.deleting.has(target) {
		return validationf(e.Type(), rel.Name, "references %s which is scheduled for removal", target)
	}
	if !pl.u.IsManaged(target) && !pl.inserting.has(target) {
		return validationf(e.Type(), rel.Name,
			"references %s which is not persisted; persist it or enable cascade persist", target)
	}
	return nil
}

// validateFields checks, in strict mode, required values, value types and
// declared string lengths.
// A nil change set checks every field of a new entity.
func (u *UnitOfWork) validateFields(e *entity.Entity, cs *tracking.ChangeSet) error {
	if !u.strict {
		return nil
	}
	meta := e.Schema()
	for _, f := range meta.Fields {
		if f.Name == meta.PrimaryKey || f.Name == meta.VersionField {
			continue
		}
		if cs != nil && !cs.Changed(f.Name) {
			continue
		}
		v := e.Get(f.Name)
		if v == nil {
			if !f.Nullable {
				return validationf(e.Type(), f.Name, "value is required")
			}
			continue
		}
		if !f.Type.Accepts(v) {
			return validationf(e.Type(), f.Name, "expected %s, got %T", f.Type, v)
		}
		if s, ok := v.(string); ok && f.Length > 0 && utf8.RuneCountInString(s) > f.Length {
			return validationf(e.Type(), f.Name, "length %d exceeds maximum %d", utf8.RuneCountInString(s), f.Length)
		}
	}
	return nil
}

// versionCheck builds the optimistic check for a stored versioned entity
func (u *UnitOfWork) versionCheck(e *entity.Entity, bump bool) *driver.VersionCheck {
	meta := e.Schema()
	if meta.VersionField == "" {
		return nil
	}
	snap := u.snapshots[e]
	if snap == nil {
		return nil
	}
	v, _ := snap.Value(meta.VersionField)
	expected, ok := driver.ToInt64(v)
	if !ok {
		return nil
	}
	check := &driver.VersionCheck{Column: meta.VersionColumn(), Expected: expected, Next: expected}
	if bump {
		check.Next = expected + 1
	}
	return check
}

type linkKey struct {
	table  string
	owner  *entity.Entity
	member *entity.Entity
}

// collectLinks turns owning many-to-many deltas into link primitives. Link
// rows of deleted entities are removed too.
func (pl *planner) collectLinks(ctx context.Context) error {
	seen := make(map[linkKey]bool)
	add := func(list *[]linkOp, rel *schema.Relation, owner, member *entity.Entity) {
		k := linkKey{rel.JoinTable.Name, owner, member}
		if seen[k] {
			return
		}
		seen[k] = true
		*list = append(*list, linkOp{rel: rel, owner: owner, member: member})
	}

	owners := pl.inserting.list()
	for _, e := range pl.u.identity.All() {
		if !pl.deleting.has(e) {
			owners = append(owners, e)
		}
	}

	for _, owner := range owners {
		for _, c := range owner.Collections() {
			if !c.IsDirty() {
				continue
			}
			pl.plan.synced = append(pl.plan.synced, c)

			rel := c.Relation()
			if rel.Kind != schema.ManyToMany || !rel.Owner {
				continue
			}
			stored, err := pl.storedLinks(ctx, owner, c)
			if err != nil {
				return err
			}
			linked := func(m *entity.Entity) bool {
				return m.HasID() && stored[driver.KeyString(m.ID())]
			}

			for _, m := range c.Removed() {
				if pl.inserting.has(owner) || pl.inserting.has(m) {
					continue
				}
				if stored != nil && !linked(m) {
					continue
				}
				add(&pl.plan.linkDeletes, rel, owner, m)
			}
			for _, m := range c.Added() {
				if pl.deleting.has(m) {
					continue
				}
				if !pl.u.IsManaged(m) && !pl.inserting.has(m) {
					return validationf(owner.Type(), rel.Name,
						"contains %s which is not persisted; persist it or enable cascade persist", m)
				}
				if linked(m) && !pl.inserting.has(m) {
					continue
				}
				add(&pl.plan.linkInserts, rel, owner, m)
			}
		}
	}

	for _, d := range pl.deleting.list() {
		for _, c := range d.Collections() {
			if c.IsDirty() {
				pl.plan.synced = append(pl.plan.synced, c)
			}
			rel := c.Relation()
			if rel.Kind != schema.ManyToMany {
				continue
			}
			for _, m := range storedMembers(c) {
				if pl.inserting.has(m) {
					continue
				}
				if rel.Owner {
					add(&pl.plan.linkDeletes, rel, d, m)
					continue
				}
				if owning, ok := m.Schema().Relation(rel.MappedBy); ok {
					add(&pl.plan.linkDeletes, owning, m, d)
				}
			}
		}
	}
	return nil
}

// storedLinks returns the member keys stored for an owning collection that
// was never loaded, so deltas recorded blind can be checked against them.
// It returns nil when the loaded members already reflect storage.
func (pl *planner) storedLinks(ctx context.Context, owner *entity.Entity, c *entity.Collection) (map[string]bool, error) {
	if c.IsInitialized() || pl.inserting.has(owner) || !owner.HasID() {
		return nil, nil
	}
	jt := c.Relation().JoinTable
	keys, err := pl.u.driver.FindLinks(ctx, jt, jt.OwnerColumn, owner.ID())
	if err != nil {
		return nil, &DriverError{Op: "find links", Entity: owner.Type() + "." + c.Relation().Name, Err: err}
	}
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[driver.KeyString(k)] = true
	}
	return out, nil
}

// storedMembers returns the members of a collection as they are in storage
func storedMembers(c *entity.Collection) []*entity.Entity {
	added := make(map[*entity.Entity]bool)
	for _, m := range c.Added() {
		added[m] = true
	}
	var out []*entity.Entity
	if c.IsInitialized() {
		for _, m := range c.Snapshot() {
			if !added[m] {
				out = append(out, m)
			}
		}
	}
	return append(out, c.Removed()...)
}

func (pl *planner) collectDeletes() {
	for _, e := range pl.deleting.list() {
		pl.plan.deletes = append(pl.plan.deletes, &deleteOp{entity: e, check: pl.u.versionCheck(e, false)})
	}
}

func (pl *planner) orderInserts() error {
	byEntity := make(map[*entity.Entity]*insertOp, len(pl.plan.inserts))
	nodes := make([]*entity.Entity, len(pl.plan.inserts))
	for i, op := range pl.plan.inserts {
		byEntity[op.entity] = op
		nodes[i] = op.entity
	}

	order, broken, err := commitOrder("insert", nodes, func(e *entity.Entity) []*dependency {
		var deps []*dependency
		for _, rel := range e.Schema().ToOneRelations() {
			if target := e.Ref(rel.Name); target != nil {
				deps = append(deps, &dependency{from: e, to: target, rel: rel, required: rel.IsRequired()})
			}
		}
		return deps
	})
	if err != nil {
		return err
	}

	ordered := make([]*insertOp, len(order))
	for i, e := range order {
		ordered[i] = byEntity[e]
	}
	pl.plan.inserts = ordered

	for _, d := range broken {
		op := byEntity[d.from]
		if op.deferred == nil {
			op.deferred = make(map[string]bool)
		}
		op.deferred[d.rel.Name] = true
		pl.plan.fixups = append(pl.plan.fixups, refUpdate{entity: d.from, rel: d.rel, target: d.to})
	}
	return nil
}

// orderDeletes deletes referencing entities before the ones they reference,
// following the references as they are stored
func (pl *planner) orderDeletes() error {
	byEntity := make(map[*entity.Entity]*deleteOp, len(pl.plan.deletes))
	nodes := make([]*entity.Entity, len(pl.plan.deletes))
	for i, op := range pl.plan.deletes {
		byEntity[op.entity] = op
		nodes[i] = op.entity
	}

	order, broken, err := commitOrder("delete", nodes, func(e *entity.Entity) []*dependency {
		var deps []*dependency
		snap := pl.u.snapshots[e]
		for _, rel := range e.Schema().ToOneRelations() {
			target := e.Ref(rel.Name)
			if snap != nil {
				target = snap.Ref(rel.Name)
			}
			if target != nil {
				deps = append(deps, &dependency{from: e, to: target, rel: rel, required: rel.IsRequired()})
			}
		}
		return deps
	})
	if err != nil {
		return err
	}

	ordered := make([]*deleteOp, len(order))
	for i, e := range order {
		ordered[len(order)-1-i] = byEntity[e]
	}
	pl.plan.deletes = ordered

	for _, d := range broken {
		pl.plan.nullifies = append(pl.plan.nullifies, refUpdate{entity: d.from, rel: d.rel})
	}
	return nil
}
