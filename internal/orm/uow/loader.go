package uow

import (
	"context"
	"fmt"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/entity"
	"github.com/conduit-lang/keel/internal/orm/schema"
	"github.com/conduit-lang/keel/internal/orm/tracking"
)

// Find loads the entities matching where. Criteria keys may be field names,
// to-one relation names (with an *entity.Entity or key value) or columns.
// Rows already in the identity map resolve to the live instance, whose
// in-memory state is kept.
func (u *UnitOfWork) Find(ctx context.Context, entityType string, where driver.Criteria, opts driver.FindOptions) ([]*entity.Entity, error) {
	if u.closed {
		return nil, ErrClosed
	}
	meta, err := u.meta(entityType)
	if err != nil {
		return nil, err
	}

	rows, err := u.driver.Find(ctx, meta, columnCriteria(meta, where), columnOptions(meta, opts))
	if err != nil {
		return nil, &DriverError{Op: "find", Entity: entityType, Err: err}
	}

	out := make([]*entity.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := u.hydrate(ctx, meta, row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// FindOne returns the first matching entity, or nil when there is none
func (u *UnitOfWork) FindOne(ctx context.Context, entityType string, where driver.Criteria) (*entity.Entity, error) {
	found, err := u.Find(ctx, entityType, where, driver.FindOptions{Limit: 1})
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

// Load returns the entity with the given primary key, from the identity map
// when possible. A missing row is a NotFoundError and registers nothing.
func (u *UnitOfWork) Load(ctx context.Context, entityType string, id interface{}) (*entity.Entity, error) {
	if u.closed {
		return nil, ErrClosed
	}
	meta, err := u.meta(entityType)
	if err != nil {
		return nil, err
	}

	if e, ok := u.identity.Get(entityType, id); ok {
		if err := u.Init(ctx, e); err != nil {
			return nil, err
		}
		return e, nil
	}

	return u.identity.GetOrCreate(ctx, entityType, id, func(ctx context.Context) (*entity.Entity, error) {
		row, err := u.fetch(ctx, meta, id)
		if err != nil {
			return nil, err
		}
		e := entity.NewReference(meta, row[meta.PrimaryKeyColumn()])
		if err := u.fill(e, row); err != nil {
			return nil, err
		}
		return e, nil
	})
}

// Reference returns the managed instance for a key without loading it. An
// unknown key yields an uninitialized reference registered in the identity map.
func (u *UnitOfWork) Reference(entityType string, id interface{}) (*entity.Entity, error) {
	if u.closed {
		return nil, ErrClosed
	}
	meta, err := u.meta(entityType)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, validationf(entityType, meta.PrimaryKey, "reference needs a primary key")
	}
	return u.reference(meta, id), nil
}

// Init loads the fields of an uninitialized reference in place
func (u *UnitOfWork) Init(ctx context.Context, e *entity.Entity) error {
	if e.IsInitialized() {
		return nil
	}
	row, err := u.fetch(ctx, e.Schema(), e.ID())
	if err != nil {
		return err
	}
	return u.fill(e, row)
}

// LoadCollection implements entity.CollectionLoader
func (u *UnitOfWork) LoadCollection(ctx context.Context, owner *entity.Entity, rel *schema.Relation) ([]*entity.Entity, error) {
	target, err := u.meta(rel.Target)
	if err != nil {
		return nil, err
	}

	switch {
	case rel.Kind == schema.ToMany:
		inverse, ok := target.Relation(rel.MappedBy)
		if !ok {
			return nil, fmt.Errorf("%s.%s: mapped by unknown relation %s", owner.Type(), rel.Name, rel.MappedBy)
		}
		opts := driver.FindOptions{}
		if rel.Ordered {
			opts.OrderBy = []driver.Order{{Column: target.PrimaryKeyColumn()}}
		}
		rows, err := u.driver.Find(ctx, target, driver.Criteria{inverse.ForeignKey: owner.ID()}, opts)
		if err != nil {
			return nil, &DriverError{Op: "find", Entity: rel.Target, Err: err}
		}
		out := make([]*entity.Entity, 0, len(rows))
		for _, row := range rows {
			e, err := u.hydrate(ctx, target, row)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil

	case rel.Owner:
		keys, err := u.driver.FindLinks(ctx, rel.JoinTable, rel.JoinTable.OwnerColumn, owner.ID())
		if err != nil {
			return nil, &DriverError{Op: "find links", Entity: owner.Type() + "." + rel.Name, Err: err}
		}
		return u.loadKeys(ctx, target, keys)

	default:
		owning, ok := target.Relation(rel.MappedBy)
		if !ok || owning.JoinTable == nil {
			return nil, fmt.Errorf("%s.%s: mapped by unknown relation %s", owner.Type(), rel.Name, rel.MappedBy)
		}
		keys, err := u.driver.FindLinks(ctx, owning.JoinTable, owning.JoinTable.InverseColumn, owner.ID())
		if err != nil {
			return nil, &DriverError{Op: "find links", Entity: owner.Type() + "." + rel.Name, Err: err}
		}
		return u.loadKeys(ctx, target, keys)
	}
}

// loadKeys returns initialized entities for keys in key order, fetching the
// ones not loaded yet with a single find
func (u *UnitOfWork) loadKeys(ctx context.Context, meta *schema.EntitySchema, keys []interface{}) ([]*entity.Entity, error) {
	var missing []interface{}
	for _, k := range keys {
		if e, ok := u.identity.Get(meta.Name, k); !ok || !e.IsInitialized() {
			missing = append(missing, k)
		}
	}

	if len(missing) > 0 {
		rows, err := u.driver.Find(ctx, meta, driver.Criteria{meta.PrimaryKeyColumn(): missing}, driver.FindOptions{})
		if err != nil {
			return nil, &DriverError{Op: "find", Entity: meta.Name, Err: err}
		}
		for _, row := range rows {
			if _, err := u.hydrate(ctx, meta, row); err != nil {
				return nil, err
			}
		}
	}

	out := make([]*entity.Entity, 0, len(keys))
	for _, k := range keys {
		// Links to rows that no longer exist are skipped.
		if e, ok := u.identity.Get(meta.Name, k); ok && e.IsInitialized() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (u *UnitOfWork) fetch(ctx context.Context, meta *schema.EntitySchema, id interface{}) (driver.Row, error) {
	where := driver.Criteria{meta.PrimaryKeyColumn(): id}
	rows, err := u.driver.Find(ctx, meta, where, driver.FindOptions{Limit: 1})
	if err != nil {
		return nil, &DriverError{Op: "find", Entity: meta.Name, Err: err}
	}
	if len(rows) == 0 {
		return nil, &NotFoundError{Entity: meta.Name, Criteria: where}
	}
	return rows[0], nil
}

// hydrate resolves a row to its managed instance, materializing it if needed
func (u *UnitOfWork) hydrate(ctx context.Context, meta *schema.EntitySchema, row driver.Row) (*entity.Entity, error) {
	id := row[meta.PrimaryKeyColumn()]
	if id == nil {
		return nil, fmt.Errorf("%s row without primary key %s", meta.Name, meta.PrimaryKeyColumn())
	}

	if e, ok := u.identity.Get(meta.Name, id); ok {
		if !e.IsInitialized() {
			if err := u.fill(e, row); err != nil {
				return nil, err
			}
		}
		return e, nil
	}

	return u.identity.GetOrCreate(ctx, meta.Name, id, func(ctx context.Context) (*entity.Entity, error) {
		e := entity.NewReference(meta, id)
		if err := u.fill(e, row); err != nil {
			return nil, err
		}
		return e, nil
	})
}

// fill copies a row into e, resolves foreign keys to references and takes
// the snapshot. Edits made on an uninitialized reference survive the fill
// and stay pending.
func (u *UnitOfWork) fill(e *entity.Entity, row driver.Row) error {
	meta := e.Schema()
	var pending *tracking.ChangeSet
	if !e.IsInitialized() {
		pending = u.ChangeSet(e)
	}

	values := make(map[string]interface{}, len(meta.Fields))
	for _, f := range meta.Fields {
		if v, ok := row[meta.Column(f.Name)]; ok {
			values[f.Name] = v
		}
	}

	refs := make(map[string]*entity.Entity)
	for _, rel := range meta.ToOneRelations() {
		fk, ok := row[rel.ForeignKey]
		if !ok {
			continue
		}
		if fk == nil {
			refs[rel.Name] = nil
			continue
		}
		target, err := u.meta(rel.Target)
		if err != nil {
			return err
		}
		refs[rel.Name] = u.reference(target, fk)
	}

	e.Hydrate(values, refs)
	e.Bind(u)
	u.snapshots[e] = tracking.Take(e)

	if pending != nil {
		for field, v := range pending.GetChangedData() {
			_ = e.Set(field, v)
		}
		for _, rc := range pending.RefChanges() {
			_ = e.SetRef(rc.Relation, rc.New)
		}
	}
	return nil
}

func (u *UnitOfWork) reference(meta *schema.EntitySchema, id interface{}) *entity.Entity {
	if e, ok := u.identity.Get(meta.Name, id); ok {
		return e
	}
	e := entity.NewReference(meta, id)
	e.Bind(u)
	if err := u.identity.Register(e); err != nil {
		if existing, ok := u.identity.Get(meta.Name, id); ok {
			return existing
		}
	}
	return e
}

// columnCriteria maps field and relation names in where to storage columns
func columnCriteria(meta *schema.EntitySchema, where driver.Criteria) driver.Criteria {
	if where == nil {
		return nil
	}
	out := make(driver.Criteria, len(where))
	for k, v := range where {
		if rel, ok := meta.Relation(k); ok && rel.Kind == schema.ToOne {
			out[rel.ForeignKey] = entityKeys(v)
			continue
		}
		out[meta.Column(k)] = entityKeys(v)
	}
	return out
}

func entityKeys(v interface{}) interface{} {
	switch x := v.(type) {
	case *entity.Entity:
		if x == nil {
			return nil
		}
		return x.ID()
	case []*entity.Entity:
		keys := make([]interface{}, len(x))
		for i, e := range x {
			keys[i] = e.ID()
		}
		return keys
	}
	return v
}

func columnOptions(meta *schema.EntitySchema, opts driver.FindOptions) driver.FindOptions {
	if len(opts.OrderBy) == 0 {
		return opts
	}
	order := make([]driver.Order, len(opts.OrderBy))
	for i, o := range opts.OrderBy {
		order[i] = driver.Order{Column: meta.Column(o.Column), Desc: o.Desc}
	}
	opts.OrderBy = order
	return opts
}
