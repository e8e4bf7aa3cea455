package uow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/entity"
	"github.com/conduit-lang/keel/internal/orm/hooks"
	"github.com/conduit-lang/keel/internal/orm/metrics"
	"github.com/conduit-lang/keel/internal/orm/tracking"
)

// Flush writes every pending change in one driver transaction. Validation,
// hook and ordering errors abort before any I/O. If a primitive fails the
// transaction is rolled back, entities and pending operations are left as
// they were, and the error is returned.
func (u *UnitOfWork) Flush(ctx context.Context) error {
	if u.closed {
		return ErrClosed
	}
	if u.state == StateOrdering || u.state == StateExecuting {
		return ErrFlushInProgress
	}

	start := time.Now()
	p, err := u.prepare(ctx)
	if err != nil {
		u.settle()
		u.metrics.FlushCompleted(metrics.ResultRejected, time.Since(start))
		return err
	}

	if p.primitives() == 0 {
		u.commitPlan(p, nil)
		u.settle()
		u.metrics.FlushCompleted(metrics.ResultNoop, time.Since(start))
		return nil
	}

	u.state = StateExecuting
	u.logger.Debug("flush started",
		zap.Int("inserts", len(p.inserts)),
		zap.Int("updates", len(p.updates)+len(p.fixups)+len(p.nullifies)),
		zap.Int("deletes", len(p.deletes)),
		zap.Int("link_ops", len(p.linkInserts)+len(p.linkDeletes)))

	x, err := u.execute(ctx, p)
	if err != nil {
		u.state = StateRolledBack
		u.logger.Debug("flush rolled back", zap.Error(err))
		u.metrics.FlushCompleted(metrics.ResultRolledBack, time.Since(start))
		u.settle()
		return errors.Join(err, u.replayDeferred())
	}

	u.state = StateCommitted
	u.commitPlan(p, x)
	u.logger.Debug("flush committed", zap.Duration("elapsed", time.Since(start)))
	u.metrics.FlushCompleted(metrics.ResultCommitted, time.Since(start))
	u.metrics.IdentityMapSize(u.identity.Len())

	hookErr := u.runAfterHooks(ctx, p)
	u.settle()
	return errors.Join(hookErr, u.replayDeferred())
}

// execution holds results staged during a flush. They reach the entities,
// the identity map and the snapshots only after commit.
type execution struct {
	u        *UnitOfWork
	tx       driver.Tx
	keys     map[*entity.Entity]interface{}
	versions map[*entity.Entity]int64
}

func (u *UnitOfWork) execute(ctx context.Context, p *plan) (*execution, error) {
	tx, err := u.driver.Begin(ctx)
	if err != nil {
		return nil, &DriverError{Op: "begin", Err: err}
	}

	x := &execution{
		u:        u,
		tx:       tx,
		keys:     make(map[*entity.Entity]interface{}, len(p.inserts)),
		versions: make(map[*entity.Entity]int64),
	}

	if err := x.run(ctx, p); err != nil {
		x.rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		x.rollback(ctx)
		if driver.IsVersionMismatch(err) || driver.IsSerialization(err) {
			return nil, &ConcurrencyError{Err: err}
		}
		return nil, &DriverError{Op: "commit", Err: err}
	}
	return x, nil
}

func (x *execution) rollback(ctx context.Context) {
	// Rollback must run even when ctx is what aborted the flush.
	if err := x.tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		x.u.logger.Warn("rollback failed", zap.Error(err))
	}
}

func (x *execution) run(ctx context.Context, p *plan) error {
	for _, op := range p.inserts {
		if err := x.insert(ctx, op); err != nil {
			return err
		}
	}
	for _, r := range p.fixups {
		if err := x.writeRef(ctx, r); err != nil {
			return err
		}
	}
	for _, op := range p.updates {
		if err := x.update(ctx, op); err != nil {
			return err
		}
	}
	for _, l := range p.linkDeletes {
		x.trace("link_delete", l.owner, nil)
		if err := x.tx.LinkDelete(ctx, l.rel.JoinTable, x.key(l.owner), x.key(l.member)); err != nil {
			return &DriverError{Op: "link delete", Entity: l.owner.String() + "." + l.rel.Name, Err: err}
		}
	}
	for _, l := range p.linkInserts {
		x.trace("link_insert", l.owner, nil)
		if err := x.tx.LinkInsert(ctx, l.rel.JoinTable, x.key(l.owner), x.key(l.member)); err != nil {
			return &DriverError{Op: "link insert", Entity: l.owner.String() + "." + l.rel.Name, Err: err}
		}
	}
	for _, r := range p.nullifies {
		if err := x.writeRef(ctx, r); err != nil {
			return err
		}
	}
	for _, op := range p.deletes {
		meta := op.entity.Schema()
		x.trace("delete", op.entity, op.entity.ID())
		if err := x.tx.Delete(ctx, meta, op.entity.ID(), op.check); err != nil {
			return x.fail("delete", op.entity, op.check, err)
		}
	}
	return nil
}

func (x *execution) insert(ctx context.Context, op *insertOp) error {
	e := op.entity
	meta := e.Schema()

	row := driver.Row{}
	if key := op.key; key != nil {
		row[meta.PrimaryKeyColumn()] = key
	} else if e.HasID() {
		row[meta.PrimaryKeyColumn()] = e.ID()
	}

	for _, f := range meta.Fields {
		switch f.Name {
		case meta.PrimaryKey:
			continue
		case meta.VersionField:
			version, ok := driver.ToInt64(e.Get(f.Name))
			if !ok {
				version = 1
			}
			row[meta.Column(f.Name)] = version
			x.versions[e] = version
			continue
		}
		if v, ok := e.Lookup(f.Name); ok {
			row[meta.Column(f.Name)] = v
		}
	}

	for _, rel := range meta.ToOneRelations() {
		target := e.Ref(rel.Name)
		if target == nil || op.deferred[rel.Name] {
			row[rel.ForeignKey] = nil
			continue
		}
		key := x.key(target)
		if key == nil {
			return fmt.Errorf("%s.%s: %s has no key yet", e, rel.Name, target)
		}
		row[rel.ForeignKey] = key
	}

	id, err := x.tx.Insert(ctx, meta, row)
	if err != nil {
		return x.fail("insert", e, nil, err)
	}
	if id == nil {
		id = row[meta.PrimaryKeyColumn()]
	}
	x.keys[e] = id
	x.trace("insert", e, id)
	return nil
}

func (x *execution) update(ctx context.Context, op *updateOp) error {
	e := op.entity
	meta := e.Schema()

	row := driver.Row{}
	for field, v := range op.changes.GetChangedData() {
		row[meta.Column(field)] = v
	}
	for _, rc := range op.changes.RefChanges() {
		rel, _ := meta.Relation(rc.Relation)
		if rc.New == nil {
			row[rel.ForeignKey] = nil
			continue
		}
		row[rel.ForeignKey] = x.key(rc.New)
	}

	x.trace("update", e, e.ID())
	if err := x.tx.Update(ctx, meta, e.ID(), row, op.check); err != nil {
		return x.fail("update", e, op.check, err)
	}
	if op.check != nil {
		x.versions[e] = op.check.Next
	}
	return nil
}

func (x *execution) writeRef(ctx context.Context, r refUpdate) error {
	meta := r.entity.Schema()
	var value interface{}
	if r.target != nil {
		value = x.key(r.target)
	}
	id := x.key(r.entity)
	x.trace("update", r.entity, id)
	if err := x.tx.Update(ctx, meta, id, driver.Row{r.rel.ForeignKey: value}, nil); err != nil {
		return x.fail("update", r.entity, nil, err)
	}
	return nil
}

// key returns the primary key of e, including one assigned in this flush
func (x *execution) key(e *entity.Entity) interface{} {
	if k, ok := x.keys[e]; ok {
		return k
	}
	return e.ID()
}

func (x *execution) fail(op string, e *entity.Entity, check *driver.VersionCheck, err error) error {
	if check != nil && driver.IsVersionMismatch(err) {
		return &ConcurrencyError{Entity: e.Type(), ID: e.ID(), Expected: check.Expected, Err: err}
	}
	return &DriverError{Op: op, Entity: e.String(), Err: err}
}

func (x *execution) trace(op string, e *entity.Entity, id interface{}) {
	x.u.metrics.Primitive(op)
	x.u.logger.Debug(op, zap.String("entity", e.Type()), zap.Any("id", id))
}

// commitPlan applies a committed plan to the in-memory state. x is nil for
// a plan without primitives.
func (u *UnitOfWork) commitPlan(p *plan, x *execution) {
	if x != nil {
		for _, op := range p.inserts {
			e := op.entity
			if !e.HasID() {
				e.SetID(x.keys[e])
			}
			if err := u.identity.Register(e); err != nil {
				u.logger.Warn("inserted entity not registered", zap.Stringer("entity", e), zap.Error(err))
			}
		}
		for e, version := range x.versions {
			_ = e.Set(e.Schema().VersionField, version)
		}
		for _, op := range p.inserts {
			u.snapshots[op.entity] = tracking.Take(op.entity)
		}
		for _, op := range p.updates {
			u.snapshots[op.entity] = tracking.Take(op.entity)
		}
		for _, op := range p.deletes {
			u.identity.RemoveEntity(op.entity)
			delete(u.snapshots, op.entity)
		}
	}

	for _, c := range p.synced {
		c.MarkSynced()
	}
	for _, e := range p.scheduled {
		u.inserts.remove(e)
		u.updates.remove(e)
		u.deletes.remove(e)
	}
}

func (u *UnitOfWork) runAfterHooks(ctx context.Context, p *plan) error {
	if u.hooks == nil {
		return nil
	}
	var errs []error
	for _, op := range p.inserts {
		errs = append(errs, u.hooks.Run(ctx, hooks.AfterCreate, op.entity, op.changes.Summary()))
	}
	for _, op := range p.updates {
		errs = append(errs, u.hooks.Run(ctx, hooks.AfterUpdate, op.entity, op.changes.Summary()))
	}
	for _, op := range p.deletes {
		errs = append(errs, u.hooks.Run(ctx, hooks.AfterDelete, op.entity, nil))
	}
	return errors.Join(errs...)
}

// replayDeferred applies persist and remove calls made while executing
func (u *UnitOfWork) replayDeferred() error {
	calls := u.deferred
	u.deferred = nil

	var errs []error
	for _, call := range calls {
		if call.remove {
			errs = append(errs, u.Remove(call.ctx, call.entities...))
		} else {
			errs = append(errs, u.Persist(call.entities...))
		}
	}
	return errors.Join(errs...)
}
