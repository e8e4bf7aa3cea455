package orm

import (
	"context"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/entity"
	"github.com/conduit-lang/keel/internal/orm/uow"
)

// Entity is a managed entity instance
type Entity = entity.Entity

// Criteria filters finds by field, relation or column name
type Criteria = driver.Criteria

// FindOptions orders and pages finds
type FindOptions = driver.FindOptions

// Order sorts finds by a field
type Order = driver.Order

// EntityManager is the session API over one Unit of Work. It is not safe for
// concurrent use.
type EntityManager struct {
	orm *ORM
	uow *uow.UnitOfWork
}

func newEntityManager(o *ORM) *EntityManager {
	return &EntityManager{
		orm: o,
		uow: uow.New(o.registry, o.driver,
			uow.WithLogger(o.logger.Named("uow")),
			uow.WithHooks(o.hooks),
			uow.WithMetrics(o.metrics),
			uow.WithStrict(o.config.Strict),
		),
	}
}

// Create instantiates a new entity and assigns values. It is not scheduled
// until it is persisted.
func (em *EntityManager) Create(entityType string, values map[string]interface{}) (*Entity, error) {
	e, err := em.uow.Create(entityType)
	if err != nil {
		return nil, err
	}
	if len(values) > 0 {
		if err := e.Assign(values); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Reference returns the managed instance for id without loading it
func (em *EntityManager) Reference(entityType string, id interface{}) (*Entity, error) {
	return em.uow.Reference(entityType, id)
}

// Persist schedules entities and, with auto_flush enabled, flushes
func (em *EntityManager) Persist(ctx context.Context, entities ...*Entity) error {
	if err := em.uow.Persist(entities...); err != nil {
		return err
	}
	if em.orm.config.AutoFlush {
		return em.Flush(ctx)
	}
	return nil
}

// PersistLater schedules entities for the next flush
func (em *EntityManager) PersistLater(entities ...*Entity) error {
	return em.uow.Persist(entities...)
}

// PersistAndFlush schedules entities and flushes regardless of auto_flush
func (em *EntityManager) PersistAndFlush(ctx context.Context, entities ...*Entity) error {
	if err := em.uow.Persist(entities...); err != nil {
		return err
	}
	return em.Flush(ctx)
}

// Remove schedules entities for deletion and, with auto_flush enabled, flushes
func (em *EntityManager) Remove(ctx context.Context, entities ...*Entity) error {
	if err := em.uow.Remove(ctx, entities...); err != nil {
		return err
	}
	if em.orm.config.AutoFlush {
		return em.Flush(ctx)
	}
	return nil
}

// RemoveLater schedules entities for deletion by the next flush
func (em *EntityManager) RemoveLater(ctx context.Context, entities ...*Entity) error {
	return em.uow.Remove(ctx, entities...)
}

// Flush writes every pending change in one transaction, bounded by
// flush_timeout
func (em *EntityManager) Flush(ctx context.Context) error {
	if timeout := em.orm.config.FlushTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return em.uow.Flush(ctx)
}

// Find loads the entities matching where
func (em *EntityManager) Find(ctx context.Context, entityType string, where Criteria, opts FindOptions) ([]*Entity, error) {
	return em.uow.Find(ctx, entityType, where, opts)
}

// FindOne returns the first match, or nil when nothing matches
func (em *EntityManager) FindOne(ctx context.Context, entityType string, where Criteria) (*Entity, error) {
	return em.uow.FindOne(ctx, entityType, where)
}

// FindOneOrFail is FindOne with a NotFoundError instead of nil
func (em *EntityManager) FindOneOrFail(ctx context.Context, entityType string, where Criteria) (*Entity, error) {
	e, err := em.uow.FindOne(ctx, entityType, where)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, &uow.NotFoundError{Entity: entityType, Criteria: where}
	}
	return e, nil
}

// FindByID returns the entity with the given key, from the identity map when
// possible. A missing row is a NotFoundError.
func (em *EntityManager) FindByID(ctx context.Context, entityType string, id interface{}) (*Entity, error) {
	return em.uow.Load(ctx, entityType, id)
}

// Init loads an uninitialized reference in place
func (em *EntityManager) Init(ctx context.Context, e *Entity) error {
	return em.uow.Init(ctx, e)
}

// Clear detaches every managed entity
func (em *EntityManager) Clear() {
	em.uow.Clear()
}

// Fork returns a new EntityManager with an empty Unit of Work over the same ORM
func (em *EntityManager) Fork() *EntityManager {
	return newEntityManager(em.orm)
}

// UnitOfWork exposes the underlying Unit of Work
func (em *EntityManager) UnitOfWork() *uow.UnitOfWork {
	return em.uow
}

// Close releases the Unit of Work; the EntityManager cannot be used afterwards
func (em *EntityManager) Close() {
	em.uow.Close()
}

// Error predicates re-exported for callers outside the module
var (
	IsValidation   = uow.IsValidation
	IsCascadeCycle = uow.IsCascadeCycle
	IsDriver       = uow.IsDriver
	IsConcurrency  = uow.IsConcurrency
	IsNotFound     = uow.IsNotFound
)
