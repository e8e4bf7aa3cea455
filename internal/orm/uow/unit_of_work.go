// Package uow implements the Unit of Work: it tracks the entities of one
// session, computes what changed and writes everything back in one
// dependency-ordered driver transaction.
package uow

import (
	"context"

	"go.uber.org/zap"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/entity"
	"github.com/conduit-lang/keel/internal/orm/hooks"
	"github.com/conduit-lang/keel/internal/orm/identity"
	"github.com/conduit-lang/keel/internal/orm/metrics"
	"github.com/conduit-lang/keel/internal/orm/schema"
	"github.com/conduit-lang/keel/internal/orm/tracking"
)

// State is the phase of the current flush cycle
type State int

const (
	// StateIdle means nothing is pending
	StateIdle State = iota
	// StateCollecting means operations are pending
	StateCollecting
	// StateOrdering means a flush is computing its operation order
	StateOrdering
	// StateExecuting means a flush is issuing driver primitives
	StateExecuting
	// StateCommitted means the flush transaction committed
	StateCommitted
	// StateRolledBack means the flush transaction was rolled back
	StateRolledBack
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateOrdering:
		return "ordering"
	case StateExecuting:
		return "executing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Option configures a UnitOfWork
type Option func(*UnitOfWork)

// WithLogger sets the logger used for debug output
func WithLogger(logger *zap.Logger) Option {
	return func(u *UnitOfWork) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// WithHooks runs lifecycle hooks around flushed operations
func WithHooks(executor *hooks.Executor) Option {
	return func(u *UnitOfWork) { u.hooks = executor }
}

// WithMetrics records flush activity
func WithMetrics(recorder metrics.Recorder) Option {
	return func(u *UnitOfWork) {
		if recorder != nil {
			u.metrics = recorder
		}
	}
}

// WithStrict type-checks field values against their declared types at flush
func WithStrict(strict bool) Option {
	return func(u *UnitOfWork) { u.strict = strict }
}

// UnitOfWork tracks the entities of one session. It is not safe for
// concurrent use; create one per request.
type UnitOfWork struct {
	registry *schema.Registry
	driver   driver.Driver
	identity *identity.Map
	hooks    *hooks.Executor
	logger   *zap.Logger
	metrics  metrics.Recorder
	strict   bool

	snapshots map[*entity.Entity]*tracking.Snapshot
	inserts   *entitySet
	updates   *entitySet
	deletes   *entitySet
	deferred  []deferredCall
	state     State
	closed    bool
}

// deferredCall is a persist or remove issued while a flush was executing
type deferredCall struct {
	ctx      context.Context
	remove   bool
	entities []*entity.Entity
}

// New creates a Unit of Work over a validated registry and a connected driver
func New(registry *schema.Registry, drv driver.Driver, opts ...Option) *UnitOfWork {
	u := &UnitOfWork{
		registry:  registry,
		driver:    drv,
		identity:  identity.New(),
		logger:    zap.NewNop(),
		metrics:   metrics.Nop{},
		snapshots: make(map[*entity.Entity]*tracking.Snapshot),
		inserts:   newEntitySet(),
		updates:   newEntitySet(),
		deletes:   newEntitySet(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Registry returns the metadata registry
func (u *UnitOfWork) Registry() *schema.Registry {
	return u.registry
}

// Driver returns the storage driver
func (u *UnitOfWork) Driver() driver.Driver {
	return u.driver
}

// IdentityMap returns the identity map
func (u *UnitOfWork) IdentityMap() *identity.Map {
	return u.identity
}

// State returns the phase of the current flush cycle
func (u *UnitOfWork) State() State {
	return u.state
}

// Create instantiates a new entity of the given type. It is not scheduled
// until it is persisted.
func (u *UnitOfWork) Create(entityType string) (*entity.Entity, error) {
	meta, err := u.meta(entityType)
	if err != nil {
		return nil, err
	}
	e := entity.New(meta)
	e.Bind(u)
	return e, nil
}

// Persist schedules entities for insertion, or marks managed ones as changed,
// cascading through relations that cascade persist. While a flush is
// executing the call is queued for the next cycle.
func (u *UnitOfWork) Persist(entities ...*entity.Entity) error {
	if u.closed {
		return ErrClosed
	}
	if err := u.checkEntities(entities); err != nil {
		return err
	}
	if u.state == StateExecuting {
		u.deferred = append(u.deferred, deferredCall{entities: entities})
		return nil
	}

	visited := make(map[*entity.Entity]struct{})
	for _, e := range entities {
		u.walkPersist(e, visited, func(x *entity.Entity) bool {
			u.schedulePersist(x)
			return true
		})
	}
	u.settle()
	return nil
}

func (u *UnitOfWork) schedulePersist(e *entity.Entity) {
	u.deletes.remove(e)
	if u.IsManaged(e) {
		u.updates.add(e)
		return
	}
	if !u.inserts.has(e) {
		u.inserts.add(e)
		e.Bind(u)
	}
}

// Remove schedules managed entities for deletion, cascading through
// relations that cascade remove. Removing an entity that was never flushed
// cancels its insertion. Collections needed for the cascade are loaded.
func (u *UnitOfWork) Remove(ctx context.Context, entities ...*entity.Entity) error {
	if u.closed {
		return ErrClosed
	}
	if err := u.checkEntities(entities); err != nil {
		return err
	}
	if u.state == StateExecuting {
		u.deferred = append(u.deferred, deferredCall{ctx: ctx, remove: true, entities: entities})
		return nil
	}

	var unschedule, doomed []*entity.Entity
	visited := make(map[*entity.Entity]struct{})
	for _, e := range entities {
		err := u.walkRemove(ctx, e, visited, func(x *entity.Entity) bool {
			switch {
			case u.inserts.has(x):
				unschedule = append(unschedule, x)
			case u.IsManaged(x):
				doomed = append(doomed, x)
			default:
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
	}

	for _, x := range unschedule {
		u.inserts.remove(x)
	}
	for _, x := range doomed {
		u.updates.remove(x)
		u.deletes.add(x)
	}
	u.settle()
	return nil
}

// IsManaged reports whether e is the identity-mapped instance for its key
func (u *UnitOfWork) IsManaged(e *entity.Entity) bool {
	return u.identity.Contains(e)
}

// Contains reports whether e is managed or scheduled for insertion
func (u *UnitOfWork) Contains(e *entity.Entity) bool {
	return u.IsManaged(e) || u.inserts.has(e)
}

// IsScheduledForDelete reports whether e will be deleted by the next flush
func (u *UnitOfWork) IsScheduledForDelete(e *entity.Entity) bool {
	return u.deletes.has(e)
}

// ChangeSet computes the pending changes of e against its snapshot
func (u *UnitOfWork) ChangeSet(e *entity.Entity) *tracking.ChangeSet {
	return tracking.Diff(e, u.snapshots[e])
}

// Snapshot returns the last persisted state of e, or nil
func (u *UnitOfWork) Snapshot(e *entity.Entity) *tracking.Snapshot {
	return u.snapshots[e]
}

// Stats describes what the Unit of Work holds
type Stats struct {
	Managed   int
	Inserts   int
	Updates   int
	Deletes   int
	Snapshots int
}

// Stats returns counts of managed and scheduled entities. Updates counts
// entities explicitly persisted; every managed entity is dirty-checked at flush.
func (u *UnitOfWork) Stats() Stats {
	return Stats{
		Managed:   u.identity.Len(),
		Inserts:   u.inserts.len(),
		Updates:   u.updates.len(),
		Deletes:   u.deletes.len(),
		Snapshots: len(u.snapshots),
	}
}

// Clear detaches every entity and drops everything pending
func (u *UnitOfWork) Clear() {
	u.identity.Clear()
	u.snapshots = make(map[*entity.Entity]*tracking.Snapshot)
	u.inserts.clear()
	u.updates.clear()
	u.deletes.clear()
	u.deferred = nil
	u.state = StateIdle
}

// Close clears the Unit of Work and rejects further use
func (u *UnitOfWork) Close() {
	u.Clear()
	u.closed = true
}

func (u *UnitOfWork) settle() {
	if u.inserts.len() > 0 || u.updates.len() > 0 || u.deletes.len() > 0 {
		u.state = StateCollecting
	} else {
		u.state = StateIdle
	}
}

func (u *UnitOfWork) meta(entityType string) (*schema.EntitySchema, error) {
	meta, ok := u.registry.Get(entityType)
	if !ok {
		return nil, validationf(entityType, "", "not a registered entity")
	}
	return meta, nil
}

func (u *UnitOfWork) checkEntities(entities []*entity.Entity) error {
	for _, e := range entities {
		if e == nil {
			return ErrNilEntity
		}
		meta, err := u.meta(e.Type())
		if err != nil {
			return err
		}
		if meta != e.Schema() {
			return validationf(e.Type(), "", "entity was built from a different registry")
		}
	}
	return nil
}

// entitySet is an insertion-ordered set of entities
type entitySet struct {
	items []*entity.Entity
	index map[*entity.Entity]struct{}
}

func newEntitySet() *entitySet {
	return &entitySet{index: make(map[*entity.Entity]struct{})}
}

func (s *entitySet) add(e *entity.Entity) {
	if _, ok := s.index[e]; ok {
		return
	}
	s.index[e] = struct{}{}
	s.items = append(s.items, e)
}

func (s *entitySet) remove(e *entity.Entity) {
	if _, ok := s.index[e]; !ok {
		return
	}
	delete(s.index, e)
	for i, x := range s.items {
		if x == e {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

func (s *entitySet) has(e *entity.Entity) bool {
	_, ok := s.index[e]
	return ok
}

func (s *entitySet) len() int {
	return len(s.items)
}

func (s *entitySet) list() []*entity.Entity {
	out := make([]*entity.Entity, len(s.items))
	copy(out, s.items)
	return out
}

func (s *entitySet) clear() {
	s.items = nil
	s.index = make(map[*entity.Entity]struct{})
}

func (s *entitySet) clone() *entitySet {
	c := newEntitySet()
	for _, e := range s.items {
		c.add(e)
	}
	return c
}
