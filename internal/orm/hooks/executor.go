package hooks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/conduit-lang/keel/internal/orm/entity"
)

// Executor executes lifecycle hooks for entities
type Executor struct {
	registry *Registry
	queue    *Queue
	logger   *zap.Logger
}

// NewExecutor creates a new hook executor
func NewExecutor(queue *Queue, logger *zap.Logger) *Executor {
	return NewExecutorWithRegistry(NewRegistry(), queue, logger)
}

// NewExecutorWithRegistry creates a new hook executor with an existing registry
func NewExecutorWithRegistry(registry *Registry, queue *Queue, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		registry: registry,
		queue:    queue,
		logger:   logger,
	}
}

// Register registers a hook
func (e *Executor) Register(event Event, hook *Hook) {
	e.registry.Register(event, hook)
}

// Run executes all hooks for an event on one entity. Synchronous hooks run in
// order and the first error stops the chain. Async hooks are queued with a
// detached copy of the entity.
func (e *Executor) Run(ctx context.Context, event Event, ent *entity.Entity, changes map[string]interface{}) error {
	hooks := e.registry.GetHooks(event, ent.Type())
	if len(hooks) == 0 {
		return nil
	}

	hookCtx := NewContext(ctx, event, ent.Schema(), changes)

	for _, hook := range hooks {
		if hook.Async {
			if err := e.enqueueAsyncHook(hookCtx, hook, ent); err != nil {
				e.logger.Warn("failed to enqueue async hook",
					zap.String("event", event.String()),
					zap.String("entity", ent.Type()),
					zap.Error(err))
			}
			continue
		}
		if err := hook.Fn(hookCtx, ent); err != nil {
			return fmt.Errorf("hook %s on %s failed: %w", event, ent.Type(), err)
		}
	}

	return nil
}

// enqueueAsyncHook queues an async hook for later execution
func (e *Executor) enqueueAsyncHook(hookCtx *Context, hook *Hook, ent *entity.Entity) error {
	if e.queue == nil {
		return errors.New("async queue not configured")
	}

	detached := ent.Clone()
	changes := make(map[string]interface{}, len(hookCtx.changes))
	for k, v := range hookCtx.changes {
		changes[k] = v
	}

	return e.queue.Enqueue(Job{
		Event:  hookCtx.event,
		Entity: ent.Type(),
		Run: func(ctx context.Context) error {
			return hook.Fn(NewContext(ctx, hookCtx.event, hookCtx.schema, changes), detached)
		},
	})
}

// HasHooks returns true if there are any hooks registered for the event
func (e *Executor) HasHooks(event Event) bool {
	return e.registry.HasHooks(event)
}

// GetRegistry returns the hook registry
func (e *Executor) GetRegistry() *Registry {
	return e.registry
}
