// Package hooks runs entity lifecycle callbacks around Unit of Work flushes
package hooks

import (
	"sync"

	"github.com/conduit-lang/keel/internal/orm/entity"
)

// Event identifies a point in an entity's lifecycle
type Event int

const (
	BeforeCreate Event = iota
	AfterCreate
	BeforeUpdate
	AfterUpdate
	BeforeDelete
	AfterDelete
)

// String returns the string representation of the event
func (e Event) String() string {
	switch e {
	case BeforeCreate:
		return "before_create"
	case AfterCreate:
		return "after_create"
	case BeforeUpdate:
		return "before_update"
	case AfterUpdate:
		return "after_update"
	case BeforeDelete:
		return "before_delete"
	case AfterDelete:
		return "after_delete"
	default:
		return "unknown"
	}
}

// IsBefore reports whether the event runs before any I/O of the flush
func (e Event) IsBefore() bool {
	return e == BeforeCreate || e == BeforeUpdate || e == BeforeDelete
}

// HookFunc represents a hook function that can be executed.
// It receives the hook context and the entity instance.
type HookFunc func(ctx *Context, e *entity.Entity) error

// Hook represents a registered lifecycle hook
type Hook struct {
	Event Event
	// Entity restricts the hook to one entity type; empty means every type.
	Entity string
	Fn     HookFunc
	// Async hooks run on the worker pool after commit and never fail a flush.
	Async bool
}

// Registry manages all registered hooks
type Registry struct {
	mu    sync.RWMutex
	hooks map[Event][]*Hook
}

// NewRegistry creates a new hook registry
func NewRegistry() *Registry {
	return &Registry{
		hooks: make(map[Event][]*Hook),
	}
}

// Register adds a hook to the registry
func (r *Registry) Register(event Event, hook *Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hook.Event = event
	r.hooks[event] = append(r.hooks[event], hook)
}

// On registers a synchronous hook for one entity type ("" for all types)
func (r *Registry) On(event Event, entityType string, fn HookFunc) {
	r.Register(event, &Hook{Entity: entityType, Fn: fn})
}

// GetHooks returns the hooks for an event that apply to the entity type, in
// registration order
func (r *Registry) GetHooks(event Event, entityType string) []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Hook
	for _, h := range r.hooks[event] {
		if h.Entity == "" || h.Entity == entityType {
			out = append(out, h)
		}
	}
	return out
}

// HasHooks returns true if there are any hooks registered for the event
func (r *Registry) HasHooks(event Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks[event]) > 0
}
