package hooks

import (
	"context"

	"github.com/conduit-lang/keel/internal/orm/schema"
)

// Context wraps the standard context with information about the flush that
// triggered the hook
type Context struct {
	context.Context
	event   Event
	schema  *schema.EntitySchema
	changes map[string]interface{}
}

// NewContext creates a new hook context. changes carries the computed change
// set for update events and may be nil.
func NewContext(ctx context.Context, event Event, s *schema.EntitySchema, changes map[string]interface{}) *Context {
	return &Context{
		Context: ctx,
		event:   event,
		schema:  s,
		changes: changes,
	}
}

// Event returns the lifecycle event being handled
func (c *Context) Event() Event {
	return c.event
}

// Schema returns the entity schema
func (c *Context) Schema() *schema.EntitySchema {
	return c.schema
}

// Changes returns the changed fields for update events
func (c *Context) Changes() map[string]interface{} {
	return c.changes
}

// Changed reports whether a field is part of the change set
func (c *Context) Changed(field string) bool {
	_, ok := c.changes[field]
	return ok
}
