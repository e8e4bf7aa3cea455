package entity

import "errors"

var (
	// ErrUnknownField is returned when a field is not declared on the entity
	ErrUnknownField = errors.New("unknown field")

	// ErrUnknownRelation is returned when a relation is not declared on the entity
	ErrUnknownRelation = errors.New("unknown relation")

	// ErrInvalidRelationType is returned when a relation is used with the wrong accessor
	ErrInvalidRelationType = errors.New("invalid relation type")

	// ErrWrongTarget is returned when a related entity has the wrong type
	ErrWrongTarget = errors.New("related entity has the wrong type")

	// ErrNotBound is returned when an uninitialized collection has no loader
	ErrNotBound = errors.New("collection is not attached to an entity manager")
)
