// Package repository defines the entity repository adapter contract.
//
// The record stores (students, teachers, orchestras, rehearsals, theory
// lessons, bagrut records) are external services; the deletion core only
// consumes this capability. Errors are typed so the execution engine can
// decide retry versus fail.
package repository

import (
	"context"
	"errors"

	"conservatory.io/cadenza/internal/domain"
)

// Typed adapter errors, distinguishable via errors.Is.
var (
	// ErrNotFound: the entity does not exist in its store.
	ErrNotFound = errors.New("entity not found")
	// ErrPermissionDenied: the store refused the operation.
	ErrPermissionDenied = errors.New("repository permission denied")
	// ErrTransientIO: a retriable transport or store failure.
	ErrTransientIO = errors.New("transient repository failure")
)

// EntityRef identifies one record in a store.
type EntityRef struct {
	Type domain.EntityType `json:"type"`
	ID   string            `json:"id"`
	Name string            `json:"name"`
}

// Relation is one relationship edge from an entity to a dependent record.
// RelationType keys into the analyzer's cascade policy table; Field names
// the referencing field for nullify/set_default actions.
type Relation struct {
	RelationType string    `json:"relationType"`
	Entity       EntityRef `json:"entity"`
	Field        string    `json:"field,omitempty"`
}

// Repository is the per-entity-type lookup/delete/update capability the
// deletion core calls.
type Repository interface {
	// GetEntity resolves an entity reference or ErrNotFound.
	GetEntity(ctx context.Context, entityType domain.EntityType, entityID string) (EntityRef, error)

	// GetRelated returns the outgoing relationship edges of an entity.
	GetRelated(ctx context.Context, entityType domain.EntityType, entityID string) ([]Relation, error)

	// Delete removes the record.
	Delete(ctx context.Context, entityType domain.EntityType, entityID string) error

	// Nullify clears a reference field on the record.
	Nullify(ctx context.Context, entityType domain.EntityType, entityID, field string) error

	// SetDefault resets a reference field to its enumerable default.
	SetDefault(ctx context.Context, entityType domain.EntityType, entityID, field string) error
}
