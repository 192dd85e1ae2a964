// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/catalog-sync/internal/model"
)

// EntityStore is the local keyed collection of catalog entities. The sync
// engine only reads whole entities and writes partial patches; it never
// assumes full-file rewrite semantics.
type EntityStore interface {
	// FindAll returns every entity of the given kind.
	FindAll(ctx context.Context, kind model.Kind) ([]*model.Entity, error)
	// FindByID loads one entity; errs.ErrNotFound when absent.
	FindByID(ctx context.Context, kind model.Kind, localID string) (*model.Entity, error)
	// Insert stores a new entity.
	Insert(ctx context.Context, e *model.Entity) error
	// Save replaces the content of an existing entity (a local mutation).
	Save(ctx context.Context, e *model.Entity) error
	// Update applies a partial patch and returns the updated entity.
	Update(ctx context.Context, kind model.Kind, localID string, p model.Patch) (*model.Entity, error)
	// Delete removes the entity; errs.ErrNotFound when absent.
	Delete(ctx context.Context, kind model.Kind, localID string) error
}
