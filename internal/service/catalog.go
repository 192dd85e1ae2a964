// Package service contains the local catalog mutation API and operator token issuance.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/catalog-sync/internal/batch"
	"github.com/and161185/catalog-sync/internal/errs"
	"github.com/and161185/catalog-sync/internal/model"
	"github.com/and161185/catalog-sync/internal/repository"
)

// Remover retires an entity remotely before it is removed locally.
type Remover interface {
	DeleteEntity(ctx context.Context, kind model.Kind, localID string) batch.Result
}

// CatalogService defines local mutations. Every mutation marks the entity
// pending so the next sync pushes it.
type CatalogService interface {
	// CreateCategory adds a category under parentID ("" for a root).
	CreateCategory(ctx context.Context, name, description, parentID string, image *model.Image) (*model.Entity, error)
	// CreateBrand adds a brand.
	CreateBrand(ctx context.Context, name, description string, image *model.Image) (*model.Entity, error)
	// CreateProduct adds a product referencing existing categories and brand.
	CreateProduct(ctx context.Context, name, description string, fields model.ProductFields, image *model.Image, gallery []model.Image) (*model.Entity, error)
	// Update applies mutate to a copy of the entity and stores it.
	Update(ctx context.Context, kind model.Kind, localID string, mutate func(*model.Entity) error) (*model.Entity, error)
	// Delete retires the entity remotely, then locally.
	Delete(ctx context.Context, kind model.Kind, localID string) error
	// Get returns one entity.
	Get(ctx context.Context, kind model.Kind, localID string) (*model.Entity, error)
	// Pending lists entities awaiting sync.
	Pending(ctx context.Context, kind model.Kind) ([]*model.Entity, error)
}

var _ CatalogService = (*CatalogServiceImpl)(nil)

type CatalogServiceImpl struct {
	store   repository.EntityStore
	remover Remover
	now     func() time.Time
}

// NewCatalogService constructs CatalogService.
func NewCatalogService(store repository.EntityStore, remover Remover) *CatalogServiceImpl {
	return &CatalogServiceImpl{store: store, remover: remover, now: time.Now}
}

func newID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// CreateCategory computes the level from the parent.
func (s *CatalogServiceImpl) CreateCategory(ctx context.Context, name, description, parentID string, image *model.Image) (*model.Entity, error) {
	level := 0
	if parentID != "" {
		parent, err := s.store.FindByID(ctx, model.KindCategory, parentID)
		if err != nil {
			return nil, fmt.Errorf("parent %s: %w", parentID, err)
		}
		level = parent.Level() + 1
	}
	e := &model.Entity{
		Kind:        model.KindCategory,
		Name:        name,
		Description: description,
		Image:       pendingImage(image),
		Category:    &model.CategoryFields{ParentID: parentID, Level: level},
	}
	return s.create(ctx, e)
}

// CreateBrand adds a brand.
func (s *CatalogServiceImpl) CreateBrand(ctx context.Context, name, description string, image *model.Image) (*model.Entity, error) {
	e := &model.Entity{Kind: model.KindBrand, Name: name, Description: description, Image: pendingImage(image)}
	return s.create(ctx, e)
}

// CreateProduct validates references and prices.
func (s *CatalogServiceImpl) CreateProduct(ctx context.Context, name, description string, fields model.ProductFields, image *model.Image, gallery []model.Image) (*model.Entity, error) {
	f := fields
	f.CategoryIDs = append([]string(nil), fields.CategoryIDs...)
	f.Meta = append([]model.MetaEntry(nil), fields.Meta...)
	if f.Status == "" {
		f.Status = model.StatusPublished
	}
	e := &model.Entity{
		Kind:        model.KindProduct,
		Name:        name,
		Description: description,
		Image:       pendingImage(image),
		Product:     &f,
	}
	for i := range gallery {
		if img := pendingImage(&gallery[i]); img != nil {
			e.Gallery = append(e.Gallery, *img)
		}
	}
	if err := s.validateProduct(ctx, e.Product); err != nil {
		return nil, err
	}
	return s.create(ctx, e)
}

func (s *CatalogServiceImpl) create(ctx context.Context, e *model.Entity) (*model.Entity, error) {
	if strings.TrimSpace(e.Name) == "" {
		return nil, errors.New("validation: empty name")
	}
	id, err := newID()
	if err != nil {
		return nil, err
	}
	e.LocalID = id
	e.MarkDirty(s.now())
	if err := s.store.Insert(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *CatalogServiceImpl) validateProduct(ctx context.Context, f *model.ProductFields) error {
	if f.RegularPrice.IsNegative() {
		return errors.New("validation: negative regular price")
	}
	if f.SalePrice.Valid && f.SalePrice.Decimal.IsNegative() {
		return errors.New("validation: negative sale price")
	}
	if f.Status != model.StatusPublished && f.Status != model.StatusDraft {
		return fmt.Errorf("validation: unknown status %q", f.Status)
	}
	if f.StockQuantity < 0 {
		return errors.New("validation: negative stock quantity")
	}
	for _, id := range f.CategoryIDs {
		if _, err := s.store.FindByID(ctx, model.KindCategory, id); err != nil {
			return fmt.Errorf("category %s: %w", id, err)
		}
	}
	if f.BrandID != "" {
		if _, err := s.store.FindByID(ctx, model.KindBrand, f.BrandID); err != nil {
			return fmt.Errorf("brand %s: %w", f.BrandID, err)
		}
	}
	return nil
}

// Update keeps identity and sync bookkeeping out of reach of mutate.
// Reparenting a category recomputes levels for the whole subtree.
func (s *CatalogServiceImpl) Update(ctx context.Context, kind model.Kind, localID string, mutate func(*model.Entity) error) (*model.Entity, error) {
	cur, err := s.store.FindByID(ctx, kind, localID)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Kind, next.LocalID = cur.Kind, cur.LocalID
	next.RemoteID, next.LastSync = cur.RemoteID, cur.LastSync
	if strings.TrimSpace(next.Name) == "" {
		return nil, errors.New("validation: empty name")
	}

	var relevel []*model.Entity
	switch kind {
	case model.KindCategory:
		if next.Category == nil {
			next.Category = &model.CategoryFields{}
		}
		oldParent := ""
		if cur.Category != nil {
			oldParent = cur.Category.ParentID
		}
		if next.Category.ParentID != oldParent || next.Category.Level != cur.Level() {
			relevel, err = s.reparent(ctx, next)
			if err != nil {
				return nil, err
			}
		}
	case model.KindProduct:
		if next.Product == nil {
			next.Product = &model.ProductFields{}
		}
		if err := s.validateProduct(ctx, next.Product); err != nil {
			return nil, err
		}
	}

	next.MarkDirty(s.now())
	if err := s.store.Save(ctx, next); err != nil {
		return nil, err
	}
	for _, d := range relevel {
		if err := s.store.Save(ctx, d); err != nil {
			return nil, fmt.Errorf("relevel %s: %w", d.LocalID, err)
		}
	}
	return next, nil
}

// reparent sets e's level from its parent, rejecting cycles, and returns
// descendants whose level changed.
func (s *CatalogServiceImpl) reparent(ctx context.Context, e *model.Entity) ([]*model.Entity, error) {
	all, err := s.store.FindAll(ctx, model.KindCategory)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Entity, len(all))
	for _, c := range all {
		byID[c.LocalID] = c
	}
	byID[e.LocalID] = e

	e.Category.Level = 0
	if pid := e.Category.ParentID; pid != "" {
		parent, ok := byID[pid]
		if !ok {
			return nil, fmt.Errorf("parent %s: %w", pid, errs.ErrNotFound)
		}
		visited := map[string]bool{}
		for p := parent; p != nil && !visited[p.LocalID]; {
			visited[p.LocalID] = true
			if p.LocalID == e.LocalID {
				return nil, fmt.Errorf("%w: %s would become its own ancestor", errs.ErrInvalidHierarchy, e.DisplayName())
			}
			if p.Category == nil || p.Category.ParentID == "" {
				break
			}
			p = byID[p.Category.ParentID]
		}
		e.Category.Level = parent.Level() + 1
	}

	children := map[string][]*model.Entity{}
	for _, c := range byID {
		if c.Category != nil && c.Category.ParentID != "" {
			children[c.Category.ParentID] = append(children[c.Category.ParentID], c)
		}
	}
	var changed []*model.Entity
	queue := []*model.Entity{e}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, c := range children[p.LocalID] {
			if want := p.Level() + 1; c.Level() != want {
				c.Category.Level = want
				changed = append(changed, c)
			}
			queue = append(queue, c)
		}
	}
	return changed, nil
}

// Delete refuses to orphan child categories. References held by products
// are dropped and those products marked pending.
func (s *CatalogServiceImpl) Delete(ctx context.Context, kind model.Kind, localID string) error {
	if _, err := s.store.FindByID(ctx, kind, localID); err != nil {
		return err
	}
	if kind == model.KindCategory {
		all, err := s.store.FindAll(ctx, model.KindCategory)
		if err != nil {
			return err
		}
		for _, c := range all {
			if c.Category != nil && c.Category.ParentID == localID {
				return fmt.Errorf("%w: category has child %s", errs.ErrInvalidHierarchy, c.DisplayName())
			}
		}
	}

	res := s.remover.DeleteEntity(ctx, kind, localID)
	if err := res.Err(); err != nil {
		return err
	}
	if kind == model.KindProduct {
		return nil
	}
	return s.dropReferences(ctx, kind, localID)
}

func (s *CatalogServiceImpl) dropReferences(ctx context.Context, kind model.Kind, localID string) error {
	products, err := s.store.FindAll(ctx, model.KindProduct)
	if err != nil {
		return err
	}
	now := s.now()
	for _, p := range products {
		if p.Product == nil {
			continue
		}
		touched := false
		switch kind {
		case model.KindCategory:
			kept := p.Product.CategoryIDs[:0]
			for _, id := range p.Product.CategoryIDs {
				if id == localID {
					touched = true
					continue
				}
				kept = append(kept, id)
			}
			p.Product.CategoryIDs = kept
		case model.KindBrand:
			if p.Product.BrandID == localID {
				p.Product.BrandID = ""
				touched = true
			}
		}
		if !touched {
			continue
		}
		p.MarkDirty(now)
		if err := s.store.Save(ctx, p); err != nil {
			return fmt.Errorf("drop %s reference from product %s: %w", kind, p.LocalID, err)
		}
	}
	return nil
}

// Get returns one entity.
func (s *CatalogServiceImpl) Get(ctx context.Context, kind model.Kind, localID string) (*model.Entity, error) {
	return s.store.FindByID(ctx, kind, localID)
}

// Pending lists entities that are dirty (pending or never synced).
func (s *CatalogServiceImpl) Pending(ctx context.Context, kind model.Kind) ([]*model.Entity, error) {
	all, err := s.store.FindAll(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Entity, 0, len(all))
	for _, e := range all {
		if e.State() == model.StateDirty {
			out = append(out, e)
		}
	}
	return out, nil
}

func pendingImage(img *model.Image) *model.Image {
	if img == nil || strings.TrimSpace(img.LocalPath) == "" {
		return nil
	}
	out := *img
	if !out.Uploaded() {
		out.Status = model.ImagePending
	}
	return &out
}
