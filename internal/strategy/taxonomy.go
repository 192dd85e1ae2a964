package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/catalog-sync/internal/errs"
	"github.com/and161185/catalog-sync/internal/model"
	"github.com/and161185/catalog-sync/internal/remote"
)

// TermPayload is the create/update body for categories and brands.
type TermPayload struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Parent      *int64        `json:"parent,omitempty"` // categories only; 0 = root
	Image       *remote.Image `json:"image,omitempty"`
}

// Taxonomy syncs categories and brands: flat named terms with one optional
// image. Categories additionally require a synchronized parent.
type Taxonomy struct {
	base
}

// NewCategory returns the category strategy.
func NewCategory(d Deps) *Taxonomy { return &Taxonomy{base: newBase(d, model.KindCategory)} }

// NewBrand returns the brand strategy.
func NewBrand(d Deps) *Taxonomy { return &Taxonomy{base: newBase(d, model.KindBrand)} }

// MapLocalToRemote implements Strategy.
func (t *Taxonomy) MapLocalToRemote(ctx context.Context, sess *Session, e *model.Entity) (any, error) {
	m, err := t.mapEntity(ctx, sess, e)
	if err != nil {
		return nil, err
	}
	return m.payload, nil
}

func (t *Taxonomy) mapEntity(ctx context.Context, sess *Session, e *model.Entity) (mapped, error) {
	if err := t.checkKind(e); err != nil {
		return mapped{}, err
	}
	p := TermPayload{Name: e.Name, Description: e.Description}

	if t.kind == model.KindCategory {
		parent, err := t.resolveParent(ctx, e)
		if err != nil {
			return mapped{}, err
		}
		p.Parent = &parent
	}

	m := mapped{image: e.Image}
	if e.Image != nil && (e.Image.LocalPath != "" || e.Image.Uploaded()) {
		img, changed, err := attach(ctx, sess, *e.Image)
		if err != nil {
			return mapped{}, err
		}
		m.image, m.mediaChanged = &img, changed
		p.Image = &remote.Image{ID: img.RemoteMediaID, Alt: img.Alt}
	}
	m.payload = p
	return m, nil
}

// resolveParent returns the parent's remote id, 0 for a root category.
func (t *Taxonomy) resolveParent(ctx context.Context, e *model.Entity) (int64, error) {
	if e.Category == nil || e.Category.ParentID == "" {
		return 0, nil
	}
	parent, err := t.Store.FindByID(ctx, model.KindCategory, e.Category.ParentID)
	if errors.Is(err, errs.ErrNotFound) {
		return 0, &errs.DependencyError{Kind: "parent", Names: []string{e.Category.ParentID}, Reason: "missing locally"}
	}
	if err != nil {
		return 0, fmt.Errorf("load parent %s: %w", e.Category.ParentID, err)
	}
	if !parent.Synced() {
		return 0, &errs.DependencyError{Kind: "parent", Names: []string{parent.DisplayName()}}
	}
	return parent.RemoteID, nil
}

// SyncToRemote implements Strategy.
func (t *Taxonomy) SyncToRemote(ctx context.Context, sess *Session, e *model.Entity) (Outcome, error) {
	if err := t.checkKind(e); err != nil {
		return Outcome{Entity: e}, err
	}
	done, err := sess.begin(e)
	if err != nil {
		return Outcome{Entity: e}, err
	}
	defer done()

	m, err := t.mapEntity(ctx, sess, e)
	if err != nil {
		return Outcome{Entity: e}, err
	}
	return t.upsert(ctx, sess, e, m, nil)
}

// DeleteEntity implements Strategy.
func (t *Taxonomy) DeleteEntity(ctx context.Context, sess *Session, e *model.Entity) error {
	return t.deleteEntity(ctx, sess, e)
}
