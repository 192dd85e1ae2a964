package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/catalog-sync/internal/errs"
	"github.com/and161185/catalog-sync/internal/media"
	"github.com/and161185/catalog-sync/internal/model"
	"github.com/and161185/catalog-sync/internal/remote"
)

// LocalIDMetaKey is the meta_data key carrying the local id on remote products.
const LocalIDMetaKey = "_catalog_local_id"

// ProductPayload is the create/update body for products.
type ProductPayload struct {
	Name          string         `json:"name"`
	SKU           string         `json:"sku,omitempty"`
	Description   string         `json:"description"`
	RegularPrice  string         `json:"regular_price"`
	Price         string         `json:"price"`
	SalePrice     string         `json:"sale_price"` // "" clears the sale
	Status        string         `json:"status"`
	ManageStock   bool           `json:"manage_stock"`
	StockQuantity *int           `json:"stock_quantity,omitempty"`
	Categories    []remote.Ref   `json:"categories"`
	Brands        []remote.Ref   `json:"brands,omitempty"`
	Images        []remote.Image `json:"images"`
	MetaData      []remote.Meta  `json:"meta_data"`
}

// Product syncs products. Unsynced categories and brands are synced inline
// through the registry before the product itself.
type Product struct {
	base
	reg *Registry
}

// NewProduct returns the product strategy; reg resolves the category and
// brand strategies used for cascading.
func NewProduct(d Deps, reg *Registry) *Product {
	return &Product{base: newBase(d, model.KindProduct), reg: reg}
}

// MapLocalToRemote implements Strategy. Unsynced dependencies are synced
// as a side effect.
func (p *Product) MapLocalToRemote(ctx context.Context, sess *Session, e *model.Entity) (any, error) {
	m, _, err := p.mapEntity(ctx, sess, e)
	if err != nil {
		return nil, err
	}
	return m.payload, nil
}

func (p *Product) mapEntity(ctx context.Context, sess *Session, e *model.Entity) (mapped, []Outcome, error) {
	if err := p.checkKind(e); err != nil {
		return mapped{}, nil, err
	}
	f := e.Product
	if f == nil {
		f = &model.ProductFields{}
	}

	var cascaded []Outcome
	cats, catOut, catErr := p.resolveRefs(ctx, sess, model.KindCategory, f.CategoryIDs)
	cascaded = append(cascaded, catOut...)
	var brandIDs []string
	if f.BrandID != "" {
		brandIDs = []string{f.BrandID}
	}
	brands, brandOut, brandErr := p.resolveRefs(ctx, sess, model.KindBrand, brandIDs)
	cascaded = append(cascaded, brandOut...)
	if err := errors.Join(catErr, brandErr); err != nil {
		return mapped{}, cascaded, err
	}

	if len(cats) == 0 {
		if p.DefaultCategoryID <= 0 {
			return mapped{}, cascaded, &errs.DependencyError{Kind: "category", Names: []string{"default"}, Reason: "no categories and no default category configured"}
		}
		cats = []remote.Ref{{ID: p.DefaultCategoryID}}
	}

	m, images, err := p.mapImages(ctx, sess, e)
	if err != nil {
		return m, cascaded, err
	}

	payload := ProductPayload{
		Name:         e.Name,
		SKU:          f.SKU,
		Description:  e.Description,
		RegularPrice: f.RegularPrice.StringFixed(2),
		Price:        f.RegularPrice.StringFixed(2),
		Status:       remoteStatus(f.Status),
		ManageStock:  f.ManageStock,
		Categories:   cats,
		Brands:       brands,
		Images:       images,
		MetaData:     []remote.Meta{{Key: LocalIDMetaKey, Value: e.LocalID}},
	}
	if f.SalePrice.Valid {
		payload.SalePrice = f.SalePrice.Decimal.StringFixed(2)
		payload.Price = payload.SalePrice
	}
	if f.ManageStock {
		q := f.StockQuantity
		payload.StockQuantity = &q
	}
	for _, me := range f.Meta {
		if me.Key == LocalIDMetaKey {
			continue
		}
		payload.MetaData = append(payload.MetaData, remote.Meta{Key: me.Key, Value: me.Value})
	}
	m.payload = payload
	return m, cascaded, nil
}

// resolveRefs returns remote refs for the given local ids, syncing unsynced
// ones inline. Every unresolvable id is named in the returned error.
func (p *Product) resolveRefs(ctx context.Context, sess *Session, kind model.Kind, ids []string) ([]remote.Ref, []Outcome, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	var (
		refs     []remote.Ref
		cascaded []Outcome
		missing  []string
		reasons  []string
		seen     = map[int64]bool{}
	)
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			refs = append(refs, remote.Ref{ID: id})
		}
	}
	for _, id := range ids {
		dep, err := p.Store.FindByID(ctx, kind, id)
		if errors.Is(err, errs.ErrNotFound) {
			missing = append(missing, id)
			reasons = append(reasons, id+": missing locally")
			continue
		}
		if err != nil {
			return nil, cascaded, fmt.Errorf("load %s %s: %w", kind, id, err)
		}
		if dep.Synced() {
			add(dep.RemoteID)
			continue
		}

		out, err := p.cascade(ctx, sess, dep)
		if err != nil {
			missing = append(missing, dep.DisplayName())
			reasons = append(reasons, dep.DisplayName()+": "+err.Error())
			continue
		}
		cascaded = append(cascaded, out)
		add(out.Entity.RemoteID)
	}
	if len(missing) > 0 {
		return nil, cascaded, &errs.DependencyError{Kind: string(kind), Names: missing, Reason: strings.Join(reasons, "; ")}
	}
	return refs, cascaded, nil
}

func (p *Product) cascade(ctx context.Context, sess *Session, dep *model.Entity) (Outcome, error) {
	if p.reg == nil {
		return Outcome{}, fmt.Errorf("%w: no registry for cascading", errs.ErrUnknownKind)
	}
	s, err := p.reg.Get(dep.Kind)
	if err != nil {
		return Outcome{}, err
	}
	p.Log.Info("cascading dependency sync",
		zap.String("kind", string(dep.Kind)),
		zap.String("local_id", dep.LocalID),
	)
	return s.SyncToRemote(ctx, sess, dep)
}

// mapImages attaches the main image and the gallery through the batch cache
// and builds the images list: main first, gallery in array order, no media
// id twice.
func (p *Product) mapImages(ctx context.Context, sess *Session, e *model.Entity) (mapped, []remote.Image, error) {
	m := mapped{image: e.Image}
	if e.Gallery != nil {
		m.gallery = append([]model.Image(nil), e.Gallery...)
	}
	images := []remote.Image{}
	seen := map[int64]bool{}
	push := func(img model.Image) {
		if img.RemoteMediaID <= 0 || seen[img.RemoteMediaID] {
			return
		}
		seen[img.RemoteMediaID] = true
		images = append(images, remote.Image{ID: img.RemoteMediaID, Position: len(images), Alt: img.Alt})
	}

	// Active images claim their paths first, so a pending reference to the
	// same file reuses the known media id whatever its position.
	if e.Image != nil && e.Image.Uploaded() {
		sess.Media.Remember(e.Image.LocalPath, media.Ref{MediaID: e.Image.RemoteMediaID, URL: e.Image.RemoteURL})
	}
	for _, g := range m.gallery {
		if g.Uploaded() {
			sess.Media.Remember(g.LocalPath, media.Ref{MediaID: g.RemoteMediaID, URL: g.RemoteURL})
		}
	}

	if e.Image != nil && (e.Image.LocalPath != "" || e.Image.Uploaded()) {
		img, changed, err := attach(ctx, sess, *e.Image)
		if err != nil {
			return m, nil, err
		}
		m.image = &img
		m.mediaChanged = m.mediaChanged || changed
		push(img)
	}
	for i, g := range m.gallery {
		if g.LocalPath == "" && !g.Uploaded() {
			continue
		}
		img, changed, err := attach(ctx, sess, g)
		if err != nil {
			return m, nil, fmt.Errorf("gallery image %d: %w", i, err)
		}
		m.gallery[i] = img
		m.mediaChanged = m.mediaChanged || changed
		push(img)
	}
	return m, images, nil
}

// SyncToRemote implements Strategy.
func (p *Product) SyncToRemote(ctx context.Context, sess *Session, e *model.Entity) (Outcome, error) {
	if err := p.checkKind(e); err != nil {
		return Outcome{Entity: e}, err
	}
	done, err := sess.begin(e)
	if err != nil {
		return Outcome{Entity: e}, err
	}
	defer done()

	m, cascaded, err := p.mapEntity(ctx, sess, e)
	if err != nil {
		p.persistMedia(ctx, e, m)
		return Outcome{Entity: e, Cascaded: cascaded}, err
	}
	out, err := p.upsert(ctx, sess, e, m, p.adopt)
	out.Cascaded = cascaded
	return out, err
}

// adopt looks up a record already holding the product's SKU and updates it
// in place of the rejected create.
func (p *Product) adopt(ctx context.Context, payload any, createErr error) (remote.Record, bool, error) {
	pp, ok := payload.(ProductPayload)
	if !ok || pp.SKU == "" || !remote.IsDuplicateSKU(createErr) {
		return remote.Record{}, false, nil
	}
	owner, err := p.skuOwner(ctx, pp.SKU, createErr)
	if err != nil || owner == 0 {
		return remote.Record{}, false, err
	}
	rec, err := p.Remote.Update(ctx, remote.ResourceProducts, owner, payload)
	if err != nil {
		return remote.Record{}, false, err
	}
	return rec, true, nil
}

// skuOwner returns the remote id holding sku, 0 when none does. The record
// named by the rejection is fetched and checked first; the SKU search is the
// fallback.
func (p *Product) skuOwner(ctx context.Context, sku string, createErr error) (int64, error) {
	var re *remote.Error
	if errors.As(createErr, &re) && re.ResourceID > 0 {
		rec, err := p.Remote.Get(ctx, remote.ResourceProducts, re.ResourceID)
		switch {
		case err == nil && strings.EqualFold(rec.SKU, sku):
			return rec.ID, nil
		case err != nil && !errors.Is(err, errs.ErrRemoteNotFound):
			return 0, err
		}
	}
	recs, err := p.Remote.List(ctx, remote.ResourceProducts, url.Values{
		"sku":    {sku},
		"status": {"any"},
	})
	if err != nil || len(recs) == 0 {
		return 0, err
	}
	return recs[0].ID, nil
}

// DeleteEntity implements Strategy.
func (p *Product) DeleteEntity(ctx context.Context, sess *Session, e *model.Entity) error {
	return p.deleteEntity(ctx, sess, e)
}

func remoteStatus(s model.ProductStatus) string {
	if s == model.StatusDraft {
		return "draft"
	}
	return "publish"
}
