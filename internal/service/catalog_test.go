package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/and161185/catalog-sync/internal/batch"
	"github.com/and161185/catalog-sync/internal/errs"
	"github.com/and161185/catalog-sync/internal/model"
	"github.com/and161185/catalog-sync/internal/testutil"
)

type fakeRemover struct {
	store *testutil.MemStore
	calls []string
	res   *batch.Result
}

func (f *fakeRemover) DeleteEntity(ctx context.Context, kind model.Kind, localID string) batch.Result {
	f.calls = append(f.calls, string(kind)+"/"+localID)
	if f.res != nil {
		return *f.res
	}
	if err := f.store.Delete(ctx, kind, localID); err != nil {
		return batch.Failed(err)
	}
	return batch.Result{Success: true, Deleted: 1, Errors: []batch.EntityError{}}
}

func newCatalog(t *testing.T) (*CatalogServiceImpl, *testutil.MemStore, *fakeRemover) {
	t.Helper()
	store := testutil.NewMemStore()
	rm := &fakeRemover{store: store}
	s := NewCatalogService(store, rm)
	s.now = func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }
	return s, store, rm
}

func TestCatalog_CreateCategory_Levels(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newCatalog(t)

	root, err := s.CreateCategory(ctx, "Shoes", "", "", nil)
	require.NoError(t, err)
	require.Equal(t, 0, root.Level())
	require.True(t, root.PendingSync)
	require.Equal(t, model.StateDirty, root.State())
	_, err = uuid.FromString(root.LocalID)
	require.NoError(t, err)

	child, err := s.CreateCategory(ctx, "Boots", "", root.LocalID, &model.Image{LocalPath: "/uploads/boots.jpg"})
	require.NoError(t, err)
	require.Equal(t, 1, child.Level())
	require.Equal(t, model.ImagePending, child.Image.Status)

	_, err = s.CreateCategory(ctx, "Orphan", "", "missing", nil)
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = s.CreateCategory(ctx, "  ", "", "", nil)
	require.Error(t, err)
}

func TestCatalog_CreateProduct_Validation(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newCatalog(t)
	cat, err := s.CreateCategory(ctx, "Mugs", "", "", nil)
	require.NoError(t, err)

	_, err = s.CreateProduct(ctx, "Mug", "", model.ProductFields{CategoryIDs: []string{"nope"}}, nil, nil)
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = s.CreateProduct(ctx, "Mug", "", model.ProductFields{RegularPrice: decimal.NewFromInt(-1)}, nil, nil)
	require.Error(t, err)

	_, err = s.CreateProduct(ctx, "Mug", "", model.ProductFields{BrandID: "ghost"}, nil, nil)
	require.ErrorIs(t, err, errs.ErrNotFound)

	p, err := s.CreateProduct(ctx, "Mug", "", model.ProductFields{
		RegularPrice: decimal.RequireFromString("9.5"),
		CategoryIDs:  []string{cat.LocalID},
	}, &model.Image{LocalPath: "/uploads/mug.jpg"}, []model.Image{{LocalPath: ""}, {LocalPath: "/uploads/side.jpg"}})
	require.NoError(t, err)
	require.Equal(t, model.StatusPublished, p.Product.Status)
	require.Len(t, p.Gallery, 1)
	require.True(t, p.PendingSync)
}

func TestCatalog_Update_MarksDirtyAndKeepsBookkeeping(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newCatalog(t)
	b, err := s.CreateBrand(ctx, "Acme", "", nil)
	require.NoError(t, err)
	_, err = store.Update(ctx, model.KindBrand, b.LocalID, model.ConfirmedPatch(9, b.UpdatedAt, b.UpdatedAt.Add(time.Minute), nil, nil))
	require.NoError(t, err)
	require.Equal(t, model.StateClean, store.Get(model.KindBrand, b.LocalID).State())

	s.now = func() time.Time { return time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC) }
	out, err := s.Update(ctx, model.KindBrand, b.LocalID, func(e *model.Entity) error {
		e.Name = "Acme Inc"
		e.RemoteID = 0
		e.LocalID = "hijack"
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "Acme Inc", out.Name)
	require.Equal(t, int64(9), out.RemoteID)
	require.Equal(t, b.LocalID, out.LocalID)
	require.Equal(t, model.StateDirty, store.Get(model.KindBrand, b.LocalID).State())

	_, err = s.Update(ctx, model.KindBrand, b.LocalID, func(*model.Entity) error { return errors.New("nope") })
	require.Error(t, err)
}

func TestCatalog_Update_ReparentRelevelsSubtree(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newCatalog(t)
	a, _ := s.CreateCategory(ctx, "A", "", "", nil)
	b, _ := s.CreateCategory(ctx, "B", "", "", nil)
	c, _ := s.CreateCategory(ctx, "C", "", b.LocalID, nil)

	_, err := s.Update(ctx, model.KindCategory, b.LocalID, func(e *model.Entity) error {
		e.Category.ParentID = a.LocalID
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, store.Get(model.KindCategory, b.LocalID).Level())
	require.Equal(t, 2, store.Get(model.KindCategory, c.LocalID).Level())
}

func TestCatalog_Update_RejectsCycle(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newCatalog(t)
	a, _ := s.CreateCategory(ctx, "A", "", "", nil)
	b, _ := s.CreateCategory(ctx, "B", "", a.LocalID, nil)

	_, err := s.Update(ctx, model.KindCategory, a.LocalID, func(e *model.Entity) error {
		e.Category.ParentID = b.LocalID
		return nil
	})
	require.ErrorIs(t, err, errs.ErrInvalidHierarchy)
}

func TestCatalog_Delete_CategoryWithChildrenRefused(t *testing.T) {
	ctx := context.Background()
	s, _, rm := newCatalog(t)
	a, _ := s.CreateCategory(ctx, "A", "", "", nil)
	_, _ = s.CreateCategory(ctx, "B", "", a.LocalID, nil)

	err := s.Delete(ctx, model.KindCategory, a.LocalID)
	require.ErrorIs(t, err, errs.ErrInvalidHierarchy)
	require.Empty(t, rm.calls)
}

func TestCatalog_Delete_DropsProductReferences(t *testing.T) {
	ctx := context.Background()
	s, store, rm := newCatalog(t)
	keep, _ := s.CreateCategory(ctx, "Keep", "", "", nil)
	gone, _ := s.CreateCategory(ctx, "Gone", "", "", nil)
	br, _ := s.CreateBrand(ctx, "Acme", "", nil)
	p, err := s.CreateProduct(ctx, "Mug", "", model.ProductFields{
		CategoryIDs: []string{keep.LocalID, gone.LocalID},
		BrandID:     br.LocalID,
	}, nil, nil)
	require.NoError(t, err)
	_, err = store.Update(ctx, model.KindProduct, p.LocalID, model.ConfirmedPatch(5, p.UpdatedAt, p.UpdatedAt, nil, nil))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, model.KindCategory, gone.LocalID))
	require.NoError(t, s.Delete(ctx, model.KindBrand, br.LocalID))
	require.Equal(t, []string{"category/" + gone.LocalID, "brand/" + br.LocalID}, rm.calls)

	saved := store.Get(model.KindProduct, p.LocalID)
	require.Equal(t, []string{keep.LocalID}, saved.Product.CategoryIDs)
	require.Empty(t, saved.Product.BrandID)
	require.True(t, saved.PendingSync)
}

func TestCatalog_Delete_RemoteFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	s, store, rm := newCatalog(t)
	b, _ := s.CreateBrand(ctx, "Acme", "", nil)
	rm.res = &batch.Result{Success: true, Errors: []batch.EntityError{{Kind: model.KindBrand, EntityID: b.LocalID, Message: "http 500"}}}

	err := s.Delete(ctx, model.KindBrand, b.LocalID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "http 500")
	require.NotNil(t, store.Get(model.KindBrand, b.LocalID))

	require.ErrorIs(t, s.Delete(ctx, model.KindBrand, "missing"), errs.ErrNotFound)
}

func TestCatalog_Pending(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newCatalog(t)
	a, _ := s.CreateBrand(ctx, "A", "", nil)
	b, _ := s.CreateBrand(ctx, "B", "", nil)
	_, err := store.Update(ctx, model.KindBrand, a.LocalID, model.ConfirmedPatch(3, a.UpdatedAt, a.UpdatedAt, nil, nil))
	require.NoError(t, err)

	out, err := s.Pending(ctx, model.KindBrand)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, b.LocalID, out[0].LocalID)
}

func TestTokenIssuer_Issue(t *testing.T) {
	key := []byte("k")
	iss := NewTokenIssuer(key, time.Hour)
	tok, exp, err := iss.Issue("ops")
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) { return key, nil })
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	require.Equal(t, "ops", claims.Subject)

	_, _, err = iss.Issue("")
	require.Error(t, err)
	_, _, err = NewTokenIssuer(nil, 0).Issue("ops")
	require.Error(t, err)
}
