package strategy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/catalog-sync/internal/errs"
	"github.com/and161185/catalog-sync/internal/media"
	"github.com/and161185/catalog-sync/internal/model"
	"github.com/and161185/catalog-sync/internal/remote"
	"github.com/and161185/catalog-sync/internal/testutil"
)

var (
	edited = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type env struct {
	t      *testing.T
	store  *testutil.MemStore
	remote *testutil.FakeRemote
	reg    *Registry
	root   string
}

func newEnv(t *testing.T, seed ...*model.Entity) *env {
	t.Helper()
	e := &env{
		t:      t,
		store:  testutil.NewMemStore(seed...),
		remote: testutil.NewFakeRemote(),
		root:   t.TempDir(),
	}
	e.reg = NewDefaultRegistry(Deps{
		Remote:            e.remote,
		Store:             e.store,
		Log:               zaptest.NewLogger(t),
		Now:               func() time.Time { return now },
		DefaultCategoryID: 15,
	})
	return e
}

func (e *env) session() *Session {
	cache := media.NewCache(e.remote, media.Resolver{Root: e.root, PublicPrefix: "/uploads"}, zaptest.NewLogger(e.t))
	return NewSession(cache)
}

func (e *env) file(rel, content string) string {
	e.t.Helper()
	p := filepath.Join(e.root, filepath.FromSlash(rel))
	require.NoError(e.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(e.t, os.WriteFile(p, []byte(content), 0o600))
	return "/uploads/" + rel
}

func (e *env) sync(kind model.Kind, id string, sess *Session) (Outcome, error) {
	e.t.Helper()
	s, err := e.reg.Get(kind)
	require.NoError(e.t, err)
	ent, err := e.store.FindByID(context.Background(), kind, id)
	require.NoError(e.t, err)
	return s.SyncToRemote(context.Background(), sess, ent)
}

func category(id, name, parent string, level int, remoteID int64) *model.Entity {
	return &model.Entity{
		Kind: model.KindCategory, LocalID: id, Name: name, RemoteID: remoteID,
		PendingSync: remoteID == 0, UpdatedAt: edited,
		Category: &model.CategoryFields{ParentID: parent, Level: level},
	}
}

func product(id, name string, cats ...string) *model.Entity {
	return &model.Entity{
		Kind: model.KindProduct, LocalID: id, Name: name, PendingSync: true, UpdatedAt: edited,
		Product: &model.ProductFields{
			SKU:          "SKU-" + id,
			RegularPrice: decimal.RequireFromString("19.9"),
			Status:       model.StatusPublished,
			CategoryIDs:  cats,
		},
	}
}

func TestCategory_ParentNotSynchronized(t *testing.T) {
	env := newEnv(t,
		category("a", "Shoes", "", 0, 0),
		category("b", "Boots", "a", 1, 0),
	)

	_, err := env.sync(model.KindCategory, "b", env.session())
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrDependencyUnresolved)
	require.Contains(t, err.Error(), "parent not synchronized: Shoes")

	require.Empty(t, env.remote.CallsOf("create"), "categories must not cascade to their parent")
	require.True(t, env.store.Get(model.KindCategory, "b").PendingSync)
	require.False(t, env.store.Get(model.KindCategory, "a").Synced())
}

func TestCategory_ParentMissingLocally(t *testing.T) {
	env := newEnv(t, category("b", "Boots", "ghost", 1, 0))

	_, err := env.sync(model.KindCategory, "b", env.session())
	var dep *errs.DependencyError
	require.ErrorAs(t, err, &dep)
	require.Equal(t, "parent", dep.Kind)
	require.Equal(t, []string{"ghost"}, dep.Names)
}

func TestCategory_PayloadCarriesParentRemoteID(t *testing.T) {
	env := newEnv(t,
		category("a", "Shoes", "", 0, 10),
		category("b", "Boots", "a", 1, 0),
	)
	env.remote.Seed(remote.ResourceCategories, remote.Record{ID: 10, Name: "Shoes"})

	out, err := env.sync(model.KindCategory, "b", env.session())
	require.NoError(t, err)
	require.True(t, out.Created)

	creates := env.remote.CallsOf("create")
	require.Len(t, creates, 1)
	require.Equal(t, remote.ResourceCategories, creates[0].Resource)
	require.EqualValues(t, 10, creates[0].Payload["parent"])
	require.Equal(t, "Boots", creates[0].Payload["name"])
}

func TestCategory_RootSendsZeroParent(t *testing.T) {
	env := newEnv(t, category("a", "Shoes", "", 0, 0))

	_, err := env.sync(model.KindCategory, "a", env.session())
	require.NoError(t, err)
	creates := env.remote.CallsOf("create")
	require.Len(t, creates, 1)
	require.EqualValues(t, 0, creates[0].Payload["parent"])
}

func TestBrand_PayloadHasNoParent(t *testing.T) {
	env := newEnv(t, &model.Entity{Kind: model.KindBrand, LocalID: "br", Name: "Acme", PendingSync: true})

	_, err := env.sync(model.KindBrand, "br", env.session())
	require.NoError(t, err)
	creates := env.remote.CallsOf("create")
	require.Len(t, creates, 1)
	require.Equal(t, remote.ResourceBrands, creates[0].Resource)
	require.NotContains(t, creates[0].Payload, "parent")
}

func TestProduct_CascadesUnsyncedCategory(t *testing.T) {
	env := newEnv(t,
		category("x", "Mugs", "", 0, 10),
		category("c", "Cups", "", 0, 0),
		product("p", "Mug", "x", "c"),
	)
	env.remote.Seed(remote.ResourceCategories, remote.Record{ID: 10, Name: "Mugs"})

	sess := env.session()
	out, err := env.sync(model.KindProduct, "p", sess)
	require.NoError(t, err)
	require.Len(t, out.Cascaded, 1)
	require.Equal(t, "c", out.Cascaded[0].Entity.LocalID)

	cRemote := env.store.Get(model.KindCategory, "c").RemoteID
	require.NotZero(t, cRemote)

	creates := env.remote.CallsOf("create")
	require.Len(t, creates, 2)
	require.Equal(t, remote.ResourceCategories, creates[0].Resource, "dependency first")
	require.Equal(t, remote.ResourceProducts, creates[1].Resource)

	cats := creates[1].Payload["categories"].([]any)
	require.Len(t, cats, 2)
	require.EqualValues(t, 10, cats[0].(map[string]any)["id"])
	require.EqualValues(t, cRemote, cats[1].(map[string]any)["id"])

	res := sess.Results.Result()
	require.Equal(t, 2, res.Created)
}

func TestProduct_CascadeFailureNamesDependency(t *testing.T) {
	env := newEnv(t,
		category("x", "Mugs", "", 0, 10),
		category("c", "Cups", "", 0, 0),
		product("p", "Mug", "x", "c"),
	)
	env.remote.FailNames["Cups"] = errors.New("http 500")

	_, err := env.sync(model.KindProduct, "p", env.session())
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrDependencyUnresolved)
	require.Contains(t, err.Error(), "category not synchronized: Cups")

	for _, c := range env.remote.CallsOf("create") {
		require.NotEqual(t, remote.ResourceProducts, c.Resource)
	}
	require.True(t, env.store.Get(model.KindProduct, "p").PendingSync)
}

func TestProduct_CascadesBrand(t *testing.T) {
	p := product("p", "Mug")
	p.Product.BrandID = "br"
	env := newEnv(t, p, &model.Entity{Kind: model.KindBrand, LocalID: "br", Name: "Acme", PendingSync: true})

	_, err := env.sync(model.KindProduct, "p", env.session())
	require.NoError(t, err)

	brandID := env.store.Get(model.KindBrand, "br").RemoteID
	require.NotZero(t, brandID)
	creates := env.remote.CallsOf("create")
	require.Len(t, creates, 2)
	brands := creates[1].Payload["brands"].([]any)
	require.EqualValues(t, brandID, brands[0].(map[string]any)["id"])
}

func TestProduct_FallbackCategory(t *testing.T) {
	env := newEnv(t, product("p", "Mug"))

	_, err := env.sync(model.KindProduct, "p", env.session())
	require.NoError(t, err)

	creates := env.remote.CallsOf("create")
	require.Len(t, creates, 1)
	cats := creates[0].Payload["categories"].([]any)
	require.Len(t, cats, 1)
	require.EqualValues(t, 15, cats[0].(map[string]any)["id"])
}

func TestProduct_NoDefaultCategoryFails(t *testing.T) {
	store := testutil.NewMemStore(product("p", "Mug"))
	fr := testutil.NewFakeRemote()
	reg := NewDefaultRegistry(Deps{Remote: fr, Store: store})
	s, err := reg.Get(model.KindProduct)
	require.NoError(t, err)

	ent := store.Get(model.KindProduct, "p")
	_, err = s.SyncToRemote(context.Background(), NewSession(media.NewCache(fr, media.Resolver{}, nil)), ent)
	require.ErrorIs(t, err, errs.ErrDependencyUnresolved)
	require.Empty(t, fr.CallsOf("create"))
}

func TestProduct_PayloadFields(t *testing.T) {
	p := product("p", "Mug")
	p.Description = "Stoneware"
	p.Product.SalePrice = decimal.NewNullDecimal(decimal.RequireFromString("15"))
	p.Product.Status = model.StatusDraft
	p.Product.ManageStock = true
	p.Product.StockQuantity = 3
	p.Product.Meta = []model.MetaEntry{{Key: "origin", Value: "PT"}}
	env := newEnv(t, p)

	s, err := env.reg.Get(model.KindProduct)
	require.NoError(t, err)
	raw, err := s.MapLocalToRemote(context.Background(), env.session(), env.store.Get(model.KindProduct, "p"))
	require.NoError(t, err)

	pp := raw.(ProductPayload)
	assert.Equal(t, "SKU-p", pp.SKU)
	assert.Equal(t, "19.90", pp.RegularPrice)
	assert.Equal(t, "15.00", pp.SalePrice)
	assert.Equal(t, "15.00", pp.Price)
	assert.Equal(t, "draft", pp.Status)
	require.NotNil(t, pp.StockQuantity)
	assert.Equal(t, 3, *pp.StockQuantity)
	assert.Equal(t, []remote.Meta{{Key: LocalIDMetaKey, Value: "p"}, {Key: "origin", Value: "PT"}}, pp.MetaData)
	assert.Empty(t, env.remote.CallsOf("create"))
}

func TestProduct_MediaDedupedAcrossMainAndGallery(t *testing.T) {
	p := product("p", "Mug")
	env := newEnv(t)
	path := env.file("mug.jpg", "jpeg")
	p.Image = &model.Image{LocalPath: path, Status: model.ImagePending}
	p.Gallery = []model.Image{
		{LocalPath: path, Status: model.ImagePending},
		{LocalPath: env.file("mug-side.jpg", "side"), Status: model.ImagePending},
	}
	require.NoError(t, env.store.Insert(context.Background(), p))

	_, err := env.sync(model.KindProduct, "p", env.session())
	require.NoError(t, err)
	require.Equal(t, 2, env.remote.Uploads())

	saved := env.store.Get(model.KindProduct, "p")
	require.Equal(t, model.ImageActive, saved.Image.Status)
	require.Equal(t, saved.Image.RemoteMediaID, saved.Gallery[0].RemoteMediaID)
	require.NotEqual(t, saved.Image.RemoteMediaID, saved.Gallery[1].RemoteMediaID)

	images := env.remote.CallsOf("create")[0].Payload["images"].([]any)
	require.Len(t, images, 2)
	require.EqualValues(t, saved.Image.RemoteMediaID, images[0].(map[string]any)["id"])
	require.EqualValues(t, 0, images[0].(map[string]any)["position"])
	require.EqualValues(t, 1, images[1].(map[string]any)["position"])
}

func TestProduct_PendingMainReusesActiveGalleryPath(t *testing.T) {
	p := product("p", "Mug")
	env := newEnv(t)
	path := env.file("mug.jpg", "jpeg")
	p.Image = &model.Image{LocalPath: path, Status: model.ImagePending}
	p.Gallery = []model.Image{{LocalPath: path, RemoteMediaID: 77, Status: model.ImageActive}}
	require.NoError(t, env.store.Insert(context.Background(), p))

	_, err := env.sync(model.KindProduct, "p", env.session())
	require.NoError(t, err)
	require.Zero(t, env.remote.Uploads(), "the path is already uploaded")

	saved := env.store.Get(model.KindProduct, "p")
	require.EqualValues(t, 77, saved.Image.RemoteMediaID)
	require.Equal(t, model.ImageActive, saved.Image.Status)
	require.EqualValues(t, 77, saved.Gallery[0].RemoteMediaID)

	images := env.remote.CallsOf("create")[0].Payload["images"].([]any)
	require.Len(t, images, 1)
	require.EqualValues(t, 77, images[0].(map[string]any)["id"])
}

func TestProduct_MissingImageFileFailsWithoutUpload(t *testing.T) {
	p := product("p", "Mug")
	p.Image = &model.Image{LocalPath: "/uploads/none.jpg", Status: model.ImagePending}
	env := newEnv(t, p)

	_, err := env.sync(model.KindProduct, "p", env.session())
	require.ErrorIs(t, err, errs.ErrMediaFileNotFound)
	require.Contains(t, err.Error(), "/uploads/none.jpg")
	require.Zero(t, env.remote.Uploads())
	require.Empty(t, env.remote.CallsOf("create"))
}

func TestProduct_PendingFlagClearedOnSuccess(t *testing.T) {
	env := newEnv(t, product("p", "Mug"))

	out, err := env.sync(model.KindProduct, "p", env.session())
	require.NoError(t, err)
	require.False(t, out.Entity.PendingSync)
	require.Equal(t, model.StateClean, out.Entity.State())

	saved := env.store.Get(model.KindProduct, "p")
	require.False(t, saved.PendingSync)
	require.False(t, saved.LastSync.Before(saved.UpdatedAt))
	require.NotZero(t, saved.RemoteID)
}

func TestProduct_PendingFlagKeptOnFailureWithMediaPersisted(t *testing.T) {
	p := product("p", "Mug")
	env := newEnv(t)
	p.Image = &model.Image{LocalPath: env.file("mug.jpg", "jpeg"), Status: model.ImagePending}
	require.NoError(t, env.store.Insert(context.Background(), p))
	env.remote.Errs["create products"] = &remote.Error{StatusCode: 500, Message: "boom"}

	_, err := env.sync(model.KindProduct, "p", env.session())
	require.ErrorIs(t, err, errs.ErrRemoteTransport)

	saved := env.store.Get(model.KindProduct, "p")
	require.True(t, saved.PendingSync)
	require.Zero(t, saved.RemoteID)
	require.True(t, saved.Image.Uploaded(), "uploaded media survives the failed sync")

	delete(env.remote.Errs, "create products")
	_, err = env.sync(model.KindProduct, "p", env.session())
	require.NoError(t, err)
	require.Equal(t, 1, env.remote.Uploads(), "retry reuses the persisted media id")
}

func TestProduct_EditDuringSyncStaysDirty(t *testing.T) {
	env := newEnv(t, product("p", "Mug"))
	s, err := env.reg.Get(model.KindProduct)
	require.NoError(t, err)

	stale := env.store.Get(model.KindProduct, "p")
	env.store.Touch(model.KindProduct, "p", edited.Add(time.Minute))

	_, err = s.SyncToRemote(context.Background(), env.session(), stale)
	require.NoError(t, err)
	saved := env.store.Get(model.KindProduct, "p")
	require.NotZero(t, saved.RemoteID)
	require.True(t, saved.PendingSync)
}

func TestProduct_IdempotentUpsert(t *testing.T) {
	env := newEnv(t, product("p", "Mug"))
	sess := env.session()

	first, err := env.sync(model.KindProduct, "p", sess)
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := env.sync(model.KindProduct, "p", sess)
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.Entity.RemoteID, second.Entity.RemoteID)

	res := sess.Results.Result()
	require.Equal(t, 1, res.Created)
	require.Equal(t, 1, res.Updated)
	require.Len(t, env.remote.CallsOf("update"), 1)
}

func TestProduct_UpdateOfVanishedRecordRecreates(t *testing.T) {
	p := product("p", "Mug")
	p.RemoteID = 55
	env := newEnv(t, p)

	out, err := env.sync(model.KindProduct, "p", env.session())
	require.NoError(t, err)
	require.True(t, out.Created)
	require.NotEqual(t, int64(55), out.Entity.RemoteID)
	require.Len(t, env.remote.CallsOf("update"), 1)
	require.Len(t, env.remote.CallsOf("create"), 1)
}

func TestProduct_AdoptsRecordWithDuplicateSKU(t *testing.T) {
	env := newEnv(t, product("p", "Mug"))
	env.remote.Seed(remote.ResourceProducts, remote.Record{ID: 77, Name: "Mug (old)", SKU: "SKU-p"})
	env.remote.Errs["create products"] = &remote.Error{StatusCode: 400, Code: "product_invalid_sku", Message: "Invalid or duplicated SKU."}

	out, err := env.sync(model.KindProduct, "p", env.session())
	require.NoError(t, err)
	require.False(t, out.Created)
	require.Equal(t, int64(77), env.store.Get(model.KindProduct, "p").RemoteID)

	updates := env.remote.CallsOf("update")
	require.Len(t, updates, 1)
	require.Equal(t, int64(77), updates[0].ID)
	lists := env.remote.CallsOf("list")
	require.Len(t, lists, 1)
	require.Equal(t, "SKU-p", lists[0].Params.Get("sku"))
}

func TestProduct_AdoptsRecordNamedByRejection(t *testing.T) {
	tests := []struct {
		name      string
		named     remote.Record
		wantGets  int
		wantLists int
	}{
		{name: "named record owns sku", named: remote.Record{ID: 77, SKU: "sku-P"}, wantGets: 1, wantLists: 0},
		{name: "named record holds another sku", named: remote.Record{ID: 77, SKU: "OTHER"}, wantGets: 1, wantLists: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, product("p", "Mug"))
			env.remote.Seed(remote.ResourceProducts, tt.named)
			env.remote.Seed(remote.ResourceProducts, remote.Record{ID: 90, SKU: "SKU-p"})
			env.remote.Errs["create products"] = &remote.Error{StatusCode: 400, Code: "product_invalid_sku", Message: "Invalid or duplicated SKU.", ResourceID: 77}

			out, err := env.sync(model.KindProduct, "p", env.session())
			require.NoError(t, err)
			require.False(t, out.Created)
			require.Len(t, env.remote.CallsOf("get"), tt.wantGets)
			require.Len(t, env.remote.CallsOf("list"), tt.wantLists)

			want := tt.named.ID
			if tt.wantLists > 0 {
				want = 90
			}
			require.Equal(t, want, env.store.Get(model.KindProduct, "p").RemoteID)
		})
	}
}

func TestDeleteEntity_MediaThenRecordThenLocal(t *testing.T) {
	p := product("p", "Mug")
	p.RemoteID = 40
	p.Image = &model.Image{LocalPath: "/uploads/a.jpg", RemoteMediaID: 7, Status: model.ImageActive}
	p.Gallery = []model.Image{
		{LocalPath: "/uploads/a.jpg", RemoteMediaID: 7, Status: model.ImageActive},
		{LocalPath: "/uploads/b.jpg", RemoteMediaID: 8, Status: model.ImageActive},
	}
	env := newEnv(t, p)
	env.remote.Seed(remote.ResourceProducts, remote.Record{ID: 40})
	env.remote.MissingMedia[8] = true

	s, err := env.reg.Get(model.KindProduct)
	require.NoError(t, err)
	sess := env.session()
	require.NoError(t, s.DeleteEntity(context.Background(), sess, env.store.Get(model.KindProduct, "p")))

	require.Equal(t, []string{
		"delete_media  7",
		"delete_media  8",
		"delete products 40",
	}, env.remote.Ops())
	require.Nil(t, env.store.Get(model.KindProduct, "p"))
	require.False(t, env.remote.Has(remote.ResourceProducts, 40))
	require.Equal(t, 1, sess.Results.Result().Deleted)
}

func TestDeleteEntity_RemoteFailureKeepsLocal(t *testing.T) {
	c := category("a", "Shoes", "", 0, 10)
	env := newEnv(t, c)
	env.remote.Errs["delete"] = &remote.Error{StatusCode: 500, Message: "down"}

	s, err := env.reg.Get(model.KindCategory)
	require.NoError(t, err)
	err = s.DeleteEntity(context.Background(), env.session(), env.store.Get(model.KindCategory, "a"))
	require.ErrorIs(t, err, errs.ErrRemoteTransport)
	require.NotNil(t, env.store.Get(model.KindCategory, "a"))
}

func TestRegistry_UnknownKind(t *testing.T) {
	_, err := NewRegistry().Get(model.KindProduct)
	require.ErrorIs(t, err, errs.ErrUnknownKind)
}

func TestSession_RejectsReentrantSync(t *testing.T) {
	sess := NewSession(nil)
	e := &model.Entity{Kind: model.KindBrand, LocalID: "b"}
	done, err := sess.begin(e)
	require.NoError(t, err)
	require.True(t, sess.Syncing(model.KindBrand, "b"))

	_, err = sess.begin(e)
	require.Error(t, err)

	done()
	require.False(t, sess.Syncing(model.KindBrand, "b"))
}
