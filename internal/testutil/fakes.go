// Package testutil holds in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/and161185/catalog-sync/internal/errs"
	"github.com/and161185/catalog-sync/internal/model"
	"github.com/and161185/catalog-sync/internal/remote"
	"github.com/and161185/catalog-sync/internal/repository"
)

// Call is one recorded remote operation.
type Call struct {
	Op       string // list, list_all, get, create, update, delete, upload_media, delete_media
	Resource remote.Resource
	ID       int64
	Params   url.Values
	Payload  map[string]any
}

// FakeRemote is an in-memory platform. It behaves like remote.Client:
// Delete of a missing record succeeds, Update of one answers 404.
type FakeRemote struct {
	mu sync.Mutex

	Records map[remote.Resource]map[int64]remote.Record
	Calls   []Call

	// Errs injects failures keyed by "op" or "op resource", e.g.
	// "create products/categories".
	Errs map[string]error
	// FailNames makes create/update fail for payloads with these names.
	FailNames map[string]error
	// MissingMedia ids answer 404 on DeleteMedia.
	MissingMedia map[int64]bool

	nextID  int64
	uploads int
}

// NewFakeRemote returns an empty platform whose ids start at 100.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		Records:      map[remote.Resource]map[int64]remote.Record{},
		Errs:         map[string]error{},
		FailNames:    map[string]error{},
		MissingMedia: map[int64]bool{},
		nextID:       100,
	}
}

// NotFound builds the 404 the real client surfaces.
func NotFound(method, path string) error {
	return &remote.Error{Method: method, Path: path, StatusCode: http.StatusNotFound, Code: "rest_no_route", Message: "Not found"}
}

// Seed stores a record as if it already existed remotely.
func (f *FakeRemote) Seed(res remote.Resource, rec remote.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Records[res] == nil {
		f.Records[res] = map[int64]remote.Record{}
	}
	f.Records[res][rec.ID] = rec
	if rec.ID >= f.nextID {
		f.nextID = rec.ID + 1
	}
}

// Has reports whether the record exists.
func (f *FakeRemote) Has(res remote.Resource, id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Records[res][id]
	return ok
}

// Uploads counts UploadMedia calls.
func (f *FakeRemote) Uploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

// CallsOf returns the recorded calls with the given op.
func (f *FakeRemote) CallsOf(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Ops returns "op resource id" strings in call order.
func (f *FakeRemote) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Calls))
	for _, c := range f.Calls {
		out = append(out, fmt.Sprintf("%s %s %d", c.Op, c.Resource, c.ID))
	}
	return out
}

func (f *FakeRemote) injected(op string, res remote.Resource) error {
	if err, ok := f.Errs[op+" "+string(res)]; ok {
		return err
	}
	return f.Errs[op]
}

func (f *FakeRemote) record(c Call, payload any) {
	if payload != nil {
		b, _ := json.Marshal(payload)
		_ = json.Unmarshal(b, &c.Payload)
	}
	f.Calls = append(f.Calls, c)
}

func (f *FakeRemote) sorted(res remote.Resource, params url.Values) []remote.Record {
	var out []remote.Record
	for _, r := range f.Records[res] {
		if sku := params.Get("sku"); sku != "" && r.SKU != sku {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List implements one page of the paginated listing.
func (f *FakeRemote) List(_ context.Context, res remote.Resource, params url.Values) ([]remote.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "list", Resource: res, Params: params}, nil)
	if err := f.injected("list", res); err != nil {
		return nil, err
	}
	all := f.sorted(res, params)
	page, perPage := 1, remote.MaxPerPage
	fmt.Sscan(params.Get("page"), &page)
	fmt.Sscan(params.Get("per_page"), &perPage)
	from := (page - 1) * perPage
	if from >= len(all) {
		return []remote.Record{}, nil
	}
	to := from + perPage
	if to > len(all) {
		to = len(all)
	}
	return all[from:to], nil
}

// ListAll returns every record of res.
func (f *FakeRemote) ListAll(_ context.Context, res remote.Resource, params url.Values) ([]remote.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "list_all", Resource: res, Params: params}, nil)
	if err := f.injected("list_all", res); err != nil {
		return nil, err
	}
	return f.sorted(res, params), nil
}

// Get returns one record; missing ids answer 404.
func (f *FakeRemote) Get(_ context.Context, res remote.Resource, id int64) (remote.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "get", Resource: res, ID: id}, nil)
	if err := f.injected("get", res); err != nil {
		return remote.Record{}, err
	}
	rec, ok := f.Records[res][id]
	if !ok {
		return remote.Record{}, NotFound(http.MethodGet, fmt.Sprintf("%s/%d", res, id))
	}
	return rec, nil
}

// Create stores a new record with the next id.
func (f *FakeRemote) Create(_ context.Context, res remote.Resource, payload any) (remote.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := Call{Op: "create", Resource: res}
	f.record(c, payload)
	last := f.Calls[len(f.Calls)-1]
	if err := f.injected("create", res); err != nil {
		return remote.Record{}, err
	}
	if err := f.FailNames[nameOf(last.Payload)]; err != nil {
		return remote.Record{}, err
	}
	id := f.nextID
	f.nextID++
	rec := recordFrom(id, last.Payload)
	if f.Records[res] == nil {
		f.Records[res] = map[int64]remote.Record{}
	}
	f.Records[res][id] = rec
	f.Calls[len(f.Calls)-1].ID = id
	return rec, nil
}

// Update replaces an existing record; missing ids answer 404.
func (f *FakeRemote) Update(_ context.Context, res remote.Resource, id int64, payload any) (remote.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "update", Resource: res, ID: id}, payload)
	last := f.Calls[len(f.Calls)-1]
	if err := f.injected("update", res); err != nil {
		return remote.Record{}, err
	}
	if err := f.FailNames[nameOf(last.Payload)]; err != nil {
		return remote.Record{}, err
	}
	if _, ok := f.Records[res][id]; !ok {
		return remote.Record{}, NotFound(http.MethodPut, fmt.Sprintf("%s/%d", res, id))
	}
	rec := recordFrom(id, last.Payload)
	f.Records[res][id] = rec
	return rec, nil
}

// Delete removes a record; missing ids succeed like the real client.
func (f *FakeRemote) Delete(_ context.Context, res remote.Resource, id int64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "delete", Resource: res, ID: id}, nil)
	if err := f.injected("delete", res); err != nil {
		return err
	}
	delete(f.Records[res], id)
	return nil
}

// UploadMedia returns a fresh media id.
func (f *FakeRemote) UploadMedia(_ context.Context, filename, _ string, _ []byte) (remote.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "upload_media"}, nil)
	if err := f.injected("upload_media", ""); err != nil {
		return remote.Media{}, err
	}
	f.uploads++
	id := f.nextID
	f.nextID++
	f.Calls[len(f.Calls)-1].ID = id
	return remote.Media{ID: id, SourceURL: "https://cdn.example/" + filename}, nil
}

// DeleteMedia records the call; ids in MissingMedia answer 404.
func (f *FakeRemote) DeleteMedia(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "delete_media", ID: id}, nil)
	if err := f.injected("delete_media", ""); err != nil {
		return err
	}
	if f.MissingMedia[id] {
		return NotFound(http.MethodDelete, fmt.Sprintf("media/%d", id))
	}
	return nil
}

func nameOf(p map[string]any) string {
	s, _ := p["name"].(string)
	return s
}

func recordFrom(id int64, p map[string]any) remote.Record {
	rec := remote.Record{ID: id, Name: nameOf(p)}
	rec.SKU, _ = p["sku"].(string)
	if parent, ok := p["parent"].(float64); ok {
		rec.Parent = int64(parent)
	}
	if imgs, ok := p["images"].([]any); ok {
		for _, raw := range imgs {
			if m, ok := raw.(map[string]any); ok {
				mid, _ := m["id"].(float64)
				rec.Images = append(rec.Images, remote.Image{ID: int64(mid)})
			}
		}
	}
	if img, ok := p["image"].(map[string]any); ok {
		mid, _ := img["id"].(float64)
		rec.Image = &remote.Image{ID: int64(mid)}
	}
	return rec
}

// MemStore is an in-memory repository.EntityStore.
type MemStore struct {
	mu   sync.Mutex
	data map[model.Kind]map[string]*model.Entity

	// Writes counts Update calls per local id.
	Writes map[string]int
}

var _ repository.EntityStore = (*MemStore)(nil)

// NewMemStore returns a store holding copies of seed.
func NewMemStore(seed ...*model.Entity) *MemStore {
	s := &MemStore{data: map[model.Kind]map[string]*model.Entity{}, Writes: map[string]int{}}
	for _, e := range seed {
		s.put(e.Clone())
	}
	return s
}

func (s *MemStore) put(e *model.Entity) {
	if s.data[e.Kind] == nil {
		s.data[e.Kind] = map[string]*model.Entity{}
	}
	s.data[e.Kind][e.LocalID] = e
}

// Get returns a copy, nil when absent.
func (s *MemStore) Get(kind model.Kind, id string) *model.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[kind][id].Clone()
}

// FindAll returns copies ordered by local id.
func (s *MemStore) FindAll(_ context.Context, kind model.Kind) ([]*model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Entity, 0, len(s.data[kind]))
	for _, e := range s.data[kind] {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out, nil
}

// FindByID returns a copy or errs.ErrNotFound.
func (s *MemStore) FindByID(_ context.Context, kind model.Kind, id string) (*model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[kind][id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return e.Clone(), nil
}

// Insert stores a copy; errs.ErrAlreadyExists on a reused id.
func (s *MemStore) Insert(_ context.Context, e *model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[e.Kind][e.LocalID]; ok {
		return errs.ErrAlreadyExists
	}
	s.put(e.Clone())
	return nil
}

// Save replaces an existing entity.
func (s *MemStore) Save(_ context.Context, e *model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[e.Kind][e.LocalID]; !ok {
		return errs.ErrNotFound
	}
	s.put(e.Clone())
	return nil
}

// Update applies p and returns a copy of the result.
func (s *MemStore) Update(_ context.Context, kind model.Kind, id string, p model.Patch) (*model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[kind][id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	p.Apply(e)
	s.Writes[id]++
	return e.Clone(), nil
}

// Delete removes the entity.
func (s *MemStore) Delete(_ context.Context, kind model.Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[kind][id]; !ok {
		return errs.ErrNotFound
	}
	delete(s.data[kind], id)
	return nil
}

// Touch simulates a local edit landing at t.
func (s *MemStore) Touch(kind model.Kind, id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[kind][id]; ok {
		e.MarkDirty(t)
	}
}
