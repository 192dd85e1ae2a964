// Package strategy maps local catalog entities to their remote representation
// and performs the idempotent upsert, one Strategy per entity kind.
//
// Products cascade: a referenced category or brand without a remote id is
// synced inline before the product. Categories do not cascade to an unsynced
// parent; they fail with "parent not synchronized" instead.
package strategy

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/catalog-sync/internal/batch"
	"github.com/and161185/catalog-sync/internal/errs"
	"github.com/and161185/catalog-sync/internal/media"
	"github.com/and161185/catalog-sync/internal/model"
	"github.com/and161185/catalog-sync/internal/remote"
	"github.com/and161185/catalog-sync/internal/repository"
)

// Remote is the part of the platform client strategies depend on.
type Remote interface {
	List(ctx context.Context, res remote.Resource, params url.Values) ([]remote.Record, error)
	Get(ctx context.Context, res remote.Resource, id int64) (remote.Record, error)
	Create(ctx context.Context, res remote.Resource, payload any) (remote.Record, error)
	Update(ctx context.Context, res remote.Resource, id int64, payload any) (remote.Record, error)
	Delete(ctx context.Context, res remote.Resource, id int64, force bool) error
	DeleteMedia(ctx context.Context, id int64) error
}

// Strategy synchronizes one entity kind.
type Strategy interface {
	// Kind is the registry key.
	Kind() model.Kind
	// MapLocalToRemote resolves dependencies, uploads pending media and
	// returns the payload that SyncToRemote would send.
	MapLocalToRemote(ctx context.Context, sess *Session, e *model.Entity) (any, error)
	// SyncToRemote creates or updates the remote record and confirms the
	// local one (remote id, pending flag, last sync, media).
	SyncToRemote(ctx context.Context, sess *Session, e *model.Entity) (Outcome, error)
	// DeleteEntity retires remote media, then the remote record, then the
	// local record.
	DeleteEntity(ctx context.Context, sess *Session, e *model.Entity) error
}

// Outcome reports a successful upsert and any dependency syncs it triggered.
type Outcome struct {
	Entity   *model.Entity
	Created  bool
	Cascaded []Outcome
}

// Deps are the collaborators shared by every strategy.
type Deps struct {
	Remote Remote
	Store  repository.EntityStore
	Log    *zap.Logger
	Now    func() time.Time
	// DefaultCategoryID is the platform's fallback ("uncategorized")
	// category, sent when a product has no categories.
	DefaultCategoryID int64
}

func (d Deps) withDefaults() Deps {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Session scopes one batch: a fresh media cache, the shared result
// aggregator and the set of entities currently in the Syncing state.
type Session struct {
	Media   *media.Cache
	Results *batch.Aggregator

	inFlight map[string]bool
}

// NewSession starts a batch scope around cache.
func NewSession(cache *media.Cache) *Session {
	return &Session{Media: cache, Results: batch.NewAggregator(), inFlight: map[string]bool{}}
}

// Syncing reports whether the entity is mid-upsert in this session.
func (s *Session) Syncing(kind model.Kind, localID string) bool {
	return s.inFlight[string(kind)+"/"+localID]
}

func (s *Session) begin(e *model.Entity) (func(), error) {
	key := string(e.Kind) + "/" + e.LocalID
	if s.inFlight[key] {
		return nil, fmt.Errorf("%s %s: sync already in progress", e.Kind, e.LocalID)
	}
	s.inFlight[key] = true
	return func() { delete(s.inFlight, key) }, nil
}

// Registry resolves strategies by entity kind.
type Registry struct {
	strategies map[model.Kind]Strategy
}

// NewRegistry registers the given strategies.
func NewRegistry(ss ...Strategy) *Registry {
	r := &Registry{strategies: map[model.Kind]Strategy{}}
	for _, s := range ss {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the strategy for s.Kind().
func (r *Registry) Register(s Strategy) { r.strategies[s.Kind()] = s }

// Get returns the strategy for kind.
func (r *Registry) Get(kind model.Kind) (Strategy, error) {
	s, ok := r.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownKind, kind)
	}
	return s, nil
}

// NewDefaultRegistry wires the category, brand and product strategies.
func NewDefaultRegistry(d Deps) *Registry {
	r := NewRegistry()
	r.Register(NewCategory(d))
	r.Register(NewBrand(d))
	r.Register(NewProduct(d, r))
	return r
}
