// Package reconcile drives batch synchronization: single-entity syncs,
// pending sweeps and the full reconciliation pass that also removes remote
// orphans.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/catalog-sync/internal/batch"
	"github.com/and161185/catalog-sync/internal/errs"
	"github.com/and161185/catalog-sync/internal/media"
	"github.com/and161185/catalog-sync/internal/model"
	"github.com/and161185/catalog-sync/internal/remote"
	"github.com/and161185/catalog-sync/internal/repository"
	"github.com/and161185/catalog-sync/internal/strategy"
)

// Remote is the platform surface used by the engine and its strategies.
type Remote interface {
	strategy.Remote
	media.Uploader
	ListAll(ctx context.Context, res remote.Resource, params url.Values) ([]remote.Record, error)
}

// Options tune an Engine.
type Options struct {
	Media media.Resolver
	// DefaultCategoryID is never deleted as an orphan.
	DefaultCategoryID int64
	Log               *zap.Logger
}

// Engine runs synchronization batches one at a time.
type Engine struct {
	remote   Remote
	registry *strategy.Registry
	store    repository.EntityStore
	opts     Options
	log      *zap.Logger

	mu sync.Mutex
}

// New wires an engine from explicit collaborators.
func New(rc Remote, reg *strategy.Registry, store repository.EntityStore, opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{remote: rc, registry: reg, store: store, opts: opts, log: log}
}

func (e *Engine) newSession() *strategy.Session {
	return strategy.NewSession(media.NewCache(e.remote, e.opts.Media, e.log))
}

// SyncEntity upserts one entity, cascading its dependencies when the kind
// allows it.
func (e *Engine) SyncEntity(ctx context.Context, kind model.Kind, localID string) batch.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.registry.Get(kind)
	if err != nil {
		return batch.Failed(err)
	}
	ent, err := e.store.FindByID(ctx, kind, localID)
	if err != nil {
		return batch.Failed(fmt.Errorf("load %s %s: %w", kind, localID, err))
	}
	sess := e.newSession()
	if _, err := s.SyncToRemote(ctx, sess, ent); err != nil {
		e.log.Warn("sync failed", zap.String("kind", string(kind)), zap.String("local_id", localID), zap.Error(err))
		sess.Results.Fail(kind, localID, err)
	}
	return sess.Results.Result()
}

// DeleteEntity retires the entity remotely and locally.
func (e *Engine) DeleteEntity(ctx context.Context, kind model.Kind, localID string) batch.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.registry.Get(kind)
	if err != nil {
		return batch.Failed(err)
	}
	ent, err := e.store.FindByID(ctx, kind, localID)
	if err != nil {
		return batch.Failed(fmt.Errorf("load %s %s: %w", kind, localID, err))
	}
	sess := e.newSession()
	if err := s.DeleteEntity(ctx, sess, ent); err != nil {
		e.log.Warn("delete failed", zap.String("kind", string(kind)), zap.String("local_id", localID), zap.Error(err))
		sess.Results.Fail(kind, localID, err)
	}
	return sess.Results.Result()
}

// snapshot is the setup state of one kind: every local entity and every
// remote record.
type snapshot struct {
	kind   model.Kind
	res    remote.Resource
	local  []*model.Entity
	remote []remote.Record
}

// FullSync reconciles the given kinds (all when empty) in dependency order:
// remote orphans are deleted, then every local entity is upserted. Listing
// failures abort the batch before any change is made.
func (e *Engine) FullSync(ctx context.Context, kinds ...model.Kind) batch.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	started := time.Now()
	ordered, err := orderKinds(kinds)
	if err != nil {
		return batch.Failed(err)
	}

	snaps := make([]snapshot, 0, len(ordered))
	for _, kind := range ordered {
		snap, err := e.load(ctx, kind)
		if err != nil {
			e.log.Error("full sync setup failed", zap.String("kind", string(kind)), zap.Error(err))
			return batch.Failed(fmt.Errorf("%w: %v", errs.ErrCatastrophic, err))
		}
		snaps = append(snaps, snap)
	}

	sess := e.newSession()
	var stopErr error
	for _, snap := range snaps {
		if stopErr = e.removeOrphans(ctx, sess, snap); stopErr != nil {
			break
		}
		if stopErr = e.upsertAll(ctx, sess, snap.kind, snap.local); stopErr != nil {
			break
		}
	}

	res := sess.Results.Result()
	if stopErr != nil {
		res.Error = "interrupted: " + stopErr.Error()
	}
	e.log.Info("full sync finished",
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("deleted", res.Deleted),
		zap.Int("errors", sess.Results.ErrorCount()),
		zap.Int("uploads", sess.Media.Uploads()),
		zap.Duration("dur", time.Since(started)),
	)
	return res
}

// SyncPending upserts only dirty entities of the given kinds. No orphan
// pass is made.
func (e *Engine) SyncPending(ctx context.Context, kinds ...model.Kind) batch.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	ordered, err := orderKinds(kinds)
	if err != nil {
		return batch.Failed(err)
	}
	sess := e.newSession()
	for _, kind := range ordered {
		all, err := e.store.FindAll(ctx, kind)
		if err != nil {
			return batch.Failed(fmt.Errorf("%w: list local %s: %v", errs.ErrCatastrophic, kind, err))
		}
		dirty := all[:0]
		for _, ent := range all {
			if ent.State() == model.StateDirty {
				dirty = append(dirty, ent)
			}
		}
		if err := e.upsertAll(ctx, sess, kind, dirty); err != nil {
			res := sess.Results.Result()
			res.Error = "interrupted: " + err.Error()
			return res
		}
	}
	return sess.Results.Result()
}

func (e *Engine) load(ctx context.Context, kind model.Kind) (snapshot, error) {
	res, ok := remote.ResourceFor(kind)
	if !ok {
		return snapshot{}, fmt.Errorf("%w: %q", errs.ErrUnknownKind, kind)
	}
	if _, err := e.registry.Get(kind); err != nil {
		return snapshot{}, err
	}
	local, err := e.store.FindAll(ctx, kind)
	if err != nil {
		return snapshot{}, fmt.Errorf("list local %s: %w", kind, err)
	}
	params := url.Values{"_fields": {"id,name,images,image"}}
	if kind == model.KindProduct {
		params.Set("status", "any")
	}
	recs, err := e.remote.ListAll(ctx, res, params)
	if err != nil {
		return snapshot{}, fmt.Errorf("list remote %s: %w", res, err)
	}
	return snapshot{kind: kind, res: res, local: local, remote: recs}, nil
}

// removeOrphans deletes remote records no local entity references, media
// first. Only a cancelled context stops the pass.
func (e *Engine) removeOrphans(ctx context.Context, sess *strategy.Session, snap snapshot) error {
	referenced := make(map[int64]bool, len(snap.local))
	for _, ent := range snap.local {
		if ent.Synced() {
			referenced[ent.RemoteID] = true
		}
	}
	for _, rec := range snap.remote {
		if referenced[rec.ID] {
			continue
		}
		if snap.kind == model.KindCategory && rec.ID == e.opts.DefaultCategoryID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.deleteOrphan(ctx, snap.res, rec); err != nil {
			e.log.Warn("orphan delete failed", zap.String("resource", string(snap.res)), zap.Int64("remote_id", rec.ID), zap.Error(err))
			sess.Results.Fail(snap.kind, "remote:"+strconv.FormatInt(rec.ID, 10), err)
			continue
		}
		sess.Results.Deleted()
		e.log.Info("orphan deleted", zap.String("resource", string(snap.res)), zap.Int64("remote_id", rec.ID), zap.String("name", rec.Name))
	}
	return nil
}

func (e *Engine) deleteOrphan(ctx context.Context, res remote.Resource, rec remote.Record) error {
	for _, id := range rec.MediaIDs() {
		if err := e.remote.DeleteMedia(ctx, id); err != nil && !errors.Is(err, errs.ErrRemoteNotFound) {
			return fmt.Errorf("delete media %d: %w", id, err)
		}
	}
	if err := e.remote.Delete(ctx, res, rec.ID, true); err != nil && !errors.Is(err, errs.ErrRemoteNotFound) {
		return err
	}
	return nil
}

// upsertAll syncs entities in dependency order, reloading each one so that
// cascades earlier in the batch are observed.
func (e *Engine) upsertAll(ctx context.Context, sess *strategy.Session, kind model.Kind, ents []*model.Entity) error {
	s, err := e.registry.Get(kind)
	if err != nil {
		return err
	}
	for _, ent := range dependencyOrder(ents) {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur, err := e.store.FindByID(ctx, kind, ent.LocalID)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			sess.Results.Fail(kind, ent.LocalID, err)
			continue
		}
		if _, err := s.SyncToRemote(ctx, sess, cur); err != nil {
			e.log.Warn("sync failed", zap.String("kind", string(kind)), zap.String("local_id", cur.LocalID), zap.Error(err))
			sess.Results.Fail(kind, cur.LocalID, err)
		}
	}
	return nil
}

// dependencyOrder sorts categories parents first (ascending level); other
// kinds keep the store order.
func dependencyOrder(ents []*model.Entity) []*model.Entity {
	out := append([]*model.Entity(nil), ents...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Level() < out[j].Level() })
	return out
}

// orderKinds validates kinds and returns them in model.Kinds order.
func orderKinds(kinds []model.Kind) ([]model.Kind, error) {
	if len(kinds) == 0 {
		return append([]model.Kind(nil), model.Kinds...), nil
	}
	want := map[model.Kind]bool{}
	for _, k := range kinds {
		if !k.Valid() {
			return nil, fmt.Errorf("%w: %q", errs.ErrUnknownKind, k)
		}
		want[k] = true
	}
	out := make([]model.Kind, 0, len(want))
	for _, k := range model.Kinds {
		if want[k] {
			out = append(out, k)
		}
	}
	return out, nil
}
