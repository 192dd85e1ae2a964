package strategy

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/catalog-sync/internal/errs"
	"github.com/and161185/catalog-sync/internal/model"
	"github.com/and161185/catalog-sync/internal/remote"
)

// mapped is a payload plus the media state produced while building it.
type mapped struct {
	payload      any
	image        *model.Image
	gallery      []model.Image
	mediaChanged bool
}

// adoptFunc recovers from a rejected create by locating an existing remote
// record; ok=false means the error was not recoverable.
type adoptFunc func(ctx context.Context, payload any, createErr error) (rec remote.Record, ok bool, err error)

type base struct {
	Deps
	kind model.Kind
	res  remote.Resource
}

func newBase(d Deps, kind model.Kind) base {
	res, _ := remote.ResourceFor(kind)
	return base{Deps: d.withDefaults(), kind: kind, res: res}
}

func (b *base) Kind() model.Kind { return b.kind }

func (b *base) checkKind(e *model.Entity) error {
	if e == nil {
		return errors.New("nil entity")
	}
	if e.Kind != b.kind {
		return fmt.Errorf("%w: %s strategy got %q", errs.ErrUnknownKind, b.kind, e.Kind)
	}
	return nil
}

// upsert creates or updates the remote record and confirms the local one.
func (b *base) upsert(ctx context.Context, sess *Session, e *model.Entity, m mapped, adopt adoptFunc) (Outcome, error) {
	log := b.Log.With(zap.String("kind", string(e.Kind)), zap.String("local_id", e.LocalID))

	var (
		rec     remote.Record
		err     error
		created bool
	)
	if e.Synced() {
		rec, err = b.Remote.Update(ctx, b.res, e.RemoteID, m.payload)
		if errors.Is(err, errs.ErrRemoteNotFound) {
			log.Warn("remote record vanished, recreating", zap.Int64("remote_id", e.RemoteID))
			rec, err = b.Remote.Create(ctx, b.res, m.payload)
			created = err == nil
		}
	} else {
		rec, err = b.Remote.Create(ctx, b.res, m.payload)
		created = err == nil
		if err != nil && adopt != nil {
			adopted, ok, aerr := adopt(ctx, m.payload, err)
			switch {
			case aerr != nil:
				err = fmt.Errorf("%w (adopt existing record: %v)", err, aerr)
			case ok:
				log.Info("adopted existing remote record", zap.Int64("remote_id", adopted.ID))
				rec, err = adopted, nil
			}
		}
	}
	if err == nil && rec.ID <= 0 {
		err = fmt.Errorf("%w: %s answer without id", errs.ErrRemoteTransport, b.res)
	}
	if err != nil {
		b.persistMedia(ctx, e, m)
		return Outcome{Entity: e}, err
	}

	confirmed, err := b.Store.Update(ctx, e.Kind, e.LocalID, model.ConfirmedPatch(rec.ID, e.UpdatedAt, b.Now(), m.image, m.gallery))
	if err != nil {
		return Outcome{Entity: e}, fmt.Errorf("confirm %s %s (remote id %d): %w", e.Kind, e.LocalID, rec.ID, err)
	}
	if created {
		sess.Results.Created()
	} else {
		sess.Results.Updated()
	}
	log.Info("synced",
		zap.Int64("remote_id", rec.ID),
		zap.Bool("created", created),
		zap.String("state", string(confirmed.State())),
	)
	return Outcome{Entity: confirmed, Created: created}, nil
}

// persistMedia keeps uploads made by a failed sync so a retry reuses them.
// The entity stays pending.
func (b *base) persistMedia(ctx context.Context, e *model.Entity, m mapped) {
	if !m.mediaChanged {
		return
	}
	if _, err := b.Store.Update(ctx, e.Kind, e.LocalID, model.MediaPatch(m.image, m.gallery)); err != nil {
		b.Log.Warn("persist uploaded media",
			zap.String("kind", string(e.Kind)),
			zap.String("local_id", e.LocalID),
			zap.Error(err),
		)
	}
}

// deleteEntity retires media, then the remote record, then the local record.
// Remote 404s count as already deleted.
func (b *base) deleteEntity(ctx context.Context, sess *Session, e *model.Entity) error {
	if err := b.checkKind(e); err != nil {
		return err
	}
	for _, id := range mediaIDs(e) {
		if err := ignoreNotFound(b.Remote.DeleteMedia(ctx, id)); err != nil {
			return fmt.Errorf("delete media %d of %s %s: %w", id, e.Kind, e.LocalID, err)
		}
	}
	if e.Synced() {
		if err := ignoreNotFound(b.Remote.Delete(ctx, b.res, e.RemoteID, true)); err != nil {
			return fmt.Errorf("delete remote %s %d: %w", b.res, e.RemoteID, err)
		}
		sess.Results.Deleted()
	}
	if err := b.Store.Delete(ctx, e.Kind, e.LocalID); err != nil {
		return err
	}
	b.Log.Info("deleted",
		zap.String("kind", string(e.Kind)),
		zap.String("local_id", e.LocalID),
		zap.Int64("remote_id", e.RemoteID),
	)
	return nil
}

// attach uploads (or reuses) one image through the batch media cache.
// changed reports whether img gained a media id.
func attach(ctx context.Context, sess *Session, img model.Image) (out model.Image, changed bool, err error) {
	was := img.Uploaded()
	out, err = sess.Media.Attach(ctx, img)
	if err != nil {
		return img, false, err
	}
	return out, !was, nil
}

func mediaIDs(e *model.Entity) []int64 {
	seen := map[int64]bool{}
	var out []int64
	add := func(img model.Image) {
		if img.RemoteMediaID > 0 && !seen[img.RemoteMediaID] {
			seen[img.RemoteMediaID] = true
			out = append(out, img.RemoteMediaID)
		}
	}
	if e.Image != nil {
		add(*e.Image)
	}
	for _, g := range e.Gallery {
		add(g)
	}
	return out
}

func ignoreNotFound(err error) error {
	if errors.Is(err, errs.ErrRemoteNotFound) {
		return nil
	}
	return err
}
