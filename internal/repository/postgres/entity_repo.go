package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/catalog-sync/internal/errs"
	"github.com/and161185/catalog-sync/internal/model"
)

// EntityRepo implements repository.EntityStore on a single table keyed by
// (kind, local_id). The entity body lives in a JSONB document; remote_id and
// pending_sync are mirrored into columns for indexing.
type EntityRepo struct{ db *DB }

// NewEntityRepo constructs an entity repository.
func NewEntityRepo(db *DB) *EntityRepo { return &EntityRepo{db: db} }

// FindAll returns every entity of a kind ordered by local id.
func (r *EntityRepo) FindAll(ctx context.Context, kind model.Kind) ([]*model.Entity, error) {
	const q = `SELECT doc FROM catalog_entities WHERE kind=$1 ORDER BY local_id ASC`
	rows, err := r.db.Pool.Query(ctx, q, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Entity
	for rows.Next() {
		var doc []byte
		if err = rows.Scan(&doc); err != nil {
			return nil, err
		}
		e, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FindByID loads a single entity.
func (r *EntityRepo) FindByID(ctx context.Context, kind model.Kind, localID string) (*model.Entity, error) {
	const q = `SELECT doc FROM catalog_entities WHERE kind=$1 AND local_id=$2`
	var doc []byte
	if err := r.db.Pool.QueryRow(ctx, q, string(kind), localID).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s %s: %w", kind, localID, errs.ErrNotFound)
		}
		return nil, err
	}
	return decode(doc)
}

// Insert stores a new entity.
func (r *EntityRepo) Insert(ctx context.Context, e *model.Entity) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO catalog_entities (kind, local_id, remote_id, pending_sync, updated_at, doc)
VALUES ($1,$2,$3,$4,$5,$6)`
	_, err = r.db.Pool.Exec(ctx, q, string(e.Kind), e.LocalID, nullableID(e.RemoteID), e.PendingSync, e.UpdatedAt, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %s: %w", e.Kind, e.LocalID, errs.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

// Save replaces an existing entity document.
func (r *EntityRepo) Save(ctx context.Context, e *model.Entity) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	const q = `
UPDATE catalog_entities SET remote_id=$3, pending_sync=$4, updated_at=$5, doc=$6
WHERE kind=$1 AND local_id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, string(e.Kind), e.LocalID, nullableID(e.RemoteID), e.PendingSync, e.UpdatedAt, doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", e.Kind, e.LocalID, errs.ErrNotFound)
	}
	return nil
}

// Update applies a partial patch under a row lock and returns the result.
func (r *EntityRepo) Update(
	ctx context.Context, kind model.Kind, localID string, p model.Patch,
) (out *model.Entity, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT doc FROM catalog_entities WHERE kind=$1 AND local_id=$2 FOR UPDATE`
	const upd = `UPDATE catalog_entities SET remote_id=$3, pending_sync=$4, doc=$5 WHERE kind=$1 AND local_id=$2`

	var doc []byte
	if err = tx.QueryRow(ctx, sel, string(kind), localID).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s %s: %w", kind, localID, errs.ErrNotFound)
		}
		return nil, err
	}
	e, err := decode(doc)
	if err != nil {
		return nil, err
	}
	p.Apply(e)
	newDoc, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if _, err = tx.Exec(ctx, upd, string(kind), localID, nullableID(e.RemoteID), e.PendingSync, newDoc); err != nil {
		return nil, err
	}
	return e, nil
}

// Delete removes an entity.
func (r *EntityRepo) Delete(ctx context.Context, kind model.Kind, localID string) error {
	const q = `DELETE FROM catalog_entities WHERE kind=$1 AND local_id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, string(kind), localID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", kind, localID, errs.ErrNotFound)
	}
	return nil
}

func decode(doc []byte) (*model.Entity, error) {
	var e model.Entity
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return &e, nil
}

// nullableID maps the "never synced" zero value to SQL NULL.
func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
