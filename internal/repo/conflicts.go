package repo

import (
	"context"
	"database/sql"

	"stackline/internal/domain"
)

const conflictCols = `id,entity_kind,entity_id,local_revision,remote_revision,local_json,remote_json,status,created_at,updated_at,resolved_at`

func scanConflict(scan func(dest ...any) error) (domain.Conflict, error) {
	var c domain.Conflict
	var status string
	var resolvedAt sql.NullString
	if err := scan(&c.ID, &c.EntityKind, &c.EntityID, &c.LocalRevision, &c.RemoteRevision,
		&c.LocalJSON, &c.RemoteJSON, &status, &c.CreatedAt, &c.UpdatedAt, &resolvedAt); err != nil {
		return c, err
	}
	c.Status = domain.ConflictStatus(status)
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.String
	}
	return c, nil
}

// UpsertOpenConflictTx inserts a conflict, or refreshes the open one for the
// same entity when a later remote revision arrives before resolution.
func (r Repo) UpsertOpenConflictTx(ctx context.Context, tx *sql.Tx, c domain.Conflict) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sync_conflicts(`+conflictCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(entity_kind, entity_id) WHERE status='open'
DO UPDATE SET remote_revision=excluded.remote_revision, remote_json=excluded.remote_json,
local_revision=excluded.local_revision, local_json=excluded.local_json, updated_at=excluded.updated_at`,
		c.ID, c.EntityKind, c.EntityID, c.LocalRevision, c.RemoteRevision,
		c.LocalJSON, c.RemoteJSON, string(c.Status), c.CreatedAt, c.UpdatedAt, nullableStringPtr(c.ResolvedAt))
	return err
}

func (r Repo) GetConflict(ctx context.Context, id string) (domain.Conflict, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+conflictCols+` FROM sync_conflicts WHERE id=?`, id)
	c, err := scanConflict(row.Scan)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// OpenConflictForEntity returns the unresolved conflict for an entity, if any.
func (r Repo) OpenConflictForEntity(ctx context.Context, entityKind, entityID string) (domain.Conflict, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+conflictCols+` FROM sync_conflicts WHERE entity_kind=? AND entity_id=? AND status='open'`,
		entityKind, entityID)
	c, err := scanConflict(row.Scan)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListConflicts(ctx context.Context, status domain.ConflictStatus) ([]domain.Conflict, error) {
	query := `SELECT ` + conflictCols + ` FROM sync_conflicts`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Conflict
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) ResolveConflictTx(ctx context.Context, tx *sql.Tx, id string, status domain.ConflictStatus, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sync_conflicts SET status=?, resolved_at=?, updated_at=? WHERE id=? AND status='open'`,
		string(status), resolvedAt, resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
