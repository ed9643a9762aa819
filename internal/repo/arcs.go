package repo

import (
	"context"
	"database/sql"

	"stackline/internal/domain"
)

const arcCols = `id,title,goal,status,started_at,ended_at,created_at,updated_at,` + syncCols

func scanArc(scan func(dest ...any) error) (domain.Arc, error) {
	var a domain.Arc
	var goal, endedAt sql.NullString
	var sm syncScan
	dests := []any{&a.ID, &a.Title, &goal, &a.Status, &a.StartedAt, &endedAt, &a.CreatedAt, &a.UpdatedAt}
	dests = append(dests, sm.dests()...)
	if err := scan(dests...); err != nil {
		return a, err
	}
	if goal.Valid {
		a.Goal = goal.String
	}
	if endedAt.Valid {
		a.EndedAt = &endedAt.String
	}
	a.SyncMeta = sm.meta()
	return a, nil
}

func arcArgs(a domain.Arc) []any {
	args := []any{
		a.ID, a.Title, nullable(a.Goal), a.Status, a.StartedAt, nullableStringPtr(a.EndedAt),
		a.CreatedAt, a.UpdatedAt,
	}
	return append(args, syncArgs(a.SyncMeta)...)
}

func (r Repo) InsertArcTx(ctx context.Context, tx *sql.Tx, a domain.Arc) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO arcs(`+arcCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		arcArgs(a)...)
	return err
}

func (r Repo) UpdateArcTx(ctx context.Context, tx *sql.Tx, a domain.Arc) error {
	res, err := tx.ExecContext(ctx, `UPDATE arcs SET title=?,goal=?,status=?,started_at=?,ended_at=?,created_at=?,updated_at=?,
server_id=?,sync_state=?,revision=?,last_synced_at=?,is_deleted=?,user_id=?,device_id=? WHERE id=?`,
		append(arcArgs(a)[1:], a.ID)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ReplaceArcTx(ctx context.Context, tx *sql.Tx, a domain.Arc) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO arcs(`+arcCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, goal=excluded.goal, status=excluded.status,
started_at=excluded.started_at, ended_at=excluded.ended_at, created_at=excluded.created_at,
updated_at=excluded.updated_at, server_id=excluded.server_id, sync_state=excluded.sync_state,
revision=excluded.revision, last_synced_at=excluded.last_synced_at, is_deleted=excluded.is_deleted,
user_id=excluded.user_id, device_id=excluded.device_id`,
		arcArgs(a)...)
	return err
}

func (r Repo) GetArc(ctx context.Context, id string) (domain.Arc, error) {
	return r.getArc(ctx, nil, id, false)
}

func (r Repo) GetArcIncludingDeleted(ctx context.Context, id string) (domain.Arc, error) {
	return r.getArc(ctx, nil, id, true)
}

func (r Repo) GetArcIncludingDeletedTx(ctx context.Context, tx *sql.Tx, id string) (domain.Arc, error) {
	return r.getArc(ctx, tx, id, true)
}

func (r Repo) getArc(ctx context.Context, tx *sql.Tx, id string, includeDeleted bool) (domain.Arc, error) {
	query := `SELECT ` + arcCols + ` FROM arcs WHERE id=?`
	if !includeDeleted {
		query += ` AND is_deleted=0`
	}
	row := r.on(tx).QueryRowContext(ctx, query, id)
	a, err := scanArc(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListArcs(ctx context.Context, status string) ([]domain.Arc, error) {
	clauses := []string{"is_deleted=0"}
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+arcCols+` FROM arcs WHERE `+joinAnd(clauses)+` ORDER BY started_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Arc
	for rows.Next() {
		a, err := scanArc(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) PendingArcs(ctx context.Context) ([]domain.Arc, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+arcCols+` FROM arcs WHERE sync_state=? ORDER BY updated_at ASC`, string(domain.SyncPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Arc
	for rows.Next() {
		a, err := scanArc(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
