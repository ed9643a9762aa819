package repo

import (
	"context"
	"database/sql"

	"stackline/internal/domain"
)

const taskCols = `id,stack_id,title,notes,status,position,due_at,created_at,updated_at,completed_at,` + syncCols

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var stackID, notes, dueAt, completedAt sql.NullString
	var sm syncScan
	dests := []any{&t.ID, &stackID, &t.Title, &notes, &t.Status, &t.Position, &dueAt, &t.CreatedAt, &t.UpdatedAt, &completedAt}
	dests = append(dests, sm.dests()...)
	if err := scan(dests...); err != nil {
		return t, err
	}
	if stackID.Valid {
		t.StackID = &stackID.String
	}
	if notes.Valid {
		t.Notes = notes.String
	}
	if dueAt.Valid {
		t.DueAt = &dueAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	t.SyncMeta = sm.meta()
	return t, nil
}

func taskArgs(t domain.Task) []any {
	args := []any{
		t.ID, nullableStringPtr(t.StackID), t.Title, nullable(t.Notes), t.Status, t.Position,
		nullableStringPtr(t.DueAt), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt),
	}
	return append(args, syncArgs(t.SyncMeta)...)
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		taskArgs(t)...)
	return err
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET stack_id=?,title=?,notes=?,status=?,position=?,due_at=?,created_at=?,updated_at=?,completed_at=?,
server_id=?,sync_state=?,revision=?,last_synced_at=?,is_deleted=?,user_id=?,device_id=? WHERE id=?`,
		append(taskArgs(t)[1:], t.ID)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ReplaceTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET stack_id=excluded.stack_id, title=excluded.title, notes=excluded.notes,
status=excluded.status, position=excluded.position, due_at=excluded.due_at, created_at=excluded.created_at,
updated_at=excluded.updated_at, completed_at=excluded.completed_at, server_id=excluded.server_id,
sync_state=excluded.sync_state, revision=excluded.revision, last_synced_at=excluded.last_synced_at,
is_deleted=excluded.is_deleted, user_id=excluded.user_id, device_id=excluded.device_id`,
		taskArgs(t)...)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, nil, id, false)
}

func (r Repo) GetTaskIncludingDeleted(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, nil, id, true)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return r.getTask(ctx, tx, id, false)
}

func (r Repo) GetTaskIncludingDeletedTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return r.getTask(ctx, tx, id, true)
}

func (r Repo) getTask(ctx context.Context, tx *sql.Tx, id string, includeDeleted bool) (domain.Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks WHERE id=?`
	if !includeDeleted {
		query += ` AND is_deleted=0`
	}
	row := r.on(tx).QueryRowContext(ctx, query, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

type TaskFilters struct {
	StackID string
	Status  string
	Limit   int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"is_deleted=0"}
	var args []any
	if f.StackID != "" {
		clauses = append(clauses, "stack_id=?")
		args = append(args, f.StackID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + taskCols + ` FROM tasks WHERE ` + joinAnd(clauses) + ` ORDER BY position ASC, created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TaskIDsForStack returns ids of every task belonging to the stack,
// tombstoned included, so history composition can see dead children.
func (r Repo) TaskIDsForStack(ctx context.Context, stackID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE stack_id=?`, stackID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) PendingTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE sync_state=? ORDER BY updated_at ASC`, string(domain.SyncPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
