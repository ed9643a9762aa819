package repo

import (
	"context"
	"database/sql"

	"stackline/internal/domain"
)

const reminderCols = `id,task_id,remind_at,status,snoozed_until,created_at,updated_at,` + syncCols

func scanReminder(scan func(dest ...any) error) (domain.Reminder, error) {
	var rm domain.Reminder
	var snoozedUntil sql.NullString
	var sm syncScan
	dests := []any{&rm.ID, &rm.TaskID, &rm.RemindAt, &rm.Status, &snoozedUntil, &rm.CreatedAt, &rm.UpdatedAt}
	dests = append(dests, sm.dests()...)
	if err := scan(dests...); err != nil {
		return rm, err
	}
	if snoozedUntil.Valid {
		rm.SnoozedUntil = &snoozedUntil.String
	}
	rm.SyncMeta = sm.meta()
	return rm, nil
}

func reminderArgs(rm domain.Reminder) []any {
	args := []any{
		rm.ID, rm.TaskID, rm.RemindAt, rm.Status, nullableStringPtr(rm.SnoozedUntil),
		rm.CreatedAt, rm.UpdatedAt,
	}
	return append(args, syncArgs(rm.SyncMeta)...)
}

func (r Repo) InsertReminderTx(ctx context.Context, tx *sql.Tx, rm domain.Reminder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reminders(`+reminderCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		reminderArgs(rm)...)
	return err
}

func (r Repo) UpdateReminderTx(ctx context.Context, tx *sql.Tx, rm domain.Reminder) error {
	res, err := tx.ExecContext(ctx, `UPDATE reminders SET task_id=?,remind_at=?,status=?,snoozed_until=?,created_at=?,updated_at=?,
server_id=?,sync_state=?,revision=?,last_synced_at=?,is_deleted=?,user_id=?,device_id=? WHERE id=?`,
		append(reminderArgs(rm)[1:], rm.ID)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ReplaceReminderTx(ctx context.Context, tx *sql.Tx, rm domain.Reminder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reminders(`+reminderCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET task_id=excluded.task_id, remind_at=excluded.remind_at, status=excluded.status,
snoozed_until=excluded.snoozed_until, created_at=excluded.created_at, updated_at=excluded.updated_at,
server_id=excluded.server_id, sync_state=excluded.sync_state, revision=excluded.revision,
last_synced_at=excluded.last_synced_at, is_deleted=excluded.is_deleted, user_id=excluded.user_id,
device_id=excluded.device_id`,
		reminderArgs(rm)...)
	return err
}

func (r Repo) GetReminder(ctx context.Context, id string) (domain.Reminder, error) {
	return r.getReminder(ctx, nil, id, false)
}

func (r Repo) GetReminderIncludingDeleted(ctx context.Context, id string) (domain.Reminder, error) {
	return r.getReminder(ctx, nil, id, true)
}

func (r Repo) GetReminderTx(ctx context.Context, tx *sql.Tx, id string) (domain.Reminder, error) {
	return r.getReminder(ctx, tx, id, false)
}

func (r Repo) GetReminderIncludingDeletedTx(ctx context.Context, tx *sql.Tx, id string) (domain.Reminder, error) {
	return r.getReminder(ctx, tx, id, true)
}

func (r Repo) getReminder(ctx context.Context, tx *sql.Tx, id string, includeDeleted bool) (domain.Reminder, error) {
	query := `SELECT ` + reminderCols + ` FROM reminders WHERE id=?`
	if !includeDeleted {
		query += ` AND is_deleted=0`
	}
	row := r.on(tx).QueryRowContext(ctx, query, id)
	rm, err := scanReminder(row.Scan)
	if err == sql.ErrNoRows {
		return rm, ErrNotFound
	}
	return rm, err
}

func (r Repo) ListReminders(ctx context.Context, taskID string) ([]domain.Reminder, error) {
	clauses := []string{"is_deleted=0"}
	var args []any
	if taskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, taskID)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE `+joinAnd(clauses)+` ORDER BY remind_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reminder
	for rows.Next() {
		rm, err := scanReminder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rm)
	}
	return res, rows.Err()
}

func (r Repo) PendingReminders(ctx context.Context) ([]domain.Reminder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE sync_state=? ORDER BY updated_at ASC`, string(domain.SyncPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reminder
	for rows.Next() {
		rm, err := scanReminder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rm)
	}
	return res, rows.Err()
}
