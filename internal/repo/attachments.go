package repo

import (
	"context"
	"database/sql"

	"stackline/internal/domain"
)

const attachmentCols = `id,parent_kind,parent_id,kind,name,url,created_at,updated_at,` + syncCols

func scanAttachment(scan func(dest ...any) error) (domain.Attachment, error) {
	var at domain.Attachment
	var parentKind string
	var url sql.NullString
	var sm syncScan
	dests := []any{&at.ID, &parentKind, &at.ParentID, &at.Kind, &at.Name, &url, &at.CreatedAt, &at.UpdatedAt}
	dests = append(dests, sm.dests()...)
	if err := scan(dests...); err != nil {
		return at, err
	}
	at.ParentKind = domain.ParentKind(parentKind)
	if url.Valid {
		at.URL = url.String
	}
	at.SyncMeta = sm.meta()
	return at, nil
}

func attachmentArgs(at domain.Attachment) []any {
	args := []any{
		at.ID, string(at.ParentKind), at.ParentID, at.Kind, at.Name, nullable(at.URL),
		at.CreatedAt, at.UpdatedAt,
	}
	return append(args, syncArgs(at.SyncMeta)...)
}

func (r Repo) InsertAttachmentTx(ctx context.Context, tx *sql.Tx, at domain.Attachment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attachments(`+attachmentCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		attachmentArgs(at)...)
	return err
}

func (r Repo) UpdateAttachmentTx(ctx context.Context, tx *sql.Tx, at domain.Attachment) error {
	res, err := tx.ExecContext(ctx, `UPDATE attachments SET parent_kind=?,parent_id=?,kind=?,name=?,url=?,created_at=?,updated_at=?,
server_id=?,sync_state=?,revision=?,last_synced_at=?,is_deleted=?,user_id=?,device_id=? WHERE id=?`,
		append(attachmentArgs(at)[1:], at.ID)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ReplaceAttachmentTx(ctx context.Context, tx *sql.Tx, at domain.Attachment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attachments(`+attachmentCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET parent_kind=excluded.parent_kind, parent_id=excluded.parent_id, kind=excluded.kind,
name=excluded.name, url=excluded.url, created_at=excluded.created_at, updated_at=excluded.updated_at,
server_id=excluded.server_id, sync_state=excluded.sync_state, revision=excluded.revision,
last_synced_at=excluded.last_synced_at, is_deleted=excluded.is_deleted, user_id=excluded.user_id,
device_id=excluded.device_id`,
		attachmentArgs(at)...)
	return err
}

func (r Repo) GetAttachment(ctx context.Context, id string) (domain.Attachment, error) {
	return r.getAttachment(ctx, nil, id, false)
}

func (r Repo) GetAttachmentIncludingDeleted(ctx context.Context, id string) (domain.Attachment, error) {
	return r.getAttachment(ctx, nil, id, true)
}

func (r Repo) GetAttachmentIncludingDeletedTx(ctx context.Context, tx *sql.Tx, id string) (domain.Attachment, error) {
	return r.getAttachment(ctx, tx, id, true)
}

func (r Repo) getAttachment(ctx context.Context, tx *sql.Tx, id string, includeDeleted bool) (domain.Attachment, error) {
	query := `SELECT ` + attachmentCols + ` FROM attachments WHERE id=?`
	if !includeDeleted {
		query += ` AND is_deleted=0`
	}
	row := r.on(tx).QueryRowContext(ctx, query, id)
	at, err := scanAttachment(row.Scan)
	if err == sql.ErrNoRows {
		return at, ErrNotFound
	}
	return at, err
}

func (r Repo) ListAttachments(ctx context.Context, parentKind domain.ParentKind, parentID string) ([]domain.Attachment, error) {
	clauses := []string{"is_deleted=0"}
	var args []any
	if parentKind != "" {
		clauses = append(clauses, "parent_kind=?")
		args = append(args, string(parentKind))
	}
	if parentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, parentID)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+attachmentCols+` FROM attachments WHERE `+joinAnd(clauses)+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attachment
	for rows.Next() {
		at, err := scanAttachment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, at)
	}
	return res, rows.Err()
}

// AttachmentIDsForParents returns attachment ids hanging off any of the
// given parents, tombstoned included.
func (r Repo) AttachmentIDsForParents(ctx context.Context, parents map[domain.ParentKind][]string) ([]string, error) {
	var ids []string
	for kind, parentIDs := range parents {
		if len(parentIDs) == 0 {
			continue
		}
		clause, args := listIDsQuery("parent_id", parentIDs)
		args = append([]any{string(kind)}, args...)
		rows, err := r.DB.QueryContext(ctx, `SELECT id FROM attachments WHERE parent_kind=? AND `+clause, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return ids, nil
}

func (r Repo) PendingAttachments(ctx context.Context) ([]domain.Attachment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+attachmentCols+` FROM attachments WHERE sync_state=? ORDER BY updated_at ASC`, string(domain.SyncPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attachment
	for rows.Next() {
		at, err := scanAttachment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, at)
	}
	return res, rows.Err()
}
