package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"stackline/internal/domain"
)

// Repo is the entity store: the mutable current-state tables for each
// aggregate. All writes go through feature services or the sync reconciler;
// read-only consumers (UI, widgets, intents) never mutate rows directly.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) on(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const syncCols = `server_id,sync_state,revision,last_synced_at,is_deleted,user_id,device_id`

func syncArgs(m domain.SyncMeta) []any {
	return []any{
		nullableStringPtr(m.ServerID), string(m.SyncState), m.Revision,
		nullableStringPtr(m.LastSyncedAt), boolToInt(m.IsDeleted),
		nullable(m.UserID), nullable(m.DeviceID),
	}
}

type syncScan struct {
	serverID     sql.NullString
	syncState    string
	revision     int64
	lastSyncedAt sql.NullString
	isDeleted    int
	userID       sql.NullString
	deviceID     sql.NullString
}

func (s *syncScan) dests() []any {
	return []any{&s.serverID, &s.syncState, &s.revision, &s.lastSyncedAt, &s.isDeleted, &s.userID, &s.deviceID}
}

func (s *syncScan) meta() domain.SyncMeta {
	m := domain.SyncMeta{
		SyncState: domain.SyncState(s.syncState),
		Revision:  s.revision,
		IsDeleted: s.isDeleted != 0,
	}
	if s.serverID.Valid {
		m.ServerID = &s.serverID.String
	}
	if s.lastSyncedAt.Valid {
		m.LastSyncedAt = &s.lastSyncedAt.String
	}
	if s.userID.Valid {
		m.UserID = s.userID.String
	}
	if s.deviceID.Valid {
		m.DeviceID = s.deviceID.String
	}
	return m
}

const stackCols = `id,arc_id,title,description,status,is_active,created_at,updated_at,completed_at,` + syncCols

func scanStack(scan func(dest ...any) error) (domain.Stack, error) {
	var s domain.Stack
	var arcID, description, completedAt sql.NullString
	var isActive int
	var sm syncScan
	dests := []any{&s.ID, &arcID, &s.Title, &description, &s.Status, &isActive, &s.CreatedAt, &s.UpdatedAt, &completedAt}
	dests = append(dests, sm.dests()...)
	if err := scan(dests...); err != nil {
		return s, err
	}
	if arcID.Valid {
		s.ArcID = &arcID.String
	}
	if description.Valid {
		s.Description = description.String
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	s.IsActive = isActive != 0
	s.SyncMeta = sm.meta()
	return s, nil
}

func stackArgs(s domain.Stack) []any {
	args := []any{
		s.ID, nullableStringPtr(s.ArcID), s.Title, nullable(s.Description), s.Status,
		boolToInt(s.IsActive), s.CreatedAt, s.UpdatedAt, nullableStringPtr(s.CompletedAt),
	}
	return append(args, syncArgs(s.SyncMeta)...)
}

func (r Repo) InsertStackTx(ctx context.Context, tx *sql.Tx, s domain.Stack) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stacks(`+stackCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		stackArgs(s)...)
	return err
}

func (r Repo) UpdateStackTx(ctx context.Context, tx *sql.Tx, s domain.Stack) error {
	res, err := tx.ExecContext(ctx, `UPDATE stacks SET arc_id=?,title=?,description=?,status=?,is_active=?,created_at=?,updated_at=?,completed_at=?,
server_id=?,sync_state=?,revision=?,last_synced_at=?,is_deleted=?,user_id=?,device_id=? WHERE id=?`,
		append(stackArgs(s)[1:], s.ID)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceStackTx creates the row or overwrites every field. Used by the
// projector and the sync reconciler, which both carry authoritative state.
func (r Repo) ReplaceStackTx(ctx context.Context, tx *sql.Tx, s domain.Stack) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stacks(`+stackCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET arc_id=excluded.arc_id, title=excluded.title, description=excluded.description,
status=excluded.status, is_active=excluded.is_active, created_at=excluded.created_at, updated_at=excluded.updated_at,
completed_at=excluded.completed_at, server_id=excluded.server_id, sync_state=excluded.sync_state,
revision=excluded.revision, last_synced_at=excluded.last_synced_at, is_deleted=excluded.is_deleted,
user_id=excluded.user_id, device_id=excluded.device_id`,
		stackArgs(s)...)
	return err
}

// GetStack returns a live (non-tombstoned) stack.
func (r Repo) GetStack(ctx context.Context, id string) (domain.Stack, error) {
	return r.getStack(ctx, nil, id, false)
}

// GetStackIncludingDeleted also finds tombstoned rows; sync reconciliation
// and conflict surfaces act on dead-but-present entities.
func (r Repo) GetStackIncludingDeleted(ctx context.Context, id string) (domain.Stack, error) {
	return r.getStack(ctx, nil, id, true)
}

func (r Repo) GetStackTx(ctx context.Context, tx *sql.Tx, id string) (domain.Stack, error) {
	return r.getStack(ctx, tx, id, false)
}

func (r Repo) GetStackIncludingDeletedTx(ctx context.Context, tx *sql.Tx, id string) (domain.Stack, error) {
	return r.getStack(ctx, tx, id, true)
}

func (r Repo) getStack(ctx context.Context, tx *sql.Tx, id string, includeDeleted bool) (domain.Stack, error) {
	query := `SELECT ` + stackCols + ` FROM stacks WHERE id=?`
	if !includeDeleted {
		query += ` AND is_deleted=0`
	}
	row := r.on(tx).QueryRowContext(ctx, query, id)
	s, err := scanStack(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

type StackFilters struct {
	Status     string
	ArcID      string
	ActiveOnly bool
	Limit      int
}

func (r Repo) ListStacks(ctx context.Context, f StackFilters) ([]domain.Stack, error) {
	clauses := []string{"is_deleted=0"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ArcID != "" {
		clauses = append(clauses, "arc_id=?")
		args = append(args, f.ArcID)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "is_active=1")
	}
	query := `SELECT ` + stackCols + ` FROM stacks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stack
	for rows.Next() {
		s, err := scanStack(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ActiveStacksTx returns every stack carrying is_active, tombstoned or not.
// The single-active invariant is asserted over this set.
func (r Repo) ActiveStacksTx(ctx context.Context, tx *sql.Tx) ([]domain.Stack, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+stackCols+` FROM stacks WHERE is_active=1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stack
	for rows.Next() {
		s, err := scanStack(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// DeactivateOtherStacksTx clears is_active on every stack except keep.
// Does not touch status, revision or sync_state: replay-derived state must
// stay a pure function of the event sequence.
func (r Repo) DeactivateOtherStacksTx(ctx context.Context, tx *sql.Tx, keep string) error {
	_, err := tx.ExecContext(ctx, `UPDATE stacks SET is_active=0 WHERE is_active=1 AND id<>?`, keep)
	return err
}

// DisplaceActiveStacksTx clears is_active on every stack except keep and
// bumps their revisions, re-queueing them for push. Used when a remote
// change names a different active stack than the local store does.
func (r Repo) DisplaceActiveStacksTx(ctx context.Context, tx *sql.Tx, keep, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE stacks SET is_active=0, revision=revision+1, sync_state=?, updated_at=?
WHERE is_active=1 AND id<>?`, string(domain.SyncPending), now, keep)
	return err
}

// DetachStacksFromArcTx clears arc_id on every live stack of the arc,
// bumping revisions so the detachment syncs. Shared by the live delete path
// and by replay of the arc tombstone, so both end in the same rows.
func (r Repo) DetachStacksFromArcTx(ctx context.Context, tx *sql.Tx, arcID, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE stacks SET arc_id=NULL, revision=revision+1, sync_state=?, updated_at=?
WHERE arc_id=? AND is_deleted=0`, string(domain.SyncPending), now, arcID)
	return err
}

func (r Repo) CountStacksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM stacks WHERE is_deleted=0 GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// PendingStacks returns stacks awaiting a push to the remote.
func (r Repo) PendingStacks(ctx context.Context) ([]domain.Stack, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stackCols+` FROM stacks WHERE sync_state=? ORDER BY updated_at ASC`, string(domain.SyncPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stack
	for rows.Next() {
		s, err := scanStack(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func joinAnd(clauses []string) string {
	return strings.Join(clauses, " AND ")
}

func listIDsQuery(table string, ids []string) (string, []any) {
	ph := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		ph[i] = "?"
		args[i] = id
	}
	return fmt.Sprintf(`%s IN (%s)`, table, strings.Join(ph, ",")), args
}
