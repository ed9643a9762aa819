package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stackline/internal/domain"
	"stackline/internal/events"
	"stackline/internal/repo"
)

const cursorKey = "pull_cursor"

// Syncer runs the pull then push exchange against a Remote. A transport
// failure aborts the run with the local store untouched; the next run
// starts from the same cursor.
type Syncer struct {
	DB         *sql.DB
	Repo       repo.Repo
	Reconciler Reconciler
	Remote     Remote
	Now        func() time.Time
}

func NewSyncer(db *sql.DB, remote Remote) Syncer {
	return Syncer{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Reconciler: NewReconciler(db),
		Remote:     remote,
		Now:        time.Now,
	}
}

// Summary reports one sync run.
type Summary struct {
	Pulled map[Outcome]int
	Pushed int
	Acked  int
}

// Sync pulls remote changes, merges them, then pushes every pending local
// row. Rows the server acknowledges flip to synced; rows edited while the
// push was in flight stay pending for the next run.
func (s Syncer) Sync(ctx context.Context) (Summary, error) {
	var sum Summary
	if s.Remote == nil {
		return sum, errors.New("no sync remote configured")
	}
	cursor, err := s.loadCursor(ctx)
	if err != nil {
		return sum, err
	}
	changes, err := s.Remote.Pull(ctx, cursor)
	if err != nil {
		return sum, fmt.Errorf("pull: %w", err)
	}
	sum.Pulled, err = s.Reconciler.ApplyRemote(ctx, changes)
	if err != nil {
		return sum, err
	}
	if changes.Cursor != "" {
		if err := s.saveCursor(ctx, changes.Cursor); err != nil {
			return sum, err
		}
	}

	out, pushedRevs, err := s.collectPending(ctx)
	if err != nil {
		return sum, err
	}
	if out.Empty() {
		return sum, nil
	}
	sum.Pushed = len(pushedRevs)
	res, err := s.Remote.Push(ctx, out)
	if err != nil {
		return sum, fmt.Errorf("push: %w", err)
	}
	for _, ack := range res.Acked {
		ok, err := s.markSynced(ctx, ack, pushedRevs[ack.EntityKind+"/"+ack.EntityID])
		if err != nil {
			return sum, err
		}
		if ok {
			sum.Acked++
		}
	}
	return sum, nil
}

func (s Syncer) collectPending(ctx context.Context) (Changes, map[string]int64, error) {
	var out Changes
	revs := map[string]int64{}

	arcs, err := s.Repo.PendingArcs(ctx)
	if err != nil {
		return out, nil, err
	}
	for _, a := range arcs {
		revs[events.KindArc+"/"+a.ID] = a.Revision
	}
	out.Arcs = arcs

	stacks, err := s.Repo.PendingStacks(ctx)
	if err != nil {
		return out, nil, err
	}
	for _, st := range stacks {
		revs[events.KindStack+"/"+st.ID] = st.Revision
	}
	out.Stacks = stacks

	tasks, err := s.Repo.PendingTasks(ctx)
	if err != nil {
		return out, nil, err
	}
	for _, t := range tasks {
		revs[events.KindTask+"/"+t.ID] = t.Revision
	}
	out.Tasks = tasks

	reminders, err := s.Repo.PendingReminders(ctx)
	if err != nil {
		return out, nil, err
	}
	for _, rm := range reminders {
		revs[events.KindReminder+"/"+rm.ID] = rm.Revision
	}
	out.Reminders = reminders

	attachments, err := s.Repo.PendingAttachments(ctx)
	if err != nil {
		return out, nil, err
	}
	for _, at := range attachments {
		revs[events.KindAttachment+"/"+at.ID] = at.Revision
	}
	out.Attachments = attachments

	return out, revs, nil
}

// markSynced flips one acknowledged row to synced. The revision guard skips
// rows edited after the push snapshot was taken.
func (s Syncer) markSynced(ctx context.Context, ack Ack, pushedRev int64) (bool, error) {
	if pushedRev == 0 {
		return false, nil
	}
	table, err := tableForKind(ack.EntityKind)
	if err != nil {
		return false, err
	}
	now := s.Now().UTC().Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx, `UPDATE `+table+` SET sync_state=?, server_id=?, revision=?, last_synced_at=?
WHERE id=? AND sync_state=? AND revision=?`,
		string(domain.SyncSynced), ack.ServerID, ack.Revision, now,
		ack.EntityID, string(domain.SyncPending), pushedRev)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s Syncer) loadCursor(ctx context.Context) (string, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key=?`, cursorKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s Syncer) saveCursor(ctx context.Context, cursor string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO sync_meta(key,value) VALUES (?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, cursorKey, cursor)
	return err
}
