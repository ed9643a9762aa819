package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stackline/internal/domain"
	"stackline/internal/events"
	"stackline/internal/repo"
)

// Reconciler merges remote aggregate state into the local store. Last write
// wins by revision; a remote write never silently replaces a local edit that
// has not been pushed yet.
type Reconciler struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func NewReconciler(db *sql.DB) Reconciler {
	return Reconciler{DB: db, Repo: repo.Repo{DB: db}, Now: time.Now}
}

func (r Reconciler) nowString() string {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// Outcome says what a remote change did to the local row.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeOverwrote Outcome = "overwrote"
	OutcomeKeptLocal Outcome = "kept_local"
	OutcomeConflict  Outcome = "conflict"
)

// Merge is the last-write-wins decision. A remote revision at or below the
// local one never wins. A strictly newer remote wins over synced local
// state, but collides with a local edit still waiting to be pushed.
func Merge(localFound bool, localState domain.SyncState, localRev, remoteRev int64) Outcome {
	if !localFound {
		return OutcomeInserted
	}
	if remoteRev <= localRev {
		return OutcomeKeptLocal
	}
	if localState == domain.SyncSynced {
		return OutcomeOverwrote
	}
	return OutcomeConflict
}

// adoptRemote is the sync bookkeeping for a row taken from the server.
func (r Reconciler) adoptRemote(m *domain.SyncMeta) {
	m.SyncState = domain.SyncSynced
	now := r.nowString()
	m.LastSyncedAt = &now
}

func newConflictID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func (r Reconciler) openConflictTx(ctx context.Context, tx *sql.Tx, kind, entityID string, localRev, remoteRev int64, local, remote any) error {
	localJSON, err := json.Marshal(local)
	if err != nil {
		return fmt.Errorf("marshal local %s: %w", kind, err)
	}
	remoteJSON, err := json.Marshal(remote)
	if err != nil {
		return fmt.Errorf("marshal remote %s: %w", kind, err)
	}
	now := r.nowString()
	return r.Repo.UpsertOpenConflictTx(ctx, tx, domain.Conflict{
		ID:             newConflictID(),
		EntityKind:     kind,
		EntityID:       entityID,
		LocalRevision:  localRev,
		RemoteRevision: remoteRev,
		LocalJSON:      string(localJSON),
		RemoteJSON:     string(remoteJSON),
		Status:         domain.ConflictOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

// ApplyRemote merges one batch of remote changes in a single transaction.
// Parents are merged before children so foreign keys resolve.
func (r Reconciler) ApplyRemote(ctx context.Context, changes Changes) (map[Outcome]int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	counts := map[Outcome]int{}
	for _, a := range changes.Arcs {
		out, err := r.upsertArcTx(ctx, tx, a)
		if err != nil {
			return counts, err
		}
		counts[out]++
	}
	for _, s := range changes.Stacks {
		out, err := r.upsertStackTx(ctx, tx, s)
		if err != nil {
			return counts, err
		}
		counts[out]++
	}
	for _, t := range changes.Tasks {
		out, err := r.upsertTaskTx(ctx, tx, t)
		if err != nil {
			return counts, err
		}
		counts[out]++
	}
	for _, rm := range changes.Reminders {
		out, err := r.upsertReminderTx(ctx, tx, rm)
		if err != nil {
			return counts, err
		}
		counts[out]++
	}
	for _, at := range changes.Attachments {
		out, err := r.upsertAttachmentTx(ctx, tx, at)
		if err != nil {
			return counts, err
		}
		counts[out]++
	}
	if err := tx.Commit(); err != nil {
		return counts, err
	}
	return counts, nil
}

// UpsertStackFromSync merges one remote stack in its own transaction.
func (r Reconciler) UpsertStackFromSync(ctx context.Context, remote domain.Stack) (Outcome, error) {
	return r.one(ctx, func(tx *sql.Tx) (Outcome, error) {
		return r.upsertStackTx(ctx, tx, remote)
	})
}

func (r Reconciler) UpsertTaskFromSync(ctx context.Context, remote domain.Task) (Outcome, error) {
	return r.one(ctx, func(tx *sql.Tx) (Outcome, error) {
		return r.upsertTaskTx(ctx, tx, remote)
	})
}

func (r Reconciler) UpsertReminderFromSync(ctx context.Context, remote domain.Reminder) (Outcome, error) {
	return r.one(ctx, func(tx *sql.Tx) (Outcome, error) {
		return r.upsertReminderTx(ctx, tx, remote)
	})
}

func (r Reconciler) UpsertArcFromSync(ctx context.Context, remote domain.Arc) (Outcome, error) {
	return r.one(ctx, func(tx *sql.Tx) (Outcome, error) {
		return r.upsertArcTx(ctx, tx, remote)
	})
}

func (r Reconciler) UpsertAttachmentFromSync(ctx context.Context, remote domain.Attachment) (Outcome, error) {
	return r.one(ctx, func(tx *sql.Tx) (Outcome, error) {
		return r.upsertAttachmentTx(ctx, tx, remote)
	})
}

func (r Reconciler) one(ctx context.Context, fn func(tx *sql.Tx) (Outcome, error)) (Outcome, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	out, err := fn(tx)
	if err != nil {
		return out, err
	}
	if err := tx.Commit(); err != nil {
		return out, err
	}
	return out, nil
}

func (r Reconciler) upsertStackTx(ctx context.Context, tx *sql.Tx, remote domain.Stack) (Outcome, error) {
	if remote.ID == "" {
		return "", errors.New("remote stack has no id")
	}
	local, err := r.Repo.GetStackIncludingDeletedTx(ctx, tx, remote.ID)
	found := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	out := Merge(found, local.SyncState, local.Revision, remote.Revision)
	switch out {
	case OutcomeInserted, OutcomeOverwrote:
		r.adoptRemote(&remote.SyncMeta)
		if err := r.Repo.ReplaceStackTx(ctx, tx, remote); err != nil {
			return out, err
		}
		if remote.IsActive && !remote.IsDeleted {
			// The displaced stack is a local change the remote does not
			// know about yet, so it has to go back out on the next push.
			if err := r.Repo.DisplaceActiveStacksTx(ctx, tx, remote.ID, r.nowString()); err != nil {
				return out, err
			}
		}
	case OutcomeKeptLocal:
	case OutcomeConflict:
		if err := r.markConflictTx(ctx, tx, "stacks", remote.ID); err != nil {
			return out, err
		}
		if err := r.openConflictTx(ctx, tx, events.KindStack, remote.ID, local.Revision, remote.Revision, local, remote); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (r Reconciler) upsertTaskTx(ctx context.Context, tx *sql.Tx, remote domain.Task) (Outcome, error) {
	if remote.ID == "" {
		return "", errors.New("remote task has no id")
	}
	local, err := r.Repo.GetTaskIncludingDeletedTx(ctx, tx, remote.ID)
	found := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	out := Merge(found, local.SyncState, local.Revision, remote.Revision)
	switch out {
	case OutcomeInserted, OutcomeOverwrote:
		r.adoptRemote(&remote.SyncMeta)
		if err := r.Repo.ReplaceTaskTx(ctx, tx, remote); err != nil {
			return out, err
		}
	case OutcomeKeptLocal:
	case OutcomeConflict:
		if err := r.markConflictTx(ctx, tx, "tasks", remote.ID); err != nil {
			return out, err
		}
		if err := r.openConflictTx(ctx, tx, events.KindTask, remote.ID, local.Revision, remote.Revision, local, remote); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (r Reconciler) upsertReminderTx(ctx context.Context, tx *sql.Tx, remote domain.Reminder) (Outcome, error) {
	if remote.ID == "" {
		return "", errors.New("remote reminder has no id")
	}
	local, err := r.Repo.GetReminderIncludingDeletedTx(ctx, tx, remote.ID)
	found := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	out := Merge(found, local.SyncState, local.Revision, remote.Revision)
	switch out {
	case OutcomeInserted, OutcomeOverwrote:
		r.adoptRemote(&remote.SyncMeta)
		if err := r.Repo.ReplaceReminderTx(ctx, tx, remote); err != nil {
			return out, err
		}
	case OutcomeKeptLocal:
	case OutcomeConflict:
		if err := r.markConflictTx(ctx, tx, "reminders", remote.ID); err != nil {
			return out, err
		}
		if err := r.openConflictTx(ctx, tx, events.KindReminder, remote.ID, local.Revision, remote.Revision, local, remote); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (r Reconciler) upsertArcTx(ctx context.Context, tx *sql.Tx, remote domain.Arc) (Outcome, error) {
	if remote.ID == "" {
		return "", errors.New("remote arc has no id")
	}
	local, err := r.Repo.GetArcIncludingDeletedTx(ctx, tx, remote.ID)
	found := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	out := Merge(found, local.SyncState, local.Revision, remote.Revision)
	switch out {
	case OutcomeInserted, OutcomeOverwrote:
		r.adoptRemote(&remote.SyncMeta)
		if err := r.Repo.ReplaceArcTx(ctx, tx, remote); err != nil {
			return out, err
		}
	case OutcomeKeptLocal:
	case OutcomeConflict:
		if err := r.markConflictTx(ctx, tx, "arcs", remote.ID); err != nil {
			return out, err
		}
		if err := r.openConflictTx(ctx, tx, events.KindArc, remote.ID, local.Revision, remote.Revision, local, remote); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (r Reconciler) upsertAttachmentTx(ctx context.Context, tx *sql.Tx, remote domain.Attachment) (Outcome, error) {
	if remote.ID == "" {
		return "", errors.New("remote attachment has no id")
	}
	local, err := r.Repo.GetAttachmentIncludingDeletedTx(ctx, tx, remote.ID)
	found := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	out := Merge(found, local.SyncState, local.Revision, remote.Revision)
	switch out {
	case OutcomeInserted, OutcomeOverwrote:
		r.adoptRemote(&remote.SyncMeta)
		if err := r.Repo.ReplaceAttachmentTx(ctx, tx, remote); err != nil {
			return out, err
		}
	case OutcomeKeptLocal:
	case OutcomeConflict:
		if err := r.markConflictTx(ctx, tx, "attachments", remote.ID); err != nil {
			return out, err
		}
		if err := r.openConflictTx(ctx, tx, events.KindAttachment, remote.ID, local.Revision, remote.Revision, local, remote); err != nil {
			return out, err
		}
	}
	return out, nil
}

// markConflictTx flips the local row's sync_state without touching any
// other column. The local edit stays exactly as the user left it.
func (r Reconciler) markConflictTx(ctx context.Context, tx *sql.Tx, table, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE `+table+` SET sync_state=? WHERE id=?`,
		string(domain.SyncConflicted), id)
	return err
}

// Resolve settles an open conflict. Choosing local keeps the local row and
// re-queues it for push with a revision past the remote one. Choosing
// remote installs the remote version recorded at conflict time.
func (r Reconciler) Resolve(ctx context.Context, conflictID string, choice domain.ConflictStatus) error {
	if choice != domain.ConflictResolvedLocal && choice != domain.ConflictResolvedRemote {
		return fmt.Errorf("invalid resolution %q", choice)
	}
	c, err := r.Repo.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if c.Status != domain.ConflictOpen {
		return fmt.Errorf("conflict %s already resolved", conflictID)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if choice == domain.ConflictResolvedLocal {
		err = r.resolveLocalTx(ctx, tx, c)
	} else {
		err = r.resolveRemoteTx(ctx, tx, c)
	}
	if err != nil {
		return err
	}
	if err := r.Repo.ResolveConflictTx(ctx, tx, c.ID, choice, r.nowString()); err != nil {
		return err
	}
	return tx.Commit()
}

// resolveLocalTx keeps the local row: its revision jumps past the remote
// one so the next push wins, and the row goes back to pending.
func (r Reconciler) resolveLocalTx(ctx context.Context, tx *sql.Tx, c domain.Conflict) error {
	rev := c.LocalRevision
	if c.RemoteRevision > rev {
		rev = c.RemoteRevision
	}
	table, err := tableForKind(c.EntityKind)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE `+table+` SET revision=?, sync_state=? WHERE id=?`,
		rev+1, string(domain.SyncPending), c.EntityID)
	return err
}

// resolveRemoteTx installs the remote version captured when the conflict
// was recorded.
func (r Reconciler) resolveRemoteTx(ctx context.Context, tx *sql.Tx, c domain.Conflict) error {
	switch c.EntityKind {
	case events.KindStack:
		var s domain.Stack
		if err := json.Unmarshal([]byte(c.RemoteJSON), &s); err != nil {
			return fmt.Errorf("decode remote stack: %w", err)
		}
		r.adoptRemote(&s.SyncMeta)
		return r.Repo.ReplaceStackTx(ctx, tx, s)
	case events.KindTask:
		var t domain.Task
		if err := json.Unmarshal([]byte(c.RemoteJSON), &t); err != nil {
			return fmt.Errorf("decode remote task: %w", err)
		}
		r.adoptRemote(&t.SyncMeta)
		return r.Repo.ReplaceTaskTx(ctx, tx, t)
	case events.KindReminder:
		var rm domain.Reminder
		if err := json.Unmarshal([]byte(c.RemoteJSON), &rm); err != nil {
			return fmt.Errorf("decode remote reminder: %w", err)
		}
		r.adoptRemote(&rm.SyncMeta)
		return r.Repo.ReplaceReminderTx(ctx, tx, rm)
	case events.KindArc:
		var a domain.Arc
		if err := json.Unmarshal([]byte(c.RemoteJSON), &a); err != nil {
			return fmt.Errorf("decode remote arc: %w", err)
		}
		r.adoptRemote(&a.SyncMeta)
		return r.Repo.ReplaceArcTx(ctx, tx, a)
	case events.KindAttachment:
		var at domain.Attachment
		if err := json.Unmarshal([]byte(c.RemoteJSON), &at); err != nil {
			return fmt.Errorf("decode remote attachment: %w", err)
		}
		r.adoptRemote(&at.SyncMeta)
		return r.Repo.ReplaceAttachmentTx(ctx, tx, at)
	}
	return fmt.Errorf("unknown entity kind %q", c.EntityKind)
}

func tableForKind(kind string) (string, error) {
	switch kind {
	case events.KindStack:
		return "stacks", nil
	case events.KindTask:
		return "tasks", nil
	case events.KindReminder:
		return "reminders", nil
	case events.KindArc:
		return "arcs", nil
	case events.KindAttachment:
		return "attachments", nil
	}
	return "", fmt.Errorf("unknown entity kind %q", kind)
}
