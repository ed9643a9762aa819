package sync

import (
	"context"
	"database/sql"

	"stackline/internal/events"
	"stackline/internal/repo"
)

// Hub serves the backend half of a sync exchange, letting other devices
// pull from and push into this workspace's store. It satisfies Remote, so
// a hub-backed process can itself be the endpoint a Syncer talks to.
type Hub struct {
	Repo       repo.Repo
	Reconciler Reconciler
}

func NewHub(db *sql.DB) Hub {
	return Hub{Repo: repo.Repo{DB: db}, Reconciler: NewReconciler(db)}
}

// Pull returns every aggregate that changed after the cursor, tombstones
// included. The returned cursor is the highest updated_at handed out; a
// caller that stores it resumes where this batch ended.
func (h Hub) Pull(ctx context.Context, cursor string) (Changes, error) {
	out := Changes{Cursor: cursor}

	arcs, err := h.Repo.ArcsChangedSince(ctx, cursor)
	if err != nil {
		return Changes{}, err
	}
	out.Arcs = arcs
	for _, a := range arcs {
		out.advanceCursor(a.UpdatedAt)
	}

	stacks, err := h.Repo.StacksChangedSince(ctx, cursor)
	if err != nil {
		return Changes{}, err
	}
	out.Stacks = stacks
	for _, s := range stacks {
		out.advanceCursor(s.UpdatedAt)
	}

	tasks, err := h.Repo.TasksChangedSince(ctx, cursor)
	if err != nil {
		return Changes{}, err
	}
	out.Tasks = tasks
	for _, t := range tasks {
		out.advanceCursor(t.UpdatedAt)
	}

	reminders, err := h.Repo.RemindersChangedSince(ctx, cursor)
	if err != nil {
		return Changes{}, err
	}
	out.Reminders = reminders
	for _, rm := range reminders {
		out.advanceCursor(rm.UpdatedAt)
	}

	attachments, err := h.Repo.AttachmentsChangedSince(ctx, cursor)
	if err != nil {
		return Changes{}, err
	}
	out.Attachments = attachments
	for _, at := range attachments {
		out.advanceCursor(at.UpdatedAt)
	}

	return out, nil
}

func (c *Changes) advanceCursor(updatedAt string) {
	if updatedAt > c.Cursor {
		c.Cursor = updatedAt
	}
}

// Push merges the device's changes into the store under the usual
// last-write-wins rule, then acknowledges each entity with the revision the
// store now holds. A row the store kept or flagged as conflicted is acked
// at the stored revision, so the pusher adopts the store's idea of where
// that entity stands.
func (h Hub) Push(ctx context.Context, changes Changes) (PushResult, error) {
	if _, err := h.Reconciler.ApplyRemote(ctx, changes); err != nil {
		return PushResult{}, err
	}
	var res PushResult
	for _, a := range changes.Arcs {
		stored, err := h.Repo.GetArcIncludingDeleted(ctx, a.ID)
		if err != nil {
			return res, err
		}
		res.Acked = append(res.Acked, Ack{EntityKind: events.KindArc, EntityID: a.ID, ServerID: a.ID, Revision: stored.Revision})
	}
	for _, s := range changes.Stacks {
		stored, err := h.Repo.GetStackIncludingDeleted(ctx, s.ID)
		if err != nil {
			return res, err
		}
		res.Acked = append(res.Acked, Ack{EntityKind: events.KindStack, EntityID: s.ID, ServerID: s.ID, Revision: stored.Revision})
	}
	for _, t := range changes.Tasks {
		stored, err := h.Repo.GetTaskIncludingDeleted(ctx, t.ID)
		if err != nil {
			return res, err
		}
		res.Acked = append(res.Acked, Ack{EntityKind: events.KindTask, EntityID: t.ID, ServerID: t.ID, Revision: stored.Revision})
	}
	for _, rm := range changes.Reminders {
		stored, err := h.Repo.GetReminderIncludingDeleted(ctx, rm.ID)
		if err != nil {
			return res, err
		}
		res.Acked = append(res.Acked, Ack{EntityKind: events.KindReminder, EntityID: rm.ID, ServerID: rm.ID, Revision: stored.Revision})
	}
	for _, at := range changes.Attachments {
		stored, err := h.Repo.GetAttachmentIncludingDeleted(ctx, at.ID)
		if err != nil {
			return res, err
		}
		res.Acked = append(res.Acked, Ack{EntityKind: events.KindAttachment, EntityID: at.ID, ServerID: at.ID, Revision: stored.Revision})
	}
	return res, nil
}
