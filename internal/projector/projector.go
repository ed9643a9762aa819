package projector

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"stackline/internal/domain"
	"stackline/internal/events"
	"stackline/internal/repo"
)

// Projector rebuilds mutable aggregate state from the event log. Replaying
// the same log always produces the same rows: handlers take every value they
// write from the event itself, never from the clock.
type Projector struct {
	DB   *sql.DB
	Repo repo.Repo
}

func New(db *sql.DB) Projector {
	return Projector{DB: db, Repo: repo.Repo{DB: db}}
}

// EventError records one event the projector could not apply.
type EventError struct {
	EventID string
	Type    string
	Err     error
}

func (e EventError) Error() string {
	return fmt.Sprintf("event %s (%s): %v", e.EventID, e.Type, e.Err)
}

// Report summarizes one replay pass. A failed event never aborts the pass;
// it lands in Errors and the pass keeps going.
type Report struct {
	Applied int
	Skipped int
	Errors  []EventError
}

func (r *Report) fail(evt domain.Event, err error) {
	r.Skipped++
	r.Errors = append(r.Errors, EventError{EventID: evt.ID, Type: evt.Type, Err: err})
}

// Replay wipes the log-derived aggregate rows and rebuilds them from the
// full log. Rows the log never mentions came in over sync and have no
// events to rebuild them from, so the wipe leaves them alone. The wipe and
// the rebuild share one transaction, so readers never observe a half-built
// store.
func (p Projector) Replay(ctx context.Context) (Report, error) {
	evts, err := p.Repo.AllEventsAscending(ctx)
	if err != nil {
		return Report{}, err
	}
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return Report{}, err
	}
	defer tx.Rollback()

	wipe := []struct{ table, kind string }{
		{"attachments", events.KindAttachment},
		{"reminders", events.KindReminder},
		{"tasks", events.KindTask},
		{"stacks", events.KindStack},
		{"arcs", events.KindArc},
	}
	for _, w := range wipe {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM "+w.table+" WHERE id IN (SELECT entity_id FROM events WHERE entity_kind=?)", w.kind); err != nil {
			return Report{}, fmt.Errorf("clear %s: %w", w.table, err)
		}
	}
	report, err := p.applyTx(ctx, tx, evts, true)
	if err != nil {
		return report, err
	}
	if err := tx.Commit(); err != nil {
		return report, err
	}
	return report, nil
}

// Apply runs a batch of events against the current store inside one
// transaction. Events are sorted by (ts, id) before application.
func (p Projector) Apply(ctx context.Context, evts []domain.Event) (Report, error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return Report{}, err
	}
	defer tx.Rollback()
	report, err := p.applyTx(ctx, tx, evts, false)
	if err != nil {
		return report, err
	}
	if err := tx.Commit(); err != nil {
		return report, err
	}
	return report, nil
}

// applyTx runs the sorted batch against the store. During a full rebuild a
// creating event that fails to decode leaves the entity with no row, so
// rehydrating marks it dead and later events for it are skipped. In an
// incremental batch the row may already exist, so every event gets its
// chance.
func (p Projector) applyTx(ctx context.Context, tx *sql.Tx, evts []domain.Event, rehydrating bool) (Report, error) {
	sort.Slice(evts, func(i, j int) bool {
		if evts[i].TS != evts[j].TS {
			return evts[i].TS < evts[j].TS
		}
		return evts[i].ID < evts[j].ID
	})

	var report Report
	dead := map[string]bool{}
	var claims []ActiveClaim

	for _, evt := range evts {
		if dead[evt.EntityKind+"/"+evt.EntityID] {
			report.Skipped++
			continue
		}
		payload, err := events.Decode(evt)
		if err != nil {
			report.fail(evt, err)
			if rehydrating && isCreation(evt.Type) {
				dead[evt.EntityKind+"/"+evt.EntityID] = true
			}
			continue
		}
		var claim *ActiveClaim
		switch evt.EntityKind {
		case events.KindStack:
			claim, err = p.applyStack(ctx, tx, evt, payload)
		case events.KindTask:
			err = p.applyTask(ctx, tx, evt, payload)
		case events.KindReminder:
			err = p.applyReminder(ctx, tx, evt, payload)
		case events.KindArc:
			err = p.applyArc(ctx, tx, evt, payload)
		case events.KindAttachment:
			err = p.applyAttachment(ctx, tx, evt, payload)
		default:
			err = fmt.Errorf("unknown entity kind %q", evt.EntityKind)
		}
		if err != nil {
			report.fail(evt, err)
			continue
		}
		if claim != nil {
			claims = append(claims, *claim)
		}
		report.Applied++
	}

	if err := p.reconcileActiveTx(ctx, tx, claims); err != nil {
		return report, err
	}
	return report, nil
}

func isCreation(evtType string) bool {
	switch evtType {
	case events.StackCreated, events.TaskCreated, events.ReminderCreated,
		events.ArcCreated, events.AttachmentAdded:
		return true
	}
	return false
}

// replayMeta is the sync bookkeeping every replayed row gets: the store was
// rebuilt locally, so nothing is known to match the remote copy.
func replayMeta(revision int64) domain.SyncMeta {
	if revision < 1 {
		revision = 1
	}
	return domain.SyncMeta{SyncState: domain.SyncPending, Revision: revision}
}

func (p Projector) applyStack(ctx context.Context, tx *sql.Tx, evt domain.Event, payload any) (*ActiveClaim, error) {
	switch v := payload.(type) {
	case events.StackSnapshot:
		s := domain.Stack{
			ID:          evt.EntityID,
			ArcID:       v.ArcID,
			Title:       v.Title,
			Description: v.Description,
			Status:      v.Status,
			IsActive:    v.IsActive,
			CreatedAt:   v.CreatedAt,
			UpdatedAt:   v.UpdatedAt,
			CompletedAt: v.CompletedAt,
			SyncMeta:    replayMeta(v.Revision),
		}
		if err := p.Repo.ReplaceStackTx(ctx, tx, s); err != nil {
			return nil, err
		}
		if s.IsActive {
			return &ActiveClaim{StackID: s.ID, TS: evt.TS, EventID: evt.ID}, nil
		}
		return nil, nil
	case events.StackActiveChange:
		s, err := p.Repo.GetStackIncludingDeletedTx(ctx, tx, evt.EntityID)
		if err != nil {
			return nil, err
		}
		s.IsActive = evt.Type == events.StackActivated
		s.UpdatedAt = evt.TS
		bump(&s.SyncMeta)
		if err := p.Repo.ReplaceStackTx(ctx, tx, s); err != nil {
			return nil, err
		}
		if s.IsActive {
			return &ActiveClaim{StackID: s.ID, TS: evt.TS, EventID: evt.ID}, nil
		}
		return nil, nil
	case events.StackCompletion:
		s, err := p.Repo.GetStackIncludingDeletedTx(ctx, tx, evt.EntityID)
		if err != nil {
			return nil, err
		}
		s.Status = "completed"
		s.CompletedAt = &v.CompletedAt
		s.UpdatedAt = evt.TS
		bump(&s.SyncMeta)
		return nil, p.Repo.ReplaceStackTx(ctx, tx, s)
	case events.Tombstone:
		s, err := p.Repo.GetStackIncludingDeletedTx(ctx, tx, evt.EntityID)
		if err != nil {
			return nil, err
		}
		s.IsDeleted = true
		s.IsActive = false
		s.UpdatedAt = evt.TS
		bump(&s.SyncMeta)
		return nil, p.Repo.ReplaceStackTx(ctx, tx, s)
	}
	return nil, fmt.Errorf("unexpected payload %T", payload)
}

func (p Projector) applyTask(ctx context.Context, tx *sql.Tx, evt domain.Event, payload any) error {
	switch v := payload.(type) {
	case events.TaskSnapshot:
		t := domain.Task{
			ID:          evt.EntityID,
			StackID:     v.StackID,
			Title:       v.Title,
			Notes:       v.Notes,
			Status:      v.Status,
			Position:    v.Position,
			DueAt:       v.DueAt,
			CreatedAt:   v.CreatedAt,
			UpdatedAt:   v.UpdatedAt,
			CompletedAt: v.CompletedAt,
			SyncMeta:    replayMeta(v.Revision),
		}
		return p.Repo.ReplaceTaskTx(ctx, tx, t)
	case events.TaskCompletion:
		t, err := p.Repo.GetTaskIncludingDeletedTx(ctx, tx, evt.EntityID)
		if err != nil {
			return err
		}
		t.Status = "completed"
		t.CompletedAt = &v.CompletedAt
		t.UpdatedAt = evt.TS
		bump(&t.SyncMeta)
		return p.Repo.ReplaceTaskTx(ctx, tx, t)
	case events.TaskReopen:
		t, err := p.Repo.GetTaskIncludingDeletedTx(ctx, tx, evt.EntityID)
		if err != nil {
			return err
		}
		t.Status = "pending"
		t.CompletedAt = nil
		t.UpdatedAt = evt.TS
		bump(&t.SyncMeta)
		return p.Repo.ReplaceTaskTx(ctx, tx, t)
	case events.TaskBlock:
		t, err := p.Repo.GetTaskIncludingDeletedTx(ctx, tx, evt.EntityID)
		if err != nil {
			return err
		}
		t.Status = "blocked"
		t.UpdatedAt = evt.TS
		bump(&t.SyncMeta)
		return p.Repo.ReplaceTaskTx(ctx, tx, t)
	case events.Tombstone:
		t, err := p.Repo.GetTaskIncludingDeletedTx(ctx, tx, evt.EntityID)
		if err != nil {
			return err
		}
		t.IsDeleted = true
		t.UpdatedAt = evt.TS
		bump(&t.SyncMeta)
		return p.Repo.ReplaceTaskTx(ctx, tx, t)
	}
	return fmt.Errorf("unexpected payload %T", payload)
}

func (p Projector) applyReminder(ctx context.Context, tx *sql.Tx, evt domain.Event, payload any) error {
	switch v := payload.(type) {
	case events.ReminderSnapshot:
		rm := domain.Reminder{
			ID:           evt.EntityID,
			TaskID:       v.TaskID,
			RemindAt:     v.RemindAt,
			Status:       v.Status,
			SnoozedUntil: v.SnoozedUntil,
			CreatedAt:    v.CreatedAt,
			UpdatedAt:    v.UpdatedAt,
			SyncMeta:     replayMeta(v.Revision),
		}
		return p.Repo.ReplaceReminderTx(ctx, tx, rm)
	case events.ReminderSnooze:
		rm, err := p.Repo.GetReminderIncludingDeletedTx(ctx, tx, evt.EntityID)
		if err != nil {
			return err
		}
		rm.Status = "snoozed"
		rm.SnoozedUntil = &v.SnoozedUntil
		rm.UpdatedAt = evt.TS
		bump(&rm.SyncMeta)
		return p.Repo.ReplaceReminderTx(ctx, tx, rm)
	case events.ReminderDismissal:
		rm, err := p.Repo.GetReminderIncludingDeletedTx(ctx, tx, evt.EntityID)
		if err != nil {
			return err
		}
		rm.Status = "dismissed"
		rm.SnoozedUntil = nil
		rm.UpdatedAt = evt.TS
		bump(&rm.SyncMeta)
		return p.Repo.ReplaceReminderTx(ctx, tx, rm)
	case events.Tombstone:
		rm, err := p.Repo.GetReminderIncludingDeletedTx(ctx, tx, evt.EntityID)
		if err != nil {
			return err
		}
		rm.IsDeleted = true
		rm.UpdatedAt = evt.TS
		bump(&rm.SyncMeta)
		return p.Repo.ReplaceReminderTx(ctx, tx, rm)
	}
	return fmt.Errorf("unexpected payload %T", payload)
}

func (p Projector) applyArc(ctx context.Context, tx *sql.Tx, evt domain.Event, payload any) error {
	switch v := payload.(type) {
	case events.ArcSnapshot:
		a := domain.Arc{
			ID:        evt.EntityID,
			Title:     v.Title,
			Goal:      v.Goal,
			Status:    v.Status,
			StartedAt: v.StartedAt,
			EndedAt:   v.EndedAt,
			CreatedAt: v.CreatedAt,
			UpdatedAt: v.UpdatedAt,
			SyncMeta:  replayMeta(v.Revision),
		}
		return p.Repo.ReplaceArcTx(ctx, tx, a)
	case events.ArcCompletion:
		a, err := p.Repo.GetArcIncludingDeletedTx(ctx, tx, evt.EntityID)
		if err != nil {
			return err
		}
		a.Status = "completed"
		a.EndedAt = &v.EndedAt
		a.UpdatedAt = evt.TS
		bump(&a.SyncMeta)
		return p.Repo.ReplaceArcTx(ctx, tx, a)
	case events.Tombstone:
		a, err := p.Repo.GetArcIncludingDeletedTx(ctx, tx, evt.EntityID)
		if err != nil {
			return err
		}
		a.IsDeleted = true
		a.UpdatedAt = evt.TS
		bump(&a.SyncMeta)
		if err := p.Repo.ReplaceArcTx(ctx, tx, a); err != nil {
			return err
		}
		// The live delete detaches member stacks in the same transaction;
		// replay of the tombstone has to do the same or arc_id resurrects.
		return p.Repo.DetachStacksFromArcTx(ctx, tx, a.ID, evt.TS)
	}
	return fmt.Errorf("unexpected payload %T", payload)
}

func (p Projector) applyAttachment(ctx context.Context, tx *sql.Tx, evt domain.Event, payload any) error {
	switch v := payload.(type) {
	case events.AttachmentSnapshot:
		at := domain.Attachment{
			ID:         evt.EntityID,
			ParentKind: v.ParentKind,
			ParentID:   v.ParentID,
			Kind:       v.Kind,
			Name:       v.Name,
			URL:        v.URL,
			CreatedAt:  v.CreatedAt,
			UpdatedAt:  v.UpdatedAt,
			SyncMeta:   replayMeta(v.Revision),
		}
		return p.Repo.ReplaceAttachmentTx(ctx, tx, at)
	case events.AttachmentRemoval:
		at, err := p.Repo.GetAttachmentIncludingDeletedTx(ctx, tx, evt.EntityID)
		if err != nil {
			return err
		}
		at.IsDeleted = true
		at.UpdatedAt = evt.TS
		bump(&at.SyncMeta)
		return p.Repo.ReplaceAttachmentTx(ctx, tx, at)
	}
	return fmt.Errorf("unexpected payload %T", payload)
}

// bump is the replay counterpart of a local edit: the revision moves by
// exactly one per delta event, keeping two replays of the same log equal.
func bump(m *domain.SyncMeta) {
	m.Revision++
	m.SyncState = domain.SyncPending
}
