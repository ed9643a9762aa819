package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stackline/internal/domain"
	"stackline/internal/events"
)

// ReminderCreateOptions are parameters for scheduling a reminder on a task.
type ReminderCreateOptions struct {
	ID       string
	TaskID   string
	RemindAt string
}

func (e Engine) CreateReminder(ctx context.Context, opts ReminderCreateOptions, actor domain.Actor) (domain.Reminder, error) {
	if opts.TaskID == "" {
		return domain.Reminder{}, errors.New("task_id is required")
	}
	if _, err := time.Parse(time.RFC3339, opts.RemindAt); err != nil {
		return domain.Reminder{}, fmt.Errorf("remind_at: %w", err)
	}
	if _, err := e.Repo.GetTask(ctx, opts.TaskID); err != nil {
		return domain.Reminder{}, fmt.Errorf("task %s: %w", opts.TaskID, err)
	}
	id := opts.ID
	if id == "" {
		id = e.newID()
	}
	now := e.nowString()
	r := domain.Reminder{
		ID:        id,
		TaskID:    opts.TaskID,
		RemindAt:  opts.RemindAt,
		Status:    "scheduled",
		CreatedAt: now,
		UpdatedAt: now,
		SyncMeta:  e.newMeta(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reminder{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReminderTx(ctx, tx, r); err != nil {
		return domain.Reminder{}, fmt.Errorf("insert reminder: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, events.ReminderCreated, r.ID, actor, events.SnapshotOfReminder(r)); err != nil {
		return domain.Reminder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Reminder{}, err
	}
	return r, nil
}

// SnoozeReminder pushes a scheduled or already snoozed reminder to a later
// time. Dismissed reminders stay dismissed.
func (e Engine) SnoozeReminder(ctx context.Context, id, until string, actor domain.Actor) (domain.Reminder, error) {
	if _, err := time.Parse(time.RFC3339, until); err != nil {
		return domain.Reminder{}, fmt.Errorf("snoozed_until: %w", err)
	}
	r, err := e.Repo.GetReminder(ctx, id)
	if err != nil {
		return r, err
	}
	if r.Status == "dismissed" {
		return r, errors.New("cannot snooze a dismissed reminder")
	}
	r.Status = "snoozed"
	r.SnoozedUntil = &until
	r.UpdatedAt = e.nowString()
	touchForEdit(&r.SyncMeta)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return r, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateReminderTx(ctx, tx, r); err != nil {
		return r, err
	}
	if _, err := e.Events.Append(ctx, tx, events.ReminderSnoozed, r.ID, actor, events.ReminderSnooze{SnoozedUntil: until}); err != nil {
		return r, err
	}
	if err := tx.Commit(); err != nil {
		return r, err
	}
	return r, nil
}

func (e Engine) DismissReminder(ctx context.Context, id string, actor domain.Actor) (domain.Reminder, error) {
	r, err := e.Repo.GetReminder(ctx, id)
	if err != nil {
		return r, err
	}
	if r.Status == "dismissed" {
		return r, nil
	}
	r.Status = "dismissed"
	r.SnoozedUntil = nil
	r.UpdatedAt = e.nowString()
	touchForEdit(&r.SyncMeta)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return r, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateReminderTx(ctx, tx, r); err != nil {
		return r, err
	}
	if _, err := e.Events.Append(ctx, tx, events.ReminderDismissed, r.ID, actor, events.ReminderDismissal{}); err != nil {
		return r, err
	}
	if err := tx.Commit(); err != nil {
		return r, err
	}
	return r, nil
}

func (e Engine) DeleteReminder(ctx context.Context, id string, actor domain.Actor) error {
	r, err := e.Repo.GetReminder(ctx, id)
	if err != nil {
		return err
	}
	now := e.nowString()
	r.IsDeleted = true
	r.UpdatedAt = now
	touchForEdit(&r.SyncMeta)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateReminderTx(ctx, tx, r); err != nil {
		return err
	}
	if _, err := e.Events.Append(ctx, tx, events.ReminderDeleted, r.ID, actor, events.Tombstone{DeletedAt: now}); err != nil {
		return err
	}
	return tx.Commit()
}
