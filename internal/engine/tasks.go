package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stackline/internal/domain"
	"stackline/internal/events"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID       string
	StackID  string
	Title    string
	Notes    string
	Position int
	DueAt    string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions, actor domain.Actor) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.StackID != "" {
		if _, err := e.Repo.GetStack(ctx, opts.StackID); err != nil {
			return domain.Task{}, fmt.Errorf("stack %s: %w", opts.StackID, err)
		}
	}
	id := opts.ID
	if id == "" {
		id = e.newID()
	}
	now := e.nowString()
	t := domain.Task{
		ID:        id,
		StackID:   optionalString(opts.StackID),
		Title:     opts.Title,
		Notes:     opts.Notes,
		Status:    "pending",
		Position:  opts.Position,
		DueAt:     optionalString(opts.DueAt),
		CreatedAt: now,
		UpdatedAt: now,
		SyncMeta:  e.newMeta(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, events.TaskCreated, t.ID, actor, events.SnapshotOfTask(t)); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions encapsulates allowed task edits.
type TaskUpdateOptions struct {
	ID       string
	Title    *string
	Notes    *string
	Status   string
	Position *int
	DueAt    *string
	StackID  *string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions, actor domain.Actor) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	if opts.Title != nil {
		if strings.TrimSpace(*opts.Title) == "" {
			return t, errors.New("title cannot be empty")
		}
		t.Title = *opts.Title
	}
	if opts.Notes != nil {
		t.Notes = *opts.Notes
	}
	if opts.Position != nil {
		t.Position = *opts.Position
	}
	if opts.DueAt != nil {
		if *opts.DueAt == "" {
			t.DueAt = nil
		} else {
			t.DueAt = opts.DueAt
		}
	}
	if opts.StackID != nil {
		if *opts.StackID == "" {
			t.StackID = nil
		} else {
			if _, err := e.Repo.GetStack(ctx, *opts.StackID); err != nil {
				return t, fmt.Errorf("stack %s: %w", *opts.StackID, err)
			}
			t.StackID = opts.StackID
		}
	}
	if opts.Status != "" && opts.Status != t.Status {
		if err := ensureTaskTransition(t.Status, opts.Status); err != nil {
			return t, err
		}
		t.Status = opts.Status
		if opts.Status == "completed" {
			now := e.nowString()
			t.CompletedAt = &now
		}
	}
	t.UpdatedAt = e.nowString()
	touchForEdit(&t.SyncMeta)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if _, err := e.Events.Append(ctx, tx, events.TaskUpdated, t.ID, actor, events.SnapshotOfTask(t)); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// CompleteTask marks the task completed immediately. The delayed flag
// records whether completion came out of a grace window.
func (e Engine) CompleteTask(ctx context.Context, id string, delayed bool, actor domain.Actor) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, "completed"); err != nil {
		return t, err
	}
	now := e.nowString()
	t.Status = "completed"
	t.CompletedAt = &now
	t.UpdatedAt = now
	touchForEdit(&t.SyncMeta)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if _, err := e.Events.Append(ctx, tx, events.TaskCompleted, t.ID, actor, events.TaskCompletion{CompletedAt: now, Delayed: delayed}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) ReopenTask(ctx context.Context, id string, actor domain.Actor) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, "pending"); err != nil {
		return t, err
	}
	t.Status = "pending"
	t.CompletedAt = nil
	t.UpdatedAt = e.nowString()
	touchForEdit(&t.SyncMeta)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if _, err := e.Events.Append(ctx, tx, events.TaskReopened, t.ID, actor, events.TaskReopen{}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) BlockTask(ctx context.Context, id, reason string, actor domain.Actor) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, "blocked"); err != nil {
		return t, err
	}
	t.Status = "blocked"
	t.UpdatedAt = e.nowString()
	touchForEdit(&t.SyncMeta)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if _, err := e.Events.Append(ctx, tx, events.TaskBlocked, t.ID, actor, events.TaskBlock{Reason: reason}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) DeleteTask(ctx context.Context, id string, actor domain.Actor) error {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	e.Delayed.Cancel(id)
	now := e.nowString()
	t.IsDeleted = true
	t.UpdatedAt = now
	touchForEdit(&t.SyncMeta)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return err
	}
	if _, err := e.Events.Append(ctx, tx, events.TaskDeleted, t.ID, actor, events.Tombstone{DeletedAt: now}); err != nil {
		return err
	}
	return tx.Commit()
}

func ensureTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "pending":
		if newStatus == "in_progress" || newStatus == "completed" || newStatus == "blocked" || newStatus == "cancelled" {
			return nil
		}
	case "in_progress":
		if newStatus == "completed" || newStatus == "blocked" || newStatus == "cancelled" || newStatus == "pending" {
			return nil
		}
	case "blocked":
		if newStatus == "pending" || newStatus == "in_progress" || newStatus == "cancelled" {
			return nil
		}
	case "completed":
		if newStatus == "pending" {
			return nil
		}
	case "cancelled":
		if newStatus == "pending" {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}
