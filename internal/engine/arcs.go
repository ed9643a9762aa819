package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stackline/internal/domain"
	"stackline/internal/events"
)

// ArcCreateOptions are parameters for starting an arc.
type ArcCreateOptions struct {
	ID    string
	Title string
	Goal  string
}

func (e Engine) CreateArc(ctx context.Context, opts ArcCreateOptions, actor domain.Actor) (domain.Arc, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Arc{}, errors.New("title is required")
	}
	id := opts.ID
	if id == "" {
		id = e.newID()
	}
	now := e.nowString()
	a := domain.Arc{
		ID:        id,
		Title:     opts.Title,
		Goal:      opts.Goal,
		Status:    "active",
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
		SyncMeta:  e.newMeta(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Arc{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertArcTx(ctx, tx, a); err != nil {
		return domain.Arc{}, fmt.Errorf("insert arc: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, events.ArcCreated, a.ID, actor, events.SnapshotOfArc(a)); err != nil {
		return domain.Arc{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Arc{}, err
	}
	return a, nil
}

// ArcUpdateOptions encapsulates allowed arc edits.
type ArcUpdateOptions struct {
	ID     string
	Title  *string
	Goal   *string
	Status string
}

func (e Engine) UpdateArc(ctx context.Context, opts ArcUpdateOptions, actor domain.Actor) (domain.Arc, error) {
	a, err := e.Repo.GetArc(ctx, opts.ID)
	if err != nil {
		return a, err
	}
	if opts.Title != nil {
		if strings.TrimSpace(*opts.Title) == "" {
			return a, errors.New("title cannot be empty")
		}
		a.Title = *opts.Title
	}
	if opts.Goal != nil {
		a.Goal = *opts.Goal
	}
	if opts.Status != "" && opts.Status != a.Status {
		if err := ensureArcTransition(a.Status, opts.Status); err != nil {
			return a, err
		}
		a.Status = opts.Status
		if opts.Status == "completed" {
			now := e.nowString()
			a.EndedAt = &now
		}
	}
	a.UpdatedAt = e.nowString()
	touchForEdit(&a.SyncMeta)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateArcTx(ctx, tx, a); err != nil {
		return a, err
	}
	if _, err := e.Events.Append(ctx, tx, events.ArcUpdated, a.ID, actor, events.SnapshotOfArc(a)); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func (e Engine) CompleteArc(ctx context.Context, id string, actor domain.Actor) (domain.Arc, error) {
	a, err := e.Repo.GetArc(ctx, id)
	if err != nil {
		return a, err
	}
	if err := ensureArcTransition(a.Status, "completed"); err != nil {
		return a, err
	}
	now := e.nowString()
	a.Status = "completed"
	a.EndedAt = &now
	a.UpdatedAt = now
	touchForEdit(&a.SyncMeta)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateArcTx(ctx, tx, a); err != nil {
		return a, err
	}
	if _, err := e.Events.Append(ctx, tx, events.ArcCompleted, a.ID, actor, events.ArcCompletion{EndedAt: now}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// DeleteArc tombstones the arc and detaches its stacks so they do not point
// at a dead parent.
func (e Engine) DeleteArc(ctx context.Context, id string, actor domain.Actor) error {
	a, err := e.Repo.GetArc(ctx, id)
	if err != nil {
		return err
	}
	now := e.nowString()
	a.IsDeleted = true
	a.UpdatedAt = now
	touchForEdit(&a.SyncMeta)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateArcTx(ctx, tx, a); err != nil {
		return err
	}
	if err := e.Repo.DetachStacksFromArcTx(ctx, tx, id, now); err != nil {
		return err
	}
	if _, err := e.Events.Append(ctx, tx, events.ArcDeleted, a.ID, actor, events.Tombstone{DeletedAt: now}); err != nil {
		return err
	}
	return tx.Commit()
}

func ensureArcTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "active":
		if newStatus == "paused" || newStatus == "completed" {
			return nil
		}
	case "paused":
		if newStatus == "active" || newStatus == "completed" {
			return nil
		}
	}
	return fmt.Errorf("invalid arc status transition %s -> %s", oldStatus, newStatus)
}
