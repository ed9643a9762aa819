package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"stackline/internal/config"
	"stackline/internal/domain"
	"stackline/internal/events"
	"stackline/internal/repo"
)

// Engine hosts the feature services. Every mutation appends event rows and
// updates entity rows inside one transaction: either both land or neither
// does.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Recorder
	Config  *config.Config
	Now     func() time.Time
	Delayed *DelayedCompletions
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Recorder{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
	e.Delayed = newDelayedCompletions()
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// DefaultActor builds an actor from workspace identity for callers that do
// not carry their own.
func (e Engine) DefaultActor() domain.Actor {
	a := domain.Actor{Type: domain.ActorHuman, ID: "local-user"}
	if e.Config != nil {
		if e.Config.Identity.UserID != "" {
			a.ID = e.Config.Identity.UserID
		}
		a.DeviceID = e.Config.Identity.DeviceID
		a.AppID = e.Config.Identity.AppID
	}
	return a
}

func (e Engine) newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func (e Engine) newMeta() domain.SyncMeta {
	m := domain.SyncMeta{SyncState: domain.SyncPending, Revision: 1}
	if e.Config != nil {
		m.UserID = e.Config.Identity.UserID
		m.DeviceID = e.Config.Identity.DeviceID
	}
	return m
}

// touchForEdit is applied to every locally edited aggregate: the revision
// strictly increases and the row goes back to pending until pushed.
func touchForEdit(m *domain.SyncMeta) {
	m.Revision++
	m.SyncState = domain.SyncPending
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StackCreateOptions are parameters for creating a stack.
type StackCreateOptions struct {
	ID          string
	ArcID       string
	Title       string
	Description string
	Activate    bool
}

func (e Engine) CreateStack(ctx context.Context, opts StackCreateOptions, actor domain.Actor) (domain.Stack, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Stack{}, errors.New("title is required")
	}
	if opts.ArcID != "" {
		if _, err := e.Repo.GetArc(ctx, opts.ArcID); err != nil {
			return domain.Stack{}, fmt.Errorf("arc %s: %w", opts.ArcID, err)
		}
	}
	id := opts.ID
	if id == "" {
		id = e.newID()
	}
	now := e.nowString()
	s := domain.Stack{
		ID:          id,
		ArcID:       optionalString(opts.ArcID),
		Title:       opts.Title,
		Description: opts.Description,
		Status:      "planned",
		IsActive:    opts.Activate,
		CreatedAt:   now,
		UpdatedAt:   now,
		SyncMeta:    e.newMeta(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stack{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertStackTx(ctx, tx, s); err != nil {
		return domain.Stack{}, fmt.Errorf("insert stack: %w", err)
	}
	if s.IsActive {
		if err := e.deactivateOthersTx(ctx, tx, s.ID, now); err != nil {
			return domain.Stack{}, err
		}
	}
	if _, err := e.Events.Append(ctx, tx, events.StackCreated, s.ID, actor, events.SnapshotOfStack(s)); err != nil {
		return domain.Stack{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stack{}, err
	}
	return s, nil
}

// StackUpdateOptions encapsulates allowed stack edits. Activation is a
// separate operation: is_active and status are orthogonal machines.
type StackUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Status      string
	ArcID       *string
}

func (e Engine) UpdateStack(ctx context.Context, opts StackUpdateOptions, actor domain.Actor) (domain.Stack, error) {
	s, err := e.Repo.GetStack(ctx, opts.ID)
	if err != nil {
		return s, err
	}
	if opts.Title != nil {
		if strings.TrimSpace(*opts.Title) == "" {
			return s, errors.New("title cannot be empty")
		}
		s.Title = *opts.Title
	}
	if opts.Description != nil {
		s.Description = *opts.Description
	}
	if opts.ArcID != nil {
		if *opts.ArcID == "" {
			s.ArcID = nil
		} else {
			if _, err := e.Repo.GetArc(ctx, *opts.ArcID); err != nil {
				return s, fmt.Errorf("arc %s: %w", *opts.ArcID, err)
			}
			s.ArcID = opts.ArcID
		}
	}
	if opts.Status != "" && opts.Status != s.Status {
		if err := ensureStackTransition(s.Status, opts.Status); err != nil {
			return s, err
		}
		s.Status = opts.Status
		if opts.Status == "completed" {
			now := e.nowString()
			s.CompletedAt = &now
		}
	}
	s.UpdatedAt = e.nowString()
	touchForEdit(&s.SyncMeta)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStackTx(ctx, tx, s); err != nil {
		return s, err
	}
	if _, err := e.Events.Append(ctx, tx, events.StackUpdated, s.ID, actor, events.SnapshotOfStack(s)); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// ActivateStack makes the stack the single active one; any other active
// stack is deactivated in the same transaction.
func (e Engine) ActivateStack(ctx context.Context, id string, actor domain.Actor) (domain.Stack, error) {
	s, err := e.Repo.GetStack(ctx, id)
	if err != nil {
		return s, err
	}
	now := e.nowString()
	s.IsActive = true
	s.UpdatedAt = now
	touchForEdit(&s.SyncMeta)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.deactivateOthersTx(ctx, tx, s.ID, now); err != nil {
		return s, err
	}
	if err := e.Repo.UpdateStackTx(ctx, tx, s); err != nil {
		return s, err
	}
	if _, err := e.Events.Append(ctx, tx, events.StackActivated, s.ID, actor, events.StackActiveChange{}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

func (e Engine) DeactivateStack(ctx context.Context, id string, actor domain.Actor) (domain.Stack, error) {
	s, err := e.Repo.GetStack(ctx, id)
	if err != nil {
		return s, err
	}
	if !s.IsActive {
		return s, nil
	}
	s.IsActive = false
	s.UpdatedAt = e.nowString()
	touchForEdit(&s.SyncMeta)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStackTx(ctx, tx, s); err != nil {
		return s, err
	}
	if _, err := e.Events.Append(ctx, tx, events.StackDeactivated, s.ID, actor, events.StackActiveChange{}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

func (e Engine) CompleteStack(ctx context.Context, id string, actor domain.Actor) (domain.Stack, error) {
	s, err := e.Repo.GetStack(ctx, id)
	if err != nil {
		return s, err
	}
	if err := ensureStackTransition(s.Status, "completed"); err != nil {
		return s, err
	}
	now := e.nowString()
	s.Status = "completed"
	s.CompletedAt = &now
	s.UpdatedAt = now
	touchForEdit(&s.SyncMeta)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStackTx(ctx, tx, s); err != nil {
		return s, err
	}
	if _, err := e.Events.Append(ctx, tx, events.StackCompleted, s.ID, actor, events.StackCompletion{CompletedAt: now}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// DeleteStack tombstones the stack. Rows are never physically removed; the
// tombstone keeps replay and sync coherent.
func (e Engine) DeleteStack(ctx context.Context, id string, actor domain.Actor) error {
	s, err := e.Repo.GetStack(ctx, id)
	if err != nil {
		return err
	}
	now := e.nowString()
	s.IsDeleted = true
	s.IsActive = false
	s.UpdatedAt = now
	touchForEdit(&s.SyncMeta)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStackTx(ctx, tx, s); err != nil {
		return err
	}
	if _, err := e.Events.Append(ctx, tx, events.StackDeleted, s.ID, actor, events.Tombstone{DeletedAt: now}); err != nil {
		return err
	}
	return tx.Commit()
}

// deactivateOthersTx clears is_active on every other stack, bumping their
// revisions so the change is pushed on the next sync.
func (e Engine) deactivateOthersTx(ctx context.Context, tx *sql.Tx, keep, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE stacks SET is_active=0, revision=revision+1, sync_state=?, updated_at=?
WHERE is_active=1 AND id<>?`, string(domain.SyncPending), now, keep)
	return err
}

func ensureStackTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "planned":
		if newStatus == "in_progress" || newStatus == "completed" || newStatus == "archived" {
			return nil
		}
	case "in_progress":
		if newStatus == "completed" || newStatus == "archived" || newStatus == "planned" {
			return nil
		}
	case "completed":
		if newStatus == "archived" || newStatus == "in_progress" {
			return nil
		}
	}
	return fmt.Errorf("invalid stack status transition %s -> %s", oldStatus, newStatus)
}
