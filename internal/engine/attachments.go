package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stackline/internal/domain"
	"stackline/internal/events"
)

// AttachmentAddOptions are parameters for attaching a file, link or image to
// a stack or task.
type AttachmentAddOptions struct {
	ID         string
	ParentKind domain.ParentKind
	ParentID   string
	Kind       string
	Name       string
	URL        string
}

func (e Engine) AddAttachment(ctx context.Context, opts AttachmentAddOptions, actor domain.Actor) (domain.Attachment, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Attachment{}, errors.New("name is required")
	}
	switch opts.Kind {
	case "file", "link", "image":
	default:
		return domain.Attachment{}, fmt.Errorf("invalid attachment kind %q", opts.Kind)
	}
	switch opts.ParentKind {
	case domain.ParentStack:
		if _, err := e.Repo.GetStack(ctx, opts.ParentID); err != nil {
			return domain.Attachment{}, fmt.Errorf("stack %s: %w", opts.ParentID, err)
		}
	case domain.ParentTask:
		if _, err := e.Repo.GetTask(ctx, opts.ParentID); err != nil {
			return domain.Attachment{}, fmt.Errorf("task %s: %w", opts.ParentID, err)
		}
	default:
		return domain.Attachment{}, fmt.Errorf("invalid parent kind %q", opts.ParentKind)
	}
	id := opts.ID
	if id == "" {
		id = e.newID()
	}
	now := e.nowString()
	a := domain.Attachment{
		ID:         id,
		ParentKind: opts.ParentKind,
		ParentID:   opts.ParentID,
		Kind:       opts.Kind,
		Name:       opts.Name,
		URL:        opts.URL,
		CreatedAt:  now,
		UpdatedAt:  now,
		SyncMeta:   e.newMeta(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Attachment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAttachmentTx(ctx, tx, a); err != nil {
		return domain.Attachment{}, fmt.Errorf("insert attachment: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, events.AttachmentAdded, a.ID, actor, events.SnapshotOfAttachment(a)); err != nil {
		return domain.Attachment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Attachment{}, err
	}
	return a, nil
}

func (e Engine) RemoveAttachment(ctx context.Context, id string, actor domain.Actor) error {
	a, err := e.Repo.GetAttachment(ctx, id)
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
	if err := e.Repo.UpdateAttachmentTx(ctx, tx, a); err != nil {
		return err
	}
	if _, err := e.Events.Append(ctx, tx, events.AttachmentRemoved, a.ID, actor, events.AttachmentRemoval{}); err != nil {
		return err
	}
	return tx.Commit()
}
