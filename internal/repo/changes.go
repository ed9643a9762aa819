package repo

import (
	"context"

	"stackline/internal/domain"
)

// The changed-since listings back the pull side of a served sync exchange.
// Tombstoned rows are included so deletions propagate; ordering by
// updated_at gives the caller a watermark to resume from.

func (r Repo) ArcsChangedSince(ctx context.Context, since string) ([]domain.Arc, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+arcCols+` FROM arcs WHERE updated_at > ? ORDER BY updated_at ASC, id ASC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Arc
	for rows.Next() {
		a, err := scanArc(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) StacksChangedSince(ctx context.Context, since string) ([]domain.Stack, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stackCols+` FROM stacks WHERE updated_at > ? ORDER BY updated_at ASC, id ASC`, since)
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

func (r Repo) TasksChangedSince(ctx context.Context, since string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE updated_at > ? ORDER BY updated_at ASC, id ASC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) RemindersChangedSince(ctx context.Context, since string) ([]domain.Reminder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE updated_at > ? ORDER BY updated_at ASC, id ASC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reminder
	for rows.Next() {
		rm, err := scanReminder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rm)
	}
	return res, rows.Err()
}

func (r Repo) AttachmentsChangedSince(ctx context.Context, since string) ([]domain.Attachment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+attachmentCols+` FROM attachments WHERE updated_at > ? ORDER BY updated_at ASC, id ASC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attachment
	for rows.Next() {
		at, err := scanAttachment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, at)
	}
	return res, rows.Err()
}
