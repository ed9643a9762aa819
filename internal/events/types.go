package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"stackline/internal/domain"
)

// Entity kinds referenced by events.
const (
	KindStack      = "stack"
	KindTask       = "task"
	KindReminder   = "reminder"
	KindArc        = "arc"
	KindAttachment = "attachment"
)

// Closed enumeration of event types. Unknown types are rejected at both
// record and decode time.
const (
	StackCreated     = "stack.created"
	StackUpdated     = "stack.updated"
	StackActivated   = "stack.activated"
	StackDeactivated = "stack.deactivated"
	StackCompleted   = "stack.completed"
	StackDeleted     = "stack.deleted"

	TaskCreated   = "task.created"
	TaskUpdated   = "task.updated"
	TaskCompleted = "task.completed"
	TaskReopened  = "task.reopened"
	TaskBlocked   = "task.blocked"
	TaskDeleted   = "task.deleted"

	ReminderCreated   = "reminder.created"
	ReminderSnoozed   = "reminder.snoozed"
	ReminderDismissed = "reminder.dismissed"
	ReminderDeleted   = "reminder.deleted"

	ArcCreated   = "arc.created"
	ArcUpdated   = "arc.updated"
	ArcCompleted = "arc.completed"
	ArcDeleted   = "arc.deleted"

	AttachmentAdded   = "attachment.added"
	AttachmentRemoved = "attachment.removed"
)

// StackSnapshot is the full-state payload for stack.created and
// stack.updated. Replay overwrites every captured field, including
// is_active, from this payload.
type StackSnapshot struct {
	ArcID       *string `json:"arc_id,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	IsActive    bool    `json:"is_active"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Revision    int64   `json:"revision"`
}

// StackActiveChange is the payload for stack.activated and
// stack.deactivated. These events govern is_active only; the workflow
// status field is a separate state machine and is never touched.
type StackActiveChange struct{}

type StackCompletion struct {
	CompletedAt string `json:"completed_at"`
}

// Tombstone marks a soft delete. The row stays in the store forever.
type Tombstone struct {
	DeletedAt string `json:"deleted_at"`
}

type TaskSnapshot struct {
	StackID     *string `json:"stack_id,omitempty"`
	Title       string  `json:"title"`
	Notes       string  `json:"notes,omitempty"`
	Status      string  `json:"status"`
	Position    int     `json:"position"`
	DueAt       *string `json:"due_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Revision    int64   `json:"revision"`
}

type TaskCompletion struct {
	CompletedAt string `json:"completed_at"`
	Delayed     bool   `json:"delayed,omitempty"`
}

type TaskReopen struct{}

type TaskBlock struct {
	Reason string `json:"reason,omitempty"`
}

type ReminderSnapshot struct {
	TaskID       string  `json:"task_id"`
	RemindAt     string  `json:"remind_at"`
	Status       string  `json:"status"`
	SnoozedUntil *string `json:"snoozed_until,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	Revision     int64   `json:"revision"`
}

type ReminderSnooze struct {
	SnoozedUntil string `json:"snoozed_until"`
}

type ReminderDismissal struct{}

type ArcSnapshot struct {
	Title     string  `json:"title"`
	Goal      string  `json:"goal,omitempty"`
	Status    string  `json:"status"`
	StartedAt string  `json:"started_at"`
	EndedAt   *string `json:"ended_at,omitempty"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
	Revision  int64   `json:"revision"`
}

type ArcCompletion struct {
	EndedAt string `json:"ended_at"`
}

type AttachmentSnapshot struct {
	ParentKind domain.ParentKind `json:"parent_kind"`
	ParentID   string            `json:"parent_id"`
	Kind       string            `json:"kind"`
	Name       string            `json:"name"`
	URL        string            `json:"url,omitempty"`
	CreatedAt  string            `json:"created_at"`
	UpdatedAt  string            `json:"updated_at"`
	Revision   int64             `json:"revision"`
}

type AttachmentRemoval struct{}

func decodeInto[T any](data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// registry maps each event type to its payload decoder. Every type in the
// enumeration above must appear here.
var registry = map[string]func([]byte) (any, error){
	StackCreated:     decodeInto[StackSnapshot],
	StackUpdated:     decodeInto[StackSnapshot],
	StackActivated:   decodeInto[StackActiveChange],
	StackDeactivated: decodeInto[StackActiveChange],
	StackCompleted:   decodeInto[StackCompletion],
	StackDeleted:     decodeInto[Tombstone],

	TaskCreated:   decodeInto[TaskSnapshot],
	TaskUpdated:   decodeInto[TaskSnapshot],
	TaskCompleted: decodeInto[TaskCompletion],
	TaskReopened:  decodeInto[TaskReopen],
	TaskBlocked:   decodeInto[TaskBlock],
	TaskDeleted:   decodeInto[Tombstone],

	ReminderCreated:   decodeInto[ReminderSnapshot],
	ReminderSnoozed:   decodeInto[ReminderSnooze],
	ReminderDismissed: decodeInto[ReminderDismissal],
	ReminderDeleted:   decodeInto[Tombstone],

	ArcCreated:   decodeInto[ArcSnapshot],
	ArcUpdated:   decodeInto[ArcSnapshot],
	ArcCompleted: decodeInto[ArcCompletion],
	ArcDeleted:   decodeInto[Tombstone],

	AttachmentAdded:   decodeInto[AttachmentSnapshot],
	AttachmentRemoved: decodeInto[AttachmentRemoval],
}

// KnownType reports whether evtType is part of the closed enumeration.
func KnownType(evtType string) bool {
	_, ok := registry[evtType]
	return ok
}

// Decode parses an event's payload against the schema registered for its
// type. Unknown types and malformed payloads are errors, not best-effort.
func Decode(evt domain.Event) (any, error) {
	dec, ok := registry[evt.Type]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", evt.Type)
	}
	v, err := dec([]byte(evt.Payload))
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", evt.Type, err)
	}
	return v, nil
}

// EntityKindFor returns the aggregate kind an event type addresses.
func EntityKindFor(evtType string) string {
	switch {
	case strings.HasPrefix(evtType, "stack."):
		return KindStack
	case strings.HasPrefix(evtType, "task."):
		return KindTask
	case strings.HasPrefix(evtType, "reminder."):
		return KindReminder
	case strings.HasPrefix(evtType, "arc."):
		return KindArc
	case strings.HasPrefix(evtType, "attachment."):
		return KindAttachment
	}
	return ""
}

// SnapshotOfStack captures a stack's current state for a created/updated event.
func SnapshotOfStack(s domain.Stack) StackSnapshot {
	return StackSnapshot{
		ArcID:       s.ArcID,
		Title:       s.Title,
		Description: s.Description,
		Status:      s.Status,
		IsActive:    s.IsActive,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		CompletedAt: s.CompletedAt,
		Revision:    s.Revision,
	}
}

func SnapshotOfTask(t domain.Task) TaskSnapshot {
	return TaskSnapshot{
		StackID:     t.StackID,
		Title:       t.Title,
		Notes:       t.Notes,
		Status:      t.Status,
		Position:    t.Position,
		DueAt:       t.DueAt,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
		Revision:    t.Revision,
	}
}

func SnapshotOfReminder(rm domain.Reminder) ReminderSnapshot {
	return ReminderSnapshot{
		TaskID:       rm.TaskID,
		RemindAt:     rm.RemindAt,
		Status:       rm.Status,
		SnoozedUntil: rm.SnoozedUntil,
		CreatedAt:    rm.CreatedAt,
		UpdatedAt:    rm.UpdatedAt,
		Revision:     rm.Revision,
	}
}

func SnapshotOfArc(a domain.Arc) ArcSnapshot {
	return ArcSnapshot{
		Title:     a.Title,
		Goal:      a.Goal,
		Status:    a.Status,
		StartedAt: a.StartedAt,
		EndedAt:   a.EndedAt,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
		Revision:  a.Revision,
	}
}

func SnapshotOfAttachment(at domain.Attachment) AttachmentSnapshot {
	return AttachmentSnapshot{
		ParentKind: at.ParentKind,
		ParentID:   at.ParentID,
		Kind:       at.Kind,
		Name:       at.Name,
		URL:        at.URL,
		CreatedAt:  at.CreatedAt,
		UpdatedAt:  at.UpdatedAt,
		Revision:   at.Revision,
	}
}
