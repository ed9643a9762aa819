package server

import (
	"encoding/json"

	"stackline/internal/domain"
	"stackline/internal/sync"
)

type CreateStackRequest struct {
	ID          *string `json:"id,omitempty"`
	ArcID       *string `json:"arc_id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Activate    bool    `json:"activate,omitempty"`
}

type UpdateStackRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      string  `json:"status,omitempty"`
	ArcID       *string `json:"arc_id,omitempty"`
}

type StackResponse struct {
	ID          string  `json:"id"`
	ArcID       *string `json:"arc_id,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	IsActive    bool    `json:"is_active"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	SyncState   string  `json:"sync_state"`
	Revision    int64   `json:"revision"`
	IsDeleted   bool    `json:"is_deleted,omitempty"`
}

func stackResponse(s domain.Stack) StackResponse {
	return StackResponse{
		ID:          s.ID,
		ArcID:       s.ArcID,
		Title:       s.Title,
		Description: s.Description,
		Status:      s.Status,
		IsActive:    s.IsActive,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		CompletedAt: s.CompletedAt,
		SyncState:   string(s.SyncState),
		Revision:    s.Revision,
		IsDeleted:   s.IsDeleted,
	}
}

func mapStacks(items []domain.Stack) []StackResponse {
	res := make([]StackResponse, 0, len(items))
	for _, s := range items {
		res = append(res, stackResponse(s))
	}
	return res
}

type CreateTaskRequest struct {
	ID       *string `json:"id,omitempty"`
	StackID  *string `json:"stack_id,omitempty"`
	Title    string  `json:"title"`
	Notes    *string `json:"notes,omitempty"`
	Position int     `json:"position,omitempty"`
	DueAt    *string `json:"due_at,omitempty"`
}

type UpdateTaskRequest struct {
	Title    *string `json:"title,omitempty"`
	Notes    *string `json:"notes,omitempty"`
	Status   string  `json:"status,omitempty"`
	Position *int    `json:"position,omitempty"`
	DueAt    *string `json:"due_at,omitempty"`
	StackID  *string `json:"stack_id,omitempty"`
}

type TaskResponse struct {
	ID          string  `json:"id"`
	StackID     *string `json:"stack_id,omitempty"`
	Title       string  `json:"title"`
	Notes       string  `json:"notes,omitempty"`
	Status      string  `json:"status"`
	Position    int     `json:"position"`
	DueAt       *string `json:"due_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	SyncState   string  `json:"sync_state"`
	Revision    int64   `json:"revision"`
	IsDeleted   bool    `json:"is_deleted,omitempty"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		StackID:     t.StackID,
		Title:       t.Title,
		Notes:       t.Notes,
		Status:      t.Status,
		Position:    t.Position,
		DueAt:       t.DueAt,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
		SyncState:   string(t.SyncState),
		Revision:    t.Revision,
		IsDeleted:   t.IsDeleted,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

type CreateReminderRequest struct {
	ID       *string `json:"id,omitempty"`
	TaskID   string  `json:"task_id"`
	RemindAt string  `json:"remind_at"`
}

type ReminderResponse struct {
	ID           string  `json:"id"`
	TaskID       string  `json:"task_id"`
	RemindAt     string  `json:"remind_at"`
	Status       string  `json:"status"`
	SnoozedUntil *string `json:"snoozed_until,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	SyncState    string  `json:"sync_state"`
	Revision     int64   `json:"revision"`
}

func reminderResponse(rm domain.Reminder) ReminderResponse {
	return ReminderResponse{
		ID:           rm.ID,
		TaskID:       rm.TaskID,
		RemindAt:     rm.RemindAt,
		Status:       rm.Status,
		SnoozedUntil: rm.SnoozedUntil,
		CreatedAt:    rm.CreatedAt,
		UpdatedAt:    rm.UpdatedAt,
		SyncState:    string(rm.SyncState),
		Revision:     rm.Revision,
	}
}

func mapReminders(items []domain.Reminder) []ReminderResponse {
	res := make([]ReminderResponse, 0, len(items))
	for _, rm := range items {
		res = append(res, reminderResponse(rm))
	}
	return res
}

type CreateArcRequest struct {
	ID    *string `json:"id,omitempty"`
	Title string  `json:"title"`
	Goal  *string `json:"goal,omitempty"`
}

type UpdateArcRequest struct {
	Title  *string `json:"title,omitempty"`
	Goal   *string `json:"goal,omitempty"`
	Status string  `json:"status,omitempty"`
}

type ArcResponse struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Goal      string  `json:"goal,omitempty"`
	Status    string  `json:"status"`
	StartedAt string  `json:"started_at"`
	EndedAt   *string `json:"ended_at,omitempty"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
	SyncState string  `json:"sync_state"`
	Revision  int64   `json:"revision"`
}

func arcResponse(a domain.Arc) ArcResponse {
	return ArcResponse{
		ID:        a.ID,
		Title:     a.Title,
		Goal:      a.Goal,
		Status:    a.Status,
		StartedAt: a.StartedAt,
		EndedAt:   a.EndedAt,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
		SyncState: string(a.SyncState),
		Revision:  a.Revision,
	}
}

func mapArcs(items []domain.Arc) []ArcResponse {
	res := make([]ArcResponse, 0, len(items))
	for _, a := range items {
		res = append(res, arcResponse(a))
	}
	return res
}

type AddAttachmentRequest struct {
	ID         *string `json:"id,omitempty"`
	ParentKind string  `json:"parent_kind"`
	ParentID   string  `json:"parent_id"`
	Kind       string  `json:"kind"`
	Name       string  `json:"name"`
	URL        *string `json:"url,omitempty"`
}

type AttachmentResponse struct {
	ID         string `json:"id"`
	ParentKind string `json:"parent_kind"`
	ParentID   string `json:"parent_id"`
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	URL        string `json:"url,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	SyncState  string `json:"sync_state"`
	Revision   int64  `json:"revision"`
}

func attachmentResponse(at domain.Attachment) AttachmentResponse {
	return AttachmentResponse{
		ID:         at.ID,
		ParentKind: string(at.ParentKind),
		ParentID:   at.ParentID,
		Kind:       at.Kind,
		Name:       at.Name,
		URL:        at.URL,
		CreatedAt:  at.CreatedAt,
		UpdatedAt:  at.UpdatedAt,
		SyncState:  string(at.SyncState),
		Revision:   at.Revision,
	}
}

func mapAttachments(items []domain.Attachment) []AttachmentResponse {
	res := make([]AttachmentResponse, 0, len(items))
	for _, at := range items {
		res = append(res, attachmentResponse(at))
	}
	return res
}

type EventResponse struct {
	ID         string          `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	ActorType  string          `json:"actor_type"`
	ActorID    string          `json:"actor_id"`
	DeviceID   string          `json:"device_id,omitempty"`
	AppID      string          `json:"app_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorType:  string(evt.ActorType),
		ActorID:    evt.ActorID,
		DeviceID:   evt.DeviceID,
		AppID:      evt.AppID,
		Payload:    payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		res = append(res, eventResponse(evt))
	}
	return res
}

type ConflictResponse struct {
	ID             string          `json:"id"`
	EntityKind     string          `json:"entity_kind"`
	EntityID       string          `json:"entity_id"`
	LocalRevision  int64           `json:"local_revision"`
	RemoteRevision int64           `json:"remote_revision"`
	Local          json.RawMessage `json:"local"`
	Remote         json.RawMessage `json:"remote"`
	Status         string          `json:"status"`
	CreatedAt      string          `json:"created_at"`
	ResolvedAt     *string         `json:"resolved_at,omitempty"`
}

func conflictResponse(c domain.Conflict) ConflictResponse {
	return ConflictResponse{
		ID:             c.ID,
		EntityKind:     c.EntityKind,
		EntityID:       c.EntityID,
		LocalRevision:  c.LocalRevision,
		RemoteRevision: c.RemoteRevision,
		Local:          json.RawMessage(c.LocalJSON),
		Remote:         json.RawMessage(c.RemoteJSON),
		Status:         string(c.Status),
		CreatedAt:      c.CreatedAt,
		ResolvedAt:     c.ResolvedAt,
	}
}

func mapConflicts(items []domain.Conflict) []ConflictResponse {
	res := make([]ConflictResponse, 0, len(items))
	for _, c := range items {
		res = append(res, conflictResponse(c))
	}
	return res
}

type SyncSummaryResponse struct {
	Pulled map[string]int `json:"pulled"`
	Pushed int            `json:"pushed"`
	Acked  int            `json:"acked"`
}

func syncSummaryResponse(sum sync.Summary) SyncSummaryResponse {
	pulled := map[string]int{}
	for k, v := range sum.Pulled {
		pulled[string(k)] = v
	}
	return SyncSummaryResponse{Pulled: pulled, Pushed: sum.Pushed, Acked: sum.Acked}
}

type ReplayReportResponse struct {
	Applied int      `json:"applied"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
