package domain

// SyncState tracks where an aggregate sits relative to the remote copy.
type SyncState string

const (
	SyncPending    SyncState = "pending"
	SyncSynced     SyncState = "synced"
	SyncConflicted SyncState = "conflict"
)

// ActorType identifies who (or what) caused a mutation.
type ActorType string

const (
	ActorHuman  ActorType = "human"
	ActorAI     ActorType = "ai"
	ActorSystem ActorType = "system"
)

// Actor is carried on every event.
type Actor struct {
	Type     ActorType `json:"actor_type" enum:"human,ai,system"`
	ID       string    `json:"actor_id"`
	DeviceID string    `json:"device_id,omitempty"`
	AppID    string    `json:"app_id,omitempty"`
}

// SyncMeta is the sync bookkeeping common to every aggregate. Revision
// strictly increases on every accepted mutation, local or remote.
type SyncMeta struct {
	ServerID     *string   `json:"server_id,omitempty"`
	SyncState    SyncState `json:"sync_state" enum:"pending,synced,conflict"`
	Revision     int64     `json:"revision"`
	LastSyncedAt *string   `json:"last_synced_at,omitempty" format:"date-time"`
	IsDeleted    bool      `json:"is_deleted"`
	UserID       string    `json:"user_id,omitempty"`
	DeviceID     string    `json:"device_id,omitempty"`
}

type Stack struct {
	ID          string  `json:"id"`
	ArcID       *string `json:"arc_id,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"planned,in_progress,completed,archived"`
	IsActive    bool    `json:"is_active"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	SyncMeta
}

type Task struct {
	ID          string  `json:"id"`
	StackID     *string `json:"stack_id,omitempty"`
	Title       string  `json:"title"`
	Notes       string  `json:"notes,omitempty"`
	Status      string  `json:"status" enum:"pending,in_progress,completed,blocked,cancelled"`
	Position    int     `json:"position"`
	DueAt       *string `json:"due_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	SyncMeta
}

type Reminder struct {
	ID           string  `json:"id"`
	TaskID       string  `json:"task_id"`
	RemindAt     string  `json:"remind_at" format:"date-time"`
	Status       string  `json:"status" enum:"scheduled,snoozed,dismissed"`
	SnoozedUntil *string `json:"snoozed_until,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
	SyncMeta
}

// Arc is a long-running theme that stacks can belong to.
type Arc struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Goal      string  `json:"goal,omitempty"`
	Status    string  `json:"status" enum:"active,paused,completed"`
	StartedAt string  `json:"started_at" format:"date-time"`
	EndedAt   *string `json:"ended_at,omitempty" format:"date-time"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
	SyncMeta
}

// ParentKind says what an attachment hangs off.
type ParentKind string

const (
	ParentStack ParentKind = "stack"
	ParentTask  ParentKind = "task"
)

type Attachment struct {
	ID         string     `json:"id"`
	ParentKind ParentKind `json:"parent_kind" enum:"stack,task"`
	ParentID   string     `json:"parent_id"`
	Kind       string     `json:"kind" enum:"file,link,image"`
	Name       string     `json:"name"`
	URL        string     `json:"url,omitempty"`
	CreatedAt  string     `json:"created_at" format:"date-time"`
	UpdatedAt  string     `json:"updated_at" format:"date-time"`
	SyncMeta
}

// Event is one row of the append-only log. Rows are never updated or
// deleted; corrections are expressed as new events.
type Event struct {
	ID         string    `json:"id"`
	TS         string    `json:"ts" format:"date-time"`
	Type       string    `json:"type"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	ActorType  ActorType `json:"actor_type"`
	ActorID    string    `json:"actor_id"`
	DeviceID   string    `json:"device_id,omitempty"`
	AppID      string    `json:"app_id,omitempty"`
	Payload    string    `json:"payload_json"`
}

func (e Event) Actor() Actor {
	return Actor{Type: e.ActorType, ID: e.ActorID, DeviceID: e.DeviceID, AppID: e.AppID}
}

// ConflictStatus is the resolution state of a sync conflict.
type ConflictStatus string

const (
	ConflictOpen           ConflictStatus = "open"
	ConflictResolvedLocal  ConflictStatus = "resolved_local"
	ConflictResolvedRemote ConflictStatus = "resolved_remote"
)

// Conflict holds both versions of an aggregate that diverged between a
// pending local edit and a newer remote revision. Resolved explicitly,
// never silently dropped.
type Conflict struct {
	ID             string         `json:"id"`
	EntityKind     string         `json:"entity_kind"`
	EntityID       string         `json:"entity_id"`
	LocalRevision  int64          `json:"local_revision"`
	RemoteRevision int64          `json:"remote_revision"`
	LocalJSON      string         `json:"local_json"`
	RemoteJSON     string         `json:"remote_json"`
	Status         ConflictStatus `json:"status" enum:"open,resolved_local,resolved_remote"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
	ResolvedAt     *string        `json:"resolved_at,omitempty" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
