package sync

import (
	"context"

	"stackline/internal/domain"
)

// Changes is one direction of a sync exchange: the aggregates that changed
// since the cursor. Tombstoned rows travel like any other change.
type Changes struct {
	Arcs        []domain.Arc        `json:"arcs,omitempty"`
	Stacks      []domain.Stack      `json:"stacks,omitempty"`
	Tasks       []domain.Task       `json:"tasks,omitempty"`
	Reminders   []domain.Reminder   `json:"reminders,omitempty"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	Cursor      string              `json:"cursor,omitempty"`
}

func (c Changes) Empty() bool {
	return len(c.Arcs) == 0 && len(c.Stacks) == 0 && len(c.Tasks) == 0 &&
		len(c.Reminders) == 0 && len(c.Attachments) == 0
}

// Ack confirms one pushed aggregate: the server id it was stored under and
// the revision the server recorded.
type Ack struct {
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ServerID   string `json:"server_id"`
	Revision   int64  `json:"revision"`
}

type PushResult struct {
	Acked []Ack `json:"acked"`
}

// Remote is the transport to the sync backend. Implementations must return
// an error without side effects when the exchange fails; the caller treats
// any error as "nothing happened".
type Remote interface {
	Pull(ctx context.Context, cursor string) (Changes, error)
	Push(ctx context.Context, changes Changes) (PushResult, error)
}
