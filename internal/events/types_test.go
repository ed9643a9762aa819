package events_test

import (
	"context"
	"testing"

	"stackline/internal/db"
	"stackline/internal/domain"
	"stackline/internal/events"
	"stackline/internal/migrate"
)

var allTypes = []string{
	events.StackCreated, events.StackUpdated, events.StackActivated,
	events.StackDeactivated, events.StackCompleted, events.StackDeleted,
	events.TaskCreated, events.TaskUpdated, events.TaskCompleted,
	events.TaskReopened, events.TaskBlocked, events.TaskDeleted,
	events.ReminderCreated, events.ReminderSnoozed, events.ReminderDismissed,
	events.ReminderDeleted,
	events.ArcCreated, events.ArcUpdated, events.ArcCompleted, events.ArcDeleted,
	events.AttachmentAdded, events.AttachmentRemoved,
}

func TestEveryTypeIsRegistered(t *testing.T) {
	for _, evtType := range allTypes {
		if !events.KnownType(evtType) {
			t.Fatalf("type %q not in registry", evtType)
		}
		if events.EntityKindFor(evtType) == "" {
			t.Fatalf("type %q has no entity kind", evtType)
		}
	}
	if events.KnownType("stack.exploded") {
		t.Fatalf("unregistered type accepted")
	}
}

func TestRecorderRejectsUnknownTypes(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	rec := events.Recorder{DB: conn}
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	actor := domain.Actor{Type: domain.ActorHuman, ID: "tester"}

	if _, err := rec.Append(ctx, tx, "stack.exploded", "st-1", actor, map[string]any{}); err == nil {
		t.Fatalf("unknown type accepted at record time")
	}
	if _, err := rec.Append(ctx, tx, events.StackCreated, "", actor, events.StackSnapshot{}); err == nil {
		t.Fatalf("missing entity id accepted")
	}
	evt, err := rec.Append(ctx, tx, events.StackCreated, "st-1", actor, events.StackSnapshot{Title: "ok", Status: "planned", Revision: 1})
	if err != nil {
		t.Fatalf("valid append: %v", err)
	}
	if evt.EntityKind != events.KindStack {
		t.Fatalf("entity kind %q", evt.EntityKind)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	evt := domain.Event{
		Type:    events.TaskCompleted,
		Payload: `{"completed_at":"2026-08-01T09:00:00Z","delayed":true}`,
	}
	payload, err := events.Decode(evt)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	completion, ok := payload.(events.TaskCompletion)
	if !ok {
		t.Fatalf("payload type %T", payload)
	}
	if !completion.Delayed || completion.CompletedAt != "2026-08-01T09:00:00Z" {
		t.Fatalf("payload fields lost: %+v", completion)
	}

	if _, err := events.Decode(domain.Event{Type: "task.vanished", Payload: "{}"}); err == nil {
		t.Fatalf("unknown type decoded")
	}
	if _, err := events.Decode(domain.Event{Type: events.TaskCompleted, Payload: `{"completed_at":`}); err == nil {
		t.Fatalf("malformed payload decoded")
	}
}
