package engine_test

import (
	"context"
	"testing"
	"time"

	"stackline/internal/config"
	"stackline/internal/db"
	"stackline/internal/domain"
	"stackline/internal/engine"
	"stackline/internal/migrate"
	"stackline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Actor  domain.Actor
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("tester", "device-1")
	eng := engine.New(conn, cfg)
	return testEnv{Engine: eng, Actor: eng.DefaultActor(), Ctx: context.Background()}
}

func TestSingleActiveStack(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "first", Activate: true}, env.Actor)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if !first.IsActive {
		t.Fatalf("first stack should be active on create")
	}
	second, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "second"}, env.Actor)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.IsActive {
		t.Fatalf("second stack should not be active")
	}
	second, err = env.Engine.ActivateStack(env.Ctx, second.ID, env.Actor)
	if err != nil || !second.IsActive {
		t.Fatalf("activate second: %v", err)
	}
	first, err = env.Engine.Repo.GetStack(env.Ctx, first.ID)
	if err != nil {
		t.Fatalf("reload first: %v", err)
	}
	if first.IsActive {
		t.Fatalf("first stack should have been deactivated")
	}
	active, err := env.Engine.Repo.ListStacks(env.Ctx, repo.StackFilters{ActiveOnly: true})
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].ID != second.ID {
		t.Fatalf("expected exactly one active stack (%s), got %d", second.ID, len(active))
	}
}

func TestDeactivationLeavesStatusAlone(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "focus", Activate: true}, env.Actor)
	if err != nil {
		t.Fatal(err)
	}
	s, err = env.Engine.UpdateStack(env.Ctx, engine.StackUpdateOptions{ID: s.ID, Status: "in_progress"}, env.Actor)
	if err != nil {
		t.Fatalf("to in_progress: %v", err)
	}
	s, err = env.Engine.DeactivateStack(env.Ctx, s.ID, env.Actor)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if s.IsActive {
		t.Fatalf("stack still active")
	}
	if s.Status != "in_progress" {
		t.Fatalf("deactivation changed status to %q", s.Status)
	}
	// deactivating an inactive stack is a no-op
	before := s.Revision
	s, err = env.Engine.DeactivateStack(env.Ctx, s.ID, env.Actor)
	if err != nil {
		t.Fatalf("second deactivate: %v", err)
	}
	if s.Revision != before {
		t.Fatalf("no-op deactivate bumped revision %d -> %d", before, s.Revision)
	}
}

func TestStackStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "work"}, env.Actor)
	if err != nil {
		t.Fatal(err)
	}
	// planned -> completed is allowed, completed -> planned is not
	s, err = env.Engine.CompleteStack(env.Ctx, s.ID, env.Actor)
	if err != nil || s.Status != "completed" {
		t.Fatalf("complete: %v", err)
	}
	if s.CompletedAt == nil {
		t.Fatalf("completed stack missing completed_at")
	}
	if _, err := env.Engine.UpdateStack(env.Ctx, engine.StackUpdateOptions{ID: s.ID, Status: "planned"}, env.Actor); err == nil {
		t.Fatalf("expected transition error")
	}
}

func TestDeleteStackIsTombstone(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "gone", Activate: true}, env.Actor)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteStack(env.Ctx, s.ID, env.Actor); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetStack(env.Ctx, s.ID); err == nil {
		t.Fatalf("deleted stack still visible")
	}
	kept, err := env.Engine.Repo.GetStackIncludingDeleted(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("row should survive as tombstone: %v", err)
	}
	if !kept.IsDeleted || kept.IsActive {
		t.Fatalf("tombstone state wrong: deleted=%v active=%v", kept.IsDeleted, kept.IsActive)
	}
	if kept.SyncState != domain.SyncPending {
		t.Fatalf("tombstone must be pushed, sync_state=%s", kept.SyncState)
	}
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "stack"}, env.Actor)
	if err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{StackID: s.ID, Title: "do work"}, env.Actor)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != "pending" {
		t.Fatalf("new task status %q", task.Status)
	}
	task, err = env.Engine.BlockTask(env.Ctx, task.ID, "waiting on parts", env.Actor)
	if err != nil || task.Status != "blocked" {
		t.Fatalf("block: %v", err)
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "in_progress"}, env.Actor)
	if err != nil || task.Status != "in_progress" {
		t.Fatalf("unblock: %v", err)
	}
	task, err = env.Engine.CompleteTask(env.Ctx, task.ID, false, env.Actor)
	if err != nil || task.Status != "completed" {
		t.Fatalf("complete: %v", err)
	}
	if task.CompletedAt == nil {
		t.Fatalf("completed task missing completed_at")
	}
	task, err = env.Engine.ReopenTask(env.Ctx, task.ID, env.Actor)
	if err != nil || task.Status != "pending" {
		t.Fatalf("reopen: %v", err)
	}
	if task.CompletedAt != nil {
		t.Fatalf("reopen should clear completed_at")
	}
	// completing a task twice is a transition error
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, false, env.Actor); err != nil {
		t.Fatalf("complete after reopen: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, false, env.Actor); err == nil {
		t.Fatalf("expected transition error on double complete")
	}
}

func TestRevisionBumpsOnEveryEdit(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "count me"}, env.Actor)
	if err != nil {
		t.Fatal(err)
	}
	if task.Revision != 1 {
		t.Fatalf("fresh task revision %d", task.Revision)
	}
	notes := "updated"
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Notes: &notes}, env.Actor)
	if err != nil {
		t.Fatal(err)
	}
	if task.Revision != 2 {
		t.Fatalf("revision after edit %d", task.Revision)
	}
	if task.SyncState != domain.SyncPending {
		t.Fatalf("edit should mark row pending, got %s", task.SyncState)
	}
}

func TestReminderSnoozeAndDismiss(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "call dentist"}, env.Actor)
	if err != nil {
		t.Fatal(err)
	}
	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	r, err := env.Engine.CreateReminder(env.Ctx, engine.ReminderCreateOptions{TaskID: task.ID, RemindAt: at}, env.Actor)
	if err != nil {
		t.Fatalf("create reminder: %v", err)
	}
	until := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)
	r, err = env.Engine.SnoozeReminder(env.Ctx, r.ID, until, env.Actor)
	if err != nil || r.Status != "snoozed" {
		t.Fatalf("snooze: %v", err)
	}
	if r.SnoozedUntil == nil || *r.SnoozedUntil != until {
		t.Fatalf("snoozed_until not recorded")
	}
	r, err = env.Engine.DismissReminder(env.Ctx, r.ID, env.Actor)
	if err != nil || r.Status != "dismissed" {
		t.Fatalf("dismiss: %v", err)
	}
	if r.SnoozedUntil != nil {
		t.Fatalf("dismiss should clear snoozed_until")
	}
	// dismiss again is idempotent, snooze after dismiss is not allowed
	if _, err := env.Engine.DismissReminder(env.Ctx, r.ID, env.Actor); err != nil {
		t.Fatalf("second dismiss: %v", err)
	}
	if _, err := env.Engine.SnoozeReminder(env.Ctx, r.ID, until, env.Actor); err == nil {
		t.Fatalf("expected error snoozing a dismissed reminder")
	}
	// bad timestamp rejected on create
	if _, err := env.Engine.CreateReminder(env.Ctx, engine.ReminderCreateOptions{TaskID: task.ID, RemindAt: "tomorrow"}, env.Actor); err == nil {
		t.Fatalf("expected error for unparseable remind_at")
	}
}

func TestDeleteArcDetachesStacks(t *testing.T) {
	env := newTestEnv(t)
	arc, err := env.Engine.CreateArc(env.Ctx, engine.ArcCreateOptions{Title: "Q3", Goal: "ship it"}, env.Actor)
	if err != nil {
		t.Fatal(err)
	}
	s, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "inside", ArcID: arc.ID}, env.Actor)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteArc(env.Ctx, arc.ID, env.Actor); err != nil {
		t.Fatalf("delete arc: %v", err)
	}
	s, err = env.Engine.Repo.GetStack(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("stack must survive arc deletion: %v", err)
	}
	if s.ArcID != nil {
		t.Fatalf("stack still points at deleted arc")
	}
}

func TestAttachmentParentValidation(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "attach here"}, env.Actor)
	if err != nil {
		t.Fatal(err)
	}
	a, err := env.Engine.AddAttachment(env.Ctx, engine.AttachmentAddOptions{
		ParentKind: domain.ParentTask,
		ParentID:   task.ID,
		Kind:       "link",
		Name:       "design doc",
		URL:        "https://example.com/doc",
	}, env.Actor)
	if err != nil {
		t.Fatalf("add attachment: %v", err)
	}
	if _, err := env.Engine.AddAttachment(env.Ctx, engine.AttachmentAddOptions{
		ParentKind: domain.ParentStack,
		ParentID:   "missing",
		Kind:       "link",
		Name:       "dangling",
	}, env.Actor); err == nil {
		t.Fatalf("expected error for missing parent")
	}
	if err := env.Engine.RemoveAttachment(env.Ctx, a.ID, env.Actor); err != nil {
		t.Fatalf("remove: %v", err)
	}
	items, err := env.Engine.Repo.ListAttachments(env.Ctx, domain.ParentTask, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("removed attachment still listed")
	}
}

func TestEveryMutationRecordsAnEvent(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "logged", Activate: true}, env.Actor)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteStack(env.Ctx, s.ID, env.Actor); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.EventsForEntity(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for _, evt := range events {
		if evt.ActorID != env.Actor.ID {
			t.Fatalf("event actor %q, want %q", evt.ActorID, env.Actor.ID)
		}
	}
}
