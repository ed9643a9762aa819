package history_test

import (
	"context"
	"sort"
	"testing"

	"stackline/internal/config"
	"stackline/internal/db"
	"stackline/internal/domain"
	"stackline/internal/engine"
	"stackline/internal/history"
	"stackline/internal/migrate"
)

type fixture struct {
	Service history.Service
	Engine  engine.Engine
	Actor   domain.Actor
	Ctx     context.Context

	StackID      string
	TaskID       string
	StrayTaskID  string
	AttachmentID string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("tester", "device-1"))
	f := fixture{Service: history.New(conn), Engine: eng, Actor: eng.DefaultActor(), Ctx: context.Background()}

	stack, err := eng.CreateStack(f.Ctx, engine.StackCreateOptions{Title: "observed"}, f.Actor)
	if err != nil {
		t.Fatal(err)
	}
	f.StackID = stack.ID
	task, err := eng.CreateTask(f.Ctx, engine.TaskCreateOptions{StackID: stack.ID, Title: "member"}, f.Actor)
	if err != nil {
		t.Fatal(err)
	}
	f.TaskID = task.ID
	stray, err := eng.CreateTask(f.Ctx, engine.TaskCreateOptions{Title: "loose end"}, f.Actor)
	if err != nil {
		t.Fatal(err)
	}
	f.StrayTaskID = stray.ID
	att, err := eng.AddAttachment(f.Ctx, engine.AttachmentAddOptions{
		ParentKind: domain.ParentTask,
		ParentID:   task.ID,
		Kind:       "link",
		Name:       "evidence",
		URL:        "https://example.com",
	}, f.Actor)
	if err != nil {
		t.Fatal(err)
	}
	f.AttachmentID = att.ID
	return f
}

func entityIDs(events []domain.Event) map[string]bool {
	ids := map[string]bool{}
	for _, e := range events {
		ids[e.EntityID] = true
	}
	return ids
}

func TestStackHistoryIncludesTasksAndAttachments(t *testing.T) {
	f := newFixture(t)
	events, err := f.Service.FetchStackHistoryWithRelated(f.Ctx, f.StackID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	ids := entityIDs(events)
	if !ids[f.StackID] || !ids[f.TaskID] || !ids[f.AttachmentID] {
		t.Fatalf("composite timeline missing members: %v", ids)
	}
	if ids[f.StrayTaskID] {
		t.Fatalf("task outside the stack leaked into its timeline")
	}
}

func TestStackMembershipIsCurrentState(t *testing.T) {
	f := newFixture(t)
	empty := ""
	if _, err := f.Engine.UpdateTask(f.Ctx, engine.TaskUpdateOptions{ID: f.TaskID, StackID: &empty}, f.Actor); err != nil {
		t.Fatalf("detach task: %v", err)
	}
	events, err := f.Service.FetchStackHistoryWithRelated(f.Ctx, f.StackID)
	if err != nil {
		t.Fatal(err)
	}
	ids := entityIDs(events)
	if ids[f.TaskID] {
		t.Fatalf("detached task still contributes to the stack timeline")
	}
}

func TestTaskHistoryExcludesParentStack(t *testing.T) {
	f := newFixture(t)
	events, err := f.Service.FetchTaskHistoryWithRelated(f.Ctx, f.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	ids := entityIDs(events)
	if !ids[f.TaskID] || !ids[f.AttachmentID] {
		t.Fatalf("task timeline missing own events: %v", ids)
	}
	if ids[f.StackID] {
		t.Fatalf("parent stack events leaked into the task timeline")
	}
}

func TestHistoryIsNewestFirst(t *testing.T) {
	f := newFixture(t)
	if _, err := f.Engine.CompleteTask(f.Ctx, f.TaskID, false, f.Actor); err != nil {
		t.Fatal(err)
	}
	events, err := f.Service.FetchHistory(f.Ctx, f.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) < 2 {
		t.Fatalf("expected at least 2 events, got %d", len(events))
	}
	if !sort.SliceIsSorted(events, func(i, j int) bool { return events[i].TS > events[j].TS }) {
		t.Fatalf("events not newest-first")
	}
	if events[len(events)-1].Type != "task.created" {
		t.Fatalf("oldest event should be the creation, got %s", events[len(events)-1].Type)
	}
}

func TestDeletedEntitiesKeepTheirHistory(t *testing.T) {
	f := newFixture(t)
	if err := f.Engine.DeleteTask(f.Ctx, f.StrayTaskID, f.Actor); err != nil {
		t.Fatal(err)
	}
	events, err := f.Service.FetchHistory(f.Ctx, f.StrayTaskID)
	if err != nil {
		t.Fatal(err)
	}
	var sawDelete bool
	for _, e := range events {
		if e.Type == "task.deleted" {
			sawDelete = true
		}
	}
	if !sawDelete {
		t.Fatalf("tombstone event missing from history")
	}
}
