package projector_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stackline/internal/config"
	"stackline/internal/db"
	"stackline/internal/domain"
	"stackline/internal/engine"
	"stackline/internal/events"
	"stackline/internal/migrate"
	"stackline/internal/projector"
	"stackline/internal/repo"
	"stackline/internal/sync"
)

type replayEnv struct {
	DB        *sql.DB
	Engine    engine.Engine
	Actor     domain.Actor
	Projector projector.Projector
	Ctx       context.Context
}

func newReplayEnv(t *testing.T) replayEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default("tester", "device-1"))
	return replayEnv{
		DB:        conn,
		Engine:    eng,
		Actor:     eng.DefaultActor(),
		Projector: projector.New(conn),
		Ctx:       context.Background(),
	}
}

func TestReplayReproducesState(t *testing.T) {
	env := newReplayEnv(t)
	arc, err := env.Engine.CreateArc(env.Ctx, engine.ArcCreateOptions{Title: "Q3", Goal: "ship"}, env.Actor)
	require.NoError(t, err)
	stack, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "focus", ArcID: arc.ID, Activate: true}, env.Actor)
	require.NoError(t, err)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{StackID: stack.ID, Title: "step one"}, env.Actor)
	require.NoError(t, err)
	task, err = env.Engine.CompleteTask(env.Ctx, task.ID, false, env.Actor)
	require.NoError(t, err)

	// clobber the state tables, then rebuild from the log
	_, err = env.DB.Exec(`UPDATE tasks SET title='corrupted', status='blocked'`)
	require.NoError(t, err)

	report, err := env.Projector.Replay(env.Ctx)
	require.NoError(t, err)
	require.Empty(t, report.Errors)
	require.Equal(t, 4, report.Applied)

	rebuilt, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "step one", rebuilt.Title)
	require.Equal(t, "completed", rebuilt.Status)
	require.NotNil(t, rebuilt.CompletedAt)
	require.Equal(t, task.Revision, rebuilt.Revision)

	stackRebuilt, err := env.Engine.Repo.GetStack(env.Ctx, stack.ID)
	require.NoError(t, err)
	require.True(t, stackRebuilt.IsActive)
	require.NotNil(t, stackRebuilt.ArcID)
	require.Equal(t, arc.ID, *stackRebuilt.ArcID)
}

func TestReplayIsIdempotent(t *testing.T) {
	env := newReplayEnv(t)
	stack, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "stable", Activate: true}, env.Actor)
	require.NoError(t, err)
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{StackID: stack.ID, Title: "t1"}, env.Actor)
	require.NoError(t, err)

	_, err = env.Projector.Replay(env.Ctx)
	require.NoError(t, err)
	first, err := env.Engine.Repo.ListStacks(env.Ctx, repo.StackFilters{})
	require.NoError(t, err)

	_, err = env.Projector.Replay(env.Ctx)
	require.NoError(t, err)
	second, err := env.Engine.Repo.ListStacks(env.Ctx, repo.StackFilters{})
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestReplayKeepsOneStackActive(t *testing.T) {
	env := newReplayEnv(t)
	a, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "a", Activate: true}, env.Actor)
	require.NoError(t, err)
	b, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "b"}, env.Actor)
	require.NoError(t, err)
	_, err = env.Engine.ActivateStack(env.Ctx, b.ID, env.Actor)
	require.NoError(t, err)
	_, err = env.Engine.ActivateStack(env.Ctx, a.ID, env.Actor)
	require.NoError(t, err)

	// The log holds three activation claims and no deactivations. Replay
	// must re-derive the invariant and let the latest claim win.
	_, err = env.Projector.Replay(env.Ctx)
	require.NoError(t, err)
	active, err := env.Engine.Repo.ListStacks(env.Ctx, repo.StackFilters{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, a.ID, active[0].ID)
}

func TestActivationEventsNeverTouchStatus(t *testing.T) {
	env := newReplayEnv(t)
	s, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "working"}, env.Actor)
	require.NoError(t, err)
	s, err = env.Engine.UpdateStack(env.Ctx, engine.StackUpdateOptions{ID: s.ID, Status: "in_progress"}, env.Actor)
	require.NoError(t, err)
	_, err = env.Engine.ActivateStack(env.Ctx, s.ID, env.Actor)
	require.NoError(t, err)
	_, err = env.Engine.DeactivateStack(env.Ctx, s.ID, env.Actor)
	require.NoError(t, err)

	_, err = env.Projector.Replay(env.Ctx)
	require.NoError(t, err)
	rebuilt, err := env.Engine.Repo.GetStack(env.Ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, "in_progress", rebuilt.Status)
	require.False(t, rebuilt.IsActive)
}

func insertRawEvent(t *testing.T, conn *sql.DB, id, ts, evtType, entityKind, entityID, payload string) {
	t.Helper()
	_, err := conn.Exec(`INSERT INTO events(id,ts,type,entity_kind,entity_id,actor_type,actor_id,payload_json)
VALUES (?,?,?,?,?,?,?,?)`, id, ts, evtType, entityKind, entityID, "human", "tester", payload)
	require.NoError(t, err)
}

func TestBrokenEventsAreReportedAndSkipped(t *testing.T) {
	env := newReplayEnv(t)
	good, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "survivor"}, env.Actor)
	require.NoError(t, err)

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	// a creation whose payload cannot decode poisons its entity
	insertRawEvent(t, env.DB, "evt-bad-1", ts, "stack.created", "stack", "broken-stack", `{"title":`)
	insertRawEvent(t, env.DB, "evt-bad-2", ts, "stack.completed", "stack", "broken-stack", `{"completed_at":"2026-01-01T00:00:00Z"}`)
	// a type outside the registry is an error, never a silent drop
	insertRawEvent(t, env.DB, "evt-bad-3", ts, "stack.exploded", "stack", good.ID, `{}`)

	report, err := env.Projector.Replay(env.Ctx)
	require.NoError(t, err)
	require.NotEmpty(t, report.Errors)
	require.GreaterOrEqual(t, report.Skipped, 1)

	// the poisoned entity never materializes, the good one survives
	_, err = env.Engine.Repo.GetStackIncludingDeleted(env.Ctx, "broken-stack")
	require.Error(t, err)
	rebuilt, err := env.Engine.Repo.GetStack(env.Ctx, good.ID)
	require.NoError(t, err)
	require.Equal(t, "survivor", rebuilt.Title)
}

func TestReplayedRowsArePending(t *testing.T) {
	env := newReplayEnv(t)
	s, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "resync me"}, env.Actor)
	require.NoError(t, err)
	// pretend the row was synced before the replay
	_, err = env.DB.Exec(`UPDATE stacks SET sync_state='synced', server_id='srv-1' WHERE id=?`, s.ID)
	require.NoError(t, err)

	_, err = env.Projector.Replay(env.Ctx)
	require.NoError(t, err)
	rebuilt, err := env.Engine.Repo.GetStack(env.Ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncPending, rebuilt.SyncState)
}

func TestArcDeletionDetachesStacksOnReplay(t *testing.T) {
	env := newReplayEnv(t)
	arc, err := env.Engine.CreateArc(env.Ctx, engine.ArcCreateOptions{Title: "spring push"}, env.Actor)
	require.NoError(t, err)
	stack, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "member", ArcID: arc.ID}, env.Actor)
	require.NoError(t, err)
	require.NoError(t, env.Engine.DeleteArc(env.Ctx, arc.ID, env.Actor))

	live, err := env.Engine.Repo.GetStack(env.Ctx, stack.ID)
	require.NoError(t, err)
	require.Nil(t, live.ArcID)

	_, err = env.Projector.Replay(env.Ctx)
	require.NoError(t, err)
	rebuilt, err := env.Engine.Repo.GetStack(env.Ctx, stack.ID)
	require.NoError(t, err)
	require.Nil(t, rebuilt.ArcID)
	require.Equal(t, live.Revision, rebuilt.Revision)
}

func TestReplayKeepsRowsWithoutEvents(t *testing.T) {
	env := newReplayEnv(t)
	local, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "mine"}, env.Actor)
	require.NoError(t, err)

	// rows pulled from the server have no entries in the local log
	rec := sync.NewReconciler(env.DB)
	out, err := rec.UpsertStackFromSync(env.Ctx, domain.Stack{
		ID:        "st-remote",
		Title:     "from another device",
		Status:    "planned",
		CreatedAt: "2026-08-01T00:00:00Z",
		UpdatedAt: "2026-08-01T00:00:00Z",
		SyncMeta:  domain.SyncMeta{Revision: 3},
	})
	require.NoError(t, err)
	require.Equal(t, sync.OutcomeInserted, out)

	_, err = env.Projector.Replay(env.Ctx)
	require.NoError(t, err)

	kept, err := env.Engine.Repo.GetStackIncludingDeleted(env.Ctx, "st-remote")
	require.NoError(t, err)
	require.Equal(t, "from another device", kept.Title)
	require.Equal(t, domain.SyncSynced, kept.SyncState)
	require.Equal(t, int64(3), kept.Revision)

	rebuilt, err := env.Engine.Repo.GetStack(env.Ctx, local.ID)
	require.NoError(t, err)
	require.Equal(t, "mine", rebuilt.Title)
	require.Equal(t, domain.SyncPending, rebuilt.SyncState)
}

func TestIncrementalBatchToleratesBadCreationEvents(t *testing.T) {
	env := newReplayEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "already here"}, env.Actor)
	require.NoError(t, err)

	// the row exists, so a broken creation event in the batch must not
	// block the later events for this task
	batch := []domain.Event{
		{
			ID: "evt-dup", TS: "2026-08-29T10:00:00Z", Type: events.TaskCreated,
			EntityKind: events.KindTask, EntityID: task.ID,
			ActorType: domain.ActorHuman, ActorID: "tester", Payload: `{"title":`,
		},
		{
			ID: "evt-done", TS: "2026-08-29T10:00:01Z", Type: events.TaskCompleted,
			EntityKind: events.KindTask, EntityID: task.ID,
			ActorType: domain.ActorHuman, ActorID: "tester",
			Payload: `{"completed_at":"2026-08-29T10:00:01Z"}`,
		},
	}
	report, err := env.Projector.Apply(env.Ctx, batch)
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	require.Equal(t, 1, report.Applied)
	require.Zero(t, report.Skipped)

	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "completed", got.Status)
}
