package sync_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"stackline/internal/domain"
	"stackline/internal/engine"
	"stackline/internal/events"
	"stackline/internal/sync"
)

// fakeRemote records what was pushed and acks everything by default.
type fakeRemote struct {
	pullChanges Changes
	pullErr     error
	pushErr     error
	pushed      []Changes
	pulledFrom  []string
	ack         func(Changes) []sync.Ack
}

type Changes = sync.Changes

func (f *fakeRemote) Pull(_ context.Context, cursor string) (Changes, error) {
	f.pulledFrom = append(f.pulledFrom, cursor)
	if f.pullErr != nil {
		return Changes{}, f.pullErr
	}
	return f.pullChanges, nil
}

func (f *fakeRemote) Push(_ context.Context, changes Changes) (sync.PushResult, error) {
	if f.pushErr != nil {
		return sync.PushResult{}, f.pushErr
	}
	f.pushed = append(f.pushed, changes)
	if f.ack != nil {
		return sync.PushResult{Acked: f.ack(changes)}, nil
	}
	var acked []sync.Ack
	for _, s := range changes.Stacks {
		acked = append(acked, sync.Ack{EntityKind: events.KindStack, EntityID: s.ID, ServerID: "srv-" + s.ID, Revision: s.Revision})
	}
	for _, task := range changes.Tasks {
		acked = append(acked, sync.Ack{EntityKind: events.KindTask, EntityID: task.ID, ServerID: "srv-" + task.ID, Revision: task.Revision})
	}
	return sync.PushResult{Acked: acked}, nil
}

func TestSyncPushesPendingRows(t *testing.T) {
	env := newSyncEnv(t)
	stack, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "push me"}, env.Actor)
	require.NoError(t, err)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{StackID: stack.ID, Title: "and me"}, env.Actor)
	require.NoError(t, err)

	remote := &fakeRemote{}
	syncer := sync.NewSyncer(env.DB, remote)
	sum, err := syncer.Sync(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, 2, sum.Pushed)
	require.Equal(t, 2, sum.Acked)

	got, err := env.Engine.Repo.GetStack(env.Ctx, stack.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncSynced, got.SyncState)
	require.NotNil(t, got.ServerID)

	gotTask, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncSynced, gotTask.SyncState)

	// a second run has nothing to push
	sum, err = syncer.Sync(env.Ctx)
	require.NoError(t, err)
	require.Zero(t, sum.Pushed)
	require.Empty(t, remote.pushed[1:])
}

func TestSyncAppliesPulledChangesAndAdvancesCursor(t *testing.T) {
	env := newSyncEnv(t)
	remote := &fakeRemote{pullChanges: Changes{
		Stacks: []domain.Stack{remoteStack("st-9", 1)},
		Cursor: "c-42",
	}}
	syncer := sync.NewSyncer(env.DB, remote)
	sum, err := syncer.Sync(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Pulled[sync.OutcomeInserted])

	_, err = env.Engine.Repo.GetStack(env.Ctx, "st-9")
	require.NoError(t, err)

	// the cursor persists across runs
	remote.pullChanges = Changes{}
	_, err = syncer.Sync(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"", "c-42"}, remote.pulledFrom)
}

func TestPullFailureLeavesStoreUntouched(t *testing.T) {
	env := newSyncEnv(t)
	stack, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "still pending"}, env.Actor)
	require.NoError(t, err)

	syncer := sync.NewSyncer(env.DB, &fakeRemote{pullErr: errors.New("boom")})
	_, err = syncer.Sync(env.Ctx)
	require.Error(t, err)

	got, err := env.Engine.Repo.GetStack(env.Ctx, stack.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncPending, got.SyncState)
}

func TestRowEditedDuringPushStaysPending(t *testing.T) {
	env := newSyncEnv(t)
	stack, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "racy"}, env.Actor)
	require.NoError(t, err)

	remote := &fakeRemote{}
	remote.ack = func(changes Changes) []sync.Ack {
		// simulate an edit landing while the server processes the push
		title := "edited mid-flight"
		_, editErr := env.Engine.UpdateStack(env.Ctx, engine.StackUpdateOptions{ID: stack.ID, Title: &title}, env.Actor)
		require.NoError(t, editErr)
		var acked []sync.Ack
		for _, s := range changes.Stacks {
			acked = append(acked, sync.Ack{EntityKind: events.KindStack, EntityID: s.ID, ServerID: "srv-1", Revision: s.Revision})
		}
		return acked
	}
	syncer := sync.NewSyncer(env.DB, remote)
	sum, err := syncer.Sync(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Pushed)
	require.Zero(t, sum.Acked)

	got, err := env.Engine.Repo.GetStack(env.Ctx, stack.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncPending, got.SyncState)
	require.Equal(t, "edited mid-flight", got.Title)
}

func TestHubServesAnotherDevice(t *testing.T) {
	hubEnv := newSyncEnv(t)
	devEnv := newSyncEnv(t)

	shared, err := hubEnv.Engine.CreateStack(hubEnv.Ctx, engine.StackCreateOptions{Title: "on the hub"}, hubEnv.Actor)
	require.NoError(t, err)
	mine, err := devEnv.Engine.CreateStack(devEnv.Ctx, engine.StackCreateOptions{Title: "on the device"}, devEnv.Actor)
	require.NoError(t, err)

	syncer := sync.NewSyncer(devEnv.DB, sync.NewHub(hubEnv.DB))
	sum, err := syncer.Sync(devEnv.Ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Pulled[sync.OutcomeInserted])
	require.Equal(t, 1, sum.Pushed)
	require.Equal(t, 1, sum.Acked)

	pulled, err := devEnv.Engine.Repo.GetStack(devEnv.Ctx, shared.ID)
	require.NoError(t, err)
	require.Equal(t, "on the hub", pulled.Title)
	require.Equal(t, domain.SyncSynced, pulled.SyncState)

	pushed, err := hubEnv.Engine.Repo.GetStack(hubEnv.Ctx, mine.ID)
	require.NoError(t, err)
	require.Equal(t, "on the device", pushed.Title)

	// the saved cursor keeps already-delivered rows out of the next pull
	sum2, err := syncer.Sync(devEnv.Ctx)
	require.NoError(t, err)
	require.Zero(t, sum2.Pulled[sync.OutcomeInserted])
	require.Zero(t, sum2.Pushed)
}
