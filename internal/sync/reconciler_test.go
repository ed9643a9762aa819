package sync_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"stackline/internal/config"
	"stackline/internal/db"
	"stackline/internal/domain"
	"stackline/internal/engine"
	"stackline/internal/migrate"
	"stackline/internal/sync"
)

type syncEnv struct {
	DB         *sql.DB
	Engine     engine.Engine
	Actor      domain.Actor
	Reconciler sync.Reconciler
	Ctx        context.Context
}

func newSyncEnv(t *testing.T) syncEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default("tester", "device-1"))
	return syncEnv{
		DB:         conn,
		Engine:     eng,
		Actor:      eng.DefaultActor(),
		Reconciler: sync.NewReconciler(conn),
		Ctx:        context.Background(),
	}
}

func remoteStack(id string, rev int64) domain.Stack {
	return domain.Stack{
		ID:        id,
		Title:     "from server",
		Status:    "planned",
		CreatedAt: "2026-08-01T00:00:00Z",
		UpdatedAt: "2026-08-01T00:00:00Z",
		SyncMeta:  domain.SyncMeta{Revision: rev, SyncState: domain.SyncSynced},
	}
}

func TestMergeDecision(t *testing.T) {
	cases := []struct {
		name       string
		localFound bool
		localState domain.SyncState
		localRev   int64
		remoteRev  int64
		want       sync.Outcome
	}{
		{"unknown entity inserts", false, "", 0, 1, sync.OutcomeInserted},
		{"stale remote keeps local", true, domain.SyncSynced, 5, 3, sync.OutcomeKeptLocal},
		{"equal revision keeps local", true, domain.SyncPending, 4, 4, sync.OutcomeKeptLocal},
		{"newer remote overwrites synced", true, domain.SyncSynced, 2, 3, sync.OutcomeOverwrote},
		{"newer remote collides with pending", true, domain.SyncPending, 2, 3, sync.OutcomeConflict},
		{"newer remote collides with conflicted", true, domain.SyncConflicted, 2, 3, sync.OutcomeConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, sync.Merge(tc.localFound, tc.localState, tc.localRev, tc.remoteRev))
		})
	}
}

func TestApplyRemoteInsertsAndOverwrites(t *testing.T) {
	env := newSyncEnv(t)
	out, err := env.Reconciler.UpsertStackFromSync(env.Ctx, remoteStack("st-1", 1))
	require.NoError(t, err)
	require.Equal(t, sync.OutcomeInserted, out)

	got, err := env.Engine.Repo.GetStack(env.Ctx, "st-1")
	require.NoError(t, err)
	require.Equal(t, domain.SyncSynced, got.SyncState)
	require.NotNil(t, got.LastSyncedAt)

	newer := remoteStack("st-1", 2)
	newer.Title = "renamed on server"
	out, err = env.Reconciler.UpsertStackFromSync(env.Ctx, newer)
	require.NoError(t, err)
	require.Equal(t, sync.OutcomeOverwrote, out)

	got, err = env.Engine.Repo.GetStack(env.Ctx, "st-1")
	require.NoError(t, err)
	require.Equal(t, "renamed on server", got.Title)
	require.EqualValues(t, 2, got.Revision)

	// a stale copy arriving later changes nothing
	out, err = env.Reconciler.UpsertStackFromSync(env.Ctx, remoteStack("st-1", 1))
	require.NoError(t, err)
	require.Equal(t, sync.OutcomeKeptLocal, out)
	got, err = env.Engine.Repo.GetStack(env.Ctx, "st-1")
	require.NoError(t, err)
	require.Equal(t, "renamed on server", got.Title)
}

func TestConflictKeepsLocalRowAndRecordsBothSides(t *testing.T) {
	env := newSyncEnv(t)
	local, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "my edit"}, env.Actor)
	require.NoError(t, err)

	remote := remoteStack(local.ID, local.Revision+3)
	out, err := env.Reconciler.UpsertStackFromSync(env.Ctx, remote)
	require.NoError(t, err)
	require.Equal(t, sync.OutcomeConflict, out)

	// local content untouched, only the sync state flips
	kept, err := env.Engine.Repo.GetStack(env.Ctx, local.ID)
	require.NoError(t, err)
	require.Equal(t, "my edit", kept.Title)
	require.Equal(t, local.Revision, kept.Revision)
	require.Equal(t, domain.SyncConflicted, kept.SyncState)

	conflicts, err := env.Engine.Repo.ListConflicts(env.Ctx, domain.ConflictOpen)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	require.Equal(t, local.ID, c.EntityID)
	require.Equal(t, local.Revision, c.LocalRevision)
	require.Equal(t, remote.Revision, c.RemoteRevision)
	require.Contains(t, c.LocalJSON, "my edit")
	require.Contains(t, c.RemoteJSON, "from server")
}

func TestResolveLocalWinsWithHigherRevision(t *testing.T) {
	env := newSyncEnv(t)
	local, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "keep me"}, env.Actor)
	require.NoError(t, err)
	remoteRev := local.Revision + 3
	_, err = env.Reconciler.UpsertStackFromSync(env.Ctx, remoteStack(local.ID, remoteRev))
	require.NoError(t, err)

	conflicts, err := env.Engine.Repo.ListConflicts(env.Ctx, domain.ConflictOpen)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.NoError(t, env.Reconciler.Resolve(env.Ctx, conflicts[0].ID, domain.ConflictResolvedLocal))

	got, err := env.Engine.Repo.GetStack(env.Ctx, local.ID)
	require.NoError(t, err)
	require.Equal(t, "keep me", got.Title)
	// the winner must outrank both sides so the next push lands
	require.Equal(t, remoteRev+1, got.Revision)
	require.Equal(t, domain.SyncPending, got.SyncState)

	resolved, err := env.Engine.Repo.GetConflict(env.Ctx, conflicts[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.ConflictResolvedLocal, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
}

func TestResolveRemoteInstallsCapturedVersion(t *testing.T) {
	env := newSyncEnv(t)
	local, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "mine"}, env.Actor)
	require.NoError(t, err)
	remote := remoteStack(local.ID, local.Revision+2)
	_, err = env.Reconciler.UpsertStackFromSync(env.Ctx, remote)
	require.NoError(t, err)

	conflicts, err := env.Engine.Repo.ListConflicts(env.Ctx, domain.ConflictOpen)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.NoError(t, env.Reconciler.Resolve(env.Ctx, conflicts[0].ID, domain.ConflictResolvedRemote))

	got, err := env.Engine.Repo.GetStack(env.Ctx, local.ID)
	require.NoError(t, err)
	require.Equal(t, "from server", got.Title)
	require.Equal(t, remote.Revision, got.Revision)
	require.Equal(t, domain.SyncSynced, got.SyncState)

	// resolving again is rejected, the conflict is no longer open
	require.Error(t, env.Reconciler.Resolve(env.Ctx, conflicts[0].ID, domain.ConflictResolvedRemote))
}

func TestRemoteTombstoneFollowsTheSameRule(t *testing.T) {
	env := newSyncEnv(t)
	_, err := env.Reconciler.UpsertStackFromSync(env.Ctx, remoteStack("st-dead", 1))
	require.NoError(t, err)

	dead := remoteStack("st-dead", 2)
	dead.IsDeleted = true
	out, err := env.Reconciler.UpsertStackFromSync(env.Ctx, dead)
	require.NoError(t, err)
	require.Equal(t, sync.OutcomeOverwrote, out)

	_, err = env.Engine.Repo.GetStack(env.Ctx, "st-dead")
	require.Error(t, err)
	kept, err := env.Engine.Repo.GetStackIncludingDeleted(env.Ctx, "st-dead")
	require.NoError(t, err)
	require.True(t, kept.IsDeleted)
}

func TestRemoteActiveStackDeactivatesLocalOne(t *testing.T) {
	env := newSyncEnv(t)
	mine, err := env.Engine.CreateStack(env.Ctx, engine.StackCreateOptions{Title: "mine", Activate: true}, env.Actor)
	require.NoError(t, err)

	remote := remoteStack("st-remote", 1)
	remote.IsActive = true
	_, err = env.Reconciler.UpsertStackFromSync(env.Ctx, remote)
	require.NoError(t, err)

	reloaded, err := env.Engine.Repo.GetStack(env.Ctx, mine.ID)
	require.NoError(t, err)
	require.False(t, reloaded.IsActive)
	// the displacement is a local change the remote has not seen, so it
	// must queue for the next push
	require.Equal(t, mine.Revision+1, reloaded.Revision)
	require.Equal(t, domain.SyncPending, reloaded.SyncState)
	incoming, err := env.Engine.Repo.GetStack(env.Ctx, "st-remote")
	require.NoError(t, err)
	require.True(t, incoming.IsActive)
}
