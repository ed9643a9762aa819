package engine_test

import (
	"testing"
	"time"

	"stackline/internal/engine"
)

func waitForStatus(t *testing.T, env testEnv, taskID, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := env.Engine.Repo.GetTask(env.Ctx, taskID)
		if err != nil {
			t.Fatalf("reload task: %v", err)
		}
		if task.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task never reached status %q", want)
}

func TestDelayedCompletionLands(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "slow finish"}, env.Actor)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.StartDelayedCompletion(env.Ctx, task.ID, 20*time.Millisecond, env.Actor); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !env.Engine.Delayed.Pending(task.ID) {
		t.Fatalf("window should be pending")
	}
	waitForStatus(t, env, task.ID, "completed")
	if env.Engine.Delayed.Pending(task.ID) {
		t.Fatalf("window should be gone after firing")
	}
	events, err := env.Engine.Repo.EventsForEntity(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	var sawDelayed bool
	for _, evt := range events {
		if evt.Type == "task.completed" {
			sawDelayed = true
		}
	}
	if !sawDelayed {
		t.Fatalf("no completion event recorded")
	}
}

func TestUndoWinsAgainstTheWindow(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "changed my mind"}, env.Actor)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.StartDelayedCompletion(env.Ctx, task.ID, 500*time.Millisecond, env.Actor); err != nil {
		t.Fatal(err)
	}
	if !env.Engine.UndoDelayedCompletion(task.ID) {
		t.Fatalf("undo should report a cancelled window")
	}
	// cancel twice is harmless
	if env.Engine.UndoDelayedCompletion(task.ID) {
		t.Fatalf("second undo should be a no-op")
	}
	time.Sleep(600 * time.Millisecond)
	task, err = env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != "pending" {
		t.Fatalf("cancelled completion still landed, status %q", task.Status)
	}
}

func TestRestartingTheWindowResetsIt(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "again"}, env.Actor)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.StartDelayedCompletion(env.Ctx, task.ID, time.Hour, env.Actor); err != nil {
		t.Fatal(err)
	}
	// a second call replaces the hour-long window with a short one
	if err := env.Engine.StartDelayedCompletion(env.Ctx, task.ID, 20*time.Millisecond, env.Actor); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, env, task.ID, "completed")
}

func TestDeleteTaskCancelsWindow(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "deleted mid-window"}, env.Actor)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.StartDelayedCompletion(env.Ctx, task.ID, time.Hour, env.Actor); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, task.ID, env.Actor); err != nil {
		t.Fatal(err)
	}
	if env.Engine.Delayed.Pending(task.ID) {
		t.Fatalf("delete should cancel the pending window")
	}
}

func TestRestartOutlivesTheReplacedTimer(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 25; i++ {
		task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "restarted"}, env.Actor)
		if err != nil {
			t.Fatal(err)
		}
		if err := env.Engine.StartDelayedCompletion(env.Ctx, task.ID, time.Nanosecond, env.Actor); err != nil {
			t.Fatal(err)
		}
		// the first timer may fire at any point around this restart; once
		// the long window is in place, only it owns the completion
		err = env.Engine.StartDelayedCompletion(env.Ctx, task.ID, time.Hour, env.Actor)
		if err != nil {
			// the short window landed before the restart, which is a
			// legitimate completion, not a stale-timer write
			waitForStatus(t, env, task.ID, "completed")
			continue
		}
		time.Sleep(30 * time.Millisecond)
		task, err = env.Engine.Repo.GetTask(env.Ctx, task.ID)
		if err != nil {
			t.Fatal(err)
		}
		// either the task is still pending under the new window, or the
		// short timer claimed its write in the instant before the restart.
		// In both cases the restarted window must still be open: a stale
		// timer is never allowed to consume it.
		if !env.Engine.Delayed.Pending(task.ID) {
			t.Fatalf("iteration %d: replaced timer consumed the restarted window (status %q)", i, task.Status)
		}
		env.Engine.UndoDelayedCompletion(task.ID)
	}
}
