package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"stackline/internal/domain"
)

// graceWindow is one scheduled completion. The generation ties a timer
// callback to the schedule that created it; a restarted window gets a new
// generation, so a stale callback from the replaced timer cannot claim it.
type graceWindow struct {
	timer *time.Timer
	gen   uint64
}

// DelayedCompletions tracks tasks completed with a grace window. The write
// happens only when the timer fires; cancelling before that leaves the task
// untouched, as if completion was never requested.
type DelayedCompletions struct {
	mu      sync.Mutex
	lastGen uint64
	pending map[string]graceWindow
}

func newDelayedCompletions() *DelayedCompletions {
	return &DelayedCompletions{pending: map[string]graceWindow{}}
}

// Pending reports whether a grace window is currently open for the task.
func (d *DelayedCompletions) Pending(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[taskID]
	return ok
}

// Cancel closes the grace window for the task. Returns true if a window was
// open. Safe to call repeatedly.
func (d *DelayedCompletions) Cancel(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.pending[taskID]
	if !ok {
		return false
	}
	w.timer.Stop()
	delete(d.pending, taskID)
	return true
}

// claim removes the entry on behalf of a firing timer. The callback only
// proceeds when its generation still owns the entry; a cancel or a restart
// that got there first makes the callback a no-op.
func (d *DelayedCompletions) claim(taskID string, gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.pending[taskID]
	if !ok || w.gen != gen {
		return false
	}
	delete(d.pending, taskID)
	return true
}

// StartDelayedCompletion schedules the task to complete after the grace
// window. The task must exist and be in a state that can reach completed.
// A second call for the same task restarts the window.
func (e Engine) StartDelayedCompletion(ctx context.Context, taskID string, window time.Duration, actor domain.Actor) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := ensureTaskTransition(t.Status, "completed"); err != nil {
		return err
	}
	d := e.Delayed
	d.mu.Lock()
	if old, ok := d.pending[taskID]; ok {
		old.timer.Stop()
	}
	d.lastGen++
	gen := d.lastGen
	timer := time.AfterFunc(window, func() {
		if !d.claim(taskID, gen) {
			return
		}
		if _, err := e.CompleteTask(context.Background(), taskID, true, actor); err != nil {
			log.Printf("delayed completion of task %s: %v", taskID, err)
		}
	})
	d.pending[taskID] = graceWindow{timer: timer, gen: gen}
	d.mu.Unlock()
	return nil
}

// UndoDelayedCompletion cancels a pending grace window. Returns true when a
// window was open and the task stays in its prior state.
func (e Engine) UndoDelayedCompletion(taskID string) bool {
	return e.Delayed.Cancel(taskID)
}
