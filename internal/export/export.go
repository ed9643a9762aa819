package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stackline/internal/domain"
	"stackline/internal/repo"
)

// Exporter writes a one-way JSON snapshot for home-screen widgets. The file
// is a projection of current state only; nothing ever reads it back.
type Exporter struct {
	Repo repo.Repo
	Now  func() time.Time
}

func New(db *sql.DB) Exporter {
	return Exporter{Repo: repo.Repo{DB: db}, Now: time.Now}
}

// WidgetTask is the trimmed task shape widgets consume.
type WidgetTask struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Status string  `json:"status"`
	DueAt  *string `json:"due_at,omitempty"`
}

// Snapshot is the widget payload: the active stack with its open tasks,
// plus headline counts.
type Snapshot struct {
	GeneratedAt string         `json:"generated_at"`
	ActiveStack *domain.Stack  `json:"active_stack,omitempty"`
	OpenTasks   []WidgetTask   `json:"open_tasks"`
	StackCounts map[string]int `json:"stack_counts"`
}

// Build assembles the snapshot from current state.
func (e Exporter) Build(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		GeneratedAt: e.Now().UTC().Format(time.RFC3339),
		OpenTasks:   []WidgetTask{},
	}
	counts, err := e.Repo.CountStacksByStatus(ctx)
	if err != nil {
		return snap, err
	}
	snap.StackCounts = counts

	active, err := e.Repo.ListStacks(ctx, repo.StackFilters{ActiveOnly: true, Limit: 1})
	if err != nil {
		return snap, err
	}
	if len(active) == 0 {
		return snap, nil
	}
	s := active[0]
	snap.ActiveStack = &s

	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{StackID: s.ID})
	if err != nil {
		return snap, err
	}
	for _, t := range tasks {
		if t.Status == "completed" || t.Status == "cancelled" {
			continue
		}
		snap.OpenTasks = append(snap.OpenTasks, WidgetTask{
			ID:     t.ID,
			Title:  t.Title,
			Status: t.Status,
			DueAt:  t.DueAt,
		})
	}
	return snap, nil
}

// Write renders the snapshot to path atomically: full write to a temp file,
// then rename.
func (e Exporter) Write(ctx context.Context, path string) error {
	snap, err := e.Build(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode widget snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
