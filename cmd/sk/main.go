package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stackline/internal/app"
	"stackline/internal/db"
	"stackline/internal/domain"
	"stackline/internal/engine"
	"stackline/internal/export"
	"stackline/internal/history"
	"stackline/internal/projector"
	"stackline/internal/repo"
	"stackline/internal/server"
	"stackline/internal/sync"
)

var rootCmd = &cobra.Command{
	Use:   "sk",
	Short: "Stackline CLI",
	Long: `Stackline is a local-first data layer for personal task management.
Core concepts:
- Workspace: your .stackline directory holding the database and config.
- Arcs: long-running themes (a quarter goal, a project) that group stacks.
- Stacks: focused bundles of tasks; at most one stack is active at a time.
- Tasks: the actual to-dos inside a stack, with an undo window on completion.
- Reminders: scheduled nudges attached to tasks; snooze or dismiss them.
- Event log: every change is recorded as an event, view with 'sk log tail'.
- Sync: push and pull changes against a remote; conflicts are kept for you
  to resolve with 'sk conflict resolve'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STACKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "actor identifier (defaults to workspace identity)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(arcCmd())
	rootCmd.AddCommand(stackCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(reminderCmd())
	rootCmd.AddCommand(attachCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(conflictCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func arcCmd() *cobra.Command {
	arc := &cobra.Command{Use: "arc", Short: "Manage arcs"}
	arc.AddCommand(arcCreateCmd())
	arc.AddCommand(arcListCmd())
	arc.AddCommand(arcShowCmd())
	arc.AddCommand(arcUpdateCmd())
	arc.AddCommand(arcCompleteCmd())
	arc.AddCommand(arcDeleteCmd())
	return arc
}

func arcCreateCmd() *cobra.Command {
	var opts engine.ArcCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an arc",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				a, err := c.Engine.CreateArc(ctx, opts, actorFor(c))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "arc id (optional)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Goal, "goal", "", "goal")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func arcListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List arcs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				arcs, err := c.Engine.Repo.ListArcs(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(arcs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Goal"})
				for _, a := range arcs {
					tw.AppendRow(table.Row{a.ID, a.Title, a.Status, a.Goal})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, paused, completed)")
	return cmd
}

func arcShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an arc",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				a, err := c.Engine.Repo.GetArc(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func arcUpdateCmd() *cobra.Command {
	var title, goal, status string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an arc",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ArcUpdateOptions{ID: args[0], Status: status}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("goal") {
				opts.Goal = &goal
			}
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				a, err := c.Engine.UpdateArc(ctx, opts, actorFor(c))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&goal, "goal", "", "goal")
	cmd.Flags().StringVar(&status, "status", "", "status (active, paused, completed)")
	return cmd
}

func arcCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete an arc",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				a, err := c.Engine.CompleteArc(ctx, args[0], actorFor(c))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func arcDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an arc (its stacks are detached, not deleted)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				return c.Engine.DeleteArc(ctx, args[0], actorFor(c))
			})
		},
	}
	return cmd
}

func stackCmd() *cobra.Command {
	stack := &cobra.Command{
		Use:   "stack",
		Short: "Manage stacks",
		Long:  "Stacks bundle tasks around one focus. Activating a stack deactivates every other stack, so 'sk stack list --active' always returns at most one.",
	}
	stack.AddCommand(stackCreateCmd())
	stack.AddCommand(stackListCmd())
	stack.AddCommand(stackShowCmd())
	stack.AddCommand(stackUpdateCmd())
	stack.AddCommand(stackActivateCmd())
	stack.AddCommand(stackDeactivateCmd())
	stack.AddCommand(stackCompleteCmd())
	stack.AddCommand(stackDeleteCmd())
	stack.AddCommand(stackHistoryCmd())
	return stack
}

func stackCreateCmd() *cobra.Command {
	var opts engine.StackCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				s, err := c.Engine.CreateStack(ctx, opts, actorFor(c))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "stack id (optional)")
	cmd.Flags().StringVar(&opts.ArcID, "arc", "", "arc id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().BoolVar(&opts.Activate, "activate", false, "activate on create")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func stackListCmd() *cobra.Command {
	var f repo.StackFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stacks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				stacks, err := c.Engine.Repo.ListStacks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stacks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Active", "Arc"})
				for _, s := range stacks {
					arc := ""
					if s.ArcID != nil {
						arc = *s.ArcID
					}
					active := ""
					if s.IsActive {
						active = "yes"
					}
					tw.AppendRow(table.Row{s.ID, s.Title, s.Status, active, arc})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ArcID, "arc", "", "arc filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "only the active stack")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func stackShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				s, err := c.Engine.Repo.GetStack(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func stackUpdateCmd() *cobra.Command {
	var title, description, status, arcID string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.StackUpdateOptions{ID: args[0], Status: status}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("arc") {
				opts.ArcID = &arcID
			}
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				s, err := c.Engine.UpdateStack(ctx, opts, actorFor(c))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&status, "status", "", "status (planned, in_progress, completed, archived)")
	cmd.Flags().StringVar(&arcID, "arc", "", "arc id (empty string detaches)")
	return cmd
}

func stackActivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate <id>",
		Short: "Activate a stack (deactivates all others)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				s, err := c.Engine.ActivateStack(ctx, args[0], actorFor(c))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func stackDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate a stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				s, err := c.Engine.DeactivateStack(ctx, args[0], actorFor(c))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func stackCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				s, err := c.Engine.CompleteStack(ctx, args[0], actorFor(c))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func stackDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				return c.Engine.DeleteStack(ctx, args[0], actorFor(c))
			})
		},
	}
	return cmd
}

func stackHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a stack's timeline, including its tasks and attachments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				if _, err := c.Engine.Repo.GetStackIncludingDeleted(ctx, args[0]); err != nil {
					return err
				}
				events, err := history.New(c.DB).FetchStackHistoryWithRelated(ctx, args[0])
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow pending -> in_progress -> completed, with blocked and cancelled as detours. Completing with --grace keeps an undo window open before the completion lands.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskUndoCompleteCmd())
	task.AddCommand(taskReopenCmd())
	task.AddCommand(taskBlockCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskHistoryCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				t, err := c.Engine.CreateTask(ctx, opts, actorFor(c))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional)")
	cmd.Flags().StringVar(&opts.StackID, "stack", "", "stack id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	cmd.Flags().IntVar(&opts.Position, "position", 0, "ordering position within the stack")
	cmd.Flags().StringVar(&opts.DueAt, "due", "", "due timestamp (RFC3339)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				tasks, err := c.Engine.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Stack", "Due"})
				for _, t := range tasks {
					stack := ""
					if t.StackID != nil {
						stack = *t.StackID
					}
					due := ""
					if t.DueAt != nil {
						due = *t.DueAt
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, stack, due})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.StackID, "stack", "", "stack filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				t, err := c.Engine.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, notes, status, due, stackID string
	var position int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{ID: args[0], Status: status}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("notes") {
				opts.Notes = &notes
			}
			if cmd.Flags().Changed("due") {
				opts.DueAt = &due
			}
			if cmd.Flags().Changed("stack") {
				opts.StackID = &stackID
			}
			if cmd.Flags().Changed("position") {
				opts.Position = &position
			}
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				t, err := c.Engine.UpdateTask(ctx, opts, actorFor(c))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&status, "status", "", "status (pending, in_progress, completed, blocked, cancelled)")
	cmd.Flags().StringVar(&due, "due", "", "due timestamp (RFC3339, empty string clears)")
	cmd.Flags().StringVar(&stackID, "stack", "", "stack id (empty string detaches)")
	cmd.Flags().IntVar(&position, "position", 0, "ordering position")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var graceSeconds int
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a task, optionally after an undo window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				if graceSeconds > 0 {
					window := time.Duration(graceSeconds) * time.Second
					if err := c.Engine.StartDelayedCompletion(ctx, args[0], window, actorFor(c)); err != nil {
						return err
					}
					fmt.Printf("Completing %s in %ds. Undo with 'sk task undo-complete %s'.\n", args[0], graceSeconds, args[0])
					// The workspace holds the timer, so the process must
					// outlive the window for the completion to land.
					time.Sleep(window + 100*time.Millisecond)
					t, err := c.Engine.Repo.GetTask(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(t)
				}
				t, err := c.Engine.CompleteTask(ctx, args[0], false, actorFor(c))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&graceSeconds, "grace", 0, "undo window in seconds (0 completes immediately)")
	return cmd
}

func taskUndoCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "undo-complete <id>",
		Short: "Cancel a pending delayed completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				if c.Engine.UndoDelayedCompletion(args[0]) {
					fmt.Println("Cancelled.")
				} else {
					fmt.Println("No completion pending for that task.")
				}
				return nil
			})
		},
	}
	return cmd
}

func taskReopenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reopen <id>",
		Short: "Reopen a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				t, err := c.Engine.ReopenTask(ctx, args[0], actorFor(c))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskBlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <id>",
		Short: "Mark a task blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				t, err := c.Engine.BlockTask(ctx, args[0], reason, actorFor(c))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is blocked")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				return c.Engine.DeleteTask(ctx, args[0], actorFor(c))
			})
		},
	}
	return cmd
}

func taskHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a task's timeline, including its attachments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				if _, err := c.Engine.Repo.GetTaskIncludingDeleted(ctx, args[0]); err != nil {
					return err
				}
				events, err := history.New(c.DB).FetchTaskHistoryWithRelated(ctx, args[0])
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	return cmd
}

func reminderCmd() *cobra.Command {
	rem := &cobra.Command{Use: "reminder", Short: "Manage reminders"}
	rem.AddCommand(reminderCreateCmd())
	rem.AddCommand(reminderListCmd())
	rem.AddCommand(reminderSnoozeCmd())
	rem.AddCommand(reminderDismissCmd())
	rem.AddCommand(reminderDeleteCmd())
	return rem
}

func reminderCreateCmd() *cobra.Command {
	var opts engine.ReminderCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a reminder for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				r, err := c.Engine.CreateReminder(ctx, opts, actorFor(c))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "reminder id (optional)")
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&opts.RemindAt, "at", "", "remind timestamp (RFC3339)")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func reminderListCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reminders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				reminders, err := c.Engine.Repo.ListReminders(ctx, taskID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reminders)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Status", "Remind At", "Snoozed Until"})
				for _, r := range reminders {
					snoozed := ""
					if r.SnoozedUntil != nil {
						snoozed = *r.SnoozedUntil
					}
					tw.AppendRow(table.Row{r.ID, r.TaskID, r.Status, r.RemindAt, snoozed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task filter")
	return cmd
}

func reminderSnoozeCmd() *cobra.Command {
	var until string
	cmd := &cobra.Command{
		Use:   "snooze <id>",
		Short: "Snooze a reminder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				r, err := c.Engine.SnoozeReminder(ctx, args[0], until, actorFor(c))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&until, "until", "", "snooze until (RFC3339)")
	_ = cmd.MarkFlagRequired("until")
	return cmd
}

func reminderDismissCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dismiss <id>",
		Short: "Dismiss a reminder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				r, err := c.Engine.DismissReminder(ctx, args[0], actorFor(c))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func reminderDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a reminder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				return c.Engine.DeleteReminder(ctx, args[0], actorFor(c))
			})
		},
	}
	return cmd
}

func attachCmd() *cobra.Command {
	att := &cobra.Command{Use: "attach", Short: "Manage attachments"}
	att.AddCommand(attachAddCmd())
	att.AddCommand(attachListCmd())
	att.AddCommand(attachRemoveCmd())
	return att
}

func attachAddCmd() *cobra.Command {
	var opts engine.AttachmentAddOptions
	var parentKind string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Attach a file, link, or image to a stack or task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ParentKind = domain.ParentKind(parentKind)
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				a, err := c.Engine.AddAttachment(ctx, opts, actorFor(c))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "attachment id (optional)")
	cmd.Flags().StringVar(&parentKind, "parent-kind", "", "parent kind (stack, task)")
	cmd.Flags().StringVar(&opts.ParentID, "parent-id", "", "parent id")
	cmd.Flags().StringVar(&opts.Kind, "kind", "link", "attachment kind (file, link, image)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.URL, "url", "", "location")
	_ = cmd.MarkFlagRequired("parent-kind")
	_ = cmd.MarkFlagRequired("parent-id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func attachListCmd() *cobra.Command {
	var parentKind, parentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List attachments for a parent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				attachments, err := c.Engine.Repo.ListAttachments(ctx, domain.ParentKind(parentKind), parentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(attachments)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Name", "URL"})
				for _, a := range attachments {
					tw.AppendRow(table.Row{a.ID, a.Kind, a.Name, a.URL})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&parentKind, "parent-kind", "", "parent kind (stack, task)")
	cmd.Flags().StringVar(&parentID, "parent-id", "", "parent id")
	_ = cmd.MarkFlagRequired("parent-kind")
	_ = cmd.MarkFlagRequired("parent-id")
	return cmd
}

func attachRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an attachment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				return c.Engine.RemoveAttachment(ctx, args[0], actorFor(c))
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active stack and its open tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				snap, err := export.New(c.DB).Build(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				if snap.ActiveStack == nil {
					fmt.Println("Active stack: none")
				} else {
					fmt.Printf("Active stack: %s - %s (%s)\n", snap.ActiveStack.ID, snap.ActiveStack.Title, snap.ActiveStack.Status)
				}
				fmt.Println("Open tasks:")
				for _, t := range snap.OpenTasks {
					due := ""
					if t.DueAt != nil {
						due = " due " + *t.DueAt
					}
					fmt.Printf("  [%s] %s%s\n", t.Status, t.Title, due)
				}
				fmt.Println("Stacks:")
				for status, n := range snap.StackCounts {
					fmt.Printf("  %s: %d\n", status, n)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				events, err := c.Engine.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <entity-id>",
		Short: "Show every event recorded for an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				events, err := history.New(c.DB).FetchHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	return cmd
}

func syncCmd() *cobra.Command {
	sc := &cobra.Command{Use: "sync", Short: "Sync with the configured remote"}
	sc.AddCommand(syncRunCmd())
	return sc
}

func syncRunCmd() *cobra.Command {
	var endpoint, apiKey string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Pull remote changes, then push pending local changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				if endpoint == "" {
					endpoint = c.Config.Sync.Endpoint
				}
				if apiKey == "" {
					apiKey = c.Config.Sync.APIKey
				}
				if endpoint == "" {
					return errors.New("no sync endpoint configured (set sync.endpoint in stackline.yaml or pass --endpoint)")
				}
				syncer := sync.NewSyncer(c.DB, sync.NewHTTPRemote(endpoint, apiKey))
				summary, err := syncer.Sync(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				fmt.Printf("Pushed %d, acked %d\n", summary.Pushed, summary.Acked)
				for outcome, n := range summary.Pulled {
					fmt.Printf("Pulled %s: %d\n", outcome, n)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "remote base URL (overrides config)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "remote API key (overrides config)")
	return cmd
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild all state tables from the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				report, err := projector.New(c.DB).Replay(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Applied %d events, skipped %d\n", report.Applied, report.Skipped)
				for _, e := range report.Errors {
					fmt.Printf("  error: %s\n", e.Error())
				}
				return nil
			})
		},
	}
	return cmd
}

func conflictCmd() *cobra.Command {
	conf := &cobra.Command{Use: "conflict", Short: "Inspect and resolve sync conflicts"}
	conf.AddCommand(conflictListCmd())
	conf.AddCommand(conflictResolveCmd())
	return conf
}

func conflictListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				conflicts, err := c.Engine.Repo.ListConflicts(ctx, domain.ConflictStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(conflicts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Entity", "Kind", "Local Rev", "Remote Rev", "Status"})
				for _, cf := range conflicts {
					tw.AppendRow(table.Row{cf.ID, cf.EntityID, cf.EntityKind, cf.LocalRevision, cf.RemoteRevision, cf.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "open", "status filter (open, resolved_local, resolved_remote)")
	return cmd
}

func conflictResolveCmd() *cobra.Command {
	var choice string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a conflict by keeping the local or remote version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status domain.ConflictStatus
			switch choice {
			case "local":
				status = domain.ConflictResolvedLocal
			case "remote":
				status = domain.ConflictResolvedRemote
			default:
				return fmt.Errorf("choice must be local or remote, got %q", choice)
			}
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				if err := sync.NewReconciler(c.DB).Resolve(ctx, args[0], status); err != nil {
					return err
				}
				fmt.Printf("Resolved %s (%s)\n", args[0], choice)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&choice, "choice", "", "which version wins (local, remote)")
	_ = cmd.MarkFlagRequired("choice")
	return cmd
}

func exportCmd() *cobra.Command {
	exp := &cobra.Command{Use: "export", Short: "Export snapshots for external consumers"}
	exp.AddCommand(exportWidgetCmd())
	return exp
}

func exportWidgetCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "widget",
		Short: "Write the home-screen widget snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				if path == "" {
					path = c.Config.Export.WidgetPath
				}
				if path == "" {
					return errors.New("no widget path configured (set export.widget_path or pass --out)")
				}
				if err := export.New(c.DB).Write(ctx, path); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&path, "out", "", "output path (overrides config)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys for companion apps"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the plaintext is shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				plaintext := "sk_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:        uuid.Must(uuid.NewV7()).String(),
					UserID:    c.Config.Identity.UserID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(plaintext),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := c.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := c.Engine.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("API key %s created. Store this now, it is not saved:\n%s\n", key.ID, plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				keys, err := c.Engine.Repo.ListAPIKeys(ctx, c.Config.Identity.UserID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				return c.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				if addr == "" {
					addr = c.Config.Server.Listen
				}
				if addr == "" {
					addr = "127.0.0.1:7140"
				}
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("STACKLINE_JWT_SECRET"),
					AllowLegacyActorHeader: c.Config.Server.AllowLegacyActorHeader,
				}
				if authCfg.JWTSecret == "" {
					authCfg.JWTSecret = c.Config.Server.JWTSecret
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("STACKLINE_JWT_SECRET is required for bearer auth")
				}
				var remote sync.Remote
				if c.Config.Sync.Endpoint != "" {
					remote = sync.NewHTTPRemote(c.Config.Sync.Endpoint, c.Config.Sync.APIKey)
				}
				handler, err := server.New(server.Config{Engine: c.Engine, Remote: remote, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Stackline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	c, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func actorFor(c *app.Context) domain.Actor {
	actor := c.Engine.DefaultActor()
	if id := viper.GetString("actor-id"); id != "" {
		actor.ID = id
	}
	return actor
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEvents(events []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(events)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor"})
	for _, e := range events {
		tw.AppendRow(table.Row{e.TS, e.Type, e.EntityKind + "/" + e.EntityID, string(e.ActorType) + ":" + e.ActorID})
	}
	tw.Render()
	return nil
}
