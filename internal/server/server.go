package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"stackline/internal/domain"
	"stackline/internal/engine"
	"stackline/internal/export"
	"stackline/internal/history"
	"stackline/internal/projector"
	"stackline/internal/repo"
	"stackline/internal/sync"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Remote   sync.Remote
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"stack not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stackline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Stackline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	hist := history.Service{Repo: cfg.Engine.Repo}
	rec := sync.NewReconciler(cfg.Engine.DB)
	proj := projector.New(cfg.Engine.DB)

	registerDocs(router)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerArcs(group, cfg.Engine)
	registerStacks(group, cfg.Engine, hist)
	registerTasks(group, cfg.Engine, hist)
	registerReminders(group, cfg.Engine)
	registerAttachments(group, cfg.Engine)
	registerEvents(group, hist)
	registerConflicts(group, cfg.Engine, rec)
	registerSync(group, cfg.Engine, cfg.Remote, proj)
	registerExport(group, cfg.Engine)

	startWebhookDispatcher(cfg.Engine)
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "conflict"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "cannot"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML())
	})
}

func swaggerHTML() string {
	specURL := "/openapi.json"
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Stackline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.Repo.CountStacksByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		var active *StackResponse
		stacks, err := e.Repo.ListStacks(ctx, repo.StackFilters{ActiveOnly: true, Limit: 1})
		if err != nil {
			return nil, handleError(err)
		}
		if len(stacks) > 0 {
			r := stackResponse(stacks[0])
			active = &r
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"stack_counts": counts,
			"active_stack": active,
		}}, nil
	})
}

func registerStacks(api huma.API, e engine.Engine, hist history.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-stack",
		Method:        http.MethodPost,
		Path:          "/stacks",
		Summary:       "Create stack",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateStackRequest `json:"body"`
	}) (*struct {
		Body StackResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.StackCreateOptions{
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			Activate:    input.Body.Activate,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.ArcID != nil {
			opts.ArcID = *input.Body.ArcID
		}
		s, err := e.CreateStack(ctx, opts, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StackResponse `json:"body"`
		}{Body: stackResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stacks",
		Method:      http.MethodGet,
		Path:        "/stacks",
		Summary:     "List stacks",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		ArcID  string `query:"arc_id"`
		Active bool   `query:"active"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []StackResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListStacks(ctx, repo.StackFilters{
			Status:     input.Status,
			ArcID:      input.ArcID,
			ActiveOnly: input.Active,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StackResponse `json:"body"`
		}{Body: mapStacks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stack",
		Method:      http.MethodGet,
		Path:        "/stacks/{stack_id}",
		Summary:     "Get stack",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StackID string `path:"stack_id"`
	}) (*struct {
		Body StackResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStack(ctx, input.StackID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StackResponse `json:"body"`
		}{Body: stackResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-stack",
		Method:      http.MethodPatch,
		Path:        "/stacks/{stack_id}",
		Summary:     "Update stack",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		StackID string             `path:"stack_id"`
		Body    UpdateStackRequest `json:"body"`
	}) (*struct {
		Body StackResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.UpdateStack(ctx, engine.StackUpdateOptions{
			ID:          input.StackID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Status:      input.Body.Status,
			ArcID:       input.Body.ArcID,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StackResponse `json:"body"`
		}{Body: stackResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-stack",
		Method:      http.MethodPost,
		Path:        "/stacks/{stack_id}/activate",
		Summary:     "Activate stack",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StackID string `path:"stack_id"`
	}) (*struct {
		Body StackResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ActivateStack(ctx, input.StackID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StackResponse `json:"body"`
		}{Body: stackResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-stack",
		Method:      http.MethodPost,
		Path:        "/stacks/{stack_id}/deactivate",
		Summary:     "Deactivate stack",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StackID string `path:"stack_id"`
	}) (*struct {
		Body StackResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.DeactivateStack(ctx, input.StackID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StackResponse `json:"body"`
		}{Body: stackResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-stack",
		Method:      http.MethodPost,
		Path:        "/stacks/{stack_id}/complete",
		Summary:     "Complete stack",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		StackID string `path:"stack_id"`
	}) (*struct {
		Body StackResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CompleteStack(ctx, input.StackID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StackResponse `json:"body"`
		}{Body: stackResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-stack",
		Method:      http.MethodDelete,
		Path:        "/stacks/{stack_id}",
		Summary:     "Delete stack",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StackID string `path:"stack_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteStack(ctx, input.StackID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stack-history",
		Method:      http.MethodGet,
		Path:        "/stacks/{stack_id}/history",
		Summary:     "Stack history with related entities",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StackID string `path:"stack_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetStackIncludingDeleted(ctx, input.StackID); err != nil {
			return nil, handleError(err)
		}
		evts, err := hist.FetchStackHistoryWithRelated(ctx, input.StackID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(evts)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine, hist history.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			Title:    input.Body.Title,
			Notes:    stringOrEmpty(input.Body.Notes),
			Position: input.Body.Position,
			DueAt:    stringOrEmpty(input.Body.DueAt),
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.StackID != nil {
			opts.StackID = *input.Body.StackID
		}
		t, err := e.CreateTask(ctx, opts, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		StackID string `query:"stack_id"`
		Status  string `query:"status"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			StackID: input.StackID,
			Status:  input.Status,
			Limit:   input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:       input.TaskID,
			Title:    input.Body.Title,
			Notes:    input.Body.Notes,
			Status:   input.Body.Status,
			Position: input.Body.Position,
			DueAt:    input.Body.DueAt,
			StackID:  input.Body.StackID,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete task, optionally after a grace window",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   struct {
			GraceSeconds int `json:"grace_seconds,omitempty" minimum:"0"`
		} `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.GraceSeconds > 0 {
			if err := e.StartDelayedCompletion(ctx, input.TaskID, time.Duration(input.Body.GraceSeconds)*time.Second, actor); err != nil {
				return nil, handleError(err)
			}
			t, err := e.Repo.GetTask(ctx, input.TaskID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body TaskResponse `json:"body"`
			}{Body: taskResponse(t)}, nil
		}
		t, err := e.CompleteTask(ctx, input.TaskID, false, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "undo-complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/undo-complete",
		Summary:     "Cancel a pending grace window",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		cancelled := e.UndoDelayedCompletion(input.TaskID)
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"cancelled": cancelled}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/reopen",
		Summary:     "Reopen task",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ReopenTask(ctx, input.TaskID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "block-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/block",
		Summary:     "Block task",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   struct {
			Reason string `json:"reason,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.BlockTask(ctx, input.TaskID, input.Body.Reason, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}",
		Summary:     "Delete task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTask(ctx, input.TaskID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/history",
		Summary:     "Task history with its attachments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTaskIncludingDeleted(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		evts, err := hist.FetchTaskHistoryWithRelated(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(evts)}, nil
	})
}

func registerReminders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-reminder",
		Method:        http.MethodPost,
		Path:          "/reminders",
		Summary:       "Create reminder",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateReminderRequest `json:"body"`
	}) (*struct {
		Body ReminderResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ReminderCreateOptions{
			TaskID:   input.Body.TaskID,
			RemindAt: input.Body.RemindAt,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		rm, err := e.CreateReminder(ctx, opts, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReminderResponse `json:"body"`
		}{Body: reminderResponse(rm)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reminders",
		Method:      http.MethodGet,
		Path:        "/reminders",
		Summary:     "List reminders",
	}, func(ctx context.Context, input *struct {
		TaskID string `query:"task_id"`
	}) (*struct {
		Body []ReminderResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListReminders(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ReminderResponse `json:"body"`
		}{Body: mapReminders(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "snooze-reminder",
		Method:      http.MethodPost,
		Path:        "/reminders/{reminder_id}/snooze",
		Summary:     "Snooze reminder",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ReminderID string `path:"reminder_id"`
		Body       struct {
			Until string `json:"until"`
		} `json:"body"`
	}) (*struct {
		Body ReminderResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rm, err := e.SnoozeReminder(ctx, input.ReminderID, input.Body.Until, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReminderResponse `json:"body"`
		}{Body: reminderResponse(rm)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dismiss-reminder",
		Method:      http.MethodPost,
		Path:        "/reminders/{reminder_id}/dismiss",
		Summary:     "Dismiss reminder",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ReminderID string `path:"reminder_id"`
	}) (*struct {
		Body ReminderResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rm, err := e.DismissReminder(ctx, input.ReminderID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReminderResponse `json:"body"`
		}{Body: reminderResponse(rm)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-reminder",
		Method:      http.MethodDelete,
		Path:        "/reminders/{reminder_id}",
		Summary:     "Delete reminder",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ReminderID string `path:"reminder_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteReminder(ctx, input.ReminderID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerArcs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-arc",
		Method:        http.MethodPost,
		Path:          "/arcs",
		Summary:       "Create arc",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateArcRequest `json:"body"`
	}) (*struct {
		Body ArcResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ArcCreateOptions{
			Title: input.Body.Title,
			Goal:  stringOrEmpty(input.Body.Goal),
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		a, err := e.CreateArc(ctx, opts, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArcResponse `json:"body"`
		}{Body: arcResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-arcs",
		Method:      http.MethodGet,
		Path:        "/arcs",
		Summary:     "List arcs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []ArcResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListArcs(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ArcResponse `json:"body"`
		}{Body: mapArcs(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-arc",
		Method:      http.MethodGet,
		Path:        "/arcs/{arc_id}",
		Summary:     "Get arc",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ArcID string `path:"arc_id"`
	}) (*struct {
		Body ArcResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetArc(ctx, input.ArcID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArcResponse `json:"body"`
		}{Body: arcResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-arc",
		Method:      http.MethodPatch,
		Path:        "/arcs/{arc_id}",
		Summary:     "Update arc",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ArcID string           `path:"arc_id"`
		Body  UpdateArcRequest `json:"body"`
	}) (*struct {
		Body ArcResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.UpdateArc(ctx, engine.ArcUpdateOptions{
			ID:     input.ArcID,
			Title:  input.Body.Title,
			Goal:   input.Body.Goal,
			Status: input.Body.Status,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArcResponse `json:"body"`
		}{Body: arcResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-arc",
		Method:      http.MethodPost,
		Path:        "/arcs/{arc_id}/complete",
		Summary:     "Complete arc",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ArcID string `path:"arc_id"`
	}) (*struct {
		Body ArcResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CompleteArc(ctx, input.ArcID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArcResponse `json:"body"`
		}{Body: arcResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-arc",
		Method:      http.MethodDelete,
		Path:        "/arcs/{arc_id}",
		Summary:     "Delete arc",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ArcID string `path:"arc_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteArc(ctx, input.ArcID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAttachments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-attachment",
		Method:        http.MethodPost,
		Path:          "/attachments",
		Summary:       "Add attachment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body AddAttachmentRequest `json:"body"`
	}) (*struct {
		Body AttachmentResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.AttachmentAddOptions{
			ParentKind: domain.ParentKind(input.Body.ParentKind),
			ParentID:   input.Body.ParentID,
			Kind:       input.Body.Kind,
			Name:       input.Body.Name,
			URL:        stringOrEmpty(input.Body.URL),
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		at, err := e.AddAttachment(ctx, opts, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AttachmentResponse `json:"body"`
		}{Body: attachmentResponse(at)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-attachments",
		Method:      http.MethodGet,
		Path:        "/attachments",
		Summary:     "List attachments for a parent",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ParentKind string `query:"parent_kind"`
		ParentID   string `query:"parent_id"`
	}) (*struct {
		Body []AttachmentResponse `json:"body"`
	}, error) {
		if input.ParentKind == "" || input.ParentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "parent_kind and parent_id are required", nil)
		}
		items, err := e.Repo.ListAttachments(ctx, domain.ParentKind(input.ParentKind), input.ParentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AttachmentResponse `json:"body"`
		}{Body: mapAttachments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-attachment",
		Method:      http.MethodDelete,
		Path:        "/attachments/{attachment_id}",
		Summary:     "Remove attachment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AttachmentID string `path:"attachment_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveAttachment(ctx, input.AttachmentID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, hist history.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events, newest first",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		evts, err := hist.LatestEvents(ctx, input.Limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(evts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "entity-history",
		Method:      http.MethodGet,
		Path:        "/history/{entity_id}",
		Summary:     "Event history for one entity",
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		evts, err := hist.FetchHistory(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(evts)}, nil
	})
}

func registerConflicts(api huma.API, e engine.Engine, rec sync.Reconciler) {
	huma.Register(api, huma.Operation{
		OperationID: "list-conflicts",
		Method:      http.MethodGet,
		Path:        "/conflicts",
		Summary:     "List sync conflicts",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []ConflictResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListConflicts(ctx, domain.ConflictStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ConflictResponse `json:"body"`
		}{Body: mapConflicts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-conflict",
		Method:      http.MethodPost,
		Path:        "/conflicts/{conflict_id}/resolve",
		Summary:     "Resolve a sync conflict",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ConflictID string `path:"conflict_id"`
		Body       struct {
			Choice string `json:"choice" enum:"local,remote"`
		} `json:"body"`
	}) (*struct {
		Body ConflictResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var choice domain.ConflictStatus
		switch input.Body.Choice {
		case "local":
			choice = domain.ConflictResolvedLocal
		case "remote":
			choice = domain.ConflictResolvedRemote
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "choice must be local or remote", nil)
		}
		if err := rec.Resolve(ctx, input.ConflictID, choice); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Repo.GetConflict(ctx, input.ConflictID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConflictResponse `json:"body"`
		}{Body: conflictResponse(c)}, nil
	})
}

func registerSync(api huma.API, e engine.Engine, remote sync.Remote, proj projector.Projector) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sync",
		Method:      http.MethodPost,
		Path:        "/sync/run",
		Summary:     "Run a sync exchange",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SyncSummaryResponse `json:"body"`
	}, error) {
		if remote == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "no sync endpoint configured", nil)
		}
		syncer := sync.NewSyncer(e.DB, remote)
		sum, err := syncer.Sync(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncSummaryResponse `json:"body"`
		}{Body: syncSummaryResponse(sum)}, nil
	})

	hub := sync.NewHub(e.DB)

	huma.Register(api, huma.Operation{
		OperationID: "sync-pull",
		Method:      http.MethodGet,
		Path:        "/sync/pull",
		Summary:     "Serve changes to a syncing device",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Cursor string `query:"cursor"`
	}) (*struct {
		Body sync.Changes `json:"body"`
	}, error) {
		changes, err := hub.Pull(ctx, input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sync.Changes `json:"body"`
		}{Body: changes}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-push",
		Method:      http.MethodPost,
		Path:        "/sync/push",
		Summary:     "Accept changes from a syncing device",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body sync.Changes `json:"body"`
	}) (*struct {
		Body sync.PushResult `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := hub.Push(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sync.PushResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay",
		Method:      http.MethodPost,
		Path:        "/replay",
		Summary:     "Rebuild state from the event log",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReplayReportResponse `json:"body"`
	}, error) {
		report, err := proj.Replay(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := ReplayReportResponse{Applied: report.Applied, Skipped: report.Skipped}
		for _, evtErr := range report.Errors {
			res.Errors = append(res.Errors, evtErr.Error())
		}
		return &struct {
			Body ReplayReportResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerExport(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "export-widget",
		Method:      http.MethodPost,
		Path:        "/export/widget",
		Summary:     "Write the widget snapshot",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if e.Config == nil || e.Config.Export.WidgetPath == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "export.widget_path not configured", nil)
		}
		exp := export.New(e.DB)
		if err := exp.Write(ctx, e.Config.Export.WidgetPath); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"path": e.Config.Export.WidgetPath}}, nil
	})
}
