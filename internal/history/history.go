package history

import (
	"context"
	"database/sql"

	"stackline/internal/domain"
	"stackline/internal/repo"
)

// Service answers timeline queries over the event log. Results are
// newest-first and include events for tombstoned entities: history is the
// one place deletes stay visible.
type Service struct {
	Repo repo.Repo
}

func New(db *sql.DB) Service {
	return Service{Repo: repo.Repo{DB: db}}
}

// FetchHistory returns every event recorded for one entity.
func (s Service) FetchHistory(ctx context.Context, entityID string) ([]domain.Event, error) {
	return s.Repo.EventsForEntity(ctx, entityID)
}

// FetchEventsByIDs returns the named events, newest-first. Unknown ids are
// silently absent from the result.
func (s Service) FetchEventsByIDs(ctx context.Context, ids []string) ([]domain.Event, error) {
	return s.Repo.EventsByIDs(ctx, ids)
}

// FetchStackHistoryWithRelated returns the stack's own events merged with
// those of its member tasks and of attachments hanging off the stack or any
// of those tasks. Membership is read from current state; tasks moved out of
// the stack contribute nothing even though older events reference it.
func (s Service) FetchStackHistoryWithRelated(ctx context.Context, stackID string) ([]domain.Event, error) {
	taskIDs, err := s.Repo.TaskIDsForStack(ctx, stackID)
	if err != nil {
		return nil, err
	}
	parents := map[domain.ParentKind][]string{
		domain.ParentStack: {stackID},
	}
	if len(taskIDs) > 0 {
		parents[domain.ParentTask] = taskIDs
	}
	attachmentIDs, err := s.Repo.AttachmentIDsForParents(ctx, parents)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, 1+len(taskIDs)+len(attachmentIDs))
	ids = append(ids, stackID)
	ids = append(ids, taskIDs...)
	ids = append(ids, attachmentIDs...)
	return s.Repo.EventsForEntities(ctx, ids)
}

// FetchTaskHistoryWithRelated returns the task's events plus those of its
// own attachments. The parent stack's timeline is not pulled in.
func (s Service) FetchTaskHistoryWithRelated(ctx context.Context, taskID string) ([]domain.Event, error) {
	attachmentIDs, err := s.Repo.AttachmentIDsForParents(ctx, map[domain.ParentKind][]string{
		domain.ParentTask: {taskID},
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, 1+len(attachmentIDs))
	ids = append(ids, taskID)
	ids = append(ids, attachmentIDs...)
	return s.Repo.EventsForEntities(ctx, ids)
}

// LatestEvents returns the newest events across the whole log, optionally
// filtered by type, entity kind or entity id.
func (s Service) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return s.Repo.LatestEvents(ctx, limit, evtType, entityKind, entityID)
}
