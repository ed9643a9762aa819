package repo

import (
	"context"
	"database/sql"

	"stackline/internal/domain"
)

const eventCols = `id,ts,type,entity_kind,entity_id,actor_type,actor_id,device_id,app_id,payload_json`

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var actorType string
	var deviceID, appID sql.NullString
	if err := scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &actorType, &e.ActorID, &deviceID, &appID, &e.Payload); err != nil {
		return e, err
	}
	e.ActorType = domain.ActorType(actorType)
	if deviceID.Valid {
		e.DeviceID = deviceID.String
	}
	if appID.Valid {
		e.AppID = appID.String
	}
	return e, nil
}

func (r Repo) collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsForEntity returns an entity's events newest-first.
func (r Repo) EventsForEntity(ctx context.Context, entityID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM events WHERE entity_id=? ORDER BY ts DESC, id DESC`, entityID)
	if err != nil {
		return nil, err
	}
	return r.collectEvents(rows)
}

// EventsForEntities returns events for any of the given entity ids,
// newest-first.
func (r Repo) EventsForEntities(ctx context.Context, entityIDs []string) ([]domain.Event, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	clause, args := listIDsQuery("entity_id", entityIDs)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM events WHERE `+clause+` ORDER BY ts DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	return r.collectEvents(rows)
}

// EventsByIDs fetches specific events; order follows ts/id, not input order.
func (r Repo) EventsByIDs(ctx context.Context, ids []string) ([]domain.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	clause, args := listIDsQuery("id", ids)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM events WHERE `+clause+` ORDER BY ts DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	return r.collectEvents(rows)
}

// AllEventsAscending streams the full log oldest-first for rehydration.
func (r Repo) AllEventsAscending(ctx context.Context) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM events ORDER BY ts ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	return r.collectEvents(rows)
}

// LatestEvents returns the newest events, optionally filtered by type and
// entity kind.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM events WHERE `+joinAnd(clauses)+` ORDER BY ts DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	return r.collectEvents(rows)
}

// EventsAfter returns events with ids greater than the cursor in ascending
// order. Event ids are time-sortable, so id ordering matches append order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursorID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if cursorID != "" {
		clauses = append(clauses, "id>?")
		args = append(args, cursorID)
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM events WHERE `+joinAnd(clauses)+` ORDER BY id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	return r.collectEvents(rows)
}

// LatestEventID returns the most recent event id, or empty when the log is
// empty.
func (r Repo) LatestEventID(ctx context.Context) (string, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id FROM events ORDER BY id DESC LIMIT 1`)
	var id string
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}
