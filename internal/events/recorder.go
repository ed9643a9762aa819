package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stackline/internal/domain"
)

// Recorder appends immutable event rows. Append runs inside the caller's
// transaction so the event and the matching entity mutation commit or roll
// back together.
type Recorder struct {
	DB    *sql.DB
	Now   func() time.Time
	NewID func() string
}

func (r Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Recorder) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Append writes one event row inside tx. The type must be registered and
// entityID must be set; payload is marshaled against the type's schema.
func (r Recorder) Append(ctx context.Context, tx *sql.Tx, evtType, entityID string, actor domain.Actor, payload any) (domain.Event, error) {
	if !KnownType(evtType) {
		return domain.Event{}, fmt.Errorf("unknown event type %q", evtType)
	}
	if entityID == "" {
		return domain.Event{}, errors.New("entity id required")
	}
	if actor.Type == "" {
		actor.Type = domain.ActorHuman
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.Event{
		ID:         r.newID(),
		TS:         r.now().UTC().Format(time.RFC3339Nano),
		Type:       evtType,
		EntityKind: EntityKindFor(evtType),
		EntityID:   entityID,
		ActorType:  actor.Type,
		ActorID:    actor.ID,
		DeviceID:   actor.DeviceID,
		AppID:      actor.AppID,
		Payload:    string(data),
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(id,ts,type,entity_kind,entity_id,actor_type,actor_id,device_id,app_id,payload_json)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID, string(evt.ActorType), evt.ActorID,
		nullable(evt.DeviceID), nullable(evt.AppID), evt.Payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("append event: %w", err)
	}
	return evt, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
