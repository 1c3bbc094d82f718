package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"foreman/internal/domain"
)

// Entry is one row of the event log before it is written.
type Entry struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

type Payload map[string]any

// Writer appends to the event log inside a caller's transaction, so an event
// commits or rolls back with the change it describes.
type Writer struct {
	Now func() time.Time
}

// Append inserts e and returns its log id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (int64, error) {
	if e.Type == "" || e.EntityKind == "" {
		return 0, errors.New("event type and entity kind required")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	payload := e.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(domain.TimeLayout), e.Type, e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
