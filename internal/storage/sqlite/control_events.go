package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Brian125bot/nexusaiv1/internal/events"
)

// RecordEvent persists one audit trail entry in its own statement.
func (s *SQLiteStore) RecordEvent(ctx context.Context, event *events.ControlEvent) error {
	return recordEvent(ctx, s.db, event)
}

// RecordEventTx persists one audit trail entry inside the caller's
// transaction, so the event commits or rolls back with the transition
// it describes.
func (s *SQLiteStore) RecordEventTx(ctx context.Context, tx *sql.Tx, event *events.ControlEvent) error {
	return recordEvent(ctx, tx, event)
}

func recordEvent(ctx context.Context, q querier, event *events.ControlEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Actor == "" {
		event.Actor = "system"
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	data := "{}"
	if event.Data != nil {
		b, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		data = string(b)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO control_events (id, session_id, event_type, actor, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.SessionID, event.Type, event.Actor, event.Message, data, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// EventsForSession returns a session's audit trail, newest first.
func (s *SQLiteStore) EventsForSession(ctx context.Context, sessionID string, limit int) ([]*events.ControlEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, event_type, actor, message, data, created_at
		FROM control_events WHERE session_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*events.ControlEvent
	for rows.Next() {
		var e events.ControlEvent
		var data string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Actor, &e.Message, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, fmt.Errorf("corrupt event data for %s: %w", e.ID, err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
