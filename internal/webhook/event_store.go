package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pkgerrors "orderhooks/pkg/errors"
)

type EventStore interface {
	// Save stores event once. Saving an id that already exists leaves the stored event unchanged.
	Save(ctx context.Context, event *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	List(ctx context.Context, query EventQuery) ([]Event, error)
}

type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (s *PostgresEventStore) Save(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return pkgerrors.ErrValidation.WithCause(err).WithDetail("message", "payload is not serializable")
	}
	if event.Payload == nil {
		payload = []byte("{}")
	}

	query := `
		INSERT INTO webhook_events (id, event_type, payload, idempotency_key, timestamp, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query,
		event.ID, event.Type, payload, event.IdempotencyKey, event.Timestamp,
	); err != nil {
		return pkgerrors.Storage("save event", err)
	}
	return nil
}

func (s *PostgresEventStore) Get(ctx context.Context, id string) (*Event, error) {
	query := `
		SELECT id, event_type, payload, idempotency_key, timestamp, created_at
		FROM webhook_events
		WHERE id = $1
	`

	event, err := scanEvent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("event %s not found", id))
	}
	if err != nil {
		return nil, pkgerrors.Storage("get event", err)
	}
	return event, nil
}

func (s *PostgresEventStore) List(ctx context.Context, q EventQuery) ([]Event, error) {
	query := `
		SELECT id, event_type, payload, idempotency_key, timestamp, created_at
		FROM webhook_events
		WHERE ($1 = '' OR event_type = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.QueryContext(ctx, query, q.EventType, normalizeLimit(q.Limit), q.Offset)
	if err != nil {
		return nil, pkgerrors.Storage("list events", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, pkgerrors.Storage("scan event", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Storage("list events", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		event   Event
		payload []byte
	)
	if err := row.Scan(&event.ID, &event.Type, &payload, &event.IdempotencyKey, &event.Timestamp, &event.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &event.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of event %s: %w", event.ID, err)
	}
	event.Timestamp = event.Timestamp.UTC()
	return &event, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
