package webhook

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	pkgerrors "orderhooks/pkg/errors"
	"orderhooks/pkg/pgerr"
)

// DeliveryStore records one row per attempt. Rows are never deleted.
type DeliveryStore interface {
	// Insert creates the pending row for an attempt. It returns false when a row
	// for the same (subscription, event, attempt) already exists.
	Insert(ctx context.Context, delivery *Delivery) (bool, error)
	MarkDelivered(ctx context.Context, id string, responseStatus int, deliveredAt time.Time) error
	// MarkFailed records a failed attempt. nextAttemptAt is nil when no retry follows.
	MarkFailed(ctx context.Context, id string, responseStatus *int, errorMessage string, nextAttemptAt *time.Time) error
	List(ctx context.Context, query DeliveryQuery) ([]Delivery, error)
	// ListScheduled returns failed rows that scheduled a retry whose row does not exist yet.
	ListScheduled(ctx context.Context) ([]Delivery, error)
	// ListStalePending returns pending rows created before cutoff.
	ListStalePending(ctx context.Context, cutoff time.Time) ([]Delivery, error)
}

type PostgresDeliveryStore struct {
	db *sql.DB
}

func NewPostgresDeliveryStore(db *sql.DB) *PostgresDeliveryStore {
	return &PostgresDeliveryStore{db: db}
}

const deliveryColumns = `id, subscription_id, event_id, attempt_number, status, response_status,
	error_message, delivered_at, next_attempt_at, created_at, updated_at`

func scanDelivery(row rowScanner) (*Delivery, error) {
	var (
		d              Delivery
		responseStatus sql.NullInt32
		errorMessage   sql.NullString
		deliveredAt    sql.NullTime
		nextAttemptAt  sql.NullTime
	)
	if err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.EventID, &d.AttemptNumber, &d.Status, &responseStatus,
		&errorMessage, &deliveredAt, &nextAttemptAt, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if responseStatus.Valid {
		status := int(responseStatus.Int32)
		d.ResponseStatus = &status
	}
	d.ErrorMessage = errorMessage.String
	if deliveredAt.Valid {
		t := deliveredAt.Time.UTC()
		d.DeliveredAt = &t
	}
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time.UTC()
		d.NextAttemptAt = &t
	}
	return &d, nil
}

func (s *PostgresDeliveryStore) Insert(ctx context.Context, d *Delivery) (bool, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := nowUTC()
	d.Status = DeliveryPending
	d.CreatedAt = now
	d.UpdatedAt = now

	query := `
		INSERT INTO webhook_deliveries (id, subscription_id, event_id, attempt_number, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.SubscriptionID, d.EventID, d.AttemptNumber, d.Status, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if pgerr.IsUniqueViolation(err) {
			return false, nil
		}
		return false, pkgerrors.Storage("insert delivery", err)
	}
	return true, nil
}

func (s *PostgresDeliveryStore) MarkDelivered(ctx context.Context, id string, responseStatus int, deliveredAt time.Time) error {
	query := `
		UPDATE webhook_deliveries
		SET status = $1, response_status = $2, delivered_at = $3, error_message = NULL, updated_at = NOW()
		WHERE id = $4
	`

	if _, err := s.db.ExecContext(ctx, query, DeliveryDelivered, responseStatus, deliveredAt, id); err != nil {
		return pkgerrors.Storage("mark delivery delivered", err)
	}
	return nil
}

func (s *PostgresDeliveryStore) MarkFailed(ctx context.Context, id string, responseStatus *int, errorMessage string, nextAttemptAt *time.Time) error {
	query := `
		UPDATE webhook_deliveries
		SET status = $1, response_status = $2, error_message = $3, next_attempt_at = $4, updated_at = NOW()
		WHERE id = $5
	`

	var status sql.NullInt32
	if responseStatus != nil {
		status = sql.NullInt32{Int32: int32(*responseStatus), Valid: true}
	}
	var next sql.NullTime
	if nextAttemptAt != nil {
		next = sql.NullTime{Time: *nextAttemptAt, Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, query, DeliveryFailed, status, errorMessage, next, id); err != nil {
		return pkgerrors.Storage("mark delivery failed", err)
	}
	return nil
}

func (s *PostgresDeliveryStore) List(ctx context.Context, q DeliveryQuery) ([]Delivery, error) {
	query := `SELECT ` + deliveryColumns + `
		FROM webhook_deliveries
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR event_id = $2)
		  AND ($3 = '' OR subscription_id::text = $3)
		ORDER BY created_at DESC, attempt_number DESC
		LIMIT $4 OFFSET $5
	`
	return s.queryDeliveries(ctx, "list deliveries", query,
		string(q.Status), q.EventID, q.SubscriptionID, normalizeLimit(q.Limit), q.Offset)
}

func (s *PostgresDeliveryStore) ListScheduled(ctx context.Context) ([]Delivery, error) {
	query := `SELECT ` + deliveryColumns + `
		FROM webhook_deliveries d
		WHERE d.status = 'failed'
		  AND d.next_attempt_at IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM webhook_deliveries n
			WHERE n.subscription_id = d.subscription_id
			  AND n.event_id = d.event_id
			  AND n.attempt_number = d.attempt_number + 1
		  )
		ORDER BY d.next_attempt_at ASC
	`
	return s.queryDeliveries(ctx, "list scheduled deliveries", query)
}

func (s *PostgresDeliveryStore) ListStalePending(ctx context.Context, cutoff time.Time) ([]Delivery, error) {
	query := `SELECT ` + deliveryColumns + `
		FROM webhook_deliveries
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
	`
	return s.queryDeliveries(ctx, "list stale deliveries", query, cutoff)
}

func (s *PostgresDeliveryStore) queryDeliveries(ctx context.Context, op, query string, args ...interface{}) ([]Delivery, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Storage(op, err)
	}
	defer rows.Close()

	deliveries := make([]Delivery, 0)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, pkgerrors.Storage(op, err)
		}
		deliveries = append(deliveries, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Storage(op, err)
	}
	return deliveries, nil
}
