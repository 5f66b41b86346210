package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	pkgerrors "orderhooks/pkg/errors"
)

// SubscriptionReader is the read path the engine needs.
type SubscriptionReader interface {
	ListActiveByType(ctx context.Context, eventType string) ([]Subscription, error)
	Get(ctx context.Context, id string) (*Subscription, error)
}

type SubscriptionStore interface {
	SubscriptionReader
	Create(ctx context.Context, sub *Subscription) error
	List(ctx context.Context, eventType string) ([]Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

type PostgresSubscriptionStore struct {
	db *sql.DB
}

func NewPostgresSubscriptionStore(db *sql.DB) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{db: db}
}

const subscriptionColumns = `id, url, event_type, secret, active, COALESCE(filter, ''), created_at, updated_at`

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	if err := row.Scan(
		&sub.ID, &sub.URL, &sub.EventType, &sub.Secret,
		&sub.Active, &sub.Filter, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *PostgresSubscriptionStore) querySubscriptions(ctx context.Context, op, query string, args ...interface{}) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Storage(op, err)
	}
	defer rows.Close()

	subs := make([]Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, pkgerrors.Storage(op, err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Storage(op, err)
	}
	return subs, nil
}

func (s *PostgresSubscriptionStore) ListActiveByType(ctx context.Context, eventType string) ([]Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM webhook_subscriptions
		WHERE event_type = $1 AND active
		ORDER BY created_at ASC
	`
	return s.querySubscriptions(ctx, "list active subscriptions", query, eventType)
}

func (s *PostgresSubscriptionStore) List(ctx context.Context, eventType string) ([]Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM webhook_subscriptions
		WHERE ($1 = '' OR event_type = $1)
		ORDER BY created_at DESC
	`
	return s.querySubscriptions(ctx, "list subscriptions", query, eventType)
}

func (s *PostgresSubscriptionStore) Get(ctx context.Context, id string) (*Subscription, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, subscriptionNotFound(id)
	}

	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE id = $1`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subscriptionNotFound(id)
	}
	if err != nil {
		return nil, pkgerrors.Storage("get subscription", err)
	}
	return sub, nil
}

func (s *PostgresSubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := nowUTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	query := `
		INSERT INTO webhook_subscriptions (id, url, event_type, secret, active, filter, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
	`

	if _, err := s.db.ExecContext(ctx, query,
		sub.ID, sub.URL, sub.EventType, sub.Secret, sub.Active, sub.Filter, sub.CreatedAt, sub.UpdatedAt,
	); err != nil {
		return pkgerrors.Storage("create subscription", err)
	}
	return nil
}

func (s *PostgresSubscriptionStore) Update(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = nowUTC()

	query := `
		UPDATE webhook_subscriptions
		SET url = $1, event_type = $2, secret = $3, active = $4, filter = NULLIF($5, ''), updated_at = $6
		WHERE id = $7
	`

	res, err := s.db.ExecContext(ctx, query,
		sub.URL, sub.EventType, sub.Secret, sub.Active, sub.Filter, sub.UpdatedAt, sub.ID,
	)
	if err != nil {
		return pkgerrors.Storage("update subscription", err)
	}
	return requireAffected(res, "update subscription", sub.ID)
}

func (s *PostgresSubscriptionStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return subscriptionNotFound(id)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return pkgerrors.Storage("delete subscription", err)
	}
	return requireAffected(res, "delete subscription", id)
}

func requireAffected(res sql.Result, op, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return pkgerrors.Storage(op, err)
	}
	if rows == 0 {
		return subscriptionNotFound(id)
	}
	return nil
}

func subscriptionNotFound(id string) error {
	return pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("subscription %s not found", id))
}
