package idempotency

import (
	"context"
	"database/sql"
	"time"

	"orderhooks/internal/constants"
	pkgerrors "orderhooks/pkg/errors"
	"orderhooks/pkg/metrics"
	"orderhooks/pkg/pgerr"
)

// PostgresLedger relies on the (message_id, consumer) primary key of processed_messages.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Claim(ctx context.Context, messageID, consumer string) (bool, error) {
	start := time.Now()
	defer func() {
		metrics.ObserveIdempotencyClaimDuration(constants.IdempotencyBackendPostgres, time.Since(start))
	}()

	query := `
		INSERT INTO processed_messages (message_id, consumer, processed_at, metadata)
		VALUES ($1, $2, NOW(), NULLIF($3, ''))
	`

	_, err := l.db.ExecContext(ctx, query, messageID, consumer, claimMetadata(ctx))
	if err != nil {
		if pgerr.IsUniqueViolation(err) {
			return false, nil
		}
		return false, pkgerrors.Storage("claim message", err)
	}
	return true, nil
}

func (l *PostgresLedger) IsClaimed(ctx context.Context, messageID, consumer string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM processed_messages WHERE message_id = $1 AND consumer = $2)`

	var exists bool
	if err := l.db.QueryRowContext(ctx, query, messageID, consumer).Scan(&exists); err != nil {
		return false, pkgerrors.Storage("check claim", err)
	}
	return exists, nil
}

func (l *PostgresLedger) Find(ctx context.Context, messageID string) ([]Record, error) {
	query := `
		SELECT message_id, consumer, processed_at, COALESCE(metadata, '')
		FROM processed_messages
		WHERE message_id = $1
		ORDER BY processed_at
	`
	return l.query(ctx, "find claims", query, messageID)
}

func (l *PostgresLedger) ListRecent(ctx context.Context, consumer string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = constants.DefaultLimit
	}

	query := `
		SELECT message_id, consumer, processed_at, COALESCE(metadata, '')
		FROM processed_messages
		WHERE ($1 = '' OR consumer = $1)
		ORDER BY processed_at DESC
		LIMIT $2
	`
	return l.query(ctx, "list claims", query, consumer, limit)
}

func (l *PostgresLedger) query(ctx context.Context, op, query string, args ...interface{}) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Storage(op, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.MessageID, &r.Consumer, &r.ProcessedAt, &r.Metadata); err != nil {
			return nil, pkgerrors.Storage(op, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Storage(op, err)
	}
	return records, nil
}

func (l *PostgresLedger) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := `DELETE FROM processed_messages WHERE processed_at < $1`

	result, err := l.db.ExecContext(ctx, query, time.Now().Add(-age))
	if err != nil {
		return 0, pkgerrors.Storage("purge claims", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, pkgerrors.Storage("purge claims", err)
	}
	return n, nil
}
