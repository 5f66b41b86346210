package management

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	pkgerrors "orderhooks/pkg/errors"
)

type AuditRepository interface {
	CreateAuditLog(ctx context.Context, log *AuditLog) error
	GetAuditLogs(ctx context.Context, subscriptionID string, limit int) ([]AuditLog, error)
}

type PostgresAuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *PostgresAuditRepository {
	return &PostgresAuditRepository{db: db}
}

func (r *PostgresAuditRepository) CreateAuditLog(ctx context.Context, log *AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now().UTC()
	}

	oldValueJSON, err := marshalValue(log.OldValue)
	if err != nil {
		return err
	}
	newValueJSON, err := marshalValue(log.NewValue)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO subscription_audit_logs (id, subscription_id, action, old_value, new_value, changed_by, change_reason, ip_address, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		log.ID, log.SubscriptionID, log.Action,
		oldValueJSON, newValueJSON, log.ChangedBy, log.ChangeReason, log.IPAddress, log.Timestamp,
	)
	if err != nil {
		return pkgerrors.Storage("create audit log", err)
	}
	return nil
}

func (r *PostgresAuditRepository) GetAuditLogs(ctx context.Context, subscriptionID string, limit int) ([]AuditLog, error) {
	if _, err := uuid.Parse(subscriptionID); err != nil {
		return []AuditLog{}, nil
	}

	query := `
		SELECT id, subscription_id, action, old_value, new_value, changed_by,
		       COALESCE(change_reason, ''), COALESCE(ip_address, ''), timestamp
		FROM subscription_audit_logs
		WHERE subscription_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, pkgerrors.Storage("query audit logs", err)
	}
	defer rows.Close()

	logs := make([]AuditLog, 0)
	for rows.Next() {
		var log AuditLog
		var oldValueJSON, newValueJSON []byte

		if err := rows.Scan(
			&log.ID, &log.SubscriptionID, &log.Action,
			&oldValueJSON, &newValueJSON, &log.ChangedBy, &log.ChangeReason, &log.IPAddress, &log.Timestamp,
		); err != nil {
			return nil, pkgerrors.Storage("scan audit log", err)
		}

		if len(oldValueJSON) > 0 {
			if err := json.Unmarshal(oldValueJSON, &log.OldValue); err != nil {
				return nil, fmt.Errorf("failed to unmarshal old value: %w", err)
			}
		}
		if len(newValueJSON) > 0 {
			if err := json.Unmarshal(newValueJSON, &log.NewValue); err != nil {
				return nil, fmt.Errorf("failed to unmarshal new value: %w", err)
			}
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Storage("iterate audit logs", err)
	}
	return logs, nil
}

// marshalValue maps an absent snapshot to SQL NULL.
func marshalValue(v map[string]interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit value: %w", err)
	}
	return b, nil
}
