// Package idempotency makes at-least-once delivery safe: a message id is
// claimed atomically in a durable ledger before its handler runs, and a second
// claim of the same id is a no-op.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"orderhooks/pkg/logging"
)

type Record struct {
	MessageID   string    `json:"message_id"`
	Consumer    string    `json:"consumer"`
	ProcessedAt time.Time `json:"processed_at"`
	Metadata    string    `json:"metadata,omitempty"`
}

// Ledger is the durable set of processed message ids, scoped per consumer.
type Ledger interface {
	// Claim inserts the record. It returns false without error when the id was
	// already claimed by consumer. The decision is made by the insert itself.
	Claim(ctx context.Context, messageID, consumer string) (bool, error)
	// IsClaimed is a read-only diagnostic. Never gate processing on it.
	IsClaimed(ctx context.Context, messageID, consumer string) (bool, error)
	// Find returns every consumer's record for messageID.
	Find(ctx context.Context, messageID string) ([]Record, error)
	ListRecent(ctx context.Context, consumer string, limit int) ([]Record, error)
	PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// claimMetadata records where a claim came from, using the ids carried on ctx.
func claimMetadata(ctx context.Context) string {
	fields := map[string]string{}
	if traceID := logging.GetTraceID(ctx); traceID != "" {
		fields["trace_id"] = traceID
	}
	if service := logging.GetServiceName(ctx); service != "" {
		fields["service_name"] = service
	}
	if len(fields) == 0 {
		return ""
	}
	b, _ := json.Marshal(fields)
	return string(b)
}
