package idempotency

import (
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"orderhooks/internal/config"
	"orderhooks/internal/constants"
)

// NewLedger builds the configured ledger backend, wrapped in a circuit breaker when enabled.
func NewLedger(cfg config.IdempotencyConfig, db *sql.DB, rdb redis.UniversalClient) (Ledger, error) {
	var ledger Ledger

	switch cfg.Backend {
	case constants.IdempotencyBackendPostgres:
		if db == nil {
			return nil, fmt.Errorf("postgres idempotency backend requires a database connection")
		}
		ledger = NewPostgresLedger(db)
	case constants.IdempotencyBackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis idempotency backend requires a redis client")
		}
		ledger = NewRedisLedger(rdb, cfg.Retention)
	default:
		return nil, fmt.Errorf("unknown idempotency backend: %s", cfg.Backend)
	}

	return NewCircuitBreakerLedger(ledger, "idempotency-"+cfg.Backend, cfg.CircuitBreaker), nil
}
