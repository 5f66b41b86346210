package idempotency

import (
	"context"
	"time"

	"orderhooks/internal/config"
	"orderhooks/pkg/circuitbreaker"
	pkgerrors "orderhooks/pkg/errors"
)

// CircuitBreakerLedger fails fast with a storage error while the ledger backend is unhealthy.
type CircuitBreakerLedger struct {
	ledger Ledger
	cb     *circuitbreaker.Wrapper
}

func NewCircuitBreakerLedger(ledger Ledger, name string, cfg config.CircuitBreakerConfig) Ledger {
	if !cfg.Enabled {
		return ledger
	}
	return &CircuitBreakerLedger{
		ledger: ledger,
		cb:     circuitbreaker.NewWrapper(circuitbreaker.FromConfig(name, cfg)),
	}
}

func (l *CircuitBreakerLedger) State() string {
	return l.cb.State().String()
}

func (l *CircuitBreakerLedger) guard(ctx context.Context, op string, fn func() error) error {
	err := l.cb.Do(ctx, fn)
	if err != nil && !pkgerrors.IsStorage(err) {
		return pkgerrors.Storage(op, err)
	}
	return err
}

func (l *CircuitBreakerLedger) Claim(ctx context.Context, messageID, consumer string) (bool, error) {
	var claimed bool
	err := l.guard(ctx, "claim message", func() error {
		var err error
		claimed, err = l.ledger.Claim(ctx, messageID, consumer)
		return err
	})
	return claimed, err
}

func (l *CircuitBreakerLedger) IsClaimed(ctx context.Context, messageID, consumer string) (bool, error) {
	var exists bool
	err := l.guard(ctx, "check claim", func() error {
		var err error
		exists, err = l.ledger.IsClaimed(ctx, messageID, consumer)
		return err
	})
	return exists, err
}

func (l *CircuitBreakerLedger) Find(ctx context.Context, messageID string) ([]Record, error) {
	var records []Record
	err := l.guard(ctx, "find claims", func() error {
		var err error
		records, err = l.ledger.Find(ctx, messageID)
		return err
	})
	return records, err
}

func (l *CircuitBreakerLedger) ListRecent(ctx context.Context, consumer string, limit int) ([]Record, error) {
	var records []Record
	err := l.guard(ctx, "list claims", func() error {
		var err error
		records, err = l.ledger.ListRecent(ctx, consumer, limit)
		return err
	})
	return records, err
}

func (l *CircuitBreakerLedger) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	var n int64
	err := l.guard(ctx, "purge claims", func() error {
		var err error
		n, err = l.ledger.PurgeOlderThan(ctx, age)
		return err
	})
	return n, err
}
