package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderhooks/internal/config"
	"orderhooks/internal/logger"
	pkgerrors "orderhooks/pkg/errors"
	"orderhooks/pkg/logging"
	"orderhooks/pkg/models"
	"orderhooks/pkg/retry"
)

type failingLedger struct {
	*MemoryLedger
	err error
}

func (l *failingLedger) Claim(context.Context, string, string) (bool, error) {
	return false, l.err
}

func TestGuard_SequentialDuplicateIsNoop(t *testing.T) {
	ledger := NewMemoryLedger()
	guard := NewGuard(ledger, "ms-order", logger.NopLogger())

	calls := 0
	handler := func(context.Context) error { calls++; return nil }

	require.NoError(t, guard.Run(context.Background(), "abc", handler))
	require.NoError(t, guard.Run(context.Background(), "abc", handler))

	assert.Equal(t, 1, calls)
	claimed, err := ledger.IsClaimed(context.Background(), "abc", "ms-order")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestGuard_ConcurrentRunsInvokeHandlerOnce(t *testing.T) {
	guard := NewGuard(NewMemoryLedger(), "ms-order", logger.NopLogger())

	var calls int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = guard.Run(context.Background(), "abc", func(context.Context) error {
				atomic.AddInt32(&calls, 1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGuard_ConsumersAreIndependent(t *testing.T) {
	ledger := NewMemoryLedger()
	orders := NewGuard(ledger, "ms-order", logger.NopLogger())
	webhooks := NewGuard(ledger, "webhook-publisher", logger.NopLogger())

	calls := 0
	handler := func(context.Context) error { calls++; return nil }

	require.NoError(t, orders.Run(context.Background(), "abc", handler))
	require.NoError(t, webhooks.Run(context.Background(), "abc", handler))
	assert.Equal(t, 2, calls)
}

func TestGuard_HandlerFailureKeepsClaim(t *testing.T) {
	ledger := NewMemoryLedger()
	guard := NewGuard(ledger, "ms-order", logger.NopLogger())

	boom := errors.New("insert failed")
	err := guard.Run(context.Background(), "abc", func(context.Context) error { return boom })

	var handlerErr *HandlerError
	require.ErrorAs(t, err, &handlerErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "abc", handlerErr.MessageID)

	var fatal retry.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.True(t, fatal.IsFatal())

	called := false
	require.NoError(t, guard.Run(context.Background(), "abc", func(context.Context) error {
		called = true
		return nil
	}))
	assert.False(t, called, "a redelivery after a failed handler is a duplicate")
}

func TestGuard_ClaimFailurePropagatesAndSkipsHandler(t *testing.T) {
	storageErr := pkgerrors.Storage("claim message", errors.New("connection refused"))
	guard := NewGuard(&failingLedger{MemoryLedger: NewMemoryLedger(), err: storageErr}, "ms-order", logger.NopLogger())

	called := false
	err := guard.Run(context.Background(), "abc", func(context.Context) error {
		called = true
		return nil
	})

	assert.True(t, pkgerrors.IsStorage(err))
	assert.False(t, called)
}

func TestGuard_EmptyMessageID(t *testing.T) {
	guard := NewGuard(NewMemoryLedger(), "ms-order", logger.NopLogger())
	err := guard.Run(context.Background(), "", func(context.Context) error { return nil })
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestGuard_WrapUsesEnvelopeID(t *testing.T) {
	ledger := NewMemoryLedger()
	guard := NewGuard(ledger, "ms-order", logger.NopLogger())

	var seen string
	handler := guard.Wrap(func(ctx context.Context, msg models.MessageEnvelope) error {
		seen = logging.GetMessageID(ctx)
		return nil
	})

	require.NoError(t, handler(context.Background(), models.MessageEnvelope{MessageID: "m-1"}))
	assert.Equal(t, "m-1", seen)

	records, err := ledger.Find(context.Background(), "m-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ms-order", records[0].Consumer)
}

func TestMemoryLedger_ListAndPurge(t *testing.T) {
	ledger := NewMemoryLedger()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	ledger.now = func() time.Time { return current }

	ctx := logging.WithTraceID(context.Background(), "t-1")
	for i, id := range []string{"a", "b", "c"} {
		current = base.Add(time.Duration(i) * time.Hour)
		claimed, err := ledger.Claim(ctx, id, "ms-order")
		require.NoError(t, err)
		require.True(t, claimed)
	}

	recent, err := ledger.ListRecent(context.Background(), "ms-order", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].MessageID)
	assert.Equal(t, "b", recent[1].MessageID)
	assert.Contains(t, recent[0].Metadata, "t-1")

	current = base.Add(2*time.Hour + 30*time.Minute)
	purged, err := ledger.PurgeOlderThan(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	remaining, err := ledger.ListRecent(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "c", remaining[0].MessageID)
}

func TestCircuitBreakerLedger_DisabledReturnsInner(t *testing.T) {
	inner := NewMemoryLedger()
	assert.Same(t, inner, NewCircuitBreakerLedger(inner, "test", config.CircuitBreakerConfig{}))
}

func TestCircuitBreakerLedger_OpensOnStorageFailures(t *testing.T) {
	inner := &failingLedger{MemoryLedger: NewMemoryLedger(), err: pkgerrors.Storage("claim message", errors.New("down"))}
	ledger := NewCircuitBreakerLedger(inner, "test-ledger-open", config.CircuitBreakerConfig{
		Enabled:      true,
		MinRequests:  2,
		FailureRatio: 0.5,
		Timeout:      time.Hour,
	})

	for i := 0; i < 2; i++ {
		_, err := ledger.Claim(context.Background(), "abc", "ms-order")
		assert.True(t, pkgerrors.IsStorage(err))
	}

	cb := ledger.(*CircuitBreakerLedger)
	assert.Equal(t, "open", cb.State())

	_, err := ledger.Claim(context.Background(), "abc", "ms-order")
	assert.True(t, pkgerrors.IsStorage(err))
}

func TestNewLedger_RequiresBackend(t *testing.T) {
	_, err := NewLedger(config.IdempotencyConfig{Backend: "postgres"}, nil, nil)
	assert.Error(t, err)
	_, err = NewLedger(config.IdempotencyConfig{Backend: "redis"}, nil, nil)
	assert.Error(t, err)
	_, err = NewLedger(config.IdempotencyConfig{Backend: "etcd"}, nil, nil)
	assert.Error(t, err)
}
