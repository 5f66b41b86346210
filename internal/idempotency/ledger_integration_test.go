//go:build integration

package idempotency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderhooks/internal/testinfra"
)

func runLedgerContract(t *testing.T, ledger Ledger) {
	ctx := context.Background()

	t.Run("claim once per consumer", func(t *testing.T) {
		claimed, err := ledger.Claim(ctx, "msg-1", "ms-order")
		require.NoError(t, err)
		assert.True(t, claimed)

		claimed, err = ledger.Claim(ctx, "msg-1", "ms-order")
		require.NoError(t, err)
		assert.False(t, claimed)

		claimed, err = ledger.Claim(ctx, "msg-1", "webhook-publisher")
		require.NoError(t, err)
		assert.True(t, claimed)

		ok, err := ledger.IsClaimed(ctx, "msg-1", "ms-order")
		require.NoError(t, err)
		assert.True(t, ok)

		records, err := ledger.Find(ctx, "msg-1")
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				claimed, err := ledger.Claim(ctx, "msg-race", "ms-order")
				assert.NoError(t, err)
				if claimed {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
	})

	t.Run("list recent newest first", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			_, err := ledger.Claim(ctx, fmt.Sprintf("list-%d", i), "lister")
			require.NoError(t, err)
			time.Sleep(5 * time.Millisecond)
		}

		records, err := ledger.ListRecent(ctx, "lister", 2)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "list-2", records[0].MessageID)
		assert.Equal(t, "list-1", records[1].MessageID)
	})
}

func TestPostgresLedger(t *testing.T) {
	infra := testinfra.Setup(t, testinfra.Options{Postgres: true})
	ledger := NewPostgresLedger(infra.PostgresDB)

	runLedgerContract(t, ledger)

	t.Run("purge removes old claims", func(t *testing.T) {
		ctx := context.Background()
		_, err := infra.PostgresDB.Exec(`
			INSERT INTO processed_messages (message_id, consumer, processed_at)
			VALUES ('ancient', 'ms-order', NOW() - INTERVAL '40 days')
		`)
		require.NoError(t, err)

		n, err := ledger.PurgeOlderThan(ctx, 30*24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		ok, err := ledger.IsClaimed(ctx, "ancient", "ms-order")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = ledger.IsClaimed(ctx, "msg-1", "ms-order")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestRedisLedger(t *testing.T) {
	infra := testinfra.Setup(t, testinfra.Options{Redis: true})
	ledger := NewRedisLedger(infra.RedisClient, time.Hour)

	runLedgerContract(t, ledger)

	t.Run("purge removes old claims", func(t *testing.T) {
		ctx := context.Background()
		ledger.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		claimed, err := ledger.Claim(ctx, "ancient", "purger")
		require.NoError(t, err)
		require.True(t, claimed)
		ledger.now = time.Now

		n, err := ledger.PurgeOlderThan(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		ok, err := ledger.IsClaimed(ctx, "ancient", "purger")
		require.NoError(t, err)
		assert.False(t, ok)

		records, err := ledger.ListRecent(ctx, "purger", 10)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}
