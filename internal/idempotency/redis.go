package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"orderhooks/internal/constants"
	pkgerrors "orderhooks/pkg/errors"
	"orderhooks/pkg/metrics"
)

// RedisLedger stores one key per claim, written with SET NX, plus a sorted set
// per consumer indexing claims by time for listing and purging. Keys also carry
// the retention as TTL.
type RedisLedger struct {
	client    redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

func NewRedisLedger(client redis.UniversalClient, retention time.Duration) *RedisLedger {
	if retention <= 0 {
		retention = constants.DefaultLedgerRetention
	}
	return &RedisLedger{client: client, retention: retention, now: time.Now}
}

func claimKey(consumer, messageID string) string {
	return constants.CacheKeyPrefixIdempotency + consumer + ":" + messageID
}

func indexKey(consumer string) string {
	return constants.CacheKeyPrefixIdempotency + "index:" + consumer
}

func consumersKey() string {
	return constants.CacheKeyPrefixIdempotency + "consumers"
}

func (l *RedisLedger) Claim(ctx context.Context, messageID, consumer string) (bool, error) {
	start := time.Now()
	defer func() {
		metrics.ObserveIdempotencyClaimDuration(constants.IdempotencyBackendRedis, time.Since(start))
	}()

	now := l.now().UTC()
	value, err := json.Marshal(Record{
		MessageID:   messageID,
		Consumer:    consumer,
		ProcessedAt: now,
		Metadata:    claimMetadata(ctx),
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal claim: %w", err)
	}

	var setNX *redis.BoolCmd
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		setNX = pipe.SetNX(ctx, claimKey(consumer, messageID), value, l.retention)
		pipe.ZAddNX(ctx, indexKey(consumer), redis.Z{Score: float64(now.UnixNano()), Member: messageID})
		pipe.SAdd(ctx, consumersKey(), consumer)
		return nil
	})
	if err != nil {
		return false, pkgerrors.Storage("claim message", err)
	}
	return setNX.Val(), nil
}

func (l *RedisLedger) IsClaimed(ctx context.Context, messageID, consumer string) (bool, error) {
	n, err := l.client.Exists(ctx, claimKey(consumer, messageID)).Result()
	if err != nil {
		return false, pkgerrors.Storage("check claim", err)
	}
	return n > 0, nil
}

func (l *RedisLedger) Find(ctx context.Context, messageID string) ([]Record, error) {
	consumers, err := l.client.SMembers(ctx, consumersKey()).Result()
	if err != nil {
		return nil, pkgerrors.Storage("find claims", err)
	}
	if len(consumers) == 0 {
		return nil, nil
	}

	keys := make([]string, len(consumers))
	for i, c := range consumers {
		keys[i] = claimKey(c, messageID)
	}
	return l.load(ctx, "find claims", keys)
}

func (l *RedisLedger) ListRecent(ctx context.Context, consumer string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = constants.DefaultLimit
	}

	ids, err := l.client.ZRevRange(ctx, indexKey(consumer), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, pkgerrors.Storage("list claims", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = claimKey(consumer, id)
	}
	return l.load(ctx, "list claims", keys)
}

// load fetches claim keys in order, skipping ones that already expired.
func (l *RedisLedger) load(ctx context.Context, op string, keys []string) ([]Record, error) {
	values, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, pkgerrors.Storage(op, err)
	}

	records := make([]Record, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

func (l *RedisLedger) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	consumers, err := l.client.SMembers(ctx, consumersKey()).Result()
	if err != nil {
		return 0, pkgerrors.Storage("purge claims", err)
	}

	cutoff := strconv.FormatInt(l.now().Add(-age).UnixNano(), 10)
	var purged int64

	for _, consumer := range consumers {
		ids, err := l.client.ZRangeByScore(ctx, indexKey(consumer), &redis.ZRangeBy{Min: "-inf", Max: "(" + cutoff}).Result()
		if err != nil {
			return purged, pkgerrors.Storage("purge claims", err)
		}
		if len(ids) == 0 {
			continue
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = claimKey(consumer, id)
		}

		n, err := l.client.Del(ctx, keys...).Result()
		if err != nil {
			return purged, pkgerrors.Storage("purge claims", err)
		}
		if err := l.client.ZRemRangeByScore(ctx, indexKey(consumer), "-inf", "("+cutoff).Err(); err != nil {
			return purged, pkgerrors.Storage("purge claims", err)
		}
		purged += n
	}
	return purged, nil
}
