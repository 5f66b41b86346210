package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"

	"orderhooks/internal/constants"
)

type memoryKey struct {
	messageID string
	consumer  string
}

// MemoryLedger is a process-local Ledger for tests and single-node development.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[memoryKey]Record
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[memoryKey]Record),
		now:     time.Now,
	}
}

func (l *MemoryLedger) Claim(ctx context.Context, messageID, consumer string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := memoryKey{messageID: messageID, consumer: consumer}
	if _, exists := l.records[key]; exists {
		return false, nil
	}
	l.records[key] = Record{
		MessageID:   messageID,
		Consumer:    consumer,
		ProcessedAt: l.now().UTC(),
		Metadata:    claimMetadata(ctx),
	}
	return true, nil
}

func (l *MemoryLedger) IsClaimed(_ context.Context, messageID, consumer string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, exists := l.records[memoryKey{messageID: messageID, consumer: consumer}]
	return exists, nil
}

func (l *MemoryLedger) Find(_ context.Context, messageID string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Record
	for k, r := range l.records {
		if k.messageID == messageID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.Before(out[j].ProcessedAt) })
	return out, nil
}

func (l *MemoryLedger) ListRecent(_ context.Context, consumer string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = constants.DefaultLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Record
	for k, r := range l.records {
		if consumer == "" || k.consumer == consumer {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.After(out[j].ProcessedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) PurgeOlderThan(_ context.Context, age time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-age)
	var purged int64
	for k, r := range l.records {
		if r.ProcessedAt.Before(cutoff) {
			delete(l.records, k)
			purged++
		}
	}
	return purged, nil
}
