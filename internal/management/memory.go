package management

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAuditRepository keeps audit logs in process, newest first on read.
type MemoryAuditRepository struct {
	mu   sync.Mutex
	logs []AuditLog
}

func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{}
}

func (r *MemoryAuditRepository) CreateAuditLog(_ context.Context, log *AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now().UTC().Add(time.Duration(len(r.logs)) * time.Microsecond)
	}
	r.logs = append(r.logs, *log)
	return nil
}

func (r *MemoryAuditRepository) GetAuditLogs(_ context.Context, subscriptionID string, limit int) ([]AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logs := make([]AuditLog, 0)
	for _, log := range r.logs {
		if log.SubscriptionID == subscriptionID {
			logs = append(logs, log)
		}
	}
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].Timestamp.After(logs[j].Timestamp) })
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}
