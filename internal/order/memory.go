package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps orders in process. Err, when set, fails Create.
type MemoryRepository struct {
	mu     sync.Mutex
	orders map[string]Order
	Err    error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[string]Order)}
}

func (r *MemoryRepository) Create(_ context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Status == "" {
		o.Status = StatusPending
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	r.orders[o.ID] = *o
	return nil
}

func (r *MemoryRepository) FindAll(_ context.Context, limit, offset int) ([]Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	orders := make([]Order, 0, len(r.orders))
	for _, o := range r.orders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })

	if offset >= len(orders) {
		return []Order{}, nil
	}
	if offset > 0 {
		orders = orders[offset:]
	}
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, notFound(id)
	}
	return &o, nil
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, id string, status Status) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, notFound(id)
	}
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
	r.orders[id] = o
	return &o, nil
}
