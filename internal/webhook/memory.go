package webhook

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	pkgerrors "orderhooks/pkg/errors"
)

// In-memory stores back tests and single-process development runs.

type MemoryEventStore struct {
	mu     sync.Mutex
	events map[string]Event
	// Err, when set, is returned by Save.
	Err error
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]Event)}
}

func (s *MemoryEventStore) Save(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}
	if _, exists := s.events[event.ID]; exists {
		return nil
	}
	stored := *event
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = nowUTC()
	}
	s.events[event.ID] = stored
	return nil
}

func (s *MemoryEventStore) Get(_ context.Context, id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("event %s not found", id))
	}
	return &event, nil
}

func (s *MemoryEventStore) List(_ context.Context, q EventQuery) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]Event, 0, len(s.events))
	for _, e := range s.events {
		if q.EventType == "" || e.Type == q.EventType {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.After(events[j].CreatedAt) })
	return page(events, q.Limit, q.Offset), nil
}

type MemorySubscriptionStore struct {
	mu   sync.Mutex
	subs map[string]Subscription
	seq  int
}

func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[string]Subscription)}
}

func (s *MemorySubscriptionStore) Create(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	// A strictly increasing clock keeps created_at ordering stable within one test.
	s.seq++
	now := nowUTC().Add(time.Duration(s.seq) * time.Microsecond)
	sub.CreatedAt = now
	sub.UpdatedAt = now
	s.subs[sub.ID] = *sub
	return nil
}

func (s *MemorySubscriptionStore) Get(_ context.Context, id string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, subscriptionNotFound(id)
	}
	return &sub, nil
}

func (s *MemorySubscriptionStore) list(match func(Subscription) bool, newestFirst bool) []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make([]Subscription, 0)
	for _, sub := range s.subs {
		if match(sub) {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		if newestFirst {
			return subs[i].CreatedAt.After(subs[j].CreatedAt)
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs
}

func (s *MemorySubscriptionStore) ListActiveByType(_ context.Context, eventType string) ([]Subscription, error) {
	return s.list(func(sub Subscription) bool {
		return sub.Active && sub.EventType == eventType
	}, false), nil
}

func (s *MemorySubscriptionStore) List(_ context.Context, eventType string) ([]Subscription, error) {
	return s.list(func(sub Subscription) bool {
		return eventType == "" || sub.EventType == eventType
	}, true), nil
}

func (s *MemorySubscriptionStore) Update(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subs[sub.ID]
	if !ok {
		return subscriptionNotFound(sub.ID)
	}
	sub.CreatedAt = existing.CreatedAt
	sub.UpdatedAt = nowUTC()
	s.subs[sub.ID] = *sub
	return nil
}

func (s *MemorySubscriptionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[id]; !ok {
		return subscriptionNotFound(id)
	}
	delete(s.subs, id)
	return nil
}

type attemptKey struct {
	subscriptionID string
	eventID        string
	attempt        int
}

type MemoryDeliveryStore struct {
	mu         sync.Mutex
	deliveries map[string]Delivery
	attempts   map[attemptKey]string
	insertErr  error
}

func NewMemoryDeliveryStore() *MemoryDeliveryStore {
	return &MemoryDeliveryStore{
		deliveries: make(map[string]Delivery),
		attempts:   make(map[attemptKey]string),
	}
}

func (s *MemoryDeliveryStore) Insert(_ context.Context, d *Delivery) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.insertErr != nil {
		return false, s.insertErr
	}

	key := attemptKey{subscriptionID: d.SubscriptionID, eventID: d.EventID, attempt: d.AttemptNumber}
	if _, exists := s.attempts[key]; exists {
		return false, nil
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := nowUTC()
	d.Status = DeliveryPending
	d.CreatedAt = now
	d.UpdatedAt = now

	s.attempts[key] = d.ID
	s.deliveries[d.ID] = *d
	return true, nil
}

// FailInserts makes every Insert return err until it is called again with nil.
func (s *MemoryDeliveryStore) FailInserts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertErr = err
}

func (s *MemoryDeliveryStore) update(id string, fn func(d *Delivery)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[id]
	if !ok {
		return pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("delivery %s not found", id))
	}
	fn(&d)
	d.UpdatedAt = nowUTC()
	s.deliveries[id] = d
	return nil
}

func (s *MemoryDeliveryStore) MarkDelivered(_ context.Context, id string, responseStatus int, deliveredAt time.Time) error {
	return s.update(id, func(d *Delivery) {
		d.Status = DeliveryDelivered
		d.ResponseStatus = &responseStatus
		d.DeliveredAt = &deliveredAt
		d.ErrorMessage = ""
	})
}

func (s *MemoryDeliveryStore) MarkFailed(_ context.Context, id string, responseStatus *int, errorMessage string, nextAttemptAt *time.Time) error {
	return s.update(id, func(d *Delivery) {
		d.Status = DeliveryFailed
		d.ResponseStatus = responseStatus
		d.ErrorMessage = errorMessage
		d.NextAttemptAt = nextAttemptAt
	})
}

func (s *MemoryDeliveryStore) filter(match func(Delivery) bool) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Delivery, 0)
	for _, d := range s.deliveries {
		if match(d) {
			out = append(out, d)
		}
	}
	return out
}

func (s *MemoryDeliveryStore) List(_ context.Context, q DeliveryQuery) ([]Delivery, error) {
	out := s.filter(func(d Delivery) bool {
		return (q.Status == "" || d.Status == q.Status) &&
			(q.EventID == "" || d.EventID == q.EventID) &&
			(q.SubscriptionID == "" || d.SubscriptionID == q.SubscriptionID)
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].AttemptNumber > out[j].AttemptNumber
	})
	return page(out, q.Limit, q.Offset), nil
}

func (s *MemoryDeliveryStore) ListScheduled(_ context.Context) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Delivery, 0)
	for _, d := range s.deliveries {
		if d.Status != DeliveryFailed || d.NextAttemptAt == nil {
			continue
		}
		next := attemptKey{subscriptionID: d.SubscriptionID, eventID: d.EventID, attempt: d.AttemptNumber + 1}
		if _, exists := s.attempts[next]; exists {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(*out[j].NextAttemptAt) })
	return out, nil
}

func (s *MemoryDeliveryStore) ListStalePending(_ context.Context, cutoff time.Time) ([]Delivery, error) {
	out := s.filter(func(d Delivery) bool {
		return d.Status == DeliveryPending && d.CreatedAt.Before(cutoff)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Attempts returns the chain for (eventID, subscriptionID) ordered by attempt number.
func (s *MemoryDeliveryStore) Attempts(eventID, subscriptionID string) []Delivery {
	out := s.filter(func(d Delivery) bool {
		return d.EventID == eventID && d.SubscriptionID == subscriptionID
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit = normalizeLimit(limit); len(items) > limit {
		items = items[:limit]
	}
	return items
}
