//go:build integration

package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "orderhooks/pkg/errors"

	"orderhooks/internal/testinfra"
)

func sampleEvent(id, eventType string) *Event {
	return &Event{
		ID:             id,
		Type:           eventType,
		Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		IdempotencyKey: "msg-" + id,
		Payload:        map[string]interface{}{"order_id": "o-" + id, "amount": 12.5},
	}
}

func runEventStoreContract(t *testing.T, store EventStore) {
	ctx := context.Background()

	t.Run("save is idempotent", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, sampleEvent("evt-1", "order.created")))

		changed := sampleEvent("evt-1", "order.cancelled")
		changed.Payload = map[string]interface{}{"order_id": "other"}
		require.NoError(t, store.Save(ctx, changed))

		got, err := store.Get(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, "order.created", got.Type)
		assert.Equal(t, "o-evt-1", got.Payload["order_id"])
		assert.Equal(t, "msg-evt-1", got.IdempotencyKey)
		assert.True(t, got.Timestamp.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(ctx, "evt-missing")
		assert.True(t, pkgerrors.IsNotFound(err))
	})

	t.Run("list filters by type newest first", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, sampleEvent("evt-2", "order.shipped")))
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, store.Save(ctx, sampleEvent("evt-3", "order.shipped")))

		events, err := store.List(ctx, EventQuery{EventType: "order.shipped"})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "evt-3", events[0].ID)
		assert.Equal(t, "evt-2", events[1].ID)

		events, err = store.List(ctx, EventQuery{Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}

func TestPostgresEventStore(t *testing.T) {
	infra := testinfra.Setup(t, testinfra.Options{Postgres: true})
	runEventStoreContract(t, NewPostgresEventStore(infra.PostgresDB))
}

func TestMongoEventStore(t *testing.T) {
	infra := testinfra.Setup(t, testinfra.Options{Mongo: true})
	runEventStoreContract(t, NewMongoEventStore(infra.MongoDB))
}

func TestPostgresSubscriptionStore(t *testing.T) {
	infra := testinfra.Setup(t, testinfra.Options{Postgres: true})
	store := NewPostgresSubscriptionStore(infra.PostgresDB)
	ctx := context.Background()

	active := &Subscription{URL: "https://a.example.com/hook", EventType: "order.created", Secret: "s1", Active: true}
	inactive := &Subscription{URL: "https://b.example.com/hook", EventType: "order.created", Secret: "s2", Active: false}
	filtered := &Subscription{URL: "https://c.example.com/hook", EventType: "order.created", Secret: "s3", Active: true, Filter: `payload.amount > 10.0`}
	require.NoError(t, store.Create(ctx, active))
	require.NoError(t, store.Create(ctx, inactive))
	require.NoError(t, store.Create(ctx, filtered))

	subs, err := store.ListActiveByType(ctx, "order.created")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, active.ID, subs[0].ID)
	assert.Equal(t, filtered.Filter, subs[1].Filter)

	inactive.Active = true
	inactive.URL = "https://b.example.com/v2"
	require.NoError(t, store.Update(ctx, inactive))

	got, err := store.Get(ctx, inactive.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Equal(t, "https://b.example.com/v2", got.URL)
	assert.Empty(t, got.Filter)

	require.NoError(t, store.Delete(ctx, active.ID))
	_, err = store.Get(ctx, active.ID)
	assert.True(t, pkgerrors.IsNotFound(err))

	assert.True(t, pkgerrors.IsNotFound(store.Delete(ctx, active.ID)))
	assert.True(t, pkgerrors.IsNotFound(store.Update(ctx, &Subscription{ID: uuid.New().String()})))

	_, err = store.Get(ctx, "not-a-uuid")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestPostgresDeliveryStore(t *testing.T) {
	infra := testinfra.Setup(t, testinfra.Options{Postgres: true})
	events := NewPostgresEventStore(infra.PostgresDB)
	store := NewPostgresDeliveryStore(infra.PostgresDB)
	ctx := context.Background()

	require.NoError(t, events.Save(ctx, sampleEvent("evt-d", "order.created")))
	subID := uuid.New().String()

	first := &Delivery{SubscriptionID: subID, EventID: "evt-d", AttemptNumber: 1}
	inserted, err := store.Insert(ctx, first)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.Insert(ctx, &Delivery{SubscriptionID: subID, EventID: "evt-d", AttemptNumber: 1})
	require.NoError(t, err)
	assert.False(t, inserted)

	stale, err := store.ListStalePending(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, first.ID, stale[0].ID)

	status := 500
	next := time.Now().Add(2 * time.Second).UTC()
	require.NoError(t, store.MarkFailed(ctx, first.ID, &status, "status 500", &next))

	scheduled, err := store.ListScheduled(ctx)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, DeliveryFailed, scheduled[0].Status)
	require.NotNil(t, scheduled[0].ResponseStatus)
	assert.Equal(t, 500, *scheduled[0].ResponseStatus)
	assert.Equal(t, "status 500", scheduled[0].ErrorMessage)

	second := &Delivery{SubscriptionID: subID, EventID: "evt-d", AttemptNumber: 2}
	inserted, err = store.Insert(ctx, second)
	require.NoError(t, err)
	require.True(t, inserted)

	scheduled, err = store.ListScheduled(ctx)
	require.NoError(t, err)
	assert.Empty(t, scheduled)

	require.NoError(t, store.MarkDelivered(ctx, second.ID, 204, time.Now()))

	delivered, err := store.List(ctx, DeliveryQuery{Status: DeliveryDelivered})
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.Equal(t, 2, delivered[0].AttemptNumber)
	assert.NotNil(t, delivered[0].DeliveredAt)

	chain, err := store.List(ctx, DeliveryQuery{EventID: "evt-d", SubscriptionID: subID})
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, 2, chain[0].AttemptNumber)
}
