package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderhooks/internal/broker"
	"orderhooks/internal/config"
	"orderhooks/internal/constants"
	"orderhooks/internal/logger"
	pkgerrors "orderhooks/pkg/errors"
)

const dlqTopic = "webhook.dlq"

type fixture struct {
	engine     *Engine
	events     *MemoryEventStore
	subs       *MemorySubscriptionStore
	deliveries *MemoryDeliveryStore
	producer   *broker.MemoryProducer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		events:     NewMemoryEventStore(),
		subs:       NewMemorySubscriptionStore(),
		deliveries: NewMemoryDeliveryStore(),
		producer:   broker.NewMemoryProducer(),
	}
	f.rebuild(t, f.subs, func(*EngineConfig) {})
	return f
}

// rebuild replaces the engine, reading subscriptions through reader.
func (f *fixture) rebuild(t *testing.T, reader SubscriptionReader, mutate func(cfg *EngineConfig)) {
	t.Helper()

	cfg := EngineConfig{
		MaxAttempts:       6,
		BackoffBase:       time.Millisecond,
		Workers:           4,
		DLQTopic:          dlqTopic,
		StorageRetryDelay: 10 * time.Millisecond,
	}
	mutate(&cfg)

	sender := NewSender(config.WebhookConfig{BearerToken: "anon-key", RequestTimeout: time.Second})
	engine, err := NewEngine(f.events, reader, f.deliveries, sender,
		broker.NewEmitter(f.producer, "order-service"),
		cfg,
		logger.NopLogger(),
	)
	require.NoError(t, err)
	f.engine = engine
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.engine.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) subscribe(t *testing.T, url string, mutate ...func(*Subscription)) Subscription {
	t.Helper()
	sub := Subscription{URL: url, EventType: constants.EventTypeOrderCreated, Secret: "s3cret", Active: true}
	for _, m := range mutate {
		m(&sub)
	}
	require.NoError(t, f.subs.Create(context.Background(), &sub))
	return sub
}

func orderEvent(total float64) *Event {
	return &Event{
		Type:           constants.EventTypeOrderCreated,
		IdempotencyKey: "abc",
		Payload: map[string]interface{}{
			"order_id":   "o-1",
			"product_id": "p-1",
			"quantity":   2,
			"total":      total,
		},
	}
}

func TestEngine_AlwaysFailingEndpointIsDeadLettered(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := newFixture(t)
	sub := f.subscribe(t, server.URL)
	f.run(t)

	event := orderEvent(10)
	require.NoError(t, f.engine.Publish(context.Background(), event))

	require.Eventually(t, func() bool {
		return len(f.producer.MessagesOn(dlqTopic)) == 1
	}, 5*time.Second, 5*time.Millisecond)

	attempts := f.deliveries.Attempts(event.ID, sub.ID)
	require.Len(t, attempts, 6)
	for i, d := range attempts {
		assert.Equal(t, i+1, d.AttemptNumber)
		assert.Equal(t, DeliveryFailed, d.Status)
		require.NotNil(t, d.ResponseStatus)
		assert.Equal(t, http.StatusInternalServerError, *d.ResponseStatus)
		if d.AttemptNumber < 6 {
			assert.NotNil(t, d.NextAttemptAt)
		} else {
			assert.Nil(t, d.NextAttemptAt)
		}
	}
	assert.Equal(t, int32(6), atomic.LoadInt32(&calls))

	var letter DeadLetter
	msg := f.producer.MessagesOn(dlqTopic)[0]
	require.NoError(t, json.Unmarshal(msg.Envelope.Data, &letter))
	assert.Equal(t, constants.DLQReasonMaxRetries, letter.Reason)
	assert.Equal(t, sub.ID, letter.SubscriptionID)
	assert.Equal(t, server.URL, letter.SubscriptionURL)
	assert.Equal(t, event.ID, letter.Event.EventID)
	assert.Contains(t, letter.LastError, "500")

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.producer.MessagesOn(dlqTopic), 1)
	assert.Len(t, f.deliveries.Attempts(event.ID, sub.ID), 6)
}

func TestEngine_RecoversAfterTwoFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newFixture(t)
	sub := f.subscribe(t, server.URL)
	f.run(t)

	event := orderEvent(10)
	require.NoError(t, f.engine.Publish(context.Background(), event))

	require.Eventually(t, func() bool {
		attempts := f.deliveries.Attempts(event.ID, sub.ID)
		return len(attempts) == 3 && attempts[2].Status == DeliveryDelivered
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	attempts := f.deliveries.Attempts(event.ID, sub.ID)
	require.Len(t, attempts, 3)
	assert.Equal(t, DeliveryFailed, attempts[0].Status)
	assert.Equal(t, DeliveryFailed, attempts[1].Status)
	assert.Equal(t, DeliveryDelivered, attempts[2].Status)
	assert.NotNil(t, attempts[2].DeliveredAt)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Empty(t, f.producer.MessagesOn(dlqTopic))
}

func TestEngine_SignsEveryAttempt(t *testing.T) {
	type captured struct {
		body   []byte
		header http.Header
	}
	var (
		mu       sync.Mutex
		requests []captured
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, captured{body: body, header: r.Header.Clone()})
		n := len(requests)
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	f := newFixture(t)
	sub := f.subscribe(t, server.URL)
	f.run(t)

	event := orderEvent(42.5)
	require.NoError(t, f.engine.Publish(context.Background(), event))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(requests) == 2
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, req := range requests {
		assert.True(t, Verify(req.body, sub.Secret, req.header.Get(constants.HeaderSignature)))
		assert.Equal(t, "application/json", req.header.Get("Content-Type"))
		assert.Equal(t, "Bearer anon-key", req.header.Get("Authorization"))
		assert.Equal(t, event.ID, req.header.Get(constants.HeaderEventID))

		ts, err := time.Parse(constants.TimestampLayout, req.header.Get(constants.HeaderTimestamp))
		require.NoError(t, err)
		assert.True(t, ts.Equal(event.Timestamp))

		var body Body
		require.NoError(t, json.Unmarshal(req.body, &body))
		assert.Equal(t, event.ID, body.EventID)
		assert.Equal(t, constants.EventTypeOrderCreated, body.EventType)
		assert.Equal(t, "abc", body.IdempotencyKey)
		assert.Equal(t, 42.5, body.Payload["total"])
	}
}

func TestEngine_InactiveSubscriptionReceivesNothing(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	f := newFixture(t)
	sub := f.subscribe(t, server.URL, func(s *Subscription) { s.Active = false })
	f.run(t)

	event := orderEvent(10)
	require.NoError(t, f.engine.Publish(context.Background(), event))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Empty(t, f.deliveries.Attempts(event.ID, sub.ID))

	stored, err := f.events.Get(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, event.Type, stored.Type)
}

func TestEngine_DeactivationCancelsChain(t *testing.T) {
	f := newFixture(t)

	var sub Subscription
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current, err := f.subs.Get(context.Background(), sub.ID)
		if err == nil {
			current.Active = false
			_ = f.subs.Update(context.Background(), current)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sub = f.subscribe(t, server.URL)
	f.run(t)

	event := orderEvent(10)
	require.NoError(t, f.engine.Publish(context.Background(), event))

	require.Eventually(t, func() bool {
		attempts := f.deliveries.Attempts(event.ID, sub.ID)
		return len(attempts) == 1 && attempts[0].Status == DeliveryFailed
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.deliveries.Attempts(event.ID, sub.ID), 1)
	assert.Empty(t, f.producer.MessagesOn(dlqTopic))
}

func TestEngine_FilterSelectsSubscriptions(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	f := newFixture(t)
	bigOrders := f.subscribe(t, server.URL, func(s *Subscription) { s.Filter = "payload.total > 100.0" })
	broken := f.subscribe(t, server.URL, func(s *Subscription) { s.Filter = "payload.missing.field == 1" })
	f.run(t)

	small := orderEvent(50)
	require.NoError(t, f.engine.Publish(context.Background(), small))
	large := orderEvent(150)
	require.NoError(t, f.engine.Publish(context.Background(), large))

	require.Eventually(t, func() bool {
		attempts := f.deliveries.Attempts(large.ID, bigOrders.ID)
		return len(attempts) == 1 && attempts[0].Status == DeliveryDelivered
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, f.deliveries.Attempts(small.ID, bigOrders.ID))
	assert.Empty(t, f.deliveries.Attempts(large.ID, broken.ID))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEngine_PublishingTwiceDeliversOnce(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	f := newFixture(t)
	sub := f.subscribe(t, server.URL)
	f.run(t)

	event := orderEvent(10)
	event.ID = "evt-fixed"
	require.NoError(t, f.engine.Publish(context.Background(), event))
	again := orderEvent(99)
	again.ID = "evt-fixed"
	require.NoError(t, f.engine.Publish(context.Background(), again))

	require.Eventually(t, func() bool {
		attempts := f.deliveries.Attempts("evt-fixed", sub.ID)
		return len(attempts) == 1 && attempts[0].Status == DeliveryDelivered
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	stored, err := f.events.Get(context.Background(), "evt-fixed")
	require.NoError(t, err)
	assert.Equal(t, 10.0, stored.Payload["total"])
}

func TestEngine_PublishStorageFailure(t *testing.T) {
	f := newFixture(t)
	f.events.Err = pkgerrors.Storage("save event", errors.New("connection refused"))

	err := f.engine.Publish(context.Background(), orderEvent(10))
	assert.True(t, pkgerrors.IsStorage(err))
	assert.Zero(t, f.engine.QueueLen())
}

func TestEngine_PublishRequiresEventType(t *testing.T) {
	f := newFixture(t)
	err := f.engine.Publish(context.Background(), &Event{})
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestEngine_InsertFailureRequeuesAttempt(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	f := newFixture(t)
	sub := f.subscribe(t, server.URL)
	f.deliveries.FailInserts(pkgerrors.Storage("insert delivery", errors.New("down")))
	f.run(t)

	event := orderEvent(10)
	require.NoError(t, f.engine.Publish(context.Background(), event))

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&calls))

	f.deliveries.FailInserts(nil)
	require.Eventually(t, func() bool {
		attempts := f.deliveries.Attempts(event.ID, sub.ID)
		return len(attempts) == 1 && attempts[0].Status == DeliveryDelivered
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEngine_RecoverPending(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, server.URL)

	interruptedEvent := orderEvent(10)
	require.NoError(t, f.engine.prepare(interruptedEvent))
	require.NoError(t, f.events.Save(ctx, interruptedEvent))
	pending := &Delivery{SubscriptionID: sub.ID, EventID: interruptedEvent.ID, AttemptNumber: 1}
	_, err := f.deliveries.Insert(ctx, pending)
	require.NoError(t, err)
	backdate(f.deliveries, pending.ID, time.Minute)

	scheduledEvent := orderEvent(20)
	require.NoError(t, f.engine.prepare(scheduledEvent))
	require.NoError(t, f.events.Save(ctx, scheduledEvent))
	failed := &Delivery{SubscriptionID: sub.ID, EventID: scheduledEvent.ID, AttemptNumber: 2}
	_, err = f.deliveries.Insert(ctx, failed)
	require.NoError(t, err)
	due := time.Now().Add(-time.Second)
	require.NoError(t, f.deliveries.MarkFailed(ctx, failed.ID, nil, "timeout", &due))

	queued, err := f.engine.RecoverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)

	f.run(t)

	require.Eventually(t, func() bool {
		a := f.deliveries.Attempts(interruptedEvent.ID, sub.ID)
		b := f.deliveries.Attempts(scheduledEvent.ID, sub.ID)
		return len(a) == 2 && a[1].Status == DeliveryDelivered &&
			len(b) == 2 && b[1].Status == DeliveryDelivered
	}, 5*time.Second, 5*time.Millisecond)

	a := f.deliveries.Attempts(interruptedEvent.ID, sub.ID)
	assert.Equal(t, DeliveryFailed, a[0].Status)
	assert.Equal(t, interruptedAttempt, a[0].ErrorMessage)
	assert.Equal(t, 2, a[1].AttemptNumber)

	b := f.deliveries.Attempts(scheduledEvent.ID, sub.ID)
	assert.Equal(t, 3, b[1].AttemptNumber)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEngine_RecoverInterruptedFinalAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, "http://127.0.0.1:1")

	event := orderEvent(10)
	require.NoError(t, f.engine.prepare(event))
	require.NoError(t, f.events.Save(ctx, event))
	last := &Delivery{SubscriptionID: sub.ID, EventID: event.ID, AttemptNumber: 6}
	_, err := f.deliveries.Insert(ctx, last)
	require.NoError(t, err)
	backdate(f.deliveries, last.ID, time.Minute)

	queued, err := f.engine.RecoverPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)

	require.Len(t, f.producer.MessagesOn(dlqTopic), 1)
	attempts := f.deliveries.Attempts(event.ID, sub.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, DeliveryFailed, attempts[0].Status)
	assert.Nil(t, attempts[0].NextAttemptAt)
}

func backdate(store *MemoryDeliveryStore, id string, by time.Duration) {
	store.mu.Lock()
	defer store.mu.Unlock()
	d := store.deliveries[id]
	d.CreatedAt = d.CreatedAt.Add(-by)
	store.deliveries[id] = d
}

func TestEngine_DrainInactiveFinishesRunningChain(t *testing.T) {
	f := newFixture(t)
	f.rebuild(t, f.subs, func(cfg *EngineConfig) { cfg.DrainInactive = true })

	var calls int32
	var sub Subscription
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			current, err := f.subs.Get(context.Background(), sub.ID)
			if err == nil {
				current.Active = false
				_ = f.subs.Update(context.Background(), current)
			}
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub = f.subscribe(t, server.URL)
	f.run(t)

	event := orderEvent(10)
	require.NoError(t, f.engine.Publish(context.Background(), event))

	require.Eventually(t, func() bool {
		attempts := f.deliveries.Attempts(event.ID, sub.ID)
		return len(attempts) == 2 && attempts[1].Status == DeliveryDelivered
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEngine_DrainInactiveStartsNoNewChains(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	f := newFixture(t)
	registry := NewCachedRegistry(f.subs, time.Minute, logger.NopLogger())
	f.rebuild(t, registry, func(cfg *EngineConfig) { cfg.DrainInactive = true })

	sub := f.subscribe(t, server.URL)
	f.run(t)

	first := orderEvent(10)
	require.NoError(t, f.engine.Publish(context.Background(), first))
	require.Eventually(t, func() bool {
		attempts := f.deliveries.Attempts(first.ID, sub.ID)
		return len(attempts) == 1 && attempts[0].Status == DeliveryDelivered
	}, 5*time.Second, 5*time.Millisecond)

	current, err := f.subs.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	current.Active = false
	require.NoError(t, f.subs.Update(context.Background(), current))

	// The registry still lists the subscription until its entry expires.
	cached, err := registry.ListActiveByType(context.Background(), constants.EventTypeOrderCreated)
	require.NoError(t, err)
	require.Len(t, cached, 1)

	second := orderEvent(20)
	require.NoError(t, f.engine.Publish(context.Background(), second))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.deliveries.Attempts(second.ID, sub.ID))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEngine_RecoverySweepSkipsAttemptInFlight(t *testing.T) {
	var calls, running, maxRunning int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		n := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	f := newFixture(t)
	f.rebuild(t, f.subs, func(cfg *EngineConfig) {
		cfg.RecoveryInterval = 10 * time.Millisecond
		cfg.StalePendingAfter = time.Millisecond
	})
	sub := f.subscribe(t, server.URL)
	f.run(t)

	event := orderEvent(10)
	require.NoError(t, f.engine.Publish(context.Background(), event))

	require.Eventually(t, func() bool {
		attempts := f.deliveries.Attempts(event.ID, sub.ID)
		return len(attempts) == 1 && attempts[0].Status == DeliveryDelivered
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	attempts := f.deliveries.Attempts(event.ID, sub.ID)
	require.Len(t, attempts, 1)
	assert.Empty(t, attempts[0].ErrorMessage)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestNewEngineConfig_StalePendingFollowsRequestTimeout(t *testing.T) {
	cfg := NewEngineConfig(config.WebhookConfig{RequestTimeout: 30 * time.Second}, dlqTopic)
	assert.Equal(t, 60*time.Second+constants.StalePendingSlack, cfg.StalePendingAfter)
	assert.Greater(t, cfg.StalePendingAfter, 30*time.Second)

	cfg = NewEngineConfig(config.WebhookConfig{}, dlqTopic)
	assert.Equal(t, 2*constants.DefaultWebhookTimeout+constants.StalePendingSlack, cfg.StalePendingAfter)
}
