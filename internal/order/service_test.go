package order

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderhooks/internal/broker"
	"orderhooks/internal/config"
	"orderhooks/internal/constants"
	"orderhooks/internal/idempotency"
	"orderhooks/internal/logger"
	"orderhooks/internal/webhook"
	pkgerrors "orderhooks/pkg/errors"
	"orderhooks/pkg/logging"
	"orderhooks/pkg/models"
)

const stockTopic = "order.created"

type fixture struct {
	service  *Service
	repo     *MemoryRepository
	events   *webhook.MemoryEventStore
	producer *broker.MemoryProducer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:     NewMemoryRepository(),
		events:   webhook.NewMemoryEventStore(),
		producer: broker.NewMemoryProducer(),
	}
	emitter := broker.NewEmitter(f.producer, "order-service")

	engine, err := webhook.NewEngine(
		f.events,
		webhook.NewMemorySubscriptionStore(),
		webhook.NewMemoryDeliveryStore(),
		webhook.NewSender(config.WebhookConfig{}),
		emitter,
		webhook.NewEngineConfig(config.WebhookConfig{}, constants.DefaultWebhookDLQTopic),
		logger.NopLogger(),
	)
	require.NoError(t, err)

	f.service = NewService(f.repo, emitter, engine, stockTopic, logger.NopLogger())
	return f
}

func orderRequest(t *testing.T, id string) models.MessageEnvelope {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"product_id": "p-1",
		"quantity":   2,
		"total":      19.999,
		"user_id":    7,
	})
	require.NoError(t, err)
	return models.MessageEnvelope{MessageID: id, Data: data}
}

func TestOrderRequestDeliveredTwiceHasOneEffect(t *testing.T) {
	f := newFixture(t)
	guard := idempotency.NewGuard(idempotency.NewMemoryLedger(), constants.ConsumerOrderService, logger.NopLogger())
	handler := guard.Wrap(f.service.HandleOrderRequest)

	require.NoError(t, handler(context.Background(), orderRequest(t, "abc")))
	require.NoError(t, handler(context.Background(), orderRequest(t, "abc")))

	orders, err := f.repo.FindAll(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, StatusPending, orders[0].Status)
	assert.Equal(t, 20.0, orders[0].Total)
	require.NotNil(t, orders[0].UserID)
	assert.Equal(t, int64(7), *orders[0].UserID)

	events, err := f.events.List(context.Background(), webhook.EventQuery{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, constants.EventTypeOrderCreated, events[0].Type)
	assert.Equal(t, "abc", events[0].IdempotencyKey)
	assert.Equal(t, orders[0].ID, events[0].Payload["order_id"])
	assert.Equal(t, int64(7), events[0].Payload["user_id"])

	stock := f.producer.MessagesOn(stockTopic)
	require.Len(t, stock, 1)
	var body StockEvent
	require.NoError(t, json.Unmarshal(stock[0].Envelope.Data, &body))
	assert.Equal(t, StockEvent{ProductID: "p-1", Quantity: 2, OrderID: orders[0].ID}, body)
}

func TestCreateOrder_Validation(t *testing.T) {
	tests := []struct {
		name  string
		input CreateOrderInput
	}{
		{"missing product", CreateOrderInput{Quantity: 1, Total: 1}},
		{"zero quantity", CreateOrderInput{ProductID: "p-1", Total: 1}},
		{"negative total", CreateOrderInput{ProductID: "p-1", Quantity: 1, Total: -1}},
		{"total too large", CreateOrderInput{ProductID: "p-1", Quantity: 1, Total: 1e9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.service.CreateOrder(context.Background(), tt.input)
			assert.True(t, pkgerrors.IsValidation(err))
			assert.Empty(t, f.producer.Messages())
		})
	}
}

func TestCreateOrder_StorageFailureEmitsNothing(t *testing.T) {
	f := newFixture(t)
	f.repo.Err = pkgerrors.Storage("insert order", errors.New("connection refused"))

	_, err := f.service.CreateOrder(context.Background(), CreateOrderInput{ProductID: "p-1", Quantity: 1, Total: 5})
	assert.True(t, pkgerrors.IsStorage(err))
	assert.Empty(t, f.producer.Messages())

	events, err := f.events.List(context.Background(), webhook.EventQuery{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCreateOrder_EmitFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.producer.Err = errors.New("broker down")

	ctx := logging.WithMessageID(context.Background(), "m-1")
	o, err := f.service.CreateOrder(ctx, CreateOrderInput{ProductID: "p-1", Quantity: 1, Total: 5})
	require.Error(t, err)
	require.NotNil(t, o)

	_, err = f.repo.FindByID(ctx, o.ID)
	assert.NoError(t, err, "the order row is committed before emitting")
}

func TestHandleOrderRequest_MalformedData(t *testing.T) {
	f := newFixture(t)
	err := f.service.HandleOrderRequest(context.Background(), models.MessageEnvelope{
		MessageID: "m-1",
		Data:      json.RawMessage(`{"quantity":"two"}`),
	})
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.service.CreateOrder(ctx, CreateOrderInput{ProductID: "p-1", Quantity: 1, Total: 5})
	require.NoError(t, err)

	updated, err := f.service.UpdateStatus(ctx, o.ID, "completed")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, updated.Status)

	_, err = f.service.UpdateStatus(ctx, o.ID, "SHIPPED")
	assert.True(t, pkgerrors.IsValidation(err))

	_, err = f.service.UpdateStatus(ctx, "missing", "CANCELLED")
	assert.True(t, pkgerrors.IsNotFound(err))
}
