// Package order creates orders from order request messages and announces them
// downstream: a stock event for the product service and an order.created webhook.
package order

import (
	"context"
	"fmt"
	"time"

	"orderhooks/internal/broker"
	"orderhooks/internal/constants"
	"orderhooks/internal/logger"
	"orderhooks/internal/webhook"
	"orderhooks/pkg/logging"
	"orderhooks/pkg/metrics"
	"orderhooks/pkg/models"
	"orderhooks/pkg/tracing"
)

const tracerName = "order-service"

type Service struct {
	repo       Repository
	emitter    broker.Emitter
	webhooks   webhook.Publisher
	stockTopic string
	logger     logger.Logger
}

func NewService(repo Repository, emitter broker.Emitter, webhooks webhook.Publisher, stockTopic string, log logger.Logger) *Service {
	return &Service{
		repo:       repo,
		emitter:    emitter,
		webhooks:   webhooks,
		stockTopic: stockTopic,
		logger:     log,
	}
}

// CreateOrder inserts a PENDING order. Once the row is committed it emits the
// stock event and publishes order.created to the webhook engine. The broker
// message id on ctx becomes the event's idempotency key.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (*Order, error) {
	ctx, span := tracing.GetTracer(tracerName).Start(ctx, "order.create")
	defer span.End()

	start := time.Now()
	status := "success"
	defer func() { metrics.ObserveOrderDuration(time.Since(start), status) }()

	if err := input.Validate(); err != nil {
		status = "invalid"
		return nil, err
	}

	o := &Order{
		ProductID: input.ProductID,
		Quantity:  input.Quantity,
		Total:     input.Total,
		UserID:    input.UserID,
		Status:    StatusPending,
	}
	if err := s.repo.Create(ctx, o); err != nil {
		status = "error"
		s.logger.ErrorwCtx(ctx, "Failed to create order",
			"error", err,
			"product_id", input.ProductID,
		)
		return nil, err
	}
	metrics.OrdersCreatedTotal.Inc()
	span.SetAttributes(tracing.AttrOrderID.String(o.ID))

	s.logger.InfowCtx(ctx, "Order created",
		"order_id", o.ID,
		"product_id", o.ProductID,
		"quantity", o.Quantity,
	)

	stock := StockEvent{ProductID: o.ProductID, Quantity: o.Quantity, OrderID: o.ID}
	if err := s.emitter.Emit(ctx, s.stockTopic, stock); err != nil {
		status = "error"
		return o, fmt.Errorf("order %s created but stock event failed: %w", o.ID, err)
	}

	event := &webhook.Event{
		Type:           constants.EventTypeOrderCreated,
		Timestamp:      o.CreatedAt,
		IdempotencyKey: logging.GetMessageID(ctx),
		Payload:        o.webhookPayload(),
	}
	if err := s.webhooks.Publish(ctx, event); err != nil {
		status = "error"
		return o, fmt.Errorf("order %s created but webhook publish failed: %w", o.ID, err)
	}

	return o, nil
}

func (s *Service) FindAll(ctx context.Context, limit, offset int) ([]Order, error) {
	return s.repo.FindAll(ctx, limit, offset)
}

func (s *Service) FindByID(ctx context.Context, id string) (*Order, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *Service) UpdateStatus(ctx context.Context, id, status string) (*Order, error) {
	parsed, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}

	o, err := s.repo.UpdateStatus(ctx, id, parsed)
	if err != nil {
		return nil, err
	}

	s.logger.InfowCtx(ctx, "Order status updated",
		"order_id", id,
		"status", parsed,
	)
	return o, nil
}

// HandleOrderRequest is the broker handler for order request messages. Wrap it
// in an idempotency guard so a redelivered request creates nothing.
func (s *Service) HandleOrderRequest(ctx context.Context, msg models.MessageEnvelope) error {
	var input CreateOrderInput
	if err := msg.DecodeData(&input); err != nil {
		return invalid(err.Error())
	}
	_, err := s.CreateOrder(ctx, input)
	return err
}
