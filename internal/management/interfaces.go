package management

import (
	"context"

	"orderhooks/internal/idempotency"
	"orderhooks/internal/order"
	"orderhooks/internal/webhook"
)

type Service interface {
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*webhook.Subscription, error)
	ListSubscriptions(ctx context.Context, eventType string) ([]webhook.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*webhook.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, req UpdateSubscriptionRequest) (*webhook.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	GetAuditLogs(ctx context.Context, subscriptionID string, limit int) ([]AuditLog, error)

	ListEvents(ctx context.Context, q webhook.EventQuery) ([]webhook.Event, error)
	GetEvent(ctx context.Context, id string) (*webhook.Event, error)
	GetEventDeliveries(ctx context.Context, eventID string) (*EventWithDeliveries, error)
	ListDeliveries(ctx context.Context, q webhook.DeliveryQuery) ([]webhook.Delivery, error)

	SubmitOrder(ctx context.Context, input order.CreateOrderInput) (*AcceptedOrder, error)
	ListOrders(ctx context.Context, limit, offset int) ([]order.Order, error)
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	UpdateOrderStatus(ctx context.Context, id, status string) (*order.Order, error)

	ListProcessedMessages(ctx context.Context, consumer string, limit int) ([]idempotency.Record, error)
	GetProcessedMessage(ctx context.Context, messageID string) ([]idempotency.Record, error)
}

// Orders is the part of the order service the API exposes.
type Orders interface {
	FindAll(ctx context.Context, limit, offset int) ([]order.Order, error)
	FindByID(ctx context.Context, id string) (*order.Order, error)
	UpdateStatus(ctx context.Context, id, status string) (*order.Order, error)
}
