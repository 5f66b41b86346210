package management

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"orderhooks/internal/broker"
	"orderhooks/internal/constants"
	"orderhooks/internal/idempotency"
	"orderhooks/internal/logger"
	"orderhooks/internal/order"
	"orderhooks/internal/webhook"
	"orderhooks/pkg/cel"
	pkgerrors "orderhooks/pkg/errors"
	"orderhooks/pkg/logging"
	"orderhooks/pkg/models"
)

const serviceName = "management-service"

type service struct {
	subscriptions       webhook.SubscriptionStore
	events              webhook.EventStore
	deliveries          webhook.DeliveryStore
	evaluator           *cel.Evaluator
	auditRepo           AuditRepository
	configEventProducer *ConfigEventProducer
	orders              Orders
	orderProducer       broker.Producer
	orderTopic          string
	ledger              idempotency.Ledger
	defaultConsumer     string
	logger              logger.Logger
}

type ServiceOption func(*service)

func WithAudit(repo AuditRepository) ServiceOption {
	return func(s *service) {
		s.auditRepo = repo
	}
}

func WithConfigEvents(producer *ConfigEventProducer) ServiceOption {
	return func(s *service) {
		s.configEventProducer = producer
	}
}

func WithOrders(orders Orders) ServiceOption {
	return func(s *service) {
		s.orders = orders
	}
}

// WithOrderRequests enables order submission: requests are enveloped and
// published on topic for the order service to consume.
func WithOrderRequests(producer broker.Producer, topic string) ServiceOption {
	return func(s *service) {
		s.orderProducer = producer
		s.orderTopic = topic
	}
}

func WithLedger(ledger idempotency.Ledger, defaultConsumer string) ServiceOption {
	return func(s *service) {
		s.ledger = ledger
		s.defaultConsumer = defaultConsumer
	}
}

func NewService(
	subscriptions webhook.SubscriptionStore,
	events webhook.EventStore,
	deliveries webhook.DeliveryStore,
	log logger.Logger,
	opts ...ServiceOption,
) (Service, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}

	s := &service{
		subscriptions: subscriptions,
		events:        events,
		deliveries:    deliveries,
		evaluator:     evaluator,
		logger:        log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *service) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*webhook.Subscription, error) {
	if err := ValidateCreateSubscription(s.evaluator, req); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrValidation)
	}

	secret := req.Secret
	if secret == "" {
		generated, err := generateSecret()
		if err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
		}
		secret = generated
	}

	sub := &webhook.Subscription{
		URL:       strings.TrimSpace(req.URL),
		EventType: strings.TrimSpace(req.EventType),
		Secret:    secret,
		Active:    getActiveValue(req.Active),
		Filter:    strings.TrimSpace(req.Filter),
	}

	if err := s.subscriptions.Create(ctx, sub); err != nil {
		return nil, err
	}

	s.audit(ctx, sub.ID, models.ActionCreate, nil, subscriptionToMap(sub))
	s.publishConfigEvent(ctx, models.ActionCreate, sub.ID, sub.EventType)

	s.logger.InfowCtx(ctx, "Subscription created",
		"subscription_id", sub.ID,
		"event_type", sub.EventType,
	)
	return sub, nil
}

func (s *service) ListSubscriptions(ctx context.Context, eventType string) ([]webhook.Subscription, error) {
	return s.subscriptions.List(ctx, eventType)
}

func (s *service) GetSubscription(ctx context.Context, id string) (*webhook.Subscription, error) {
	return s.subscriptions.Get(ctx, id)
}

func (s *service) UpdateSubscription(ctx context.Context, id string, req UpdateSubscriptionRequest) (*webhook.Subscription, error) {
	if err := ValidateUpdateSubscription(s.evaluator, req); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrValidation)
	}

	sub, err := s.subscriptions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	oldValue := subscriptionToMap(sub)
	previousType := sub.EventType
	action := updateAction(req)
	applySubscriptionUpdate(sub, req)

	if err := s.subscriptions.Update(ctx, sub); err != nil {
		return nil, err
	}

	s.audit(ctx, sub.ID, action, oldValue, subscriptionToMap(sub))
	if previousType != sub.EventType {
		s.publishConfigEvent(ctx, action, sub.ID, previousType)
	}
	s.publishConfigEvent(ctx, action, sub.ID, sub.EventType)

	return sub, nil
}

func (s *service) DeleteSubscription(ctx context.Context, id string) error {
	sub, err := s.subscriptions.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.subscriptions.Delete(ctx, id); err != nil {
		return err
	}

	s.audit(ctx, id, models.ActionDelete, subscriptionToMap(sub), nil)
	s.publishConfigEvent(ctx, models.ActionDelete, id, sub.EventType)
	return nil
}

func (s *service) GetAuditLogs(ctx context.Context, subscriptionID string, limit int) ([]AuditLog, error) {
	if s.auditRepo == nil {
		return nil, pkgerrors.ErrInternal.WithDetail("message", "audit logging not enabled")
	}
	return s.auditRepo.GetAuditLogs(ctx, subscriptionID, clampLimit(limit))
}

func (s *service) ListEvents(ctx context.Context, q webhook.EventQuery) ([]webhook.Event, error) {
	return s.events.List(ctx, q)
}

func (s *service) GetEvent(ctx context.Context, id string) (*webhook.Event, error) {
	return s.events.Get(ctx, id)
}

func (s *service) GetEventDeliveries(ctx context.Context, eventID string) (*EventWithDeliveries, error) {
	event, err := s.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}

	deliveries, err := s.deliveries.List(ctx, webhook.DeliveryQuery{EventID: eventID, Limit: constants.MaxLimit})
	if err != nil {
		return nil, err
	}
	return &EventWithDeliveries{Event: *event, Deliveries: deliveries}, nil
}

func (s *service) ListDeliveries(ctx context.Context, q webhook.DeliveryQuery) ([]webhook.Delivery, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, pkgerrors.ErrValidation.WithDetail("message", fmt.Sprintf("invalid delivery status %q", q.Status))
	}
	return s.deliveries.List(ctx, q)
}

func (s *service) SubmitOrder(ctx context.Context, input order.CreateOrderInput) (*AcceptedOrder, error) {
	if s.orderProducer == nil {
		return nil, pkgerrors.ErrServiceUnavailable.WithDetail("message", "order submission not configured")
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}

	envelope, err := models.NewMessageEnvelopeBuilder().
		WithData(input).
		WithSource(serviceName).
		WithTraceID(logging.GetTraceID(ctx)).
		Build()
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}

	if err := s.orderProducer.Publish(ctx, s.orderTopic, *envelope); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrServiceUnavailable)
	}

	s.logger.InfowCtx(ctx, "Order request accepted",
		"message_id", envelope.MessageID,
		"product_id", input.ProductID,
	)
	return &AcceptedOrder{MessageID: envelope.MessageID, Status: acceptedStatus}, nil
}

func (s *service) ListOrders(ctx context.Context, limit, offset int) ([]order.Order, error) {
	if err := s.requireOrders(); err != nil {
		return nil, err
	}
	return s.orders.FindAll(ctx, clampLimit(limit), offset)
}

func (s *service) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	if err := s.requireOrders(); err != nil {
		return nil, err
	}
	return s.orders.FindByID(ctx, id)
}

func (s *service) UpdateOrderStatus(ctx context.Context, id, status string) (*order.Order, error) {
	if err := s.requireOrders(); err != nil {
		return nil, err
	}
	return s.orders.UpdateStatus(ctx, id, status)
}

func (s *service) ListProcessedMessages(ctx context.Context, consumer string, limit int) ([]idempotency.Record, error) {
	if err := s.requireLedger(); err != nil {
		return nil, err
	}
	if consumer == "" {
		consumer = s.defaultConsumer
	}
	return s.ledger.ListRecent(ctx, consumer, clampLimit(limit))
}

func (s *service) GetProcessedMessage(ctx context.Context, messageID string) ([]idempotency.Record, error) {
	if err := s.requireLedger(); err != nil {
		return nil, err
	}
	records, err := s.ledger.Find(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("message %s not processed", messageID))
	}
	return records, nil
}

func (s *service) requireOrders() error {
	if s.orders == nil {
		return pkgerrors.ErrServiceUnavailable.WithDetail("message", "orders not configured")
	}
	return nil
}

func (s *service) requireLedger() error {
	if s.ledger == nil {
		return pkgerrors.ErrServiceUnavailable.WithDetail("message", "idempotency ledger not configured")
	}
	return nil
}

// audit never fails the write it describes.
func (s *service) audit(ctx context.Context, subscriptionID, action string, oldValue, newValue map[string]interface{}) {
	if s.auditRepo == nil {
		return
	}

	actor := actorFromContext(ctx)
	log := &AuditLog{
		SubscriptionID: subscriptionID,
		Action:         action,
		OldValue:       oldValue,
		NewValue:       newValue,
		ChangedBy:      actor.changedBy,
		IPAddress:      actor.ipAddress,
	}
	if err := s.auditRepo.CreateAuditLog(ctx, log); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to write audit log",
			"error", err,
			"subscription_id", subscriptionID,
			"action", action,
		)
	}
}

func (s *service) publishConfigEvent(ctx context.Context, action, subscriptionID, subscribedType string) {
	if s.configEventProducer == nil {
		return
	}
	err := s.configEventProducer.PublishSubscriptionEvent(ctx, action, subscriptionID, subscribedType, actorFromContext(ctx).changedBy)
	if err != nil {
		s.logger.WarnwCtx(ctx, "Failed to publish subscription change",
			"error", err,
			"subscription_id", subscriptionID,
			"action", action,
		)
	}
}

func applySubscriptionUpdate(sub *webhook.Subscription, req UpdateSubscriptionRequest) {
	if req.URL != nil {
		sub.URL = strings.TrimSpace(*req.URL)
	}
	if req.EventType != nil {
		sub.EventType = strings.TrimSpace(*req.EventType)
	}
	if req.Secret != nil {
		sub.Secret = *req.Secret
	}
	if req.Active != nil {
		sub.Active = *req.Active
	}
	if req.Filter != nil {
		sub.Filter = strings.TrimSpace(*req.Filter)
	}
}

func updateAction(req UpdateSubscriptionRequest) string {
	if req.Active != nil && req.URL == nil && req.EventType == nil && req.Secret == nil && req.Filter == nil {
		return models.ActionToggle
	}
	return models.ActionUpdate
}

// subscriptionToMap snapshots a subscription for the audit log. The secret is
// never written there.
func subscriptionToMap(sub *webhook.Subscription) map[string]interface{} {
	data, err := json.Marshal(sub)
	if err != nil {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	delete(result, "secret")
	return result
}

func generateSecret() (string, error) {
	b := make([]byte, constants.DefaultSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func getActiveValue(active *bool) bool {
	if active == nil {
		return true
	}
	return *active
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > constants.MaxLimit {
		return constants.DefaultLimit
	}
	return limit
}

type actorKey struct{}

type actor struct {
	changedBy string
	ipAddress string
}

// WithActor records who is making a change, for the audit log.
func WithActor(ctx context.Context, changedBy, ipAddress string) context.Context {
	if changedBy == "" {
		changedBy = "system"
	}
	return context.WithValue(ctx, actorKey{}, actor{changedBy: changedBy, ipAddress: ipAddress})
}

func actorFromContext(ctx context.Context) actor {
	if a, ok := ctx.Value(actorKey{}).(actor); ok {
		return a
	}
	return actor{changedBy: "system"}
}
