package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"orderhooks/internal/broker"
	"orderhooks/internal/config"
	"orderhooks/internal/constants"
	"orderhooks/internal/logger"
	"orderhooks/pkg/cel"
	pkgerrors "orderhooks/pkg/errors"
	"orderhooks/pkg/logging"
	"orderhooks/pkg/metrics"
	"orderhooks/pkg/retry"
	"orderhooks/pkg/tracing"
)

const (
	tracerName     = "webhook-engine"
	engineService  = "webhook-engine"
	filterMatched  = "matched"
	filterRejected = "filtered"
	filterError    = "error"
)

type EngineConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	Workers           int
	DLQTopic          string
	DrainInactive     bool
	RecoveryInterval  time.Duration
	StorageRetryDelay time.Duration
	// StalePendingAfter is how old a pending row must be before recovery treats
	// its attempt as interrupted. It must exceed the sender's request timeout.
	StalePendingAfter time.Duration
}

// StalePendingAfter leaves room for a full request plus the bookkeeping around it.
func StalePendingAfter(requestTimeout time.Duration) time.Duration {
	if requestTimeout <= 0 {
		requestTimeout = constants.DefaultWebhookTimeout
	}
	return 2*requestTimeout + constants.StalePendingSlack
}

func NewEngineConfig(cfg config.WebhookConfig, dlqTopic string) EngineConfig {
	out := EngineConfig{
		MaxAttempts:       cfg.MaxAttempts,
		BackoffBase:       cfg.BackoffBase,
		Workers:           cfg.Workers,
		DLQTopic:          dlqTopic,
		DrainInactive:     cfg.DrainInactive,
		RecoveryInterval:  cfg.RecoveryInterval,
		StorageRetryDelay: constants.DefaultStorageRetryDelay,
		StalePendingAfter: StalePendingAfter(cfg.RequestTimeout),
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = constants.DefaultWebhookMaxAttempts
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = constants.DefaultWebhookBackoffBase
	}
	if out.Workers <= 0 {
		out.Workers = constants.DefaultWebhookWorkers
	}
	return out
}

// Engine fans events out to subscribers. Publish persists the event and queues
// one attempt chain per matching subscription; Run drains the queue.
type Engine struct {
	events        EventStore
	subscriptions SubscriptionReader
	deliveries    DeliveryStore
	sender        *Sender
	emitter       broker.Emitter
	evaluator     *cel.Evaluator
	queue         *delayQueue
	inflight      sync.Map
	cfg           EngineConfig
	logger        logger.Logger
	now           func() time.Time
}

func NewEngine(
	events EventStore,
	subscriptions SubscriptionReader,
	deliveries DeliveryStore,
	sender *Sender,
	emitter broker.Emitter,
	cfg EngineConfig,
	log logger.Logger,
) (*Engine, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}
	if cfg.StorageRetryDelay <= 0 {
		cfg.StorageRetryDelay = constants.DefaultStorageRetryDelay
	}
	if cfg.StalePendingAfter <= 0 {
		cfg.StalePendingAfter = StalePendingAfter(sender.Timeout())
	}

	return &Engine{
		events:        events,
		subscriptions: subscriptions,
		deliveries:    deliveries,
		sender:        sender,
		emitter:       emitter,
		evaluator:     evaluator,
		queue:         newDelayQueue(),
		cfg:           cfg,
		logger:        log,
		now:           time.Now,
	}, nil
}

// QueueLen is the number of attempts waiting to run.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Publish stores event and schedules attempt 1 for every active subscription
// whose filter accepts it. It returns once the attempts are queued.
func (e *Engine) Publish(ctx context.Context, event *Event) error {
	ctx, span := tracing.GetTracer(tracerName).Start(ctx, "webhook.publish")
	defer span.End()

	if err := e.prepare(event); err != nil {
		return err
	}
	span.SetAttributes(tracing.AttrEventID.String(event.ID), tracing.AttrEventType.String(event.Type))

	if err := e.events.Save(ctx, event); err != nil {
		e.logger.ErrorwCtx(ctx, "Failed to store webhook event",
			"error", err,
			"event_id", event.ID,
			"event_type", event.Type,
		)
		return err
	}
	metrics.WebhookEventsPublishedTotal.WithLabelValues(event.Type).Inc()

	subs, err := e.subscriptions.ListActiveByType(ctx, event.Type)
	if err != nil {
		e.logger.ErrorwCtx(ctx, "Failed to look up subscriptions",
			"error", err,
			"event_id", event.ID,
			"event_type", event.Type,
		)
		return err
	}

	matched := e.matching(ctx, *event, subs)
	metrics.WebhookSubscriptionsMatched.Observe(float64(len(matched)))

	snapshot := *event
	now := e.now()
	for _, sub := range matched {
		e.enqueue(task{
			eventID:        snapshot.ID,
			subscriptionID: sub.ID,
			attempt:        1,
			dueAt:          now,
			event:          &snapshot,
		})
	}

	e.logger.InfowCtx(ctx, "Webhook event published",
		"event_id", event.ID,
		"event_type", event.Type,
		"subscriptions", len(matched),
	)
	return nil
}

func (e *Engine) prepare(event *Event) error {
	if event.Type == "" {
		return pkgerrors.ErrValidation.WithDetail("message", "event_type is required")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	event.Timestamp = event.Timestamp.UTC().Truncate(time.Millisecond)
	if event.IdempotencyKey == "" {
		event.IdempotencyKey = event.ID
	}
	if event.Payload == nil {
		event.Payload = map[string]interface{}{}
	}
	return nil
}

func (e *Engine) matching(ctx context.Context, event Event, subs []Subscription) []Subscription {
	activation := cel.Event{
		EventID:   event.ID,
		EventType: event.Type,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	}

	matched := make([]Subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.Filter == "" {
			matched = append(matched, sub)
			continue
		}

		ok, err := e.evaluator.EvaluateFilter(ctx, sub.Filter, activation)
		switch {
		case err != nil:
			metrics.IncWebhookFilterEvaluation(filterError)
			e.logger.WarnwCtx(ctx, "Subscription filter failed, skipping subscription",
				"error", err,
				"subscription_id", sub.ID,
				"event_id", event.ID,
				"filter", sub.Filter,
			)
		case !ok:
			metrics.IncWebhookFilterEvaluation(filterRejected)
		default:
			metrics.IncWebhookFilterEvaluation(filterMatched)
			matched = append(matched, sub)
		}
	}
	return matched
}

func (e *Engine) enqueue(t task) {
	e.queue.Push(t)
	metrics.SetMessageQueueSize(engineService, e.queue.Len())
}

// Run drains the queue with cfg.Workers workers until ctx is done. Attempts in
// flight when ctx is cancelled run to completion before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			e.work(gctx)
			return nil
		})
	}

	if e.cfg.RecoveryInterval > 0 {
		g.Go(func() error {
			e.recoveryLoop(gctx)
			return nil
		})
	}

	e.logger.InfowCtx(ctx, "Webhook engine started",
		"workers", e.cfg.Workers,
		"max_attempts", e.cfg.MaxAttempts,
	)
	return g.Wait()
}

func (e *Engine) work(ctx context.Context) {
	for {
		t, ok := e.queue.Pop(ctx)
		if !ok {
			return
		}
		metrics.SetMessageQueueSize(engineService, e.queue.Len())
		metrics.ObserveMessageQueueWaitDuration(engineService, e.now().Sub(t.dueAt))

		e.attempt(context.WithoutCancel(ctx), t)
	}
}

func (e *Engine) attempt(ctx context.Context, t task) {
	ctx = logging.WithDelivery(ctx, t.eventID, t.subscriptionID)
	ctx, span := tracing.StartDeliverySpan(ctx, tracerName, t.eventID, t.subscriptionID, t.attempt)
	defer span.End()

	sub, err := e.subscriptions.Get(ctx, t.subscriptionID)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			e.logger.InfowCtx(ctx, "Subscription deleted, delivery chain cancelled",
				"attempt", t.attempt,
			)
			return
		}
		e.retryLater(ctx, t, "load subscription", err)
		return
	}
	// Draining only applies to chains that started while the subscription was active.
	if !sub.Active && (t.attempt == 1 || !e.cfg.DrainInactive) {
		e.logger.InfowCtx(ctx, "Subscription inactive, delivery chain cancelled",
			"attempt", t.attempt,
		)
		return
	}

	event := t.event
	if event == nil {
		event, err = e.events.Get(ctx, t.eventID)
		if err != nil {
			if pkgerrors.IsNotFound(err) {
				e.logger.ErrorwCtx(ctx, "Event missing for scheduled delivery, dropping attempt",
					"attempt", t.attempt,
				)
				return
			}
			e.retryLater(ctx, t, "load event", err)
			return
		}
		t.event = event
	}

	body, err := json.Marshal(event.Body())
	if err != nil {
		e.logger.ErrorwCtx(ctx, "Failed to serialize webhook body",
			"error", err,
		)
		return
	}

	row := &Delivery{ID: uuid.New().String(), SubscriptionID: sub.ID, EventID: event.ID, AttemptNumber: t.attempt}
	e.inflight.Store(row.ID, struct{}{})
	defer e.inflight.Delete(row.ID)

	inserted, err := e.deliveries.Insert(ctx, row)
	if err != nil {
		e.retryLater(ctx, t, "insert delivery", err)
		return
	}
	if !inserted {
		e.logger.DebugwCtx(ctx, "Attempt already recorded, skipping",
			"attempt", t.attempt,
		)
		return
	}

	result := e.sender.Send(ctx, *sub, *event, body)
	tracing.RecordOutcome(span, result.Err)
	if result.Delivered() {
		e.recordDelivered(ctx, t, row, result)
		return
	}
	e.recordFailure(ctx, t, *sub, *event, row, result)
}

func (e *Engine) recordDelivered(ctx context.Context, t task, row *Delivery, result SendResult) {
	metrics.IncWebhookDelivery(string(DeliveryDelivered))
	metrics.ObserveWebhookDeliveryDuration(string(DeliveryDelivered), result.Duration)

	if err := e.deliveries.MarkDelivered(ctx, row.ID, result.StatusCode, e.now().UTC()); err != nil {
		e.logger.ErrorwCtx(ctx, "Failed to record delivered attempt",
			"error", err,
			"delivery_id", row.ID,
		)
	}

	e.logger.InfowCtx(ctx, "Webhook delivered",
		"attempt", t.attempt,
		"response_status", result.StatusCode,
		"duration_ms", result.Duration.Milliseconds(),
	)
}

func (e *Engine) recordFailure(ctx context.Context, t task, sub Subscription, event Event, row *Delivery, result SendResult) {
	metrics.IncWebhookDelivery(string(DeliveryFailed))
	metrics.ObserveWebhookDeliveryDuration(string(DeliveryFailed), result.Duration)

	var responseStatus *int
	if result.StatusCode != 0 {
		status := result.StatusCode
		responseStatus = &status
	}
	errMsg := result.Err.Error()

	if t.attempt >= e.cfg.MaxAttempts {
		if err := e.deliveries.MarkFailed(ctx, row.ID, responseStatus, errMsg, nil); err != nil {
			e.logger.ErrorwCtx(ctx, "Failed to record failed attempt",
				"error", err,
				"delivery_id", row.ID,
			)
		}
		e.logger.ErrorwCtx(ctx, "Webhook delivery exhausted all attempts",
			"attempt", t.attempt,
			"error", errMsg,
		)
		e.deadLetter(ctx, event, sub, errMsg)
		return
	}

	next := e.now().Add(retry.DoublingDelay(t.attempt, e.cfg.BackoffBase)).UTC()
	if err := e.deliveries.MarkFailed(ctx, row.ID, responseStatus, errMsg, &next); err != nil {
		e.logger.ErrorwCtx(ctx, "Failed to record failed attempt",
			"error", err,
			"delivery_id", row.ID,
		)
	}

	e.enqueue(task{
		eventID:        t.eventID,
		subscriptionID: t.subscriptionID,
		attempt:        t.attempt + 1,
		dueAt:          next,
		event:          t.event,
	})

	e.logger.WarnwCtx(ctx, "Webhook attempt failed, retry scheduled",
		"attempt", t.attempt,
		"next_attempt_at", next,
		"response_status", result.StatusCode,
		"error", errMsg,
	)
}

// retryLater requeues the same attempt after a storage failure, before anything was sent.
func (e *Engine) retryLater(ctx context.Context, t task, op string, err error) {
	t.dueAt = e.now().Add(e.cfg.StorageRetryDelay)
	e.logger.WarnwCtx(ctx, "Storage unavailable, attempt requeued",
		"operation", op,
		"attempt", t.attempt,
		"retry_in", e.cfg.StorageRetryDelay,
		"error", err,
	)
	e.enqueue(t)
}

func (e *Engine) deadLetter(ctx context.Context, event Event, sub Subscription, lastError string) {
	if e.emitter == nil || e.cfg.DLQTopic == "" {
		e.logger.WarnwCtx(ctx, "No webhook DLQ configured, dropping exhausted delivery")
		return
	}

	letter := DeadLetter{
		Event:           event.Body(),
		SubscriptionID:  sub.ID,
		SubscriptionURL: sub.URL,
		Reason:          constants.DLQReasonMaxRetries,
		LastError:       lastError,
		Timestamp:       formatTimestamp(e.now()),
	}

	if err := e.emitter.Emit(ctx, e.cfg.DLQTopic, letter); err != nil {
		e.logger.ErrorwCtx(ctx, "Failed to publish webhook dead letter",
			"error", err,
			"dlq_topic", e.cfg.DLQTopic,
		)
		return
	}

	metrics.IncDLQMessage(engineService, e.cfg.DLQTopic, constants.DLQReasonMaxRetries)
	e.logger.InfowCtx(ctx, "Webhook delivery sent to DLQ",
		"dlq_topic", e.cfg.DLQTopic,
		"subscription_url", sub.URL,
	)
}
