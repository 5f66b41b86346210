package webhook

import (
	"context"
	"time"

	pkgerrors "orderhooks/pkg/errors"
	"orderhooks/pkg/logging"
	"orderhooks/pkg/metrics"
)

const interruptedAttempt = "attempt interrupted"

// RecoverPending rebuilds the queue from delivery rows. Rows left pending by a
// crash are closed as failed and retried; failed rows whose scheduled retry has
// no row yet are queued at their next_attempt_at.
func (e *Engine) RecoverPending(ctx context.Context) (int, error) {
	interrupted, err := e.closeInterrupted(ctx)
	if err != nil {
		return 0, err
	}

	scheduled, err := e.deliveries.ListScheduled(ctx)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, d := range scheduled {
		if d.AttemptNumber >= e.cfg.MaxAttempts {
			continue
		}
		if e.queue.Push(task{
			eventID:        d.EventID,
			subscriptionID: d.SubscriptionID,
			attempt:        d.AttemptNumber + 1,
			dueAt:          *d.NextAttemptAt,
		}) {
			queued++
		}
	}
	metrics.SetMessageQueueSize(engineService, e.queue.Len())
	metrics.IncWebhookRecovered("interrupted", interrupted)
	metrics.IncWebhookRecovered("scheduled", queued)

	if interrupted > 0 || queued > 0 {
		e.logger.InfowCtx(ctx, "Recovered webhook deliveries",
			"interrupted", interrupted,
			"scheduled", queued,
		)
	}
	return queued, nil
}

func (e *Engine) closeInterrupted(ctx context.Context) (int, error) {
	stale, err := e.deliveries.ListStalePending(ctx, e.now().Add(-e.cfg.StalePendingAfter))
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, d := range stale {
		if _, running := e.inflight.Load(d.ID); running {
			continue
		}
		closed++
		dctx := logging.WithDelivery(ctx, d.EventID, d.SubscriptionID)

		if d.AttemptNumber < e.cfg.MaxAttempts {
			next := e.now().UTC()
			if err := e.deliveries.MarkFailed(dctx, d.ID, nil, interruptedAttempt, &next); err != nil {
				return 0, err
			}
			continue
		}

		if err := e.deliveries.MarkFailed(dctx, d.ID, nil, interruptedAttempt, nil); err != nil {
			return 0, err
		}
		e.deadLetterInterrupted(dctx, d)
	}
	return closed, nil
}

// deadLetterInterrupted handles a final attempt that never reported an outcome.
func (e *Engine) deadLetterInterrupted(ctx context.Context, d Delivery) {
	event, err := e.events.Get(ctx, d.EventID)
	if err != nil {
		e.logger.ErrorwCtx(ctx, "Failed to load event for interrupted final attempt",
			"error", err,
		)
		return
	}

	sub := Subscription{ID: d.SubscriptionID}
	if current, err := e.subscriptions.Get(ctx, d.SubscriptionID); err == nil {
		sub = *current
	} else if !pkgerrors.IsNotFound(err) {
		e.logger.WarnwCtx(ctx, "Failed to load subscription for dead letter",
			"error", err,
		)
	}

	e.deadLetter(ctx, *event, sub, interruptedAttempt)
}

func (e *Engine) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.RecoverPending(ctx); err != nil {
				e.logger.ErrorwCtx(ctx, "Webhook recovery sweep failed",
					"error", err,
				)
			}
		case <-ctx.Done():
			return
		}
	}
}
