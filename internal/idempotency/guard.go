package idempotency

import (
	"context"
	"fmt"

	"orderhooks/internal/broker"
	"orderhooks/internal/logger"
	pkgerrors "orderhooks/pkg/errors"
	"orderhooks/pkg/logging"
	"orderhooks/pkg/metrics"
	"orderhooks/pkg/models"
)

const (
	claimResultClaimed   = "claimed"
	claimResultDuplicate = "duplicate"
	claimResultError     = "error"
)

// HandlerError is returned when a handler fails after its message was claimed.
// It is fatal: a redelivery would only be skipped as a duplicate, so the broker
// consumer dead-letters the message instead of retrying it.
type HandlerError struct {
	MessageID string
	Consumer  string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed for claimed message %s (consumer %s): %v", e.MessageID, e.Consumer, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func (e *HandlerError) IsFatal() bool {
	return true
}

// Guard runs a handler at most once per message id for one consumer.
type Guard struct {
	ledger   Ledger
	consumer string
	logger   logger.Logger
}

func NewGuard(ledger Ledger, consumer string, log logger.Logger) *Guard {
	return &Guard{ledger: ledger, consumer: consumer, logger: log}
}

func (g *Guard) Consumer() string {
	return g.consumer
}

// Run claims messageID and then invokes handler. A duplicate claim returns nil
// without calling handler. A claim that fails returns the storage error, and the
// message may be retried. A handler failure is returned as *HandlerError and
// the claim stays in place.
func (g *Guard) Run(ctx context.Context, messageID string, handler func(ctx context.Context) error) error {
	if messageID == "" {
		return pkgerrors.ErrValidation.WithDetail("message", "message_id is required")
	}

	ctx = logging.WithMessageID(ctx, messageID)

	claimed, err := g.ledger.Claim(ctx, messageID, g.consumer)
	if err != nil {
		metrics.IncIdempotencyClaim(g.consumer, claimResultError)
		g.logger.ErrorwCtx(ctx, "Failed to claim message",
			"error", err,
			"consumer", g.consumer,
		)
		return err
	}

	if !claimed {
		metrics.IncIdempotencyClaim(g.consumer, claimResultDuplicate)
		g.logger.InfowCtx(ctx, "Duplicate message skipped",
			"consumer", g.consumer,
		)
		return nil
	}

	metrics.IncIdempotencyClaim(g.consumer, claimResultClaimed)

	if err := handler(ctx); err != nil {
		g.logger.ErrorwCtx(ctx, "Handler failed after claim, message will not be reprocessed",
			"error", err,
			"consumer", g.consumer,
		)
		return &HandlerError{MessageID: messageID, Consumer: g.consumer, Err: err}
	}
	return nil
}

// Wrap guards a broker handler by the envelope's message id.
func (g *Guard) Wrap(handler broker.HandlerFunc) broker.HandlerFunc {
	return func(ctx context.Context, msg models.MessageEnvelope) error {
		return g.Run(ctx, msg.MessageID, func(ctx context.Context) error {
			return handler(ctx, msg)
		})
	}
}
