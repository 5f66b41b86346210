package webhook

import (
	"context"

	"orderhooks/internal/broker"
	pkgerrors "orderhooks/pkg/errors"
	"orderhooks/pkg/models"
)

// Publisher is the engine capability used by producers of webhook events.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// NewPublishHandler handles messages on the webhook publish topic. The message
// id becomes the event's idempotency key.
func NewPublishHandler(publisher Publisher) broker.HandlerFunc {
	return func(ctx context.Context, msg models.MessageEnvelope) error {
		var req PublishRequest
		if err := msg.DecodeData(&req); err != nil {
			return pkgerrors.ErrValidation.WithCause(err)
		}
		if req.EventType == "" {
			return pkgerrors.ErrValidation.WithDetail("message", "event_type is required")
		}

		event := &Event{
			ID:             req.EventID,
			Type:           req.EventType,
			IdempotencyKey: msg.MessageID,
			Payload:        req.Payload,
		}
		if req.Timestamp != nil {
			event.Timestamp = *req.Timestamp
		}
		return publisher.Publish(ctx, event)
	}
}
