package config_handler

import (
	"context"

	"orderhooks/internal/logger"
	"orderhooks/pkg/models"
)

// Reloader refreshes state derived from subscriptions. An empty eventType means all of it.
type Reloader interface {
	Reload(ctx context.Context, eventType string) error
}

type Handler struct {
	expectedEventType string
	reloader          Reloader
	logger            logger.Logger
}

func NewHandler(expectedEventType string, reloader Reloader, log logger.Logger) *Handler {
	return &Handler{
		expectedEventType: expectedEventType,
		reloader:          reloader,
		logger:            log,
	}
}

// HandleConfigUpdateEvent consumes change notifications from the config update topic.
// Events of other types and undecodable payloads are logged and acknowledged.
func (h *Handler) HandleConfigUpdateEvent(ctx context.Context, envelope models.MessageEnvelope) error {
	var event models.SubscriptionChangeEvent
	if err := envelope.DecodeData(&event); err != nil {
		h.logger.WarnwCtx(ctx, "Failed to decode config update event",
			"error", err,
			"message_id", envelope.MessageID,
		)
		return nil
	}

	if event.EventType != h.expectedEventType {
		return nil
	}

	h.logger.InfowCtx(ctx, "Received config update event",
		"event_type", event.EventType,
		"action", event.Action,
		"subscription_id", event.SubscriptionID,
		"subscribed_type", event.SubscribedType,
	)

	if h.reloader == nil {
		return nil
	}

	if err := h.reloader.Reload(ctx, event.SubscribedType); err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to reload after config update",
			"error", err,
			"action", event.Action,
		)
		return err
	}
	return nil
}
