package management

import (
	"context"
	"time"

	"orderhooks/internal/broker"
	"orderhooks/pkg/models"
)

// ConfigEventProducer tells order services that a subscription changed so they
// can drop their cached registry entries.
type ConfigEventProducer struct {
	emitter broker.Emitter
	topic   string
}

func NewConfigEventProducer(emitter broker.Emitter, topic string) *ConfigEventProducer {
	return &ConfigEventProducer{
		emitter: emitter,
		topic:   topic,
	}
}

func (p *ConfigEventProducer) PublishSubscriptionEvent(ctx context.Context, action, subscriptionID, subscribedType, changedBy string) error {
	if p == nil || p.emitter == nil || p.topic == "" {
		return nil
	}

	event := models.SubscriptionChangeEvent{
		EventType:      models.EventTypeSubscriptionUpdated,
		Action:         action,
		SubscriptionID: subscriptionID,
		SubscribedType: subscribedType,
		Timestamp:      time.Now().UTC(),
		ChangedBy:      changedBy,
	}
	return p.emitter.Emit(ctx, p.topic, event)
}
