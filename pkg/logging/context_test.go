package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetLogFields(ctx))

	ctx = WithMessageID(ctx, "msg-1")
	ctx = WithServiceName(ctx, "order-service")
	ctx = WithDelivery(ctx, "evt-1", "sub-1")

	assert.Equal(t, []interface{}{
		"message_id", "msg-1",
		"service_name", "order-service",
		"event_id", "evt-1",
		"subscription_id", "sub-1",
	}, GetLogFields(ctx))
	assert.Equal(t, "evt-1", GetEventID(ctx))
	assert.Equal(t, "sub-1", GetSubscriptionID(ctx))
}

func TestContextKeysDoNotCollideWithPlainStrings(t *testing.T) {
	ctx := context.WithValue(context.Background(), MessageIDKey, "raw") //nolint:staticcheck
	assert.Equal(t, "", GetMessageID(ctx))
}
