package logging

import (
	"context"
)

type contextKey string

const (
	TraceIDKey        = "trace_id"
	MessageIDKey      = "message_id"
	ServiceNameKey    = "service_name"
	EventIDKey        = "event_id"
	SubscriptionIDKey = "subscription_id"
)

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, contextKey(TraceIDKey), traceID)
}

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, contextKey(MessageIDKey), messageID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, contextKey(ServiceNameKey), serviceName)
}

// WithDelivery tags ctx with the event and subscription of a webhook delivery chain.
func WithDelivery(ctx context.Context, eventID, subscriptionID string) context.Context {
	ctx = context.WithValue(ctx, contextKey(EventIDKey), eventID)
	return context.WithValue(ctx, contextKey(SubscriptionIDKey), subscriptionID)
}

func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

func GetMessageID(ctx context.Context) string {
	return stringValue(ctx, MessageIDKey)
}

func GetServiceName(ctx context.Context) string {
	return stringValue(ctx, ServiceNameKey)
}

func GetEventID(ctx context.Context) string {
	return stringValue(ctx, EventIDKey)
}

func GetSubscriptionID(ctx context.Context) string {
	return stringValue(ctx, SubscriptionIDKey)
}

func stringValue(ctx context.Context, key string) string {
	if v, ok := ctx.Value(contextKey(key)).(string); ok {
		return v
	}
	return ""
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 10)

	for _, key := range []string{TraceIDKey, MessageIDKey, ServiceNameKey, EventIDKey, SubscriptionIDKey} {
		if v := stringValue(ctx, key); v != "" {
			fields = append(fields, key, v)
		}
	}

	return fields
}
