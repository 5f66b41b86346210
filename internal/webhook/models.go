// Package webhook persists webhook-worthy events and delivers them to
// subscribers with signed, retried, individually recorded HTTP attempts.
package webhook

import (
	"time"

	"orderhooks/internal/constants"
)

// Event is immutable once stored. IdempotencyKey is the id of the broker
// message that produced it, or the event id when there was none.
type Event struct {
	ID             string                 `json:"event_id" bson:"_id"`
	Type           string                 `json:"event_type" bson:"event_type"`
	Timestamp      time.Time              `json:"timestamp" bson:"timestamp"`
	IdempotencyKey string                 `json:"idempotency_key" bson:"idempotency_key"`
	Payload        map[string]interface{} `json:"payload" bson:"payload"`
	CreatedAt      time.Time              `json:"created_at,omitempty" bson:"created_at"`
}

type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	EventType string    `json:"event_type"`
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	Filter    string    `json:"filter,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryPending, DeliveryDelivered, DeliveryFailed:
		return true
	}
	return false
}

// Delivery is one HTTP attempt for an (event, subscription) pair.
type Delivery struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscription_id"`
	EventID        string         `json:"event_id"`
	AttemptNumber  int            `json:"attempt_number"`
	Status         DeliveryStatus `json:"status"`
	ResponseStatus *int           `json:"response_status,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	NextAttemptAt  *time.Time     `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// DeadLetter is published to the webhook DLQ topic when a chain exhausts its attempts.
type DeadLetter struct {
	Event           Body   `json:"event"`
	SubscriptionID  string `json:"subscription_id"`
	SubscriptionURL string `json:"subscription_url"`
	Reason          string `json:"reason"`
	LastError       string `json:"last_error"`
	Timestamp       string `json:"timestamp"`
}

// Body is the JSON document POSTed to subscribers.
type Body struct {
	EventID        string                 `json:"event_id"`
	EventType      string                 `json:"event_type"`
	Timestamp      string                 `json:"timestamp"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Payload        map[string]interface{} `json:"payload"`
}

func (e Event) Body() Body {
	payload := e.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Body{
		EventID:        e.ID,
		EventType:      e.Type,
		Timestamp:      formatTimestamp(e.Timestamp),
		IdempotencyKey: e.IdempotencyKey,
		Payload:        payload,
	}
}

// PublishRequest is the data of a message on the webhook publish topic.
type PublishRequest struct {
	EventID   string                 `json:"event_id,omitempty"`
	EventType string                 `json:"event_type"`
	Timestamp *time.Time             `json:"timestamp,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
}

type EventQuery struct {
	EventType string
	Limit     int
	Offset    int
}

type DeliveryQuery struct {
	Status         DeliveryStatus
	EventID        string
	SubscriptionID string
	Limit          int
	Offset         int
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(constants.TimestampLayout)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return constants.DefaultLimit
	}
	if limit > constants.MaxLimit {
		return constants.MaxLimit
	}
	return limit
}
