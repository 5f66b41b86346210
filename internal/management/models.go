package management

import (
	"time"

	"orderhooks/internal/webhook"
)

type CreateSubscriptionRequest struct {
	URL       string `json:"url" binding:"required"`
	EventType string `json:"event_type" binding:"required"`
	Secret    string `json:"secret"`
	Active    *bool  `json:"active"`
	Filter    string `json:"filter"`
}

type UpdateSubscriptionRequest struct {
	URL       *string `json:"url"`
	EventType *string `json:"event_type"`
	Secret    *string `json:"secret"`
	Active    *bool   `json:"active"`
	Filter    *string `json:"filter"`
}

type UpdateOrderStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// AcceptedOrder is returned when an order request has been queued for the order service.
type AcceptedOrder struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

type EventWithDeliveries struct {
	Event      webhook.Event      `json:"event"`
	Deliveries []webhook.Delivery `json:"deliveries"`
}

type AuditLog struct {
	ID             string                 `json:"id"`
	SubscriptionID string                 `json:"subscription_id"`
	Action         string                 `json:"action"`
	OldValue       map[string]interface{} `json:"old_value,omitempty"`
	NewValue       map[string]interface{} `json:"new_value,omitempty"`
	ChangedBy      string                 `json:"changed_by"`
	ChangeReason   string                 `json:"change_reason,omitempty"`
	IPAddress      string                 `json:"ip_address,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

const acceptedStatus = "accepted"
