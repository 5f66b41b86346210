package models

import "time"

// SubscriptionChangeEvent is published on the config-update topic whenever a
// webhook subscription is written through the management API.
type SubscriptionChangeEvent struct {
	EventType      string    `json:"event_type"`
	Action         string    `json:"action"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	// SubscribedType is the webhook event type of the subscription, letting consumers
	// invalidate a single cache entry. Empty means invalidate everything.
	SubscribedType string    `json:"subscribed_type,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	ChangedBy      string    `json:"changed_by,omitempty"`
}

const (
	EventTypeSubscriptionUpdated = "subscription_updated"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionToggle = "toggle"
	ActionReload = "reload"
)
