package order

import (
	"fmt"
	"math"
	"strings"
	"time"

	pkgerrors "orderhooks/pkg/errors"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// maxTotal is the largest value NUMERIC(10,2) holds.
const maxTotal = 99999999.99

func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch status {
	case StatusPending, StatusCompleted, StatusCancelled:
		return status, nil
	}
	return "", pkgerrors.ErrValidation.WithDetail("message",
		fmt.Sprintf("invalid status %q (valid: PENDING, COMPLETED, CANCELLED)", s))
}

type Order struct {
	ID        string    `json:"order_id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Total     float64   `json:"total"`
	UserID    *int64    `json:"user_id,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateOrderInput is the data of an order request message.
type CreateOrderInput struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	Total     float64 `json:"total"`
	UserID    *int64  `json:"user_id,omitempty"`
}

func (in *CreateOrderInput) Validate() error {
	in.ProductID = strings.TrimSpace(in.ProductID)
	switch {
	case in.ProductID == "":
		return invalid("product_id is required")
	case in.Quantity <= 0:
		return invalid("quantity must be greater than 0")
	case in.Total < 0 || math.IsNaN(in.Total):
		return invalid("total must be non-negative")
	case in.Total > maxTotal:
		return invalid("total exceeds the maximum order value")
	}
	in.Total = math.Round(in.Total*100) / 100
	return nil
}

func invalid(msg string) error {
	return pkgerrors.ErrValidation.WithDetail("message", msg)
}

// StockEvent is emitted on the order created topic for the product service.
type StockEvent struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	OrderID   string `json:"order_id"`
}

// webhookPayload is the payload of the order.created webhook event.
func (o *Order) webhookPayload() map[string]interface{} {
	payload := map[string]interface{}{
		"order_id":   o.ID,
		"product_id": o.ProductID,
		"quantity":   o.Quantity,
		"total":      o.Total,
		"status":     string(o.Status),
		"created_at": o.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if o.UserID != nil {
		payload["user_id"] = *o.UserID
	}
	return payload
}
