package cel

// FilterExpressionExamples are sample subscription filters, served by the
// management API alongside the filter validation endpoint.
var FilterExpressionExamples = map[string]string{
	"large_orders":        `payload.total > 100.0`,
	"bulk_quantity":       `payload.quantity >= 10`,
	"single_product":      `payload.product_id == "p1"`,
	"product_in_list":     `payload.product_id in ["p1", "p2", "p3"]`,
	"registered_users":    `has(payload.user_id)`,
	"specific_user":       `has(payload.user_id) && payload.user_id == 42`,
	"pending_only":        `payload.status == "PENDING"`,
	"event_type_prefix":   `event_type.startsWith("order.")`,
	"recent_events":       `timestamp > timestamp("2024-01-01T00:00:00Z")`,
	"combined_conditions": `payload.status == "PENDING" && payload.total >= 50.0 && payload.quantity > 1`,
	"nested_field":        `has(payload.customer) && payload.customer.tier == "premium"`,
}
