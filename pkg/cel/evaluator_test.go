package cel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderEvent() Event {
	return Event{
		EventID:   "evt-1",
		EventType: "order.created",
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload: map[string]interface{}{
			"order_id":   "o-1",
			"product_id": "p1",
			"quantity":   float64(2),
			"total":      20.0,
			"status":     "PENDING",
		},
	}
}

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

func TestValidateFilterExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{"bool comparison", `payload.total > 100.0`, false},
		{"event type", `event_type == "order.created"`, false},
		{"non-bool result", `event_id + "x"`, true},
		{"syntax error", `payload.total >`, true},
		{"unknown variable", `order.total > 1.0`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateFilterExpression(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEvaluateFilter(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name     string
		expr     string
		expected bool
		wantErr  bool
	}{
		{"empty matches", ``, true, false},
		{"total above", `payload.total > 100.0`, false, false},
		{"total below", `payload.total < 100.0`, true, false},
		{"int literal against float", `payload.quantity >= 2`, true, false},
		{"product", `payload.product_id == "p1"`, true, false},
		{"event id", `event_id == "evt-1"`, true, false},
		{"timestamp", `timestamp > timestamp("2025-01-01T00:00:00Z")`, true, false},
		{"has missing field", `has(payload.user_id)`, false, false},
		{"missing key errors", `payload.user_id == 42`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.EvaluateFilter(context.Background(), tt.expr, orderEvent())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEvaluateFilter_NilPayload(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	got, err := eval.EvaluateFilter(context.Background(), `has(payload.total)`, Event{EventType: "stock.adjusted"})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestExamplesCompile(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	for name, expr := range FilterExpressionExamples {
		assert.NoError(t, eval.ValidateFilterExpression(expr), name)
	}
}
