package config_handler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderhooks/internal/logger"
	"orderhooks/pkg/models"
)

type recordingReloader struct {
	calls []string
	err   error
}

func (r *recordingReloader) Reload(_ context.Context, eventType string) error {
	r.calls = append(r.calls, eventType)
	return r.err
}

func envelope(t *testing.T, event models.SubscriptionChangeEvent) models.MessageEnvelope {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return models.MessageEnvelope{MessageID: "m-1", Data: data}
}

func TestHandleConfigUpdateEvent(t *testing.T) {
	reloader := &recordingReloader{}
	h := NewHandler(models.EventTypeSubscriptionUpdated, reloader, logger.NopLogger())

	err := h.HandleConfigUpdateEvent(context.Background(), envelope(t, models.SubscriptionChangeEvent{
		EventType:      models.EventTypeSubscriptionUpdated,
		Action:         models.ActionUpdate,
		SubscriptionID: "sub-1",
		SubscribedType: "order.created",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"order.created"}, reloader.calls)
}

func TestHandleConfigUpdateEvent_IgnoresOtherTypes(t *testing.T) {
	reloader := &recordingReloader{}
	h := NewHandler(models.EventTypeSubscriptionUpdated, reloader, logger.NopLogger())

	require.NoError(t, h.HandleConfigUpdateEvent(context.Background(), envelope(t, models.SubscriptionChangeEvent{
		EventType: "something_else",
	})))
	require.NoError(t, h.HandleConfigUpdateEvent(context.Background(), models.MessageEnvelope{
		MessageID: "m-2",
		Data:      json.RawMessage(`[1,2]`),
	}))
	assert.Empty(t, reloader.calls)
}

func TestHandleConfigUpdateEvent_ReloadError(t *testing.T) {
	reloader := &recordingReloader{err: errors.New("boom")}
	h := NewHandler(models.EventTypeSubscriptionUpdated, reloader, logger.NopLogger())

	err := h.HandleConfigUpdateEvent(context.Background(), envelope(t, models.SubscriptionChangeEvent{
		EventType: models.EventTypeSubscriptionUpdated,
		Action:    models.ActionDelete,
	}))
	assert.Error(t, err)
	assert.Equal(t, []string{""}, reloader.calls)
}
