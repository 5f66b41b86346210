//go:build integration

package management

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderhooks/internal/broker"
	"orderhooks/internal/logger"
	"orderhooks/internal/testinfra"
	"orderhooks/internal/webhook"
	"orderhooks/pkg/models"
)

func TestService_SubscriptionLifecycleOnPostgres(t *testing.T) {
	infra := testinfra.Setup(t, testinfra.Options{Postgres: true})
	db := infra.PostgresDB

	producer := broker.NewMemoryProducer()
	audit := NewAuditRepository(db)
	svc, err := NewService(
		webhook.NewPostgresSubscriptionStore(db),
		webhook.NewPostgresEventStore(db),
		webhook.NewPostgresDeliveryStore(db),
		logger.NopLogger(),
		WithAudit(audit),
		WithConfigEvents(NewConfigEventProducer(broker.NewEmitter(producer, serviceName), configTopic)),
	)
	require.NoError(t, err)

	ctx := WithActor(context.Background(), "bob", "10.0.0.7")

	sub, err := svc.CreateSubscription(ctx, CreateSubscriptionRequest{
		URL:       "https://merchant.example.com/hooks",
		EventType: "order.created",
	})
	require.NoError(t, err)
	assert.Len(t, sub.Secret, 64)
	assert.True(t, sub.Active)

	inactive := false
	_, err = svc.UpdateSubscription(ctx, sub.ID, UpdateSubscriptionRequest{Active: &inactive})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteSubscription(ctx, sub.ID))

	logs, err := svc.GetAuditLogs(ctx, sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, models.ActionDelete, logs[0].Action)
	assert.Equal(t, models.ActionToggle, logs[1].Action)
	assert.Equal(t, models.ActionCreate, logs[2].Action)

	assert.Equal(t, "bob", logs[1].ChangedBy)
	assert.Equal(t, "10.0.0.7", logs[1].IPAddress)
	assert.Equal(t, true, logs[1].OldValue["active"])
	assert.Equal(t, false, logs[1].NewValue["active"])
	assert.NotContains(t, logs[2].NewValue, "secret")
	assert.Nil(t, logs[0].NewValue)

	assert.Len(t, producer.MessagesOn(configTopic), 3)
}

func TestPostgresAuditRepository_UnknownSubscription(t *testing.T) {
	infra := testinfra.Setup(t, testinfra.Options{Postgres: true})
	repo := NewAuditRepository(infra.PostgresDB)

	logs, err := repo.GetAuditLogs(context.Background(), "not-a-uuid", 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}
