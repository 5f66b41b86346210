package config

import "orderhooks/internal/constants"

func applyDefaults(cfg *Config) {
	cfg.Topics = cfg.Topics.WithDefaults()
	cfg.Webhook = cfg.Webhook.WithDefaults()
	cfg.Idempotency = cfg.Idempotency.WithDefaults()

	if cfg.Broker.Retry.Multiplier == 0 {
		cfg.Broker.Retry.Multiplier = 2.0
	}
}

func (t TopicsConfig) WithDefaults() TopicsConfig {
	if t.OrderRequest == "" {
		t.OrderRequest = constants.DefaultOrderRequestTopic
	}
	if t.OrderCreated == "" {
		t.OrderCreated = constants.DefaultOrderCreatedTopic
	}
	if t.WebhookPublish == "" {
		t.WebhookPublish = constants.DefaultWebhookPublishTopic
	}
	if t.WebhookDLQ == "" {
		t.WebhookDLQ = constants.DefaultWebhookDLQTopic
	}
	if t.ConfigUpdate == "" {
		t.ConfigUpdate = constants.DefaultConfigUpdateTopic
	}
	return t
}

func (w WebhookConfig) WithDefaults() WebhookConfig {
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = constants.DefaultWebhookMaxAttempts
	}
	if w.BackoffBase <= 0 {
		w.BackoffBase = constants.DefaultWebhookBackoffBase
	}
	if w.RequestTimeout <= 0 {
		w.RequestTimeout = constants.DefaultWebhookTimeout
	}
	if w.Workers <= 0 {
		w.Workers = constants.DefaultWebhookWorkers
	}
	if w.EventStore == "" {
		w.EventStore = constants.EventStorePostgres
	}
	if w.RegistryCacheTTL == 0 {
		w.RegistryCacheTTL = constants.DefaultRegistryCacheTTL
	}
	return w
}

func (i IdempotencyConfig) WithDefaults() IdempotencyConfig {
	if i.Backend == "" {
		i.Backend = constants.IdempotencyBackendPostgres
	}
	if i.Consumer == "" {
		i.Consumer = constants.ConsumerOrderService
	}
	if i.Retention <= 0 {
		i.Retention = constants.DefaultLedgerRetention
	}
	return i
}
