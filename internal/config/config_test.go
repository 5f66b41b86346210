package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 8081
broker:
  type: kafka
  kafka:
    brokers: ["localhost:9092"]
    group_id: order-service
database:
  postgres:
    host: localhost
    port: 5432
    user: orders
    password: secret
    dbname: orders
    sslmode: disable
webhook:
  bearer_token: anon-key
  backoff_base: 500ms
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "order.request", cfg.Topics.OrderRequest)
	assert.Equal(t, "order.created", cfg.Topics.OrderCreated)
	assert.Equal(t, "webhook.dlq", cfg.Topics.WebhookDLQ)
	assert.Equal(t, "config.updates", cfg.Topics.ConfigUpdate)

	assert.Equal(t, 6, cfg.Webhook.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Webhook.BackoffBase)
	assert.Equal(t, 5*time.Second, cfg.Webhook.RequestTimeout)
	assert.Equal(t, "anon-key", cfg.Webhook.BearerToken)
	assert.Equal(t, "postgres", cfg.Webhook.EventStore)

	assert.Equal(t, "postgres", cfg.Idempotency.Backend)
	assert.Equal(t, "ms-order", cfg.Idempotency.Consumer)
	assert.Equal(t, 30*24*time.Hour, cfg.Idempotency.Retention)
}

func TestLoadConfig_EnvOverridesBrokers(t *testing.T) {
	t.Setenv("BROKER_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Broker.Kafka.Brokers)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateStatic(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			Server: ServerConfig{Port: 8080},
			Broker: BrokerConfig{
				Type:  "rabbitmq",
				Retry: RetryConfig{Multiplier: 2},
				RabbitMQ: RabbitMQConfig{
					Host: "localhost",
					Port: 5672,
				},
			},
			Database: DatabaseConfig{
				Redis: RedisConfig{Host: "localhost", Port: 6379},
			},
			Idempotency: IdempotencyConfig{Backend: "redis"},
		}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "bad port",
			mutate:  func(cfg *Config) { cfg.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "unknown broker",
			mutate:  func(cfg *Config) { cfg.Broker.Type = "nats" },
			wantErr: "broker.type",
		},
		{
			name:    "postgres ledger without postgres",
			mutate:  func(cfg *Config) { cfg.Idempotency.Backend = "postgres" },
			wantErr: "idempotency.backend",
		},
		{
			name:    "request timeout above maximum",
			mutate:  func(cfg *Config) { cfg.Webhook.RequestTimeout = 10 * time.Minute },
			wantErr: "webhook.request_timeout",
		},
		{
			name:    "negative request timeout",
			mutate:  func(cfg *Config) { cfg.Webhook.RequestTimeout = -time.Second },
			wantErr: "webhook.request_timeout",
		},
		{
			name:    "mongodb event store without uri",
			mutate:  func(cfg *Config) { cfg.Webhook.EventStore = "mongodb" },
			wantErr: "webhook.event_store",
		},
		{
			name:    "bad mongodb uri",
			mutate:  func(cfg *Config) { cfg.Database.MongoDB.URI = "http://mongo" },
			wantErr: "database.mongodb.uri",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := ValidateStatic(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
