package config

import (
	"fmt"
	"strings"

	"orderhooks/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errors = append(errors, err)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateIdempotency(cfg.Idempotency, cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateWebhook(cfg.Webhook, cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeout < 0 {
		return &ValidationError{
			Field:   "server.read_timeout",
			Message: "read timeout must not be negative",
		}
	}

	if cfg.WriteTimeout < 0 {
		return &ValidationError{
			Field:   "server.write_timeout",
			Message: "write timeout must not be negative",
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	if cfg.Type == "" {
		return &ValidationError{
			Field:   "broker.type",
			Message: "broker type is required",
		}
	}

	if err := validateRetry(cfg.Retry); err != nil {
		return err
	}

	switch cfg.Type {
	case "kafka":
		return validateKafka(cfg.Kafka)
	case "rabbitmq":
		return validateRabbitMQ(cfg.RabbitMQ)
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka, rabbitmq)", cfg.Type),
		}
	}
}

func validateRetry(cfg RetryConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "broker.retry.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.InitialInterval < 0 {
		return &ValidationError{
			Field:   "broker.retry.initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.MaxInterval < 0 {
		return &ValidationError{
			Field:   "broker.retry.max_interval",
			Message: "max_interval must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   "broker.retry.max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier <= 0 {
		return &ValidationError{
			Field:   "broker.retry.multiplier",
			Message: "multiplier must be positive",
		}
	}

	return nil
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	return nil
}

func validateRabbitMQ(cfg RabbitMQConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "broker.rabbitmq.host",
			Message: "RabbitMQ host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "broker.rabbitmq.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.Prefetch < 0 {
		return &ValidationError{
			Field:   "broker.rabbitmq.prefetch",
			Message: "prefetch must be non-negative",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}

	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "PostgreSQL host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "URI must start with mongodb:// or mongodb+srv://",
		}
	}

	return nil
}

func validateIdempotency(cfg IdempotencyConfig, db DatabaseConfig) error {
	switch cfg.Backend {
	case "postgres":
		if db.Postgres.Host == "" {
			return &ValidationError{
				Field:   "idempotency.backend",
				Message: "postgres backend requires database.postgres",
			}
		}
	case "redis":
		if db.Redis.Host == "" {
			return &ValidationError{
				Field:   "idempotency.backend",
				Message: "redis backend requires database.redis",
			}
		}
	default:
		return &ValidationError{
			Field:   "idempotency.backend",
			Message: fmt.Sprintf("unknown backend: %s (supported: postgres, redis)", cfg.Backend),
		}
	}

	if cfg.Consumer == "" {
		return &ValidationError{
			Field:   "idempotency.consumer",
			Message: "consumer name is required",
		}
	}

	return nil
}

func validateWebhook(cfg WebhookConfig, db DatabaseConfig) error {
	if cfg.MaxAttempts < 1 {
		return &ValidationError{
			Field:   "webhook.max_attempts",
			Message: "max_attempts must be at least 1",
		}
	}

	if cfg.RequestTimeout <= 0 || cfg.RequestTimeout > constants.MaxWebhookTimeout {
		return &ValidationError{
			Field:   "webhook.request_timeout",
			Message: fmt.Sprintf("request_timeout must be positive and at most %s", constants.MaxWebhookTimeout),
		}
	}

	if cfg.RecoveryInterval < 0 {
		return &ValidationError{
			Field:   "webhook.recovery_interval",
			Message: "recovery_interval must be non-negative",
		}
	}

	switch cfg.EventStore {
	case "postgres":
	case "mongodb":
		if db.MongoDB.URI == "" {
			return &ValidationError{
				Field:   "webhook.event_store",
				Message: "mongodb event store requires database.mongodb.uri",
			}
		}
	default:
		return &ValidationError{
			Field:   "webhook.event_store",
			Message: fmt.Sprintf("unknown event store: %s (supported: postgres, mongodb)", cfg.EventStore),
		}
	}

	return nil
}
