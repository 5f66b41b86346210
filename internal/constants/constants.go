package constants

import "time"

const (
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultWebhookTimeout     = 5 * time.Second
	DefaultWebhookMaxAttempts = 6
	DefaultWebhookBackoffBase = time.Second
	DefaultWebhookWorkers     = 8
	DefaultStorageRetryDelay  = 5 * time.Second
	DefaultRegistryCacheTTL   = 30 * time.Second
	MaxWebhookTimeout         = 5 * time.Minute
	StalePendingSlack         = 5 * time.Second
	WebhookQueueDegradedAt    = 10000
)

const (
	DefaultOrderRequestTopic   = "order.request"
	DefaultOrderCreatedTopic   = "order.created"
	DefaultWebhookPublishTopic = "webhook.publish"
	DefaultWebhookDLQTopic     = "webhook.dlq"
	DefaultConfigUpdateTopic   = "config.updates"
)

const (
	ConsumerOrderService     = "ms-order"
	ConsumerWebhookPublisher = "webhook-publisher"
)

const (
	EventTypeOrderCreated = "order.created"
)

const (
	CacheKeyPrefixIdempotency = "idem:"
)

const (
	IdempotencyBackendPostgres = "postgres"
	IdempotencyBackendRedis    = "redis"
)

const (
	EventStorePostgres = "postgres"
	EventStoreMongoDB  = "mongodb"
)

const (
	DefaultMongoDBName     = "orderhooks"
	MongoEventsCollection  = "webhook_events"
	DefaultLedgerRetention = 30 * 24 * time.Hour
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLimit       = 100
	MaxLimit           = 1000
	DefaultSecretBytes = 32
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)

const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderEventID   = "X-Event-Id"
	TimestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

const (
	DLQReasonMaxRetries = "max_retries_exceeded"
)
