package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IdempotencyClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_claims_total",
			Help: "Total number of message claims against the idempotency ledger (count)",
		},
		[]string{"consumer", "result"},
	)

	IdempotencyClaimDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "idempotency_claim_duration_ms",
			Help:    "Duration of idempotency ledger claims in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"backend"},
	)

	OrdersCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Total number of orders persisted from order requests (count)",
		},
	)

	OrderProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "order_processing_duration_ms",
			Help:    "Processing duration for order requests in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"status"},
	)

	WebhookEventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_published_total",
			Help: "Total number of events handed to the webhook engine (count)",
		},
		[]string{"event_type"},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts by outcome (count)",
		},
		[]string{"status"},
	)

	WebhookDeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_ms",
			Help:    "Duration of outbound webhook requests in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"status"},
	)

	WebhookSubscriptionsMatched = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_subscriptions_matched",
			Help:    "Number of subscriptions matched per published event (count)",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	WebhookFilterEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_filter_evaluations_total",
			Help: "Total number of subscription filter evaluations (count)",
		},
		[]string{"result"},
	)

	WebhookRecoveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_recovered_total",
			Help: "Total number of delivery chains rescheduled by recovery (count)",
		},
		[]string{"kind"},
	)

	RegistryCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_registry_cache_total",
			Help: "Subscription registry cache lookups (count)",
		},
		[]string{"result"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	BrokerMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_read_total",
			Help: "Total number of messages read from the broker (count)",
		},
		[]string{"service", "topic"},
	)

	BrokerMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_written_total",
			Help: "Total number of messages written to the broker (count)",
		},
		[]string{"service", "topic"},
	)

	BrokerMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_message_size_bytes",
			Help:    "Size of broker messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"service", "topic", "direction"},
	)

	BrokerWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_write_duration_ms",
			Help:    "Duration of writing messages to the broker in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"service", "database", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"service", "database", "operation"},
	)

	MessageQueueSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "message_queue_size",
			Help: "Current size of message processing queue (count)",
		},
		[]string{"service"},
	)

	MessageQueueWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "message_queue_wait_duration_ms",
			Help:    "Lateness of delayed tasks relative to their due time in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service"},
	)
)

var (
	orderOnce      sync.Once
	webhookOnce    sync.Once
	brokerOnce     sync.Once
	breakerOnce    sync.Once
	managementOnce sync.Once
	databaseOnce   sync.Once
)

func RegisterOrderMetrics() {
	orderOnce.Do(func() {
		prometheus.MustRegister(IdempotencyClaimsTotal)
		prometheus.MustRegister(IdempotencyClaimDuration)
		prometheus.MustRegister(OrdersCreatedTotal)
		prometheus.MustRegister(OrderProcessingDuration)
	})
}

func RegisterWebhookMetrics() {
	webhookOnce.Do(func() {
		prometheus.MustRegister(WebhookEventsPublishedTotal)
		prometheus.MustRegister(WebhookDeliveriesTotal)
		prometheus.MustRegister(WebhookDeliveryDuration)
		prometheus.MustRegister(WebhookSubscriptionsMatched)
		prometheus.MustRegister(WebhookFilterEvaluationsTotal)
		prometheus.MustRegister(WebhookRecoveredTotal)
		prometheus.MustRegister(RegistryCacheTotal)
		prometheus.MustRegister(MessageQueueSize)
		prometheus.MustRegister(MessageQueueWaitDuration)
	})
}

func RegisterBrokerMetrics() {
	brokerOnce.Do(func() {
		prometheus.MustRegister(RetryAttemptsTotal)
		prometheus.MustRegister(DLQMessagesTotal)
		prometheus.MustRegister(BrokerMessagesReadTotal)
		prometheus.MustRegister(BrokerMessagesWrittenTotal)
		prometheus.MustRegister(BrokerMessageSizeBytes)
		prometheus.MustRegister(BrokerWriteDuration)
	})
}

func RegisterCircuitBreakerMetrics() {
	breakerOnce.Do(func() {
		prometheus.MustRegister(CircuitBreakerState)
		prometheus.MustRegister(CircuitBreakerRequests)
		prometheus.MustRegister(CircuitBreakerFailures)
	})
}

func RegisterDatabaseMetrics() {
	databaseOnce.Do(func() {
		prometheus.MustRegister(DatabaseQueriesTotal)
		prometheus.MustRegister(DatabaseQueryDuration)
	})
}

func RegisterManagementMetrics() {
	managementOnce.Do(func() {
		prometheus.MustRegister(RateLimitRequestsTotal)
	})
	RegisterDatabaseMetrics()
}

func IncIdempotencyClaim(consumer, result string) {
	IdempotencyClaimsTotal.WithLabelValues(consumer, result).Inc()
}

func ObserveIdempotencyClaimDuration(backend string, duration time.Duration) {
	IdempotencyClaimDuration.WithLabelValues(backend).Observe(float64(duration.Milliseconds()))
}

func ObserveOrderDuration(duration time.Duration, status string) {
	OrderProcessingDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

func IncWebhookDelivery(status string) {
	WebhookDeliveriesTotal.WithLabelValues(status).Inc()
}

func ObserveWebhookDeliveryDuration(status string, duration time.Duration) {
	WebhookDeliveryDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

func IncWebhookFilterEvaluation(result string) {
	WebhookFilterEvaluationsTotal.WithLabelValues(result).Inc()
}

func IncWebhookRecovered(kind string, n int) {
	WebhookRecoveredTotal.WithLabelValues(kind).Add(float64(n))
}

func IncRegistryCache(result string) {
	RegistryCacheTotal.WithLabelValues(result).Inc()
}

func IncDLQMessage(service, topic, reason string) {
	DLQMessagesTotal.WithLabelValues(service, topic, reason).Inc()
}

func IncRetryAttempt(service, topic string) {
	RetryAttemptsTotal.WithLabelValues(service, topic).Inc()
}

func IncBrokerMessagesRead(service, topic string) {
	BrokerMessagesReadTotal.WithLabelValues(service, topic).Inc()
}

func IncBrokerMessagesWritten(service, topic string) {
	BrokerMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func ObserveBrokerMessageSize(service, topic, direction string, sizeBytes int) {
	BrokerMessageSizeBytes.WithLabelValues(service, topic, direction).Observe(float64(sizeBytes))
}

func ObserveBrokerWriteDuration(service, topic string, duration time.Duration) {
	BrokerWriteDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func IncDatabaseQuery(service, database, operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(service, database, operation, status).Inc()
}

func ObserveDatabaseQueryDuration(service, database, operation string, duration time.Duration) {
	DatabaseQueryDuration.WithLabelValues(service, database, operation).Observe(float64(duration.Milliseconds()))
}

func SetMessageQueueSize(service string, size int) {
	MessageQueueSize.WithLabelValues(service).Set(float64(size))
}

func ObserveMessageQueueWaitDuration(service string, duration time.Duration) {
	MessageQueueWaitDuration.WithLabelValues(service).Observe(float64(duration.Milliseconds()))
}
