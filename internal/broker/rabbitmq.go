package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"orderhooks/internal/config"
	"orderhooks/internal/logger"
	"orderhooks/pkg/logging"
	"orderhooks/pkg/metrics"
	"orderhooks/pkg/models"
	"orderhooks/pkg/tracing"
)

const defaultPrefetch = 1

// AMQPURL renders the connection URL for cfg, escaping credentials and vhost.
func AMQPURL(cfg config.RabbitMQConfig) string {
	u := url.URL{
		Scheme: "amqp",
		Host:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:   "/" + cfg.VHost,
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	return u.String()
}

// RabbitMQProducer publishes to a durable queue named after the topic via the default exchange.
type RabbitMQProducer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	mu          sync.Mutex
	declared    map[string]bool
	logger      logger.Logger
	serviceName string
	ownsConn    bool
}

func NewRabbitMQProducer(cfg config.RabbitMQConfig, log logger.Logger) (*RabbitMQProducer, error) {
	conn, err := amqp.Dial(AMQPURL(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	p, err := newRabbitMQProducerOnConn(conn, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.ownsConn = true
	return p, nil
}

func newRabbitMQProducerOnConn(conn *amqp.Connection, log logger.Logger) (*RabbitMQProducer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &RabbitMQProducer{
		conn:        conn,
		ch:          ch,
		declared:    make(map[string]bool),
		logger:      log,
		serviceName: "unknown",
	}, nil
}

func (p *RabbitMQProducer) SetServiceName(name string) {
	p.serviceName = name
}

// Publish waits for the broker confirm, so a nil error means the message is durable.
func (p *RabbitMQProducer) Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureQueue(topic); err != nil {
		return err
	}

	start := time.Now()
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx,
		"",
		topic,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    msg.MessageID,
			Timestamp:    start,
			Headers:      tracing.InjectAMQPHeaders(ctx, nil),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish rabbitmq message: %w", err)
	}

	if confirm != nil {
		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("failed waiting for publish confirm: %w", err)
		}
		if !acked {
			return fmt.Errorf("broker nacked message %s on %s", msg.MessageID, topic)
		}
	}

	metrics.ObserveBrokerWriteDuration(p.serviceName, topic, time.Since(start))
	metrics.IncBrokerMessagesWritten(p.serviceName, topic)
	metrics.ObserveBrokerMessageSize(p.serviceName, topic, "out", len(body))
	return nil
}

func (p *RabbitMQProducer) ensureQueue(name string) error {
	if p.declared[name] {
		return nil
	}
	if _, err := declareQueue(p.ch, name); err != nil {
		return err
	}
	p.declared[name] = true
	return nil
}

func (p *RabbitMQProducer) Close() error {
	err := p.ch.Close()
	if p.ownsConn {
		if closeErr := p.conn.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return q, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return q, nil
}

// RabbitMQConsumer consumes with manual acknowledgements. A message is acked
// once it was handled or dead-lettered, and requeued only when the DLQ publish failed.
type RabbitMQConsumer struct {
	conn       *amqp.Connection
	prefetch   int
	logger     logger.Logger
	dlq        *RabbitMQProducer
	dispatcher *dispatcher
	wg         sync.WaitGroup
}

func NewRabbitMQConsumer(cfg config.BrokerConfig, log logger.Logger) (*RabbitMQConsumer, error) {
	conn, err := amqp.Dial(AMQPURL(cfg.RabbitMQ))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ at %s:%d: %w", cfg.RabbitMQ.Host, cfg.RabbitMQ.Port, err)
	}

	prefetch := cfg.RabbitMQ.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	c := &RabbitMQConsumer{
		conn:     conn,
		prefetch: prefetch,
		logger:   log,
		dispatcher: &dispatcher{
			retryCfg:    cfg.Retry,
			dlqTopic:    cfg.DLQTopic,
			logger:      log,
			serviceName: "unknown",
		},
	}

	if cfg.DLQTopic != "" {
		dlq, err := newRabbitMQProducerOnConn(conn, log)
		if err != nil {
			conn.Close()
			return nil, err
		}
		c.dlq = dlq
		c.dispatcher.dlq = dlq
	}

	return c, nil
}

func (c *RabbitMQConsumer) SetServiceName(name string) {
	c.dispatcher.serviceName = name
	if c.dlq != nil {
		c.dlq.SetServiceName(name)
	}
}

func (c *RabbitMQConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if _, err := declareQueue(ch, topic); err != nil {
		ch.Close()
		return err
	}

	deliveries, err := ch.ConsumeWithContext(ctx,
		topic,
		"",    // server-generated consumer tag
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to register consumer on %s: %w", topic, err)
	}

	c.logger.InfowCtx(logging.WithServiceName(ctx, c.dispatcher.serviceName), "Started consuming",
		"topic", topic,
		"prefetch", c.prefetch,
	)

	c.wg.Add(1)
	defer c.wg.Done()
	defer ch.Close()

	for {
		select {
		case <-ctx.Done():
			c.logger.Infow("Stopped consuming",
				"topic", topic,
				"reason", "context canceled",
			)
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("rabbitmq delivery channel closed for %s", topic)
			}
			c.handle(ctx, delivery, topic, handler)
		}
	}
}

func (c *RabbitMQConsumer) handle(ctx context.Context, delivery amqp.Delivery, topic string, handler HandlerFunc) {
	d := c.dispatcher

	msgCtx, span := tracing.StartSpanFromAMQPDelivery(ctx, "rabbitmq.consume", delivery.Headers)
	defer span.End()

	metrics.ObserveBrokerMessageSize(d.serviceName, topic, "in", len(delivery.Body))

	var dispatchErr error
	envelope, err := models.ParseEnvelope(delivery.Body)
	if err != nil {
		dispatchErr = d.rejectMalformed(msgCtx, topic, delivery.Body, err)
	} else {
		msgCtx = d.messageContext(msgCtx, *envelope)
		dispatchErr = d.dispatch(msgCtx, topic, *envelope, handler)
	}

	if dispatchErr != nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to send message to DLQ, requeueing",
			"error", dispatchErr,
			"topic", topic,
		)
		if err := delivery.Nack(false, true); err != nil {
			c.logger.ErrorwCtx(msgCtx, "Failed to nack message", "error", err, "topic", topic)
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to ack message", "error", err, "topic", topic)
	}
}

func (c *RabbitMQConsumer) Close() error {
	var err error
	if c.dlq != nil {
		err = c.dlq.Close()
	}
	if closeErr := c.conn.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	c.wg.Wait()
	return err
}
