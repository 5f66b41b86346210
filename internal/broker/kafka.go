package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"orderhooks/internal/config"
	"orderhooks/internal/constants"
	"orderhooks/internal/logger"
	"orderhooks/pkg/logging"
	"orderhooks/pkg/metrics"
	"orderhooks/pkg/models"
	"orderhooks/pkg/tracing"
)

type KafkaProducer struct {
	writer      *kafka.Writer
	logger      logger.Logger
	serviceName string
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	return &KafkaProducer{writer: w, logger: log, serviceName: "unknown"}
}

func (p *KafkaProducer) SetServiceName(name string) {
	p.serviceName = name
}

// Publish keys the record by message id so redeliveries of one message stay on one partition.
func (p *KafkaProducer) Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	headers := tracing.InjectTraceContext(ctx, []kafka.Header{})

	start := time.Now()
	err = p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic:   topic,
			Key:     []byte(msg.MessageID),
			Value:   body,
			Headers: headers,
			Time:    start,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	metrics.ObserveBrokerWriteDuration(p.serviceName, topic, time.Since(start))
	metrics.IncBrokerMessagesWritten(p.serviceName, topic)
	metrics.ObserveBrokerMessageSize(p.serviceName, topic, "out", len(body))
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type KafkaConsumer struct {
	cfg        config.KafkaConfig
	wg         sync.WaitGroup
	mu         sync.Mutex
	readers    []*kafka.Reader
	logger     logger.Logger
	dlqWriter  *KafkaProducer
	dispatcher *dispatcher
}

func NewKafkaConsumer(cfg config.BrokerConfig, log logger.Logger) *KafkaConsumer {
	consumer := &KafkaConsumer{
		cfg:    cfg.Kafka,
		logger: log,
		dispatcher: &dispatcher{
			retryCfg:    cfg.Retry,
			dlqTopic:    cfg.DLQTopic,
			logger:      log,
			serviceName: "unknown",
		},
	}

	if cfg.DLQTopic != "" {
		consumer.dlqWriter = NewKafkaProducer(cfg.Kafka, log)
		consumer.dispatcher.dlq = consumer.dlqWriter
	}

	return consumer
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.dispatcher.serviceName = name
	if c.dlqWriter != nil {
		c.dlqWriter.SetServiceName(name)
	}
}

// Consume fetches, dispatches and then commits each message. A message is
// committed after it was handled or dead-lettered, so a partition never blocks.
func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	c.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
		"service_name", c.dispatcher.serviceName,
	)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		GroupID:  c.cfg.GroupID,
		Topic:    topic,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})

	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(ctx, reader, topic, handler)
	}()

	<-ctx.Done()
	return ctx.Err()
}

func (c *KafkaConsumer) loop(ctx context.Context, reader *kafka.Reader, topic string, handler HandlerFunc) {
	c.logger.InfowCtx(logging.WithServiceName(ctx, c.dispatcher.serviceName), "Started consuming",
		"topic", topic,
	)

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.logger.Infow("Stopped consuming",
					"topic", topic,
					"reason", "reader closed",
				)
				return
			}
			c.logger.Errorw("Error fetching kafka message",
				"error", err,
				"topic", topic,
			)
			time.Sleep(time.Second)
			continue
		}

		c.handle(ctx, reader, m, topic, handler)
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, reader *kafka.Reader, m kafka.Message, topic string, handler HandlerFunc) {
	d := c.dispatcher

	msgCtx, span := tracing.StartSpanFromKafkaMessage(ctx, "kafka.consume", m.Headers)
	defer span.End()

	metrics.ObserveBrokerMessageSize(d.serviceName, topic, "in", len(m.Value))

	var dispatchErr error
	envelope, err := models.ParseEnvelope(m.Value)
	if err != nil {
		dispatchErr = d.rejectMalformed(msgCtx, topic, m.Value, err)
	} else {
		msgCtx = d.messageContext(msgCtx, *envelope)
		dispatchErr = d.dispatch(msgCtx, topic, *envelope, handler)
	}

	if dispatchErr != nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to send message to DLQ, committing to avoid blocking the partition",
			"error", dispatchErr,
			"topic", topic,
			"offset", m.Offset,
		)
	}

	if err := reader.CommitMessages(ctx, m); err != nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to commit message",
			"error", err,
			"topic", topic,
		)
	}
}

func (c *KafkaConsumer) Close() error {
	var err error

	c.mu.Lock()
	for _, r := range c.readers {
		if closeErr := r.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.mu.Unlock()

	if c.dlqWriter != nil {
		if closeErr := c.dlqWriter.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.wg.Wait()
	return err
}
