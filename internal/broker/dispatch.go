package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"orderhooks/internal/config"
	"orderhooks/internal/logger"
	"orderhooks/pkg/errors"
	"orderhooks/pkg/logging"
	"orderhooks/pkg/metrics"
	"orderhooks/pkg/models"
	"orderhooks/pkg/retry"
)

const dlqReasonHandlerFailed = "handler_failed"

// dispatcher runs a handler with the configured retry policy and forwards
// messages that still fail to the DLQ topic. Both transports share it.
type dispatcher struct {
	retryCfg    config.RetryConfig
	dlqTopic    string
	dlq         Producer
	logger      logger.Logger
	serviceName string
}

func (d *dispatcher) policy() retry.Policy {
	policy := retry.Policy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}

	if d.retryCfg.MaxAttempts > 0 {
		policy.MaxAttempts = d.retryCfg.MaxAttempts
	}
	if d.retryCfg.InitialInterval > 0 {
		policy.InitialInterval = d.retryCfg.InitialInterval
	}
	if d.retryCfg.MaxInterval > 0 {
		policy.MaxInterval = d.retryCfg.MaxInterval
	}
	if d.retryCfg.Multiplier > 0 {
		policy.Multiplier = d.retryCfg.Multiplier
	}
	if d.retryCfg.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = d.retryCfg.MaxElapsedTime
	}
	return policy
}

// messageContext decorates ctx with the ids carried by the envelope.
func (d *dispatcher) messageContext(ctx context.Context, envelope models.MessageEnvelope) context.Context {
	if traceID := envelope.TraceID(); traceID != "" {
		ctx = logging.WithTraceID(ctx, traceID)
	}
	ctx = logging.WithMessageID(ctx, envelope.MessageID)
	return logging.WithServiceName(ctx, d.serviceName)
}

// dispatch returns nil once the message is safe to acknowledge: it was handled,
// or it was dead-lettered. A non-nil error means the DLQ publish failed too.
func (d *dispatcher) dispatch(ctx context.Context, topic string, envelope models.MessageEnvelope, handler HandlerFunc) error {
	metrics.IncBrokerMessagesRead(d.serviceName, topic)

	err := d.processWithRetry(ctx, topic, envelope, handler)
	if err == nil {
		return nil
	}

	d.logger.ErrorwCtx(ctx, "Failed to process message after retries",
		"error", err,
		"topic", topic,
	)

	return d.deadLetter(ctx, topic, DeadLetter{Envelope: &envelope, Error: err.Error()})
}

// rejectMalformed forwards a body that is not a valid envelope straight to the DLQ.
func (d *dispatcher) rejectMalformed(ctx context.Context, topic string, body []byte, parseErr error) error {
	d.logger.ErrorwCtx(ctx, "Failed to parse message envelope",
		"error", parseErr,
		"topic", topic,
		"service_name", d.serviceName,
	)
	return d.deadLetter(ctx, topic, DeadLetter{RawBody: string(body), Error: parseErr.Error()})
}

func (d *dispatcher) processWithRetry(ctx context.Context, topic string, envelope models.MessageEnvelope, handler HandlerFunc) error {
	policy := d.policy()

	return retry.RetryWithCallback(ctx, policy, func() error {
		err := errors.Safely(func() error {
			return handler(ctx, envelope)
		})
		if errors.IsPanic(err) {
			d.logger.ErrorwCtx(ctx, "Panic recovered during message processing",
				"error", err,
				"topic", topic,
			)
		}
		return err
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.IncRetryAttempt(d.serviceName, topic)
		d.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", topic,
		)
	})
}

func (d *dispatcher) deadLetter(ctx context.Context, sourceTopic string, letter DeadLetter) error {
	if d.dlq == nil || d.dlqTopic == "" {
		d.logger.WarnwCtx(ctx, "No DLQ configured, dropping failed message",
			"topic", sourceTopic,
		)
		return nil
	}

	letter.SourceTopic = sourceTopic
	letter.Service = d.serviceName
	letter.FailedAt = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	messageID := ""
	if letter.Envelope != nil {
		messageID = letter.Envelope.MessageID
	}
	envelope, err := models.NewMessageEnvelopeBuilder().
		WithMessageID(messageID).
		WithRawData(data).
		WithSource(d.serviceName).
		WithTraceID(logging.GetTraceID(ctx)).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build dead letter envelope: %w", err)
	}

	if err := d.dlq.Publish(ctx, d.dlqTopic, *envelope); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	metrics.IncDLQMessage(d.serviceName, sourceTopic, dlqReasonHandlerFailed)
	d.logger.InfowCtx(ctx, "Message sent to DLQ",
		"source_topic", sourceTopic,
		"dlq_topic", d.dlqTopic,
		"reason", letter.Error,
	)
	return nil
}
