package broker

import (
	"context"
	"fmt"

	"orderhooks/pkg/logging"
	"orderhooks/pkg/models"
)

// ProducerEmitter wraps a Producer: every body is enveloped under a fresh message id
// and tagged with the emitting service and the trace id found on ctx.
type ProducerEmitter struct {
	producer Producer
	source   string
}

func NewEmitter(producer Producer, source string) *ProducerEmitter {
	return &ProducerEmitter{producer: producer, source: source}
}

func (e *ProducerEmitter) Emit(ctx context.Context, topic string, body interface{}) error {
	envelope, err := models.NewMessageEnvelopeBuilder().
		WithData(body).
		WithSource(e.source).
		WithTraceID(logging.GetTraceID(ctx)).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build envelope for %s: %w", topic, err)
	}

	if err := e.producer.Publish(ctx, topic, *envelope); err != nil {
		return fmt.Errorf("failed to emit to %s: %w", topic, err)
	}
	return nil
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, topic string, body interface{}) error

func (f EmitterFunc) Emit(ctx context.Context, topic string, body interface{}) error {
	return f(ctx, topic, body)
}
