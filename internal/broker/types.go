package broker

import (
	"context"

	"orderhooks/pkg/models"
)

type Producer interface {
	Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error
	Close() error
}

type Consumer interface {
	// Consume blocks until ctx is done, dispatching every message on topic to handler.
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

type HandlerFunc func(ctx context.Context, msg models.MessageEnvelope) error

// Emitter is the narrow publish capability handed to domain code.
type Emitter interface {
	Emit(ctx context.Context, topic string, body interface{}) error
}

// DeadLetter is the data of a message forwarded to the broker DLQ after its
// handler kept failing. Envelope is nil when the original body could not be parsed.
type DeadLetter struct {
	SourceTopic string                  `json:"source_topic"`
	Envelope    *models.MessageEnvelope `json:"envelope,omitempty"`
	RawBody     string                  `json:"raw_body,omitempty"`
	Error       string                  `json:"error"`
	Service     string                  `json:"service"`
	FailedAt    string                  `json:"failed_at"`
}
