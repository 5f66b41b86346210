package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type MessageEnvelopeBuilder struct {
	envelope *MessageEnvelope
	err      error
}

func NewMessageEnvelopeBuilder() *MessageEnvelopeBuilder {
	return &MessageEnvelopeBuilder{
		envelope: &MessageEnvelope{},
	}
}

func (b *MessageEnvelopeBuilder) WithMessageID(id string) *MessageEnvelopeBuilder {
	b.envelope.MessageID = id
	return b
}

func (b *MessageEnvelopeBuilder) WithRawData(data json.RawMessage) *MessageEnvelopeBuilder {
	b.envelope.Data = data
	return b
}

// WithData marshals v as the envelope data. A marshal error is reported by Build.
func (b *MessageEnvelopeBuilder) WithData(v interface{}) *MessageEnvelopeBuilder {
	data, err := json.Marshal(v)
	if err != nil {
		b.err = err
		return b
	}
	b.envelope.Data = data
	return b
}

func (b *MessageEnvelopeBuilder) WithSource(source string) *MessageEnvelopeBuilder {
	b.metadata().Source = source
	return b
}

func (b *MessageEnvelopeBuilder) WithTraceID(traceID string) *MessageEnvelopeBuilder {
	b.metadata().TraceID = traceID
	return b
}

func (b *MessageEnvelopeBuilder) WithTimestamp(ts time.Time) *MessageEnvelopeBuilder {
	b.metadata().Timestamp = ts
	return b
}

func (b *MessageEnvelopeBuilder) metadata() *Metadata {
	if b.envelope.Metadata == nil {
		b.envelope.Metadata = &Metadata{}
	}
	return b.envelope.Metadata
}

// Build fills a fresh uuid message id and the metadata timestamp when they are unset.
func (b *MessageEnvelopeBuilder) Build() (*MessageEnvelope, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.envelope.MessageID == "" {
		b.envelope.MessageID = uuid.NewString()
	}
	if b.envelope.Metadata != nil && b.envelope.Metadata.Timestamp.IsZero() {
		b.envelope.Metadata.Timestamp = time.Now().UTC()
	}
	if err := ValidateMessageEnvelope(b.envelope); err != nil {
		return nil, err
	}
	return b.envelope, nil
}
