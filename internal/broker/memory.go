package broker

import (
	"context"
	"sync"

	"orderhooks/pkg/models"
)

type PublishedMessage struct {
	Topic    string
	Envelope models.MessageEnvelope
}

// MemoryProducer records published messages. It backs tests and local runs without a broker.
type MemoryProducer struct {
	mu       sync.Mutex
	messages []PublishedMessage
	// Err, when set, is returned by every Publish call.
	Err error
}

func NewMemoryProducer() *MemoryProducer {
	return &MemoryProducer{}
}

func (p *MemoryProducer) Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return p.Err
	}
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Envelope: msg})
	return nil
}

func (p *MemoryProducer) Close() error {
	return nil
}

func (p *MemoryProducer) Messages() []PublishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PublishedMessage(nil), p.messages...)
}

func (p *MemoryProducer) MessagesOn(topic string) []PublishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []PublishedMessage
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
