package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageEnvelope is the wire shape of every broker message.
type MessageEnvelope struct {
	MessageID string          `json:"message_id"`
	Data      json.RawMessage `json:"data"`
	Metadata  *Metadata       `json:"metadata,omitempty"`
}

type Metadata struct {
	TraceID   string    `json:"trace_id,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ParseEnvelope decodes and validates a raw broker message.
func ParseEnvelope(body []byte) (*MessageEnvelope, error) {
	var env MessageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ValidationError{Field: "envelope", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := ValidateMessageEnvelope(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodeData unmarshals the data field into v.
func (e *MessageEnvelope) DecodeData(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &ValidationError{Field: "data", Message: err.Error()}
	}
	return nil
}

func (e *MessageEnvelope) TraceID() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata.TraceID
}
