package models

import (
	"bytes"
	"fmt"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateMessageEnvelope(msg *MessageEnvelope) error {
	if msg == nil {
		return &ValidationError{
			Field:   "envelope",
			Message: "message envelope cannot be nil",
		}
	}

	if msg.MessageID == "" {
		return &ValidationError{
			Field:   "message_id",
			Message: "message ID is required",
		}
	}

	data := bytes.TrimSpace(msg.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return &ValidationError{
			Field:   "data",
			Message: "message data is required",
		}
	}

	if data[0] != '{' {
		return &ValidationError{
			Field:   "data",
			Message: "message data must be a JSON object",
		}
	}

	return nil
}
