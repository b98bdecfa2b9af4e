package messages

import (
	"errors"
	"fmt"
)

// Sentinel errors for message operations.
var (
	ErrNoSchema         = errors.New("messages: no schema bound to topic")
	ErrNotPublished     = errors.New("messages: topic not in the published set")
	ErrInvalidPayload   = errors.New("messages: payload is not valid JSON")
	ErrSchemaValidation = errors.New("messages: payload failed schema validation")
)

// SchemaValidationError is one schema violation of a message.
// Path is empty when the violation concerns the document root.
type SchemaValidationError struct {
	Topic   string `json:"topic"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e *SchemaValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Topic, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Topic, e.Path, e.Message)
}

// Unwrap lets errors.Is match ErrSchemaValidation.
func (e *SchemaValidationError) Unwrap() error {
	return ErrSchemaValidation
}

// ConfigurationError is a publish refused before it reached the transport.
type ConfigurationError struct {
	Detail     string
	Violations []SchemaValidationError
	Err        error
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Detail
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
