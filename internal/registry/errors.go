package registry

import (
	"errors"
	"fmt"
)

// Domain-specific errors for registry loading and lookups.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrMissing is returned when a required file or directory is absent.
	ErrMissing = errors.New("registry: required entry missing")

	// ErrParse is returned when a file cannot be decoded.
	ErrParse = errors.New("registry: parse failed")

	// ErrDuplicateTopic is returned when two topic entries share a name.
	ErrDuplicateTopic = errors.New("registry: duplicate topic")

	// ErrDuplicateSchema is returned when two schema files share a name.
	ErrDuplicateSchema = errors.New("registry: duplicate schema")

	// ErrDanglingSchemaRef is returned when a topic references an unknown schema.
	ErrDanglingSchemaRef = errors.New("registry: dangling schema reference")

	// ErrInvalidTopic is returned for a topic entry with a bad name or QoS.
	ErrInvalidTopic = errors.New("registry: invalid topic entry")

	// ErrInvalidSchema is returned when a schema document cannot be compiled.
	ErrInvalidSchema = errors.New("registry: invalid schema")

	// ErrInvalidClientRole is returned for a malformed client role.
	ErrInvalidClientRole = errors.New("registry: invalid client role")

	// ErrInvalidGateway is returned for malformed routing hints or refresh triggers.
	ErrInvalidGateway = errors.New("registry: invalid gateway config")

	// ErrTopicNotFound is returned when a topic is not registered.
	ErrTopicNotFound = errors.New("registry: topic not found")

	// ErrSchemaNotFound is returned when no schema is bound to a topic.
	ErrSchemaNotFound = errors.New("registry: schema not found")
)

// LoadError describes why a registry tree could not be loaded.
// File is relative to the registry root.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("registry: load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func loadErr(file string, sentinel error, format string, args ...any) *LoadError {
	return &LoadError{File: file, Err: fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)}
}
