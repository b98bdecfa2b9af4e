package registry

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// FieldError is one schema violation. Path is empty for the document root.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks a decoded JSON payload against a schema.
type Validator interface {
	Validate(schema *Schema, payload any) []FieldError
}

// JSONSchemaValidator validates with github.com/xeipuuv/gojsonschema using
// the schema compiled at load time.
type JSONSchemaValidator struct{}

// Validate implements Validator.
func (JSONSchemaValidator) Validate(schema *Schema, payload any) []FieldError {
	if schema == nil || schema.compiled == nil {
		return []FieldError{{Message: "schema not compiled"}}
	}

	result, err := schema.compiled.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return []FieldError{{Message: err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	out := make([]FieldError, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		path := re.Field()
		if path == "(root)" {
			path = ""
		}
		out = append(out, FieldError{Path: path, Message: re.Description()})
	}
	return out
}

// ValidationResult is the outcome of Registry.ValidateTopicPayload.
// Schema is empty when no schema is bound to the topic.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Schema string   `json:"schema,omitempty"`
	Errors []string `json:"errors"`
}
