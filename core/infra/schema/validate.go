// Package schema wraps JSON Schema compilation and validation for the
// documents packd accepts from pack bundles (pack.json, workflow.json).
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// MustCompile compiles an embedded schema payload or panics. Intended for
// package-level schema variables compiled at init time.
func MustCompile(id string, schema []byte) *jsonschema.Schema {
	compiled, err := Compile(id, schema)
	if err != nil {
		panic(fmt.Sprintf("compile embedded schema %s: %v", id, err))
	}
	return compiled
}

// Compile compiles a schema payload under an in-memory resource id.
func Compile(id string, schema []byte) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	resourceID := schemaID(id)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// Validate checks a value against a compiled schema. Raw JSON values are
// decoded before validation.
func Validate(compiled *jsonschema.Schema, value any) error {
	if compiled == nil {
		return fmt.Errorf("schema is nil")
	}
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// ValidateBytes compiles a schema payload and validates a value in one step.
func ValidateBytes(id string, schema []byte, value any) error {
	compiled, err := Compile(id, schema)
	if err != nil {
		return err
	}
	return Validate(compiled, value)
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return out, nil
	case []byte:
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return out, nil
	default:
		return value, nil
	}
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id
}
