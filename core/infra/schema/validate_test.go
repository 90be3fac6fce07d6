package schema

import (
	"encoding/json"
	"testing"
)

const testSchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"count": {"type": "integer", "minimum": 0}
	}
}`

func TestValidateBytesAccepts(t *testing.T) {
	value := map[string]any{"id": "abc", "count": 3}
	if err := ValidateBytes("test", []byte(testSchema), value); err != nil {
		t.Fatalf("expected valid payload, got: %v", err)
	}
}

func TestValidateBytesRejectsMissingRequired(t *testing.T) {
	value := map[string]any{"count": 3}
	if err := ValidateBytes("test", []byte(testSchema), value); err == nil {
		t.Fatalf("expected validation failure for missing id")
	}
}

func TestValidateRawJSON(t *testing.T) {
	compiled, err := Compile("test", []byte(testSchema))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := Validate(compiled, json.RawMessage(`{"id":"x"}`)); err != nil {
		t.Fatalf("raw json should validate: %v", err)
	}
	if err := Validate(compiled, json.RawMessage(`{"id":""}`)); err == nil {
		t.Fatalf("expected minLength violation")
	}
}

func TestCompileRejectsEmptyAndBroken(t *testing.T) {
	if _, err := Compile("x", nil); err == nil {
		t.Fatalf("expected error for empty schema")
	}
	if _, err := Compile("x", []byte(`{"type": 12}`)); err == nil {
		t.Fatalf("expected error for broken schema")
	}
}
