package workflow

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/packd-io/packd/core/infra/schema"
)

//go:embed workflow_schema.json
var workflowSchemaJSON []byte

var workflowSchema = schema.MustCompile("workflow", workflowSchemaJSON)

// Parse decodes and validates a workflow.json payload.
func Parse(data []byte) (*Workflow, error) {
	if err := schema.Validate(workflowSchema, json.RawMessage(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkflowInvalid, err)
	}
	var wf Workflow
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrWorkflowInvalid, err)
	}
	if err := Validate(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Validate enforces the structural rules the schema cannot express:
// unique step ids, known types, per-type required fields, and
// input_from references that point at an earlier step.
func Validate(wf *Workflow) error {
	if wf == nil || len(wf.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrWorkflowInvalid)
	}
	seen := make(map[string]bool, len(wf.Steps))
	for i, step := range wf.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: step %d has no id", ErrWorkflowInvalid, i)
		}
		if seen[step.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrWorkflowInvalid, step.ID)
		}
		if !knownStepTypes[step.Type] {
			return fmt.Errorf("%w: step %s: unknown type %q", ErrWorkflowInvalid, step.ID, step.Type)
		}
		if err := validateStepFields(step); err != nil {
			return fmt.Errorf("%w: step %s: %v", ErrWorkflowInvalid, step.ID, err)
		}
		if step.InputFrom != "" && !seen[step.InputFrom] {
			return fmt.Errorf("%w: step %s: input_from %q does not name an earlier step", ErrWorkflowInvalid, step.ID, step.InputFrom)
		}
		seen[step.ID] = true
	}
	return nil
}

func validateStepFields(step Step) error {
	switch step.Type {
	case StepHTTPRequest:
		if step.URL == "" {
			return fmt.Errorf("url required")
		}
		switch step.Method {
		case "", http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
		default:
			return fmt.Errorf("unsupported method %q", step.Method)
		}
	case StepSandboxCall:
		if step.Function == "" {
			return fmt.Errorf("function required")
		}
	case StepKVPut:
		if step.Key == "" {
			return fmt.Errorf("key required")
		}
		if step.Value == "" && step.InputFrom == "" {
			return fmt.Errorf("value or input_from required")
		}
	case StepKVGet:
		if step.Key == "" {
			return fmt.Errorf("key required")
		}
	case StepLog:
		if step.Message == "" {
			return fmt.Errorf("message required")
		}
	case StepSleep:
		if step.DurationMs <= 0 {
			return fmt.Errorf("duration_ms must be positive")
		}
	case StepEmitEvent:
		if step.Event == "" {
			return fmt.Errorf("event required")
		}
	}
	return nil
}
