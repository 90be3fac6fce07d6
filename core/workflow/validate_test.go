package workflow

import (
	"errors"
	"testing"
)

func TestParseValidWorkflow(t *testing.T) {
	payload := `{
	  "workflow_version": 1,
	  "id": "sync-alerts",
	  "description": "fetch and store alerts",
	  "steps": [
	    {"id": "fetch", "type": "http.request", "url": "https://api.example.com/alerts"},
	    {"id": "store", "type": "kv.put", "key": "alerts", "input_from": "fetch"},
	    {"id": "note", "type": "log", "level": "info", "message": "alerts synced"}
	  ]
	}`
	wf, err := Parse([]byte(payload))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if wf.ID != "sync-alerts" || len(wf.Steps) != 3 {
		t.Fatalf("unexpected workflow: %+v", wf)
	}
	if wf.Steps[1].InputFrom != "fetch" {
		t.Fatalf("input_from not decoded: %+v", wf.Steps[1])
	}
}

func TestValidateRejectsEmptySteps(t *testing.T) {
	if err := Validate(&Workflow{ID: "x"}); !errors.Is(err, ErrWorkflowInvalid) {
		t.Fatalf("expected ErrWorkflowInvalid, got %v", err)
	}
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	wf := &Workflow{ID: "x", Steps: []Step{
		{ID: "a", Type: StepLog, Message: "m"},
		{ID: "a", Type: StepLog, Message: "m"},
	}}
	if err := Validate(wf); !errors.Is(err, ErrWorkflowInvalid) {
		t.Fatalf("expected ErrWorkflowInvalid, got %v", err)
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	wf := &Workflow{ID: "x", Steps: []Step{{ID: "a", Type: "shell.exec"}}}
	if err := Validate(wf); !errors.Is(err, ErrWorkflowInvalid) {
		t.Fatalf("expected ErrWorkflowInvalid, got %v", err)
	}
}

func TestValidateRejectsForwardInputFrom(t *testing.T) {
	wf := &Workflow{ID: "x", Steps: []Step{
		{ID: "a", Type: StepSandboxCall, Function: "run", InputFrom: "b"},
		{ID: "b", Type: StepLog, Message: "m"},
	}}
	if err := Validate(wf); !errors.Is(err, ErrWorkflowInvalid) {
		t.Fatalf("expected ErrWorkflowInvalid for forward reference, got %v", err)
	}
}

func TestValidatePerTypeRequirements(t *testing.T) {
	cases := map[string]Step{
		"http without url":       {ID: "a", Type: StepHTTPRequest},
		"http with bad method":   {ID: "a", Type: StepHTTPRequest, URL: "https://x", Method: "YEET"},
		"sandbox without fn":     {ID: "a", Type: StepSandboxCall},
		"kv.put without key":     {ID: "a", Type: StepKVPut, Value: "v"},
		"kv.put without value":   {ID: "a", Type: StepKVPut, Key: "k"},
		"kv.get without key":     {ID: "a", Type: StepKVGet},
		"log without message":    {ID: "a", Type: StepLog},
		"sleep without duration": {ID: "a", Type: StepSleep},
		"emit without event":     {ID: "a", Type: StepEmitEvent},
	}
	for name, step := range cases {
		wf := &Workflow{ID: "x", Steps: []Step{step}}
		if err := Validate(wf); !errors.Is(err, ErrWorkflowInvalid) {
			t.Fatalf("%s: expected ErrWorkflowInvalid, got %v", name, err)
		}
	}
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing version": `{"id": "x", "steps": [{"id": "a", "type": "log", "message": "m"}]}`,
		"empty steps":     `{"workflow_version": 1, "id": "x", "steps": []}`,
		"unknown field":   `{"workflow_version": 1, "id": "x", "mystery": 1, "steps": [{"id": "a", "type": "log", "message": "m"}]}`,
		"bad level":       `{"workflow_version": 1, "id": "x", "steps": [{"id": "a", "type": "log", "level": "shout", "message": "m"}]}`,
	}
	for name, payload := range cases {
		if _, err := Parse([]byte(payload)); !errors.Is(err, ErrWorkflowInvalid) {
			t.Fatalf("%s: expected ErrWorkflowInvalid, got %v", name, err)
		}
	}
}
