// Package workflow executes declarative step sequences for workflow-type
// packs: strictly sequential, cooperatively cancellable at step
// boundaries, with every step result retained for diagnostics.
package workflow

import (
	"encoding/json"
	"time"
)

// StepType is the closed set of step variants.
type StepType string

const (
	StepHTTPRequest StepType = "http.request"
	StepSandboxCall StepType = "sandbox.call"
	StepKVPut       StepType = "kv.put"
	StepKVGet       StepType = "kv.get"
	StepLog         StepType = "log"
	StepSleep       StepType = "sleep"
	StepEmitEvent   StepType = "emit.event"
)

// knownStepTypes gates validation; execution dispatches exhaustively.
var knownStepTypes = map[StepType]bool{
	StepHTTPRequest: true,
	StepSandboxCall: true,
	StepKVPut:       true,
	StepKVGet:       true,
	StepLog:         true,
	StepSleep:       true,
	StepEmitEvent:   true,
}

// Workflow mirrors workflow.json inside a workflow-type pack.
type Workflow struct {
	WorkflowVersion int    `json:"workflow_version"`
	ID              string `json:"id"`
	Description     string `json:"description,omitempty"`
	Steps           []Step `json:"steps"`
}

// Step is one unit of a workflow. The populated fields depend on Type;
// validation enforces the per-type requirements before execution.
type Step struct {
	ID   string   `json:"id"`
	Type StepType `json:"type"`

	// http.request
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	// sandbox.call
	Function string          `json:"function,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`

	// InputFrom names a prior step whose recorded output becomes this
	// step's input, verbatim.
	InputFrom string `json:"input_from,omitempty"`

	// kv.put / kv.get
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`

	// log
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`

	// sleep
	DurationMs int `json:"duration_ms,omitempty"`

	// emit.event
	Event string         `json:"event,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// StepStatus is the terminal status of one executed step.
type StepStatus string

const (
	StepStatusSucceeded StepStatus = "SUCCEEDED"
	StepStatusFailed    StepStatus = "FAILED"
)

// StepResult records one executed step's outcome. Steps that never ran
// (after a failure or cancellation) have no result at all.
type StepResult struct {
	StepID      string     `json:"step_id"`
	Status      StepStatus `json:"status"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
}

// RunStatus is a workflow run's lifecycle status.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// Run is the persisted record of one workflow execution.
type Run struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	PackID      string                 `json:"pack_id"`
	InstanceID  string                 `json:"instance_id"`
	Status      RunStatus              `json:"status"`
	Steps       map[string]*StepResult `json:"steps"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Result is what Execute hands back to the caller.
type Result struct {
	RunID  string                 `json:"run_id"`
	Status RunStatus              `json:"status"`
	Steps  map[string]*StepResult `json:"steps"`
}

// Progress describes where a run stands, published after every step
// transition.
type Progress struct {
	RunID     string `json:"run_id"`
	StepIndex int    `json:"step_index"`
	Total     int    `json:"total"`
	Message   string `json:"message"`
}
