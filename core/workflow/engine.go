package workflow

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/packd-io/packd/core/capability"
	"github.com/packd-io/packd/core/infra/bus"
	"github.com/packd-io/packd/core/infra/kv"
	"github.com/packd-io/packd/core/infra/logging"
	"github.com/packd-io/packd/core/infra/metrics"
	"github.com/packd-io/packd/core/infra/secrets"
)

// SandboxCaller invokes a function on a running sandbox instance. The
// lifecycle manager implements it.
type SandboxCaller interface {
	Call(ctx context.Context, instanceID, fn string, argsJSON []byte) ([]byte, error)
}

// LogSink receives guest-originated log lines.
type LogSink interface {
	Log(instanceID, packID, level, message, source string)
}

// RunStore persists run records. May be nil; runs then live only in the
// returned Result.
type RunStore interface {
	SaveRun(ctx context.Context, run *Run) error
}

// ExecContext scopes one execution to its pack and instance.
type ExecContext struct {
	RunID      string
	PackID     string
	InstanceID string
	Enforcer   *capability.Enforcer
	OnProgress func(Progress)
}

// Engine executes workflows. One Engine serves all instances; each
// Execute call is independent and steps within it are strictly
// sequential.
type Engine struct {
	kv      kv.Store
	sandbox SandboxCaller
	client  *http.Client
	sink    LogSink
	events  bus.Publisher
	runs    RunStore
	metrics metrics.WorkflowMetrics
}

// EngineOptions wires an Engine. Sandbox, Sink, Events and Runs may be
// nil; steps needing a missing collaborator fail at execution.
type EngineOptions struct {
	KV      kv.Store
	Sandbox SandboxCaller
	Client  *http.Client
	Sink    LogSink
	Events  bus.Publisher
	Runs    RunStore
	Metrics metrics.WorkflowMetrics
}

// NewEngine constructs an Engine.
func NewEngine(opts EngineOptions) *Engine {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	return &Engine{
		kv:      opts.KV,
		sandbox: opts.Sandbox,
		client:  client,
		sink:    opts.Sink,
		events:  opts.Events,
		runs:    opts.Runs,
		metrics: m,
	}
}

// Execute validates and runs a workflow. Cancellation is checked before
// each step; an in-flight step always finishes naturally. On the first
// step failure execution halts with a StepError naming the step; results
// of every executed step are retained either way.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, ec ExecContext) (*Result, error) {
	if err := Validate(wf); err != nil {
		return nil, err
	}
	if ec.RunID == "" {
		ec.RunID = uuid.NewString()
	}

	run := &Run{
		ID:         ec.RunID,
		WorkflowID: wf.ID,
		PackID:     ec.PackID,
		InstanceID: ec.InstanceID,
		Status:     RunStatusRunning,
		Steps:      make(map[string]*StepResult, len(wf.Steps)),
		StartedAt:  time.Now().UTC(),
	}
	e.saveRun(ctx, run)
	started := time.Now()

	total := len(wf.Steps)
	for i, step := range wf.Steps {
		if ctx.Err() != nil {
			return e.finish(ctx, run, RunStatusCancelled, started,
				fmt.Errorf("%w: before step %s", ErrWorkflowCancelled, step.ID))
		}

		result := &StepResult{StepID: step.ID, StartedAt: time.Now().UTC()}
		output, err := e.runStep(ctx, ec, step, run)
		result.CompletedAt = time.Now().UTC()
		if err != nil {
			result.Status = StepStatusFailed
			result.Error = err.Error()
			run.Steps[step.ID] = result
			e.metrics.IncStepExecuted(string(step.Type), "failure")
			e.progress(ec, Progress{RunID: run.ID, StepIndex: i + 1, Total: total,
				Message: fmt.Sprintf("step %s failed", step.ID)})
			stepErr := &StepError{StepID: step.ID, Cause: err}
			return e.finish(ctx, run, RunStatusFailed, started, stepErr)
		}
		result.Status = StepStatusSucceeded
		result.Output = output
		run.Steps[step.ID] = result
		e.metrics.IncStepExecuted(string(step.Type), "success")
		e.saveRun(ctx, run)
		e.progress(ec, Progress{RunID: run.ID, StepIndex: i + 1, Total: total,
			Message: fmt.Sprintf("step %s completed", step.ID)})
	}

	res, err := e.finish(ctx, run, RunStatusSucceeded, started, nil)
	logging.Info("WORKFLOW", "run completed", "run", run.ID, "workflow", wf.ID, "steps", total)
	return res, err
}

func (e *Engine) finish(ctx context.Context, run *Run, status RunStatus, started time.Time, cause error) (*Result, error) {
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	if cause != nil {
		run.Error = cause.Error()
	}
	e.saveRun(ctx, run)
	e.metrics.IncWorkflowCompleted(statusLabel(status))
	e.metrics.ObserveWorkflowDuration(time.Since(started).Seconds())
	return &Result{RunID: run.ID, Status: status, Steps: run.Steps}, cause
}

func (e *Engine) saveRun(ctx context.Context, run *Run) {
	if e.runs == nil {
		return
	}
	if err := e.runs.SaveRun(ctx, redactedRun(run)); err != nil {
		logging.Error("WORKFLOW", "persist run", "run", run.ID, "error", err)
	}
}

// redactedRun strips secret references from step outputs before they
// reach storage. The in-memory run keeps the raw values so input_from
// chaining still sees exactly what each step produced.
func redactedRun(run *Run) *Run {
	var copied *Run
	for id, res := range run.Steps {
		red, changed := secrets.RedactSecretRefs(res.Output)
		if !changed {
			continue
		}
		if copied == nil {
			c := *run
			c.Steps = make(map[string]*StepResult, len(run.Steps))
			for k, v := range run.Steps {
				c.Steps[k] = v
			}
			copied = &c
		}
		r := *res
		r.Output = red
		copied.Steps[id] = &r
	}
	if copied == nil {
		return run
	}
	return copied
}

func (e *Engine) progress(ec ExecContext, p Progress) {
	if ec.OnProgress != nil {
		ec.OnProgress(p)
	}
	if e.events != nil {
		_ = e.events.Publish(bus.EventSubject("run.progress"), &bus.Event{
			Type:       "run.progress",
			PackID:     ec.PackID,
			InstanceID: ec.InstanceID,
			Data: map[string]any{
				"run_id":     p.RunID,
				"step_index": p.StepIndex,
				"total":      p.Total,
				"message":    p.Message,
			},
		})
	}
}

func statusLabel(status RunStatus) string {
	switch status {
	case RunStatusSucceeded:
		return "success"
	case RunStatusCancelled:
		return "cancelled"
	default:
		return "failure"
	}
}
