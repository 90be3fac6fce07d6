package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/packd-io/packd/core/infra/bus"
	"github.com/packd-io/packd/core/infra/secrets"
)

// maxResponseBytes caps an http.request step's response body.
const maxResponseBytes = 8 << 20

// runStep dispatches one step. The switch is exhaustive over StepType;
// validation has already rejected unknown types.
func (e *Engine) runStep(ctx context.Context, ec ExecContext, step Step, run *Run) (any, error) {
	switch step.Type {
	case StepHTTPRequest:
		return e.runHTTPRequest(ctx, ec, step)
	case StepSandboxCall:
		return e.runSandboxCall(ctx, ec, step, run)
	case StepKVPut:
		return e.runKVPut(ctx, ec, step, run)
	case StepKVGet:
		return e.runKVGet(ctx, ec, step)
	case StepLog:
		return e.runLog(ec, step)
	case StepSleep:
		return runSleep(step)
	case StepEmitEvent:
		return e.runEmitEvent(ec, step)
	default:
		return nil, fmt.Errorf("unknown step type %q", step.Type)
	}
}

func (e *Engine) runHTTPRequest(ctx context.Context, ec ExecContext, step Step) (any, error) {
	if ec.Enforcer != nil {
		if err := ec.Enforcer.CheckConnect(step.URL); err != nil {
			return nil, err
		}
	}
	method := step.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if step.Body != "" {
		body = strings.NewReader(step.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, step.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range step.Headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return map[string]any{"status": resp.StatusCode, "body": string(data)}, nil
}

func (e *Engine) runSandboxCall(ctx context.Context, ec ExecContext, step Step, run *Run) (any, error) {
	if e.sandbox == nil {
		return nil, fmt.Errorf("no sandbox caller configured")
	}
	args := []byte(step.Args)
	if step.InputFrom != "" {
		prior, err := priorOutput(run, step.InputFrom)
		if err != nil {
			return nil, err
		}
		args, err = json.Marshal(prior)
		if err != nil {
			return nil, fmt.Errorf("encode input from %s: %w", step.InputFrom, err)
		}
	}
	out, err := e.sandbox.Call(ctx, ec.InstanceID, step.Function, args)
	if err != nil {
		return nil, fmt.Errorf("sandbox call %s: %w", step.Function, err)
	}
	if red, changed, err := secrets.RedactJSON(out); err == nil && changed {
		out = red
	}
	var decoded any
	if len(out) > 0 {
		if err := json.Unmarshal(out, &decoded); err != nil {
			// Guests are not required to emit JSON; keep the raw text.
			decoded = string(out)
		}
	}
	return decoded, nil
}

func (e *Engine) runKVPut(ctx context.Context, ec ExecContext, step Step, run *Run) (any, error) {
	if e.kv == nil {
		return nil, fmt.Errorf("no kv store configured")
	}
	value := step.Value
	if step.InputFrom != "" {
		prior, err := priorOutput(run, step.InputFrom)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(prior)
		if err != nil {
			return nil, fmt.Errorf("encode input from %s: %w", step.InputFrom, err)
		}
		value = string(data)
	}
	if err := e.kv.Put(ctx, ec.PackID, step.Key, value); err != nil {
		return nil, fmt.Errorf("kv put %s: %w", step.Key, err)
	}
	return map[string]any{"key": step.Key}, nil
}

func (e *Engine) runKVGet(ctx context.Context, ec ExecContext, step Step) (any, error) {
	if e.kv == nil {
		return nil, fmt.Errorf("no kv store configured")
	}
	value, err := e.kv.Get(ctx, ec.PackID, step.Key)
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", step.Key, err)
	}
	return map[string]any{"key": step.Key, "value": value}, nil
}

func (e *Engine) runLog(ec ExecContext, step Step) (any, error) {
	if e.sink == nil {
		return nil, fmt.Errorf("no log sink configured")
	}
	level := step.Level
	if level == "" {
		level = "info"
	}
	e.sink.Log(ec.InstanceID, ec.PackID, level, step.Message, "workflow")
	return nil, nil
}

// runSleep suspends for the declared duration. Started sleeps finish
// naturally; cancellation is only honored at the next step boundary.
func runSleep(step Step) (any, error) {
	time.Sleep(time.Duration(step.DurationMs) * time.Millisecond)
	return map[string]any{"slept_ms": step.DurationMs}, nil
}

func (e *Engine) runEmitEvent(ec ExecContext, step Step) (any, error) {
	if e.events == nil {
		return nil, fmt.Errorf("no event publisher configured")
	}
	data := step.Data
	if red, changed := secrets.RedactSecretRefs(data); changed {
		data = red.(map[string]any)
	}
	err := e.events.Publish(bus.EventSubject(step.Event), &bus.Event{
		Type:       step.Event,
		PackID:     ec.PackID,
		InstanceID: ec.InstanceID,
		Data:       data,
	})
	if err != nil {
		return nil, fmt.Errorf("emit event %s: %w", step.Event, err)
	}
	return map[string]any{"event": step.Event}, nil
}

// priorOutput resolves an input_from reference against recorded results.
func priorOutput(run *Run, stepID string) (any, error) {
	result, ok := run.Steps[stepID]
	if !ok {
		return nil, fmt.Errorf("input_from %s: no recorded result", stepID)
	}
	if result.Status != StepStatusSucceeded {
		return nil, fmt.Errorf("input_from %s: step did not succeed", stepID)
	}
	return result.Output, nil
}
