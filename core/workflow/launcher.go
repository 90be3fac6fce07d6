package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/packd-io/packd/core/capability"
	"github.com/packd-io/packd/core/infra/logging"
	"github.com/packd-io/packd/core/pack"
)

// Launcher adapts the engine to the lifecycle manager: starting a
// workflow-type instance loads its workflow.json and runs it in a
// goroutine; cancel takes effect at the next step boundary.
type Launcher struct {
	engine *Engine

	// OnExit, when set, receives the outcome of every run that finishes
	// on its own. Cancelled runs are not reported; whoever cancelled
	// them already owns the instance's state.
	OnExit func(instanceID, runID string, exitCode int, reason string)

	mu   sync.Mutex
	runs map[string]*launch
}

// launch ties one run's cancel func to its run id so a finishing run
// can tell whether it is still the instance's current one.
type launch struct {
	runID  string
	cancel context.CancelFunc
}

// NewLauncher wraps an engine.
func NewLauncher(engine *Engine) *Launcher {
	return &Launcher{engine: engine, runs: make(map[string]*launch)}
}

// Launch validates the pack's workflow and starts executing it,
// returning the new run's id. The launch itself fails fast on a broken
// definition; step failures surface through the persisted run and the
// OnExit callback, not through Launch.
func (l *Launcher) Launch(_ context.Context, p *pack.Pack, instanceID string, _ map[string]string) (string, error) {
	data, err := os.ReadFile(filepath.Join(p.InstallPath, filepath.FromSlash(p.Manifest.Entry)))
	if err != nil {
		return "", fmt.Errorf("read workflow definition: %w", err)
	}
	wf, err := Parse(data)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &launch{runID: uuid.NewString(), cancel: cancel}
	l.mu.Lock()
	if prev, ok := l.runs[instanceID]; ok {
		prev.cancel()
	}
	l.runs[instanceID] = run
	l.mu.Unlock()

	ec := ExecContext{
		RunID:      run.runID,
		PackID:     p.ID,
		InstanceID: instanceID,
		Enforcer:   capability.NewEnforcer(p.ID, p.Manifest.Permissions),
	}
	go func() {
		_, err := l.engine.Execute(runCtx, wf, ec)
		if err != nil {
			logging.Warn("WORKFLOW", "run ended with error",
				"instance", instanceID, "pack", p.ID, "error", err)
		}
		l.finish(instanceID, run, err)
	}()
	return run.runID, nil
}

// Cancel requests cooperative cancellation of an instance's current run.
func (l *Launcher) Cancel(instanceID string) {
	l.mu.Lock()
	run, ok := l.runs[instanceID]
	if ok {
		delete(l.runs, instanceID)
	}
	l.mu.Unlock()
	if ok {
		run.cancel()
	}
}

// finish clears one run's bookkeeping. A newer launch or a Cancel may
// have replaced or removed the entry already; only the run that still
// owns it removes it and reports its exit.
func (l *Launcher) finish(instanceID string, run *launch, err error) {
	run.cancel()
	l.mu.Lock()
	current := l.runs[instanceID] == run
	if current {
		delete(l.runs, instanceID)
	}
	l.mu.Unlock()
	if !current || l.OnExit == nil {
		return
	}
	if err != nil {
		l.OnExit(instanceID, run.runID, 1, "workflow failed: "+err.Error())
		return
	}
	l.OnExit(instanceID, run.runID, 0, "workflow completed")
}
