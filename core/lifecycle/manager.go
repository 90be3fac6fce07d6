package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/packd-io/packd/core/capability"
	"github.com/packd-io/packd/core/infra/bus"
	"github.com/packd-io/packd/core/infra/locks"
	"github.com/packd-io/packd/core/infra/logging"
	"github.com/packd-io/packd/core/infra/metrics"
	"github.com/packd-io/packd/core/pack"
	"github.com/packd-io/packd/core/sandbox"
)

// Launcher runs workflow-type packs on behalf of the manager. The
// workflow engine implements it; Launch returns the new run's id and
// Cancel is cooperative, taking effect at the next step boundary.
type Launcher interface {
	Launch(ctx context.Context, p *pack.Pack, instanceID string, env map[string]string) (string, error)
	Cancel(instanceID string)
}

// HistoryPurger removes an instance's run history on delete.
type HistoryPurger interface {
	PurgeRuns(ctx context.Context, instanceID string) error
}

// binding ties a running instance to its live runtime resources: the
// sandbox handles it holds, and for workflow packs the run id of the
// launch that owns the instance.
type binding struct {
	module     sandbox.ModuleHandle
	instance   sandbox.InstanceHandle
	hasSandbox bool
	launched   bool
	runID      string
}

// Manager drives the instance state machine. Exactly one transition per
// instance id runs at a time.
type Manager struct {
	instances   Repository
	packs       pack.Repository
	locks       *locks.Keyed
	runtime     *sandbox.Runtime
	launcher    Launcher
	history     HistoryPurger
	sandboxRoot string
	metrics     metrics.LifecycleMetrics
	events      bus.Publisher

	mu   sync.Mutex
	live map[string]*binding
}

// ManagerOptions wires a Manager. Launcher, History and Events may be nil.
type ManagerOptions struct {
	Instances   Repository
	Packs       pack.Repository
	Locks       *locks.Keyed
	Runtime     *sandbox.Runtime
	Launcher    Launcher
	History     HistoryPurger
	SandboxRoot string
	Metrics     metrics.LifecycleMetrics
	Events      bus.Publisher
}

// NewManager validates options and constructs a Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Instances == nil || opts.Packs == nil {
		return nil, fmt.Errorf("instance and pack repositories required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("lock table required")
	}
	if opts.Runtime == nil {
		return nil, fmt.Errorf("sandbox runtime required")
	}
	if opts.SandboxRoot == "" {
		return nil, fmt.Errorf("sandbox root required")
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	return &Manager{
		instances:   opts.Instances,
		packs:       opts.Packs,
		locks:       opts.Locks,
		runtime:     opts.Runtime,
		launcher:    opts.Launcher,
		history:     opts.History,
		sandboxRoot: opts.SandboxRoot,
		metrics:     m,
		events:      opts.Events,
		live:        make(map[string]*binding),
	}, nil
}

// Create registers a new stopped instance for an installed pack.
func (m *Manager) Create(ctx context.Context, packID, name string) (*Instance, error) {
	if _, err := m.packs.Get(ctx, packID); err != nil {
		return nil, err
	}
	inst := &Instance{
		ID:        uuid.NewString(),
		PackID:    packID,
		Name:      name,
		State:     StateStopped,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.instances.Save(ctx, inst); err != nil {
		return nil, fmt.Errorf("persist instance: %w", err)
	}
	m.metrics.IncTransition("create", "success")
	m.publish("instance.created", inst)
	return inst, nil
}

// Start brings an instance to RUNNING. Legal from STOPPED or PAUSED.
// Required secrets are checked before any sandbox work; the capability
// descriptor is rebuilt on every start since secrets may have changed.
func (m *Manager) Start(ctx context.Context, id string, env map[string]string) (*Instance, error) {
	m.locks.Acquire("instance:" + id)
	defer m.locks.Release("instance:" + id)

	inst, err := m.instances.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.State != StateStopped && inst.State != StatePaused {
		m.metrics.IncTransition("start", "illegal")
		return nil, fmt.Errorf("%w: start from %s", ErrIllegalTransition, inst.State)
	}
	p, err := m.packs.Get(ctx, inst.PackID)
	if err != nil {
		return nil, err
	}
	if missing := missingSecrets(p.Manifest.RequiredEnv, env); len(missing) > 0 {
		m.metrics.IncTransition("start", "missing_secrets")
		return nil, &MissingSecretsError{Keys: missing}
	}

	desc := capability.Build(m.sandboxRoot, p.ID, p.Manifest.Permissions, env, p.Manifest.Limits)

	switch p.Type {
	case pack.TypeWASM:
		if err := m.startWASM(ctx, inst, p, desc); err != nil {
			m.metrics.IncTransition("start", "failure")
			return nil, err
		}
	case pack.TypeWorkflow:
		if m.launcher == nil {
			return nil, fmt.Errorf("no workflow launcher configured")
		}
		b := &binding{launched: true}
		if p.Manifest.Module != "" {
			mh, ih, err := m.instantiate(ctx, p, p.Manifest.Module, desc)
			if err != nil {
				m.metrics.IncTransition("start", "failure")
				return nil, err
			}
			b.module, b.instance, b.hasSandbox = mh, ih, true
		}
		m.mu.Lock()
		m.live[inst.ID] = b
		m.mu.Unlock()
		runID, err := m.launcher.Launch(ctx, p, inst.ID, env)
		if err != nil {
			m.teardown(ctx, inst.ID)
			m.metrics.IncTransition("start", "failure")
			return nil, fmt.Errorf("launch workflow: %w", err)
		}
		m.mu.Lock()
		b.runID = runID
		m.mu.Unlock()
	default:
		return nil, fmt.Errorf("unknown pack type %q", p.Type)
	}

	now := time.Now().UTC()
	inst.State = StateRunning
	inst.StartedAt = &now
	if err := m.instances.Save(ctx, inst); err != nil {
		m.teardown(ctx, inst.ID)
		return nil, fmt.Errorf("persist instance: %w", err)
	}
	m.metrics.IncTransition("start", "success")
	m.publish("instance.started", inst)
	logging.Info("LIFECYCLE", "instance started", "instance", inst.ID, "pack", inst.PackID)
	return inst, nil
}

func (m *Manager) startWASM(ctx context.Context, inst *Instance, p *pack.Pack, desc capability.Descriptor) error {
	mh, ih, err := m.instantiate(ctx, p, p.Manifest.Entry, desc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.live[inst.ID] = &binding{module: mh, instance: ih, hasSandbox: true}
	m.mu.Unlock()
	return nil
}

// instantiate loads one of the pack's .wasm files and brings it up
// under the instance's capability descriptor.
func (m *Manager) instantiate(ctx context.Context, p *pack.Pack, entry string, desc capability.Descriptor) (sandbox.ModuleHandle, sandbox.InstanceHandle, error) {
	wasm, err := os.ReadFile(filepath.Join(p.InstallPath, filepath.FromSlash(entry)))
	if err != nil {
		return 0, 0, fmt.Errorf("read module %s: %w", entry, err)
	}
	mh, err := m.runtime.LoadModule(ctx, wasm)
	if err != nil {
		return 0, 0, err
	}
	ih, err := m.runtime.Instantiate(ctx, mh, desc)
	if err != nil {
		_ = m.runtime.DestroyModule(ctx, mh)
		return 0, 0, err
	}
	return mh, ih, nil
}

// Pause suspends a RUNNING instance. The sandbox instance is torn down;
// a later start rebuilds it from scratch.
func (m *Manager) Pause(ctx context.Context, id string) (*Instance, error) {
	m.locks.Acquire("instance:" + id)
	defer m.locks.Release("instance:" + id)

	inst, err := m.instances.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.State != StateRunning {
		m.metrics.IncTransition("pause", "illegal")
		return nil, fmt.Errorf("%w: pause from %s", ErrIllegalTransition, inst.State)
	}
	m.teardown(ctx, id)
	inst.State = StatePaused
	if err := m.instances.Save(ctx, inst); err != nil {
		return nil, fmt.Errorf("persist instance: %w", err)
	}
	m.metrics.IncTransition("pause", "success")
	m.publish("instance.paused", inst)
	return inst, nil
}

// Stop halts a RUNNING or PAUSED instance and records the exit.
func (m *Manager) Stop(ctx context.Context, id string) (*Instance, error) {
	m.locks.Acquire("instance:" + id)
	defer m.locks.Release("instance:" + id)
	return m.stopLocked(ctx, id, 0, "stopped")
}

func (m *Manager) stopLocked(ctx context.Context, id string, exitCode int, reason string) (*Instance, error) {
	inst, err := m.instances.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.State != StateRunning && inst.State != StatePaused {
		m.metrics.IncTransition("stop", "illegal")
		return nil, fmt.Errorf("%w: stop from %s", ErrIllegalTransition, inst.State)
	}
	m.teardown(ctx, id)
	now := time.Now().UTC()
	inst.State = StateStopped
	inst.StoppedAt = &now
	inst.LastExitCode = &exitCode
	inst.LastExitReason = reason
	if err := m.instances.Save(ctx, inst); err != nil {
		return nil, fmt.Errorf("persist instance: %w", err)
	}
	m.metrics.IncTransition("stop", "success")
	m.publish("instance.stopped", inst)
	logging.Info("LIFECYCLE", "instance stopped", "instance", inst.ID, "reason", reason)
	return inst, nil
}

// Delete removes an instance after an implicit stop, cascading any run
// history. Legal from any state.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.locks.Acquire("instance:" + id)
	defer m.locks.Release("instance:" + id)

	inst, err := m.instances.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst.State != StateStopped {
		if _, err := m.stopLocked(ctx, id, 0, "deleted"); err != nil {
			return err
		}
	}
	if m.history != nil {
		if err := m.history.PurgeRuns(ctx, id); err != nil {
			return fmt.Errorf("purge run history: %w", err)
		}
	}
	if err := m.instances.Delete(ctx, id); err != nil {
		return err
	}
	m.metrics.IncTransition("delete", "success")
	m.publish("instance.deleted", inst)
	return nil
}

// Call invokes an exported function on a RUNNING WASM instance. A trap
// or resource-limit failure stops the instance and records the reason;
// the host process is unaffected.
func (m *Manager) Call(ctx context.Context, id, fn string, argsJSON []byte) ([]byte, error) {
	m.locks.Acquire("instance:" + id)
	defer m.locks.Release("instance:" + id)

	inst, err := m.instances.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.State != StateRunning {
		return nil, fmt.Errorf("%w: call from %s", ErrIllegalTransition, inst.State)
	}
	m.mu.Lock()
	b := m.live[id]
	m.mu.Unlock()
	if b == nil || !b.hasSandbox {
		return nil, fmt.Errorf("instance %s has no callable sandbox", id)
	}
	out, err := m.runtime.Call(ctx, b.instance, fn, argsJSON)
	if err != nil {
		if errors.Is(err, sandbox.ErrRuntimeTrap) {
			_, _ = m.stopLocked(ctx, id, 1, "runtime trap: "+err.Error())
			return nil, err
		}
		if errors.Is(err, sandbox.ErrResourceLimit) {
			_, _ = m.stopLocked(ctx, id, 1, "resource limit exceeded")
			return nil, err
		}
		return nil, err
	}
	return out, nil
}

// Get returns one instance record.
func (m *Manager) Get(ctx context.Context, id string) (*Instance, error) {
	return m.instances.Get(ctx, id)
}

// List returns instance records, newest first.
func (m *Manager) List(ctx context.Context, limit int64) ([]*Instance, error) {
	return m.instances.List(ctx, limit)
}

// HasActiveInstance reports whether any instance of a pack is not
// stopped. The installer refuses reinstalls while one exists.
func (m *Manager) HasActiveInstance(ctx context.Context, packID string) (bool, error) {
	list, err := m.instances.ListByPack(ctx, packID)
	if err != nil {
		return false, err
	}
	for _, inst := range list {
		if inst.State != StateStopped {
			return true, nil
		}
	}
	return false, nil
}

// teardown releases whatever runtime resources the instance holds.
func (m *Manager) teardown(ctx context.Context, id string) {
	m.mu.Lock()
	b := m.live[id]
	delete(m.live, id)
	m.mu.Unlock()
	if b == nil {
		return
	}
	if b.hasSandbox {
		_ = m.runtime.DestroyInstance(ctx, b.instance)
		_ = m.runtime.DestroyModule(ctx, b.module)
	}
	if b.launched && m.launcher != nil {
		m.launcher.Cancel(id)
	}
}

// ReportWorkflowExit records the outcome of a workflow run that finished
// on its own. Stale reports are dropped: the exit applies only while the
// reporting run is still the instance's current one.
func (m *Manager) ReportWorkflowExit(instanceID, runID string, exitCode int, reason string) {
	m.locks.Acquire("instance:" + instanceID)
	defer m.locks.Release("instance:" + instanceID)

	m.mu.Lock()
	b := m.live[instanceID]
	current := b != nil && b.launched && b.runID == runID
	m.mu.Unlock()
	if !current {
		return
	}
	if _, err := m.stopLocked(context.Background(), instanceID, exitCode, reason); err != nil {
		logging.Warn("LIFECYCLE", "record workflow exit", "instance", instanceID, "error", err)
	}
}

func (m *Manager) publish(eventType string, inst *Instance) {
	if m.events == nil {
		return
	}
	_ = m.events.Publish(bus.EventSubject(eventType), &bus.Event{
		Type:       eventType,
		PackID:     inst.PackID,
		InstanceID: inst.ID,
		Data:       map[string]any{"state": string(inst.State)},
	})
}

func missingSecrets(required []string, env map[string]string) []string {
	var missing []string
	for _, key := range required {
		if _, ok := env[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}
