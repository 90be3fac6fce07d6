// Package sandbox is the opaque-handle facade over the embedded WASM
// engine. Callers own uint64 handles; instances must be destroyed before
// their module; any operation on a destroyed handle fails.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/packd-io/packd/core/capability"
)

var (
	// ErrInvalidHandle marks an operation on an unknown or destroyed handle.
	ErrInvalidHandle = errors.New("invalid sandbox handle")
	// ErrRuntimeTrap marks a fault inside guest code. Terminal for the
	// instance, harmless to the host.
	ErrRuntimeTrap = errors.New("sandbox runtime trap")
	// ErrResourceLimit marks a memory or CPU budget violation.
	ErrResourceLimit = errors.New("sandbox resource limit exceeded")
)

// ModuleHandle identifies a loaded module.
type ModuleHandle uint64

// InstanceHandle identifies a live instance of a module.
type InstanceHandle uint64

// Runtime owns the handle arena. All methods are safe for concurrent use.
type Runtime struct {
	engine Engine

	mu        sync.Mutex
	nextID    uint64
	modules   map[ModuleHandle]*moduleEntry
	instances map[InstanceHandle]*instanceEntry
}

type moduleEntry struct {
	compiled CompiledModule
	live     int
}

type instanceEntry struct {
	parent   ModuleHandle
	instance Instance
}

// NewRuntime constructs a runtime over an engine backend.
func NewRuntime(engine Engine) *Runtime {
	return &Runtime{
		engine:    engine,
		modules:   make(map[ModuleHandle]*moduleEntry),
		instances: make(map[InstanceHandle]*instanceEntry),
	}
}

// LoadModule compiles wasm bytes and returns a module handle.
func (r *Runtime) LoadModule(ctx context.Context, wasm []byte) (ModuleHandle, error) {
	if len(wasm) == 0 {
		return 0, fmt.Errorf("load module: empty module bytes")
	}
	compiled, err := r.engine.Compile(ctx, wasm)
	if err != nil {
		return 0, fmt.Errorf("compile module: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	h := ModuleHandle(r.nextID)
	r.modules[h] = &moduleEntry{compiled: compiled}
	return h, nil
}

// Instantiate creates an instance of a loaded module under a capability
// descriptor. The instance borrows from its module: the module cannot be
// destroyed while the instance lives.
func (r *Runtime) Instantiate(ctx context.Context, module ModuleHandle, desc capability.Descriptor) (InstanceHandle, error) {
	r.mu.Lock()
	entry, ok := r.modules[module]
	if !ok {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: module %d", ErrInvalidHandle, module)
	}
	entry.live++
	r.mu.Unlock()

	inst, err := entry.compiled.Instantiate(ctx, desc)
	if err != nil {
		r.mu.Lock()
		entry.live--
		r.mu.Unlock()
		return 0, fmt.Errorf("instantiate module: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	h := InstanceHandle(r.nextID)
	r.instances[h] = &instanceEntry{parent: module, instance: inst}
	return h, nil
}

// Call invokes an exported function with a JSON argument payload and
// returns the JSON result. May fail with ErrRuntimeTrap or
// ErrResourceLimit; both leave the handle valid for teardown only.
func (r *Runtime) Call(ctx context.Context, instance InstanceHandle, fn string, argsJSON []byte) ([]byte, error) {
	r.mu.Lock()
	entry, ok := r.instances[instance]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: instance %d", ErrInvalidHandle, instance)
	}
	return entry.instance.Call(ctx, fn, argsJSON)
}

// DestroyInstance tears down an instance and releases its module borrow.
func (r *Runtime) DestroyInstance(ctx context.Context, instance InstanceHandle) error {
	r.mu.Lock()
	entry, ok := r.instances[instance]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: instance %d", ErrInvalidHandle, instance)
	}
	delete(r.instances, instance)
	if parent, ok := r.modules[entry.parent]; ok {
		parent.live--
	}
	r.mu.Unlock()
	if err := entry.instance.Close(ctx); err != nil {
		return fmt.Errorf("close instance: %w", err)
	}
	return nil
}

// DestroyModule releases a module. Fails while any of its instances live.
func (r *Runtime) DestroyModule(ctx context.Context, module ModuleHandle) error {
	r.mu.Lock()
	entry, ok := r.modules[module]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: module %d", ErrInvalidHandle, module)
	}
	if entry.live > 0 {
		r.mu.Unlock()
		return fmt.Errorf("destroy module %d: %d live instances", module, entry.live)
	}
	delete(r.modules, module)
	r.mu.Unlock()
	if err := entry.compiled.Close(ctx); err != nil {
		return fmt.Errorf("close module: %w", err)
	}
	return nil
}

// Close destroys every live instance and module.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	instances := r.instances
	modules := r.modules
	r.instances = make(map[InstanceHandle]*instanceEntry)
	r.modules = make(map[ModuleHandle]*moduleEntry)
	r.mu.Unlock()

	var firstErr error
	for _, e := range instances {
		if err := e.instance.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, e := range modules {
		if err := e.compiled.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
