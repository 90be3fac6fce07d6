package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/packd-io/packd/core/capability"
)

const (
	allocExport = "alloc"
	// wasmPageBytes is the fixed WebAssembly page size.
	wasmPageBytes = 64 * 1024
)

// WazeroEngine runs guests on the pure-Go wazero runtime with WASI
// preview1. Memory limits are enforced by the runtime configuration;
// the CPU budget becomes a wall-clock deadline per call, with the guest
// closed when it is exceeded.
type WazeroEngine struct{}

// NewWazeroEngine constructs the engine.
func NewWazeroEngine() *WazeroEngine {
	return &WazeroEngine{}
}

// Compile validates the module bytes. wazero ties compiled code to a
// runtime and the memory limit is per-descriptor, so the real compile
// happens again at instantiation against the instance's own runtime.
func (e *WazeroEngine) Compile(ctx context.Context, wasm []byte) (CompiledModule, error) {
	probe := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig())
	defer probe.Close(ctx)
	compiled, err := probe.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("validate module: %w", err)
	}
	_ = compiled.Close(ctx)
	return &wazeroModule{wasm: bytes.Clone(wasm)}, nil
}

type wazeroModule struct {
	wasm []byte
}

func (m *wazeroModule) Instantiate(ctx context.Context, desc capability.Descriptor) (Instance, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if desc.MemoryLimitMB > 0 {
		cfg = cfg.WithMemoryLimitPages(uint32(desc.MemoryLimitMB * (1 << 20) / wasmPageBytes))
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, m.wasm)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}

	fsCfg := wazero.NewFSConfig()
	for _, p := range desc.PreopenDirs {
		if err := os.MkdirAll(p.HostPath, 0o755); err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("create preopen dir %s: %w", p.GuestPath, err)
		}
		if p.Readonly {
			fsCfg = fsCfg.WithReadOnlyDirMount(p.HostPath, p.GuestPath)
		} else {
			fsCfg = fsCfg.WithDirMount(p.HostPath, p.GuestPath)
		}
	}

	stdout := &bytes.Buffer{}
	modCfg := wazero.NewModuleConfig().
		WithFSConfig(fsCfg).
		WithStdout(stdout).
		WithStartFunctions() // exports are invoked explicitly, never _start
	if desc.InheritStderr {
		modCfg = modCfg.WithStderr(os.Stderr)
	}
	for k, v := range desc.EnvVars {
		modCfg = modCfg.WithEnv(k, v)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, mapGuestError(ctx, err)
	}

	return &wazeroInstance{
		runtime:   rt,
		module:    mod,
		stdout:    stdout,
		cpuBudget: time.Duration(desc.CPULimitMsPerSec) * time.Millisecond,
	}, nil
}

func (m *wazeroModule) Close(context.Context) error {
	m.wasm = nil
	return nil
}

type wazeroInstance struct {
	runtime   wazero.Runtime
	module    api.Module
	stdout    *bytes.Buffer
	cpuBudget time.Duration

	mu     sync.Mutex
	closed bool
}

// Call writes argsJSON into guest memory via the exported alloc, invokes
// fn(ptr, len) and treats the guest's stdout during the call as the
// result JSON. A non-zero status is a trap.
func (i *wazeroInstance) Call(ctx context.Context, fn string, argsJSON []byte) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, fmt.Errorf("%w: instance closed", ErrInvalidHandle)
	}

	target := i.module.ExportedFunction(fn)
	if target == nil {
		return nil, fmt.Errorf("%w: function %s not exported", ErrRuntimeTrap, fn)
	}

	if i.cpuBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cpuBudget)
		defer cancel()
	}

	var ptr, length uint64
	if len(argsJSON) > 0 {
		alloc := i.module.ExportedFunction(allocExport)
		if alloc == nil {
			return nil, fmt.Errorf("%w: module does not export %s", ErrRuntimeTrap, allocExport)
		}
		res, err := alloc.Call(ctx, uint64(len(argsJSON)))
		if err != nil {
			return nil, mapGuestError(ctx, err)
		}
		ptr = res[0]
		length = uint64(len(argsJSON))
		if !i.module.Memory().Write(uint32(ptr), argsJSON) {
			return nil, fmt.Errorf("%w: alloc returned out-of-range pointer", ErrRuntimeTrap)
		}
	}

	i.stdout.Reset()
	res, err := target.Call(ctx, ptr, length)
	if err != nil {
		return nil, mapGuestError(ctx, err)
	}
	if len(res) > 0 && int32(res[0]) != 0 {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrRuntimeTrap, fn, int32(res[0]))
	}
	out := make([]byte, i.stdout.Len())
	copy(out, i.stdout.Bytes())
	return out, nil
}

func (i *wazeroInstance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	return i.runtime.Close(ctx)
}

// mapGuestError folds wazero failures into the facade's taxonomy.
func mapGuestError(ctx context.Context, err error) error {
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return fmt.Errorf("%w: cpu budget exhausted", ErrResourceLimit)
		case sys.ExitCodeContextCanceled:
			return fmt.Errorf("call cancelled: %w", context.Canceled)
		default:
			return fmt.Errorf("%w: guest exited with code %d", ErrRuntimeTrap, exit.ExitCode())
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: cpu budget exhausted", ErrResourceLimit)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("call cancelled: %w", err)
	}
	// Memory growth beyond the configured page limit surfaces as an
	// allocation failure inside the guest.
	return fmt.Errorf("%w: %v", ErrRuntimeTrap, err)
}
