package sandbox

import (
	"context"

	"github.com/packd-io/packd/core/capability"
)

// Engine is the pluggable execution backend behind the handle facade.
type Engine interface {
	Compile(ctx context.Context, wasm []byte) (CompiledModule, error)
}

// CompiledModule is a validated module ready to instantiate.
type CompiledModule interface {
	Instantiate(ctx context.Context, desc capability.Descriptor) (Instance, error)
	Close(ctx context.Context) error
}

// Instance is one live guest. Calls are serialized by the caller per
// instance; Close is idempotent.
type Instance interface {
	Call(ctx context.Context, fn string, argsJSON []byte) ([]byte, error)
	Close(ctx context.Context) error
}
