package extension

import (
	"context"
	"fmt"
	"plugin"
	"sync"

	"github.com/edgeplane/sentinel/pkg/errors"
)

// ABIVersion is the host's native-extension ABI version. A native
// extension's exported ABIVersion symbol must equal this exactly.
const ABIVersion = "1"

// NativeCreateFunc is the exported symbol a native extension's shared
// library must provide: Create(configJSON []byte) (Extension, error).
type NativeCreateFunc func(configJSON []byte) (Extension, error)

// NativeLoader opens a Go plugin (the stdlib equivalent of dlopen/
// libloading) and retains the handle for the extension's lifetime —
// Go's plugin.Open already keeps the library mapped for the process,
// matching the original's "handle retained in a shared pointer".
//
// Grounded on original_source/crates/neomind-core/src/extension/loader/native.rs's
// ABI-version check, metadata accessor, and create(config_json) entry
// point; Go has no cgo dylib-loading crate anywhere in this repository's
// dependency pack, so the stdlib `plugin` package is the closest
// ecosystem-idiomatic substitute for libloading.
type NativeLoader struct {
	mu       sync.Mutex
	retained []*plugin.Plugin
}

func NewNativeLoader() *NativeLoader {
	return &NativeLoader{}
}

// Load opens path, verifies its declared ABI version, and invokes its
// Create entry point with configJSON.
func (l *NativeLoader) Load(path string, configJSON []byte) (ext Extension, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("native extension %s panicked during load: %v", path, r)
		}
	}()

	p, openErr := plugin.Open(path)
	if openErr != nil {
		return nil, fmt.Errorf("open native extension %s: %w", path, openErr)
	}

	abiSym, lookupErr := p.Lookup("ABIVersion")
	if lookupErr != nil {
		return nil, fmt.Errorf("native extension %s missing ABIVersion symbol: %w", path, lookupErr)
	}
	abi, ok := abiSym.(*string)
	if !ok {
		return nil, fmt.Errorf("native extension %s: ABIVersion symbol has wrong type", path)
	}
	if *abi != ABIVersion {
		return nil, errors.NewIncompatibleVersionError(
			fmt.Sprintf("native extension %s declares ABI %q, host expects %q", path, *abi, ABIVersion))
	}

	createSym, lookupErr := p.Lookup("Create")
	if lookupErr != nil {
		return nil, fmt.Errorf("native extension %s missing Create symbol: %w", path, lookupErr)
	}
	create, ok := createSym.(func([]byte) (Extension, error))
	if !ok {
		return nil, fmt.Errorf("native extension %s: Create symbol has wrong signature", path)
	}

	inner, createErr := create(configJSON)
	if createErr != nil {
		return nil, fmt.Errorf("native extension %s Create failed: %w", path, createErr)
	}

	l.mu.Lock()
	l.retained = append(l.retained, p)
	l.mu.Unlock()

	return &panicSafeExtension{inner: inner}, nil
}

// panicSafeExtension wraps every FFI call to a native extension in a
// panic catcher, converting panics to typed errors instead of aborting
// the host process.
type panicSafeExtension struct {
	inner Extension
}

func (e *panicSafeExtension) Metadata() Metadata { return e.inner.Metadata() }

func (e *panicSafeExtension) ExecuteCommand(ctx context.Context, cmd string, args map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("native extension %s panicked executing %q: %v", e.inner.Metadata().ID, cmd, r)
		}
	}()
	return e.inner.ExecuteCommand(ctx, cmd, args)
}

func (e *panicSafeExtension) ProduceMetrics(ctx context.Context) (metrics []MetricValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("native extension %s panicked producing metrics: %v", e.inner.Metadata().ID, r)
		}
	}()
	return e.inner.ProduceMetrics(ctx)
}

func (e *panicSafeExtension) HealthCheck(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return e.inner.HealthCheck(ctx)
}

func (e *panicSafeExtension) Close() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("native extension %s panicked on close: %v", e.inner.Metadata().ID, r)
		}
	}()
	return e.inner.Close()
}
