// Package executor runs tool calls against freshly instantiated
// component instances under a compiled sandbox template.
//
// Each component is compiled once into an Image; every call
// instantiates the image against its own invocation context: cloned
// filesystem pre-opens, captured environment, a fuel meter, and a
// wall-clock deadline. Three termination conditions are monitored
// simultaneously: success, trap (including fuel exhaustion and
// out-of-bounds memory access), and deadline exceedance. A
// per-call failure never taints the image or the template.
//
// The guest ABI follows the JSON-passing convention: the component
// exports `describe`, `allocate`, and `deallocate`, plus one export
// per tool function taking (ptr, len) of a JSON argument object and
// returning a packed (ptr<<32 | len) pointing at the JSON result.
// Mediated host calls live in the "wassette_host" module; a denied
// host call returns the call's error value to the guest, never a trap.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wassette/wassette/internal/policy"
)

// Failure taxa of a tool call.
var (
	ErrInvalidComponent = errors.New("bytes are not a valid component")
	ErrResourceExceeded = errors.New("resource ceiling exceeded")
	ErrTimeout          = errors.New("execution deadline exceeded")
	ErrCancelled        = errors.New("call cancelled")
	ErrTrap             = errors.New("component trapped")
)

const wasmPageSize = 65536

// requiredExports every component must provide for the host to drive it.
var requiredExports = []string{"describe", "allocate", "deallocate"}

// Engine owns nothing but the knowledge of how to compile images; each
// image carries its own wazero runtime so its memory ceiling is fixed
// at compile time.
type Engine struct{}

// NewEngine creates an executor engine.
func NewEngine() *Engine { return &Engine{} }

// Image is a compiled, immutable component image shared by all
// instantiations. Close releases the runtime; in-flight calls must
// have drained first (the lifecycle manager guarantees this).
type Image struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	memBytes uint64
}

// Compile validates component bytes and compiles them into an Image
// with the given linear-memory ceiling. Compilation failure means the
// bytes are not a valid component.
func (e *Engine) Compile(ctx context.Context, wasm []byte, memLimitBytes uint64) (*Image, error) {
	pages := uint32((memLimitBytes + wasmPageSize - 1) / wasmPageSize)
	if pages == 0 {
		pages = 1
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(pages)

	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	if err := instantiateHostModule(ctx, r); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	// Fuel instrumentation is baked at compile time; the meter itself
	// arrives per call through the invocation context.
	cctx := experimental.WithFunctionListenerFactory(ctx, meterFactory{})
	compiled, err := r.CompileModule(cctx, wasm)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("%w: %v", ErrInvalidComponent, err)
	}

	exports := compiled.ExportedFunctions()
	for _, name := range requiredExports {
		if _, ok := exports[name]; !ok {
			r.Close(ctx)
			return nil, fmt.Errorf("%w: missing required export %q", ErrInvalidComponent, name)
		}
	}

	return &Image{runtime: r, compiled: compiled, memBytes: memLimitBytes}, nil
}

// MemoryLimit returns the ceiling the image was compiled with. The
// lifecycle manager recompiles when a policy change moves it.
func (img *Image) MemoryLimit() uint64 { return img.memBytes }

// Close releases the image's runtime and all compiled code.
func (img *Image) Close(ctx context.Context) error {
	return img.runtime.Close(ctx)
}

// Describe instantiates the image once with a deny-all sandbox and
// calls the describe export, returning the raw interface descriptor.
// Used at registration time, before any policy is attached.
func (img *Image) Describe(ctx context.Context, defaults policy.ResourceLimits) ([]byte, error) {
	tpl := policy.DefaultDeny(defaults)
	inv := newInvocation("describe", tpl)
	data, _, err := img.run(ctx, inv, "describe", nil)
	if err != nil {
		return nil, fmt.Errorf("describe export: %w", err)
	}
	return data, nil
}

// Invoke runs one exported function with a JSON argument object under
// the given sandbox template. It returns the raw JSON result and the
// finished invocation (terminal state, fuel spent).
func (img *Image) Invoke(ctx context.Context, fnName string, argsJSON []byte, tpl *policy.Template, opts InvokeOptions) ([]byte, *Invocation, error) {
	inv := newInvocation(fnName, tpl)
	inv.onDenied = opts.OnDenied

	data, final, err := img.run(ctx, inv, fnName, argsJSON)
	return data, final, err
}

// InvokeOptions carries per-call hooks.
type InvokeOptions struct {
	// OnDenied is invoked (if set) every time the sandbox denies a host
	// call during this invocation.
	OnDenied func(kind, detail string)
}

// run drives the full call lifecycle: instantiate, invoke, tear down.
func (img *Image) run(ctx context.Context, inv *Invocation, fnName string, argsJSON []byte) ([]byte, *Invocation, error) {
	limits := inv.template.Limits()

	// A zero fuel ceiling terminates before the first guest
	// instruction runs.
	if inv.fuel.Remaining() == 0 {
		inv.finish(StateTrapped)
		return nil, inv, fmt.Errorf("%w: fuel ceiling is zero", ErrResourceExceeded)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if limits.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	inv.deadlineCancel = cancel

	callCtx = withInvocation(callCtx, inv)

	mod, err := img.instantiate(callCtx, inv)
	if err != nil {
		// Fail-closed: any linkage error fails the call cleanly.
		inv.finish(StateTrapped)
		return nil, inv, fmt.Errorf("instantiate component: %w", err)
	}
	defer mod.Close(callCtx)

	if !inv.transition(StateReady, StateRunning) {
		return nil, inv, fmt.Errorf("%w: invocation not ready", ErrCancelled)
	}

	result, callErr := callPacked(callCtx, mod, fnName, argsJSON)
	if callErr != nil {
		return nil, inv, img.classify(ctx, inv, callErr)
	}

	inv.finish(StateSucceeded)
	return result, inv, nil
}

// instantiate creates the per-call instance: fresh linear memory, the
// template's pre-opened directories and captured environment, no
// ambient authority beyond them.
func (img *Image) instantiate(ctx context.Context, inv *Invocation) (api.Module, error) {
	fsCfg := wazero.NewFSConfig()
	for _, pre := range inv.template.Preopens() {
		if pre.Writable {
			fsCfg = fsCfg.WithDirMount(pre.HostPath, pre.HostPath)
		} else {
			fsCfg = fsCfg.WithReadOnlyDirMount(pre.HostPath, pre.HostPath)
		}
	}

	modCfg := wazero.NewModuleConfig().
		WithName(""). // anonymous: parallel instantiations never collide
		WithFSConfig(fsCfg).
		WithSysWalltime().
		WithSysNanotime()

	for k, v := range inv.template.Env() {
		modCfg = modCfg.WithEnv(k, v)
	}

	return img.runtime.InstantiateModule(ctx, img.compiled, modCfg)
}

// classify maps a failed call onto the taxonomy. Order matters: fuel
// exhaustion sets its flag before cancelling the context, so it is
// checked first; then the deadline; then external cancellation; what
// remains is a genuine trap.
func (img *Image) classify(ctx context.Context, inv *Invocation, callErr error) error {
	switch {
	case inv.fuel.Exhausted():
		inv.finish(StateTrapped)
		return fmt.Errorf("%w: fuel exhausted after %d units", ErrResourceExceeded, inv.fuel.Spent())
	case errors.Is(callErr, context.DeadlineExceeded) || inv.deadlinePassed():
		inv.finish(StateTimedOut)
		return fmt.Errorf("%w: after %s", ErrTimeout, inv.template.Limits().Timeout)
	case errors.Is(callErr, context.Canceled) || ctx.Err() != nil:
		inv.finish(StateCancelled)
		return fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
	default:
		inv.finish(StateTrapped)
		log.Debug().Err(callErr).Str("fn", inv.fnName).Msg("Component trapped")
		return fmt.Errorf("%w: %v", ErrTrap, callErr)
	}
}
