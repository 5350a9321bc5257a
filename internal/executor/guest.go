package executor

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// callPacked invokes a guest export that takes (ptr, len) of an input
// buffer (omitted when input is nil) and returns a packed
// (ptr<<32 | len) pointing at its output buffer. The output is copied
// out and the guest buffer deallocated before returning.
func callPacked(ctx context.Context, mod api.Module, name string, input []byte) ([]byte, error) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("component does not export %q", name)
	}

	var callArgs []uint64
	if input != nil {
		ptr, err := writeGuestBuffer(ctx, mod, input)
		if err != nil {
			return nil, err
		}
		defer deallocate(ctx, mod, ptr, uint32(len(input)))
		callArgs = []uint64{uint64(ptr), uint64(len(input))}
	}

	results, err := fn.Call(ctx, callArgs...)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s returned no results", name)
	}

	packed := results[0]
	ptr := uint32(packed >> 32)
	size := uint32(packed & 0xFFFFFFFF)
	if ptr == 0 || size == 0 {
		return nil, fmt.Errorf("%s returned a null buffer", name)
	}
	return readGuestBuffer(ctx, mod, ptr, size)
}

// writeGuestBuffer allocates guest memory via the allocate export and
// copies data into it.
func writeGuestBuffer(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	allocFn := mod.ExportedFunction("allocate")
	if allocFn == nil {
		return 0, fmt.Errorf("component does not export allocate")
	}
	results, err := allocFn.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("allocate guest buffer: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("allocate returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("allocate returned a null pointer")
	}
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("write guest memory at %d", ptr)
	}
	return ptr, nil
}

// readGuestBuffer copies size bytes out of guest memory and
// deallocates the guest's buffer.
func readGuestBuffer(ctx context.Context, mod api.Module, ptr, size uint32) ([]byte, error) {
	defer deallocate(ctx, mod, ptr, size)

	data, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("read guest memory at %d (%d bytes)", ptr, size)
	}
	out := make([]byte, size)
	copy(out, data)
	return out, nil
}

// deallocate is best effort: a missing export or a failing call only
// leaks guest memory inside an instance that is about to be torn down.
func deallocate(ctx context.Context, mod api.Module, ptr, size uint32) {
	defer func() { _ = recover() }()
	if fn := mod.ExportedFunction("deallocate"); fn != nil {
		_, _ = fn.Call(ctx, uint64(ptr), uint64(size))
	}
}
