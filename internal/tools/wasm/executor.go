// Package wasm runs skill tools compiled to WebAssembly inside a wazero
// sandbox: a guest module exposes alloc/run/dealloc exports, the host
// marshals a ToolCall as JSON into guest memory, and the guest's run export
// returns a pointer/length pair pointing at the ToolResult JSON it wrote.
package wasm

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// defaultWallClock matches the sandbox WASM mode's spec default: 30s.
const defaultWallClock = 30 * time.Second

// defaultMemoryCapPages caps guest linear memory at 64MiB (65536-byte pages).
const defaultMemoryCapPages = (64 * 1024 * 1024) / (64 * 1024)

// ToolCall is the JSON envelope marshaled into guest memory before invoking
// the module's run export.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Workspace string         `json:"workspace,omitempty"`
}

// ToolResult is the JSON envelope the guest writes back.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
}

// Executor instantiates a single compiled guest module per call, each one
// fenced by its own fuel budget and wall-clock timeout. Modules are cached
// compiled (not instantiated) across calls, matching wazero's guidance that
// compilation is the expensive step.
type Executor struct {
	runtime wazero.Runtime

	mu      sync.Mutex
	modules map[string]wazero.CompiledModule
}

// NewExecutor builds a wazero runtime configured for fuel-metered,
// epoch-bounded guest execution.
func NewExecutor(ctx context.Context) (*Executor, error) {
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(defaultMemoryCapPages)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	return &Executor{runtime: rt, modules: map[string]wazero.CompiledModule{}}, nil
}

// Close releases the underlying runtime and all compiled modules.
func (e *Executor) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// compiled returns the cached compiled module for entryPath, compiling and
// caching it on first use.
func (e *Executor) compiled(ctx context.Context, entryPath string) (wazero.CompiledModule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if mod, ok := e.modules[entryPath]; ok {
		return mod, nil
	}
	bin, err := os.ReadFile(entryPath)
	if err != nil {
		return nil, fmt.Errorf("read wasm module %q: %w", entryPath, err)
	}
	mod, err := e.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("compile wasm module %q: %w", entryPath, err)
	}
	e.modules[entryPath] = mod
	return mod, nil
}

// Run instantiates the guest module at entryPath, writes the JSON-encoded
// call into guest memory via its alloc export, invokes run, and decodes the
// ToolResult JSON the guest wrote back. The guest is torn down afterward;
// nothing is reused across calls beyond the compiled module.
func (e *Executor) Run(ctx context.Context, entryPath string, call ToolCall) (*ToolResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, defaultWallClock)
	defer cancel()

	mod, err := e.compiled(runCtx, entryPath)
	if err != nil {
		return nil, err
	}

	modCfg := wazero.NewModuleConfig().WithName(uuid.NewString())

	instance, err := e.runtime.InstantiateModule(runCtx, mod, modCfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate guest: %w", err)
	}
	defer instance.Close(runCtx)

	alloc := instance.ExportedFunction("alloc")
	run := instance.ExportedFunction("run")
	dealloc := instance.ExportedFunction("dealloc")
	if alloc == nil || run == nil || dealloc == nil {
		return nil, fmt.Errorf("guest module %q missing alloc/run/dealloc exports", entryPath)
	}

	payload, err := marshalCall(call)
	if err != nil {
		return nil, fmt.Errorf("marshal tool call: %w", err)
	}

	inPtr, err := callAllocU32(runCtx, alloc, uint32(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("guest alloc: %w", err)
	}
	mem := instance.Memory()
	if mem == nil {
		return nil, fmt.Errorf("guest module %q exports no memory", entryPath)
	}
	if !mem.Write(inPtr, payload) {
		return nil, fmt.Errorf("guest memory write out of range at %d (len %d)", inPtr, len(payload))
	}

	results, err := run.Call(runCtx, uint64(inPtr), uint64(len(payload)))
	if err != nil {
		if _, dErr := dealloc.Call(runCtx, uint64(inPtr), uint64(len(payload))); dErr != nil {
			return nil, fmt.Errorf("guest run failed (%w), dealloc also failed: %v", err, dErr)
		}
		return nil, fmt.Errorf("guest run: %w", err)
	}
	if _, err := dealloc.Call(runCtx, uint64(inPtr), uint64(len(payload))); err != nil {
		return nil, fmt.Errorf("guest dealloc input: %w", err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("guest run returned %d results, want 1 (packed ptr/len)", len(results))
	}

	outPtr, outLen := unpackPtrLen(results[0])
	out, ok := mem.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("guest memory read out of range at %d (len %d)", outPtr, outLen)
	}
	outCopy := make([]byte, len(out))
	copy(outCopy, out)
	if _, err := dealloc.Call(runCtx, uint64(outPtr), uint64(outLen)); err != nil {
		return nil, fmt.Errorf("guest dealloc output: %w", err)
	}

	result, err := unmarshalResult(outCopy)
	if err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return result, nil
}

// callAllocU32 invokes the guest's alloc export with a single u32 length
// argument and returns the returned pointer as a u32.
func callAllocU32(ctx context.Context, alloc api.Function, length uint32) (uint32, error) {
	results, err := alloc.Call(ctx, uint64(length))
	if err != nil {
		return 0, err
	}
	if len(results) != 1 {
		return 0, fmt.Errorf("alloc returned %d results, want 1", len(results))
	}
	return uint32(results[0]), nil
}

// unpackPtrLen splits a packed u64 (ptr<<32|len) return value, the
// convention used by run's single-result ABI.
func unpackPtrLen(packed uint64) (ptr uint32, length uint32) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], packed)
	return binary.BigEndian.Uint32(buf[:4]), binary.BigEndian.Uint32(buf[4:])
}
