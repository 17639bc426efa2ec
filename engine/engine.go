// Package engine implements the native backend on a wazero runtime. The
// native world is a WebAssembly module (the "world module") exporting
// linear memory, malloc/free and the ownership helpers; native libraries
// are further modules registered by name and instantiated on demand,
// sharing the world's exports through normal import resolution.
//
// Callbacks cross the boundary through a "bridge" host module: library
// code invokes closures by calling bridge.closure_invoke with the two
// 64-bit closure words it was handed, and releases them through
// bridge.closure_release (or by invoking the fixed unref word).
package engine

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	nativebridge "github.com/wippyai/native-bridge"
	"github.com/wippyai/native-bridge/errors"
)

// Exported names the world module must (or may) provide.
const (
	worldMalloc = "malloc"
	worldFree   = "free"

	helperObjectRef    = "object_ref"
	helperObjectUnref  = "object_unref"
	helperObjectSink   = "object_ref_sink"
	helperBoxedCopy    = "boxed_copy"
	helperBoxedFree    = "boxed_free"
	helperVariantSink  = "variant_ref_sink"
	helperVariantUnref = "variant_unref"
	helperStringFree   = "string_free"
	helperStrvFree     = "strv_free"
	helperListFree     = "list_free"
	helperSinglyFree   = "slist_free"
)

// Config holds configuration for engine creation.
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages
	// (64KB each). 0 means the wazero default.
	MemoryLimitPages uint32
}

// Engine is a wazero-backed native backend.
type Engine struct {
	runtime wazero.Runtime

	mu      sync.Mutex
	modules map[string][]byte
	opened  map[string]*Library
	helpers map[string]api.Function

	world  api.Module
	memory api.Module // module owning the exported linear memory
	malloc api.Function
	free   api.Function

	closures map[uint64]nativebridge.ClosureFunc
	nextClos uint64
}

var _ nativebridge.Backend = (*Engine)(nil)

// New creates an engine, instantiates the bridge host module and then
// the world module under the name "env".
func New(ctx context.Context, worldWasm []byte, cfg *Config) (*Engine, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	e := &Engine{
		runtime:  wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		modules:  make(map[string][]byte),
		opened:   make(map[string]*Library),
		helpers:  make(map[string]api.Function),
		closures: make(map[uint64]nativebridge.ClosureFunc),
		nextClos: 1,
	}

	if err := e.instantiateBridgeModule(ctx); err != nil {
		_ = e.runtime.Close(ctx)
		return nil, err
	}

	world, err := e.runtime.InstantiateWithConfig(ctx, worldWasm,
		wazero.NewModuleConfig().WithName("env"))
	if err != nil {
		_ = e.runtime.Close(ctx)
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "instantiating world module")
	}
	e.world = world
	e.memory = world

	if world.Memory() == nil {
		_ = e.runtime.Close(ctx)
		return nil, errors.InvalidInput(errors.PhaseLoad, "world module exports no memory")
	}
	e.malloc = world.ExportedFunction(worldMalloc)
	e.free = world.ExportedFunction(worldFree)
	if e.malloc == nil || e.free == nil {
		_ = e.runtime.Close(ctx)
		return nil, errors.InvalidInput(errors.PhaseLoad, "world module must export malloc and free")
	}

	Logger().Debug("engine ready", zap.Int("world_exports", len(world.ExportedFunctionDefinitions())))
	return e, nil
}

// Register makes a library module available under name. Open compiles
// and instantiates it on first use.
func (e *Engine) Register(name string, wasm []byte) {
	e.mu.Lock()
	e.modules[name] = wasm
	e.mu.Unlock()
}

// Open instantiates a registered library module, or returns the already
// open instance.
func (e *Engine) Open(ctx context.Context, name string) (nativebridge.Library, error) {
	e.mu.Lock()
	if lib, ok := e.opened[name]; ok {
		e.mu.Unlock()
		return lib, nil
	}
	wasm, ok := e.modules[name]
	e.mu.Unlock()
	if !ok {
		return nil, errors.NotFound(errors.PhaseLoad, "library", name)
	}

	mod, err := e.runtime.InstantiateWithConfig(ctx, wasm,
		wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "instantiating "+name)
	}
	lib := &Library{name: name, module: mod}

	e.mu.Lock()
	e.opened[name] = lib
	e.mu.Unlock()
	Logger().Debug("library opened", zap.String("name", name))
	return lib, nil
}

func (e *Engine) Memory() nativebridge.Memory {
	return &wasmMemory{mem: e.memory.Memory()}
}

func (e *Engine) Allocator() nativebridge.Allocator {
	return &wasmAllocator{engine: e}
}

func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Library is an instantiated library module.
type Library struct {
	name   string
	module api.Module
}

func (l *Library) Name() string { return l.name }

// Exports lists the library's exported function names, sorted.
func (l *Library) Exports() []string {
	defs := l.module.ExportedFunctionDefinitions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Signature renders an exported function's wasm signature for display.
func (l *Library) Signature(name string) string {
	def, ok := l.module.ExportedFunctionDefinitions()[name]
	if !ok {
		return ""
	}
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range def.ParamTypes() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(api.ValueTypeName(p))
	}
	b.WriteByte(')')
	if results := def.ResultTypes(); len(results) > 0 {
		b.WriteString(" -> ")
		b.WriteString(api.ValueTypeName(results[0]))
	}
	return b.String()
}

// Symbol resolves an exported function.
func (l *Library) Symbol(name string) (nativebridge.Function, error) {
	fn := l.module.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseLoad, "symbol", name)
	}
	return &function{name: name, fn: fn}, nil
}

type function struct {
	name string
	fn   api.Function
}

func (f *function) Invoke(ctx context.Context, args []uint64) ([]uint64, error) {
	results, err := f.fn.Call(ctx, args...)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// helper resolves a world export used by the ownership operations,
// caching the lookup. A missing export is an unsupported operation, not
// a crash: worlds without reference counting simply never get these
// calls from well-typed descriptors.
func (e *Engine) helper(name string) (api.Function, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn, ok := e.helpers[name]; ok {
		return fn, nil
	}
	fn := e.world.ExportedFunction(name)
	if fn == nil {
		return nil, errors.Unsupported(errors.PhaseRegistry, "world module does not export "+name)
	}
	e.helpers[name] = fn
	return fn, nil
}

func (e *Engine) callHelper(name string, args ...uint64) (uint64, error) {
	fn, err := e.helper(name)
	if err != nil {
		return 0, err
	}
	return e.call(fn, name, args)
}

func (e *Engine) call(fn api.Function, name string, args []uint64) (uint64, error) {
	results, err := fn.Call(context.Background(), args...)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseRegistry, errors.KindCallFailed, err, name)
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0], nil
}

// boxedFn resolves a boxed helper. A library may export copy and free
// functions for its own boxed types; when the owning library is named
// and open, its export wins over the world's.
func (e *Engine) boxedFn(name, lib string) (api.Function, error) {
	if lib != "" {
		e.mu.Lock()
		l, ok := e.opened[lib]
		e.mu.Unlock()
		if ok {
			if fn := l.module.ExportedFunction(name); fn != nil {
				return fn, nil
			}
		}
	}
	return e.helper(name)
}

// wasmWord checks that a pointer fits the 32-bit address space of the
// world's linear memory.
func wasmWord(ptr nativebridge.Ptr) (uint64, error) {
	if uint64(ptr) > math.MaxUint32 {
		return 0, errors.OutOfBounds(errors.PhaseRegistry, uint64(ptr), 0)
	}
	return uint64(ptr), nil
}

func (e *Engine) ptrHelper(name string, ptr nativebridge.Ptr) error {
	w, err := wasmWord(ptr)
	if err != nil {
		return err
	}
	_, err = e.callHelper(name, w)
	return err
}

func (e *Engine) RefObject(ptr nativebridge.Ptr) error   { return e.ptrHelper(helperObjectRef, ptr) }
func (e *Engine) UnrefObject(ptr nativebridge.Ptr) error { return e.ptrHelper(helperObjectUnref, ptr) }
func (e *Engine) SinkObject(ptr nativebridge.Ptr) error  { return e.ptrHelper(helperObjectSink, ptr) }

func (e *Engine) SinkVariant(ptr nativebridge.Ptr) error { return e.ptrHelper(helperVariantSink, ptr) }
func (e *Engine) UnrefVariant(ptr nativebridge.Ptr) error {
	return e.ptrHelper(helperVariantUnref, ptr)
}

func (e *Engine) FreeString(ptr nativebridge.Ptr) error { return e.ptrHelper(helperStringFree, ptr) }
func (e *Engine) FreeStringArray(ptr nativebridge.Ptr) error {
	return e.ptrHelper(helperStrvFree, ptr)
}

func (e *Engine) FreeList(head nativebridge.Ptr, doubly bool) error {
	if doubly {
		return e.ptrHelper(helperListFree, head)
	}
	return e.ptrHelper(helperSinglyFree, head)
}

// CopyBoxed calls the copy helper of the owning library, or the
// world's, with the type name staged in linear memory.
func (e *Engine) CopyBoxed(typeName, lib string, ptr nativebridge.Ptr) (nativebridge.Ptr, error) {
	w, err := wasmWord(ptr)
	if err != nil {
		return 0, err
	}
	fn, err := e.boxedFn(helperBoxedCopy, lib)
	if err != nil {
		return 0, err
	}
	namePtr, err := e.stageString(typeName)
	if err != nil {
		return 0, err
	}
	defer e.Allocator().Free(namePtr)

	copied, err := e.call(fn, helperBoxedCopy, []uint64{uint64(namePtr), w})
	if err != nil {
		return 0, err
	}
	if copied == 0 {
		return 0, errors.NotFound(errors.PhaseRegistry, "boxed type", typeName)
	}
	return nativebridge.Ptr(copied), nil
}

func (e *Engine) FreeBoxed(typeName, lib string, ptr nativebridge.Ptr) error {
	w, err := wasmWord(ptr)
	if err != nil {
		return err
	}
	fn, err := e.boxedFn(helperBoxedFree, lib)
	if err != nil {
		return err
	}
	namePtr, err := e.stageString(typeName)
	if err != nil {
		return err
	}
	defer e.Allocator().Free(namePtr)

	_, err = e.call(fn, helperBoxedFree, []uint64{uint64(namePtr), w})
	return err
}

// stageString copies a NUL-terminated string into linear memory.
func (e *Engine) stageString(s string) (nativebridge.Ptr, error) {
	ptr, err := e.Allocator().Alloc(uint32(len(s)) + 1)
	if err != nil {
		return 0, err
	}
	if err := e.Memory().Write(ptr, append([]byte(s), 0)); err != nil {
		e.Allocator().Free(ptr)
		return 0, err
	}
	return ptr, nil
}
