package engine

import (
	"context"
	"strconv"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	nativebridge "github.com/wippyai/native-bridge"
	"github.com/wippyai/native-bridge/errors"
)

// Closure words are synthetic. They live far above any 32-bit linear
// memory address, so library code can tell them apart from real
// pointers, and the engine can reject a stray real pointer handed to
// closure_invoke.
const (
	closureFnBase   = nativebridge.Ptr(1) << 52
	closureDataBase = nativebridge.Ptr(1) << 48

	// closureUnrefFn is the fixed trampoline word library code passes as
	// a destroy notification. Invoking it releases the closure named by
	// the data word instead of calling anything.
	closureUnrefFn = closureFnBase - 1
)

// instantiateBridgeModule builds the "bridge" host module library code
// imports to reach registered closures.
//
//	closure_invoke(fn i64, data i64, argv i32, argc i32) -> i64
//	closure_release(data i64)
//
// argv points at argc 64-bit call words in the world's linear memory.
func (e *Engine) instantiateBridgeModule(ctx context.Context) error {
	_, err := e.runtime.NewHostModuleBuilder("bridge").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.closureInvoke),
			[]api.ValueType{api.ValueTypeI64, api.ValueTypeI64, api.ValueTypeI32, api.ValueTypeI32},
			[]api.ValueType{api.ValueTypeI64}).
		Export("closure_invoke").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.closureRelease),
			[]api.ValueType{api.ValueTypeI64}, nil).
		Export("closure_release").
		Instantiate(ctx)
	if err != nil {
		return errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "instantiating bridge module")
	}
	return nil
}

func (e *Engine) closureInvoke(_ context.Context, _ api.Module, stack []uint64) {
	fn := nativebridge.Ptr(stack[0])
	data := nativebridge.Ptr(stack[1])
	argv := uint32(stack[2])
	argc := uint32(stack[3])
	stack[0] = 0

	if fn == closureUnrefFn {
		if err := e.ReleaseClosure(data); err != nil {
			Logger().Warn("closure unref failed", zap.Uint64("data", uint64(data)), zap.Error(err))
		}
		return
	}

	e.mu.Lock()
	closure, ok := e.closures[uint64(data)]
	e.mu.Unlock()
	if !ok {
		Logger().Warn("closure_invoke on unknown closure", zap.Uint64("data", uint64(data)))
		return
	}

	args := make([]uint64, argc)
	for i := range args {
		w, ok := e.memory.Memory().ReadUint64Le(argv + uint32(i)*8)
		if !ok {
			Logger().Warn("closure_invoke argument vector out of bounds",
				zap.Uint64("argv", uint64(argv)), zap.Uint32("argc", argc))
			return
		}
		args[i] = w
	}

	answer, err := closure(args)
	if err != nil {
		Logger().Warn("closure failed", zap.Uint64("data", uint64(data)), zap.Error(err))
		return
	}
	stack[0] = answer
}

func (e *Engine) closureRelease(_ context.Context, _ api.Module, stack []uint64) {
	data := nativebridge.Ptr(stack[0])
	if err := e.ReleaseClosure(data); err != nil {
		Logger().Warn("closure_release failed", zap.Uint64("data", uint64(data)), zap.Error(err))
	}
}

// RegisterClosure installs fn and hands back the synthetic words library
// code will pass to closure_invoke.
func (e *Engine) RegisterClosure(fn nativebridge.ClosureFunc) (nativebridge.ClosureRef, error) {
	e.mu.Lock()
	id := e.nextClos
	e.nextClos++
	data := closureDataBase + nativebridge.Ptr(id)
	e.closures[uint64(data)] = fn
	e.mu.Unlock()
	return nativebridge.ClosureRef{Fn: closureFnBase + nativebridge.Ptr(id), Data: data}, nil
}

func (e *Engine) ReleaseClosure(data nativebridge.Ptr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.closures[uint64(data)]; !ok {
		return errors.NotFound(errors.PhaseRegistry, "closure", strconv.FormatUint(uint64(data), 16))
	}
	delete(e.closures, uint64(data))
	return nil
}

func (e *Engine) ClosureUnrefFn() nativebridge.Ptr {
	return closureUnrefFn
}
