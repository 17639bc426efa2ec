// Package trampoline bridges native callback invocations back into
// scripting-side functions. Marshaling a function value registers a
// closure with the backend and expands it into the slot words the native
// signature expects; when native code later invokes the closure, the
// arguments are decoded on the loop goroutine and the function runs on
// the scripting goroutine through the dispatcher.
//
// A callback error never propagates into native code. Capturing kinds
// answer with the kind's default word (zero, false, equal ordering) and
// the failure is logged; fire-and-forget kinds just log.
package trampoline

import (
	"go.uber.org/zap"

	nativebridge "github.com/wippyai/native-bridge"
	"github.com/wippyai/native-bridge/descriptor"
	"github.com/wippyai/native-bridge/dispatch"
	"github.com/wippyai/native-bridge/errors"
	"github.com/wippyai/native-bridge/marshal"
	"github.com/wippyai/native-bridge/registry"
	"github.com/wippyai/native-bridge/value"
)

// Marshaler registers scripting-side functions as native closures. It
// implements marshal.CallbackMarshaler.
type Marshaler struct {
	backend nativebridge.Backend
	decoder *marshal.Decoder
	disp    *dispatch.Dispatcher
}

// New creates a callback marshaler decoding arguments through reg and
// dispatching invocations through disp.
func New(backend nativebridge.Backend, reg *registry.Registry, disp *dispatch.Dispatcher) *Marshaler {
	return &Marshaler{
		backend: backend,
		decoder: marshal.NewDecoder(backend, reg),
		disp:    disp,
	}
}

// CallbackSlots reports how many call words the callback occupies in the
// native signature.
func (m *Marshaler) CallbackSlots(cb *descriptor.Callback) int {
	switch cb.Trampoline {
	case descriptor.TrampClosure:
		return 1
	case descriptor.TrampAsyncReady, descriptor.TrampDestroy:
		return 2
	default:
		// sourceFunc, tickFunc, drawFunc, compareFunc carry a
		// destroy-notification slot after the data word.
		return 3
	}
}

// MarshalCallback registers fn with the backend and returns the call
// words for its signature slots.
func (m *Marshaler) MarshalCallback(fn value.Func, cb *descriptor.Callback) ([]uint64, error) {
	cl := m.closure(fn, cb)

	// A destroy notification fires exactly once; release the closure
	// right after it runs.
	var data nativebridge.Ptr
	if cb.Trampoline == descriptor.TrampDestroy {
		inner := cl
		cl = func(args []uint64) (uint64, error) {
			w, err := inner(args)
			if rerr := m.backend.ReleaseClosure(data); rerr != nil {
				nativebridge.Logger().Warn("releasing destroy closure failed", zap.Error(rerr))
			}
			return w, err
		}
	}

	ref, err := m.backend.RegisterClosure(cl)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseMarshal, errors.KindInvalidInput, err, "registering closure")
	}
	data = ref.Data

	switch cb.Trampoline {
	case descriptor.TrampClosure:
		return []uint64{uint64(ref.Data)}, nil
	case descriptor.TrampAsyncReady:
		return []uint64{uint64(ref.Fn), uint64(ref.Data)}, nil
	case descriptor.TrampDestroy:
		// Destroy-notification parameters put the data word first.
		return []uint64{uint64(ref.Data), uint64(ref.Fn)}, nil
	default:
		return []uint64{uint64(ref.Fn), uint64(ref.Data), uint64(m.backend.ClosureUnrefFn())}, nil
	}
}

// closure wraps fn into the ClosureFunc native code invokes. It runs on
// the loop goroutine.
func (m *Marshaler) closure(fn value.Func, cb *descriptor.Callback) nativebridge.ClosureFunc {
	return func(args []uint64) (word uint64, err error) {
		defer func() {
			if r := recover(); r != nil {
				nativebridge.Logger().Error("panic in callback",
					zap.String("trampoline", cb.Trampoline.String()), zap.Any("panic", r))
				word, err = 0, nil
			}
		}()

		vals, derr := m.decodeArgs(cb, args)
		if derr != nil {
			nativebridge.Logger().Warn("callback argument decode failed",
				zap.String("trampoline", cb.Trampoline.String()), zap.Error(derr))
			return 0, nil
		}

		res, cerr := m.disp.CallScript(func() (any, error) {
			v, err := fn(vals)
			return v, err
		})
		if cerr != nil {
			// A disconnect means the scripting side is gone and the
			// awaited result can never arrive; that is a torn-down
			// bridge, not a misbehaving callback.
			if errors.HasKind(cerr, errors.KindDisconnected) {
				nativebridge.Logger().Error("callback result unavailable, dispatch disconnected",
					zap.String("trampoline", cb.Trampoline.String()), zap.Error(cerr))
			} else {
				nativebridge.Logger().Warn("callback failed",
					zap.String("trampoline", cb.Trampoline.String()), zap.Error(cerr))
			}
			return 0, nil
		}
		return m.returnWord(cb, res.(value.Value)), nil
	}
}

// decodeArgs converts native call words into the values the callback
// receives. Without argument descriptors each raw word is surfaced as a
// number; trailing words (the data slot in particular) are dropped when
// descriptors say how many arguments there are.
func (m *Marshaler) decodeArgs(cb *descriptor.Callback, args []uint64) ([]value.Value, error) {
	switch cb.Trampoline {
	case descriptor.TrampAsyncReady:
		return []value.Value{
			m.decodeOptional(argWord(args, 0), cb.Source),
			m.decodeOptional(argWord(args, 1), cb.Result),
		}, nil

	case descriptor.TrampDestroy, descriptor.TrampSourceFunc:
		return nil, nil
	}

	if cb.Args == nil {
		vals := make([]value.Value, len(args))
		for i, w := range args {
			vals[i] = value.Number(float64(w))
		}
		return vals, nil
	}

	vals := make([]value.Value, len(cb.Args))
	for i, t := range cb.Args {
		v, err := m.decoder.Decode(argWord(args, i), t)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

// decodeOptional decodes word as t, or passes the raw pointer through as
// null/number when no descriptor was given.
func (m *Marshaler) decodeOptional(word uint64, t *descriptor.Type) value.Value {
	if t == nil {
		if word == 0 {
			return value.Null()
		}
		return value.Number(float64(word))
	}
	v, err := m.decoder.Decode(word, t)
	if err != nil {
		nativebridge.Logger().Warn("callback argument decode failed", zap.Error(err))
		return value.Null()
	}
	return v
}

// returnWord converts the scripting result into the native answer word
// for the trampoline kind.
func (m *Marshaler) returnWord(cb *descriptor.Callback, v value.Value) uint64 {
	switch cb.Trampoline {
	case descriptor.TrampClosure:
		if cb.Return == nil || v.IsNullish() {
			return 0
		}
		if cb.Return.Kind == descriptor.KindString {
			s, ok := v.String()
			if !ok {
				nativebridge.Logger().Warn("callback return value dropped",
					zap.String("want", "string"), zap.String("got", v.Tag().String()))
				return 0
			}
			ptr, err := m.stageString(s)
			if err != nil {
				nativebridge.Logger().Warn("callback return value dropped", zap.Error(err))
				return 0
			}
			return uint64(ptr)
		}
		w, err := marshal.EncodeScalar(cb.Return, v, nil)
		if err != nil {
			nativebridge.Logger().Warn("callback return value dropped", zap.Error(err))
			return 0
		}
		return w

	case descriptor.TrampSourceFunc, descriptor.TrampTickFunc:
		if b, ok := v.Bool(); ok && b {
			return 1
		}
		return 0

	case descriptor.TrampCompareFunc:
		if n, ok := v.Number(); ok {
			return uint64(uint32(int32(n)))
		}
		return 0
	}
	// asyncReady, destroy and drawFunc results are ignored.
	return 0
}

// stageString copies a NUL-terminated string into fresh native memory.
// The native caller takes ownership of the block and frees it with its
// own string free.
func (m *Marshaler) stageString(s string) (nativebridge.Ptr, error) {
	ptr, err := m.backend.Allocator().Alloc(uint32(len(s)) + 1)
	if err != nil {
		return 0, err
	}
	if err := m.backend.Memory().Write(ptr, append([]byte(s), 0)); err != nil {
		m.backend.Allocator().Free(ptr)
		return 0, err
	}
	return ptr, nil
}

func argWord(args []uint64, i int) uint64 {
	if i < len(args) {
		return args[i]
	}
	return 0
}

var _ marshal.CallbackMarshaler = (*Marshaler)(nil)
