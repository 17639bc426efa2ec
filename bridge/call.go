package bridge

import (
	"fmt"

	"go.uber.org/zap"

	nativebridge "github.com/wippyai/native-bridge"
	"github.com/wippyai/native-bridge/descriptor"
	"github.com/wippyai/native-bridge/errors"
	"github.com/wippyai/native-bridge/marshal"
	"github.com/wippyai/native-bridge/value"
)

// Arg pairs a dynamic value with the descriptor that drives its
// marshaling.
type Arg struct {
	Type  *descriptor.Type
	Value value.Value
}

// CallSpec names one native invocation. Library may list comma-separated
// alternative names; a nil Return means the call is void.
type CallSpec struct {
	Library string
	Symbol  string
	Args    []Arg
	Return  *descriptor.Type
}

func (s CallSpec) void() bool {
	return s.Return == nil || s.Return.Kind == descriptor.KindUndefined
}

// Call invokes a native function and blocks until the typed result is
// back. Callbacks fired by the native side during the call run
// reentrantly on the calling goroutine.
func (b *Bridge) Call(spec CallSpec) (value.Value, error) {
	res, err := b.disp.CallLoop(func() (any, error) {
		return b.invoke(spec)
	})
	if err != nil {
		return value.Value{}, err
	}
	return res.(value.Value), nil
}

// CallAsync queues a void call and returns without waiting for it.
// Failures surface in the log only.
func (b *Bridge) CallAsync(spec CallSpec) error {
	if !spec.void() {
		return errors.InvalidInput(errors.PhaseCall, "asynchronous call "+spec.Symbol+" must be void")
	}
	if b.disp.Stopped() {
		return errors.Disconnected("loop thread is stopped")
	}
	b.disp.Schedule(func() {
		if _, err := b.invoke(spec); err != nil {
			nativebridge.Logger().Warn("asynchronous call failed",
				zap.String("symbol", spec.Symbol), zap.Error(err))
		}
	})
	return nil
}

// BatchCall invokes a sequence of void calls in one loop round trip.
// Resolution and marshaling happen for the whole batch before the first
// invocation, so a bad spec fails the batch without side effects.
func (b *Bridge) BatchCall(specs []CallSpec) error {
	_, err := b.disp.CallLoop(func() (any, error) {
		type prepared struct {
			fn     nativebridge.Function
			symbol string
			words  []uint64
			allocs *marshal.AllocationList
		}

		// Each call gets its own allocation list so transfers commit per
		// invoked call; a failure mid-batch takes back only what was
		// never delivered.
		var calls []prepared
		defer func() {
			for _, c := range calls {
				c.allocs.FreeAndRelease(b.backend.Allocator())
			}
		}()

		for i, spec := range specs {
			if !spec.void() {
				return nil, errors.InvalidInput(errors.PhaseCall,
					fmt.Sprintf("batched call %d (%s) must be void", i, spec.Symbol))
			}
			fn, err := b.symbol(spec.Library, spec.Symbol)
			if err != nil {
				return nil, err
			}
			allocs := marshal.NewAllocationList()
			calls = append(calls, prepared{fn: fn, symbol: spec.Symbol, allocs: allocs})
			words, _, err := b.marshalArgs(spec, allocs)
			if err != nil {
				return nil, err
			}
			calls[len(calls)-1].words = words
		}

		for _, c := range calls {
			if _, err := c.fn.Invoke(b.ctx, c.words); err != nil {
				return nil, errors.CallFailed(c.symbol, err)
			}
			c.allocs.Commit()
		}
		return nil, nil
	})
	return err
}

// invoke performs one native call. Loop goroutine only.
func (b *Bridge) invoke(spec CallSpec) (value.Value, error) {
	fn, err := b.symbol(spec.Library, spec.Symbol)
	if err != nil {
		return value.Value{}, err
	}

	allocs := marshal.NewAllocationList()
	defer allocs.FreeAndRelease(b.backend.Allocator())

	words, outs, err := b.marshalArgs(spec, allocs)
	if err != nil {
		return value.Value{}, err
	}

	results, err := fn.Invoke(b.ctx, words)
	if err != nil {
		return value.Value{}, errors.CallFailed(spec.Symbol, err)
	}
	// The callee consumed the transferred references and copies; a
	// failure before this point hands them back instead.
	allocs.Commit()

	// Out-parameters are read back before the argument allocations (the
	// slots included) are freed.
	for _, out := range outs {
		if err := b.dec.ReadBack(out); err != nil {
			return value.Value{}, err
		}
	}

	if spec.void() {
		return value.Undefined(), nil
	}
	var word uint64
	if len(results) > 0 {
		word = results[0]
	}
	return b.dec.Decode(word, spec.Return)
}

func (b *Bridge) marshalArgs(spec CallSpec, allocs *marshal.AllocationList) ([]uint64, []*marshal.OutParam, error) {
	var words []uint64
	var outs []*marshal.OutParam
	for i, arg := range spec.Args {
		w, out, err := b.enc.Encode(arg.Value, arg.Type,
			[]string{fmt.Sprintf("%s.args[%d]", spec.Symbol, i)}, allocs)
		if err != nil {
			return nil, nil, err
		}
		words = append(words, w...)
		if out != nil {
			outs = append(outs, out)
		}
	}
	return words, outs, nil
}
