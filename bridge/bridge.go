// Package bridge is the embedder-facing surface: it owns the loop
// goroutine, the object registry and the marshaling pipeline, and turns
// scripting-side requests into native calls.
//
// Every operation that touches the registry or native memory runs on the
// loop goroutine; the public methods are called from the scripting
// goroutine and round-trip through the dispatcher.
package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	nativebridge "github.com/wippyai/native-bridge"
	"github.com/wippyai/native-bridge/dispatch"
	"github.com/wippyai/native-bridge/errors"
	"github.com/wippyai/native-bridge/marshal"
	"github.com/wippyai/native-bridge/registry"
	"github.com/wippyai/native-bridge/trampoline"
	"github.com/wippyai/native-bridge/value"
)

// Bridge connects a scripting environment to a native backend.
type Bridge struct {
	backend nativebridge.Backend
	waker   nativebridge.Waker

	disp  *dispatch.Dispatcher
	reg   *registry.Registry
	enc   *marshal.Encoder
	dec   *marshal.Decoder
	tramp *trampoline.Marshaler

	// loop-goroutine state, see state.go
	libs    map[string]nativebridge.Library
	symbols map[symbolKey]nativebridge.Function

	ctx     context.Context
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	started atomic.Bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithWaker installs the scripting-side wake-up channel used to deliver
// callbacks while the scripting goroutine is not blocked in a call.
func WithWaker(w nativebridge.Waker) Option {
	return func(b *Bridge) { b.waker = w }
}

// New creates a bridge over backend. Start must be called before any
// operation.
func New(backend nativebridge.Backend, opts ...Option) *Bridge {
	b := &Bridge{
		backend: backend,
		libs:    make(map[string]nativebridge.Library),
		symbols: make(map[symbolKey]nativebridge.Function),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.disp = dispatch.New(b.waker)
	b.reg = registry.New(backend)
	b.tramp = trampoline.New(backend, b.reg, b.disp)
	b.enc = marshal.NewEncoder(backend, b.reg, b.tramp)
	b.dec = marshal.NewDecoder(backend, b.reg)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b
}

// Start launches the loop goroutine.
func (b *Bridge) Start() error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.InvalidInput(errors.PhaseDispatch, "bridge already started")
	}
	b.loopWG.Add(1)
	go b.loop()
	return nil
}

func (b *Bridge) loop() {
	defer b.loopWG.Done()
	defer b.disp.MarkStopped()
	nativebridge.Logger().Debug("loop goroutine started")
	for {
		select {
		case <-b.disp.WakeC():
			b.disp.DrainTasks()
		case <-b.ctx.Done():
			b.reg.Clear()
			nativebridge.Logger().Debug("loop goroutine exiting")
			return
		}
	}
}

// Stop shuts the loop goroutine down, releases every registered object
// and closes the backend. Blocked calls fail with a disconnect error.
func (b *Bridge) Stop(ctx context.Context) error {
	b.cancel()
	b.loopWG.Wait()
	return b.backend.Close(ctx)
}

// Poll runs callbacks queued for the scripting goroutine and reports how
// many ran. Embedders whose scripting side idles between calls invoke
// this from their event loop when no Waker is configured.
func (b *Bridge) Poll() int {
	return b.disp.ProcessCallbacks()
}

// ReleaseObject drops a registered object from the registry. It is safe
// to call from finalizers: the removal is queued onto the loop goroutine
// and never executed inline.
func (b *Bridge) ReleaseObject(id value.ObjectID) {
	b.disp.Schedule(func() {
		if err := b.reg.Remove(id); err != nil {
			nativebridge.Logger().Debug("object release skipped",
				zap.Uint64("id", uint64(id)), zap.Error(err))
		}
	})
}

// resolveTarget maps an object handle or raw address number to a native
// pointer. Loop goroutine only.
func (b *Bridge) resolveTarget(target value.Value, phase errors.Phase) (nativebridge.Ptr, error) {
	switch target.Tag() {
	case value.TagObject:
		id, _ := target.Object()
		ptr, ok := b.reg.Resolve(id)
		if !ok {
			return 0, errors.StaleObject(phase, uint64(id))
		}
		return ptr, nil
	case value.TagNumber:
		n, _ := target.Number()
		return nativebridge.Ptr(uint64(n)), nil
	}
	return 0, errors.TypeMismatch(phase, []string{"target"}, target.Tag().String(), "object or address")
}
