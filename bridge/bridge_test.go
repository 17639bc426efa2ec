package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	nativebridge "github.com/wippyai/native-bridge"
	"github.com/wippyai/native-bridge/descriptor"
	bridgeerrors "github.com/wippyai/native-bridge/errors"
	"github.com/wippyai/native-bridge/testbed"
	"github.com/wippyai/native-bridge/value"
)

func newBridge(t *testing.T, opts ...Option) (*Bridge, *testbed.Backend) {
	t.Helper()
	tb := testbed.New()
	b := New(tb, opts...)
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return b, tb
}

// chanWaker runs posted callbacks on a dedicated scripting goroutine.
type chanWaker struct{ posts chan func() }

func newChanWaker() *chanWaker {
	w := &chanWaker{posts: make(chan func(), 16)}
	go func() {
		for fn := range w.posts {
			fn()
		}
	}()
	return w
}

func (w *chanWaker) Post(fn func()) { w.posts <- fn }

func TestAllocWriteRead(t *testing.T) {
	b, _ := newBridge(t)

	buf, err := b.Alloc(16, "Rect", "")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	i32 := descriptor.Int(32, true)
	if err := b.Write(buf, 0, i32, value.Number(42)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := b.Write(buf, 4, i32, value.Number(-7)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	v, err := b.Read(buf, 0, i32)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n, _ := v.Number(); n != 42 {
		t.Errorf("field 0 = %v, want 42", n)
	}
	v, _ = b.Read(buf, 4, i32)
	if n, _ := v.Number(); n != -7 {
		t.Errorf("field 4 = %v, want -7", n)
	}

	// Fresh allocations are zeroed.
	v, _ = b.Read(buf, 8, descriptor.Int(64, false))
	if n, _ := v.Number(); n != 0 {
		t.Errorf("field 8 = %v, want 0", n)
	}
}

func TestReleaseObjectFreesAllocation(t *testing.T) {
	b, tb := newBridge(t)

	buf, err := b.Alloc(8, "Blob", "")
	if err != nil {
		t.Fatal(err)
	}
	id, _ := buf.Object()
	ptr, err := b.Address(id)
	if err != nil {
		t.Fatal(err)
	}

	b.ReleaseObject(id)
	// The removal is queued; the next round trip flushes it.
	if _, err := b.Address(id); err == nil {
		t.Error("Address after release should fail")
	}
	if !tb.Freed(nativebridge.Ptr(ptr)) {
		t.Error("owned allocation must be freed on release")
	}
}

func TestAlloc_NamesOwningLibrary(t *testing.T) {
	b, tb := newBridge(t)

	buf, err := b.Alloc(8, "GskPath", "libgsk.so")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	id, _ := buf.Object()

	b.ReleaseObject(id)
	if _, err := b.Address(id); err == nil {
		t.Error("Address after release should fail")
	}
	// The release went through the free keyed by the owning library.
	if owner := tb.BoxedOwner("GskPath"); owner != "libgsk.so" {
		t.Errorf("boxed owner = %q, want libgsk.so", owner)
	}
}

func TestCall_ScalarsAndReturn(t *testing.T) {
	b, tb := newBridge(t)

	tb.Lib("libmath.so").Define("add", func(args []uint64) ([]uint64, error) {
		a := int32(args[0])
		c := int32(args[1])
		return []uint64{uint64(uint32(a + c))}, nil
	})

	i32 := descriptor.Int(32, true)
	v, err := b.Call(CallSpec{
		Library: "libmath.so",
		Symbol:  "add",
		Args: []Arg{
			{Type: i32, Value: value.Number(40)},
			{Type: i32, Value: value.Number(2)},
		},
		Return: i32,
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if n, _ := v.Number(); n != 42 {
		t.Errorf("result = %v, want 42", n)
	}
}

func TestCall_OwnedStringArgFreedAfterCall(t *testing.T) {
	b, tb := newBridge(t)

	var during bool
	var got string
	var buf nativebridge.Ptr
	tb.Lib("ui").Define("set_title", func(args []uint64) ([]uint64, error) {
		buf = nativebridge.Ptr(args[0])
		during = tb.Freed(buf)
		s, err := tb.ReadCString(buf)
		got = s
		return nil, err
	})

	_, err := b.Call(CallSpec{
		Library: "ui",
		Symbol:  "set_title",
		Args:    []Arg{{Type: descriptor.String(false), Value: value.String("hello")}},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if during {
		t.Error("argument buffer must be live during the call")
	}
	if got != "hello" {
		t.Errorf("native saw %q, want hello", got)
	}
	if !tb.Freed(buf) {
		t.Error("argument buffer must be freed after the call")
	}
}

func TestCall_ObjectReturnRegistered(t *testing.T) {
	b, tb := newBridge(t)

	var created nativebridge.Ptr
	tb.Lib("ui").Define("button_new", func([]uint64) ([]uint64, error) {
		created = tb.NewFloatingObject()
		return []uint64{uint64(created)}, nil
	})

	v, err := b.Call(CallSpec{
		Library: "ui",
		Symbol:  "button_new",
		Return:  descriptor.Object(false),
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	id, ok := v.Object()
	if !ok {
		t.Fatalf("result = %#v, want an object", v)
	}
	if tb.Floating(created) {
		t.Error("constructor return must have its floating reference claimed")
	}
	if ptr, err := b.Address(id); err != nil || nativebridge.Ptr(ptr) != created {
		t.Errorf("Address = (0x%x, %v), want the created pointer", ptr, err)
	}
}

func TestCall_OutParamReadBack(t *testing.T) {
	b, tb := newBridge(t)

	tb.Lib("m").Define("get_size", func(args []uint64) ([]uint64, error) {
		if err := tb.Memory().WriteU32(nativebridge.Ptr(args[0]), 800); err != nil {
			return nil, err
		}
		return nil, tb.Memory().WriteU32(nativebridge.Ptr(args[1]), 600)
	})

	w := &value.Ref{Value: value.Number(0)}
	h := &value.Ref{Value: value.Number(0)}
	refI32 := descriptor.Ref(descriptor.Int(32, true))
	_, err := b.Call(CallSpec{
		Library: "m",
		Symbol:  "get_size",
		Args: []Arg{
			{Type: refI32, Value: value.OutParam(w)},
			{Type: refI32, Value: value.OutParam(h)},
		},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if n, _ := w.Value.Number(); n != 800 {
		t.Errorf("width = %#v, want 800", w.Value)
	}
	if n, _ := h.Value.Number(); n != 600 {
		t.Errorf("height = %#v, want 600", h.Value)
	}
}

func TestCall_ReentrantCallback(t *testing.T) {
	b, tb := newBridge(t)

	tb.Lib("ui").Define("each_item", func(args []uint64) ([]uint64, error) {
		// Native iterates and calls back synchronously during the call.
		var sum uint64
		for _, item := range []uint64{1, 2, 3} {
			w, err := tb.InvokeClosure(nativebridge.Ptr(args[0]), []uint64{item})
			if err != nil {
				return nil, err
			}
			sum += w
		}
		return []uint64{sum}, nil
	})

	var seen []float64
	fn := func(args []value.Value) (value.Value, error) {
		n, _ := args[0].Number()
		seen = append(seen, n)
		return value.Number(n * 10), nil
	}
	i32 := descriptor.Int(32, true)
	cb := descriptor.CallbackOf(&descriptor.Callback{
		Trampoline: descriptor.TrampClosure,
		Args:       []*descriptor.Type{i32},
		Return:     i32,
	})

	v, err := b.Call(CallSpec{
		Library: "ui",
		Symbol:  "each_item",
		Args:    []Arg{{Type: cb, Value: value.Callback(fn)}},
		Return:  i32,
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if n, _ := v.Number(); n != 60 {
		t.Errorf("sum = %v, want 60", n)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("callback saw %v, want [1 2 3]", seen)
	}
}

func TestCallAsync_CallbackThroughWaker(t *testing.T) {
	w := newChanWaker()
	b, tb := newBridge(t, WithWaker(w))

	done := make(chan uint64, 1)
	tb.Lib("ui").Define("idle_add", func(args []uint64) ([]uint64, error) {
		w, err := tb.InvokeClosure(nativebridge.Ptr(args[1]), []uint64{args[1]})
		if err != nil {
			return nil, err
		}
		done <- w
		return nil, nil
	})

	fn := func([]value.Value) (value.Value, error) {
		return value.Bool(false), nil
	}
	cb := descriptor.CallbackOf(&descriptor.Callback{Trampoline: descriptor.TrampSourceFunc})

	err := b.CallAsync(CallSpec{
		Library: "ui",
		Symbol:  "idle_add",
		Args:    []Arg{{Type: cb, Value: value.Callback(fn)}},
	})
	if err != nil {
		t.Fatalf("CallAsync: %v", err)
	}

	select {
	case w := <-done:
		if w != 0 {
			t.Errorf("stop answer = 0x%x, want 0", w)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never reached the scripting goroutine")
	}
}

func TestCallAsync_RejectsTypedReturn(t *testing.T) {
	b, _ := newBridge(t)
	err := b.CallAsync(CallSpec{Library: "x", Symbol: "y", Return: descriptor.Int(32, true)})
	var be *bridgeerrors.Error
	if !errors.As(err, &be) || be.Kind != bridgeerrors.KindInvalidInput {
		t.Errorf("error = %v, want invalid_input", err)
	}
}

func TestBatchCall_AtomicPreparation(t *testing.T) {
	b, tb := newBridge(t)

	count := 0
	tb.Lib("ui").Define("inc", func([]uint64) ([]uint64, error) {
		count++
		return nil, nil
	})

	// A spec that cannot resolve fails the batch before any invocation.
	err := b.BatchCall([]CallSpec{
		{Library: "ui", Symbol: "inc"},
		{Library: "ui", Symbol: "inc"},
		{Library: "ui", Symbol: "missing"},
	})
	if err == nil {
		t.Fatal("batch with an unresolvable call must fail")
	}
	if count != 0 {
		t.Errorf("count = %d, a failed batch must not invoke anything", count)
	}

	if err := b.BatchCall([]CallSpec{
		{Library: "ui", Symbol: "inc"},
		{Library: "ui", Symbol: "inc"},
	}); err != nil {
		t.Fatalf("BatchCall: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestBatchCall_RejectsTypedReturn(t *testing.T) {
	b, tb := newBridge(t)
	tb.Lib("ui").Define("inc", func([]uint64) ([]uint64, error) { return nil, nil })

	err := b.BatchCall([]CallSpec{
		{Library: "ui", Symbol: "inc", Return: descriptor.Bool()},
	})
	var be *bridgeerrors.Error
	if !errors.As(err, &be) || be.Kind != bridgeerrors.KindInvalidInput {
		t.Errorf("error = %v, want invalid_input", err)
	}
}

func TestLibraryAlternates(t *testing.T) {
	b, tb := newBridge(t)
	tb.Lib("libgtk-4.so.1").Define("noop", func([]uint64) ([]uint64, error) { return nil, nil })

	// The first name fails, the second loads.
	_, err := b.Call(CallSpec{Library: "libgtk-4.so, libgtk-4.so.1", Symbol: "noop"})
	if err != nil {
		t.Fatalf("Call with alternates: %v", err)
	}

	_, err = b.Call(CallSpec{Library: "nope.so,still-nope.so", Symbol: "noop"})
	var le *bridgeerrors.LoadError
	if !errors.As(err, &le) {
		t.Fatalf("error = %v, want a load error", err)
	}
	if len(le.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(le.Attempts))
	}
}

func TestCall_SymbolNotFound(t *testing.T) {
	b, tb := newBridge(t)
	tb.Lib("ui")

	_, err := b.Call(CallSpec{Library: "ui", Symbol: "missing"})
	var be *bridgeerrors.Error
	if !errors.As(err, &be) || be.Kind != bridgeerrors.KindNotFound {
		t.Errorf("error = %v, want not_found", err)
	}
}

func TestCall_NativeFailureWrapped(t *testing.T) {
	b, tb := newBridge(t)
	tb.Lib("ui").Define("boom", func([]uint64) ([]uint64, error) {
		return nil, errors.New("segfault, politely")
	})

	_, err := b.Call(CallSpec{Library: "ui", Symbol: "boom"})
	var be *bridgeerrors.Error
	if !errors.As(err, &be) || be.Kind != bridgeerrors.KindCallFailed {
		t.Fatalf("error = %v, want call_failed", err)
	}
}

func TestCall_FailedCallHandsBackOwnedArg(t *testing.T) {
	b, tb := newBridge(t)

	var created nativebridge.Ptr
	tb.Lib("ui").Define("window_new", func([]uint64) ([]uint64, error) {
		created = tb.NewObject()
		return []uint64{uint64(created)}, nil
	})
	tb.Lib("ui").Define("adopt", func([]uint64) ([]uint64, error) {
		return nil, errors.New("adoption refused")
	})

	v, err := b.Call(CallSpec{Library: "ui", Symbol: "window_new", Return: descriptor.Object(false)})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if n := tb.RefCount(created); n != 1 {
		t.Fatalf("refcount = %d, want 1 after adopting the return", n)
	}

	// The owned argument stages an extra reference for the callee; a
	// failing call never consumes it and must hand it back.
	_, err = b.Call(CallSpec{
		Library: "ui",
		Symbol:  "adopt",
		Args:    []Arg{{Type: descriptor.Object(false), Value: v}},
	})
	if err == nil {
		t.Fatal("adopt should fail")
	}
	if n := tb.RefCount(created); n != 1 {
		t.Errorf("refcount = %d, want 1: the failed call must return the staged reference", n)
	}
	if tb.Destroyed(created) {
		t.Error("object must stay live after the failed call")
	}
}

func TestStop_DisconnectsAndClears(t *testing.T) {
	tb := testbed.New()
	b := New(tb)
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}

	buf, err := b.Alloc(8, "Blob", "")
	if err != nil {
		t.Fatal(err)
	}
	id, _ := buf.Object()
	ptr, _ := b.Address(id)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Registered objects are released at teardown.
	if !tb.Freed(nativebridge.Ptr(ptr)) {
		t.Error("teardown must release registered allocations")
	}

	_, err = b.Call(CallSpec{Library: "ui", Symbol: "noop"})
	var be *bridgeerrors.Error
	if !errors.As(err, &be) || be.Kind != bridgeerrors.KindDisconnected {
		t.Errorf("error = %v, want disconnected", err)
	}
}

func TestPoll_EmptyByDefault(t *testing.T) {
	b, _ := newBridge(t)
	if n := b.Poll(); n != 0 {
		t.Errorf("Poll = %d, want 0", n)
	}
}
