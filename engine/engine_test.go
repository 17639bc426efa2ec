package engine

import (
	"context"
	"errors"
	"math"
	"testing"

	nativebridge "github.com/wippyai/native-bridge"
	bridgeerrors "github.com/wippyai/native-bridge/errors"
)

func TestWasmWordBounds(t *testing.T) {
	if _, err := wasmWord(nativebridge.Ptr(math.MaxUint32)); err != nil {
		t.Fatalf("max 32-bit address rejected: %v", err)
	}
	_, err := wasmWord(nativebridge.Ptr(math.MaxUint32) + 1)
	if err == nil {
		t.Fatal("expected out of bounds for address above 32-bit space")
	}
	var be *bridgeerrors.Error
	if !errors.As(err, &be) || be.Kind != bridgeerrors.KindOutOfBounds {
		t.Fatalf("kind = %v, want out_of_bounds", err)
	}
}

func TestOpenUnregisteredLibrary(t *testing.T) {
	e := &Engine{
		modules: make(map[string][]byte),
		opened:  make(map[string]*Library),
	}
	_, err := e.Open(context.Background(), "libmissing.so")
	if err == nil {
		t.Fatal("expected not_found for unregistered library")
	}
	var be *bridgeerrors.Error
	if !errors.As(err, &be) || be.Kind != bridgeerrors.KindNotFound {
		t.Fatalf("kind = %v, want not_found", err)
	}
}

func TestClosureWords(t *testing.T) {
	e := &Engine{
		closures: make(map[uint64]nativebridge.ClosureFunc),
		nextClos: 1,
	}

	ref, err := e.RegisterClosure(func(args []uint64) (uint64, error) { return 7, nil })
	if err != nil {
		t.Fatalf("RegisterClosure: %v", err)
	}
	if ref.Fn <= nativebridge.Ptr(math.MaxUint32) || ref.Data <= nativebridge.Ptr(math.MaxUint32) {
		t.Fatalf("closure words %x/%x collide with the 32-bit address space", ref.Fn, ref.Data)
	}
	if ref.Fn == e.ClosureUnrefFn() {
		t.Fatal("trampoline word collides with the unref sentinel")
	}

	ref2, _ := e.RegisterClosure(func(args []uint64) (uint64, error) { return 0, nil })
	if ref2.Data == ref.Data || ref2.Fn == ref.Fn {
		t.Fatal("closure words must be unique per registration")
	}

	if err := e.ReleaseClosure(ref.Data); err != nil {
		t.Fatalf("ReleaseClosure: %v", err)
	}
	if err := e.ReleaseClosure(ref.Data); err == nil {
		t.Fatal("expected error releasing a closure twice")
	}
	if len(e.closures) != 1 {
		t.Fatalf("live closures = %d, want 1", len(e.closures))
	}
}

func TestClosureInvokeDispatch(t *testing.T) {
	e := &Engine{
		closures: make(map[uint64]nativebridge.ClosureFunc),
		nextClos: 1,
	}
	ref, _ := e.RegisterClosure(func(args []uint64) (uint64, error) { return 42, nil })

	// Unref sentinel releases instead of invoking.
	stack := []uint64{uint64(e.ClosureUnrefFn()), uint64(ref.Data), 0, 0}
	e.closureInvoke(context.Background(), nil, stack)
	if stack[0] != 0 {
		t.Fatalf("unref answered %d, want 0", stack[0])
	}
	if len(e.closures) != 0 {
		t.Fatal("unref sentinel did not release the closure")
	}

	// Invoking a released closure answers the default word.
	stack = []uint64{uint64(ref.Fn), uint64(ref.Data), 0, 0}
	e.closureInvoke(context.Background(), nil, stack)
	if stack[0] != 0 {
		t.Fatalf("stale closure answered %d, want 0", stack[0])
	}
}
