package testbed

import (
	"context"
	"testing"

	nativebridge "github.com/wippyai/native-bridge"
)

func TestArenaAllocZeroedAndAligned(t *testing.T) {
	b := New()
	mem := b.Memory()

	ptr, err := b.Allocator().Alloc(12)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if ptr == 0 {
		t.Fatal("Alloc returned the null pointer")
	}
	if ptr%8 != 0 {
		t.Fatalf("allocation at %d is not 8-byte aligned", ptr)
	}
	data, err := mem.Read(ptr, 12)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, c := range data {
		if c != 0 {
			t.Fatalf("byte %d = %d, want zeroed memory", i, c)
		}
	}

	next, _ := b.Allocator().Alloc(1)
	if next == ptr {
		t.Fatal("allocations must not overlap")
	}
}

func TestArenaBounds(t *testing.T) {
	b := New()
	ptr, _ := b.Allocator().Alloc(8)

	if err := b.Memory().WriteU64(ptr, 0x1122334455667788); err != nil {
		t.Fatalf("WriteU64: %v", err)
	}
	v, err := b.Memory().ReadU32(ptr)
	if err != nil {
		t.Fatalf("ReadU32: %v", err)
	}
	if v != 0x55667788 {
		t.Fatalf("ReadU32 = %#x, want little-endian low word", v)
	}

	if _, err := b.Memory().Read(ptr+1<<30, 4); err == nil {
		t.Fatal("expected out of bounds read to fail")
	}
}

func TestFreeTracking(t *testing.T) {
	b := New()
	ptr, _ := b.Allocator().Alloc(4)
	if b.Freed(ptr) {
		t.Fatal("fresh allocation reported freed")
	}
	b.Allocator().Free(ptr)
	if !b.Freed(ptr) {
		t.Fatal("freed allocation not tracked")
	}
	if b.LiveAllocations() != 0 {
		t.Fatalf("live allocations = %d, want 0", b.LiveAllocations())
	}
}

func TestObjectRefCounting(t *testing.T) {
	b := New()
	obj := b.NewObject()
	if got := b.RefCount(obj); got != 1 {
		t.Fatalf("fresh object refcount = %d, want 1", got)
	}

	if err := b.RefObject(obj); err != nil {
		t.Fatalf("RefObject: %v", err)
	}
	if got := b.RefCount(obj); got != 2 {
		t.Fatalf("refcount after ref = %d, want 2", got)
	}

	_ = b.UnrefObject(obj)
	_ = b.UnrefObject(obj)
	if !b.Destroyed(obj) {
		t.Fatal("object with zero refs should be destroyed")
	}
	if err := b.UnrefObject(obj); err == nil {
		t.Fatal("expected unref of a destroyed object to fail")
	}
}

func TestSinkObjectClaimsFloatingOnly(t *testing.T) {
	b := New()

	floating := b.NewFloatingObject()
	if !b.Floating(floating) {
		t.Fatal("NewFloatingObject must start floating")
	}
	if err := b.SinkObject(floating); err != nil {
		t.Fatalf("SinkObject: %v", err)
	}
	if b.Floating(floating) || b.RefCount(floating) != 1 {
		t.Fatalf("sink of a floating ref: floating=%v refs=%d, want full single ref",
			b.Floating(floating), b.RefCount(floating))
	}

	// A second sink must not add a reference.
	if err := b.SinkObject(floating); err != nil {
		t.Fatalf("SinkObject: %v", err)
	}
	if b.RefCount(floating) != 1 {
		t.Fatalf("refcount after resink = %d, want 1", b.RefCount(floating))
	}
}

func TestSinkVariantRefsNonFloating(t *testing.T) {
	b := New()

	floating := b.NewVariant(true)
	_ = b.SinkVariant(floating)
	if b.Floating(floating) || b.RefCount(floating) != 1 {
		t.Fatalf("sink of floating variant: floating=%v refs=%d", b.Floating(floating), b.RefCount(floating))
	}

	full := b.NewVariant(false)
	_ = b.SinkVariant(full)
	if b.RefCount(full) != 2 {
		t.Fatalf("sink of full variant refcount = %d, want 2", b.RefCount(full))
	}
}

func TestBoxedCopyAndFree(t *testing.T) {
	b := New()
	b.DefineBoxed("GdkRGBA")

	orig, _ := b.Allocator().Alloc(16)
	_ = b.Memory().WriteU64(orig, 77)

	copied, err := b.CopyBoxed("GdkRGBA", "", orig)
	if err != nil {
		t.Fatalf("CopyBoxed: %v", err)
	}
	if copied == orig {
		t.Fatal("copy returned the original pointer")
	}
	v, _ := b.Memory().ReadU64(copied)
	if v != 77 {
		t.Fatalf("copied contents = %d, want 77", v)
	}
	if b.Copies("GdkRGBA") != 1 {
		t.Fatalf("copy count = %d, want 1", b.Copies("GdkRGBA"))
	}

	if err := b.FreeBoxed("GdkRGBA", "", copied); err != nil {
		t.Fatalf("FreeBoxed: %v", err)
	}
	if !b.Freed(copied) {
		t.Fatal("freed boxed copy still live")
	}

	if _, err := b.CopyBoxed("NoSuchType", "", orig); err == nil {
		t.Fatal("expected copy of an undefined boxed type to fail")
	}
}

func TestScriptedLibraries(t *testing.T) {
	b := New()
	b.Lib("libdemo.so").Define("add", func(args []uint64) ([]uint64, error) {
		return []uint64{args[0] + args[1]}, nil
	})

	lib, err := b.Open(context.Background(), "libdemo.so")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fn, err := lib.Symbol("add")
	if err != nil {
		t.Fatalf("Symbol: %v", err)
	}
	results, err := fn.Invoke(context.Background(), []uint64{40, 2})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(results) != 1 || results[0] != 42 {
		t.Fatalf("results = %v, want [42]", results)
	}

	if _, err := lib.Symbol("missing"); err == nil {
		t.Fatal("expected unknown symbol to fail")
	}
	if _, err := b.Open(context.Background(), "libother.so"); err == nil {
		t.Fatal("expected unknown library to fail")
	}
}

func TestClosureTable(t *testing.T) {
	b := New()
	ref, err := b.RegisterClosure(func(args []uint64) (uint64, error) {
		return args[0] * 2, nil
	})
	if err != nil {
		t.Fatalf("RegisterClosure: %v", err)
	}
	if ref.Fn == 0 || ref.Data == 0 {
		t.Fatal("closure words must be non-null")
	}

	answer, err := b.InvokeClosure(ref.Data, []uint64{21})
	if err != nil {
		t.Fatalf("InvokeClosure: %v", err)
	}
	if answer != 42 {
		t.Fatalf("answer = %d, want 42", answer)
	}

	if err := b.ReleaseClosure(ref.Data); err != nil {
		t.Fatalf("ReleaseClosure: %v", err)
	}
	if !b.ClosureReleased(ref.Data) || b.LiveClosures() != 0 {
		t.Fatal("closure not released")
	}
	if _, err := b.InvokeClosure(ref.Data, nil); err == nil {
		t.Fatal("expected invoke of a released closure to fail")
	}
}

func TestListAndStrvHelpers(t *testing.T) {
	b := New()

	head := b.MakeList([]uint64{10, 20, 30}, false)
	var items []uint64
	for node := head; node != 0; {
		data, _ := b.Memory().ReadU64(node)
		next, _ := b.Memory().ReadU64(node + 8)
		items = append(items, data)
		node = nativebridge.Ptr(next)
	}
	if len(items) != 3 || items[0] != 10 || items[2] != 30 {
		t.Fatalf("list items = %v", items)
	}
	if err := b.FreeList(head, false); err != nil {
		t.Fatalf("FreeList: %v", err)
	}
	if !b.Freed(head) {
		t.Fatal("list head not freed")
	}

	strv := b.MakeStrv([]string{"a", "bc"})
	first, _ := b.Memory().ReadU64(strv)
	s, err := b.ReadCString(nativebridge.Ptr(first))
	if err != nil || s != "a" {
		t.Fatalf("first strv item = %q, %v", s, err)
	}
	if err := b.FreeStringArray(strv); err != nil {
		t.Fatalf("FreeStringArray: %v", err)
	}
}
