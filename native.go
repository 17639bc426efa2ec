package nativebridge

import "context"

// Ptr is a raw address in the native world.
type Ptr uint64

// Memory gives byte-level access to native memory
type Memory interface {
	Read(addr Ptr, length uint32) ([]byte, error)
	Write(addr Ptr, data []byte) error
	ReadU8(addr Ptr) (uint8, error)
	ReadU16(addr Ptr) (uint16, error)
	ReadU32(addr Ptr) (uint32, error)
	ReadU64(addr Ptr) (uint64, error)
	WriteU8(addr Ptr, value uint8) error
	WriteU16(addr Ptr, value uint16) error
	WriteU32(addr Ptr, value uint32) error
	WriteU64(addr Ptr, value uint64) error
}

// Allocator allocates native heap memory. Alloc returns zero-initialized
// memory; Free releases a block previously returned by Alloc.
type Allocator interface {
	Alloc(size uint32) (Ptr, error)
	Free(ptr Ptr)
}

// Function is a resolved native symbol. Invoke passes raw call words and
// returns raw result words (at most one for every call this engine builds).
type Function interface {
	Invoke(ctx context.Context, args []uint64) ([]uint64, error)
}

// Library is a loaded native library.
type Library interface {
	Name() string
	Symbol(name string) (Function, error)
}

// ClosureFunc is invoked when native code calls back through a registered
// closure. Arguments arrive as raw call words in native order.
type ClosureFunc func(args []uint64) (uint64, error)

// ClosureRef identifies a registered closure: Fn is the trampoline word
// native code invokes, Data the closure word passed alongside it.
type ClosureRef struct {
	Fn   Ptr
	Data Ptr
}

// Backend is the native world: dynamic library loading, memory access,
// allocation, the ownership helpers the marshaling layer relies on, and
// closure registration for callback trampolines.
type Backend interface {
	// Open loads a single library by name. Alternative-name fallback is
	// the caller's concern.
	Open(ctx context.Context, name string) (Library, error)

	Memory() Memory
	Allocator() Allocator

	// Reference-counted object helpers.
	RefObject(ptr Ptr) error
	UnrefObject(ptr Ptr) error
	// SinkObject claims a floating reference, converting it into a full
	// one. On a non-floating reference it does nothing; the caller
	// already holds a full reference to adopt.
	SinkObject(ptr Ptr) error

	// Heap-boxed struct helpers. CopyBoxed returns a deep copy the caller
	// owns; FreeBoxed releases an owned copy. lib optionally names the
	// library owning the boxed type, for backends that key copy and free
	// functions per library; empty means unqualified.
	CopyBoxed(typeName, lib string, ptr Ptr) (Ptr, error)
	FreeBoxed(typeName, lib string, ptr Ptr) error

	// Ref-counted variant helpers.
	SinkVariant(ptr Ptr) error
	UnrefVariant(ptr Ptr) error

	// Native free functions for values returned with ownership transfer.
	FreeString(ptr Ptr) error
	FreeStringArray(ptr Ptr) error
	// FreeList releases list nodes only, not the data they point at.
	FreeList(head Ptr, doubly bool) error

	// RegisterClosure installs fn so native code can invoke it; the
	// returned ref stays valid until ReleaseClosure(ref.Data).
	RegisterClosure(fn ClosureFunc) (ClosureRef, error)
	ReleaseClosure(data Ptr) error
	// ClosureUnrefFn is the fixed trampoline word native code may use as a
	// destroy notification to release a closure it was handed.
	ClosureUnrefFn() Ptr

	Close(ctx context.Context) error
}

// Waker posts work onto the scripting side's own event loop. It is the
// asynchronous wake-up channel used when the scripting thread is not
// already blocked inside a call.
type Waker interface {
	Post(fn func())
}
