// Package testbed provides a hermetic in-memory implementation of the
// native backend: arena memory, scripted libraries, reference-count and
// allocation bookkeeping. It exists so the bridge's behavior can be
// exercised and asserted on without a real native world.
package testbed

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	nativebridge "github.com/wippyai/native-bridge"
	"github.com/wippyai/native-bridge/errors"
)

const (
	arenaBase   = 8
	closureData = nativebridge.Ptr(1) << 48
	closureFn   = nativebridge.Ptr(1) << 52

	// UnrefClosureFn is the fixed destroy-notification trampoline word.
	UnrefClosureFn = nativebridge.Ptr(1)<<52 - 1
)

type block struct {
	size  uint32
	freed bool
}

type refState struct {
	refs      int
	floating  bool
	destroyed bool
}

// Backend is an in-memory native world. It is safe for use from the two
// goroutines the bridge runs: short critical sections guard every table.
type Backend struct {
	mu       sync.Mutex
	buf      []byte
	next     nativebridge.Ptr
	blocks   map[nativebridge.Ptr]*block
	libs     map[string]*Library
	objects  map[nativebridge.Ptr]*refState
	variants map[nativebridge.Ptr]*refState
	boxed    map[string]bool   // copyable type names
	owners   map[string]string // owning library last named per type
	copies   map[string]int
	closures map[nativebridge.Ptr]nativebridge.ClosureFunc
	released map[nativebridge.Ptr]bool
	nextObj  nativebridge.Ptr
	nextClos uint64
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{
		buf:      make([]byte, 1<<16),
		next:     arenaBase,
		blocks:   make(map[nativebridge.Ptr]*block),
		libs:     make(map[string]*Library),
		objects:  make(map[nativebridge.Ptr]*refState),
		variants: make(map[nativebridge.Ptr]*refState),
		boxed:    make(map[string]bool),
		owners:   make(map[string]string),
		copies:   make(map[string]int),
		closures: make(map[nativebridge.Ptr]nativebridge.ClosureFunc),
		released: make(map[nativebridge.Ptr]bool),
		nextObj:  1 << 40, // object handles live outside the arena
		nextClos: 1,
	}
}

// NativeFunc is a scripted native symbol.
type NativeFunc func(args []uint64) ([]uint64, error)

// Library is a scripted native library.
type Library struct {
	name    string
	backend *Backend
	funcs   map[string]NativeFunc
}

func (l *Library) Name() string { return l.name }

// Symbol resolves a scripted function by name.
func (l *Library) Symbol(name string) (nativebridge.Function, error) {
	l.backend.mu.Lock()
	fn, ok := l.funcs[name]
	l.backend.mu.Unlock()
	if !ok {
		return nil, errors.NotFound(errors.PhaseLoad, "symbol", name)
	}
	return &function{name: name, fn: fn}, nil
}

type function struct {
	name string
	fn   NativeFunc
}

func (f *function) Invoke(_ context.Context, args []uint64) ([]uint64, error) {
	return f.fn(args)
}

// Lib returns the named library, creating it if needed, so tests can
// script symbols before the bridge opens it.
func (b *Backend) Lib(name string) *Library {
	b.mu.Lock()
	defer b.mu.Unlock()
	lib, ok := b.libs[name]
	if !ok {
		lib = &Library{name: name, backend: b, funcs: make(map[string]NativeFunc)}
		b.libs[name] = lib
	}
	return lib
}

// Define scripts a symbol on the library.
func (l *Library) Define(symbol string, fn NativeFunc) *Library {
	l.backend.mu.Lock()
	l.funcs[symbol] = fn
	l.backend.mu.Unlock()
	return l
}

// Open loads a previously scripted library.
func (b *Backend) Open(_ context.Context, name string) (nativebridge.Library, error) {
	b.mu.Lock()
	lib, ok := b.libs[name]
	b.mu.Unlock()
	if !ok {
		return nil, errors.NotFound(errors.PhaseLoad, "library", name)
	}
	return lib, nil
}

func (b *Backend) Memory() nativebridge.Memory       { return (*arenaMemory)(b) }
func (b *Backend) Allocator() nativebridge.Allocator { return (*arenaAllocator)(b) }

func (b *Backend) Close(context.Context) error { return nil }

// --- arena -----------------------------------------------------------

func (b *Backend) alloc(size uint32) (nativebridge.Ptr, error) {
	if size == 0 {
		size = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ptr := (b.next + 7) &^ 7
	end := ptr + nativebridge.Ptr(size)
	for end > nativebridge.Ptr(len(b.buf)) {
		b.buf = append(b.buf, make([]byte, len(b.buf))...)
	}
	for i := ptr; i < end; i++ {
		b.buf[i] = 0
	}
	b.next = end
	b.blocks[ptr] = &block{size: size}
	return ptr, nil
}

func (b *Backend) free(ptr nativebridge.Ptr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if blk, ok := b.blocks[ptr]; ok {
		blk.freed = true
	}
}

type arenaAllocator Backend

func (a *arenaAllocator) Alloc(size uint32) (nativebridge.Ptr, error) {
	return (*Backend)(a).alloc(size)
}

func (a *arenaAllocator) Free(ptr nativebridge.Ptr) {
	(*Backend)(a).free(ptr)
}

type arenaMemory Backend

// access runs op over the addressed bytes while holding the arena lock;
// the arena may grow and reallocate, so the slice never escapes the lock.
func (m *arenaMemory) access(addr nativebridge.Ptr, length uint32, op func([]byte)) error {
	b := (*Backend)(m)
	b.mu.Lock()
	defer b.mu.Unlock()
	end := addr + nativebridge.Ptr(length)
	if addr < arenaBase || end > nativebridge.Ptr(len(b.buf)) {
		return errors.OutOfBounds(errors.PhaseRead, uint64(addr), length)
	}
	op(b.buf[addr:end])
	return nil
}

func (m *arenaMemory) Read(addr nativebridge.Ptr, length uint32) ([]byte, error) {
	out := make([]byte, length)
	err := m.access(addr, length, func(s []byte) { copy(out, s) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *arenaMemory) Write(addr nativebridge.Ptr, data []byte) error {
	return m.access(addr, uint32(len(data)), func(s []byte) { copy(s, data) })
}

func (m *arenaMemory) ReadU8(addr nativebridge.Ptr) (uint8, error) {
	var v uint8
	err := m.access(addr, 1, func(s []byte) { v = s[0] })
	return v, err
}

func (m *arenaMemory) ReadU16(addr nativebridge.Ptr) (uint16, error) {
	var v uint16
	err := m.access(addr, 2, func(s []byte) { v = binary.LittleEndian.Uint16(s) })
	return v, err
}

func (m *arenaMemory) ReadU32(addr nativebridge.Ptr) (uint32, error) {
	var v uint32
	err := m.access(addr, 4, func(s []byte) { v = binary.LittleEndian.Uint32(s) })
	return v, err
}

func (m *arenaMemory) ReadU64(addr nativebridge.Ptr) (uint64, error) {
	var v uint64
	err := m.access(addr, 8, func(s []byte) { v = binary.LittleEndian.Uint64(s) })
	return v, err
}

func (m *arenaMemory) WriteU8(addr nativebridge.Ptr, v uint8) error {
	return m.access(addr, 1, func(s []byte) { s[0] = v })
}

func (m *arenaMemory) WriteU16(addr nativebridge.Ptr, v uint16) error {
	return m.access(addr, 2, func(s []byte) { binary.LittleEndian.PutUint16(s, v) })
}

func (m *arenaMemory) WriteU32(addr nativebridge.Ptr, v uint32) error {
	return m.access(addr, 4, func(s []byte) { binary.LittleEndian.PutUint32(s, v) })
}

func (m *arenaMemory) WriteU64(addr nativebridge.Ptr, v uint64) error {
	return m.access(addr, 8, func(s []byte) { binary.LittleEndian.PutUint64(s, v) })
}

// --- reference-counted objects ----------------------------------------

// NewObject creates a reference-counted object with one reference.
func (b *Backend) NewObject() nativebridge.Ptr {
	return b.newRef(b.objects, false)
}

// NewFloatingObject creates an object with a floating initial reference.
func (b *Backend) NewFloatingObject() nativebridge.Ptr {
	return b.newRef(b.objects, true)
}

// NewVariant creates a ref-counted variant; floating selects a floating
// initial reference.
func (b *Backend) NewVariant(floating bool) nativebridge.Ptr {
	return b.newRef(b.variants, floating)
}

func (b *Backend) newRef(table map[nativebridge.Ptr]*refState, floating bool) nativebridge.Ptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	ptr := b.nextObj
	b.nextObj++
	table[ptr] = &refState{refs: 1, floating: floating}
	return ptr
}

func (b *Backend) refOp(table map[nativebridge.Ptr]*refState, ptr nativebridge.Ptr, op func(*refState) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := table[ptr]
	if !ok || st.destroyed {
		return errors.InvalidInput(errors.PhaseRegistry, fmt.Sprintf("no live object at 0x%x", uint64(ptr)))
	}
	return op(st)
}

func (b *Backend) RefObject(ptr nativebridge.Ptr) error {
	return b.refOp(b.objects, ptr, func(st *refState) error {
		st.refs++
		return nil
	})
}

func (b *Backend) UnrefObject(ptr nativebridge.Ptr) error {
	return b.refOp(b.objects, ptr, func(st *refState) error {
		st.refs--
		if st.refs == 0 {
			st.destroyed = true
		}
		return nil
	})
}

// SinkObject claims a floating reference. Unlike SinkVariant it never
// adds a reference: a non-floating pointer is already a full reference
// the caller adopts as is.
func (b *Backend) SinkObject(ptr nativebridge.Ptr) error {
	return b.refOp(b.objects, ptr, func(st *refState) error {
		st.floating = false
		return nil
	})
}

func (b *Backend) SinkVariant(ptr nativebridge.Ptr) error {
	return b.refOp(b.variants, ptr, func(st *refState) error {
		if st.floating {
			st.floating = false
		} else {
			st.refs++
		}
		return nil
	})
}

func (b *Backend) UnrefVariant(ptr nativebridge.Ptr) error {
	return b.refOp(b.variants, ptr, func(st *refState) error {
		st.refs--
		if st.refs == 0 {
			st.destroyed = true
		}
		return nil
	})
}

// RefCount reports the current reference count for an object or variant.
func (b *Backend) RefCount(ptr nativebridge.Ptr) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.objects[ptr]; ok {
		return st.refs
	}
	if st, ok := b.variants[ptr]; ok {
		return st.refs
	}
	return 0
}

// Floating reports whether the object or variant still holds a floating
// reference.
func (b *Backend) Floating(ptr nativebridge.Ptr) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.objects[ptr]; ok {
		return st.floating
	}
	if st, ok := b.variants[ptr]; ok {
		return st.floating
	}
	return false
}

// Destroyed reports whether the object or variant dropped to zero
// references.
func (b *Backend) Destroyed(ptr nativebridge.Ptr) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.objects[ptr]; ok {
		return st.destroyed
	}
	if st, ok := b.variants[ptr]; ok {
		return st.destroyed
	}
	return false
}

// --- boxed structs -----------------------------------------------------

// DefineBoxed marks a boxed type name as copyable, the way a registered
// native type with a known copy function would be.
func (b *Backend) DefineBoxed(typeName string) {
	b.mu.Lock()
	b.boxed[typeName] = true
	b.mu.Unlock()
}

func (b *Backend) CopyBoxed(typeName, lib string, ptr nativebridge.Ptr) (nativebridge.Ptr, error) {
	b.mu.Lock()
	known := b.boxed[typeName]
	if lib != "" {
		b.owners[typeName] = lib
	}
	var size uint32
	if blk, ok := b.blocks[ptr]; ok && !blk.freed {
		size = blk.size
	}
	b.mu.Unlock()
	if !known {
		return 0, errors.NotFound(errors.PhaseRegistry, "boxed type", typeName)
	}
	if size == 0 {
		return 0, errors.InvalidInput(errors.PhaseRegistry, fmt.Sprintf("no live allocation at 0x%x", uint64(ptr)))
	}
	dst, err := b.alloc(size)
	if err != nil {
		return 0, err
	}
	src, err := b.Memory().Read(ptr, size)
	if err != nil {
		return 0, err
	}
	if err := b.Memory().Write(dst, src); err != nil {
		return 0, err
	}
	b.mu.Lock()
	b.copies[typeName]++
	b.mu.Unlock()
	return dst, nil
}

func (b *Backend) FreeBoxed(typeName, lib string, ptr nativebridge.Ptr) error {
	b.mu.Lock()
	blk, ok := b.blocks[ptr]
	if lib != "" {
		b.owners[typeName] = lib
	}
	b.mu.Unlock()
	if !ok || blk.freed {
		return errors.InvalidInput(errors.PhaseRegistry,
			fmt.Sprintf("free of unknown boxed %s at 0x%x", typeName, uint64(ptr)))
	}
	b.free(ptr)
	return nil
}

// Copies reports how many deep copies were made of a boxed type.
func (b *Backend) Copies(typeName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copies[typeName]
}

// BoxedOwner reports the owning library most recently named for a boxed
// type in a copy or free, empty if the type was only used unqualified.
func (b *Backend) BoxedOwner(typeName string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owners[typeName]
}

// --- native free functions ---------------------------------------------

func (b *Backend) FreeString(ptr nativebridge.Ptr) error {
	b.free(ptr)
	return nil
}

func (b *Backend) FreeStringArray(ptr nativebridge.Ptr) error {
	mem := b.Memory()
	for off := ptr; ; off += 8 {
		word, err := mem.ReadU64(off)
		if err != nil {
			return err
		}
		if word == 0 {
			break
		}
		b.free(nativebridge.Ptr(word))
	}
	b.free(ptr)
	return nil
}

// FreeList releases list nodes only. The next pointer sits at offset 8
// in both node layouts, so the walk is the same either way.
func (b *Backend) FreeList(head nativebridge.Ptr, doubly bool) error {
	mem := b.Memory()
	for node := head; node != 0; {
		next, err := mem.ReadU64(node + 8)
		if err != nil {
			return err
		}
		b.free(node)
		node = nativebridge.Ptr(next)
	}
	return nil
}

// --- closures ------------------------------------------------------------

func (b *Backend) RegisterClosure(fn nativebridge.ClosureFunc) (nativebridge.ClosureRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.nextClos
	b.nextClos++
	ref := nativebridge.ClosureRef{
		Fn:   closureFn + nativebridge.Ptr(n),
		Data: closureData + nativebridge.Ptr(n),
	}
	b.closures[ref.Data] = fn
	return ref, nil
}

func (b *Backend) ReleaseClosure(data nativebridge.Ptr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.closures[data]; !ok {
		return errors.InvalidInput(errors.PhaseRegistry,
			fmt.Sprintf("release of unknown closure 0x%x", uint64(data)))
	}
	delete(b.closures, data)
	b.released[data] = true
	return nil
}

func (b *Backend) ClosureUnrefFn() nativebridge.Ptr { return UnrefClosureFn }

// InvokeClosure simulates native code calling back through a registered
// closure.
func (b *Backend) InvokeClosure(data nativebridge.Ptr, args []uint64) (uint64, error) {
	b.mu.Lock()
	fn, ok := b.closures[data]
	b.mu.Unlock()
	if !ok {
		return 0, errors.InvalidInput(errors.PhaseRegistry,
			fmt.Sprintf("invoke of unknown closure 0x%x", uint64(data)))
	}
	return fn(args)
}

// ClosureReleased reports whether the closure was explicitly released.
func (b *Backend) ClosureReleased(data nativebridge.Ptr) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released[data]
}

// LiveClosures reports the number of registered, unreleased closures.
func (b *Backend) LiveClosures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.closures)
}

// --- test helpers ---------------------------------------------------------

// CString allocates a NUL-terminated copy of s and returns its address.
func (b *Backend) CString(s string) nativebridge.Ptr {
	ptr, err := b.alloc(uint32(len(s)) + 1)
	if err != nil {
		panic(err)
	}
	if err := b.Memory().Write(ptr, append([]byte(s), 0)); err != nil {
		panic(err)
	}
	return ptr
}

// ReadCString reads a NUL-terminated string at ptr.
func (b *Backend) ReadCString(ptr nativebridge.Ptr) (string, error) {
	mem := b.Memory()
	var out []byte
	for off := ptr; ; off++ {
		c, err := mem.ReadU8(off)
		if err != nil {
			return "", err
		}
		if c == 0 {
			return string(out), nil
		}
		out = append(out, c)
	}
}

// MakeList builds a linked list of nodes carrying the given data words and
// returns the head pointer. Nodes are {data, next} for singly-linked lists
// and {data, next, prev} for doubly-linked ones.
func (b *Backend) MakeList(items []uint64, doubly bool) nativebridge.Ptr {
	if len(items) == 0 {
		return 0
	}
	nodeSize := uint32(16)
	if doubly {
		nodeSize = 24
	}
	nodes := make([]nativebridge.Ptr, len(items))
	for i := range items {
		ptr, err := b.alloc(nodeSize)
		if err != nil {
			panic(err)
		}
		nodes[i] = ptr
	}
	mem := b.Memory()
	for i, node := range nodes {
		if err := mem.WriteU64(node, items[i]); err != nil {
			panic(err)
		}
		var next, prev nativebridge.Ptr
		if i+1 < len(nodes) {
			next = nodes[i+1]
		}
		if i > 0 {
			prev = nodes[i-1]
		}
		if err := mem.WriteU64(node+8, uint64(next)); err != nil {
			panic(err)
		}
		if doubly {
			if err := mem.WriteU64(node+16, uint64(prev)); err != nil {
				panic(err)
			}
		}
	}
	return nodes[0]
}

// MakeStrv builds a NULL-terminated string vector and returns its address.
func (b *Backend) MakeStrv(items []string) nativebridge.Ptr {
	vec, err := b.alloc(uint32(len(items)+1) * 8)
	if err != nil {
		panic(err)
	}
	mem := b.Memory()
	for i, s := range items {
		if err := mem.WriteU64(vec+nativebridge.Ptr(i*8), uint64(b.CString(s))); err != nil {
			panic(err)
		}
	}
	if err := mem.WriteU64(vec+nativebridge.Ptr(len(items)*8), 0); err != nil {
		panic(err)
	}
	return vec
}

// Freed reports whether the allocation at ptr was released.
func (b *Backend) Freed(ptr nativebridge.Ptr) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	blk, ok := b.blocks[ptr]
	return ok && blk.freed
}

// LiveAllocations reports the number of unfreed arena blocks.
func (b *Backend) LiveAllocations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, blk := range b.blocks {
		if !blk.freed {
			n++
		}
	}
	return n
}
