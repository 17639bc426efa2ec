package marshal

import (
	"sync"

	nativebridge "github.com/wippyai/native-bridge"
)

// Allocation records one native heap block made while marshaling a call.
type Allocation struct {
	Ptr  nativebridge.Ptr
	Size uint32
}

// AllocationList tracks the temporary native allocations backing one
// call's arguments so they can be freed together once the call (and any
// out-parameter readback) is done.
//
// It also records ownership transfers made while marshaling (an extra
// object reference, a boxed deep copy). Those are meant to be consumed
// by the callee; until Commit is called, Free takes them back so a call
// that never reaches the callee leaks nothing.
type AllocationList struct {
	allocations []Allocation
	transfers   []func()
}

var allocationListPool = sync.Pool{
	New: func() any {
		return &AllocationList{allocations: make([]Allocation, 0, 8)}
	},
}

func NewAllocationList() *AllocationList {
	return allocationListPool.Get().(*AllocationList)
}

const maxPooledAllocationCapacity = 128

// Release returns the list to the pool. Must be called after Free; the
// list is invalid after Release.
func (al *AllocationList) Release() {
	// Only pool small lists to prevent memory bloat
	if cap(al.allocations) > maxPooledAllocationCapacity {
		return
	}
	al.Reset()
	allocationListPool.Put(al)
}

func (al *AllocationList) FreeAndRelease(allocator nativebridge.Allocator) {
	al.Free(allocator)
	al.Release()
}

func (al *AllocationList) Add(ptr nativebridge.Ptr, size uint32) {
	al.allocations = append(al.allocations, Allocation{Ptr: ptr, Size: size})
}

// AddTransfer records the release for ownership already handed over. It
// runs on Free unless Commit drops it first.
func (al *AllocationList) AddTransfer(release func()) {
	al.transfers = append(al.transfers, release)
}

// Commit drops the recorded transfers: the callee has consumed them and
// they must not be taken back. Call right after a successful invoke.
func (al *AllocationList) Commit() {
	al.transfers = al.transfers[:0]
}

func (al *AllocationList) Free(allocator nativebridge.Allocator) {
	for _, release := range al.transfers {
		release()
	}
	al.transfers = al.transfers[:0]
	if allocator == nil {
		return
	}
	for _, a := range al.allocations {
		if a.Ptr != 0 {
			allocator.Free(a.Ptr)
		}
	}
}

func (al *AllocationList) Reset() {
	al.allocations = al.allocations[:0]
	al.transfers = al.transfers[:0]
}

func (al *AllocationList) Count() int {
	return len(al.allocations)
}
