package engine

import (
	"context"
	"math"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	nativebridge "github.com/wippyai/native-bridge"
	"github.com/wippyai/native-bridge/errors"
)

// wasmMemory adapts wazero linear memory to the backend memory
// interface. Addresses above the 32-bit space are out of bounds by
// construction.
type wasmMemory struct {
	mem api.Memory
}

func (m *wasmMemory) offset(addr nativebridge.Ptr, length uint32) (uint32, error) {
	if uint64(addr) > math.MaxUint32 {
		return 0, errors.OutOfBounds(errors.PhaseRead, uint64(addr), length)
	}
	return uint32(addr), nil
}

func (m *wasmMemory) Read(addr nativebridge.Ptr, length uint32) ([]byte, error) {
	off, err := m.offset(addr, length)
	if err != nil {
		return nil, err
	}
	data, ok := m.mem.Read(off, length)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseRead, uint64(addr), length)
	}
	// The wazero slice aliases linear memory, which can move on growth.
	out := make([]byte, length)
	copy(out, data)
	return out, nil
}

func (m *wasmMemory) Write(addr nativebridge.Ptr, data []byte) error {
	off, err := m.offset(addr, uint32(len(data)))
	if err != nil {
		return err
	}
	if !m.mem.Write(off, data) {
		return errors.OutOfBounds(errors.PhaseWrite, uint64(addr), uint32(len(data)))
	}
	return nil
}

func (m *wasmMemory) ReadU8(addr nativebridge.Ptr) (uint8, error) {
	off, err := m.offset(addr, 1)
	if err != nil {
		return 0, err
	}
	v, ok := m.mem.ReadByte(off)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseRead, uint64(addr), 1)
	}
	return v, nil
}

func (m *wasmMemory) ReadU16(addr nativebridge.Ptr) (uint16, error) {
	off, err := m.offset(addr, 2)
	if err != nil {
		return 0, err
	}
	v, ok := m.mem.ReadUint16Le(off)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseRead, uint64(addr), 2)
	}
	return v, nil
}

func (m *wasmMemory) ReadU32(addr nativebridge.Ptr) (uint32, error) {
	off, err := m.offset(addr, 4)
	if err != nil {
		return 0, err
	}
	v, ok := m.mem.ReadUint32Le(off)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseRead, uint64(addr), 4)
	}
	return v, nil
}

func (m *wasmMemory) ReadU64(addr nativebridge.Ptr) (uint64, error) {
	off, err := m.offset(addr, 8)
	if err != nil {
		return 0, err
	}
	v, ok := m.mem.ReadUint64Le(off)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseRead, uint64(addr), 8)
	}
	return v, nil
}

func (m *wasmMemory) WriteU8(addr nativebridge.Ptr, v uint8) error {
	off, err := m.offset(addr, 1)
	if err != nil {
		return err
	}
	if !m.mem.WriteByte(off, v) {
		return errors.OutOfBounds(errors.PhaseWrite, uint64(addr), 1)
	}
	return nil
}

func (m *wasmMemory) WriteU16(addr nativebridge.Ptr, v uint16) error {
	off, err := m.offset(addr, 2)
	if err != nil {
		return err
	}
	if !m.mem.WriteUint16Le(off, v) {
		return errors.OutOfBounds(errors.PhaseWrite, uint64(addr), 2)
	}
	return nil
}

func (m *wasmMemory) WriteU32(addr nativebridge.Ptr, v uint32) error {
	off, err := m.offset(addr, 4)
	if err != nil {
		return err
	}
	if !m.mem.WriteUint32Le(off, v) {
		return errors.OutOfBounds(errors.PhaseWrite, uint64(addr), 4)
	}
	return nil
}

func (m *wasmMemory) WriteU64(addr nativebridge.Ptr, v uint64) error {
	off, err := m.offset(addr, 8)
	if err != nil {
		return err
	}
	if !m.mem.WriteUint64Le(off, v) {
		return errors.OutOfBounds(errors.PhaseWrite, uint64(addr), 8)
	}
	return nil
}

// wasmAllocator allocates through the world module's malloc and free
// exports.
type wasmAllocator struct {
	engine *Engine
}

func (a *wasmAllocator) Alloc(size uint32) (nativebridge.Ptr, error) {
	results, err := a.engine.malloc.Call(context.Background(), uint64(size))
	if err != nil || len(results) == 0 || results[0] == 0 {
		return 0, errors.AllocationFailed(errors.PhaseMarshal, size)
	}
	ptr := nativebridge.Ptr(results[0])
	// malloc is not obliged to zero; the allocator contract is zeroed
	// memory.
	zero := make([]byte, size)
	if err := a.engine.Memory().Write(ptr, zero); err != nil {
		return 0, err
	}
	return ptr, nil
}

func (a *wasmAllocator) Free(ptr nativebridge.Ptr) {
	if ptr == 0 {
		return
	}
	if _, err := a.engine.free.Call(context.Background(), uint64(ptr)); err != nil {
		Logger().Warn("free failed", zap.Uint64("ptr", uint64(ptr)), zap.Error(err))
	}
}
