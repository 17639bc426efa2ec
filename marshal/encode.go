// Package marshal converts dynamic values to raw native call words and
// back, driven by type descriptors. Encoding may allocate native memory
// for strings, arrays and out-parameter slots; every allocation is
// recorded on an AllocationList and freed together after the call.
// Ownership transfer is applied here: owned object arguments get an
// extra reference taken, owned boxed arguments are deep copied, and
// decoded owned returns adopt the transferred reference.
package marshal

import (
	"encoding/binary"
	"strconv"

	"go.uber.org/zap"

	nativebridge "github.com/wippyai/native-bridge"
	"github.com/wippyai/native-bridge/descriptor"
	"github.com/wippyai/native-bridge/errors"
	"github.com/wippyai/native-bridge/registry"
	"github.com/wippyai/native-bridge/value"
)

// CallbackMarshaler turns a scripting-side function into trampoline call
// words. It lives behind an interface so the trampoline layer can build
// on this package without a cycle.
type CallbackMarshaler interface {
	// MarshalCallback registers fn and returns its call words, one per
	// slot the callback descriptor occupies in the native signature.
	MarshalCallback(fn value.Func, cb *descriptor.Callback) ([]uint64, error)
	// CallbackSlots reports how many signature slots cb occupies.
	CallbackSlots(cb *descriptor.Callback) int
}

// OutParam remembers an out-parameter slot so the bridge can read the
// native side's answer back after the call. Slot is zero when the
// native side writes into caller-allocated object memory directly; in
// that case there is nothing to read back.
type OutParam struct {
	Ref   *value.Ref
	Inner *descriptor.Type
	Slot  nativebridge.Ptr
}

// Encoder marshals dynamic values into native call words.
type Encoder struct {
	backend   nativebridge.Backend
	reg       *registry.Registry
	callbacks CallbackMarshaler
}

// NewEncoder creates an encoder. callbacks may be nil when the embedder
// never passes function values.
func NewEncoder(backend nativebridge.Backend, reg *registry.Registry, callbacks CallbackMarshaler) *Encoder {
	return &Encoder{backend: backend, reg: reg, callbacks: callbacks}
}

// Encode marshals one argument. Most descriptors produce a single call
// word; callbacks expand to one word per trampoline slot. The returned
// OutParam is non-nil only for ref arguments that need readback.
func (e *Encoder) Encode(v value.Value, t *descriptor.Type, path []string, allocs *AllocationList) ([]uint64, *OutParam, error) {
	switch t.Kind {
	case descriptor.KindInt, descriptor.KindFloat, descriptor.KindBool:
		w, err := EncodeScalar(t, v, path)
		if err != nil {
			return nil, nil, err
		}
		return []uint64{w}, nil, nil

	case descriptor.KindString:
		if v.IsNullish() {
			return []uint64{0}, nil, nil
		}
		s, ok := v.String()
		if !ok {
			return nil, nil, errors.TypeMismatch(errors.PhaseMarshal, path, v.Tag().String(), "string")
		}
		ptr, err := e.allocBytes(append([]byte(s), 0), allocs)
		if err != nil {
			return nil, nil, err
		}
		return []uint64{uint64(ptr)}, nil, nil

	case descriptor.KindNull, descriptor.KindUndefined:
		return []uint64{0}, nil, nil

	case descriptor.KindObject:
		ptr, err := e.resolveHandle(v, path, "object")
		if err != nil {
			return nil, nil, err
		}
		// The callee consumes one reference on an owned argument; take
		// it here so the registry's reference survives the call. If the
		// call never reaches the callee the transfer is taken back.
		if ptr != 0 && !t.Borrowed {
			if err := e.backend.RefObject(ptr); err != nil {
				return nil, nil, errors.Wrap(errors.PhaseMarshal, errors.KindInvalidInput, err,
					"taking reference for owned object argument")
			}
			obj := ptr
			allocs.AddTransfer(func() {
				if err := e.backend.UnrefObject(obj); err != nil {
					nativebridge.Logger().Warn("releasing undelivered object reference failed",
						zap.Uint64("ptr", uint64(obj)), zap.Error(err))
				}
			})
		}
		return []uint64{uint64(ptr)}, nil, nil

	case descriptor.KindBoxed:
		ptr, err := e.resolveHandle(v, path, "boxed")
		if err != nil {
			return nil, nil, err
		}
		// The callee takes ownership of an owned argument; hand it a
		// deep copy and keep the registered original intact. The copy is
		// freed again if the call never reaches the callee.
		if ptr != 0 && !t.Borrowed {
			copied, err := e.backend.CopyBoxed(t.TypeName, t.Lib, ptr)
			if err != nil {
				return nil, nil, errors.Wrap(errors.PhaseMarshal, errors.KindInvalidInput, err,
					"copying owned boxed argument "+t.TypeName)
			}
			ptr = copied
			allocs.AddTransfer(func() {
				if err := e.backend.FreeBoxed(t.TypeName, t.Lib, copied); err != nil {
					nativebridge.Logger().Warn("freeing undelivered boxed copy failed",
						zap.String("type", t.TypeName), zap.Error(err))
				}
			})
		}
		return []uint64{uint64(ptr)}, nil, nil

	case descriptor.KindVariant:
		ptr, err := e.resolveHandle(v, path, "variant")
		if err != nil {
			return nil, nil, err
		}
		return []uint64{uint64(ptr)}, nil, nil

	case descriptor.KindArray:
		w, err := e.encodeArray(v, t, path, allocs)
		if err != nil {
			return nil, nil, err
		}
		return []uint64{w}, nil, nil

	case descriptor.KindCallback:
		return e.encodeCallback(v, t.Callback, path)

	case descriptor.KindRef:
		return e.encodeRef(v, t.Elem, path, allocs)
	}
	return nil, nil, errors.Unsupported(errors.PhaseMarshal, "cannot marshal kind "+t.Kind.String())
}

// resolveHandle maps an object value (or null) to its native pointer.
func (e *Encoder) resolveHandle(v value.Value, path []string, typeName string) (nativebridge.Ptr, error) {
	if v.IsNullish() {
		return 0, nil
	}
	id, ok := v.Object()
	if !ok {
		return 0, errors.TypeMismatch(errors.PhaseMarshal, path, v.Tag().String(), typeName)
	}
	ptr, ok := e.reg.Resolve(id)
	if !ok {
		return 0, errors.StaleObject(errors.PhaseMarshal, uint64(id))
	}
	return ptr, nil
}

func (e *Encoder) encodeArray(v value.Value, t *descriptor.Type, path []string, allocs *AllocationList) (uint64, error) {
	items, ok := v.Array()
	if !ok {
		return 0, errors.TypeMismatch(errors.PhaseMarshal, path, v.Tag().String(), "array")
	}
	if len(items) == 0 {
		return 0, nil
	}

	elem := t.Elem
	switch elem.Kind {
	case descriptor.KindInt, descriptor.KindFloat:
		width := int(elem.Size / 8)
		buf := make([]byte, len(items)*width)
		for i, item := range items {
			w, err := EncodeScalar(elem, item, itemPath(path, i))
			if err != nil {
				return 0, err
			}
			putWord(buf[i*width:], width, w)
		}
		ptr, err := e.allocBytes(buf, allocs)
		return uint64(ptr), err

	case descriptor.KindBool:
		buf := make([]byte, len(items))
		for i, item := range items {
			w, err := EncodeScalar(elem, item, itemPath(path, i))
			if err != nil {
				return 0, err
			}
			buf[i] = byte(w)
		}
		ptr, err := e.allocBytes(buf, allocs)
		return uint64(ptr), err

	case descriptor.KindString:
		words := make([]uint64, len(items)+1)
		for i, item := range items {
			s, ok := item.String()
			if !ok {
				return 0, errors.TypeMismatch(errors.PhaseMarshal, itemPath(path, i), item.Tag().String(), "string")
			}
			ptr, err := e.allocBytes(append([]byte(s), 0), allocs)
			if err != nil {
				return 0, err
			}
			words[i] = uint64(ptr)
		}
		return e.allocWords(words, allocs)

	case descriptor.KindObject, descriptor.KindBoxed, descriptor.KindVariant:
		words := make([]uint64, len(items)+1)
		for i, item := range items {
			ptr, err := e.resolveHandle(item, itemPath(path, i), elem.Kind.String())
			if err != nil {
				return 0, err
			}
			words[i] = uint64(ptr)
		}
		return e.allocWords(words, allocs)
	}
	return 0, errors.Unsupported(errors.PhaseMarshal, "array item kind "+elem.Kind.String())
}

func (e *Encoder) encodeCallback(v value.Value, cb *descriptor.Callback, path []string) ([]uint64, *OutParam, error) {
	if e.callbacks == nil {
		return nil, nil, errors.Unsupported(errors.PhaseMarshal, "no callback marshaler configured")
	}
	if v.IsNullish() {
		return make([]uint64, e.callbacks.CallbackSlots(cb)), nil, nil
	}
	fn, ok := v.Func()
	if !ok {
		return nil, nil, errors.TypeMismatch(errors.PhaseMarshal, path, v.Tag().String(), "callback")
	}
	words, err := e.callbacks.MarshalCallback(fn, cb)
	if err != nil {
		return nil, nil, err
	}
	return words, nil, nil
}

// encodeRef marshals an out-parameter. Object and boxed refs holding a
// live handle pass the pointer directly: the native side writes into
// caller-allocated memory and no readback happens. A nullish handle (or
// any other inner type) gets an eight byte slot the native side writes
// its answer into.
func (e *Encoder) encodeRef(v value.Value, inner *descriptor.Type, path []string, allocs *AllocationList) ([]uint64, *OutParam, error) {
	if v.IsNullish() {
		return []uint64{0}, nil, nil
	}
	ref, ok := v.Ref()
	if !ok {
		return nil, nil, errors.TypeMismatch(errors.PhaseMarshal, path, v.Tag().String(), "ref")
	}

	if inner.Kind == descriptor.KindObject || inner.Kind == descriptor.KindBoxed {
		switch {
		case ref.Value.Tag() == value.TagObject:
			ptr, err := e.resolveHandle(ref.Value, path, inner.Kind.String())
			if err != nil {
				return nil, nil, err
			}
			return []uint64{uint64(ptr)}, nil, nil
		case ref.Value.IsNullish():
			slot, err := e.allocSlot(allocs)
			if err != nil {
				return nil, nil, err
			}
			return []uint64{uint64(slot)}, &OutParam{Ref: ref, Inner: inner, Slot: slot}, nil
		default:
			return nil, nil, errors.TypeMismatch(errors.PhaseMarshal, path, ref.Value.Tag().String(), "object or null")
		}
	}

	if inner.Kind == descriptor.KindRef || inner.Kind == descriptor.KindCallback {
		return nil, nil, errors.Unsupported(errors.PhaseMarshal, "ref of "+inner.Kind.String())
	}

	words, _, err := e.Encode(ref.Value, inner, append(path[:len(path):len(path)], "ref"), allocs)
	if err != nil {
		return nil, nil, err
	}
	slot, err := e.allocSlot(allocs)
	if err != nil {
		return nil, nil, err
	}
	if err := e.backend.Memory().WriteU64(slot, words[0]); err != nil {
		return nil, nil, err
	}
	return []uint64{uint64(slot)}, &OutParam{Ref: ref, Inner: inner, Slot: slot}, nil
}

func (e *Encoder) allocBytes(data []byte, allocs *AllocationList) (nativebridge.Ptr, error) {
	size := uint32(len(data))
	ptr, err := e.backend.Allocator().Alloc(size)
	if err != nil {
		return 0, errors.AllocationFailed(errors.PhaseMarshal, size)
	}
	allocs.Add(ptr, size)
	if err := e.backend.Memory().Write(ptr, data); err != nil {
		return 0, err
	}
	return ptr, nil
}

func (e *Encoder) allocWords(words []uint64, allocs *AllocationList) (uint64, error) {
	buf := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	ptr, err := e.allocBytes(buf, allocs)
	return uint64(ptr), err
}

func (e *Encoder) allocSlot(allocs *AllocationList) (nativebridge.Ptr, error) {
	// Alloc returns zeroed memory, so the slot starts out null.
	ptr, err := e.backend.Allocator().Alloc(8)
	if err != nil {
		return 0, errors.AllocationFailed(errors.PhaseMarshal, 8)
	}
	allocs.Add(ptr, 8)
	return ptr, nil
}

func putWord(dst []byte, width int, w uint64) {
	switch width {
	case 1:
		dst[0] = byte(w)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(w))
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(w))
	default:
		binary.LittleEndian.PutUint64(dst, w)
	}
}

func itemPath(path []string, i int) []string {
	return append(path[:len(path):len(path)], strconv.Itoa(i))
}
