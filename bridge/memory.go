package bridge

import (
	nativebridge "github.com/wippyai/native-bridge"
	"github.com/wippyai/native-bridge/descriptor"
	"github.com/wippyai/native-bridge/errors"
	"github.com/wippyai/native-bridge/marshal"
	"github.com/wippyai/native-bridge/value"
)

// Read loads a field of the given type at offset bytes into the target,
// which is either a registered object or a raw address number. Pointer
// fields register what they point at, honoring the descriptor's
// ownership flag.
func (b *Bridge) Read(target value.Value, offset uint32, t *descriptor.Type) (value.Value, error) {
	res, err := b.disp.CallLoop(func() (any, error) {
		ptr, err := b.resolveTarget(target, errors.PhaseRead)
		if err != nil {
			return nil, err
		}
		word, err := marshal.ReadWord(b.backend.Memory(), ptr+nativebridge.Ptr(offset), t)
		if err != nil {
			return nil, err
		}
		return b.dec.Decode(word, t)
	})
	if err != nil {
		return value.Value{}, err
	}
	return res.(value.Value), nil
}

// Write stores a field of the given type at offset bytes into the
// target. Scalars, handles and null are writable; kinds that would need
// a fresh allocation with an unclear lifetime are not.
func (b *Bridge) Write(target value.Value, offset uint32, t *descriptor.Type, v value.Value) error {
	_, err := b.disp.CallLoop(func() (any, error) {
		ptr, err := b.resolveTarget(target, errors.PhaseWrite)
		if err != nil {
			return nil, err
		}

		var word uint64
		switch t.Kind {
		case descriptor.KindInt, descriptor.KindFloat, descriptor.KindBool:
			word, err = marshal.EncodeScalar(t, v, []string{"value"})
			if err != nil {
				return nil, err
			}
		case descriptor.KindObject, descriptor.KindBoxed, descriptor.KindVariant:
			if !v.IsNullish() {
				id, ok := v.Object()
				if !ok {
					return nil, errors.TypeMismatch(errors.PhaseWrite, []string{"value"}, v.Tag().String(), t.Kind.String())
				}
				p, ok := b.reg.Resolve(id)
				if !ok {
					return nil, errors.StaleObject(errors.PhaseWrite, uint64(id))
				}
				word = uint64(p)
			}
		case descriptor.KindNull:
			// writes a null pointer
		default:
			return nil, errors.Unsupported(errors.PhaseWrite, "writing kind "+t.Kind.String())
		}

		return nil, marshal.WriteWord(b.backend.Memory(), ptr+nativebridge.Ptr(offset), t, word)
	})
	return err
}

// Alloc allocates size bytes of zeroed native memory and registers the
// block as an owned boxed object, so releasing the handle frees it. lib
// optionally names the library owning the boxed type; empty leaves it
// unqualified.
func (b *Bridge) Alloc(size uint32, typeName, lib string) (value.Value, error) {
	res, err := b.disp.CallLoop(func() (any, error) {
		ptr, err := b.backend.Allocator().Alloc(size)
		if err != nil {
			return nil, errors.AllocationFailed(errors.PhaseCall, size)
		}
		id, err := b.reg.RegisterBoxed(ptr, typeName, lib, false)
		if err != nil {
			b.backend.Allocator().Free(ptr)
			return nil, err
		}
		return value.Object(id), nil
	})
	if err != nil {
		return value.Value{}, err
	}
	return res.(value.Value), nil
}

// Address reports the raw native pointer behind a registered object,
// for diagnostics and for APIs that want an address as a plain integer.
func (b *Bridge) Address(id value.ObjectID) (uint64, error) {
	res, err := b.disp.CallLoop(func() (any, error) {
		ptr, ok := b.reg.Resolve(id)
		if !ok {
			return nil, errors.StaleObject(errors.PhaseRead, uint64(id))
		}
		return uint64(ptr), nil
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}
