package marshal

import (
	"go.uber.org/zap"

	nativebridge "github.com/wippyai/native-bridge"
	"github.com/wippyai/native-bridge/descriptor"
	"github.com/wippyai/native-bridge/errors"
	"github.com/wippyai/native-bridge/registry"
	"github.com/wippyai/native-bridge/value"
)

// Decoder converts raw native result words back into dynamic values,
// registering returned handles and applying ownership transfer.
type Decoder struct {
	backend nativebridge.Backend
	reg     *registry.Registry
}

func NewDecoder(backend nativebridge.Backend, reg *registry.Registry) *Decoder {
	return &Decoder{backend: backend, reg: reg}
}

// Decode converts one result word. Owned returns transfer to this side:
// strings and list containers are freed after copying, object references
// are adopted. A null pointer decodes to null, except for arrays which
// decode to an empty array.
func (d *Decoder) Decode(word uint64, t *descriptor.Type) (value.Value, error) {
	switch t.Kind {
	case descriptor.KindInt, descriptor.KindFloat, descriptor.KindBool:
		return DecodeScalar(t, word)

	case descriptor.KindNull:
		return value.Null(), nil

	case descriptor.KindUndefined:
		return value.Undefined(), nil

	case descriptor.KindString:
		ptr := nativebridge.Ptr(word)
		if ptr == 0 {
			return value.Null(), nil
		}
		s, err := d.readCString(ptr)
		if err != nil {
			return value.Value{}, err
		}
		if !t.Borrowed {
			if err := d.backend.FreeString(ptr); err != nil {
				nativebridge.Logger().Warn("freeing owned string return failed",
					zap.Uint64("ptr", uint64(ptr)), zap.Error(err))
			}
		}
		return value.String(s), nil

	case descriptor.KindObject:
		ptr := nativebridge.Ptr(word)
		if ptr == 0 {
			return value.Null(), nil
		}
		if !t.Borrowed {
			// Constructors hand back a floating reference; claim it
			// before adopting.
			if err := d.backend.SinkObject(ptr); err != nil {
				return value.Value{}, errors.Wrap(errors.PhaseDecode, errors.KindInvalidInput, err,
					"claiming returned object reference")
			}
		}
		id, err := d.reg.RegisterObject(ptr, t.Borrowed)
		if err != nil {
			return value.Value{}, err
		}
		return value.Object(id), nil

	case descriptor.KindBoxed:
		ptr := nativebridge.Ptr(word)
		if ptr == 0 {
			return value.Null(), nil
		}
		id, err := d.reg.RegisterBoxed(ptr, t.TypeName, t.Lib, t.Borrowed)
		if err != nil {
			return value.Value{}, err
		}
		return value.Object(id), nil

	case descriptor.KindVariant:
		ptr := nativebridge.Ptr(word)
		if ptr == 0 {
			return value.Null(), nil
		}
		id, err := d.reg.RegisterVariant(ptr, t.Borrowed)
		if err != nil {
			return value.Value{}, err
		}
		return value.Object(id), nil

	case descriptor.KindArray:
		return d.decodeArray(word, t)
	}
	return value.Value{}, errors.Unsupported(errors.PhaseDecode, "cannot decode kind "+t.Kind.String())
}

// decodeArray walks a returned list. Items are always converted as
// borrowed views; when the container itself is owned, ownership covers
// the container only and it is freed after the walk.
func (d *Decoder) decodeArray(word uint64, t *descriptor.Type) (value.Value, error) {
	head := nativebridge.Ptr(word)
	if head == 0 {
		return value.Array(nil), nil
	}

	elem := *t.Elem
	elem.Borrowed = true

	switch t.List {
	case descriptor.ListSingly, descriptor.ListDoubly:
		mem := d.backend.Memory()
		var items []value.Value
		for node := head; node != 0; {
			w, err := mem.ReadU64(node)
			if err != nil {
				return value.Value{}, err
			}
			item, err := d.Decode(w, &elem)
			if err != nil {
				return value.Value{}, err
			}
			items = append(items, item)
			next, err := mem.ReadU64(node + 8)
			if err != nil {
				return value.Value{}, err
			}
			node = nativebridge.Ptr(next)
		}
		if !t.Borrowed {
			if err := d.backend.FreeList(head, t.List == descriptor.ListDoubly); err != nil {
				nativebridge.Logger().Warn("freeing owned list return failed",
					zap.Uint64("head", uint64(head)), zap.Error(err))
			}
		}
		return value.Array(items), nil

	case descriptor.ListContiguous:
		if t.Elem.Kind != descriptor.KindString {
			return value.Value{}, errors.Unsupported(errors.PhaseDecode,
				"contiguous array of "+t.Elem.Kind.String()+" has no length information")
		}
		mem := d.backend.Memory()
		var items []value.Value
		for off := head; ; off += 8 {
			w, err := mem.ReadU64(off)
			if err != nil {
				return value.Value{}, err
			}
			if w == 0 {
				break
			}
			s, err := d.readCString(nativebridge.Ptr(w))
			if err != nil {
				return value.Value{}, err
			}
			items = append(items, value.String(s))
		}
		if !t.Borrowed {
			if err := d.backend.FreeStringArray(head); err != nil {
				nativebridge.Logger().Warn("freeing owned string vector failed",
					zap.Uint64("head", uint64(head)), zap.Error(err))
			}
		}
		return value.Array(items), nil
	}
	return value.Value{}, errors.Unsupported(errors.PhaseDecode, "list kind "+t.List.String())
}

// ReadBack reads an out-parameter slot after the call and stores the
// decoded value into the ref. Caller-allocated object refs carry no
// slot; the native side wrote into the object itself.
func (d *Decoder) ReadBack(out *OutParam) error {
	if out == nil || out.Slot == 0 {
		return nil
	}
	word, err := ReadWord(d.backend.Memory(), out.Slot, out.Inner)
	if err != nil {
		return err
	}
	v, err := d.Decode(word, out.Inner)
	if err != nil {
		return err
	}
	out.Ref.Value = v
	return nil
}

func (d *Decoder) readCString(ptr nativebridge.Ptr) (string, error) {
	mem := d.backend.Memory()
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
