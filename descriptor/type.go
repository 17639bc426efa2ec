package descriptor

// Type describes one value crossing the native boundary. Recursive kinds
// (array, ref, callback) carry fully resolved sub-descriptors, so a call
// interface can always be built from a parsed Type without further input.
type Type struct {
	Kind     Kind
	Size     uint8 // integers: 8/16/32/64, floats: 32/64
	Signed   bool
	Borrowed bool
	TypeName string // boxed struct type name
	Lib      string // library owning the boxed type, optional
	Elem     *Type  // array item type / ref inner type
	List     ListKind
	Callback *Callback
}

// Callback describes a callback-typed argument.
type Callback struct {
	Trampoline TrampolineKind
	Args       []*Type // nil means generic argument conversion
	Return     *Type
	Source     *Type // async-ready source object
	Result     *Type // async-ready result object
}

// Native maps a descriptor to its call-interface slot type. The mapping
// is total over the closed kind set: anything pointer-shaped maps to
// NativePointer, undefined to NativeVoid, scalars one-to-one.
func (t *Type) Native() NativeType {
	switch t.Kind {
	case KindInt:
		switch t.Size {
		case 8:
			if t.Signed {
				return NativeI8
			}
			return NativeU8
		case 16:
			if t.Signed {
				return NativeI16
			}
			return NativeU16
		case 64:
			if t.Signed {
				return NativeI64
			}
			return NativeU64
		default:
			if t.Signed {
				return NativeI32
			}
			return NativeU32
		}
	case KindFloat:
		if t.Size == 32 {
			return NativeF32
		}
		return NativeF64
	case KindBool:
		return NativeU8
	case KindUndefined:
		return NativeVoid
	default:
		// string, null, object, boxed, variant, array, callback, ref
		return NativePointer
	}
}

// Convenience constructors used by tests and embedders that build
// descriptors in Go instead of parsing them.

func Int(size uint8, signed bool) *Type {
	return &Type{Kind: KindInt, Size: size, Signed: signed}
}

func Float(size uint8) *Type {
	return &Type{Kind: KindFloat, Size: size}
}

func String(borrowed bool) *Type {
	return &Type{Kind: KindString, Borrowed: borrowed}
}

func Bool() *Type {
	return &Type{Kind: KindBool}
}

func Null() *Type {
	return &Type{Kind: KindNull}
}

func Undefined() *Type {
	return &Type{Kind: KindUndefined}
}

func Object(borrowed bool) *Type {
	return &Type{Kind: KindObject, Borrowed: borrowed}
}

func Boxed(borrowed bool, typeName, lib string) *Type {
	return &Type{Kind: KindBoxed, Borrowed: borrowed, TypeName: typeName, Lib: lib}
}

func Variant(borrowed bool) *Type {
	return &Type{Kind: KindVariant, Borrowed: borrowed}
}

func Array(item *Type, list ListKind, borrowed bool) *Type {
	return &Type{Kind: KindArray, Elem: item, List: list, Borrowed: borrowed}
}

func CallbackOf(cb *Callback) *Type {
	return &Type{Kind: KindCallback, Callback: cb}
}

func Ref(inner *Type) *Type {
	return &Type{Kind: KindRef, Elem: inner}
}
