// Package value defines the dynamic value union exchanged with the
// scripting layer. A Value's tag must be compatible with its paired type
// descriptor at marshaling time; the marshaling layer enforces that.
package value

import "strconv"

// ObjectID is an opaque identity for a registered native object.
type ObjectID uint64

// Tag identifies a Value variant.
type Tag uint8

const (
	TagNumber Tag = iota
	TagString
	TagBool
	TagObject
	TagNull
	TagUndefined
	TagArray
	TagFunc
	TagRef
)

var tagNames = [...]string{
	TagNumber:    "number",
	TagString:    "string",
	TagBool:      "boolean",
	TagObject:    "object",
	TagNull:      "null",
	TagUndefined: "undefined",
	TagArray:     "array",
	TagFunc:      "function",
	TagRef:       "ref",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return "unknown"
}

// Func is a scripting-side callback handle. It runs on the scripting
// thread only; the trampoline layer is responsible for getting there.
type Func func(args []Value) (Value, error)

// Ref wraps a value passed as an out-parameter. After the call the bridge
// writes the native result back into Value.
type Ref struct {
	Value Value
}

// Value is the dynamic value union.
type Value struct {
	tag Tag
	num float64
	str string
	b   bool
	obj ObjectID
	arr []Value
	fn  Func
	ref *Ref
}

func Number(n float64) Value    { return Value{tag: TagNumber, num: n} }
func String(s string) Value     { return Value{tag: TagString, str: s} }
func Bool(b bool) Value         { return Value{tag: TagBool, b: b} }
func Object(id ObjectID) Value  { return Value{tag: TagObject, obj: id} }
func Null() Value               { return Value{tag: TagNull} }
func Undefined() Value          { return Value{tag: TagUndefined} }
func Array(items []Value) Value { return Value{tag: TagArray, arr: items} }
func Callback(fn Func) Value    { return Value{tag: TagFunc, fn: fn} }
func OutParam(ref *Ref) Value   { return Value{tag: TagRef, ref: ref} }

func (v Value) Tag() Tag { return v.tag }

// IsNullish reports whether v is null or undefined.
func (v Value) IsNullish() bool {
	return v.tag == TagNull || v.tag == TagUndefined
}

func (v Value) Number() (float64, bool) {
	return v.num, v.tag == TagNumber
}

func (v Value) String() (string, bool) {
	return v.str, v.tag == TagString
}

func (v Value) Bool() (bool, bool) {
	return v.b, v.tag == TagBool
}

func (v Value) Object() (ObjectID, bool) {
	return v.obj, v.tag == TagObject
}

func (v Value) Array() ([]Value, bool) {
	return v.arr, v.tag == TagArray
}

func (v Value) Func() (Func, bool) {
	return v.fn, v.tag == TagFunc
}

func (v Value) Ref() (*Ref, bool) {
	return v.ref, v.tag == TagRef
}

// Equal compares two values structurally. Funcs compare by identity being
// unavailable in Go, so two function values are never equal; refs compare
// by pointer.
func (v Value) Equal(o Value) bool {
	if v.tag != o.tag {
		return false
	}
	switch v.tag {
	case TagNumber:
		return v.num == o.num
	case TagString:
		return v.str == o.str
	case TagBool:
		return v.b == o.b
	case TagObject:
		return v.obj == o.obj
	case TagNull, TagUndefined:
		return true
	case TagArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case TagFunc:
		return false
	case TagRef:
		return v.ref == o.ref
	}
	return false
}

// GoString renders a value for diagnostics.
func (v Value) GoString() string {
	switch v.tag {
	case TagNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case TagString:
		return strconv.Quote(v.str)
	case TagBool:
		return strconv.FormatBool(v.b)
	case TagObject:
		return "object#" + strconv.FormatUint(uint64(v.obj), 10)
	case TagNull:
		return "null"
	case TagUndefined:
		return "undefined"
	case TagArray:
		return "array[" + strconv.Itoa(len(v.arr)) + "]"
	case TagFunc:
		return "function"
	case TagRef:
		return "ref(" + v.ref.Value.GoString() + ")"
	}
	return "unknown"
}
