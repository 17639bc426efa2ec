package descriptor

// Kind identifies a descriptor variant. The set is closed: every value
// crossing the native boundary is described by exactly one of these.
type Kind uint8

const (
	KindInt Kind = iota
	KindFloat
	KindString
	KindBool
	KindNull
	KindUndefined
	KindObject
	KindBoxed
	KindVariant
	KindArray
	KindCallback
	KindRef
)

var kindNames = [...]string{
	KindInt:       "int",
	KindFloat:     "float",
	KindString:    "string",
	KindBool:      "boolean",
	KindNull:      "null",
	KindUndefined: "undefined",
	KindObject:    "object",
	KindBoxed:     "boxed",
	KindVariant:   "variant",
	KindArray:     "array",
	KindCallback:  "callback",
	KindRef:       "ref",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// NativeType is the call-interface representation of a descriptor: the
// slot type handed to the native call machinery.
type NativeType uint8

const (
	NativeVoid NativeType = iota
	NativeU8
	NativeI8
	NativeU16
	NativeI16
	NativeU32
	NativeI32
	NativeU64
	NativeI64
	NativeF32
	NativeF64
	NativePointer
)

var nativeTypeNames = [...]string{
	NativeVoid:    "void",
	NativeU8:      "u8",
	NativeI8:      "i8",
	NativeU16:     "u16",
	NativeI16:     "i16",
	NativeU32:     "u32",
	NativeI32:     "i32",
	NativeU64:     "u64",
	NativeI64:     "i64",
	NativeF32:     "f32",
	NativeF64:     "f64",
	NativePointer: "pointer",
}

func (n NativeType) String() string {
	if int(n) < len(nativeTypeNames) {
		return nativeTypeNames[n]
	}
	return "unknown"
}

// ListKind selects the native representation of an array-typed value.
type ListKind uint8

const (
	// ListContiguous is a plain contiguous buffer (or pointer vector).
	ListContiguous ListKind = iota
	// ListSingly is a singly-linked list of {data, next} nodes.
	ListSingly
	// ListDoubly is a doubly-linked list of {data, next, prev} nodes.
	ListDoubly
)

var listKindNames = [...]string{
	ListContiguous: "array",
	ListSingly:     "singly",
	ListDoubly:     "doubly",
}

func (l ListKind) String() string {
	if int(l) < len(listKindNames) {
		return listKindNames[l]
	}
	return "unknown"
}

// TrampolineKind selects the calling convention a callback is wrapped
// with. Each kind fixes argument ordering, result expectations, and
// whether a destroy notification accompanies the closure.
type TrampolineKind uint8

const (
	// TrampClosure is the generic signal-handler convention: typed
	// arguments in, typed result out, one call slot.
	TrampClosure TrampolineKind = iota
	// TrampAsyncReady receives (source, result) and returns nothing.
	TrampAsyncReady
	// TrampDestroy fires once at native-side teardown, data word first.
	TrampDestroy
	// TrampDrawFunc is a drawing callback with no interesting result.
	TrampDrawFunc
	// TrampTickFunc returns a continue/stop boolean each frame.
	TrampTickFunc
	// TrampSourceFunc returns a continue/stop boolean per dispatch.
	TrampSourceFunc
	// TrampCompareFunc returns an ordering integer.
	TrampCompareFunc
)

var trampolineNames = [...]string{
	TrampClosure:     "closure",
	TrampAsyncReady:  "asyncReady",
	TrampDestroy:     "destroy",
	TrampDrawFunc:    "drawFunc",
	TrampTickFunc:    "tickFunc",
	TrampSourceFunc:  "sourceFunc",
	TrampCompareFunc: "compareFunc",
}

func (t TrampolineKind) String() string {
	if int(t) < len(trampolineNames) {
		return trampolineNames[t]
	}
	return "unknown"
}
