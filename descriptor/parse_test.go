package descriptor

import (
	"errors"
	"testing"

	bridgeerrors "github.com/wippyai/native-bridge/errors"
)

func TestParse_Scalars(t *testing.T) {
	tests := []struct {
		name string
		desc map[string]any
		want *Type
	}{
		{
			name: "signed int32",
			desc: map[string]any{"type": "int", "size": float64(32), "signed": true},
			want: Int(32, true),
		},
		{
			name: "unsigned int defaults",
			desc: map[string]any{"type": "int", "size": float64(8)},
			want: Int(8, false),
		},
		{
			name: "int16",
			desc: map[string]any{"type": "int", "size": float64(16), "signed": true},
			want: Int(16, true),
		},
		{
			name: "float64",
			desc: map[string]any{"type": "float", "size": float64(64)},
			want: Float(64),
		},
		{
			name: "boolean",
			desc: map[string]any{"type": "boolean"},
			want: Bool(),
		},
		{
			name: "null",
			desc: map[string]any{"type": "null"},
			want: Null(),
		},
		{
			name: "undefined",
			desc: map[string]any{"type": "undefined"},
			want: Undefined(),
		},
		{
			name: "borrowed string",
			desc: map[string]any{"type": "string", "borrowed": true},
			want: String(true),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.desc)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if got.Kind != tt.want.Kind || got.Size != tt.want.Size ||
				got.Signed != tt.want.Signed || got.Borrowed != tt.want.Borrowed {
				t.Errorf("Parse = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParse_Objects(t *testing.T) {
	got, err := Parse(map[string]any{"type": "gobject", "borrowed": true})
	if err != nil {
		t.Fatalf("Parse gobject failed: %v", err)
	}
	if got.Kind != KindObject || !got.Borrowed {
		t.Errorf("got %+v, want borrowed object", got)
	}

	got, err = Parse(map[string]any{
		"type": "boxed", "innerType": "GdkRGBA", "lib": "libgtk-4.so", "borrowed": false,
	})
	if err != nil {
		t.Fatalf("Parse boxed failed: %v", err)
	}
	if got.Kind != KindBoxed || got.TypeName != "GdkRGBA" || got.Lib != "libgtk-4.so" {
		t.Errorf("got %+v, want boxed GdkRGBA", got)
	}

	if _, err := Parse(map[string]any{"type": "boxed"}); err == nil {
		t.Error("boxed without innerType should fail")
	}

	got, err = Parse(map[string]any{"type": "gvariant"})
	if err != nil {
		t.Fatalf("Parse gvariant failed: %v", err)
	}
	if got.Kind != KindVariant {
		t.Errorf("got kind %v, want variant", got.Kind)
	}
}

func TestParse_Recursive(t *testing.T) {
	got, err := Parse(map[string]any{
		"type":     "array",
		"itemType": map[string]any{"type": "string"},
		"list":     "doubly",
		"borrowed": true,
	})
	if err != nil {
		t.Fatalf("Parse array failed: %v", err)
	}
	if got.Kind != KindArray || got.List != ListDoubly || !got.Borrowed {
		t.Errorf("got %+v, want borrowed doubly list", got)
	}
	if got.Elem == nil || got.Elem.Kind != KindString {
		t.Errorf("item type = %+v, want string", got.Elem)
	}

	got, err = Parse(map[string]any{
		"type":      "ref",
		"innerType": map[string]any{"type": "int", "size": float64(32), "signed": true},
	})
	if err != nil {
		t.Fatalf("Parse ref failed: %v", err)
	}
	if got.Kind != KindRef || got.Elem == nil || got.Elem.Kind != KindInt {
		t.Errorf("got %+v, want ref of int", got)
	}
}

func TestParse_Callback(t *testing.T) {
	got, err := Parse(map[string]any{
		"type":       "callback",
		"trampoline": "asyncReady",
		"sourceType": map[string]any{"type": "gobject", "borrowed": true},
		"resultType": map[string]any{"type": "gobject", "borrowed": true},
	})
	if err != nil {
		t.Fatalf("Parse callback failed: %v", err)
	}
	if got.Kind != KindCallback || got.Callback == nil {
		t.Fatalf("got %+v, want callback", got)
	}
	if got.Callback.Trampoline != TrampAsyncReady {
		t.Errorf("trampoline = %v, want asyncReady", got.Callback.Trampoline)
	}
	if got.Callback.Source == nil || got.Callback.Result == nil {
		t.Error("source/result types missing")
	}

	// Trampoline defaults to closure.
	got, err = Parse(map[string]any{
		"type": "callback",
		"argTypes": []any{
			map[string]any{"type": "int", "size": float64(32), "signed": true},
			map[string]any{"type": "string"},
		},
		"returnType": map[string]any{"type": "boolean"},
	})
	if err != nil {
		t.Fatalf("Parse closure callback failed: %v", err)
	}
	if got.Callback.Trampoline != TrampClosure {
		t.Errorf("trampoline = %v, want closure", got.Callback.Trampoline)
	}
	if len(got.Callback.Args) != 2 {
		t.Fatalf("argTypes = %d, want 2", len(got.Callback.Args))
	}
	if got.Callback.Return == nil || got.Callback.Return.Kind != KindBool {
		t.Errorf("returnType = %+v, want boolean", got.Callback.Return)
	}

	if _, err := Parse(map[string]any{"type": "callback", "trampoline": "bogus"}); err == nil {
		t.Error("unknown trampoline should fail")
	}
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse(map[string]any{"type": "quaternion"})
	if err == nil {
		t.Fatal("unknown type should fail")
	}
	var be *bridgeerrors.Error
	if !errors.As(err, &be) {
		t.Fatalf("error is not structured: %v", err)
	}
	if be.Kind != bridgeerrors.KindUnknownType {
		t.Errorf("kind = %v, want unknown_type", be.Kind)
	}

	if _, err := Parse(map[string]any{"size": float64(32)}); err == nil {
		t.Error("missing type field should fail")
	}
	if _, err := Parse(map[string]any{"type": "int", "size": float64(24)}); err == nil {
		t.Error("invalid int size should fail")
	}
	if _, err := Parse(map[string]any{"type": "float", "size": float64(16)}); err == nil {
		t.Error("invalid float size should fail")
	}
	if _, err := Parse(map[string]any{"type": "int"}); err == nil {
		t.Error("int without size should fail")
	}
}

func TestType_Native(t *testing.T) {
	tests := []struct {
		typ  *Type
		want NativeType
	}{
		{Int(8, true), NativeI8},
		{Int(8, false), NativeU8},
		{Int(16, true), NativeI16},
		{Int(16, false), NativeU16},
		{Int(32, true), NativeI32},
		{Int(32, false), NativeU32},
		{Int(64, true), NativeI64},
		{Int(64, false), NativeU64},
		{Float(32), NativeF32},
		{Float(64), NativeF64},
		{Bool(), NativeU8},
		{Undefined(), NativeVoid},
		{Null(), NativePointer},
		{String(false), NativePointer},
		{Object(true), NativePointer},
		{Boxed(false, "GdkRGBA", ""), NativePointer},
		{Variant(true), NativePointer},
		{Array(Int(32, true), ListContiguous, false), NativePointer},
		{CallbackOf(&Callback{Trampoline: TrampClosure}), NativePointer},
		{Ref(Int(32, true)), NativePointer},
	}

	for _, tt := range tests {
		if got := tt.typ.Native(); got != tt.want {
			t.Errorf("%v.Native() = %v, want %v", tt.typ.Kind, got, tt.want)
		}
	}
}
