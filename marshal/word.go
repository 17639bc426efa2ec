package marshal

import (
	"math"

	nativebridge "github.com/wippyai/native-bridge"
	"github.com/wippyai/native-bridge/descriptor"
	"github.com/wippyai/native-bridge/errors"
	"github.com/wippyai/native-bridge/value"
)

// EncodeScalar converts a dynamic value into a raw call word for an
// integer, float or boolean descriptor. Numbers are truncated to the
// descriptor's width the way a C cast would; the word is zero-extended
// so it can be written into a wider slot unchanged.
func EncodeScalar(t *descriptor.Type, v value.Value, path []string) (uint64, error) {
	switch t.Kind {
	case descriptor.KindInt:
		n, ok := v.Number()
		if !ok {
			return 0, errors.TypeMismatch(errors.PhaseMarshal, path, v.Tag().String(), "integer")
		}
		return encodeInt(t.Size, t.Signed, n), nil

	case descriptor.KindFloat:
		n, ok := v.Number()
		if !ok {
			return 0, errors.TypeMismatch(errors.PhaseMarshal, path, v.Tag().String(), "float")
		}
		if t.Size == 32 {
			return uint64(math.Float32bits(float32(n))), nil
		}
		return math.Float64bits(n), nil

	case descriptor.KindBool:
		b, ok := v.Bool()
		if !ok {
			return 0, errors.TypeMismatch(errors.PhaseMarshal, path, v.Tag().String(), "boolean")
		}
		if b {
			return 1, nil
		}
		return 0, nil
	}
	return 0, errors.Unsupported(errors.PhaseMarshal, "not a scalar type: "+t.Kind.String())
}

func encodeInt(size uint8, signed bool, n float64) uint64 {
	i := int64(n)
	if signed {
		switch size {
		case 8:
			return uint64(uint8(int8(i)))
		case 16:
			return uint64(uint16(int16(i)))
		case 64:
			return uint64(i)
		default:
			return uint64(uint32(int32(i)))
		}
	}
	switch size {
	case 8:
		return uint64(uint8(i))
	case 16:
		return uint64(uint16(i))
	case 64:
		return uint64(i)
	default:
		return uint64(uint32(i))
	}
}

// DecodeScalar converts a raw result word back into a dynamic value for
// an integer, float or boolean descriptor. Signed integers are
// sign-extended from the descriptor's width.
func DecodeScalar(t *descriptor.Type, word uint64) (value.Value, error) {
	switch t.Kind {
	case descriptor.KindInt:
		return value.Number(decodeInt(t.Size, t.Signed, word)), nil

	case descriptor.KindFloat:
		if t.Size == 32 {
			return value.Number(float64(math.Float32frombits(uint32(word)))), nil
		}
		return value.Number(math.Float64frombits(word)), nil

	case descriptor.KindBool:
		return value.Bool(uint8(word) != 0), nil
	}
	return value.Value{}, errors.Unsupported(errors.PhaseDecode, "not a scalar type: "+t.Kind.String())
}

// ReadWord reads a value of t's native width at addr, zero-extended to a
// call word.
func ReadWord(mem nativebridge.Memory, addr nativebridge.Ptr, t *descriptor.Type) (uint64, error) {
	switch t.Native() {
	case descriptor.NativeU8, descriptor.NativeI8:
		v, err := mem.ReadU8(addr)
		return uint64(v), err
	case descriptor.NativeU16, descriptor.NativeI16:
		v, err := mem.ReadU16(addr)
		return uint64(v), err
	case descriptor.NativeU32, descriptor.NativeI32, descriptor.NativeF32:
		v, err := mem.ReadU32(addr)
		return uint64(v), err
	default:
		return mem.ReadU64(addr)
	}
}

// WriteWord writes a call word at addr using t's native width.
func WriteWord(mem nativebridge.Memory, addr nativebridge.Ptr, t *descriptor.Type, word uint64) error {
	switch t.Native() {
	case descriptor.NativeU8, descriptor.NativeI8:
		return mem.WriteU8(addr, uint8(word))
	case descriptor.NativeU16, descriptor.NativeI16:
		return mem.WriteU16(addr, uint16(word))
	case descriptor.NativeU32, descriptor.NativeI32, descriptor.NativeF32:
		return mem.WriteU32(addr, uint32(word))
	default:
		return mem.WriteU64(addr, word)
	}
}

func decodeInt(size uint8, signed bool, word uint64) float64 {
	if signed {
		switch size {
		case 8:
			return float64(int8(word))
		case 16:
			return float64(int16(word))
		case 64:
			return float64(int64(word))
		default:
			return float64(int32(word))
		}
	}
	switch size {
	case 8:
		return float64(uint8(word))
	case 16:
		return float64(uint16(word))
	case 64:
		return float64(word)
	default:
		return float64(uint32(word))
	}
}
