package descriptor

import (
	"fmt"

	"github.com/wippyai/native-bridge/errors"
)

// Parse builds a Type from the dynamic descriptor shape the scripting
// layer produces. The "type" field selects the variant; each variant
// reads its own sub-fields. Unknown type names fail with KindUnknownType.
func Parse(desc map[string]any) (*Type, error) {
	return parse(desc, nil)
}

func parse(desc map[string]any, path []string) (*Type, error) {
	name, ok := desc["type"].(string)
	if !ok {
		return nil, errors.New(errors.PhaseParse, errors.KindInvalidInput).
			Path(path...).
			Detail("descriptor has no \"type\" field").
			Build()
	}

	switch name {
	case "int":
		size, err := parseSize(desc, path, 8, 16, 32, 64)
		if err != nil {
			return nil, err
		}
		signed, _ := desc["signed"].(bool)
		return Int(size, signed), nil

	case "float":
		size, err := parseSize(desc, path, 32, 64)
		if err != nil {
			return nil, err
		}
		return Float(size), nil

	case "string":
		borrowed, _ := desc["borrowed"].(bool)
		return String(borrowed), nil

	case "boolean":
		return Bool(), nil

	case "null":
		return Null(), nil

	case "undefined":
		return Undefined(), nil

	case "gobject", "object":
		borrowed, _ := desc["borrowed"].(bool)
		return Object(borrowed), nil

	case "boxed":
		borrowed, _ := desc["borrowed"].(bool)
		typeName, ok := desc["innerType"].(string)
		if !ok {
			return nil, errors.New(errors.PhaseParse, errors.KindInvalidInput).
				Path(path...).
				Detail("boxed descriptor has no \"innerType\" field").
				Build()
		}
		lib, _ := desc["lib"].(string)
		return Boxed(borrowed, typeName, lib), nil

	case "gvariant", "variant":
		borrowed, _ := desc["borrowed"].(bool)
		return Variant(borrowed), nil

	case "array":
		itemDesc, ok := desc["itemType"].(map[string]any)
		if !ok {
			return nil, errors.New(errors.PhaseParse, errors.KindInvalidInput).
				Path(path...).
				Detail("array descriptor has no \"itemType\" field").
				Build()
		}
		item, err := parse(itemDesc, append(path, "itemType"))
		if err != nil {
			return nil, err
		}
		list, err := parseListKind(desc, path)
		if err != nil {
			return nil, err
		}
		borrowed, _ := desc["borrowed"].(bool)
		return Array(item, list, borrowed), nil

	case "callback":
		cb, err := parseCallback(desc, path)
		if err != nil {
			return nil, err
		}
		return CallbackOf(cb), nil

	case "ref":
		innerDesc, ok := desc["innerType"].(map[string]any)
		if !ok {
			return nil, errors.New(errors.PhaseParse, errors.KindInvalidInput).
				Path(path...).
				Detail("ref descriptor has no \"innerType\" field").
				Build()
		}
		inner, err := parse(innerDesc, append(path, "innerType"))
		if err != nil {
			return nil, err
		}
		return Ref(inner), nil

	default:
		return nil, errors.UnknownType(path, name)
	}
}

func parseCallback(desc map[string]any, path []string) (*Callback, error) {
	cb := &Callback{}

	switch tramp, _ := desc["trampoline"].(string); tramp {
	case "", "closure":
		cb.Trampoline = TrampClosure
	case "asyncReady":
		cb.Trampoline = TrampAsyncReady
	case "destroy":
		cb.Trampoline = TrampDestroy
	case "drawFunc":
		cb.Trampoline = TrampDrawFunc
	case "tickFunc":
		cb.Trampoline = TrampTickFunc
	case "sourceFunc":
		cb.Trampoline = TrampSourceFunc
	case "compareFunc":
		cb.Trampoline = TrampCompareFunc
	default:
		return nil, errors.New(errors.PhaseParse, errors.KindInvalidInput).
			Path(path...).
			Detail("unknown trampoline %q", tramp).
			Build()
	}

	if raw, ok := desc["argTypes"]; ok {
		items, ok := raw.([]any)
		if !ok {
			return nil, errors.New(errors.PhaseParse, errors.KindInvalidInput).
				Path(path...).
				Detail("\"argTypes\" is not an array").
				Build()
		}
		cb.Args = make([]*Type, 0, len(items))
		for i, item := range items {
			argDesc, ok := item.(map[string]any)
			if !ok {
				return nil, errors.New(errors.PhaseParse, errors.KindInvalidInput).
					Path(append(path, "argTypes", fmt.Sprintf("%d", i))...).
					Detail("argument descriptor is not an object").
					Build()
			}
			arg, err := parse(argDesc, append(path, "argTypes", fmt.Sprintf("%d", i)))
			if err != nil {
				return nil, err
			}
			cb.Args = append(cb.Args, arg)
		}
	}

	var err error
	if cb.Return, err = parseOptional(desc, "returnType", path); err != nil {
		return nil, err
	}
	if cb.Source, err = parseOptional(desc, "sourceType", path); err != nil {
		return nil, err
	}
	if cb.Result, err = parseOptional(desc, "resultType", path); err != nil {
		return nil, err
	}
	return cb, nil
}

func parseOptional(desc map[string]any, field string, path []string) (*Type, error) {
	raw, ok := desc[field]
	if !ok || raw == nil {
		return nil, nil
	}
	sub, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New(errors.PhaseParse, errors.KindInvalidInput).
			Path(append(path, field)...).
			Detail("descriptor is not an object").
			Build()
	}
	return parse(sub, append(path, field))
}

func parseListKind(desc map[string]any, path []string) (ListKind, error) {
	switch list, _ := desc["list"].(string); list {
	case "", "array":
		return ListContiguous, nil
	case "singly":
		return ListSingly, nil
	case "doubly":
		return ListDoubly, nil
	default:
		return 0, errors.New(errors.PhaseParse, errors.KindInvalidInput).
			Path(path...).
			Detail("unknown list kind %q", list).
			Build()
	}
}

func parseSize(desc map[string]any, path []string, allowed ...uint8) (uint8, error) {
	raw, ok := desc["size"]
	if !ok {
		return 0, errors.New(errors.PhaseParse, errors.KindInvalidInput).
			Path(path...).
			Detail("descriptor has no \"size\" field").
			Build()
	}
	var size uint8
	switch v := raw.(type) {
	case float64:
		size = uint8(v)
	case int:
		size = uint8(v)
	case uint8:
		size = v
	default:
		return 0, errors.New(errors.PhaseParse, errors.KindInvalidInput).
			Path(path...).
			Detail("\"size\" is not a number").
			Build()
	}
	for _, a := range allowed {
		if size == a {
			return size, nil
		}
	}
	return 0, errors.New(errors.PhaseParse, errors.KindInvalidInput).
		Path(path...).
		Detail("invalid size %d", size).
		Value(size).
		Build()
}
