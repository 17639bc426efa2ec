package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"

	nativebridge "github.com/wippyai/native-bridge"
	"github.com/wippyai/native-bridge/bridge"
	"github.com/wippyai/native-bridge/descriptor"
	"github.com/wippyai/native-bridge/engine"
	"github.com/wippyai/native-bridge/value"
)

func main() {
	var (
		worldFile   = flag.String("world", "", "Path to the world module wasm file")
		libFiles    = flag.String("libs", "", "Library modules (name=file.wasm,name2=file2.wasm)")
		libName     = flag.String("lib", "", "Library to call into")
		symbol      = flag.String("func", "", "Function to call (optional)")
		argSpec     = flag.String("args", "", "Arguments (type:value,... e.g. i32:42,str:hello)")
		retSpec     = flag.String("ret", "", "Return type (i32, u64, f64, bool, str; empty for void)")
		list        = flag.Bool("list", false, "List a library's exported functions and exit")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
		verbose     = flag.Bool("v", false, "Verbose logging")
	)
	flag.Parse()

	if *verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		nativebridge.SetLogger(logger)
		engine.SetLogger(logger)
	}

	if *worldFile == "" || *libFiles == "" {
		fmt.Fprintln(os.Stderr, "Usage: bridgerun -world <world.wasm> -libs name=lib.wasm[,...] -lib name [-func name] [-args t:v,...] [-ret t]")
		fmt.Fprintln(os.Stderr, "       bridgerun -world <world.wasm> -libs name=lib.wasm -lib name -list")
		fmt.Fprintln(os.Stderr, "       bridgerun -world <world.wasm> -libs name=lib.wasm -i  (interactive mode)")
		os.Exit(1)
	}

	if *interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(*worldFile, *libFiles, *libName); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*worldFile, *libFiles, *libName, *symbol, *argSpec, *retSpec, *list); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup builds an engine with the world module and every listed library
// registered, wrapped in a started bridge.
func setup(worldFile, libsStr string) (*bridge.Bridge, *engine.Engine, []string, error) {
	ctx := context.Background()

	world, err := os.ReadFile(worldFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read world: %w", err)
	}

	eng, err := engine.New(ctx, world, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create engine: %w", err)
	}

	var names []string
	for _, mapping := range strings.Split(libsStr, ",") {
		parts := strings.SplitN(strings.TrimSpace(mapping), "=", 2)
		if len(parts) != 2 {
			_ = eng.Close(ctx)
			return nil, nil, nil, fmt.Errorf("bad -libs entry %q, want name=file.wasm", mapping)
		}
		wasm, err := os.ReadFile(parts[1])
		if err != nil {
			_ = eng.Close(ctx)
			return nil, nil, nil, fmt.Errorf("read library %s: %w", parts[0], err)
		}
		eng.Register(parts[0], wasm)
		names = append(names, parts[0])
	}

	br := bridge.New(eng)
	if err := br.Start(); err != nil {
		_ = eng.Close(ctx)
		return nil, nil, nil, err
	}
	return br, eng, names, nil
}

func run(worldFile, libsStr, libName, symbol, argSpec, retSpec string, listOnly bool) error {
	br, eng, names, err := setup(worldFile, libsStr)
	if err != nil {
		return err
	}
	defer br.Stop(context.Background())

	if libName == "" {
		if len(names) != 1 {
			return fmt.Errorf("several libraries registered, pick one with -lib")
		}
		libName = names[0]
	}

	lib, err := eng.Open(context.Background(), libName)
	if err != nil {
		return err
	}
	elib := lib.(*engine.Library)

	fmt.Printf("Library: %s\n\nExported functions:\n", libName)
	for _, name := range elib.Exports() {
		fmt.Printf("  %s%s\n", name, elib.Signature(name))
	}

	if listOnly || symbol == "" {
		return nil
	}

	args, err := parseArgs(argSpec)
	if err != nil {
		return err
	}
	ret, err := parseType(retSpec)
	if err != nil {
		return err
	}

	fmt.Printf("\nCalling %s(%s)...\n", symbol, argSpec)
	result, err := br.Call(bridge.CallSpec{
		Library: libName,
		Symbol:  symbol,
		Args:    args,
		Return:  ret,
	})
	if err != nil {
		return fmt.Errorf("call %s: %w", symbol, err)
	}

	fmt.Printf("Result: %s\n", formatValue(result))
	return nil
}

// parseArgs turns "i32:42,str:hello" into typed call arguments.
func parseArgs(spec string) ([]bridge.Arg, error) {
	if spec == "" {
		return nil, nil
	}
	var args []bridge.Arg
	for _, item := range strings.Split(spec, ",") {
		parts := strings.SplitN(strings.TrimSpace(item), ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad argument %q, want type:value", item)
		}
		t, err := parseType(parts[0])
		if err != nil {
			return nil, err
		}
		v, err := parseValue(parts[1], t)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", item, err)
		}
		args = append(args, bridge.Arg{Type: t, Value: v})
	}
	return args, nil
}

func parseType(name string) (*descriptor.Type, error) {
	switch strings.TrimSpace(name) {
	case "", "void":
		return nil, nil
	case "i8":
		return descriptor.Int(1, true), nil
	case "u8":
		return descriptor.Int(1, false), nil
	case "i16":
		return descriptor.Int(2, true), nil
	case "u16":
		return descriptor.Int(2, false), nil
	case "i32":
		return descriptor.Int(4, true), nil
	case "u32":
		return descriptor.Int(4, false), nil
	case "i64":
		return descriptor.Int(8, true), nil
	case "u64":
		return descriptor.Int(8, false), nil
	case "f32":
		return descriptor.Float(4), nil
	case "f64":
		return descriptor.Float(8), nil
	case "bool":
		return descriptor.Bool(), nil
	case "str":
		return descriptor.String(false), nil
	case "&str":
		return descriptor.String(true), nil
	case "obj":
		return descriptor.Object(false), nil
	case "&obj":
		return descriptor.Object(true), nil
	case "null":
		return descriptor.Null(), nil
	default:
		return nil, fmt.Errorf("unknown type %q", name)
	}
}

func parseValue(raw string, t *descriptor.Type) (value.Value, error) {
	switch t.Kind {
	case descriptor.KindInt, descriptor.KindFloat:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return value.Value{}, err
		}
		return value.Number(n), nil
	case descriptor.KindBool:
		return value.Bool(raw == "true" || raw == "1"), nil
	case descriptor.KindString:
		return value.String(raw), nil
	case descriptor.KindNull:
		return value.Null(), nil
	case descriptor.KindObject:
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return value.Value{}, err
		}
		return value.Object(value.ObjectID(id)), nil
	}
	return value.Value{}, fmt.Errorf("cannot parse a %s from the command line", t.Kind)
}

func formatValue(v value.Value) string {
	switch v.Tag() {
	case value.TagNumber:
		n, _ := v.Number()
		return strconv.FormatFloat(n, 'g', -1, 64)
	case value.TagString:
		s, _ := v.String()
		return strconv.Quote(s)
	case value.TagBool:
		b, _ := v.Bool()
		return strconv.FormatBool(b)
	case value.TagObject:
		id, _ := v.Object()
		return fmt.Sprintf("object #%d", id)
	case value.TagNull:
		return "null"
	case value.TagUndefined:
		return "undefined"
	case value.TagArray:
		items, _ := v.Array()
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = formatValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return v.GoString()
}
