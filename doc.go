// Package nativebridge connects a scripting environment to native
// libraries through type-directed marshaling and a two-goroutine
// dispatch protocol.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct
// responsibilities:
//
//	nativebridge/        Root package with the Backend, Memory and Allocator interfaces
//	├── bridge/          Embedder-facing API: calls, field access, lifecycle
//	├── descriptor/      Type descriptors parsed from dynamic shapes
//	├── value/           Tagged dynamic values crossing the boundary
//	├── marshal/         Value <-> native call word encoding and decoding
//	├── trampoline/      Callback closures native code can invoke
//	├── registry/        Handle table for native objects with ownership rules
//	├── dispatch/        Cross-goroutine call and callback protocol
//	├── errors/          Structured error types for debugging
//	├── engine/          Production Backend on a wazero runtime
//	└── testbed/         Hermetic in-memory Backend for tests
//
// # Quick Start
//
// Wire a backend into a bridge and call a native function:
//
//	eng, err := engine.New(ctx, worldWasm, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	eng.Register("libdemo.so", libWasm)
//
//	br := bridge.New(eng)
//	br.Start()
//	defer br.Stop(ctx)
//
//	result, err := br.Call(bridge.CallSpec{
//	    Library: "libdemo.so",
//	    Symbol:  "add",
//	    Args: []bridge.Arg{
//	        {Type: descriptor.Int(4, true), Value: value.Number(40)},
//	        {Type: descriptor.Int(4, true), Value: value.Number(2)},
//	    },
//	    Return: descriptor.Int(4, true),
//	})
//
// # Type System
//
// Descriptors drive every conversion:
//
//   - Scalars: integers of width 8-64 signed or unsigned, f32/f64, bool
//   - Pointers: string, object, boxed, variant, each with a borrowed flag
//   - Compound: arrays (contiguous, singly or doubly linked lists),
//     out-parameters (ref), callbacks with seven trampoline kinds
//
// # Threading Model
//
// All native activity runs on a single loop goroutine owned by the
// bridge. Embedder goroutines block in Call while the dispatcher drains
// reentrant callbacks; callbacks arriving between calls are delivered
// through the optional Waker or collected by Poll.
//
// # Ownership Model
//
// The borrowed flag on a descriptor decides who frees what: borrowed
// values are left alone, owned values are adopted (objects sunk or
// unreffed, boxed values copied or freed, strings and list nodes freed
// through the backend) at well-defined points. The registry releases
// whatever a handle still owns when the handle is removed.
package nativebridge
