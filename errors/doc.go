// Package errors provides structured error types for the native bridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type includes rich context: argument path, value tag, descriptor type name,
// and cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
//		Path("args", "2").
//		ValueTag("string").
//		TypeName("int32").
//		Detail("cannot convert string to integer").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.TypeMismatch(errors.PhaseMarshal, path, "string", "int32")
//	err := errors.StaleObject(errors.PhaseRegistry, 17)
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
