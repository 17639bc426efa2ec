package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseParse    Phase = "parse"    // type descriptor parsing
	PhaseMarshal  Phase = "marshal"  // dynamic value to native words
	PhaseDecode   Phase = "decode"   // native words to dynamic values
	PhaseCall     Phase = "call"     // native call invocation
	PhaseDispatch Phase = "dispatch" // cross-thread dispatch
	PhaseRegistry Phase = "registry" // object registry operations
	PhaseLoad     Phase = "load"     // library/symbol resolution
	PhaseRead     Phase = "read"     // field reads
	PhaseWrite    Phase = "write"    // field writes
)

// Kind categorizes the error
type Kind string

const (
	KindTypeMismatch Kind = "type_mismatch"
	KindUnknownType  Kind = "unknown_type"
	KindStaleObject  Kind = "stale_object"
	KindNotFound     Kind = "not_found"
	KindUnsupported  Kind = "unsupported"
	KindDisconnected Kind = "disconnected"
	KindAllocation   Kind = "allocation"
	KindOutOfBounds  Kind = "out_of_bounds"
	KindInvalidInput Kind = "invalid_input"
	KindCallFailed   Kind = "call_failed"
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Value    any
	Cause    error
	Phase    Phase
	Kind     Kind
	ValueTag string
	TypeName string
	Detail   string
	Path     []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.ValueTag != "" || e.TypeName != "" {
		b.WriteString(": ")
		if e.ValueTag != "" && e.TypeName != "" {
			b.WriteString("value ")
			b.WriteString(e.ValueTag)
			b.WriteString(", type ")
			b.WriteString(e.TypeName)
		} else if e.ValueTag != "" {
			b.WriteString("value ")
			b.WriteString(e.ValueTag)
		} else {
			b.WriteString("type ")
			b.WriteString(e.TypeName)
		}
	}

	if e.Detail != "" {
		if e.ValueTag != "" || e.TypeName != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// HasKind reports whether err (or anything it wraps) carries kind.
func HasKind(err error, kind Kind) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Kind == kind
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the argument/field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// ValueTag sets the dynamic value's tag name
func (b *Builder) ValueTag(tag string) *Builder {
	b.err.ValueTag = tag
	return b
}

// TypeName sets the descriptor type name
func (b *Builder) TypeName(t string) *Builder {
	b.err.TypeName = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, path []string, valueTag, typeName string) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindTypeMismatch,
		Path:     path,
		ValueTag: valueTag,
		TypeName: typeName,
	}
}

// UnknownType creates an unknown descriptor type error
func UnknownType(path []string, name string) *Error {
	return &Error{
		Phase:    PhaseParse,
		Kind:     KindUnknownType,
		Path:     path,
		TypeName: name,
		Detail:   "unknown type name",
	}
}

// StaleObject creates an error for an identity already removed from the registry
func StaleObject(phase Phase, id uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindStaleObject,
		Detail: fmt.Sprintf("object %d is gone", id),
		Value:  id,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// Disconnected creates a cross-thread disconnect error
func Disconnected(detail string) *Error {
	return &Error{
		Phase:  PhaseDispatch,
		Kind:   KindDisconnected,
		Detail: detail,
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes", size),
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, addr uint64, length uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("access of %d bytes at 0x%x out of bounds", length, addr),
		Value:  addr,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// CallFailed wraps a failure from the native call itself
func CallFailed(symbol string, cause error) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindCallFailed,
		Detail: fmt.Sprintf("call %s", symbol),
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// LoadError is returned when every alternative library name failed to load
type LoadError struct {
	Attempts []LoadAttempt
}

// LoadAttempt records one failed library name
type LoadAttempt struct {
	Name  string
	Cause error
}

// NewLoadError aggregates per-name load failures into one error
func NewLoadError(attempts []LoadAttempt) *LoadError {
	return &LoadError{Attempts: attempts}
}

func (e *LoadError) Error() string {
	if len(e.Attempts) == 0 {
		return "[load] not_found: no library names given"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("failed to load library (%d name(s) tried):", len(e.Attempts)))
	for _, a := range e.Attempts {
		b.WriteString("\n  ")
		b.WriteString(a.Name)
		b.WriteString(": ")
		b.WriteString(a.Cause.Error())
	}
	return b.String()
}

// Is reports whether target matches this error type
func (e *LoadError) Is(target error) bool {
	_, ok := target.(*LoadError)
	return ok
}
