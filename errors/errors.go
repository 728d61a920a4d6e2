package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseLoad      Phase = "load"      // engine loading
	PhaseInit      Phase = "init"      // one-time library init
	PhaseCollector Phase = "collector" // thread registration and collection
	PhaseStore     Phase = "store"     // store connections
	PhaseEval      Phase = "eval"      // expression evaluation
	PhaseExtract   Phase = "extract"   // typed value extraction
)

// Kind categorizes the error
type Kind string

const (
	KindEngine       Kind = "engine"   // failure reported through the error context
	KindUnknown      Kind = "unknown"  // engine failure without a class
	KindOverflow     Kind = "overflow" // engine arithmetic overflow
	KindKey          Kind = "key"      // engine missing-key lookup
	KindNilHandle    Kind = "nil_handle"
	KindRegistration Kind = "registration"
	KindClosed       Kind = "closed"
	KindInvalidUTF8  Kind = "invalid_utf8"
	KindInvalidInput Kind = "invalid_input"
	KindSymbol       Kind = "symbol"
	KindLoad         Kind = "load"
)

// Error is the structured error type used throughout the bindings
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Detail != "" {
		b.WriteString(": ")
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

// Convenience constructors for common error patterns

// Engine creates an error for a failure the engine reported through an
// error context. The message is the engine's own, verbatim.
func Engine(phase Phase, kind Kind, msg string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: msg,
	}
}

// NilHandle creates an error for a boundary call that returned a null handle
// without reporting a failure.
func NilHandle(phase Phase, call string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNilHandle,
		Detail: fmt.Sprintf("%s returned a null handle", call),
	}
}

// Registration creates a collector thread registration error
func Registration(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseCollector,
		Kind:   KindRegistration,
		Detail: detail,
		Cause:  cause,
	}
}

// Closed creates an error for use of an already closed handle
func Closed(what string) *Error {
	return &Error{
		Phase:  PhaseEval,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s is closed", what),
	}
}

// InvalidUTF8 creates an error for engine string data that is not valid UTF-8
func InvalidUTF8(data []byte) *Error {
	preview := data
	if len(preview) > 32 {
		preview = preview[:32]
	}
	return &Error{
		Phase:  PhaseExtract,
		Kind:   KindInvalidUTF8,
		Detail: fmt.Sprintf("string is not valid UTF-8: %x", preview),
		Value:  data,
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

// Symbol creates an error for a symbol that failed to resolve while loading
func Symbol(name string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindSymbol,
		Detail: fmt.Sprintf("resolve %q", name),
		Cause:  cause,
	}
}

// Load creates an engine loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindLoad,
		Detail: detail,
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

// WrongKindError is returned when typed extraction meets a value of a
// different runtime kind. The message format is stable and callers may
// match on it.
type WrongKindError struct {
	Expected string
	Actual   string
}

func (e *WrongKindError) Error() string {
	return fmt.Sprintf("expected a %s, but got a %s", e.Expected, e.Actual)
}

// Is reports whether target matches this error type
func (e *WrongKindError) Is(target error) bool {
	_, ok := target.(*WrongKindError)
	return ok
}

// MissingSymbolsError is returned when engine loading fails because the
// library or module does not provide the full boundary surface.
type MissingSymbolsError struct {
	Symbols []string
}

// NewMissingSymbolsError creates an error from the list of unresolved names
func NewMissingSymbolsError(symbols []string) *MissingSymbolsError {
	return &MissingSymbolsError{Symbols: symbols}
}

func (e *MissingSymbolsError) Error() string {
	if len(e.Symbols) == 0 {
		return "[load] symbol: no symbols specified"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("missing %d engine symbol(s):\n", len(e.Symbols)))
	for _, name := range e.Symbols {
		b.WriteString("  - ")
		b.WriteString(name)
		b.WriteByte('\n')
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *MissingSymbolsError) Is(target error) bool {
	_, ok := target.(*MissingSymbolsError)
	return ok
}
