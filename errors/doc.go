// Package errors provides structured error types for the nix-runtime library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). The Error type carries the engine's own message where one exists
// and a cause chain where the failure originated on the Go side.
//
// Use the convenience constructors for common patterns:
//
//	err := errors.Engine(errors.PhaseEval, errors.KindEngine, msg)
//	err := errors.Registration("stack base query failed", cause)
//
// Two failure shapes get bespoke types because callers match on them:
// WrongKindError for typed extraction against a value of the wrong runtime
// kind, and MissingSymbolsError for an engine build that lacks part of the
// boundary surface.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
