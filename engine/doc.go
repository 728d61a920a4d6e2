// Package engine loads the evaluator and owns the process-wide parts
// of its lifecycle.
//
// An Engine wraps one loaded evaluator build behind the flat boundary
// API. Two loaders are provided: OpenLibrary binds a native shared
// library through dlopen, and LoadModule instantiates a wasm build
// under wazero. Tests use the in-memory engine from the testbed
// package through New.
//
// # One-Time Initialization
//
// The evaluator library is initialized at most once per process. The
// first Init decides the outcome for good: a failed init is remembered
// and every later call returns the same error without touching the
// engine again. Init runs implicitly on first use, so callers rarely
// see it.
//
// # Collector Registration
//
// The engine's collector scans the stacks of registered OS threads.
// WithRegisteredThread is the supported way to satisfy that: it locks
// the goroutine to its thread, registers the thread when this frame is
// the one that first needs it, runs the callback, and unregisters only
// if it registered. Registration ownership therefore nests correctly
// and survives panics in the callback.
//
// # Error Contexts
//
// Fallible boundary calls report through a Context rather than a
// return value. Check converts a stored failure into a structured
// error and clears the context, so one failure is observed exactly
// once. Contexts must not be shared across concurrent calls.
package engine
