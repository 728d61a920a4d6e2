// Package testbed provides an in-memory evaluator engine for tests.
//
// The fake implements the full boundary surface with the semantics the
// bindings rely on, so the engine, store and eval packages can be
// exercised hermetically: error contexts hold one failure until it is
// read, evaluation produces thunks that only a force resolves, heap
// slots stay alive while pinned and vanish on the next collection, and
// collector registration is tracked per goroutine, which matches per
// OS thread behavior under runtime.LockOSThread.
//
// Failure injection fields on Engine simulate the startup and
// registration failures that are otherwise unreachable in tests.
package testbed
