// Package nixruntime provides safe Go bindings to the Nix expression
// evaluator through its C-style boundary.
//
// The evaluator is an external lazy-evaluation engine with its own
// registration-based garbage collector. This library wraps the raw
// boundary in ownership-correct Go types: handles are closed exactly
// once, heap references are pinned for as long as a Go value refers to
// them, and every engine failure surfaces as a structured Go error
// instead of a status code left in shared state.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	nixruntime/          Root package with the boundary API surface and raw types
//	├── engine/          Engine loading, one-time init, collector thread registration
//	├── store/           Store connections used by evaluator instances
//	├── eval/            Evaluator states, lazy values, forcing and typed extraction
//	├── errors/          Structured error types for debugging
//	├── testbed/         In-memory engine used by the test suite
//	└── cmd/nix-eval/    Command line evaluator and interactive REPL
//
// # Quick Start
//
// Load the engine, open a store, and evaluate an expression:
//
//	eng, err := engine.OpenLibrary(engine.LibraryConfig{Path: "libnixexpr.so"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(ctx)
//
//	st, err := store.Open(eng, "auto")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//
//	out, err := engine.WithRegisteredThread(eng, func() string {
//	    es, _ := eval.New(st)
//	    defer es.Close()
//	    v, _ := es.EvalFromString(`"hello" + " world"`, "<example>")
//	    defer v.Close()
//	    s, _ := es.RequireString(v)
//	    return s
//	})
//	fmt.Println(out, err)
//
// # Thread Registration
//
// The engine's collector scans the stacks of registered OS threads.
// Any goroutine that touches evaluator state must run on a registered
// thread, which WithRegisteredThread arranges: it pins the goroutine
// to its OS thread, registers the thread if this call is the one that
// first needs it, and unregisters on the way out only in that case.
// Nested calls and calls on externally registered threads are no-ops.
//
// # Value Lifetime
//
// eval.Value pins one reference on the engine heap. Clone adds a pin,
// Close releases one. The engine's collector decides when unpinned
// slots are actually reclaimed; dropping the last Value only makes
// reclamation possible, it does not trigger it.
package nixruntime
