// Package eval provides evaluator states and lazy values.
//
// An EvalState is one evaluator instance bound to a store. Evaluating
// an expression yields a Value that is lazy until forced:
//
//	es, err := eval.New(st)
//	if err != nil {
//	    return err
//	}
//	defer es.Close()
//
//	v, err := es.EvalFromString(`1 + 2`, "<string>")
//	if err != nil {
//	    return err
//	}
//	defer v.Close()
//
//	n, err := es.RequireInt(v) // forces, checks the kind, extracts
//
// Kind and the Require accessors force implicitly; Force and IsThunk
// expose laziness directly for callers that care.
//
// # Ownership rules
//
// A Value is only meaningful with the EvalState that produced it, and
// that state must stay open while the Value is in use; this is a
// caller obligation the engine cannot verify. Values pin their heap
// slot until closed, so every Value and every Clone needs a matching
// Close. LiveValues reports outstanding pins, which tests use as a
// leak check.
//
// Goroutines calling into this package must hold collector thread
// registration, normally via engine.WithRegisteredThread.
package eval
