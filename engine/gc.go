package engine

import (
	"runtime"

	"github.com/wippyai/nix-runtime/errors"
)

// WithRegisteredThread runs fn on a collector-registered OS thread and
// returns its result. The goroutine is locked to its thread for the
// duration of fn.
//
// If the thread is already registered, fn runs directly and the
// registration is left alone. Otherwise the thread is registered first
// and unregistered when fn returns, so ownership of the registration
// stays with the frame that created it. Nested calls are safe. The
// unregister runs even when fn panics.
//
// Engine init happens implicitly on first use.
func WithRegisteredThread[R any](e *Engine, fn func() R) (R, error) {
	var zero R

	if err := e.Init(); err != nil {
		return zero, err
	}

	// The registered check must observe the same thread fn will run on,
	// so the goroutine is pinned before asking.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if e.api.GCThreadIsRegistered() {
		return fn(), nil
	}

	base, err := e.api.GCStackBase()
	if err != nil {
		return zero, errors.Registration("stack base query failed", err)
	}
	e.api.GCRegisterThread(base)
	defer e.api.GCUnregisterThread()

	return fn(), nil
}
