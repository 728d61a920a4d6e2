package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	nixruntime "github.com/wippyai/nix-runtime"
	"github.com/wippyai/nix-runtime/errors"
)

// Engine owns a loaded evaluator and the process-wide pieces of its
// lifecycle: one-time library initialization and collector thread
// registration. All stores and evaluator states derive from an Engine.
type Engine struct {
	api     nixruntime.API
	closeFn func(ctx context.Context) error
	init    *initState
}

// initState memoizes one library initialization outcome, success and
// failure alike. Engines over the same underlying evaluator library
// share one, since initializing a library twice corrupts its collector.
type initState struct {
	once sync.Once
	err  error
}

var (
	libInitMu sync.Mutex
	libInits  = make(map[string]*initState)
)

// sharedInitState returns the process-wide init state for one loaded
// library, creating it on first use.
func sharedInitState(key string) *initState {
	libInitMu.Lock()
	defer libInitMu.Unlock()
	st, ok := libInits[key]
	if !ok {
		st = &initState{}
		libInits[key] = st
	}
	return st
}

// New wraps an already loaded boundary API in an Engine. Use OpenLibrary
// or LoadModule to load a real evaluator build.
func New(api nixruntime.API) *Engine {
	return &Engine{api: api, init: &initState{}}
}

// API returns the raw boundary surface. Most callers want the store and
// eval packages instead.
func (e *Engine) API() nixruntime.API {
	return e.api
}

// Init performs one-time library initialization: it allows collector
// thread registration and initializes the evaluator library. The first
// call decides the outcome for the lifetime of the process; later calls
// return the same result without touching the engine again, and Engines
// opened over the same native library share the outcome. Safe for
// concurrent use.
//
// Init is called implicitly by store.Open and eval.New, so most callers
// never invoke it directly.
func (e *Engine) Init() error {
	e.init.once.Do(func() {
		e.init.err = e.runInit()
	})
	return e.init.err
}

func (e *Engine) runInit() error {
	// Registration must be allowed before any thread tries to register,
	// including the one running this init.
	e.api.GCAllowRegisterThreads()

	ctx := NewContext(e.api, errors.PhaseInit)
	defer ctx.Close()

	e.api.LibInit(ctx.Ref())
	if err := ctx.Check(); err != nil {
		Logger().Error("evaluator library init failed", zap.Error(err))
		return err
	}

	Logger().Debug("evaluator library initialized",
		zap.String("version", e.api.Version()))
	return nil
}

// ThreadRegistered reports whether the calling OS thread is currently
// registered with the collector. Meaningful only while the goroutine is
// locked to its thread.
func (e *Engine) ThreadRegistered() bool {
	return e.api.GCThreadIsRegistered()
}

// RegisterCurrentThread registers the calling OS thread with the
// collector if it is not registered already. The caller must hold the
// goroutine on its thread with runtime.LockOSThread for the whole time
// the registration is relied on. Most callers should use
// WithRegisteredThread instead, which also unregisters.
func (e *Engine) RegisterCurrentThread() error {
	if e.api.GCThreadIsRegistered() {
		return nil
	}
	base, err := e.api.GCStackBase()
	if err != nil {
		return errors.Registration("stack base query failed", err)
	}
	e.api.GCRegisterThread(base)
	return nil
}

// GCNow triggers a full collection. Unpinned heap slots may be
// reclaimed during the call.
func (e *Engine) GCNow() {
	e.api.GCNow()
}

// Version returns the evaluator's version string.
func (e *Engine) Version() string {
	return e.api.Version()
}

// Close releases loader-held resources. It does not tear down the
// evaluator library itself; one-time init is irreversible for the
// lifetime of the process.
func (e *Engine) Close(ctx context.Context) error {
	if e.closeFn == nil {
		return nil
	}
	return e.closeFn(ctx)
}
