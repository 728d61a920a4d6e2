package nixruntime

// ContextRef identifies an engine-side error context. Every fallible
// boundary call reports through exactly one context.
type ContextRef uintptr

// StoreRef identifies an open store connection inside the engine.
type StoreRef uintptr

// StateRef identifies an evaluator instance inside the engine.
type StateRef uintptr

// ValueRef identifies a slot on the engine's collected heap. The slot
// stays alive while at least one reference from this side is pinned.
type ValueRef uintptr

// StackBase is an opaque cold-end stack address used to register the
// calling OS thread with the engine's collector.
type StackBase uintptr

// ErrCode is the raw status stored in an error context after a call.
type ErrCode int32

// Raw status values. CodeOK means the last checked call succeeded;
// everything else is a failure class reported by the engine.
const (
	CodeOK       ErrCode = 0
	CodeUnknown  ErrCode = -1
	CodeOverflow ErrCode = -2
	CodeKey      ErrCode = -3
	CodeEngine   ErrCode = -4
)

// KindTag is the raw runtime type discriminant of a heap value as the
// engine reports it. A tag of TagThunk means the value has not been
// forced yet and its final kind is still unknown.
type KindTag int32

// Raw kind tags in the engine's own numbering.
const (
	TagThunk KindTag = iota
	TagInt
	TagFloat
	TagBool
	TagString
	TagPath
	TagNull
	TagAttrs
	TagList
	TagFunction
	TagExternal
)

// API is the flat boundary surface of the evaluation engine. Implementations
// load the engine in-process (shared library, compiled module, or an
// in-memory stand-in) and expose its calls one to one.
//
// Calls taking a ContextRef report failure out of band: the call itself
// returns normally and the caller must inspect the context afterwards.
// Handle arguments must be live; passing a freed handle is undefined.
type API interface {
	// Error contexts.
	ContextCreate() ContextRef
	ContextFree(ctx ContextRef)
	ErrCode(ctx ContextRef) ErrCode
	ErrMsg(ctx ContextRef) string
	ErrClear(ctx ContextRef)

	// Library lifecycle.
	LibInit(ctx ContextRef)
	Version() string

	// Collector control and per-thread registration. StackBase and the
	// register/unregister pair act on the calling OS thread.
	GCAllowRegisterThreads()
	GCThreadIsRegistered() bool
	GCStackBase() (StackBase, error)
	GCRegisterThread(base StackBase)
	GCUnregisterThread()
	GCNow()
	GCIncRef(ctx ContextRef, v ValueRef)
	GCDecRef(ctx ContextRef, v ValueRef)

	// Stores.
	StoreOpen(ctx ContextRef, uri string, params map[string]string) StoreRef
	StoreFree(s StoreRef)

	// Evaluation.
	StateCreate(ctx ContextRef, searchPath []string, s StoreRef) StateRef
	StateFree(st StateRef)
	AllocValue(ctx ContextRef, st StateRef) ValueRef
	EvalFromString(ctx ContextRef, st StateRef, expr, sourceName string, into ValueRef)
	ForceValue(ctx ContextRef, st StateRef, v ValueRef)
	GetKind(ctx ContextRef, v ValueRef) KindTag
	GetString(ctx ContextRef, v ValueRef) []byte
	GetPathString(ctx ContextRef, v ValueRef) []byte
	GetInt(ctx ContextRef, v ValueRef) int64
	GetBool(ctx ContextRef, v ValueRef) bool
	GetFloat(ctx ContextRef, v ValueRef) float64
	GetListSize(ctx ContextRef, v ValueRef) uint32
	GetAttrsSize(ctx ContextRef, v ValueRef) uint32
}
