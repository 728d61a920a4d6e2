package testbed

import (
	"fmt"
	"sync"

	nixruntime "github.com/wippyai/nix-runtime"
)

// Engine is an in-memory boundary implementation with the behaviors the
// bindings depend on: out-of-band error contexts, thunks forced on
// demand, pinned heap slots swept only by an explicit collection, and
// per-thread collector registration. It evaluates the small literal
// subset of the expression language the test suite uses.
//
// The zero value is not usable; call New.
type Engine struct {
	mu sync.Mutex

	contexts map[nixruntime.ContextRef]*errState
	stores   map[nixruntime.StoreRef]*storeState
	states   map[nixruntime.StateRef]*stateState
	heap     map[nixruntime.ValueRef]*slot

	nextRef  uintptr
	nextBase uintptr

	threads     map[int64]bool
	allowCalled bool

	initCalls   int
	collections int

	// Failure injection. Set before the corresponding call.
	FailInit      string // LibInit reports this message
	FailStackBase bool   // GCStackBase returns an error
	FailStoreOpen string // StoreOpen reports this message

	// VersionString is what Version reports.
	VersionString string
}

type errState struct {
	code nixruntime.ErrCode
	msg  string
}

type storeState struct {
	uri    string
	params map[string]string
}

type stateState struct {
	searchPath []string
	store      nixruntime.StoreRef
}

// slot is one heap cell. A slot holds an unevaluated expression until
// it is forced, then the concrete result. Slots with no pins survive
// until the next collection.
type slot struct {
	state  nixruntime.StateRef
	pins   int
	uninit bool
	forced bool
	expr   string
	val    litValue
}

// New creates an empty in-memory engine.
func New() *Engine {
	return &Engine{
		contexts:      make(map[nixruntime.ContextRef]*errState),
		stores:        make(map[nixruntime.StoreRef]*storeState),
		states:        make(map[nixruntime.StateRef]*stateState),
		heap:          make(map[nixruntime.ValueRef]*slot),
		threads:       make(map[int64]bool),
		VersionString: "2.30.1-testbed",
	}
}

// ref hands out the next handle value. Caller must hold e.mu.
func (e *Engine) ref() uintptr {
	e.nextRef++
	return e.nextRef
}

// setErr records a failure in ctx. Caller must hold e.mu.
func (e *Engine) setErr(ctx nixruntime.ContextRef, code nixruntime.ErrCode, msg string) {
	if st, ok := e.contexts[ctx]; ok {
		st.code = code
		st.msg = msg
	}
}

func (e *Engine) ContextCreate() nixruntime.ContextRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	ref := nixruntime.ContextRef(e.ref())
	e.contexts[ref] = &errState{code: nixruntime.CodeOK}
	return ref
}

func (e *Engine) ContextFree(ctx nixruntime.ContextRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.contexts, ctx)
}

func (e *Engine) ErrCode(ctx nixruntime.ContextRef) nixruntime.ErrCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.contexts[ctx]; ok {
		return st.code
	}
	return nixruntime.CodeOK
}

func (e *Engine) ErrMsg(ctx nixruntime.ContextRef) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.contexts[ctx]; ok {
		return st.msg
	}
	return ""
}

func (e *Engine) ErrClear(ctx nixruntime.ContextRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.contexts[ctx]; ok {
		st.code = nixruntime.CodeOK
		st.msg = ""
	}
}

func (e *Engine) LibInit(ctx nixruntime.ContextRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initCalls++
	if e.FailInit != "" {
		e.setErr(ctx, nixruntime.CodeEngine, e.FailInit)
	}
}

func (e *Engine) Version() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.VersionString
}

func (e *Engine) GCAllowRegisterThreads() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allowCalled = true
}

func (e *Engine) GCThreadIsRegistered() bool {
	id := goid()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threads[id]
}

func (e *Engine) GCStackBase() (nixruntime.StackBase, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailStackBase {
		return 0, fmt.Errorf("GC_get_stack_base failed: 3")
	}
	e.nextBase += 0x1000
	return nixruntime.StackBase(0x7f0000000000 + e.nextBase), nil
}

func (e *Engine) GCRegisterThread(base nixruntime.StackBase) {
	id := goid()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.threads[id] = true
}

func (e *Engine) GCUnregisterThread() {
	id := goid()
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.threads, id)
}

func (e *Engine) GCNow() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.collections++
	for ref, sl := range e.heap {
		if sl.pins <= 0 {
			delete(e.heap, ref)
		}
	}
}

func (e *Engine) GCIncRef(ctx nixruntime.ContextRef, v nixruntime.ValueRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sl, ok := e.heap[v]
	if !ok {
		e.setErr(ctx, nixruntime.CodeUnknown, "incref on reclaimed value")
		return
	}
	sl.pins++
}

func (e *Engine) GCDecRef(ctx nixruntime.ContextRef, v nixruntime.ValueRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sl, ok := e.heap[v]
	if !ok {
		e.setErr(ctx, nixruntime.CodeUnknown, "decref on reclaimed value")
		return
	}
	sl.pins--
}

func (e *Engine) StoreOpen(ctx nixruntime.ContextRef, uri string, params map[string]string) nixruntime.StoreRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailStoreOpen != "" {
		e.setErr(ctx, nixruntime.CodeEngine, e.FailStoreOpen)
		return 0
	}
	if uri == "" {
		uri = "auto"
	}
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	ref := nixruntime.StoreRef(e.ref())
	e.stores[ref] = &storeState{uri: uri, params: cp}
	return ref
}

func (e *Engine) StoreFree(s nixruntime.StoreRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.stores, s)
}

func (e *Engine) StateCreate(ctx nixruntime.ContextRef, searchPath []string, s nixruntime.StoreRef) nixruntime.StateRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.stores[s]; !ok {
		e.setErr(ctx, nixruntime.CodeUnknown, "state_create: unknown store")
		return 0
	}
	sp := make([]string, len(searchPath))
	copy(sp, searchPath)
	ref := nixruntime.StateRef(e.ref())
	e.states[ref] = &stateState{searchPath: sp, store: s}
	return ref
}

func (e *Engine) StateFree(st nixruntime.StateRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, st)
}

func (e *Engine) AllocValue(ctx nixruntime.ContextRef, st nixruntime.StateRef) nixruntime.ValueRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.states[st]; !ok {
		e.setErr(ctx, nixruntime.CodeUnknown, "alloc_value: unknown eval state")
		return 0
	}
	ref := nixruntime.ValueRef(e.ref())
	e.heap[ref] = &slot{state: st, pins: 1, uninit: true}
	return ref
}

func (e *Engine) EvalFromString(ctx nixruntime.ContextRef, st nixruntime.StateRef, expr, sourceName string, into nixruntime.ValueRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.states[st]; !ok {
		e.setErr(ctx, nixruntime.CodeUnknown, "eval: unknown eval state")
		return
	}
	sl, ok := e.heap[into]
	if !ok {
		e.setErr(ctx, nixruntime.CodeUnknown, "eval: reclaimed target value")
		return
	}
	// Parsing and static analysis happen here; evaluation waits for a
	// force, so the slot becomes a thunk.
	if _, err := parseForm(expr); err != nil {
		e.setErr(ctx, nixruntime.CodeEngine, fmt.Sprintf("error: %s, at %s:1:1", err, sourceName))
		return
	}
	sl.expr = expr
	sl.uninit = false
	sl.forced = false
}

func (e *Engine) ForceValue(ctx nixruntime.ContextRef, st nixruntime.StateRef, v nixruntime.ValueRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sl, ok := e.heap[v]
	if !ok {
		e.setErr(ctx, nixruntime.CodeUnknown, "force: reclaimed value")
		return
	}
	if sl.uninit {
		e.setErr(ctx, nixruntime.CodeUnknown, "force: uninitialized value")
		return
	}
	if sl.forced {
		return
	}
	form, err := parseForm(sl.expr)
	if err == nil {
		sl.val, err = form.eval()
	}
	if err != nil {
		e.setErr(ctx, nixruntime.CodeEngine, fmt.Sprintf("error: %s", err))
		return
	}
	sl.forced = true
}

func (e *Engine) GetKind(ctx nixruntime.ContextRef, v nixruntime.ValueRef) nixruntime.KindTag {
	e.mu.Lock()
	defer e.mu.Unlock()
	sl, ok := e.heap[v]
	if !ok {
		e.setErr(ctx, nixruntime.CodeUnknown, "get_type: reclaimed value")
		return nixruntime.TagThunk
	}
	if !sl.forced {
		return nixruntime.TagThunk
	}
	return sl.val.kind
}

func (e *Engine) GetString(ctx nixruntime.ContextRef, v nixruntime.ValueRef) []byte {
	return e.bytesOfKind(ctx, v, nixruntime.TagString, "string")
}

func (e *Engine) GetPathString(ctx nixruntime.ContextRef, v nixruntime.ValueRef) []byte {
	return e.bytesOfKind(ctx, v, nixruntime.TagPath, "path")
}

func (e *Engine) bytesOfKind(ctx nixruntime.ContextRef, v nixruntime.ValueRef, want nixruntime.KindTag, what string) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	sl, ok := e.heap[v]
	if !ok || !sl.forced || sl.val.kind != want {
		e.setErr(ctx, nixruntime.CodeUnknown, "value is not a "+what)
		return nil
	}
	out := make([]byte, len(sl.val.s))
	copy(out, sl.val.s)
	return out
}

func (e *Engine) GetInt(ctx nixruntime.ContextRef, v nixruntime.ValueRef) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	sl, ok := e.heap[v]
	if !ok || !sl.forced || sl.val.kind != nixruntime.TagInt {
		e.setErr(ctx, nixruntime.CodeUnknown, "value is not an integer")
		return 0
	}
	return sl.val.i
}

func (e *Engine) GetBool(ctx nixruntime.ContextRef, v nixruntime.ValueRef) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	sl, ok := e.heap[v]
	if !ok || !sl.forced || sl.val.kind != nixruntime.TagBool {
		e.setErr(ctx, nixruntime.CodeUnknown, "value is not a boolean")
		return false
	}
	return sl.val.b
}

func (e *Engine) GetFloat(ctx nixruntime.ContextRef, v nixruntime.ValueRef) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	sl, ok := e.heap[v]
	if !ok || !sl.forced || sl.val.kind != nixruntime.TagFloat {
		e.setErr(ctx, nixruntime.CodeUnknown, "value is not a float")
		return 0
	}
	return sl.val.f
}

func (e *Engine) GetListSize(ctx nixruntime.ContextRef, v nixruntime.ValueRef) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	sl, ok := e.heap[v]
	if !ok || !sl.forced || sl.val.kind != nixruntime.TagList {
		e.setErr(ctx, nixruntime.CodeUnknown, "value is not a list")
		return 0
	}
	return sl.val.n
}

func (e *Engine) GetAttrsSize(ctx nixruntime.ContextRef, v nixruntime.ValueRef) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	sl, ok := e.heap[v]
	if !ok || !sl.forced || sl.val.kind != nixruntime.TagAttrs {
		e.setErr(ctx, nixruntime.CodeUnknown, "value is not an attribute set")
		return 0
	}
	return sl.val.n
}

// InitCalls reports how many times LibInit ran.
func (e *Engine) InitCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initCalls
}

// Collections reports how many full collections ran.
func (e *Engine) Collections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collections
}

// RegisteredThreads reports how many threads are currently registered
// with the collector.
func (e *Engine) RegisteredThreads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.threads)
}

// RegistrationAllowed reports whether GCAllowRegisterThreads ran.
func (e *Engine) RegistrationAllowed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allowCalled
}

// LiveSlots reports how many heap slots exist, pinned or not. Slots
// disappear only through collection.
func (e *Engine) LiveSlots() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.heap)
}

// InjectError stores a failure in a context directly, for tests that
// need codes the fake never produces on its own.
func (e *Engine) InjectError(ctx nixruntime.ContextRef, code nixruntime.ErrCode, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setErr(ctx, code, msg)
}

// Pins reports the pin count of one slot, or -1 if it was reclaimed.
func (e *Engine) Pins(v nixruntime.ValueRef) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	sl, ok := e.heap[v]
	if !ok {
		return -1
	}
	return sl.pins
}

// Compile-time check that Engine implements the boundary surface
var _ nixruntime.API = (*Engine)(nil)
