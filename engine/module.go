package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	nixruntime "github.com/wippyai/nix-runtime"
	"github.com/wippyai/nix-runtime/errors"
)

// ModuleConfig holds configuration for loading a wasm evaluator build.
type ModuleConfig struct {
	// MemoryLimitPages caps the module's linear memory in 64KB pages.
	// 0 means the runtime default.
	MemoryLimitPages uint32

	// Name names the instantiated module. Empty gives an anonymous instance.
	Name string
}

// LoadModule compiles and instantiates a wasm evaluator build and binds
// the boundary surface from its exports. The module must export the
// same symbols a native build does, plus its linear memory and a
// malloc/free pair for marshaling.
//
// A wasm evaluator is single threaded: boundary calls are serialized
// internally and collector registration state is module-wide rather
// than per OS thread.
func LoadModule(ctx context.Context, wasmBytes []byte, cfg *ModuleConfig) (*Engine, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, errors.Load("instantiate WASI", err)
	}

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		r.Close(ctx)
		return nil, errors.Load("compile evaluator module", err)
	}

	modCfg := wazero.NewModuleConfig().WithStartFunctions()
	if cfg != nil && cfg.Name != "" {
		modCfg = modCfg.WithName(cfg.Name)
	} else {
		modCfg = modCfg.WithName("")
	}

	mod, err := r.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		r.Close(ctx)
		return nil, errors.Load("instantiate evaluator module", err)
	}

	// Reactor builds expose their constructors through _initialize.
	if initFn := mod.ExportedFunction("_initialize"); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			r.Close(ctx)
			return nil, errors.Load("run module initializer", err)
		}
	}

	w := &wasmAPI{
		ctx:   ctx,
		mod:   mod,
		stack: make([]uint64, 8),
	}

	var missing []string
	for _, b := range w.exports() {
		fn := mod.ExportedFunction(b.name)
		if fn == nil {
			missing = append(missing, b.name)
			continue
		}
		*b.fn = fn
	}
	if w.mem = mod.Memory(); w.mem == nil {
		missing = append(missing, wasmExportMemory)
	}
	if len(missing) > 0 {
		r.Close(ctx)
		return nil, errors.NewMissingSymbolsError(missing)
	}

	Logger().Debug("evaluator module loaded",
		zap.Int("size_bytes", len(wasmBytes)),
		zap.String("name", mod.Name()))

	eng := New(w)
	eng.closeFn = func(ctx context.Context) error {
		return r.Close(ctx)
	}
	return eng, nil
}

// wasmAPI implements the boundary over an instantiated wasm evaluator.
// All calls are serialized on one mutex; a trapped module is treated as
// permanently failed and every later check surfaces the trap.
type wasmAPI struct {
	ctx   context.Context
	mod   api.Module
	mem   api.Memory
	trap  error
	stack []uint64
	mu    sync.Mutex

	malloc api.Function
	free   api.Function

	contextCreate api.Function
	contextFree   api.Function
	errCode       api.Function
	errMsg        api.Function
	errClear      api.Function

	libInit    api.Function
	versionGet api.Function

	storeOpen api.Function
	storeFree api.Function

	stateCreate    api.Function
	stateFree      api.Function
	allocValue     api.Function
	evalFromString api.Function
	forceValue     api.Function
	getKind        api.Function
	getString      api.Function
	getPathString  api.Function
	getInt         api.Function
	getBool        api.Function
	getFloat       api.Function
	getListSize    api.Function
	getAttrsSize   api.Function

	gcIncRef api.Function
	gcDecRef api.Function
	gcNow    api.Function

	gcAllowRegisterThreads api.Function
	gcThreadIsRegistered   api.Function
	gcGetStackBase         api.Function
	gcRegisterMyThread     api.Function
	gcUnregisterMyThread   api.Function
}

type exportBinding struct {
	name string
	fn   *api.Function
}

func (w *wasmAPI) exports() []exportBinding {
	return []exportBinding{
		{wasmExportMalloc, &w.malloc},
		{wasmExportFree, &w.free},
		{symContextCreate, &w.contextCreate},
		{symContextFree, &w.contextFree},
		{symErrCode, &w.errCode},
		{symErrMsg, &w.errMsg},
		{symErrClear, &w.errClear},
		{symLibInit, &w.libInit},
		{symVersion, &w.versionGet},
		{symStoreOpen, &w.storeOpen},
		{symStoreFree, &w.storeFree},
		{symStateCreate, &w.stateCreate},
		{symStateFree, &w.stateFree},
		{symAllocValue, &w.allocValue},
		{symEvalFromString, &w.evalFromString},
		{symForceValue, &w.forceValue},
		{symGetKind, &w.getKind},
		{symGetString, &w.getString},
		{symGetPathString, &w.getPathString},
		{symGetInt, &w.getInt},
		{symGetBool, &w.getBool},
		{symGetFloat, &w.getFloat},
		{symGetListSize, &w.getListSize},
		{symGetAttrsSize, &w.getAttrsSize},
		{symGCIncRef, &w.gcIncRef},
		{symGCDecRef, &w.gcDecRef},
		{symGCNow, &w.gcNow},
		{symGCAllowRegisterThreads, &w.gcAllowRegisterThreads},
		{symGCThreadIsRegistered, &w.gcThreadIsRegistered},
		{symGCGetStackBase, &w.gcGetStackBase},
		{symGCRegisterMyThread, &w.gcRegisterMyThread},
		{symGCUnregisterMyThread, &w.gcUnregisterMyThread},
	}
}

// call runs fn with the shared stack buffer. Must be called with w.mu
// held. After a trap the module is dead and calls become no-ops; the
// trap itself is surfaced through ErrCode/ErrMsg.
func (w *wasmAPI) call(fn api.Function, stack []uint64) {
	if w.trap != nil {
		return
	}
	if err := fn.CallWithStack(w.ctx, stack); err != nil {
		w.trap = err
		Logger().Error("evaluator module trapped", zap.Error(err))
	}
}

func (w *wasmAPI) guestAlloc(n uint32) uint32 {
	s := w.stack
	s[0] = uint64(n)
	w.call(w.malloc, s[:1])
	if w.trap != nil {
		return 0
	}
	return uint32(s[0])
}

func (w *wasmAPI) guestFree(ptr uint32) {
	if ptr == 0 {
		return
	}
	s := w.stack
	s[0] = uint64(ptr)
	w.call(w.free, s[:1])
}

// writeString copies s NUL terminated into guest memory. Returns 0 when
// allocation or the write fails.
func (w *wasmAPI) writeString(s string) uint32 {
	n := uint32(len(s) + 1)
	ptr := w.guestAlloc(n)
	if ptr == 0 {
		return 0
	}
	buf := make([]byte, n)
	copy(buf, s)
	if !w.mem.Write(ptr, buf) {
		Logger().Warn("guest memory write out of range",
			zap.Uint32("ptr", ptr),
			zap.Uint32("len", n))
		w.guestFree(ptr)
		return 0
	}
	return ptr
}

// writeStringArray copies ss into guest memory as a NUL terminated
// pointer array. Returns the array address and every allocation made,
// for the caller to free after the call.
func (w *wasmAPI) writeStringArray(ss []string) (uint32, []uint32) {
	if ss == nil {
		return 0, nil
	}
	allocs := make([]uint32, 0, len(ss)+1)
	arr := w.guestAlloc(uint32(4 * (len(ss) + 1)))
	if arr == 0 {
		return 0, nil
	}
	allocs = append(allocs, arr)
	for i, s := range ss {
		p := w.writeString(s)
		allocs = append(allocs, p)
		w.mem.WriteUint32Le(arr+uint32(4*i), p)
	}
	w.mem.WriteUint32Le(arr+uint32(4*len(ss)), 0)
	return arr, allocs
}

// writeParamArray copies params into guest memory as a null terminated
// array of [key, value] pointer pairs, keys in map order being
// irrelevant to the engine.
func (w *wasmAPI) writeParamArray(params map[string]string) (uint32, []uint32) {
	if len(params) == 0 {
		return 0, nil
	}
	allocs := make([]uint32, 0, 3*len(params)+1)
	outer := w.guestAlloc(uint32(4 * (len(params) + 1)))
	if outer == 0 {
		return 0, nil
	}
	allocs = append(allocs, outer)
	i := 0
	for k, v := range params {
		pair := w.guestAlloc(8)
		kp := w.writeString(k)
		vp := w.writeString(v)
		allocs = append(allocs, pair, kp, vp)
		if pair != 0 {
			w.mem.WriteUint32Le(pair, kp)
			w.mem.WriteUint32Le(pair+4, vp)
		}
		w.mem.WriteUint32Le(outer+uint32(4*i), pair)
		i++
	}
	w.mem.WriteUint32Le(outer+uint32(4*len(params)), 0)
	return outer, allocs
}

// readCString copies the NUL terminated bytes at ptr out of guest
// memory. The engine owns the guest-side buffer.
func (w *wasmAPI) readCString(ptr uint32) []byte {
	if ptr == 0 {
		return nil
	}
	var out []byte
	for {
		b, ok := w.mem.ReadByte(ptr)
		if !ok || b == 0 {
			return out
		}
		out = append(out, b)
		ptr++
	}
}

func (w *wasmAPI) freeAll(allocs []uint32) {
	for _, p := range allocs {
		w.guestFree(p)
	}
}

func (w *wasmAPI) ContextCreate() nixruntime.ContextRef {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	w.call(w.contextCreate, s[:1])
	if w.trap != nil {
		return 0
	}
	return nixruntime.ContextRef(uint32(s[0]))
}

func (w *wasmAPI) ContextFree(ctx nixruntime.ContextRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	s[0] = uint64(ctx)
	w.call(w.contextFree, s[:1])
}

func (w *wasmAPI) ErrCode(ctx nixruntime.ContextRef) nixruntime.ErrCode {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.trap != nil {
		return nixruntime.CodeUnknown
	}
	s := w.stack
	s[0] = uint64(ctx)
	w.call(w.errCode, s[:1])
	if w.trap != nil {
		return nixruntime.CodeUnknown
	}
	return nixruntime.ErrCode(int32(uint32(s[0])))
}

func (w *wasmAPI) ErrMsg(ctx nixruntime.ContextRef) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.trap != nil {
		return fmt.Sprintf("evaluator module trapped: %v", w.trap)
	}
	s := w.stack
	s[0] = uint64(ctx)
	w.call(w.errMsg, s[:1])
	if w.trap != nil {
		return fmt.Sprintf("evaluator module trapped: %v", w.trap)
	}
	return string(w.readCString(uint32(s[0])))
}

func (w *wasmAPI) ErrClear(ctx nixruntime.ContextRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	s[0] = uint64(ctx)
	w.call(w.errClear, s[:1])
}

func (w *wasmAPI) LibInit(ctx nixruntime.ContextRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	s[0] = uint64(ctx)
	w.call(w.libInit, s[:1])
}

func (w *wasmAPI) Version() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	w.call(w.versionGet, s[:1])
	if w.trap != nil {
		return ""
	}
	return string(w.readCString(uint32(s[0])))
}

func (w *wasmAPI) GCAllowRegisterThreads() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.call(w.gcAllowRegisterThreads, w.stack[:0])
}

func (w *wasmAPI) GCThreadIsRegistered() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	w.call(w.gcThreadIsRegistered, s[:1])
	if w.trap != nil {
		return false
	}
	return uint32(s[0]) != 0
}

func (w *wasmAPI) GCStackBase() (nixruntime.StackBase, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	scratch := w.guestAlloc(8)
	if scratch == 0 {
		return 0, fmt.Errorf("stack base scratch allocation failed")
	}
	defer w.guestFree(scratch)

	s := w.stack
	s[0] = uint64(scratch)
	w.call(w.gcGetStackBase, s[:1])
	if w.trap != nil {
		return 0, w.trap
	}
	if code := int32(uint32(s[0])); code != 0 {
		return 0, fmt.Errorf("GC_get_stack_base failed: %d", code)
	}
	base, _ := w.mem.ReadUint32Le(scratch)
	return nixruntime.StackBase(base), nil
}

func (w *wasmAPI) GCRegisterThread(base nixruntime.StackBase) {
	w.mu.Lock()
	defer w.mu.Unlock()

	scratch := w.guestAlloc(8)
	if scratch == 0 {
		return
	}
	defer w.guestFree(scratch)
	w.mem.WriteUint32Le(scratch, uint32(base))

	s := w.stack
	s[0] = uint64(scratch)
	w.call(w.gcRegisterMyThread, s[:1])
}

func (w *wasmAPI) GCUnregisterThread() {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	w.call(w.gcUnregisterMyThread, s[:1])
}

func (w *wasmAPI) GCNow() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.call(w.gcNow, w.stack[:0])
}

func (w *wasmAPI) GCIncRef(ctx nixruntime.ContextRef, v nixruntime.ValueRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	s[0], s[1] = uint64(ctx), uint64(v)
	w.call(w.gcIncRef, s[:2])
}

func (w *wasmAPI) GCDecRef(ctx nixruntime.ContextRef, v nixruntime.ValueRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	s[0], s[1] = uint64(ctx), uint64(v)
	w.call(w.gcDecRef, s[:2])
}

func (w *wasmAPI) StoreOpen(ctx nixruntime.ContextRef, uri string, params map[string]string) nixruntime.StoreRef {
	w.mu.Lock()
	defer w.mu.Unlock()

	uriPtr := w.writeString(uri)
	paramsPtr, allocs := w.writeParamArray(params)
	defer w.freeAll(append(allocs, uriPtr))

	s := w.stack
	s[0], s[1], s[2] = uint64(ctx), uint64(uriPtr), uint64(paramsPtr)
	w.call(w.storeOpen, s[:3])
	if w.trap != nil {
		return 0
	}
	return nixruntime.StoreRef(uint32(s[0]))
}

func (w *wasmAPI) StoreFree(st nixruntime.StoreRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	s[0] = uint64(st)
	w.call(w.storeFree, s[:1])
}

func (w *wasmAPI) StateCreate(ctx nixruntime.ContextRef, searchPath []string, st nixruntime.StoreRef) nixruntime.StateRef {
	w.mu.Lock()
	defer w.mu.Unlock()

	arrPtr, allocs := w.writeStringArray(searchPath)
	defer w.freeAll(allocs)

	s := w.stack
	s[0], s[1], s[2] = uint64(ctx), uint64(arrPtr), uint64(st)
	w.call(w.stateCreate, s[:3])
	if w.trap != nil {
		return 0
	}
	return nixruntime.StateRef(uint32(s[0]))
}

func (w *wasmAPI) StateFree(st nixruntime.StateRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	s[0] = uint64(st)
	w.call(w.stateFree, s[:1])
}

func (w *wasmAPI) AllocValue(ctx nixruntime.ContextRef, st nixruntime.StateRef) nixruntime.ValueRef {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	s[0], s[1] = uint64(ctx), uint64(st)
	w.call(w.allocValue, s[:2])
	if w.trap != nil {
		return 0
	}
	return nixruntime.ValueRef(uint32(s[0]))
}

func (w *wasmAPI) EvalFromString(ctx nixruntime.ContextRef, st nixruntime.StateRef, expr, sourceName string, into nixruntime.ValueRef) {
	w.mu.Lock()
	defer w.mu.Unlock()

	exprPtr := w.writeString(expr)
	namePtr := w.writeString(sourceName)
	defer w.guestFree(exprPtr)
	defer w.guestFree(namePtr)

	s := w.stack
	s[0], s[1], s[2], s[3], s[4] = uint64(ctx), uint64(st), uint64(exprPtr), uint64(namePtr), uint64(into)
	w.call(w.evalFromString, s[:5])
}

func (w *wasmAPI) ForceValue(ctx nixruntime.ContextRef, st nixruntime.StateRef, v nixruntime.ValueRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	s[0], s[1], s[2] = uint64(ctx), uint64(st), uint64(v)
	w.call(w.forceValue, s[:3])
}

func (w *wasmAPI) GetKind(ctx nixruntime.ContextRef, v nixruntime.ValueRef) nixruntime.KindTag {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	s[0], s[1] = uint64(ctx), uint64(v)
	w.call(w.getKind, s[:2])
	if w.trap != nil {
		return nixruntime.TagThunk
	}
	return nixruntime.KindTag(int32(uint32(s[0])))
}

func (w *wasmAPI) GetString(ctx nixruntime.ContextRef, v nixruntime.ValueRef) []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	s[0], s[1] = uint64(ctx), uint64(v)
	w.call(w.getString, s[:2])
	if w.trap != nil {
		return nil
	}
	return w.readCString(uint32(s[0]))
}

func (w *wasmAPI) GetPathString(ctx nixruntime.ContextRef, v nixruntime.ValueRef) []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	s[0], s[1] = uint64(ctx), uint64(v)
	w.call(w.getPathString, s[:2])
	if w.trap != nil {
		return nil
	}
	return w.readCString(uint32(s[0]))
}

func (w *wasmAPI) GetInt(ctx nixruntime.ContextRef, v nixruntime.ValueRef) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	s[0], s[1] = uint64(ctx), uint64(v)
	w.call(w.getInt, s[:2])
	if w.trap != nil {
		return 0
	}
	return int64(s[0])
}

func (w *wasmAPI) GetBool(ctx nixruntime.ContextRef, v nixruntime.ValueRef) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	s[0], s[1] = uint64(ctx), uint64(v)
	w.call(w.getBool, s[:2])
	if w.trap != nil {
		return false
	}
	return uint32(s[0]) != 0
}

func (w *wasmAPI) GetFloat(ctx nixruntime.ContextRef, v nixruntime.ValueRef) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	s[0], s[1] = uint64(ctx), uint64(v)
	w.call(w.getFloat, s[:2])
	if w.trap != nil {
		return 0
	}
	return api.DecodeF64(s[0])
}

func (w *wasmAPI) GetListSize(ctx nixruntime.ContextRef, v nixruntime.ValueRef) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	s[0], s[1] = uint64(ctx), uint64(v)
	w.call(w.getListSize, s[:2])
	if w.trap != nil {
		return 0
	}
	return uint32(s[0])
}

func (w *wasmAPI) GetAttrsSize(ctx nixruntime.ContextRef, v nixruntime.ValueRef) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stack
	s[0], s[1] = uint64(ctx), uint64(v)
	w.call(w.getAttrsSize, s[:2])
	if w.trap != nil {
		return 0
	}
	return uint32(s[0])
}

// Compile-time check that wasmAPI implements the boundary surface
var _ nixruntime.API = (*wasmAPI)(nil)
