//go:build darwin || freebsd || linux

package engine

import (
	"fmt"
	"runtime"
	"sort"
	"unsafe"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"

	nixruntime "github.com/wippyai/nix-runtime"
	"github.com/wippyai/nix-runtime/errors"
)

// LibraryConfig holds configuration for loading a native evaluator build.
type LibraryConfig struct {
	// Path is the evaluator library to open, e.g. "libnixexpr.so".
	Path string

	// GCPath optionally names the collector library when its symbols are
	// not reachable through Path, e.g. "libgc.so.1".
	GCPath string
}

// OpenLibrary loads a native evaluator build with dlopen and binds the
// boundary surface. The library stays mapped for the lifetime of the
// process; Close on the returned Engine does not unload it, since the
// collector may still own threads that reference its code.
func OpenLibrary(cfg LibraryConfig) (*Engine, error) {
	if cfg.Path == "" {
		return nil, errors.InvalidInput(errors.PhaseLoad, "library path is empty")
	}

	handle, err := purego.Dlopen(cfg.Path, purego.RTLD_LAZY|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, errors.Load("open "+cfg.Path, err)
	}
	handles := []uintptr{handle}

	if cfg.GCPath != "" {
		gcHandle, err := purego.Dlopen(cfg.GCPath, purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if err != nil {
			return nil, errors.Load("open "+cfg.GCPath, err)
		}
		handles = append(handles, gcHandle)
	}

	lib := &libAPI{}
	var missing []string
	for _, b := range lib.bindings() {
		addr := lookupSymbol(handles, b.name)
		if addr == 0 {
			missing = append(missing, b.name)
			continue
		}
		purego.RegisterFunc(b.fn, addr)
	}
	if len(missing) > 0 {
		return nil, errors.NewMissingSymbolsError(missing)
	}

	Logger().Debug("evaluator library loaded",
		zap.String("path", cfg.Path),
		zap.String("gc_path", cfg.GCPath))

	eng := New(lib)
	// Library init is process-wide: a second Engine over the same
	// library must observe the first one's outcome, not re-run it.
	eng.init = sharedInitState(cfg.Path + "\x00" + cfg.GCPath)
	return eng, nil
}

func lookupSymbol(handles []uintptr, name string) uintptr {
	for _, h := range handles {
		if addr, err := purego.Dlsym(h, name); err == nil && addr != 0 {
			return addr
		}
	}
	return 0
}

// libAPI implements the boundary over a dlopen'd evaluator library.
type libAPI struct {
	contextCreate func() uintptr
	contextFree   func(uintptr)
	errCode       func(uintptr) int32
	errMsg        func(uintptr) string
	errClear      func(uintptr)

	libInit    func(uintptr)
	versionGet func() string

	storeOpen func(uintptr, string, uintptr) uintptr
	storeFree func(uintptr)

	stateCreate    func(uintptr, uintptr, uintptr) uintptr
	stateFree      func(uintptr)
	allocValue     func(uintptr, uintptr) uintptr
	evalFromString func(uintptr, uintptr, string, string, uintptr)
	forceValue     func(uintptr, uintptr, uintptr)
	getKind        func(uintptr, uintptr) int32
	getString      func(uintptr, uintptr) string
	getPathString  func(uintptr, uintptr) string
	getInt         func(uintptr, uintptr) int64
	getBool        func(uintptr, uintptr) bool
	getFloat       func(uintptr, uintptr) float64
	getListSize    func(uintptr, uintptr) uint32
	getAttrsSize   func(uintptr, uintptr) uint32

	gcIncRef func(uintptr, uintptr)
	gcDecRef func(uintptr, uintptr)
	gcNow    func()

	gcAllowRegisterThreads func()
	gcThreadIsRegistered   func() int32
	gcGetStackBase         func(uintptr) int32
	gcRegisterMyThread     func(uintptr) int32
	gcUnregisterMyThread   func() int32
}

type symbolBinding struct {
	name string
	fn   any
}

func (l *libAPI) bindings() []symbolBinding {
	return []symbolBinding{
		{symContextCreate, &l.contextCreate},
		{symContextFree, &l.contextFree},
		{symErrCode, &l.errCode},
		{symErrMsg, &l.errMsg},
		{symErrClear, &l.errClear},
		{symLibInit, &l.libInit},
		{symVersion, &l.versionGet},
		{symStoreOpen, &l.storeOpen},
		{symStoreFree, &l.storeFree},
		{symStateCreate, &l.stateCreate},
		{symStateFree, &l.stateFree},
		{symAllocValue, &l.allocValue},
		{symEvalFromString, &l.evalFromString},
		{symForceValue, &l.forceValue},
		{symGetKind, &l.getKind},
		{symGetString, &l.getString},
		{symGetPathString, &l.getPathString},
		{symGetInt, &l.getInt},
		{symGetBool, &l.getBool},
		{symGetFloat, &l.getFloat},
		{symGetListSize, &l.getListSize},
		{symGetAttrsSize, &l.getAttrsSize},
		{symGCIncRef, &l.gcIncRef},
		{symGCDecRef, &l.gcDecRef},
		{symGCNow, &l.gcNow},
		{symGCAllowRegisterThreads, &l.gcAllowRegisterThreads},
		{symGCThreadIsRegistered, &l.gcThreadIsRegistered},
		{symGCGetStackBase, &l.gcGetStackBase},
		{symGCRegisterMyThread, &l.gcRegisterMyThread},
		{symGCUnregisterMyThread, &l.gcUnregisterMyThread},
	}
}

// gcStackBase mirrors the collector's stack base struct. Only the cold
// end address is used on supported platforms.
type gcStackBase struct {
	memBase uintptr
}

func (l *libAPI) ContextCreate() nixruntime.ContextRef {
	return nixruntime.ContextRef(l.contextCreate())
}

func (l *libAPI) ContextFree(ctx nixruntime.ContextRef) {
	l.contextFree(uintptr(ctx))
}

func (l *libAPI) ErrCode(ctx nixruntime.ContextRef) nixruntime.ErrCode {
	return nixruntime.ErrCode(l.errCode(uintptr(ctx)))
}

func (l *libAPI) ErrMsg(ctx nixruntime.ContextRef) string {
	return l.errMsg(uintptr(ctx))
}

func (l *libAPI) ErrClear(ctx nixruntime.ContextRef) {
	l.errClear(uintptr(ctx))
}

func (l *libAPI) LibInit(ctx nixruntime.ContextRef) {
	l.libInit(uintptr(ctx))
}

func (l *libAPI) Version() string {
	return l.versionGet()
}

func (l *libAPI) GCAllowRegisterThreads() {
	l.gcAllowRegisterThreads()
}

func (l *libAPI) GCThreadIsRegistered() bool {
	return l.gcThreadIsRegistered() != 0
}

func (l *libAPI) GCStackBase() (nixruntime.StackBase, error) {
	var pin runtime.Pinner
	defer pin.Unpin()

	sb := new(gcStackBase)
	pin.Pin(sb)
	if code := l.gcGetStackBase(uintptr(unsafe.Pointer(sb))); code != 0 {
		return 0, fmt.Errorf("GC_get_stack_base failed: %d", code)
	}
	return nixruntime.StackBase(sb.memBase), nil
}

func (l *libAPI) GCRegisterThread(base nixruntime.StackBase) {
	var pin runtime.Pinner
	defer pin.Unpin()

	sb := &gcStackBase{memBase: uintptr(base)}
	pin.Pin(sb)
	if code := l.gcRegisterMyThread(uintptr(unsafe.Pointer(sb))); code != 0 {
		Logger().Warn("collector rejected thread registration", zap.Int32("code", code))
	}
}

func (l *libAPI) GCUnregisterThread() {
	if code := l.gcUnregisterMyThread(); code != 0 {
		Logger().Warn("collector rejected thread unregistration", zap.Int32("code", code))
	}
}

func (l *libAPI) GCNow() {
	l.gcNow()
}

func (l *libAPI) GCIncRef(ctx nixruntime.ContextRef, v nixruntime.ValueRef) {
	l.gcIncRef(uintptr(ctx), uintptr(v))
}

func (l *libAPI) GCDecRef(ctx nixruntime.ContextRef, v nixruntime.ValueRef) {
	l.gcDecRef(uintptr(ctx), uintptr(v))
}

func (l *libAPI) StoreOpen(ctx nixruntime.ContextRef, uri string, params map[string]string) nixruntime.StoreRef {
	var pin runtime.Pinner
	defer pin.Unpin()

	return nixruntime.StoreRef(l.storeOpen(uintptr(ctx), uri, cParamArray(&pin, params)))
}

func (l *libAPI) StoreFree(s nixruntime.StoreRef) {
	l.storeFree(uintptr(s))
}

func (l *libAPI) StateCreate(ctx nixruntime.ContextRef, searchPath []string, s nixruntime.StoreRef) nixruntime.StateRef {
	var pin runtime.Pinner
	defer pin.Unpin()

	return nixruntime.StateRef(l.stateCreate(uintptr(ctx), cStringArray(&pin, searchPath), uintptr(s)))
}

func (l *libAPI) StateFree(st nixruntime.StateRef) {
	l.stateFree(uintptr(st))
}

func (l *libAPI) AllocValue(ctx nixruntime.ContextRef, st nixruntime.StateRef) nixruntime.ValueRef {
	return nixruntime.ValueRef(l.allocValue(uintptr(ctx), uintptr(st)))
}

func (l *libAPI) EvalFromString(ctx nixruntime.ContextRef, st nixruntime.StateRef, expr, sourceName string, into nixruntime.ValueRef) {
	l.evalFromString(uintptr(ctx), uintptr(st), expr, sourceName, uintptr(into))
}

func (l *libAPI) ForceValue(ctx nixruntime.ContextRef, st nixruntime.StateRef, v nixruntime.ValueRef) {
	l.forceValue(uintptr(ctx), uintptr(st), uintptr(v))
}

func (l *libAPI) GetKind(ctx nixruntime.ContextRef, v nixruntime.ValueRef) nixruntime.KindTag {
	return nixruntime.KindTag(l.getKind(uintptr(ctx), uintptr(v)))
}

func (l *libAPI) GetString(ctx nixruntime.ContextRef, v nixruntime.ValueRef) []byte {
	return []byte(l.getString(uintptr(ctx), uintptr(v)))
}

func (l *libAPI) GetPathString(ctx nixruntime.ContextRef, v nixruntime.ValueRef) []byte {
	return []byte(l.getPathString(uintptr(ctx), uintptr(v)))
}

func (l *libAPI) GetInt(ctx nixruntime.ContextRef, v nixruntime.ValueRef) int64 {
	return l.getInt(uintptr(ctx), uintptr(v))
}

func (l *libAPI) GetBool(ctx nixruntime.ContextRef, v nixruntime.ValueRef) bool {
	return l.getBool(uintptr(ctx), uintptr(v))
}

func (l *libAPI) GetFloat(ctx nixruntime.ContextRef, v nixruntime.ValueRef) float64 {
	return l.getFloat(uintptr(ctx), uintptr(v))
}

func (l *libAPI) GetListSize(ctx nixruntime.ContextRef, v nixruntime.ValueRef) uint32 {
	return l.getListSize(uintptr(ctx), uintptr(v))
}

func (l *libAPI) GetAttrsSize(ctx nixruntime.ContextRef, v nixruntime.ValueRef) uint32 {
	return l.getAttrsSize(uintptr(ctx), uintptr(v))
}

// cBytes copies s into a NUL terminated byte array.
func cBytes(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// cStringArray builds a NUL terminated C string array and returns its
// address. The backing memory is pinned through pin and stays valid
// until pin.Unpin. A nil slice maps to a null pointer.
func cStringArray(pin *runtime.Pinner, ss []string) uintptr {
	if ss == nil {
		return 0
	}
	arr := make([]uintptr, 0, len(ss)+1)
	for _, s := range ss {
		b := cBytes(s)
		pin.Pin(&b[0])
		arr = append(arr, uintptr(unsafe.Pointer(&b[0])))
	}
	arr = append(arr, 0)
	pin.Pin(&arr[0])
	return uintptr(unsafe.Pointer(&arr[0]))
}

// cParamArray builds a null terminated array of [key, value] C string
// pairs, the layout store_open takes its parameters in. Keys are sorted
// so the call is deterministic. An empty map maps to a null pointer.
func cParamArray(pin *runtime.Pinner, params map[string]string) uintptr {
	if len(params) == 0 {
		return 0
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	outer := make([]uintptr, 0, len(keys)+1)
	for _, k := range keys {
		kb := cBytes(k)
		vb := cBytes(params[k])
		pin.Pin(&kb[0])
		pin.Pin(&vb[0])

		pair := []uintptr{
			uintptr(unsafe.Pointer(&kb[0])),
			uintptr(unsafe.Pointer(&vb[0])),
		}
		pin.Pin(&pair[0])
		outer = append(outer, uintptr(unsafe.Pointer(&pair[0])))
	}
	outer = append(outer, 0)
	pin.Pin(&outer[0])
	return uintptr(unsafe.Pointer(&outer[0]))
}

// Compile-time check that libAPI implements the boundary surface
var _ nixruntime.API = (*libAPI)(nil)
