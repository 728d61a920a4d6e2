package eval

import (
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"go.uber.org/zap"

	nixruntime "github.com/wippyai/nix-runtime"
	"github.com/wippyai/nix-runtime/engine"
	"github.com/wippyai/nix-runtime/errors"
	"github.com/wippyai/nix-runtime/store"
)

// Config holds optional evaluator settings.
type Config struct {
	// SearchPath seeds the expression-level lookup path (the entries
	// angle-bracket references resolve against).
	SearchPath []string
}

// EvalState is one evaluator instance bound to a store. It produces
// Values and is the only way to force or inspect them: interpreting a
// heap reference requires the state that produced it.
//
// An EvalState is owned by one logical caller at a time. Its boundary
// calls share one error context, so concurrent evaluation against the
// same state would read each other's failures.
type EvalState struct {
	st   *store.Store
	api  nixruntime.API
	ref  nixruntime.StateRef
	ctx  *engine.Context
	pins *pinTable

	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates an evaluator state bound to st with default settings.
// Engine init happens implicitly if it has not run yet.
func New(st *store.Store) (*EvalState, error) {
	return NewWithConfig(st, nil)
}

// NewWithConfig creates an evaluator state with the given settings.
func NewWithConfig(st *store.Store, cfg *Config) (*EvalState, error) {
	eng := st.Engine()
	if err := eng.Init(); err != nil {
		return nil, err
	}

	var searchPath []string
	if cfg != nil {
		searchPath = cfg.SearchPath
	}

	ctx := engine.NewContext(eng.API(), errors.PhaseEval)

	ref := eng.API().StateCreate(ctx.Ref(), searchPath, st.Ref())
	if err := ctx.Check(); err != nil {
		ctx.Close()
		return nil, err
	}
	if ref == 0 {
		ctx.Close()
		return nil, errors.NilHandle(errors.PhaseEval, "nix_state_create")
	}

	return &EvalState{
		st:   st,
		api:  eng.API(),
		ref:  ref,
		ctx:  ctx,
		pins: newPinTable(),
	}, nil
}

// Store returns the store this state was created against.
func (s *EvalState) Store() *store.Store {
	return s.st
}

// EvalFromString parses and evaluates expr. sourceName labels the
// expression in diagnostics, shown where a file name would be, e.g.
// "<string>". The result is lazy: for anything beyond a bare literal it
// is a thunk until forced.
//
// The returned Value holds a pin on the engine heap; release it with
// Close when done.
func (s *EvalState) EvalFromString(expr, sourceName string) (*Value, error) {
	if s.closed.Load() {
		return nil, errors.Closed("eval state")
	}
	// The boundary takes C strings; an embedded NUL would silently
	// truncate the expression.
	if strings.ContainsRune(expr, 0) {
		return nil, errors.InvalidInput(errors.PhaseEval, "expression contains a NUL byte")
	}
	if strings.ContainsRune(sourceName, 0) {
		return nil, errors.InvalidInput(errors.PhaseEval, "source name contains a NUL byte")
	}

	ref := s.api.AllocValue(s.ctx.Ref(), s.ref)
	if err := s.ctx.Check(); err != nil {
		return nil, err
	}
	if ref == 0 {
		return nil, errors.NilHandle(errors.PhaseEval, "nix_alloc_value")
	}

	s.api.EvalFromString(s.ctx.Ref(), s.ref, expr, sourceName, ref)
	if err := s.ctx.Check(); err != nil {
		s.releaseRef(ref)
		return nil, err
	}

	s.pins.add(ref)
	return &Value{state: s, ref: ref}, nil
}

// Force drives v to a concrete result. The engine mutates the heap
// slot in place; the handle is unchanged. Forcing an already forced
// value is a no-op.
func (s *EvalState) Force(v *Value) error {
	if err := s.valueArg(v); err != nil {
		return err
	}
	s.api.ForceValue(s.ctx.Ref(), s.ref, v.ref)
	return s.ctx.Check()
}

// IsThunk reports whether v is still an unforced thunk.
func (s *EvalState) IsThunk(v *Value) (bool, error) {
	if err := s.valueArg(v); err != nil {
		return false, err
	}
	tag := s.api.GetKind(s.ctx.Ref(), v.ref)
	if err := s.ctx.Check(); err != nil {
		return false, err
	}
	return tag == nixruntime.TagThunk, nil
}

// Kind returns the runtime type of v, forcing it first if needed.
// Callers never observe a thunk kind from this method.
func (s *EvalState) Kind(v *Value) (Kind, error) {
	if err := s.valueArg(v); err != nil {
		return 0, err
	}
	if err := s.Force(v); err != nil {
		return 0, err
	}
	tag := s.api.GetKind(s.ctx.Ref(), v.ref)
	if err := s.ctx.Check(); err != nil {
		return 0, err
	}
	k, ok := kindForTag(tag)
	if !ok {
		return 0, errors.Engine(errors.PhaseEval, errors.KindUnknown,
			"engine reported an unknown value type")
	}
	return k, nil
}

// RequireString forces v and returns its content as a string. Fails
// with a WrongKindError if v is not a string, and with an invalid
// UTF-8 error if the engine's bytes do not decode. Provenance metadata
// the engine may have attached ("string context") is not inspected;
// the raw content is returned either way.
func (s *EvalState) RequireString(v *Value) (string, error) {
	if err := s.requireKind(v, String, "string"); err != nil {
		return "", err
	}
	raw := s.api.GetString(s.ctx.Ref(), v.ref)
	if err := s.ctx.Check(); err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", errors.InvalidUTF8(raw)
	}
	return string(raw), nil
}

// RequirePath forces v and returns its path representation. Paths are
// a distinct kind; a string value fails here and vice versa.
func (s *EvalState) RequirePath(v *Value) (string, error) {
	if err := s.requireKind(v, Path, "path"); err != nil {
		return "", err
	}
	raw := s.api.GetPathString(s.ctx.Ref(), v.ref)
	if err := s.ctx.Check(); err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", errors.InvalidUTF8(raw)
	}
	return string(raw), nil
}

// RequireInt forces v and returns its integer value.
func (s *EvalState) RequireInt(v *Value) (int64, error) {
	if err := s.requireKind(v, Integer, "integer"); err != nil {
		return 0, err
	}
	n := s.api.GetInt(s.ctx.Ref(), v.ref)
	if err := s.ctx.Check(); err != nil {
		return 0, err
	}
	return n, nil
}

// RequireBool forces v and returns its boolean value.
func (s *EvalState) RequireBool(v *Value) (bool, error) {
	if err := s.requireKind(v, Bool, "boolean"); err != nil {
		return false, err
	}
	b := s.api.GetBool(s.ctx.Ref(), v.ref)
	if err := s.ctx.Check(); err != nil {
		return false, err
	}
	return b, nil
}

// RequireFloat forces v and returns its float value.
func (s *EvalState) RequireFloat(v *Value) (float64, error) {
	if err := s.requireKind(v, Float, "float"); err != nil {
		return 0, err
	}
	f := s.api.GetFloat(s.ctx.Ref(), v.ref)
	if err := s.ctx.Check(); err != nil {
		return 0, err
	}
	return f, nil
}

// ListLen forces v and returns its element count.
func (s *EvalState) ListLen(v *Value) (int, error) {
	if err := s.requireKind(v, List, "list"); err != nil {
		return 0, err
	}
	n := s.api.GetListSize(s.ctx.Ref(), v.ref)
	if err := s.ctx.Check(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// AttrCount forces v and returns its attribute count.
func (s *EvalState) AttrCount(v *Value) (int, error) {
	if err := s.requireKind(v, AttrSet, "set"); err != nil {
		return 0, err
	}
	n := s.api.GetAttrsSize(s.ctx.Ref(), v.ref)
	if err := s.ctx.Check(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// requireKind forces v and fails with the fixed-format wrong-kind
// error unless v has the wanted kind. expected is the lowercase name
// used in the message.
func (s *EvalState) requireKind(v *Value, want Kind, expected string) error {
	k, err := s.Kind(v)
	if err != nil {
		return err
	}
	if k != want {
		return &errors.WrongKindError{Expected: expected, Actual: k.String()}
	}
	return nil
}

// LiveValues counts the pins this state's Values currently hold on the
// engine heap. Zero after every Value and clone is closed.
func (s *EvalState) LiveValues() int {
	return s.pins.live()
}

// Close releases the engine-side evaluator instance. The first call
// frees it; later calls are no-ops. Values produced by this state that
// were never forced must not be used afterwards.
func (s *EvalState) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if n := s.pins.live(); n > 0 {
			engine.Logger().Warn("eval state closed with live values",
				zap.Int("pins", n))
		}
		s.api.StateFree(s.ref)
		s.ctx.Close()
	})
	return nil
}

// valueArg validates a Value argument. Full cross-state checking is
// not possible at this boundary; the cheap part, nil and closed and
// mismatched state, is checked here.
func (s *EvalState) valueArg(v *Value) error {
	if s.closed.Load() {
		return errors.Closed("eval state")
	}
	if v == nil || v.closed.Load() {
		return errors.Closed("value")
	}
	if v.state != s {
		return errors.InvalidInput(errors.PhaseEval,
			"value belongs to a different eval state")
	}
	return nil
}

// releaseRef drops the allocation pin of a slot that never became a
// Value. Failures only get logged; the collector reclaims the slot
// either way once nothing references it.
func (s *EvalState) releaseRef(ref nixruntime.ValueRef) {
	s.api.GCDecRef(s.ctx.Ref(), ref)
	if err := s.ctx.Check(); err != nil {
		engine.Logger().Warn("value release failed", zap.Error(err))
	}
}
