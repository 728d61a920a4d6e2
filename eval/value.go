package eval

import (
	"sync/atomic"

	"go.uber.org/zap"

	nixruntime "github.com/wippyai/nix-runtime"
	"github.com/wippyai/nix-runtime/engine"
	"github.com/wippyai/nix-runtime/errors"
)

// Value is a shared handle to one slot on the engine's collected heap.
// The slot may hold an unforced thunk; forcing mutates it in place and
// every handle to it observes the result. A Value carries no behavior
// of its own. Forcing and extraction live on the EvalState that
// produced it, which must stay open while the Value is in use.
//
// Each Value pins one heap reference. Clone adds a pin, Close releases
// one; when the last pin is gone the engine's collector may reclaim
// the slot on its own schedule.
//
// Clone and Close are safe for concurrent use. Everything else goes
// through the EvalState and follows its single-owner rule.
type Value struct {
	state  *EvalState
	ref    nixruntime.ValueRef
	closed atomic.Bool
}

// Ref returns the raw heap reference.
func (v *Value) Ref() nixruntime.ValueRef {
	return v.ref
}

// Clone returns a new handle sharing the same heap slot. O(1); no
// copy of the underlying value is made.
func (v *Value) Clone() (*Value, error) {
	if v.closed.Load() {
		return nil, errors.Closed("value")
	}
	s := v.state
	if s.closed.Load() {
		return nil, errors.Closed("eval state")
	}

	// A fresh context, so a concurrent Clone or Close cannot read this
	// call's status.
	ctx := engine.NewContext(s.api, errors.PhaseEval)
	defer ctx.Close()

	s.api.GCIncRef(ctx.Ref(), v.ref)
	if err := ctx.Check(); err != nil {
		return nil, err
	}

	s.pins.add(v.ref)
	return &Value{state: s, ref: v.ref}, nil
}

// Close releases this handle's pin on the heap slot. The first call
// releases; later calls are no-ops. The slot itself is reclaimed by
// the engine's collector, not here.
func (v *Value) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	s := v.state
	s.pins.remove(v.ref)

	ctx := engine.NewContext(s.api, errors.PhaseEval)
	defer ctx.Close()

	s.api.GCDecRef(ctx.Ref(), v.ref)
	if err := ctx.Check(); err != nil {
		engine.Logger().Warn("value release failed", zap.Error(err))
		return err
	}
	return nil
}
