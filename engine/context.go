package engine

import (
	"fmt"

	nixruntime "github.com/wippyai/nix-runtime"
	"github.com/wippyai/nix-runtime/errors"
)

// Context wraps an engine-side error context. Fallible boundary calls
// take its ref and leave their status in it; Check reads the status and
// turns a failure into a Go error.
//
// A Context must not be shared across concurrent boundary calls, or one
// call's status will be read as another's. Give each independent caller
// its own Context.
type Context struct {
	api   nixruntime.API
	ref   nixruntime.ContextRef
	phase errors.Phase
}

// NewContext creates an error context. Errors produced by Check carry
// the given phase.
func NewContext(api nixruntime.API, phase errors.Phase) *Context {
	return &Context{
		api:   api,
		ref:   api.ContextCreate(),
		phase: phase,
	}
}

// Ref returns the raw handle to pass into boundary calls.
func (c *Context) Ref() nixruntime.ContextRef {
	return c.ref
}

// Check reads the status left by the last boundary call. On failure it
// consumes the stored message, clears the context, and returns a
// structured error; a later Check sees a clean context again. On
// success it returns nil and leaves nothing behind.
func (c *Context) Check() error {
	code := c.api.ErrCode(c.ref)
	if code == nixruntime.CodeOK {
		return nil
	}
	msg := c.api.ErrMsg(c.ref)
	c.api.ErrClear(c.ref)
	if msg == "" {
		msg = fmt.Sprintf("engine reported failure (code %d)", code)
	}
	return errors.Engine(c.phase, kindForCode(code), msg)
}

// Close frees the engine-side context. Safe to call more than once.
func (c *Context) Close() {
	if c.ref == 0 {
		return
	}
	c.api.ContextFree(c.ref)
	c.ref = 0
}

func kindForCode(code nixruntime.ErrCode) errors.Kind {
	switch code {
	case nixruntime.CodeOverflow:
		return errors.KindOverflow
	case nixruntime.CodeKey:
		return errors.KindKey
	case nixruntime.CodeEngine:
		return errors.KindEngine
	default:
		return errors.KindUnknown
	}
}
