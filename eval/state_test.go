package eval

import (
	stderrors "errors"
	"strings"
	"testing"

	"github.com/wippyai/nix-runtime/engine"
	"github.com/wippyai/nix-runtime/errors"
	"github.com/wippyai/nix-runtime/store"
	"github.com/wippyai/nix-runtime/testbed"
)

// newTestState builds an eval state over a fresh in-memory engine.
// Cleanup closes the state and store in order.
func newTestState(t *testing.T) (*testbed.Engine, *EvalState) {
	t.Helper()
	fake := testbed.New()
	eng := engine.New(fake)

	st, err := store.Open(eng, "auto")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	es, err := New(st)
	if err != nil {
		st.Close()
		t.Fatalf("new eval state: %v", err)
	}
	t.Cleanup(func() {
		es.Close()
		st.Close()
	})
	return fake, es
}

// mustEval evaluates expr and registers the value for cleanup.
func mustEval(t *testing.T, es *EvalState, expr string) *Value {
	t.Helper()
	v, err := es.EvalFromString(expr, "<test>")
	if err != nil {
		t.Fatalf("eval %q: %v", expr, err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func TestEvalFromString_ResultIsThunk(t *testing.T) {
	_, es := newTestState(t)
	v := mustEval(t, es, `1`)

	thunk, err := es.IsThunk(v)
	if err != nil {
		t.Fatalf("is thunk: %v", err)
	}
	if !thunk {
		t.Error("fresh evaluation result is not a thunk")
	}

	if err := es.Force(v); err != nil {
		t.Fatalf("force: %v", err)
	}
	thunk, err = es.IsThunk(v)
	if err != nil {
		t.Fatalf("is thunk after force: %v", err)
	}
	if thunk {
		t.Error("value still a thunk after force")
	}
}

func TestForce_Idempotent(t *testing.T) {
	_, es := newTestState(t)
	v := mustEval(t, es, `1`)

	if err := es.Force(v); err != nil {
		t.Fatalf("first force: %v", err)
	}
	k1, err := es.Kind(v)
	if err != nil {
		t.Fatalf("kind after first force: %v", err)
	}

	if err := es.Force(v); err != nil {
		t.Fatalf("second force: %v", err)
	}
	k2, err := es.Kind(v)
	if err != nil {
		t.Fatalf("kind after second force: %v", err)
	}

	if k1 != k2 || k1 != Integer {
		t.Errorf("kinds across forces = %v, %v, want Integer both times", k1, k2)
	}
}

func TestKind_Literals(t *testing.T) {
	tests := []struct {
		expr string
		want Kind
	}{
		{`1`, Integer},
		{`3.14`, Float},
		{`true`, Bool},
		{`false`, Bool},
		{`"hello"`, String},
		{`/foo`, Path},
		{`null`, Null},
		{`{ }`, AttrSet},
		{`[ ]`, List},
		{`x: x`, Function},
	}
	_, es := newTestState(t)

	for _, tt := range tests {
		v := mustEval(t, es, tt.expr)
		got, err := es.Kind(v)
		if err != nil {
			t.Errorf("Kind(%s): %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Kind(%s) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestKind_ForcesImplicitly(t *testing.T) {
	_, es := newTestState(t)
	v := mustEval(t, es, `true`)

	// No explicit force; Kind must never report a thunk.
	k, err := es.Kind(v)
	if err != nil {
		t.Fatalf("kind: %v", err)
	}
	if k != Bool {
		t.Errorf("kind = %v, want Bool", k)
	}

	thunk, err := es.IsThunk(v)
	if err != nil {
		t.Fatalf("is thunk: %v", err)
	}
	if thunk {
		t.Error("value still a thunk after Kind")
	}
}

func TestRequireString(t *testing.T) {
	_, es := newTestState(t)
	v := mustEval(t, es, `"hello"`)

	got, err := es.RequireString(v)
	if err != nil {
		t.Fatalf("require string: %v", err)
	}
	if got != "hello" {
		t.Errorf("content = %q, want %q", got, "hello")
	}
}

func TestRequireString_ExactBytes(t *testing.T) {
	_, es := newTestState(t)
	v := mustEval(t, es, `"snowman ☃ and tab\there"`)

	got, err := es.RequireString(v)
	if err != nil {
		t.Fatalf("require string: %v", err)
	}
	if got != "snowman ☃ and tab\there" {
		t.Errorf("content = %q", got)
	}
}

func TestRequireString_WrongKind(t *testing.T) {
	tests := []struct {
		expr string
		msg  string
	}{
		{`true`, "expected a string, but got a Bool"},
		{`1`, "expected a string, but got a Integer"},
		{`/foo`, "expected a string, but got a Path"},
		{`{ }`, "expected a string, but got a AttrSet"},
		{`[ ]`, "expected a string, but got a List"},
	}
	_, es := newTestState(t)

	for _, tt := range tests {
		v := mustEval(t, es, tt.expr)
		_, err := es.RequireString(v)
		if err == nil {
			t.Errorf("RequireString(%s) succeeded", tt.expr)
			continue
		}
		var wk *errors.WrongKindError
		if !stderrors.As(err, &wk) {
			t.Errorf("RequireString(%s) error type %T, want *errors.WrongKindError", tt.expr, err)
			continue
		}
		if err.Error() != tt.msg {
			t.Errorf("RequireString(%s) message = %q, want %q", tt.expr, err.Error(), tt.msg)
		}
	}
}

func TestRequireString_InvalidUTF8(t *testing.T) {
	_, es := newTestState(t)
	// Slicing a two-byte character in half leaves a lone lead byte.
	v := mustEval(t, es, `builtins.substring 0 1 "é"`)

	_, err := es.RequireString(v)
	if err == nil {
		t.Fatal("require string succeeded on invalid UTF-8")
	}
	if !strings.Contains(err.Error(), "not valid UTF-8") {
		t.Errorf("message = %q, want it to contain %q", err.Error(), "not valid UTF-8")
	}
	var e *errors.Error
	if !stderrors.As(err, &e) {
		t.Fatalf("error type %T, want *errors.Error", err)
	}
	if e.Kind != errors.KindInvalidUTF8 {
		t.Errorf("Kind = %q, want %q", e.Kind, errors.KindInvalidUTF8)
	}
}

func TestRequirePath(t *testing.T) {
	_, es := newTestState(t)
	v := mustEval(t, es, `/foo`)

	got, err := es.RequirePath(v)
	if err != nil {
		t.Fatalf("require path: %v", err)
	}
	if got != "/foo" {
		t.Errorf("path = %q, want %q", got, "/foo")
	}

	s := mustEval(t, es, `"hello"`)
	_, err = es.RequirePath(s)
	if err == nil {
		t.Fatal("require path succeeded on a string")
	}
	if err.Error() != "expected a path, but got a String" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestRequireInt(t *testing.T) {
	_, es := newTestState(t)
	v := mustEval(t, es, `42`)

	got, err := es.RequireInt(v)
	if err != nil {
		t.Fatalf("require int: %v", err)
	}
	if got != 42 {
		t.Errorf("value = %d, want 42", got)
	}
}

func TestRequireBool(t *testing.T) {
	_, es := newTestState(t)

	vt := mustEval(t, es, `true`)
	got, err := es.RequireBool(vt)
	if err != nil {
		t.Fatalf("require bool: %v", err)
	}
	if !got {
		t.Error("value = false, want true")
	}

	vi := mustEval(t, es, `1`)
	_, err = es.RequireBool(vi)
	if err == nil {
		t.Fatal("require bool succeeded on an integer")
	}
	if err.Error() != "expected a boolean, but got a Integer" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestRequireFloat(t *testing.T) {
	_, es := newTestState(t)
	v := mustEval(t, es, `2.5`)

	got, err := es.RequireFloat(v)
	if err != nil {
		t.Fatalf("require float: %v", err)
	}
	if got != 2.5 {
		t.Errorf("value = %v, want 2.5", got)
	}
}

func TestListLenAndAttrCount(t *testing.T) {
	_, es := newTestState(t)

	l := mustEval(t, es, `[ 1 2 3 ]`)
	n, err := es.ListLen(l)
	if err != nil {
		t.Fatalf("list len: %v", err)
	}
	if n != 3 {
		t.Errorf("list len = %d, want 3", n)
	}

	a := mustEval(t, es, `{ x = 1; y = 2; }`)
	n, err = es.AttrCount(a)
	if err != nil {
		t.Fatalf("attr count: %v", err)
	}
	if n != 2 {
		t.Errorf("attr count = %d, want 2", n)
	}
}

func TestEvalFromString_SyntaxError(t *testing.T) {
	_, es := newTestState(t)

	_, err := es.EvalFromString(`)`, "<bad>")
	if err == nil {
		t.Fatal("evaluation of a syntax error succeeded")
	}
	var e *errors.Error
	if !stderrors.As(err, &e) {
		t.Fatalf("error type %T, want *errors.Error", err)
	}
	if e.Phase != errors.PhaseEval {
		t.Errorf("Phase = %q, want %q", e.Phase, errors.PhaseEval)
	}
	if !strings.Contains(e.Detail, "<bad>") {
		t.Errorf("Detail = %q, want it to carry the source label", e.Detail)
	}

	// The state stays usable for unrelated evaluation.
	v := mustEval(t, es, `1`)
	if k, err := es.Kind(v); err != nil || k != Integer {
		t.Errorf("Kind after failed eval = %v, %v, want Integer", k, err)
	}
}

func TestEvalFromString_FailedEvalLeaksNothing(t *testing.T) {
	fake, es := newTestState(t)

	_, err := es.EvalFromString(`)`, "<bad>")
	if err == nil {
		t.Fatal("evaluation of a syntax error succeeded")
	}
	if n := es.LiveValues(); n != 0 {
		t.Errorf("live values after failed eval = %d, want 0", n)
	}

	fake.GCNow()
	if n := fake.LiveSlots(); n != 0 {
		t.Errorf("heap slots after collection = %d, want 0", n)
	}
}

func TestEvalFromString_RuntimeErrorSurfacesOnForce(t *testing.T) {
	_, es := newTestState(t)
	v := mustEval(t, es, `builtins.substring -1 2 "xyz"`)

	err := es.Force(v)
	if err == nil {
		t.Fatal("forcing a failing expression succeeded")
	}
	if !strings.Contains(err.Error(), "negative start position") {
		t.Errorf("message = %q, want the engine's error text", err.Error())
	}
}

func TestEvalFromString_NULByteRejected(t *testing.T) {
	_, es := newTestState(t)

	_, err := es.EvalFromString("\"a\x00b\"", "<test>")
	if err == nil {
		t.Fatal("expression with NUL byte accepted")
	}
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindInvalidInput {
		t.Errorf("error = %v, want invalid_input", err)
	}

	_, err = es.EvalFromString(`1`, "bad\x00label")
	if err == nil {
		t.Fatal("source name with NUL byte accepted")
	}
}

func TestEvalState_UseAfterClose(t *testing.T) {
	fake := testbed.New()
	eng := engine.New(fake)
	st, err := store.Open(eng, "auto")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	es, err := New(st)
	if err != nil {
		t.Fatalf("new eval state: %v", err)
	}
	if err := es.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := es.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	_, err = es.EvalFromString(`1`, "<test>")
	if err == nil {
		t.Fatal("evaluation succeeded on a closed state")
	}
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindClosed {
		t.Errorf("error = %v, want closed", err)
	}
}

func TestEvalState_RejectsForeignValue(t *testing.T) {
	_, es1 := newTestState(t)
	_, es2 := newTestState(t)

	v := mustEval(t, es1, `1`)
	err := es2.Force(v)
	if err == nil {
		t.Fatal("force accepted a value from another state")
	}
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindInvalidInput {
		t.Errorf("error = %v, want invalid_input", err)
	}
}
