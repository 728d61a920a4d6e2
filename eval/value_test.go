package eval

import (
	stderrors "errors"
	"testing"

	"github.com/wippyai/nix-runtime/errors"
)

func TestValue_CloneSharesSlot(t *testing.T) {
	fake, es := newTestState(t)

	v, err := es.EvalFromString(`"shared"`, "<test>")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	defer v.Close()

	c, err := v.Clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	defer c.Close()

	if c.Ref() != v.Ref() {
		t.Errorf("clone ref %#x, original %#x, want the same slot", c.Ref(), v.Ref())
	}
	if fake.Pins(v.Ref()) != 2 {
		t.Errorf("pins = %d, want 2", fake.Pins(v.Ref()))
	}

	// Forcing through one handle is visible through the other.
	if err := es.Force(v); err != nil {
		t.Fatalf("force: %v", err)
	}
	thunk, err := es.IsThunk(c)
	if err != nil {
		t.Fatalf("is thunk: %v", err)
	}
	if thunk {
		t.Error("clone still a thunk after forcing the original")
	}
}

func TestValue_PinnedSlotSurvivesCollection(t *testing.T) {
	fake, es := newTestState(t)

	v, err := es.EvalFromString(`1`, "<test>")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}

	fake.GCNow()
	if fake.Pins(v.Ref()) < 1 {
		t.Fatal("pinned slot reclaimed by collection")
	}
	if k, err := es.Kind(v); err != nil || k != Integer {
		t.Errorf("Kind after collection = %v, %v, want Integer", k, err)
	}

	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	fake.GCNow()
	if fake.Pins(v.Ref()) != -1 {
		t.Error("unpinned slot survived collection")
	}
}

func TestValue_CloneKeepsSlotAlive(t *testing.T) {
	fake, es := newTestState(t)

	v, err := es.EvalFromString(`1`, "<test>")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	c, err := v.Clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	if err := v.Close(); err != nil {
		t.Fatalf("close original: %v", err)
	}
	fake.GCNow()
	if fake.Pins(c.Ref()) != 1 {
		t.Errorf("pins after closing original = %d, want 1", fake.Pins(c.Ref()))
	}

	if k, err := es.Kind(c); err != nil || k != Integer {
		t.Errorf("Kind through surviving clone = %v, %v, want Integer", k, err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close clone: %v", err)
	}
	fake.GCNow()
	if fake.LiveSlots() != 0 {
		t.Errorf("heap slots after releasing all handles = %d, want 0", fake.LiveSlots())
	}
}

func TestValue_CloseTwice(t *testing.T) {
	_, es := newTestState(t)

	v, err := es.EvalFromString(`1`, "<test>")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}

	if err := v.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if n := es.LiveValues(); n != 0 {
		t.Errorf("live values = %d, want 0", n)
	}
}

func TestValue_UseAfterClose(t *testing.T) {
	_, es := newTestState(t)

	v, err := es.EvalFromString(`1`, "<test>")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := es.Force(v); err == nil {
		t.Error("force succeeded on a closed value")
	}
	if _, err := v.Clone(); err == nil {
		t.Error("clone succeeded on a closed value")
	}
	var e *errors.Error
	err = es.Force(v)
	if !stderrors.As(err, &e) || e.Kind != errors.KindClosed {
		t.Errorf("error = %v, want closed", err)
	}
}

func TestLiveValues_TracksPins(t *testing.T) {
	_, es := newTestState(t)

	if n := es.LiveValues(); n != 0 {
		t.Fatalf("live values on a fresh state = %d, want 0", n)
	}

	v1, err := es.EvalFromString(`1`, "<test>")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	v2, err := es.EvalFromString(`2`, "<test>")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	c, err := v1.Clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	if n := es.LiveValues(); n != 3 {
		t.Errorf("live values = %d, want 3", n)
	}

	for _, v := range []*Value{v1, v2, c} {
		if err := v.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	if n := es.LiveValues(); n != 0 {
		t.Errorf("live values after closing all = %d, want 0", n)
	}
}
