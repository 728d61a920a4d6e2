package store

import (
	stderrors "errors"
	"testing"

	"github.com/wippyai/nix-runtime/engine"
	"github.com/wippyai/nix-runtime/errors"
	"github.com/wippyai/nix-runtime/testbed"
)

func TestOpen(t *testing.T) {
	fake := testbed.New()
	eng := engine.New(fake)

	st, err := Open(eng, "auto")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if st.URI() != "auto" {
		t.Errorf("URI = %q, want %q", st.URI(), "auto")
	}
	if st.Engine() != eng {
		t.Error("Engine() does not return the opening engine")
	}
	if st.Ref() == 0 {
		t.Error("Ref() = 0 for an open store")
	}
}

func TestOpen_InitsEngine(t *testing.T) {
	fake := testbed.New()
	eng := engine.New(fake)

	if fake.InitCalls() != 0 {
		t.Fatalf("InitCalls = %d before Open", fake.InitCalls())
	}

	st, err := Open(eng, "auto")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if fake.InitCalls() != 1 {
		t.Errorf("InitCalls = %d after Open, want 1", fake.InitCalls())
	}
}

func TestOpen_EmptyURIDefaultsToAuto(t *testing.T) {
	fake := testbed.New()
	eng := engine.New(fake)

	st, err := Open(eng, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if st.URI() != "auto" {
		t.Errorf("URI = %q, want %q", st.URI(), "auto")
	}
}

func TestOpen_InitFailurePropagates(t *testing.T) {
	fake := testbed.New()
	fake.FailInit = "could not initialize store settings"
	eng := engine.New(fake)

	_, err := Open(eng, "auto")
	if err == nil {
		t.Fatal("Open succeeded with failing init")
	}

	var e *errors.Error
	if !stderrors.As(err, &e) {
		t.Fatalf("error type %T, want *errors.Error", err)
	}
	if e.Phase != errors.PhaseInit {
		t.Errorf("Phase = %q, want %q", e.Phase, errors.PhaseInit)
	}
}

func TestOpen_EngineFailure(t *testing.T) {
	fake := testbed.New()
	fake.FailStoreOpen = "don't know how to open Nix store 'bogus://x'"
	eng := engine.New(fake)

	_, err := Open(eng, "bogus://x")
	if err == nil {
		t.Fatal("Open succeeded with failing store open")
	}

	var e *errors.Error
	if !stderrors.As(err, &e) {
		t.Fatalf("error type %T, want *errors.Error", err)
	}
	if e.Phase != errors.PhaseStore {
		t.Errorf("Phase = %q, want %q", e.Phase, errors.PhaseStore)
	}
	if e.Detail != fake.FailStoreOpen {
		t.Errorf("Detail = %q, want the engine message", e.Detail)
	}
}

func TestOpenWithParams(t *testing.T) {
	fake := testbed.New()
	eng := engine.New(fake)

	st, err := OpenWithParams(eng, "auto", map[string]string{"read-only": "true"})
	if err != nil {
		t.Fatalf("OpenWithParams: %v", err)
	}
	defer st.Close()
}

func TestClose_Twice(t *testing.T) {
	fake := testbed.New()
	eng := engine.New(fake)

	st, err := Open(eng, "auto")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if st.Ref() != 0 {
		t.Errorf("Ref() = %#x after Close, want 0", st.Ref())
	}
}
