package engine

import (
	"context"
	"errors"
	"testing"

	nixerrors "github.com/wippyai/nix-runtime/errors"
)

// emptyModule is the smallest valid wasm binary: magic and version,
// no sections, so no exports at all.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestLoadModule_InvalidBytes(t *testing.T) {
	_, err := LoadModule(context.Background(), []byte("not a wasm module"), nil)
	if err == nil {
		t.Fatal("loading garbage bytes succeeded")
	}
	var e *nixerrors.Error
	if !errors.As(err, &e) {
		t.Fatalf("error type %T, want *errors.Error", err)
	}
	if e.Phase != nixerrors.PhaseLoad {
		t.Errorf("Phase = %q, want %q", e.Phase, nixerrors.PhaseLoad)
	}
}

func TestLoadModule_MissingExports(t *testing.T) {
	_, err := LoadModule(context.Background(), emptyModule, nil)
	if err == nil {
		t.Fatal("loading a module without exports succeeded")
	}

	var missing *nixerrors.MissingSymbolsError
	if !errors.As(err, &missing) {
		t.Fatalf("error type %T, want *errors.MissingSymbolsError", err)
	}

	want := map[string]bool{
		symLibInit:        false,
		symEvalFromString: false,
		wasmExportMemory:  false,
		wasmExportMalloc:  false,
	}
	for _, name := range missing.Symbols {
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("missing-symbol list does not mention %q", name)
		}
	}
}
