//go:build !(darwin || freebsd || linux)

package engine

import (
	"runtime"

	"github.com/wippyai/nix-runtime/errors"
)

// LibraryConfig holds configuration for loading a native evaluator build.
type LibraryConfig struct {
	Path   string
	GCPath string
}

// OpenLibrary is not available on this platform. Use LoadModule with a
// wasm evaluator build instead.
func OpenLibrary(cfg LibraryConfig) (*Engine, error) {
	return nil, errors.InvalidInput(errors.PhaseLoad,
		"native library loading is not supported on "+runtime.GOOS)
}
