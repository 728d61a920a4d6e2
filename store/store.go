package store

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	nixruntime "github.com/wippyai/nix-runtime"
	"github.com/wippyai/nix-runtime/engine"
	"github.com/wippyai/nix-runtime/errors"
)

// Store is an open store connection inside the engine. Evaluator states
// bind to a Store at creation time; the Store may be shared by several
// states and must stay open while any of them is in use.
type Store struct {
	eng *engine.Engine
	ref nixruntime.StoreRef
	uri string

	closeOnce sync.Once
	closed    atomic.Bool
}

// Open opens the store named by uri, e.g. "auto", "daemon" or a
// file path URI. Engine init happens implicitly on first use.
func Open(eng *engine.Engine, uri string) (*Store, error) {
	return OpenWithParams(eng, uri, nil)
}

// OpenWithParams opens a store with store-specific settings the engine
// interprets, e.g. {"read-only": "true"}.
func OpenWithParams(eng *engine.Engine, uri string, params map[string]string) (*Store, error) {
	if err := eng.Init(); err != nil {
		return nil, err
	}
	if uri == "" {
		uri = "auto"
	}

	ctx := engine.NewContext(eng.API(), errors.PhaseStore)
	defer ctx.Close()

	ref := eng.API().StoreOpen(ctx.Ref(), uri, params)
	if err := ctx.Check(); err != nil {
		return nil, err
	}
	if ref == 0 {
		return nil, errors.NilHandle(errors.PhaseStore, "nix_store_open")
	}

	engine.Logger().Debug("store opened", zap.String("uri", uri))
	return &Store{eng: eng, ref: ref, uri: uri}, nil
}

// URI returns the URI the store was opened with.
func (s *Store) URI() string {
	return s.uri
}

// Engine returns the engine this store belongs to.
func (s *Store) Engine() *engine.Engine {
	return s.eng
}

// Ref returns the raw store handle for boundary calls. Valid until
// Close; used by the eval package when creating evaluator states.
func (s *Store) Ref() nixruntime.StoreRef {
	if s.closed.Load() {
		return 0
	}
	return s.ref
}

// Close releases the engine-side store connection. The first call
// frees the handle; later calls are no-ops. Evaluator states created
// from this store must be closed first.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.eng.API().StoreFree(s.ref)
	})
	return nil
}
