package testbed_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/wippyai/nix-runtime/engine"
	"github.com/wippyai/nix-runtime/eval"
	"github.com/wippyai/nix-runtime/store"
	"github.com/wippyai/nix-runtime/testbed"
)

// TestEndToEnd drives the whole stack the way a caller would: load,
// register the thread, open a store, evaluate, extract, release.
func TestEndToEnd(t *testing.T) {
	fake := testbed.New()
	eng := engine.New(fake)

	got, err := engine.WithRegisteredThread(eng, func() string {
		st, err := store.Open(eng, "auto")
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		defer st.Close()

		es, err := eval.New(st)
		if err != nil {
			t.Fatalf("new eval state: %v", err)
		}
		defer es.Close()

		v, err := es.EvalFromString(`"hello"`, "<e2e>")
		if err != nil {
			t.Fatalf("eval: %v", err)
		}
		defer v.Close()

		s, err := es.RequireString(v)
		if err != nil {
			t.Fatalf("require string: %v", err)
		}
		return s
	})
	if err != nil {
		t.Fatalf("with registered thread: %v", err)
	}
	if got != "hello" {
		t.Errorf("result = %q, want %q", got, "hello")
	}

	if !fake.RegistrationAllowed() {
		t.Error("dynamic thread registration never allowed")
	}
	if fake.InitCalls() != 1 {
		t.Errorf("init calls = %d, want 1", fake.InitCalls())
	}
	if fake.RegisteredThreads() != 0 {
		t.Errorf("registered threads after return = %d, want 0", fake.RegisteredThreads())
	}
}

// TestEndToEnd_ConcurrentCallers checks the two global policies at
// once: init runs exactly once under racing first callers, and each
// goroutine's registration is independent of the others.
func TestEndToEnd_ConcurrentCallers(t *testing.T) {
	fake := testbed.New()
	eng := engine.New(fake)

	st, err := store.Open(eng, "auto")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	const n = 16
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var innerErr error
			result, err := engine.WithRegisteredThread(eng, func() string {
				es, err := eval.New(st)
				if err != nil {
					innerErr = err
					return ""
				}
				defer es.Close()

				expr := fmt.Sprintf("%d", i)
				v, err := es.EvalFromString(expr, "<concurrent>")
				if err != nil {
					innerErr = err
					return ""
				}
				defer v.Close()

				got, err := es.RequireInt(v)
				if err != nil {
					innerErr = err
					return ""
				}
				return fmt.Sprintf("%d", got)
			})
			if err == nil {
				err = innerErr
			}
			results[i], errs[i] = result, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != fmt.Sprintf("%d", i) {
			t.Errorf("caller %d result = %q", i, results[i])
		}
	}
	if fake.InitCalls() != 1 {
		t.Errorf("init calls = %d, want 1", fake.InitCalls())
	}
	if fake.RegisteredThreads() != 0 {
		t.Errorf("registered threads after all callers = %d, want 0", fake.RegisteredThreads())
	}
}

// TestEndToEnd_CollectionKeepsPinnedValues evaluates, collects, and
// checks pinned slots survive while released slots are reclaimed.
func TestEndToEnd_CollectionKeepsPinnedValues(t *testing.T) {
	fake := testbed.New()
	eng := engine.New(fake)

	st, err := store.Open(eng, "auto")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	es, err := eval.New(st)
	if err != nil {
		t.Fatalf("new eval state: %v", err)
	}
	defer es.Close()

	kept, err := es.EvalFromString(`"kept"`, "<gc>")
	if err != nil {
		t.Fatalf("eval kept: %v", err)
	}
	dropped, err := es.EvalFromString(`"dropped"`, "<gc>")
	if err != nil {
		t.Fatalf("eval dropped: %v", err)
	}
	if err := dropped.Close(); err != nil {
		t.Fatalf("close dropped: %v", err)
	}

	eng.GCNow()

	if fake.LiveSlots() != 1 {
		t.Errorf("heap slots after collection = %d, want 1", fake.LiveSlots())
	}
	s, err := es.RequireString(kept)
	if err != nil {
		t.Fatalf("require string after collection: %v", err)
	}
	if s != "kept" {
		t.Errorf("content = %q, want %q", s, "kept")
	}

	if err := kept.Close(); err != nil {
		t.Fatalf("close kept: %v", err)
	}
	eng.GCNow()
	if fake.LiveSlots() != 0 {
		t.Errorf("heap slots after releasing everything = %d, want 0", fake.LiveSlots())
	}
}
