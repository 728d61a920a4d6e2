package eval

import (
	"sync"

	nixruntime "github.com/wippyai/nix-runtime"
)

// pinTable is the layer-side record of live heap references. Every
// Value holds one pin; Clone adds one and Close removes one. The table
// instructs the collector about nothing; it exists so leaks are
// observable and so tests can assert that every reference was released.
type pinTable struct {
	mu   sync.Mutex
	pins map[nixruntime.ValueRef]int
}

func newPinTable() *pinTable {
	return &pinTable{pins: make(map[nixruntime.ValueRef]int)}
}

func (t *pinTable) add(ref nixruntime.ValueRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pins[ref]++
}

func (t *pinTable) remove(ref nixruntime.ValueRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.pins[ref] - 1
	if n <= 0 {
		delete(t.pins, ref)
		return
	}
	t.pins[ref] = n
}

// live counts pins across all references.
func (t *pinTable) live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.pins {
		n += c
	}
	return n
}
