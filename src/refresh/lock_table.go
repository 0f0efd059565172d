package refresh

import (
	"fmt"
	"sync"
)

// -----------------------------------------------------------------------------
// In-memory symbol lock table
// -----------------------------------------------------------------------------
// One fixed slot per tracked symbol, created at startup and never resized.
// Refreshes for different symbols never contend; a second refresh for the
// same symbol fails fast instead of queueing. This covers a single process;
// multi-worker deployments use the Postgres advisory-lock table instead.

type MemoryLockTable struct {
	slots map[string]*slot
}

type slot struct {
	state sync.Mutex // guards held; the refresh itself runs outside this mutex
	held  bool
}

// -----------------------------------------------------------------------------

func NewMemoryLockTable(symbols []string) *MemoryLockTable {
	t := &MemoryLockTable{slots: make(map[string]*slot, len(symbols))}
	for _, s := range symbols {
		t.slots[s] = &slot{}
	}
	return t
}

// -----------------------------------------------------------------------------

// TryLock attempts the symbol's slot without blocking.
func (t *MemoryLockTable) TryLock(symbol string) bool {
	sl, ok := t.slots[symbol]
	if !ok {
		return false
	}
	sl.state.Lock()
	defer sl.state.Unlock()
	if sl.held {
		return false
	}
	sl.held = true
	return true
}

// -----------------------------------------------------------------------------

// Unlock releases the slot. Unlocking a slot that is not held is a
// programming error.
func (t *MemoryLockTable) Unlock(symbol string) {
	sl, ok := t.slots[symbol]
	if !ok {
		panic(fmt.Sprintf("unlock of unknown symbol %s", symbol))
	}
	sl.state.Lock()
	defer sl.state.Unlock()
	if !sl.held {
		panic(fmt.Sprintf("unlock of %s without a held lock", symbol))
	}
	sl.held = false
}

// -----------------------------------------------------------------------------

// Known reports whether the symbol has a slot.
func (t *MemoryLockTable) Known(symbol string) bool {
	_, ok := t.slots[symbol]
	return ok
}
