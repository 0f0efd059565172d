package interfaces

// -----------------------------------------------------------------------------
// ISymbolLockTable serializes mutations per canonical symbol.
// -----------------------------------------------------------------------------
// One slot per tracked symbol rather than a global mutex, so refreshes for
// different symbols never contend. The in-memory table covers a single
// process; the Postgres advisory-lock table coordinates multiple workers.

type ISymbolLockTable interface {

	// TryLock attempts to acquire the symbol's slot without blocking.
	// Returns false when a refresh is already in flight for the symbol
	// (callers surface that as "already_refreshing") or when the symbol
	// is not in the tracked universe.
	TryLock(symbol string) bool

	// -----------------------------------------------------------------------------

	// Unlock releases the symbol's slot. Unlocking a slot that is not held
	// is a programming error and panics in the in-memory implementation.
	Unlock(symbol string)

	// -----------------------------------------------------------------------------

	// Known reports whether the symbol has a slot at all.
	Known(symbol string) bool
}
