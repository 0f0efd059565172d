package interfaces

import (
	"time"

	"research-confluence/src/models"
)

// -----------------------------------------------------------------------------
// IDatabase defines the contract for storage operations.
// -----------------------------------------------------------------------------

type IDatabase interface {

	// -----------------------------------------------------------------------------

	// Initialize sets up the database schema. Existing rows survive restarts:
	// levels are long-lived facts, not a rebuildable cache.
	Initialize() error

	// -----------------------------------------------------------------------------
	// Content journal

	// SaveContentItem journals an item plus its symbol assignments.
	SaveContentItem(item *models.MContentItem, symbols []string) error

	// MarkAssignmentProcessed records the outcome for one (content, symbol)
	// assignment. Outcome is one of models.OutcomeOK / OutcomeNoLevels /
	// OutcomeExtractionFailed.
	MarkAssignmentProcessed(contentID, symbol, outcome, errMsg string, at time.Time) error

	// UnprocessedContentForSymbol returns the symbol's pending items, oldest first.
	UnprocessedContentForSymbol(symbol string) ([]models.MContentItem, error)

	// -----------------------------------------------------------------------------
	// Levels

	// SaveLevel inserts a level and fills in its assigned ID.
	SaveLevel(level *models.MLevel) error

	// UpdateLevel overwrites a stored level by ID.
	UpdateLevel(level *models.MLevel) error

	// GetLevel fetches one level by ID.
	GetLevel(id int64) (*models.MLevel, error)

	// LevelsForSymbol returns levels for a symbol. source filters when non-empty;
	// includeInactive widens the result past active levels.
	LevelsForSymbol(symbol, source string, includeInactive bool) ([]models.MLevel, error)

	// ActiveLevels returns all active levels across symbols (staleness sweep input).
	ActiveLevels() ([]models.MLevel, error)

	// -----------------------------------------------------------------------------
	// Symbol state

	// SaveSymbolState upserts the consolidated state and its per-source sub-states.
	SaveSymbolState(state *models.MSymbolState) error

	// GetSymbolState fetches one state; (nil, nil) when the symbol has no state yet.
	GetSymbolState(symbol string) (*models.MSymbolState, error)

	// AllSymbolStates returns every tracked state.
	AllSymbolStates() ([]models.MSymbolState, error)

	// -----------------------------------------------------------------------------

	// CommitRefresh atomically persists the write set of one symbol+source
	// refresh: new levels, confirmed levels, the overwritten source sub-state
	// and the recomputed consolidated state. Either all of it commits or none.
	CommitRefresh(batch *models.MRefreshBatch) error

	// -----------------------------------------------------------------------------

	// Close the database connection
	Close() error
}
