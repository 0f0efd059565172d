package models

import "time"

// -----------------------------------------------------------------------------
// Refresh results
// -----------------------------------------------------------------------------

// Refresh statuses. AlreadyRefreshing is a normal expected result, not an error.
const (
	RefreshSuccess           = "success"
	RefreshAlreadyRefreshing = "already_refreshing"
	RefreshNotFound          = "not_found"
	RefreshFailed            = "extraction_failed"
	RefreshNoContent         = "no_new_content"
)

// MRefreshOutcome is returned by POST /api/symbols/:symbol/refresh and carries
// extraction-quality counters for monitoring.
type MRefreshOutcome struct {
	Symbol         string `json:"symbol"`
	Status         string `json:"status"`
	ItemsProcessed int    `json:"items_processed"`
	Extracted      int    `json:"candidates_extracted"`
	Accepted       int    `json:"levels_accepted"`
	Confirmed      int    `json:"levels_confirmed"`
	Rejected       int    `json:"candidates_rejected"`
	FlaggedReview  int    `json:"flagged_for_review"`
	Error          string `json:"error,omitempty"`
}

// -----------------------------------------------------------------------------
// Refresh write set
// -----------------------------------------------------------------------------

// MContentOutcome records how one (content item, symbol) assignment ended up.
type MContentOutcome struct {
	ContentID string
	Symbol    string
	Outcome   string
	Error     string
}

// MRefreshBatch is the atomic write set of one symbol+source refresh. The
// storage layer commits it in a single transaction so readers never observe
// a half-applied refresh.
type MRefreshBatch struct {
	Symbol          string
	Source          string
	NewLevels       []*MLevel
	ConfirmedLevels []*MLevel
	SourceState     *MSourceState
	State           *MSymbolState
	ContentOutcomes []MContentOutcome
	CommittedAt     time.Time
}

// -----------------------------------------------------------------------------
// Websocket push payload
// -----------------------------------------------------------------------------

// MStateUpdate is broadcast to websocket clients after every committed
// refresh or staleness sweep touching a symbol.
type MStateUpdate struct {
	Type      string        `json:"type"` // "INITIAL" or "UPDATE"
	Symbol    string        `json:"symbol,omitempty"`
	States    []MSymbolState `json:"states,omitempty"`
	State     *MSymbolState `json:"state,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// MSubscribeCommand for client messages
type MSubscribeCommand struct {
	Command string   `json:"command"`
	Symbols []string `json:"symbols"`
}
