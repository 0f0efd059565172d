package models

import "time"

// -----------------------------------------------------------------------------
// Per-source sub-state
// -----------------------------------------------------------------------------

// Structural phases reported by sources.
const (
	PhaseImpulse    = "impulse"
	PhaseCorrection = "correction"
)

// ValidPhase reports whether p is a recognized structural phase.
func ValidPhase(p string) bool {
	return p == PhaseImpulse || p == PhaseCorrection
}

// MSourceState is one source's latest view of a symbol. Each new extraction
// from the same source overwrites this whole struct (refreshed, not accumulated).
type MSourceState struct {
	Symbol              string    `json:"symbol"`
	Source              string    `json:"source"`
	Bias                string    `json:"bias"`
	StructuralPhase     string    `json:"structural_phase,omitempty"`
	PrimaryTarget       *float64  `json:"primary_target,omitempty"`
	PrimarySupport      *float64  `json:"primary_support,omitempty"`
	PrimaryInvalidation *float64  `json:"primary_invalidation,omitempty"`
	Notes               string    `json:"notes,omitempty"`
	ContentID           string    `json:"content_id"`
	LastUpdated         time.Time `json:"last_updated"`
	IsStale             bool      `json:"is_stale"`
	StaleReason         string    `json:"stale_reason,omitempty"`
}

// -----------------------------------------------------------------------------
// MTradeSetup
// -----------------------------------------------------------------------------

// MTradeSetup is only generated when >=2 fresh sources are directionally aligned.
type MTradeSetup struct {
	Bias      string   `json:"bias"` // "long" or "short"
	EntryLow  float64  `json:"entry_low"`
	EntryHigh float64  `json:"entry_high"`
	Stop      *float64 `json:"stop,omitempty"`
	Target    *float64 `json:"target,omitempty"`
}

// -----------------------------------------------------------------------------
// MSymbolState
// -----------------------------------------------------------------------------

// MSymbolState is the consolidated view per canonical symbol. It is a
// materialized summary of the active levels and source states, never a
// second source of truth.
type MSymbolState struct {
	Symbol       string                  `json:"symbol"`
	SourceStates map[string]MSourceState `json:"source_states"`

	// Cross-source confluence. ConfluenceScore is nil until at least two
	// independent sources have fresh data for the symbol.
	SourcesAligned    bool         `json:"sources_directionally_aligned"`
	ConfluenceScore   *float64     `json:"confluence_score"`
	ConfluenceSummary string       `json:"confluence_summary,omitempty"`
	TradeSetup        *MTradeSetup `json:"trade_setup_suggestion,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// -----------------------------------------------------------------------------

// FreshSources returns the names of sources with non-stale data.
func (s *MSymbolState) FreshSources() []string {
	var out []string
	for name, ss := range s.SourceStates {
		if !ss.IsStale {
			out = append(out, name)
		}
	}
	return out
}

// StaleWarnings collects human-readable warnings for all stale sources.
func (s *MSymbolState) StaleWarnings() []string {
	var out []string
	for _, ss := range s.SourceStates {
		if ss.IsStale && ss.StaleReason != "" {
			out = append(out, ss.StaleReason)
		}
	}
	return out
}
