package models

// -----------------------------------------------------------------------------
// Oracle wire schema
// -----------------------------------------------------------------------------
// The extraction oracle is probabilistic and occasionally malformed, so the
// whole response is validated with struct tags before anything else touches it.
// A response that fails validation counts as a malformed oracle reply, not as
// "zero levels found".

// MCandidateLevel is one unvalidated level as the oracle reported it.
type MCandidateLevel struct {
	Type              string   `json:"type" validate:"required"`
	Price             float64  `json:"price" validate:"required"`
	PriceUpper        *float64 `json:"price_upper,omitempty"`
	Direction         string   `json:"direction" validate:"required"`
	ContextSnippet    string   `json:"context_snippet"`
	FibLevel          string   `json:"fib_level,omitempty"`
	InvalidationPrice *float64 `json:"invalidation_price,omitempty"`
	Significance      string   `json:"significance,omitempty"`
	WaveContext       string   `json:"wave_context,omitempty"`
	OptionsContext    string   `json:"options_context,omitempty"`
	Confidence        float64  `json:"confidence" validate:"gte=0,lte=1"`
}

// MSymbolExtraction groups a response's candidates under one symbol mention.
type MSymbolExtraction struct {
	SymbolMention   string            `json:"symbol_mention" validate:"required"`
	Bias            string            `json:"bias,omitempty"`
	StructuralPhase string            `json:"structural_phase,omitempty"`
	Notes           string            `json:"notes,omitempty"`
	Levels          []MCandidateLevel `json:"levels" validate:"dive"`
}

// MExtractionResponse is the oracle's full reply for one content item (or chunk).
type MExtractionResponse struct {
	Symbols              []MSymbolExtraction `json:"symbols" validate:"dive"`
	ExtractionConfidence float64             `json:"extraction_confidence" validate:"gte=0,lte=1"`
}

// -----------------------------------------------------------------------------
// Validator verdicts
// -----------------------------------------------------------------------------

// Rejection reasons (kept as stable strings for logging/counters).
const (
	RejectUnknownSymbol    = "unknown_symbol"
	RejectInvalidDirection = "invalid_direction"
	RejectInvalidLevelType = "invalid_level_type"
	RejectInvalidPrice     = "invalid_price"
	RejectInvalidRange     = "invalid_range"
	RejectEmptySnippet     = "empty_snippet"
	RejectSnippetMismatch  = "snippet_not_verbatim"
)
