package models

import "time"

// -----------------------------------------------------------------------------
// Enums
// -----------------------------------------------------------------------------

// Direction classifies how a price level should be traded.
const (
	DirectionBullishReversal  = "bullish_reversal"
	DirectionBearishReversal  = "bearish_reversal"
	DirectionBullishBreakout  = "bullish_breakout"
	DirectionBearishBreakdown = "bearish_breakdown"
	DirectionNeutral          = "neutral"
)

// Level types
const (
	LevelSupport      = "support"
	LevelResistance   = "resistance"
	LevelTarget       = "target"
	LevelInvalidation = "invalidation"
	LevelGamma        = "gamma"
	LevelVolumeShelf  = "volume_shelf"
	LevelFib          = "fib_level"
)

// Extraction methods
const (
	MethodTranscript   = "transcript"
	MethodChartImage   = "chart_image"
	MethodTextPost     = "text_post"
	MethodCompassImage = "compass_image"
)

// ReviewConfidenceThreshold: below this a level is persisted but flagged for review.
const ReviewConfidenceThreshold = 0.7

// -----------------------------------------------------------------------------

var validDirections = map[string]struct{}{
	DirectionBullishReversal:  {},
	DirectionBearishReversal:  {},
	DirectionBullishBreakout:  {},
	DirectionBearishBreakdown: {},
	DirectionNeutral:          {},
}

var validLevelTypes = map[string]struct{}{
	LevelSupport:      {},
	LevelResistance:   {},
	LevelTarget:       {},
	LevelInvalidation: {},
	LevelGamma:        {},
	LevelVolumeShelf:  {},
	LevelFib:          {},
}

// ValidDirection reports whether d is one of the fixed direction values.
func ValidDirection(d string) bool {
	_, ok := validDirections[d]
	return ok
}

// ValidLevelType reports whether t is a known level type.
func ValidLevelType(t string) bool {
	_, ok := validLevelTypes[t]
	return ok
}

// IsBullish groups the two bullish directions.
func IsBullish(d string) bool {
	return d == DirectionBullishReversal || d == DirectionBullishBreakout
}

// IsBearish groups the two bearish directions.
func IsBearish(d string) bool {
	return d == DirectionBearishReversal || d == DirectionBearishBreakdown
}

// -----------------------------------------------------------------------------
// MLevel
// -----------------------------------------------------------------------------

// MLevel is a single price-relevant fact extracted from one content item.
// Levels are soft-invalidated (IsActive=false), never deleted.
type MLevel struct {
	ID               int64    `json:"id"`
	Symbol           string   `json:"symbol"`
	Source           string   `json:"source"`
	LevelType        string   `json:"level_type"`
	Price            float64  `json:"price"`
	PriceUpper       *float64 `json:"price_upper,omitempty"` // set for zone levels
	Direction        string   `json:"direction"`
	Significance     string   `json:"significance,omitempty"`
	WaveContext      string   `json:"wave_context,omitempty"`
	OptionsContext   string   `json:"options_context,omitempty"`
	FibLevel         string   `json:"fib_level,omitempty"`
	Confidence       float64  `json:"confidence"`
	ContextSnippet   string   `json:"context_snippet"`
	ExtractionMethod string   `json:"extraction_method"`
	ContentID        string   `json:"content_id"`
	NeedsReview      bool     `json:"needs_review"`

	// Lifecycle
	IsActive           bool       `json:"is_active"`
	InvalidationPrice  *float64   `json:"invalidation_price,omitempty"`
	InvalidatedAt      *time.Time `json:"invalidated_at,omitempty"`
	InvalidationReason string     `json:"invalidation_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	LastConfirmedAt    time.Time  `json:"last_confirmed_at"`
	IsStale            bool       `json:"is_stale"`
	StaleReason        string     `json:"stale_reason,omitempty"`
}

// -----------------------------------------------------------------------------

// Zone returns the [low, high] price zone the level covers.
// Point levels return an identical low and high.
func (l *MLevel) Zone() (float64, float64) {
	if l.PriceUpper != nil && *l.PriceUpper > l.Price {
		return l.Price, *l.PriceUpper
	}
	return l.Price, l.Price
}
