package validation

import (
	"math"
	"strings"
	"time"

	"research-confluence/src/logger"
	"research-confluence/src/models"
	"research-confluence/src/symbols"
)

// -----------------------------------------------------------------------------
// Level Validator
// -----------------------------------------------------------------------------
// Deterministic gate between the probabilistic oracle and persisted state.
// Rules run in a fixed order; the first failing rule names the rejection.

// Verdict is the outcome for one candidate.
type Verdict struct {
	Level    *models.MLevel // non-nil iff accepted
	Rejected bool
	Reason   string // one of the models.Reject* constants
}

// -----------------------------------------------------------------------------

type Validator struct {
	Normalizer *symbols.Normalizer
	Logger     *logger.Logger
	Now        func() time.Time // injectable clock for tests
}

// -----------------------------------------------------------------------------

func NewValidator(n *symbols.Normalizer, log *logger.Logger) *Validator {
	return &Validator{
		Normalizer: n,
		Logger:     log,
		Now:        time.Now,
	}
}

// -----------------------------------------------------------------------------

// Validate applies the rule chain to one candidate. symbolMention is the raw
// mention from the oracle; source and method come from the content item.
func (v *Validator) Validate(cand *models.MCandidateLevel, symbolMention, source, method, contentID string) Verdict {
	// 1. Symbol must resolve.
	canonical, ok := v.Normalizer.Normalize(symbolMention)
	if !ok {
		return v.reject(models.RejectUnknownSymbol, symbolMention)
	}

	// 2. Direction must be one of the fixed enum values.
	if !models.ValidDirection(cand.Direction) {
		return v.reject(models.RejectInvalidDirection, cand.Direction)
	}

	// 2b. Level type the same way; the oracle invents types occasionally.
	if !models.ValidLevelType(cand.Type) {
		return v.reject(models.RejectInvalidLevelType, cand.Type)
	}

	// 3. Price must be finite and positive; price_upper must exceed price.
	if !finitePositive(cand.Price) {
		return v.reject(models.RejectInvalidPrice, symbolMention)
	}
	if cand.PriceUpper != nil {
		if !finitePositive(*cand.PriceUpper) || *cand.PriceUpper <= cand.Price {
			return v.reject(models.RejectInvalidRange, symbolMention)
		}
	}

	// 5. Context snippet must be non-empty (the verbatim substring check for
	// text sources already ran in the orchestrator).
	if strings.TrimSpace(cand.ContextSnippet) == "" {
		return v.reject(models.RejectEmptySnippet, symbolMention)
	}

	now := v.Now()
	level := &models.MLevel{
		Symbol:            canonical,
		Source:            source,
		LevelType:         cand.Type,
		Price:             cand.Price,
		PriceUpper:        cand.PriceUpper,
		Direction:         cand.Direction,
		Significance:      cand.Significance,
		WaveContext:       cand.WaveContext,
		OptionsContext:    cand.OptionsContext,
		FibLevel:          cand.FibLevel,
		Confidence:        cand.Confidence,
		ContextSnippet:    cand.ContextSnippet,
		ExtractionMethod:  method,
		ContentID:         contentID,
		InvalidationPrice: cand.InvalidationPrice,
		IsActive:          true,
		IsStale:           false,
		CreatedAt:         now,
		LastConfirmedAt:   now,
	}

	// 4. Low confidence is accepted but flagged, never silently trusted.
	if cand.Confidence < models.ReviewConfidenceThreshold {
		level.NeedsReview = true
	}

	return Verdict{Level: level}
}

// -----------------------------------------------------------------------------

func (v *Validator) reject(reason, detail string) Verdict {
	// Rejections are counted, not propagated; this log line is the
	// extraction-quality monitoring seam.
	v.Logger.Debug("Candidate rejected (%s): %s", reason, detail)
	return Verdict{Rejected: true, Reason: reason}
}

// -----------------------------------------------------------------------------

func finitePositive(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f > 0
}
