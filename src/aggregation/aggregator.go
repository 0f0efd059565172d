package aggregation

import (
	"math"
	"time"

	"research-confluence/src/confluence"
	"research-confluence/src/interfaces"
	"research-confluence/src/logger"
	"research-confluence/src/models"
)

// -----------------------------------------------------------------------------
// State Aggregator
// -----------------------------------------------------------------------------
// Folds validated levels into the per-symbol consolidated state. The source's
// sub-state is overwritten wholesale (a reversal must not leave the old bias
// lingering); levels are appended, except that a re-extracted level within
// tolerance of an existing active one confirms it instead of duplicating it.
// Confluence is recomputed synchronously before the batch is returned, so a
// committed batch is never ahead of its own score.

type Aggregator struct {
	Config     *models.MConfig
	DB         interfaces.IDatabase
	Calculator *confluence.Calculator
	Logger     *logger.Logger
	Now        func() time.Time
}

// -----------------------------------------------------------------------------

func NewAggregator(cfg *models.MConfig, db interfaces.IDatabase, calc *confluence.Calculator, log *logger.Logger) *Aggregator {
	return &Aggregator{
		Config:     cfg,
		DB:         db,
		Calculator: calc,
		Logger:     log,
		Now:        time.Now,
	}
}

// -----------------------------------------------------------------------------

// Ingestion is one source's extraction for one symbol, post-validation.
type Ingestion struct {
	Symbol  string
	Source  string
	Bias    string
	Phase   string
	Notes   string
	Content *models.MContentItem
	Levels  []*models.MLevel
}

// -----------------------------------------------------------------------------

// Fold builds the atomic write set for one ingestion. Nothing is persisted
// here; the caller commits the returned batch inside the symbol lock.
func (a *Aggregator) Fold(ing *Ingestion) (*models.MRefreshBatch, error) {
	now := a.Now()

	// All of the symbol's active levels: the source's own subset feeds the
	// confirm-or-append pass, the full set feeds the confluence recompute.
	allLevels, err := a.DB.LevelsForSymbol(ing.Symbol, "", false)
	if err != nil {
		return nil, err
	}
	var existing []*models.MLevel
	for i := range allLevels {
		if allLevels[i].Source == ing.Source {
			existing = append(existing, &allLevels[i])
		}
	}

	batch := &models.MRefreshBatch{
		Symbol:      ing.Symbol,
		Source:      ing.Source,
		CommittedAt: now,
	}

	// Append-or-confirm per level. Same (symbol, source, type, price within
	// tolerance) means the source restated a level it already gave us.
	for _, level := range ing.Levels {
		if match := a.findMatch(existing, level); match != nil {
			match.LastConfirmedAt = now
			match.IsStale = false
			match.StaleReason = ""
			if level.Confidence > match.Confidence {
				match.Confidence = level.Confidence
				match.NeedsReview = level.NeedsReview
			}
			batch.ConfirmedLevels = append(batch.ConfirmedLevels, match)
		} else {
			batch.NewLevels = append(batch.NewLevels, level)
		}
	}

	// Overwrite the source sub-state: sources are refreshed, not accumulated.
	// Any new content from a source also resets its staleness clock.
	batch.SourceState = &models.MSourceState{
		Symbol:          ing.Symbol,
		Source:          ing.Source,
		Bias:            ing.Bias,
		StructuralPhase: ing.Phase,
		Notes:           ing.Notes,
		ContentID:       ing.Content.ID,
		LastUpdated:     now,
		IsStale:         false,
	}
	fillPrimaries(batch.SourceState, ing.Levels, batch.ConfirmedLevels)

	// Recompute confluence on the post-ingestion view of the world.
	state, err := a.loadState(ing.Symbol, now)
	if err != nil {
		return nil, err
	}
	state.SourceStates[ing.Source] = *batch.SourceState

	levels := projectLevels(allLevels, batch.NewLevels)
	batch.State = a.Calculator.Score(state, levels)

	return batch, nil
}

// -----------------------------------------------------------------------------

// loadState fetches the consolidated state, creating it lazily on first
// extraction for a symbol.
func (a *Aggregator) loadState(symbol string, now time.Time) (*models.MSymbolState, error) {
	state, err := a.DB.GetSymbolState(symbol)
	if err != nil {
		return nil, err
	}
	if state == nil {
		a.Logger.Info("First extraction for %s, creating consolidated state", symbol)
		state = &models.MSymbolState{
			Symbol:       symbol,
			SourceStates: make(map[string]models.MSourceState),
			CreatedAt:    now,
		}
	}
	if state.SourceStates == nil {
		state.SourceStates = make(map[string]models.MSourceState)
	}
	return state, nil
}

// -----------------------------------------------------------------------------

// findMatch locates an existing active level the candidate confirms.
func (a *Aggregator) findMatch(existing []*models.MLevel, level *models.MLevel) *models.MLevel {
	for _, e := range existing {
		if !e.IsActive || e.LevelType != level.LevelType {
			continue
		}
		if math.Abs(e.Price-level.Price) <= a.Config.Pipeline.ConfirmTolerance*e.Price {
			return e
		}
	}
	return nil
}

// -----------------------------------------------------------------------------

// fillPrimaries picks the headline target/support/invalidation prices for the
// sub-state from the levels this extraction carried.
func fillPrimaries(ss *models.MSourceState, fresh []*models.MLevel, confirmed []*models.MLevel) {
	all := make([]*models.MLevel, 0, len(fresh)+len(confirmed))
	all = append(all, fresh...)
	all = append(all, confirmed...)

	for _, l := range all {
		p := l.Price
		switch l.LevelType {
		case models.LevelTarget:
			if ss.PrimaryTarget == nil {
				ss.PrimaryTarget = &p
			}
		case models.LevelSupport:
			if ss.PrimarySupport == nil {
				ss.PrimarySupport = &p
			}
		case models.LevelInvalidation:
			if ss.PrimaryInvalidation == nil {
				ss.PrimaryInvalidation = &p
			}
		}
		if l.InvalidationPrice != nil && ss.PrimaryInvalidation == nil {
			ss.PrimaryInvalidation = l.InvalidationPrice
		}
	}
}

// -----------------------------------------------------------------------------

// projectLevels is the post-commit view: existing rows (with confirmations
// already applied in place) plus the new ones.
func projectLevels(existing []models.MLevel, fresh []*models.MLevel) []models.MLevel {
	out := make([]models.MLevel, 0, len(existing)+len(fresh))
	out = append(out, existing...)
	for _, l := range fresh {
		out = append(out, *l)
	}
	return out
}

// -----------------------------------------------------------------------------

// Rescore recomputes confluence for a symbol outside an ingestion (user
// corrections, staleness sweeps) and returns the updated state.
func (a *Aggregator) Rescore(symbol string) (*models.MSymbolState, error) {
	state, err := a.loadState(symbol, a.Now())
	if err != nil {
		return nil, err
	}

	// Confluence only reads the full cross-source level set.
	levels, err := a.DB.LevelsForSymbol(symbol, "", false)
	if err != nil {
		return nil, err
	}

	state = a.Calculator.Score(state, levels)
	if err := a.DB.SaveSymbolState(state); err != nil {
		return nil, err
	}
	return state, nil
}
