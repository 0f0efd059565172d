package refresh

import (
	"context"

	"research-confluence/src/aggregation"
	"research-confluence/src/extraction"
	"research-confluence/src/interfaces"
	"research-confluence/src/logger"
	"research-confluence/src/models"
	"research-confluence/src/validation"
)

// -----------------------------------------------------------------------------
// Refresh Concurrency Controller
// -----------------------------------------------------------------------------
// Wraps the whole pipeline per symbol: idle -> refreshing -> idle. A request
// for a symbol already refreshing is rejected immediately with a distinct
// result, never queued. Each (item, source) write set commits in a single
// transaction, so a failed extraction leaves prior state untouched and
// readers never see a half-applied refresh.

type Controller struct {
	Config       *models.MConfig
	Locks        interfaces.ISymbolLockTable
	DB           interfaces.IDatabase
	Orchestrator *extraction.Orchestrator
	Validator    *validation.Validator
	Aggregator   *aggregation.Aggregator
	Exchanger    interfaces.IDataExchanger
	Logger       *logger.Logger
}

// -----------------------------------------------------------------------------

func NewController(
	cfg *models.MConfig,
	locks interfaces.ISymbolLockTable,
	db interfaces.IDatabase,
	orch *extraction.Orchestrator,
	val *validation.Validator,
	agg *aggregation.Aggregator,
	exch interfaces.IDataExchanger,
	log *logger.Logger,
) *Controller {
	return &Controller{
		Config:       cfg,
		Locks:        locks,
		DB:           db,
		Orchestrator: orch,
		Validator:    val,
		Aggregator:   agg,
		Exchanger:    exch,
		Logger:       log,
	}
}

// -----------------------------------------------------------------------------

// RefreshSymbol processes the symbol's unprocessed content assignments.
// The symbol lock is held for the whole run; the oracle call is the only
// long-latency step under it.
func (c *Controller) RefreshSymbol(ctx context.Context, symbol string) *models.MRefreshOutcome {
	outcome := &models.MRefreshOutcome{Symbol: symbol, Status: models.RefreshSuccess}

	if !c.Locks.Known(symbol) {
		outcome.Status = models.RefreshNotFound
		return outcome
	}
	if !c.Locks.TryLock(symbol) {
		outcome.Status = models.RefreshAlreadyRefreshing
		return outcome
	}
	defer c.Locks.Unlock(symbol)

	items, err := c.DB.UnprocessedContentForSymbol(symbol)
	if err != nil {
		c.Logger.Error("Failed to load pending content for %s: %v", symbol, err)
		outcome.Status = models.RefreshFailed
		outcome.Error = err.Error()
		return outcome
	}
	if len(items) == 0 {
		outcome.Status = models.RefreshNoContent
		return outcome
	}

	failures := 0
	for i := range items {
		item := &items[i]
		if err := ctx.Err(); err != nil {
			// Cancellation aborts the rest of the queue; processed items
			// have already committed, nothing is half-applied.
			c.Logger.Warning("Refresh for %s aborted: %v", symbol, err)
			break
		}
		if err := c.processItem(ctx, symbol, item, outcome); err != nil {
			failures++
		} else {
			outcome.ItemsProcessed++
		}
	}

	if failures > 0 && outcome.ItemsProcessed == 0 {
		outcome.Status = models.RefreshFailed
	}

	c.Logger.Info("Refresh %s: %d items, %d extracted, %d accepted, %d confirmed, %d rejected",
		symbol, outcome.ItemsProcessed, outcome.Extracted, outcome.Accepted, outcome.Confirmed, outcome.Rejected)

	return outcome
}

// -----------------------------------------------------------------------------

// processItem runs extract -> validate -> aggregate -> commit for one item.
// Only the locked symbol's groups are aggregated here; the same item is
// processed separately under the other symbols it was assigned to.
func (c *Controller) processItem(ctx context.Context, symbol string, item *models.MContentItem, outcome *models.MRefreshOutcome) error {
	res, err := c.Orchestrator.ExtractCandidates(ctx, item)
	if err != nil {
		// extraction_failed is journaled distinctly from "no levels found";
		// prior levels stay untouched.
		c.Logger.Error("Extraction failed for content %s: %v", item.ID, err)
		if jerr := c.DB.MarkAssignmentProcessed(item.ID, symbol, models.OutcomeExtractionFailed, err.Error(), c.Aggregator.Now()); jerr != nil {
			c.Logger.Error("Failed to journal extraction failure for %s: %v", item.ID, jerr)
		}
		if outcome.Error == "" {
			outcome.Error = err.Error()
		}
		return err
	}
	outcome.Rejected += res.SnippetRejected

	var group *models.MSymbolExtraction
	for i := range res.Groups {
		if res.Groups[i].SymbolMention == symbol {
			group = &res.Groups[i]
			break
		}
	}

	if group == nil || len(group.Levels) == 0 {
		return c.commitEmpty(symbol, item, group)
	}

	ing := &aggregation.Ingestion{
		Symbol:  symbol,
		Source:  item.Source,
		Content: item,
	}
	ing.Bias = group.Bias
	ing.Phase = group.StructuralPhase
	ing.Notes = group.Notes

	for i := range group.Levels {
		outcome.Extracted++
		verdict := c.Validator.Validate(&group.Levels[i], symbol, item.Source, method(item.ContentType), item.ID)
		if verdict.Rejected {
			outcome.Rejected++
			continue
		}
		if verdict.Level.NeedsReview {
			outcome.FlaggedReview++
		}
		ing.Levels = append(ing.Levels, verdict.Level)
	}

	if len(ing.Levels) == 0 {
		return c.commitEmpty(symbol, item, group)
	}

	batch, err := c.Aggregator.Fold(ing)
	if err != nil {
		c.Logger.Error("Aggregation failed for %s/%s: %v", symbol, item.Source, err)
		return err
	}
	batch.ContentOutcomes = append(batch.ContentOutcomes, models.MContentOutcome{
		ContentID: item.ID,
		Symbol:    symbol,
		Outcome:   models.OutcomeOK,
	})

	if err := c.DB.CommitRefresh(batch); err != nil {
		c.Logger.Error("Commit failed for %s/%s: %v", symbol, item.Source, err)
		return err
	}

	outcome.Accepted += len(batch.NewLevels)
	outcome.Confirmed += len(batch.ConfirmedLevels)

	if c.Exchanger != nil {
		c.Exchanger.PublishState(batch.State)
	}
	return nil
}

// -----------------------------------------------------------------------------

// commitEmpty journals a genuine "no levels found" result. A group with
// bias but no levels still refreshes the source sub-state (a directional
// read with no numeric levels is common for compass images).
func (c *Controller) commitEmpty(symbol string, item *models.MContentItem, group *models.MSymbolExtraction) error {
	now := c.Aggregator.Now()

	if group != nil && (group.Bias != "" || group.Notes != "") {
		ing := &aggregation.Ingestion{
			Symbol:  symbol,
			Source:  item.Source,
			Bias:    group.Bias,
			Phase:   group.StructuralPhase,
			Notes:   group.Notes,
			Content: item,
		}
		batch, err := c.Aggregator.Fold(ing)
		if err != nil {
			return err
		}
		batch.ContentOutcomes = append(batch.ContentOutcomes, models.MContentOutcome{
			ContentID: item.ID,
			Symbol:    symbol,
			Outcome:   models.OutcomeOK,
		})
		if err := c.DB.CommitRefresh(batch); err != nil {
			return err
		}
		if c.Exchanger != nil {
			c.Exchanger.PublishState(batch.State)
		}
		return nil
	}

	return c.DB.MarkAssignmentProcessed(item.ID, symbol, models.OutcomeNoLevels, "", now)
}

// -----------------------------------------------------------------------------

func method(contentType string) string {
	switch contentType {
	case models.ContentTranscript:
		return models.MethodTranscript
	case models.ContentChartImage:
		return models.MethodChartImage
	case models.ContentCompassImage:
		return models.MethodCompassImage
	default:
		return models.MethodTextPost
	}
}
