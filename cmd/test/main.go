package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"research-confluence/src/aggregation"
	"research-confluence/src/confluence"
	"research-confluence/src/extraction"
	"research-confluence/src/logger"
	"research-confluence/src/models"
	"research-confluence/src/refresh"
	"research-confluence/src/staleness"
	"research-confluence/src/storage"
	"research-confluence/src/symbols"
	"research-confluence/src/utils"
	"research-confluence/src/validation"
)

// -----------------------------------------------------------------------------
// Offline smoke harness
// -----------------------------------------------------------------------------
// Runs the whole pipeline against a throwaway SQLite file with a scripted
// oracle: ingest -> refresh -> confluence -> conflict -> price sweep. Meant
// for eyeballing end-to-end behavior without a network or a real endpoint.

func main() {
	appLogger := logger.NewLogger("DEBUG", "smoke")

	dir, err := os.MkdirTemp("", "confluence-smoke")
	if err != nil {
		appLogger.Critical("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg := smokeConfig(filepath.Join(dir, "smoke.db"))

	db, err := storage.NewSQLiteDB(cfg, appLogger)
	if err != nil {
		appLogger.Critical("Failed to init db: %v", err)
	}
	if err := db.Initialize(); err != nil {
		appLogger.Critical("Failed to migrate db: %v", err)
	}
	defer db.Close()

	normalizer := symbols.NewNormalizer(cfg.Symbols)
	locks := refresh.NewMemoryLockTable(normalizer.Tracked())
	oracle := NewScriptedOracle()
	orchestrator := extraction.NewOrchestrator(cfg, oracle, normalizer, appLogger)
	validator := validation.NewValidator(normalizer, appLogger)
	calculator := confluence.NewCalculator(cfg, appLogger)
	aggregator := aggregation.NewAggregator(cfg, db, calculator, appLogger)
	controller := refresh.NewController(cfg, locks, db, orchestrator, validator, aggregator, nil, appLogger)

	ctx := context.Background()

	// --- Scenario 1: single source, no confluence yet -----------------------
	itemA := ingest(db, normalizer, appLogger, &models.MContentItem{
		ID:          "smoke-ta-1",
		Source:      "technical_analysis",
		ContentType: models.ContentTranscript,
		Text:        "GOOGL support zone 170 to 172 looks strong, invalidation below 165.",
	})
	oracle.Script(itemA.ID, &models.MExtractionResponse{
		ExtractionConfidence: 0.93,
		Symbols: []models.MSymbolExtraction{{
			SymbolMention: "GOOGL",
			Bias:          "bullish",
			Levels: []models.MCandidateLevel{{
				Type:           models.LevelSupport,
				Price:          170,
				PriceUpper:     ptr(172.0),
				Direction:      models.DirectionBullishReversal,
				ContextSnippet: "support zone 170 to 172",
				Confidence:     0.9,
			}},
		}},
	})
	report(appLogger, controller.RefreshSymbol(ctx, "GOOGL"))
	printState(db, appLogger, "GOOGL", "after one source")

	// --- Scenario 2: second aligned source, confluence appears --------------
	itemB := ingest(db, normalizer, appLogger, &models.MContentItem{
		ID:          "smoke-pos-1",
		Source:      "positioning",
		ContentType: models.ContentTextPost,
		Text:        "$GOOGL buyers defending 171, big gamma at 171.",
	})
	oracle.Script(itemB.ID, &models.MExtractionResponse{
		ExtractionConfidence: 0.88,
		Symbols: []models.MSymbolExtraction{{
			SymbolMention: "$GOOGL",
			Bias:          "bullish",
			Levels: []models.MCandidateLevel{{
				Type:           models.LevelGamma,
				Price:          171,
				Direction:      models.DirectionBullishReversal,
				ContextSnippet: "big gamma at 171",
				Confidence:     0.85,
			}},
		}},
	})
	report(appLogger, controller.RefreshSymbol(ctx, "GOOGL"))
	printState(db, appLogger, "GOOGL", "after aligned sources")

	// --- Scenario 3: contested refresh --------------------------------------
	if !locks.TryLock("GOOGL") {
		appLogger.Error("Expected to grab the GOOGL lock")
	}
	contested := controller.RefreshSymbol(ctx, "GOOGL")
	appLogger.Info("Contested refresh status: %s (want %s)", contested.Status, models.RefreshAlreadyRefreshing)
	locks.Unlock("GOOGL")

	// --- Scenario 4: price sweep deactivates a far-away support -------------
	feed := &StaticPriceFeed{prices: map[string]float64{"GOOGL": 120}}
	scheduler := utils.NewSweepScheduler(normalizer.Tracked(), appLogger)
	monitor := staleness.NewMonitor(cfg, db, locks, aggregator, feed, scheduler, nil,
		func(string) int { return cfg.Staleness.DefaultDays }, appLogger)
	monitor.SweepOnce()

	levels, err := db.LevelsForSymbol("GOOGL", "", true)
	if err != nil {
		appLogger.Critical("Failed to load levels: %v", err)
	}
	for _, l := range levels {
		appLogger.Info("Level %d %s %.2f active=%v reason=%q", l.ID, l.LevelType, l.Price, l.IsActive, l.InvalidationReason)
	}

	appLogger.Info("Smoke run complete")
}

// -----------------------------------------------------------------------------

func smokeConfig(dbPath string) *models.MConfig {
	return &models.MConfig{
		Name:     "smoke",
		LogLevel: "DEBUG",
		Storage:  models.MStorageConfig{DBType: "sqlite", DBPath: dbPath},
		Oracle:   models.MOracleConfig{Endpoint: "scripted", TimeoutSeconds: 5, ChunkChars: 4000, ChunkOverlapChars: 200},
		Sources: []models.MSourceConfig{
			{Name: "technical_analysis", StalenessDays: 14},
			{Name: "positioning", StalenessDays: 7},
		},
		Symbols: []models.MTrackedSymbol{
			{Symbol: "GOOGL", Aliases: []string{"GOOG", "Google", "Alphabet"}},
		},
		Pipeline: models.MPipelineConfig{ConfirmTolerance: 0.005, ZoneTolerance: 0.01},
		Staleness: models.MStalenessConfig{
			SweepIntervalMinutes: 30,
			DefaultDays:          14,
			InvalidationDistance: 0.15,
			PriceFeedEnabled:     true,
		},
	}
}

// -----------------------------------------------------------------------------

func ingest(db *storage.SQLiteDB, n *symbols.Normalizer, log *logger.Logger, item *models.MContentItem) *models.MContentItem {
	now := time.Now().UTC()
	item.PublishedAt = now
	item.ReceivedAt = now

	assigned := n.FindMentions(item.Text)
	if err := db.SaveContentItem(item, assigned); err != nil {
		log.Critical("Failed to journal %s: %v", item.ID, err)
	}
	log.Info("Ingested %s -> %v", item.ID, assigned)
	return item
}

// -----------------------------------------------------------------------------

func report(log *logger.Logger, outcome *models.MRefreshOutcome) {
	log.Info("Refresh %s: status=%s items=%d accepted=%d confirmed=%d rejected=%d",
		outcome.Symbol, outcome.Status, outcome.ItemsProcessed, outcome.Accepted, outcome.Confirmed, outcome.Rejected)
}

// -----------------------------------------------------------------------------

func printState(db *storage.SQLiteDB, log *logger.Logger, symbol, label string) {
	state, err := db.GetSymbolState(symbol)
	if err != nil || state == nil {
		log.Error("No state for %s (%s): %v", symbol, label, err)
		return
	}

	score := "nil"
	if state.ConfluenceScore != nil {
		score = fmt.Sprintf("%.2f", *state.ConfluenceScore)
	}
	log.Info("[%s] %s score=%s aligned=%v summary=%q", label, symbol, score, state.SourcesAligned, state.ConfluenceSummary)
	if state.TradeSetup != nil {
		log.Info("[%s] setup: %s entry %.2f-%.2f", label, state.TradeSetup.Bias, state.TradeSetup.EntryLow, state.TradeSetup.EntryHigh)
	}
}

// -----------------------------------------------------------------------------

func ptr(f float64) *float64 { return &f }
