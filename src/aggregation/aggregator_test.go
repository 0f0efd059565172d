package aggregation

import (
	"testing"
	"time"

	"research-confluence/src/confluence"
	"research-confluence/src/logger"
	"research-confluence/src/models"
)

// -----------------------------------------------------------------------------
// In-memory IDatabase fake
// -----------------------------------------------------------------------------

type fakeDB struct {
	levels []models.MLevel
	states map[string]*models.MSymbolState
	nextID int64
}

func newFakeDB() *fakeDB {
	return &fakeDB{states: make(map[string]*models.MSymbolState)}
}

func (f *fakeDB) Initialize() error { return nil }
func (f *fakeDB) Close() error      { return nil }

func (f *fakeDB) SaveContentItem(item *models.MContentItem, symbols []string) error { return nil }
func (f *fakeDB) MarkAssignmentProcessed(contentID, symbol, outcome, errMsg string, at time.Time) error {
	return nil
}
func (f *fakeDB) UnprocessedContentForSymbol(symbol string) ([]models.MContentItem, error) {
	return nil, nil
}

func (f *fakeDB) SaveLevel(level *models.MLevel) error {
	f.nextID++
	level.ID = f.nextID
	f.levels = append(f.levels, *level)
	return nil
}

func (f *fakeDB) UpdateLevel(level *models.MLevel) error {
	for i := range f.levels {
		if f.levels[i].ID == level.ID {
			f.levels[i] = *level
			return nil
		}
	}
	return nil
}

func (f *fakeDB) GetLevel(id int64) (*models.MLevel, error) {
	for i := range f.levels {
		if f.levels[i].ID == id {
			l := f.levels[i]
			return &l, nil
		}
	}
	return nil, nil
}

func (f *fakeDB) LevelsForSymbol(symbol, source string, includeInactive bool) ([]models.MLevel, error) {
	var out []models.MLevel
	for _, l := range f.levels {
		if l.Symbol != symbol {
			continue
		}
		if source != "" && l.Source != source {
			continue
		}
		if !includeInactive && !l.IsActive {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeDB) ActiveLevels() ([]models.MLevel, error) {
	var out []models.MLevel
	for _, l := range f.levels {
		if l.IsActive {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeDB) SaveSymbolState(state *models.MSymbolState) error {
	cp := *state
	f.states[state.Symbol] = &cp
	return nil
}

func (f *fakeDB) GetSymbolState(symbol string) (*models.MSymbolState, error) {
	if s, ok := f.states[symbol]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeDB) AllSymbolStates() ([]models.MSymbolState, error) {
	var out []models.MSymbolState
	for _, s := range f.states {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeDB) CommitRefresh(batch *models.MRefreshBatch) error {
	for _, l := range batch.NewLevels {
		f.SaveLevel(l)
	}
	for _, l := range batch.ConfirmedLevels {
		f.UpdateLevel(l)
	}
	if batch.State != nil {
		f.SaveSymbolState(batch.State)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Fixtures
// -----------------------------------------------------------------------------

var testClock = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func newTestAggregator(db *fakeDB) *Aggregator {
	cfg := &models.MConfig{
		Pipeline: models.MPipelineConfig{ConfirmTolerance: 0.005, ZoneTolerance: 0.01},
	}
	log := logger.NewLogger("ERROR", "test")
	calc := confluence.NewCalculator(cfg, log)
	calc.Now = func() time.Time { return testClock }
	agg := NewAggregator(cfg, db, calc, log)
	agg.Now = func() time.Time { return testClock }
	return agg
}

func testIngestion(levels ...*models.MLevel) *Ingestion {
	return &Ingestion{
		Symbol:  "GOOGL",
		Source:  "technical_analysis",
		Bias:    "bullish",
		Content: &models.MContentItem{ID: "content-1"},
		Levels:  levels,
	}
}

func activeLevel(source, levelType string, price float64) *models.MLevel {
	return &models.MLevel{
		Symbol:    "GOOGL",
		Source:    source,
		LevelType: levelType,
		Direction: models.DirectionBullishReversal,
		Price:     price,
		IsActive:  true,
	}
}

// -----------------------------------------------------------------------------

func TestFoldFirstIngestion(t *testing.T) {
	db := newFakeDB()
	agg := newTestAggregator(db)

	batch, err := agg.Fold(testIngestion(activeLevel("technical_analysis", models.LevelSupport, 170)))
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}

	if len(batch.NewLevels) != 1 || len(batch.ConfirmedLevels) != 0 {
		t.Fatalf("new=%d confirmed=%d, want 1/0", len(batch.NewLevels), len(batch.ConfirmedLevels))
	}
	if batch.SourceState == nil || batch.SourceState.Bias != "bullish" {
		t.Fatalf("source state not built: %+v", batch.SourceState)
	}
	if batch.SourceState.PrimarySupport == nil || *batch.SourceState.PrimarySupport != 170 {
		t.Errorf("primary support = %v, want 170", batch.SourceState.PrimarySupport)
	}
	if batch.State == nil {
		t.Fatal("batch must carry the recomputed state")
	}
	if batch.State.ConfluenceScore != nil {
		t.Error("one source cannot have a confluence score")
	}
}

// -----------------------------------------------------------------------------

func TestFoldConfirmsWithinTolerance(t *testing.T) {
	db := newFakeDB()
	agg := newTestAggregator(db)

	seeded := activeLevel("technical_analysis", models.LevelSupport, 170)
	seeded.Confidence = 0.75
	seeded.IsStale = true
	seeded.StaleReason = "no update in 15 days"
	db.SaveLevel(seeded)

	incoming := activeLevel("technical_analysis", models.LevelSupport, 170.5)
	incoming.Confidence = 0.9

	batch, err := agg.Fold(testIngestion(incoming))
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}

	if len(batch.NewLevels) != 0 || len(batch.ConfirmedLevels) != 1 {
		t.Fatalf("new=%d confirmed=%d, want 0/1: restating a level must confirm it", len(batch.NewLevels), len(batch.ConfirmedLevels))
	}
	got := batch.ConfirmedLevels[0]
	if got.Price != 170 {
		t.Errorf("confirmation must keep the original price, got %.2f", got.Price)
	}
	if !got.LastConfirmedAt.Equal(testClock) {
		t.Error("confirmation must bump LastConfirmedAt")
	}
	if got.IsStale || got.StaleReason != "" {
		t.Error("confirmation must clear staleness")
	}
	if got.Confidence != 0.9 {
		t.Errorf("higher incoming confidence should win, got %.2f", got.Confidence)
	}
}

func TestFoldOutsideToleranceAppends(t *testing.T) {
	db := newFakeDB()
	agg := newTestAggregator(db)

	db.SaveLevel(activeLevel("technical_analysis", models.LevelSupport, 170))

	batch, err := agg.Fold(testIngestion(activeLevel("technical_analysis", models.LevelSupport, 180)))
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if len(batch.NewLevels) != 1 || len(batch.ConfirmedLevels) != 0 {
		t.Fatalf("new=%d confirmed=%d, want 1/0 for a distinct price", len(batch.NewLevels), len(batch.ConfirmedLevels))
	}
}

func TestFoldDoesNotConfirmAcrossSources(t *testing.T) {
	db := newFakeDB()
	agg := newTestAggregator(db)

	// Same price from another source must stay an independent statement.
	db.SaveLevel(activeLevel("positioning", models.LevelSupport, 170))

	batch, err := agg.Fold(testIngestion(activeLevel("technical_analysis", models.LevelSupport, 170)))
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if len(batch.NewLevels) != 1 || len(batch.ConfirmedLevels) != 0 {
		t.Fatal("confirmation must be scoped to the ingesting source")
	}
}

// -----------------------------------------------------------------------------

func TestFoldOverwritesSourceSubState(t *testing.T) {
	db := newFakeDB()
	agg := newTestAggregator(db)

	target := 200.0
	db.SaveSymbolState(&models.MSymbolState{
		Symbol: "GOOGL",
		SourceStates: map[string]models.MSourceState{
			"technical_analysis": {
				Symbol:        "GOOGL",
				Source:        "technical_analysis",
				Bias:          "bearish",
				Notes:         "old thesis",
				PrimaryTarget: &target,
			},
		},
		CreatedAt: testClock.Add(-48 * time.Hour),
	})

	ing := testIngestion(activeLevel("technical_analysis", models.LevelSupport, 170))
	ing.Notes = "new thesis"

	batch, err := agg.Fold(ing)
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}

	ss := batch.State.SourceStates["technical_analysis"]
	if ss.Bias != "bullish" || ss.Notes != "new thesis" {
		t.Errorf("sub-state must be overwritten wholesale: %+v", ss)
	}
	if ss.PrimaryTarget != nil {
		t.Error("old primary target must not linger after the overwrite")
	}
	if ss.IsStale {
		t.Error("fresh ingestion must reset staleness")
	}
}

// -----------------------------------------------------------------------------

func TestFoldScoresAcrossSources(t *testing.T) {
	db := newFakeDB()
	agg := newTestAggregator(db)

	// A fresh aligned view already exists from another source.
	other := activeLevel("positioning", models.LevelGamma, 171)
	db.SaveLevel(other)
	db.SaveSymbolState(&models.MSymbolState{
		Symbol: "GOOGL",
		SourceStates: map[string]models.MSourceState{
			"positioning": {Symbol: "GOOGL", Source: "positioning", Bias: "bullish"},
		},
	})

	batch, err := agg.Fold(testIngestion(activeLevel("technical_analysis", models.LevelSupport, 170)))
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}

	if batch.State.ConfluenceScore == nil {
		t.Fatal("two fresh aligned sources must produce a score")
	}
	if !batch.State.SourcesAligned {
		t.Error("expected directional alignment")
	}
}

// -----------------------------------------------------------------------------

func TestFoldIsIdempotentOnReplay(t *testing.T) {
	db := newFakeDB()
	agg := newTestAggregator(db)

	ing := testIngestion(activeLevel("technical_analysis", models.LevelSupport, 170))
	batch, err := agg.Fold(ing)
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if err := db.CommitRefresh(batch); err != nil {
		t.Fatalf("CommitRefresh: %v", err)
	}

	// Replaying the same content must confirm, never duplicate.
	replay := testIngestion(activeLevel("technical_analysis", models.LevelSupport, 170))
	batch2, err := agg.Fold(replay)
	if err != nil {
		t.Fatalf("Fold replay: %v", err)
	}
	if err := db.CommitRefresh(batch2); err != nil {
		t.Fatalf("CommitRefresh replay: %v", err)
	}

	levels, _ := db.LevelsForSymbol("GOOGL", "", false)
	if len(levels) != 1 {
		t.Fatalf("replay grew the level set to %d rows", len(levels))
	}
}

// -----------------------------------------------------------------------------

func TestRescorePersistsState(t *testing.T) {
	db := newFakeDB()
	agg := newTestAggregator(db)

	db.SaveLevel(activeLevel("technical_analysis", models.LevelSupport, 170))
	db.SaveLevel(activeLevel("positioning", models.LevelGamma, 171))
	db.SaveSymbolState(&models.MSymbolState{
		Symbol: "GOOGL",
		SourceStates: map[string]models.MSourceState{
			"technical_analysis": {Symbol: "GOOGL", Source: "technical_analysis"},
			"positioning":        {Symbol: "GOOGL", Source: "positioning"},
		},
	})

	state, err := agg.Rescore("GOOGL")
	if err != nil {
		t.Fatalf("Rescore: %v", err)
	}
	if state.ConfluenceScore == nil {
		t.Fatal("expected a recomputed score")
	}

	persisted, _ := db.GetSymbolState("GOOGL")
	if persisted.ConfluenceScore == nil || *persisted.ConfluenceScore != *state.ConfluenceScore {
		t.Error("Rescore must persist the updated state")
	}
}

// -----------------------------------------------------------------------------

func TestPersistedStateMatchesRecomputation(t *testing.T) {
	db := newFakeDB()
	agg := newTestAggregator(db)

	// Two sources with overlapping zones plus a bias-only sub-state.
	db.SaveLevel(activeLevel("positioning", models.LevelGamma, 171))
	db.SaveSymbolState(&models.MSymbolState{
		Symbol: "GOOGL",
		SourceStates: map[string]models.MSourceState{
			"positioning": {Symbol: "GOOGL", Source: "positioning", Bias: "bullish"},
			"macro":       {Symbol: "GOOGL", Source: "macro", Bias: "bullish"},
		},
	})

	batch, err := agg.Fold(testIngestion(activeLevel("technical_analysis", models.LevelSupport, 170)))
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if err := db.CommitRefresh(batch); err != nil {
		t.Fatalf("CommitRefresh: %v", err)
	}

	// The persisted cross-source fields are a pure function of the stored
	// source states and active levels: recomputing from storage alone must
	// land on exactly the same answer.
	persisted, _ := db.GetSymbolState("GOOGL")
	levels, _ := db.LevelsForSymbol("GOOGL", "", false)

	replayed := *persisted
	replayed.SourceStates = make(map[string]models.MSourceState, len(persisted.SourceStates))
	for k, v := range persisted.SourceStates {
		replayed.SourceStates[k] = v
	}
	agg.Calculator.Score(&replayed, levels)

	if replayed.SourcesAligned != persisted.SourcesAligned {
		t.Errorf("aligned: replayed %v, persisted %v", replayed.SourcesAligned, persisted.SourcesAligned)
	}
	switch {
	case replayed.ConfluenceScore == nil || persisted.ConfluenceScore == nil:
		t.Errorf("score: replayed %v, persisted %v", replayed.ConfluenceScore, persisted.ConfluenceScore)
	case *replayed.ConfluenceScore != *persisted.ConfluenceScore:
		t.Errorf("score: replayed %v, persisted %v", *replayed.ConfluenceScore, *persisted.ConfluenceScore)
	}
	if replayed.ConfluenceSummary != persisted.ConfluenceSummary {
		t.Errorf("summary: replayed %q, persisted %q", replayed.ConfluenceSummary, persisted.ConfluenceSummary)
	}
	if (replayed.TradeSetup == nil) != (persisted.TradeSetup == nil) {
		t.Fatalf("setup: replayed %+v, persisted %+v", replayed.TradeSetup, persisted.TradeSetup)
	}
	if replayed.TradeSetup != nil {
		r, p := replayed.TradeSetup, persisted.TradeSetup
		if r.Bias != p.Bias || r.EntryLow != p.EntryLow || r.EntryHigh != p.EntryHigh {
			t.Errorf("setup: replayed %+v, persisted %+v", *r, *p)
		}
	}
}
