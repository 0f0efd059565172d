package storage

import (
	"path/filepath"
	"testing"
	"time"

	"research-confluence/src/logger"
	"research-confluence/src/models"
)

// -----------------------------------------------------------------------------

var storedAt = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *SQLiteDB {
	t.Helper()

	cfg := &models.MConfig{
		Storage: models.MStorageConfig{
			DBType: "sqlite",
			DBPath: filepath.Join(t.TempDir(), "test.db"),
		},
	}
	db, err := NewSQLiteDB(cfg, logger.NewLogger("ERROR", "test"))
	if err != nil {
		t.Fatalf("NewSQLiteDB: %v", err)
	}
	if err := db.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(f float64) *float64 { return &f }

// -----------------------------------------------------------------------------

func TestContentJournal(t *testing.T) {
	db := newTestDB(t)

	item := &models.MContentItem{
		ID:          "c1",
		Source:      "technical_analysis",
		ContentType: models.ContentTranscript,
		Text:        "GOOGL support at 170",
		PublishedAt: storedAt.Add(-time.Hour),
		ReceivedAt:  storedAt,
	}
	if err := db.SaveContentItem(item, []string{"GOOGL", "NVDA"}); err != nil {
		t.Fatalf("SaveContentItem: %v", err)
	}

	pending, err := db.UnprocessedContentForSymbol("GOOGL")
	if err != nil {
		t.Fatalf("UnprocessedContentForSymbol: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "c1" {
		t.Fatalf("pending = %+v, want c1", pending)
	}
	if pending[0].Text != item.Text || !pending[0].ReceivedAt.Equal(storedAt) {
		t.Errorf("round trip mangled the item: %+v", pending[0])
	}

	// Processing the GOOGL assignment leaves the NVDA one pending.
	if err := db.MarkAssignmentProcessed("c1", "GOOGL", models.OutcomeOK, "", storedAt); err != nil {
		t.Fatalf("MarkAssignmentProcessed: %v", err)
	}
	pending, _ = db.UnprocessedContentForSymbol("GOOGL")
	if len(pending) != 0 {
		t.Errorf("GOOGL still has %d pending items", len(pending))
	}
	pending, _ = db.UnprocessedContentForSymbol("NVDA")
	if len(pending) != 1 {
		t.Errorf("NVDA assignment lost: %+v", pending)
	}
}

func TestContentQueueIsOldestFirst(t *testing.T) {
	db := newTestDB(t)

	for i, id := range []string{"newest", "oldest", "middle"} {
		offsets := []time.Duration{0, -2 * time.Hour, -time.Hour}
		item := &models.MContentItem{
			ID:          id,
			Source:      "technical_analysis",
			ContentType: models.ContentTextPost,
			Text:        "GOOGL",
			PublishedAt: storedAt.Add(offsets[i]),
			ReceivedAt:  storedAt.Add(offsets[i]),
		}
		if err := db.SaveContentItem(item, []string{"GOOGL"}); err != nil {
			t.Fatalf("SaveContentItem(%s): %v", id, err)
		}
	}

	pending, err := db.UnprocessedContentForSymbol("GOOGL")
	if err != nil {
		t.Fatalf("UnprocessedContentForSymbol: %v", err)
	}
	var got []string
	for _, p := range pending {
		got = append(got, p.ID)
	}
	want := []string{"oldest", "middle", "newest"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue order = %v, want %v", got, want)
		}
	}
}

// -----------------------------------------------------------------------------

func TestLevelRoundTrip(t *testing.T) {
	db := newTestDB(t)

	level := &models.MLevel{
		Symbol:            "GOOGL",
		Source:            "technical_analysis",
		LevelType:         models.LevelSupport,
		Price:             170,
		PriceUpper:        ptr(172),
		Direction:         models.DirectionBullishReversal,
		FibLevel:          "0.618",
		Confidence:        0.85,
		ContextSnippet:    "major support zone 170-172",
		ExtractionMethod:  models.MethodTranscript,
		ContentID:         "c1",
		IsActive:          true,
		InvalidationPrice: ptr(165),
		CreatedAt:         storedAt,
		LastConfirmedAt:   storedAt,
	}
	if err := db.SaveLevel(level); err != nil {
		t.Fatalf("SaveLevel: %v", err)
	}
	if level.ID == 0 {
		t.Fatal("SaveLevel must assign an ID")
	}

	got, err := db.GetLevel(level.ID)
	if err != nil {
		t.Fatalf("GetLevel: %v", err)
	}
	if got.Price != 170 || got.PriceUpper == nil || *got.PriceUpper != 172 {
		t.Errorf("zone mangled: %+v", got)
	}
	if got.InvalidationPrice == nil || *got.InvalidationPrice != 165 {
		t.Errorf("invalidation price mangled: %+v", got)
	}
	if got.FibLevel != "0.618" || !got.CreatedAt.Equal(storedAt) {
		t.Errorf("round trip mangled the level: %+v", got)
	}
	if got.InvalidatedAt != nil {
		t.Error("a live level must not carry an invalidation time")
	}

	// Deactivation round-trips through UpdateLevel.
	when := storedAt.Add(time.Hour)
	got.IsActive = false
	got.InvalidatedAt = &when
	got.InvalidationReason = "manually deactivated"
	if err := db.UpdateLevel(got); err != nil {
		t.Fatalf("UpdateLevel: %v", err)
	}

	active, _ := db.LevelsForSymbol("GOOGL", "", false)
	if len(active) != 0 {
		t.Errorf("deactivated level still listed as active: %+v", active)
	}
	all, _ := db.LevelsForSymbol("GOOGL", "", true)
	if len(all) != 1 || all[0].InvalidatedAt == nil {
		t.Fatalf("inactive level not retrievable: %+v", all)
	}
	if all[0].InvalidationReason != "manually deactivated" {
		t.Errorf("reason = %q", all[0].InvalidationReason)
	}
}

func TestLevelsForSymbolFiltersBySource(t *testing.T) {
	db := newTestDB(t)

	for _, source := range []string{"technical_analysis", "positioning"} {
		l := &models.MLevel{
			Symbol:          "GOOGL",
			Source:          source,
			LevelType:       models.LevelSupport,
			Price:           170,
			Direction:       models.DirectionBullishReversal,
			IsActive:        true,
			CreatedAt:       storedAt,
			LastConfirmedAt: storedAt,
		}
		if err := db.SaveLevel(l); err != nil {
			t.Fatalf("SaveLevel: %v", err)
		}
	}

	got, err := db.LevelsForSymbol("GOOGL", "positioning", false)
	if err != nil {
		t.Fatalf("LevelsForSymbol: %v", err)
	}
	if len(got) != 1 || got[0].Source != "positioning" {
		t.Fatalf("source filter broken: %+v", got)
	}
}

// -----------------------------------------------------------------------------

func TestSymbolStateRoundTrip(t *testing.T) {
	db := newTestDB(t)

	if state, err := db.GetSymbolState("GOOGL"); err != nil || state != nil {
		t.Fatalf("absent symbol must yield (nil, nil), got (%v, %v)", state, err)
	}

	score := 0.82
	stop := 165.0
	state := &models.MSymbolState{
		Symbol:            "GOOGL",
		SourcesAligned:    true,
		ConfluenceScore:   &score,
		ConfluenceSummary: "2 of 2 sources aligned bullish",
		TradeSetup: &models.MTradeSetup{
			Bias:     "long",
			EntryLow: 170, EntryHigh: 172,
			Stop: &stop,
		},
		CreatedAt: storedAt,
		UpdatedAt: storedAt,
		SourceStates: map[string]models.MSourceState{
			"technical_analysis": {
				Symbol:      "GOOGL",
				Source:      "technical_analysis",
				Bias:        "bullish",
				ContentID:   "c1",
				LastUpdated: storedAt,
			},
		},
	}
	if err := db.SaveSymbolState(state); err != nil {
		t.Fatalf("SaveSymbolState: %v", err)
	}

	got, err := db.GetSymbolState("GOOGL")
	if err != nil {
		t.Fatalf("GetSymbolState: %v", err)
	}
	if got == nil || got.ConfluenceScore == nil || *got.ConfluenceScore != 0.82 {
		t.Fatalf("score mangled: %+v", got)
	}
	if got.TradeSetup == nil || got.TradeSetup.Bias != "long" || got.TradeSetup.Stop == nil {
		t.Fatalf("trade setup mangled: %+v", got.TradeSetup)
	}
	ss, ok := got.SourceStates["technical_analysis"]
	if !ok || ss.Bias != "bullish" || !ss.LastUpdated.Equal(storedAt) {
		t.Fatalf("source sub-state mangled: %+v", got.SourceStates)
	}

	// An upsert overwrites, never duplicates.
	state.ConfluenceScore = nil
	state.TradeSetup = nil
	if err := db.SaveSymbolState(state); err != nil {
		t.Fatalf("SaveSymbolState upsert: %v", err)
	}
	got, _ = db.GetSymbolState("GOOGL")
	if got.ConfluenceScore != nil || got.TradeSetup != nil {
		t.Errorf("upsert kept stale fields: %+v", got)
	}

	states, err := db.AllSymbolStates()
	if err != nil {
		t.Fatalf("AllSymbolStates: %v", err)
	}
	if len(states) != 1 || states[0].Symbol != "GOOGL" {
		t.Fatalf("states = %+v", states)
	}
}

// -----------------------------------------------------------------------------

func TestCommitRefreshPersistsWriteSet(t *testing.T) {
	db := newTestDB(t)

	item := &models.MContentItem{
		ID:          "c1",
		Source:      "technical_analysis",
		ContentType: models.ContentTranscript,
		Text:        "GOOGL support at 170",
		PublishedAt: storedAt,
		ReceivedAt:  storedAt,
	}
	if err := db.SaveContentItem(item, []string{"GOOGL"}); err != nil {
		t.Fatalf("SaveContentItem: %v", err)
	}

	level := &models.MLevel{
		Symbol:          "GOOGL",
		Source:          "technical_analysis",
		LevelType:       models.LevelSupport,
		Price:           170,
		Direction:       models.DirectionBullishReversal,
		Confidence:      0.9,
		ContentID:       "c1",
		IsActive:        true,
		CreatedAt:       storedAt,
		LastConfirmedAt: storedAt,
	}
	batch := &models.MRefreshBatch{
		Symbol:    "GOOGL",
		Source:    "technical_analysis",
		NewLevels: []*models.MLevel{level},
		SourceState: &models.MSourceState{
			Symbol:      "GOOGL",
			Source:      "technical_analysis",
			Bias:        "bullish",
			ContentID:   "c1",
			LastUpdated: storedAt,
		},
		State: &models.MSymbolState{
			Symbol:    "GOOGL",
			CreatedAt: storedAt,
			UpdatedAt: storedAt,
		},
		ContentOutcomes: []models.MContentOutcome{
			{ContentID: "c1", Symbol: "GOOGL", Outcome: models.OutcomeOK},
		},
		CommittedAt: storedAt,
	}
	if err := db.CommitRefresh(batch); err != nil {
		t.Fatalf("CommitRefresh: %v", err)
	}

	levels, _ := db.LevelsForSymbol("GOOGL", "", false)
	if len(levels) != 1 {
		t.Fatalf("levels = %+v, want 1", levels)
	}
	state, _ := db.GetSymbolState("GOOGL")
	if state == nil || state.SourceStates["technical_analysis"].Bias != "bullish" {
		t.Fatalf("state not committed: %+v", state)
	}
	pending, _ := db.UnprocessedContentForSymbol("GOOGL")
	if len(pending) != 0 {
		t.Errorf("assignment not journaled: %+v", pending)
	}
}
