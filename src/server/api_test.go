package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"research-confluence/src/aggregation"
	"research-confluence/src/confluence"
	"research-confluence/src/logger"
	"research-confluence/src/models"
	"research-confluence/src/refresh"
	"research-confluence/src/symbols"
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

func newTestServer(db *fakeDB) *APIServer {
	cfg := &models.MConfig{
		LogLevel: "ERROR",
		Pipeline: models.MPipelineConfig{ConfirmTolerance: 0.005, ZoneTolerance: 0.01},
	}
	log := logger.NewLogger("ERROR", "test")
	norm := symbols.NewNormalizer([]models.MTrackedSymbol{
		{Symbol: "GOOGL"}, {Symbol: "NVDA"}, {Symbol: "SPY"},
	})
	locks := refresh.NewMemoryLockTable([]string{"GOOGL", "NVDA", "SPY"})
	calc := confluence.NewCalculator(cfg, log)
	agg := aggregation.NewAggregator(cfg, db, calc, log)
	return NewAPIServer(cfg, db, norm, locks, agg, log)
}

func seedAlignedState(db *fakeDB, symbol string, score float64, aligned bool) {
	s := score
	db.SaveSymbolState(&models.MSymbolState{
		Symbol:          symbol,
		SourceStates:    map[string]models.MSourceState{},
		SourcesAligned:  aligned,
		ConfluenceScore: &s,
	})
}

func do(s *APIServer, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

// -----------------------------------------------------------------------------
// Confluence listing
// -----------------------------------------------------------------------------

func TestGetConfluenceReturnsAlignedSortedByScore(t *testing.T) {
	db := newFakeDB()
	seedAlignedState(db, "GOOGL", 0.55, true)
	seedAlignedState(db, "NVDA", 0.9, true)
	// Conflicted symbol: explicit zero score, not aligned. Must not appear.
	seedAlignedState(db, "SPY", 0, false)
	// No score at all.
	db.SaveSymbolState(&models.MSymbolState{Symbol: "ARM", SourceStates: map[string]models.MSourceState{}})

	s := newTestServer(db)
	w := do(s, "GET", "/api/confluence", "")
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body struct {
		Confluence []models.MSymbolState `json:"confluence"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if len(body.Confluence) != 2 {
		t.Fatalf("entries = %d, want only the 2 aligned symbols", len(body.Confluence))
	}
	if body.Confluence[0].Symbol != "NVDA" || body.Confluence[1].Symbol != "GOOGL" {
		t.Errorf("order = [%s, %s], want strongest agreement first",
			body.Confluence[0].Symbol, body.Confluence[1].Symbol)
	}
}

// -----------------------------------------------------------------------------
// Level corrections
// -----------------------------------------------------------------------------

func seedPatchableLevel(db *fakeDB) *models.MLevel {
	upper := 172.0
	l := &models.MLevel{
		Symbol:     "GOOGL",
		Source:     "technical_analysis",
		LevelType:  models.LevelSupport,
		Direction:  models.DirectionBullishReversal,
		Price:      170,
		PriceUpper: &upper,
		IsActive:   true,
	}
	db.SaveLevel(l)
	db.SaveSymbolState(&models.MSymbolState{
		Symbol: "GOOGL",
		SourceStates: map[string]models.MSourceState{
			"technical_analysis": {Symbol: "GOOGL", Source: "technical_analysis"},
		},
	})
	return l
}

func TestPatchLevelRejectsInvertedZone(t *testing.T) {
	db := newFakeDB()
	level := seedPatchableLevel(db)
	s := newTestServer(db)

	// Upper edge pushed below the price.
	w := do(s, "PATCH", "/api/levels/1", `{"price_upper": 150}`)
	if w.Code != 400 {
		t.Fatalf("status = %d, want 400 for an inverted zone", w.Code)
	}

	// Same inversion reached through the other edge.
	w = do(s, "PATCH", "/api/levels/1", `{"price": 180}`)
	if w.Code != 400 {
		t.Fatalf("status = %d, want 400 when price overtakes price_upper", w.Code)
	}

	stored, _ := db.GetLevel(level.ID)
	if stored.Price != 170 || stored.PriceUpper == nil || *stored.PriceUpper != 172 {
		t.Errorf("rejected patch must not persist: %+v", stored)
	}
}

func TestPatchLevelAppliesValidCorrection(t *testing.T) {
	db := newFakeDB()
	level := seedPatchableLevel(db)
	s := newTestServer(db)

	w := do(s, "PATCH", "/api/levels/1", `{"price": 171, "needs_review": false}`)
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	stored, _ := db.GetLevel(level.ID)
	if stored.Price != 171 {
		t.Errorf("price = %v, want 171", stored.Price)
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func TestHealthReportsHubConnectionCount(t *testing.T) {
	s := newTestServer(newFakeDB())
	s.setConnections(2)

	w := do(s, "GET", "/api/health", "")
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body struct {
		Connections int `json:"connections"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if body.Connections != 2 {
		t.Errorf("connections = %d, want 2", body.Connections)
	}
}

// -----------------------------------------------------------------------------
// Shutdown
// -----------------------------------------------------------------------------

func TestPublishAfterStopDoesNotPanic(t *testing.T) {
	s := newTestServer(newFakeDB())
	go s.handleWebsockets()

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stop is idempotent.
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	// A refresh finishing after shutdown still lands in the snapshot cache
	// without touching a closed channel.
	s.PublishState(&models.MSymbolState{Symbol: "GOOGL"})

	s.stateMutex.RLock()
	_, cached := s.states["GOOGL"]
	s.stateMutex.RUnlock()
	if !cached {
		t.Error("late publish must still update the snapshot cache")
	}
}
