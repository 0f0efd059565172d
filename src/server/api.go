package server

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"research-confluence/src/aggregation"
	"research-confluence/src/interfaces"
	"research-confluence/src/logger"
	"research-confluence/src/models"
	"research-confluence/src/refresh"
	"research-confluence/src/symbols"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// APIServer
// -----------------------------------------------------------------------------

type APIServer struct {
	Config     *models.MConfig
	Logger     *logger.Logger
	DB         interfaces.IDatabase
	Controller *refresh.Controller
	Aggregator *aggregation.Aggregator
	Normalizer *symbols.Normalizer
	Locks      interfaces.ISymbolLockTable
	engine     *gin.Engine

	// WebSocket clients. The map is owned by the hub goroutine; the counter
	// mirrors its size under stateMutex for handlers that only need a number.
	clients     map[*Client]struct{}
	connections int
	broadcast   chan *models.MStateUpdate
	register    chan *Client
	unregister  chan *Client
	done        chan struct{}
	stopOnce    sync.Once

	// Local snapshot of symbol states, keyed by canonical symbol
	states     map[string]models.MSymbolState
	stateMutex sync.RWMutex
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

func NewAPIServer(
	cfg *models.MConfig,
	db interfaces.IDatabase,
	norm *symbols.Normalizer,
	locks interfaces.ISymbolLockTable,
	agg *aggregation.Aggregator,
	log *logger.Logger,
) *APIServer {
	if cfg.LogLevel != "DEBUG" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &APIServer{
		Config:     cfg,
		Logger:     log,
		DB:         db,
		Normalizer: norm,
		Locks:      locks,
		Aggregator: agg,
		engine:     gin.Default(),
		clients:    make(map[*Client]struct{}),
		// Buffered so a burst of committed refreshes never blocks the pipeline
		broadcast:  make(chan *models.MStateUpdate, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		states:     make(map[string]models.MSymbolState),
	}

	// CORS middleware for local dashboards
	s.engine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if strings.HasPrefix(origin, "http://127.0.0.1:") || strings.HasPrefix(origin, "http://localhost:") {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PATCH, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	s.setupRoutes()
	return s
}

// -----------------------------------------------------------------------------
// Route Setup
// -----------------------------------------------------------------------------

func (s *APIServer) setupRoutes() {
	s.engine.GET("/api/health", s.getHealth)
	s.engine.GET("/api/config", s.getConfig)
	s.engine.GET("/api/symbols", s.getSymbols)
	s.engine.GET("/api/symbols/:symbol", s.getSymbol)
	s.engine.GET("/api/symbols/:symbol/levels", s.getLevels)
	s.engine.GET("/api/confluence", s.getConfluence)
	s.engine.POST("/api/symbols/:symbol/refresh", s.postRefresh)
	s.engine.POST("/api/content", s.postContent)
	s.engine.PATCH("/api/levels/:id", s.patchLevel)
	s.engine.DELETE("/api/levels/:id", s.deleteLevel)

	// WebSocket endpoint
	s.engine.GET("/ws", s.handleWebSocket)
}

// -----------------------------------------------------------------------------
// Server Lifecycle
// -----------------------------------------------------------------------------

func (s *APIServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.Config.Host, s.Config.Port)
	s.Logger.Info("Starting server on %s", addr)

	go s.handleWebsockets()

	return s.engine.Run(addr)
}

// -----------------------------------------------------------------------------

// Stop signals the hub loop to drain. The channels themselves are never
// closed: publishers and connecting clients select on done instead, so a
// refresh finishing mid-shutdown cannot send on a closed channel.
func (s *APIServer) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

// -----------------------------------------------------------------------------
// Route Handlers
// -----------------------------------------------------------------------------

func (s *APIServer) getHealth(c *gin.Context) {
	s.stateMutex.RLock()
	connections := s.connections
	tracked := len(s.states)
	s.stateMutex.RUnlock()

	c.JSON(200, gin.H{
		"status":          "ok",
		"connections":     connections,
		"tracked_symbols": tracked,
	})
}

// -----------------------------------------------------------------------------

func (s *APIServer) getConfig(c *gin.Context) {
	sources := make([]string, 0, len(s.Config.Sources))
	for _, src := range s.Config.Sources {
		sources = append(sources, src.Name)
	}
	c.JSON(200, gin.H{
		"tracked_symbols": s.Normalizer.Tracked(),
		"sources":         sources,
	})
}

// -----------------------------------------------------------------------------

func (s *APIServer) getSymbols(c *gin.Context) {
	states, err := s.DB.AllSymbolStates()
	if err != nil {
		s.Logger.Error("Failed to load symbol states: %v", err)
		c.JSON(500, gin.H{"error": "failed to load symbol states"})
		return
	}
	c.JSON(200, gin.H{"symbols": states})
}

// -----------------------------------------------------------------------------

// getSymbol returns one consolidated state plus explicit staleness warnings
// so a consumer can never mistake old data for fresh.
func (s *APIServer) getSymbol(c *gin.Context) {
	symbol, ok := s.Normalizer.Normalize(c.Param("symbol"))
	if !ok {
		c.JSON(404, gin.H{"error": "unknown symbol"})
		return
	}

	state, err := s.DB.GetSymbolState(symbol)
	if err != nil {
		s.Logger.Error("Failed to load state for %s: %v", symbol, err)
		c.JSON(500, gin.H{"error": "failed to load symbol state"})
		return
	}
	if state == nil {
		c.JSON(404, gin.H{"error": "no state for symbol", "symbol": symbol})
		return
	}

	c.JSON(200, gin.H{
		"state":          state,
		"fresh_sources":  state.FreshSources(),
		"stale_warnings": state.StaleWarnings(),
	})
}

// -----------------------------------------------------------------------------

func (s *APIServer) getLevels(c *gin.Context) {
	symbol, ok := s.Normalizer.Normalize(c.Param("symbol"))
	if !ok {
		c.JSON(404, gin.H{"error": "unknown symbol"})
		return
	}

	source := c.Query("source")
	includeInactive := c.Query("include_inactive") == "true"

	levels, err := s.DB.LevelsForSymbol(symbol, source, includeInactive)
	if err != nil {
		s.Logger.Error("Failed to load levels for %s: %v", symbol, err)
		c.JSON(500, gin.H{"error": "failed to load levels"})
		return
	}
	c.JSON(200, gin.H{"symbol": symbol, "levels": levels})
}

// -----------------------------------------------------------------------------

// getConfluence returns the symbols whose sources currently agree, strongest
// agreement first.
func (s *APIServer) getConfluence(c *gin.Context) {
	states, err := s.DB.AllSymbolStates()
	if err != nil {
		s.Logger.Error("Failed to load symbol states: %v", err)
		c.JSON(500, gin.H{"error": "failed to load symbol states"})
		return
	}

	aligned := make([]models.MSymbolState, 0)
	for _, st := range states {
		if st.SourcesAligned && st.ConfluenceScore != nil {
			aligned = append(aligned, st)
		}
	}
	sort.Slice(aligned, func(i, j int) bool {
		return *aligned[i].ConfluenceScore > *aligned[j].ConfluenceScore
	})
	c.JSON(200, gin.H{"confluence": aligned})
}

// -----------------------------------------------------------------------------

func (s *APIServer) postRefresh(c *gin.Context) {
	symbol, ok := s.Normalizer.Normalize(c.Param("symbol"))
	if !ok {
		c.JSON(404, gin.H{"error": "unknown symbol"})
		return
	}

	outcome := s.Controller.RefreshSymbol(c.Request.Context(), symbol)
	switch outcome.Status {
	case models.RefreshNotFound:
		c.JSON(404, outcome)
	case models.RefreshAlreadyRefreshing:
		c.JSON(409, outcome)
	case models.RefreshFailed:
		c.JSON(502, outcome)
	default:
		c.JSON(200, outcome)
	}
}

// -----------------------------------------------------------------------------
// Content ingestion
// -----------------------------------------------------------------------------

// postContent journals a new content item and assigns it to every tracked
// symbol it concerns, then kicks off background refreshes for those symbols.
func (s *APIServer) postContent(c *gin.Context) {
	var item models.MContentItem
	if err := c.ShouldBindJSON(&item); err != nil {
		c.JSON(400, gin.H{"error": fmt.Sprintf("invalid content item: %v", err)})
		return
	}

	if !models.ValidContentType(item.ContentType) {
		c.JSON(400, gin.H{"error": "unknown content_type: " + item.ContentType})
		return
	}
	if item.Source == "" {
		c.JSON(400, gin.H{"error": "source is required"})
		return
	}
	if models.TextBased(item.ContentType) && item.Text == "" {
		c.JSON(400, gin.H{"error": "text is required for " + item.ContentType})
		return
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = time.Now().UTC()
	}
	if item.PublishedAt.IsZero() {
		item.PublishedAt = item.ReceivedAt
	}

	assigned := s.assignSymbols(&item)
	if err := s.DB.SaveContentItem(&item, assigned); err != nil {
		s.Logger.Error("Failed to journal content %s: %v", item.ID, err)
		c.JSON(500, gin.H{"error": "failed to save content item"})
		return
	}

	// Refreshes run detached from the request. An "already_refreshing"
	// result here is fine: the pending assignment survives for a later run.
	for _, symbol := range assigned {
		go func(sym string) {
			s.Controller.RefreshSymbol(context.Background(), sym)
		}(symbol)
	}

	c.JSON(202, gin.H{
		"id":               item.ID,
		"assigned_symbols": assigned,
	})
}

// -----------------------------------------------------------------------------

// assignSymbols unions the caller-provided hints with alias mentions found
// in the text. Hints are the only assignment path for image content.
func (s *APIServer) assignSymbols(item *models.MContentItem) []string {
	set := make(map[string]struct{})
	for _, hint := range item.SymbolHints {
		if canonical, ok := s.Normalizer.Normalize(hint); ok {
			set[canonical] = struct{}{}
		} else {
			s.Logger.Warning("Content %s hints at untracked symbol %q, ignored", item.ID, hint)
		}
	}
	if item.Text != "" {
		for _, mention := range s.Normalizer.FindMentions(item.Text) {
			set[mention] = struct{}{}
		}
	}

	assigned := make([]string, 0, len(set))
	for symbol := range set {
		assigned = append(assigned, symbol)
	}
	return assigned
}

// -----------------------------------------------------------------------------
// Level corrections
// -----------------------------------------------------------------------------

type levelPatch struct {
	Price             *float64 `json:"price"`
	PriceUpper        *float64 `json:"price_upper"`
	Direction         *string  `json:"direction"`
	LevelType         *string  `json:"level_type"`
	InvalidationPrice *float64 `json:"invalidation_price"`
	NeedsReview       *bool    `json:"needs_review"`
	IsActive          *bool    `json:"is_active"`
}

// patchLevel applies a manual correction. The edit runs under the symbol
// lock so it never interleaves with a refresh, and the consolidated state
// is recomputed immediately afterwards.
func (s *APIServer) patchLevel(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid level id"})
		return
	}

	var patch levelPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(400, gin.H{"error": fmt.Sprintf("invalid patch: %v", err)})
		return
	}
	if patch.Direction != nil && !models.ValidDirection(*patch.Direction) {
		c.JSON(400, gin.H{"error": "unknown direction: " + *patch.Direction})
		return
	}
	if patch.LevelType != nil && !models.ValidLevelType(*patch.LevelType) {
		c.JSON(400, gin.H{"error": "unknown level_type: " + *patch.LevelType})
		return
	}
	if patch.Price != nil && *patch.Price <= 0 {
		c.JSON(400, gin.H{"error": "price must be positive"})
		return
	}

	s.correctLevel(c, id, func(level *models.MLevel) error {
		if patch.Price != nil {
			level.Price = *patch.Price
		}
		if patch.PriceUpper != nil {
			level.PriceUpper = patch.PriceUpper
		}
		if patch.Direction != nil {
			level.Direction = *patch.Direction
		}
		if patch.LevelType != nil {
			level.LevelType = *patch.LevelType
		}
		if patch.InvalidationPrice != nil {
			level.InvalidationPrice = patch.InvalidationPrice
		}
		if patch.NeedsReview != nil {
			level.NeedsReview = *patch.NeedsReview
		}
		if patch.IsActive != nil {
			level.IsActive = *patch.IsActive
			if !*patch.IsActive {
				now := time.Now().UTC()
				level.InvalidatedAt = &now
				level.InvalidationReason = "manually deactivated"
			}
		}
		// The patched row must still satisfy the same rules a fresh
		// extraction is held to, whichever fields the caller combined.
		return checkPatchedLevel(level)
	})
}

// -----------------------------------------------------------------------------

func checkPatchedLevel(level *models.MLevel) error {
	for name, p := range map[string]*float64{
		"price_upper":        level.PriceUpper,
		"invalidation_price": level.InvalidationPrice,
	} {
		if p != nil && (math.IsNaN(*p) || math.IsInf(*p, 0)) {
			return fmt.Errorf("%s must be a finite number", name)
		}
	}
	if math.IsNaN(level.Price) || math.IsInf(level.Price, 0) {
		return fmt.Errorf("price must be a finite number")
	}
	if level.PriceUpper != nil && *level.PriceUpper <= level.Price {
		return fmt.Errorf("price_upper (%.4f) must be above price (%.4f)", *level.PriceUpper, level.Price)
	}
	return nil
}

// -----------------------------------------------------------------------------

// deleteLevel soft-deactivates a level. Rows are never removed: the level
// stays queryable with include_inactive=true.
func (s *APIServer) deleteLevel(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid level id"})
		return
	}

	s.correctLevel(c, id, func(level *models.MLevel) error {
		now := time.Now().UTC()
		level.IsActive = false
		level.InvalidatedAt = &now
		level.InvalidationReason = "manually deactivated"
		return nil
	})
}

// -----------------------------------------------------------------------------

func (s *APIServer) correctLevel(c *gin.Context, id int64, apply func(*models.MLevel) error) {
	level, err := s.DB.GetLevel(id)
	if err != nil {
		s.Logger.Error("Failed to load level %d: %v", id, err)
		c.JSON(500, gin.H{"error": "failed to load level"})
		return
	}
	if level == nil {
		c.JSON(404, gin.H{"error": "level not found"})
		return
	}

	if !s.Locks.TryLock(level.Symbol) {
		c.JSON(409, gin.H{"error": "symbol is refreshing, retry shortly", "symbol": level.Symbol})
		return
	}
	defer s.Locks.Unlock(level.Symbol)

	if err := apply(level); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	if err := s.DB.UpdateLevel(level); err != nil {
		s.Logger.Error("Failed to update level %d: %v", id, err)
		c.JSON(500, gin.H{"error": "failed to update level"})
		return
	}

	state, err := s.Aggregator.Rescore(level.Symbol)
	if err != nil {
		s.Logger.Error("Rescore after correction failed for %s: %v", level.Symbol, err)
		c.JSON(500, gin.H{"error": "level updated but rescore failed"})
		return
	}
	s.PublishState(state)

	c.JSON(200, gin.H{"level": level, "state": state})
}
