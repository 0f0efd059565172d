package storage

import (
	"database/sql"
	"fmt"
	"time"

	"research-confluence/src/helpers"
	"research-confluence/src/logger"
	"research-confluence/src/models"

	_ "modernc.org/sqlite"
)

// -----------------------------------------------------------------------------

type SQLiteDB struct {
	Config *models.MConfig
	DB     *sql.DB
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewSQLiteDB(cfg *models.MConfig, log *logger.Logger) (*SQLiteDB, error) {
	return &SQLiteDB{
		Config: cfg,
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteDB) Initialize() error {
	db, err := sql.Open("sqlite", d.Config.Storage.DBPath)
	if err != nil {
		return helpers.NewDatabaseError("failed to open sqlite database", err)
	}

	if err := db.Ping(); err != nil {
		return helpers.NewDatabaseError("sqlite database unreachable", err)
	}

	d.DB = db

	// PRAGMA optimizations
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		d.Logger.Warning("Failed to set WAL mode: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL;"); err != nil {
		d.Logger.Warning("Failed to set synchronous mode: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		d.Logger.Warning("Failed to enable foreign keys: %v", err)
	}

	return d.createTables()
}

// -----------------------------------------------------------------------------

// createTables uses IF NOT EXISTS throughout: levels are long-lived facts
// and must survive restarts.
func (d *SQLiteDB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS content_items (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			content_type TEXT NOT NULL,
			text TEXT,
			image_ref TEXT,
			published_at INTEGER,
			received_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS content_assignments (
			content_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			processed_at INTEGER,
			outcome TEXT NOT NULL DEFAULT 'unprocessed',
			error TEXT,
			PRIMARY KEY (content_id, symbol)
		);`,
		`CREATE TABLE IF NOT EXISTS levels (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			source TEXT NOT NULL,
			level_type TEXT NOT NULL,
			price REAL NOT NULL,
			price_upper REAL,
			direction TEXT NOT NULL,
			significance TEXT,
			wave_context TEXT,
			options_context TEXT,
			fib_level TEXT,
			confidence REAL,
			context_snippet TEXT,
			extraction_method TEXT,
			content_id TEXT,
			needs_review INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			invalidation_price REAL,
			invalidated_at INTEGER,
			invalidation_reason TEXT,
			created_at INTEGER NOT NULL,
			last_confirmed_at INTEGER NOT NULL,
			is_stale INTEGER NOT NULL DEFAULT 0,
			stale_reason TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_levels_symbol ON levels (symbol, source, is_active);`,
		`CREATE TABLE IF NOT EXISTS source_states (
			symbol TEXT NOT NULL,
			source TEXT NOT NULL,
			bias TEXT,
			structural_phase TEXT,
			primary_target REAL,
			primary_support REAL,
			primary_invalidation REAL,
			notes TEXT,
			content_id TEXT,
			last_updated INTEGER NOT NULL,
			is_stale INTEGER NOT NULL DEFAULT 0,
			stale_reason TEXT,
			PRIMARY KEY (symbol, source)
		);`,
		`CREATE TABLE IF NOT EXISTS symbol_states (
			symbol TEXT PRIMARY KEY,
			sources_aligned INTEGER NOT NULL DEFAULT 0,
			confluence_score REAL,
			confluence_summary TEXT,
			trade_setup TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := d.DB.Exec(q); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Content journal
// -----------------------------------------------------------------------------

func (d *SQLiteDB) SaveContentItem(item *models.MContentItem, symbols []string) error {
	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO content_items (id, source, content_type, text, image_ref, published_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING;`,
		item.ID, item.Source, item.ContentType, item.Text, item.ImageRef,
		item.PublishedAt.Unix(), item.ReceivedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save content item %s: %w", item.ID, err)
	}

	for _, symbol := range symbols {
		_, err = tx.Exec(`
			INSERT INTO content_assignments (content_id, symbol, outcome)
			VALUES (?, ?, ?)
			ON CONFLICT(content_id, symbol) DO NOTHING;`,
			item.ID, symbol, models.OutcomeUnprocessed)
		if err != nil {
			return fmt.Errorf("failed to assign content %s to %s: %w", item.ID, symbol, err)
		}
	}

	return tx.Commit()
}

// -----------------------------------------------------------------------------

func (d *SQLiteDB) MarkAssignmentProcessed(contentID, symbol, outcome, errMsg string, at time.Time) error {
	_, err := d.DB.Exec(`
		UPDATE content_assignments
		SET processed_at = ?, outcome = ?, error = ?
		WHERE content_id = ? AND symbol = ?;`,
		at.Unix(), outcome, errMsg, contentID, symbol)
	return err
}

// -----------------------------------------------------------------------------

func (d *SQLiteDB) UnprocessedContentForSymbol(symbol string) ([]models.MContentItem, error) {
	rows, err := d.DB.Query(`
		SELECT c.id, c.source, c.content_type, c.text, c.image_ref, c.published_at, c.received_at
		FROM content_items c
		JOIN content_assignments a ON a.content_id = c.id
		WHERE a.symbol = ? AND a.processed_at IS NULL
		ORDER BY c.received_at ASC;`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.MContentItem
	for rows.Next() {
		var item models.MContentItem
		var text, imageRef sql.NullString
		var published, received int64
		if err := rows.Scan(&item.ID, &item.Source, &item.ContentType, &text, &imageRef, &published, &received); err != nil {
			return nil, err
		}
		item.Text = text.String
		item.ImageRef = imageRef.String
		item.PublishedAt = time.Unix(published, 0).UTC()
		item.ReceivedAt = time.Unix(received, 0).UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

// -----------------------------------------------------------------------------
// Levels
// -----------------------------------------------------------------------------

const levelColumns = `symbol, source, level_type, price, price_upper, direction,
	significance, wave_context, options_context, fib_level, confidence,
	context_snippet, extraction_method, content_id, needs_review, is_active,
	invalidation_price, invalidated_at, invalidation_reason, created_at,
	last_confirmed_at, is_stale, stale_reason`

// -----------------------------------------------------------------------------

func (d *SQLiteDB) SaveLevel(level *models.MLevel) error {
	return insertLevel(d.DB, level)
}

func insertLevel(ex execer, level *models.MLevel) error {
	res, err := ex.Exec(`
		INSERT INTO levels (`+levelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		level.Symbol, level.Source, level.LevelType, level.Price, nullFloat(level.PriceUpper),
		level.Direction, level.Significance, level.WaveContext, level.OptionsContext,
		level.FibLevel, level.Confidence, level.ContextSnippet, level.ExtractionMethod,
		level.ContentID, level.NeedsReview, level.IsActive, nullFloat(level.InvalidationPrice),
		nullTime(level.InvalidatedAt), level.InvalidationReason, level.CreatedAt.Unix(),
		level.LastConfirmedAt.Unix(), level.IsStale, level.StaleReason)
	if err != nil {
		return fmt.Errorf("failed to insert level for %s: %w", level.Symbol, err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		level.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteDB) UpdateLevel(level *models.MLevel) error {
	return updateLevel(d.DB, level)
}

func updateLevel(ex execer, level *models.MLevel) error {
	_, err := ex.Exec(`
		UPDATE levels SET
			symbol = ?, source = ?, level_type = ?, price = ?, price_upper = ?,
			direction = ?, significance = ?, wave_context = ?, options_context = ?,
			fib_level = ?, confidence = ?, context_snippet = ?, extraction_method = ?,
			content_id = ?, needs_review = ?, is_active = ?, invalidation_price = ?,
			invalidated_at = ?, invalidation_reason = ?, created_at = ?,
			last_confirmed_at = ?, is_stale = ?, stale_reason = ?
		WHERE id = ?;`,
		level.Symbol, level.Source, level.LevelType, level.Price, nullFloat(level.PriceUpper),
		level.Direction, level.Significance, level.WaveContext, level.OptionsContext,
		level.FibLevel, level.Confidence, level.ContextSnippet, level.ExtractionMethod,
		level.ContentID, level.NeedsReview, level.IsActive, nullFloat(level.InvalidationPrice),
		nullTime(level.InvalidatedAt), level.InvalidationReason, level.CreatedAt.Unix(),
		level.LastConfirmedAt.Unix(), level.IsStale, level.StaleReason, level.ID)
	if err != nil {
		return fmt.Errorf("failed to update level %d: %w", level.ID, err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteDB) GetLevel(id int64) (*models.MLevel, error) {
	row := d.DB.QueryRow(`SELECT id, `+levelColumns+` FROM levels WHERE id = ?;`, id)
	level, err := scanLevel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return level, nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteDB) LevelsForSymbol(symbol, source string, includeInactive bool) ([]models.MLevel, error) {
	query := `SELECT id, ` + levelColumns + ` FROM levels WHERE symbol = ?`
	args := []interface{}{symbol}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, source)
	}
	if !includeInactive {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY created_at ASC;`

	rows, err := d.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLevels(rows)
}

// -----------------------------------------------------------------------------

func (d *SQLiteDB) ActiveLevels() ([]models.MLevel, error) {
	rows, err := d.DB.Query(`SELECT id, ` + levelColumns + ` FROM levels WHERE is_active = 1 ORDER BY symbol, created_at;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLevels(rows)
}

// -----------------------------------------------------------------------------
// Symbol state
// -----------------------------------------------------------------------------

func (d *SQLiteDB) SaveSymbolState(state *models.MSymbolState) error {
	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertSymbolState(tx, state); err != nil {
		return err
	}
	for _, ss := range state.SourceStates {
		if err := upsertSourceState(tx, &ss); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertSymbolState(ex execer, state *models.MSymbolState) error {
	setup, err := marshalSetup(state.TradeSetup)
	if err != nil {
		return err
	}
	_, err = ex.Exec(`
		INSERT INTO symbol_states (symbol, sources_aligned, confluence_score, confluence_summary, trade_setup, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			sources_aligned = excluded.sources_aligned,
			confluence_score = excluded.confluence_score,
			confluence_summary = excluded.confluence_summary,
			trade_setup = excluded.trade_setup,
			updated_at = excluded.updated_at;`,
		state.Symbol, state.SourcesAligned, nullFloat(state.ConfluenceScore),
		state.ConfluenceSummary, setup, state.CreatedAt.Unix(), state.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert symbol state %s: %w", state.Symbol, err)
	}
	return nil
}

func upsertSourceState(ex execer, ss *models.MSourceState) error {
	_, err := ex.Exec(`
		INSERT INTO source_states (symbol, source, bias, structural_phase, primary_target,
			primary_support, primary_invalidation, notes, content_id, last_updated, is_stale, stale_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, source) DO UPDATE SET
			bias = excluded.bias,
			structural_phase = excluded.structural_phase,
			primary_target = excluded.primary_target,
			primary_support = excluded.primary_support,
			primary_invalidation = excluded.primary_invalidation,
			notes = excluded.notes,
			content_id = excluded.content_id,
			last_updated = excluded.last_updated,
			is_stale = excluded.is_stale,
			stale_reason = excluded.stale_reason;`,
		ss.Symbol, ss.Source, ss.Bias, ss.StructuralPhase, nullFloat(ss.PrimaryTarget),
		nullFloat(ss.PrimarySupport), nullFloat(ss.PrimaryInvalidation), ss.Notes,
		ss.ContentID, ss.LastUpdated.Unix(), ss.IsStale, ss.StaleReason)
	if err != nil {
		return fmt.Errorf("failed to upsert source state %s/%s: %w", ss.Symbol, ss.Source, err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteDB) GetSymbolState(symbol string) (*models.MSymbolState, error) {
	row := d.DB.QueryRow(`
		SELECT symbol, sources_aligned, confluence_score, confluence_summary, trade_setup, created_at, updated_at
		FROM symbol_states WHERE symbol = ?;`, symbol)

	state, err := scanSymbolState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := d.attachSourceStates(state); err != nil {
		return nil, err
	}
	return state, nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteDB) AllSymbolStates() ([]models.MSymbolState, error) {
	rows, err := d.DB.Query(`
		SELECT symbol, sources_aligned, confluence_score, confluence_summary, trade_setup, created_at, updated_at
		FROM symbol_states ORDER BY symbol;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []models.MSymbolState
	for rows.Next() {
		state, err := scanSymbolState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *state)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range states {
		if err := d.attachSourceStates(&states[i]); err != nil {
			return nil, err
		}
	}
	return states, nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteDB) attachSourceStates(state *models.MSymbolState) error {
	rows, err := d.DB.Query(`
		SELECT symbol, source, bias, structural_phase, primary_target, primary_support,
			primary_invalidation, notes, content_id, last_updated, is_stale, stale_reason
		FROM source_states WHERE symbol = ?;`, state.Symbol)
	if err != nil {
		return err
	}
	defer rows.Close()

	state.SourceStates = make(map[string]models.MSourceState)
	for rows.Next() {
		ss, err := scanSourceState(rows)
		if err != nil {
			return err
		}
		state.SourceStates[ss.Source] = *ss
	}
	return rows.Err()
}

// -----------------------------------------------------------------------------
// Atomic refresh commit
// -----------------------------------------------------------------------------

// CommitRefresh persists one refresh write set in a single transaction:
// a reader sees all of the refresh or none of it.
func (d *SQLiteDB) CommitRefresh(batch *models.MRefreshBatch) error {
	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, level := range batch.NewLevels {
		if err := insertLevel(tx, level); err != nil {
			return err
		}
	}
	for _, level := range batch.ConfirmedLevels {
		if err := updateLevel(tx, level); err != nil {
			return err
		}
	}
	if batch.SourceState != nil {
		if err := upsertSourceState(tx, batch.SourceState); err != nil {
			return err
		}
	}
	if batch.State != nil {
		if err := upsertSymbolState(tx, batch.State); err != nil {
			return err
		}
	}
	for _, co := range batch.ContentOutcomes {
		_, err := tx.Exec(`
			UPDATE content_assignments
			SET processed_at = ?, outcome = ?, error = ?
			WHERE content_id = ? AND symbol = ?;`,
			batch.CommittedAt.Unix(), co.Outcome, co.Error, co.ContentID, co.Symbol)
		if err != nil {
			return fmt.Errorf("failed to journal outcome for %s/%s: %w", co.ContentID, co.Symbol, err)
		}
	}

	return tx.Commit()
}

// -----------------------------------------------------------------------------

func (d *SQLiteDB) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
