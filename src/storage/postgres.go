package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"research-confluence/src/helpers"
	"research-confluence/src/logger"
	"research-confluence/src/models"

	_ "github.com/lib/pq"
)

// -----------------------------------------------------------------------------

type PostgresDB struct {
	Config *models.MConfig
	DB     *sql.DB
	Schema string
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewPostgresDB(cfg *models.MConfig, log *logger.Logger) (*PostgresDB, error) {
	// Schema per deployment, named after the executable
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable name: %w", err)
	}
	name := filepath.Base(exe)
	name = strings.TrimSuffix(name, filepath.Ext(name))

	return &PostgresDB{
		Config: cfg,
		Schema: name,
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) Initialize() error {
	dsn := d.Config.Storage.DBConnectionString
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return helpers.NewDatabaseError("failed to open postgres connection", err)
	}

	if err := db.Ping(); err != nil {
		return helpers.NewDatabaseError("postgres unreachable", err)
	}

	d.DB = db

	if _, err := d.DB.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, d.Schema)); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", d.Schema, err)
	}

	if err := d.createTables(); err != nil {
		return err
	}

	d.Logger.Info("PostgresDB initialized successfully (Schema: %s)", d.Schema)
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) table(name string) string {
	return fmt.Sprintf(`"%s"."%s"`, d.Schema, name)
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) createTables() error {
	queries := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			content_type TEXT NOT NULL,
			text TEXT,
			image_ref TEXT,
			published_at BIGINT,
			received_at BIGINT
		);`, d.table("content_items")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			content_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			processed_at BIGINT,
			outcome TEXT NOT NULL DEFAULT 'unprocessed',
			error TEXT,
			PRIMARY KEY (content_id, symbol)
		);`, d.table("content_assignments")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			symbol TEXT NOT NULL,
			source TEXT NOT NULL,
			level_type TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			price_upper DOUBLE PRECISION,
			direction TEXT NOT NULL,
			significance TEXT,
			wave_context TEXT,
			options_context TEXT,
			fib_level TEXT,
			confidence DOUBLE PRECISION,
			context_snippet TEXT,
			extraction_method TEXT,
			content_id TEXT,
			needs_review BOOLEAN NOT NULL DEFAULT FALSE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			invalidation_price DOUBLE PRECISION,
			invalidated_at BIGINT,
			invalidation_reason TEXT,
			created_at BIGINT NOT NULL,
			last_confirmed_at BIGINT NOT NULL,
			is_stale BOOLEAN NOT NULL DEFAULT FALSE,
			stale_reason TEXT
		);`, d.table("levels")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_levels_symbol ON %s (symbol, source, is_active);`, d.table("levels")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			symbol TEXT NOT NULL,
			source TEXT NOT NULL,
			bias TEXT,
			structural_phase TEXT,
			primary_target DOUBLE PRECISION,
			primary_support DOUBLE PRECISION,
			primary_invalidation DOUBLE PRECISION,
			notes TEXT,
			content_id TEXT,
			last_updated BIGINT NOT NULL,
			is_stale BOOLEAN NOT NULL DEFAULT FALSE,
			stale_reason TEXT,
			PRIMARY KEY (symbol, source)
		);`, d.table("source_states")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			symbol TEXT PRIMARY KEY,
			sources_aligned BOOLEAN NOT NULL DEFAULT FALSE,
			confluence_score DOUBLE PRECISION,
			confluence_summary TEXT,
			trade_setup TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`, d.table("symbol_states")),
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

func (d *PostgresDB) SaveContentItem(item *models.MContentItem, symbols []string) error {
	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(fmt.Sprintf(`
		INSERT INTO %s (id, source, content_type, text, image_ref, published_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING;`, d.table("content_items")),
		item.ID, item.Source, item.ContentType, item.Text, item.ImageRef,
		item.PublishedAt.Unix(), item.ReceivedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save content item %s: %w", item.ID, err)
	}

	for _, symbol := range symbols {
		_, err = tx.Exec(fmt.Sprintf(`
			INSERT INTO %s (content_id, symbol, outcome)
			VALUES ($1, $2, $3)
			ON CONFLICT (content_id, symbol) DO NOTHING;`, d.table("content_assignments")),
			item.ID, symbol, models.OutcomeUnprocessed)
		if err != nil {
			return fmt.Errorf("failed to assign content %s to %s: %w", item.ID, symbol, err)
		}
	}

	return tx.Commit()
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) MarkAssignmentProcessed(contentID, symbol, outcome, errMsg string, at time.Time) error {
	_, err := d.DB.Exec(fmt.Sprintf(`
		UPDATE %s SET processed_at = $1, outcome = $2, error = $3
		WHERE content_id = $4 AND symbol = $5;`, d.table("content_assignments")),
		at.Unix(), outcome, errMsg, contentID, symbol)
	return err
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) UnprocessedContentForSymbol(symbol string) ([]models.MContentItem, error) {
	rows, err := d.DB.Query(fmt.Sprintf(`
		SELECT c.id, c.source, c.content_type, c.text, c.image_ref, c.published_at, c.received_at
		FROM %s c
		JOIN %s a ON a.content_id = c.id
		WHERE a.symbol = $1 AND a.processed_at IS NULL
		ORDER BY c.received_at ASC;`, d.table("content_items"), d.table("content_assignments")), symbol)
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

type pgQuerier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// lib/pq does not support LastInsertId, so inserts go through RETURNING.
func (d *PostgresDB) insertLevel(q pgQuerier, level *models.MLevel) error {
	err := q.QueryRow(fmt.Sprintf(`
		INSERT INTO %s (`+levelColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		RETURNING id;`, d.table("levels")),
		level.Symbol, level.Source, level.LevelType, level.Price, nullFloat(level.PriceUpper),
		level.Direction, level.Significance, level.WaveContext, level.OptionsContext,
		level.FibLevel, level.Confidence, level.ContextSnippet, level.ExtractionMethod,
		level.ContentID, level.NeedsReview, level.IsActive, nullFloat(level.InvalidationPrice),
		nullTime(level.InvalidatedAt), level.InvalidationReason, level.CreatedAt.Unix(),
		level.LastConfirmedAt.Unix(), level.IsStale, level.StaleReason).Scan(&level.ID)
	if err != nil {
		return fmt.Errorf("failed to insert level for %s: %w", level.Symbol, err)
	}
	return nil
}

func (d *PostgresDB) SaveLevel(level *models.MLevel) error {
	return d.insertLevel(d.DB, level)
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) updateLevel(ex execer, level *models.MLevel) error {
	_, err := ex.Exec(fmt.Sprintf(`
		UPDATE %s SET
			symbol = $1, source = $2, level_type = $3, price = $4, price_upper = $5,
			direction = $6, significance = $7, wave_context = $8, options_context = $9,
			fib_level = $10, confidence = $11, context_snippet = $12, extraction_method = $13,
			content_id = $14, needs_review = $15, is_active = $16, invalidation_price = $17,
			invalidated_at = $18, invalidation_reason = $19, created_at = $20,
			last_confirmed_at = $21, is_stale = $22, stale_reason = $23
		WHERE id = $24;`, d.table("levels")),
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

func (d *PostgresDB) UpdateLevel(level *models.MLevel) error {
	return d.updateLevel(d.DB, level)
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) GetLevel(id int64) (*models.MLevel, error) {
	row := d.DB.QueryRow(fmt.Sprintf(`SELECT id, `+levelColumns+` FROM %s WHERE id = $1;`, d.table("levels")), id)
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

func (d *PostgresDB) LevelsForSymbol(symbol, source string, includeInactive bool) ([]models.MLevel, error) {
	query := fmt.Sprintf(`SELECT id, `+levelColumns+` FROM %s WHERE symbol = $1`, d.table("levels"))
	args := []interface{}{symbol}
	if source != "" {
		query += fmt.Sprintf(` AND source = $%d`, len(args)+1)
		args = append(args, source)
	}
	if !includeInactive {
		query += ` AND is_active = TRUE`
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

func (d *PostgresDB) ActiveLevels() ([]models.MLevel, error) {
	rows, err := d.DB.Query(fmt.Sprintf(`SELECT id, `+levelColumns+` FROM %s WHERE is_active = TRUE ORDER BY symbol, created_at;`, d.table("levels")))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLevels(rows)
}

// -----------------------------------------------------------------------------
// Symbol state
// -----------------------------------------------------------------------------

func (d *PostgresDB) upsertSymbolState(ex execer, state *models.MSymbolState) error {
	setup, err := marshalSetup(state.TradeSetup)
	if err != nil {
		return err
	}
	_, err = ex.Exec(fmt.Sprintf(`
		INSERT INTO %s (symbol, sources_aligned, confluence_score, confluence_summary, trade_setup, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol) DO UPDATE SET
			sources_aligned = EXCLUDED.sources_aligned,
			confluence_score = EXCLUDED.confluence_score,
			confluence_summary = EXCLUDED.confluence_summary,
			trade_setup = EXCLUDED.trade_setup,
			updated_at = EXCLUDED.updated_at;`, d.table("symbol_states")),
		state.Symbol, state.SourcesAligned, nullFloat(state.ConfluenceScore),
		state.ConfluenceSummary, setup, state.CreatedAt.Unix(), state.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert symbol state %s: %w", state.Symbol, err)
	}
	return nil
}

func (d *PostgresDB) upsertSourceState(ex execer, ss *models.MSourceState) error {
	_, err := ex.Exec(fmt.Sprintf(`
		INSERT INTO %s (symbol, source, bias, structural_phase, primary_target,
			primary_support, primary_invalidation, notes, content_id, last_updated, is_stale, stale_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (symbol, source) DO UPDATE SET
			bias = EXCLUDED.bias,
			structural_phase = EXCLUDED.structural_phase,
			primary_target = EXCLUDED.primary_target,
			primary_support = EXCLUDED.primary_support,
			primary_invalidation = EXCLUDED.primary_invalidation,
			notes = EXCLUDED.notes,
			content_id = EXCLUDED.content_id,
			last_updated = EXCLUDED.last_updated,
			is_stale = EXCLUDED.is_stale,
			stale_reason = EXCLUDED.stale_reason;`, d.table("source_states")),
		ss.Symbol, ss.Source, ss.Bias, ss.StructuralPhase, nullFloat(ss.PrimaryTarget),
		nullFloat(ss.PrimarySupport), nullFloat(ss.PrimaryInvalidation), ss.Notes,
		ss.ContentID, ss.LastUpdated.Unix(), ss.IsStale, ss.StaleReason)
	if err != nil {
		return fmt.Errorf("failed to upsert source state %s/%s: %w", ss.Symbol, ss.Source, err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) SaveSymbolState(state *models.MSymbolState) error {
	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := d.upsertSymbolState(tx, state); err != nil {
		return err
	}
	for _, ss := range state.SourceStates {
		if err := d.upsertSourceState(tx, &ss); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) GetSymbolState(symbol string) (*models.MSymbolState, error) {
	row := d.DB.QueryRow(fmt.Sprintf(`
		SELECT symbol, sources_aligned, confluence_score, confluence_summary, trade_setup, created_at, updated_at
		FROM %s WHERE symbol = $1;`, d.table("symbol_states")), symbol)

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

func (d *PostgresDB) AllSymbolStates() ([]models.MSymbolState, error) {
	rows, err := d.DB.Query(fmt.Sprintf(`
		SELECT symbol, sources_aligned, confluence_score, confluence_summary, trade_setup, created_at, updated_at
		FROM %s ORDER BY symbol;`, d.table("symbol_states")))
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

func (d *PostgresDB) attachSourceStates(state *models.MSymbolState) error {
	rows, err := d.DB.Query(fmt.Sprintf(`
		SELECT symbol, source, bias, structural_phase, primary_target, primary_support,
			primary_invalidation, notes, content_id, last_updated, is_stale, stale_reason
		FROM %s WHERE symbol = $1;`, d.table("source_states")), state.Symbol)
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

func (d *PostgresDB) CommitRefresh(batch *models.MRefreshBatch) error {
	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, level := range batch.NewLevels {
		if err := d.insertLevel(tx, level); err != nil {
			return err
		}
	}
	for _, level := range batch.ConfirmedLevels {
		if err := d.updateLevel(tx, level); err != nil {
			return err
		}
	}
	if batch.SourceState != nil {
		if err := d.upsertSourceState(tx, batch.SourceState); err != nil {
			return err
		}
	}
	if batch.State != nil {
		if err := d.upsertSymbolState(tx, batch.State); err != nil {
			return err
		}
	}
	for _, co := range batch.ContentOutcomes {
		_, err := tx.Exec(fmt.Sprintf(`
			UPDATE %s SET processed_at = $1, outcome = $2, error = $3
			WHERE content_id = $4 AND symbol = $5;`, d.table("content_assignments")),
			batch.CommittedAt.Unix(), co.Outcome, co.Error, co.ContentID, co.Symbol)
		if err != nil {
			return fmt.Errorf("failed to journal outcome for %s/%s: %w", co.ContentID, co.Symbol, err)
		}
	}

	return tx.Commit()
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
