package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"research-confluence/src/models"
)

// -----------------------------------------------------------------------------
// Shared row scanning for the SQLite and Postgres backends
// -----------------------------------------------------------------------------

// execer is satisfied by both *sql.DB and *sql.Tx so the same write helpers
// work inside and outside a transaction.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// -----------------------------------------------------------------------------

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func marshalSetup(setup *models.MTradeSetup) (interface{}, error) {
	if setup == nil {
		return nil, nil
	}
	data, err := json.Marshal(setup)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// -----------------------------------------------------------------------------

func scanLevel(row rowScanner) (*models.MLevel, error) {
	var l models.MLevel
	var priceUpper, invalidationPrice, confidence sql.NullFloat64
	var significance, waveContext, optionsContext, fibLevel sql.NullString
	var snippet, method, contentID, invalidationReason, staleReason sql.NullString
	var invalidatedAt sql.NullInt64
	var createdAt, confirmedAt int64

	err := row.Scan(&l.ID, &l.Symbol, &l.Source, &l.LevelType, &l.Price, &priceUpper,
		&l.Direction, &significance, &waveContext, &optionsContext, &fibLevel,
		&confidence, &snippet, &method, &contentID, &l.NeedsReview, &l.IsActive,
		&invalidationPrice, &invalidatedAt, &invalidationReason, &createdAt,
		&confirmedAt, &l.IsStale, &staleReason)
	if err != nil {
		return nil, err
	}

	if priceUpper.Valid {
		l.PriceUpper = &priceUpper.Float64
	}
	if invalidationPrice.Valid {
		l.InvalidationPrice = &invalidationPrice.Float64
	}
	if invalidatedAt.Valid {
		t := time.Unix(invalidatedAt.Int64, 0).UTC()
		l.InvalidatedAt = &t
	}
	l.Significance = significance.String
	l.WaveContext = waveContext.String
	l.OptionsContext = optionsContext.String
	l.FibLevel = fibLevel.String
	l.Confidence = confidence.Float64
	l.ContextSnippet = snippet.String
	l.ExtractionMethod = method.String
	l.ContentID = contentID.String
	l.InvalidationReason = invalidationReason.String
	l.StaleReason = staleReason.String
	l.CreatedAt = time.Unix(createdAt, 0).UTC()
	l.LastConfirmedAt = time.Unix(confirmedAt, 0).UTC()
	return &l, nil
}

func scanLevels(rows *sql.Rows) ([]models.MLevel, error) {
	var levels []models.MLevel
	for rows.Next() {
		level, err := scanLevel(rows)
		if err != nil {
			return nil, err
		}
		levels = append(levels, *level)
	}
	return levels, rows.Err()
}

// -----------------------------------------------------------------------------

func scanSymbolState(row rowScanner) (*models.MSymbolState, error) {
	var s models.MSymbolState
	var score sql.NullFloat64
	var summary, setup sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&s.Symbol, &s.SourcesAligned, &score, &summary, &setup, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if score.Valid {
		s.ConfluenceScore = &score.Float64
	}
	s.ConfluenceSummary = summary.String
	if setup.Valid && setup.String != "" {
		var ts models.MTradeSetup
		if err := json.Unmarshal([]byte(setup.String), &ts); err != nil {
			return nil, err
		}
		s.TradeSetup = &ts
	}
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	s.SourceStates = make(map[string]models.MSourceState)
	return &s, nil
}

// -----------------------------------------------------------------------------

func scanSourceState(row rowScanner) (*models.MSourceState, error) {
	var ss models.MSourceState
	var target, support, invalidation sql.NullFloat64
	var phase, notes, contentID, staleReason sql.NullString
	var lastUpdated int64

	err := row.Scan(&ss.Symbol, &ss.Source, &ss.Bias, &phase, &target, &support,
		&invalidation, &notes, &contentID, &lastUpdated, &ss.IsStale, &staleReason)
	if err != nil {
		return nil, err
	}

	if target.Valid {
		ss.PrimaryTarget = &target.Float64
	}
	if support.Valid {
		ss.PrimarySupport = &support.Float64
	}
	if invalidation.Valid {
		ss.PrimaryInvalidation = &invalidation.Float64
	}
	ss.StructuralPhase = phase.String
	ss.Notes = notes.String
	ss.ContentID = contentID.String
	ss.LastUpdated = time.Unix(lastUpdated, 0).UTC()
	return &ss, nil
}
