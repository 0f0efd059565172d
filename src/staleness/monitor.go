package staleness

import (
	"context"
	"fmt"
	"time"

	"research-confluence/src/aggregation"
	"research-confluence/src/interfaces"
	"research-confluence/src/logger"
	"research-confluence/src/models"
	"research-confluence/src/utils"
)

// -----------------------------------------------------------------------------
// Staleness Monitor
// -----------------------------------------------------------------------------
// Runs on a schedule, never on reads. Two independent sweeps:
//
//   time sweep:  fresh -> stale when a (symbol, source) pair goes longer than
//                its threshold without new content. The reverse transition
//                only ever happens through the aggregator.
//   price sweep: active supports far above spot (or resistances far below)
//                are deactivated with an invalidation reason. Reacts to
//                market data, not elapsed time, and only runs while the
//                symbol's market is open.
//
// Both sweeps take the symbol lock with TryLock and skip busy symbols; a
// skipped symbol is picked up on the next tick.

type stalenessThreshold func(source string) int

type Monitor struct {
	Config     *models.MConfig
	DB         interfaces.IDatabase
	Locks      interfaces.ISymbolLockTable
	Aggregator *aggregation.Aggregator
	PriceFeed  interfaces.IPriceFeed
	Scheduler  *utils.SweepScheduler
	Exchanger  interfaces.IDataExchanger
	Logger     *logger.Logger
	Threshold  stalenessThreshold
	Now        func() time.Time
}

// -----------------------------------------------------------------------------

func NewMonitor(
	cfg *models.MConfig,
	db interfaces.IDatabase,
	locks interfaces.ISymbolLockTable,
	agg *aggregation.Aggregator,
	feed interfaces.IPriceFeed,
	sched *utils.SweepScheduler,
	exch interfaces.IDataExchanger,
	threshold stalenessThreshold,
	log *logger.Logger,
) *Monitor {
	return &Monitor{
		Config:     cfg,
		DB:         db,
		Locks:      locks,
		Aggregator: agg,
		PriceFeed:  feed,
		Scheduler:  sched,
		Exchanger:  exch,
		Logger:     log,
		Threshold:  threshold,
		Now:        time.Now,
	}
}

// -----------------------------------------------------------------------------

// Run ticks the sweeps until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.Config.Staleness.SweepIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Logger.Info("Staleness monitor running every %v", interval)

	for {
		select {
		case <-ctx.Done():
			m.Logger.Info("Staleness monitor stopped")
			return
		case <-ticker.C:
			m.SweepOnce()
		}
	}
}

// -----------------------------------------------------------------------------

// SweepOnce runs one pass of both sweeps across the tracked universe.
func (m *Monitor) SweepOnce() {
	states, err := m.DB.AllSymbolStates()
	if err != nil {
		m.Logger.Error("Sweep aborted, cannot load states: %v", err)
		return
	}

	now := m.Now()

	var prices map[string]float64
	var active map[string][]models.MLevel
	if m.PriceFeed != nil && m.Config.Staleness.PriceFeedEnabled {
		symbols := make([]string, 0, len(states))
		for _, s := range states {
			symbols = append(symbols, s.Symbol)
		}
		sweepable := m.Scheduler.SweepableSymbols(symbols, now)
		if len(sweepable) > 0 {
			prices, err = m.PriceFeed.CurrentPrices(sweepable)
			if err != nil {
				m.Logger.Warning("Price feed unavailable, skipping price sweep: %v", err)
				prices = nil
			}
		}
		if len(prices) > 0 {
			// One query for the whole universe; the per-symbol slices feed
			// the price sweep below.
			levels, err := m.DB.ActiveLevels()
			if err != nil {
				m.Logger.Error("Price sweep aborted, cannot load levels: %v", err)
				prices = nil
			} else {
				active = make(map[string][]models.MLevel)
				for _, l := range levels {
					active[l.Symbol] = append(active[l.Symbol], l)
				}
			}
		}
	}

	for i := range states {
		m.sweepSymbol(&states[i], prices, active, now)
	}
}

// -----------------------------------------------------------------------------

func (m *Monitor) sweepSymbol(state *models.MSymbolState, prices map[string]float64, active map[string][]models.MLevel, now time.Time) {
	// Never race an in-flight refresh; skipped symbols catch the next tick.
	if !m.Locks.TryLock(state.Symbol) {
		m.Logger.Debug("Sweep skipping %s: refresh in flight", state.Symbol)
		return
	}
	defer m.Locks.Unlock(state.Symbol)

	changed := m.timeSweep(state, now)

	if spot, ok := prices[state.Symbol]; ok {
		if m.priceSweep(state.Symbol, spot, active[state.Symbol], now) {
			changed = true
		}
	}

	if changed {
		// Stale sources just left the confluence set; recompute before
		// anyone reads the state again.
		updated, err := m.Aggregator.Rescore(state.Symbol)
		if err != nil {
			m.Logger.Error("Rescore failed for %s: %v", state.Symbol, err)
			return
		}
		if m.Exchanger != nil {
			m.Exchanger.PublishState(updated)
		}
	}
}

// -----------------------------------------------------------------------------

// timeSweep flags (symbol, source) pairs past their freshness threshold.
func (m *Monitor) timeSweep(state *models.MSymbolState, now time.Time) bool {
	changed := false

	for source, ss := range state.SourceStates {
		if ss.IsStale {
			continue
		}
		days := m.Threshold(source)
		age := now.Sub(ss.LastUpdated)
		if age <= time.Duration(days)*24*time.Hour {
			continue
		}

		ss.IsStale = true
		ss.StaleReason = fmt.Sprintf("%s data for %s is %d days old (threshold %dd); awaiting new content",
			source, state.Symbol, int(age.Hours()/24), days)
		state.SourceStates[source] = ss
		changed = true

		m.Logger.Info("Marking %s/%s stale: %s", state.Symbol, source, ss.StaleReason)
		if err := m.markLevelsStale(state.Symbol, source, ss.StaleReason); err != nil {
			m.Logger.Error("Failed to flag stale levels for %s/%s: %v", state.Symbol, source, err)
		}
	}

	if changed {
		if err := m.DB.SaveSymbolState(state); err != nil {
			m.Logger.Error("Failed to persist staleness for %s: %v", state.Symbol, err)
		}
	}
	return changed
}

// -----------------------------------------------------------------------------

// markLevelsStale flags the pair's active levels. Stale levels stay visible;
// they are only excluded from confluence computation.
func (m *Monitor) markLevelsStale(symbol, source, reason string) error {
	levels, err := m.DB.LevelsForSymbol(symbol, source, false)
	if err != nil {
		return err
	}
	for i := range levels {
		l := &levels[i]
		if l.IsStale {
			continue
		}
		l.IsStale = true
		l.StaleReason = reason
		if err := m.DB.UpdateLevel(l); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------

// priceSweep deactivates levels the market has run away from: a support far
// above spot or a resistance far below it is no longer a tradable idea.
func (m *Monitor) priceSweep(symbol string, spot float64, levels []models.MLevel, now time.Time) bool {
	if spot <= 0 {
		return false
	}
	distance := m.Config.Staleness.InvalidationDistance

	changed := false
	for i := range levels {
		l := &levels[i]
		if !l.IsActive {
			continue
		}

		var invalid bool
		var reason string
		switch l.LevelType {
		case models.LevelSupport, models.LevelVolumeShelf:
			if l.Price > spot*(1+distance) {
				invalid = true
				reason = fmt.Sprintf("support %.2f is %.0f%% above spot %.2f", l.Price, 100*(l.Price/spot-1), spot)
			}
		case models.LevelResistance:
			if l.Price < spot*(1-distance) {
				invalid = true
				reason = fmt.Sprintf("resistance %.2f is %.0f%% below spot %.2f", l.Price, 100*(1-l.Price/spot), spot)
			}
		}

		// A level whose own invalidation price has traded also dies.
		if !invalid && l.InvalidationPrice != nil {
			if (models.IsBullish(l.Direction) && spot < *l.InvalidationPrice) ||
				(models.IsBearish(l.Direction) && spot > *l.InvalidationPrice) {
				invalid = true
				reason = fmt.Sprintf("invalidation price %.2f traded (spot %.2f)", *l.InvalidationPrice, spot)
			}
		}

		if !invalid {
			continue
		}

		// Re-read before writing: the time sweep may have flagged this row
		// since the snapshot was taken.
		row, err := m.DB.GetLevel(l.ID)
		if err != nil || row == nil {
			m.Logger.Error("Failed to reload level %d: %v", l.ID, err)
			continue
		}
		row.IsActive = false
		t := now
		row.InvalidatedAt = &t
		row.InvalidationReason = reason
		if err := m.DB.UpdateLevel(row); err != nil {
			m.Logger.Error("Failed to invalidate level %d: %v", l.ID, err)
			continue
		}
		m.Logger.Info("Invalidated %s %s level %d: %s", symbol, l.LevelType, l.ID, reason)
		changed = true
	}

	return changed
}
