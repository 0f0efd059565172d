package utils

import (
	"sync"
	"time"

	"research-confluence/src/logger"
)

// SweepScheduler maps tracked symbols to their exchange calendars and tells
// the staleness monitor which symbols it may price-sweep right now.
type SweepScheduler struct {
	Calendars map[string]*TradingCalendar
	Logger    *logger.Logger
	mu        sync.RWMutex
}

// -----------------------------------------------------------------------------

func NewSweepScheduler(symbols []string, l *logger.Logger) *SweepScheduler {
	ss := &SweepScheduler{
		Calendars: make(map[string]*TradingCalendar),
		Logger:    l,
	}

	for _, symbol := range symbols {
		if cal := GetCalendar(symbol); cal != nil {
			ss.Calendars[symbol] = cal
		}
	}

	uniqueCals := make(map[*TradingCalendar]bool)
	for _, cal := range ss.Calendars {
		uniqueCals[cal] = true
	}
	ss.Logger.Info("SweepScheduler: Mapped %d symbols to %d calendars.", len(symbols), len(uniqueCals))

	return ss
}

// -----------------------------------------------------------------------------

// MarketOpen reports whether the symbol's exchange is trading right now.
// Unknown symbols default to open so a mapping gap never silences the sweep.
func (ss *SweepScheduler) MarketOpen(symbol string, now time.Time) bool {
	ss.mu.RLock()
	cal, ok := ss.Calendars[symbol]
	ss.mu.RUnlock()

	if !ok {
		return true
	}
	return cal.IsOpenOnMinute(now)
}

// -----------------------------------------------------------------------------

// SweepableSymbols filters the universe down to symbols with open markets.
func (ss *SweepScheduler) SweepableSymbols(symbols []string, now time.Time) []string {
	var out []string
	for _, s := range symbols {
		if ss.MarketOpen(s, now) {
			out = append(out, s)
		}
	}
	return out
}
