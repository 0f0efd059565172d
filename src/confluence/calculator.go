package confluence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"research-confluence/src/logger"
	"research-confluence/src/models"
)

// -----------------------------------------------------------------------------
// Direction compatibility
// -----------------------------------------------------------------------------
// Agreement between sources is a direction question, not a price-distance
// question. The full direction x direction rule set lives in one table so it
// can be tested exhaustively instead of hiding in branch logic.

type Compatibility int

const (
	Unrelated Compatibility = iota
	Aligned
	Conflicting
)

type directionPair struct {
	a, b string
}

var compatibilityTable = map[directionPair]Compatibility{
	// Same classification always agrees (neutral stays unrelated, below).
	{models.DirectionBullishReversal, models.DirectionBullishReversal}:   Aligned,
	{models.DirectionBullishBreakout, models.DirectionBullishBreakout}:   Aligned,
	{models.DirectionBearishReversal, models.DirectionBearishReversal}:   Aligned,
	{models.DirectionBearishBreakdown, models.DirectionBearishBreakdown}: Aligned,

	// Same side, different mechanism: still the same trade idea.
	{models.DirectionBullishReversal, models.DirectionBullishBreakout}:  Aligned,
	{models.DirectionBearishReversal, models.DirectionBearishBreakdown}: Aligned,

	// Opposite sides are conflicts in every combination.
	{models.DirectionBullishReversal, models.DirectionBearishReversal}:   Conflicting,
	{models.DirectionBullishReversal, models.DirectionBearishBreakdown}:  Conflicting,
	{models.DirectionBullishBreakout, models.DirectionBearishReversal}:   Conflicting,
	{models.DirectionBullishBreakout, models.DirectionBearishBreakdown}:  Conflicting,
}

// Compare classifies a pair of directions. Neutral is unrelated to
// everything: it neither supports nor contradicts a directional call.
func Compare(a, b string) Compatibility {
	if a == models.DirectionNeutral || b == models.DirectionNeutral {
		return Unrelated
	}
	if c, ok := compatibilityTable[directionPair{a, b}]; ok {
		return c
	}
	if c, ok := compatibilityTable[directionPair{b, a}]; ok {
		return c
	}
	return Unrelated
}

// -----------------------------------------------------------------------------
// Calculator
// -----------------------------------------------------------------------------

type Calculator struct {
	Config *models.MConfig
	Logger *logger.Logger
	Now    func() time.Time
}

// -----------------------------------------------------------------------------

func NewCalculator(cfg *models.MConfig, log *logger.Logger) *Calculator {
	return &Calculator{
		Config: cfg,
		Logger: log,
		Now:    time.Now,
	}
}

// -----------------------------------------------------------------------------

// sourceView is one source's effective directional stance. Most views are
// derived from the source's active, non-stale levels; a source that reported
// a directional bias without any priced levels still gets a zone-less view,
// so its stance participates in agreement and conflict detection.
type sourceView struct {
	source    string
	direction string
	zoneLow   float64
	zoneHigh  float64
	hasZone   bool
	levels    []models.MLevel
}

// -----------------------------------------------------------------------------

// Score recomputes the cross-source fields of state from the given levels.
// Stale and inactive levels are excluded before anything is compared: a
// stale source is a hard gate, not a down-weight. The state is mutated in
// place and also returned.
func (c *Calculator) Score(state *models.MSymbolState, levels []models.MLevel) *models.MSymbolState {
	views := c.buildViews(state, levels)

	state.SourcesAligned = false
	state.ConfluenceScore = nil
	state.TradeSetup = nil
	state.UpdatedAt = c.Now()

	// Fewer than two fresh sources: "insufficient data", which is a distinct
	// state from "low confluence". The score stays nil on purpose.
	if len(views) < 2 {
		state.ConfluenceSummary = c.insufficientSummary(views)
		return state
	}

	// Any conflicting pair zeroes the whole symbol, no matter how many other
	// sources agree.
	conflict := c.findConflict(views)
	if conflict != nil {
		zero := 0.0
		state.ConfluenceScore = &zero
		state.ConfluenceSummary = fmt.Sprintf("Sources disagree: %s. No setup while the conflict stands.", c.describeViews(views))
		return state
	}

	aligned, rest := partitionAligned(views)
	if len(aligned) < 2 {
		// Fresh sources exist but their stances are unrelated (e.g. one
		// directional view plus one neutral gamma map).
		zero := 0.0
		state.ConfluenceScore = &zero
		state.ConfluenceSummary = fmt.Sprintf("No directional agreement yet: %s", c.describeViews(views))
		return state
	}
	_ = rest

	score := c.scoreAligned(aligned, len(views))
	state.SourcesAligned = true
	state.ConfluenceScore = &score
	state.ConfluenceSummary = fmt.Sprintf("%d of %d sources aligned %s: %s",
		len(aligned), len(views), sideWord(aligned[0].direction), c.describeViews(views))
	state.TradeSetup = c.buildSetup(aligned)

	return state
}

// -----------------------------------------------------------------------------

// buildViews folds each fresh source's active levels into one directional view.
func (c *Calculator) buildViews(state *models.MSymbolState, levels []models.MLevel) []sourceView {
	bySource := make(map[string][]models.MLevel)
	for _, l := range levels {
		if !l.IsActive || l.IsStale {
			continue
		}
		// A stale source gates out its levels even when the individual
		// level rows have not been swept yet.
		if ss, ok := state.SourceStates[l.Source]; ok && ss.IsStale {
			continue
		}
		bySource[l.Source] = append(bySource[l.Source], l)
	}

	var views []sourceView
	for source, ls := range bySource {
		view := sourceView{source: source, direction: dominantDirection(ls), hasZone: true, levels: ls}
		view.zoneLow, view.zoneHigh = combinedZone(ls)
		views = append(views, view)
	}

	// A fresh source with a stated bias but no active levels still holds a
	// stance. Without this a level-less bearish call could never veto an
	// otherwise bullish symbol.
	for source, ss := range state.SourceStates {
		if ss.IsStale {
			continue
		}
		if _, ok := bySource[source]; ok {
			continue
		}
		dir, ok := biasDirection(ss.Bias)
		if !ok {
			continue
		}
		views = append(views, sourceView{source: source, direction: dir})
	}

	sort.Slice(views, func(i, j int) bool { return views[i].source < views[j].source })
	return views
}

// biasDirection maps a source's free-form bias onto the direction taxonomy.
// An empty or unrecognized bias contributes no view.
func biasDirection(bias string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(bias)) {
	case "bullish":
		return models.DirectionBullishReversal, true
	case "bearish":
		return models.DirectionBearishReversal, true
	case "neutral":
		return models.DirectionNeutral, true
	}
	return "", false
}

// -----------------------------------------------------------------------------

// dominantDirection picks the stance a source's levels express: the most
// common non-neutral direction, neutral only when nothing directional exists.
func dominantDirection(levels []models.MLevel) string {
	counts := make(map[string]int)
	for _, l := range levels {
		if l.Direction != models.DirectionNeutral {
			counts[l.Direction]++
		}
	}
	best, bestN := models.DirectionNeutral, 0
	for d, n := range counts {
		if n > bestN || (n == bestN && d < best) {
			best, bestN = d, n
		}
	}
	return best
}

// combinedZone spans all of a source's level zones.
func combinedZone(levels []models.MLevel) (float64, float64) {
	low, high := 0.0, 0.0
	for i, l := range levels {
		zl, zh := l.Zone()
		if i == 0 || zl < low {
			low = zl
		}
		if i == 0 || zh > high {
			high = zh
		}
	}
	return low, high
}

// -----------------------------------------------------------------------------

type conflictPair struct{ a, b string }

// findConflict returns the first conflicting source pair, if any.
func (c *Calculator) findConflict(views []sourceView) *conflictPair {
	for i := 0; i < len(views); i++ {
		for j := i + 1; j < len(views); j++ {
			if Compare(views[i].direction, views[j].direction) == Conflicting {
				return &conflictPair{views[i].source, views[j].source}
			}
		}
	}
	return nil
}

// partitionAligned splits views into the largest mutually-aligned group and
// the rest (neutral/unrelated stances).
func partitionAligned(views []sourceView) (aligned, rest []sourceView) {
	for _, v := range views {
		if v.direction == models.DirectionNeutral {
			rest = append(rest, v)
			continue
		}
		placed := false
		for _, a := range aligned {
			if Compare(a.direction, v.direction) == Aligned {
				placed = true
				break
			}
		}
		if placed || len(aligned) == 0 {
			aligned = append(aligned, v)
		} else {
			rest = append(rest, v)
		}
	}
	if len(aligned) == 1 {
		// A single directional source is not agreement.
		rest = append(rest, aligned[0])
		aligned = nil
	}
	return aligned, rest
}

// -----------------------------------------------------------------------------

// scoreAligned blends breadth (how many fresh sources participate in the
// agreement) with zone specificity (how tightly their price zones overlap).
func (c *Calculator) scoreAligned(aligned []sourceView, totalFresh int) float64 {
	breadth := float64(len(aligned)) / float64(totalFresh)

	// Zone specificity is only meaningful across sources that priced their
	// view. Bias-only sources widen breadth but cannot tighten zones.
	var zoned []sourceView
	for _, v := range aligned {
		if v.hasZone {
			zoned = append(zoned, v)
		}
	}
	if len(zoned) < 2 {
		score := 0.6*breadth + 0.4*0.5
		if score > 1 {
			score = 1
		}
		return score
	}

	overlapLow, overlapHigh := zoned[0].zoneLow, zoned[0].zoneHigh
	unionLow, unionHigh := zoned[0].zoneLow, zoned[0].zoneHigh
	for _, v := range zoned[1:] {
		if v.zoneLow > overlapLow {
			overlapLow = v.zoneLow
		}
		if v.zoneHigh < overlapHigh {
			overlapHigh = v.zoneHigh
		}
		if v.zoneLow < unionLow {
			unionLow = v.zoneLow
		}
		if v.zoneHigh > unionHigh {
			unionHigh = v.zoneHigh
		}
	}

	// Slack widens the overlap test so "313" and "314.5" count as the same
	// zone on a ~300 handle.
	slack := c.Config.Pipeline.ZoneTolerance * unionHigh

	specificity := 0.5 // aligned direction but disjoint zones still counts for half
	if overlapHigh+slack >= overlapLow {
		if unionHigh == unionLow {
			specificity = 1.0 // identical point levels
		} else {
			width := (overlapHigh + slack) - overlapLow
			if width > unionHigh-unionLow {
				width = unionHigh - unionLow
			}
			if width < 0 {
				width = 0
			}
			specificity = 0.5 + 0.5*(width/(unionHigh-unionLow))
		}
	}

	score := 0.6*breadth + 0.4*specificity
	if score > 1 {
		score = 1
	}
	return score
}

// -----------------------------------------------------------------------------

// buildSetup derives an entry zone, stop and target from the aligned levels.
// Long side: entries at supports, stop below invalidation, targets above.
func (c *Calculator) buildSetup(aligned []sourceView) *models.MTradeSetup {
	long := models.IsBullish(aligned[0].direction)

	setup := &models.MTradeSetup{Bias: "short"}
	if long {
		setup.Bias = "long"
	}

	var entries []models.MLevel
	var stop, target *float64
	for _, v := range aligned {
		for _, l := range v.levels {
			switch l.LevelType {
			case models.LevelSupport, models.LevelVolumeShelf, models.LevelFib:
				if long {
					entries = append(entries, l)
				} else if target == nil || l.Price < *target {
					p := l.Price
					target = &p
				}
			case models.LevelResistance:
				if !long {
					entries = append(entries, l)
				}
			case models.LevelTarget:
				p := l.Price
				if target == nil || (long && p > *target) || (!long && p < *target) {
					target = &p
				}
			case models.LevelInvalidation:
				p := l.Price
				if stop == nil {
					stop = &p
				}
			}
			if l.InvalidationPrice != nil && stop == nil {
				stop = l.InvalidationPrice
			}
		}
	}

	if len(entries) == 0 {
		// Fall back to the first priced zone among the aligned sources. An
		// agreement built purely from bias-only stances has no price to
		// anchor an entry, so it produces no setup.
		var zone *sourceView
		for i := range aligned {
			if aligned[i].hasZone {
				zone = &aligned[i]
				break
			}
		}
		if zone == nil {
			return nil
		}
		setup.EntryLow, setup.EntryHigh = zone.zoneLow, zone.zoneHigh
	} else {
		low, high := entries[0].Zone()
		for _, l := range entries[1:] {
			zl, zh := l.Zone()
			if zl < low {
				low = zl
			}
			if zh > high {
				high = zh
			}
		}
		setup.EntryLow, setup.EntryHigh = low, high
	}
	setup.Stop = stop
	setup.Target = target
	return setup
}

// -----------------------------------------------------------------------------

func (c *Calculator) insufficientSummary(views []sourceView) string {
	if len(views) == 0 {
		return "Insufficient data: no fresh sources."
	}
	return fmt.Sprintf("Insufficient data: only %s is fresh.", views[0].source)
}

// describeViews lists which source said what.
func (c *Calculator) describeViews(views []sourceView) string {
	parts := make([]string, 0, len(views))
	for _, v := range views {
		if v.hasZone {
			parts = append(parts, fmt.Sprintf("%s %s (%.2f-%.2f)", v.source, v.direction, v.zoneLow, v.zoneHigh))
		} else {
			parts = append(parts, fmt.Sprintf("%s %s (stance only)", v.source, v.direction))
		}
	}
	return strings.Join(parts, ", ")
}

// -----------------------------------------------------------------------------

func sideWord(direction string) string {
	if models.IsBullish(direction) {
		return "bullish"
	}
	if models.IsBearish(direction) {
		return "bearish"
	}
	return "neutral"
}
