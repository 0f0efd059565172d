package symbols

import (
	"sort"
	"strings"
	"unicode"

	"research-confluence/src/models"
)

// -----------------------------------------------------------------------------
// Normalizer
// -----------------------------------------------------------------------------
// Resolves raw ticker/alias strings ("alphabet", "the googs", "ES_F") onto the
// fixed tracked-symbol universe. Pure and deterministic: the alias table is
// built once from config and never mutated afterwards.

type Normalizer struct {
	aliases map[string]string // upper-cased alias -> canonical ticker
	ordered []string          // aliases sorted longest-first for text scanning
	tracked map[string]struct{}
}

// -----------------------------------------------------------------------------

// NewNormalizer builds the alias table. The canonical ticker itself always
// resolves. Config validation has already rejected duplicate aliases.
func NewNormalizer(universe []models.MTrackedSymbol) *Normalizer {
	n := &Normalizer{
		aliases: make(map[string]string),
		tracked: make(map[string]struct{}),
	}

	for _, ts := range universe {
		canonical := strings.ToUpper(strings.TrimSpace(ts.Symbol))
		n.tracked[canonical] = struct{}{}
		n.aliases[canonical] = canonical
		for _, alias := range ts.Aliases {
			key := strings.ToUpper(strings.TrimSpace(alias))
			if key != "" {
				n.aliases[key] = canonical
			}
		}
	}

	for alias := range n.aliases {
		n.ordered = append(n.ordered, alias)
	}
	// Longest alias wins when one alias is a substring of another
	// ("GOOGLE CLOUD" before "GOOGLE").
	sort.Slice(n.ordered, func(i, j int) bool {
		if len(n.ordered[i]) != len(n.ordered[j]) {
			return len(n.ordered[i]) > len(n.ordered[j])
		}
		return n.ordered[i] < n.ordered[j]
	})

	return n
}

// -----------------------------------------------------------------------------

// Normalize resolves one raw token to its canonical ticker.
// ok=false means the mention is outside the tracked universe; callers drop
// the mention, they never crash on it.
func (n *Normalizer) Normalize(raw string) (string, bool) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	if key == "" {
		return "", false
	}
	// Common futures / index decorations: $GOOGL, GOOGL.US, /ES
	key = strings.TrimPrefix(key, "$")
	key = strings.TrimPrefix(key, "/")

	if canonical, ok := n.aliases[key]; ok {
		return canonical, true
	}

	// Retry without a trailing exchange suffix (GOOGL.US -> GOOGL)
	if idx := strings.LastIndexByte(key, '.'); idx > 0 {
		if canonical, ok := n.aliases[key[:idx]]; ok {
			return canonical, true
		}
	}

	return "", false
}

// -----------------------------------------------------------------------------

// Tracked returns the canonical universe, sorted.
func (n *Normalizer) Tracked() []string {
	out := make([]string, 0, len(n.tracked))
	for s := range n.tracked {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// -----------------------------------------------------------------------------

// FindMentions scans free text and returns the canonical symbols mentioned,
// longest-alias-first so "GOOGLE CLOUD" never double-counts as "GOOGLE".
// Matches must sit on word boundaries; "ARMrest" does not mention ARM.
func (n *Normalizer) FindMentions(text string) []string {
	if text == "" {
		return nil
	}
	upper := strings.ToUpper(text)

	claimed := make([]bool, len(upper))
	found := make(map[string]struct{})
	var order []string

	for _, alias := range n.ordered {
		start := 0
		for {
			idx := strings.Index(upper[start:], alias)
			if idx < 0 {
				break
			}
			pos := start + idx
			end := pos + len(alias)
			start = pos + 1

			if !boundary(upper, pos, end) {
				continue
			}
			if overlaps(claimed, pos, end) {
				continue
			}
			for i := pos; i < end; i++ {
				claimed[i] = true
			}
			canonical := n.aliases[alias]
			if _, seen := found[canonical]; !seen {
				found[canonical] = struct{}{}
				order = append(order, canonical)
			}
		}
	}

	return order
}

// -----------------------------------------------------------------------------

func boundary(s string, start, end int) bool {
	if start > 0 {
		r := rune(s[start-1])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end < len(s) {
		r := rune(s[end])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func overlaps(claimed []bool, start, end int) bool {
	for i := start; i < end; i++ {
		if claimed[i] {
			return true
		}
	}
	return false
}
