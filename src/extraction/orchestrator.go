package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"research-confluence/src/helpers"
	"research-confluence/src/interfaces"
	"research-confluence/src/logger"
	"research-confluence/src/models"
	"research-confluence/src/symbols"
)

// -----------------------------------------------------------------------------
// Extraction Orchestrator
// -----------------------------------------------------------------------------
// Turns one content item into zero or more candidate groups by driving the
// oracle: long text is chunked with overlap first, per-chunk results are
// recombined, and text-sourced snippets that cannot be matched verbatim
// against the source are rejected as probable hallucinations.
// No state is mutated here; the aggregator does that later under the lock.

type Orchestrator struct {
	Config     *models.MConfig
	Oracle     interfaces.IExtractionOracle
	Normalizer *symbols.Normalizer
	Logger     *logger.Logger
}

// -----------------------------------------------------------------------------

// Result carries recombined candidate groups plus quality counters.
type Result struct {
	Groups          []models.MSymbolExtraction
	SnippetRejected int
	UnknownMentions int
	ChunksProcessed int
}

// -----------------------------------------------------------------------------

func NewOrchestrator(cfg *models.MConfig, oracle interfaces.IExtractionOracle, n *symbols.Normalizer, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		Config:     cfg,
		Oracle:     oracle,
		Normalizer: n,
		Logger:     log,
	}
}

// -----------------------------------------------------------------------------

// ExtractCandidates runs the oracle over one content item. An error means the
// extraction failed (after the retry) and the item must be journaled as
// extraction_failed; an empty Groups with nil error genuinely means no levels.
func (o *Orchestrator) ExtractCandidates(ctx context.Context, item *models.MContentItem) (*Result, error) {
	chunks := o.chunk(item)

	res := &Result{}
	merged := make(map[string]*models.MSymbolExtraction)
	var order []string

	for i, chunk := range chunks {
		resp, err := o.callWithRetry(ctx, chunk)
		if err != nil {
			return nil, helpers.NewExtractionError(
				fmt.Sprintf("extraction failed for content %s (chunk %d/%d)", item.ID, i+1, len(chunks)), err)
		}
		res.ChunksProcessed++

		for _, group := range resp.Symbols {
			o.mergeGroup(merged, &order, group, item, res)
		}
	}

	for _, mention := range order {
		res.Groups = append(res.Groups, *merged[mention])
	}

	return res, nil
}

// -----------------------------------------------------------------------------

// callWithRetry implements the retry-once oracle policy.
func (o *Orchestrator) callWithRetry(ctx context.Context, item *models.MContentItem) (*models.MExtractionResponse, error) {
	out, err := helpers.RetryWithBackoff("oracle extraction", 2, 2*time.Second, o.Logger, func() (interface{}, error) {
		return o.Oracle.Extract(ctx, item)
	})
	if err != nil {
		return nil, err
	}
	return out.(*models.MExtractionResponse), nil
}

// -----------------------------------------------------------------------------

func (o *Orchestrator) mergeGroup(merged map[string]*models.MSymbolExtraction, order *[]string, group models.MSymbolExtraction, item *models.MContentItem, res *Result) {
	// Unresolvable mentions are dropped whole; the oracle hallucinates
	// tickers outside the tracked universe now and then.
	canonical, ok := o.Normalizer.Normalize(group.SymbolMention)
	if !ok {
		res.UnknownMentions++
		o.Logger.Debug("Dropping unrecognized mention '%s' in content %s", group.SymbolMention, item.ID)
		return
	}

	target, exists := merged[canonical]
	if !exists {
		target = &models.MSymbolExtraction{
			SymbolMention:   canonical,
			Bias:            group.Bias,
			StructuralPhase: cleanPhase(group.StructuralPhase),
			Notes:           group.Notes,
		}
		merged[canonical] = target
		*order = append(*order, canonical)
	} else {
		// Later chunks refine empty fields but never overwrite earlier ones;
		// overlapping chunks repeat themselves.
		if target.Bias == "" {
			target.Bias = group.Bias
		}
		if target.StructuralPhase == "" {
			target.StructuralPhase = cleanPhase(group.StructuralPhase)
		}
		if target.Notes == "" {
			target.Notes = group.Notes
		}
	}

	for _, cand := range group.Levels {
		if models.TextBased(item.ContentType) && !snippetVerbatim(item.Text, cand.ContextSnippet) {
			res.SnippetRejected++
			o.Logger.Warning("Rejecting candidate for %s (%s) in content %s", canonical, models.RejectSnippetMismatch, item.ID)
			continue
		}
		if hasDuplicate(target.Levels, cand) {
			continue
		}
		target.Levels = append(target.Levels, cand)
	}
}

// -----------------------------------------------------------------------------

// cleanPhase keeps only recognized structural phases. The oracle invents new
// phase labels now and then; those carry no meaning downstream.
func cleanPhase(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if models.ValidPhase(p) {
		return p
	}
	return ""
}

// -----------------------------------------------------------------------------

// hasDuplicate drops repeats produced by overlapping chunks.
func hasDuplicate(levels []models.MCandidateLevel, cand models.MCandidateLevel) bool {
	for _, l := range levels {
		if l.Type == cand.Type && l.Direction == cand.Direction && l.Price == cand.Price {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------

// snippetVerbatim checks the post-hoc hallucination guard for text sources:
// the quoted snippet must appear in the source text. Comparison is
// whitespace-normalized and case-insensitive since transcripts reflow lines.
func snippetVerbatim(text, snippet string) bool {
	s := normalizeWhitespace(snippet)
	if s == "" {
		return false
	}
	return strings.Contains(normalizeWhitespace(text), s)
}

func normalizeWhitespace(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// -----------------------------------------------------------------------------
// Chunking
// -----------------------------------------------------------------------------

// chunk splits long text into overlapping windows so the oracle never sees
// input past its reliable attention span. Boundaries snap backwards to the
// nearest sentence or line break. Image content is never chunked.
func (o *Orchestrator) chunk(item *models.MContentItem) []*models.MContentItem {
	if !models.TextBased(item.ContentType) || len(item.Text) <= o.Config.Oracle.ChunkChars {
		return []*models.MContentItem{item}
	}

	size := o.Config.Oracle.ChunkChars
	overlap := o.Config.Oracle.ChunkOverlapChars

	var out []*models.MContentItem
	start := 0
	for start < len(item.Text) {
		end := start + size
		if end >= len(item.Text) {
			end = len(item.Text)
		} else {
			end = snapToBreak(item.Text, start, end)
		}

		clone := *item
		clone.Text = item.Text[start:end]
		out = append(out, &clone)

		if end == len(item.Text) {
			break
		}
		// Break snapping can pull end back close to start. The next window
		// must always begin past the current one or the loop never advances.
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}

	o.Logger.Info("Content %s split into %d chunks (%d chars)", item.ID, len(out), len(item.Text))
	return out
}

// -----------------------------------------------------------------------------

// snapToBreak walks backwards from end looking for a newline or sentence end,
// but never gives up more than a quarter of the window.
func snapToBreak(text string, start, end int) int {
	floor := start + (end-start)*3/4
	for i := end - 1; i > floor; i-- {
		if text[i] == '\n' {
			return i + 1
		}
		if text[i] == '.' && i+1 < len(text) && text[i+1] == ' ' {
			return i + 2
		}
	}
	return end
}
