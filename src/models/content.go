package models

import "time"

// -----------------------------------------------------------------------------
// Content item (supplied by the external collection subsystem)
// -----------------------------------------------------------------------------

// Content types
const (
	ContentTranscript   = "transcript"
	ContentChartImage   = "chart_image"
	ContentTextPost     = "text_post"
	ContentCompassImage = "compass_image"
)

// Journal outcomes for a processed content item. "no_levels" and
// "extraction_failed" are distinct on purpose and must stay that way.
const (
	OutcomeUnprocessed      = "unprocessed"
	OutcomeOK               = "ok"
	OutcomeNoLevels         = "no_levels"
	OutcomeExtractionFailed = "extraction_failed"
)

var validContentTypes = map[string]struct{}{
	ContentTranscript:   {},
	ContentChartImage:   {},
	ContentTextPost:     {},
	ContentCompassImage: {},
}

// ValidContentType reports whether t is a known content type.
func ValidContentType(t string) bool {
	_, ok := validContentTypes[t]
	return ok
}

// TextBased reports whether the content type carries text that candidates
// must quote verbatim. Image types are exempt from the substring check.
func TextBased(t string) bool {
	return t == ContentTranscript || t == ContentTextPost
}

// -----------------------------------------------------------------------------

// MContentItem is one piece of raw research content. SymbolHints lets the
// collection subsystem tag image content whose symbols cannot be read from
// text; text items are additionally assigned by alias scanning at ingestion.
type MContentItem struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	ContentType string    `json:"content_type"`
	Text        string    `json:"text,omitempty"`
	ImageRef    string    `json:"image_ref,omitempty"`
	SymbolHints []string  `json:"symbol_hints,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	ReceivedAt  time.Time `json:"received_at"`
}