package interfaces

import (
	"context"

	"research-confluence/src/models"
)

// -----------------------------------------------------------------------------
// IExtractionOracle is the seam to the external extraction capability.
// -----------------------------------------------------------------------------
// The oracle is probabilistic and occasionally malformed; everything it
// returns goes through the deterministic validator before touching state.

type IExtractionOracle interface {

	// Extract turns one content item (or one chunk of it, with text overridden)
	// into candidate levels. A decode or schema failure is an error distinct
	// from an empty Symbols list.
	Extract(ctx context.Context, item *models.MContentItem) (*models.MExtractionResponse, error)
}
