package interfaces

// -----------------------------------------------------------------------------
// IPriceFeed supplies current prices for the price-invalidation sweep.
// -----------------------------------------------------------------------------

type IPriceFeed interface {

	// Name returns the unique identifier of the feed
	Name() string

	// -----------------------------------------------------------------------------

	// CurrentPrices returns the latest spot price per requested symbol.
	// Symbols the feed could not price are simply absent from the map.
	CurrentPrices(symbols []string) (map[string]float64, error)
}
