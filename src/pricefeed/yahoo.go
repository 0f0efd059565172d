package pricefeed

import (
	"encoding/json"
	"fmt"
	"sync"

	"research-confluence/src/interfaces"
	"research-confluence/src/logger"
	"research-confluence/src/models"
)

// -----------------------------------------------------------------------------
// YahooPriceFeed
// -----------------------------------------------------------------------------
// Spot prices for the price-invalidation sweep, pulled from the Yahoo chart
// API. This is deliberately thin: the sweep needs one recent price per
// symbol, not a history.

type YahooPriceFeed struct {
	Config  *models.MConfig
	Network interfaces.INetworkManager
	Logger  *logger.Logger
}

// -----------------------------------------------------------------------------

func NewYahooPriceFeed(cfg *models.MConfig, netMgr interfaces.INetworkManager, log *logger.Logger) *YahooPriceFeed {
	return &YahooPriceFeed{
		Config:  cfg,
		Network: netMgr,
		Logger:  log,
	}
}

// -----------------------------------------------------------------------------

func (f *YahooPriceFeed) Name() string {
	return "yahoo"
}

// -----------------------------------------------------------------------------

// CurrentPrices fetches spot per symbol concurrently, bounded by the
// configured request concurrency. Symbols that fail are absent from the
// result; the sweep simply skips them this tick.
func (f *YahooPriceFeed) CurrentPrices(symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}

	results := make(map[string]float64)
	var mu sync.Mutex
	var wg sync.WaitGroup
	var failures int
	var failuresMu sync.Mutex

	sem := make(chan struct{}, f.Config.Network.ConcurrentRequests)

	for _, symbol := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			price, err := f.fetchSpot(sym)
			if err != nil {
				f.Logger.Info("Error fetching spot for %s: %v", sym, err)
				failuresMu.Lock()
				failures++
				failuresMu.Unlock()
				return
			}

			mu.Lock()
			results[sym] = price
			mu.Unlock()
		}(symbol)
	}

	wg.Wait()

	f.Logger.Info("YahooPriceFeed: priced %d/%d symbols", len(results), len(symbols))

	if len(results) == 0 && failures > 0 {
		return nil, fmt.Errorf("all %d spot fetches failed", failures)
	}
	return results, nil
}

// -----------------------------------------------------------------------------

// yahooChartResponse covers just the fields the feed reads.
type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice float64 `json:"regularMarketPrice"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// -----------------------------------------------------------------------------

func (f *YahooPriceFeed) fetchSpot(symbol string) (float64, error) {
	params := map[string]string{
		"interval":       "5m",
		"range":          "1d",
		"includePrePost": "false",
	}
	url := fmt.Sprintf("https://query1.finance.yahoo.com/v8/finance/chart/%s", symbol)

	respBytes, err := f.Network.Get(url, params)
	if err != nil {
		return 0, fmt.Errorf("network error for %s: %w", symbol, err)
	}

	var resp yahooChartResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse chart response for %s: %w", symbol, err)
	}
	if resp.Chart.Error != nil {
		return 0, fmt.Errorf("yahoo error for %s: %s", symbol, resp.Chart.Error.Description)
	}
	if len(resp.Chart.Result) == 0 {
		return 0, fmt.Errorf("empty chart result for %s", symbol)
	}

	price := resp.Chart.Result[0].Meta.RegularMarketPrice
	if price <= 0 {
		return 0, fmt.Errorf("no regular market price for %s", symbol)
	}
	return price, nil
}
