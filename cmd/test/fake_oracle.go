package main

import (
	"context"
	"fmt"

	"research-confluence/src/models"
)

// -----------------------------------------------------------------------------
// ScriptedOracle
// -----------------------------------------------------------------------------
// Deterministic stand-in for the external oracle so the smoke harness runs
// the full pipeline offline. Responses are keyed by content ID; unknown IDs
// fail the way an unreachable endpoint would.

type ScriptedOracle struct {
	responses map[string]*models.MExtractionResponse
}

func NewScriptedOracle() *ScriptedOracle {
	return &ScriptedOracle{responses: make(map[string]*models.MExtractionResponse)}
}

// -----------------------------------------------------------------------------

func (o *ScriptedOracle) Script(contentID string, resp *models.MExtractionResponse) {
	o.responses[contentID] = resp
}

// -----------------------------------------------------------------------------

func (o *ScriptedOracle) Extract(ctx context.Context, item *models.MContentItem) (*models.MExtractionResponse, error) {
	if resp, ok := o.responses[item.ID]; ok {
		return resp, nil
	}
	return nil, fmt.Errorf("oracle unavailable for content %s", item.ID)
}

// -----------------------------------------------------------------------------
// StaticPriceFeed
// -----------------------------------------------------------------------------

type StaticPriceFeed struct {
	prices map[string]float64
}

func (f *StaticPriceFeed) Name() string { return "static" }

func (f *StaticPriceFeed) CurrentPrices(symbols []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, s := range symbols {
		if p, ok := f.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}
