package interfaces

import "research-confluence/src/models"

// -----------------------------------------------------------------------------
// IDataExchanger defines the contract for pushing state to connected clients.
// -----------------------------------------------------------------------------

type IDataExchanger interface {

	// Start runs the HTTP server (blocking).
	Start() error

	// -----------------------------------------------------------------------------

	// PublishState replaces the cached snapshot for one symbol and queues a
	// broadcast to websocket subscribers.
	PublishState(state *models.MSymbolState)

	// -----------------------------------------------------------------------------

	// SeedStates primes the local snapshot cache at startup.
	SeedStates(states []models.MSymbolState)

	// -----------------------------------------------------------------------------

	// Stop shuts the websocket hub down.
	Stop() error
}
