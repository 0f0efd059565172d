package interfaces

// -----------------------------------------------------------------------------
// INetworkManager defines the contract for outbound HTTP.
// -----------------------------------------------------------------------------

type INetworkManager interface {

	// Get performs a GET request with retries and proxy rotation.
	Get(url string, params map[string]string) ([]byte, error)

	// -----------------------------------------------------------------------------

	// PostJSON performs a POST with a JSON body and returns the raw response.
	// headers is merged over the default headers (User-Agent, Content-Type).
	PostJSON(url string, body []byte, headers map[string]string) ([]byte, error)
}
