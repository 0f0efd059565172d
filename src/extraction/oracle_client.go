package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"research-confluence/src/helpers"
	"research-confluence/src/interfaces"
	"research-confluence/src/logger"
	"research-confluence/src/models"
)

// -----------------------------------------------------------------------------
// OracleClient
// -----------------------------------------------------------------------------
// HTTP client for the external extraction endpoint. The endpoint receives one
// content item (or chunk) and answers with the structured candidate schema.
// Anything that fails to decode or fails schema validation is a malformed
// reply, surfaced as an ExtractionError, never as an empty result.

type OracleClient struct {
	Config   *models.MConfig
	Network  interfaces.INetworkManager
	Logger   *logger.Logger
	validate *validator.Validate
}

// -----------------------------------------------------------------------------

type oracleRequest struct {
	ContentID   string `json:"content_id"`
	Source      string `json:"source"`
	ContentType string `json:"content_type"`
	Text        string `json:"text,omitempty"`
	ImageRef    string `json:"image_ref,omitempty"`
}

// -----------------------------------------------------------------------------

func NewOracleClient(cfg *models.MConfig, netMgr interfaces.INetworkManager, log *logger.Logger) *OracleClient {
	return &OracleClient{
		Config:   cfg,
		Network:  netMgr,
		Logger:   log,
		validate: validator.New(),
	}
}

// -----------------------------------------------------------------------------

// Extract performs one oracle call. The configured oracle timeout bounds the
// call even when the parent context has no deadline; cancellation aborts the
// wait but the refresh controller treats that as an extraction failure, so
// no partial state is committed either way.
func (c *OracleClient) Extract(ctx context.Context, item *models.MContentItem) (*models.MExtractionResponse, error) {
	body, err := json.Marshal(oracleRequest{
		ContentID:   item.ID,
		Source:      item.Source,
		ContentType: item.ContentType,
		Text:        item.Text,
		ImageRef:    item.ImageRef,
	})
	if err != nil {
		return nil, helpers.NewExtractionError("failed to encode oracle request", err)
	}

	headers := map[string]string{}
	if c.Config.Oracle.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.Config.Oracle.APIKey
	}

	timeout := time.Duration(c.Config.Oracle.TimeoutSeconds) * time.Second
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := c.Network.PostJSON(c.Config.Oracle.Endpoint, body, headers)
		done <- result{data, err}
	}()

	var raw []byte
	select {
	case <-callCtx.Done():
		return nil, helpers.NewExtractionError("oracle call aborted", callCtx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, helpers.NewExtractionError("oracle call failed", res.err)
		}
		raw = res.data
	}

	var resp models.MExtractionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, helpers.NewExtractionError("malformed oracle response", err)
	}
	if err := c.validate.Struct(&resp); err != nil {
		return nil, helpers.NewValidationError(fmt.Sprintf("oracle response failed schema validation for content %s", item.ID), err)
	}

	return &resp, nil
}
