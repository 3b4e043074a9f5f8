package binance

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"

	"acctsync/internal/conn"
	"acctsync/internal/core"
)

type wsResponse struct {
	ID     json.RawMessage `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *apiError       `json:"error,omitempty"`
}

// callWS sends one WS API request over the shared socket and returns its
// result. Non-200 responses become a RequestError joined with the API error.
func (c *Client) callWS(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	frame, err := c.mgr.Call(ctx, conn.Request{Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	return parseWSResponse(method, frame)
}

func parseWSResponse(method string, frame []byte) (json.RawMessage, error) {
	var resp wsResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, errors.Wrapf(err, "decode %s response", method)
	}
	if resp.Status == 200 {
		return resp.Result, nil
	}
	reqErr := &core.RequestError{Method: "WS", Path: method, Status: resp.Status, Body: string(frame)}
	if resp.Error == nil {
		return nil, reqErr
	}
	return nil, joinAPIError(reqErr, APIError{Code: resp.Error.Code, Msg: resp.Error.Msg})
}

func signEd25519(payload string, key ed25519.PrivateKey) string {
	signature := ed25519.Sign(key, []byte(payload))
	return base64.StdEncoding.EncodeToString(signature)
}
