package clients

import (
	"context"
	"net/http"
	"strconv"
)

// Identity is the authenticated caller forwarded upstream.
type Identity struct {
	UserID int64
	Role   string
}

// ChargingClient forwards calls to charging-service.
type ChargingClient struct {
	base *BaseClient
}

// NewChargingClient returns client.
func NewChargingClient(baseURL string, httpClient HTTPDoer, maxTries uint) *ChargingClient {
	return &ChargingClient{base: NewBaseClient(baseURL, httpClient, maxTries)}
}

// Forward sends an authenticated call. Identity headers supplied by the client are
// replaced, never trusted.
func (c *ChargingClient) Forward(ctx context.Context, id Identity, req Request) (*Response, error) {
	h := req.Headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("X-User-ID", strconv.FormatInt(id.UserID, 10))
	if id.Role != "" {
		h.Set("X-User-Role", id.Role)
	} else {
		h.Del("X-User-Role")
	}
	req.Headers = h
	return c.base.Do(ctx, req)
}

// Callback relays a payment provider callback untouched. The provider signature is
// checked upstream.
func (c *ChargingClient) Callback(ctx context.Context, req Request) (*Response, error) {
	h := req.Headers.Clone()
	if h != nil {
		h.Del("X-User-ID")
		h.Del("X-User-Role")
	}
	req.Headers = h
	return c.base.Do(ctx, req)
}
