package clients

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// HTTPDoer defines http.Client interface subset.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Request is one upstream call.
type Request struct {
	Method  string
	Path    string
	Query   string
	Body    []byte
	Headers http.Header
}

// Response is an upstream reply, passed back to the caller as-is.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// BaseClient performs upstream calls. Idempotent GETs are retried on transport errors.
type BaseClient struct {
	baseURL  string
	client   HTTPDoer
	maxTries uint
}

// NewBaseClient builds client with base URL.
func NewBaseClient(baseURL string, client HTTPDoer, maxTries uint) *BaseClient {
	if maxTries == 0 {
		maxTries = 1
	}
	return &BaseClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		maxTries: maxTries,
	}
}

func (c *BaseClient) buildURL(path, query string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := c.baseURL + path
	if query != "" {
		u += "?" + query
	}
	return u
}

// Do executes the request and returns the upstream status, content type and body.
func (c *BaseClient) Do(ctx context.Context, in Request) (*Response, error) {
	tries := c.maxTries
	if in.Method != http.MethodGet {
		tries = 1
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond

	return backoff.Retry(ctx, func() (*Response, error) {
		var reader io.Reader
		if len(in.Body) > 0 {
			reader = bytes.NewReader(in.Body)
		}
		req, err := http.NewRequestWithContext(ctx, in.Method, c.buildURL(in.Path, in.Query), reader)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		for k, vals := range in.Headers {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}
		if len(in.Body) > 0 && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, backoff.Permanent(err)
			}
			return nil, fmt.Errorf("upstream %s %s: %w", in.Method, in.Path, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("upstream %s %s: read body: %w", in.Method, in.Path, err)
		}
		return &Response{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: body}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(tries))
}

// NewDefaultHTTPClient returns *http.Client with timeout.
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
