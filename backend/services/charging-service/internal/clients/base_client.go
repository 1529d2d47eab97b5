package clients

import (
	"bytes"
	"context"
	"encoding/json"
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

// StatusError is a non-2xx answer from a collaborator.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// BaseClient provides JSON helpers with retries for transient failures.
type BaseClient struct {
	baseURL  string
	client   HTTPDoer
	maxTries uint
	initial  time.Duration
}

// NewBaseClient builds client with base URL.
func NewBaseClient(baseURL string, client HTTPDoer, maxTries uint) *BaseClient {
	if maxTries == 0 {
		maxTries = 3
	}
	return &BaseClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		maxTries: maxTries,
		initial:  200 * time.Millisecond,
	}
}

func (c *BaseClient) buildURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// Do executes HTTP request and returns status/body.
func (c *BaseClient) Do(ctx context.Context, method, path string, body []byte, headers map[string]string) (int, []byte, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), reader)
	if err != nil {
		return 0, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// PostJSON posts payload and retries transport errors and 5xx answers with exponential
// backoff. 4xx answers fail at once.
func (c *BaseClient) PostJSON(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initial
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		status, respBody, err := c.Do(ctx, http.MethodPost, path, body, nil)
		if err != nil {
			return struct{}{}, err
		}
		if status >= 200 && status < 300 {
			return struct{}{}, nil
		}
		statusErr := &StatusError{Status: status, Body: strings.TrimSpace(string(respBody))}
		if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			return struct{}{}, statusErr
		}
		return struct{}{}, backoff.Permanent(statusErr)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(c.maxTries))
	return err
}

// NewDefaultHTTPClient returns *http.Client with timeout.
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
