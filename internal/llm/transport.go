package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// transport holds what every HTTP-based client needs to POST JSON.
type transport struct {
	provider   string
	baseURL    string
	apiKey     string
	keyHeader  string
	headers    map[string]string
	httpClient *http.Client
}

// Option configures an HTTP-based client.
type Option func(*transport)

// WithHTTPClient sets a custom HTTP client. Streaming requests should not use
// a client-wide Timeout; the session enforces its own deadlines.
func WithHTTPClient(c *http.Client) Option {
	return func(t *transport) { t.httpClient = c }
}

// WithBaseURL overrides the service endpoint.
func WithBaseURL(u string) Option {
	return func(t *transport) { t.baseURL = strings.TrimRight(u, "/") }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(t *transport) {
		if t.headers == nil {
			t.headers = make(map[string]string)
		}
		t.headers[key] = value
	}
}

func newTransport(provider, baseURL, apiKey string, opts []Option) transport {
	t := transport{
		provider:   provider,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// post sends payload as JSON and returns the response if its status is 2xx.
// Any other status is drained into a *StatusError.
func (t *transport) post(ctx context.Context, path string, payload any, requestID string, streaming bool) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w: %v", t.provider, ErrInvalidRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w: %v", t.provider, ErrInvalidRequest, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if t.apiKey != "" {
		if t.keyHeader != "" {
			httpReq.Header.Set(t.keyHeader, t.apiKey)
		} else {
			httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
		}
	}
	if requestID != "" {
		httpReq.Header.Set("X-Request-ID", requestID)
	}
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", t.provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, &StatusError{
			Provider:   t.provider,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	return resp, nil
}

func decodeJSON(provider string, body io.ReadCloser, v any) error {
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("%s: decode response: %w", provider, err)
	}
	return nil
}
