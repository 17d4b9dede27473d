// Package remote is the HTTP transport to the task API: raw replays, the
// bulk sync endpoint, server-side stats and the health probe.
package remote

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// DefaultTimeout bounds every request when no http.Client is supplied.
const DefaultTimeout = 15 * time.Second

// Request is one raw call.
type Request struct {
	Method string
	URL    string
	Body   map[string]any
	// Token is sent as a bearer credential when non-empty.
	Token string
}

// Result is the decoded response of a successful call. The API wraps its
// replies in {success, data, message}; Data holds the raw data member, or
// the whole body when the reply is not wrapped.
type Result struct {
	StatusCode int             `json:"-"`
	Success    bool            `json:"success"`
	Message    string          `json:"message,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Client talks to one API base URL.
type Client struct {
	baseURL    string
	healthURL  string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHealthURL overrides the probe URL.
func WithHealthURL(u string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(u); trimmed != "" {
			c.healthURL = trimmed
		}
	}
}

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// NewClient returns a Client for baseURL (for example
// "https://tasks.example.com/api").
func NewClient(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	c := &Client{
		baseURL:    baseURL,
		healthURL:  DefaultHealthURL(baseURL),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultHealthURL derives the probe URL: the API origin without its
// trailing /api segment, plus /health.
func DefaultHealthURL(baseURL string) string {
	origin := strings.TrimRight(baseURL, "/")
	origin = strings.TrimSuffix(origin, "/api")
	return origin + "/health"
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// URL resolves an endpoint such as "/tasks/7" against the base URL.
func (c *Client) URL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return c.baseURL + endpoint
}

// Do performs one request. Any non-2xx status is an *HTTPError and any
// transport failure a *TransportError; both match outbox.ErrNetwork.
func (c *Client) Do(ctx context.Context, req Request) (Result, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return Result{}, &TransportError{Method: method, URL: req.URL, Err: err}
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return Result{}, &TransportError{Method: method, URL: req.URL, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Correlation-Id", correlationID(ctx))
	if token := strings.TrimSpace(req.Token); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, &TransportError{Method: method, URL: req.URL, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return Result{}, &TransportError{Method: method, URL: req.URL, Err: readErr}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return Result{}, &HTTPError{
			Method:     method,
			URL:        req.URL,
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}

	result := decodeResult(payload)
	result.StatusCode = resp.StatusCode
	return result, nil
}

func decodeResult(payload []byte) Result {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return Result{Success: true}
	}
	var envelope struct {
		Success *bool           `json:"success"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil || envelope.Success == nil {
		return Result{Success: true, Data: json.RawMessage(trimmed)}
	}
	return Result{Success: *envelope.Success, Message: envelope.Message, Data: envelope.Data}
}

// Health probes the service. A nil error means reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.Do(ctx, Request{Method: http.MethodGet, URL: c.healthURL})
	return err
}
