package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"
)

// RestClient provides access to the backend's request/response API.
type RestClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	logger      *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// RestOption configures a RestClient.
type RestOption func(*RestClient)

// NewRestClient creates a new query/mutation API client.
func NewRestClient(baseURL, accessToken string, opts ...RestOption) *RestClient {
	c := &RestClient{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) RestOption {
	return func(c *RestClient) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) RestOption {
	return func(c *RestClient) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RestOption {
	return func(c *RestClient) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) RestOption {
	return func(c *RestClient) {
		c.httpClient = hc
	}
}

// Query fetches rows from a table, optionally filtered by a
// "column=value" equality predicate.
func (c *RestClient) Query(ctx context.Context, table, filter string) ([]Row, error) {
	query := url.Values{}
	if filter != "" {
		query.Set("filter", filter)
	}

	body, err := c.doWithRetry(ctx, http.MethodGet, "/rest/v1/"+table, query, nil)
	if err != nil {
		return nil, err
	}

	var rows []Row
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return rows, nil
}

// Mutate applies a single-row mutation. op is one of insert, update,
// delete. Mutations are never retried: a ServerError goes straight back
// to the caller.
func (c *RestClient) Mutate(ctx context.Context, table, op string, row Row) (Row, error) {
	var method string
	switch op {
	case "insert":
		method = http.MethodPost
	case "update":
		method = http.MethodPatch
	case "delete":
		method = http.MethodDelete
	default:
		return nil, fmt.Errorf("unknown mutation op %q", op)
	}

	body, err := c.doRequest(ctx, method, "/rest/v1/"+table, nil, row)
	if err != nil {
		return nil, err
	}

	if len(body) == 0 {
		return nil, nil
	}

	var result Row
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode mutation result: %w", err)
	}
	return result, nil
}

// Ping performs a lightweight health check.
func (c *RestClient) Ping(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/rest/v1/health", nil, nil)
	return err
}

// doRequest performs a single HTTP request.
func (c *RestClient) doRequest(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "read response", Err: err}
	}

	if resp.StatusCode >= 400 {
		serr := &ServerError{
			StatusCode: resp.StatusCode,
			Code:       http.StatusText(resp.StatusCode),
		}
		// Backend errors carry {code, message} when structured.
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
			serr.Code = parsed.Code
			serr.Message = parsed.Message
		} else {
			serr.Message = string(body)
		}
		return nil, serr
	}

	return body, nil
}

// doWithRetry performs a read request with exponential backoff retry.
func (c *RestClient) doWithRetry(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int63n(int64(backoff)))
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
				"path", path,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		body, err := c.doRequest(ctx, method, path, query, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var serr *ServerError
		if errors.As(err, &serr) && !serr.IsRetryable() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", c.maxRetries, lastErr)
}
