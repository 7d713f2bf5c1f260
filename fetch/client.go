// Package fetch talks to the store search API and coordinates applying its
// responses: one coordinator owns the visible result set and guarantees that
// a superseded request can never overwrite a newer one.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/woziwww-lang/kaimono-fullstack/geo"
	"github.com/woziwww-lang/kaimono-fullstack/querystate"
	"github.com/woziwww-lang/kaimono-fullstack/stores"
)

const (
	defaultTimeout = 10 * time.Second

	// resultLimit caps one page of map results; the map never paginates.
	resultLimit = 200
)

// Client encapsulates the HTTP client for the store search API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithTimeout sets a custom timeout for HTTP requests.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sets the X-API-Key header on every request.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

// WithClientLogger sets the logger used for request tracing.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a store API client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		baseURL: baseURL,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Error represents a structured error from the store API client.
type Error struct {
	StatusCode int
	Code       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("store API error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("store API error: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Query describes one store search request.
type Query struct {
	BBox         geo.BBox
	Search       string
	UserLocation *geo.Point
	Sort         querystate.SortMode
}

// SearchStores performs one store search. The error envelope of a 2xx
// response is treated the same as a non-2xx status.
func (c *Client) SearchStores(ctx context.Context, q Query) ([]stores.Store, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(resultLimit))
	params.Set("offset", "0")
	params.Set("bbox", q.BBox.Format())
	params.Set("q", q.Search)
	if q.UserLocation != nil {
		params.Set("user_lat", strconv.FormatFloat(q.UserLocation.Lat, 'f', -1, 64))
		params.Set("user_lon", strconv.FormatFloat(q.UserLocation.Lon, 'f', -1, 64))
	}
	params.Set("sort", string(q.Sort))
	params.Set("order", "asc")

	endpoint := c.baseURL + "/api/stores?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	c.logger.Debug("store search request", "q", q.Search, "bbox", q.BBox.Format(), "sort", q.Sort)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stores: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope stores.Envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&envelope)

	if resp.StatusCode != http.StatusOK {
		apiErr := &Error{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status code %d", resp.StatusCode),
		}
		if decodeErr == nil && envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Err = envelope.Error
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, &Error{Err: fmt.Errorf("failed to parse API response: %w", decodeErr)}
	}
	if envelope.Error != nil {
		return nil, &Error{Code: envelope.Error.Code, Err: envelope.Error}
	}

	return envelope.Data, nil
}
