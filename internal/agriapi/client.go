// Package agriapi is a client for the agriculture backend's farmer,
// station and weather endpoints.
package agriapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const dateLayout = "2006-01-02"

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Client talks to the backend REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	log        zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the request logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// AllFarmers lists every farmer with geometry.
func (c *Client) AllFarmers(ctx context.Context) ([]FarmerRecord, error) {
	var out []FarmerRecord
	if err := c.get(ctx, "/api/api/farmers/geojson", nil, &out); err != nil {
		return nil, fmt.Errorf("fetching farmers: %w", err)
	}
	return out, nil
}

// VillageFarmers lists the farmers of one village.
func (c *Client) VillageFarmers(ctx context.Context, villageCode string) ([]FarmerRecord, error) {
	var out []FarmerRecord
	path := "/api/farmers/geojson/" + url.PathEscape(villageCode)
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, fmt.Errorf("fetching farmers of village %s: %w", villageCode, err)
	}
	return out, nil
}

// Farmers picks AllFarmers or VillageFarmers depending on villageCode.
func (c *Client) Farmers(ctx context.Context, villageCode string) ([]FarmerRecord, error) {
	if villageCode == "" {
		return c.AllFarmers(ctx)
	}
	return c.VillageFarmers(ctx, villageCode)
}

// StationMetadata lists the weather stations.
func (c *Client) StationMetadata(ctx context.Context) ([]StationMetadata, error) {
	var out []StationMetadata
	if err := c.get(ctx, "/api/villages/station_metadata", nil, &out); err != nil {
		return nil, fmt.Errorf("fetching station metadata: %w", err)
	}
	return out, nil
}

// Weather returns the readings for a village between start and end,
// oldest first.
func (c *Client) Weather(ctx context.Context, villageCode string, start, end time.Time) ([]WeatherReading, error) {
	q := url.Values{}
	q.Set("start_date", start.Format(dateLayout))
	q.Set("end_date", end.Format(dateLayout))
	q.Set("village_code", villageCode)

	var out []WeatherReading
	if err := c.get(ctx, "/api/farm-management/davis-weather-v_code", q, &out); err != nil {
		return nil, fmt.Errorf("fetching weather for village %s: %w", villageCode, err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	c.log.Debug().
		Str("url", u).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("backend request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			Method: http.MethodGet,
			URL:    u,
			Code:   resp.StatusCode,
			Body:   truncate(strings.TrimSpace(string(body)), 200),
		}
	}
	return decodeList(body, out)
}

// decodeList accepts a bare array or an object wrapping the array under
// "data" or "results". An empty body or null decodes to an empty list.
func decodeList(body []byte, out any) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil
	}
	if body[0] == '{' {
		var env struct {
			Data    json.RawMessage `json:"data"`
			Results json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		switch {
		case len(env.Data) > 0:
			body = env.Data
		case len(env.Results) > 0:
			body = env.Results
		default:
			return fmt.Errorf("decoding response: object has no data or results field")
		}
		if bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
			return nil
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
