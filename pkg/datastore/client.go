// Package datastore talks to the remote REST datastore backing the public
// dashboard. Every write is idempotent: inserts carry conflict targets,
// updates address rows by key, and repeating any operation converges on the
// same row set.
package datastore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gatehouse-labs/gatehouse/pkg/version"
)

// Upsert conflict resolutions understood by the datastore.
const (
	resolutionIgnore = "ignore-duplicates"
	resolutionMerge  = "merge-duplicates"
)

// Client provides HTTP access to the datastore's table endpoints.
type Client struct {
	baseURL    string
	key        string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a datastore client for the given endpoint and secret key.
func New(baseURL, key string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		key:        key,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
}

// do issues one request against a table endpoint. Non-2xx responses become
// errors carrying the status code and a body snippet, so callers can match
// on "HTTP 401"/"HTTP 403" for auth diagnostics.
func (c *Client) do(ctx context.Context, method, table string, query url.Values, prefer string, body, out any) error {
	endpoint := c.baseURL + "/" + table
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", table, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("User-Agent", version.Full())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned HTTP %d: %s", method, table, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", table, err)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, table string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, table, query, "", nil, out)
}

// insert POSTs rows. A non-empty onConflict turns the insert into an upsert
// with the given resolution.
func (c *Client) insert(ctx context.Context, table, onConflict, resolution string, rows any) error {
	query := url.Values{}
	prefer := "return=minimal"
	if onConflict != "" {
		query.Set("on_conflict", onConflict)
		prefer = "resolution=" + resolution + ",return=minimal"
	}
	return c.do(ctx, http.MethodPost, table, query, prefer, rows, nil)
}

func (c *Client) patch(ctx context.Context, table string, query url.Values, body any) error {
	return c.do(ctx, http.MethodPatch, table, query, "return=minimal", body, nil)
}

func (c *Client) delete(ctx context.Context, table string, query url.Values) error {
	return c.do(ctx, http.MethodDelete, table, query, "", nil, nil)
}

// inFilter renders an in.(...) predicate with every value quoted.
func inFilter(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = `"` + v + `"`
	}
	return "in.(" + strings.Join(quoted, ",") + ")"
}

// HealthStatus reports datastore reachability and round-trip latency.
type HealthStatus struct {
	Status       string `json:"status"`
	ResponseTime int64  `json:"response_time_ms"`
}

// Health reads the facility singleton and measures the round trip. The
// returned status is "healthy" or "unhealthy"; on failure the error carries
// the underlying cause.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()

	if _, err := c.FacilityStatus(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	return &HealthStatus{
		Status:       "healthy",
		ResponseTime: time.Since(start).Milliseconds(),
	}, nil
}
