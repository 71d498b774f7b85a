// Package client talks to a crystald server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nidhogg/crystalline/internal/collective"
	"github.com/nidhogg/crystalline/internal/engine"
	"github.com/nidhogg/crystalline/internal/graph"
	"github.com/nidhogg/crystalline/internal/memory"
)

// Client is an HTTP client for crystald.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client. An empty baseURL falls back to CRYSTAL_SERVER_URL
// and then to http://localhost:3210.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("CRYSTAL_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:3210"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// SubmitResponse is the result of a submission. Error is set when the
// crystal was integrated but could not be saved.
type SubmitResponse struct {
	engine.SubmitResult
	Error string `json:"error,omitempty"`
}

// SimilarHit is a crystal returned by semantic search.
type SimilarHit struct {
	memory.CrystalView
	Score float32 `json:"score"`
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Message: msg}
	}
	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return resp.StatusCode, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func ownerPath(owner string, parts ...string) string {
	p := "/api/owners/" + url.PathEscape(owner)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// Submit sends an experience for owner.
func (c *Client) Submit(ctx context.Context, owner string, rec memory.ExperienceRecord) (*SubmitResponse, error) {
	var out SubmitResponse
	if _, err := c.do(ctx, http.MethodPost, ownerPath(owner, "experiences"), rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Recall queries owner's memory. topN <= 0 uses the server default.
func (c *Client) Recall(ctx context.Context, owner, query string, topN int) ([]memory.CrystalView, error) {
	q := url.Values{"q": {query}}
	if topN > 0 {
		q.Set("top_n", strconv.Itoa(topN))
	}
	var out []memory.CrystalView
	_, err := c.do(ctx, http.MethodGet, ownerPath(owner, "memory")+"?"+q.Encode(), nil, &out)
	return out, err
}

// State exports owner's essence.
func (c *Client) State(ctx context.Context, owner string) (*memory.EssenceView, error) {
	var out memory.EssenceView
	if _, err := c.do(ctx, http.MethodGet, ownerPath(owner, "essence"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Related lists the crystals a crystal links to.
func (c *Client) Related(ctx context.Context, owner, crystalID string) (*engine.RelatedView, error) {
	var out engine.RelatedView
	if _, err := c.do(ctx, http.MethodGet, ownerPath(owner, "crystals", crystalID, "related"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Associations walks the crystal graph from crystalID.
func (c *Client) Associations(ctx context.Context, owner, crystalID string, depth int) ([]graph.Association, error) {
	path := ownerPath(owner, "crystals", crystalID, "associations")
	if depth > 0 {
		path += "?depth=" + strconv.Itoa(depth)
	}
	var out []graph.Association
	_, err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Collective pulls what other owners shared in category.
func (c *Client) Collective(ctx context.Context, owner string, category memory.Category) ([]collective.Entry, error) {
	var out []collective.Entry
	_, err := c.do(ctx, http.MethodGet, ownerPath(owner, "collective", category.String()), nil, &out)
	return out, err
}

// Similar runs a semantic search over owner's crystals.
func (c *Client) Similar(ctx context.Context, owner, query string, limit int) ([]SimilarHit, error) {
	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []SimilarHit
	_, err := c.do(ctx, http.MethodGet, ownerPath(owner, "similar")+"?"+q.Encode(), nil, &out)
	return out, err
}

// Health returns the server's health report.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	_, err := c.do(ctx, http.MethodGet, "/api/health", nil, &out)
	return out, err
}
