package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"replaytasker/internal/dispatcher"
	"replaytasker/internal/job"
)

// Client talks to the tasker admin API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Enqueue submits a new job.
func (c *Client) Enqueue(ctx context.Context, req *job.Request) (*job.Response, error) {
	var resp job.Response
	return &resp, c.do(ctx, http.MethodPost, "/v1/jobs", req, &resp)
}

// Get returns a job with its description and annotations.
func (c *Client) Get(ctx context.Context, id string) (*job.Detail, error) {
	var detail job.Detail
	return &detail, c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &detail)
}

// List returns one bounded view.
func (c *Client) List(ctx context.Context, view string, limit int) (*job.ListResponse, error) {
	q := url.Values{}
	if view != "" {
		q.Set("view", view)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp job.ListResponse
	return &resp, c.do(ctx, http.MethodGet, path, nil, &resp)
}

// Requeue returns a job to the queue.
func (c *Client) Requeue(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/requeue", nil, nil)
}

// Prioritize sets or clears the player-requested flag.
func (c *Client) Prioritize(ctx context.Context, id string, requested bool) error {
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/priority",
		job.PriorityRequest{PlayerRequested: &requested}, nil)
}

// Delete removes a job.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(id), nil, nil)
}

// Stats returns aggregate counts and the dispatcher summary.
func (c *Client) Stats(ctx context.Context) (*job.Stats, error) {
	var stats job.Stats
	return &stats, c.do(ctx, http.MethodGet, "/v1/stats", nil, &stats)
}

// Workers returns the dispatcher's live workers.
func (c *Client) Workers(ctx context.Context) (*dispatcher.Snapshot, error) {
	var snap dispatcher.Snapshot
	return &snap, c.do(ctx, http.MethodGet, "/v1/workers", nil, &snap)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload)
		return &APIError{StatusCode: resp.StatusCode, Code: payload.Code, Message: payload.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
