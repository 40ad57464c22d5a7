package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrDaemonUnavailable marks requests that could not reach the daemon at all.
var ErrDaemonUnavailable = errors.New("montage daemon unavailable")

// Client talks to the daemon's HTTP API.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient builds a client for the daemon bound at bind. An empty bind
// returns nil, meaning no API is configured.
func NewClient(bind string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, nil
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, err
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""

	return &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Submit registers an asset and returns the created run.
func (c *Client) Submit(ctx context.Context, assetRef string) (Run, error) {
	var out RunResponse
	err := c.do(ctx, http.MethodPost, "/api/runs", nil, SubmitRequest{AssetRef: assetRef}, &out)
	return out.Run, err
}

// List fetches runs, optionally filtered by status.
func (c *Client) List(ctx context.Context, statuses ...string) ([]Run, error) {
	values := url.Values{}
	for _, status := range statuses {
		if strings.TrimSpace(status) != "" {
			values.Add("status", status)
		}
	}
	var out RunListResponse
	err := c.do(ctx, http.MethodGet, "/api/runs", values, nil, &out)
	return out.Runs, err
}

// Describe fetches one run with its attempt history.
func (c *Client) Describe(ctx context.Context, runID string) (Run, error) {
	var out RunResponse
	err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID), nil, nil, &out)
	return out.Run, err
}

// Cancel terminally fails a run on operator request.
func (c *Client) Cancel(ctx context.Context, runID string) (Run, error) {
	var out RunResponse
	err := c.do(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(runID)+"/cancel", nil, nil, &out)
	return out.Run, err
}

// Status fetches the daemon status summary.
func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	var out DaemonStatus
	err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	if c == nil {
		return ErrDaemonUnavailable
	}

	endpoint := c.base.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var body *bytes.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
