package sync

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
)

// HTTPRemote talks to a sync backend over HTTP. Pull and Push mirror the
// backend's /v0/sync endpoints.
type HTTPRemote struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewHTTPRemote(baseURL, apiKey string) *HTTPRemote {
	return &HTTPRemote{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *HTTPRemote) Pull(ctx context.Context, cursor string) (Changes, error) {
	endpoint := r.BaseURL + "/v0/sync/pull"
	if cursor != "" {
		endpoint += "?cursor=" + url.QueryEscape(cursor)
	}
	var changes Changes
	if err := r.do(ctx, http.MethodGet, endpoint, nil, &changes); err != nil {
		return Changes{}, err
	}
	return changes, nil
}

func (r *HTTPRemote) Push(ctx context.Context, changes Changes) (PushResult, error) {
	var res PushResult
	if err := r.do(ctx, http.MethodPost, r.BaseURL+"/v0/sync/push", changes, &res); err != nil {
		return PushResult{}, err
	}
	return res, nil
}

func (r *HTTPRemote) do(ctx context.Context, method, endpoint string, body, out any) error {
	client := r.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.APIKey != "" {
		req.Header.Set("X-Api-Key", r.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sync backend: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
