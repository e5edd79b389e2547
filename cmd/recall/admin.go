package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/supportbot/recall/pkg/models"
)

// adminClient talks to the cache admin endpoints of a running server.
type adminClient struct {
	base string
	http *http.Client
}

func newAdminClient(addr string) *adminClient {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &adminClient{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *adminClient) stats(ctx context.Context) (models.CacheStats, error) {
	var stats models.CacheStats
	resp, err := a.do(ctx, http.MethodGet, "/cache/stats", nil)
	if err != nil {
		return stats, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return stats, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}

func (a *adminClient) clear(ctx context.Context, namespaces []string) error {
	q := url.Values{}
	for _, ns := range namespaces {
		q.Add("namespace", ns)
	}
	resp, err := a.do(ctx, http.MethodDelete, "/cache", q)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// deleteEntry reports false when the server had no such entry.
func (a *adminClient) deleteEntry(ctx context.Context, namespace, key string) (bool, error) {
	q := url.Values{"key": {key}}
	if namespace != "" {
		q.Set("namespace", namespace)
	}
	resp, err := a.do(ctx, http.MethodDelete, "/cache/entries", q)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	resp.Body.Close()
	return true, nil
}

// do sends a request and turns non-2xx replies into errors. On such an
// error the (closed) response is still returned so callers can inspect
// the status.
func (a *adminClient) do(ctx context.Context, method, path string, q url.Values) (*http.Response, error) {
	u := a.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return resp, fmt.Errorf("%s %s: server returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}
