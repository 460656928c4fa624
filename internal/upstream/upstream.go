// Package upstream queries the supervised CLIProxyAPI+ server.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var ErrServerNotRunning = errors.New("server is not running")

// Client talks to the proxy's OpenAI-compatible HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

// New returns a client for the proxy listening on localhost:port.
func New(port int, timeout time.Duration) *Client {
	return NewWithBaseURL("http://localhost:"+strconv.Itoa(port), timeout)
}

func NewWithBaseURL(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Models returns the ids listed by GET /v1/models. When running is false it
// returns ErrServerNotRunning without touching the network.
func (c *Client) Models(ctx context.Context, running bool) ([]string, error) {
	if !running {
		return nil, ErrServerNotRunning
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("models request failed: HTTP %d", resp.StatusCode)
	}
	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
