// Package client talks to a running cliproxyctl daemon over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Client provides HTTP client functionality to communicate with the cliproxyctl daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// APIError is a {success:false} reply from the daemon.
type APIError struct {
	Message string
}

func (e *APIError) Error() string { return e.Message }

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8173/api",
		Timeout: 30 * time.Second,
	}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	isReachable := resp.StatusCode == http.StatusOK
	c.logger.Debug("Daemon reachability check", "reachable", isReachable, "status", resp.StatusCode)
	return isReachable
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Start asks the daemon to launch the proxy server and returns its pid.
func (c *Client) Start(ctx context.Context) (int, error) {
	r, err := c.lifecycle(ctx, "/start")
	return r.PID, err
}

func (c *Client) Stop(ctx context.Context) error {
	_, err := c.lifecycle(ctx, "/stop")
	return err
}

func (c *Client) Restart(ctx context.Context) (Result, error) {
	return c.lifecycle(ctx, "/restart")
}

// Config returns the raw proxy configuration document.
func (c *Client) Config(ctx context.Context) (string, error) {
	var r configReply
	if err := c.do(ctx, http.MethodGet, "/config", nil, &r); err != nil {
		return "", err
	}
	if !r.Success {
		return "", &APIError{Message: r.Error}
	}
	return r.Content, nil
}

func (c *Client) SaveConfig(ctx context.Context, content string) error {
	var r Result
	if err := c.do(ctx, http.MethodPost, "/config", saveConfigRequest{Content: content}, &r); err != nil {
		return err
	}
	if !r.Success {
		return &APIError{Message: r.Error}
	}
	return nil
}

func (c *Client) AuthStatus(ctx context.Context) (map[string]bool, error) {
	out := map[string]bool{}
	err := c.do(ctx, http.MethodGet, "/auth-status", nil, &out)
	return out, err
}

func (c *Client) lifecycle(ctx context.Context, path string) (Result, error) {
	var r Result
	if err := c.do(ctx, http.MethodPost, path, nil, &r); err != nil {
		return r, err
	}
	if !r.Success {
		c.logger.Debug("API request rejected", "path", path, "error", r.Error)
		return r, &APIError{Message: r.Error}
	}
	return r, nil
}

// do performs a request and decodes a 200 reply into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}

// IsAPIError reports whether err is a rejection returned by the daemon.
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}
