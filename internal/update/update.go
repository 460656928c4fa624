// Package update checks the release feed for a newer control-panel version.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultURL     = "https://api.github.com/repos/julianromli/CLIProxyAPIPlus-Easy-Installation/releases/latest"
	DefaultVersion = "1.1.0"
	noNotes        = "No release notes available."
	userAgent      = "cliproxyctl"
)

// Result is the outcome of a check. Versions carry a leading "v".
type Result struct {
	HasUpdate      bool
	CurrentVersion string
	LatestVersion  string
	ReleaseNotes   string
}

type Checker struct {
	url     string
	current string
	client  *http.Client
}

func New(url, current string, timeout time.Duration) *Checker {
	if url == "" {
		url = DefaultURL
	}
	if current == "" {
		current = DefaultVersion
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{url: url, current: normalize(current), client: &http.Client{Timeout: timeout}}
}

type release struct {
	TagName *string `json:"tag_name"`
	Body    *string `json:"body"`
}

// Check never fails: any error is folded into a "no update" result whose
// notes explain what went wrong.
func (c *Checker) Check(ctx context.Context) Result {
	r, err := c.fetch(ctx)
	if err != nil {
		return Result{
			CurrentVersion: "v" + c.current,
			LatestVersion:  "v" + c.current,
			ReleaseNotes:   "Could not check for updates: " + err.Error(),
		}
	}
	latest := c.current
	if r.TagName != nil {
		latest = normalize(*r.TagName)
	}
	notes := noNotes
	if r.Body != nil {
		notes = *r.Body
	}
	return Result{
		// plain string comparison, so "1.10.0" sorts before "1.9.0"
		HasUpdate:      latest > c.current,
		CurrentVersion: "v" + c.current,
		LatestVersion:  "v" + latest,
		ReleaseNotes:   notes,
	}
}

func (c *Checker) fetch(ctx context.Context) (release, error) {
	var r release
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return r, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := c.client.Do(req)
	if err != nil {
		return r, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return r, fmt.Errorf("HTTP Error %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return r, fmt.Errorf("decode release: %w", err)
	}
	return r, nil
}

func normalize(v string) string {
	return strings.ReplaceAll(strings.TrimSpace(v), "v", "")
}
