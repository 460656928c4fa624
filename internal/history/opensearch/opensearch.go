// Package opensearch indexes lifecycle events into an OpenSearch or
// Elasticsearch index over the REST API.
package opensearch

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

	"github.com/loykin/cliproxyctl/internal/history"
)

// Sink creates one document per event. Document ids are derived from the
// event, so a resent event is rejected by the index as a conflict and
// counted as delivered.
type Sink struct {
	http  *http.Client
	base  string
	index string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		http:  &http.Client{Timeout: 5 * time.Second},
		base:  strings.TrimRight(baseURL, "/"),
		index: index,
	}
}

// docID is stable for a given event.
func docID(e history.Event) string {
	return string(e.Type) + "-" + strconv.Itoa(e.PID) + "-" + strconv.FormatInt(e.OccurredAt.UnixNano(), 10)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	target := s.base + "/" + url.PathEscape(s.index) + "/_create/" + url.PathEscape(docID(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("index event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("opensearch: index %s returned %d: %s", s.index, resp.StatusCode, bytes.TrimSpace(msg))
}
