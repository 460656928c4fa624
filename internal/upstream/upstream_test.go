package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelsNotRunningSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, time.Second)
	_, err := c.Models(context.Background(), false)
	assert.ErrorIs(t, err, ErrServerNotRunning)
	assert.Zero(t, hits.Load())
}

func TestModelsRelaysIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o"},{"id":"gemini-2.5-pro","owned_by":"google"}]}`))
	}))
	defer srv.Close()

	ids, err := NewWithBaseURL(srv.URL, time.Second).Models(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o", "gemini-2.5-pro"}, ids)
}

func TestModelsMissingDataIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ids, err := NewWithBaseURL(srv.URL, time.Second).Models(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NotNil(t, ids)
}

func TestModelsFailures(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer bad.Close()
	_, err := NewWithBaseURL(bad.URL, time.Second).Models(context.Background(), true)
	assert.Error(t, err)

	status := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer status.Close()
	_, err = NewWithBaseURL(status.URL, time.Second).Models(context.Background(), true)
	assert.ErrorContains(t, err, "502")

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	begin := time.Now()
	_, err = NewWithBaseURL(slow.URL, 50*time.Millisecond).Models(context.Background(), true)
	assert.Error(t, err)
	assert.Less(t, time.Since(begin), time.Second)
}

func TestNewUsesLocalhostPort(t *testing.T) {
	c := New(8317, 0)
	assert.Equal(t, "http://localhost:8317", c.baseURL)
	assert.Equal(t, 2*time.Second, c.client.Timeout)
}
