package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/cliproxyctl/internal/configstore"
	"github.com/loykin/cliproxyctl/internal/login"
	"github.com/loykin/cliproxyctl/internal/supervisor"
	"github.com/loykin/cliproxyctl/internal/update"
)

type fakeSupervisor struct {
	mu       sync.Mutex
	running  bool
	pid      int
	started  time.Time
	startErr error
	stopErr  error
	nextPID  int
}

func (f *fakeSupervisor) Status(context.Context) supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return supervisor.Status{}
	}
	return supervisor.Status{Running: true, PID: f.pid, StartedAt: f.started}
}

func (f *fakeSupervisor) Start(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return 0, supervisor.ErrAlreadyRunning
	}
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.nextPID++
	f.running, f.pid, f.started = true, 1000+f.nextPID, time.UnixMilli(1700000000123)
	return f.pid, nil
}

func (f *fakeSupervisor) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return supervisor.ErrNotRunning
	}
	if f.stopErr != nil {
		return f.stopErr
	}
	f.running, f.pid = false, 0
	return nil
}

func (f *fakeSupervisor) Restart(ctx context.Context) (supervisor.RestartResult, error) {
	was := f.Status(ctx).Running
	if was {
		if err := f.Stop(ctx); err != nil {
			return supervisor.RestartResult{}, err
		}
	}
	pid, err := f.Start(ctx)
	if err != nil {
		return supervisor.RestartResult{}, fmt.Errorf("%w: %v", supervisor.ErrRestartFailed, err)
	}
	return supervisor.RestartResult{PID: pid, WasRunning: was}, nil
}

type fakeModels struct {
	ids    []string
	err    error
	called bool
}

func (f *fakeModels) Models(_ context.Context, running bool) ([]string, error) {
	f.called = true
	if !running {
		return []string{}, errors.New("server not running")
	}
	return f.ids, f.err
}

type fakeUpdates struct{ res update.Result }

func (f fakeUpdates) Check(context.Context) update.Result { return f.res }

type fixture struct {
	h      http.Handler
	sup    *fakeSupervisor
	models *fakeModels
	store  *configstore.Store
	spawns [][]string
	static string
}

func setupRouter(t *testing.T, terminals ...string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	f := &fixture{
		sup:    &fakeSupervisor{},
		models: &fakeModels{ids: []string{"gpt-4o", "gemini-2.5-pro"}},
		store:  configstore.New(filepath.Join(dir, "config.yaml"), nil),
		static: filepath.Join(dir, "gui"),
	}
	require.NoError(t, os.MkdirAll(f.static, 0o755))

	l := login.New("/home/u/bin/cliproxyapi-oauth", nil)
	avail := map[string]bool{}
	for _, n := range terminals {
		avail[n] = true
	}
	l.LookPath = func(file string) (string, error) {
		if avail[file] {
			return "/usr/bin/" + file, nil
		}
		return "", errors.New("not found")
	}
	l.Spawn = func(name string, args ...string) error {
		f.spawns = append(f.spawns, append([]string{name}, args...))
		return nil
	}

	r := NewRouter(Options{
		Supervisor: f.sup,
		Config:     f.store,
		Models:     f.models,
		Updates: fakeUpdates{res: update.Result{
			HasUpdate: true, CurrentVersion: "v1.1.0", LatestVersion: "v1.2.0", ReleaseNotes: "notes",
		}},
		Login:          l,
		ProxyPort:      8317,
		StaticDir:      f.static,
		MetricsPath:    "/metrics",
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "ok_metric 1\n") }),
	})
	f.h = r.Handler()
	return f
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestStatusStopped(t *testing.T) {
	f := setupRouter(t)
	rec := doReq(t, f.h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	m := decode(t, rec)
	assert.Equal(t, false, m["running"])
	assert.Nil(t, m["pid"])
	assert.Nil(t, m["startTime"])
	assert.Contains(t, m, "pid")
	assert.Contains(t, m, "startTime")
	assert.EqualValues(t, 8317, m["port"])
}

func TestStartStatusStopCycle(t *testing.T) {
	f := setupRouter(t)

	m := decode(t, doReq(t, f.h, http.MethodPost, "/api/start", nil))
	assert.Equal(t, true, m["success"])
	assert.EqualValues(t, 1001, m["pid"])

	m = decode(t, doReq(t, f.h, http.MethodGet, "/api/status", nil))
	assert.Equal(t, true, m["running"])
	assert.EqualValues(t, 1001, m["pid"])
	assert.EqualValues(t, 1700000000123, m["startTime"])

	m = decode(t, doReq(t, f.h, http.MethodPost, "/api/start", nil))
	assert.Equal(t, false, m["success"])
	assert.Equal(t, "Server is already running", m["error"])

	m = decode(t, doReq(t, f.h, http.MethodPost, "/api/stop", nil))
	assert.Equal(t, true, m["success"])

	m = decode(t, doReq(t, f.h, http.MethodPost, "/api/stop", nil))
	assert.Equal(t, false, m["success"])
	assert.Equal(t, "Server is not running", m["error"])

	m = decode(t, doReq(t, f.h, http.MethodGet, "/api/status", nil))
	assert.Equal(t, false, m["running"])
}

func TestStartFailure(t *testing.T) {
	f := setupRouter(t)
	f.sup.startErr = fmt.Errorf("%w: exited during settle", supervisor.ErrStartFailed)
	rec := doReq(t, f.h, http.MethodPost, "/api/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode(t, rec)
	assert.Equal(t, false, m["success"])
	assert.Equal(t, "Server failed to start", m["error"])
	assert.NotContains(t, m, "pid")
}

func TestRestart(t *testing.T) {
	f := setupRouter(t)

	m := decode(t, doReq(t, f.h, http.MethodPost, "/api/restart", nil))
	assert.Equal(t, true, m["success"])
	assert.Equal(t, false, m["restarted"])
	assert.EqualValues(t, 1001, m["pid"])

	m = decode(t, doReq(t, f.h, http.MethodPost, "/api/restart", nil))
	assert.Equal(t, true, m["success"])
	assert.Equal(t, true, m["restarted"])
	assert.EqualValues(t, 1002, m["pid"])
}

func TestRestartFailure(t *testing.T) {
	f := setupRouter(t)
	f.sup.startErr = supervisor.ErrStartFailed
	m := decode(t, doReq(t, f.h, http.MethodPost, "/api/restart", nil))
	assert.Equal(t, false, m["success"])
	assert.Equal(t, "Server failed to start after restart", m["error"])
}

func TestConfigRoundTrip(t *testing.T) {
	f := setupRouter(t)

	m := decode(t, doReq(t, f.h, http.MethodGet, "/api/config", nil))
	assert.Equal(t, false, m["success"])
	assert.Equal(t, "Config file not found", m["error"])

	content := "port: 8317\nproviders:\n  gemini:\n    api_key: \"x\"\n# ünïcode\n\n"
	m = decode(t, doReq(t, f.h, http.MethodPost, "/api/config", map[string]any{"content": content}))
	assert.Equal(t, true, m["success"])

	m = decode(t, doReq(t, f.h, http.MethodGet, "/api/config", nil))
	assert.Equal(t, true, m["success"])
	assert.Equal(t, content, m["content"])
}

func TestSaveConfigLenientBody(t *testing.T) {
	f := setupRouter(t)
	rec := doReq(t, f.h, http.MethodPost, "/api/config", "{not json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])

	m := decode(t, doReq(t, f.h, http.MethodGet, "/api/config", nil))
	assert.Equal(t, true, m["success"])
	assert.Equal(t, "", m["content"])
}

func TestAuthStatusOnlyGemini(t *testing.T) {
	f := setupRouter(t)
	require.NoError(t, f.store.Write("providers:\n  gemini:\n    api_key: \"x\"\n"))

	rec := doReq(t, f.h, http.MethodGet, "/api/auth-status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, 8)
	for id, ok := range got {
		assert.Equal(t, id == "gemini", ok, id)
	}
}

func TestModels(t *testing.T) {
	f := setupRouter(t)

	m := decode(t, doReq(t, f.h, http.MethodGet, "/api/models", nil))
	assert.Equal(t, false, m["success"])
	assert.Equal(t, []any{}, m["models"])
	assert.NotContains(t, m, "error")

	_, err := f.sup.Start(context.Background())
	require.NoError(t, err)
	m = decode(t, doReq(t, f.h, http.MethodGet, "/api/models", nil))
	assert.Equal(t, true, m["success"])
	assert.Equal(t, []any{"gpt-4o", "gemini-2.5-pro"}, m["models"])

	f.models.err = errors.New("connection refused")
	m = decode(t, doReq(t, f.h, http.MethodGet, "/api/models", nil))
	assert.Equal(t, false, m["success"])
	assert.Equal(t, []any{}, m["models"])
	assert.Equal(t, "connection refused", m["error"])
}

func TestStats(t *testing.T) {
	f := setupRouter(t)
	m := decode(t, doReq(t, f.h, http.MethodGet, "/api/stats", nil))
	assert.EqualValues(t, 0, m["total"])
	assert.EqualValues(t, 0, m["success"])
	assert.EqualValues(t, 0, m["errors"])
	assert.EqualValues(t, 0, m["avgLatency"])
}

func TestUpdateEndpoints(t *testing.T) {
	f := setupRouter(t)
	m := decode(t, doReq(t, f.h, http.MethodGet, "/api/update/check", nil))
	assert.Equal(t, true, m["success"])
	assert.Equal(t, true, m["hasUpdate"])
	assert.Equal(t, "v1.1.0", m["currentVersion"])
	assert.Equal(t, "v1.2.0", m["latestVersion"])
	assert.Equal(t, "notes", m["releaseNotes"])

	m = decode(t, doReq(t, f.h, http.MethodPost, "/api/update/apply", nil))
	assert.Equal(t, false, m["success"])
	assert.Equal(t, "Updates not implemented yet", m["error"])
}

func TestProviderLogin(t *testing.T) {
	f := setupRouter(t, "xterm")

	m := decode(t, doReq(t, f.h, http.MethodPost, "/api/provider/login", map[string]any{"provider": "gemini"}))
	assert.Equal(t, true, m["success"])
	assert.Equal(t, "Opening terminal for gemini login", m["message"])
	require.Len(t, f.spawns, 1)
	assert.Equal(t, []string{"/usr/bin/xterm", "-e", "/home/u/bin/cliproxyapi-oauth", "--gemini"}, f.spawns[0])

	m = decode(t, doReq(t, f.h, http.MethodPost, "/api/provider/login", map[string]any{}))
	assert.Equal(t, false, m["success"])
	assert.Equal(t, "Provider not specified", m["error"])

	m = decode(t, doReq(t, f.h, http.MethodPost, "/api/provider/login", "garbage"))
	assert.Equal(t, "Provider not specified", m["error"])

	m = decode(t, doReq(t, f.h, http.MethodPost, "/api/provider/login", map[string]any{"provider": "myspace"}))
	assert.Equal(t, false, m["success"])
	assert.Equal(t, "Unknown provider: myspace", m["error"])
	assert.Len(t, f.spawns, 1)
}

func TestProviderLoginNoTerminal(t *testing.T) {
	f := setupRouter(t)
	m := decode(t, doReq(t, f.h, http.MethodPost, "/api/provider/login", map[string]any{"provider": "kiro"}))
	assert.Equal(t, false, m["success"])
	assert.Equal(t, "No terminal emulator found", m["error"])
	assert.Equal(t, "Please run manually: cliproxyapi-oauth --kiro", m["instructions"])
	assert.Empty(t, f.spawns)
}

func TestCORSAndPreflight(t *testing.T) {
	f := setupRouter(t)
	for _, p := range []string{"/api/status", "/api/anything", "/"} {
		rec := doReq(t, f.h, http.MethodOptions, p, nil)
		assert.Equal(t, http.StatusOK, rec.Code, p)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "Content-Type", rec.Header().Get("Access-Control-Allow-Headers"))
		assert.Empty(t, rec.Body.String())
	}
	rec := doReq(t, f.h, http.MethodGet, "/api/status", nil)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNotFound(t *testing.T) {
	f := setupRouter(t)
	cases := []struct{ method, path string }{
		{http.MethodGet, "/api/nope"},
		{http.MethodPost, "/api/nope"},
		{http.MethodPost, "/index.html"},
		{http.MethodPost, "/api/status"},
		{http.MethodGet, "/api/start"},
		{http.MethodGet, "/api/status/"},
	}
	for _, c := range cases {
		rec := doReq(t, f.h, c.method, c.path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", c.method, c.path)
		assert.JSONEq(t, `{"error":"Not Found"}`, rec.Body.String(), "%s %s", c.method, c.path)
	}
}

func TestStaticFiles(t *testing.T) {
	f := setupRouter(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.static, "index.html"), []byte("<html>panel</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.static, "app.js"), []byte("console.log(1)"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.static, "style.css"), []byte("body{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.static, "logo.png"), []byte{0x89, 0x50}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(f.static), "secret.txt"), []byte("s"), 0o644))

	cases := []struct {
		path, ctype, body string
	}{
		{"/", "text/html", "<html>panel</html>"},
		{"/index.html", "text/html", "<html>panel</html>"},
		{"/app.js", "application/javascript", "console.log(1)"},
		{"/style.css", "text/css", "body{}"},
		{"/logo.png", "application/octet-stream", "\x89\x50"},
	}
	for _, c := range cases {
		rec := doReq(t, f.h, http.MethodGet, c.path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, c.path)
		assert.Equal(t, c.ctype, rec.Header().Get("Content-Type"), c.path)
		assert.Equal(t, c.body, rec.Body.String(), c.path)
	}

	for _, p := range []string{"/missing.html", "/../secret.txt", "/%2e%2e/secret.txt"} {
		rec := doReq(t, f.h, http.MethodGet, p, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, p)
		assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"), p)
		assert.Equal(t, "404 Not Found", rec.Body.String(), p)
	}
}

func TestStaticIndexMissing(t *testing.T) {
	f := setupRouter(t)
	rec := doReq(t, f.h, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "404 Not Found", rec.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	f := setupRouter(t)
	rec := doReq(t, f.h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok_metric 1")
}

func TestConcurrentStarts(t *testing.T) {
	f := setupRouter(t)
	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := doReq(t, f.h, http.MethodPost, "/api/start", nil)
			var m map[string]any
			_ = json.Unmarshal(rec.Body.Bytes(), &m)
			results <- m["success"] == true
		}()
	}
	wg.Wait()
	close(results)
	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}
