package server

import (
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestReadBodyLenient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name string
		body string
		want int
	}{
		{"empty", "", 0},
		{"garbage", "{oops", 0},
		{"array", `[1,2]`, 0},
		{"null", `null`, 0},
		{"string", `"x"`, 0},
		{"object", `{"content":"a","n":1}`, 2},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(w)
			ctx.Request = httptest.NewRequest("POST", "/api/config", strings.NewReader(c.body))
			got := readBody(ctx)
			if got == nil {
				t.Fatal("readBody returned nil map")
			}
			if len(got) != c.want {
				t.Fatalf("len=%d want %d (%v)", len(got), c.want, got)
			}
		})
	}
}

func TestReadBodyTooLarge(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(w)
	big := `{"content":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	ctx.Request = httptest.NewRequest("POST", "/api/config", strings.NewReader(big))
	if got := readBody(ctx); len(got) != 0 {
		t.Fatalf("expected empty map for oversized body, got %d keys", len(got))
	}
}

func TestStringField(t *testing.T) {
	body := map[string]any{"s": "v", "n": 3.0, "z": nil}
	if v, ok := stringField(body, "s"); !ok || v != "v" {
		t.Fatalf("s: %q %v", v, ok)
	}
	for _, k := range []string{"n", "z", "missing"} {
		if _, ok := stringField(body, k); ok {
			t.Fatalf("%s: expected not ok", k)
		}
	}
}

func TestIsWithin(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "srv", "gui")
	ok := []string{
		filepath.Join(root, "index.html"),
		filepath.Join(root, "js", "app.js"),
		filepath.Join(root, "..gui", "x"),
	}
	bad := []string{
		filepath.Join(root, "..", "secret"),
		filepath.Dir(root),
		filepath.Join(string(filepath.Separator), "etc", "passwd"),
	}
	for _, p := range ok {
		if !isWithin(root, p) {
			t.Fatalf("expected %q inside %q", p, root)
		}
	}
	for _, p := range bad {
		if isWithin(root, p) {
			t.Fatalf("expected %q outside %q", p, root)
		}
	}
}

func TestMimeFromExt(t *testing.T) {
	cases := map[string]string{
		".html": "text/html",
		".HTML": "text/html",
		".css":  "text/css",
		".js":   "application/javascript",
		".png":  "application/octet-stream",
		"":      "application/octet-stream",
	}
	for ext, want := range cases {
		if got := mimeFromExt(ext); got != want {
			t.Fatalf("mimeFromExt(%q)=%q want %q", ext, got, want)
		}
	}
}

func TestIsAPIPath(t *testing.T) {
	if !isAPIPath("/api") || !isAPIPath("/api/status") {
		t.Fatal("expected api paths")
	}
	if isAPIPath("/apix") || isAPIPath("/") || isAPIPath("/index.html") {
		t.Fatal("unexpected api path")
	}
}
