package server

import (
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

const maxBodyBytes = 8 << 20

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// readBody decodes a JSON object leniently: an empty, oversized or malformed
// body, or one that is not an object, yields an empty map.
func readBody(c *gin.Context) map[string]any {
	out := map[string]any{}
	if c.Request.Body == nil {
		return out
	}
	b, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil || len(b) == 0 || len(b) > maxBodyBytes {
		return out
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return out
	}
	return m
}

// stringField returns body[key] when it is a string.
func stringField(body map[string]any, key string) (string, bool) {
	v, ok := body[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// isWithin reports whether p, once cleaned, stays inside dir.
func isWithin(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
